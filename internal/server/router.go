// Package server exposes the collaboration websocket gateway and its REST
// companions over gin.
package server

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/erdcollab/internal/auth"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/chat"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/collab/event"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/collab/mutation"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/collab/presence"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/collab/session"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/ids"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	userIDContextKey   = "erdcollab_user_id"
	userNameContextKey = "erdcollab_user_name"
	projectIDParam     = "projectId"
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingProfiles       = errors.New("profile resolver dependency required")
	errMissingAccessChecker  = errors.New("access checker dependency required")
	errMissingPresence       = errors.New("presence dependency required")
	errMissingMutations      = errors.New("mutation broadcaster dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

type TokenValidator interface {
	ValidateToken(token string) (auth.Claims, error)
}

type ProfileResolver interface {
	ResolveProfile(ctx context.Context, claims auth.Claims) (users.Profile, error)
}

type AccessChecker interface {
	HasProjectAccess(ctx context.Context, projectID, userID string) (bool, error)
}

type Presence interface {
	NotifyJoin(ctx context.Context, req presence.JoinRequest) (*session.Entry, error)
	RemoveSession(ctx context.Context, projectID, sessionID string) bool
	HandleMessage(ctx context.Context, projectID, sessionID string, raw []byte)
	Participants(projectID string) []*session.Entry
}

type MutationBroadcaster interface {
	ResolveFromTableID(ctx context.Context, tableID string) (mutation.Context, error)
	ResolveFromSchemaID(ctx context.Context, schemaID string) (mutation.Context, error)
	BroadcastWithContext(ctx context.Context, resolved mutation.Context, tableIDs []string)
}

// ChatHistory is optional; without it the chat history route is not mounted.
type ChatHistory interface {
	ListRecent(ctx context.Context, projectID string, limit int) ([]chat.Message, error)
}

type Dependencies struct {
	Tokens         TokenValidator
	Profiles       ProfileResolver
	Access         AccessChecker
	Presence       Presence
	Mutations      MutationBroadcaster
	ChatHistory    ChatHistory
	SessionIDs     func() string
	AllowedOrigins []string
	Logger         *zap.Logger
}

// Handler serves the collaboration routes and owns the live websocket
// connections accepted through them.
type Handler struct {
	http.Handler
	gateway *gateway
}

// Shutdown closes every collaboration connection with going-away and waits
// until each one left its project. New upgrades are refused from then on.
// http.Server.Shutdown does not reach hijacked connections, so callers run
// both.
func (h *Handler) Shutdown(ctx context.Context) error {
	return h.gateway.shutdown(ctx)
}

func NewHTTPHandler(deps Dependencies) (*Handler, error) {
	switch {
	case deps.Tokens == nil:
		return nil, errMissingTokenValidator
	case deps.Profiles == nil:
		return nil, errMissingProfiles
	case deps.Access == nil:
		return nil, errMissingAccessChecker
	case deps.Presence == nil:
		return nil, errMissingPresence
	case deps.Mutations == nil:
		return nil, errMissingMutations
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sessionIDs := deps.SessionIDs
	if sessionIDs == nil {
		sessionIDs = ids.NewSessionID
	}

	handler := &httpHandler{
		tokens:      deps.Tokens,
		profiles:    deps.Profiles,
		access:      deps.Access,
		presence:    deps.Presence,
		mutations:   deps.Mutations,
		chatHistory: deps.ChatHistory,
		logger:      logger,
	}
	gateway := newGateway(handler, deps.AllowedOrigins, sessionIDs)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	router.GET("/healthz", handler.handleHealth)
	router.GET("/ws/collaboration/:projectId", gateway.serve)

	protected := router.Group("/projects/:projectId")
	protected.Use(handler.authorizeRequest, handler.requireProjectAccess)
	protected.GET("/participants", handler.handleParticipants)
	protected.POST("/erd-mutations", handler.handleErdMutations)
	if handler.chatHistory != nil {
		protected.GET("/chat-messages", handler.handleChatHistory)
	}

	return &Handler{Handler: router, gateway: gateway}, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = allowedOrigins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}

type httpHandler struct {
	tokens      TokenValidator
	profiles    ProfileResolver
	access      AccessChecker
	presence    Presence
	mutations   MutationBroadcaster
	chatHistory ChatHistory
	logger      *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// authenticate validates the token and resolves the caller's profile.
func (h *httpHandler) authenticate(ctx context.Context, token string) (users.Profile, error) {
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logTokenFailure(err)
		return users.Profile{}, err
	}
	profile, err := h.profiles.ResolveProfile(ctx, claims)
	if err != nil {
		h.logger.Warn("profile resolution failed", zap.String("user_id", claims.UserID), zap.Error(err))
		return users.Profile{}, err
	}
	return profile, nil
}

// Expired tokens are routine, anything else deserves attention.
func (h *httpHandler) logTokenFailure(err error) {
	if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, jwt.ErrTokenExpired) {
		h.logger.Info("token validation failed", zap.Error(err))
		return
	}
	h.logger.Warn("token validation failed", zap.Error(err))
}

// authorized reports whether the user may collaborate on the project; check
// failures deny access.
func (h *httpHandler) authorized(ctx context.Context, projectID, userID string) bool {
	allowed, err := h.access.HasProjectAccess(ctx, projectID, userID)
	if err != nil {
		h.logger.Warn("project access check failed",
			zap.String("project_id", projectID),
			zap.String("user_id", userID),
			zap.Error(err))
		return false
	}
	return allowed
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	profile, err := h.authenticate(c.Request.Context(), token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, profile.UserID)
	c.Set(userNameContextKey, profile.UserName)
	c.Next()
}

func (h *httpHandler) requireProjectAccess(c *gin.Context) {
	projectID := strings.TrimSpace(c.Param(projectIDParam))
	if projectID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_project"})
		return
	}
	if !h.authorized(c.Request.Context(), projectID, c.GetString(userIDContextKey)) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}

type participantPayload struct {
	SessionID string        `json:"sessionId"`
	UserID    string        `json:"userId"`
	UserName  string        `json:"userName"`
	JoinedAt  int64         `json:"joinedAt"`
	SchemaID  string        `json:"schemaId,omitempty"`
	Cursor    *event.Cursor `json:"cursor,omitempty"`
}

type participantsResponse struct {
	ProjectID    string               `json:"projectId"`
	Participants []participantPayload `json:"participants"`
}

// handleParticipants is the pull path for cursors and schema focus.
func (h *httpHandler) handleParticipants(c *gin.Context) {
	projectID := c.Param(projectIDParam)
	entries := h.presence.Participants(projectID)
	response := participantsResponse{
		ProjectID:    projectID,
		Participants: make([]participantPayload, 0, len(entries)),
	}
	for _, entry := range entries {
		participant := participantPayload{
			SessionID: entry.SessionID(),
			UserID:    entry.UserID(),
			UserName:  entry.UserName(),
			JoinedAt:  entry.JoinedAt().UnixMilli(),
			SchemaID:  entry.SchemaID(),
		}
		if cursor, ok := entry.Cursor(); ok {
			participant.Cursor = &cursor
		}
		response.Participants = append(response.Participants, participant)
	}
	c.JSON(http.StatusOK, response)
}

type erdMutationRequest struct {
	TableIDs []string `json:"tableIds"`
	SchemaID string   `json:"schemaId"`
}

// handleErdMutations lets structural-edit services announce changes. The
// announcement is best effort, so the response never reflects its outcome.
// Tables and schemas that resolve to another project than the authorized one
// are not announced.
func (h *httpHandler) handleErdMutations(c *gin.Context) {
	var request erdMutationRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	ctx := c.Request.Context()
	projectID := c.Param(projectIDParam)
	tableIDs := make([]string, 0, len(request.TableIDs))
	for _, tableID := range request.TableIDs {
		if trimmed := strings.TrimSpace(tableID); trimmed != "" {
			tableIDs = append(tableIDs, trimmed)
		}
	}
	schemaID := strings.TrimSpace(request.SchemaID)

	var (
		resolved mutation.Context
		err      error
	)
	switch {
	case len(tableIDs) > 0:
		sort.Strings(tableIDs)
		resolved, err = h.mutations.ResolveFromTableID(ctx, tableIDs[0])
	case schemaID != "":
		resolved, err = h.mutations.ResolveFromSchemaID(ctx, schemaID)
	default:
		c.Status(http.StatusAccepted)
		return
	}
	switch {
	case err != nil:
		h.logger.Warn("erd mutation broadcast skipped",
			zap.String("project_id", projectID),
			zap.String("user_id", c.GetString(userIDContextKey)),
			zap.Error(err))
	case resolved.ProjectID != projectID:
		h.logger.Warn("erd mutation targets another project",
			zap.String("project_id", projectID),
			zap.String("resolved_project_id", resolved.ProjectID),
			zap.String("schema_id", resolved.SchemaID),
			zap.String("user_id", c.GetString(userIDContextKey)))
	default:
		h.mutations.BroadcastWithContext(ctx, resolved, tableIDs)
	}
	c.Status(http.StatusAccepted)
}

type chatMessagePayload struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

func (h *httpHandler) handleChatHistory(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}
	projectID := c.Param(projectIDParam)
	messages, err := h.chatHistory.ListRecent(c.Request.Context(), projectID, limit)
	if err != nil {
		h.logger.Error("failed to load chat history", zap.String("project_id", projectID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "chat_history_failed"})
		return
	}
	payload := make([]chatMessagePayload, 0, len(messages))
	for _, message := range messages {
		payload = append(payload, chatMessagePayload{
			MessageID: message.ID,
			UserID:    message.AuthorID,
			Content:   message.Content,
			Timestamp: message.CreatedAt.UnixMilli(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"projectId": projectID, "messages": payload})
}
