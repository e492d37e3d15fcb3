// Package mutation announces structural ERD edits to the sessions of the
// owning project. Announcements are best effort: resolution and publish
// failures are logged and never reach the caller that made the edit.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/erdcollab/internal/collab/event"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/erd"
	"go.uber.org/zap"
)

var (
	errMissingTables    = errors.New("mutation: table reader required")
	errMissingSchemas   = errors.New("mutation: schema reader required")
	errMissingPublisher = errors.New("mutation: event publisher required")
	errIncompleteSchema = errors.New("mutation: schema has no project")
)

// TableReader loads a table by id.
type TableReader interface {
	GetTableByID(ctx context.Context, tableID string) (erd.Table, error)
}

// SchemaReader loads a schema by id.
type SchemaReader interface {
	GetSchemaByID(ctx context.Context, schemaID string) (erd.Schema, error)
}

// EventPublisher publishes an event to a project topic.
type EventPublisher interface {
	Publish(ctx context.Context, projectID string, ev event.Outbound, excludeSessionID string) error
}

// Context is where a mutation is announced. It is resolved per call and never stored.
type Context struct {
	ProjectID string
	SchemaID  string
}

// Config wires the broadcaster.
type Config struct {
	Tables    TableReader
	Schemas   SchemaReader
	Publisher EventPublisher
	Clock     func() time.Time
	Logger    *zap.Logger
}

type Broadcaster struct {
	tables    TableReader
	schemas   SchemaReader
	publisher EventPublisher
	clock     func() time.Time
	logger    *zap.Logger
}

func NewBroadcaster(cfg Config) (*Broadcaster, error) {
	if cfg.Tables == nil {
		return nil, errMissingTables
	}
	if cfg.Schemas == nil {
		return nil, errMissingSchemas
	}
	if cfg.Publisher == nil {
		return nil, errMissingPublisher
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		tables:    cfg.Tables,
		schemas:   cfg.Schemas,
		publisher: cfg.Publisher,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Broadcast announces that the given tables changed. An empty set does
// nothing. All ids are assumed to belong to one schema, so only the first id
// (in sorted order) is resolved.
func (b *Broadcaster) Broadcast(ctx context.Context, tableIDs []string) {
	ids := normalizeIDs(tableIDs)
	if len(ids) == 0 {
		return
	}
	resolved, err := b.ResolveFromTableID(ctx, ids[0])
	if err != nil {
		b.logger.Warn("erd mutation broadcast skipped",
			zap.String("table_id", ids[0]),
			zap.Int("table_count", len(ids)),
			zap.Error(err))
		return
	}
	b.BroadcastWithContext(ctx, resolved, ids)
}

// BroadcastSchemaChange announces a schema level change with no table list.
func (b *Broadcaster) BroadcastSchemaChange(ctx context.Context, schemaID string) {
	schemaID = strings.TrimSpace(schemaID)
	if schemaID == "" {
		return
	}
	resolved, err := b.ResolveFromSchemaID(ctx, schemaID)
	if err != nil {
		b.logger.Warn("erd mutation broadcast skipped",
			zap.String("schema_id", schemaID),
			zap.Error(err))
		return
	}
	b.BroadcastWithContext(ctx, resolved, nil)
}

// BroadcastWithContext publishes without resolving. There is no sending
// session, so nobody is excluded.
func (b *Broadcaster) BroadcastWithContext(ctx context.Context, resolved Context, tableIDs []string) {
	ids := normalizeIDs(tableIDs)
	ev := event.NewErdMutated(resolved.SchemaID, ids, b.clock())
	if err := b.publisher.Publish(ctx, resolved.ProjectID, ev, ""); err != nil {
		b.logger.Warn("erd mutation publish failed",
			zap.String("project_id", resolved.ProjectID),
			zap.String("schema_id", resolved.SchemaID),
			zap.Int("table_count", len(ids)),
			zap.Error(err))
		return
	}
	b.logger.Debug("erd mutation published",
		zap.String("project_id", resolved.ProjectID),
		zap.String("schema_id", resolved.SchemaID),
		zap.Int("table_count", len(ids)))
}

// ResolveFromTableID walks table to schema to project.
func (b *Broadcaster) ResolveFromTableID(ctx context.Context, tableID string) (Context, error) {
	table, err := b.tables.GetTableByID(ctx, tableID)
	if err != nil {
		return Context{}, fmt.Errorf("mutation: resolve table %s: %w", tableID, err)
	}
	return b.ResolveFromSchemaID(ctx, table.SchemaID)
}

// ResolveFromSchemaID walks schema to project.
func (b *Broadcaster) ResolveFromSchemaID(ctx context.Context, schemaID string) (Context, error) {
	schema, err := b.schemas.GetSchemaByID(ctx, schemaID)
	if err != nil {
		return Context{}, fmt.Errorf("mutation: resolve schema %s: %w", schemaID, err)
	}
	if strings.TrimSpace(schema.ProjectID) == "" {
		return Context{}, fmt.Errorf("%w: %s", errIncompleteSchema, schemaID)
	}
	return Context{ProjectID: schema.ProjectID, SchemaID: schema.ID}, nil
}

func normalizeIDs(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	normalized := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		normalized = append(normalized, id)
	}
	sort.Strings(normalized)
	return normalized
}
