// Package projects stores project membership used to authorize collaboration.
package projects

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Roles a member may hold. Any role grants collaboration access.
const (
	RoleOwner  = "owner"
	RoleEditor = "editor"
	RoleViewer = "viewer"
)

var (
	errMissingDatabase  = errors.New("projects: database handle is required")
	errMissingProjectID = errors.New("projects: project id is required")
	errMissingUserID    = errors.New("projects: user id is required")
	errUnknownRole      = errors.New("projects: unknown role")
)

// Project is a collaboration room.
type Project struct {
	ID        string    `gorm:"column:project_id;primaryKey;size:64;not null"`
	Name      string    `gorm:"column:name;size:190;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

func (Project) TableName() string {
	return "projects"
}

// Member grants a user access to a project.
type Member struct {
	ProjectID string `gorm:"column:project_id;primaryKey;size:64;not null"`
	UserID    string `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	Role      string `gorm:"column:role;size:32;not null"`
}

func (Member) TableName() string {
	return "project_members"
}

// Store answers membership questions.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &Store{db: db}, nil
}

// HasProjectAccess reports whether userID is a member of projectID.
func (s *Store) HasProjectAccess(ctx context.Context, projectID, userID string) (bool, error) {
	if strings.TrimSpace(projectID) == "" {
		return false, errMissingProjectID
	}
	if strings.TrimSpace(userID) == "" {
		return false, errMissingUserID
	}
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&Member{}).
		Where("project_id = ? AND user_id = ?", projectID, userID).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("projects: access check: %w", err)
	}
	return count > 0, nil
}

// SaveProject creates the project or updates its name.
func (s *Store) SaveProject(ctx context.Context, project Project) error {
	if strings.TrimSpace(project.ID) == "" {
		return errMissingProjectID
	}
	if project.CreatedAt.IsZero() {
		project.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "project_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name"}),
	}).Create(&project).Error
}

// AddMember grants or changes a member's role.
func (s *Store) AddMember(ctx context.Context, member Member) error {
	if strings.TrimSpace(member.ProjectID) == "" {
		return errMissingProjectID
	}
	if strings.TrimSpace(member.UserID) == "" {
		return errMissingUserID
	}
	switch member.Role {
	case RoleOwner, RoleEditor, RoleViewer:
	default:
		return fmt.Errorf("%w: %q", errUnknownRole, member.Role)
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "project_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role"}),
	}).Create(&member).Error
}

// RemoveMember revokes access; removing a non-member is not an error.
func (s *Store) RemoveMember(ctx context.Context, projectID, userID string) error {
	return s.db.WithContext(ctx).
		Where("project_id = ? AND user_id = ?", projectID, userID).
		Delete(&Member{}).Error
}
