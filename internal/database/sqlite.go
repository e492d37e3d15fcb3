// Package database opens the service's SQLite store and keeps its schema current.
package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/erdcollab/internal/chat"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/erd"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/projects"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Models lists every table the service owns, in migration order.
func Models() []interface{} {
	return []interface{}{
		&users.Identity{},
		&projects.Project{},
		&projects.Member{},
		&erd.Schema{},
		&erd.Table{},
		&chat.Message{},
		&migrationRecord{},
	}
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("database: open %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY under chat bursts.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, fmt.Errorf("database: auto migrate: %w", err)
	}
	if err := applyMigrations(db, logger); err != nil {
		return nil, fmt.Errorf("database: named migrations: %w", err)
	}

	logger.Info("database initialized", zap.String("path", path))
	return db, nil
}
