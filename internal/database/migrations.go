package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/erdcollab/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationTrimIdentityDisplayNames = "2026-09-20_trim_identity_display_names"
	migrationDropOrphanTables         = "2026-10-02_drop_orphan_erd_tables"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func migrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationTrimIdentityDisplayNames, apply: trimIdentityDisplayNames},
		{name: migrationDropOrphanTables, apply: dropOrphanErdTables},
	}
}

// applyMigrations runs every named migration once, in order, recording each.
func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	for _, migration := range migrations() {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		}); err != nil {
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// Display names are broadcast verbatim in presence events.
func trimIdentityDisplayNames(db *gorm.DB) error {
	return db.Model(&users.Identity{}).
		Where("user_display_name <> trim(user_display_name)").
		Update("user_display_name", gorm.Expr("trim(user_display_name)")).Error
}

// Tables whose schema is gone can never resolve to a project.
func dropOrphanErdTables(db *gorm.DB) error {
	return db.Exec("DELETE FROM erd_tables WHERE schema_id NOT IN (SELECT schema_id FROM erd_schemas)").Error
}
