package db

import (
	"fmt"

	"github.com/zulandar/chorus/internal/config"
	"github.com/zulandar/chorus/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Persona{},
		&models.Session{},
		&models.GroupSetting{},
		&models.CachedMessage{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedBuiltinPersonas upserts the built-in persona catalog. Rows are keyed
// by (scope, name), so re-seeding updates in place and never duplicates.
func SeedBuiltinPersonas(db *gorm.DB, builtins []config.BuiltinPersona) error {
	for _, b := range builtins {
		key := models.BuiltinKeyFor(b.Scope, b.Name)
		p := models.Persona{
			Name:            b.Name,
			Instruction:     b.Instruction,
			Scope:           b.Scope,
			Builtin:         true,
			BuiltinKey:      &key,
			Temperature:     b.Temperature,
			TopP:            b.TopP,
			TopK:            b.TopK,
			MaxOutputTokens: b.MaxOutputTokens,
			ModelName:       b.Model,
		}

		result := db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "builtin_key"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"instruction", "temperature", "top_p", "top_k", "max_output_tokens", "model_name", "updated_at",
			}),
		}).Create(&p)
		if result.Error != nil {
			return fmt.Errorf("db: seed persona %q: %w", key, result.Error)
		}
	}
	return nil
}
