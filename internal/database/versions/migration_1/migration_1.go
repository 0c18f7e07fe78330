package migration_1

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Run struct {
	OutputFiles datatypes.JSON
}

type RunStage struct {
	RunId     string `gorm:"size:64;primaryKey"`
	Seq       int    `gorm:"primaryKey"`
	Stage     string `gorm:"size:20;not null"`
	Timestamp time.Time
}

func Migration(db *gorm.DB) error {
	if err := db.Migrator().AddColumn(&Run{}, "OutputFiles"); err != nil {
		return fmt.Errorf("error adding OutputFiles column: %w", err)
	}

	if err := db.Migrator().CreateTable(&RunStage{}); err != nil {
		return fmt.Errorf("error creating run_stages table: %w", err)
	}

	return nil
}

func Rollback(db *gorm.DB) error {
	if err := db.Migrator().DropTable(&RunStage{}); err != nil {
		return fmt.Errorf("error dropping run_stages table: %w", err)
	}

	if err := db.Migrator().DropColumn(&Run{}, "OutputFiles"); err != nil {
		return fmt.Errorf("error dropping OutputFiles column: %w", err)
	}

	return nil
}
