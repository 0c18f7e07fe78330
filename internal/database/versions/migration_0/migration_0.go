package migration_0

import (
	"database/sql"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Run struct {
	Id     string `gorm:"size:64;primaryKey"`
	Kind   string `gorm:"size:20;not null"`
	Task   string `gorm:"size:40"`
	Status string `gorm:"size:20;not null"`
	Stage  string `gorm:"size:20"`

	Success   sql.NullBool
	Exception sql.NullString

	Config  datatypes.JSON
	Metrics datatypes.JSON

	CreationTime   time.Time
	StartTime      sql.NullTime
	CompletionTime sql.NullTime
}

func Migration(db *gorm.DB) error {
	if err := db.AutoMigrate(&Run{}); err != nil {
		return fmt.Errorf("error creating runs table: %w", err)
	}
	return nil
}
