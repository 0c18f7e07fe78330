package database

import (
	"database/sql"
	"time"

	"gorm.io/datatypes"
)

const (
	JobQueued    string = "QUEUED"
	JobRunning   string = "RUNNING"
	JobCompleted string = "COMPLETED"
	JobFailed    string = "FAILED"
)

const (
	RunFinetune string = "finetune"
	RunBulk     string = "bulk"
)

type Run struct {
	Id     string `gorm:"size:64;primaryKey"`
	Kind   string `gorm:"size:20;not null"`
	Task   string `gorm:"size:40"`
	Status string `gorm:"size:20;not null"`
	Stage  string `gorm:"size:20"`

	Success   sql.NullBool
	Exception sql.NullString

	Config      datatypes.JSON
	Metrics     datatypes.JSON
	OutputFiles datatypes.JSON

	CreationTime   time.Time
	StartTime      sql.NullTime
	CompletionTime sql.NullTime

	Stages []RunStage `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`
}

type RunStage struct {
	RunId     string `gorm:"size:64;primaryKey"`
	Seq       int    `gorm:"primaryKey"`
	Stage     string `gorm:"size:20;not null"`
	Timestamp time.Time
}
