package models

import (
	"time"

	"github.com/google/uuid"
)

// CostLedgerEntry records one generation attempt. Entries are write-once.
// Success reflects the work item outcome, so a paid generation whose upload
// failed is logged with Success=false and a non-zero Cost.
type CostLedgerEntry struct {
	ID               uuid.UUID   `json:"id" gorm:"primaryKey;type:char(36)"`
	Provider         string      `json:"provider" gorm:"type:varchar(32);not null;index"`
	SubjectID        string      `json:"subject_id" gorm:"type:varchar(64);index"`
	SubjectKind      SubjectKind `json:"subject_kind" gorm:"type:varchar(32)"`
	WorkItemID       uuid.UUID   `json:"work_item_id" gorm:"type:char(36);index"`
	Cost             float64     `json:"cost" gorm:"not null;default:0"`
	GenerationTimeMs int64       `json:"generation_time_ms" gorm:"not null;default:0"`
	Success          bool        `json:"success" gorm:"not null"`
	ErrorMessage     *string     `json:"error_message,omitempty" gorm:"type:text"`
	CreatedAt        time.Time   `json:"created_at" gorm:"not null;index"`
}

func (CostLedgerEntry) TableName() string { return "image_generation_costs" }
