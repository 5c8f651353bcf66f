package models

import (
	"time"

	"github.com/google/uuid"
)

// GenerationRecord is one successfully produced image. Rows are never
// deleted; only IsActive changes after insert.
type GenerationRecord struct {
	ID                    uuid.UUID   `json:"id" gorm:"primaryKey;type:char(36)"`
	SubjectID             string      `json:"subject_id" gorm:"type:varchar(64);not null;index:idx_generation_subject"`
	SubjectKind           SubjectKind `json:"subject_kind" gorm:"type:varchar(32);not null;index:idx_generation_subject"`
	WorkItemID            *uuid.UUID  `json:"work_item_id,omitempty" gorm:"type:char(36)"`
	Provider              string      `json:"provider" gorm:"type:varchar(32);not null;index"`
	ImageLocation         string      `json:"image_location" gorm:"type:text;not null"`
	Prompt                string      `json:"prompt,omitempty" gorm:"type:text"`
	Cost                  float64     `json:"cost" gorm:"not null;default:0"`
	GenerationTimeSeconds float64     `json:"generation_time_seconds" gorm:"not null;default:0"`
	IsActive              bool        `json:"is_active" gorm:"not null;default:false;index"`
	CreatedAt             time.Time   `json:"created_at" gorm:"not null"`
}

func (GenerationRecord) TableName() string { return "image_generations" }

func (r *GenerationRecord) SubjectKey() SubjectKey {
	return SubjectKey{Kind: r.SubjectKind, ID: r.SubjectID}
}
