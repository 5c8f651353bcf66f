package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// WorkItem represents one queued image generation request.
type WorkItem struct {
	ID                uuid.UUID                   `json:"id" gorm:"primaryKey;type:char(36)"`
	SubjectID         *string                     `json:"subject_id,omitempty" gorm:"type:varchar(64);index"` // Null for taxonomy subjects keyed by metadata.subject_ref
	SubjectKind       SubjectKind                 `json:"subject_kind" gorm:"type:varchar(32);not null;index"`
	Prompt            string                      `json:"prompt" gorm:"type:text;not null"`
	NegativePrompt    *string                     `json:"negative_prompt,omitempty" gorm:"type:text"`
	StylePreset       *string                     `json:"style_preset,omitempty" gorm:"type:varchar(64)"`
	Provider          *string                     `json:"provider,omitempty" gorm:"type:varchar(32)"` // Requested provider, empty means policy selection
	Priority          Priority                    `json:"priority" gorm:"type:varchar(16);not null"`
	PriorityRank      int                         `json:"priority_rank" gorm:"not null;index"`
	Status            WorkStatus                  `json:"status" gorm:"type:varchar(16);not null;index"`
	Attempts          int                         `json:"attempts" gorm:"not null;default:0"`
	ErrorLog          datatypes.JSONSlice[string] `json:"error_log" gorm:"type:json"`
	GeneratedImageRef *uuid.UUID                  `json:"generated_image_ref,omitempty" gorm:"type:char(36)"`
	Metadata          datatypes.JSONMap           `json:"metadata,omitempty" gorm:"type:json"`
	Version           int                         `json:"version" gorm:"not null;default:0"`
	CreatedAt         time.Time                   `json:"created_at" gorm:"not null;index"`
	UpdatedAt         time.Time                   `json:"updated_at" gorm:"not null"`
	StartedAt         *time.Time                  `json:"started_at,omitempty"`
	CompletedAt       *time.Time                  `json:"completed_at,omitempty"`
}

func (WorkItem) TableName() string { return "image_generation_queue" }

// Metadata keys understood by the queue.
const (
	MetaSubjectRef      = "subject_ref"
	MetaSubjectName     = "subject_name"
	MetaSubjectCategory = "subject_category"
	MetaSource          = "source"
)

// SubjectKey resolves the subject the item generates for. Taxonomy-level
// subjects without a subject_id fall back to metadata.subject_ref.
func (w *WorkItem) SubjectKey() SubjectKey {
	key := SubjectKey{Kind: w.SubjectKind}
	if w.SubjectID != nil && *w.SubjectID != "" {
		key.ID = *w.SubjectID
		return key
	}
	key.ID = w.MetaString(MetaSubjectRef)
	return key
}

// MetaString returns a string metadata value or "".
func (w *WorkItem) MetaString(k string) string {
	if w.Metadata == nil {
		return ""
	}
	if v, ok := w.Metadata[k].(string); ok {
		return v
	}
	return ""
}

// LastError returns the most recent entry of the error log.
func (w *WorkItem) LastError() string {
	if len(w.ErrorLog) == 0 {
		return ""
	}
	return w.ErrorLog[len(w.ErrorLog)-1]
}

// RequestedProvider returns the provider pinned on the item, if any.
func (w *WorkItem) RequestedProvider() string {
	if w.Provider == nil {
		return ""
	}
	return strings.TrimSpace(*w.Provider)
}

// Clone returns a deep copy so store implementations can hand out rows
// without sharing slices and maps.
func (w *WorkItem) Clone() *WorkItem {
	c := *w
	if w.ErrorLog != nil {
		c.ErrorLog = append(datatypes.JSONSlice[string]{}, w.ErrorLog...)
	}
	if w.Metadata != nil {
		c.Metadata = datatypes.JSONMap{}
		for k, v := range w.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
