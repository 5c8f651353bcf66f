// Package store defines the persistence contract of the image generation
// queue. Backends live in subpackages: supabase (PostgREST) and sqlstore (gorm).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"hempdb/imagegen/models"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a compare-and-set update lost the race
	// against another writer.
	ErrConflict = errors.New("concurrent update conflict")
)

// InvariantViolation is a data-integrity error. It is never corrected
// silently.
type InvariantViolation struct {
	Op     string
	Detail string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation in %s: %s", e.Op, e.Detail)
}

// Mutation edits a work item in place. Returning an error aborts the update
// without writing.
type Mutation func(item *models.WorkItem) error

// WorkItemFilter selects rows for listing. Results are always ordered by
// priority rank desc, created_at asc, id asc.
type WorkItemFilter struct {
	Statuses []models.WorkStatus
	Subject  *models.SubjectKey
	Limit    int
}

// LedgerFilter selects cost ledger rows.
type LedgerFilter struct {
	Since    time.Time
	Provider string
}

// WorkItems is the durable work queue table.
type WorkItems interface {
	InsertWorkItem(ctx context.Context, item *models.WorkItem) error
	GetWorkItem(ctx context.Context, id uuid.UUID) (*models.WorkItem, error)
	ListWorkItems(ctx context.Context, f WorkItemFilter) ([]models.WorkItem, error)
	// UpdateWorkItem reads the row, applies mut and writes it back only if
	// nobody else changed it in between (version compare-and-set). It
	// returns ErrConflict when the race is lost.
	UpdateWorkItem(ctx context.Context, id uuid.UUID, mut Mutation) (*models.WorkItem, error)
	CountWorkItemsByStatus(ctx context.Context) (map[models.WorkStatus]int, error)
	// LatestWorkItems returns the newest work item per subject, newest first.
	LatestWorkItems(ctx context.Context, limit int) ([]models.WorkItem, error)
}

// Generations is the generation record store.
type Generations interface {
	// InsertGeneration stores a new record with IsActive=false.
	InsertGeneration(ctx context.Context, rec *models.GenerationRecord) error
	GetGeneration(ctx context.Context, id uuid.UUID) (*models.GenerationRecord, error)
	ListGenerations(ctx context.Context, subject models.SubjectKey) ([]models.GenerationRecord, error)
	ListActiveGenerations(ctx context.Context, provider string, limit int) ([]models.GenerationRecord, error)
	// SetActiveGeneration deactivates every record of the subject, activates
	// recordID and mirrors its location into the subject's image_url, all in
	// one transaction. A record belonging to another subject yields an
	// *InvariantViolation.
	SetActiveGeneration(ctx context.Context, subject models.SubjectKey, recordID uuid.UUID) (*Activation, error)
}

// Activation lists every generation record a set-active flip changed.
type Activation struct {
	Active      *models.GenerationRecord
	Deactivated []models.GenerationRecord
}

// Changed returns the deactivated records followed by the active one.
func (a *Activation) Changed() []models.GenerationRecord {
	out := make([]models.GenerationRecord, 0, len(a.Deactivated)+1)
	out = append(out, a.Deactivated...)
	if a.Active != nil {
		out = append(out, *a.Active)
	}
	return out
}

// Ledger is the append-only cost ledger.
type Ledger interface {
	AppendLedgerEntry(ctx context.Context, e *models.CostLedgerEntry) error
	ListLedgerEntries(ctx context.Context, f LedgerFilter) ([]models.CostLedgerEntry, error)
}

// Subjects reads the catalog tables owned by the rest of the application.
type Subjects interface {
	GetSubject(ctx context.Context, key models.SubjectKey) (*models.Subject, error)
	ListSubjectsWithoutImage(ctx context.Context, kind models.SubjectKind, limit int) ([]models.Subject, error)
}

// Store bundles every table the queue touches.
type Store interface {
	WorkItems
	Generations
	Ledger
	Subjects
	Close() error
}

// NewestPerSubject keeps the first item seen per subject from a list sorted
// newest first, up to limit subjects (0 means no limit).
func NewestPerSubject(items []models.WorkItem, limit int) []models.WorkItem {
	seen := make(map[models.SubjectKey]struct{}, len(items))
	out := make([]models.WorkItem, 0, len(items))
	for _, it := range items {
		k := it.SubjectKey()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, it)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
