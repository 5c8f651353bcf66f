// Package queue is the durable work queue. Every state change goes through
// the transition table in models and a version compare-and-set in the
// store, so two dispatchers can never claim the same item.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"hempdb/imagegen/internal/events"
	"hempdb/imagegen/internal/store"
	"hempdb/imagegen/models"
)

// ErrInvalidTransition is matched by every *TransitionError.
var ErrInvalidTransition = errors.New("invalid status transition")

// TransitionError rejects an operation not allowed from the current status.
type TransitionError struct {
	ID   uuid.UUID
	From models.WorkStatus
	To   models.WorkStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("work item %s: cannot move from %s to %s", e.ID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// casAttempts bounds re-reads after losing a compare-and-set.
const casAttempts = 3

type Service struct {
	store store.WorkItems
	pub   events.Publisher
	log   logrus.FieldLogger
	now   func() time.Time
}

func New(st store.WorkItems, pub events.Publisher, log logrus.FieldLogger) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Service{store: st, pub: pub, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// EnqueueRequest describes one image to generate.
type EnqueueRequest struct {
	Subject        models.SubjectKey
	Prompt         string
	NegativePrompt string
	StylePreset    string
	Priority       models.Priority
	Provider       string // optional; empty means the selection policy decides
	Metadata       map[string]interface{}
}

// Enqueue inserts a pending item with zero attempts. Products are keyed by
// subject_id; taxonomy subjects carry their reference in metadata.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*models.WorkItem, error) {
	if !req.Subject.Valid() {
		return nil, fmt.Errorf("invalid subject %q", req.Subject)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	priority, err := models.ParsePriority(string(req.Priority))
	if err != nil {
		return nil, err
	}
	req.Priority = priority

	now := s.now()
	meta := datatypes.JSONMap{}
	for k, v := range req.Metadata {
		meta[k] = v
	}
	item := &models.WorkItem{
		ID:           uuid.New(),
		SubjectKind:  req.Subject.Kind,
		Prompt:       req.Prompt,
		Priority:     req.Priority,
		PriorityRank: req.Priority.Rank(),
		Status:       models.StatusPending,
		ErrorLog:     datatypes.JSONSlice[string]{},
		Metadata:     meta,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if req.Subject.Kind == models.SubjectProduct {
		id := req.Subject.ID
		item.SubjectID = &id
	} else {
		meta[models.MetaSubjectRef] = req.Subject.ID
	}
	if req.NegativePrompt != "" {
		item.NegativePrompt = &req.NegativePrompt
	}
	if req.StylePreset != "" {
		item.StylePreset = &req.StylePreset
	}
	if req.Provider != "" {
		item.Provider = &req.Provider
	}

	if err := s.store.InsertWorkItem(ctx, item); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", req.Subject, err)
	}
	s.log.WithFields(logrus.Fields{"work_item_id": item.ID, "subject": req.Subject.String(), "priority": item.Priority}).Info("Work item enqueued")
	s.pub.Publish(events.Event{Type: events.WorkItemInserted, WorkItem: item.Clone()})
	return item, nil
}

// NextBatch returns up to limit items in dispatch order: priority desc,
// created_at asc, id asc. It does not claim them.
func (s *Service) NextBatch(ctx context.Context, limit int, statuses ...models.WorkStatus) ([]models.WorkItem, error) {
	if len(statuses) == 0 {
		statuses = models.DispatchableStatuses
	}
	return s.store.ListWorkItems(ctx, store.WorkItemFilter{Statuses: statuses, Limit: limit})
}

// Claim atomically moves a pending or retry item to processing and counts
// the attempt. A caller that loses the race gets a *TransitionError.
func (s *Service) Claim(ctx context.Context, id uuid.UUID) (*models.WorkItem, error) {
	return s.transition(ctx, id, models.StatusProcessing, func(w *models.WorkItem, now time.Time) {
		w.Attempts++
		w.StartedAt = &now
		w.CompletedAt = nil
	})
}

// Complete marks a processing item done and points it at its record.
func (s *Service) Complete(ctx context.Context, id, recordID uuid.UUID) (*models.WorkItem, error) {
	return s.transition(ctx, id, models.StatusCompleted, func(w *models.WorkItem, now time.Time) {
		ref := recordID
		w.GeneratedImageRef = &ref
		w.CompletedAt = &now
	})
}

// Fail marks a processing item failed and appends the message to its
// error log.
func (s *Service) Fail(ctx context.Context, id uuid.UUID, msg string) (*models.WorkItem, error) {
	return s.transition(ctx, id, models.StatusFailed, func(w *models.WorkItem, now time.Time) {
		w.ErrorLog = append(w.ErrorLog, msg)
		w.CompletedAt = &now
	})
}

// Retry sends a failed or completed item back to pending. The error log and
// timestamps are cleared; attempts is a lifetime counter and is kept.
func (s *Service) Retry(ctx context.Context, id uuid.UUID) (*models.WorkItem, error) {
	return s.transition(ctx, id, models.StatusPending, func(w *models.WorkItem, now time.Time) {
		w.ErrorLog = datatypes.JSONSlice[string]{}
		w.GeneratedImageRef = nil
		w.StartedAt = nil
		w.CompletedAt = nil
	})
}

// Cancel stops an item that has not finished. Cancelling a completed or
// already cancelled item is rejected.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*models.WorkItem, error) {
	return s.transition(ctx, id, models.StatusCancelled, func(w *models.WorkItem, now time.Time) {
		w.CompletedAt = &now
	})
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.WorkItem, error) {
	return s.store.GetWorkItem(ctx, id)
}

// List returns items in dispatch order, optionally filtered by status.
func (s *Service) List(ctx context.Context, statuses []models.WorkStatus, limit int) ([]models.WorkItem, error) {
	return s.store.ListWorkItems(ctx, store.WorkItemFilter{Statuses: statuses, Limit: limit})
}

// ForSubject lists a subject's items in dispatch order.
func (s *Service) ForSubject(ctx context.Context, subject models.SubjectKey, statuses ...models.WorkStatus) ([]models.WorkItem, error) {
	return s.store.ListWorkItems(ctx, store.WorkItemFilter{Statuses: statuses, Subject: &subject})
}

// transition applies a status change under compare-and-set, re-reading
// the row when another writer got there first.
func (s *Service) transition(ctx context.Context, id uuid.UUID, to models.WorkStatus, apply func(w *models.WorkItem, now time.Time)) (*models.WorkItem, error) {
	var from models.WorkStatus
	for attempt := 0; attempt < casAttempts; attempt++ {
		updated, err := s.store.UpdateWorkItem(ctx, id, func(w *models.WorkItem) error {
			from = w.Status
			if !models.CanTransition(w.Status, to) {
				return &TransitionError{ID: id, From: w.Status, To: to}
			}
			now := s.now()
			w.Status = to
			apply(w, now)
			return nil
		})
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.log.WithFields(logrus.Fields{"work_item_id": id, "from": from, "to": to, "attempts": updated.Attempts}).Debug("Work item transitioned")
		s.pub.Publish(events.Event{Type: events.WorkItemUpdated, WorkItem: updated.Clone()})
		return updated, nil
	}
	return nil, fmt.Errorf("work item %s: %w", id, store.ErrConflict)
}
