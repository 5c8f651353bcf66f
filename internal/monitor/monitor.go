// Package monitor is the control surface behind the admin UI: read-side
// aggregates plus the operator write operations.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"hempdb/imagegen/internal/dispatcher"
	"hempdb/imagegen/internal/events"
	"hempdb/imagegen/internal/prompt"
	"hempdb/imagegen/internal/provider"
	"hempdb/imagegen/internal/queue"
	"hempdb/imagegen/internal/store"
	"hempdb/imagegen/models"
)

// ErrInvalidInput marks operator input the surface refuses.
var ErrInvalidInput = errors.New("invalid input")

// Sources recorded in work item metadata.
const (
	SourceManual     = "manual"
	SourceRegenerate = "regenerate"
	SourcePopulate   = "populate"
)

// openStatuses are items that will still be worked on without operator action.
var openStatuses = []models.WorkStatus{models.StatusPending, models.StatusRetry, models.StatusProcessing}

type Service struct {
	queue      *queue.Service
	store      store.Store
	registry   *provider.Registry
	dispatcher *dispatcher.Dispatcher
	hub        *events.Hub
	log        logrus.FieldLogger
	now        func() time.Time
}

func New(q *queue.Service, st store.Store, reg *provider.Registry, disp *dispatcher.Dispatcher, hub *events.Hub, log logrus.FieldLogger) *Service {
	return &Service{
		queue:      q,
		store:      st,
		registry:   reg,
		dispatcher: disp,
		hub:        hub,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// EnqueueInput is an operator enqueue request. An empty Prompt is rendered
// from the catalog subject.
type EnqueueInput struct {
	Subject        models.SubjectKey
	Priority       string
	Prompt         string
	NegativePrompt string
	StylePreset    string
	Provider       string
	Metadata       map[string]interface{}
}

func (s *Service) Enqueue(ctx context.Context, in EnqueueInput) (*models.WorkItem, error) {
	if !in.Subject.Valid() {
		return nil, fmt.Errorf("%w: subject kind and id are required", ErrInvalidInput)
	}
	priority, err := models.ParsePriority(in.Priority)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if in.Provider != "" && !s.knownProvider(in.Provider) {
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidInput, in.Provider)
	}

	meta := map[string]interface{}{models.MetaSource: SourceManual}
	for k, v := range in.Metadata {
		meta[k] = v
	}

	req := queue.EnqueueRequest{
		Subject:        in.Subject,
		Prompt:         strings.TrimSpace(in.Prompt),
		NegativePrompt: in.NegativePrompt,
		StylePreset:    in.StylePreset,
		Priority:       priority,
		Provider:       in.Provider,
		Metadata:       meta,
	}

	sub, err := s.store.GetSubject(ctx, in.Subject)
	switch {
	case err == nil:
		meta[models.MetaSubjectName] = sub.Name
		if c := sub.CategoryOrEmpty(); c != "" {
			meta[models.MetaSubjectCategory] = c
		}
		if req.Prompt == "" {
			rendered, err := prompt.Render(sub)
			if err != nil {
				return nil, err
			}
			req.Prompt = rendered.Prompt
			if req.NegativePrompt == "" {
				req.NegativePrompt = rendered.NegativePrompt
			}
		}
	case errors.Is(err, store.ErrNotFound):
		if req.Prompt == "" {
			return nil, fmt.Errorf("subject %s: %w", in.Subject, err)
		}
	default:
		return nil, fmt.Errorf("load subject %s: %w", in.Subject, err)
	}

	return s.queue.Enqueue(ctx, req)
}

func (s *Service) Retry(ctx context.Context, id uuid.UUID) (*models.WorkItem, error) {
	return s.queue.Retry(ctx, id)
}

func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*models.WorkItem, error) {
	return s.queue.Cancel(ctx, id)
}

func (s *Service) GetWorkItem(ctx context.Context, id uuid.UUID) (*models.WorkItem, error) {
	return s.queue.Get(ctx, id)
}

// Regenerate queues a high priority item for the subject pinned to the
// given provider.
func (s *Service) Regenerate(ctx context.Context, subject models.SubjectKey, providerName string) (*models.WorkItem, error) {
	if strings.TrimSpace(providerName) == "" {
		return nil, fmt.Errorf("%w: provider is required", ErrInvalidInput)
	}
	return s.Enqueue(ctx, EnqueueInput{
		Subject:  subject,
		Priority: string(models.PriorityHigh),
		Provider: providerName,
		Metadata: map[string]interface{}{models.MetaSource: SourceRegenerate},
	})
}

// SetActiveImage makes recordID the subject's displayed image.
func (s *Service) SetActiveImage(ctx context.Context, subject models.SubjectKey, recordID uuid.UUID) (*models.GenerationRecord, error) {
	if !subject.Valid() {
		return nil, fmt.Errorf("%w: subject kind and id are required", ErrInvalidInput)
	}
	act, err := s.store.SetActiveGeneration(ctx, subject, recordID)
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"subject":       subject.String(),
		"generation_id": recordID,
		"deactivated":   len(act.Deactivated),
	}).Info("Active image changed")
	for _, rec := range act.Changed() {
		s.hub.Publish(events.Event{Type: events.GenerationUpdated, Generation: &rec})
	}
	return act.Active, nil
}

// ListGenerations returns every image produced for the subject, newest first.
func (s *Service) ListGenerations(ctx context.Context, subject models.SubjectKey) ([]models.GenerationRecord, error) {
	if !subject.Valid() {
		return nil, fmt.Errorf("%w: subject kind and id are required", ErrInvalidInput)
	}
	return s.store.ListGenerations(ctx, subject)
}

// Dispatch runs one batch synchronously.
func (s *Service) Dispatch(ctx context.Context, batchSize int, providerOverride string) (*dispatcher.Result, error) {
	if providerOverride != "" && !s.knownProvider(providerOverride) {
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidInput, providerOverride)
	}
	return s.dispatcher.Run(ctx, batchSize, providerOverride)
}

// Providers lists configured providers, best first.
func (s *Service) Providers() []provider.Info {
	return s.registry.Infos()
}

// Subscribe streams every queue and generation change until unsubscribe is
// called.
func (s *Service) Subscribe() (<-chan events.Event, func()) {
	return s.hub.Subscribe()
}

func (s *Service) knownProvider(name string) bool {
	for _, info := range s.registry.Infos() {
		if info.Name == name {
			return true
		}
	}
	return false
}
