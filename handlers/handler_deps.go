package handlers

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"hempdb/imagegen/internal/dispatcher"
	"hempdb/imagegen/internal/events"
	"hempdb/imagegen/internal/monitor"
	"hempdb/imagegen/internal/provider"
	"hempdb/imagegen/middleware"
	"hempdb/imagegen/models"
)

// ControlSurface defines the operations handlers expect from the monitor.
// *monitor.Service implements it.
type ControlSurface interface {
	GetStats(ctx context.Context) (*models.DashboardStats, error)
	GetQueue(ctx context.Context, statuses []models.WorkStatus, limit int) ([]models.WorkItem, error)
	GetWorkItem(ctx context.Context, id uuid.UUID) (*models.WorkItem, error)
	GetProviderStats(ctx context.Context) ([]models.ProviderStats, error)
	GetSubjectsNeedingAttention(ctx context.Context, limit int) ([]models.AttentionItem, error)
	Enqueue(ctx context.Context, in monitor.EnqueueInput) (*models.WorkItem, error)
	Retry(ctx context.Context, id uuid.UUID) (*models.WorkItem, error)
	Cancel(ctx context.Context, id uuid.UUID) (*models.WorkItem, error)
	Regenerate(ctx context.Context, subject models.SubjectKey, providerName string) (*models.WorkItem, error)
	SetActiveImage(ctx context.Context, subject models.SubjectKey, recordID uuid.UUID) (*models.GenerationRecord, error)
	ListGenerations(ctx context.Context, subject models.SubjectKey) ([]models.GenerationRecord, error)
	Dispatch(ctx context.Context, batchSize int, providerOverride string) (*dispatcher.Result, error)
	Populate(ctx context.Context, kind models.SubjectKind, limit int, priority string) (*monitor.PopulateResult, error)
	Providers() []provider.Info
	Subscribe() (<-chan events.Event, func())
}

// ApplicationHandler holds shared dependencies for handlers.
type ApplicationHandler struct {
	Control  ControlSurface
	Logger   *logrus.Logger
	Validate *validator.Validate

	DefaultBatchSize int
	DispatchTimeout  time.Duration
	// StreamMaxAge closes event streams after this long; browsers reconnect.
	StreamMaxAge time.Duration
	// StreamKeepAlive is the interval of comment lines on idle streams.
	StreamKeepAlive time.Duration
}

// NewApplicationHandler creates a new ApplicationHandler with the given dependencies.
func NewApplicationHandler(control ControlSurface, logger *logrus.Logger) *ApplicationHandler {
	return &ApplicationHandler{
		Control:          control,
		Logger:           logger,
		Validate:         validator.New(),
		DefaultBatchSize: 10,
		DispatchTimeout:  10 * time.Minute,
		StreamMaxAge:     10 * time.Minute,
		StreamKeepAlive:  15 * time.Second,
	}
}

func (h *ApplicationHandler) logger(c *fiber.Ctx) *logrus.Entry {
	return h.Logger.WithField("request_id", c.Locals(middleware.RequestIDKey))
}

// RegisterRoutes mounts the image queue API on r.
func (h *ApplicationHandler) RegisterRoutes(r fiber.Router) {
	q := r.Group("/image-queue")

	q.Get("/stats", h.GetStats)
	q.Get("/items", h.ListWorkItems)
	q.Post("/items", h.EnqueueWorkItem)
	q.Get("/items/:id", h.GetWorkItem)
	q.Post("/items/:id/retry", h.RetryWorkItem)
	q.Post("/items/:id/cancel", h.CancelWorkItem)
	q.Post("/dispatch", h.DispatchBatch)
	q.Post("/populate", h.PopulateQueue)

	q.Get("/providers", h.ListProviders)
	q.Get("/providers/stats", h.GetProviderStats)

	q.Get("/subjects/attention", h.GetSubjectsNeedingAttention)
	q.Get("/subjects/:kind/:id/generations", h.ListGenerations)
	q.Post("/subjects/:kind/:id/regenerate", h.RegenerateSubject)
	q.Put("/subjects/:kind/:id/active-image", h.SetActiveImage)

	q.Get("/events", h.StreamEvents)
}
