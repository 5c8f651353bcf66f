package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"hempdb/imagegen/internal/monitor"
	"hempdb/imagegen/models"
	"hempdb/imagegen/utils"
)

// EnqueueRequest defines the request body for queueing one image.
// Prompt is rendered from the catalog when omitted.
type EnqueueRequest struct {
	SubjectKind    string                 `json:"subject_kind" validate:"required,oneof=product plant_type plant_part"`
	SubjectID      string                 `json:"subject_id" validate:"required,max=64"`
	Priority       string                 `json:"priority,omitempty" validate:"omitempty,oneof=high medium low normal urgent"`
	Prompt         string                 `json:"prompt,omitempty" validate:"max=4000"`
	NegativePrompt string                 `json:"negative_prompt,omitempty" validate:"max=2000"`
	StylePreset    string                 `json:"style_preset,omitempty" validate:"max=64"`
	Provider       string                 `json:"provider,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// DispatchRequest defines the request body for running one batch.
type DispatchRequest struct {
	BatchSize int    `json:"batch_size,omitempty" validate:"omitempty,min=1,max=100"`
	Provider  string `json:"provider,omitempty"`
}

// PopulateRequest defines the request body for a population sweep.
type PopulateRequest struct {
	Kind     string `json:"kind,omitempty" validate:"omitempty,oneof=product plant_type plant_part"`
	Limit    int    `json:"limit" validate:"required,min=1,max=500"`
	Priority string `json:"priority,omitempty" validate:"omitempty,oneof=high medium low normal urgent"`
}

// WorkItemResponse wraps a single work item.
type WorkItemResponse struct {
	Status string          `json:"status"`
	Data   models.WorkItem `json:"data"`
}

// WorkItemListResponse wraps a list of work items.
type WorkItemListResponse struct {
	Status string            `json:"status"`
	Data   []models.WorkItem `json:"data"`
}

// GetStats godoc
// @Summary Dashboard aggregates
// @Description Queue counts per status, cost and success rate over 24h/7d/30d, active providers.
// @Tags image-queue
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 500 {object} ErrorResponse
// @Router /stats [get]
func (h *ApplicationHandler) GetStats(c *fiber.Ctx) error {
	stats, err := h.Control.GetStats(c.UserContext())
	if err != nil {
		return h.respondError(c, err, "compute stats")
	}
	return utils.RespondWithJSON(c, fiber.StatusOK, stats)
}

// ListWorkItems godoc
// @Summary List work items
// @Description Lists work items ordered by priority then age. status takes a comma separated list.
// @Tags image-queue
// @Produce json
// @Param status query string false "Status filter, e.g. pending,failed"
// @Param limit query int false "Maximum rows (default 50, max 500)"
// @Success 200 {object} WorkItemListResponse
// @Failure 400 {object} ErrorResponse
// @Router /items [get]
func (h *ApplicationHandler) ListWorkItems(c *fiber.Ctx) error {
	var statuses []models.WorkStatus
	for _, raw := range utils.SplitList(c.Query("status")) {
		st, err := models.ParseStatus(raw)
		if err != nil {
			return utils.RespondWithError(c, fiber.StatusBadRequest, err.Error())
		}
		statuses = append(statuses, st)
	}
	limit, err := utils.QueryInt(c, "limit", 0)
	if err != nil {
		return utils.RespondWithError(c, fiber.StatusBadRequest, err.Error())
	}

	items, err := h.Control.GetQueue(c.UserContext(), statuses, limit)
	if err != nil {
		return h.respondError(c, err, "list work items")
	}
	return utils.RespondWithJSON(c, fiber.StatusOK, items)
}

// GetWorkItem godoc
// @Summary Get a work item
// @Tags image-queue
// @Produce json
// @Param id path string true "Work item ID"
// @Success 200 {object} WorkItemResponse
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /items/{id} [get]
func (h *ApplicationHandler) GetWorkItem(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return utils.RespondWithError(c, fiber.StatusBadRequest, "Invalid work item ID format")
	}
	item, err := h.Control.GetWorkItem(c.UserContext(), id)
	if err != nil {
		return h.respondError(c, err, "get work item")
	}
	return utils.RespondWithJSON(c, fiber.StatusOK, item)
}

// EnqueueWorkItem godoc
// @Summary Queue an image generation
// @Tags image-queue
// @Accept json
// @Produce json
// @Param item body EnqueueRequest true "Work item to queue"
// @Success 201 {object} WorkItemResponse
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse "Subject not found and no prompt given"
// @Router /items [post]
func (h *ApplicationHandler) EnqueueWorkItem(c *fiber.Ctx) error {
	req := new(EnqueueRequest)
	if err := c.BodyParser(req); err != nil {
		return utils.RespondWithError(c, fiber.StatusBadRequest, "Cannot parse request body")
	}
	req.SubjectID = utils.SanitizeInput(req.SubjectID)
	if err := h.Validate.Struct(req); err != nil {
		return utils.RespondWithValidationErrors(c, err)
	}

	item, err := h.Control.Enqueue(c.UserContext(), monitor.EnqueueInput{
		Subject:        models.SubjectKey{Kind: models.SubjectKind(req.SubjectKind), ID: req.SubjectID},
		Priority:       req.Priority,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		StylePreset:    req.StylePreset,
		Provider:       utils.SanitizeInput(req.Provider),
		Metadata:       req.Metadata,
	})
	if err != nil {
		return h.respondError(c, err, "enqueue work item")
	}
	return utils.RespondWithJSON(c, fiber.StatusCreated, item)
}

// RetryWorkItem godoc
// @Summary Retry a failed or completed work item
// @Description Moves the item back to pending. Never automatic: every retry may spend money.
// @Tags image-queue
// @Produce json
// @Param id path string true "Work item ID"
// @Success 200 {object} WorkItemResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse "Item is not failed or completed"
// @Router /items/{id}/retry [post]
func (h *ApplicationHandler) RetryWorkItem(c *fiber.Ctx) error {
	return h.transition(c, "retry work item", h.Control.Retry)
}

// CancelWorkItem godoc
// @Summary Cancel a queued work item
// @Tags image-queue
// @Produce json
// @Param id path string true "Work item ID"
// @Success 200 {object} WorkItemResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse "Item already finished"
// @Router /items/{id}/cancel [post]
func (h *ApplicationHandler) CancelWorkItem(c *fiber.Ctx) error {
	return h.transition(c, "cancel work item", h.Control.Cancel)
}

func (h *ApplicationHandler) transition(c *fiber.Ctx, action string, op func(context.Context, uuid.UUID) (*models.WorkItem, error)) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return utils.RespondWithError(c, fiber.StatusBadRequest, "Invalid work item ID format")
	}
	item, err := op(c.UserContext(), id)
	if err != nil {
		return h.respondError(c, err, action)
	}
	return utils.RespondWithJSON(c, fiber.StatusOK, item)
}

// DispatchBatch godoc
// @Summary Run one dispatch batch
// @Description Processes up to batch_size queued items sequentially and reports the outcome.
// @Tags image-queue
// @Accept json
// @Produce json
// @Param batch body DispatchRequest false "Batch parameters"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /dispatch [post]
func (h *ApplicationHandler) DispatchBatch(c *fiber.Ctx) error {
	req := new(DispatchRequest)
	if len(c.Body()) > 0 {
		if err := c.BodyParser(req); err != nil {
			return utils.RespondWithError(c, fiber.StatusBadRequest, "Cannot parse request body")
		}
	}
	if err := h.Validate.Struct(req); err != nil {
		return utils.RespondWithValidationErrors(c, err)
	}
	if req.BatchSize == 0 {
		req.BatchSize = h.DefaultBatchSize
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), h.DispatchTimeout)
	defer cancel()
	res, err := h.Control.Dispatch(ctx, req.BatchSize, utils.SanitizeInput(req.Provider))
	if err != nil {
		return h.respondError(c, err, "dispatch batch")
	}
	return utils.RespondWithJSON(c, fiber.StatusOK, res)
}

// PopulateQueue godoc
// @Summary Queue catalog subjects without images
// @Tags image-queue
// @Accept json
// @Produce json
// @Param sweep body PopulateRequest true "Sweep parameters"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} ErrorResponse
// @Router /populate [post]
func (h *ApplicationHandler) PopulateQueue(c *fiber.Ctx) error {
	req := new(PopulateRequest)
	if err := c.BodyParser(req); err != nil {
		return utils.RespondWithError(c, fiber.StatusBadRequest, "Cannot parse request body")
	}
	if err := h.Validate.Struct(req); err != nil {
		return utils.RespondWithValidationErrors(c, err)
	}
	res, err := h.Control.Populate(c.UserContext(), models.SubjectKind(req.Kind), req.Limit, req.Priority)
	if err != nil {
		return h.respondError(c, err, "populate queue")
	}
	h.logger(c).WithField("enqueued", len(res.Enqueued)).Info("Population sweep requested")
	return utils.RespondWithJSON(c, fiber.StatusOK, res)
}
