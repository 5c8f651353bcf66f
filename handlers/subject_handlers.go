package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"hempdb/imagegen/models"
	"hempdb/imagegen/utils"
)

// RegenerateRequest names the provider for a forced regeneration.
type RegenerateRequest struct {
	Provider string `json:"provider" validate:"required"`
}

// SetActiveImageRequest picks the generation record to display.
type SetActiveImageRequest struct {
	GenerationID string `json:"generation_id" validate:"required,uuid"`
}

func subjectParam(c *fiber.Ctx) (models.SubjectKey, error) {
	kind, err := models.ParseSubjectKind(c.Params("kind"))
	if err != nil {
		return models.SubjectKey{}, err
	}
	return models.SubjectKey{Kind: kind, ID: utils.SanitizeInput(c.Params("id"))}, nil
}

// GetSubjectsNeedingAttention godoc
// @Summary Subjects needing attention
// @Description Subjects whose latest work item failed, that have no image, or that show the placeholder.
// @Tags subjects
// @Produce json
// @Param limit query int false "Maximum rows (default 50)"
// @Success 200 {object} map[string]interface{}
// @Router /subjects/attention [get]
func (h *ApplicationHandler) GetSubjectsNeedingAttention(c *fiber.Ctx) error {
	limit, err := utils.QueryInt(c, "limit", 0)
	if err != nil {
		return utils.RespondWithError(c, fiber.StatusBadRequest, err.Error())
	}
	items, err := h.Control.GetSubjectsNeedingAttention(c.UserContext(), limit)
	if err != nil {
		return h.respondError(c, err, "list subjects needing attention")
	}
	return utils.RespondWithJSON(c, fiber.StatusOK, items)
}

// ListGenerations godoc
// @Summary Image history of a subject
// @Tags subjects
// @Produce json
// @Param kind path string true "product, plant_type or plant_part"
// @Param id path string true "Subject ID"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} ErrorResponse
// @Router /subjects/{kind}/{id}/generations [get]
func (h *ApplicationHandler) ListGenerations(c *fiber.Ctx) error {
	subject, err := subjectParam(c)
	if err != nil {
		return utils.RespondWithError(c, fiber.StatusBadRequest, err.Error())
	}
	recs, err := h.Control.ListGenerations(c.UserContext(), subject)
	if err != nil {
		return h.respondError(c, err, "list generations")
	}
	return utils.RespondWithJSON(c, fiber.StatusOK, recs)
}

// RegenerateSubject godoc
// @Summary Regenerate a subject's image with a specific provider
// @Tags subjects
// @Accept json
// @Produce json
// @Param kind path string true "product, plant_type or plant_part"
// @Param id path string true "Subject ID"
// @Param body body RegenerateRequest true "Provider to use"
// @Success 201 {object} WorkItemResponse
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /subjects/{kind}/{id}/regenerate [post]
func (h *ApplicationHandler) RegenerateSubject(c *fiber.Ctx) error {
	subject, err := subjectParam(c)
	if err != nil {
		return utils.RespondWithError(c, fiber.StatusBadRequest, err.Error())
	}
	req := new(RegenerateRequest)
	if err := c.BodyParser(req); err != nil {
		return utils.RespondWithError(c, fiber.StatusBadRequest, "Cannot parse request body")
	}
	req.Provider = utils.SanitizeInput(req.Provider)
	if err := h.Validate.Struct(req); err != nil {
		return utils.RespondWithValidationErrors(c, err)
	}
	item, err := h.Control.Regenerate(c.UserContext(), subject, req.Provider)
	if err != nil {
		return h.respondError(c, err, "regenerate subject")
	}
	return utils.RespondWithJSON(c, fiber.StatusCreated, item)
}

// SetActiveImage godoc
// @Summary Choose the displayed image of a subject
// @Description Atomically deactivates the subject's other records and mirrors the location into the catalog.
// @Tags subjects
// @Accept json
// @Produce json
// @Param kind path string true "product, plant_type or plant_part"
// @Param id path string true "Subject ID"
// @Param body body SetActiveImageRequest true "Generation record to activate"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse "Record belongs to another subject"
// @Router /subjects/{kind}/{id}/active-image [put]
func (h *ApplicationHandler) SetActiveImage(c *fiber.Ctx) error {
	subject, err := subjectParam(c)
	if err != nil {
		return utils.RespondWithError(c, fiber.StatusBadRequest, err.Error())
	}
	req := new(SetActiveImageRequest)
	if err := c.BodyParser(req); err != nil {
		return utils.RespondWithError(c, fiber.StatusBadRequest, "Cannot parse request body")
	}
	if err := h.Validate.Struct(req); err != nil {
		return utils.RespondWithValidationErrors(c, err)
	}
	recordID, err := uuid.Parse(req.GenerationID)
	if err != nil {
		return utils.RespondWithError(c, fiber.StatusBadRequest, "Invalid generation ID format")
	}
	rec, err := h.Control.SetActiveImage(c.UserContext(), subject, recordID)
	if err != nil {
		return h.respondError(c, err, "set active image")
	}
	return utils.RespondWithJSON(c, fiber.StatusOK, rec)
}
