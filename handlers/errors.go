package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"hempdb/imagegen/internal/monitor"
	"hempdb/imagegen/internal/queue"
	"hempdb/imagegen/internal/store"
	"hempdb/imagegen/utils"
)

// ErrorResponse defines a common structure for error responses.
type ErrorResponse struct {
	Status  string   `json:"status"`
	Message string   `json:"message"`
	Errors  []string `json:"errors,omitempty"`
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var iv *store.InvariantViolation
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, queue.ErrInvalidTransition), errors.Is(err, store.ErrConflict):
		return fiber.StatusConflict
	case errors.As(err, &iv):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, monitor.ErrInvalidInput):
		return fiber.StatusBadRequest
	}
	return fiber.StatusInternalServerError
}

func (h *ApplicationHandler) respondError(c *fiber.Ctx, err error, action string) error {
	status := statusFor(err)
	entry := h.logger(c).WithError(err)
	if status >= fiber.StatusInternalServerError {
		entry.Error(action + " failed")
		return utils.RespondWithError(c, status, "Could not "+action)
	}
	entry.Warn(action + " rejected")
	return utils.RespondWithError(c, status, err.Error())
}
