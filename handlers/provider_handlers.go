package handlers

import (
	"github.com/gofiber/fiber/v2"

	"hempdb/imagegen/utils"
)

// ListProviders godoc
// @Summary Configured providers
// @Description Every configured provider with its quality score and availability, best first.
// @Tags providers
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /providers [get]
func (h *ApplicationHandler) ListProviders(c *fiber.Ctx) error {
	return utils.RespondWithJSON(c, fiber.StatusOK, h.Control.Providers())
}

// GetProviderStats godoc
// @Summary Provider comparison
// @Description Success rate, average cost and average latency per provider from the cost ledger.
// @Tags providers
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 500 {object} ErrorResponse
// @Router /providers/stats [get]
func (h *ApplicationHandler) GetProviderStats(c *fiber.Ctx) error {
	stats, err := h.Control.GetProviderStats(c.UserContext())
	if err != nil {
		return h.respondError(c, err, "compute provider stats")
	}
	return utils.RespondWithJSON(c, fiber.StatusOK, stats)
}
