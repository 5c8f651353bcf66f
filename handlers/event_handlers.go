package handlers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"hempdb/imagegen/internal/events"
)

// StreamEvents godoc
// @Summary Live queue updates
// @Description Server-sent events for every work item and generation record change. A resync event means updates were dropped and aggregates should be reloaded.
// @Tags image-queue
// @Produce text/event-stream
// @Success 200 {string} string "event stream"
// @Router /events [get]
func (h *ApplicationHandler) StreamEvents(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	ch, unsubscribe := h.Control.Subscribe()
	log := h.logger(c)
	maxAge, keepAlive := h.StreamMaxAge, h.StreamKeepAlive
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	log.Debug("Event stream opened")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer unsubscribe()

		if _, err := w.WriteString("retry: 3000\n\n"); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}

		ping := time.NewTicker(keepAlive)
		defer ping.Stop()
		var expire <-chan time.Time
		if maxAge > 0 {
			t := time.NewTimer(maxAge)
			defer t.Stop()
			expire = t.C
		}

		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if err := writeEvent(w, ev); err != nil {
					log.WithError(err).Debug("Event stream closed by client")
					return
				}
			case <-ping.C:
				if _, err := w.WriteString(": ping\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			case <-expire:
				return
			}
		}
	})
	return nil
}

// writeEvent writes one SSE frame and flushes it.
func writeEvent(w *bufio.Writer, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data); err != nil {
		return err
	}
	return w.Flush()
}
