// Package events carries work item and generation record changes to live
// subscribers. A Hub fans events out in-process; bridges relay them between
// processes so the API sees what a separate dispatcher did.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"hempdb/imagegen/models"
)

type Type string

const (
	WorkItemInserted   Type = "work_item.inserted"
	WorkItemUpdated    Type = "work_item.updated"
	GenerationInserted Type = "generation.inserted"
	GenerationUpdated  Type = "generation.updated"
	// Resync tells a subscriber it missed events and should reload.
	Resync Type = "resync"
)

// Event carries the change type and the new row state.
type Event struct {
	ID         string                   `json:"id"`
	Type       Type                     `json:"type"`
	Origin     string                   `json:"origin"`
	TS         time.Time                `json:"ts"`
	WorkItem   *models.WorkItem         `json:"work_item,omitempty"`
	Generation *models.GenerationRecord `json:"generation,omitempty"`
}

// Publisher is what writers depend on.
type Publisher interface {
	Publish(ev Event)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(Event) {}

// Bridge relays events to and from another process.
type Bridge interface {
	Name() string
	Send(ctx context.Context, ev Event) error
	// Listen blocks, handing every remote event to deliver until ctx ends.
	Listen(ctx context.Context, deliver func(Event)) error
	Close() error
}

type subscriber struct {
	ch     chan Event
	lagged bool
}

// Hub is an in-memory pub/sub broker. Slow subscribers do not block
// publishers: when a buffer is full the subscriber is flagged and gets a
// Resync event as soon as it catches up.
type Hub struct {
	mu      sync.Mutex
	subs    map[*subscriber]struct{}
	bufSize int
	origin  string
	log     logrus.FieldLogger

	bridges []chan Event
}

func NewHub(bufSize int, log logrus.FieldLogger) *Hub {
	if bufSize <= 0 {
		bufSize = 64
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		subs:    make(map[*subscriber]struct{}),
		bufSize: bufSize,
		origin:  uuid.NewString(),
		log:     log,
	}
}

// Origin identifies this process on the bridges.
func (h *Hub) Origin() string { return h.origin }

// Subscribe returns a channel and an unsubscribe function.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, h.bufSize)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, s)
			close(s.ch)
			h.mu.Unlock()
		})
	}
}

// Publish stamps the event, delivers it locally and forwards it to every
// attached bridge.
func (h *Hub) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	ev.Origin = h.origin
	h.deliver(ev)

	h.mu.Lock()
	bridges := h.bridges
	h.mu.Unlock()
	for _, out := range bridges {
		select {
		case out <- ev:
		default:
			h.log.WithField("event_type", ev.Type).Warn("Bridge backlog full, dropping event")
		}
	}
}

func (h *Hub) deliver(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		if s.lagged {
			select {
			case s.ch <- Event{ID: uuid.NewString(), Type: Resync, Origin: h.origin, TS: time.Now().UTC()}:
				s.lagged = false
			default:
				continue
			}
		}
		select {
		case s.ch <- ev:
		default:
			s.lagged = true
		}
	}
}

// Attach wires a bridge: local events are sent out and remote events are
// delivered to local subscribers. Events that originated here are ignored
// on the way back in.
func (h *Hub) Attach(ctx context.Context, b Bridge) {
	out := make(chan Event, 256)
	h.mu.Lock()
	h.bridges = append(h.bridges, out)
	h.mu.Unlock()

	entry := h.log.WithField("bridge", b.Name())
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-out:
				if err := b.Send(ctx, ev); err != nil {
					entry.WithError(err).WithField("event_type", ev.Type).Warn("Failed to relay event")
				}
			}
		}
	}()
	go func() {
		err := b.Listen(ctx, func(ev Event) {
			if ev.Origin == h.origin {
				return
			}
			h.deliver(ev)
		})
		if err != nil && ctx.Err() == nil {
			entry.WithError(err).Error("Bridge listener stopped")
		}
	}()
	entry.Info("Event bridge attached")
}
