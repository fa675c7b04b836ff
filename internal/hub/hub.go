// Package hub fans progress events out to live observers of a job. Delivery
// is best-effort: a slow or disconnected observer never blocks the engine.
package hub

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/minatran/wabulk-be/internal/engine/domain"
)

// subscriberBuffer is the per-observer event buffer; events beyond it are
// dropped for that observer only.
const subscriberBuffer = 64

// Subscription is one observer's handle on a job's event stream. Events
// arrive on C until Unsubscribe closes it.
type Subscription struct {
	jobID string
	ch    chan domain.ProgressEvent
}

// Events returns the receive side of the subscription.
func (s *Subscription) Events() <-chan domain.ProgressEvent {
	return s.ch
}

// JobID returns the job this subscription observes.
func (s *Subscription) JobID() string {
	return s.jobID
}

// Hub maintains per-job subscriber registries. Multiple observers per job
// are permitted (e.g., multiple browser tabs).
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[*Subscription]bool
	logger  *slog.Logger
	dropped atomic.Uint64
}

// New creates an empty Hub.
func New(logger *slog.Logger) *Hub {
	return &Hub{
		subs:   make(map[string]map[*Subscription]bool),
		logger: logger,
	}
}

// Subscribe registers a new observer for jobID. The first event on the
// returned subscription is a connection confirmation; only events published
// after this call follow - there is no replay.
func (h *Hub) Subscribe(jobID string) *Subscription {
	sub := &Subscription{
		jobID: jobID,
		ch:    make(chan domain.ProgressEvent, subscriberBuffer),
	}

	// enqueued before registration so no concurrent publish can slip in
	// ahead of it; the fresh buffered channel cannot block
	sub.ch <- domain.NewConnectedEvent(jobID)

	h.mu.Lock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[*Subscription]bool)
	}
	h.subs[jobID][sub] = true
	h.mu.Unlock()

	h.logger.Debug("Observer subscribed",
		slog.String("job_id", jobID),
	)

	return sub
}

// Unsubscribe removes an observer and closes its channel. Safe to call once
// per subscription.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subs[sub.jobID]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}

	delete(subs, sub)
	close(sub.ch)
	if len(subs) == 0 {
		delete(h.subs, sub.jobID)
	}

	h.logger.Debug("Observer unsubscribed",
		slog.String("job_id", sub.jobID),
	)
}

// Publish delivers an event to every current observer of the job. Writes
// are fire-and-forget: an observer with a full buffer misses this event.
// Zero observers is not an error.
func (h *Hub) Publish(event domain.ProgressEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs[event.JobID] {
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
			h.logger.Warn("Dropped progress event for slow observer",
				slog.String("job_id", event.JobID),
				slog.String("type", event.Type),
			)
		}
	}
}

// Dropped returns how many events were discarded for slow observers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// SubscriberCount returns the number of live observers for a job.
func (h *Hub) SubscriberCount(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}
