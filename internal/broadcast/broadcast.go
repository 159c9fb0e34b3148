// Package broadcast implements the ProgressBroadcaster: the consumer
// side of the IndexingSupervisor's queue, fanning events out to every
// live subscriber with per-subscriber failure isolation (spec.md §4.8).
//
// Grounded on original_source/backend/services/indexing_manager.py's
// broadcast_progress loop (drain queue, gather sends, isolate
// failures) and the teacher's websocket/hub.go Run loop shape.
package broadcast

import (
	"context"
	"time"

	"ragspace/internal/logging"
	"ragspace/internal/supervisor"
	"ragspace/internal/types"
)

const pollInterval = 100 * time.Millisecond // ~10Hz, matching spec.md §5

// Source is the supervisor capability this package depends on.
type Source interface {
	Dequeue() (types.ProgressEvent, bool)
	Subscribers() []supervisor.Subscriber
	RemoveSubscriber(id int)
}

// Broadcaster drains Source's queue at ~10Hz and fans each event out to
// every live subscriber. A subscriber whose channel is full (send would
// block) is dropped from the set; other subscribers are unaffected.
type Broadcaster struct {
	source Source
	log    logging.Logger
}

// New constructs a Broadcaster bound to source.
func New(source Source) *Broadcaster {
	return &Broadcaster{source: source, log: logging.New("broadcast")}
}

// Run drains and fans out events until ctx is canceled.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.drainOnce()
		}
	}
}

// drainOnce dequeues every currently-available event and fans each one
// out to every live subscriber, in emission order, before returning.
func (b *Broadcaster) drainOnce() {
	for {
		event, ok := b.source.Dequeue()
		if !ok {
			return
		}
		b.fanOut(event)
	}
}

func (b *Broadcaster) fanOut(event types.ProgressEvent) {
	for _, sub := range b.source.Subscribers() {
		select {
		case sub.Ch <- event:
		default:
			b.log.Warn("subscriber channel full, dropping subscriber", "subscriber_id", sub.ID)
			b.source.RemoveSubscriber(sub.ID)
		}
	}
}
