// Package timeline fans out persisted case events to live subscribers. The
// registry assigns each event its per-case seq at append time; the hub only
// distributes. Per-case subscribers get replay-then-live delivery with a
// cursor; the firehose feeds cross-case consumers such as the monitor.
package timeline

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/registry"
	"github.com/pitabwire/caseflow/model"
)

// replayBatch is the page size used when replaying stored events.
const replayBatch = 256

// Mirror republishes timeline events to an external system. Mirror failures
// are logged and counted but never affect orchestration.
type Mirror interface {
	Publish(ev model.TimelineEvent) error
	HealthCheck(ctx context.Context) error
	Close() error
}

// Hub distributes timeline events. Publishing never blocks: subscribers
// that stop draining their buffer are dropped.
type Hub struct {
	store   registry.CaseStore
	logger  *zap.Logger
	metrics *observability.Metrics
	buffer  int

	mu       sync.RWMutex
	byCase   map[string]map[*Subscription]struct{}
	firehose map[*Subscription]struct{}
	mirror   Mirror
}

// NewHub creates a hub that replays from store. mirror and metrics may be
// nil.
func NewHub(store registry.CaseStore, cfg config.TimelineConfig, logger *zap.Logger, metrics *observability.Metrics, mirror Mirror) *Hub {
	buffer := cfg.SubscriberBuffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		store:    store,
		logger:   logger,
		metrics:  metrics,
		buffer:   buffer,
		byCase:   make(map[string]map[*Subscription]struct{}),
		firehose: make(map[*Subscription]struct{}),
		mirror:   mirror,
	}
}

// Publish fans an already-persisted event out to the case's subscribers,
// the firehose, and the mirror. The caller serializes publishes per case,
// so subscribers observe each case's events in seq order.
func (h *Hub) Publish(ev model.TimelineEvent) {
	if h.metrics != nil {
		h.metrics.RecordTimelineEvent()
	}

	var dropped []*Subscription
	h.mu.RLock()
	for s := range h.byCase[ev.CaseID] {
		select {
		case s.live <- ev:
		default:
			dropped = append(dropped, s)
		}
	}
	for s := range h.firehose {
		select {
		case s.live <- ev:
		default:
			dropped = append(dropped, s)
		}
	}
	mirror := h.mirror
	h.mu.RUnlock()

	for _, s := range dropped {
		h.logger.Warn("timeline: dropping slow subscriber",
			zap.String("case_id", s.caseID),
			zap.Bool("firehose", s.all),
		)
		h.remove(s)
		if h.metrics != nil {
			h.metrics.RecordTimelineDropped()
		}
	}

	if mirror != nil {
		if err := mirror.Publish(ev); err != nil {
			h.logger.Warn("timeline: mirror publish failed",
				zap.String("case_id", ev.CaseID),
				zap.Int64("seq", ev.Seq),
				zap.Error(err),
			)
			if h.metrics != nil {
				h.metrics.RecordTimelineMirrorFailure()
			}
		}
	}
}

// Subscribe streams one case's events: stored events after afterSeq are
// replayed first, then live events follow, deduplicated by seq across the
// replay/live seam. The stream ends when ctx is cancelled, Close is called,
// or the subscriber falls behind.
func (h *Hub) Subscribe(ctx context.Context, caseID string, afterSeq int64) *Subscription {
	s := &Subscription{
		hub:    h,
		caseID: caseID,
		live:   make(chan model.TimelineEvent, h.buffer),
		out:    make(chan model.TimelineEvent, h.buffer),
	}

	h.mu.Lock()
	m := h.byCase[caseID]
	if m == nil {
		m = make(map[*Subscription]struct{})
		h.byCase[caseID] = m
	}
	m[s] = struct{}{}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.RecordTimelineSubscribed(1)
	}

	go s.pump(ctx, afterSeq)
	return s
}

// SubscribeAll streams live events across every case, with no replay. Used
// by the monitor.
func (h *Hub) SubscribeAll() *Subscription {
	s := &Subscription{
		hub:  h,
		all:  true,
		live: make(chan model.TimelineEvent, h.buffer),
	}
	// No replay phase: live is delivered directly.
	s.out = s.live

	h.mu.Lock()
	h.firehose[s] = struct{}{}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.RecordTimelineSubscribed(1)
	}
	return s
}

// Subscribers returns the current subscription count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := len(h.firehose)
	for _, m := range h.byCase {
		n += len(m)
	}
	return n
}

// Close drops every subscription and closes the mirror.
func (h *Hub) Close() error {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.firehose))
	for s := range h.firehose {
		subs = append(subs, s)
	}
	for _, m := range h.byCase {
		for s := range m {
			subs = append(subs, s)
		}
	}
	mirror := h.mirror
	h.mirror = nil
	h.mu.Unlock()

	for _, s := range subs {
		h.remove(s)
	}
	if mirror != nil {
		return mirror.Close()
	}
	return nil
}

// remove unregisters the subscription and closes its live channel exactly
// once. The close happens under the write lock, after which no publisher
// can hold a reference.
func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	var present bool
	if s.all {
		_, present = h.firehose[s]
		delete(h.firehose, s)
	} else {
		m := h.byCase[s.caseID]
		_, present = m[s]
		delete(m, s)
		if len(m) == 0 {
			delete(h.byCase, s.caseID)
		}
	}
	if present {
		close(s.live)
	}
	h.mu.Unlock()

	if present && h.metrics != nil {
		h.metrics.RecordTimelineSubscribed(-1)
	}
}

// Subscription is one subscriber's event stream.
type Subscription struct {
	hub    *Hub
	caseID string
	all    bool
	live   chan model.TimelineEvent
	out    chan model.TimelineEvent
}

// Events returns the stream. It is closed when the subscription ends.
func (s *Subscription) Events() <-chan model.TimelineEvent {
	return s.out
}

// Close ends the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s)
}

// pump replays stored events after the cursor, then forwards live events
// with seq beyond the replay high-water mark.
func (s *Subscription) pump(ctx context.Context, afterSeq int64) {
	defer close(s.out)

	lastSeq := afterSeq
	for {
		events, err := s.hub.store.ListEvents(ctx, s.caseID, lastSeq, replayBatch)
		if err != nil {
			s.hub.logger.Warn("timeline: replay failed",
				zap.String("case_id", s.caseID),
				zap.Error(err),
			)
			s.Close()
			return
		}
		for _, ev := range events {
			select {
			case s.out <- ev:
				lastSeq = ev.Seq
			case <-ctx.Done():
				s.Close()
				return
			}
		}
		if len(events) < replayBatch {
			break
		}
	}

	for {
		select {
		case ev, ok := <-s.live:
			if !ok {
				return
			}
			if ev.Seq <= lastSeq {
				continue
			}
			lastSeq = ev.Seq
			select {
			case s.out <- ev:
			case <-ctx.Done():
				s.Close()
				return
			}
		case <-ctx.Done():
			s.Close()
			return
		}
	}
}
