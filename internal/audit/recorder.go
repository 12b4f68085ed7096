package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"aulagate.org/internal/ids"
	"aulagate.org/internal/obs"
)

const defaultQueueSize = 256

// Recorder is a fire-and-forget Sink backed by a bounded queue and a
// single drain goroutine. Record never blocks the caller: when the queue
// is full the event is dropped and counted, and when the store append
// fails the error is logged locally and swallowed.
type Recorder struct {
	store Store
	queue chan Event

	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithQueueSize overrides the bounded queue capacity.
func WithQueueSize(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.queue = make(chan Event, n)
		}
	}
}

// NewRecorder starts a Recorder draining into store.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store: store,
		queue: make(chan Event, defaultQueueSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.drain()
	return r
}

// Record enqueues the event, enriching it from the context. Context
// values are read synchronously; the context itself is not retained.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	if ev.Kind == "" {
		return
	}
	if ev.ID == "" {
		ev.ID = ids.New()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	if ev.SourceAddr == "" {
		ev.SourceAddr = sourceAddrFromContext(ctx)
	}
	// The queue channel is never closed, so a Record racing Close sends
	// into a buffer nobody reads anymore instead of panicking.
	select {
	case <-r.stop:
		obs.AuditEventsDropped.Inc()
		return
	default:
	}
	select {
	case r.queue <- ev:
	default:
		obs.AuditEventsDropped.Inc()
	}
}

// Close stops accepting events and drains what is already queued.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		close(r.stop)
		<-r.done
	})
}

func (r *Recorder) drain() {
	defer close(r.done)
	for {
		select {
		case ev := <-r.queue:
			r.emit(ev)
		case <-r.stop:
			for {
				select {
				case ev := <-r.queue:
					r.emit(ev)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) emit(ev Event) {
	logEvent(ev)
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.Append(ctx, &ev); err != nil {
		obs.AuditEventsDropped.Inc()
		obs.LogRequest(map[string]any{
			"ts":    time.Now().UTC().Format(time.RFC3339Nano),
			"level": "warn",
			"msg":   "audit_append_failed",
			"kind":  ev.Kind,
			"error": err.Error(),
		})
	}
}

// logEvent mirrors every audit event to the structured log so events
// remain observable even when the store is down.
func logEvent(ev Event) {
	entry := map[string]any{
		"ts":    ev.OccurredAt.Format(time.RFC3339Nano),
		"type":  "audit",
		"event": ev.Kind,
	}
	if ev.ActorID != "" {
		entry["actor_id"] = ev.ActorID
	}
	if ev.TargetID != "" {
		entry["target_id"] = ev.TargetID
	}
	if ev.SourceAddr != "" {
		entry["source_addr"] = ev.SourceAddr
	}
	if len(ev.Detail) > 0 {
		entry["detail"] = ev.Detail
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	obs.Logger().Println(string(data))
}
