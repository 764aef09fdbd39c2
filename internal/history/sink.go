package history

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// writeTimeout bounds each backend write issued by the sink worker.
const writeTimeout = 5 * time.Second

// defaultSinkBuffer is the pending-write queue depth.
const defaultSinkBuffer = 256

// Sink decouples call turns from history writes. Every method enqueues and
// returns immediately; a single worker drains the queue against the backing
// [Store]. Failed or dropped writes are logged and never surface to the
// caller, so the turn path cannot block on storage.
type Sink struct {
	store  Store
	logger *slog.Logger

	queue chan func(context.Context)

	closeOnce sync.Once
	done      chan struct{}
}

// NewSink creates a sink over store and starts its worker. logger may be
// nil.
func NewSink(store Store, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sink{
		store:  store,
		logger: logger,
		queue:  make(chan func(context.Context), defaultSinkBuffer),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// run drains the queue until Close.
func (s *Sink) run() {
	defer close(s.done)
	for op := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		op(ctx)
		cancel()
	}
}

// enqueue queues op, dropping it with a warning when the queue is full.
func (s *Sink) enqueue(kind, callID string, op func(context.Context) error) {
	wrapped := func(ctx context.Context) {
		if err := op(ctx); err != nil {
			s.logger.Warn("history write failed", "kind", kind, "call_id", callID, "error", err)
		}
	}
	select {
	case s.queue <- wrapped:
	default:
		s.logger.Warn("history queue full, dropping write", "kind", kind, "call_id", callID)
	}
}

// StartCall queues the call-record upsert.
func (s *Sink) StartCall(p StartCallParams) {
	s.enqueue("start", p.CallID, func(ctx context.Context) error {
		return s.store.StartCall(ctx, p)
	})
}

// AddEvent queues an event append.
func (s *Sink) AddEvent(callID string, ev Event) {
	s.enqueue(string(ev.Type), callID, func(ctx context.Context) error {
		return s.store.AddEvent(ctx, callID, ev)
	})
}

// SetStatus queues a status update.
func (s *Sink) SetStatus(callID, status string) {
	s.enqueue("status", callID, func(ctx context.Context) error {
		return s.store.SetStatus(ctx, callID, status)
	})
}

// SetTransferSuccess queues the transfer outcome.
func (s *Sink) SetTransferSuccess(callID string, success bool) {
	s.enqueue("transfer-status", callID, func(ctx context.Context) error {
		return s.store.SetTransferSuccess(ctx, callID, success)
	})
}

// EndCall queues the record close.
func (s *Sink) EndCall(callID, status string, at time.Time) {
	s.enqueue("end", callID, func(ctx context.Context) error {
		return s.store.EndCall(ctx, callID, status, at)
	})
}

// Close stops accepting writes and waits for the queue to drain.
func (s *Sink) Close() {
	s.closeOnce.Do(func() { close(s.queue) })
	<-s.done
}
