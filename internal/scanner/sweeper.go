package scanner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"ergroom/internal/metrics"
	"ergroom/internal/notify"
	"ergroom/internal/presence"
)

// CheckoutStore closes stale sessions.
type CheckoutStore interface {
	AutoCheckout(ctx context.Context, cutoff, now time.Time) ([]string, error)
}

// Sweeper force-checks-out members whose session is older than a threshold.
// It is safe to run alongside toggles: the store releases each row with a
// conditional update.
type Sweeper struct {
	store   CheckoutStore
	after   time.Duration
	out     *dispatcher
	metrics *metrics.Metrics
	log     *zap.Logger
}

// NewSweeper builds a sweeper closing sessions older than after. sink and m
// may be nil.
func NewSweeper(store CheckoutStore, after time.Duration, sink notify.Sink, m *metrics.Metrics, log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{store: store, after: after, out: newDispatcher(sink, log), metrics: m, log: log}
}

// Sweep closes every session that started before now minus the threshold and
// returns how many were closed.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	s.out.order.Lock()
	defer s.out.order.Unlock()
	ids, err := s.store.AutoCheckout(ctx, now.Add(-s.after), now)
	if err != nil {
		return 0, fmt.Errorf("auto-checkout: %w", err)
	}
	s.metrics.AutoCheckouts(len(ids))
	for _, id := range ids {
		s.log.Info("auto-checked out stale session", zap.String("member_id", id))
		s.out.deliver(presence.ToggleResult{
			MemberID: id,
			Action:   presence.ActionAutoOut,
			At:       now,
		})
	}
	return len(ids), nil
}

// Wait blocks until notifications for completed sweeps have been delivered.
func (s *Sweeper) Wait() { s.out.wait() }

const (
	notifyTimeout = 5 * time.Second
	// dispatchBuffer bounds the changes waiting for a slow sink.
	dispatchBuffer = 256
)

// dispatcher hands changes to a sink without blocking the caller. A single
// worker delivers them in the order they were queued; failures and panics in
// the sink are logged and otherwise ignored. When the queue is full the
// change is dropped.
type dispatcher struct {
	sink  notify.Sink
	log   *zap.Logger
	limit int

	// order is held across a store commit and the matching deliver so the
	// queue sees changes in commit order.
	order sync.Mutex

	mu      sync.Mutex
	idle    *sync.Cond
	queue   []presence.ToggleResult
	running bool
}

func newDispatcher(sink notify.Sink, log *zap.Logger) *dispatcher {
	d := &dispatcher{sink: sink, log: log, limit: dispatchBuffer}
	d.idle = sync.NewCond(&d.mu)
	return d
}

func (d *dispatcher) deliver(change presence.ToggleResult) {
	if d.sink == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) >= d.limit {
		d.log.Warn("presence notification dropped, queue full",
			zap.String("member_id", change.MemberID),
			zap.String("action", string(change.Action)))
		return
	}
	d.queue = append(d.queue, change)
	if !d.running {
		d.running = true
		go d.drain()
	}
}

// drain runs until the queue is empty.
func (d *dispatcher) drain() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.running = false
			d.queue = nil
			d.idle.Broadcast()
			d.mu.Unlock()
			return
		}
		change := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()
		d.send(change)
	}
}

func (d *dispatcher) send(change presence.ToggleResult) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("presence sink panicked", zap.Any("panic", r), zap.String("member_id", change.MemberID))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := d.sink.Notify(ctx, change); err != nil {
		d.log.Warn("presence notification failed", zap.String("member_id", change.MemberID), zap.Error(err))
	}
}

// wait blocks until every queued change has been handed to the sink.
func (d *dispatcher) wait() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.running {
		d.idle.Wait()
	}
}
