package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lessonreel/lessonreel-backend/internal/logger"
)

// MemoryOptions mirror the transport-level knobs a real broker exposes.
type MemoryOptions struct {
	// MaxAttempts is the delivery budget before a nacked message is routed
	// to the dead-letter store.
	MaxAttempts int
	// Lease is how long a received delivery may go without Ack/Nack/Extend
	// before it is considered abandoned and requeued.
	Lease time.Duration
	// ReclaimInterval is how often abandoned deliveries are swept. Defaults
	// to Lease/2.
	ReclaimInterval time.Duration
}

type memEntry struct {
	id       string
	msg      Message
	attempt  int
	deadline time.Time
}

// memoryBroker is the redis-less Broker used for tests and local
// development. Semantics are intentionally identical to the stream broker:
// at-least-once, lease-based redelivery, dead-letter after MaxAttempts
// nacked or abandoned deliveries.
type memoryBroker struct {
	log  *logger.Logger
	opts MemoryOptions

	mu      sync.Mutex
	ready   []*memEntry
	pending map[string]*memEntry
	dead    []DeadLetter
	closed  bool

	signal chan struct{}
	done   chan struct{}
}

func NewMemory(log *logger.Logger, opts MemoryOptions) Broker {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Lease <= 0 {
		opts.Lease = time.Minute
	}
	if opts.ReclaimInterval <= 0 {
		opts.ReclaimInterval = opts.Lease / 2
	}
	b := &memoryBroker{
		log:     log.With("component", "MemoryBroker"),
		opts:    opts,
		pending: map[string]*memEntry{},
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go b.reclaimLoop()
	return b
}

func (b *memoryBroker) Publish(ctx context.Context, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("broker closed")
	}
	b.ready = append(b.ready, &memEntry{
		id:      uuid.New().String(),
		msg:     msg,
		attempt: 0,
	})
	b.wake()
	return nil
}

func (b *memoryBroker) Receive(ctx context.Context) (Delivery, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, fmt.Errorf("broker closed")
		}
		if len(b.ready) > 0 {
			e := b.ready[0]
			b.ready = b.ready[1:]
			e.attempt++
			e.deadline = time.Now().Add(b.opts.Lease)
			b.pending[e.id] = e
			b.mu.Unlock()
			return &memDelivery{broker: b, entry: e, attempt: e.attempt}, nil
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.done:
			return nil, fmt.Errorf("broker closed")
		case <-b.signal:
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (b *memoryBroker) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.dead
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	cp := make([]DeadLetter, len(out))
	copy(cp, out)
	return cp, nil
}

func (b *memoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	return nil
}

func (b *memoryBroker) wake() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *memoryBroker) reclaimLoop() {
	ticker := time.NewTicker(b.opts.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.reclaimExpired()
		}
	}
}

// reclaimExpired requeues in-flight deliveries whose lease lapsed. From the
// broker's point of view a lapsed lease is a worker crash.
func (b *memoryBroker) reclaimExpired() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, e := range b.pending {
		if now.Before(e.deadline) {
			continue
		}
		delete(b.pending, id)
		if e.attempt >= b.opts.MaxAttempts {
			b.dead = append(b.dead, DeadLetter{
				Message:       e.msg,
				LastError:     "lease expired",
				TotalAttempts: e.attempt,
				FailedAt:      now,
			})
			b.log.Warn("Delivery abandoned past attempt budget, dead-lettered",
				"request_id", e.msg.RequestID,
				"correlation_id", e.msg.CorrelationID,
				"total_attempts", e.attempt,
			)
			continue
		}
		b.ready = append(b.ready, e)
		b.wake()
	}
}

type memDelivery struct {
	broker  *memoryBroker
	entry   *memEntry
	attempt int
}

func (d *memDelivery) Message() Message { return d.entry.msg }
func (d *memDelivery) Attempt() int     { return d.attempt }

func (d *memDelivery) Ack(ctx context.Context) error {
	b := d.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, d.entry.id)
	return nil
}

func (d *memDelivery) Nack(ctx context.Context, cause error) error {
	b := d.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[d.entry.id]; !ok {
		// Lease already lapsed and the reclaimer took it back.
		return nil
	}
	delete(b.pending, d.entry.id)
	if d.entry.attempt >= b.opts.MaxAttempts {
		b.dead = append(b.dead, DeadLetter{
			Message:       d.entry.msg,
			LastError:     errString(cause),
			TotalAttempts: d.entry.attempt,
			FailedAt:      time.Now(),
		})
		b.log.Warn("Delivery nacked past attempt budget, dead-lettered",
			"request_id", d.entry.msg.RequestID,
			"correlation_id", d.entry.msg.CorrelationID,
			"total_attempts", d.entry.attempt,
			"last_error", errString(cause),
		)
		return nil
	}
	b.ready = append(b.ready, d.entry)
	b.wake()
	return nil
}

func (d *memDelivery) Extend(ctx context.Context) error {
	b := d.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.pending[d.entry.id]; ok {
		e.deadline = time.Now().Add(b.opts.Lease)
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
