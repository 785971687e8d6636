package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/lessonreel/lessonreel-backend/internal/logger"
)

// StreamOptions configure the Redis Streams transport.
type StreamOptions struct {
	Stream      string
	DeadStream  string
	Group       string
	Consumer    string
	MaxAttempts int
	// Lease is the min-idle-time after which an unacked delivery is
	// reclaimed by another consumer. Extend resets it.
	Lease time.Duration
	// Block bounds how long a single XREADGROUP call waits for new entries.
	Block time.Duration
}

// streamBroker implements Broker on a Redis Streams consumer group:
// XADD publish, XREADGROUP consume, XACK ack, XAUTOCLAIM redelivery of
// expired leases, XPENDING delivery counts, XADD to the dead stream for
// dead-lettering. Nacked messages are simply left in the pending entries
// list; the group's min-idle reclaim is the redelivery mechanism.
type streamBroker struct {
	log  *logger.Logger
	rdb  *goredis.Client
	opts StreamOptions
}

// NewStream connects to Redis using REDIS_ADDR and creates the consumer
// group if it does not exist yet.
func NewStream(log *logger.Logger, opts StreamOptions) (Broker, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	applyStreamDefaults(&opts)

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if err := rdb.XGroupCreateMkStream(ctx, opts.Stream, opts.Group, "0").Err(); err != nil &&
		!strings.Contains(err.Error(), "BUSYGROUP") {
		_ = rdb.Close()
		return nil, fmt.Errorf("create consumer group: %w", err)
	}

	return &streamBroker{
		log:  log.With("component", "StreamBroker", "stream", opts.Stream),
		rdb:  rdb,
		opts: opts,
	}, nil
}

func applyStreamDefaults(opts *StreamOptions) {
	if opts.Stream == "" {
		opts.Stream = "pipeline:requests"
	}
	if opts.DeadStream == "" {
		opts.DeadStream = opts.Stream + ":dead"
	}
	if opts.Group == "" {
		opts.Group = "pipeline-workers"
	}
	if opts.Consumer == "" {
		opts.Consumer = "worker-" + uuid.New().String()[:8]
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Lease <= 0 {
		opts.Lease = time.Minute
	}
	if opts.Block <= 0 {
		opts.Block = 2 * time.Second
	}
}

func (b *streamBroker) Publish(ctx context.Context, msg Message) error {
	payload := "{}"
	if msg.Payload != nil {
		raw, err := json.Marshal(msg.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		payload = string(raw)
	}
	return b.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: b.opts.Stream,
		Values: map[string]any{
			"request_id":     msg.RequestID,
			"correlation_id": msg.CorrelationID,
			"payload":        payload,
		},
	}).Err()
}

func (b *streamBroker) Receive(ctx context.Context) (Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Lease-expired deliveries first: a lapsed lease is a crashed or
		// stalled worker, and those messages are older than anything new.
		if d, ok, err := b.reclaimOne(ctx); err != nil {
			return nil, err
		} else if ok {
			return d, nil
		}

		res, err := b.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    b.opts.Group,
			Consumer: b.opts.Consumer,
			Streams:  []string{b.opts.Stream, ">"},
			Count:    1,
			Block:    b.opts.Block,
		}).Result()
		if err == goredis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("xreadgroup: %w", err)
		}
		for _, stream := range res {
			for _, m := range stream.Messages {
				return b.wrap(m, 1), nil
			}
		}
	}
}

func (b *streamBroker) reclaimOne(ctx context.Context) (Delivery, bool, error) {
	msgs, _, err := b.rdb.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   b.opts.Stream,
		Group:    b.opts.Group,
		Consumer: b.opts.Consumer,
		MinIdle:  b.opts.Lease,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && err != goredis.Nil {
		return nil, false, fmt.Errorf("xautoclaim: %w", err)
	}
	if len(msgs) == 0 {
		return nil, false, nil
	}
	m := msgs[0]
	attempt := b.deliveryCount(ctx, m.ID)
	if attempt > b.opts.MaxAttempts {
		// Budget exhausted by crashes rather than explicit nacks; route to
		// the dead stream so it stops circulating.
		if derr := b.deadLetter(ctx, m, attempt, "delivery budget exhausted"); derr != nil {
			return nil, false, derr
		}
		return nil, false, nil
	}
	return b.wrap(m, attempt), true, nil
}

// deliveryCount reads the PEL counter for a single entry. Falls back to 1
// when the entry has already left the PEL.
func (b *streamBroker) deliveryCount(ctx context.Context, id string) int {
	pend, err := b.rdb.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: b.opts.Stream,
		Group:  b.opts.Group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pend) == 0 {
		return 1
	}
	return int(pend[0].RetryCount)
}

func (b *streamBroker) wrap(m goredis.XMessage, attempt int) Delivery {
	var msg Message
	msg.RequestID, _ = m.Values["request_id"].(string)
	msg.CorrelationID, _ = m.Values["correlation_id"].(string)
	if raw, ok := m.Values["payload"].(string); ok && raw != "" {
		_ = json.Unmarshal([]byte(raw), &msg.Payload)
	}
	return &streamDelivery{broker: b, raw: m, msg: msg, attempt: attempt}
}

func (b *streamBroker) deadLetter(ctx context.Context, m goredis.XMessage, attempts int, lastErr string) error {
	values := map[string]any{
		"last_error":     lastErr,
		"total_attempts": strconv.Itoa(attempts),
		"failed_at":      time.Now().UTC().Format(time.RFC3339),
	}
	for _, k := range []string{"request_id", "correlation_id", "payload"} {
		if v, ok := m.Values[k]; ok {
			values[k] = v
		}
	}
	if err := b.rdb.XAdd(ctx, &goredis.XAddArgs{Stream: b.opts.DeadStream, Values: values}).Err(); err != nil {
		return fmt.Errorf("dead-letter xadd: %w", err)
	}
	if err := b.rdb.XAck(ctx, b.opts.Stream, b.opts.Group, m.ID).Err(); err != nil {
		return fmt.Errorf("dead-letter xack: %w", err)
	}
	b.log.Warn("Message dead-lettered",
		"request_id", m.Values["request_id"],
		"correlation_id", m.Values["correlation_id"],
		"total_attempts", attempts,
		"last_error", lastErr,
	)
	return nil
}

func (b *streamBroker) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	msgs, err := b.rdb.XRevRangeN(ctx, b.opts.DeadStream, "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange dead stream: %w", err)
	}
	out := make([]DeadLetter, 0, len(msgs))
	for _, m := range msgs {
		var dl DeadLetter
		dl.Message.RequestID, _ = m.Values["request_id"].(string)
		dl.Message.CorrelationID, _ = m.Values["correlation_id"].(string)
		if raw, ok := m.Values["payload"].(string); ok && raw != "" {
			_ = json.Unmarshal([]byte(raw), &dl.Message.Payload)
		}
		dl.LastError, _ = m.Values["last_error"].(string)
		if raw, ok := m.Values["total_attempts"].(string); ok {
			dl.TotalAttempts, _ = strconv.Atoi(raw)
		}
		if raw, ok := m.Values["failed_at"].(string); ok {
			dl.FailedAt, _ = time.Parse(time.RFC3339, raw)
		}
		out = append(out, dl)
	}
	return out, nil
}

func (b *streamBroker) Close() error {
	return b.rdb.Close()
}

type streamDelivery struct {
	broker  *streamBroker
	raw     goredis.XMessage
	msg     Message
	attempt int
}

func (d *streamDelivery) Message() Message { return d.msg }
func (d *streamDelivery) Attempt() int     { return d.attempt }

func (d *streamDelivery) Ack(ctx context.Context) error {
	return d.broker.rdb.XAck(ctx, d.broker.opts.Stream, d.broker.opts.Group, d.raw.ID).Err()
}

// Nack leaves the entry in the pending list so the min-idle reclaim
// redelivers it after the lease lapses; at the attempt budget it routes the
// entry to the dead stream instead, carrying the final cause.
func (d *streamDelivery) Nack(ctx context.Context, cause error) error {
	if d.attempt >= d.broker.opts.MaxAttempts {
		return d.broker.deadLetter(ctx, d.raw, d.attempt, errString(cause))
	}
	return nil
}

// Extend re-claims the entry for this consumer, resetting its idle clock.
func (d *streamDelivery) Extend(ctx context.Context) error {
	return d.broker.rdb.XClaimJustID(ctx, &goredis.XClaimArgs{
		Stream:   d.broker.opts.Stream,
		Group:    d.broker.opts.Group,
		Consumer: d.broker.opts.Consumer,
		MinIdle:  0,
		Messages: []string{d.raw.ID},
	}).Err()
}
