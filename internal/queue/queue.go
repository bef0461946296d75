// Package queue hands events to workers over a Redis stream with
// at-least-once delivery. Redeliveries are expected; consumers treat a
// redelivered event whose execution already exists as a resume signal.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Message is the queue payload: just enough to locate the event.
type Message struct {
	EventID       uuid.UUID
	ProjectID     string
	CorrelationID string
}

// Handler processes one message. A nil return acknowledges the message; an
// error leaves it pending for redelivery.
type Handler func(ctx context.Context, msg Message) error

// Queue is a Redis-stream-backed job queue.
type Queue struct {
	rdb      *redis.Client
	stream   string
	group    string
	consumer string

	// ClaimIdle is how long a pending entry may sit with a dead consumer
	// before another consumer claims it.
	ClaimIdle time.Duration
}

// New creates a queue on the given stream using a consumer group.
func New(rdb *redis.Client, stream, group, consumer string) *Queue {
	return &Queue{rdb: rdb, stream: stream, group: group, consumer: consumer, ClaimIdle: time.Minute}
}

// Enqueue appends a message to the stream.
func (q *Queue) Enqueue(ctx context.Context, msg Message) error {
	err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{
			"event_id":       msg.EventID.String(),
			"project_id":     msg.ProjectID,
			"correlation_id": msg.CorrelationID,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue event %s: %w", msg.EventID, err)
	}
	return nil
}

// Consume reads messages until ctx is cancelled, invoking handler for each.
// Acknowledged entries are removed from the pending list; failed entries
// stay pending and are redelivered via the claim loop.
func (q *Queue) Consume(ctx context.Context, handler Handler) error {
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := q.claimStale(ctx, handler); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("queue claim failed", "err", err)
		}
		streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    8,
			Block:    5 * time.Second,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		if err != nil {
			slog.Warn("queue read failed", "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		for _, stream := range streams {
			for _, entry := range stream.Messages {
				q.dispatch(ctx, entry, handler)
			}
		}
	}
}

func (q *Queue) dispatch(ctx context.Context, entry redis.XMessage, handler Handler) {
	msg, err := parseMessage(entry)
	if err != nil {
		// Poison entry: ack so it doesn't loop forever.
		slog.Error("dropping malformed queue entry", "id", entry.ID, "err", err)
		_ = q.rdb.XAck(ctx, q.stream, q.group, entry.ID).Err()
		return
	}
	if err := handler(ctx, msg); err != nil {
		slog.Warn("queue handler failed, leaving pending", "eventId", msg.EventID, "err", err)
		return
	}
	if err := q.rdb.XAck(ctx, q.stream, q.group, entry.ID).Err(); err != nil {
		slog.Warn("queue ack failed", "id", entry.ID, "err", err)
	}
}

// claimStale takes over pending entries whose consumer has been idle past
// ClaimIdle, giving crashed workers' messages a second delivery.
func (q *Queue) claimStale(ctx context.Context, handler Handler) error {
	entries, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.ClaimIdle,
		Start:    "0-0",
		Count:    8,
	}).Result()
	if err != nil {
		return err
	}
	for _, entry := range entries {
		q.dispatch(ctx, entry, handler)
	}
	return nil
}

func (q *Queue) ensureGroup(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

func parseMessage(entry redis.XMessage) (Message, error) {
	var msg Message
	raw, _ := entry.Values["event_id"].(string)
	id, err := uuid.Parse(raw)
	if err != nil {
		return msg, fmt.Errorf("event_id %q: %w", raw, err)
	}
	msg.EventID = id
	msg.ProjectID, _ = entry.Values["project_id"].(string)
	msg.CorrelationID, _ = entry.Values["correlation_id"].(string)
	if msg.ProjectID == "" {
		return msg, errors.New("missing project_id")
	}
	return msg, nil
}
