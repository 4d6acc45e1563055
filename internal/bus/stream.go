package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"courier/internal/cache"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Stream consumption tuning. Jobs idle in the pending list longer than
// claimMinIdle are assumed orphaned by a dead consumer and reclaimed.
const (
	readBatchSize  = 10
	readBlock      = time.Second
	claimMinIdle   = 60 * time.Second
	maxJobAttempts = 5
)

// DeliveryJob is one unit of fan-out work: a persisted message and the
// recipients whose delivery rows may need flipping.
type DeliveryJob struct {
	MessageID  uuid.UUID   `json:"message_id"`
	ChatID     uuid.UUID   `json:"chat_id"`
	Recipients []uuid.UUID `json:"recipients"`
	CreatedAt  time.Time   `json:"created_at"`
}

// PendingJob pairs a consumed job with its stream entry id for ack/retry
// bookkeeping.
type PendingJob struct {
	ID       string
	Attempts int64
	Job      DeliveryJob
}

// DeliveryStream wraps the Redis stream that queues delivery jobs for the
// consumer group of worker nodes.
type DeliveryStream struct {
	rdb      *redis.Client
	stream   string
	group    string
	consumer string
}

// NewDeliveryStream creates the stream wrapper for one named consumer.
// Consumer names must be unique per node (hostname + pid works).
func NewDeliveryStream(rdb *redis.Client, consumer string) *DeliveryStream {
	return &DeliveryStream{
		rdb:      rdb,
		stream:   cache.DeliveryStreamKey,
		group:    cache.DeliveryGroup,
		consumer: consumer,
	}
}

// EnsureGroup creates the consumer group, creating the stream as a side
// effect. An already-existing group is not an error.
func (s *DeliveryStream) EnsureGroup(ctx context.Context) error {
	err := s.rdb.XGroupCreateMkStream(ctx, s.stream, s.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Enqueue appends a delivery job to the stream.
func (s *DeliveryStream) Enqueue(ctx context.Context, job DeliveryJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal delivery job: %w", err)
	}
	return s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{"job": string(raw)},
	}).Err()
}

// Read blocks up to one second for the next batch of jobs assigned to this
// consumer. An empty slice with nil error means the block timed out.
func (s *DeliveryStream) Read(ctx context.Context) ([]PendingJob, error) {
	res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.stream, ">"},
		Count:    readBatchSize,
		Block:    readBlock,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var jobs []PendingJob
	for _, stream := range res {
		for _, entry := range stream.Messages {
			job, perr := parseJob(entry)
			if perr != nil {
				// Unparseable entries are acked away so they cannot wedge the group.
				s.rdb.XAck(ctx, s.stream, s.group, entry.ID)
				continue
			}
			jobs = append(jobs, PendingJob{ID: entry.ID, Attempts: 1, Job: job})
		}
	}
	return jobs, nil
}

// Claim reclaims jobs another consumer read but never acked. Jobs past
// maxJobAttempts are acked and dropped; the reconciliation sweep will catch
// any rows they would have flipped.
func (s *DeliveryStream) Claim(ctx context.Context) ([]PendingJob, []PendingJob, error) {
	pending, err := s.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.stream,
		Group:  s.group,
		Start:  "-",
		End:    "+",
		Count:  readBatchSize,
		Idle:   claimMinIdle,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	if len(pending) == 0 {
		return nil, nil, nil
	}

	var claimIDs []string
	attempts := make(map[string]int64, len(pending))
	for _, p := range pending {
		claimIDs = append(claimIDs, p.ID)
		attempts[p.ID] = p.RetryCount
	}

	claimed, err := s.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   s.stream,
		Group:    s.group,
		Consumer: s.consumer,
		MinIdle:  claimMinIdle,
		Messages: claimIDs,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, nil, err
	}

	var jobs, dead []PendingJob
	for _, entry := range claimed {
		job, perr := parseJob(entry)
		if perr != nil {
			s.rdb.XAck(ctx, s.stream, s.group, entry.ID)
			continue
		}
		p := PendingJob{ID: entry.ID, Attempts: attempts[entry.ID], Job: job}
		if p.Attempts > maxJobAttempts {
			s.rdb.XAck(ctx, s.stream, s.group, entry.ID)
			dead = append(dead, p)
			continue
		}
		jobs = append(jobs, p)
	}
	return jobs, dead, nil
}

// Ack marks a job as fully processed.
func (s *DeliveryStream) Ack(ctx context.Context, entryID string) error {
	return s.rdb.XAck(ctx, s.stream, s.group, entryID).Err()
}

func parseJob(entry redis.XMessage) (DeliveryJob, error) {
	raw, ok := entry.Values["job"].(string)
	if !ok {
		return DeliveryJob{}, fmt.Errorf("stream entry %s has no job field", entry.ID)
	}
	var job DeliveryJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return DeliveryJob{}, fmt.Errorf("unmarshal job %s: %w", entry.ID, err)
	}
	return job, nil
}
