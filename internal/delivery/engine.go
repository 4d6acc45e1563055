// Package delivery runs the background fan-out machinery: consuming queued
// delivery jobs, flipping delivery rows for reachable recipients, replaying
// missed messages on reconnect, and sweeping up whatever fell through.
package delivery

import (
	"context"
	"log/slog"
	"time"

	"courier/internal/bus"
	"courier/internal/middleware"
	"courier/internal/models"
	"courier/internal/observability"
	"courier/internal/repository"

	"github.com/google/uuid"
)

const (
	claimSweepEvery = 30 * time.Second
	// Deliveries younger than this are left to the normal job path; the
	// reconciler only picks up jobs that had time to fail.
	reconcileGrace = time.Minute
	reconcileBatch = 500
)

// PresenceChecker answers which of a set of users are online anywhere.
type PresenceChecker interface {
	OnlineAmong(ctx context.Context, userIDs []uuid.UUID) []uuid.UUID
}

// MessageLoader fetches the message bodies the engine fans out.
type MessageLoader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Message, error)
}

// DeliveryUpdate is the body of a delivery-updated event.
type DeliveryUpdate struct {
	MessageID uuid.UUID `json:"message_id"`
	ChatID    uuid.UUID `json:"chat_id"`
	UserID    uuid.UUID `json:"user_id"`
	Status    string    `json:"status"`
}

// Engine consumes the delivery stream and reconciles missed fan-out.
type Engine struct {
	stream     *bus.DeliveryStream
	deliveries repository.DeliveryRepository
	messages   MessageLoader
	presence   PresenceChecker
	notifier   *bus.Notifier

	reconcileWindow time.Duration
	reconcileEvery  time.Duration
}

// NewEngine wires the delivery engine. reconcileWindow bounds how far back
// the sweep looks for stuck deliveries.
func NewEngine(
	stream *bus.DeliveryStream,
	deliveries repository.DeliveryRepository,
	messages MessageLoader,
	presence PresenceChecker,
	notifier *bus.Notifier,
	reconcileWindow time.Duration,
) *Engine {
	reconcileEvery := reconcileWindow / 4
	if reconcileEvery < time.Minute {
		reconcileEvery = time.Minute
	}
	return &Engine{
		stream:          stream,
		deliveries:      deliveries,
		messages:        messages,
		presence:        presence,
		notifier:        notifier,
		reconcileWindow: reconcileWindow,
		reconcileEvery:  reconcileEvery,
	}
}

// Run blocks consuming delivery jobs until ctx is done. Claim sweeps and
// reconciliation run on their own tickers inside the same goroutine set.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.stream.EnsureGroup(ctx); err != nil {
		return err
	}

	go e.sweepLoop(ctx)
	go e.reconcileLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		jobs, err := e.stream.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			middleware.Logger.Warn("delivery stream read failed", slog.String("error", err.Error()))
			time.Sleep(time.Second)
			continue
		}
		for _, job := range jobs {
			e.process(ctx, job)
		}
	}
}

// process pushes the message to every recipient reachable right now, flips
// their delivery rows and acks the job. A row only moves to "delivered" after
// the message-new event for it was accepted by the bus; recipients whose
// emission failed keep their "sent" rows so reconnect replay still covers
// them. Offline recipients are left alone the same way.
func (e *Engine) process(ctx context.Context, pending bus.PendingJob) {
	job := pending.Job
	online := e.presence.OnlineAmong(ctx, job.Recipients)

	if len(online) > 0 {
		msg, err := e.messages.GetByID(ctx, job.MessageID)
		if err != nil {
			middleware.Logger.Warn("delivery message lookup failed",
				slog.String("message_id", job.MessageID.String()),
				slog.String("error", err.Error()))
			observability.DeliveryJobsProcessed.WithLabelValues("requeued").Inc()
			// Not acked: the claim sweep retries it.
			return
		}
		event, eerr := bus.NewEvent(bus.EventMessageNew, msg)
		if eerr != nil {
			middleware.Logger.Warn("delivery event encode failed",
				slog.String("message_id", job.MessageID.String()),
				slog.String("error", eerr.Error()))
			observability.DeliveryJobsProcessed.WithLabelValues("requeued").Inc()
			return
		}

		notified := make([]uuid.UUID, 0, len(online))
		for _, uid := range online {
			if perr := e.notifier.PublishUser(ctx, uid, event); perr != nil {
				middleware.Logger.Warn("message-new emission failed",
					slog.String("message_id", job.MessageID.String()),
					slog.String("user_id", uid.String()),
					slog.String("error", perr.Error()))
				continue
			}
			notified = append(notified, uid)
		}

		if len(notified) > 0 {
			flipped, err := e.deliveries.BulkMarkDelivered(ctx, job.MessageID, notified)
			if err != nil {
				middleware.Logger.Warn("delivery flip failed",
					slog.String("message_id", job.MessageID.String()),
					slog.String("error", err.Error()))
				observability.DeliveryJobsProcessed.WithLabelValues("requeued").Inc()
				return
			}
			if flipped > 0 {
				observability.ObserveDeliveryLatency(job.CreatedAt)
				for _, uid := range notified {
					e.publishUpdate(ctx, job, uid, models.DeliveryDelivered)
				}
			}
		}
	}

	if err := e.stream.Ack(ctx, pending.ID); err != nil {
		middleware.Logger.Warn("delivery ack failed",
			slog.String("entry_id", pending.ID), slog.String("error", err.Error()))
		return
	}
	observability.DeliveryJobsProcessed.WithLabelValues("delivered").Inc()
}

func (e *Engine) publishUpdate(ctx context.Context, job bus.DeliveryJob, userID uuid.UUID, status string) {
	event, err := bus.NewEvent(bus.EventDeliveryUpdated, DeliveryUpdate{
		MessageID: job.MessageID,
		ChatID:    job.ChatID,
		UserID:    userID,
		Status:    status,
	})
	if err != nil {
		return
	}
	if perr := e.notifier.PublishChat(ctx, job.ChatID, event); perr != nil {
		middleware.Logger.Warn("delivery event publish failed",
			slog.String("chat_id", job.ChatID.String()), slog.String("error", perr.Error()))
	}
}

// sweepLoop periodically reclaims jobs read by consumers that died before
// acking. Jobs past their retry budget are counted as dead letters; their
// rows are left for the reconciler.
func (e *Engine) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(claimSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jobs, dead, err := e.stream.Claim(ctx)
			if err != nil {
				middleware.Logger.Warn("delivery claim sweep failed", slog.String("error", err.Error()))
				continue
			}
			for _, d := range dead {
				observability.DeliveryJobsProcessed.WithLabelValues("dead_letter").Inc()
				middleware.Logger.Error("delivery job exhausted retries",
					slog.String("message_id", d.Job.MessageID.String()),
					slog.Int64("attempts", d.Attempts))
			}
			for _, job := range jobs {
				e.process(ctx, job)
			}
		}
	}
}

// reconcileLoop re-enqueues messages whose fan-out stalled: delivery rows
// still "sent" after the grace period, within the configured window.
func (e *Engine) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(e.reconcileEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reconcileOnce(ctx)
		}
	}
}

func (e *Engine) reconcileOnce(ctx context.Context) {
	now := time.Now()
	stale, err := e.deliveries.ListStaleSent(ctx, now.Add(-e.reconcileWindow), now.Add(-reconcileGrace), reconcileBatch)
	if err != nil {
		middleware.Logger.Warn("delivery reconcile query failed", slog.String("error", err.Error()))
		return
	}
	for _, s := range stale {
		job := bus.DeliveryJob{
			MessageID:  s.MessageID,
			ChatID:     s.ChatID,
			Recipients: s.Recipients,
			CreatedAt:  s.CreatedAt,
		}
		if err := e.stream.Enqueue(ctx, job); err != nil {
			middleware.Logger.Warn("delivery reconcile enqueue failed",
				slog.String("message_id", s.MessageID.String()), slog.String("error", err.Error()))
			continue
		}
		observability.DeliveryJobsProcessed.WithLabelValues("requeued").Inc()
	}
	if len(stale) > 0 {
		middleware.Logger.Info("requeued stale deliveries", slog.Int("messages", len(stale)))
	}
}

// ReplayOffline pushes the messages a reconnecting user never received
// through emit, oldest first. A delivery row flips to "delivered" only after
// its message reached the socket; the first emit failure stops the replay and
// leaves the remaining rows at "sent" for the next reconnect. Returns how
// many messages were replayed. Called when a socket attaches, before the
// connection's write pump starts.
func (e *Engine) ReplayOffline(ctx context.Context, userID uuid.UUID, emit func(*models.Message) error) (int, error) {
	messages, err := e.deliveries.ListUndelivered(ctx, userID, repository.MaxPageSize)
	if err != nil {
		return 0, err
	}
	replayed := 0
	for i := range messages {
		msg := &messages[i]
		if err := emit(msg); err != nil {
			middleware.Logger.Warn("offline replay emit failed",
				slog.String("user_id", userID.String()),
				slog.String("message_id", msg.ID.String()),
				slog.String("error", err.Error()))
			return replayed, nil
		}
		if _, err := e.deliveries.BulkMarkDelivered(ctx, msg.ID, []uuid.UUID{userID}); err != nil {
			middleware.Logger.Warn("replay flip failed",
				slog.String("message_id", msg.ID.String()), slog.String("error", err.Error()))
			continue
		}
		observability.OfflineReplayMessages.Inc()
		e.publishUpdate(ctx, bus.DeliveryJob{
			MessageID: msg.ID,
			ChatID:    msg.ChatID,
			CreatedAt: msg.CreatedAt,
		}, userID, models.DeliveryDelivered)
		replayed++
	}
	return replayed, nil
}
