// Package queue implements the durable background job queues for inbox
// processing and activity delivery on top of NATS JetStream work-queue
// streams. Jobs survive worker crashes; a message claimed by a worker is
// redelivered after its visibility window (AckWait) elapses, and retries are
// scheduled with NakWithDelay following per-queue backoff tables. Deliveries
// that exhaust their retries, or that hit a permanent HTTP error, are recorded
// in the delivery_dead_letters table with the last error for observability.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/oklog/ulid/v2"

	"github.com/driftwood-social/driftwood/internal/events"
	"github.com/driftwood-social/driftwood/internal/models"
)

const (
	inboxStream    = "DRIFTWOOD_INBOX"
	deliveryStream = "DRIFTWOOD_DELIVERY"

	subjectInbox    = "driftwood.jobs.inbox"
	subjectDelivery = "driftwood.jobs.delivery"

	// Visibility windows: a crashed worker's claim expires after this long
	// and the job re-enters the queue.
	inboxAckWait    = 5 * time.Minute
	deliveryAckWait = 15 * time.Minute

	inboxMaxAttempts    = 6
	deliveryMaxAttempts = 8
)

// deliveryDelays is the backoff schedule for delivery retries.
var deliveryDelays = []time.Duration{
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
	6 * time.Hour,
	12 * time.Hour,
	24 * time.Hour,
}

// DeliveryDelay returns the backoff delay before the given retry attempt
// (0-based). Attempts beyond the schedule reuse the final delay.
func DeliveryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(deliveryDelays) {
		return deliveryDelays[len(deliveryDelays)-1]
	}
	return deliveryDelays[attempt]
}

// InboxDelay returns the backoff delay for inbox retries: 2^attempt seconds.
func InboxDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 10 {
		attempt = 10
	}
	return time.Duration(1<<uint(attempt)) * time.Second
}

// DeliveryResult classifies the outcome of one delivery attempt.
type DeliveryResult int

const (
	// DeliveryOK means the peer accepted the activity.
	DeliveryOK DeliveryResult = iota
	// DeliveryTransient means the attempt should be retried with backoff.
	DeliveryTransient
	// DeliveryPermanent means retrying cannot help; the job dead-letters.
	DeliveryPermanent
)

// Queue manages the two job streams and their workers.
type Queue struct {
	js     nats.JetStreamContext
	pool   *pgxpool.Pool
	logger *slog.Logger
	subs   []*nats.Subscription
}

// New creates a queue over the bus's JetStream context. The pool is used for
// dead-letter rows.
func New(bus *events.Bus, pool *pgxpool.Pool, logger *slog.Logger) *Queue {
	return &Queue{js: bus.JetStream(), pool: pool, logger: logger}
}

// EnsureStreams creates the JetStream work-queue streams if they don't already
// exist. Call during server startup.
func (q *Queue) EnsureStreams() error {
	streams := []nats.StreamConfig{
		{
			Name:      inboxStream,
			Subjects:  []string{subjectInbox},
			Retention: nats.WorkQueuePolicy,
			MaxAge:    48 * time.Hour,
			Storage:   nats.FileStorage,
			Replicas:  1,
		},
		{
			Name:      deliveryStream,
			Subjects:  []string{subjectDelivery},
			Retention: nats.WorkQueuePolicy,
			MaxAge:    7 * 24 * time.Hour,
			Storage:   nats.FileStorage,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		info, err := q.js.StreamInfo(cfg.Name)
		if err != nil && err != nats.ErrStreamNotFound {
			return fmt.Errorf("checking stream %s: %w", cfg.Name, err)
		}
		if info == nil {
			if _, err := q.js.AddStream(&cfg); err != nil {
				return fmt.Errorf("creating stream %s: %w", cfg.Name, err)
			}
			q.logger.Info("JetStream stream created", slog.String("stream", cfg.Name))
		}
	}
	return nil
}

// EnqueueInbox queues a received activity for background processing.
func (q *Queue) EnqueueInbox(_ context.Context, job models.InboxJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling inbox job: %w", err)
	}
	if _, err := q.js.Publish(subjectInbox, data); err != nil {
		return fmt.Errorf("enqueueing inbox job: %w", err)
	}
	return nil
}

// EnqueueDelivery queues a signed POST of one activity to one inbox URL.
func (q *Queue) EnqueueDelivery(_ context.Context, job models.DeliveryJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling delivery job: %w", err)
	}
	if _, err := q.js.Publish(subjectDelivery, data); err != nil {
		return fmt.Errorf("enqueueing delivery job: %w", err)
	}
	return nil
}

// StartInboxWorker consumes inbox jobs. The handler error decides the
// disposition: nil acks, non-nil schedules a retry with exponential backoff
// until the attempt cap, after which the job is dropped.
func (q *Queue) StartInboxWorker(ctx context.Context, handler func(ctx context.Context, job models.InboxJob) error) error {
	sub, err := q.js.QueueSubscribe(subjectInbox, "inbox-workers", func(msg *nats.Msg) {
		var job models.InboxJob
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			q.logger.Error("failed to unmarshal inbox job", slog.String("error", err.Error()))
			msg.Ack()
			return
		}

		attempt := 0
		if md, err := msg.Metadata(); err == nil {
			attempt = int(md.NumDelivered) - 1
		}

		jobCtx, cancel := context.WithTimeout(ctx, inboxAckWait)
		defer cancel()

		if err := handler(jobCtx, job); err != nil {
			if attempt+1 >= inboxMaxAttempts {
				q.logger.Warn("inbox job dropped after max attempts",
					slog.String("source_host", job.SourceHost),
					slog.Int("attempts", attempt+1),
					slog.String("error", err.Error()),
				)
				msg.Ack()
				return
			}
			delay := InboxDelay(attempt)
			q.logger.Warn("inbox job failed, scheduling retry",
				slog.String("source_host", job.SourceHost),
				slog.Int("attempt", attempt),
				slog.Duration("next_retry", delay),
				slog.String("error", err.Error()),
			)
			msg.NakWithDelay(delay)
			return
		}
		msg.Ack()
	}, nats.Durable("inbox-worker"), nats.ManualAck(),
		nats.AckWait(inboxAckWait), nats.MaxDeliver(inboxMaxAttempts+1))
	if err != nil {
		return fmt.Errorf("subscribing to inbox queue: %w", err)
	}

	q.subs = append(q.subs, sub)
	q.logger.Info("inbox worker started")
	return nil
}

// StartDeliveryWorker consumes delivery jobs. The handler classifies each
// attempt; transient failures retry on the delivery backoff schedule, while
// permanent failures and exhausted retries dead-letter with the last error.
func (q *Queue) StartDeliveryWorker(ctx context.Context, handler func(ctx context.Context, job models.DeliveryJob) (DeliveryResult, error)) error {
	sub, err := q.js.QueueSubscribe(subjectDelivery, "delivery-workers", func(msg *nats.Msg) {
		var job models.DeliveryJob
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			q.logger.Error("failed to unmarshal delivery job", slog.String("error", err.Error()))
			msg.Ack()
			return
		}

		attempt := 0
		if md, err := msg.Metadata(); err == nil {
			attempt = int(md.NumDelivered) - 1
		}

		jobCtx, cancel := context.WithTimeout(ctx, deliveryAckWait)
		defer cancel()

		result, herr := handler(jobCtx, job)
		switch result {
		case DeliveryOK:
			msg.Ack()

		case DeliveryPermanent:
			q.deadLetter(job, attempt+1, herr)
			msg.Ack()

		case DeliveryTransient:
			if attempt+1 >= deliveryMaxAttempts {
				q.deadLetter(job, attempt+1, herr)
				msg.Ack()
				return
			}
			delay := DeliveryDelay(attempt)
			q.logger.Warn("delivery failed, scheduling retry",
				slog.String("inbox_url", job.InboxURL),
				slog.Int("attempt", attempt),
				slog.Duration("next_retry", delay),
				slog.String("error", errString(herr)),
			)
			msg.NakWithDelay(delay)
		}
	}, nats.Durable("delivery-worker"), nats.ManualAck(),
		nats.AckWait(deliveryAckWait), nats.MaxDeliver(deliveryMaxAttempts+1))
	if err != nil {
		return fmt.Errorf("subscribing to delivery queue: %w", err)
	}

	q.subs = append(q.subs, sub)
	q.logger.Info("delivery worker started")
	return nil
}

// deadLetter records a permanently failed delivery with its last error.
func (q *Queue) deadLetter(job models.DeliveryJob, attempts int, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id := ulid.Make().String()
	_, err := q.pool.Exec(ctx,
		`INSERT INTO delivery_dead_letters (id, inbox_url, activity, actor_id, attempts, error_message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())`,
		id, job.InboxURL, []byte(job.Activity), job.ActorID, attempts, errString(cause))
	if err != nil {
		q.logger.Error("failed to insert delivery dead letter",
			slog.String("inbox_url", job.InboxURL),
			slog.String("error", err.Error()),
		)
		return
	}

	q.logger.Warn("delivery moved to dead letters",
		slog.String("inbox_url", job.InboxURL),
		slog.Int("attempts", attempts),
	)
}

// Drain unsubscribes the workers, letting in-flight handlers finish.
func (q *Queue) Drain() {
	for _, sub := range q.subs {
		if err := sub.Drain(); err != nil {
			q.logger.Warn("draining queue subscription", slog.String("error", err.Error()))
		}
	}
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
