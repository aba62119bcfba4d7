// Package worker scores payments streamed over the event bus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// Submitter scores one event. *scoring.Pipeline satisfies it.
type Submitter interface {
	Submit(ctx context.Context, ev *domain.PaymentEvent) (*scoring.Outcome, error)
}

// Worker consumes the ingest topic and feeds events to the scoring pipeline
// through a bounded worker pool. Results leave through the pipeline's own
// decision and alert topics.
type Worker struct {
	bus      domain.EventBus
	pipeline Submitter

	mu            sync.Mutex
	pool          *workerPool[*domain.PaymentEvent, *scoring.Outcome]
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// Workers is the number of events scored concurrently.
	Workers int

	// QueueDepth bounds events accepted but not yet scored.
	QueueDepth int
}

// NewWorker creates a new streaming worker.
func NewWorker(bus domain.EventBus, pipeline Submitter) *Worker {
	return &Worker{
		bus:      bus,
		pipeline: pipeline,
	}
}

// Start subscribes to the ingest topic.
func (w *Worker) Start(cfg Config) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pool != nil {
		return errors.New("worker already started")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 16
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1024
	}

	w.ctx, w.cancel = context.WithCancel(context.Background())

	// Queued events are scored to completion even while stopping.
	w.pool = newWorkerPool(context.Background(), cfg.Workers, cfg.QueueDepth, w.pipeline.Submit, w.finished)

	sub, err := w.bus.Subscribe(w.ctx, domain.TopicPaymentIngested, w.handleMessage)
	if err != nil {
		w.cancel()
		w.pool.Drain()
		w.pool = nil
		return fmt.Errorf("subscribe %s: %w", domain.TopicPaymentIngested, err)
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("streaming worker started",
		"topic", domain.TopicPaymentIngested,
		"workers", cfg.Workers,
		"queue_depth", cfg.QueueDepth,
	)
	return nil
}

// handleMessage decodes an ingested payment and queues it for scoring.
// It blocks while the pool's queue is full.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var ev domain.PaymentEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		w.reject(msg, err)
		return err
	}
	if err := ev.Validate(); err != nil {
		w.reject(msg, err)
		return err
	}

	w.mu.Lock()
	pool := w.pool
	w.mu.Unlock()
	if pool == nil {
		return ErrPoolClosed
	}

	// Stop drains the subscription into the pool, so a full queue is waited
	// out rather than abandoned when ctx is cancelled.
	if err := pool.Submit(context.WithoutCancel(ctx), &ev); err != nil {
		slog.Warn("ingested payment not queued",
			"event_id", ev.ID,
			"error", err,
		)
		return err
	}
	metrics.IngestQueueUtilization.Set(float64(pool.QueueLen()) / float64(pool.QueueCap()))
	return nil
}

func (w *Worker) reject(msg *domain.Message, err error) {
	w.rejected.Add(1)
	metrics.IngestRejected.Inc()
	slog.Error("failed to parse ingested payment",
		"message_id", msg.ID,
		"error", err,
	)
}

// finished runs on the pool goroutine after each event.
func (w *Worker) finished(ev *domain.PaymentEvent, out *scoring.Outcome, err error) {
	if err != nil {
		w.failed.Add(1)
		metrics.IngestRejected.Inc()
		slog.Error("failed to score ingested payment",
			"event_id", ev.ID,
			"error", err,
		)
		return
	}
	w.processed.Add(1)
	if out.Duplicate {
		slog.Debug("ingested payment already scored", "event_id", ev.ID, "result_id", out.Result.ID)
	}
}

// Stop unsubscribes, which hands every buffered message to the pool, then
// waits for queued events to be scored.
func (w *Worker) Stop() error {
	w.mu.Lock()
	pool := w.pool
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.mu.Lock()
	w.pool = nil
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()

	if pool != nil {
		pool.Drain()
		metrics.IngestQueueUtilization.Set(0)
	}

	slog.Info("streaming worker stopped",
		"processed", w.processed.Load(),
		"failed", w.failed.Load(),
		"rejected", w.rejected.Load(),
	)
	return nil
}

// Stats reports worker activity.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	QueueLen          int      `json:"queueLen"`
	QueueCap          int      `json:"queueCap"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
	Rejected          int64    `json:"rejected"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	s := Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
		Rejected:          w.rejected.Load(),
	}
	if w.pool != nil {
		s.QueueLen = w.pool.QueueLen()
		s.QueueCap = w.pool.QueueCap()
	}
	return s
}
