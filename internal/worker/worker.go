// Package worker reacts to committed rewards published on the EventBus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/opensource-finance/cardwise/internal/cache"
	"github.com/opensource-finance/cardwise/internal/domain"
)

// Worker drops cached monthly summaries when a reward is committed, so the
// next summary read reflects the new transaction.
type Worker struct {
	bus   domain.EventBus
	cache domain.Cache

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
}

// NewWorker creates a worker listening on bus and invalidating cache.
func NewWorker(bus domain.EventBus, cache domain.Cache) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		cache:  cache,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to committed reward events.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicRewardCommitted, w.handleCommitted)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicRewardCommitted, err)
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("worker started", "topic", domain.TopicRewardCommitted)
	return nil
}

// handleCommitted invalidates the summary of the event's user and month.
func (w *Worker) handleCommitted(ctx context.Context, msg *domain.Message) error {
	var evt domain.RewardCommitted
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		w.failed.Add(1)
		slog.Error("failed to parse reward event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	key := cache.SummaryKey(evt.UserID, evt.Date.Format("2006-01"))
	if err := w.cache.Delete(ctx, key); err != nil {
		w.failed.Add(1)
		slog.Error("failed to invalidate summary",
			"transaction_id", evt.TransactionID,
			"key", key,
			"error", err,
		)
		return err
	}

	w.processed.Add(1)
	slog.Debug("summary invalidated",
		"transaction_id", evt.TransactionID,
		"user_id", evt.UserID,
		"key", key,
		"trace_id", msg.Metadata[domain.MetadataTraceID],
	)
	return nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("worker stopped")
	return nil
}

// Stats reports worker activity.
type Stats struct {
	SubscriptionCount int      `json:"subscription_count"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
	}
}
