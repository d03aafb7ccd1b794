// Package worker provides async bill derivation off the event bus.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/callbill/internal/billing"
	"github.com/opensource-finance/callbill/internal/domain"
)

// Biller bills a completed call.
type Biller interface {
	BillCall(ctx context.Context, callID int64) (*domain.BillRecord, bool, error)
}

// Worker bills calls as their records arrive on the EventBus.
type Worker struct {
	bus    domain.EventBus
	biller Biller
	cfg    Config

	mu            sync.Mutex
	subscriptions []domain.Subscription
	stopped       bool
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// BillTimeout bounds the handling of a single record event.
	BillTimeout time.Duration
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, biller Biller) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		biller: biller,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to saved call records.
func (w *Worker) Start(cfg Config) error {
	if cfg.BillTimeout <= 0 {
		cfg.BillTimeout = 10 * time.Second
	}
	w.cfg = cfg

	sub, err := w.bus.Subscribe(w.ctx, domain.TopicCallRecordSaved, w.handleMessage)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("billing worker started",
		"topic", domain.TopicCallRecordSaved,
	)

	return nil
}

// handleMessage bills the call a saved record belongs to.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	if !w.track() {
		return nil
	}
	defer w.wg.Done()

	start := time.Now()

	var event billing.RecordEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		slog.Error("failed to parse record event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.BillTimeout)
	defer cancel()

	bill, created, err := w.biller.BillCall(ctx, event.CallID)
	if err != nil {
		slog.Error("failed to bill call",
			"call_id", event.CallID,
			"record_id", event.RecordID,
			"error", err,
		)
		return err
	}

	if bill == nil {
		slog.Debug("call not complete yet",
			"call_id", event.CallID,
			"record_id", event.RecordID,
		)
		return nil
	}

	slog.Debug("record event processed",
		"call_id", event.CallID,
		"bill_id", bill.ID,
		"created", created,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

func (w *Worker) track() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return false
	}
	w.wg.Add(1)
	return true
}

// Stop unsubscribes and waits for in-flight events.
func (w *Worker) Stop() error {
	w.mu.Lock()
	w.stopped = true
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	w.cancel()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.wg.Wait()

	slog.Info("billing worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
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
	}
}
