package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"emconnect.org/internal/obs"
)

// Worker re-drives due notifications. Cycles never overlap: the next poll is
// scheduled only after the current batch has been processed.
type Worker struct {
	store       Store
	sender      Sender
	resolver    AddressResolver
	opener      Opener
	interval    time.Duration
	batch       int
	maxAttempts int
	delays      []time.Duration
	sendTimeout time.Duration
	now         func() time.Time
}

// WorkerConfig tunes the polling loop. Zero values use the defaults.
type WorkerConfig struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	RetryDelays []time.Duration
	SendTimeout time.Duration
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

func WithWorkerClock(fn func() time.Time) WorkerOption {
	return func(w *Worker) {
		if fn != nil {
			w.now = fn
		}
	}
}

func WithWorkerOpener(o Opener) WorkerOption {
	return func(w *Worker) { w.opener = o }
}

func NewWorker(store Store, sender Sender, resolver AddressResolver, cfg WorkerConfig, opts ...WorkerOption) *Worker {
	w := &Worker{
		store:       store,
		sender:      sender,
		resolver:    resolver,
		interval:    cfg.Interval,
		batch:       cfg.BatchSize,
		maxAttempts: cfg.MaxAttempts,
		delays:      cfg.RetryDelays,
		sendTimeout: cfg.SendTimeout,
		now:         time.Now,
	}
	if w.interval <= 0 {
		w.interval = DefaultInterval
	}
	if w.batch <= 0 {
		w.batch = DefaultBatchSize
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = DefaultMaxAttempts
	}
	if len(w.delays) == 0 {
		w.delays = DefaultRetryDelays
	}
	if w.sendTimeout <= 0 {
		w.sendTimeout = 10 * time.Second
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	obs.Info("notify_worker_started", map[string]any{
		"interval_s":   w.interval.Seconds(),
		"max_attempts": w.maxAttempts,
		"batch":        w.batch,
	})
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		if n, err := w.ProcessOnce(ctx); err != nil {
			obs.Error("notify_poll_failed", map[string]any{"error": err.Error()})
		} else if n > 0 {
			obs.Info("notify_batch_processed", map[string]any{"count": n})
		}
		timer.Reset(w.interval)
	}
}

// ProcessOnce handles one batch and returns how many notifications it saw.
// A failure on one notification never aborts the rest of the batch.
func (w *Worker) ProcessOnce(ctx context.Context) (int, error) {
	due, err := w.store.DueNotifications(ctx, w.now().UTC(), w.maxAttempts, w.batch)
	if err != nil {
		return 0, fmt.Errorf("load due notifications: %w", err)
	}
	for i := range due {
		work := due[i]
		if err := w.processSafely(ctx, &work); err != nil {
			w.recordUnexpected(ctx, &due[i], err)
		}
	}
	return len(due), nil
}

func (w *Worker) processSafely(ctx context.Context, n *Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.process(ctx, n)
}

// process returns an error only for unexpected conditions; delivery outcomes
// are persisted here.
func (w *Worker) process(ctx context.Context, n *Notification) error {
	sealed, err := w.resolver.ContactAddress(ctx, n.RecipientID)
	if errors.Is(err, ErrNoAddress) {
		n.Status = StatusFailed
		n.NextRetryAt = nil
		n.LastError = "no destination address for recipient"
		obs.Notifications.WithLabelValues("no_address").Inc()
		obs.Warn("notification_no_address", map[string]any{"notification_id": n.ID, "recipient_id": n.RecipientID})
		return w.store.UpdateNotification(ctx, n)
	}
	if err != nil {
		return fmt.Errorf("resolve address: %w", err)
	}
	to, err := openAddress(w.opener, sealed)
	if err != nil {
		return fmt.Errorf("open address: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.sendTimeout)
	_, sendErr := w.sender.Send(sendCtx, to, n.Payload.Message)
	cancel()

	now := w.now().UTC()
	prior := n.Attempts
	n.Attempts = prior + 1
	switch {
	case sendErr == nil:
		n.Status = StatusSent
		n.SentAt = &now
		n.NextRetryAt = nil
		n.LastError = ""
		obs.Notifications.WithLabelValues("sent").Inc()
	case n.Attempts >= w.maxAttempts:
		n.Status = StatusFailed
		n.NextRetryAt = nil
		n.LastError = sendErr.Error()
		obs.Notifications.WithLabelValues("failed_terminal").Inc()
		obs.Warn("notification_failed_permanently", map[string]any{"notification_id": n.ID, "attempts": n.Attempts})
	default:
		next := now.Add(w.delay(prior))
		n.Status = StatusFailed
		n.NextRetryAt = &next
		n.LastError = sendErr.Error()
		obs.Notifications.WithLabelValues("failed_retry").Inc()
	}
	return w.store.UpdateNotification(ctx, n)
}

func (w *Worker) delay(attempts int) time.Duration {
	if attempts >= len(w.delays) {
		attempts = len(w.delays) - 1
	}
	if attempts < 0 {
		attempts = 0
	}
	return w.delays[attempts]
}

func (w *Worker) recordUnexpected(ctx context.Context, n *Notification, cause error) {
	obs.Notifications.WithLabelValues("error").Inc()
	obs.Error("notification_process_error", map[string]any{"notification_id": n.ID, "error": cause.Error()})
	n.Attempts++
	n.LastError = cause.Error()
	if n.Attempts >= w.maxAttempts {
		n.Status = StatusFailed
		n.NextRetryAt = nil
	} else {
		next := w.now().UTC().Add(unexpectedDelay)
		n.NextRetryAt = &next
	}
	if err := w.store.UpdateNotification(ctx, n); err != nil {
		obs.Error("notification_update_failed", map[string]any{"notification_id": n.ID, "error": err.Error()})
	}
}
