package notify

import (
	"context"
	"fmt"
	"time"

	"emconnect.org/internal/audit"
	"emconnect.org/internal/ids"
	"emconnect.org/internal/obs"
)

// Request describes a notification to create.
type Request struct {
	RecipientID string
	IncidentID  string
	Channel     Channel
	Payload     Payload
	// SealedAddress is the destination as stored; it is opened only for the
	// send call.
	SealedAddress string
}

// Dispatcher creates notifications and attempts the first delivery.
type Dispatcher struct {
	store       Store
	sender      Sender
	opener      Opener
	delays      []time.Duration
	sendTimeout time.Duration
	now         func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

func WithDispatcherClock(fn func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if fn != nil {
			d.now = fn
		}
	}
}

func WithOpener(o Opener) DispatcherOption {
	return func(d *Dispatcher) { d.opener = o }
}

func WithRetryDelays(delays []time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if len(delays) > 0 {
			d.delays = delays
		}
	}
}

func WithSendTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.sendTimeout = timeout
		}
	}
}

func NewDispatcher(store Store, sender Sender, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:       store,
		sender:      sender,
		delays:      DefaultRetryDelays,
		sendTimeout: 10 * time.Second,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// CreateAndSend persists a PENDING notification and tries to deliver it once.
// Delivery failures are recorded on the notification and never returned; only
// store failures produce an error.
func (d *Dispatcher) CreateAndSend(ctx context.Context, req Request) (*Notification, error) {
	now := d.now().UTC()
	channel := req.Channel
	if channel == "" {
		channel = ChannelSMS
	}
	n := &Notification{
		ID:          ids.NewAt(now),
		RecipientID: req.RecipientID,
		IncidentID:  req.IncidentID,
		Channel:     channel,
		Payload:     req.Payload,
		Status:      StatusPending,
		NextRetryAt: &now,
		CreatedAt:   now,
	}
	if err := d.store.CreateNotification(ctx, n); err != nil {
		return nil, fmt.Errorf("create notification: %w", err)
	}

	err := d.deliver(ctx, req.SealedAddress, n.Payload.Message)
	done := d.now().UTC()
	n.Attempts = 1
	if err == nil {
		n.Status = StatusSent
		n.SentAt = &done
		n.NextRetryAt = nil
		obs.Notifications.WithLabelValues("sent").Inc()
	} else {
		next := done.Add(d.delays[0])
		n.Status = StatusFailed
		n.NextRetryAt = &next
		n.LastError = err.Error()
		obs.Notifications.WithLabelValues("failed_retry").Inc()
	}
	if uerr := d.store.UpdateNotification(ctx, n); uerr != nil {
		obs.Error("notification_update_failed", map[string]any{"notification_id": n.ID, "error": uerr.Error()})
	}
	_ = audit.LogEvent(ctx, "notification.dispatched", map[string]any{
		"notification_id": n.ID,
		"incident_id":     n.IncidentID,
		"recipient_id":    n.RecipientID,
		"status":          string(n.Status),
	})
	return n, nil
}

func (d *Dispatcher) deliver(ctx context.Context, sealed, message string) error {
	if sealed == "" {
		return ErrNoAddress
	}
	to, err := openAddress(d.opener, sealed)
	if err != nil {
		return fmt.Errorf("open address: %w", err)
	}
	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()
	_, err = d.sender.Send(sendCtx, to, message)
	return err
}
