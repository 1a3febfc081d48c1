// Package notify creates alert notifications, attempts immediate delivery and
// re-drives failed deliveries with bounded retries.
package notify

import (
	"context"
	"errors"
	"time"
)

type Status string

const (
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
	StatusFailed  Status = "FAILED"
)

type Channel string

const ChannelSMS Channel = "SMS"

// Payload is the JSON body persisted with a notification.
type Payload struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	IncidentID string `json:"incident_id,omitempty"`
}

// Notification is one alert to one recipient. A FAILED notification with no
// NextRetryAt is terminal.
type Notification struct {
	ID          string
	RecipientID string
	IncidentID  string
	Channel     Channel
	Payload     Payload
	Status      Status
	Attempts    int
	NextRetryAt *time.Time
	LastError   string
	SentAt      *time.Time
	CreatedAt   time.Time
}

// Terminal reports whether no further delivery will be attempted.
func (n *Notification) Terminal(maxAttempts int) bool {
	if n.Status == StatusSent {
		return true
	}
	return n.NextRetryAt == nil || n.Attempts >= maxAttempts
}

var (
	ErrNotFound  = errors.New("notify: not found")
	ErrNoAddress = errors.New("notify: no destination address")
)

// Store persists notifications.
type Store interface {
	CreateNotification(ctx context.Context, n *Notification) error
	UpdateNotification(ctx context.Context, n *Notification) error
	// DueNotifications returns PENDING or FAILED notifications with
	// attempts < maxAttempts and NextRetryAt <= now, oldest first.
	DueNotifications(ctx context.Context, now time.Time, maxAttempts, limit int) ([]Notification, error)
}

// AddressResolver finds the sealed destination address for a recipient. It
// returns ErrNoAddress when none exists.
type AddressResolver interface {
	ContactAddress(ctx context.Context, recipientID string) (string, error)
}

// Opener unseals stored addresses.
type Opener interface {
	Open(sealed string) (string, error)
}

// Sender delivers one message. A returned error is a delivery failure.
type Sender interface {
	Send(ctx context.Context, to, message string) (messageID string, err error)
}

// DefaultRetryDelays is indexed by the attempt count of the failed delivery.
var DefaultRetryDelays = []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}

const (
	DefaultMaxAttempts = 3
	DefaultBatchSize   = 10
	DefaultInterval    = 10 * time.Second
	unexpectedDelay    = time.Minute
)

func openAddress(o Opener, sealed string) (string, error) {
	if o == nil {
		return sealed, nil
	}
	return o.Open(sealed)
}
