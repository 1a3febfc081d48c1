// Package covert implements the phrase-entry and second-factor protocol that
// lets a protected party raise an incident from what looks like a search box.
// Every failure, whatever its cause, yields the same camouflage result.
package covert

import (
	"context"
	"errors"
	"time"

	"emconnect.org/internal/incident"
	"emconnect.org/internal/notify"
	"emconnect.org/internal/ratelimit"
)

// Mode discriminates Result.
type Mode string

const (
	ModeSearch       Mode = "SEARCH"
	ModeSecondFactor Mode = "SECOND_FACTOR"
	ModeIncident     Mode = "INCIDENT"
)

type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Result is returned by Enter and Verify. Only the fields of its Mode are set.
type Result struct {
	Mode     Mode
	Results  []SearchResult
	Question string
	// Credential is the challenge token for SECOND_FACTOR.
	Credential string
	IncidentID string
	IsDuress   bool
	SubjectID  string
	// SessionToken is the incident-scoped session issued on INCIDENT.
	SessionToken   string
	SessionExpires time.Time
}

// CredentialConfig is a protected party's covert configuration. Only hashes
// are stored.
type CredentialConfig struct {
	SubjectID          string
	PrimaryHash        string
	DuressHash         string
	Question           string
	AnswerHash         string
	AttemptsPerWindow  int
	WindowSeconds      int
	LockSeconds        int
	RotateReminderDays int
	UpdatedAt          time.Time
}

type LinkStatus string

const (
	LinkPending LinkStatus = "PENDING"
	LinkActive  LinkStatus = "ACTIVE"
	LinkRevoked LinkStatus = "REVOKED"
)

// TrustedLink connects a protected party to a contact. SealedPhone is the
// contact's phone number as stored.
type TrustedLink struct {
	ID          string
	SubjectID   string
	ContactID   string
	SealedPhone string
	Status      LinkStatus
	CreatedAt   time.Time
}

var (
	ErrNotFound             = errors.New("covert: not found")
	ErrInvalidInput         = errors.New("covert: invalid input")
	ErrDuressMatchesPrimary = errors.New("covert: duress phrase must differ from primary phrase")
	ErrLinkExists           = errors.New("covert: link already exists")
)

// Repository is the persistence the protocol needs.
type Repository interface {
	ListCredentialConfigs(ctx context.Context) ([]CredentialConfig, error)
	GetCredentialConfig(ctx context.Context, subjectID string) (CredentialConfig, error)
	UpsertCredentialConfig(ctx context.Context, cfg CredentialConfig) error
	ActiveLinks(ctx context.Context, subjectID string) ([]TrustedLink, error)
}

// Incidents opens incidents and writes their system messages.
type Incidents interface {
	Open(ctx context.Context, subjectID string, isDuress bool, contactIDs []string) (incident.Incident, error)
	PostSystemMessage(ctx context.Context, incidentID, senderID, body string) (incident.Message, error)
}

// Notifier sends the alert to each contact.
type Notifier interface {
	CreateAndSend(ctx context.Context, req notify.Request) (*notify.Notification, error)
}

// Limiter gates phrase attempts per caller.
type Limiter interface {
	Check(key string) ratelimit.Decision
	Record(key string)
}
