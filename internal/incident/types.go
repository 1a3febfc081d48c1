// Package incident models the incident session created by covert
// verification and the membership-checked conversation around it.
package incident

import (
	"context"
	"errors"
	"time"

	"emconnect.org/internal/analysis"
)

// Role is a member's role inside an incident.
type Role string

const (
	RoleProtected Role = "PROTECTED"
	RoleContact   Role = "CONTACT"
)

type MessageType string

const (
	MessageText   MessageType = "TEXT"
	MessageSystem MessageType = "SYSTEM"
)

// Incident is immutable once created except for membership additions.
type Incident struct {
	ID        string    `json:"id"`
	SubjectID string    `json:"subject_id"`
	IsDuress  bool      `json:"is_duress"`
	CreatedAt time.Time `json:"created_at"`
}

type Member struct {
	IncidentID string    `json:"incident_id"`
	UserID     string    `json:"user_id"`
	Role       Role      `json:"role"`
	JoinedAt   time.Time `json:"joined_at"`
}

// Message is a conversation entry. Body is plaintext in the domain and sealed
// by Service before it reaches the Store.
type Message struct {
	ID         string      `json:"id"`
	IncidentID string      `json:"incident_id"`
	SenderID   string      `json:"sender_id"`
	Type       MessageType `json:"type"`
	Body       string      `json:"body"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Insight is the latest persisted analysis of an incident.
type Insight struct {
	IncidentID string          `json:"incident_id"`
	Result     analysis.Result `json:"result"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// ProgressStatus is a member's state for one action-guide item.
type ProgressStatus string

const (
	ProgressPending ProgressStatus = "PENDING"
	ProgressDone    ProgressStatus = "DONE"
)

// Progress records one member's checklist state for an action-guide item,
// keyed by (incident, item, user).
type Progress struct {
	IncidentID string         `json:"incident_id"`
	ItemID     string         `json:"item_id"`
	UserID     string         `json:"user_id"`
	Status     ProgressStatus `json:"status"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Summary is an incident as listed for one of its members.
type Summary struct {
	Incident
	Insight *Insight `json:"insight"`
}

// Detail is an incident with its membership.
type Detail struct {
	Incident
	Members []Member `json:"members"`
}

var (
	ErrNotFound     = errors.New("incident: not found")
	ErrForbidden    = errors.New("incident: not a member")
	ErrInvalidInput = errors.New("incident: invalid input")
)

// Store persists incidents, members, messages and insights.
type Store interface {
	CreateIncident(ctx context.Context, inc Incident) error
	GetIncident(ctx context.Context, id string) (Incident, error)
	// IncidentsForMember returns incidents userID belongs to, newest first.
	IncidentsForMember(ctx context.Context, userID string) ([]Incident, error)
	AddMember(ctx context.Context, m Member) error
	ListMembers(ctx context.Context, incidentID string) ([]Member, error)
	AppendMessage(ctx context.Context, m Message) error
	// ListMessages returns messages oldest first. With limit > 0 only the
	// newest limit messages are returned, still oldest first.
	ListMessages(ctx context.Context, incidentID string, limit int) ([]Message, error)
	UpsertInsight(ctx context.Context, in Insight) error
	GetInsight(ctx context.Context, incidentID string) (Insight, error)
	UpsertProgress(ctx context.Context, p Progress) error
	ListProgress(ctx context.Context, incidentID string) ([]Progress, error)
}

// Sealer encrypts message bodies at rest.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// Publisher receives events for live subscribers.
type Publisher interface {
	Emit(incidentID, eventType string, data any)
}
