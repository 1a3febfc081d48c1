package incident

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"emconnect.org/internal/analysis"
	"emconnect.org/internal/audit"
	"emconnect.org/internal/ids"
)

const (
	urgencyWindow   = 30
	maxMessageRunes = 4000
	maxItemIDLen    = 64
	emptyUrgency    = "대화 내용이 없습니다."
)

// Service wraps Store with membership checks, sealing and analysis.
type Service struct {
	store     Store
	analyzer  analysis.Analyzer
	sealer    Sealer
	publisher Publisher
	now       func() time.Time
}

// Option configures Service.
type Option func(*Service)

func WithSealer(s Sealer) Option       { return func(svc *Service) { svc.sealer = s } }
func WithPublisher(p Publisher) Option { return func(svc *Service) { svc.publisher = p } }

func WithClock(fn func() time.Time) Option {
	return func(svc *Service) {
		if fn != nil {
			svc.now = fn
		}
	}
}

func NewService(store Store, analyzer analysis.Analyzer, opts ...Option) *Service {
	svc := &Service{store: store, analyzer: analyzer, now: time.Now}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Open creates an incident for subjectID with the subject and every contact
// as members.
func (s *Service) Open(ctx context.Context, subjectID string, isDuress bool, contactIDs []string) (Incident, error) {
	if strings.TrimSpace(subjectID) == "" {
		return Incident{}, ErrInvalidInput
	}
	now := s.now().UTC()
	inc := Incident{ID: ids.NewAt(now), SubjectID: subjectID, IsDuress: isDuress, CreatedAt: now}
	if err := s.store.CreateIncident(ctx, inc); err != nil {
		return Incident{}, fmt.Errorf("create incident: %w", err)
	}
	if err := s.store.AddMember(ctx, Member{IncidentID: inc.ID, UserID: subjectID, Role: RoleProtected, JoinedAt: now}); err != nil {
		return Incident{}, fmt.Errorf("add subject: %w", err)
	}
	for _, id := range contactIDs {
		if id == "" || id == subjectID {
			continue
		}
		if err := s.store.AddMember(ctx, Member{IncidentID: inc.ID, UserID: id, Role: RoleContact, JoinedAt: now}); err != nil {
			return Incident{}, fmt.Errorf("add contact: %w", err)
		}
	}
	_ = audit.LogEvent(ctx, "incident.created", map[string]any{"incident_id": inc.ID, "members": len(contactIDs) + 1})
	return inc, nil
}

// Authorize returns the caller's member record or ErrForbidden.
func (s *Service) Authorize(ctx context.Context, incidentID, userID string) (Member, error) {
	if _, err := s.store.GetIncident(ctx, incidentID); err != nil {
		return Member{}, err
	}
	members, err := s.store.ListMembers(ctx, incidentID)
	if err != nil {
		return Member{}, err
	}
	for _, m := range members {
		if m.UserID == userID {
			return m, nil
		}
	}
	return Member{}, ErrForbidden
}

// Get returns the incident and its members if userID is a member.
func (s *Service) Get(ctx context.Context, incidentID, userID string) (Detail, error) {
	if _, err := s.Authorize(ctx, incidentID, userID); err != nil {
		return Detail{}, err
	}
	inc, err := s.store.GetIncident(ctx, incidentID)
	if err != nil {
		return Detail{}, err
	}
	members, err := s.store.ListMembers(ctx, incidentID)
	if err != nil {
		return Detail{}, err
	}
	return Detail{Incident: inc, Members: members}, nil
}

// List returns the incidents userID belongs to, newest first, each with its
// latest insight when one exists.
func (s *Service) List(ctx context.Context, userID string) ([]Summary, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidInput
	}
	incs, err := s.store.IncidentsForMember(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(incs))
	for _, inc := range incs {
		sum := Summary{Incident: inc}
		in, err := s.store.GetInsight(ctx, inc.ID)
		switch {
		case err == nil:
			sum.Insight = &in
		case errors.Is(err, ErrNotFound):
		default:
			return nil, fmt.Errorf("insight for %s: %w", inc.ID, err)
		}
		out = append(out, sum)
	}
	return out, nil
}

// SetProgress records userID's status for one action-guide item.
func (s *Service) SetProgress(ctx context.Context, incidentID, userID, itemID string, status ProgressStatus) (Progress, error) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" || len(itemID) > maxItemIDLen {
		return Progress{}, ErrInvalidInput
	}
	if status != ProgressPending && status != ProgressDone {
		return Progress{}, ErrInvalidInput
	}
	if _, err := s.Authorize(ctx, incidentID, userID); err != nil {
		return Progress{}, err
	}
	p := Progress{IncidentID: incidentID, ItemID: itemID, UserID: userID, Status: status, UpdatedAt: s.now().UTC()}
	if err := s.store.UpsertProgress(ctx, p); err != nil {
		return Progress{}, fmt.Errorf("store progress: %w", err)
	}
	if s.publisher != nil {
		s.publisher.Emit(incidentID, "progress", p)
	}
	return p, nil
}

// Progress lists every member's checklist state for the incident.
func (s *Service) Progress(ctx context.Context, incidentID, viewerID string) ([]Progress, error) {
	if _, err := s.Authorize(ctx, incidentID, viewerID); err != nil {
		return nil, err
	}
	return s.store.ListProgress(ctx, incidentID)
}

// PostMessage appends a member's text message.
func (s *Service) PostMessage(ctx context.Context, incidentID, senderID, body string) (Message, error) {
	body = strings.TrimSpace(body)
	if body == "" || utf8.RuneCountInString(body) > maxMessageRunes {
		return Message{}, ErrInvalidInput
	}
	if _, err := s.Authorize(ctx, incidentID, senderID); err != nil {
		return Message{}, err
	}
	return s.appendMessage(ctx, incidentID, senderID, MessageText, body)
}

// PostSystemMessage appends a system-authored message without a membership
// check. senderID records on whose behalf it was written.
func (s *Service) PostSystemMessage(ctx context.Context, incidentID, senderID, body string) (Message, error) {
	return s.appendMessage(ctx, incidentID, senderID, MessageSystem, body)
}

func (s *Service) appendMessage(ctx context.Context, incidentID, senderID string, typ MessageType, body string) (Message, error) {
	now := s.now().UTC()
	msg := Message{ID: ids.NewAt(now), IncidentID: incidentID, SenderID: senderID, Type: typ, Body: body, CreatedAt: now}
	stored := msg
	if s.sealer != nil {
		sealed, err := s.sealer.Seal(body)
		if err != nil {
			return Message{}, fmt.Errorf("seal message: %w", err)
		}
		stored.Body = sealed
	}
	if err := s.store.AppendMessage(ctx, stored); err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	if s.publisher != nil {
		s.publisher.Emit(incidentID, "message", msg)
	}
	return msg, nil
}

// Messages lists messages for a member, oldest first.
func (s *Service) Messages(ctx context.Context, incidentID, viewerID string, limit int) ([]Message, error) {
	if _, err := s.Authorize(ctx, incidentID, viewerID); err != nil {
		return nil, err
	}
	return s.messages(ctx, incidentID, limit)
}

func (s *Service) messages(ctx context.Context, incidentID string, limit int) ([]Message, error) {
	stored, err := s.store.ListMessages(ctx, incidentID, limit)
	if err != nil {
		return nil, err
	}
	if s.sealer == nil {
		return stored, nil
	}
	out := make([]Message, len(stored))
	for i, m := range stored {
		plain, err := s.sealer.Open(m.Body)
		if err != nil {
			return nil, fmt.Errorf("open message %s: %w", m.ID, err)
		}
		m.Body = plain
		out[i] = m
	}
	return out, nil
}

// Urgency classifies the latest messages.
func (s *Service) Urgency(ctx context.Context, incidentID, viewerID string) (analysis.UrgencyResult, error) {
	if _, err := s.Authorize(ctx, incidentID, viewerID); err != nil {
		return analysis.UrgencyResult{}, err
	}
	msgs, err := s.analysisMessages(ctx, incidentID, urgencyWindow)
	if err != nil {
		return analysis.UrgencyResult{}, err
	}
	if len(msgs) == 0 {
		return analysis.UrgencyResult{Level: analysis.UrgencySafe, Reason: emptyUrgency}, nil
	}
	return s.analyzer.AssessUrgency(ctx, msgs)
}

// RefreshInsight analyzes the whole conversation and stores the result.
func (s *Service) RefreshInsight(ctx context.Context, incidentID, viewerID string) (Insight, error) {
	if _, err := s.Authorize(ctx, incidentID, viewerID); err != nil {
		return Insight{}, err
	}
	msgs, err := s.analysisMessages(ctx, incidentID, 0)
	if err != nil {
		return Insight{}, err
	}
	res, err := s.analyzer.Analyze(ctx, msgs)
	if err != nil {
		return Insight{}, err
	}
	in := Insight{IncidentID: incidentID, Result: res, UpdatedAt: s.now().UTC()}
	if err := s.store.UpsertInsight(ctx, in); err != nil {
		return Insight{}, fmt.Errorf("store insight: %w", err)
	}
	if s.publisher != nil {
		s.publisher.Emit(incidentID, "insight", in)
	}
	return in, nil
}

// Insight returns the latest stored insight.
func (s *Service) Insight(ctx context.Context, incidentID, viewerID string) (Insight, error) {
	if _, err := s.Authorize(ctx, incidentID, viewerID); err != nil {
		return Insight{}, err
	}
	return s.store.GetInsight(ctx, incidentID)
}

// analysisMessages labels each message with its sender's role.
func (s *Service) analysisMessages(ctx context.Context, incidentID string, limit int) ([]analysis.Message, error) {
	msgs, err := s.messages(ctx, incidentID, limit)
	if err != nil {
		return nil, err
	}
	members, err := s.store.ListMembers(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	roles := make(map[string]Role, len(members))
	for _, m := range members {
		roles[m.UserID] = m.Role
	}
	out := make([]analysis.Message, 0, len(msgs))
	for _, m := range msgs {
		role := string(roles[m.SenderID])
		if m.Type == MessageSystem || role == "" {
			role = string(m.Type)
		}
		out = append(out, analysis.Message{Role: role, Text: m.Body})
	}
	return out, nil
}
