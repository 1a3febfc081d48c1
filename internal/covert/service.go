package covert

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"emconnect.org/internal/audit"
	"emconnect.org/internal/auth"
	"emconnect.org/internal/notify"
	"emconnect.org/internal/obs"
)

const (
	rateLimitPrefix = "emergency:"
	maxInputRunes   = 200

	alertMessage        = "[긴급연결] 보호 대상자에게 긴급 상황이 발생했습니다. 즉시 확인하세요."
	duressAlertMessage  = "[긴급연결] 보호 대상자에게 긴급 상황이 발생했습니다. (듀레스 코드 사용됨) 즉시 확인하세요."
	systemMessage       = "🚨 긴급 채팅방이 생성되었습니다."
	duressSystemMessage = "⚠️ 긴급 채팅방이 생성되었습니다. (듀레스 코드로 진입)"
)

// Credentials issues and checks the tokens used by the protocol.
type Credentials interface {
	IssueChallenge(subjectID string, isDuress bool) (string, time.Time, error)
	ConsumeChallenge(token string) (*auth.Claims, error)
	IssueIncident(subjectID, incidentID string, isDuress bool) (string, time.Time, error)
}

// Service runs the covert protocol.
type Service struct {
	repo      Repository
	limiter   Limiter
	creds     Credentials
	incidents Incidents
	notifier  Notifier
	now       func() time.Time
}

// Option configures Service.
type Option func(*Service)

func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

func NewService(repo Repository, limiter Limiter, creds Credentials, incidents Incidents, notifier Notifier, opts ...Option) *Service {
	s := &Service{repo: repo, limiter: limiter, creds: creds, incidents: incidents, notifier: notifier, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func wellFormed(s string) bool {
	s = strings.TrimSpace(s)
	return s != "" && utf8.ValidString(s) && utf8.RuneCountInString(s) <= maxInputRunes
}

func (s *Service) camouflage(ctx context.Context, metric interface{ Inc() }, event, outcome string, err error) Result {
	metric.Inc()
	fields := map[string]any{"outcome": outcome}
	if err != nil {
		fields["error"] = err.Error()
	}
	_ = audit.LogEvent(ctx, event, fields)
	return Camouflage()
}

// Enter matches phrase against every configured party. A match yields a
// second-factor challenge; anything else yields the camouflage result.
func (s *Service) Enter(ctx context.Context, phrase, callerKey string) Result {
	fail := func(outcome string, err error) Result {
		return s.camouflage(ctx, obs.CovertEnter.WithLabelValues(outcome), "covert.enter", outcome, err)
	}
	if !wellFormed(phrase) {
		return fail("malformed", nil)
	}
	key := rateLimitPrefix + callerKey
	if d := s.limiter.Check(key); !d.Allowed {
		return fail("rate_limited", nil)
	}
	s.limiter.Record(key)

	configs, err := s.repo.ListCredentialConfigs(ctx)
	if err != nil {
		return fail("error", err)
	}
	for _, cfg := range configs {
		isDuress := false
		switch {
		case auth.CompareSecret(cfg.PrimaryHash, phrase):
		case cfg.DuressHash != "" && auth.CompareSecret(cfg.DuressHash, phrase):
			isDuress = true
		default:
			continue
		}
		token, _, err := s.creds.IssueChallenge(cfg.SubjectID, isDuress)
		if err != nil {
			return fail("error", err)
		}
		obs.CovertEnter.WithLabelValues("challenge").Inc()
		_ = audit.LogEvent(ctx, "covert.enter", map[string]any{"outcome": "challenge", "subject_id": cfg.SubjectID})
		return Result{Mode: ModeSecondFactor, Question: cfg.Question, Credential: token}
	}
	return fail("no_match", nil)
}

// Verify consumes a challenge and, if answer matches, opens an incident,
// alerts every active contact and issues an incident session.
func (s *Service) Verify(ctx context.Context, credential, answer string) Result {
	fail := func(outcome string, err error) Result {
		return s.camouflage(ctx, obs.CovertVerify.WithLabelValues(outcome), "covert.verify", outcome, err)
	}
	if strings.TrimSpace(credential) == "" || !wellFormed(answer) {
		return fail("malformed", nil)
	}
	claims, err := s.creds.ConsumeChallenge(credential)
	if err != nil {
		return fail("invalid_credential", err)
	}
	subjectID := claims.Subject
	cfg, err := s.repo.GetCredentialConfig(ctx, subjectID)
	if err != nil {
		return fail("error", err)
	}
	if !auth.CompareSecret(cfg.AnswerHash, answer) {
		return fail("wrong_answer", nil)
	}

	links, err := s.repo.ActiveLinks(ctx, subjectID)
	if err != nil {
		return fail("error", err)
	}
	contactIDs := make([]string, 0, len(links))
	for _, l := range links {
		contactIDs = append(contactIDs, l.ContactID)
	}
	inc, err := s.incidents.Open(ctx, subjectID, claims.IsDuress, contactIDs)
	if err != nil {
		return fail("error", err)
	}

	message := alertMessage
	if claims.IsDuress {
		message = duressAlertMessage
	}
	for _, l := range links {
		_, err := s.notifier.CreateAndSend(ctx, notify.Request{
			RecipientID:   l.ContactID,
			IncidentID:    inc.ID,
			Channel:       notify.ChannelSMS,
			Payload:       notify.Payload{Type: "EMERGENCY", Message: message, IncidentID: inc.ID},
			SealedAddress: l.SealedPhone,
		})
		if err != nil {
			obs.Error("covert_notify_failed", map[string]any{"incident_id": inc.ID, "recipient_id": l.ContactID, "error": err.Error()})
		}
	}

	sys := systemMessage
	if claims.IsDuress {
		sys = duressSystemMessage
	}
	if _, err := s.incidents.PostSystemMessage(ctx, inc.ID, subjectID, sys); err != nil {
		obs.Error("covert_system_message_failed", map[string]any{"incident_id": inc.ID, "error": err.Error()})
	}

	token, exp, err := s.creds.IssueIncident(subjectID, inc.ID, claims.IsDuress)
	if err != nil {
		return fail("error", err)
	}
	obs.CovertVerify.WithLabelValues("incident").Inc()
	_ = audit.LogEvent(ctx, "covert.verify", map[string]any{
		"outcome":     "incident",
		"incident_id": inc.ID,
		"contacts":    len(links),
		"duress":      claims.IsDuress,
	})
	return Result{
		Mode:           ModeIncident,
		IncidentID:     inc.ID,
		IsDuress:       claims.IsDuress,
		SubjectID:      subjectID,
		SessionToken:   token,
		SessionExpires: exp,
	}
}
