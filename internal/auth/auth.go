// Package auth issues and verifies the three credentials of the service:
// short-lived second-factor challenges, primary login sessions and incident
// sessions. The two session kinds are independent; holding one never
// invalidates the other.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Scope separates credential kinds signed with the same key.
type Scope string

const (
	ScopeChallenge Scope = "challenge"
	ScopePrimary   Scope = "primary"
	ScopeIncident  Scope = "incident"
)

// PurposeSecondFactor marks challenge credentials.
const PurposeSecondFactor = "SECOND_FACTOR"

const (
	defaultIssuer       = "emconnect"
	defaultChallengeTTL = 5 * time.Minute
	defaultSessionTTL   = 24 * time.Hour
)

// Claims are the JWT claims for every scope.
type Claims struct {
	Scope      Scope  `json:"scope"`
	Purpose    string `json:"purpose,omitempty"`
	IncidentID string `json:"incident_id,omitempty"`
	IsDuress   bool   `json:"is_duress,omitempty"`
	jwt.RegisteredClaims
}

// Service signs HS256 tokens.
type Service struct {
	secret       []byte
	issuer       string
	challengeTTL time.Duration
	sessionTTL   time.Duration
	now          func() time.Time
	replay       *ReplayGuard
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
		return nil
	}
}

// WithChallengeTTL configures second-factor challenge lifetime.
func WithChallengeTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.challengeTTL = ttl
		}
		return nil
	}
}

// WithSessionTTL configures primary and incident session lifetime.
func WithSessionTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.sessionTTL = ttl
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs Service signing with secret.
func NewService(secret string, opts ...ServiceOption) (*Service, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrMissingSecret
	}
	svc := &Service{
		secret:       []byte(secret),
		issuer:       defaultIssuer,
		challengeTTL: defaultChallengeTTL,
		sessionTTL:   defaultSessionTTL,
		now:          time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	svc.replay = NewReplayGuard(svc.now)
	return svc, nil
}

// SessionTTL reports the lifetime of session tokens.
func (s *Service) SessionTTL() time.Duration { return s.sessionTTL }

// IssueChallenge signs a second-factor challenge for subjectID.
func (s *Service) IssueChallenge(subjectID string, isDuress bool) (string, time.Time, error) {
	return s.issue(subjectID, Claims{Scope: ScopeChallenge, Purpose: PurposeSecondFactor, IsDuress: isDuress}, s.challengeTTL)
}

// IssuePrimary signs an ordinary login session.
func (s *Service) IssuePrimary(subjectID string) (string, time.Time, error) {
	return s.issue(subjectID, Claims{Scope: ScopePrimary}, s.sessionTTL)
}

// IssueIncident signs a session scoped to one incident.
func (s *Service) IssueIncident(subjectID, incidentID string, isDuress bool) (string, time.Time, error) {
	if strings.TrimSpace(incidentID) == "" {
		return "", time.Time{}, ErrInvalidInput
	}
	return s.issue(subjectID, Claims{Scope: ScopeIncident, IncidentID: incidentID, IsDuress: isDuress}, s.sessionTTL)
}

func (s *Service) issue(subjectID string, claims Claims, ttl time.Duration) (string, time.Time, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return "", time.Time{}, ErrInvalidInput
	}
	now := s.now().UTC()
	exp := now.Add(ttl)
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   subjectID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify parses token and checks it carries scope.
func (s *Service) Verify(token string, scope Scope) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Scope != scope || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	if scope == ScopeChallenge && claims.Purpose != PurposeSecondFactor {
		return nil, ErrInvalidToken
	}
	if scope == ScopeIncident && claims.IncidentID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ConsumeChallenge verifies a challenge and marks it used. A challenge is
// accepted at most once, whatever the caller does with it afterwards.
func (s *Service) ConsumeChallenge(token string) (*Claims, error) {
	claims, err := s.Verify(token, ScopeChallenge)
	if err != nil {
		return nil, err
	}
	if claims.ID == "" || !s.replay.Consume(claims.ID, claims.ExpiresAt.Time) {
		return nil, ErrTokenConsumed
	}
	return claims, nil
}

// IsInvalid reports whether err is any token rejection.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrTokenConsumed)
}
