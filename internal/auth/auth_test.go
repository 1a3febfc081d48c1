package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }

func newTestService(t *testing.T, clock *testClock) *Service {
	t.Helper()
	svc, err := NewService("test-secret", WithIssuer("test-issuer"), WithClock(clock.now))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestNewServiceRequiresSecret(t *testing.T) {
	if _, err := NewService("  "); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
}

func TestChallengeIsSingleUse(t *testing.T) {
	clock := &testClock{t: time.Now()}
	svc := newTestService(t, clock)

	token, exp, err := svc.IssueChallenge("victim-1", true)
	if err != nil {
		t.Fatalf("IssueChallenge: %v", err)
	}
	if got := exp.Sub(clock.t.UTC()); got != 5*time.Minute {
		t.Fatalf("challenge ttl = %v", got)
	}

	claims, err := svc.ConsumeChallenge(token)
	if err != nil {
		t.Fatalf("ConsumeChallenge: %v", err)
	}
	if claims.Subject != "victim-1" || !claims.IsDuress || claims.Purpose != PurposeSecondFactor {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if _, err := svc.ConsumeChallenge(token); !errors.Is(err, ErrTokenConsumed) {
		t.Fatalf("second use err = %v", err)
	}
}

func TestChallengeExpires(t *testing.T) {
	clock := &testClock{t: time.Now()}
	svc := newTestService(t, clock)
	token, _, _ := svc.IssueChallenge("victim-1", false)

	clock.t = clock.t.Add(5*time.Minute + time.Second)
	if _, err := svc.ConsumeChallenge(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired challenge err = %v", err)
	}
}

func TestScopesAreNotInterchangeable(t *testing.T) {
	clock := &testClock{t: time.Now()}
	svc := newTestService(t, clock)

	primary, _, _ := svc.IssuePrimary("user-1")
	incident, _, _ := svc.IssueIncident("user-1", "inc-1", false)
	challenge, _, _ := svc.IssueChallenge("user-1", false)

	if _, err := svc.Verify(primary, ScopeIncident); err == nil {
		t.Fatal("primary token accepted as incident")
	}
	if _, err := svc.Verify(incident, ScopePrimary); err == nil {
		t.Fatal("incident token accepted as primary")
	}
	if _, err := svc.ConsumeChallenge(primary); err == nil {
		t.Fatal("primary token accepted as challenge")
	}
	if _, err := svc.Verify(challenge, ScopePrimary); err == nil {
		t.Fatal("challenge accepted as primary")
	}
}

func TestVerifyRejectsForeignSignatureAndIssuer(t *testing.T) {
	clock := &testClock{t: time.Now()}
	svc := newTestService(t, clock)
	other, _ := NewService("other-secret", WithIssuer("test-issuer"), WithClock(clock.now))
	otherIssuer, _ := NewService("test-secret", WithIssuer("someone-else"), WithClock(clock.now))

	forged, _, _ := other.IssuePrimary("user-1")
	if _, err := svc.Verify(forged, ScopePrimary); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("foreign signature err = %v", err)
	}
	wrongIss, _, _ := otherIssuer.IssuePrimary("user-1")
	if _, err := svc.Verify(wrongIss, ScopePrimary); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("foreign issuer err = %v", err)
	}
	if _, err := svc.Verify("not-a-jwt", ScopePrimary); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("garbage err = %v", err)
	}
}

func TestSelectSessionHonoursHint(t *testing.T) {
	clock := &testClock{t: time.Now()}
	svc := newTestService(t, clock)
	primary, _, _ := svc.IssuePrimary("guardian-1")
	incident, _, _ := svc.IssueIncident("victim-1", "inc-1", false)

	got, err := svc.SelectSession(primary, incident, false)
	if err != nil || got.Scope != ScopePrimary || got.Subject != "guardian-1" {
		t.Fatalf("default selection = %+v, %v", got, err)
	}
	got, err = svc.SelectSession(primary, incident, true)
	if err != nil || got.Scope != ScopeIncident || got.IncidentID != "inc-1" {
		t.Fatalf("incident-first selection = %+v, %v", got, err)
	}

	// Issuing the incident session leaves the primary one valid.
	if _, err := svc.Verify(primary, ScopePrimary); err != nil {
		t.Fatalf("primary invalidated: %v", err)
	}

	got, err = svc.SelectSession("garbage", incident, false)
	if err != nil || got.Scope != ScopeIncident {
		t.Fatalf("fallback selection = %+v, %v", got, err)
	}
	if _, err := svc.SelectSession("", "", true); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("empty selection err = %v", err)
	}
}

func TestHashSecretNormalizes(t *testing.T) {
	// "오늘" composed vs decomposed jamo.
	composed := "오늘 날씨 좋다"
	decomposed := "오늘 날씨 좋다"

	hash, err := HashSecret("  " + composed + " ")
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}
	if !CompareSecret(hash, decomposed) {
		t.Fatal("decomposed input should match after NFC")
	}
	if CompareSecret(hash, "오늘 날씨 나쁘다") {
		t.Fatal("different phrase matched")
	}
	if CompareSecret("", composed) {
		t.Fatal("empty hash matched")
	}
	if _, err := HashSecret(strings.Repeat("가", 30)); !errors.Is(err, ErrSecretTooLong) {
		t.Fatalf("long secret err = %v", err)
	}
	if _, err := HashSecret("   "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("blank secret err = %v", err)
	}
}

func TestReplayGuardForgetsExpired(t *testing.T) {
	clock := &testClock{t: time.Now()}
	g := NewReplayGuard(clock.now)
	if !g.Consume("a", clock.t.Add(time.Minute)) {
		t.Fatal("first consume failed")
	}
	if g.Consume("a", clock.t.Add(time.Minute)) {
		t.Fatal("replay accepted")
	}
	clock.t = clock.t.Add(2 * time.Minute)
	g.Consume("b", clock.t.Add(time.Minute))
	if g.Len() != 1 {
		t.Fatalf("expired id not pruned, len = %d", g.Len())
	}
}
