package covert_test

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"emconnect.org/internal/analysis"
	"emconnect.org/internal/auth"
	"emconnect.org/internal/covert"
	"emconnect.org/internal/incident"
	"emconnect.org/internal/notify"
	"emconnect.org/internal/ratelimit"
	"emconnect.org/internal/seal"
	"emconnect.org/internal/store/memstore"
)

const (
	primary  = "오늘 날씨 좋다"
	duress   = "비가 올 것 같아"
	question = "우리 강아지 이름은?"
	answer   = "초코"
)

type recordingSender struct {
	mu       sync.Mutex
	fail     bool
	to       []string
	messages []string
}

func (s *recordingSender) Send(_ context.Context, to, message string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.to = append(s.to, to)
	s.messages = append(s.messages, message)
	if s.fail {
		return "", errors.New("gateway down")
	}
	return "id", nil
}

type fixture struct {
	svc       *covert.Service
	store     *memstore.Store
	tokens    *auth.Service
	incidents *incident.Service
	sender    *recordingSender
	box       *seal.Box
	limiter   *ratelimit.Limiter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := seal.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	box, err := seal.New(key)
	if err != nil {
		t.Fatal(err)
	}
	store := memstore.New()
	tokens, err := auth.NewService("test-secret")
	if err != nil {
		t.Fatal(err)
	}
	limiter := ratelimit.New(ratelimit.DefaultConfig())
	incidents := incident.NewService(store, analysis.NewEngine(time.Second), incident.WithSealer(box))
	sender := &recordingSender{}
	dispatcher := notify.NewDispatcher(store, sender, notify.WithOpener(box))
	svc := covert.NewService(store, limiter, tokens, incidents, dispatcher)

	if _, err := svc.Configure(context.Background(), "victim-1", covert.ConfigInput{
		PrimaryPhrase: primary,
		DuressPhrase:  duress,
		Question:      question,
		Answer:        answer,
	}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	return &fixture{svc: svc, store: store, tokens: tokens, incidents: incidents, sender: sender, box: box, limiter: limiter}
}

func (f *fixture) link(t *testing.T, contactID, phone string, status covert.LinkStatus) {
	t.Helper()
	sealed, err := f.box.Seal(phone)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.store.AddLink(context.Background(), covert.TrustedLink{
		ID: "link-" + contactID, SubjectID: "victim-1", ContactID: contactID, SealedPhone: sealed, Status: status,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestEndToEndKoreanFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.svc.Enter(ctx, primary, "10.0.0.1")
	if res.Mode != covert.ModeSecondFactor || res.Question != question || res.Credential == "" {
		t.Fatalf("enter = %+v", res)
	}
	res = f.svc.Verify(ctx, res.Credential, answer)
	if res.Mode != covert.ModeIncident || res.IsDuress || res.IncidentID == "" || res.SubjectID != "victim-1" {
		t.Fatalf("verify = %+v", res)
	}
	claims, err := f.tokens.Verify(res.SessionToken, auth.ScopeIncident)
	if err != nil || claims.IncidentID != res.IncidentID {
		t.Fatalf("incident session = %+v, %v", claims, err)
	}
}

func TestEnterDistinguishesPrimaryDuressAndOther(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.svc.Enter(ctx, primary, "a")
	claims, err := f.tokens.Verify(res.Credential, auth.ScopeChallenge)
	if err != nil || claims.IsDuress {
		t.Fatalf("primary challenge claims = %+v, %v", claims, err)
	}

	res = f.svc.Enter(ctx, "  "+duress+" ", "b")
	claims, err = f.tokens.Verify(res.Credential, auth.ScopeChallenge)
	if err != nil || !claims.IsDuress || claims.Subject != "victim-1" {
		t.Fatalf("duress challenge claims = %+v, %v", claims, err)
	}

	if res := f.svc.Enter(ctx, "맛집 추천", "c"); !reflect.DeepEqual(res, covert.Camouflage()) {
		t.Fatalf("other phrase = %+v", res)
	}
}

func TestFailuresAreIndistinguishable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	want := covert.Camouflage()

	wrong := f.svc.Enter(ctx, "틀린 문구", "wrong")
	malformed := f.svc.Enter(ctx, "   ", "malformed")

	for i := 0; i < ratelimit.DefaultConfig().AttemptsPerWindow; i++ {
		f.svc.Enter(ctx, "틀린 문구", "locked")
	}
	// Even the correct phrase is camouflaged once the caller is locked out.
	limited := f.svc.Enter(ctx, primary, "locked")

	for name, got := range map[string]covert.Result{"wrong": wrong, "malformed": malformed, "rate_limited": limited} {
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("%s result differs from camouflage: %+v", name, got)
		}
	}
	if len(want.Results) != 5 {
		t.Fatalf("camouflage results = %d", len(want.Results))
	}
}

type failingRepo struct{ covert.Repository }

func (failingRepo) ListCredentialConfigs(context.Context) ([]covert.CredentialConfig, error) {
	return nil, errors.New("database down")
}

func TestStoreErrorsDegradeToCamouflage(t *testing.T) {
	f := newFixture(t)
	svc := covert.NewService(failingRepo{f.store}, ratelimit.New(ratelimit.Config{}), f.tokens, f.incidents, notify.NewDispatcher(f.store, f.sender))
	if res := svc.Enter(context.Background(), primary, "x"); !reflect.DeepEqual(res, covert.Camouflage()) {
		t.Fatalf("store error result = %+v", res)
	}
}

func TestVerifyOpensIncidentAndAlertsEveryActiveContact(t *testing.T) {
	f := newFixture(t)
	f.link(t, "guardian-1", "010-1111-1111", covert.LinkActive)
	f.link(t, "guardian-2", "010-2222-2222", covert.LinkActive)
	f.link(t, "guardian-3", "010-3333-3333", covert.LinkRevoked)
	ctx := context.Background()

	challenge := f.svc.Enter(ctx, primary, "ip")
	res := f.svc.Verify(ctx, challenge.Credential, answer)
	if res.Mode != covert.ModeIncident {
		t.Fatalf("verify = %+v", res)
	}

	if got := f.store.ListIncidents(); len(got) != 1 || got[0].ID != res.IncidentID || got[0].IsDuress {
		t.Fatalf("incidents = %+v", got)
	}
	members, _ := f.store.ListMembers(ctx, res.IncidentID)
	roles := map[string]incident.Role{}
	for _, m := range members {
		roles[m.UserID] = m.Role
	}
	want := map[string]incident.Role{
		"victim-1":   incident.RoleProtected,
		"guardian-1": incident.RoleContact,
		"guardian-2": incident.RoleContact,
	}
	if !reflect.DeepEqual(roles, want) {
		t.Fatalf("members = %v", roles)
	}

	notes := f.store.Notifications(res.IncidentID)
	if len(notes) != 2 || len(f.sender.to) != 2 {
		t.Fatalf("notifications = %d, sends = %d", len(notes), len(f.sender.to))
	}
	for _, n := range notes {
		if n.Status != notify.StatusSent || n.Payload.Message != "[긴급연결] 보호 대상자에게 긴급 상황이 발생했습니다. 즉시 확인하세요." {
			t.Fatalf("notification = %+v", n)
		}
	}
	if f.sender.to[0] != "010-1111-1111" || f.sender.to[1] != "010-2222-2222" {
		t.Fatalf("phones = %v", f.sender.to)
	}

	msgs, err := f.incidents.Messages(ctx, res.IncidentID, "victim-1", 0)
	if err != nil || len(msgs) != 1 || msgs[0].Type != incident.MessageSystem || msgs[0].Body != "🚨 긴급 채팅방이 생성되었습니다." {
		t.Fatalf("messages = %+v, %v", msgs, err)
	}
	stored, _ := f.store.ListMessages(ctx, res.IncidentID, 0)
	if stored[0].Body == msgs[0].Body {
		t.Fatal("system message stored unsealed")
	}
}

func TestDuressUsesDistinctInternalWording(t *testing.T) {
	f := newFixture(t)
	f.link(t, "guardian-1", "010-1111-1111", covert.LinkActive)
	ctx := context.Background()

	challenge := f.svc.Enter(ctx, duress, "ip")
	res := f.svc.Verify(ctx, challenge.Credential, answer)
	if res.Mode != covert.ModeIncident || !res.IsDuress {
		t.Fatalf("verify = %+v", res)
	}
	if f.sender.messages[0] != "[긴급연결] 보호 대상자에게 긴급 상황이 발생했습니다. (듀레스 코드 사용됨) 즉시 확인하세요." {
		t.Fatalf("alert = %q", f.sender.messages[0])
	}
	msgs, _ := f.incidents.Messages(ctx, res.IncidentID, "guardian-1", 0)
	if msgs[0].Body != "⚠️ 긴급 채팅방이 생성되었습니다. (듀레스 코드로 진입)" {
		t.Fatalf("system message = %q", msgs[0].Body)
	}
}

func TestNotificationFailureDoesNotFailVerify(t *testing.T) {
	f := newFixture(t)
	f.sender.fail = true
	f.link(t, "guardian-1", "010-1111-1111", covert.LinkActive)
	ctx := context.Background()

	challenge := f.svc.Enter(ctx, primary, "ip")
	res := f.svc.Verify(ctx, challenge.Credential, answer)
	if res.Mode != covert.ModeIncident {
		t.Fatalf("verify = %+v", res)
	}
	notes := f.store.Notifications(res.IncidentID)
	if len(notes) != 1 || notes[0].Status != notify.StatusFailed || notes[0].Attempts != 1 || notes[0].NextRetryAt == nil {
		t.Fatalf("notification = %+v", notes)
	}
}

func TestVerifyFailuresAreCamouflaged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	want := covert.Camouflage()

	challenge := f.svc.Enter(ctx, primary, "ip")
	if res := f.svc.Verify(ctx, challenge.Credential, "바둑이"); !reflect.DeepEqual(res, want) {
		t.Fatalf("wrong answer = %+v", res)
	}
	// The challenge was consumed by the failed attempt.
	if res := f.svc.Verify(ctx, challenge.Credential, answer); !reflect.DeepEqual(res, want) {
		t.Fatalf("replayed challenge = %+v", res)
	}
	if res := f.svc.Verify(ctx, "not-a-token", answer); !reflect.DeepEqual(res, want) {
		t.Fatalf("garbage token = %+v", res)
	}
	primaryToken, _, _ := f.tokens.IssuePrimary("victim-1")
	if res := f.svc.Verify(ctx, primaryToken, answer); !reflect.DeepEqual(res, want) {
		t.Fatalf("wrong scope = %+v", res)
	}
	if res := f.svc.Verify(ctx, "", ""); !reflect.DeepEqual(res, want) {
		t.Fatalf("empty input = %+v", res)
	}
	if n := len(f.store.ListIncidents()); n != 0 {
		t.Fatalf("incidents created on failure: %d", n)
	}
}

func TestConfigureValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := map[string]covert.ConfigInput{
		"short primary":    {PrimaryPhrase: "ab", Question: question, Answer: answer},
		"missing question": {PrimaryPhrase: primary, Answer: answer},
		"missing answer":   {PrimaryPhrase: primary, Question: question},
	}
	for name, in := range cases {
		if _, err := f.svc.Configure(ctx, "victim-2", in); !errors.Is(err, covert.ErrInvalidInput) {
			t.Fatalf("%s: err = %v", name, err)
		}
	}
	_, err := f.svc.Configure(ctx, "victim-2", covert.ConfigInput{PrimaryPhrase: primary, DuressPhrase: " " + primary, Question: question, Answer: answer})
	if !errors.Is(err, covert.ErrDuressMatchesPrimary) {
		t.Fatalf("duress == primary err = %v", err)
	}

	sum, err := f.svc.Summary(ctx, "victim-1")
	if err != nil {
		t.Fatal(err)
	}
	if !sum.HasDuress || sum.Question != question || sum.AttemptsPerWindow != 5 || sum.WindowSeconds != 300 || sum.LockSeconds != 600 {
		t.Fatalf("summary = %+v", sum)
	}
	cfg, _ := f.store.GetCredentialConfig(ctx, "victim-1")
	if cfg.PrimaryHash == primary || !auth.CompareSecret(cfg.PrimaryHash, primary) {
		t.Fatal("primary phrase not hashed")
	}
}
