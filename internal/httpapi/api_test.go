package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"emconnect.org/internal/analysis"
	"emconnect.org/internal/auth"
	"emconnect.org/internal/covert"
	"emconnect.org/internal/incident"
	"emconnect.org/internal/notify"
	"emconnect.org/internal/quota"
	"emconnect.org/internal/ratelimit"
	"emconnect.org/internal/seal"
	"emconnect.org/internal/store/memstore"
	"emconnect.org/internal/stream"
)

const (
	testPrimary  = "오늘 날씨 좋다"
	testQuestion = "우리 강아지 이름은?"
	testAnswer   = "초코"
	subject      = "victim-1"
	contact      = "contact-1"
)

type testEnv struct {
	t      *testing.T
	srv    *httptest.Server
	tokens *auth.Service
	store  *memstore.Store
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
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
	tokens, err := auth.NewService("http-test-secret")
	if err != nil {
		t.Fatal(err)
	}
	hub := stream.New()
	limiter := ratelimit.New(ratelimit.Config{AttemptsPerWindow: 2, Window: time.Minute, Lock: time.Minute})
	incidents := incident.NewService(store, analysis.NewEngine(time.Second), incident.WithSealer(box), incident.WithPublisher(hub))
	dispatcher := notify.NewDispatcher(store, notify.NewLogSender(0), notify.WithOpener(box))
	covertSvc := covert.NewService(store, limiter, tokens, incidents, dispatcher)

	ctx := context.Background()
	if _, err := covertSvc.Configure(ctx, subject, covert.ConfigInput{
		PrimaryPhrase: testPrimary,
		Question:      testQuestion,
		Answer:        testAnswer,
	}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	phone, err := box.Seal("+821012345678")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.AddLink(ctx, covert.TrustedLink{ID: "l1", SubjectID: subject, ContactID: contact, SealedPhone: phone, Status: covert.LinkActive}); err != nil {
		t.Fatal(err)
	}

	api := New("test", Deps{
		Probe:     store,
		Covert:    covertSvc,
		Incidents: incidents,
		Tokens:    tokens,
		Stream:    hub,
		Quota:     quota.NewGuard(8, 200),
	}, append([]Option{WithRateLimit(1000, 1000)}, opts...)...)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{t: t, srv: srv, tokens: tokens, store: store}
}

func (e *testEnv) do(method, path string, body any, headers map[string]string, cookies ...*http.Cookie) (*http.Response, []byte) {
	e.t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		payload, err := json.Marshal(b)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		e.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		e.t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		e.t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func (e *testEnv) primaryCookie(subjectID string) *http.Cookie {
	e.t.Helper()
	tok, _, err := e.tokens.IssuePrimary(subjectID)
	if err != nil {
		e.t.Fatalf("IssuePrimary: %v", err)
	}
	return &http.Cookie{Name: primaryCookie, Value: tok}
}

// openIncident runs the covert flow and returns the incident id and cookie.
func (e *testEnv) openIncident() (string, *http.Cookie) {
	e.t.Helper()
	resp, body := e.do(http.MethodPost, "/v1/emergency/enter", map[string]string{"input_phrase": testPrimary}, nil)
	if resp.StatusCode != http.StatusOK {
		e.t.Fatalf("enter status = %d", resp.StatusCode)
	}
	var challenge covertResponse
	if err := json.Unmarshal(body, &challenge); err != nil {
		e.t.Fatalf("decode enter: %v", err)
	}
	if challenge.Mode != covert.ModeSecondFactor || challenge.Question != testQuestion || challenge.Credential == "" {
		e.t.Fatalf("enter = %s", body)
	}

	resp, body = e.do(http.MethodPost, "/v1/emergency/verify", map[string]string{"credential": challenge.Credential, "answer": testAnswer}, nil)
	var res covertResponse
	if err := json.Unmarshal(body, &res); err != nil {
		e.t.Fatalf("decode verify: %v", err)
	}
	if res.Mode != covert.ModeIncident || res.IncidentID == "" || res.IsDuress == nil || *res.IsDuress || res.SubjectID != subject {
		e.t.Fatalf("verify = %s", body)
	}
	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		switch c.Name {
		case incidentCookie:
			cookie = c
		case primaryCookie:
			e.t.Fatalf("verify must not touch the primary session cookie")
		}
	}
	if cookie == nil || !cookie.HttpOnly {
		e.t.Fatalf("missing incident cookie: %v", resp.Cookies())
	}
	return res.IncidentID, &http.Cookie{Name: incidentCookie, Value: cookie.Value}
}

func TestCovertFailuresShareOneBody(t *testing.T) {
	env := newTestEnv(t)

	_, wrong := env.do(http.MethodPost, "/v1/emergency/enter", map[string]string{"input_phrase": "맛집 추천"}, nil)
	_, wrongAgain := env.do(http.MethodPost, "/v1/emergency/enter", map[string]string{"input_phrase": "영화 순위"}, nil)
	_, empty := env.do(http.MethodPost, "/v1/emergency/enter", map[string]string{"input_phrase": "   "}, nil)
	_, garbage := env.do(http.MethodPost, "/v1/emergency/enter", "{not json", nil)
	// Two attempts recorded above exhaust the window; the right phrase is now denied too.
	resp, limited := env.do(http.MethodPost, "/v1/emergency/enter", map[string]string{"input_phrase": testPrimary}, nil)
	_, badVerify := env.do(http.MethodPost, "/v1/emergency/verify", map[string]string{"credential": "nope", "answer": testAnswer}, nil)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rate limited status = %d", resp.StatusCode)
	}
	for name, body := range map[string][]byte{"wrong_again": wrongAgain, "empty": empty, "garbage": garbage, "rate_limited": limited, "bad_verify": badVerify} {
		if !bytes.Equal(body, wrong) {
			t.Fatalf("%s body differs:\n%s\nvs\n%s", name, body, wrong)
		}
	}
	var res covertResponse
	if err := json.Unmarshal(wrong, &res); err != nil {
		t.Fatal(err)
	}
	if res.Mode != covert.ModeSearch || len(res.Results) != 5 {
		t.Fatalf("camouflage = %s", wrong)
	}
}

func TestIncidentConversationFlow(t *testing.T) {
	env := newTestEnv(t)
	id, session := env.openIncident()
	hint := map[string]string{sessionHint: "true"}

	resp, body := env.do(http.MethodGet, "/v1/incidents/"+id+"/messages", nil, hint, session)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d body=%s", resp.StatusCode, body)
	}
	var list listMessagesResponse
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Items) != 1 || list.Items[0].Type != incident.MessageSystem {
		t.Fatalf("messages = %+v", list.Items)
	}

	resp, body = env.do(http.MethodPost, "/v1/incidents/"+id+"/messages",
		map[string]string{"body": "검찰청이라며 계좌 이체를 하라고 해요"}, hint, session)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("post status = %d body=%s", resp.StatusCode, body)
	}

	// the linked contact reads with a primary session
	resp, body = env.do(http.MethodGet, "/v1/incidents/"+id+"/messages", nil, nil, env.primaryCookie(contact))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("contact list status = %d body=%s", resp.StatusCode, body)
	}

	resp, body = env.do(http.MethodGet, "/v1/incidents/"+id+"/urgency", nil, hint, session)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("urgency status = %d body=%s", resp.StatusCode, body)
	}
	var urgency analysis.UrgencyResult
	if err := json.Unmarshal(body, &urgency); err != nil {
		t.Fatal(err)
	}
	if urgency.Level == "" || urgency.Source != analysis.TierRuleBased {
		t.Fatalf("urgency = %+v", urgency)
	}

	resp, _ = env.do(http.MethodGet, "/v1/incidents/"+id+"/insight", nil, hint, session)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("insight before refresh = %d", resp.StatusCode)
	}
	resp, body = env.do(http.MethodPost, "/v1/incidents/"+id+"/insight", nil, hint, session)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status = %d body=%s", resp.StatusCode, body)
	}
	resp, body = env.do(http.MethodGet, "/v1/incidents/"+id+"/insight", nil, hint, session)
	var in incident.Insight
	if err := json.Unmarshal(body, &in); err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("insight = %d %s", resp.StatusCode, body)
	}
	if in.Result.Risk == "" || in.IncidentID != id {
		t.Fatalf("insight = %+v", in)
	}

	if n := env.store.Notifications(id); len(n) != 1 || n[0].Status != notify.StatusSent {
		t.Fatalf("notifications = %+v", n)
	}
}

func TestSessionHintChoosesIncidentFirst(t *testing.T) {
	env := newTestEnv(t)
	_, session := env.openIncident()
	primary := env.primaryCookie(subject)

	resp, body := env.do(http.MethodGet, "/v1/protected/credentials", nil, nil, primary, session)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("primary-first status = %d body=%s", resp.StatusCode, body)
	}
	var sum covert.Summary
	if err := json.Unmarshal(body, &sum); err != nil {
		t.Fatal(err)
	}
	if sum.Question != testQuestion || sum.HasDuress {
		t.Fatalf("summary = %+v", sum)
	}
	if bytes.Contains(body, []byte("hash")) {
		t.Fatalf("summary leaks hashes: %s", body)
	}

	resp, _ = env.do(http.MethodGet, "/v1/protected/credentials", nil, map[string]string{sessionHint: "true"}, primary, session)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("incident-first status = %d, want 403", resp.StatusCode)
	}
}

func TestCredentialsUpdate(t *testing.T) {
	env := newTestEnv(t)
	primary := env.primaryCookie(subject)

	resp, _ := env.do(http.MethodPut, "/v1/protected/credentials", map[string]any{
		"primary_phrase": "같은 문장",
		"duress_phrase":  "같은 문장",
		"question":       testQuestion,
		"answer":         testAnswer,
	}, nil, primary)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("duress == primary status = %d", resp.StatusCode)
	}

	resp, body := env.do(http.MethodPut, "/v1/protected/credentials", map[string]any{
		"primary_phrase": "새로운 문장",
		"duress_phrase":  "다른 문장",
		"question":       testQuestion,
		"answer":         testAnswer,
	}, nil, primary)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d body=%s", resp.StatusCode, body)
	}
	var sum covert.Summary
	if err := json.Unmarshal(body, &sum); err != nil || !sum.HasDuress {
		t.Fatalf("summary = %s", body)
	}
}

func TestIncidentAccessControl(t *testing.T) {
	env := newTestEnv(t)
	id, session := env.openIncident()

	resp, _ := env.do(http.MethodGet, "/v1/incidents/"+id+"/messages", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d", resp.StatusCode)
	}
	resp, _ = env.do(http.MethodGet, "/v1/incidents/"+id+"/messages", nil, nil, env.primaryCookie("stranger"))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("stranger status = %d", resp.StatusCode)
	}
	resp, _ = env.do(http.MethodGet, "/v1/incidents/other/messages", nil, map[string]string{sessionHint: "true"}, session)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("other incident status = %d", resp.StatusCode)
	}
}

func TestHealthAndQuota(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, body := env.do(http.MethodGet, path, nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status = %d body=%s", path, resp.StatusCode, body)
		}
		if resp.Header.Get(requestIDHeader) == "" {
			t.Fatalf("%s missing request id", path)
		}
	}

	resp, body := env.do(http.MethodGet, "/v1/internal/quota", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("quota status = %d", resp.StatusCode)
	}
	var payload struct {
		Enabled bool        `json:"enabled"`
		Usage   quota.Usage `json:"usage"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatal(err)
	}
	if !payload.Enabled || payload.Usage.MinuteLimit != 8 || payload.Usage.DayLimit != 200 {
		t.Fatalf("quota = %s", body)
	}
}
