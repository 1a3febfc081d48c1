package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"

	"emconnect.org/internal/covert"
)

func enterMode(t *testing.T, env *testEnv, phrase, forwardedFor string) covert.Mode {
	t.Helper()
	var headers map[string]string
	if forwardedFor != "" {
		headers = map[string]string{"X-Forwarded-For": forwardedFor}
	}
	resp, body := env.do(http.MethodPost, "/v1/emergency/enter", map[string]string{"input_phrase": phrase}, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("enter status = %d", resp.StatusCode)
	}
	var res covertResponse
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("decode enter: %v", err)
	}
	return res.Mode
}

func TestRotatingForwardedForKeepsLockout(t *testing.T) {
	env := newTestEnv(t)

	for i, xff := range []string{"198.51.100.1", "198.51.100.2", "198.51.100.3", "198.51.100.4"} {
		if mode := enterMode(t, env, "틀린 문장", xff); mode != covert.ModeSearch {
			t.Fatalf("wrong phrase %d mode = %s", i, mode)
		}
	}
	if mode := enterMode(t, env, testPrimary, "198.51.100.99"); mode != covert.ModeSearch {
		t.Fatalf("right phrase after lockout with fresh header: mode = %s, want SEARCH", mode)
	}
}

func TestForwardedForHonouredBehindTrustedProxy(t *testing.T) {
	env := newTestEnv(t, WithTrustedProxies([]netip.Prefix{
		netip.MustParsePrefix("127.0.0.0/8"),
		netip.MustParsePrefix("::1/128"),
	}))

	enterMode(t, env, "틀린 문장", "203.0.113.5")
	enterMode(t, env, "또 틀린 문장", "203.0.113.5")
	if mode := enterMode(t, env, testPrimary, "203.0.113.5"); mode != covert.ModeSearch {
		t.Fatalf("locked client mode = %s", mode)
	}
	// A value the client prepends does not displace the hop the proxy added.
	if mode := enterMode(t, env, testPrimary, "192.0.2.77, 203.0.113.5"); mode != covert.ModeSearch {
		t.Fatalf("spoofed prefix mode = %s", mode)
	}
	if mode := enterMode(t, env, testPrimary, "203.0.113.6"); mode != covert.ModeSecondFactor {
		t.Fatalf("other client mode = %s", mode)
	}
}

func TestClientIP(t *testing.T) {
	proxies := trustedProxies{netip.MustParsePrefix("10.0.0.0/8")}
	cases := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{"untrusted peer ignores header", "192.0.2.1:5000", "203.0.113.9", "192.0.2.1"},
		{"trusted peer without header", "10.1.1.1:5000", "", "10.1.1.1"},
		{"trusted peer uses last untrusted hop", "10.1.1.1:5000", "1.1.1.1, 203.0.113.9, 10.2.2.2", "203.0.113.9"},
		{"garbage hop stops the walk", "10.1.1.1:5000", "203.0.113.9, junk", "10.1.1.1"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tc.remote
		if tc.xff != "" {
			req.Header.Set("X-Forwarded-For", tc.xff)
		}
		if got := proxies.clientIP(req); got != tc.want {
			t.Fatalf("%s: clientIP = %q, want %q", tc.name, got, tc.want)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5000"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	if got := trustedProxies(nil).clientIP(req); got != "192.0.2.1" {
		t.Fatalf("no proxies: clientIP = %q", got)
	}
}

type panickingCovert struct{}

func (panickingCovert) Enter(context.Context, string, string) covert.Result { panic("enter exploded") }
func (panickingCovert) Verify(context.Context, string, string) covert.Result {
	panic("verify exploded")
}
func (panickingCovert) Configure(context.Context, string, covert.ConfigInput) (covert.Summary, error) {
	return covert.Summary{}, nil
}
func (panickingCovert) Summary(context.Context, string) (covert.Summary, error) {
	return covert.Summary{}, nil
}

func TestCovertPanicsBecomeCamouflage(t *testing.T) {
	api := New("test", Deps{Covert: panickingCovert{}})
	h := api.Handler()

	post := func(path, body string) (int, []byte) {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code, rr.Body.Bytes()
	}

	_, baseline := post("/v1/emergency/enter", "{not json")
	for _, tc := range []struct{ path, body string }{
		{"/v1/emergency/enter", `{"input_phrase":"아무 문장"}`},
		{"/v1/emergency/verify", `{"credential":"c","answer":"a"}`},
	} {
		code, body := post(tc.path, tc.body)
		if code != http.StatusOK {
			t.Fatalf("%s status = %d", tc.path, code)
		}
		if !bytes.Equal(body, baseline) {
			t.Fatalf("%s body differs:\n%s\nvs\n%s", tc.path, body, baseline)
		}
	}
}
