package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"emconnect.org/internal/auth"
	"emconnect.org/internal/obs"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	logger := obs.Logger()
	original := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	t.Cleanup(func() { logger.SetOutput(original) })
	return &buf
}

func TestLogEvent(t *testing.T) {
	buf := captureLog(t)

	ctx := WithRequestID(context.Background(), "req-123")
	ctx = auth.ContextWithSession(ctx, &auth.Claims{
		Scope:            auth.ScopeIncident,
		IncidentID:       "inc-1",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "victim-42"},
	})

	if err := LogEvent(ctx, "incident.message", map[string]any{"incident_id": "inc-1"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" || entry["event"] != "incident.message" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["subject_id"] != "victim-42" || entry["scope"] != "incident" {
		t.Fatalf("session not recorded: %v", entry)
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["incident_id"] != "inc-1" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestLogEventRequiresName(t *testing.T) {
	captureLog(t)
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for empty event")
	}
}
