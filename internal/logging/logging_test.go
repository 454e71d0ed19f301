package logging

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"bogus", LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestLogger_FieldsAndPrefix(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := NewWithCore(core).WithPrefix("agent")

	log.Info("turn started", StudentID("s-1"), Attempt(2))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.LoggerName != "agent" {
		t.Errorf("expected logger name agent, got %q", e.LoggerName)
	}
	ctx := e.ContextMap()
	if ctx["student_id"] != "s-1" {
		t.Errorf("expected student_id s-1, got %v", ctx["student_id"])
	}
	if ctx["attempt"] != int64(2) {
		t.Errorf("expected attempt 2, got %#v", ctx["attempt"])
	}
}

func TestLogger_Event(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	log := NewWithCore(core)

	log.Event(EventToolComplete, ToolName("create_goal"), Error(errors.New("boom")))

	got := logs.FilterField(zap.String("event", EventToolComplete)).All()
	if len(got) != 1 {
		t.Fatalf("expected 1 event entry, got %d", len(got))
	}
	if got[0].ContextMap()["error"] != "boom" {
		t.Errorf("expected error field, got %v", got[0].ContextMap()["error"])
	}
}

func TestLogger_NilSafe(t *testing.T) {
	var log *Logger
	log.Info("ignored")
	log.Event(EventTurnStart)
	if log.WithPrefix("x") != nil {
		t.Error("expected nil from nil receiver")
	}
	if log.IsDebugEnabled() {
		t.Error("nil logger should not report debug")
	}
	if err := log.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}

func TestReasonTruncates(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}
	f := Reason(string(long))
	if s := f.Value.(string); len(s) != 200 {
		t.Errorf("expected truncated reason of 200 chars, got %d", len(s))
	}
}

func TestMetrics(t *testing.T) {
	m := NewMetrics()
	m.RecordTurn(TurnOK)
	m.RecordTurn(TurnPartial)
	m.RecordTurn(TurnQuotaDenied)
	m.RecordToolCall("create_goal", 5*time.Millisecond, nil)
	m.RecordToolCall("create_goal", 5*time.Millisecond, errors.New("x"))
	m.RecordProviderRequest("openai", nil)
	m.RecordProviderRetry("openai")

	snap := m.GetSnapshot()
	if snap["turns_total"] != 3 {
		t.Errorf("turns_total = %v", snap["turns_total"])
	}
	if snap["quota_denials"] != 1 {
		t.Errorf("quota_denials = %v", snap["quota_denials"])
	}
	tools := snap["tools"].(map[string]ToolMetrics)
	if tools["create_goal"].Calls != 2 || tools["create_goal"].Errors != 1 {
		t.Errorf("unexpected tool metrics %+v", tools["create_goal"])
	}
	providers := snap["providers"].(map[string]ProviderMetrics)
	if providers["openai"].Retries != 1 {
		t.Errorf("unexpected provider metrics %+v", providers["openai"])
	}

	var nilMetrics *Metrics
	nilMetrics.RecordTurn(TurnOK) // must not panic
}
