package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	l := New()
	l.SetOutput(&buf)
	l.SetLevel(LevelWarn)

	l.Debug("d")
	l.Info("i")
	l.Warn("w")
	l.Error("e")

	out := buf.String()
	if strings.Contains(out, "DEBUG") || strings.Contains(out, "INFO") {
		t.Errorf("below-threshold entries leaked: %q", out)
	}
	if !strings.Contains(out, "WARN") || !strings.Contains(out, "ERROR") {
		t.Errorf("expected WARN and ERROR entries, got %q", out)
	}
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	l := New()
	l.SetOutput(&buf)

	l.Info("connected", map[string]interface{}{"broker": "localhost:9090"})

	if !strings.Contains(buf.String(), "broker=localhost:9090") {
		t.Errorf("field missing from output: %q", buf.String())
	}
}

func TestLogger_WithComponent(t *testing.T) {
	var buf bytes.Buffer
	l := New()
	l.SetOutput(&buf)

	l.WithComponent("factory").Info("probing")

	if !strings.Contains(buf.String(), "[factory]") {
		t.Errorf("component tag missing: %q", buf.String())
	}
}

func TestLogger_WithAgentID(t *testing.T) {
	var buf bytes.Buffer
	l := New()
	l.SetOutput(&buf)

	l.WithAgentID("agent-a").Info("hello")

	if !strings.Contains(buf.String(), "agent=agent-a") {
		t.Errorf("agent tag missing: %q", buf.String())
	}
}

func TestLogger_EventHelpers(t *testing.T) {
	var buf bytes.Buffer
	l := New()
	l.SetOutput(&buf)

	l.Downgrade("agent-a", "connect attempts exhausted")
	l.Reconnected("agent-a", 3*time.Second)
	l.SendFailed("agent-a", "orchestrator", "m1", errors.New("store offline"))

	out := buf.String()
	for _, want := range []string{"transport_downgrade", "transport_reconnected", "send_failed", "msg_id=m1"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in output: %q", want, out)
		}
	}
}
