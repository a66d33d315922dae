package log

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestLoggerFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarn)
	l.Info("should not appear")
	l.Warn("should appear", "key", "value")
	l.Close()

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Fatalf("info line leaked through warn-level filter: %q", out)
	}
	if !strings.Contains(out, "should appear") || !strings.Contains(out, "key=value") {
		t.Fatalf("expected warn line with attrs, got %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug": LevelDebug,
		"WARN":  LevelWarn,
		"error": LevelError,
		"":      LevelInfo,
		"bogus": LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestCloseDrainsQueue(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelInfo)
	for i := 0; i < 50; i++ {
		l.Info("event", "i", i)
	}
	l.Close()
	time.Sleep(0)
	if strings.Count(buf.String(), "event") == 0 {
		t.Fatalf("expected drained events in output")
	}
}
