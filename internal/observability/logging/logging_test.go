package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLoggerAddsServiceFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{ServiceName: "messages", Environment: "test", Level: "info", Output: &buf})
	logger.Debug("hidden")
	logger.Info("visible", "k", "v")

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["msg"] != "visible" || line["service"] != "messages" || line["env"] != "test" || line["k"] != "v" {
		t.Fatalf("unexpected log line: %v", line)
	}
}
