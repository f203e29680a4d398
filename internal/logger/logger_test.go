package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("expected valid JSON log output, got error: %v\nraw output: %s", err, line)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestSetup_ReturnsJSONLoggerWithService(t *testing.T) {
	var buf bytes.Buffer
	l := Setup(&buf, slog.LevelInfo)

	l.Info("配信が完了しました",
		slog.String("queue_id", "q-1"),
		slog.String("platform", "twitter"),
		slog.Int("retry_count", 0),
	)

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	entry := entries[0]
	if entry["msg"] != "配信が完了しました" {
		t.Errorf("msg = %q", entry["msg"])
	}
	if entry["service"] != ServiceName {
		t.Errorf("service = %q, want %q", entry["service"], ServiceName)
	}
	if entry["queue_id"] != "q-1" || entry["platform"] != "twitter" {
		t.Errorf("attributes = %v", entry)
	}
	if entry["retry_count"] != float64(0) {
		t.Errorf("retry_count = %v, want 0", entry["retry_count"])
	}
	if _, ok := entry["time"]; !ok {
		t.Error("expected 'time' field in JSON log output")
	}
	if entry["level"] != "INFO" {
		t.Errorf("level = %q, want INFO", entry["level"])
	}
}

func TestSetup_FiltersBelowLevel(t *testing.T) {
	tests := []struct {
		name  string
		level slog.Level
		want  []string
	}{
		{"debug", slog.LevelDebug, []string{"DEBUG", "INFO", "WARN", "ERROR"}},
		{"info", slog.LevelInfo, []string{"INFO", "WARN", "ERROR"}},
		{"warn", slog.LevelWarn, []string{"WARN", "ERROR"}},
		{"error", slog.LevelError, []string{"ERROR"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := Setup(&buf, tt.level)

			l.Debug("d")
			l.Info("i")
			l.Warn("w")
			l.Error("e")

			entries := decodeLines(t, &buf)
			if len(entries) != len(tt.want) {
				t.Fatalf("entries = %d, want %d: %s", len(entries), len(tt.want), buf.String())
			}
			for i, level := range tt.want {
				if entries[i]["level"] != level {
					t.Errorf("entries[%d].level = %q, want %q", i, entries[i]["level"], level)
				}
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"Warn", slog.LevelWarn},
		{" error ", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLevel(%q): unexpected error %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseLevel_Invalid(t *testing.T) {
	for _, in := range []string{"verbose", "trace", "42"} {
		if _, err := ParseLevel(in); err == nil {
			t.Errorf("ParseLevel(%q): expected error", in)
		}
	}
}

func TestSetupDefault_SetsGlobalLogger(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	SetupDefault(&buf, slog.LevelDebug)

	slog.Default().Debug("global test", slog.String("test_key", "test_val"))

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1: %s", len(entries), buf.String())
	}
	if entries[0]["msg"] != "global test" || entries[0]["test_key"] != "test_val" {
		t.Errorf("entry = %v", entries[0])
	}
	if entries[0]["service"] != ServiceName {
		t.Errorf("service = %q", entries[0]["service"])
	}
}
