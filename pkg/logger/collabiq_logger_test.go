package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/goccy/go-json"
)

// TestSeverityNames tests the log line severity vocabulary.
func TestSeverityNames(t *testing.T) {
	tests := []struct {
		level zerolog.Level
		want  string
	}{
		{zerolog.InfoLevel, "INFO"},
		{zerolog.WarnLevel, "WARNING"},
		{zerolog.ErrorLevel, "ERROR"},
		{zerolog.FatalLevel, "CRITICAL"},
		{zerolog.DebugLevel, "DEBUG"},
	}

	for _, tt := range tests {
		if got := severityName(tt.level); got != tt.want {
			t.Errorf("severityName(%v) = %q, want %q", tt.level, got, tt.want)
		}
	}
}

// TestFileRouting tests that events land in per-severity daily files.
func TestFileRouting(t *testing.T) {
	dir := t.TempDir()
	log, cleanup, err := New(Options{Dir: dir, Level: zerolog.DebugLevel})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	Component(log, "pipeline").Info().Str("operation", "cycle").Msg("cycle complete")
	Component(log, "retry").Warn().Int("retry_count", 1).Msg("transient failure")
	Component(log, "dlq").Error().Str("email_id", "m-1").Msg("exhausted")
	Critical(Component(log, "circuit_breaker")).Str("circuit_state", "open").Msg("breaker opened")

	if err := cleanup(); err != nil {
		t.Fatalf("cleanup error: %v", err)
	}

	date := time.Now().UTC().Format("2006-01-02")
	for _, severity := range []string{"info", "warning", "error", "critical"} {
		path := filepath.Join(dir, severity, date+".log")
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("missing %s file: %v", severity, err)
		}
		if len(data) == 0 {
			t.Errorf("%s file is empty", severity)
		}
	}
}

// TestLineShape tests the required field names on an emitted line.
func TestLineShape(t *testing.T) {
	dir := t.TempDir()
	log, cleanup, err := New(Options{Dir: dir, Level: zerolog.InfoLevel})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	Component(log, "writer").Info().
		Str("operation", "create_entry").
		Str("email_id", "msg-42").
		Int("retry_count", 0).
		Dict("context", zerolog.Dict().Str("page_id", "abc")).
		Msg("entry created")
	cleanup()

	date := time.Now().UTC().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(dir, "info", date+".log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}

	line := strings.TrimSpace(strings.Split(string(data), "\n")[0])
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}

	for _, field := range []string{"timestamp", "severity", "component", "operation", "email_id", "context"} {
		if _, ok := entry[field]; !ok {
			t.Errorf("log line missing field %q: %s", field, line)
		}
	}
	if entry["severity"] != "INFO" {
		t.Errorf("severity = %v, want INFO", entry["severity"])
	}
	if entry["component"] != "writer" {
		t.Errorf("component = %v, want writer", entry["component"])
	}
}

// TestNopWithoutOutputs tests that no outputs yields a silent logger.
func TestNopWithoutOutputs(t *testing.T) {
	log, cleanup, err := New(Options{})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer cleanup()

	// 출력 대상이 없어도 로깅 호출은 안전해야 함
	log.Info().Msg("dropped")
}
