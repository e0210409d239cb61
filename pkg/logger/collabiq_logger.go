// Package logger configures the process-wide zerolog output. Every line
// carries timestamp, severity and component; pipeline code adds operation,
// email_id, category, retry_count and circuit_state as the step dictates.
// Lines are mirrored to the console and to per-severity daily files under
// data/logs/{severity}/YYYY-MM-DD.log.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Options configures the root logger.
type Options struct {
	Dir     string // 로그 디렉터리 (빈 값이면 파일 출력 비활성화)
	Level   zerolog.Level
	Console bool
}

var setupOnce sync.Once

// New builds the root logger and returns a cleanup that flushes and closes
// the severity files.
func New(opts Options) (zerolog.Logger, func() error, error) {
	setupOnce.Do(func() {
		zerolog.TimestampFieldName = "timestamp"
		zerolog.LevelFieldName = "severity"
		zerolog.LevelFieldMarshalFunc = severityName
	})

	writers := make([]zerolog.LevelWriter, 0, 2)
	var fw *severityFileWriter

	if opts.Console {
		console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		writers = append(writers, zerolog.MultiLevelWriter(console))
	}
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("create log dir: %w", err)
		}
		fw = newSeverityFileWriter(opts.Dir)
		writers = append(writers, fw)
	}

	var out zerolog.LevelWriter
	switch len(writers) {
	case 0:
		return zerolog.Nop(), func() error { return nil }, nil
	case 1:
		out = writers[0]
	default:
		out = zerolog.MultiLevelWriter(writers[0], writers[1])
	}

	log := zerolog.New(out).Level(opts.Level).With().Timestamp().Logger()

	cleanup := func() error {
		if fw != nil {
			return fw.Close()
		}
		return nil
	}
	return log, cleanup, nil
}

// Component returns a child logger tagged with the component name.
func Component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

// Critical emits at the CRITICAL severity without terminating the process.
// Reserved for breaker-open and auth failures.
func Critical(log zerolog.Logger) *zerolog.Event {
	return log.WithLevel(zerolog.FatalLevel)
}

func severityName(l zerolog.Level) string {
	switch l {
	case zerolog.WarnLevel:
		return "WARNING"
	case zerolog.FatalLevel:
		return "CRITICAL"
	default:
		return strings.ToUpper(l.String())
	}
}

// severityDir maps a level to its directory under the log root.
func severityDir(l zerolog.Level) string {
	switch l {
	case zerolog.WarnLevel:
		return "warning"
	case zerolog.ErrorLevel:
		return "error"
	case zerolog.FatalLevel, zerolog.PanicLevel:
		return "critical"
	case zerolog.DebugLevel, zerolog.TraceLevel:
		return "debug"
	default:
		return "info"
	}
}

type openFile struct {
	date string
	f    *os.File
}

// severityFileWriter appends each event to the daily file of its severity.
type severityFileWriter struct {
	mu    sync.Mutex
	dir   string
	files map[string]*openFile
}

func newSeverityFileWriter(dir string) *severityFileWriter {
	return &severityFileWriter{dir: dir, files: make(map[string]*openFile)}
}

func (w *severityFileWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *severityFileWriter) WriteLevel(l zerolog.Level, p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := w.file(severityDir(l), time.Now().UTC().Format("2006-01-02"))
	if err != nil {
		return 0, err
	}
	return f.Write(p)
}

func (w *severityFileWriter) file(severity, date string) (*os.File, error) {
	of, ok := w.files[severity]
	if ok && of.date == date {
		return of.f, nil
	}
	// 날짜 변경 시 이전 파일 닫기
	if ok {
		of.f.Close()
	}

	dir := filepath.Join(w.dir, severity)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, date+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	w.files[severity] = &openFile{date: date, f: f}
	return f, nil
}

func (w *severityFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	for _, of := range w.files {
		if err := of.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	w.files = make(map[string]*openFile)
	return firstErr
}
