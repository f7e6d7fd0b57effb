package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var Log zerolog.Logger

// Init configures the global logger. Dev mode pretty-prints to stdout, prod
// emits JSON. When logsDir is non-empty, events are also appended to
// crawler.log (readable, no color) and error-level events to error.log as
// "2006-01-02 15:04:05 | LEVEL | message" lines, the format the error-log
// endpoint parses.
func Init(isDev bool, logsDir string) error {
	zerolog.TimeFieldFormat = time.RFC3339

	var stdout io.Writer = os.Stdout
	if isDev {
		stdout = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
	}

	writers := []io.Writer{stdout}
	if logsDir != "" {
		if err := os.MkdirAll(logsDir, 0o755); err != nil {
			return fmt.Errorf("create logs dir: %w", err)
		}
		crawlerLog, err := openLogFile(filepath.Join(logsDir, "crawler.log"))
		if err != nil {
			return err
		}
		errorLog, err := openLogFile(filepath.Join(logsDir, "error.log"))
		if err != nil {
			return err
		}
		writers = append(writers,
			zerolog.ConsoleWriter{
				Out:        crawlerLog,
				TimeFormat: "2006-01-02 15:04:05",
				NoColor:    true,
			},
			&errorLineWriter{out: errorLog},
		)
	}

	Log = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	return nil
}

func IsDev() bool {
	env := os.Getenv("ENV")
	return env == "" || env == "dev" || env == "development"
}

func openLogFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return f, nil
}

// errorLineWriter receives the raw JSON event bytes and rewrites events at
// error level and above as single pipe-separated lines.
type errorLineWriter struct {
	out io.Writer
}

func (w *errorLineWriter) Write(p []byte) (int, error) {
	return len(p), nil
}

func (w *errorLineWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < zerolog.ErrorLevel {
		return len(p), nil
	}
	var event map[string]any
	if err := json.Unmarshal(p, &event); err != nil {
		return len(p), nil
	}
	msg, _ := event[zerolog.MessageFieldName].(string)
	if errStr, ok := event[zerolog.ErrorFieldName].(string); ok && errStr != "" {
		msg = msg + " | " + errStr
	}
	ts := time.Now()
	if raw, ok := event[zerolog.TimestampFieldName].(string); ok {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			ts = parsed
		}
	}
	line := fmt.Sprintf("%s | %s | %s\n", ts.Format("2006-01-02 15:04:05"), strings.ToUpper(level.String()), msg)
	if _, err := w.out.Write([]byte(line)); err != nil {
		return len(p), err
	}
	return len(p), nil
}
