// Package history publishes finalized conversation turns to configured sinks.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rbright/parlo/internal/metrics"
	"github.com/rbright/parlo/internal/transcript"
)

// Record is one finalized pair tagged with its session.
type Record struct {
	SessionID string          `json:"session_id"`
	Mode      string          `json:"mode"`
	Pair      transcript.Pair `json:"pair"`
}

// Sink receives finalized records.
type Sink interface {
	Name() string
	Publish(ctx context.Context, rec Record) error
	Close() error
}

// WriterSink prints a readable transcript, typically to stdout.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink wraps w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Name() string { return "stdout" }

func (s *WriterSink) Publish(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b strings.Builder
	if text := rec.Pair.User.Text; text != "" {
		fmt.Fprintf(&b, "you:   %s\n", text)
	}
	if text := rec.Pair.Model.Text; text != "" {
		fmt.Fprintf(&b, "model: %s\n", text)
	}
	_, err := io.WriteString(s.w, b.String())
	return err
}

func (s *WriterSink) Close() error { return nil }

// JSONLSink appends one JSON object per record.
type JSONLSink struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// OpenJSONL opens path for appending, creating parent directories.
func OpenJSONL(path string) (*JSONLSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open history file %q: %w", path, err)
	}
	return &JSONLSink{file: file, enc: json.NewEncoder(file)}, nil
}

func (s *JSONLSink) Name() string { return "jsonl" }

func (s *JSONLSink) Publish(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return errors.New("history file closed")
	}
	return s.enc.Encode(rec)
}

func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// Multi fans a record out to every sink. A failing sink does not block the others.
type Multi struct {
	sinks   []Sink
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewMulti combines sinks; nil entries are skipped.
func NewMulti(m *metrics.Metrics, logger *slog.Logger, sinks ...Sink) *Multi {
	kept := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &Multi{sinks: kept, metrics: m, logger: logger}
}

// Len reports the number of sinks.
func (m *Multi) Len() int {
	if m == nil {
		return 0
	}
	return len(m.sinks)
}

// Publish writes rec to every sink and joins the failures.
func (m *Multi) Publish(ctx context.Context, rec Record) error {
	if m == nil {
		return nil
	}
	var errs []error
	for _, sink := range m.sinks {
		start := time.Now()
		err := sink.Publish(ctx, rec)
		m.metrics.RecordHistoryPublish(sink.Name(), err, time.Since(start))
		if err != nil {
			if m.logger != nil {
				m.logger.Warn("history publish failed", "sink", sink.Name(), "session", rec.SessionID, "error", err.Error())
			}
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (m *Multi) Close() error {
	if m == nil {
		return nil
	}
	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}
