package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// WriterSink appends one JSON document per line.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Write(_ context.Context, e *LogEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(append(b, '\n'))
	return err
}

// ZapSink emits entries through a zap logger.
type ZapSink struct {
	logger *zap.Logger
}

func NewZapSink(logger *zap.Logger) *ZapSink {
	return &ZapSink{logger: logger.Named("audit")}
}

func (s *ZapSink) Write(_ context.Context, e *LogEntry) error {
	s.logger.Info(e.Kind,
		zap.Uint64("sequence", e.Sequence),
		zap.String("timestamp", e.Timestamp),
		zap.String("previous_hash", e.PreviousHash),
		zap.String("hash", e.Hash),
		zap.String("payload", e.Payload),
	)
	return nil
}

// MemorySink keeps entries in memory.
type MemorySink struct {
	mu      sync.Mutex
	entries []*LogEntry
}

func (s *MemorySink) Write(_ context.Context, e *LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.entries = append(s.entries, &cp)
	return nil
}

// Entries returns a copy of everything written so far.
func (s *MemorySink) Entries() []*LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*LogEntry, len(s.entries))
	for i, e := range s.entries {
		cp := *e
		out[i] = &cp
	}
	return out
}

// OpenSink resolves an AUDIT_SINK value: "log" (or empty) logs through zap,
// "stdout" writes JSON lines to standard output and "file:///path" appends to
// a file. The returned closer is nil when there is nothing to close.
func OpenSink(uri string, logger *zap.Logger) (Sink, io.Closer, error) {
	switch {
	case uri == "" || uri == "log":
		return NewZapSink(logger), nil, nil
	case uri == "stdout":
		return NewWriterSink(os.Stdout), nil, nil
	case strings.HasPrefix(uri, "file://"):
		path := strings.TrimPrefix(uri, "file://")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("open audit file: %w", err)
		}
		return NewWriterSink(f), f, nil
	default:
		return nil, nil, fmt.Errorf("unsupported audit sink %q", uri)
	}
}
