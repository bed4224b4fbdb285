// Package audit keeps a tamper-evident, hash-chained record of money
// movement: every entry commits to the one before it.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// LogEntry represents a single audit log entry
type LogEntry struct {
	Sequence     uint64 `json:"sequence"`
	Timestamp    string `json:"timestamp"`
	Kind         string `json:"kind"`
	PreviousHash string `json:"previous_hash"`
	Payload      string `json:"payload"`
	Hash         string `json:"hash"`
}

// Sink stores entries in order.
type Sink interface {
	Write(ctx context.Context, e *LogEntry) error
}

var genesisHash = strings.Repeat("0", 64)

// ChainLogger provides a tamper-proof logging mechanism using hash chaining.
type ChainLogger struct {
	mu           sync.Mutex
	sink         Sink
	previousHash string
	seq          uint64
	now          func() time.Time
}

// NewChainLogger creates a ChainLogger writing to sink, starting from the
// zero hash.
func NewChainLogger(sink Sink) *ChainLogger {
	return &ChainLogger{
		sink:         sink,
		previousHash: genesisHash,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Append chains an event. fields are encoded as JSON with sorted keys so the
// payload, and therefore the hash, is reproducible. The chain only advances
// when the sink accepts the entry.
func (c *ChainLogger) Append(ctx context.Context, kind string, fields map[string]any) error {
	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode audit payload: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &LogEntry{
		Sequence:     c.seq + 1,
		Timestamp:    c.now().Format(time.RFC3339Nano),
		Kind:         kind,
		PreviousHash: c.previousHash,
		Payload:      string(payload),
	}
	entry.Hash = entryHash(entry)

	if c.sink != nil {
		if err := c.sink.Write(ctx, entry); err != nil {
			return fmt.Errorf("write audit entry %d: %w", entry.Sequence, err)
		}
	}
	c.seq = entry.Sequence
	c.previousHash = entry.Hash
	return nil
}

func entryHash(e *LogEntry) string {
	input := fmt.Sprintf("%d|%s|%s|%s|%s", e.Sequence, e.PreviousHash, e.Timestamp, e.Kind, e.Payload)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// VerifyChain checks if a slice of entries forms a valid hash chain.
func VerifyChain(entries []*LogEntry) bool {
	for i, entry := range entries {
		if i > 0 {
			prev := entries[i-1]
			if entry.PreviousHash != prev.Hash || entry.Sequence != prev.Sequence+1 {
				return false
			}
		}
		if entryHash(entry) != entry.Hash {
			return false
		}
	}
	return true
}
