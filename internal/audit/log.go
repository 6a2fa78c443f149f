// Package audit maintains the append-only, hash-chained record of every
// registration, heartbeat gap, patch application, and lifecycle transition.
//
// Each entry's hash covers the previous entry's hash concatenated with the
// entry's own content, so the whole chain is verifiable end-to-end by
// recomputation. Appends are serialized by a single narrow mutex - the only
// globally ordered operation in the coordinator - and entries are never
// rewritten.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dyluth/drey/pkg/fleet"
	"go.uber.org/zap"
)

// ErrChainCorrupt indicates an integrity violation was detected while
// verifying the audit chain. This is fatal: the log halts further writes and
// surfaces for operator intervention.
var ErrChainCorrupt = errors.New("audit chain corrupt")

// Log is the hash-chained audit log. It keeps the chain tail (sequence and
// last hash) in memory and persists every entry through the fleet store.
type Log struct {
	store  *fleet.Store
	logger *zap.Logger

	mu       sync.Mutex
	seq      uint64
	lastHash string
	halted   bool
}

// Open creates an audit log over the store, resuming the chain tail from any
// previously persisted entries. Returns ErrChainCorrupt (wrapped) if the
// persisted chain fails verification.
func Open(ctx context.Context, store *fleet.Store, logger *zap.Logger) (*Log, error) {
	l := &Log{
		store:  store,
		logger: logger,
	}

	entries, err := store.AuditEntries(ctx, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit chain: %w", err)
	}

	if err := verifyEntries(entries); err != nil {
		return nil, fmt.Errorf("persisted audit chain failed verification: %w", err)
	}

	if len(entries) > 0 {
		tail := entries[len(entries)-1]
		l.seq = tail.Seq
		l.lastHash = tail.Hash
	}

	return l, nil
}

// Append records an event in the audit chain. The payload is JSON-encoded
// into the entry. Returns ErrChainCorrupt if the log has been halted by a
// detected integrity violation.
func (l *Log) Append(ctx context.Context, eventType string, payload interface{}) (*fleet.AuditEntry, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal audit payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.halted {
		return nil, fmt.Errorf("audit log halted: %w", ErrChainCorrupt)
	}

	entry := &fleet.AuditEntry{
		Seq:       l.seq + 1,
		EventType: eventType,
		Payload:   string(payloadJSON),
		AtMs:      fleet.NowMs(),
		PrevHash:  l.lastHash,
	}
	entry.Hash = entryHash(entry)

	if err := l.store.AppendAuditEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to persist audit entry: %w", err)
	}

	l.seq = entry.Seq
	l.lastHash = entry.Hash

	l.logger.Debug("audit entry appended",
		zap.Uint64("seq", entry.Seq),
		zap.String("event_type", eventType),
	)

	return entry, nil
}

// Verify recomputes the hash chain over every persisted entry. On mismatch
// it halts further writes and returns ErrChainCorrupt identifying the first
// bad sequence number.
func (l *Log) Verify(ctx context.Context) error {
	entries, err := l.store.AuditEntries(ctx, 0, -1)
	if err != nil {
		return fmt.Errorf("failed to load audit chain: %w", err)
	}

	if err := verifyEntries(entries); err != nil {
		l.mu.Lock()
		l.halted = true
		l.mu.Unlock()

		l.logger.Error("audit chain verification failed", zap.Error(err))
		return err
	}

	return nil
}

// Entries returns the persisted chain (oldest first).
func (l *Log) Entries(ctx context.Context) ([]*fleet.AuditEntry, error) {
	return l.store.AuditEntries(ctx, 0, -1)
}

// Len returns the number of entries appended so far.
func (l *Log) Len() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// verifyEntries walks the chain and recomputes every hash.
func verifyEntries(entries []*fleet.AuditEntry) error {
	prevHash := ""
	for i, entry := range entries {
		if entry.Seq != uint64(i)+1 {
			return fmt.Errorf("entry %d has sequence %d: %w", i, entry.Seq, ErrChainCorrupt)
		}
		if entry.PrevHash != prevHash {
			return fmt.Errorf("entry seq %d prev-hash mismatch: %w", entry.Seq, ErrChainCorrupt)
		}
		if entryHash(entry) != entry.Hash {
			return fmt.Errorf("entry seq %d hash mismatch: %w", entry.Seq, ErrChainCorrupt)
		}
		prevHash = entry.Hash
	}
	return nil
}

// entryHash computes the chained hash for an entry: SHA-256 over the
// previous hash concatenated with the entry's canonical content.
func entryHash(e *fleet.AuditEntry) string {
	content := fmt.Sprintf("%s|%d|%s|%s|%d", e.PrevHash, e.Seq, e.EventType, e.Payload, e.AtMs)
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
