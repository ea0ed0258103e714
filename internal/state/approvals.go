package state

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"signalrelay/internal/domain"
)

// maxResolvedKeys bounds the tombstone list; old entries fall off FIFO.
const maxResolvedKeys = 256

// PendingApproval is one message waiting for a human decision.
type PendingApproval struct {
	Key           string           `json:"key"`
	Text          string           `json:"text"`           // formatted text to deliver on allow
	Cleaned       string           `json:"cleaned"`        // sanitized source text
	Meta          string           `json:"meta,omitempty"` // forward provenance for the payload
	Trade         domain.TradeInfo `json:"signal"`
	SourceChat    int64            `json:"sourceChat,omitempty"`
	SourceMessage int              `json:"sourceMessage,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
}

type resolvedEntry struct {
	Key     string    `json:"key"`
	Outcome string    `json:"outcome"` // approved | denied
	At      time.Time `json:"at"`
}

type resolvedState struct {
	Keys []resolvedEntry `json:"keys"`
}

// ApprovalStore is the single writer for pending approvals and the
// resolved-key tombstones that make decisions idempotent across restarts.
type ApprovalStore struct {
	mu           sync.Mutex
	pendingPath  string
	resolvedPath string
	pending      map[string]PendingApproval
	resolved     []resolvedEntry
	logger       *slog.Logger
}

func NewApprovalStore(dir string, logger *slog.Logger) (*ApprovalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create state directory %s: %w", dir, err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &ApprovalStore{
		pendingPath:  filepath.Join(dir, pendingFile),
		resolvedPath: filepath.Join(dir, resolvedFile),
		pending:      make(map[string]PendingApproval),
		logger:       logger,
	}
	s.load()
	return s, nil
}

// load reads both files. Corruption is logged and treated as empty; the
// next write replaces the bad file.
func (s *ApprovalStore) load() {
	var pending map[string]PendingApproval
	if err := readJSON(s.pendingPath, &pending); err != nil {
		if !errors.Is(err, ErrNotExists) {
			s.logger.Warn("pending approvals unreadable, starting empty", "error", err)
		}
	} else if pending != nil {
		s.pending = pending
	}

	var resolved resolvedState
	if err := readJSON(s.resolvedPath, &resolved); err != nil {
		if !errors.Is(err, ErrNotExists) {
			s.logger.Warn("resolved keys unreadable, starting empty", "error", err)
		}
		return
	}
	s.resolved = resolved.Keys
}

// Put stores a pending record and persists.
func (s *ApprovalStore) Put(rec PendingApproval) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.pending[rec.Key] = rec
	return writeJSON(s.pendingPath, s.pending)
}

// Get returns the pending record for key.
func (s *ApprovalStore) Get(key string) (PendingApproval, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.pending[key]
	return rec, ok
}

// Resolve removes the pending record (when present) and tombstones the key
// so later decisions for it answer "already processed" instead of acting.
func (s *ApprovalStore) Resolve(key, outcome string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, present := s.pending[key]
	if present {
		delete(s.pending, key)
		if err := writeJSON(s.pendingPath, s.pending); err != nil {
			return err
		}
	}

	s.resolved = append(s.resolved, resolvedEntry{Key: key, Outcome: outcome, At: time.Now().UTC()})
	if len(s.resolved) > maxResolvedKeys {
		s.resolved = s.resolved[len(s.resolved)-maxResolvedKeys:]
	}
	return writeJSON(s.resolvedPath, resolvedState{Keys: s.resolved})
}

// WasResolved reports whether key was already consumed by a decision.
func (s *ApprovalStore) WasResolved(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.resolved {
		if e.Key == key {
			return true
		}
	}
	return false
}

// Pending returns a snapshot of open records, oldest first.
func (s *ApprovalStore) Pending() []PendingApproval {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PendingApproval, 0, len(s.pending))
	for _, rec := range s.pending {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Len returns the number of open records.
func (s *ApprovalStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.pending)
}
