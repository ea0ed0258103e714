// Package state persists the relay's small runtime state as JSON files:
// the forwarding flag and the pending-approval records. Files are written
// atomically (temp file, fsync, rename); a corrupt file reads as empty
// rather than stopping the relay.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// ErrNotExists reports a state file that has not been written yet.
var ErrNotExists = errors.New("state file does not exist")

const (
	flagFile     = "forwarding.json"
	pendingFile  = "approvals.json"
	resolvedFile = "resolved.json"
)

// writeJSON writes v to path atomically: a temp file in the same directory,
// fsync, close, then rename over the destination.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// readJSON loads path into v. A missing file returns ErrNotExists.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotExists
		}
		return fmt.Errorf("read state file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse state file %s: %w", path, err)
	}
	return nil
}

// FlagStore persists the forwarding on/off flag. Enabled re-reads the file
// on every call so edits from other processes (or the CLI) take effect on
// the next message; a missing or corrupt file reads as enabled.
type FlagStore struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
	warned bool
}

type flagState struct {
	Enabled bool `json:"enabled"`
}

func NewFlagStore(dir string, logger *slog.Logger) (*FlagStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create state directory %s: %w", dir, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FlagStore{path: filepath.Join(dir, flagFile), logger: logger}, nil
}

// Enabled reports the persisted flag, defaulting to true.
func (f *FlagStore) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	var s flagState
	err := readJSON(f.path, &s)
	switch {
	case err == nil:
		return s.Enabled
	case errors.Is(err, ErrNotExists):
		return true
	default:
		if !f.warned {
			f.logger.Warn("forwarding flag unreadable, treating as enabled", "error", err)
			f.warned = true
		}
		return true
	}
}

// Set persists the flag.
func (f *FlagStore) Set(enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := writeJSON(f.path, flagState{Enabled: enabled}); err != nil {
		return err
	}
	f.warned = false
	return nil
}
