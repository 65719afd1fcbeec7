// Package session owns conversation session state: an in-memory map keyed by
// sender (or a global key), flushed to a single JSON state file. The store is
// the only writer of session records; everything else receives snapshots.
package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warelaydev/warelay/internal/directive"
)

// GlobalKey is the session key used when scope is "global".
const GlobalKey = "__global__"

// ScopePerSender keys sessions by sender; ScopeGlobal shares one session.
const (
	ScopePerSender = "per-sender"
	ScopeGlobal    = "global"
)

// Session is the persisted per-key conversation state. Message bodies are
// never stored here.
type Session struct {
	ID             string                 `json:"id"`
	CreatedAt      time.Time              `json:"createdAt"`
	UpdatedAt      time.Time              `json:"updatedAt"`
	SystemSent     bool                   `json:"systemSent"`
	ThinkDefault   directive.ThinkLevel   `json:"thinkDefault,omitempty"`
	VerboseDefault directive.VerboseLevel `json:"verboseDefault,omitempty"`
	AbortPending   bool                   `json:"abortPending"`
}

// Key maps a sender to its session key under the given scope.
func Key(scope, from string) string {
	if scope == ScopeGlobal {
		return GlobalKey
	}
	return from
}

// Store is a durable session map with a single writer mutex.
type Store struct {
	path   string
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	nowFunc func() time.Time
}

// NewStore opens (or creates) the session state file at path. A missing or
// empty file yields an empty store; a corrupt file is an error.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		path:     path,
		logger:   logger.With("component", "session-store"),
		sessions: make(map[string]*Session),
		nowFunc:  time.Now,
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read session store: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.sessions); err != nil {
		return nil, fmt.Errorf("failed to parse session store %s: %w", path, err)
	}
	return s, nil
}

// SetNowFunc sets a custom time source for testing.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	s.nowFunc = fn
	s.mu.Unlock()
}

// Get returns the session for key, creating a fresh one when none exists,
// the stored one has been idle past idle, or reset was requested. It reports
// whether the session was created on this call and whether no turn has
// completed in it yet. Get never advances UpdatedAt; Touch does.
func (s *Store) Get(key string, resetRequested bool, idle time.Duration) (Session, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	existing, ok := s.sessions[key]
	expired := ok && idle > 0 && now.Sub(existing.UpdatedAt) > idle
	if ok && !expired && !resetRequested {
		return *existing, false, !existing.SystemSent
	}

	fresh := &Session{
		ID:        uuid.New().String(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	// Session-level defaults survive a reset; a new thread keeps the
	// pinned levels the user chose.
	if ok && (expired || resetRequested) {
		fresh.ThinkDefault = existing.ThinkDefault
		fresh.VerboseDefault = existing.VerboseDefault
	}
	s.sessions[key] = fresh
	s.flushLocked()
	return *fresh, true, true
}

// Peek returns the stored session without creating one.
func (s *Store) Peek(key string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.sessions[key]
	if !ok {
		return Session{}, false
	}
	return *existing, true
}

// Touch advances UpdatedAt for key. Called on the user-initiated path only;
// heartbeats must leave UpdatedAt alone.
func (s *Store) Touch(key string) {
	s.ForSession(key, func(sess *Session) {
		sess.UpdatedAt = s.nowFunc()
	})
}

// SetSystemSent marks the system/template prefix as delivered.
func (s *Store) SetSystemSent(key string) {
	s.ForSession(key, func(sess *Session) {
		sess.SystemSent = true
	})
}

// SetThinkDefault pins a session-level thinking level.
func (s *Store) SetThinkDefault(key string, level directive.ThinkLevel) {
	s.ForSession(key, func(sess *Session) {
		sess.ThinkDefault = level
	})
}

// SetVerboseDefault pins a session-level verbosity.
func (s *Store) SetVerboseDefault(key string, level directive.VerboseLevel) {
	s.ForSession(key, func(sess *Session) {
		sess.VerboseDefault = level
	})
}

// SetAbortPending flags (or clears) the abort reminder for the next turn.
func (s *Store) SetAbortPending(key string, pending bool) {
	s.ForSession(key, func(sess *Session) {
		sess.AbortPending = pending
	})
}

// ForSession runs an atomic read-modify-write on the session for key and
// flushes the store. The session is created if missing.
func (s *Store) ForSession(key string, update func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		now := s.nowFunc()
		sess = &Session{
			ID:        uuid.New().String(),
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.sessions[key] = sess
	}
	update(sess)
	s.flushLocked()
}

// Snapshot returns a copy of every live session keyed by session key.
func (s *Store) Snapshot() map[string]Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Session, len(s.sessions))
	for key, sess := range s.sessions {
		out[key] = *sess
	}
	return out
}

// flushLocked persists the session map with an atomic replace. A write
// failure is logged; the in-memory state stays authoritative and the next
// successful flush heals durability.
func (s *Store) flushLocked() {
	if s.path == "" {
		return
	}
	data, err := json.MarshalIndent(s.sessions, "", "  ")
	if err != nil {
		s.logger.Error("failed to encode session store", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		s.logger.Error("failed to create session store directory", "error", err)
		return
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		s.logger.Error("failed to write session store", "path", tmp, "error", err)
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.logger.Error("failed to replace session store", "path", s.path, "error", err)
	}
}
