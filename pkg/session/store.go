package session

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store manages the control directory: id allocation, session.json
// persistence, name uniqueness among live sessions, and cleanup of exited
// records. Hosts for live sessions are registered here so HTTP, WS and
// IPC surfaces resolve the same instance.
type Store struct {
	root string

	mu    sync.RWMutex
	hosts map[string]*Host
}

func NewStore(root string) *Store {
	return &Store{
		root:  root,
		hosts: make(map[string]*Host),
	}
}

// Root returns the control directory root.
func (s *Store) Root() string {
	return s.root
}

// SessionPaths returns the on-disk layout for a session id.
func (s *Store) SessionPaths(id string) Paths {
	return Paths{Dir: filepath.Join(s.root, id)}
}

// AllocateSession creates a fresh control directory with a new UUID and a
// starting session.json, returning the persisted Info.
func (s *Store) AllocateSession(config Config) (*Info, error) {
	if err := os.MkdirAll(s.root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create control directory: %w", err)
	}

	id := uuid.New().String()
	dir := filepath.Join(s.root, id)
	if err := os.Mkdir(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	name := config.Name
	if name == "" {
		name = shortID(id)
	}
	name = s.uniqueName(name, id)

	term := os.Getenv("TERM")
	if term == "" {
		term = "xterm-256color"
	}

	cols := config.Cols
	if cols <= 0 {
		cols = 120
	}
	rows := config.Rows
	if rows <= 0 {
		rows = 30
	}

	workingDir := config.WorkingDir
	if workingDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			workingDir = home
		} else {
			workingDir = "/"
		}
	}

	command := config.Command
	if len(command) == 0 {
		shell := os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/bash"
		}
		command = []string{shell}
	}

	titleMode := config.TitleMode
	if titleMode == "" {
		titleMode = TitleModeNone
	}

	info := &Info{
		ID:          id,
		Name:        name,
		Command:     command,
		WorkingDir:  workingDir,
		Status:      StatusStarting,
		InitialCols: cols,
		InitialRows: rows,
		Cols:        cols,
		Rows:        rows,
		TitleMode:   titleMode,
		Term:        term,
		Env:         config.Env,
		StartedAt:   time.Now(),
	}

	if err := SaveInfo(dir, info); err != nil {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			log.Printf("[WARN] failed to remove session dir %s: %v", dir, rmErr)
		}
		return nil, err
	}

	return info, nil
}

// uniqueName suffixes -2, -3, … until the name is unique among live
// (non-exited) sessions other than self.
func (s *Store) uniqueName(name, selfID string) string {
	taken := make(map[string]bool)
	for _, info := range s.ListSessions() {
		if info.ID != selfID && info.Status != StatusExited {
			taken[info.Name] = true
		}
	}

	if !taken[name] {
		return name
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s-%d", name, i)
		if !taken[candidate] {
			return candidate
		}
	}
}

// UpdateSessionName renames a session, disambiguating against live
// sessions, and returns the final name.
func (s *Store) UpdateSessionName(id, name string) (string, error) {
	dir := filepath.Join(s.root, id)
	info, err := LoadInfo(dir)
	if err != nil {
		return "", NewSessionErrorWithCause("session not found", ErrSessionNotFound, id, err)
	}

	final := s.uniqueName(name, id)
	info.Name = final
	if err := SaveInfo(dir, info); err != nil {
		return "", err
	}

	if host := s.GetHost(id); host != nil {
		host.setName(final)
	}
	return final, nil
}

// GetInfo loads one session record.
func (s *Store) GetInfo(id string) (*Info, error) {
	info, err := LoadInfo(filepath.Join(s.root, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewSessionError("session not found", ErrSessionNotFound, id)
		}
		return nil, err
	}
	return info, nil
}

// SaveSessionInfo persists an updated record.
func (s *Store) SaveSessionInfo(info *Info) error {
	return SaveInfo(filepath.Join(s.root, info.ID), info)
}

// ListSessions returns every session record on disk, newest first.
func (s *Store) ListSessions() []*Info {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[WARN] failed to read control directory: %v", err)
		}
		return nil
	}

	sessions := make([]*Info, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := LoadInfo(filepath.Join(s.root, entry.Name()))
		if err != nil {
			debugLog("[DEBUG] failed to load session %s: %v", entry.Name(), err)
			continue
		}
		sessions = append(sessions, info)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})
	return sessions
}

// RegisterHost binds a live PTY host to its session id.
func (s *Store) RegisterHost(id string, host *Host) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hosts[id] = host
}

// UnregisterHost removes a host binding.
func (s *Store) UnregisterHost(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hosts, id)
}

// GetHost returns the live host for a session, or nil.
func (s *Store) GetHost(id string) *Host {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hosts[id]
}

// RemoveSession deletes a session's control directory. The host, if any,
// must already be stopped.
func (s *Store) RemoveSession(id string) error {
	s.mu.Lock()
	delete(s.hosts, id)
	s.mu.Unlock()
	return os.RemoveAll(filepath.Join(s.root, id))
}

// CleanupExited removes control directories of exited sessions and
// returns their ids. Idempotent: a second call finds nothing to do.
func (s *Store) CleanupExited() []string {
	var cleaned []string
	for _, info := range s.ListSessions() {
		if info.Status != StatusExited {
			continue
		}
		if err := s.RemoveSession(info.ID); err != nil {
			log.Printf("[WARN] failed to clean up session %s: %v", shortID(info.ID), err)
			continue
		}
		cleaned = append(cleaned, info.ID)
	}
	return cleaned
}

// FindSession resolves a session by exact id, name, or id prefix.
func (s *Store) FindSession(nameOrID string) (*Info, error) {
	for _, info := range s.ListSessions() {
		if info.ID == nameOrID || info.Name == nameOrID || strings.HasPrefix(info.ID, nameOrID) {
			return info, nil
		}
	}
	return nil, NewSessionError("session not found", ErrSessionNotFound, nameOrID)
}
