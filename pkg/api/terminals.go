package api

import (
	"sync"

	"github.com/vibetunnel/server/pkg/session"
	"github.com/vibetunnel/server/pkg/stream"
	"github.com/vibetunnel/server/pkg/terminal"
)

// TermManager lazily materializes one headless emulator per session, fed
// from the session's stdout file, and keeps it registered with the flow
// controller while it lives.
type TermManager struct {
	store   *session.Store
	streams *stream.Service
	flow    *stream.Controller

	mu      sync.Mutex
	feeders map[string]*stream.Feeder
}

func NewTermManager(store *session.Store, streams *stream.Service, flow *stream.Controller) *TermManager {
	return &TermManager{
		store:   store,
		streams: streams,
		flow:    flow,
		feeders: make(map[string]*stream.Feeder),
	}
}

// Feeder returns the session's emulator feed, creating it on first use.
// Replay starts at the writer's last clear offset for live sessions and
// at the beginning of the file for exited ones.
func (m *TermManager) Feeder(sessionID string) (*stream.Feeder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if feeder, ok := m.feeders[sessionID]; ok {
		return feeder, nil
	}

	info, err := m.store.GetInfo(sessionID)
	if err != nil {
		return nil, err
	}

	var from int64
	if host := m.store.GetHost(sessionID); host != nil {
		from = host.LastClearOffset()
	}

	term := terminal.NewEmulator(info.Cols, info.Rows)
	path := m.store.SessionPaths(sessionID).Stdout()

	feeder, err := stream.NewFeeder(m.streams, path, sessionID, term, stream.TitleMode(info.TitleMode), from)
	if err != nil {
		return nil, err
	}
	m.feeders[sessionID] = feeder

	if m.flow != nil {
		m.flow.Register(stream.Target{
			SessionID:   sessionID,
			Utilization: term.BufferUtilization,
			Pause:       func() { m.streams.Pause(path) },
			Resume:      func() { m.streams.Resume(path) },
			DropBacklog: func() { m.streams.DropBacklog(path) },
		})
	}
	return feeder, nil
}

// Snapshot renders the current viewport of a session.
func (m *TermManager) Snapshot(sessionID string) (*terminal.Snapshot, error) {
	feeder, err := m.Feeder(sessionID)
	if err != nil {
		return nil, err
	}
	return feeder.Terminal().Snapshot(), nil
}

// CloseSession tears down a session's emulator feed.
func (m *TermManager) CloseSession(sessionID string) {
	m.mu.Lock()
	feeder, ok := m.feeders[sessionID]
	delete(m.feeders, sessionID)
	m.mu.Unlock()

	if ok {
		if m.flow != nil {
			m.flow.Unregister(sessionID)
		}
		feeder.Close()
	}
}

// Close tears down every feed.
func (m *TermManager) Close() {
	m.mu.Lock()
	feeders := m.feeders
	m.feeders = make(map[string]*stream.Feeder)
	m.mu.Unlock()

	for id, feeder := range feeders {
		if m.flow != nil {
			m.flow.Unregister(id)
		}
		feeder.Close()
	}
}
