// Package watcher implements spec §4.2: per-session filesystem watching
// with debounced, stability-checked emission of newly-landed movie
// files. The fsnotify event source and the single-run-loop-goroutine
// ownership model are grounded on the pack's tail-claude sessionWatcher
// (other_examples/2dfc8514_kylesnowschwartz-tail-claude__watcher.go):
// one goroutine owns all mutable per-session state, timer callbacks only
// ever send a non-blocking signal, never touch state directly.
package watcher

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/relioncluster/pipeline-orchestrator/internal/domain"
	"github.com/relioncluster/pipeline-orchestrator/internal/platform/logger"
)

type EventKind string

const (
	EventFilesAdded EventKind = "files_added"
	EventNoFiles    EventKind = "no_files"
)

// Event is emitted once per debounce firing in watch mode or once per
// non-empty existing-mode scan (EventFilesAdded), or once per empty
// existing-mode scan (EventNoFiles).
type Event struct {
	SessionID uuid.UUID
	Kind      EventKind
	Files     []string
	Count     int
	Directory string
}

// Manager owns one sessionWatcher per active session and multiplexes
// their output onto a single shared Events channel, matching how the
// orchestrator subscribes once to the cluster driver's status stream.
type Manager struct {
	log *logger.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*sessionWatcher
	events   chan Event
}

func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		log:      log.With("component", "WatcherManager"),
		sessions: map[uuid.UUID]*sessionWatcher{},
		events:   make(chan Event, 256),
	}
}

func (m *Manager) Events() <-chan Event { return m.events }

// Start begins watching directory for sessionID. Calling Start again for
// an already-running session stops the prior watch and starts a new one;
// whether to restart at all follows resume()'s "restart the Watcher if it is not active" rule
// being evaluated by the caller, not this method.
func (m *Manager) Start(sessionID uuid.UUID, directory, pattern string, mode domain.InputMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[sessionID]; ok {
		existing.stop()
	}

	sw, err := newSessionWatcher(sessionID, directory, pattern, mode, m.events, m.log)
	if err != nil {
		return fmt.Errorf("watcher: start session %s: %w", sessionID, err)
	}
	m.sessions[sessionID] = sw
	go sw.run()
	return nil
}

func (m *Manager) Stop(sessionID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sw, ok := m.sessions[sessionID]; ok {
		sw.stop()
		delete(m.sessions, sessionID)
	}
}

// IsActive reports whether a session currently has a running watcher,
// used by resume() to decide whether to restart it.
func (m *Manager) IsActive(sessionID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[sessionID]
	return ok
}

// FileCount returns the cumulative known-file-set size for a session,
// used by the orchestrator to raise state.movies_found with MAX
// semantics. Returns 0 for an unknown session.
func (m *Manager) FileCount(sessionID uuid.UUID) int {
	m.mu.Lock()
	sw, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	return sw.fileCount()
}

// KnownFiles returns every file path the watcher has discovered and
// accepted as stable for a session, used by the Control API's exposures
// endpoint. Returns nil for an unknown session.
func (m *Manager) KnownFiles(sessionID uuid.UUID) []string {
	m.mu.Lock()
	sw, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return sw.knownFileList()
}
