package orchestrator

import (
	"sync"

	"github.com/google/uuid"
)

// liveEntry is the orchestrator's in-memory record for one running or
// paused session (spec §4.1 "Live registry"). busy is a non-reentrant
// lock on "a pipeline pass is in flight"; pendingRerun records that new
// files arrived while busy so the next pass doesn't get lost.
type liveEntry struct {
	running      bool
	busy         bool
	pendingRerun bool
}

// registry guards the live-session map with a single mutex. Per-session
// critical sections are serialized by the busy flag, not by holding this
// lock across suspension points (spec §5): the mutex only ever protects
// the map and the three booleans, never a cluster call or a DB write.
type registry struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*liveEntry
}

func newRegistry() *registry {
	return &registry{entries: map[uuid.UUID]*liveEntry{}}
}

func (r *registry) register(sessionID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[sessionID] = &liveEntry{running: true}
}

func (r *registry) remove(sessionID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, sessionID)
}

func (r *registry) setRunning(sessionID uuid.UUID, running bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[sessionID]; ok {
		e.running = running
	}
}

func (r *registry) isRunning(sessionID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	return ok && e.running
}

// tryAcquireBusy sets busy=true and returns true, unless already busy —
// in which case it marks pendingRerun and returns false (spec §4.1
// "Pipeline pass").
func (r *registry) tryAcquireBusy(sessionID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return false
	}
	if e.busy {
		e.pendingRerun = true
		return false
	}
	e.busy = true
	return true
}

// releaseBusy clears busy and reports (and clears) whether a re-run was
// queued while this pass ran.
func (r *registry) releaseBusy(sessionID uuid.UUID) (pendingRerun bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return false
	}
	e.busy = false
	pendingRerun = e.pendingRerun
	e.pendingRerun = false
	return pendingRerun
}

// snapshot returns a copy of one session's live registry entry and
// whether it is tracked at all, for the read-only health endpoint.
func (r *registry) snapshot(sessionID uuid.UUID) (entry liveEntry, tracked bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return liveEntry{}, false
	}
	return *e, true
}
