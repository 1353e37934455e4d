package watcher

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/relioncluster/pipeline-orchestrator/internal/domain"
	"github.com/relioncluster/pipeline-orchestrator/internal/platform/logger"
)

const (
	watchStablePoll   = 500 * time.Millisecond
	watchStableFor    = 2 * time.Second
	watchDebounce     = 5 * time.Second
	existingStablePoll = 200 * time.Millisecond
	existingStableFor  = 500 * time.Millisecond
	existingDebounce   = 2 * time.Second
)

// sessionWatcher owns all mutable per-session watch state on a single
// run() goroutine. Only knownCount and knownFiles are touched from other
// goroutines (via atomic ops), so FileCount and KnownFiles never have to
// synchronize with run().
type sessionWatcher struct {
	sessionID uuid.UUID
	directory string
	pattern   string
	mode      domain.InputMode
	out       chan<- Event
	log       *logger.Logger

	done    chan struct{}
	signals chan struct{} // debounce-fired, non-blocking send/receive
	stable  chan string   // a candidate path that just became stable

	fsWatcher *fsnotify.Watcher

	known      map[string]bool // run()-only
	pending    map[string]bool // run()-only
	knownCount int64           // atomic mirror of len(known)
	knownFiles atomic.Value    // atomic mirror of known's keys, []string

	debounceTimer *time.Timer // only touched from run(); stopped from stop()
}

func newSessionWatcher(sessionID uuid.UUID, directory, pattern string, mode domain.InputMode, out chan<- Event, log *logger.Logger) (*sessionWatcher, error) {
	sw := &sessionWatcher{
		sessionID: sessionID,
		directory: directory,
		pattern:   pattern,
		mode:      mode,
		out:       out,
		log:       log.With("session_id", sessionID.String()),
		done:      make(chan struct{}),
		signals:   make(chan struct{}, 1),
		stable:    make(chan string, 64),
		known:     map[string]bool{},
		pending:   map[string]bool{},
	}

	if mode == domain.InputModeWatch {
		fw, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, err
		}
		if err := fw.Add(directory); err != nil {
			fw.Close()
			return nil, err
		}
		sw.fsWatcher = fw
		addWatchedSubdirs(fw, directory, sw.log)
	}

	return sw, nil
}

// addWatchedSubdirs watches every immediate subdirectory of directory,
// mirroring scan.go's one-level-deep traversal (spec §4.2) for indefinite
// watch mode: fsnotify has no recursive option, so each subdirectory
// needs its own Add call. Best-effort, matching scanOnce: an unreadable
// subdirectory doesn't stop the rest from being watched.
func addWatchedSubdirs(fw *fsnotify.Watcher, directory string, log *logger.Logger) {
	entries, err := os.ReadDir(directory)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sub := filepath.Join(directory, entry.Name())
		if err := fw.Add(sub); err != nil {
			log.Warn("failed to watch subdirectory", "path", sub, "error", err)
		}
	}
}

func (sw *sessionWatcher) stop() {
	close(sw.done)
	if sw.debounceTimer != nil {
		sw.debounceTimer.Stop()
	}
	if sw.fsWatcher != nil {
		sw.fsWatcher.Close()
	}
}

func (sw *sessionWatcher) fileCount() int {
	return int(atomic.LoadInt64(&sw.knownCount))
}

// publishKnownFiles refreshes the atomic snapshot read by Manager.KnownFiles.
// Called from run() only, right after sw.known is mutated.
func (sw *sessionWatcher) publishKnownFiles() {
	atomic.StoreInt64(&sw.knownCount, int64(len(sw.known)))
	files := make([]string, 0, len(sw.known))
	for f := range sw.known {
		files = append(files, f)
	}
	sw.knownFiles.Store(files)
}

func (sw *sessionWatcher) knownFileList() []string {
	v, _ := sw.knownFiles.Load().([]string)
	return v
}

func (sw *sessionWatcher) sendSignal() {
	select {
	case sw.signals <- struct{}{}:
	default:
	}
}

// run is the session's sole state-owning goroutine, following the
// tail-claude sessionWatcher pattern: timers and fsnotify callbacks only
// ever send on a channel, state mutation always happens here.
func (sw *sessionWatcher) run() {
	if sw.mode == domain.InputModeExisting {
		sw.runExisting()
		return
	}
	sw.runWatch()
}

func (sw *sessionWatcher) runExisting() {
	found, err := scanOnce(sw.directory, sw.pattern)
	if err != nil {
		sw.log.Warn("existing-mode scan failed", "error", err)
		return
	}

	var stableFiles []string
	for _, path := range found {
		ok, err := waitStable(path, existingStablePoll, existingStableFor, sw.done)
		if err != nil {
			sw.log.Warn("stability check failed", "path", path, "error", err)
			continue
		}
		if ok {
			stableFiles = append(stableFiles, path)
		}
	}

	select {
	case <-sw.done:
		return
	default:
	}

	if len(stableFiles) == 0 {
		sw.emit(Event{SessionID: sw.sessionID, Kind: EventNoFiles, Directory: sw.directory})
		return
	}

	for _, f := range stableFiles {
		sw.known[f] = true
	}
	sw.publishKnownFiles()
	sw.emit(Event{SessionID: sw.sessionID, Kind: EventFilesAdded, Files: stableFiles, Count: len(stableFiles), Directory: sw.directory})
}

func (sw *sessionWatcher) runWatch() {
	defer func() {
		if sw.fsWatcher != nil {
			sw.fsWatcher.Close()
		}
	}()

	for {
		select {
		case <-sw.done:
			return

		case <-sw.signals:
			sw.flushPending()

		case path := <-sw.stable:
			if sw.known[path] {
				continue
			}
			sw.known[path] = true
			sw.publishKnownFiles()
			sw.pending[path] = true
			sw.resetDebounce()

		case event, ok := <-sw.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) && filepath.Dir(event.Name) == sw.directory {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := sw.fsWatcher.Add(event.Name); err != nil {
						sw.log.Warn("failed to watch new subdirectory", "path", event.Name, "error", err)
					}
					continue
				}
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if sw.known[event.Name] {
				continue
			}
			if !matchesPattern(filepath.Base(event.Name), sw.pattern) {
				continue
			}
			go sw.watchForStability(event.Name)

		case err, ok := <-sw.fsWatcher.Errors:
			if !ok {
				return
			}
			sw.log.Warn("fsnotify error", "error", err)
		}
	}
}

func (sw *sessionWatcher) watchForStability(path string) {
	ok, err := waitStable(path, watchStablePoll, watchStableFor, sw.done)
	if err != nil {
		return
	}
	if !ok {
		return
	}
	select {
	case sw.stable <- path:
	case <-sw.done:
	}
}

func (sw *sessionWatcher) resetDebounce() {
	if sw.debounceTimer != nil {
		sw.debounceTimer.Stop()
	}
	sw.debounceTimer = time.AfterFunc(watchDebounce, sw.sendSignal)
}

func (sw *sessionWatcher) flushPending() {
	if len(sw.pending) == 0 {
		return
	}
	files := make([]string, 0, len(sw.pending))
	for f := range sw.pending {
		files = append(files, f)
		delete(sw.pending, f)
	}
	sw.emit(Event{SessionID: sw.sessionID, Kind: EventFilesAdded, Files: files, Count: len(files), Directory: sw.directory})
}

func (sw *sessionWatcher) emit(ev Event) {
	select {
	case sw.out <- ev:
	case <-sw.done:
	}
}
