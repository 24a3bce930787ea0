// Package monitor provides realtime filesystem monitoring: fsnotify
// watchers feed a deduplicated queue, and a worker drains it into the
// scan engine after a file-stability check.
package monitor

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/aegis-av/aegis/internal/event"
	"github.com/aegis-av/aegis/internal/scanner"
)

// ErrAlreadyRunning is returned by Start when monitoring is not stopped.
var ErrAlreadyRunning = errors.New("realtime monitoring already running")

// Lifecycle states. Transitions move through a single atomic token so
// concurrent Start/Stop calls cannot interleave.
const (
	stateStopped int32 = iota
	stateStarting
	stateRunning
	stateStopping
)

// Stability-check tuning.
const (
	stableProbes    = 5
	stableProbeWait = 150 * time.Millisecond
)

// Service owns the watcher goroutines, the queue, the worker, and the
// realtime result sink.
type Service struct {
	engine   *scanner.Engine
	logger   *slog.Logger
	bus      *event.Bus
	debounce time.Duration

	state      atomic.Int32
	monitoring atomic.Bool

	queue  *pathQueue
	stopCh chan struct{}

	// cbMu guards the sink slot; callbacksEnabled short-circuits
	// invocation without taking the lock.
	cbMu             sync.Mutex
	sink             scanner.Sink
	callbacksEnabled atomic.Bool

	watchersMu sync.Mutex
	watchers   []*fsnotify.Watcher

	watcherWG sync.WaitGroup
	workerWG  sync.WaitGroup
}

// NewService creates a monitor bound to the given engine. bus may be nil.
func NewService(engine *scanner.Engine, logger *slog.Logger, bus *event.Bus, debounce time.Duration) *Service {
	if debounce <= 0 {
		debounce = 800 * time.Millisecond
	}
	return &Service{
		engine:   engine,
		logger:   logger.With("component", "monitor"),
		bus:      bus,
		debounce: debounce,
		queue:    newPathQueue(),
	}
}

// Start begins realtime monitoring of the roots in watchSpec, emitting
// results through sink. It fails with ErrAlreadyRunning unless the
// monitor is fully stopped.
func (s *Service) Start(watchSpec string, sink scanner.Sink) error {
	if !s.state.CompareAndSwap(stateStopped, stateStarting) {
		return ErrAlreadyRunning
	}

	roots := ParseWatchSpec(watchSpec)
	if len(roots) == 0 {
		s.state.Store(stateStopped)
		return fmt.Errorf("watch spec %q contains no roots", watchSpec)
	}

	s.cbMu.Lock()
	s.sink = sink
	s.cbMu.Unlock()
	s.callbacksEnabled.Store(true)
	s.monitoring.Store(true)
	s.stopCh = make(chan struct{})

	s.workerWG.Add(1)
	go s.workerLoop()

	for _, root := range roots {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			s.abortStart()
			return fmt.Errorf("creating watcher for %s: %w", root, err)
		}
		if err := addRecursive(w, root); err != nil {
			_ = w.Close()
			s.abortStart()
			return fmt.Errorf("watching %s: %w", root, err)
		}
		s.watchersMu.Lock()
		s.watchers = append(s.watchers, w)
		s.watchersMu.Unlock()

		s.watcherWG.Add(1)
		go s.watchLoop(w, root)
		s.logger.Info("watching root", "path", root)
	}

	s.state.Store(stateRunning)
	if s.bus != nil {
		s.bus.Publish(event.Event{
			Type: event.MonitorStarted,
			Data: map[string]any{"roots": len(roots)},
		})
	}
	return nil
}

// abortStart tears down whatever Start managed to spawn and returns the
// monitor to Stopped.
func (s *Service) abortStart() {
	s.monitoring.Store(false)
	close(s.stopCh)
	s.closeWatchers()
	s.watcherWG.Wait()
	s.workerWG.Wait()
	s.callbacksEnabled.Store(false)
	s.cbMu.Lock()
	s.sink = nil
	s.cbMu.Unlock()
	s.queue.clear()
	s.state.Store(stateStopped)
}

// Stop halts monitoring: it disables callbacks, clears the sink, wakes
// and joins the watcher and worker goroutines, and drains the queue.
// A concurrent second Stop is a no-op.
func (s *Service) Stop() {
	if !s.state.CompareAndSwap(stateRunning, stateStopping) {
		// Not running (or another Stop owns the transition): make sure
		// the flags are down and the worker is awake, then return.
		s.monitoring.Store(false)
		select {
		case s.queue.notify <- struct{}{}:
		default:
		}
		return
	}

	s.monitoring.Store(false)
	close(s.stopCh)

	// No new callback invocations once the flag drops; the slot is
	// cleared before the goroutines are joined.
	s.callbacksEnabled.Store(false)
	s.cbMu.Lock()
	s.sink = nil
	s.cbMu.Unlock()

	// Closing the fsnotify watchers unblocks their event channels.
	s.closeWatchers()

	s.watcherWG.Wait()
	s.workerWG.Wait()

	s.queue.clear()
	s.state.Store(stateStopped)
	s.logger.Info("realtime monitoring stopped")
	if s.bus != nil {
		s.bus.Publish(event.Event{Type: event.MonitorStopped})
	}
}

// Running reports whether the monitor is in the Running state.
func (s *Service) Running() bool {
	return s.state.Load() == stateRunning
}

func (s *Service) closeWatchers() {
	s.watchersMu.Lock()
	watchers := s.watchers
	s.watchers = nil
	s.watchersMu.Unlock()
	for _, w := range watchers {
		if err := w.Close(); err != nil {
			s.logger.Warn("closing watcher", "error", err)
		}
	}
}

// addRecursive registers root and every subdirectory beneath it,
// skipping entries that cannot be read.
func addRecursive(w *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() && path != root {
				return filepath.SkipDir
			}
			if path == root {
				return err
			}
			return nil
		}
		if d.IsDir() {
			if err := w.Add(path); err != nil && path == root {
				return err
			}
		}
		return nil
	})
}

// watchLoop consumes fsnotify events for one root until the watcher is
// closed. Create and write events on regular files are enqueued;
// deletions, rename-old-name notifications, and directories are
// discarded. New directories are added to the watch set.
func (s *Service) watchLoop(w *fsnotify.Watcher, root string) {
	defer s.watcherWG.Done()
	logger := s.logger.With("root", root)

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			s.handleEvent(w, ev, logger)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Warn("watch error", "error", err)
		}
	}
}

func (s *Service) handleEvent(w *fsnotify.Watcher, ev fsnotify.Event, logger *slog.Logger) {
	// Renames surface the new name as a Create; the old name and plain
	// removals carry nothing scannable.
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}

	info, err := os.Stat(ev.Name)
	if err != nil {
		// Transient stat failure: enqueue anyway and let the worker
		// re-verify once the file settles.
		s.queue.enqueue(ev.Name)
		return
	}

	if info.IsDir() {
		if ev.Has(fsnotify.Create) {
			if err := addRecursive(w, ev.Name); err != nil {
				logger.Warn("watching new directory", "path", ev.Name, "error", err)
			}
			// Files dropped into the directory before the watch took
			// effect would otherwise be missed.
			s.enqueueExisting(ev.Name)
		}
		return
	}
	if !info.Mode().IsRegular() {
		return
	}
	s.queue.enqueue(ev.Name)
}

// enqueueExisting enqueues regular files already present under dir.
func (s *Service) enqueueExisting(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			s.queue.enqueue(path)
		}
		return nil
	})
}

// workerLoop drains the queue while monitoring is up, waiting at most
// one debounce interval between polls, then drains leftovers on exit.
func (s *Service) workerLoop() {
	defer s.workerWG.Done()

	timer := time.NewTimer(s.debounce)
	defer timer.Stop()

	for s.monitoring.Load() {
		path, ok := s.queue.pop()
		if !ok {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.debounce)
			select {
			case <-s.queue.notify:
			case <-timer.C:
			case <-s.stopCh:
			}
			continue
		}
		s.processPath(path)
	}

	// Drain whatever remains; with callbacks disabled these complete
	// without emissions.
	for {
		path, ok := s.queue.pop()
		if !ok {
			return
		}
		s.processPath(path)
	}
}

// processPath runs the stability check and hands the path to the scan
// engine through the guarded sink.
func (s *Service) processPath(path string) {
	s.cbMu.Lock()
	sink := s.sink
	s.cbMu.Unlock()
	if sink == nil {
		return
	}

	if !s.waitStable(path) {
		return
	}

	// Re-verify before scanning; the file may have vanished while
	// queued or stabilizing.
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}

	guarded := func(r scanner.Result) {
		if !s.callbacksEnabled.Load() {
			return
		}
		sink(r)
	}
	s.engine.Scan(path, guarded)
}

// waitStable probes the file size up to stableProbes times and returns
// once two consecutive reads agree. An unstable file is still scanned
// (best-effort); a vanished file is not. The return value is false only
// when the path disappeared or is no longer a regular file.
func (s *Service) waitStable(path string) bool {
	var lastSize int64 = -1
	for i := 0; i < stableProbes; i++ {
		info, err := os.Stat(path)
		if err != nil {
			return false
		}
		if !info.Mode().IsRegular() {
			return false
		}
		if i > 0 && info.Size() == lastSize {
			return true
		}
		lastSize = info.Size()
		time.Sleep(stableProbeWait)
	}
	s.logger.Debug("file did not stabilize, scanning best-effort", "path", path)
	return true
}

// QueueDepth reports the number of paths waiting for the worker.
func (s *Service) QueueDepth() int {
	return s.queue.depth()
}
