package engine

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/juju/clock"

	"github.com/dtgate/dtgate/internal/logf"
	"github.com/dtgate/dtgate/internal/store"
)

// pollInterval is the stop-file poll cadence used while sleeping when
// no filesystem watcher is available.
const pollInterval = time.Second

// signals watches the per-mapping marker files under repl/: the stop
// request created by an external controller, and the run/err markers
// owned by the engine itself.
type signals struct {
	root    *store.Root
	id      string
	clock   clock.Clock
	log     *logf.Logger
	watcher *fsnotify.Watcher // nil when unavailable
	wake    chan struct{}
}

// newSignals sets up stop-file observation. A watcher failure is not
// fatal; sleeps then poll for the stop file instead.
func newSignals(root *store.Root, id string, clk clock.Clock, log *logf.Logger) *signals {
	s := &signals{root: root, id: id, clock: clk, log: log, wake: make(chan struct{}, 1)}
	w, err := fsnotify.NewWatcher()
	if err == nil {
		err = w.Add(root.ReplDir())
	}
	if err != nil {
		log.Warnf("stop-file watcher unavailable (%v), polling every %v", err, pollInterval)
		return s
	}
	s.watcher = w
	go s.watch()
	return s
}

func (s *signals) watch() {
	stopName := filepath.Base(s.root.StopMarker(s.id))
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op.Has(fsnotify.Create) && filepath.Base(ev.Name) == stopName {
				select {
				case s.wake <- struct{}{}:
				default:
				}
			}
		case _, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// stopRequested reports whether the stop marker exists.
func (s *signals) stopRequested() bool {
	_, err := os.Stat(s.root.StopMarker(s.id))
	return err == nil
}

// sleep waits for d, returning early (true) when a stop is requested or
// the context ends.
func (s *signals) sleep(ctx context.Context, d time.Duration) (stopped bool) {
	deadline := s.clock.Now().Add(d)
	for {
		if s.stopRequested() {
			return true
		}
		remaining := deadline.Sub(s.clock.Now())
		if remaining <= 0 {
			return false
		}
		tick := remaining
		if s.watcher == nil && tick > pollInterval {
			tick = pollInterval
		}
		select {
		case <-ctx.Done():
			return true
		case <-s.wake:
			return true
		case <-s.clock.After(tick):
		}
	}
}

// checkBlocked refuses startup while a previous fatal failure's err
// marker is present.
func checkBlocked(root *store.Root, id string) error {
	if _, err := os.Stat(root.ErrMarker(id)); err == nil {
		return &BlockedError{Path: root.ErrMarker(id)}
	}
	return nil
}

// markRunning creates the run marker. Refuses when a previous fatal
// failure left the err marker behind.
func (s *signals) markRunning() error {
	if err := checkBlocked(s.root, s.id); err != nil {
		return err
	}
	f, err := os.Create(s.root.RunMarker(s.id))
	if err != nil {
		return err
	}
	return f.Close()
}

// clearRunning removes the run marker on clean exit.
func (s *signals) clearRunning() {
	os.Remove(s.root.RunMarker(s.id))
}

// writeErrFile records the cycle's terminal failures, one line each,
// blocking future runs until an operator removes the file.
func (s *signals) writeErrFile(lines []string) error {
	var body []byte
	for _, l := range lines {
		body = append(body, l...)
		body = append(body, '\n')
	}
	return os.WriteFile(s.root.ErrMarker(s.id), body, 0o644)
}

func (s *signals) close() {
	if s.watcher != nil {
		s.watcher.Close()
	}
}

// BlockedError reports that a previous run's err marker inhibits
// starting; removing the file is the only way to resume replication.
type BlockedError struct {
	Path string
}

func (e *BlockedError) Error() string {
	return "replication blocked by " + e.Path + "; remove the file after resolving the failed records"
}
