// Package watch runs a "read a version token, detect change, debounce, act"
// loop. The token source is any function returning an int64, so the same loop
// drives a local SQLite data_version check and a remote max(updated_at) query
// over HTTP.
//
//	w := watch.New(store.MaxUpdatedAt, watch.Options{Interval: time.Second, Immediate: true})
//	go w.Run(ctx, func(ctx context.Context) error { return poll(ctx) })
package watch

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Detector reads a version token. Two calls returning different values mean
// something changed.
type Detector func(ctx context.Context) (int64, error)

// Options tunes the watcher.
type Options struct {
	// Interval is the polling frequency. Default: 1s.
	Interval time.Duration
	// Debounce is the quiet period after a change before the action fires.
	// Further changes inside the window restart it. 0 fires immediately.
	Debounce time.Duration
	// Immediate runs the action once on start instead of only seeding the
	// version. Used when the caller has no idea what it already saw.
	Immediate bool
	// Name is attached to every log line.
	Name   string
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Name == "" {
		o.Name = "watch"
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watcher polls a Detector and runs an action on change. Stats and Version
// are safe to call from any goroutine while Run is active.
type Watcher struct {
	detect Detector
	opts   Options

	version atomic.Int64

	versionMu   sync.Mutex
	versionCond *sync.Cond

	checks  atomic.Int64
	changes atomic.Int64
	errors  atomic.Int64
	fired   atomic.Int64
	firedNs atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Checks          int64         `json:"checks"`
	ChangesDetected int64         `json:"changes_detected"`
	Errors          int64         `json:"errors"`
	Actions         int64         `json:"actions"`
	AvgActionTime   time.Duration `json:"avg_action_time"`
}

// New creates a Watcher. Call Run to start the loop.
func New(detect Detector, opts Options) *Watcher {
	opts.defaults()
	w := &Watcher{detect: detect, opts: opts}
	w.version.Store(-1)
	w.versionCond = sync.NewCond(&w.versionMu)
	return w
}

// Stats returns the current counters.
func (w *Watcher) Stats() Stats {
	s := Stats{
		Checks:          w.checks.Load(),
		ChangesDetected: w.changes.Load(),
		Errors:          w.errors.Load(),
		Actions:         w.fired.Load(),
	}
	if s.Actions > 0 {
		s.AvgActionTime = time.Duration(w.firedNs.Load() / s.Actions)
	}
	return s
}

// Version returns the last version whose action succeeded, or -1.
func (w *Watcher) Version() int64 { return w.version.Load() }

// Run blocks until ctx is cancelled. When the detector reports a new version
// and the debounce window passes quietly, action is called. A failing action
// does not advance the version, so it is retried on the next tick.
func (w *Watcher) Run(ctx context.Context, action func(ctx context.Context) error) {
	log := w.opts.Logger.With("watcher", w.opts.Name)

	v, err := w.detect(ctx)
	switch {
	case err != nil:
		w.errors.Add(1)
		log.Warn("watch: initial version check failed", "error", err)
	case w.opts.Immediate:
		w.fire(ctx, log, action, v)
	default:
		w.setVersion(v)
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var debounce *time.Timer
	var debounceCh <-chan time.Time
	pending := int64(-1)

	log.Debug("watch: started", "interval", w.opts.Interval, "debounce", w.opts.Debounce)

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			log.Debug("watch: stopped")
			return

		case <-ticker.C:
			w.checks.Add(1)
			cur, err := w.detect(ctx)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				w.errors.Add(1)
				log.Warn("watch: version check failed", "error", err)
				continue
			}
			if cur == w.version.Load() || cur == pending {
				continue
			}
			w.changes.Add(1)
			pending = cur
			if w.opts.Debounce <= 0 {
				w.fire(ctx, log, action, pending)
				pending = -1
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(w.opts.Debounce)
			debounceCh = debounce.C

		case <-debounceCh:
			debounceCh = nil
			if pending >= 0 {
				w.fire(ctx, log, action, pending)
				pending = -1
			}
		}
	}
}

// WaitForVersion blocks until an action for a version >= target succeeded
// or ctx expires.
func (w *Watcher) WaitForVersion(ctx context.Context, target int64) error {
	if w.version.Load() >= target {
		return nil
	}

	done := ctx.Done()
	w.versionMu.Lock()
	defer w.versionMu.Unlock()

	for w.version.Load() < target {
		ch := make(chan struct{})
		go func() {
			select {
			case <-done:
				w.versionMu.Lock()
				w.versionCond.Broadcast()
				w.versionMu.Unlock()
			case <-ch:
			}
		}()

		w.versionCond.Wait()
		close(ch)

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (w *Watcher) fire(ctx context.Context, log *slog.Logger, action func(context.Context) error, ver int64) {
	start := time.Now()
	if err := action(ctx); err != nil {
		w.errors.Add(1)
		log.Warn("watch: action failed", "error", err, "version", ver)
		return
	}
	elapsed := time.Since(start)
	w.fired.Add(1)
	w.firedNs.Add(int64(elapsed))
	w.setVersion(ver)
	log.Debug("watch: action done", "version", ver, "duration", elapsed)
}

func (w *Watcher) setVersion(v int64) {
	w.versionMu.Lock()
	w.version.Store(v)
	w.versionCond.Broadcast()
	w.versionMu.Unlock()
}

// DataVersion reads PRAGMA data_version, which moves whenever another
// connection writes to the same SQLite file.
func DataVersion(db *sql.DB) Detector {
	return func(ctx context.Context) (int64, error) {
		var v int64
		err := db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
		return v, err
	}
}

// MaxColumn polls MAX(column) on a table, 0 when empty. Identifiers are quoted.
func MaxColumn(db *sql.DB, table, column string) Detector {
	query := "SELECT COALESCE(MAX(" + quoteIdent(column) + "), 0) FROM " + quoteIdent(table)
	return func(ctx context.Context) (int64, error) {
		var v int64
		err := db.QueryRowContext(ctx, query).Scan(&v)
		return v, err
	}
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
