package detector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aretw0/introspection"
	"github.com/aretw0/lifecycle"
	"github.com/juju/clock"

	"github.com/roach88/postpulse/internal/metrics"
	"github.com/roach88/postpulse/internal/post"
)

// DefaultInterval is the scan period used when none is configured.
const DefaultInterval = 5 * time.Second

// ErrScanInProgress is returned by Scan when another scan holds the guard.
var ErrScanInProgress = errors.New("scan already in progress")

// Source lists every watched record with all watched fields populated.
// Implemented by store.Store and pgstore.Source.
type Source interface {
	ListAll(ctx context.Context) ([]post.Post, error)
}

// Entry is the last-known state of one record.
type Entry struct {
	UpdatedAt   time.Time
	Fingerprint string
	Payload     []byte // JSON of the post as last seen
}

// ScanResult summarizes one scan.
type ScanResult struct {
	Seen     int // records listed
	Observed int // first observations (no event)
	Updated  int
	Removed  int
	Changes  []post.Change
}

// Detector is the polling change detector.
//
// Thread-safety model:
//   - Start, Stop, Reset, Scan, Stats: safe from any goroutine
//   - snapshot is only mutated inside the scan guard, under mu
//   - sink calls happen outside mu
type Detector struct {
	source      Source
	sink        post.Sink
	clock       clock.Clock
	logger      *slog.Logger
	metrics     *metrics.Metrics
	emitDeletes bool

	scanning atomic.Bool

	mu         sync.Mutex
	snapshot   map[int64]Entry
	running    bool
	generation uint64 // invalidates timers armed before the last Stop/Reset
	interval   time.Duration
	timer      clock.Timer
	runCtx     context.Context
	lastCheck  time.Time
	scanCount  int64
	lastErr    error
}

// Option configures a Detector.
type Option func(*Detector)

// WithClock sets the clock that drives the schedule and stamps changes.
func WithClock(clk clock.Clock) Option {
	return func(d *Detector) {
		d.clock = clk
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(d *Detector) {
		d.logger = logger
	}
}

// WithMetrics records scans and changes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Detector) {
		d.metrics = m
	}
}

// WithDeletionEvents makes the detector emit a deleted change, carrying the
// last-seen payload, when a record disappears from the listing.
// Off by default: removal then only drops the snapshot entry.
func WithDeletionEvents(enabled bool) Option {
	return func(d *Detector) {
		d.emitDeletes = enabled
	}
}

// New creates a stopped detector reading from source and reporting to sink.
func New(source Source, sink post.Sink, opts ...Option) *Detector {
	if sink == nil {
		sink = post.Discard
	}
	d := &Detector{
		source:   source,
		sink:     sink,
		clock:    clock.WallClock,
		logger:   slog.Default(),
		snapshot: make(map[int64]Entry),
		interval: DefaultInterval,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start begins periodic scanning: one scan right away, then one every
// interval. Calling Start while running logs and returns nil.
//
// Cancelling ctx stops the schedule at the next tick.
func (d *Detector) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("start detector: interval must be positive, got %s", interval)
	}

	d.mu.Lock()
	if d.running {
		current := d.interval
		d.mu.Unlock()
		d.logger.Info("change detector already running", "interval", current)
		return nil
	}
	d.running = true
	d.interval = interval
	d.runCtx = ctx
	d.armLocked()
	d.mu.Unlock()

	d.logger.Info("change detector started", "interval", interval)
	lifecycle.Go(ctx, func(ctx context.Context) error {
		d.runScan(ctx)
		return nil
	}, lifecycle.WithErrorHandler(func(err error) {
		d.logger.Error("change detector scan panic", "error", err)
	}))
	return nil
}

// Stop cancels the schedule. An in-flight scan is allowed to finish.
// Safe to call when not running.
func (d *Detector) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.generation++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()

	d.logger.Info("change detector stopped")
}

// Reset changes the scan interval. A running detector re-arms its timer
// with the new interval; a stopped one just remembers it.
func (d *Detector) Reset(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("reset detector: interval must be positive, got %s", interval)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.interval == interval {
		return nil
	}
	d.interval = interval
	if d.running {
		if d.timer != nil {
			d.timer.Stop()
		}
		d.armLocked()
	}
	d.logger.Info("change detector interval changed", "interval", interval)
	return nil
}

// armLocked schedules the next tick. Caller holds mu.
func (d *Detector) armLocked() {
	d.generation++
	gen := d.generation
	ctx := d.runCtx
	d.timer = d.clock.AfterFunc(d.interval, func() {
		d.tick(ctx, gen)
	})
}

// tick re-arms the timer before scanning so the period does not drift with
// scan duration. A tick that finds a scan still running is skipped.
func (d *Detector) tick(ctx context.Context, gen uint64) {
	if ctx.Err() != nil {
		d.Stop()
		return
	}

	d.mu.Lock()
	if !d.running || d.generation != gen {
		d.mu.Unlock()
		return
	}
	d.armLocked()
	d.mu.Unlock()

	d.runScan(ctx)
}

// runScan performs one scheduled scan. Errors are logged, never returned:
// a failed scan must not stop the schedule.
func (d *Detector) runScan(ctx context.Context) {
	result, err := d.Scan(ctx)
	switch {
	case errors.Is(err, ErrScanInProgress):
		d.logger.Debug("previous scan still running, skipping tick")
	case err != nil:
		d.logger.Error("change detector scan failed", "error", err)
	case len(result.Changes) > 0 || result.Removed > 0:
		d.logger.Debug("change detector scan",
			"seen", result.Seen,
			"observed", result.Observed,
			"updated", result.Updated,
			"removed", result.Removed,
		)
	}
}

// Scan runs one scan now and reports detected changes to the sink.
//
// Returns ErrScanInProgress if another scan holds the guard. On a listing
// error the snapshot is left unchanged.
func (d *Detector) Scan(ctx context.Context) (ScanResult, error) {
	if !d.scanning.CompareAndSwap(false, true) {
		d.metrics.ObserveScan(metrics.ScanSkipped, 0, 0)
		return ScanResult{}, ErrScanInProgress
	}
	defer d.scanning.Store(false)

	started := d.clock.Now()
	posts, err := d.source.ListAll(ctx)
	if err != nil {
		d.mu.Lock()
		d.lastErr = err
		d.mu.Unlock()
		d.metrics.ObserveScan(metrics.ScanError, d.clock.Now().Sub(started), 0)
		return ScanResult{}, fmt.Errorf("scan posts: %w", err)
	}

	result, tracked := d.apply(posts, d.clock.Now())
	d.metrics.ObserveScan(metrics.ScanOK, d.clock.Now().Sub(started), tracked)

	for _, change := range result.Changes {
		d.metrics.ObserveChange(string(change.Kind), string(change.Source))
		d.sink.PostChanged(ctx, change)
	}
	return result, nil
}

// marshalPayload encodes the snapshot payload of a post.
var marshalPayload = func(p post.Post) ([]byte, error) {
	return json.Marshal(p)
}

// scanned is a listed post with its precomputed fingerprint and payload.
type scanned struct {
	post        post.Post
	fingerprint string
	payload     []byte
}

// apply diffs posts against the snapshot and updates it in one critical
// section. Fingerprints and payloads are computed before taking the lock.
func (d *Detector) apply(posts []post.Post, now time.Time) (ScanResult, int) {
	prepared := make([]scanned, 0, len(posts))
	current := make(map[int64]struct{}, len(posts))
	for _, p := range posts {
		// A listed record is present even if it cannot be diffed this scan.
		current[p.ID] = struct{}{}
		payload, err := marshalPayload(p)
		if err != nil {
			d.logger.Error("marshal post payload", "post_id", p.ID, "error", err)
			continue
		}
		prepared = append(prepared, scanned{
			post:        p,
			fingerprint: post.Fingerprint(p),
			payload:     payload,
		})
	}

	result := ScanResult{Seen: len(posts)}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, s := range prepared {
		entry := Entry{
			UpdatedAt:   s.post.UpdatedAt,
			Fingerprint: s.fingerprint,
			Payload:     s.payload,
		}

		prev, ok := d.snapshot[s.post.ID]
		if !ok {
			d.snapshot[s.post.ID] = entry
			result.Observed++
			continue
		}
		if prev.Fingerprint == s.fingerprint && prev.UpdatedAt.Equal(s.post.UpdatedAt) {
			continue
		}

		d.snapshot[s.post.ID] = entry
		result.Updated++
		result.Changes = append(result.Changes, post.Change{
			Kind:   post.ChangeUpdated,
			Post:   s.post,
			Source: post.SourcePoll,
			At:     now,
		})
	}

	for id, entry := range d.snapshot {
		if _, ok := current[id]; ok {
			continue
		}
		delete(d.snapshot, id)
		result.Removed++

		if !d.emitDeletes {
			continue
		}
		var last post.Post
		if err := json.Unmarshal(entry.Payload, &last); err != nil {
			d.logger.Error("decode snapshot payload", "post_id", id, "error", err)
			continue
		}
		result.Changes = append(result.Changes, post.Change{
			Kind:   post.ChangeDeleted,
			Post:   last,
			Source: post.SourcePoll,
			At:     now,
		})
	}

	d.lastCheck = now
	d.lastErr = nil
	d.scanCount++
	return result, len(d.snapshot)
}

// Entry returns a copy of the snapshot entry for id.
func (d *Detector) Entry(id int64) (Entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.snapshot[id]
	return e, ok
}

// Stats is the administrative view of the detector.
type Stats struct {
	IsRunning          bool       `json:"isRunning"`
	TrackedRecordCount int        `json:"trackedRecordCount"`
	LastCheckTime      *time.Time `json:"lastCheckTime"`
	Interval           string     `json:"interval"`
	ScanCount          int64      `json:"scanCount"`
	LastError          string     `json:"lastError,omitempty"`
}

// Stats returns a point-in-time copy of the detector state.
// LastCheckTime is the completion time of the last successful scan.
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Stats{
		IsRunning:          d.running,
		TrackedRecordCount: len(d.snapshot),
		Interval:           d.interval.String(),
		ScanCount:          d.scanCount,
	}
	if !d.lastCheck.IsZero() {
		t := d.lastCheck
		s.LastCheckTime = &t
	}
	if d.lastErr != nil {
		s.LastError = d.lastErr.Error()
	}
	return s
}

// IsRunning reports whether the schedule is active.
func (d *Detector) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// State implements introspection.Introspectable.
func (d *Detector) State() any {
	return d.Stats()
}

// ComponentType implements introspection.Component.
func (d *Detector) ComponentType() string {
	return "change-detector"
}

var _ introspection.Introspectable = (*Detector)(nil)
var _ introspection.Component = (*Detector)(nil)
