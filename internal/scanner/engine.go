// Package scanner runs the scan-ingestion loop: it polls a tag reader,
// debounces repeat reads, flips presence for known members, provisions new
// tags while registration is armed and periodically closes stale sessions.
package scanner

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"ergroom/internal/dependencies/clock"
	"ergroom/internal/device"
	"ergroom/internal/metrics"
	"ergroom/internal/notify"
	"ergroom/internal/presence"
)

var ErrAlreadyRunning = errors.New("scanner already running")

// Store is the persistence the engine needs.
type Store interface {
	CheckoutStore
	FindMember(ctx context.Context, identifier string) (presence.Member, error)
	IsPendingTag(ctx context.Context, id string) (bool, error)
	Toggle(ctx context.Context, memberID string, now time.Time) (presence.ToggleResult, error)
	AddPendingTag(ctx context.Context, id string, now time.Time) error
}

// Config holds the loop timings. Zero values take the defaults below.
type Config struct {
	ScanInterval        time.Duration
	DebounceWindow      time.Duration
	AutoCheckoutAfter   time.Duration
	SweepInterval       time.Duration
	ErrorBackoff        time.Duration
	RegistrationTimeout time.Duration
	HistorySize         int
}

func (c Config) withDefaults() Config {
	if c.ScanInterval <= 0 {
		c.ScanInterval = 500 * time.Millisecond
	}
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = 5 * time.Second
	}
	if c.AutoCheckoutAfter <= 0 {
		c.AutoCheckoutAfter = 5 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = time.Second
	}
	if c.RegistrationTimeout <= 0 {
		c.RegistrationTimeout = 30 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	return c
}

// Deps are the collaborators of an Engine. Store is required; Open may be nil
// to always run without a device.
type Deps struct {
	Store   Store
	Open    device.Opener
	Sink    notify.Sink
	Clock   clock.Clock
	Metrics *metrics.Metrics
	Log     *zap.Logger
	// NewID mints tag identifiers; defaults to NewTagID.
	NewID func(time.Time) string
}

// Engine owns all scanner state. It is safe for concurrent use.
type Engine struct {
	store   Store
	open    device.Opener
	out     *dispatcher
	clock   clock.Clock
	metrics *metrics.Metrics
	log     *zap.Logger
	cfg     Config
	newID   func(time.Time) string

	debounce *Debouncer
	status   *StatusCache
	sweeper  *Sweeper

	regMu       sync.Mutex
	registering bool
	regGen      uint64
	regSince    time.Time
	regCancel   context.CancelFunc

	runMu sync.Mutex
	stop  context.CancelFunc
	done  chan struct{}
}

func NewEngine(deps Deps, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.NewID == nil {
		deps.NewID = NewTagID
	}
	sweeper := NewSweeper(deps.Store, cfg.AutoCheckoutAfter, deps.Sink, deps.Metrics, deps.Log)
	return &Engine{
		store:    deps.Store,
		open:     deps.Open,
		out:      sweeper.out,
		clock:    deps.Clock,
		metrics:  deps.Metrics,
		log:      deps.Log,
		cfg:      cfg,
		newID:    deps.NewID,
		debounce: NewDebouncer(cfg.DebounceWindow),
		status:   NewStatusCache(cfg.HistorySize),
		sweeper:  sweeper,
	}
}

// Start launches the scan loop. With useDevice the reader is opened first;
// if that fails the engine falls back to an idle loop that still sweeps.
func (e *Engine) Start(useDevice bool) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.done != nil {
		return ErrAlreadyRunning
	}

	var reader device.Reader
	if useDevice && e.open != nil {
		r, err := e.open()
		if err != nil {
			e.log.Warn("scanning device unavailable, running without it", zap.Error(err))
		} else {
			reader = r
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	started := e.clock.Now()
	done := make(chan struct{})
	e.stop, e.done = cancel, done
	e.metrics.ScannerRunning(true)

	go func() {
		defer close(done)
		if reader != nil {
			e.run(ctx, reader, started)
		} else {
			e.runIdle(ctx, started)
		}
	}()
	return nil
}

// Stop ends the scan loop and waits until the reader is released. Stopping a
// stopped engine is a no-op.
func (e *Engine) Stop() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.done == nil {
		return
	}
	e.stop()
	<-e.done
	e.stop, e.done = nil, nil
	e.metrics.ScannerRunning(false)
}

// Flush waits for in-flight notifications. Call it once no more scans can
// arrive, e.g. after the HTTP server has shut down.
func (e *Engine) Flush() { e.out.wait() }

// Running reports whether the scan loop is active.
func (e *Engine) Running() bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.done != nil
}

func (e *Engine) run(ctx context.Context, r device.Reader, lastSweep time.Time) {
	defer func() {
		if err := r.Close(); err != nil {
			e.log.Warn("closing reader", zap.Error(err))
		}
		e.log.Info("scanner stopped")
	}()
	e.log.Info("scanner started")

	for ctx.Err() == nil {
		wait := e.cfg.ScanInterval
		if !e.step(ctx, r) {
			wait = e.cfg.ErrorBackoff
		}
		e.maybeSweep(ctx, &lastSweep)
		if !sleep(ctx, wait) {
			return
		}
	}
}

// runIdle keeps the sweeper on schedule when no reader is available. Scans
// arrive only through SimulateScan and SimulateRegistration.
func (e *Engine) runIdle(ctx context.Context, lastSweep time.Time) {
	e.log.Info("scanner running without a device")
	defer e.log.Info("scanner stopped")

	for ctx.Err() == nil {
		e.expireRegistration()
		e.maybeSweep(ctx, &lastSweep)
		if !sleep(ctx, e.cfg.ScanInterval) {
			return
		}
	}
}

// step runs one poll cycle and reports false when the loop should back off.
func (e *Engine) step(ctx context.Context, r device.Reader) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			e.log.Error("scan cycle panicked", zap.Any("panic", p), zap.Stack("stack"))
			ok = false
		}
	}()

	if e.IsRegistrationMode() {
		e.registerFromReader(ctx, r)
		return true
	}

	tagID, err := r.Poll(ctx)
	switch {
	case errors.Is(err, device.ErrNoTag):
		return true
	case err != nil:
		if ctx.Err() != nil {
			return true
		}
		e.metrics.DeviceError()
		e.log.Warn("tag read failed", zap.Error(err))
		return false
	}
	e.HandleScan(ctx, tagID)
	return true
}

func (e *Engine) maybeSweep(ctx context.Context, last *time.Time) {
	now := e.clock.Now()
	if now.Sub(*last) < e.cfg.SweepInterval {
		return
	}
	*last = now
	defer func() {
		if p := recover(); p != nil {
			e.log.Error("sweep panicked", zap.Any("panic", p))
		}
	}()
	e.debounce.Prune(now)
	if _, err := e.sweeper.Sweep(ctx, now); err != nil && ctx.Err() == nil {
		e.log.Error("sweep failed", zap.Error(err))
	}
}

// Sweep runs the auto-checkout sweep immediately.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	return e.sweeper.Sweep(ctx, e.clock.Now())
}

// HandleScan debounces a tag read and resolves it. Store failures are logged
// and reported as OutcomeFailed.
func (e *Engine) HandleScan(ctx context.Context, tagID string) ScanInfo {
	now := e.clock.Now()
	if !e.debounce.ShouldAccept(tagID, now) {
		e.metrics.Scan(string(OutcomeDebounced))
		return ScanInfo{TagID: tagID, Outcome: OutcomeDebounced, At: now}
	}
	info, _ := e.resolve(ctx, tagID, now)
	return info
}

// SimulateScan resolves identifier as if it had been scanned, bypassing the
// debouncer.
func (e *Engine) SimulateScan(ctx context.Context, identifier string) (ScanInfo, error) {
	return e.resolve(ctx, identifier, e.clock.Now())
}

// LastScan returns the most recent resolved scan.
func (e *Engine) LastScan() (ScanInfo, bool) { return e.status.Last() }

// History returns recent toggles and registrations, newest first.
func (e *Engine) History() []ScanInfo { return e.status.History() }

// resolve looks tagID up as a member, then as a pending tag. Only members are
// mutated.
func (e *Engine) resolve(ctx context.Context, tagID string, now time.Time) (ScanInfo, error) {
	info := ScanInfo{TagID: tagID, At: now}

	member, err := e.store.FindMember(ctx, tagID)
	if err == nil {
		res, terr := e.toggle(ctx, member.ID, now)
		if terr == nil {
			return e.recordToggle(info, res), nil
		}
		err = terr
	}
	if !errors.Is(err, presence.ErrMemberNotFound) {
		return e.recordFailure(info, err), err
	}

	pending, err := e.store.IsPendingTag(ctx, tagID)
	if err != nil {
		return e.recordFailure(info, err), err
	}
	info.Outcome = OutcomeUnknown
	if pending {
		info.Outcome = OutcomePending
		e.log.Info("pending tag scanned, onboarding incomplete", zap.String("tag", tagID))
	} else {
		e.log.Info("unknown tag scanned", zap.String("tag", tagID))
	}
	e.metrics.Scan(string(info.Outcome))
	e.status.Record(info)
	return info, nil
}

func (e *Engine) recordToggle(info ScanInfo, res presence.ToggleResult) ScanInfo {
	name := res.Name
	info.MemberID = res.MemberID
	info.MemberName = &name
	info.Outcome = OutcomeToggled
	info.Action = res.Action
	info.IsPresent = res.IsPresent

	e.metrics.Scan(string(OutcomeToggled))
	e.metrics.Toggle(string(res.Action))
	e.log.Info("presence toggled",
		zap.String("member_id", res.MemberID),
		zap.String("name", res.Name),
		zap.String("action", string(res.Action)),
		zap.Int64("session_seconds", res.SessionSeconds))
	e.status.Record(info)
	return info
}

// toggle flips a member and queues the change before any other commit can
// interleave, so sinks observe one member's changes in commit order.
func (e *Engine) toggle(ctx context.Context, memberID string, now time.Time) (presence.ToggleResult, error) {
	e.out.order.Lock()
	defer e.out.order.Unlock()
	res, err := e.store.Toggle(ctx, memberID, now)
	if err == nil {
		e.out.deliver(res)
	}
	return res, err
}

func (e *Engine) recordFailure(info ScanInfo, err error) ScanInfo {
	info.Outcome = OutcomeFailed
	e.metrics.Scan(string(OutcomeFailed))
	e.log.Error("scan could not be resolved", zap.String("tag", info.TagID), zap.Error(err))
	e.status.Record(info)
	return info
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
