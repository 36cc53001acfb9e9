package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/clubroll/clubroll/internal/auth"
	"github.com/clubroll/clubroll/internal/localstore"
	"github.com/clubroll/clubroll/internal/model"
	"github.com/clubroll/clubroll/internal/remote"
)

// Local is the part of the local store the engine reads and rewrites.
// *localstore.Store implements it.
type Local interface {
	Snapshot(ctx context.Context) (*localstore.Snapshot, error)
	PendingDeletes(ctx context.Context) ([]localstore.PendingDelete, error)
	ClearPendingDelete(ctx context.Context, pd localstore.PendingDelete) error

	PromoteClub(ctx context.Context, oldID model.ID, remote model.Club) error
	PromoteSession(ctx context.Context, oldID model.ID, remote model.Session) error
	PromoteParticipant(ctx context.Context, oldID model.ID, remote model.Participant) error
	PromoteEnrollment(ctx context.Context, oldID model.ID, remote model.ParticipantSession) error
	PromoteAttendance(ctx context.Context, oldID model.ID, remote model.AttendanceRecord) error
	AdoptStamps(ctx context.Context, table string, id model.ID, sent time.Time, server model.Timestamps) error

	Merge(ctx context.Context, batch localstore.MergeBatch) (localstore.MergeStats, error)
	LastSync(ctx context.Context) (time.Time, error)
	SetLastSync(ctx context.Context, t time.Time) error
}

var _ Local = (*localstore.Store)(nil)

// SessionSource yields the signed-in session, or nil when offline or signed
// out. *auth.Cache implements it.
type SessionSource interface {
	GetSession(ctx context.Context) *auth.Session
}

// Config holds engine configuration.
type Config struct {
	// MinInterval is the minimum time between the end of one cycle and the
	// start of the next. Requests inside the window are dropped.
	MinInterval time.Duration

	// Interval is the auto-sync period.
	Interval time.Duration

	// RemoteTimeout bounds every remote call.
	RemoteTimeout time.Duration

	Clock  func() time.Time
	Logger logrus.FieldLogger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MinInterval:   30 * time.Second,
		Interval:      5 * time.Minute,
		RemoteTimeout: 15 * time.Second,
		Clock:         time.Now,
		Logger:        logrus.StandardLogger(),
	}
}

// Engine reconciles the local store with the remote store.
type Engine struct {
	local    Local
	remote   remote.Store
	sessions SessionSource
	config   *Config
	logger   logrus.FieldLogger
	metrics  *metrics

	mu        gosync.Mutex
	running   bool
	lastDone  time.Time
	state     State
	status    Status
	listeners map[int]func(Status)
	nextID    int
	cycles    int

	// runMu is held for the duration of a cycle.
	runMu gosync.Mutex

	loop autoSync
}

type autoSync struct {
	gosync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an engine. A nil config uses DefaultConfig.
func New(local Local, rs remote.Store, sessions SessionSource, config *Config) (*Engine, error) {
	if local == nil {
		return nil, fmt.Errorf("local store cannot be nil")
	}
	if rs == nil {
		return nil, fmt.Errorf("remote store cannot be nil")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session source cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.RemoteTimeout <= 0 {
		config.RemoteTimeout = DefaultConfig().RemoteTimeout
	}

	return &Engine{
		local:     local,
		remote:    rs,
		sessions:  sessions,
		config:    config,
		logger:    config.Logger.WithField("component", "sync"),
		metrics:   newMetrics(),
		listeners: make(map[int]func(Status)),
	}, nil
}

// Registry returns the registry holding the engine's metrics.
func (e *Engine) Registry() *prometheus.Registry {
	return e.metrics.registry
}

// State returns the phase of the running cycle, or StateIdle.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Status returns the last published status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// OnSyncStatusChange registers fn to receive every published status. The
// returned func removes the registration.
func (e *Engine) OnSyncStatusChange(fn func(Status)) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++
	e.listeners[id] = fn

	var once gosync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			delete(e.listeners, id)
		})
	}
}

func (e *Engine) publish(st Status) {
	e.mu.Lock()
	e.status = st
	fns := make([]func(Status), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// begin checks and takes the guard in one step.
func (e *Engine) begin() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return false
	}
	if !e.lastDone.IsZero() && e.config.Clock().Sub(e.lastDone) < e.config.MinInterval {
		return false
	}
	e.running = true
	e.cycles++
	return true
}

func (e *Engine) end(completed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.running = false
	e.state = StateIdle
	if completed {
		e.lastDone = e.config.Clock()
	}
}

// SyncNow runs one cycle and reports whether it ran. It returns false when
// another cycle is running, when the previous cycle finished less than
// MinInterval ago, and when nobody is signed in.
//
// The cycle is not cancelled with ctx; each remote call is bounded by
// RemoteTimeout instead.
func (e *Engine) SyncNow(ctx context.Context) bool {
	if !e.begin() {
		e.metrics.cycles.WithLabelValues(resultDebounced).Inc()
		return false
	}

	e.runMu.Lock()
	defer e.runMu.Unlock()

	ctx = context.WithoutCancel(ctx)

	e.setState(StateAuthorizing)
	session := e.sessions.GetSession(ctx)
	if session == nil {
		e.end(false)
		e.metrics.cycles.WithLabelValues(resultUnauthenticated).Inc()
		e.logger.Debug("Skipping sync: not signed in")
		return false
	}

	e.run(ctx, session)
	e.end(true)
	return true
}

func (e *Engine) run(ctx context.Context, session *auth.Session) {
	e.mu.Lock()
	n := e.cycles
	prev := e.status.LastSync
	e.mu.Unlock()

	start := e.config.Clock()
	c := &cycle{
		engine:  e,
		ctx:     ctx,
		logger:  e.logger.WithFields(logrus.Fields{"cycle": n, "user": session.UserID}),
		userID:  session.UserID,
		start:   start,
		skip:    make(map[string]bool),
		tried:   make(map[model.ID]bool),
		adopted: make(map[model.ID]bool),
	}

	e.publish(Status{IsSyncing: true, LastSync: prev})
	c.logger.Info("Starting sync cycle")

	timer := prometheus.NewTimer(e.metrics.duration)
	err := c.run()
	timer.ObserveDuration()

	st := Status{LastSync: prev, Stats: c.stats}
	if st.LastSync.IsZero() {
		st.LastSync = c.since
	}
	switch {
	case err != nil:
		st.Err = err
		e.metrics.cycles.WithLabelValues(resultError).Inc()
		c.logger.WithError(err).Warn("Warning: sync cycle aborted")
	case c.incomplete:
		e.metrics.cycles.WithLabelValues(resultError).Inc()
		c.logger.WithField("failed", c.stats.Failed).Warn("Warning: download incomplete, last sync not advanced")
	default:
		st.LastSync = start
		e.metrics.cycles.WithLabelValues(resultOK).Inc()
		e.metrics.lastSuccess.Set(float64(start.Unix()))
		c.logger.WithFields(logrus.Fields{
			"uploaded":   c.stats.Uploaded,
			"downloaded": c.stats.Downloaded,
			"deleted":    c.stats.Deleted,
			"skipped":    c.stats.Skipped,
			"failed":     c.stats.Failed,
		}).Info("Sync cycle complete")
	}
	e.publish(st)
}

// StartAutoSync runs a cycle every Interval until ctx is cancelled or
// StopAutoSync is called. Calling it while already running does nothing.
func (e *Engine) StartAutoSync(ctx context.Context) {
	e.loop.Lock()
	defer e.loop.Unlock()
	if e.loop.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.loop.cancel = cancel
	e.loop.done = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(e.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.SyncNow(ctx)
			}
		}
	}()
	e.logger.WithField("interval", e.config.Interval).Info("Auto-sync started")
}

// StopAutoSync stops the auto-sync loop and waits for a running cycle to
// finish.
func (e *Engine) StopAutoSync() {
	e.loop.Lock()
	cancel, done := e.loop.cancel, e.loop.done
	e.loop.cancel, e.loop.done = nil, nil
	e.loop.Unlock()

	if cancel != nil {
		cancel()
		<-done
		e.logger.Info("Auto-sync stopped")
	}

	// Wait for a running cycle.
	e.runMu.Lock()
	defer e.runMu.Unlock()
}
