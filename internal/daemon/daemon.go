// Package daemon runs background reconciliation for a local database.
//
// The daemon:
//  1. Runs one sync cycle on start
//  2. Starts the engine's periodic auto-sync
//  3. Watches the database file and triggers a cycle once writes settle
//  4. Handles graceful shutdown
//
// Writes made by the cycle itself also reach the watcher; the engine's
// minimum interval drops the cycles they would trigger.
package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Syncer is the reconciliation engine as seen by the daemon.
// *sync.Engine implements it.
type Syncer interface {
	SyncNow(ctx context.Context) bool
	StartAutoSync(ctx context.Context)
	StopAutoSync()
}

// Config holds configuration for the daemon.
type Config struct {
	// DebounceInterval is how long the database must stay quiet before a
	// change triggers a cycle. This batches rapid writes together.
	DebounceInterval time.Duration

	// Logger for daemon activity
	Logger logrus.FieldLogger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 2 * time.Second,
		Logger:           logrus.StandardLogger(),
	}
}

// Daemon ties the file watcher to the sync engine.
type Daemon struct {
	syncer Syncer
	dbPath string
	config *Config
	logger logrus.FieldLogger

	watcher       *FileWatcher
	changeQueue   map[string]time.Time // path -> last event
	changeQueueMu sync.Mutex
	triggered     int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a new Daemon instance.
//
// The daemon requires:
//   - syncer: the reconciliation engine
//   - dbPath: path of the local SQLite database
//
// Use Start() to begin watching and syncing. A nil config uses
// DefaultConfig.
func New(syncer Syncer, dbPath string, config *Config) (*Daemon, error) {
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if dbPath == "" {
		return nil, fmt.Errorf("dbPath cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}

	watcher, err := NewFileWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		syncer:      syncer,
		dbPath:      dbPath,
		config:      config,
		logger:      config.Logger.WithField("component", "daemon"),
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// The daemon will:
//  1. Run an initial sync cycle
//  2. Start periodic auto-sync
//  3. Watch the database for changes
//  4. Trigger a cycle for settled changes
//
// This blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.WithField("db", d.dbPath).Info("Starting daemon")

	if !d.syncer.SyncNow(d.ctx) {
		d.logger.Info("Initial sync skipped (not signed in or debounced)")
	}

	d.wg.Add(2)
	if err := d.watcher.Start(d.dbPath); err != nil {
		d.wg.Add(-2)
		return fmt.Errorf("failed to watch database: %w", err)
	}

	d.syncer.StartAutoSync(d.ctx)

	go d.watchFileEvents()
	go d.processChangeQueue()

	select {
	case <-ctx.Done():
		d.logger.Info("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. It is safe to call more than once.
func (d *Daemon) Stop() error {
	d.once.Do(func() {
		d.logger.Info("Stopping daemon")

		d.cancel()

		if err := d.watcher.Stop(); err != nil {
			d.logger.WithError(err).Warn("Error closing watcher")
		}

		d.wg.Wait()
		d.syncer.StopAutoSync()

		d.logger.Info("Daemon stopped")
	})
	return nil
}

// watchFileEvents queues database changes.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			d.logger.WithFields(logrus.Fields{"op": event.Op, "path": event.Path}).Debug("Database changed")
			d.queueChange(event.Path)

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.logger.WithError(err).Warn("Watcher error")
		}
	}
}

// queueChange records a change, restarting its debounce window.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now()
}

// processChangeQueue triggers cycles for settled changes.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if d.takeSettledChanges() {
				d.trigger()
			}
		}
	}
}

// takeSettledChanges reports whether the database has been quiet for the
// debounce interval since its last change, and clears the queue if so.
func (d *Daemon) takeSettledChanges() bool {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	if len(d.changeQueue) == 0 {
		return false
	}
	now := time.Now()
	for _, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			return false
		}
	}
	clear(d.changeQueue)
	return true
}

func (d *Daemon) trigger() {
	d.changeQueueMu.Lock()
	d.triggered++
	d.changeQueueMu.Unlock()

	if d.syncer.SyncNow(d.ctx) {
		d.logger.Debug("Change-triggered sync ran")
	}
}

// Triggered returns how many settled change batches have triggered a cycle
// request.
func (d *Daemon) Triggered() int {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()
	return d.triggered
}
