package dashboard

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clubroll/clubroll/internal/localstore"
	"github.com/clubroll/clubroll/internal/model"
	clubsync "github.com/clubroll/clubroll/internal/sync"
)

// StatusSource is the engine as seen by the dashboard.
type StatusSource interface {
	State() clubsync.State
	Status() clubsync.Status
	OnSyncStatusChange(fn func(clubsync.Status)) (unsubscribe func())
}

// Snapshotter reads the local store for statistics.
type Snapshotter interface {
	Snapshot(ctx context.Context) (*localstore.Snapshot, error)
}

// SyncStatusData mirrors an engine status
type SyncStatusData struct {
	IsSyncing bool                `json:"is_syncing"`
	LastSync  *time.Time          `json:"last_sync,omitempty"`
	Error     string              `json:"error,omitempty"`
	Stats     clubsync.CycleStats `json:"stats"`
}

// SyncCompleteData summarizes one finished cycle
type SyncCompleteData struct {
	clubsync.CycleStats
	OK       bool          `json:"ok"`
	Duration time.Duration `json:"duration"`
}

// StatsData contains local store statistics
type StatsData struct {
	Clubs        int `json:"clubs"`
	Sessions     int `json:"sessions"`
	Participants int `json:"participants"`
	Enrollments  int `json:"enrollments"`
	Attendance   int `json:"attendance"`
	// Unsynced counts records still carrying a local id.
	Unsynced int `json:"unsynced"`
}

// StatusResponse is the body of /status
type StatusResponse struct {
	State   string         `json:"state"`
	Sync    SyncStatusData `json:"sync"`
	Cycles  int            `json:"cycles"`
	Clients int            `json:"clients"`
	Store   *StatsData     `json:"store,omitempty"`
}

// Handler subscribes to engine status changes and formats them as dashboard
// messages. It also serves /status.
type Handler struct {
	server *Server
	source StatusSource
	store  Snapshotter
	logger logrus.FieldLogger

	mu      sync.Mutex
	started time.Time
	cycles  int
	stats   *StatsData

	unsubscribe func()
}

// NewHandler connects source to server. store may be nil, in which case no
// store statistics are published. Close releases the subscription.
func NewHandler(server *Server, source StatusSource, store Snapshotter, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	h := &Handler{
		server: server,
		source: source,
		store:  store,
		logger: logger.WithField("component", "dashboard"),
	}
	server.Handle("/status", http.HandlerFunc(h.handleStatus))

	h.refreshStats()
	h.unsubscribe = source.OnSyncStatusChange(h.OnSyncStatus)
	return h
}

// Close stops listening for status changes.
func (h *Handler) Close() {
	h.unsubscribe()
}

// OnSyncStatus handles a published engine status.
func (h *Handler) OnSyncStatus(st clubsync.Status) {
	h.broadcast(MessageTypeSyncStatus, statusData(st))

	h.mu.Lock()
	if st.IsSyncing {
		h.started = time.Now()
		h.mu.Unlock()
		return
	}
	var duration time.Duration
	if !h.started.IsZero() {
		duration = time.Since(h.started)
		h.started = time.Time{}
	}
	h.cycles++
	h.mu.Unlock()

	h.logger.WithFields(logrus.Fields{
		"uploaded":   st.Stats.Uploaded,
		"downloaded": st.Stats.Downloaded,
		"failed":     st.Stats.Failed,
	}).Debug("Sync complete")

	h.broadcast(MessageTypeSyncComplete, SyncCompleteData{
		CycleStats: st.Stats,
		OK:         st.Err == nil,
		Duration:   duration,
	})

	if stats := h.refreshStats(); stats != nil {
		h.broadcast(MessageTypeStats, stats)
	}
}

// refreshStats recomputes store statistics. It returns nil without a store
// or when the snapshot fails.
func (h *Handler) refreshStats() *StatsData {
	if h.store == nil {
		return nil
	}
	snap, err := h.store.Snapshot(context.Background())
	if err != nil {
		h.logger.WithError(err).Warn("Warning: failed to read store statistics")
		return nil
	}

	stats := &StatsData{
		Clubs:        len(snap.Clubs),
		Sessions:     len(snap.Sessions),
		Participants: len(snap.Participants),
		Enrollments:  len(snap.Enrollments),
		Attendance:   len(snap.Attendance),
	}
	stats.Unsynced = countLocal(snap.Clubs) + countLocal(snap.Sessions) +
		countLocal(snap.Participants) + countLocal(snap.Enrollments) + countLocal(snap.Attendance)

	h.mu.Lock()
	h.stats = stats
	h.mu.Unlock()
	return stats
}

// GetStats returns the last computed store statistics, or nil.
func (h *Handler) GetStats() *StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stats == nil {
		return nil
	}
	s := *h.stats
	return &s
}

func (h *Handler) broadcast(typ MessageType, data any) {
	msg, err := NewMessage(typ, data)
	if err != nil {
		h.logger.WithError(err).Error("Failed to build message")
		return
	}
	h.server.Broadcast(msg)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	cycles := h.cycles
	h.mu.Unlock()

	writeJSON(w, StatusResponse{
		State:   h.source.State().String(),
		Sync:    statusData(h.source.Status()),
		Cycles:  cycles,
		Clients: h.server.ClientCount(),
		Store:   h.GetStats(),
	})
}

func countLocal[T model.Record](recs []T) int {
	n := 0
	for _, r := range recs {
		if r.RecordID().IsLocal() {
			n++
		}
	}
	return n
}

func statusData(st clubsync.Status) SyncStatusData {
	data := SyncStatusData{IsSyncing: st.IsSyncing, Stats: st.Stats}
	if !st.LastSync.IsZero() {
		t := st.LastSync
		data.LastSync = &t
	}
	if st.Err != nil {
		data.Error = st.Err.Error()
	}
	return data
}
