// Package loadtest simulates several devices of one coach syncing against a
// shared remote store at the same time.
//
// Each device has its own local database and engine. Devices create their
// own clubs, record attendance between cycles and sync concurrently; after a
// settling round every device must hold the same records, all promoted to
// remote ids.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	gosync "sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/clubroll/clubroll/internal/auth"
	"github.com/clubroll/clubroll/internal/localstore"
	"github.com/clubroll/clubroll/internal/model"
	"github.com/clubroll/clubroll/internal/remote"
	"github.com/clubroll/clubroll/internal/remote/memstore"
	clubsync "github.com/clubroll/clubroll/internal/sync"
)

// Config sizes a simulated fleet.
type Config struct {
	Devices             int
	ClubsPerDevice      int
	ParticipantsPerClub int

	// Rounds is how many cycles each device runs during Run. Every round
	// also records one more attendance date per session.
	Rounds int

	// Dir holds the device databases.
	Dir string

	// Remote is shared by all devices. Nil uses an in-memory store.
	Remote remote.Store

	UserID string
	Logger logrus.FieldLogger
}

// DefaultConfig returns a small fleet.
func DefaultConfig() *Config {
	return &Config{
		Devices:             5,
		ClubsPerDevice:      2,
		ParticipantsPerClub: 10,
		Rounds:              3,
		UserID:              "loadtest-user",
		Logger:              logrus.StandardLogger(),
	}
}

func (c *Config) validate() error {
	switch {
	case c.Devices <= 0:
		return fmt.Errorf("devices must be positive")
	case c.ClubsPerDevice <= 0:
		return fmt.Errorf("clubs per device must be positive")
	case c.ParticipantsPerClub <= 0:
		return fmt.Errorf("participants per club must be positive")
	case c.Rounds < 0:
		return fmt.Errorf("rounds cannot be negative")
	case c.Dir == "":
		return fmt.Errorf("dir is required")
	case c.UserID == "":
		return fmt.Errorf("user id is required")
	}
	return nil
}

// Expected is the record count every device holds once the fleet has
// converged.
type Expected struct {
	Clubs        int
	Sessions     int
	Participants int
	Enrollments  int
	Attendance   int
}

// Expected returns the converged counts for this configuration.
func (c *Config) Expected() Expected {
	clubs := c.Devices * c.ClubsPerDevice
	participants := clubs * c.ParticipantsPerClub
	return Expected{
		Clubs:        clubs,
		Sessions:     clubs,
		Participants: participants,
		Enrollments:  participants,
		Attendance:   participants * (c.Rounds + 1),
	}
}

// Device is one installation in the fleet.
type Device struct {
	Name   string
	Local  *localstore.Store
	Engine *clubsync.Engine
}

// Fleet is a set of devices sharing one remote store and one signed-in user.
type Fleet struct {
	config  *Config
	remote  remote.Store
	devices []*Device
	base    time.Time
}

type staticSession struct{ session auth.Session }

func (s staticSession) GetSession(ctx context.Context) *auth.Session {
	session := s.session
	return &session
}

// NewFleet opens a database and engine per device. Engines run without a
// minimum interval so every requested cycle runs.
func NewFleet(ctx context.Context, config *Config) (*Fleet, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid load test config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}
	rs := config.Remote
	if rs == nil {
		rs = memstore.New()
	}

	f := &Fleet{
		config: config,
		remote: rs,
		base:   time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 0, -config.Rounds-1),
	}
	sessions := staticSession{auth.Session{UserID: config.UserID, Email: config.UserID + "@example.com"}}

	for i := 0; i < config.Devices; i++ {
		name := fmt.Sprintf("device-%02d", i)
		logger := config.Logger.WithField("device", name)

		local, err := localstore.Open(ctx, filepath.Join(config.Dir, name+".db"), &localstore.Options{Logger: logger})
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to open %s: %w", name, err)
		}
		engine, err := clubsync.New(local, rs, sessions, &clubsync.Config{
			MinInterval: 0,
			Logger:      logger,
		})
		if err != nil {
			_ = local.Close()
			_ = f.Close()
			return nil, fmt.Errorf("failed to create engine for %s: %w", name, err)
		}
		f.devices = append(f.devices, &Device{Name: name, Local: local, Engine: engine})
	}

	return f, nil
}

// Devices returns the fleet's devices.
func (f *Fleet) Devices() []*Device {
	return f.devices
}

// Remote returns the shared remote store.
func (f *Fleet) Remote() remote.Store {
	return f.remote
}

// Close closes every device database.
func (f *Fleet) Close() error {
	var firstErr error
	for _, d := range f.devices {
		if err := d.Local.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *Fleet) date(round int) string {
	return f.base.AddDate(0, 0, round).Format(model.DateLayout)
}

// Populate creates each device's clubs offline: one weekly session per club,
// its participants all enrolled, and a first attendance sheet.
func (f *Fleet) Populate(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, d := range f.devices {
		g.Go(func() error {
			return f.populate(ctx, d)
		})
	}
	return g.Wait()
}

func (f *Fleet) populate(ctx context.Context, d *Device) error {
	for c := 0; c < f.config.ClubsPerDevice; c++ {
		club, err := d.Local.SaveClub(ctx, model.Club{
			Name:        fmt.Sprintf("%s club %d", d.Name, c),
			Description: "load test",
		})
		if err != nil {
			return fmt.Errorf("%s: failed to create club: %w", d.Name, err)
		}
		session, err := d.Local.SaveSession(ctx, model.Session{
			ClubID:    club.ID,
			DayOfWeek: c % 7,
			StartTime: "18:00",
			EndTime:   "20:00",
		})
		if err != nil {
			return fmt.Errorf("%s: failed to create session: %w", d.Name, err)
		}

		ids := make([]model.ID, 0, f.config.ParticipantsPerClub)
		for p := 0; p < f.config.ParticipantsPerClub; p++ {
			participant, err := d.Local.SaveParticipant(ctx, model.Participant{
				ClubID:    club.ID,
				FirstName: fmt.Sprintf("Participant%d", p),
				LastName:  fmt.Sprintf("C%d", c),
			})
			if err != nil {
				return fmt.Errorf("%s: failed to create participant: %w", d.Name, err)
			}
			ids = append(ids, participant.ID)
		}
		if _, err := d.Local.SetSessionParticipants(ctx, session.ID, ids); err != nil {
			return fmt.Errorf("%s: failed to enroll participants: %w", d.Name, err)
		}
	}
	return f.recordAttendance(ctx, d, 0)
}

// recordAttendance writes one sheet per session of the device's own clubs.
// Ids are read back from the store since cycles promote them.
func (f *Fleet) recordAttendance(ctx context.Context, d *Device, round int) error {
	snap, err := d.Local.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("%s: failed to read snapshot: %w", d.Name, err)
	}

	for _, club := range snap.Clubs {
		if !strings.HasPrefix(club.Name, d.Name+" ") {
			continue
		}
		participants := snap.ClubParticipants(club.ID)
		for _, session := range snap.ClubSessions(club.ID) {
			records := make([]model.AttendanceRecord, 0, len(participants))
			for i, p := range participants {
				status := model.StatusPresent
				if (i+round)%3 == 0 {
					status = model.StatusAbsent
				}
				records = append(records, model.AttendanceRecord{
					SessionID:     session.ID,
					ParticipantID: p.ID,
					Date:          f.date(round),
					Status:        status,
				})
			}
			if _, err := d.Local.SaveAttendanceBatch(ctx, records); err != nil {
				return fmt.Errorf("%s: failed to record attendance: %w", d.Name, err)
			}
		}
	}
	return nil
}

// Run has every device run Rounds cycles at the same time, recording a new
// attendance date before each. Cycle latency is measured per device.
func (f *Fleet) Run(ctx context.Context) (*LatencyStats, error) {
	var (
		mu        gosync.Mutex
		durations []time.Duration
		failed    int
		skipped   int
	)

	g, ctx := errgroup.WithContext(ctx)
	for _, d := range f.devices {
		g.Go(func() error {
			for round := 1; round <= f.config.Rounds; round++ {
				if err := f.recordAttendance(ctx, d, round); err != nil {
					return err
				}

				start := time.Now()
				ran := d.Engine.SyncNow(ctx)
				elapsed := time.Since(start)
				st := d.Engine.Status()

				mu.Lock()
				switch {
				case !ran:
					skipped++
				case st.Err != nil || st.Stats.Failed > 0:
					failed++
					durations = append(durations, elapsed)
				default:
					durations = append(durations, elapsed)
				}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	stats := computeLatencyStats(durations)
	stats.Errors = failed
	stats.Skipped = skipped
	return stats, nil
}

// Settle runs one cycle per device, one device at a time, twice over, so
// every device downloads everything the others uploaded.
func (f *Fleet) Settle(ctx context.Context) error {
	for pass := 0; pass < 2; pass++ {
		for _, d := range f.devices {
			if !d.Engine.SyncNow(ctx) {
				return fmt.Errorf("%s: cycle did not run", d.Name)
			}
			if err := d.Engine.Status().Err; err != nil {
				return fmt.Errorf("%s: cycle failed: %w", d.Name, err)
			}
		}
	}
	return nil
}

// Verify checks that every device holds the expected records, none of them
// still local, and that all devices agree on the record ids.
func (f *Fleet) Verify(ctx context.Context) error {
	want := f.config.Expected()

	remoteClubs, err := f.remote.Select(ctx, model.TableClubs, remote.Query{}.Where("owner_id", f.config.UserID))
	if err != nil {
		return fmt.Errorf("failed to list remote clubs: %w", err)
	}
	if len(remoteClubs) != want.Clubs {
		return fmt.Errorf("remote holds %d clubs, want %d", len(remoteClubs), want.Clubs)
	}

	var reference []string
	for _, d := range f.devices {
		snap, err := d.Local.Snapshot(ctx)
		if err != nil {
			return fmt.Errorf("%s: failed to read snapshot: %w", d.Name, err)
		}

		got := Expected{
			Clubs:        len(snap.Clubs),
			Sessions:     len(snap.Sessions),
			Participants: len(snap.Participants),
			Enrollments:  len(snap.Enrollments),
			Attendance:   len(snap.Attendance),
		}
		if got != want {
			return fmt.Errorf("%s: holds %+v, want %+v", d.Name, got, want)
		}

		ids := snapshotIDs(snap)
		for _, id := range ids {
			if strings.HasPrefix(id, model.LocalPrefix) {
				return fmt.Errorf("%s: record %s was never promoted", d.Name, id)
			}
		}
		if reference == nil {
			reference = ids
			continue
		}
		if strings.Join(ids, ",") != strings.Join(reference, ",") {
			return fmt.Errorf("%s: record ids differ from %s", d.Name, f.devices[0].Name)
		}
	}
	return nil
}

func snapshotIDs(snap *localstore.Snapshot) []string {
	var ids []string
	ids = appendIDs(ids, snap.Clubs)
	ids = appendIDs(ids, snap.Sessions)
	ids = appendIDs(ids, snap.Participants)
	ids = appendIDs(ids, snap.Enrollments)
	ids = appendIDs(ids, snap.Attendance)
	sort.Strings(ids)
	return ids
}

func appendIDs[T model.Record](ids []string, rows []T) []string {
	for _, r := range rows {
		ids = append(ids, r.RecordID().String())
	}
	return ids
}

// LatencyStats captures cycle latency across the fleet.
type LatencyStats struct {
	Min  time.Duration `json:"min"`
	Max  time.Duration `json:"max"`
	Mean time.Duration `json:"mean"`
	P50  time.Duration `json:"p50"`
	P95  time.Duration `json:"p95"`
	P99  time.Duration `json:"p99"`

	// Cycles counts cycles that ran, failed ones included.
	Cycles  int `json:"cycles"`
	Errors  int `json:"errors"`
	Skipped int `json:"skipped"`

	Durations []time.Duration `json:"-"`
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:       sorted[0],
		Max:       sorted[len(sorted)-1],
		Mean:      sum / time.Duration(len(durations)),
		P50:       sorted[len(sorted)*50/100],
		P95:       sorted[len(sorted)*95/100],
		P99:       sorted[len(sorted)*99/100],
		Cycles:    len(durations),
		Durations: sorted,
	}
}

// Print writes the statistics as a short report.
func (s *LatencyStats) Print(w io.Writer) {
	fmt.Fprintf(w, "Sync cycle latency:\n")
	fmt.Fprintf(w, "  Cycles:        %d\n", s.Cycles)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Skipped:       %d\n", s.Skipped)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
