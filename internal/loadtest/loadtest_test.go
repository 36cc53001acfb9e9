package loadtest

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clubroll/clubroll/internal/model"
	"github.com/clubroll/clubroll/internal/remote/memstore"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	logger, _ := test.NewNullLogger()
	cfg := DefaultConfig()
	cfg.Devices = 3
	cfg.ClubsPerDevice = 2
	cfg.ParticipantsPerClub = 4
	cfg.Rounds = 2
	cfg.Dir = t.TempDir()
	cfg.Logger = logger
	return cfg
}

func newFleet(t *testing.T, cfg *Config) *Fleet {
	t.Helper()
	f, err := NewFleet(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestNewFleet_Validation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"no devices", func(c *Config) { c.Devices = 0 }},
		{"no clubs", func(c *Config) { c.ClubsPerDevice = 0 }},
		{"no participants", func(c *Config) { c.ParticipantsPerClub = 0 }},
		{"negative rounds", func(c *Config) { c.Rounds = -1 }},
		{"no dir", func(c *Config) { c.Dir = "" }},
		{"no user", func(c *Config) { c.UserID = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.modify(cfg)
			_, err := NewFleet(context.Background(), cfg)
			assert.Error(t, err)
		})
	}

	_, err := NewFleet(context.Background(), nil)
	assert.Error(t, err)
}

func TestConfig_Expected(t *testing.T) {
	cfg := testConfig(t)
	assert.Equal(t, Expected{
		Clubs:        6,
		Sessions:     6,
		Participants: 24,
		Enrollments:  24,
		Attendance:   72,
	}, cfg.Expected())
}

func TestFleet_Populate(t *testing.T) {
	ctx := context.Background()
	f := newFleet(t, testConfig(t))
	require.NoError(t, f.Populate(ctx))

	for _, d := range f.Devices() {
		snap, err := d.Local.Snapshot(ctx)
		require.NoError(t, err)
		assert.Len(t, snap.Clubs, 2)
		assert.Len(t, snap.Sessions, 2)
		assert.Len(t, snap.Participants, 8)
		assert.Len(t, snap.Enrollments, 8)
		assert.Len(t, snap.Attendance, 8)
		for _, club := range snap.Clubs {
			assert.True(t, club.ID.IsLocal())
		}
	}
}

func TestFleet_ConcurrentDevicesConverge(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	rs := memstore.New()
	cfg.Remote = rs
	f := newFleet(t, cfg)

	require.NoError(t, f.Populate(ctx))

	stats, err := f.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, cfg.Devices*cfg.Rounds, stats.Cycles)
	assert.Zero(t, stats.Errors)
	assert.Zero(t, stats.Skipped)
	assert.LessOrEqual(t, stats.Min, stats.P50)
	assert.LessOrEqual(t, stats.P50, stats.Max)

	require.NoError(t, f.Settle(ctx))
	require.NoError(t, f.Verify(ctx))

	want := cfg.Expected()
	assert.Len(t, rs.Rows(model.TableClubs), want.Clubs)
	assert.Len(t, rs.Rows(model.TableParticipants), want.Participants)
	assert.Len(t, rs.Rows(model.TableAttendance), want.Attendance)
}

func TestFleet_RecoversFromRemoteFailures(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Rounds = 1
	rs := memstore.New()
	cfg.Remote = rs
	f := newFleet(t, cfg)

	require.NoError(t, f.Populate(ctx))

	rs.Fail(memstore.OpUpsert, model.TableAttendance, errors.New("service unavailable"))
	stats, err := f.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, cfg.Devices, stats.Errors, "every device fails to upload attendance")
	assert.Empty(t, rs.Rows(model.TableAttendance))

	rs.ClearFailures()
	require.NoError(t, f.Settle(ctx))
	require.NoError(t, f.Verify(ctx))
	assert.Len(t, rs.Rows(model.TableAttendance), cfg.Expected().Attendance)
}

func TestFleet_VerifyDetectsMissingRecords(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	f := newFleet(t, cfg)

	require.NoError(t, f.Populate(ctx))
	err := f.Verify(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote holds 0 clubs")
}

func TestComputeLatencyStats(t *testing.T) {
	durations := make([]time.Duration, 0, 100)
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}

	stats := computeLatencyStats(durations)
	assert.Equal(t, time.Millisecond, stats.Min)
	assert.Equal(t, 100*time.Millisecond, stats.Max)
	assert.Equal(t, 50500*time.Microsecond, stats.Mean)
	assert.Equal(t, 51*time.Millisecond, stats.P50)
	assert.Equal(t, 96*time.Millisecond, stats.P95)
	assert.Equal(t, 100*time.Millisecond, stats.P99)
	assert.Equal(t, 100, stats.Cycles)
	assert.Equal(t, 100*time.Millisecond, durations[0], "input is not reordered")

	assert.Equal(t, &LatencyStats{}, computeLatencyStats(nil))
}

func TestLatencyStats_Print(t *testing.T) {
	var buf bytes.Buffer
	stats := computeLatencyStats([]time.Duration{2 * time.Millisecond, 4 * time.Millisecond})
	stats.Errors = 1
	stats.Print(&buf)

	out := buf.String()
	assert.Contains(t, out, "Cycles:        2")
	assert.Contains(t, out, "Errors:        1")
	assert.Contains(t, out, "Max:           4ms")
}
