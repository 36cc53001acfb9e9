package localstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/clubroll/clubroll/internal/localstore/kv"
	"github.com/clubroll/clubroll/internal/model"
)

func TestMigrateLegacyKeys(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "clubroll.db")

	db, err := kv.Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Put(ctx, KeyParticipants, []byte(`[{"id":"p1","club_id":"c1","first_name":"Ada","last_name":""}]`)))
	require.NoError(t, db.Put(ctx, "members", []byte(`[
		{"id":"p1","club_id":"c1","first_name":"Duplicate","last_name":""},
		{"id":"p2","club_id":"c1","first_name":"Brian","last_name":""}
	]`)))
	require.NoError(t, db.Put(ctx, "attendance", []byte(`[{"id":"a1","session_id":"s1","participant_id":"p2","date":"2024-03-01","status":"present"}]`)))
	require.NoError(t, db.Close())

	logger, _ := test.NewNullLogger()
	s, err := Open(ctx, path, &Options{Logger: logger})
	require.NoError(t, err)
	defer s.Close()

	participants, err := s.Participants(ctx, model.ID{})
	require.NoError(t, err)
	require.Len(t, participants, 2)
	byID := map[string]string{}
	for _, p := range participants {
		byID[p.ID.String()] = p.FirstName
	}
	assert.Equal(t, map[string]string{"p1": "Ada", "p2": "Brian"}, byID)

	records, err := s.Attendance(ctx, model.ID{}, "")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.Remote("a1"), records[0].ID)

	keys, err := s.db.Keys(ctx)
	require.NoError(t, err)
	assert.NotContains(t, keys, "members")
	assert.NotContains(t, keys, "attendance")
	assert.Contains(t, keys, "migrated:members")
	assert.Contains(t, keys, "migrated:enrollments")

	moved, err := s.MigrateLegacyKeys(ctx)
	require.NoError(t, err)
	assert.Zero(t, moved, "second run is a no-op")

	participants, err = s.Participants(ctx, model.ID{})
	require.NoError(t, err)
	assert.Len(t, participants, 2)
}

func TestToken_RoundTrip(t *testing.T) {
	s := openTestStore(t, newClock())
	ctx := context.Background()

	tok, err := s.LoadToken(ctx)
	require.NoError(t, err)
	assert.Nil(t, tok)

	expiry := time.Date(2024, 3, 1, 19, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveToken(ctx, &oauth2.Token{
		AccessToken:  "access",
		RefreshToken: "refresh",
		TokenType:    "Bearer",
		Expiry:       expiry,
	}))

	tok, err = s.LoadToken(ctx)
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Equal(t, "access", tok.AccessToken)
	assert.Equal(t, "refresh", tok.RefreshToken)
	assert.True(t, expiry.Equal(tok.Expiry))

	require.NoError(t, s.ClearToken(ctx))
	tok, err = s.LoadToken(ctx)
	require.NoError(t, err)
	assert.Nil(t, tok)
}
