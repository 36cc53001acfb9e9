package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clubroll/clubroll/internal/auth"
	"github.com/clubroll/clubroll/internal/model"
	"github.com/clubroll/clubroll/internal/remote"
)

type recorded struct {
	method string
	path   string
	query  url.Values
	header http.Header
	body   string
}

// fakeAPI records requests and answers with the configured status and body.
type fakeAPI struct {
	mu       sync.Mutex
	requests []recorded
	status   int
	body     string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, recorded{r.Method, r.URL.Path, r.URL.Query(), r.Header.Clone(), string(data)})
	status, body := f.status, f.body
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func (f *fakeAPI) last() recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func (f *fakeAPI) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func newTestClient(t *testing.T, status int, body string) (*Client, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{status: status, body: body}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	logger, _ := test.NewNullLogger()
	c, err := New(Config{
		BaseURL:    srv.URL + "/",
		APIKey:     "anon-key",
		Token:      func(ctx context.Context) (string, error) { return "jwt", nil },
		HTTPClient: srv.Client(),
		Logger:     logger,
	})
	require.NoError(t, err)
	return c, api
}

func TestNew_Validates(t *testing.T) {
	_, err := New(Config{Token: func(context.Context) (string, error) { return "", nil }})
	assert.Error(t, err)
	_, err = New(Config{BaseURL: "http://x"})
	assert.Error(t, err)
}

func TestSelect_EncodesFilters(t *testing.T) {
	c, api := newTestClient(t, http.StatusOK, `[{"id":"c1","name":"Chess","updated_at":"2024-03-01T18:00:00Z"}]`)

	since := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	q := remote.Query{}.Where("owner_id", "u1").In("id", "c1", `we"ird`).Since(since)
	clubs, err := remote.SelectAs[model.Club](context.Background(), c, model.TableClubs, q)
	require.NoError(t, err)
	require.Len(t, clubs, 1)
	assert.Equal(t, model.Remote("c1"), clubs[0].ID)

	req := api.last()
	assert.Equal(t, http.MethodGet, req.method)
	assert.Equal(t, "/rest/v1/clubs", req.path)
	assert.Equal(t, "eq.u1", req.query.Get("owner_id"))
	assert.Equal(t, `in.("c1","we\"ird")`, req.query.Get("id"))
	assert.Equal(t, "gt.2024-03-01T00:00:00Z", req.query.Get("updated_at"))
	assert.Equal(t, "*", req.query.Get("select"))
	assert.Equal(t, "Bearer jwt", req.header.Get("Authorization"))
	assert.Equal(t, "anon-key", req.header.Get("apikey"))
}

func TestInsert_ReturnsRepresentation(t *testing.T) {
	c, api := newTestClient(t, http.StatusCreated, `[{"id":"uuid-1","name":"Chess","created_at":"2024-03-01T18:00:00Z"}]`)

	club, err := remote.InsertAs[model.Club](context.Background(), c, model.TableClubs, map[string]any{"name": "Chess"})
	require.NoError(t, err)
	assert.Equal(t, model.Remote("uuid-1"), club.ID)

	req := api.last()
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "return=representation", req.header.Get("Prefer"))
	assert.JSONEq(t, `{"name":"Chess"}`, req.body)
}

func TestUpdate_EmptyResultIsNotFound(t *testing.T) {
	c, api := newTestClient(t, http.StatusOK, `[]`)

	_, err := c.Update(context.Background(), model.TableSessions, "s1", map[string]any{"start_time": "10:00"})
	assert.ErrorIs(t, err, remote.ErrNotFound)

	req := api.last()
	assert.Equal(t, http.MethodPatch, req.method)
	assert.Equal(t, "eq.s1", req.query.Get("id"))
}

func TestUpsert_OnConflict(t *testing.T) {
	c, api := newTestClient(t, http.StatusOK, `[{"id":"ps-1","participant_id":"p1","session_id":"s1"}]`)

	_, err := c.Upsert(context.Background(), model.TableParticipantSessions,
		map[string]any{"participant_id": "p1", "session_id": "s1"}, "participant_id", "session_id")
	require.NoError(t, err)

	req := api.last()
	assert.Equal(t, "participant_id,session_id", req.query.Get("on_conflict"))
	assert.Equal(t, "resolution=merge-duplicates,return=representation", req.header.Get("Prefer"))
}

func TestDelete(t *testing.T) {
	c, api := newTestClient(t, http.StatusNoContent, ``)
	ctx := context.Background()

	err := c.Delete(ctx, model.TableSessions, remote.Query{})
	require.Error(t, err)
	assert.Zero(t, api.count(), "unfiltered delete never reaches the server")

	require.NoError(t, c.Delete(ctx, model.TableSessions, remote.Query{}.Where("club_id", "c1")))
	req := api.last()
	assert.Equal(t, http.MethodDelete, req.method)
	assert.Equal(t, "eq.c1", req.query.Get("club_id"))
}

func TestErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			body:   `{"message":"JWT expired"}`,
			check: func(t *testing.T, err error) {
				var ae *auth.AuthError
				assert.ErrorAs(t, err, &ae)
				assert.ErrorIs(t, err, auth.ErrUnauthorized)
			},
		},
		{
			name:   "conflict",
			status: http.StatusConflict,
			body:   `{"code":"23505","message":"duplicate key value"}`,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, remote.ErrConflict)
			},
		},
		{
			name:   "server error",
			status: http.StatusInternalServerError,
			body:   `{"message":"boom","details":"disk full"}`,
			check: func(t *testing.T, err error) {
				var re *remote.Error
				require.True(t, errors.As(err, &re))
				assert.Equal(t, http.StatusInternalServerError, re.Status)
				assert.Equal(t, "select", re.Op)
				assert.Contains(t, err.Error(), "boom: disk full")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, tt.status, tt.body)
			_, err := c.Select(context.Background(), model.TableClubs, remote.Query{})
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestTokenFailure(t *testing.T) {
	c, api := newTestClient(t, http.StatusOK, `[]`)
	c.token = func(context.Context) (string, error) {
		return "", &auth.AuthError{Op: "access token", Err: auth.ErrUnauthorized}
	}

	_, err := c.Select(context.Background(), model.TableClubs, remote.Query{})
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
	assert.Zero(t, api.count())
}

func TestInsert_BodyIsJSON(t *testing.T) {
	c, api := newTestClient(t, http.StatusCreated, `[{"id":"x"}]`)
	row, err := remote.Payload(model.Session{ClubID: model.Remote("c1"), DayOfWeek: 0, StartTime: "09:00", EndTime: "10:00"})
	require.NoError(t, err)

	_, err = c.Insert(context.Background(), model.TableSessions, row)
	require.NoError(t, err)

	var sent map[string]any
	require.NoError(t, json.Unmarshal([]byte(api.last().body), &sent))
	assert.NotContains(t, sent, "id")
	assert.Equal(t, "c1", sent["club_id"])
	assert.Equal(t, float64(0), sent["day_of_week"])
}
