package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnst/lume-outbox/internal/model"
	"github.com/jnst/lume-outbox/internal/repository"
	"github.com/jnst/lume-outbox/internal/service"
)

type stubSyncer struct {
	summary *model.RunSummary
	err     error
	userID  string
}

func (s *stubSyncer) Trigger(_ context.Context, userID string) (*model.RunSummary, error) {
	s.userID = userID
	return s.summary, s.err
}

type stubConnectivity struct {
	online *bool
}

func (s *stubConnectivity) SetOnline(online bool) { s.online = &online }

type testServer struct {
	handler http.Handler
	syncer  *stubSyncer
	conn    *stubConnectivity
	outbox  repository.OutboxRepository
}

func newTestServer(t *testing.T, withConnectivity bool) *testServer {
	t.Helper()

	store, err := repository.OpenSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	outbox := repository.NewSQLiteOutboxRepository(store.DB())
	entities := service.NewEntityServiceImpl(
		repository.NewSQLiteEntityRepository(store.DB()),
		outbox,
		repository.NewSQLiteTransactionManager(store.DB()),
		5,
	)

	ts := &testServer{
		syncer: &stubSyncer{summary: &model.RunSummary{Trigger: model.TriggerExplicit, Runs: 1}},
		outbox: outbox,
	}

	var conn ConnectivitySetter
	if withConnectivity {
		ts.conn = &stubConnectivity{}
		conn = ts.conn
	}

	ts.handler = NewAPIServer(entities, service.NewHousekeepingServiceImpl(outbox, 0), ts.syncer, conn).Routes()

	return ts
}

func (ts *testServer) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	return rec
}

func TestEntityEndpoints(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(t, http.MethodPost, "/entities/mood_entry",
		`{"user_id":"u1","payload":{"valence":0.7,"labels":["happy"]}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var created struct {
		ID   string           `json:"id"`
		Kind model.EntityKind `json:"kind"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)
	assert.Equal(t, model.EntityKindMoodEntry, created.Kind)

	rec = ts.do(t, http.MethodGet, "/entities/mood_entry/"+created.ID, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"valence":0.7`)

	rec = ts.do(t, http.MethodPut, "/entities/mood_entry/"+created.ID,
		`{"user_id":"u1","payload":{"valence":-0.2,"labels":["tired"]}}`)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodDelete, "/entities/mood_entry/"+created.ID+"?user_id=u1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	pending, err := ts.outbox.FetchPending(context.Background(), model.PendingQuery{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, model.EventTypeCreateMoodEntry, pending[0].EventType)
	assert.Equal(t, model.EventTypeUpdateMoodEntry, pending[1].EventType)
	assert.Equal(t, model.EventTypeDeleteMoodEntry, pending[2].EventType)
}

func TestEntityEndpointErrors(t *testing.T) {
	ts := newTestServer(t, false)

	tests := []struct {
		name   string
		method string
		target string
		body   string
		want   int
	}{
		{name: "unknown kind", method: http.MethodPost, target: "/entities/sleep", body: `{"user_id":"u1","payload":{}}`, want: http.StatusBadRequest},
		{name: "malformed body", method: http.MethodPost, target: "/entities/goal", body: `{`, want: http.StatusBadRequest},
		{name: "missing payload", method: http.MethodPost, target: "/entities/goal", body: `{"user_id":"u1"}`, want: http.StatusBadRequest},
		{name: "payload type mismatch", method: http.MethodPost, target: "/entities/goal", body: `{"user_id":"u1","payload":{"title":7}}`, want: http.StatusBadRequest},
		{
			name: "invalid payload", method: http.MethodPost, target: "/entities/mood_entry",
			body: `{"user_id":"u1","payload":{"valence":3,"labels":["x"]}}`, want: http.StatusBadRequest,
		},
		{
			name: "missing user", method: http.MethodPost, target: "/entities/journal_entry",
			body: `{"payload":{"content":"hi"}}`, want: http.StatusBadRequest,
		},
		{name: "get missing", method: http.MethodGet, target: "/entities/goal/nope", want: http.StatusNotFound},
		{
			name: "update missing", method: http.MethodPut, target: "/entities/goal/nope",
			body: `{"user_id":"u1","payload":{"goal_type":"habit","title":"walk"}}`, want: http.StatusNotFound,
		},
		{name: "delete without user", method: http.MethodDelete, target: "/entities/goal/nope", want: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, tt.method, tt.target, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestSyncEndpoint(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(t, http.MethodPost, "/sync?user_id=u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", ts.syncer.userID)
	assert.Contains(t, rec.Body.String(), `"runs":1`)

	ts.syncer.summary = &model.RunSummary{Aborted: model.AbortAuthExpired}
	ts.syncer.err = model.ErrReauthenticationRequired
	rec = ts.do(t, http.MethodPost, "/sync", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), `"aborted":"auth_expired"`)

	ts.syncer.err = errors.New("database is locked")
	rec = ts.do(t, http.MethodPost, "/sync", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "locked")
}

func TestOutboxEndpoints(t *testing.T) {
	ts := newTestServer(t, false)
	ctx := context.Background()

	rec := ts.do(t, http.MethodGet, "/outbox/failed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/outbox/failed?limit=-1", "").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/outbox/missing", "").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/outbox/missing/retry", "").Code)

	rec = ts.do(t, http.MethodPost, "/entities/mood_entry", `{"user_id":"u1","payload":{"valence":0.1,"labels":["ok"]}}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	pending, err := ts.outbox.FetchPending(ctx, model.PendingQuery{})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	id := pending[0].ID

	rec = ts.do(t, http.MethodGet, "/outbox/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"pending"`)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodDelete, "/outbox/"+id, "").Code, "pending events cannot be discarded")

	require.NoError(t, ts.outbox.UpdateStatus(ctx, id, model.StatusUpdate{
		Status: model.EventStatusFailed, ErrorMessage: "rejected", Attempt: model.AttemptExhaust,
	}))

	rec = ts.do(t, http.MethodGet, "/outbox/failed?user_id=u1&limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), id)

	assert.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/outbox/"+id+"/retry", "").Code)

	require.NoError(t, ts.outbox.UpdateStatus(ctx, id, model.StatusUpdate{
		Status: model.EventStatusFailed, Attempt: model.AttemptExhaust,
	}))
	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/outbox/"+id, "").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/outbox/"+id, "").Code)
}

func TestConnectivityEndpoint(t *testing.T) {
	probed := newTestServer(t, false)
	assert.Equal(t, http.StatusConflict, probed.do(t, http.MethodPut, "/connectivity", `{"online":true}`).Code)

	ts := newTestServer(t, true)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPut, "/connectivity", `{}`).Code)

	rec := ts.do(t, http.MethodPut, "/connectivity", `{"online":false}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, ts.conn.online)
	assert.False(t, *ts.conn.online)
}

func TestHealthCheck(t *testing.T) {
	rec := newTestServer(t, false).do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
