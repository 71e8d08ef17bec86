package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnst/lume-outbox/internal/model"
)

const baseURL = "https://api.lume.test"

func newMockedClient(t *testing.T) (*HTTPClient, *httpmock.MockTransport) {
	t.Helper()

	mock := httpmock.NewMockTransport()

	return NewHTTPClient(baseURL+"/", "key-1", &http.Client{Transport: mock}), mock
}

func TestDeliverCreateMoodEntry(t *testing.T) {
	client, mock := newMockedClient(t)

	mock.RegisterResponder(http.MethodPost, baseURL+"/api/v1/moods",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "Bearer tok", req.Header.Get("Authorization"))
			assert.Equal(t, "key-1", req.Header.Get("X-API-Key"))
			assert.Equal(t, "m1", req.Header.Get("Idempotency-Key"))
			assert.Equal(t, "application/json", req.Header.Get("Content-Type"))

			var body map[string]any
			require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
			assert.Equal(t, 0.7, body["valence"])
			assert.Equal(t, []any{"happy"}, body["labels"])

			return httpmock.NewStringResponse(http.StatusCreated, `{"data":{"id":"bk-42"}}`), nil
		})

	res, err := client.Deliver(context.Background(), &model.DeliveryRequest{
		EventID:     "ev-1",
		EventType:   model.EventTypeCreateMoodEntry,
		EntityID:    "m1",
		IsNewRecord: true,
		Metadata:    model.MoodMetadata{Valence: 0.7, Labels: []string{"happy"}},
		Token:       "tok",
	})
	require.NoError(t, err)
	assert.Equal(t, "bk-42", res.ServerID)
	assert.Equal(t, 1, mock.GetTotalCallCount())
}

func TestDeliverRoutesUpdatesAndDeletes(t *testing.T) {
	client, mock := newMockedClient(t)

	mock.RegisterResponder(http.MethodPut, baseURL+"/api/v1/goals/bk-3",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "ev-2", req.Header.Get("Idempotency-Key"))
			return httpmock.NewStringResponse(http.StatusOK, `{"data":{"goal":{"id":3}}}`), nil
		})
	mock.RegisterResponder(http.MethodDelete, baseURL+"/api/v1/journal/bk-4",
		func(req *http.Request) (*http.Response, error) {
			assert.Empty(t, req.Header.Get("Content-Type"))
			return httpmock.NewStringResponse(http.StatusNoContent, ""), nil
		})

	res, err := client.Deliver(context.Background(), &model.DeliveryRequest{
		EventID:   "ev-2",
		EventType: model.EventTypeUpdateGoal,
		EntityID:  "g1",
		ServerID:  "bk-3",
		Metadata:  model.GoalMetadata{GoalType: "habit", Title: "walk"},
		Token:     "tok",
	})
	require.NoError(t, err)
	assert.Equal(t, "3", res.ServerID)

	res, err = client.Deliver(context.Background(), &model.DeliveryRequest{
		EventID:   "ev-3",
		EventType: model.EventTypeDeleteJournalEntry,
		EntityID:  "j1",
		ServerID:  "bk-4",
		Token:     "tok",
	})
	require.NoError(t, err)
	assert.Empty(t, res.ServerID)
	assert.Equal(t, 2, mock.GetTotalCallCount())
}

func TestDeliverWithoutServerIDDoesNotCall(t *testing.T) {
	client, mock := newMockedClient(t)

	_, err := client.Deliver(context.Background(), &model.DeliveryRequest{
		EventType: model.EventTypeUpdateMoodEntry,
		EntityID:  "m1",
		Metadata:  model.MoodMetadata{Valence: 0, Labels: []string{"x"}},
	})
	assert.Equal(t, model.FailureRetryable, model.ClassifyError(err))
	assert.Zero(t, mock.GetTotalCallCount())
}

func TestDeliverClassifiesFailures(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		class    model.FailureClass
		message  string
		serverID string
	}{
		{name: "expired token", status: 401, body: `{"error":"token expired"}`, class: model.FailureAuthExpired, message: "token expired"},
		{name: "gone", status: 410, class: model.FailureNotFound, message: "Gone"},
		{
			name: "duplicate create", status: 409, body: `{"message":"exists","data":{"mood_entry":{"id":"bk-9"}}}`,
			class: model.FailureConflict, message: "exists", serverID: "bk-9",
		},
		{name: "throttled", status: 429, body: `{"error":{"message":"slow down"}}`, class: model.FailureRetryable, message: "slow down"},
		{name: "server error", status: 502, body: "bad gateway", class: model.FailureRetryable, message: "bad gateway"},
		{name: "rejected", status: 422, body: `{"message":"labels required"}`, class: model.FailureValidationRejected, message: "labels required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, mock := newMockedClient(t)
			mock.RegisterResponder(http.MethodPost, baseURL+"/api/v1/moods",
				httpmock.NewStringResponder(tt.status, tt.body))

			_, err := client.Deliver(context.Background(), &model.DeliveryRequest{
				EventType:   model.EventTypeCreateMoodEntry,
				EntityID:    "m1",
				IsNewRecord: true,
				Metadata:    model.MoodMetadata{Valence: 0, Labels: []string{"x"}},
			})

			var de *model.DeliveryError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tt.class, de.Class)
			assert.Equal(t, tt.status, de.StatusCode)
			assert.Equal(t, tt.message, de.Message)
			assert.Equal(t, tt.serverID, de.ServerID)
		})
	}
}

func TestDeliverNetworkErrorIsRetryable(t *testing.T) {
	client, mock := newMockedClient(t)
	mock.RegisterResponder(http.MethodPost, baseURL+"/api/v1/journal",
		httpmock.NewErrorResponder(errors.New("dial tcp: connection refused")))

	_, err := client.Deliver(context.Background(), &model.DeliveryRequest{
		EventType:   model.EventTypeCreateJournalEntry,
		EntityID:    "j1",
		IsNewRecord: true,
		Metadata:    model.JournalMetadata{Content: "hello"},
	})

	var de *model.DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, model.FailureRetryable, de.Class)
	assert.Zero(t, de.StatusCode)
	assert.Contains(t, de.Message, "connection refused")
}

func TestClassifyStatus(t *testing.T) {
	tests := map[int]model.FailureClass{
		400: model.FailureValidationRejected,
		401: model.FailureAuthExpired,
		403: model.FailureValidationRejected,
		404: model.FailureNotFound,
		408: model.FailureRetryable,
		409: model.FailureConflict,
		410: model.FailureNotFound,
		425: model.FailureRetryable,
		429: model.FailureRetryable,
		500: model.FailureRetryable,
		503: model.FailureRetryable,
		302: model.FailureRetryable,
	}

	for code, want := range tests {
		assert.Equal(t, want, ClassifyStatus(code), "status %d", code)
	}
}

func TestParseServerID(t *testing.T) {
	assert.Equal(t, "a", parseServerID([]byte(`{"data":{"id":"a"}}`), model.EntityKindGoal))
	assert.Equal(t, "12", parseServerID([]byte(`{"data":{"goal":{"id":12}}}`), model.EntityKindGoal))
	assert.Equal(t, "b", parseServerID([]byte(`{"id":"b"}`), model.EntityKindGoal))
	assert.Empty(t, parseServerID([]byte(`not json`), model.EntityKindGoal))
	assert.Empty(t, parseServerID([]byte(`{"data":{"journal_entry":{"id":1}}}`), model.EntityKindGoal))
}
