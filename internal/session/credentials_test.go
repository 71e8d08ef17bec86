package session

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnst/lume-outbox/internal/model"
)

const loginURL = "https://api.lume.test/api/v1/auth/login"

func TestStaticCredentials(t *testing.T) {
	token, err := NewStaticCredentials("tok").Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok", token)

	_, err = NewStaticCredentials("").Token(context.Background())
	assert.ErrorIs(t, err, model.ErrNoSession)
}

func newMockedLogin(t *testing.T, email, password string) *LoginCredentials {
	t.Helper()

	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	t.Cleanup(httpmock.DeactivateAndReset)

	return NewLoginCredentials("https://api.lume.test", "key-1", email, password, client)
}

func TestLoginCredentialsCachesUntilExpiry(t *testing.T) {
	creds := newMockedLogin(t, "a@lume.test", "secret")
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	creds.now = func() time.Time { return now }

	issued := 0
	httpmock.RegisterResponder(http.MethodPost, loginURL, func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "key-1", req.Header.Get("X-API-Key"))

		var body loginRequest
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, loginRequest{Email: "a@lume.test", Password: "secret"}, body)

		issued++

		return httpmock.NewJsonResponse(http.StatusOK, map[string]any{
			"data": map[string]any{"access_token": "tok-" + string(rune('0'+issued)), "expires_in": 3600},
		})
	})

	ctx := context.Background()

	token, err := creds.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)

	now = now.Add(50 * time.Minute)
	token, err = creds.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)

	// Renewed ahead of the backend's expiry.
	now = now.Add(9*time.Minute + 31*time.Second)
	token, err = creds.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", token)

	creds.Invalidate()
	token, err = creds.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-3", token)
	assert.Equal(t, 3, httpmock.GetTotalCallCount())
}

func TestLoginCredentialsRejected(t *testing.T) {
	creds := newMockedLogin(t, "a@lume.test", "wrong")
	httpmock.RegisterResponder(http.MethodPost, loginURL,
		httpmock.NewStringResponder(http.StatusUnauthorized, `{"error":"invalid credentials"}`))

	_, err := creds.Token(context.Background())
	assert.ErrorIs(t, err, model.ErrNoSession)
}

func TestLoginCredentialsServerError(t *testing.T) {
	creds := newMockedLogin(t, "a@lume.test", "secret")
	httpmock.RegisterResponder(http.MethodPost, loginURL,
		httpmock.NewStringResponder(http.StatusServiceUnavailable, "maintenance"))

	_, err := creds.Token(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, model.ErrNoSession)
	assert.Contains(t, err.Error(), "maintenance")
}

func TestLoginCredentialsMissingToken(t *testing.T) {
	creds := newMockedLogin(t, "a@lume.test", "secret")
	httpmock.RegisterResponder(http.MethodPost, loginURL,
		httpmock.NewStringResponder(http.StatusOK, `{"data":{}}`))

	_, err := creds.Token(context.Background())
	assert.ErrorIs(t, err, model.ErrNoSession)
}

func TestLoginCredentialsWithoutAccount(t *testing.T) {
	creds := newMockedLogin(t, "", "")

	_, err := creds.Token(context.Background())
	assert.ErrorIs(t, err, model.ErrNoSession)
	assert.Zero(t, httpmock.GetTotalCallCount())
}
