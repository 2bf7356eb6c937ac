package op

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opkit/backauth/pkg/ratelimit"
)

func TestNewProvider_InsecureIssuer(t *testing.T) {
	storage := newTestStorage()

	_, err := NewProvider(&Config{}, storage, StaticIssuer("http://op.example.com"))
	require.ErrorIs(t, err, ErrInvalidIssuerHTTPS)

	provider, err := NewProvider(&Config{}, storage, StaticIssuer("http://op.example.com"), WithAllowInsecure())
	require.NoError(t, err)
	defer provider.Close()
	assert.True(t, provider.Insecure())
}

func TestNewProvider_InvalidStatusListBits(t *testing.T) {
	_, err := NewProvider(&Config{StatusListBits: 3}, newTestStorage(), StaticIssuer(testIssuer))
	assert.Error(t, err)
}

func TestWithCustomEndpoints(t *testing.T) {
	_, err := NewProvider(&Config{}, newTestStorage(), StaticIssuer(testIssuer),
		WithCustomEndpoints(&Endpoints{
			BackchannelAuthentication: NewEndpoint("ciba"),
			Token:                     NewEndpoint("token"),
			Revocation:                NewEndpoint("revoke"),
		}))
	require.ErrorIs(t, err, ErrNilEndpoint)

	provider, err := NewProvider(&Config{}, newTestStorage(newPollClient("poll-client")), StaticIssuer(testIssuer),
		WithCustomEndpoints(&Endpoints{
			BackchannelAuthentication: NewEndpoint("ciba"),
			Token:                     NewEndpoint("token"),
			Revocation:                NewEndpoint("revoke"),
			StatusList:                NewEndpoint("status"),
		}))
	require.NoError(t, err)
	defer provider.Close()

	w := postForm(t, provider, "/ciba", initiateForm("poll-client"), nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = postForm(t, provider, "/bc-authorize", initiateForm("poll-client"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProbes(t *testing.T) {
	provider := newTestProvider(t, nil, newTestStorage())

	for _, path := range []string{"/healthz", "/ready"} {
		r := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		provider.HttpHandler().ServeHTTP(w, r)
		require.Equal(t, http.StatusOK, w.Code, path)
		assert.JSONEq(t, `{"status": "ok"}`, w.Body.String(), path)
	}
}

func TestBackchannelAuthentication_RateLimited(t *testing.T) {
	provider := newTestProvider(t, &Config{
		RateLimit: ratelimit.Config{Requests: 2, Period: time.Minute},
	}, newTestStorage(newPollClient("poll-client")))

	for i := 0; i < 2; i++ {
		w := postForm(t, provider, "/bc-authorize", initiateForm("poll-client"), nil)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := postForm(t, provider, "/bc-authorize", initiateForm("poll-client"), nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.JSONEq(t, `{"error": "Too many requests"}`, w.Body.String())

	// the gate sits in front of the flow engine, not behind it
	assert.Equal(t, 2, provider.requests.len())
}
