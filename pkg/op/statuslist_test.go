package op

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opkit/backauth/pkg/oidc"
	"github.com/opkit/backauth/pkg/statuslist"
)

func fetchStatusList(t *testing.T, provider *Provider) *statuslist.Decoded {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, "/statuslist", nil)
	w := httptest.NewRecorder()
	provider.HttpHandler().ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	export := new(statuslist.Export)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), export))
	decoded, err := statuslist.Decode(export)
	require.NoError(t, err)
	return decoded
}

func grantedTokens(t *testing.T, provider *Provider, clientID string) (*oidc.AccessTokenResponse, uint64) {
	t.Helper()
	authReqID := initiate(t, provider, initiateForm(clientID), nil)
	require.Equal(t, StateGranted, complete(t, provider, authReqID, true))

	request, ok := provider.requests.get(authReqID)
	require.True(t, ok)
	idx, ok := request.StatusIndex()
	require.True(t, ok)
	return request.Tokens(), idx
}

func TestStatusListEndpoint(t *testing.T) {
	provider := newTestProvider(t, nil, newTestStorage(newPollClient("poll-client")))

	decoded := fetchStatusList(t, provider)
	assert.Zero(t, decoded.Size())

	_, idx := grantedTokens(t, provider, "poll-client")

	decoded = fetchStatusList(t, provider)
	status, err := decoded.Get(idx)
	require.NoError(t, err)
	assert.Equal(t, statuslist.StatusValid, status)

	// slots outside the published list fail closed
	_, err = decoded.Get(idx + 1)
	assert.Error(t, err)
}

func TestRevocation(t *testing.T) {
	pollClient := newPollClient("poll-client")
	otherClient := newPollClient("other-client")
	provider := newTestProvider(t, nil, newTestStorage(pollClient, otherClient))

	tokens, idx := grantedTokens(t, provider, "poll-client")

	t.Run("foreign client cannot revoke", func(t *testing.T) {
		w := postForm(t, provider, "/revoke",
			authenticateForm("other-client", url.Values{"token": {tokens.AccessToken}}), nil)
		require.Equal(t, http.StatusOK, w.Code)

		status, err := provider.StatusList().Get(idx)
		require.NoError(t, err)
		assert.Equal(t, statuslist.StatusValid, status)
	})

	t.Run("owner revokes", func(t *testing.T) {
		w := postForm(t, provider, "/revoke",
			authenticateForm("poll-client", url.Values{"token": {tokens.AccessToken}}), nil)
		require.Equal(t, http.StatusOK, w.Code)

		status, err := provider.StatusList().Get(idx)
		require.NoError(t, err)
		assert.Equal(t, statuslist.StatusInvalid, status)

		decoded := fetchStatusList(t, provider)
		published, err := decoded.Get(idx)
		require.NoError(t, err)
		assert.Equal(t, statuslist.StatusInvalid, published)
	})

	t.Run("revocation is idempotent", func(t *testing.T) {
		w := postForm(t, provider, "/revoke",
			authenticateForm("poll-client", url.Values{"token": {tokens.AccessToken}}), nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("garbage token is accepted", func(t *testing.T) {
		w := postForm(t, provider, "/revoke",
			authenticateForm("poll-client", url.Values{"token": {"not-a-jwt"}}), nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("token missing", func(t *testing.T) {
		w := postForm(t, provider, "/revoke",
			authenticateForm("poll-client", nil), nil)
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "invalid_request", decodeError(t, w.Body.Bytes())["error"])
	})
}

func TestRevokedTokenStaysRevokedAfterExpiry(t *testing.T) {
	provider := newTestProvider(t, &Config{
		Backchannel: BackchannelAuthenticationConfig{GracePeriod: time.Millisecond},
	}, newTestStorage(newPollClient("poll-client")))

	tokens, idx := grantedTokens(t, provider, "poll-client")
	w := postForm(t, provider, "/revoke",
		authenticateForm("poll-client", url.Values{"token": {tokens.AccessToken}}), nil)
	require.Equal(t, http.StatusOK, w.Code)

	// garbage collecting the request must not resurrect the slot
	time.Sleep(5 * time.Millisecond)
	provider.ExpireRequests()
	assert.Zero(t, provider.requests.len())

	status, err := provider.StatusList().Get(idx)
	require.NoError(t, err)
	assert.Equal(t, statuslist.StatusInvalid, status)
}
