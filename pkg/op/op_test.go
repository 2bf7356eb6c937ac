package op

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/stretchr/testify/require"

	"github.com/opkit/backauth/pkg/oidc"
)

const testIssuer = "https://op.example.com"

var testKey = func() *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return key
}()

type testSigningKey struct{}

func (testSigningKey) SignatureAlgorithm() jose.SignatureAlgorithm { return jose.RS256 }
func (testSigningKey) Key() any                                    { return testKey }
func (testSigningKey) ID() string                                  { return "key-1" }

type testClient struct {
	id                   string
	confidential         bool
	grantTypes           []oidc.GrantType
	deliveryMode         oidc.DeliveryMode
	notificationEndpoint string
	userCodeSupported    bool
	allowedScopes        []string
}

func (c *testClient) GetID() string                              { return c.id }
func (c *testClient) IsConfidential() bool                       { return c.confidential }
func (c *testClient) GrantTypes() []oidc.GrantType               { return c.grantTypes }
func (c *testClient) BackchannelDeliveryMode() oidc.DeliveryMode { return c.deliveryMode }
func (c *testClient) BackchannelNotificationEndpoint() string    { return c.notificationEndpoint }
func (c *testClient) BackchannelUserCodeSupported() bool         { return c.userCodeSupported }
func (c *testClient) AllowedScopes() []string                    { return c.allowedScopes }

func newPollClient(id string) *testClient {
	return &testClient{
		id:           id,
		grantTypes:   []oidc.GrantType{oidc.GrantTypeCIBA},
		deliveryMode: oidc.DeliveryModePoll,
	}
}

type testStorage struct {
	clients   map[string]*testClient
	secrets   map[string]string
	users     map[string]string
	userCodes map[string]string
}

func newTestStorage(clients ...*testClient) *testStorage {
	s := &testStorage{
		clients:   make(map[string]*testClient),
		secrets:   make(map[string]string),
		users:     map[string]string{"tim@example.com": "subject-tim"},
		userCodes: map[string]string{"subject-tim": "1337"},
	}
	for _, c := range clients {
		s.clients[c.id] = c
	}
	return s
}

func (s *testStorage) GetClientByClientID(_ context.Context, clientID string) (Client, error) {
	client, ok := s.clients[clientID]
	if !ok {
		return nil, errors.New("client not found")
	}
	return client, nil
}

func (s *testStorage) AuthorizeClientIDSecret(_ context.Context, clientID, clientSecret string) error {
	if s.secrets[clientID] != clientSecret {
		return errors.New("invalid secret")
	}
	return nil
}

func (s *testStorage) ResolveUserHint(_ context.Context, hint UserHint) (string, error) {
	if hint.Kind != UserHintLogin {
		return "", errors.New("hint kind not supported")
	}
	subject, ok := s.users[hint.Value]
	if !ok {
		return "", errors.New("user not found")
	}
	return subject, nil
}

func (s *testStorage) CheckUserCode(_ context.Context, subject, userCode string) error {
	if s.userCodes[subject] != userCode {
		return errors.New("wrong user code")
	}
	return nil
}

func (s *testStorage) SigningKey(context.Context) (SigningKey, error) {
	return testSigningKey{}, nil
}

func (s *testStorage) Health(context.Context) error {
	return nil
}

func newTestProvider(t *testing.T, config *Config, storage Storage, opts ...Option) *Provider {
	t.Helper()
	if config == nil {
		config = &Config{}
	}
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(&strings.Builder{}, nil)))}, opts...)
	provider, err := NewProvider(config, storage, StaticIssuer(testIssuer), opts...)
	require.NoError(t, err)
	// retries would only slow the tests down
	provider.pusher.client.RetryMax = 0
	provider.pusher.client.RetryWaitMin = time.Millisecond
	provider.pusher.client.RetryWaitMax = time.Millisecond
	t.Cleanup(provider.Close)
	return provider
}

func complete(t *testing.T, provider *Provider, authReqID string, approved bool) BackchannelRequestState {
	t.Helper()
	state, err := provider.CompleteBackchannelRequest(context.Background(), authReqID, approved)
	require.NoError(t, err)
	return state
}

// postForm sends a form-encoded POST through the full router.
func postForm(t *testing.T, provider *Provider, path string, form url.Values, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for name, values := range header {
		for _, v := range values {
			r.Header.Add(name, v)
		}
	}
	w := httptest.NewRecorder()
	provider.HttpHandler().ServeHTTP(w, r)
	return w
}
