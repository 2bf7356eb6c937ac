// Package storage implements an in-memory persistence layer for the example
// server. This might be the layer for accessing your database; in this
// example everything is handled in-memory.
package storage

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"

	"github.com/go-jose/go-jose/v3"
	"github.com/google/uuid"

	"github.com/opkit/backauth/pkg/oidc"
	"github.com/opkit/backauth/pkg/op"
)

// Client is a static client registration.
type Client struct {
	ID                   string
	Secret               string
	Confidential         bool
	DeliveryMode         oidc.DeliveryMode
	NotificationEndpoint string
	UserCodeSupported    bool
	Scopes               []string
}

func (c *Client) GetID() string                              { return c.ID }
func (c *Client) IsConfidential() bool                       { return c.Confidential }
func (c *Client) GrantTypes() []oidc.GrantType               { return []oidc.GrantType{oidc.GrantTypeCIBA} }
func (c *Client) BackchannelDeliveryMode() oidc.DeliveryMode { return c.DeliveryMode }
func (c *Client) BackchannelNotificationEndpoint() string    { return c.NotificationEndpoint }
func (c *Client) BackchannelUserCodeSupported() bool         { return c.UserCodeSupported }
func (c *Client) AllowedScopes() []string                    { return c.Scopes }

// User is an end user known to the server.
type User struct {
	Subject  string
	Login    string
	UserCode string
}

type signingKey struct {
	id  string
	key *rsa.PrivateKey
}

func (s *signingKey) SignatureAlgorithm() jose.SignatureAlgorithm { return jose.RS256 }
func (s *signingKey) Key() any                                    { return s.key }
func (s *signingKey) ID() string                                  { return s.id }

// Storage keeps clients, users and the signing key in memory.
type Storage struct {
	mu      sync.RWMutex
	clients map[string]*Client
	users   map[string]*User
	key     *signingKey
}

// New creates a Storage pre-filled with example registrations and a fresh
// signing key.
func New() (*Storage, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	s := &Storage{
		clients: make(map[string]*Client),
		users:   make(map[string]*User),
		key: &signingKey{
			id:  uuid.NewString(),
			key: key,
		},
	}
	s.RegisterClient(&Client{
		ID:           "web",
		Secret:       "secret",
		Confidential: true,
		DeliveryMode: oidc.DeliveryModePoll,
	})
	s.RegisterClient(&Client{
		ID:           "device",
		DeliveryMode: oidc.DeliveryModePoll,
	})
	s.AddUser(&User{
		Subject:  "id1",
		Login:    "test-user@example.com",
		UserCode: "1234",
	})
	return s, nil
}

func (s *Storage) RegisterClient(client *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client.ID] = client
}

func (s *Storage) AddUser(user *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.Login] = user
}

func (s *Storage) GetClientByClientID(_ context.Context, clientID string) (op.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	client, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("client %s not found", clientID)
	}
	return client, nil
}

func (s *Storage) AuthorizeClientIDSecret(_ context.Context, clientID, clientSecret string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	client, ok := s.clients[clientID]
	if !ok {
		return fmt.Errorf("client %s not found", clientID)
	}
	if client.Secret != clientSecret {
		return errors.New("wrong client secret")
	}
	return nil
}

func (s *Storage) ResolveUserHint(_ context.Context, hint op.UserHint) (string, error) {
	if hint.Kind != op.UserHintLogin {
		return "", fmt.Errorf("%s is not supported by this server", hint.Kind)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[hint.Value]
	if !ok {
		return "", fmt.Errorf("no user for login %s", hint.Value)
	}
	return user.Subject, nil
}

func (s *Storage) CheckUserCode(_ context.Context, subject, userCode string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, user := range s.users {
		if user.Subject == subject {
			if user.UserCode != userCode {
				return errors.New("wrong user code")
			}
			return nil
		}
	}
	return fmt.Errorf("no user with subject %s", subject)
}

func (s *Storage) SigningKey(context.Context) (op.SigningKey, error) {
	return s.key, nil
}

func (s *Storage) Health(context.Context) error {
	return nil
}
