package op

import (
	"context"

	"github.com/go-jose/go-jose/v3"
)

// UserHintKind discriminates the three ways a client can identify the end
// user in a backchannel authentication request.
type UserHintKind int

const (
	UserHintLogin UserHintKind = iota
	UserHintLoginToken
	UserHintIDToken
)

func (k UserHintKind) String() string {
	switch k {
	case UserHintLogin:
		return "login_hint"
	case UserHintLoginToken:
		return "login_hint_token"
	case UserHintIDToken:
		return "id_token_hint"
	}
	return "unknown"
}

// UserHint is one user identity hint taken from the request.
type UserHint struct {
	Kind  UserHintKind
	Value string
}

// SigningKey is the key material the provider signs tokens and push
// payloads with.
type SigningKey interface {
	SignatureAlgorithm() jose.SignatureAlgorithm
	Key() any
	ID() string
}

// Storage is the persistence collaborator of the provider. Pending
// backchannel authentication requests are NOT stored here; they are owned
// by the flow engine. Storage keeps the long-lived entities: clients,
// users and keys.
type Storage interface {
	// GetClientByClientID loads a Client. The returned error is checked
	// with errors.Is, so it should wrap oidc errors where appropriate.
	GetClientByClientID(ctx context.Context, clientID string) (Client, error)

	// AuthorizeClientIDSecret verifies the credentials of a confidential
	// client.
	AuthorizeClientIDSecret(ctx context.Context, clientID, clientSecret string) error

	// ResolveUserHint maps a hint to exactly one known user subject.
	// It must fail for unknown or ambiguous hints.
	ResolveUserHint(ctx context.Context, hint UserHint) (subject string, err error)

	// CheckUserCode verifies the secret user code for the given subject.
	CheckUserCode(ctx context.Context, subject, userCode string) error

	// SigningKey returns the currently active signing key.
	SigningKey(ctx context.Context) (SigningKey, error)

	// Health returns an error if the storage is not usable.
	Health(ctx context.Context) error
}
