package op

import (
	"slices"

	"github.com/opkit/backauth/pkg/oidc"
)

// Client is the configuration of a registered OAuth2 client as far as the
// backchannel flow is concerned. Registration CRUD is out of scope; the
// provider only reads.
type Client interface {
	GetID() string

	// IsConfidential reports whether the client must authenticate.
	IsConfidential() bool

	// GrantTypes the client is authorized to use. A client without
	// oidc.GrantTypeCIBA is rejected at the backchannel endpoint.
	GrantTypes() []oidc.GrantType

	// BackchannelDeliveryMode is the delivery mode the client registered.
	// A request whose parameters imply a different mode is a validation
	// error, never a silent downgrade.
	BackchannelDeliveryMode() oidc.DeliveryMode

	// BackchannelNotificationEndpoint is the URL the provider calls for
	// ping and push delivery.
	BackchannelNotificationEndpoint() string

	// BackchannelUserCodeSupported reports whether the client can send the
	// user_code parameter.
	BackchannelUserCodeSupported() bool

	// AllowedScopes restricts the scopes the client may request.
	// An empty list allows any scope.
	AllowedScopes() []string
}

// ValidateGrantType checks that the client is authorized to use the grant.
func ValidateGrantType(client Client, grant oidc.GrantType) bool {
	if client == nil {
		return false
	}
	return slices.Contains(client.GrantTypes(), grant)
}

func clientAllowsScopes(client Client, scopes []string) (string, bool) {
	allowed := client.AllowedScopes()
	if len(allowed) == 0 {
		return "", true
	}
	for _, scope := range scopes {
		if !slices.Contains(allowed, scope) {
			return scope, false
		}
	}
	return "", true
}
