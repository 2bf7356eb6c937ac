package oidc

// DeliveryMode determines how the outcome of a backchannel authentication
// request reaches the client, as defined in CIBA Section 5.
type DeliveryMode string

const (
	// DeliveryModePoll lets the client repeatedly query the token endpoint.
	DeliveryModePoll DeliveryMode = "poll"
	// DeliveryModePing notifies the client that it should poll once.
	DeliveryModePing DeliveryMode = "ping"
	// DeliveryModePush delivers the tokens directly to the client's
	// notification endpoint.
	DeliveryModePush DeliveryMode = "push"
)

// Valid reports whether m is one of the three registered delivery modes.
func (m DeliveryMode) Valid() bool {
	switch m {
	case DeliveryModePoll, DeliveryModePing, DeliveryModePush:
		return true
	}
	return false
}

// BackchannelAuthenticationRequest represents a request to the backchannel
// authentication endpoint as defined in CIBA Section 7.1.
//
// Note: Client authentication (client_secret, client_assertion) is handled
// separately via HTTP Basic Auth or POST body - NOT in this struct.
type BackchannelAuthenticationRequest struct {
	// Scopes is a space-delimited list of requested scopes
	Scopes SpaceDelimitedArray `schema:"scope"`

	// ClientNotificationToken is the bearer token the server presents when
	// calling the client's notification endpoint. Required for ping and
	// push delivery modes.
	ClientNotificationToken string `schema:"client_notification_token,omitempty"`

	// LoginHint is a hint to the authorization server about the login
	// identifier the end-user might use to log in
	LoginHint string `schema:"login_hint,omitempty"`

	// LoginHintToken is a token containing information identifying the
	// end-user for whom authentication is being requested
	LoginHintToken string `schema:"login_hint_token,omitempty"`

	// IDTokenHint is an ID Token previously issued to the client, used as a
	// hint identifying the end-user
	IDTokenHint string `schema:"id_token_hint,omitempty"`

	// BindingMessage is a human-readable identifier or message intended to be
	// displayed on both the consumption device and the authentication device.
	// Max 20 characters per CIBA Section 7.1
	BindingMessage string `schema:"binding_message,omitempty"`

	// UserCode is a secret code used to authorize the backchannel
	// authentication request
	UserCode string `schema:"user_code,omitempty"`

	// RequestedExpiry is a positive integer allowing the client to request
	// the expires_in value for the auth_req_id (in seconds)
	RequestedExpiry int `schema:"requested_expiry,omitempty"`

	// ClientID is the OAuth 2.0 Client Identifier (for public clients)
	ClientID string `schema:"client_id"`
}

// UserHints returns the identity hints set on the request.
// Exactly one of them must be present for the request to be valid.
func (r *BackchannelAuthenticationRequest) UserHints() []string {
	hints := make([]string, 0, 3)
	if r.LoginHint != "" {
		hints = append(hints, r.LoginHint)
	}
	if r.LoginHintToken != "" {
		hints = append(hints, r.LoginHintToken)
	}
	if r.IDTokenHint != "" {
		hints = append(hints, r.IDTokenHint)
	}
	return hints
}

// BackchannelAuthenticationResponse represents the successful response from
// the backchannel authentication endpoint as defined in CIBA Section 7.3.
type BackchannelAuthenticationResponse struct {
	// AuthReqID is a unique identifier to identify the authentication request
	// made by the client
	AuthReqID string `json:"auth_req_id"`

	// ExpiresIn is the expiration time of the auth_req_id in seconds
	ExpiresIn int `json:"expires_in"`

	// Interval is the minimum amount of time in seconds that the client
	// should wait between polling requests to the token endpoint.
	// Only required for poll mode.
	Interval int `json:"interval,omitempty"`
}

// BackchannelTokenRequest represents a token request using the CIBA grant
// type. The client polls the token endpoint with the auth_req_id until the
// authentication is complete.
type BackchannelTokenRequest struct {
	// GrantType must be urn:openid:params:grant-type:ciba
	GrantType GrantType `schema:"grant_type"`

	// AuthReqID is the unique identifier received from the backchannel
	// authentication endpoint
	AuthReqID string `schema:"auth_req_id"`
}

// BackchannelPushPayload is the signed body POSTed to the client's
// notification endpoint for push mode delivery of a granted request
// (CIBA Section 10.3.1).
type BackchannelPushPayload struct {
	AuthReqID    string `json:"auth_req_id"`
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    uint64 `json:"expires_in"`
	IDToken      string `json:"id_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// BackchannelPushError is the body POSTed to the client's notification
// endpoint when a push mode request terminates without tokens
// (CIBA Section 12).
type BackchannelPushError struct {
	AuthReqID        string `json:"auth_req_id"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// BackchannelPingPayload is the body POSTed to the client's notification
// endpoint in ping mode, telling the client the request reached a terminal
// state and should be polled once (CIBA Section 10.2).
type BackchannelPingPayload struct {
	AuthReqID string `json:"auth_req_id"`
}
