package op

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/url"
	"time"

	httphelper "github.com/opkit/backauth/pkg/http"
	"github.com/opkit/backauth/pkg/oidc"
	"github.com/opkit/backauth/pkg/tokenbinding"
)

// BackchannelAuthenticationConfig contains the policy bounds for CIBA
// (Client Initiated Backchannel Authentication).
type BackchannelAuthenticationConfig struct {
	// DefaultLifetime is used when the client sends no requested_expiry.
	// Default: 5 minutes
	DefaultLifetime time.Duration

	// MinLifetime and MaxLifetime bound the client's requested_expiry.
	// Defaults: 10 seconds and 15 minutes
	MinLifetime time.Duration
	MaxLifetime time.Duration

	// PollInterval is the minimum time the client must wait between
	// polling requests. Default: 5 seconds
	PollInterval time.Duration

	// GracePeriod keeps decided requests answerable before they are
	// garbage collected. Default: 5 minutes
	GracePeriod time.Duration

	// SweepInterval is the period of the expiry sweep. Default: 10 seconds
	SweepInterval time.Duration

	// UserCodeRequired demands the user_code parameter from clients that
	// registered support for it.
	UserCodeRequired bool
}

func (c BackchannelAuthenticationConfig) lifetime() time.Duration {
	if c.DefaultLifetime <= 0 {
		return 5 * time.Minute
	}
	return c.DefaultLifetime
}

func (c BackchannelAuthenticationConfig) minLifetime() time.Duration {
	if c.MinLifetime <= 0 {
		return 10 * time.Second
	}
	return c.MinLifetime
}

func (c BackchannelAuthenticationConfig) maxLifetime() time.Duration {
	if c.MaxLifetime <= 0 {
		return 15 * time.Minute
	}
	return c.MaxLifetime
}

func (c BackchannelAuthenticationConfig) pollInterval() time.Duration {
	if c.PollInterval <= 0 {
		return 5 * time.Second
	}
	return c.PollInterval
}

func (c BackchannelAuthenticationConfig) gracePeriod() time.Duration {
	if c.GracePeriod <= 0 {
		return 5 * time.Minute
	}
	return c.GracePeriod
}

func (c BackchannelAuthenticationConfig) sweepInterval() time.Duration {
	if c.SweepInterval <= 0 {
		return 10 * time.Second
	}
	return c.SweepInterval
}

// BackchannelRequestValidator is the extension point for domain-specific
// request validation.
type BackchannelRequestValidator interface {
	// ValidateBackchannelRequest runs before the built-in checks and may
	// reject the request with a specific oidc error.
	ValidateBackchannelRequest(ctx context.Context, req *oidc.BackchannelAuthenticationRequest, client Client) error

	// CompleteBackchannelRequestValidation runs after the built-in checks
	// passed and may add further constraints.
	CompleteBackchannelRequestValidation(ctx context.Context, req *oidc.BackchannelAuthenticationRequest, client Client) error
}

// BackchannelUserNotifier is the extension point dispatching the
// out-of-band notification to the end user's authentication device.
type BackchannelUserNotifier interface {
	NotifyUserDevice(ctx context.Context, request *BackchannelRequest) error
}

// BackchannelPushErrorHandler is the extension point invoked when push
// delivery to a client permanently failed.
type BackchannelPushErrorHandler interface {
	OnPushDeliveryFailure(ctx context.Context, request *BackchannelRequest, err error)
}

// Hooks collects the registered extension points. A nil field means
// "no additional validation" respectively "no notification"; the provider
// never dereferences a nil hook.
type Hooks struct {
	Validator BackchannelRequestValidator
	Notifier  BackchannelUserNotifier
	PushError BackchannelPushErrorHandler
}

// 16 bytes gives 128 bit of entropy,
// resulting in a 22 character base64 encoded string.
const RecommendedAuthReqIDBytes = 16

// NewAuthReqID generates a cryptographically secure auth_req_id.
func NewAuthReqID(nBytes int) (string, error) {
	bytes := make([]byte, nBytes)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

func backchannelAuthenticationHandler(o *Provider) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := BackchannelAuthentication(w, r, o); err != nil {
			RequestError(w, r, err, o.Logger())
		}
	}
}

// BackchannelAuthentication processes a backchannel authentication request:
// it authenticates the client, validates the parameters, creates a pending
// authentication request and, for ping and push modes, dispatches the user
// notification.
func BackchannelAuthentication(w http.ResponseWriter, r *http.Request, o *Provider) error {
	ctx, span := tracer.Start(r.Context(), "BackchannelAuthentication")
	r = r.WithContext(ctx)
	defer span.End()

	client, _, err := authenticateClient(r, o)
	if err != nil {
		return err
	}

	if !ValidateGrantType(client, oidc.GrantTypeCIBA) {
		return oidc.ErrUnauthorizedClient().WithDescription("client missing grant type " + string(oidc.GrantTypeCIBA))
	}

	req, err := ParseBackchannelAuthenticationRequest(r, o, client.GetID())
	if err != nil {
		return err
	}

	boundChannel, err := tokenBindingFromRequest(r)
	if err != nil {
		return err
	}

	response, err := initiateBackchannelAuthentication(r.Context(), req, client, boundChannel, o)
	if err != nil {
		return err
	}

	httphelper.MarshalJSON(w, response)
	return nil
}

// ParseBackchannelAuthenticationRequest decodes and syntactically validates
// a backchannel authentication request.
func ParseBackchannelAuthenticationRequest(r *http.Request, o *Provider, clientID string) (*oidc.BackchannelAuthenticationRequest, error) {
	ctx, span := tracer.Start(r.Context(), "ParseBackchannelAuthenticationRequest")
	r = r.WithContext(ctx)
	defer span.End()

	req := new(oidc.BackchannelAuthenticationRequest)
	if err := o.Decoder().Decode(req, r.Form); err != nil {
		return nil, oidc.ErrInvalidRequest().WithDescription("cannot parse backchannel authentication request").WithParent(err)
	}
	req.ClientID = clientID
	return req, nil
}

// initiateBackchannelAuthentication runs the validation chain and creates
// the pending request. The validator hook runs before the built-in checks
// and again after they passed.
func initiateBackchannelAuthentication(ctx context.Context, req *oidc.BackchannelAuthenticationRequest, client Client, boundChannel *tokenbinding.ID, o *Provider) (*oidc.BackchannelAuthenticationResponse, error) {
	ctx, span := tracer.Start(ctx, "initiateBackchannelAuthentication")
	defer span.End()

	config := o.BackchannelAuthentication()

	if o.hooks.Validator != nil {
		if err := o.hooks.Validator.ValidateBackchannelRequest(ctx, req, client); err != nil {
			return nil, err
		}
	}

	subject, err := validateBackchannelRequest(ctx, req, client, config, o)
	if err != nil {
		return nil, err
	}

	if o.hooks.Validator != nil {
		if err := o.hooks.Validator.CompleteBackchannelRequestValidation(ctx, req, client); err != nil {
			return nil, err
		}
	}

	lifetime := config.lifetime()
	if req.RequestedExpiry > 0 {
		lifetime = time.Duration(req.RequestedExpiry) * time.Second
	}

	authReqID, err := NewAuthReqID(RecommendedAuthReqIDBytes)
	if err != nil {
		return nil, oidc.ErrServerError().WithParent(err)
	}

	now := time.Now()
	request := &BackchannelRequest{
		ID:                      authReqID,
		ClientID:                client.GetID(),
		Issuer:                  IssuerFromContext(ctx),
		Scopes:                  req.Scopes,
		DeliveryMode:            client.BackchannelDeliveryMode(),
		Subject:                 subject,
		BindingMessage:          req.BindingMessage,
		ClientNotificationToken: req.ClientNotificationToken,
		NotificationEndpoint:    client.BackchannelNotificationEndpoint(),
		Expiry:                  now.Add(lifetime),
		Interval:                config.pollInterval(),
		CreatedAt:               now,
		BoundChannel:            boundChannel,
	}
	o.requests.put(request)

	if request.DeliveryMode != oidc.DeliveryModePoll && o.hooks.Notifier != nil {
		if err := o.hooks.Notifier.NotifyUserDevice(ctx, request); err != nil {
			o.requests.remove(authReqID)
			return nil, oidc.ErrServerError().WithDescription("user notification failed").WithParent(err)
		}
	}

	return &oidc.BackchannelAuthenticationResponse{
		AuthReqID: authReqID,
		ExpiresIn: int(lifetime / time.Second),
		Interval:  int(config.pollInterval() / time.Second),
	}, nil
}

// validateBackchannelRequest runs the built-in checks and resolves the user
// hint to a subject.
func validateBackchannelRequest(ctx context.Context, req *oidc.BackchannelAuthenticationRequest, client Client, config BackchannelAuthenticationConfig, o *Provider) (subject string, err error) {
	hint, err := exactlyOneUserHint(req)
	if err != nil {
		return "", err
	}

	subject, err = o.Storage().ResolveUserHint(ctx, hint)
	if err != nil {
		return "", oidc.ErrUnknownUserID().WithParent(err)
	}

	// binding_message max length per CIBA Section 7.1
	if len(req.BindingMessage) > 20 {
		return "", oidc.ErrInvalidBindingMessage().WithDescription("binding_message must not exceed 20 characters")
	}

	if scope, ok := clientAllowsScopes(client, req.Scopes); !ok {
		return "", oidc.ErrInvalidScope().WithDescription("scope %q not allowed for client", scope)
	}

	if err := validateDeliveryMode(req, client); err != nil {
		return "", err
	}

	if req.RequestedExpiry > 0 {
		requested := time.Duration(req.RequestedExpiry) * time.Second
		if requested < config.minLifetime() || requested > config.maxLifetime() {
			return "", oidc.ErrInvalidRequest().WithDescription(
				"requested_expiry must be between %d and %d seconds",
				int(config.minLifetime()/time.Second), int(config.maxLifetime()/time.Second))
		}
	}

	if config.UserCodeRequired && client.BackchannelUserCodeSupported() {
		if req.UserCode == "" {
			return "", oidc.ErrMissingUserCode()
		}
		if err := o.Storage().CheckUserCode(ctx, subject, req.UserCode); err != nil {
			return "", oidc.ErrInvalidUserCode().WithParent(err)
		}
	}

	return subject, nil
}

// exactlyOneUserHint enforces that precisely one identity hint is present.
func exactlyOneUserHint(req *oidc.BackchannelAuthenticationRequest) (UserHint, error) {
	var (
		hint  UserHint
		count int
	)
	if req.LoginHint != "" {
		hint = UserHint{Kind: UserHintLogin, Value: req.LoginHint}
		count++
	}
	if req.LoginHintToken != "" {
		hint = UserHint{Kind: UserHintLoginToken, Value: req.LoginHintToken}
		count++
	}
	if req.IDTokenHint != "" {
		hint = UserHint{Kind: UserHintIDToken, Value: req.IDTokenHint}
		count++
	}
	if count != 1 {
		return UserHint{}, oidc.ErrInvalidRequest().WithDescription("exactly one of login_hint, login_hint_token or id_token_hint must be provided")
	}
	return hint, nil
}

// validateDeliveryMode checks the request parameters against the mode the
// client registered. A mismatch is a validation error, never a silent
// downgrade.
func validateDeliveryMode(req *oidc.BackchannelAuthenticationRequest, client Client) error {
	mode := client.BackchannelDeliveryMode()
	if !mode.Valid() {
		return oidc.ErrInvalidRequest().WithDescription("client has no valid backchannel delivery mode registered")
	}
	switch mode {
	case oidc.DeliveryModePoll:
		if req.ClientNotificationToken != "" {
			return oidc.ErrInvalidRequest().WithDescription("client_notification_token must not be used in poll mode")
		}
	case oidc.DeliveryModePing, oidc.DeliveryModePush:
		if req.ClientNotificationToken == "" {
			return oidc.ErrInvalidRequest().WithDescription("client_notification_token is required for %s mode", mode)
		}
		if client.BackchannelNotificationEndpoint() == "" {
			return oidc.ErrInvalidRequest().WithDescription("client has no notification endpoint registered")
		}
	}
	return nil
}

// tokenBindingFromRequest parses the Sec-Token-Binding header, if present.
// A malformed header is fatal; no part of it may be trusted.
func tokenBindingFromRequest(r *http.Request) (*tokenbinding.ID, error) {
	header := r.Header.Get(tokenbinding.HeaderName)
	if header == "" {
		return nil, nil
	}
	msg, err := tokenbinding.DecodeHeader(header)
	if err != nil {
		return nil, oidc.ErrInvalidRequest().WithDescription("malformed token binding message").WithParent(err)
	}
	provided, ok := msg.Provided()
	if !ok {
		return nil, oidc.ErrInvalidRequest().WithDescription("token binding message misses provided binding")
	}
	return &provided.ID, nil
}

// authenticateClient identifies the calling client from Basic auth or the
// form body and verifies its credentials where required.
func authenticateClient(r *http.Request, o *Provider) (client Client, authenticated bool, err error) {
	if err := r.ParseForm(); err != nil {
		return nil, false, oidc.ErrInvalidRequest().WithDescription("error parsing form").WithParent(err)
	}

	clientID, clientSecret, ok := r.BasicAuth()
	if ok {
		if clientID, err = url.QueryUnescape(clientID); err != nil {
			return nil, false, oidc.ErrInvalidClient().WithDescription("invalid basic auth header")
		}
		if clientSecret, err = url.QueryUnescape(clientSecret); err != nil {
			return nil, false, oidc.ErrInvalidClient().WithDescription("invalid basic auth header")
		}
	} else {
		clientID = r.Form.Get("client_id")
		clientSecret = r.Form.Get("client_secret")
	}
	if clientID == "" {
		return nil, false, oidc.ErrInvalidClient().WithDescription("client_id missing")
	}

	client, err = o.Storage().GetClientByClientID(r.Context(), clientID)
	if err != nil {
		return nil, false, oidc.ErrInvalidClient().WithParent(err)
	}

	if clientSecret != "" {
		if err := o.Storage().AuthorizeClientIDSecret(r.Context(), clientID, clientSecret); err != nil {
			return nil, false, oidc.ErrInvalidClient().WithParent(err)
		}
		authenticated = true
	}

	// CIBA Section 7.1: confidential clients must authenticate
	if client.IsConfidential() && !authenticated {
		return nil, false, oidc.ErrInvalidClient().WithDescription("confidential client must authenticate")
	}

	return client, authenticated, nil
}
