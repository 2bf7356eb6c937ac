package op

import (
	"context"
	"net/http"
	"time"

	httphelper "github.com/opkit/backauth/pkg/http"
	"github.com/opkit/backauth/pkg/oidc"
	"github.com/opkit/backauth/pkg/tokenbinding"
)

func tokenHandler(o *Provider) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		Exchange(w, r, o)
	}
}

// Exchange handles a token request and dispatches on the grant_type.
func Exchange(w http.ResponseWriter, r *http.Request, o *Provider) {
	ctx, span := tracer.Start(r.Context(), "Exchange")
	r = r.WithContext(ctx)
	defer span.End()

	if err := r.ParseForm(); err != nil {
		RequestError(w, r, oidc.ErrInvalidRequest().WithDescription("error parsing form").WithParent(err), o.Logger())
		return
	}
	grantType := oidc.GrantType(r.Form.Get("grant_type"))
	switch grantType {
	case oidc.GrantTypeCIBA:
		backchannelTokenExchange(w, r, o)
		return
	case "":
		RequestError(w, r, oidc.ErrInvalidRequest().WithDescription("grant_type missing"), o.Logger())
		return
	}
	RequestError(w, r, oidc.ErrUnsupportedGrantType().WithDescription("%s not supported", grantType), o.Logger())
}

// backchannelTokenExchange handles the CIBA grant on the token endpoint:
// the client presents its auth_req_id and receives either the tokens, a
// polling directive or a terminal error.
func backchannelTokenExchange(w http.ResponseWriter, r *http.Request, o *Provider) {
	if err := BackchannelTokenExchange(w, r, o); err != nil {
		RequestError(w, r, err, o.Logger())
	}
}

func BackchannelTokenExchange(w http.ResponseWriter, r *http.Request, o *Provider) error {
	ctx, span := tracer.Start(r.Context(), "BackchannelTokenExchange")
	r = r.WithContext(ctx)
	defer span.End()

	client, _, err := authenticateClient(r, o)
	if err != nil {
		return err
	}
	if !ValidateGrantType(client, oidc.GrantTypeCIBA) {
		return oidc.ErrUnauthorizedClient().WithDescription("client missing grant type " + string(oidc.GrantTypeCIBA))
	}
	if client.BackchannelDeliveryMode() == oidc.DeliveryModePush {
		return oidc.ErrUnauthorizedClient().WithDescription("clients registered for push delivery must not poll the token endpoint")
	}

	tokenReq := new(oidc.BackchannelTokenRequest)
	if err := o.Decoder().Decode(tokenReq, r.Form); err != nil {
		return oidc.ErrInvalidRequest().WithDescription("cannot parse token request").WithParent(err)
	}
	if tokenReq.AuthReqID == "" {
		return oidc.ErrInvalidRequest().WithDescription("auth_req_id missing")
	}

	boundChannel, err := tokenBindingFromRequest(r)
	if err != nil {
		return err
	}

	response, err := pollBackchannelRequest(ctx, tokenReq.AuthReqID, client, boundChannel, o)
	if err != nil {
		return err
	}
	httphelper.MarshalJSON(w, response)
	return nil
}

// pollBackchannelRequest resolves the auth_req_id and evaluates the request
// state. Unknown and foreign identifiers are indistinguishable to the
// caller.
func pollBackchannelRequest(ctx context.Context, authReqID string, client Client, boundChannel *tokenbinding.ID, o *Provider) (*oidc.AccessTokenResponse, error) {
	_, span := tracer.Start(ctx, "pollBackchannelRequest")
	defer span.End()

	request, ok := o.requests.get(authReqID)
	if !ok || request.ClientID != client.GetID() {
		return nil, oidc.ErrAccessDenied().WithDescription("auth_req_id is unknown")
	}

	if request.BoundChannel != nil {
		if boundChannel == nil || !request.BoundChannel.Equal(*boundChannel) {
			return nil, oidc.ErrInvalidGrant().WithDescription("token binding does not match the authentication request")
		}
	}

	result := request.poll(time.Now())
	switch result.state {
	case StateGranted:
		return result.tokens, nil
	case StateDenied:
		return nil, oidc.ErrAccessDenied()
	case StateExpired:
		return nil, oidc.ErrExpiredToken()
	}
	if result.slowDown {
		return nil, oidc.ErrSlowDown()
	}
	return nil, oidc.ErrAuthorizationPending()
}
