package op

import (
	"context"
	"crypto"
	"encoding/json"
	"net/http"

	jose "github.com/go-jose/go-jose/v3"

	httphelper "github.com/opkit/backauth/pkg/http"
	"github.com/opkit/backauth/pkg/oidc"
	"github.com/opkit/backauth/pkg/statuslist"
)

func statusListHandler(o *Provider) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "StatusList")
		r = r.WithContext(ctx)
		defer span.End()

		export, err := o.status.Export()
		if err != nil {
			RequestError(w, r, oidc.ErrServerError().WithParent(err), o.Logger())
			return
		}
		httphelper.MarshalJSON(w, export)
	}
}

func revocationHandler(o *Provider) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		Revoke(w, r, o)
	}
}

// Revoke implements token revocation (RFC 7009) backed by the status list:
// revoking a token flips its status list slot to invalid, so relying
// parties holding the published list reject it without a callback. Tokens
// the server cannot attribute are answered with 200 as the RFC demands.
func Revoke(w http.ResponseWriter, r *http.Request, o *Provider) {
	ctx, span := tracer.Start(r.Context(), "Revoke")
	r = r.WithContext(ctx)
	defer span.End()

	client, _, err := authenticateClient(r, o)
	if err != nil {
		RequestError(w, r, err, o.Logger())
		return
	}

	token := r.Form.Get("token")
	if token == "" {
		RequestError(w, r, oidc.ErrInvalidRequest().WithDescription("token missing"), o.Logger())
		return
	}

	claims, err := o.parseAccessTokenClaims(r.Context(), token)
	if err != nil {
		// unknown or foreign tokens are already as good as revoked
		o.logger.InfoContext(r.Context(), "revocation of unparsable token", "client_id", client.GetID(), "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}
	if claims.ClientID != client.GetID() {
		o.logger.WarnContext(r.Context(), "revocation of foreign token", "client_id", client.GetID(), "token_client_id", claims.ClientID)
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := o.status.Set(claims.StatusIndex, statuslist.StatusInvalid); err != nil {
		RequestError(w, r, oidc.ErrServerError().WithParent(err), o.Logger())
		return
	}
	o.logger.InfoContext(r.Context(), "token revoked", "client_id", client.GetID(), "status_idx", claims.StatusIndex)
	w.WriteHeader(http.StatusOK)
}

// parseAccessTokenClaims verifies the token's signature against the active
// signing key and decodes its claims.
func (o *Provider) parseAccessTokenClaims(ctx context.Context, token string) (*oidc.AccessTokenClaims, error) {
	key, err := o.storage.SigningKey(ctx)
	if err != nil {
		return nil, err
	}
	jws, err := jose.ParseSigned(token)
	if err != nil {
		return nil, err
	}
	verifyKey := key.Key()
	if signer, ok := verifyKey.(crypto.Signer); ok {
		verifyKey = signer.Public()
	}
	payload, err := jws.Verify(verifyKey)
	if err != nil {
		return nil, err
	}
	claims := new(oidc.AccessTokenClaims)
	if err := json.Unmarshal(payload, claims); err != nil {
		return nil, err
	}
	return claims, nil
}
