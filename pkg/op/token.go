package op

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	jose "github.com/go-jose/go-jose/v3"
	"github.com/google/uuid"

	"github.com/opkit/backauth/pkg/oidc"
	"github.com/opkit/backauth/pkg/statuslist"
)

// ErrRequestNotFound is returned when the auth_req_id is unknown or already
// garbage collected.
var ErrRequestNotFound = errors.New("backchannel request not found")

// CompleteBackchannelRequest records the outcome of the out-of-band user
// interaction and returns the resulting state. On approval, tokens are
// minted and registered in the status list before the request becomes
// observable as granted; a client polling concurrently sees either pending
// or granted with tokens, never an in-between. Completing an already
// decided request is a no-op returning the earlier outcome. For ping and
// push clients the delivery is dispatched asynchronously after the
// transition committed, so a notification failure cannot undo a grant.
func (o *Provider) CompleteBackchannelRequest(ctx context.Context, authReqID string, approved bool) (BackchannelRequestState, error) {
	ctx, span := tracer.Start(ctx, "CompleteBackchannelRequest")
	defer span.End()

	request, ok := o.requests.get(authReqID)
	if !ok {
		return StatePending, ErrRequestNotFound
	}

	now := time.Now()
	if !approved {
		state, won := request.deny(now)
		if !won {
			return state, nil
		}
		o.logger.InfoContext(ctx, "backchannel request denied", "auth_req_id", authReqID, "client_id", request.ClientID)
		o.dispatchDelivery(request)
		return state, nil
	}

	tokens, statusIdx, err := o.mintTokens(ctx, request)
	if err != nil {
		return request.State(), err
	}

	state, won := request.grant(tokens, statusIdx, now)
	if !won {
		// the slot was registered valid for a grant that never happened
		if setErr := o.status.Set(statusIdx, statuslist.StatusInvalid); setErr != nil {
			o.logger.ErrorContext(ctx, "revoking orphaned status index failed", "index", statusIdx, "error", setErr)
		}
		return state, nil
	}

	o.logger.InfoContext(ctx, "backchannel request granted",
		"auth_req_id", authReqID, "client_id", request.ClientID, "status_idx", statusIdx)
	o.dispatchDelivery(request)
	return state, nil
}

// ExpireRequests runs one expiry sweep and returns the number of requests
// newly transitioned to expired.
func (o *Provider) ExpireRequests() int {
	return o.requests.sweep(time.Now())
}

// mintTokens signs an access token and ID token for the request's subject
// and registers the access token in the status list. The slot is set valid
// before the tokens leave this function.
func (o *Provider) mintTokens(ctx context.Context, request *BackchannelRequest) (*oidc.AccessTokenResponse, uint64, error) {
	ctx, span := tracer.Start(ctx, "mintTokens")
	defer span.End()

	key, err := o.storage.SigningKey(ctx)
	if err != nil {
		return nil, 0, err
	}

	statusIdx := o.status.Allocate()
	if err := o.status.Set(statusIdx, statuslist.StatusValid); err != nil {
		return nil, 0, err
	}

	lifetime := o.config.accessTokenLifetime()
	accessClaims := oidc.NewAccessTokenClaims(
		request.Issuer, request.Subject, uuid.NewString(), request.ClientID,
		[]string{request.ClientID}, request.Scopes, lifetime, statusIdx)
	accessToken, err := signClaims(key, accessClaims)
	if err != nil {
		return nil, 0, err
	}

	response := &oidc.AccessTokenResponse{
		AccessToken: accessToken,
		TokenType:   oidc.BearerToken,
		ExpiresIn:   uint64(lifetime / time.Second),
	}

	if hasOpenIDScope(request.Scopes) {
		now := time.Now()
		idClaims := &oidc.IDTokenClaims{
			Issuer:     request.Issuer,
			Subject:    request.Subject,
			Audience:   []string{request.ClientID},
			Expiration: now.Add(lifetime).Unix(),
			IssuedAt:   now.Unix(),
			AuthTime:   now.Unix(),
		}
		response.IDToken, err = signClaims(key, idClaims)
		if err != nil {
			return nil, 0, err
		}
	}

	return response, statusIdx, nil
}

// dispatchDelivery hands a decided request to the pusher for ping and push
// clients. Poll clients retrieve the outcome themselves.
func (o *Provider) dispatchDelivery(request *BackchannelRequest) {
	switch request.DeliveryMode {
	case oidc.DeliveryModePing, oidc.DeliveryModePush:
		o.pusher.deliver(o, request)
	}
}

func signClaims(key SigningKey, claims any) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: key.SignatureAlgorithm(), Key: key.Key()},
		&jose.SignerOptions{ExtraHeaders: map[jose.HeaderKey]any{"kid": key.ID()}},
	)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return "", err
	}
	return jws.CompactSerialize()
}

func hasOpenIDScope(scopes []string) bool {
	for _, scope := range scopes {
		if scope == oidc.ScopeOpenID {
			return true
		}
	}
	return false
}
