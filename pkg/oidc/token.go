package oidc

import (
	"time"
)

type AccessTokenResponse struct {
	AccessToken  string `json:"access_token,omitempty" schema:"access_token,omitempty"`
	TokenType    string `json:"token_type,omitempty" schema:"token_type,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty" schema:"refresh_token,omitempty"`
	ExpiresIn    uint64 `json:"expires_in,omitempty" schema:"expires_in,omitempty"`
	IDToken      string `json:"id_token,omitempty" schema:"id_token,omitempty"`
}

// AccessTokenClaims are the JWT claims minted into an access token issued
// for a completed backchannel authentication request. StatusIndex refers to
// the slot the token occupies in the published status list, so relying
// parties can check revocation without calling back.
type AccessTokenClaims struct {
	Issuer     string              `json:"iss"`
	Subject    string              `json:"sub"`
	Audience   []string            `json:"aud"`
	Expiration int64               `json:"exp"`
	IssuedAt   int64               `json:"iat"`
	JWTID      string              `json:"jti"`
	ClientID   string              `json:"client_id"`
	Scopes     SpaceDelimitedArray `json:"scope,omitempty"`

	StatusIndex uint64 `json:"status_idx"`
}

// IDTokenClaims are the JWT claims of the ID token issued alongside the
// access token.
type IDTokenClaims struct {
	Issuer     string   `json:"iss"`
	Subject    string   `json:"sub"`
	Audience   []string `json:"aud"`
	Expiration int64    `json:"exp"`
	IssuedAt   int64    `json:"iat"`
	AuthTime   int64    `json:"auth_time,omitempty"`
	AMR        []string `json:"amr,omitempty"`
}

// NewAccessTokenClaims builds claims valid from now for the given validity.
func NewAccessTokenClaims(issuer, subject, jwtID, clientID string, audience, scopes []string, validity time.Duration, statusIndex uint64) *AccessTokenClaims {
	now := time.Now()
	return &AccessTokenClaims{
		Issuer:      issuer,
		Subject:     subject,
		Audience:    audience,
		Expiration:  now.Add(validity).Unix(),
		IssuedAt:    now.Unix(),
		JWTID:       jwtID,
		ClientID:    clientID,
		Scopes:      scopes,
		StatusIndex: statusIndex,
	}
}
