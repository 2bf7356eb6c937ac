package oidc

import (
	"encoding/json"
	"strings"
)

type GrantType string

const (
	// GrantTypeCIBA defines the grant_type `urn:openid:params:grant-type:ciba`
	// used on the token endpoint to retrieve the outcome of a backchannel
	// authentication request.
	GrantTypeCIBA GrantType = "urn:openid:params:grant-type:ciba"
)

const (
	ScopeOpenID = "openid"

	// BearerToken defines the token_type `Bearer`
	BearerToken = "Bearer"
)

type SpaceDelimitedArray []string

func (s SpaceDelimitedArray) String() string {
	return strings.Join(s, " ")
}

func (s SpaceDelimitedArray) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *SpaceDelimitedArray) UnmarshalText(text []byte) error {
	*s = strings.Fields(string(text))
	return nil
}

func (s SpaceDelimitedArray) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *SpaceDelimitedArray) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = strings.Fields(str)
	return nil
}
