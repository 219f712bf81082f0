package types

import (
	"cmp"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// OIDCConfig is what the login flow needs to reach the identity provider.
type OIDCConfig struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// OIDCClaims are the identity claims a super admin login is built from.
type OIDCClaims struct {
	Sub           string          `json:"sub"`
	Iss           string          `json:"iss"`
	Name          string          `json:"name,omitempty"`
	Email         string          `json:"email,omitempty"`
	EmailVerified FlexibleBoolean `json:"email_verified,omitempty"`
	Username      string          `json:"preferred_username,omitempty"`
}

// Merge fills claims c lacks from other. Subject and issuer are never taken from other.
func (c *OIDCClaims) Merge(other *OIDCClaims) {
	if other == nil {
		return
	}
	c.Name = cmp.Or(c.Name, other.Name)
	c.Email = cmp.Or(c.Email, other.Email)
	c.Username = cmp.Or(c.Username, other.Username)
	c.EmailVerified = c.EmailVerified || other.EmailVerified
}

// Identifier joins issuer and subject into a stable provider identifier.
func (c *OIDCClaims) Identifier() string {
	sub := strings.Trim(strings.TrimSpace(c.Sub), "/")
	iss := strings.TrimSuffix(strings.TrimSpace(c.Iss), "/")

	switch {
	case iss == "":
		return sub
	case sub == "":
		return iss
	}

	if u, err := url.Parse(iss); err == nil && u.Scheme != "" {
		if joined, err := url.JoinPath(iss, sub); err == nil {
			return joined
		}
	}
	return iss + "/" + sub
}

// FlexibleBoolean accepts both JSON booleans and the "true"/"false" strings some
// providers send for email_verified.
type FlexibleBoolean bool

func (b *FlexibleBoolean) UnmarshalJSON(data []byte) error {
	var val any
	if err := json.Unmarshal(data, &val); err != nil {
		return fmt.Errorf("could not unmarshal data: %w", err)
	}

	switch v := val.(type) {
	case bool:
		*b = FlexibleBoolean(v)
	case string:
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("could not parse %s as boolean: %w", v, err)
		}
		*b = FlexibleBoolean(parsed)
	default:
		return fmt.Errorf("could not parse %v as boolean", v)
	}
	return nil
}
