package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOIDCClaims_Identifier(t *testing.T) {
	tests := []struct {
		iss, sub, want string
	}{
		{"https://idp.example.com/", "42", "https://idp.example.com/42"},
		{"https://idp.example.com/realms/ops", "/abc/", "https://idp.example.com/realms/ops/abc"},
		{"", "42", "42"},
		{"https://idp.example.com", "", "https://idp.example.com"},
		{"idp", "42", "idp/42"},
	}
	for _, tt := range tests {
		c := OIDCClaims{Iss: tt.iss, Sub: tt.sub}
		assert.Equal(t, tt.want, c.Identifier(), "iss=%q sub=%q", tt.iss, tt.sub)
	}
}

func TestOIDCClaims_Merge(t *testing.T) {
	c := OIDCClaims{Sub: "1", Iss: "https://idp", Name: "Root"}
	c.Merge(&OIDCClaims{Sub: "2", Name: "Other", Email: "root@example.com", EmailVerified: true, Username: "root"})

	assert.Equal(t, "1", c.Sub)
	assert.Equal(t, "Root", c.Name)
	assert.Equal(t, "root@example.com", c.Email)
	assert.Equal(t, "root", c.Username)
	assert.True(t, bool(c.EmailVerified))

	c.Merge(nil)
	assert.Equal(t, "root@example.com", c.Email)
}

func TestFlexibleBoolean(t *testing.T) {
	var c OIDCClaims
	require.NoError(t, json.Unmarshal([]byte(`{"email_verified":"true"}`), &c))
	assert.True(t, bool(c.EmailVerified))

	require.NoError(t, json.Unmarshal([]byte(`{"email_verified":false}`), &c))
	assert.False(t, bool(c.EmailVerified))

	assert.Error(t, json.Unmarshal([]byte(`{"email_verified":"maybe"}`), &c))
	assert.Error(t, json.Unmarshal([]byte(`{"email_verified":1}`), &c))
}
