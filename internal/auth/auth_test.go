package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyringAuthenticate(t *testing.T) {
	k, err := NewKeyring("admin", []TokenConfig{{Token: "writer", Scopes: []string{"objects:rw", " Notify "}}})
	require.NoError(t, err)

	p, ok := k.Authenticate("admin")
	require.True(t, ok)
	assert.Equal(t, "admin", p.Name)
	assert.True(t, p.Allows(ScopeEventsRead))

	p, ok = k.Authenticate("writer")
	require.True(t, ok)
	assert.True(t, p.Allows(ScopeObjectsRead), "rw implies ro")
	assert.True(t, p.Allows(ScopeNotify))
	assert.False(t, p.Allows(ScopeQueuesWrite))
	assert.True(t, p.Allows(ScopeQueuesWrite, ScopeObjectsWrite), "any of the required scopes is enough")

	_, ok = k.Authenticate("nope")
	assert.False(t, ok)
}

func TestKeyringWithoutAdminKey(t *testing.T) {
	k, err := NewKeyring("", nil)
	require.NoError(t, err)
	_, ok := k.Authenticate("")
	assert.False(t, ok)

	var nilKeyring *Keyring
	_, ok = nilKeyring.Authenticate("anything")
	assert.False(t, ok)
}

func TestNewKeyringRejectsBadTokens(t *testing.T) {
	_, err := NewKeyring("", []TokenConfig{{Token: "t", Scopes: []string{"jobs:rw"}}})
	assert.ErrorContains(t, err, "unknown scope")

	_, err = NewKeyring("", []TokenConfig{{Scopes: []string{"notify"}}})
	assert.ErrorContains(t, err, "empty token")
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header  string
		want    string
		wantErr error
	}{
		{header: "", wantErr: ErrNoCredentials},
		{header: "Basic abc", wantErr: ErrMalformedCredentials},
		{header: "Bearer   ", wantErr: ErrNoCredentials},
		{header: "Bearer abc", want: "abc"},
	}
	for _, tc := range cases {
		r := httptest.NewRequest("GET", "/", nil)
		if tc.header != "" {
			r.Header.Set("Authorization", tc.header)
		}
		got, err := BearerToken(r)
		if tc.wantErr != nil {
			assert.ErrorIs(t, err, tc.wantErr, tc.header)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}
