package gateway

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStaticAuthenticatorParsesUserCredential(t *testing.T) {
	var a StaticAuthenticator
	id, ok := a.Authenticate(nil, []byte("user:42"))
	require.True(t, ok)
	require.Equal(t, uint64(42), id)
}

func TestStaticAuthenticatorRejectsMalformed(t *testing.T) {
	var a StaticAuthenticator
	cases := [][]byte{[]byte("42"), []byte("user:"), []byte("user:abc"), []byte("")}
	for _, c := range cases {
		_, ok := a.Authenticate(nil, c)
		require.Falsef(t, ok, "expected rejection for %q", c)
	}
}

func TestStaticAuthenticatorAllowList(t *testing.T) {
	a := StaticAuthenticator{Allow: map[string]uint64{"tok-a": 7}}
	id, ok := a.Authenticate(nil, []byte("tok-a"))
	require.True(t, ok)
	require.Equal(t, uint64(7), id)

	_, ok = a.Authenticate(nil, []byte("user:7"))
	require.False(t, ok, "allow-listed authenticator should reject anything not in the map")
}
