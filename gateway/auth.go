package gateway

import (
	"context"

	"github.com/prim-im/corechat/directory"
)

// Authenticator validates the credential carried in a client's Auth
// message (spec §6 handshake) and resolves it to a user id. Production
// deployments back this with whatever identity store issues client
// credentials; tests and local runs use a StaticAuthenticator.
type Authenticator interface {
	Authenticate(ctx context.Context, credential []byte) (userID uint64, ok bool)
}

// StaticAuthenticator accepts any credential of the form "user:<id>" and
// is meant for local development and tests, never production — it is
// grounded in the teacher's decoy harness, which similarly swaps a real
// mix-net handshake for a static stand-in in test mode.
type StaticAuthenticator struct {
	// Allow, if non-nil, restricts authentication to exactly this set of
	// credentials (raw bytes compared verbatim). A nil map authenticates
	// anything of the expected "user:<id>" shape.
	Allow map[string]uint64
}

func (a StaticAuthenticator) Authenticate(_ context.Context, credential []byte) (uint64, bool) {
	if a.Allow != nil {
		id, ok := a.Allow[string(credential)]
		return id, ok
	}
	return parseUserCredential(credential)
}

// TokenAuthenticator authenticates clients against a directory.TokenStore,
// which never sees the raw credential twice: it hashes the incoming Auth
// payload with the same keyed blake2b used when the token was issued and
// looks up the resulting digest. This is the production Authenticator;
// StaticAuthenticator exists only for local runs and tests.
type TokenAuthenticator struct {
	Store *directory.TokenStore
}

func (a TokenAuthenticator) Authenticate(_ context.Context, credential []byte) (uint64, bool) {
	return a.Store.Lookup(credential)
}

func parseUserCredential(credential []byte) (uint64, bool) {
	const prefix = "user:"
	s := string(credential)
	if len(s) <= len(prefix) || s[:len(prefix)] != prefix {
		return 0, false
	}
	var id uint64
	for _, c := range s[len(prefix):] {
		if c < '0' || c > '9' {
			return 0, false
		}
		id = id*10 + uint64(c-'0')
	}
	return id, true
}
