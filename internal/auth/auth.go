// Package auth is the relay's authorization boundary. The relay hands a
// bearer credential plus the peer's claimed identity and role to a Verifier
// and acts on the verdict; whether the verifier checks a local database or
// calls a remote service is invisible above this boundary.
package auth

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/screenwiresh/screenwire/internal/protocol"
)

// Verdict is the outcome of a verification. ResolvedIdentity is the device
// identity the credential is bound to: for devices, their own id; for
// controllers, it names the credential holder for rate-limit accounting.
type Verdict struct {
	Authorized       bool
	ResolvedIdentity string
}

// Verifier checks a credential for a claimed identity and role.
// A nil error with Authorized=false means the credential was examined and
// rejected; an error means verification itself failed (e.g. backend down).
type Verifier interface {
	Verify(ctx context.Context, credential, claimedIdentity, role string) (Verdict, error)
}

const tokenLength = 32

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// GenerateToken creates a random 32-character alphanumeric bearer token.
func GenerateToken() (string, error) {
	max := big.NewInt(int64(len(alphanumeric)))
	b := make([]byte, tokenLength)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generating random token: %w", err)
		}
		b[i] = alphanumeric[idx.Int64()]
	}
	return string(b), nil
}

// validRole reports whether role is one of the protocol roles.
func validRole(role string) bool {
	return role == protocol.RoleDevice || role == protocol.RoleController
}
