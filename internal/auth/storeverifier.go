package auth

import (
	"context"
	"crypto/subtle"
	"fmt"

	"github.com/screenwiresh/screenwire/internal/protocol"
	"github.com/screenwiresh/screenwire/internal/store"
)

// StoreVerifier authorizes against the local credential registry: device
// tokens and controller keys provisioned through the admin API.
type StoreVerifier struct {
	st store.Store
}

func NewStoreVerifier(st store.Store) *StoreVerifier {
	return &StoreVerifier{st: st}
}

func (v *StoreVerifier) Verify(ctx context.Context, credential, claimedIdentity, role string) (Verdict, error) {
	if credential == "" || !validRole(role) {
		return Verdict{}, nil
	}

	switch role {
	case protocol.RoleDevice:
		rec, err := v.st.DeviceGetByToken(ctx, credential)
		if err != nil {
			return Verdict{}, fmt.Errorf("device token lookup: %w", err)
		}
		if rec == nil {
			return Verdict{}, nil
		}
		// The token is bound to one device id; a claim for any other id is
		// rejected rather than silently remapped.
		if claimedIdentity != "" &&
			subtle.ConstantTimeCompare([]byte(claimedIdentity), []byte(rec.DeviceID)) != 1 {
			return Verdict{}, nil
		}
		return Verdict{Authorized: true, ResolvedIdentity: rec.DeviceID}, nil

	case protocol.RoleController:
		key, err := v.st.ControllerKeyGet(ctx, credential)
		if err != nil {
			return Verdict{}, fmt.Errorf("controller key lookup: %w", err)
		}
		if key == nil {
			return Verdict{}, nil
		}
		return Verdict{Authorized: true, ResolvedIdentity: key.Key}, nil
	}

	return Verdict{}, nil
}
