package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RemoteVerifier delegates verification to an external endpoint: POST
// {credential, identity, role} and read back {authorized, identity}. Used
// when the relay runs alongside an API server that owns the user database.
type RemoteVerifier struct {
	verifyURL string
	client    *http.Client
}

func NewRemoteVerifier(verifyURL string) *RemoteVerifier {
	return &RemoteVerifier{
		verifyURL: verifyURL,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (v *RemoteVerifier) Verify(ctx context.Context, credential, claimedIdentity, role string) (Verdict, error) {
	if credential == "" || !validRole(role) {
		return Verdict{}, nil
	}

	body, err := json.Marshal(map[string]string{
		"credential": credential,
		"identity":   claimedIdentity,
		"role":       role,
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("encoding verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, bytes.NewReader(body))
	if err != nil {
		return Verdict{}, fmt.Errorf("building verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("verify request: %w", err)
	}
	defer resp.Body.Close()

	// 401/403 are definitive rejections; anything else non-200 is a backend
	// failure the caller may want to distinguish from "bad credential".
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return Verdict{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return Verdict{}, fmt.Errorf("verify endpoint returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Verdict{}, fmt.Errorf("reading verify response: %w", err)
	}

	var out struct {
		Authorized bool   `json:"authorized"`
		Identity   string `json:"identity"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return Verdict{}, fmt.Errorf("parsing verify response: %w", err)
	}

	identity := out.Identity
	if identity == "" {
		identity = claimedIdentity
	}
	return Verdict{Authorized: out.Authorized, ResolvedIdentity: identity}, nil
}
