package auth

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnauthorized means no usable identity was presented.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden means the identity is valid but not an admin.
	ErrForbidden = errors.New("forbidden")
)

// Principal is the authenticated admin behind a request.
type Principal struct {
	UserID string
	Email  string
}

// AdminAuthorizer verifies a token with the first verifier that accepts it
// and then checks the email against the admin allowlist.
type AdminAuthorizer struct {
	verifiers []TokenVerifier
	allowlist map[string]struct{}
}

func NewAdminAuthorizer(allowlist string, verifiers ...TokenVerifier) *AdminAuthorizer {
	active := make([]TokenVerifier, 0, len(verifiers))
	for _, v := range verifiers {
		if v != nil {
			active = append(active, v)
		}
	}
	return &AdminAuthorizer{
		verifiers: active,
		allowlist: ParseAllowlist(allowlist),
	}
}

// ParseAllowlist splits a comma-separated email list into a lower-cased set.
func ParseAllowlist(raw string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, entry := range strings.Split(raw, ",") {
		email := strings.ToLower(strings.TrimSpace(entry))
		if email != "" {
			set[email] = struct{}{}
		}
	}
	return set
}

// Configured reports whether any verifier is available.
func (a *AdminAuthorizer) Configured() bool {
	return len(a.verifiers) > 0
}

// Authorize returns the admin principal for token, or an error wrapping
// ErrUnauthorized or ErrForbidden.
func (a *AdminAuthorizer) Authorize(token string) (*Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	if !a.Configured() {
		return nil, fmt.Errorf("%w: no token verifier configured", ErrUnauthorized)
	}

	var claims *Claims
	var lastErr error
	for _, v := range a.verifiers {
		c, err := v.Validate(token)
		if err == nil {
			claims = c
			break
		}
		lastErr = err
	}
	if claims == nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, lastErr)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}

	email := strings.ToLower(strings.TrimSpace(claims.Email))
	if _, ok := a.allowlist[email]; email == "" || !ok {
		return nil, fmt.Errorf("%w: %s is not an admin", ErrForbidden, claims.UserID)
	}

	return &Principal{UserID: claims.UserID, Email: email}, nil
}
