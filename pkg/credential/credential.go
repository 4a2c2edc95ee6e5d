// Package credential models the opaque bearer credentials flowing through
// tool invocations and the broker that exchanges an inbound user credential
// for downstream-scoped delegated credentials.
//
// Token material is kept unexported and is never logged, persisted, or
// included in errors; only principal, resource, scopes, and expiry are
// observable externally.
package credential

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Credential is an opaque bearer token plus the identity it represents.
// Two flavors exist: inbound (presented by the caller) and delegated
// (obtained via exchange, scoped to one downstream resource).
type Credential struct {
	token string

	Principal string
	Scopes    []string
	ExpiresAt time.Time

	// Delegated marks credentials obtained via exchange rather than
	// presented by the caller.
	Delegated bool
	// Resource is the downstream resource a delegated credential is scoped
	// to; empty for inbound credentials.
	Resource string
}

// New builds an inbound credential from parsed claims.
func New(token, principal string, scopes []string, expiresAt time.Time) Credential {
	return Credential{token: token, Principal: principal, Scopes: normalizeScopes(scopes), ExpiresAt: expiresAt}
}

// NewDelegated builds a delegated credential scoped to resource.
func NewDelegated(token, principal, resource string, scopes []string, expiresAt time.Time) Credential {
	return Credential{
		token:     token,
		Principal: principal,
		Resource:  resource,
		Scopes:    normalizeScopes(scopes),
		ExpiresAt: expiresAt,
		Delegated: true,
	}
}

// Token returns the raw bearer token for presentation on the wire.
func (c Credential) Token() string { return c.token }

// IsZero reports whether the credential is absent.
func (c Credential) IsZero() bool { return c.token == "" && c.Principal == "" }

// ExpiredAt reports whether the credential is expired at the given instant.
func (c Credential) ExpiredAt(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// String redacts the token material.
func (c Credential) String() string {
	kind := "inbound"
	if c.Delegated {
		kind = "delegated"
	}
	return fmt.Sprintf("credential{%s principal=%s resource=%s scopes=[%s] exp=%s}",
		kind, c.Principal, c.Resource, strings.Join(c.Scopes, " "), c.ExpiresAt.UTC().Format(time.RFC3339))
}

// HasScopes reports whether every scope in want is granted to c.
func (c Credential) HasScopes(want []string) bool { return SubsetOf(want, c.Scopes) }

// SubsetOf reports whether every element of sub appears in super.
func SubsetOf(sub, super []string) bool {
	if len(sub) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(super))
	for _, s := range super {
		set[s] = struct{}{}
	}
	for _, s := range sub {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}

func normalizeScopes(scopes []string) []string {
	if len(scopes) == 0 {
		return nil
	}
	out := make([]string, 0, len(scopes))
	seen := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

type ctxKey struct{}

// WithCredential attaches a credential to ctx for the duration of one call.
func WithCredential(ctx context.Context, c Credential) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext returns the credential attached to ctx, if any.
func FromContext(ctx context.Context) (Credential, bool) {
	c, ok := ctx.Value(ctxKey{}).(Credential)
	return c, ok
}
