package credential

import (
	"context"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/keldan/steward/pkg/errmodel"
)

// scopeClaim is the JWT claim carrying granted scopes, either a JSON array
// or a space-separated string.
const scopeClaim = "scp"

// Parser validates inbound bearer tokens and extracts their identity.
type Parser struct {
	key      []byte
	issuer   string
	audience string
}

// NewParser builds a parser for HS256 tokens signed with key.
func NewParser(key []byte, issuer, audience string) *Parser {
	return &Parser{key: key, issuer: issuer, audience: audience}
}

// ParseInbound validates raw and returns the inbound credential it carries.
// Signature, expiry, issuer, and audience are all verified.
func (p *Parser) ParseInbound(_ context.Context, raw string) (Credential, error) {
	if raw == "" {
		return Credential{}, errmodel.Policy("unauthorized", "missing bearer token", nil)
	}
	opts := []jwt.ParseOption{
		jwt.WithKey(jwa.HS256, p.key),
		jwt.WithValidate(true),
	}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}
	if p.audience != "" {
		opts = append(opts, jwt.WithAudience(p.audience))
	}
	tok, err := jwt.Parse([]byte(raw), opts...)
	if err != nil {
		return Credential{}, errmodel.Policy("unauthorized", "invalid bearer token", nil)
	}
	return New(raw, tok.Subject(), tokenScopes(tok), tok.Expiration()), nil
}

func tokenScopes(tok jwt.Token) []string {
	v, ok := tok.Get(scopeClaim)
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case string:
		return splitScopes(t)
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func splitScopes(s string) []string {
	var out []string
	start := -1
	for i, r := range s {
		if r == ' ' {
			if start >= 0 {
				out = append(out, s[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		out = append(out, s[start:])
	}
	return out
}

// LocalProvider is an in-process identity provider: it validates consent and
// issues short-lived delegated JWTs. It backs development setups and tests;
// production deployments substitute a remote token-exchange endpoint behind
// the same Exchanger interface.
type LocalProvider struct {
	key    []byte
	issuer string
	ttl    time.Duration

	// consent maps principal -> resource -> granted. A missing entry means
	// the principal never consented to delegation for that resource.
	consent map[string]map[string]bool
}

// NewLocalProvider builds a provider signing HS256 tokens with key.
func NewLocalProvider(key []byte, issuer string, ttl time.Duration) *LocalProvider {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &LocalProvider{key: key, issuer: issuer, ttl: ttl, consent: make(map[string]map[string]bool)}
}

// Grant records principal's consent for delegation to resource.
func (p *LocalProvider) Grant(principal, resource string) {
	m, ok := p.consent[principal]
	if !ok {
		m = make(map[string]bool)
		p.consent[principal] = m
	}
	m[resource] = true
}

// ExchangeToken implements Exchanger. It denies principals without consent
// for the resource and never grants scopes beyond the inbound credential's.
func (p *LocalProvider) ExchangeToken(_ context.Context, inbound Credential, resource string, scopes []string) (Credential, error) {
	if !p.consent[inbound.Principal][resource] {
		return Credential{}, errmodel.DelegationDenied(inbound.Principal, resource)
	}
	if !inbound.HasScopes(scopes) {
		return Credential{}, errmodel.DelegationDenied(inbound.Principal, resource)
	}
	now := time.Now()
	exp := now.Add(p.ttl)
	tok, err := jwt.NewBuilder().
		Issuer(p.issuer).
		Subject(inbound.Principal).
		Audience([]string{resource}).
		IssuedAt(now).
		Expiration(exp).
		Claim(scopeClaim, scopes).
		Build()
	if err != nil {
		return Credential{}, errmodel.System("token_build", "failed to build delegated token", nil, err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, p.key))
	if err != nil {
		return Credential{}, errmodel.System("token_sign", "failed to sign delegated token", nil, err)
	}
	return NewDelegated(string(signed), inbound.Principal, resource, scopes, exp), nil
}

// IssueInbound mints an inbound token for principal with the given scopes.
// Used by the CLI's dev mode and by tests.
func (p *LocalProvider) IssueInbound(principal string, scopes []string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now()
	tok, err := jwt.NewBuilder().
		Issuer(p.issuer).
		Subject(principal).
		IssuedAt(now).
		Expiration(now.Add(ttl)).
		Claim(scopeClaim, normalizeScopes(scopes)).
		Build()
	if err != nil {
		return "", err
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, p.key))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}
