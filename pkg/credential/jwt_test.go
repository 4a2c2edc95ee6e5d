package credential

import (
	"context"
	"testing"
	"time"

	"github.com/keldan/steward/pkg/errmodel"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func TestParseInbound_RoundTrip(t *testing.T) {
	p := NewLocalProvider(testKey, "https://issuer.test", time.Minute)
	raw, err := p.IssueInbound("alice", []string{"records:read", "docs:read"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	parser := NewParser(testKey, "https://issuer.test", "")
	c, err := parser.ParseInbound(context.Background(), raw)
	if err != nil {
		t.Fatal(err)
	}
	if c.Principal != "alice" {
		t.Fatalf("principal=%q", c.Principal)
	}
	if !c.HasScopes([]string{"docs:read", "records:read"}) {
		t.Fatalf("scopes=%v", c.Scopes)
	}
	if c.Delegated {
		t.Fatal("inbound credential must not be marked delegated")
	}
}

func TestParseInbound_BadSignature(t *testing.T) {
	p := NewLocalProvider(testKey, "https://issuer.test", time.Minute)
	raw, err := p.IssueInbound("alice", []string{"records:read"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	parser := NewParser([]byte("another-key-another-key-another!"), "https://issuer.test", "")
	if _, err := parser.ParseInbound(context.Background(), raw); err == nil {
		t.Fatal("expected signature validation failure")
	}
}

func TestParseInbound_WrongIssuer(t *testing.T) {
	p := NewLocalProvider(testKey, "https://other.test", time.Minute)
	raw, err := p.IssueInbound("alice", nil, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	parser := NewParser(testKey, "https://issuer.test", "")
	if _, err := parser.ParseInbound(context.Background(), raw); err == nil {
		t.Fatal("expected issuer validation failure")
	}
}

func TestLocalProvider_ExchangeRequiresConsent(t *testing.T) {
	p := NewLocalProvider(testKey, "https://issuer.test", time.Minute)
	in := New("tok", "alice", []string{"records:read"}, time.Now().Add(time.Hour))

	_, err := p.ExchangeToken(context.Background(), in, "records", []string{"records:read"})
	if err == nil {
		t.Fatal("expected denial without consent")
	}
	if ce := errmodel.From(err); ce.Code != errmodel.CodeDelegationDenied {
		t.Fatalf("code=%s", ce.Code)
	}

	p.Grant("alice", "records")
	c, err := p.ExchangeToken(context.Background(), in, "records", []string{"records:read"})
	if err != nil {
		t.Fatal(err)
	}
	if !c.Delegated || c.Resource != "records" || c.Principal != "alice" {
		t.Fatalf("unexpected credential: %s", c)
	}

	// The delegated token parses as a token audienced to the resource.
	parser := NewParser(testKey, "https://issuer.test", "records")
	parsed, err := parser.ParseInbound(context.Background(), c.Token())
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Principal != "alice" || !parsed.HasScopes([]string{"records:read"}) {
		t.Fatalf("unexpected claims: %s", parsed)
	}
}

func TestLocalProvider_NeverBroadens(t *testing.T) {
	p := NewLocalProvider(testKey, "https://issuer.test", time.Minute)
	p.Grant("alice", "records")
	in := New("tok", "alice", []string{"records:read"}, time.Now().Add(time.Hour))

	_, err := p.ExchangeToken(context.Background(), in, "records", []string{"records:read", "records:write"})
	if err == nil {
		t.Fatal("expected denial for scopes beyond inbound entitlement")
	}
}

func TestSplitScopes(t *testing.T) {
	cases := map[string][]string{
		"a b c": {"a", "b", "c"},
		"  a  ": {"a"},
		"":      nil,
	}
	for in, want := range cases {
		got := splitScopes(in)
		if len(got) != len(want) {
			t.Fatalf("splitScopes(%q)=%v want %v", in, got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("splitScopes(%q)=%v want %v", in, got, want)
			}
		}
	}
}
