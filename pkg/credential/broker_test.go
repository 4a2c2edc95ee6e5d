package credential

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keldan/steward/pkg/errmodel"
)

// countingExchanger issues fake delegated credentials and counts provider calls.
type countingExchanger struct {
	calls atomic.Int64
	delay time.Duration
	ttl   time.Duration
}

func (e *countingExchanger) ExchangeToken(ctx context.Context, inbound Credential, resource string, scopes []string) (Credential, error) {
	e.calls.Add(1)
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return Credential{}, ctx.Err()
		}
	}
	ttl := e.ttl
	if ttl == 0 {
		ttl = time.Hour
	}
	tok := fmt.Sprintf("dtok-%s-%s-%d", inbound.Principal, resource, e.calls.Load())
	return NewDelegated(tok, inbound.Principal, resource, scopes, time.Now().Add(ttl)), nil
}

func inboundFor(principal string, scopes ...string) Credential {
	return New("itok-"+principal, principal, scopes, time.Now().Add(time.Hour))
}

func TestExchange_CacheHit(t *testing.T) {
	ex := &countingExchanger{}
	b := NewBroker(ex)
	in := inboundFor("alice", "records:read")

	c1, err := b.Exchange(context.Background(), in, "records", []string{"records:read"})
	if err != nil {
		t.Fatal(err)
	}
	c2, err := b.Exchange(context.Background(), in, "records", []string{"records:read"})
	if err != nil {
		t.Fatal(err)
	}
	if ex.calls.Load() != 1 {
		t.Fatalf("provider calls=%d want 1", ex.calls.Load())
	}
	if c1.Token() != c2.Token() {
		t.Fatal("cache must return the same delegated credential")
	}
	if !c2.Delegated || c2.Resource != "records" {
		t.Fatalf("unexpected credential: %s", c2)
	}
}

func TestExchange_ConcurrentCoalescing(t *testing.T) {
	ex := &countingExchanger{delay: 20 * time.Millisecond}
	b := NewBroker(ex)
	in := inboundFor("alice", "records:read")

	const n = 32
	tokens := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := b.Exchange(context.Background(), in, "records", []string{"records:read"})
			if err != nil {
				t.Error(err)
				return
			}
			tokens[i] = c.Token()
		}(i)
	}
	wg.Wait()

	if got := ex.calls.Load(); got != 1 {
		t.Fatalf("provider calls=%d want 1", got)
	}
	for i := 1; i < n; i++ {
		if tokens[i] != tokens[0] {
			t.Fatalf("caller %d got a different credential", i)
		}
	}
}

func TestExchange_ExpiryGraceRefreshes(t *testing.T) {
	now := time.Now()
	clock := &now
	var mu sync.Mutex
	nowFn := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return *clock
	}

	ex := &countingExchanger{ttl: time.Minute}
	b := NewBroker(ex, WithExpiryGrace(30*time.Second), WithClock(nowFn))
	in := inboundFor("alice", "records:read")

	if _, err := b.Exchange(context.Background(), in, "records", []string{"records:read"}); err != nil {
		t.Fatal(err)
	}
	// Move within the grace window of the 1m expiry: must re-exchange.
	mu.Lock()
	*clock = now.Add(45 * time.Second)
	mu.Unlock()
	if _, err := b.Exchange(context.Background(), in, "records", []string{"records:read"}); err != nil {
		t.Fatal(err)
	}
	if got := ex.calls.Load(); got != 2 {
		t.Fatalf("provider calls=%d want 2 after grace expiry", got)
	}
}

func TestExchange_ScopeBroadeningDenied(t *testing.T) {
	ex := &countingExchanger{}
	b := NewBroker(ex)
	in := inboundFor("alice", "records:read")

	_, err := b.Exchange(context.Background(), in, "records", []string{"records:read", "records:write"})
	if err == nil {
		t.Fatal("expected delegation denial for scopes beyond entitlement")
	}
	if ce := errmodel.From(err); ce.Code != errmodel.CodeDelegationDenied {
		t.Fatalf("code=%s want %s", ce.Code, errmodel.CodeDelegationDenied)
	}
	if ex.calls.Load() != 0 {
		t.Fatal("provider must not be called for an over-broad request")
	}
}

func TestExchange_NoBroadenedGrant_Property(t *testing.T) {
	all := []string{"records:read", "records:write", "docs:read", "docs:write", "web:search", "admin"}
	rng := rand.New(rand.NewSource(7))
	ex := &countingExchanger{}
	b := NewBroker(ex)

	for i := 0; i < 200; i++ {
		var entitled, requested []string
		for _, s := range all {
			if rng.Intn(2) == 0 {
				entitled = append(entitled, s)
			}
		}
		for _, s := range all {
			if rng.Intn(3) == 0 {
				requested = append(requested, s)
			}
		}
		in := New(fmt.Sprintf("tok-%d", i), fmt.Sprintf("p%d", i), entitled, time.Now().Add(time.Hour))
		c, err := b.Exchange(context.Background(), in, "records", requested)
		if err != nil {
			if !SubsetOf(normalizeScopes(requested), in.Scopes) {
				continue // denial is the required outcome
			}
			t.Fatalf("case %d: unexpected error %v", i, err)
		}
		if !SubsetOf(c.Scopes, in.Scopes) {
			t.Fatalf("case %d: delegated scopes %v broaden inbound %v", i, c.Scopes, in.Scopes)
		}
	}
}

func TestExchange_Revoke(t *testing.T) {
	ex := &countingExchanger{}
	b := NewBroker(ex)
	in := inboundFor("alice", "records:read")

	if _, err := b.Exchange(context.Background(), in, "records", []string{"records:read"}); err != nil {
		t.Fatal(err)
	}
	b.Revoke("alice")
	if _, err := b.Exchange(context.Background(), in, "records", []string{"records:read"}); err != nil {
		t.Fatal(err)
	}
	if got := ex.calls.Load(); got != 2 {
		t.Fatalf("provider calls=%d want 2 after revoke", got)
	}
}

func TestExchange_ExpiredInbound(t *testing.T) {
	b := NewBroker(&countingExchanger{})
	in := New("tok", "alice", []string{"records:read"}, time.Now().Add(-time.Minute))
	_, err := b.Exchange(context.Background(), in, "records", []string{"records:read"})
	if err == nil {
		t.Fatal("expected error for expired inbound credential")
	}
	if !errmodel.IsCategory(err, errmodel.CategoryPolicy) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCredentialStringRedactsToken(t *testing.T) {
	c := NewDelegated("super-secret-token", "alice", "records", []string{"records:read"}, time.Now())
	if s := c.String(); strings.Contains(s, "super-secret-token") {
		t.Fatalf("token leaked in String(): %s", s)
	}
}
