package credential

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/keldan/steward/pkg/errmodel"
)

// Exchanger is the identity-provider collaborator: it turns an inbound
// credential into a delegated one scoped to a downstream resource, or
// rejects the exchange.
type Exchanger interface {
	ExchangeToken(ctx context.Context, inbound Credential, resource string, scopes []string) (Credential, error)
}

// Broker caches delegated credentials per (principal, resource, scopes) and
// coalesces concurrent exchanges for the same key into one provider call.
type Broker struct {
	provider Exchanger
	grace    time.Duration
	now      func() time.Time

	mu    sync.RWMutex
	cache map[string]Credential
	group singleflight.Group
}

// BrokerOption configures the Broker at construction time.
type BrokerOption func(*Broker)

// WithExpiryGrace sets how long before expiry a cached credential is treated
// as stale and re-exchanged.
func WithExpiryGrace(d time.Duration) BrokerOption {
	return func(b *Broker) {
		if d > 0 {
			b.grace = d
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) BrokerOption {
	return func(b *Broker) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBroker constructs a broker backed by the given identity provider.
func NewBroker(provider Exchanger, opts ...BrokerOption) *Broker {
	b := &Broker{
		provider: provider,
		grace:    30 * time.Second,
		now:      time.Now,
		cache:    make(map[string]Credential),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Exchange returns a delegated credential for (inbound principal, resource,
// scopes), from cache when fresh, otherwise via one coalesced provider call.
//
// The broker never broadens authority: the requested scopes must be a subset
// of the inbound credential's, and so must the scopes of whatever the
// provider returns.
func (b *Broker) Exchange(ctx context.Context, inbound Credential, resource string, scopes []string) (Credential, error) {
	tr := otel.Tracer("credential/broker")
	ctx, span := tr.Start(ctx, "Broker.Exchange", trace.WithAttributes(
		attribute.String("principal", inbound.Principal),
		attribute.String("resource", resource),
		attribute.StringSlice("scopes", scopes),
	))
	defer span.End()

	if inbound.IsZero() {
		return Credential{}, errmodel.Policy("unauthorized", "missing inbound credential", nil)
	}
	if inbound.ExpiredAt(b.now()) {
		return Credential{}, errmodel.Policy("unauthorized", "inbound credential expired", map[string]any{"principal": inbound.Principal})
	}
	scopes = normalizeScopes(scopes)
	if !inbound.HasScopes(scopes) {
		return Credential{}, errmodel.DelegationDenied(inbound.Principal, resource)
	}

	key := cacheKey(inbound.Principal, resource, scopes)
	if c, ok := b.fresh(key); ok {
		return c, nil
	}

	v, err, _ := b.group.Do(key, func() (any, error) {
		// Re-check under the flight: a racing caller may have populated it.
		if c, ok := b.fresh(key); ok {
			return c, nil
		}
		delegated, err := b.provider.ExchangeToken(ctx, inbound, resource, scopes)
		if err != nil {
			span.RecordError(err)
			return Credential{}, err
		}
		if !SubsetOf(delegated.Scopes, inbound.Scopes) {
			return Credential{}, errmodel.System("broadened_grant", "provider returned scopes beyond inbound entitlement", map[string]any{
				"principal": inbound.Principal, "resource": resource,
			}, nil)
		}
		b.mu.Lock()
		b.cache[key] = delegated
		b.mu.Unlock()
		return delegated, nil
	})
	if err != nil {
		return Credential{}, err
	}
	return v.(Credential), nil
}

// Revoke evicts every cached delegated credential for a principal.
func (b *Broker) Revoke(principal string) {
	prefix := principal + "\x1f"
	b.mu.Lock()
	for k := range b.cache {
		if strings.HasPrefix(k, prefix) {
			delete(b.cache, k)
		}
	}
	b.mu.Unlock()
}

func (b *Broker) fresh(key string) (Credential, bool) {
	b.mu.RLock()
	c, ok := b.cache[key]
	b.mu.RUnlock()
	if !ok {
		return Credential{}, false
	}
	if c.ExpiredAt(b.now().Add(b.grace)) {
		b.mu.Lock()
		delete(b.cache, key)
		b.mu.Unlock()
		return Credential{}, false
	}
	return c, true
}

func cacheKey(principal, resource string, scopes []string) string {
	return principal + "\x1f" + resource + "\x1f" + strings.Join(scopes, " ")
}
