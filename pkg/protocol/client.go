package protocol

import (
	"context"
	"encoding/json"
	"net/http"

	mcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/keldan/steward/pkg/errmodel"
	"github.com/keldan/steward/pkg/registry"
	"github.com/keldan/steward/pkg/tool"
)

// DefaultMaxPayload bounds serialized arguments and results.
const DefaultMaxPayload = 1 << 20 // 1 MiB

// Client discovers and invokes one registered tool.
type Client interface {
	// Discover returns the tool's capabilities. A failure means the tool is
	// unavailable, not that the process should crash.
	Discover(ctx context.Context) ([]Capability, error)
	// Invoke performs one call attempt. Failures are classified into tool
	// and transport errors; the client never retries internally.
	Invoke(ctx context.Context, inv Invocation) (Result, error)
	Close() error
}

// Option configures a client.
type Option func(*options)

type options struct {
	maxPayload int
	validate   tool.ValidateFunc
	httpClient *http.Client
	transport  mcp.Transport
}

// WithMaxPayload overrides the payload ceiling in bytes.
func WithMaxPayload(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxPayload = n
		}
	}
}

// WithValidator overrides the schema validator.
func WithValidator(v tool.ValidateFunc) Option {
	return func(o *options) {
		if v != nil {
			o.validate = v
		}
	}
}

// WithHTTPClient overrides the HTTP client for streamable transports.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithMCPTransport substitutes the MCP transport, e.g. an in-memory pipe in
// tests.
func WithMCPTransport(t mcp.Transport) Option {
	return func(o *options) { o.transport = t }
}

// New builds a client for the descriptor's transport kind.
func New(ctx context.Context, desc registry.ToolDescriptor, opts ...Option) (Client, error) {
	o := &options{maxPayload: DefaultMaxPayload, validate: tool.JSONSchemaValidator}
	for _, opt := range opts {
		opt(o)
	}
	switch desc.Transport {
	case registry.TransportLocal:
		return newLocalClient(desc, o), nil
	case registry.TransportStreamable:
		return dialMCP(ctx, desc, o)
	default:
		return nil, errmodel.Validation("bad_transport", "unsupported transport kind", map[string]any{
			"tool": desc.ID, "transport": string(desc.Transport),
		})
	}
}

// checkPayload enforces the configured ceiling on a serialized payload.
// Oversized payloads fail closed; nothing is silently truncated.
func checkPayload(toolID string, v any, limit int) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errmodel.Validation("bad_payload", "payload not serializable", map[string]any{"tool": toolID})
	}
	if len(b) > limit {
		return nil, errmodel.PayloadTooLarge(toolID, len(b), limit)
	}
	return b, nil
}

// classifyTransportErr folds context and transport failures into the
// transport error taxonomy.
func classifyTransportErr(ctx context.Context, err error) *errmodel.Error {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return errmodel.Transport(errmodel.CodeTimeout, "deadline exceeded", err)
	case context.Canceled:
		return errmodel.Transport(errmodel.CodeCanceled, "call canceled", err)
	}
	return errmodel.Transport(errmodel.CodeUnreachable, "tool unreachable", err)
}
