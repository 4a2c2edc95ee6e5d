package protocol

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"

	mcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keldan/steward/pkg/errmodel"
	"github.com/keldan/steward/pkg/registry"
	"github.com/keldan/steward/pkg/tool"
)

// correlationMetaKey carries the invocation correlation id in MCP request
// metadata so tool servers can echo it into their own traces.
const correlationMetaKey = "steward.dev/correlationId"

// mcpClient reaches a networked tool over the Model Context Protocol.
type mcpClient struct {
	desc    registry.ToolDescriptor
	session *mcp.ClientSession
	opts    *options

	// caps caches the discovered capability set. The tools-changed
	// notification swaps it to nil without blocking in-flight invocations
	// that already hold the previous set.
	caps atomic.Pointer[[]Capability]
}

func dialMCP(ctx context.Context, desc registry.ToolDescriptor, o *options) (*mcpClient, error) {
	c := &mcpClient{desc: desc, opts: o}

	client := mcp.NewClient(&mcp.Implementation{Name: "steward", Version: "0.1.0"}, &mcp.ClientOptions{
		ToolListChangedHandler: func(context.Context, *mcp.ToolListChangedRequest) {
			c.caps.Store(nil)
		},
	})

	transport := o.transport
	if transport == nil {
		hc := o.httpClient
		if hc == nil {
			hc = &http.Client{Transport: otelhttp.NewTransport(&bearerTransport{base: http.DefaultTransport})}
		}
		transport = &mcp.StreamableClientTransport{Endpoint: desc.Endpoint, HTTPClient: hc}
	}

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, errmodel.Discovery(desc.ID, err)
	}
	c.session = session
	return c, nil
}

func (c *mcpClient) Discover(ctx context.Context) ([]Capability, error) {
	if cached := c.caps.Load(); cached != nil {
		return *cached, nil
	}
	res, err := c.session.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		return nil, errmodel.Discovery(c.desc.ID, err)
	}
	caps := make([]Capability, 0, len(res.Tools))
	for _, t := range res.Tools {
		in, err := marshalSchema(t.InputSchema)
		if err != nil {
			return nil, errmodel.Discovery(c.desc.ID, err)
		}
		out, err := marshalSchema(t.OutputSchema)
		if err != nil {
			return nil, errmodel.Discovery(c.desc.ID, err)
		}
		if err := tool.CompileJSONSchema(in); err != nil {
			return nil, errmodel.Discovery(c.desc.ID, err)
		}
		caps = append(caps, Capability{
			ToolID:       c.desc.ID,
			Name:         t.Name,
			Description:  t.Description,
			InputSchema:  in,
			OutputSchema: out,
		})
	}
	c.caps.Store(&caps)
	return caps, nil
}

func (c *mcpClient) Invoke(ctx context.Context, inv Invocation) (Result, error) {
	tr := otel.Tracer("protocol/mcp")
	ctx, span := tr.Start(ctx, "MCPClient.Invoke", trace.WithAttributes(
		attribute.String("tool.id", inv.ToolID),
		attribute.String("capability", inv.Capability),
		attribute.String("correlation.id", inv.CorrelationID),
	))
	defer span.End()

	caps, err := c.Discover(ctx)
	if err != nil {
		return Result{}, err
	}
	var target *Capability
	for i := range caps {
		if caps[i].Name == inv.Capability {
			target = &caps[i]
			break
		}
	}
	if target == nil {
		return Result{}, errmodel.Tool("unknown_capability", "capability not exposed by tool", false, map[string]any{
			"tool": inv.ToolID, "capability": inv.Capability,
		})
	}
	if err := c.opts.validate(target.InputSchema, inv.Args); err != nil {
		return Result{}, errmodel.Validation("invalid_input", "arguments do not match capability schema", map[string]any{
			"tool": inv.ToolID, "capability": inv.Capability, "error": err.Error(),
		})
	}
	if _, err := checkPayload(inv.ToolID, inv.Args, c.opts.maxPayload); err != nil {
		return Result{}, err
	}

	if !inv.Credential.IsZero() {
		ctx = withBearer(ctx, inv.Credential.Token())
	}
	res, err := c.session.CallTool(ctx, &mcp.CallToolParams{
		Meta:      mcp.Meta{correlationMetaKey: inv.CorrelationID},
		Name:      inv.Capability,
		Arguments: inv.Args,
	})
	if err != nil {
		ce := classifyTransportErr(ctx, err)
		span.RecordError(ce)
		return Result{}, ce
	}
	if res.IsError {
		msg := errorText(res)
		return Result{}, errmodel.Tool("tool_reported", msg, IsStructuralMessage(msg), map[string]any{
			"tool": inv.ToolID, "capability": inv.Capability,
		})
	}
	out, err := resultFromCallResult(res)
	if err != nil {
		return Result{}, errmodel.Tool("bad_response", "tool returned an unreadable response", false, map[string]any{"tool": inv.ToolID})
	}
	if _, err := checkPayload(inv.ToolID, out.Content, c.opts.maxPayload); err != nil {
		return Result{}, err
	}
	return out, nil
}

func (c *mcpClient) Close() error { return c.session.Close() }

func marshalSchema(s any) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}

func errorText(res *mcp.CallToolResult) string {
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok && tc.Text != "" {
			return tc.Text
		}
	}
	return "tool reported an error"
}

func resultFromCallResult(res *mcp.CallToolResult) (Result, error) {
	var out Result
	for _, c := range res.Content {
		switch t := c.(type) {
		case *mcp.TextContent:
			out.Content = append(out.Content, TextContent(t.Text))
		case *mcp.ImageContent:
			out.Content = append(out.Content, BinaryContent(t.Data, t.MIMEType))
		case *mcp.AudioContent:
			out.Content = append(out.Content, BinaryContent(t.Data, t.MIMEType))
		}
	}
	if res.StructuredContent != nil {
		b, err := json.Marshal(res.StructuredContent)
		if err != nil {
			return Result{}, err
		}
		out.Content = append(out.Content, Content{Kind: registry.ContentStructured, Structured: b})
	}
	return out, nil
}

type bearerKey struct{}

// withBearer stashes the token for the transport's RoundTripper; it flows
// through the MCP session into the outbound HTTP request context.
func withBearer(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, bearerKey{}, token)
}

// bearerTransport injects the per-invocation bearer credential into the
// Authorization header.
type bearerTransport struct {
	base http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if tok, ok := req.Context().Value(bearerKey{}).(string); ok && tok != "" {
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return t.base.RoundTrip(req)
}
