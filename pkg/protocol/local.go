package protocol

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keldan/steward/pkg/credential"
	"github.com/keldan/steward/pkg/errmodel"
	"github.com/keldan/steward/pkg/registry"
	"github.com/keldan/steward/pkg/tool"
)

// localClient invokes native tool handles in-process. Discovery is a direct
// enumeration of the descriptor's handles.
type localClient struct {
	desc   registry.ToolDescriptor
	byName map[string]tool.Tool
	opts   *options
}

func newLocalClient(desc registry.ToolDescriptor, o *options) *localClient {
	byName := make(map[string]tool.Tool, len(desc.Handles))
	for _, t := range desc.Handles {
		byName[t.Describe().Name] = t
	}
	return &localClient{desc: desc, byName: byName, opts: o}
}

func (c *localClient) Discover(_ context.Context) ([]Capability, error) {
	if len(c.byName) == 0 {
		return nil, errmodel.Discovery(c.desc.ID, errmodel.Validation("no_handles", "local tool has no capability handles", nil))
	}
	caps := make([]Capability, 0, len(c.desc.Handles))
	for _, t := range c.desc.Handles {
		s := t.Describe()
		if err := tool.CompileJSONSchema(s.InputSchema); err != nil {
			return nil, errmodel.Discovery(c.desc.ID, err)
		}
		caps = append(caps, Capability{
			ToolID:       c.desc.ID,
			Name:         s.Name,
			Description:  s.Description,
			InputSchema:  s.InputSchema,
			OutputSchema: s.OutputSchema,
		})
	}
	return caps, nil
}

func (c *localClient) Invoke(ctx context.Context, inv Invocation) (Result, error) {
	tr := otel.Tracer("protocol/local")
	ctx, span := tr.Start(ctx, "LocalClient.Invoke", trace.WithAttributes(
		attribute.String("tool.id", inv.ToolID),
		attribute.String("capability", inv.Capability),
		attribute.String("correlation.id", inv.CorrelationID),
	))
	defer span.End()

	t, ok := c.byName[inv.Capability]
	if !ok {
		return Result{}, errmodel.Tool("unknown_capability", "capability not exposed by tool", false, map[string]any{
			"tool": inv.ToolID, "capability": inv.Capability,
		})
	}
	if _, err := checkPayload(inv.ToolID, inv.Args, c.opts.maxPayload); err != nil {
		return Result{}, err
	}
	if !inv.Credential.IsZero() {
		ctx = credential.WithCredential(ctx, inv.Credential)
	}

	out, err := tool.SafeInvoke(ctx, t, inv.Args, c.opts.validate)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, classifyTransportErr(ctx, err)
		}
		ce := errmodel.From(err)
		if ce.Category == errmodel.CategoryTool || ce.Category == errmodel.CategoryValidation {
			span.RecordError(ce)
			return Result{}, ce
		}
		return Result{}, errmodel.Tool("invoke_failed", ce.Message, false, map[string]any{"tool": inv.ToolID})
	}
	if _, err := checkPayload(inv.ToolID, out, c.opts.maxPayload); err != nil {
		return Result{}, err
	}
	return resultFromOutput(out), nil
}

func (c *localClient) Close() error { return nil }

// resultFromOutput maps a native tool's output map to content blocks. A map
// holding only a "text" string becomes a text block; anything else is one
// structured block.
func resultFromOutput(out map[string]any) Result {
	if len(out) == 1 {
		if s, ok := out["text"].(string); ok {
			return Result{Content: []Content{TextContent(s)}}
		}
	}
	return Result{Content: []Content{StructuredContent(out)}}
}
