// Package toolserver exports registered tools over the Model Context
// Protocol, either through an in-memory transport for tests or streamable
// HTTP with bearer verification for real deployments.
package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	mcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/keldan/steward/pkg/credential"
	"github.com/keldan/steward/pkg/errmodel"
	"github.com/keldan/steward/pkg/tool"
)

// Server hosts tool capabilities behind an MCP server instance.
type Server struct {
	srv      *mcp.Server
	validate tool.ValidateFunc
}

// New creates a tool server identified by name/version toward clients.
func New(name, version string) *Server {
	return &Server{
		srv:      mcp.NewServer(&mcp.Implementation{Name: name, Version: version}, nil),
		validate: tool.JSONSchemaValidator,
	}
}

// Export publishes one tool capability. The tool's schemas become the MCP
// tool declaration; invocation goes through the same validation path local
// dispatch uses.
func (s *Server) Export(t tool.Tool) error {
	spec := t.Describe()
	in, err := parseSchema(spec.InputSchema)
	if err != nil {
		return fmt.Errorf("toolserver: %s input schema: %w", spec.Name, err)
	}
	out, err := parseSchema(spec.OutputSchema)
	if err != nil {
		return fmt.Errorf("toolserver: %s output schema: %w", spec.Name, err)
	}
	s.srv.AddTool(&mcp.Tool{
		Name:         spec.Name,
		Description:  spec.Description,
		InputSchema:  in,
		OutputSchema: out,
	}, s.handler(t))
	return nil
}

// ExportAll publishes every tool, stopping at the first schema failure.
func (s *Server) ExportAll(ts ...tool.Tool) error {
	for _, t := range ts {
		if err := s.Export(t); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handler(t tool.Tool) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := decodeArgs(req.Params.Arguments)
		if err != nil {
			return errResult("malformed arguments"), nil
		}
		out, err := tool.SafeInvoke(ctx, t, args, s.validate)
		if err != nil {
			// Tool and validation failures travel as in-band errors so the
			// client can classify them; the message is the only detail that
			// crosses the wire.
			return errResult(err.Error()), nil
		}
		return &mcp.CallToolResult{StructuredContent: out}, nil
	}
}

func errResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
	}
}

func decodeArgs(raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return v, nil
	case json.RawMessage:
		var args map[string]any
		if len(v) == 0 {
			return map[string]any{}, nil
		}
		if err := json.Unmarshal(v, &args); err != nil {
			return nil, err
		}
		return args, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var args map[string]any
		if err := json.Unmarshal(b, &args); err != nil {
			return nil, err
		}
		return args, nil
	}
}

func parseSchema(raw []byte) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Connect attaches the server to a transport and blocks until the session
// ends. Used with in-memory transports in tests.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) error {
	ss, err := s.srv.Connect(ctx, t, nil)
	if err != nil {
		return err
	}
	ss.Wait()
	return nil
}

// Handler returns the streamable HTTP handler with bearer verification.
// Requests must present a token the parser accepts and whose scopes cover
// requiredScopes.
func (s *Server) Handler(parser *credential.Parser, requiredScopes []string) http.Handler {
	inner := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.srv }, nil)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			errmodel.WriteHTTP(w, r, errmodel.Policy("unauthorized", "missing bearer token", nil))
			return
		}
		cred, err := parser.ParseInbound(r.Context(), raw)
		if err != nil {
			errmodel.WriteHTTP(w, r, err)
			return
		}
		if !cred.HasScopes(requiredScopes) {
			errmodel.WriteHTTP(w, r, errmodel.Policy("insufficient_scope", "token scopes do not cover this tool", map[string]any{
				"principal": cred.Principal,
				"required":  requiredScopes,
			}))
			return
		}
		inner.ServeHTTP(w, r.WithContext(credential.WithCredential(r.Context(), cred)))
	})
}

// Serve runs the HTTP handler until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string, parser *credential.Parser, requiredScopes []string) error {
	hs := &http.Server{Addr: addr, Handler: s.Handler(parser, requiredScopes)}
	go func() {
		<-ctx.Done()
		_ = hs.Shutdown(context.Background())
	}()
	if err := hs.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}
