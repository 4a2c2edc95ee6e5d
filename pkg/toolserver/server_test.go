package toolserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	mcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/keldan/steward/pkg/credential"
	"github.com/keldan/steward/pkg/errmodel"
	"github.com/keldan/steward/pkg/protocol"
	"github.com/keldan/steward/pkg/registry"
	"github.com/keldan/steward/pkg/tools"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func startInMemory(t *testing.T, s *Server) mcp.Transport {
	t.Helper()
	ct, st := mcp.NewInMemoryTransports()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = s.Connect(ctx, st) }()
	return ct
}

func dial(t *testing.T, transport mcp.Transport) protocol.Client {
	t.Helper()
	desc := registry.ToolDescriptor{ID: "docstore", Transport: registry.TransportStreamable}
	c, err := protocol.New(context.Background(), desc, protocol.WithMCPTransport(transport))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestExportAndInvoke(t *testing.T) {
	s := New("docs-test", "0.0.1")
	if err := s.Export(tools.NewDocStore(tools.DefaultCorpus()...)); err != nil {
		t.Fatalf("export: %v", err)
	}
	c := dial(t, startInMemory(t, s))

	caps, err := c.Discover(context.Background())
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(caps) != 1 || caps[0].Name != "search_documents" {
		t.Fatalf("caps = %v", caps)
	}

	res, err := c.Invoke(context.Background(), protocol.Invocation{
		ToolID:     "docstore",
		Capability: "search_documents",
		Args:       map[string]any{"query": "What does the Q3 Project Plan say?"},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	var joined string
	for _, block := range res.Content {
		joined += block.Text + string(block.Structured)
	}
	if !strings.Contains(joined, "October 31, 2025") {
		t.Fatalf("unexpected content: %q", joined)
	}
}

func TestToolErrorTravelsInBand(t *testing.T) {
	s := New("docs-test", "0.0.1")
	if err := s.Export(tools.NewDocStore(tools.DefaultCorpus()...)); err != nil {
		t.Fatalf("export: %v", err)
	}
	c := dial(t, startInMemory(t, s))

	_, err := c.Invoke(context.Background(), protocol.Invocation{
		ToolID:     "docstore",
		Capability: "search_documents",
		Args:       map[string]any{"query": "entirely unrelated topic"},
	})
	if err == nil {
		t.Fatal("expected tool error")
	}
	if !errmodel.IsCategory(err, errmodel.CategoryTool) {
		t.Fatalf("category: %v", err)
	}
	if errmodel.IsRetryable(err) {
		t.Fatalf("document miss must not be retryable: %v", err)
	}
}

func TestStructuralSQLErrorStaysRetryableOverWire(t *testing.T) {
	rs, err := tools.OpenRecordStore(":memory:", true)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rs.Close() })

	s := New("records-test", "0.0.1")
	if err := s.ExportAll(rs.Handles()...); err != nil {
		t.Fatalf("export: %v", err)
	}
	c := dial(t, startInMemory(t, s))

	_, err = c.Invoke(context.Background(), protocol.Invocation{
		ToolID:     "docstore",
		Capability: "execute_sql",
		Args:       map[string]any{"sql": "SELECT * FROM missing_table"},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errmodel.IsRetryable(err) {
		t.Fatalf("structural error lost retryability: %v", err)
	}
}

func TestHandlerBearerAuth(t *testing.T) {
	s := New("docs-test", "0.0.1")
	if err := s.Export(tools.NewDocStore(tools.DefaultCorpus()...)); err != nil {
		t.Fatalf("export: %v", err)
	}
	parser := credential.NewParser(testKey, "https://idp.test", "urn:tools:docs")
	provider := credential.NewLocalProvider(testKey, "https://idp.test", time.Hour)
	provider.Grant("user-1", "urn:tools:docs")

	ts := httptest.NewServer(s.Handler(parser, []string{"docs:read"}))
	t.Cleanup(ts.Close)

	post := func(token string) *http.Response {
		req, _ := http.NewRequest(http.MethodPost, ts.URL, strings.NewReader("{}"))
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		return resp
	}

	resp := post("")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d", resp.StatusCode)
	}

	resp = post("not-a-jwt")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: status = %d", resp.StatusCode)
	}

	// A valid delegated token audienced to the tool with the right scope
	// passes the auth gate; anything past that is MCP protocol handling.
	inbound, err := provider.IssueInbound("user-1", []string{"docs:read"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	inboundParser := credential.NewParser(testKey, "https://idp.test", "")
	cred, err := inboundParser.ParseInbound(context.Background(), inbound)
	if err != nil {
		t.Fatal(err)
	}
	delegated, err := provider.ExchangeToken(context.Background(), cred, "urn:tools:docs", []string{"docs:read"})
	if err != nil {
		t.Fatal(err)
	}
	resp = post(delegated.Token())
	resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		t.Fatalf("valid token rejected: status = %d", resp.StatusCode)
	}
}
