package loop

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/keldan/steward/pkg/adapters/llm/fake"
	"github.com/keldan/steward/pkg/credential"
	"github.com/keldan/steward/pkg/errmodel"
	"github.com/keldan/steward/pkg/registry"
	"github.com/keldan/steward/pkg/tool"
	"github.com/keldan/steward/pkg/tools"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func inboundFor(scopes ...string) credential.Credential {
	return credential.New("test-token", "user-1", scopes, time.Now().Add(time.Hour))
}

func docRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	err := reg.Register(registry.ToolDescriptor{
		ID:        "docstore",
		Transport: registry.TransportLocal,
		Handles:   []tool.Tool{tools.NewDocStore(tools.DefaultCorpus()...)},
	})
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func recordRegistry(t *testing.T, resource string) *registry.Registry {
	t.Helper()
	rs, err := tools.OpenRecordStore(":memory:", true)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rs.Close() })
	reg := registry.New()
	err = reg.Register(registry.ToolDescriptor{
		ID:             "recordstore",
		Transport:      registry.TransportLocal,
		Resource:       resource,
		Scopes:         []string{"records:read"},
		SelfCorrecting: true,
		Handles:        rs.Handles(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestRunDirectLookup(t *testing.T) {
	r := NewRunner(docRegistry(t), nil, nil)
	t.Cleanup(func() { r.Close() })

	o := r.Run(context.Background(), credential.Credential{}, Task{
		ToolID:     "docstore",
		Capability: "search_documents",
		Args:       map[string]any{"query": "What does the Q3 Project Plan say?"},
	})
	if !o.Succeeded() {
		t.Fatalf("outcome: %+v", o)
	}
	if len(o.Result.Content) == 0 {
		t.Fatal("no content")
	}
}

func TestRunNotFound(t *testing.T) {
	r := NewRunner(docRegistry(t), nil, nil)
	t.Cleanup(func() { r.Close() })

	o := r.Run(context.Background(), credential.Credential{}, Task{
		ToolID:     "docstore",
		Capability: "search_documents",
		Args:       map[string]any{"query": "totally unrelated subject"},
	})
	if o.State != StateFailed || o.Reason != ReasonNotFound {
		t.Fatalf("outcome: %+v", o)
	}
}

func TestRunUnknownTool(t *testing.T) {
	r := NewRunner(docRegistry(t), nil, nil)
	t.Cleanup(func() { r.Close() })

	o := r.Run(context.Background(), credential.Credential{}, Task{ToolID: "nope"})
	if o.State != StateFailed || o.Reason != ReasonToolUnavailable {
		t.Fatalf("outcome: %+v", o)
	}
}

func TestRunPermissionDeniedIsTerminal(t *testing.T) {
	provider := credential.NewLocalProvider(testKey, "https://idp.test", time.Hour)
	// No Grant call: the principal never consented to records delegation.
	broker := credential.NewBroker(provider)
	model := fake.New("SELECT COUNT(*) FROM accounts")
	r := NewRunner(recordRegistry(t, "urn:tools:records"), broker, model)
	t.Cleanup(func() { r.Close() })

	o := r.Run(context.Background(), inboundFor("records:read"), Task{
		ToolID: "recordstore",
		Query:  "How many accounts were created?",
	})
	if o.State != StateFailed || o.Reason != ReasonPermissionDenied {
		t.Fatalf("outcome: %+v", o)
	}
	if len(model.Calls()) != 0 {
		t.Fatal("permission denial must short-circuit before generation")
	}
	if len(o.Attempts) != 0 {
		t.Fatalf("attempts: %v", o.Attempts)
	}
}

func grantedBroker(t *testing.T) *credential.Broker {
	t.Helper()
	provider := credential.NewLocalProvider(testKey, "https://idp.test", time.Hour)
	provider.Grant("user-1", "urn:tools:records")
	return credential.NewBroker(provider)
}

func TestSelfCorrectionRecovers(t *testing.T) {
	model := fake.New("SELECT * FROM missing_table").
		On("previous query failed", "SELECT COUNT(*) AS n FROM accounts")
	r := NewRunner(recordRegistry(t, "urn:tools:records"), grantedBroker(t), model)
	t.Cleanup(func() { r.Close() })

	o := r.Run(context.Background(), inboundFor("records:read"), Task{
		ToolID: "recordstore",
		Query:  "How many accounts were created?",
	})
	if !o.Succeeded() {
		t.Fatalf("outcome: %+v", o)
	}
	if len(o.Attempts) != 1 {
		t.Fatalf("attempts: %v", o.Attempts)
	}
	if !strings.Contains(o.Attempts[0].Error, "missing_table") {
		t.Fatalf("attempt error: %q", o.Attempts[0].Error)
	}
}

func TestSelfCorrectionExhaustsAttempts(t *testing.T) {
	model := fake.New("SELECT * FROM nope1").
		On("nope2", "SELECT * FROM nope3").
		On("nope1", "SELECT * FROM nope2")
	r := NewRunner(recordRegistry(t, "urn:tools:records"), grantedBroker(t), model)
	t.Cleanup(func() { r.Close() })

	o := r.Run(context.Background(), inboundFor("records:read"), Task{
		ToolID: "recordstore",
		Query:  "How many widgets?",
	})
	if o.State != StateFailed || o.Reason != ReasonMaxRetriesExceeded {
		t.Fatalf("outcome: %+v", o)
	}
	if len(o.Attempts) != DefaultMaxAttempts {
		t.Fatalf("attempts = %d, want %d", len(o.Attempts), DefaultMaxAttempts)
	}
	seen := map[string]bool{}
	for _, a := range o.Attempts {
		if seen[a.Query] {
			t.Fatalf("repeated query across retries: %q", a.Query)
		}
		seen[a.Query] = true
	}
	var e *errmodel.Error
	if !errors.As(o.Err, &e) || e.Code != errmodel.CodeMaxRetries {
		t.Fatalf("err: %v", o.Err)
	}
	// The last structural error is preserved as a cause.
	if len(e.Causes) == 0 || !strings.Contains(e.Causes[0].Message, "nope3") {
		t.Fatalf("missing last error cause: %+v", e)
	}
}

func TestSelfCorrectionStopsWhenModelRepeats(t *testing.T) {
	// The model always produces the same broken query.
	model := fake.New("SELECT * FROM missing_table")
	r := NewRunner(recordRegistry(t, "urn:tools:records"), grantedBroker(t), model)
	t.Cleanup(func() { r.Close() })

	o := r.Run(context.Background(), inboundFor("records:read"), Task{
		ToolID: "recordstore",
		Query:  "How many accounts?",
	})
	if o.State != StateFailed || o.Reason != ReasonMaxRetriesExceeded {
		t.Fatalf("outcome: %+v", o)
	}
	if len(o.Attempts) != 1 {
		t.Fatalf("identical regeneration must not be re-issued, attempts: %v", o.Attempts)
	}
}

func TestSelfCorrectionStripsCodeFences(t *testing.T) {
	model := fake.New("```sql\nSELECT COUNT(*) AS n FROM accounts\n```")
	r := NewRunner(recordRegistry(t, "urn:tools:records"), grantedBroker(t), model)
	t.Cleanup(func() { r.Close() })

	o := r.Run(context.Background(), inboundFor("records:read"), Task{
		ToolID: "recordstore",
		Query:  "How many accounts?",
	})
	if !o.Succeeded() {
		t.Fatalf("outcome: %+v", o)
	}
}

func TestRunAllConcatenatesInOrder(t *testing.T) {
	reg := docRegistry(t)
	err := reg.Register(registry.ToolDescriptor{
		ID:        "websearch",
		Transport: registry.TransportLocal,
		Handles:   []tool.Tool{tools.NewWebSearch()},
	})
	if err != nil {
		t.Fatal(err)
	}
	r := NewRunner(reg, nil, nil)
	t.Cleanup(func() { r.Close() })

	o := r.RunAll(context.Background(), credential.Credential{}, []Task{
		{ToolID: "docstore", Capability: "search_documents", Args: map[string]any{"query": "Q3 Project Plan"}},
		{ToolID: "websearch", Capability: "web_search", Args: map[string]any{"query": "anything"}},
	})
	if !o.Succeeded() {
		t.Fatalf("outcome: %+v", o)
	}
	if len(o.Result.Content) != 2 {
		t.Fatalf("content blocks = %d, want 2", len(o.Result.Content))
	}
}

func TestRunAllAbortsOnFirstFailure(t *testing.T) {
	r := NewRunner(docRegistry(t), nil, nil)
	t.Cleanup(func() { r.Close() })

	o := r.RunAll(context.Background(), credential.Credential{}, []Task{
		{ToolID: "docstore", Capability: "search_documents", Args: map[string]any{"query": "no such topic anywhere"}},
		{ToolID: "docstore", Capability: "search_documents", Args: map[string]any{"query": "Q3 Project Plan"}},
	})
	if o.State != StateFailed || o.Reason != ReasonNotFound {
		t.Fatalf("outcome: %+v", o)
	}
}
