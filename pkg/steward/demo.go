package steward

import (
	"time"

	"github.com/keldan/steward/pkg/adapters/llm"
	"github.com/keldan/steward/pkg/credential"
	"github.com/keldan/steward/pkg/registry"
	"github.com/keldan/steward/pkg/tool"
	"github.com/keldan/steward/pkg/tools"
)

// Demo identity constants shared by the CLI and tests.
const (
	DemoIssuer    = "https://idp.steward.dev"
	DemoPrincipal = "demo-user"
	DemoResource  = "urn:steward:recordstore"
	DemoScope     = "records:read"
)

// DemoEnv is a fully wired in-process setup: sample tools, a local identity
// provider with consent for the demo principal, and a Steward on top.
type DemoEnv struct {
	Steward  *Steward
	Provider *credential.LocalProvider
	Records  *tools.RecordStore
}

// Close releases the environment.
func (e *DemoEnv) Close() error {
	err := e.Steward.Close()
	if cerr := e.Records.Close(); err == nil {
		err = cerr
	}
	return err
}

// Token mints an inbound bearer for the demo principal with the record scope.
func (e *DemoEnv) Token() (string, error) {
	return e.Provider.IssueInbound(DemoPrincipal, []string{DemoScope}, time.Hour)
}

// NewDemo builds the demo environment around key and an optional model.
func NewDemo(key []byte, model llm.LLM) (*DemoEnv, error) {
	records, err := tools.OpenRecordStore(":memory:", true)
	if err != nil {
		return nil, err
	}

	reg := registry.New()
	descriptors := []registry.ToolDescriptor{
		{
			ID:          "docstore",
			DisplayName: "Document Store",
			Transport:   registry.TransportLocal,
			OutputKinds: []registry.ContentKind{registry.ContentStructured},
			Handles:     []tool.Tool{tools.NewDocStore(tools.DefaultCorpus()...)},
		},
		{
			ID:             "recordstore",
			DisplayName:    "Record Store",
			Transport:      registry.TransportLocal,
			Resource:       DemoResource,
			Scopes:         []string{DemoScope},
			SelfCorrecting: true,
			OutputKinds:    []registry.ContentKind{registry.ContentStructured},
			Handles:        records.Handles(),
		},
		{
			ID:          "websearch",
			DisplayName: "Web Search",
			Transport:   registry.TransportLocal,
			OutputKinds: []registry.ContentKind{registry.ContentStructured},
			Handles:     []tool.Tool{tools.NewWebSearch()},
		},
	}
	for _, d := range descriptors {
		if err := reg.Register(d); err != nil {
			records.Close()
			return nil, err
		}
	}
	reg.Freeze()

	provider := credential.NewLocalProvider(key, DemoIssuer, 5*time.Minute)
	provider.Grant(DemoPrincipal, DemoResource)

	s := New(Config{
		Registry: reg,
		Broker:   credential.NewBroker(provider),
		Parser:   credential.NewParser(key, DemoIssuer, ""),
		Model:    model,
	})
	return &DemoEnv{Steward: s, Provider: provider, Records: records}, nil
}
