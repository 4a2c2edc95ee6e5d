// Package steward wires the dispatch core together: router, credential
// broker, execution loop, and response composer behind one entry point.
package steward

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/keldan/steward/pkg/adapters/llm"
	"github.com/keldan/steward/pkg/compose"
	"github.com/keldan/steward/pkg/credential"
	"github.com/keldan/steward/pkg/loop"
	"github.com/keldan/steward/pkg/prompt"
	"github.com/keldan/steward/pkg/registry"
	"github.com/keldan/steward/pkg/router"
)

const directFallback = "I don't have a text-generation backend configured, and this question needs one."

const directPrompt = "You are a helpful assistant. Answer the user's question directly and concisely."

// Config assembles a Steward. Registry is required; everything else has a
// working zero value for anonymous, model-free setups.
type Config struct {
	Registry *registry.Registry
	Broker   *credential.Broker
	// Parser validates inbound bearer tokens. Nil means Respond treats the
	// bearer argument as an opaque pre-validated credential and runs
	// anonymous tools only.
	Parser *credential.Parser
	// Model handles direct answers, query generation, and composition.
	Model llm.LLM
	// Rules drive classification; zero value selects the defaults.
	Rules router.Rules
	// Prompts supplies the system prompts; nil selects the defaults.
	Prompts *prompt.Store
	// UseAssist consults the model for ambiguous classifications.
	UseAssist   bool
	MaxAttempts int

	// Capabilities maps an intent to the capability invoked on its tool.
	// Zero value selects the sample-tool names.
	Capabilities map[router.Intent]string
}

// Steward answers natural-language queries by dispatching to tools.
type Steward struct {
	cfg      Config
	router   *router.Router
	assist   *router.Assist
	runner   *loop.Runner
	composer *compose.Composer
	caps     map[router.Intent]string
}

// New wires a Steward from cfg.
func New(cfg Config) *Steward {
	if cfg.Prompts == nil {
		cfg.Prompts = prompt.NewDefaultStore()
	}
	r := router.New(cfg.Rules)

	var runnerOpts []loop.Option
	if cfg.MaxAttempts > 0 {
		runnerOpts = append(runnerOpts, loop.WithMaxAttempts(cfg.MaxAttempts))
	}
	if p := cfg.Prompts.Latest(prompt.NameQueryGeneration); p != "" {
		runnerOpts = append(runnerOpts, loop.WithQueryPrompt(p))
	}

	s := &Steward{
		cfg:    cfg,
		router: r,
		runner: loop.NewRunner(cfg.Registry, cfg.Broker, cfg.Model, runnerOpts...),
		composer: compose.New(cfg.Model,
			compose.WithAnswerPrompt(cfg.Prompts.Latest(prompt.NameAnswerCompose))),
		caps: cfg.Capabilities,
	}
	if s.caps == nil {
		s.caps = map[router.Intent]string{
			router.IntentDocument: "search_documents",
			router.IntentWeb:      "web_search",
		}
	}
	if cfg.UseAssist && cfg.Model != nil {
		s.assist = router.NewAssist(r, cfg.Model, cfg.Prompts.Latest(prompt.NameRoutingAssist))
	}
	return s
}

// Close releases pooled protocol clients.
func (s *Steward) Close() error { return s.runner.Close() }

// Respond answers query on behalf of the caller identified by bearer. The
// returned text is always safe to show the user; internal failure detail
// never crosses this boundary. The error is non-nil only for context
// cancellation.
func (s *Steward) Respond(ctx context.Context, query, bearer string) (string, error) {
	tr := otel.Tracer("steward")
	ctx, span := tr.Start(ctx, "Steward.Respond")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return "", err
	}

	c := s.classify(ctx, query)
	span.SetAttributes(attribute.String("intent", string(c.Intent)))
	if c.Refused {
		return compose.RefusalMessage, nil
	}

	if c.Intent == router.IntentDirect {
		return s.direct(ctx, query), nil
	}

	inbound, denied := s.authenticate(ctx, bearer)
	if denied {
		return s.composer.Failure(loop.ReasonPermissionDenied), nil
	}

	task := loop.Task{
		ToolID:     c.ToolID,
		Capability: s.caps[c.Intent],
		Query:      query,
	}
	if c.Intent != router.IntentRecord {
		task.Args = map[string]any{"query": query}
	}

	outcome := s.runner.Run(ctx, inbound, task)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.composer.Compose(ctx, query, outcome), nil
}

func (s *Steward) classify(ctx context.Context, query string) router.Classification {
	if s.assist != nil {
		return s.assist.Classify(ctx, query)
	}
	return s.router.Classify(query)
}

// authenticate turns the bearer into an inbound credential. With a parser
// configured, an invalid token is a permission failure. Without one, the
// bearer passes through untouched and only anonymous tools can run.
func (s *Steward) authenticate(ctx context.Context, bearer string) (credential.Credential, bool) {
	if s.cfg.Parser == nil {
		return credential.Credential{}, false
	}
	if bearer == "" {
		return credential.Credential{}, false
	}
	cred, err := s.cfg.Parser.ParseInbound(ctx, bearer)
	if err != nil {
		return credential.Credential{}, true
	}
	return cred, false
}

func (s *Steward) direct(ctx context.Context, query string) string {
	if s.cfg.Model == nil {
		return directFallback
	}
	answer, err := llm.GenerateText(ctx, s.cfg.Model, directPrompt, query)
	if err != nil || strings.TrimSpace(answer) == "" {
		return directFallback
	}
	return strings.TrimSpace(answer)
}
