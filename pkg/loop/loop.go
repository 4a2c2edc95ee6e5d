// Package loop drives one tool invocation to completion: credential
// acquisition, the protocol call, and the bounded self-correction cycle for
// structured-query tools. Each run is an isolated state machine instance;
// nothing survives it except the outcome.
package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keldan/steward/pkg/adapters/llm"
	"github.com/keldan/steward/pkg/credential"
	"github.com/keldan/steward/pkg/errmodel"
	"github.com/keldan/steward/pkg/protocol"
	"github.com/keldan/steward/pkg/registry"
)

// DefaultMaxAttempts bounds the self-correction cycle.
const DefaultMaxAttempts = 3

// DefaultQueryPrompt is the generation system prompt; %s receives the schema.
const DefaultQueryPrompt = "You translate user questions into a single read-only SQLite SELECT statement.\nSchema:\n%s\nReply with only the SQL statement."

// State names the phases of a run.
type State string

const (
	StateStart       State = "start"
	StateAuthorizing State = "authorizing"
	StateInvoking    State = "invoking"
	StateRetrying    State = "retrying"
	StateSucceeded   State = "succeeded"
	StateFailed      State = "failed"
)

// Reason classifies a failed run for the response composer.
type Reason string

const (
	ReasonPermissionDenied   Reason = "permission_denied"
	ReasonToolUnavailable    Reason = "tool_unavailable"
	ReasonMaxRetriesExceeded Reason = "max_retries_exceeded"
	ReasonNotFound           Reason = "not_found"
)

// QueryAttempt records one failed generation inside a self-correcting run.
type QueryAttempt struct {
	Attempt int
	Query   string
	Error   string
}

// Task is one unit of work for the runner.
type Task struct {
	ToolID     string
	Capability string
	// Args are the literal invocation arguments. Ignored for self-correcting
	// tools, whose arguments the runner generates from Query.
	Args map[string]any
	// Query is the user's question, used for argument generation.
	Query string
}

// Outcome is the terminal result of a run.
type Outcome struct {
	State    State
	Reason   Reason
	Result   protocol.Result
	Attempts []QueryAttempt
	Err      error
}

// Succeeded reports whether the run reached the success terminal state.
func (o Outcome) Succeeded() bool { return o.State == StateSucceeded }

// Dialer opens a protocol client for a descriptor.
type Dialer func(ctx context.Context, desc registry.ToolDescriptor) (protocol.Client, error)

// Runner executes tasks against the registry. Safe for concurrent use;
// protocol clients are cached per tool id.
type Runner struct {
	reg    *registry.Registry
	broker *credential.Broker
	model  llm.LLM
	dial   Dialer
	max    int

	schemaCapability string
	queryCapability  string
	argKey           string
	queryPrompt      string

	mu      sync.Mutex
	clients map[string]protocol.Client
}

// Option configures the runner.
type Option func(*Runner)

// WithMaxAttempts overrides the self-correction bound.
func WithMaxAttempts(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.max = n
		}
	}
}

// WithDialer substitutes how protocol clients are opened, for tests.
func WithDialer(d Dialer) Option {
	return func(r *Runner) {
		if d != nil {
			r.dial = d
		}
	}
}

// WithQueryPrompt overrides the generation system prompt. The template must
// contain one %s verb receiving the schema description.
func WithQueryPrompt(tmpl string) Option {
	return func(r *Runner) {
		if tmpl != "" {
			r.queryPrompt = tmpl
		}
	}
}

// WithStructuredCapabilities names the schema and query capabilities of
// self-correcting tools, and the argument key carrying the generated query.
func WithStructuredCapabilities(schema, query, argKey string) Option {
	return func(r *Runner) {
		r.schemaCapability = schema
		r.queryCapability = query
		r.argKey = argKey
	}
}

// NewRunner builds a runner. The model may be nil when no registered tool is
// self-correcting.
func NewRunner(reg *registry.Registry, broker *credential.Broker, model llm.LLM, opts ...Option) *Runner {
	r := &Runner{
		reg:    reg,
		broker: broker,
		model:  model,
		dial: func(ctx context.Context, desc registry.ToolDescriptor) (protocol.Client, error) {
			return protocol.New(ctx, desc)
		},
		max:              DefaultMaxAttempts,
		schemaCapability: "describe_schema",
		queryCapability:  "execute_sql",
		argKey:           "sql",
		queryPrompt:      DefaultQueryPrompt,
		clients:          make(map[string]protocol.Client),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Close releases all cached protocol clients.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for id, c := range r.clients {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
		delete(r.clients, id)
	}
	return first
}

// Run drives one task to a terminal state.
func (r *Runner) Run(ctx context.Context, inbound credential.Credential, t Task) Outcome {
	tr := otel.Tracer("loop")
	ctx, span := tr.Start(ctx, "Runner.Run", trace.WithAttributes(
		attribute.String("tool", t.ToolID),
	))
	defer span.End()

	desc, err := r.reg.Resolve(t.ToolID)
	if err != nil {
		return failed(ReasonToolUnavailable, err, nil)
	}

	// Authorizing: anonymous tools skip the broker entirely.
	var cred credential.Credential
	if !desc.Anonymous() {
		cred, err = r.broker.Exchange(ctx, inbound, desc.Resource, desc.Scopes)
		if err != nil {
			span.RecordError(err)
			if errmodel.IsCategory(err, errmodel.CategoryPolicy) {
				return failed(ReasonPermissionDenied, err, nil)
			}
			return failed(ReasonToolUnavailable, err, nil)
		}
	}

	client, err := r.client(ctx, desc)
	if err != nil {
		return failed(ReasonToolUnavailable, err, nil)
	}

	if desc.SelfCorrecting {
		return r.runSelfCorrecting(ctx, client, cred, t)
	}

	res, err := client.Invoke(ctx, protocol.Invocation{
		ToolID:        t.ToolID,
		Capability:    t.Capability,
		Args:          t.Args,
		Credential:    cred,
		CorrelationID: uuid.NewString(),
	})
	if err != nil {
		return failed(invokeReason(err), err, nil)
	}
	return Outcome{State: StateSucceeded, Result: res}
}

// RunAll executes tasks sequentially and concatenates successful content in
// invocation order. The first failed task aborts the composite and its
// outcome is surfaced unchanged.
func (r *Runner) RunAll(ctx context.Context, inbound credential.Credential, tasks []Task) Outcome {
	var merged protocol.Result
	var attempts []QueryAttempt
	for _, t := range tasks {
		o := r.Run(ctx, inbound, t)
		attempts = append(attempts, o.Attempts...)
		if !o.Succeeded() {
			o.Attempts = attempts
			return o
		}
		merged.Content = append(merged.Content, o.Result.Content...)
	}
	return Outcome{State: StateSucceeded, Result: merged, Attempts: attempts}
}

func (r *Runner) runSelfCorrecting(ctx context.Context, client protocol.Client, cred credential.Credential, t Task) Outcome {
	if r.model == nil {
		return failed(ReasonToolUnavailable, errmodel.System("no_model", "self-correcting tool requires a generation model", map[string]any{"tool": t.ToolID}, nil), nil)
	}

	schema, err := r.describeSchema(ctx, client, cred, t.ToolID)
	if err != nil {
		return failed(invokeReason(err), err, nil)
	}

	query, err := r.generate(ctx, schema, t.Query, nil)
	if err != nil {
		return failed(ReasonToolUnavailable, err, nil)
	}

	var attempts []QueryAttempt
	var lastErr error
	for attempt := 1; attempt <= r.max; attempt++ {
		tr := otel.Tracer("loop")
		attemptCtx, span := tr.Start(ctx, "Runner.attempt", trace.WithAttributes(
			attribute.String("tool", t.ToolID),
			attribute.Int("attempt", attempt),
		))
		res, err := client.Invoke(attemptCtx, protocol.Invocation{
			ToolID:        t.ToolID,
			Capability:    r.queryCapability,
			Args:          map[string]any{r.argKey: query},
			Credential:    cred,
			CorrelationID: uuid.NewString(),
		})
		span.End()
		if err == nil {
			return Outcome{State: StateSucceeded, Result: res, Attempts: attempts}
		}
		if !errmodel.IsRetryable(err) {
			attempts = append(attempts, QueryAttempt{Attempt: attempt, Query: query, Error: err.Error()})
			return failed(invokeReason(err), err, attempts)
		}

		attempts = append(attempts, QueryAttempt{Attempt: attempt, Query: query, Error: err.Error()})
		lastErr = err
		if attempt == r.max {
			break
		}

		revised, genErr := r.generate(ctx, schema, t.Query, attempts)
		if genErr != nil {
			return failed(ReasonToolUnavailable, genErr, attempts)
		}
		if repeats(revised, attempts) {
			// The model is stuck; re-issuing an identical query cannot change
			// the outcome.
			break
		}
		query = revised
	}
	return failed(ReasonMaxRetriesExceeded, errmodel.MaxRetries(t.ToolID, len(attempts), lastErr), attempts)
}

func (r *Runner) describeSchema(ctx context.Context, client protocol.Client, cred credential.Credential, toolID string) (string, error) {
	res, err := client.Invoke(ctx, protocol.Invocation{
		ToolID:        toolID,
		Capability:    r.schemaCapability,
		Args:          map[string]any{},
		Credential:    cred,
		CorrelationID: uuid.NewString(),
	})
	if err != nil {
		return "", err
	}
	for _, block := range res.Content {
		if len(block.Structured) > 0 {
			var payload struct {
				Schema string `json:"schema"`
			}
			if json.Unmarshal(block.Structured, &payload) == nil && payload.Schema != "" {
				return payload.Schema, nil
			}
		}
	}
	return res.JoinedText(), nil
}

func (r *Runner) generate(ctx context.Context, schema, question string, prior []QueryAttempt) (string, error) {
	system := fmt.Sprintf(r.queryPrompt, schema)
	user := question
	if n := len(prior); n > 0 {
		last := prior[n-1]
		user = fmt.Sprintf(
			"The previous query failed.\nQuery: %s\nError: %s\nWrite a corrected SELECT statement, different from the failed one, answering: %s",
			last.Query, last.Error, question,
		)
	}
	text, err := llm.GenerateText(ctx, r.model, system, user)
	if err != nil {
		return "", errmodel.New(errmodel.CategoryModel, "generation_failed", "query generation failed", map[string]any{"question": question}, err)
	}
	query := stripFences(text)
	if query == "" {
		return "", errmodel.New(errmodel.CategoryModel, "generation_failed", "query generation returned nothing", map[string]any{"question": question})
	}
	return query, nil
}

func repeats(query string, prior []QueryAttempt) bool {
	for _, a := range prior {
		if strings.TrimSpace(a.Query) == strings.TrimSpace(query) {
			return true
		}
	}
	return false
}

// stripFences unwraps a markdown code block if the model returned one.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```sql")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}

func (r *Runner) client(ctx context.Context, desc registry.ToolDescriptor) (protocol.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[desc.ID]; ok {
		return c, nil
	}
	c, err := r.dial(ctx, desc)
	if err != nil {
		return nil, err
	}
	r.clients[desc.ID] = c
	return c, nil
}

// invokeReason maps an invocation error to a failure reason.
func invokeReason(err error) Reason {
	var e *errmodel.Error
	if errors.As(err, &e) {
		switch {
		case e.Code == errmodel.CodeNotFound:
			return ReasonNotFound
		case e.Category == errmodel.CategoryPolicy:
			return ReasonPermissionDenied
		}
	}
	return ReasonToolUnavailable
}

func failed(reason Reason, err error, attempts []QueryAttempt) Outcome {
	return Outcome{State: StateFailed, Reason: reason, Err: err, Attempts: attempts}
}
