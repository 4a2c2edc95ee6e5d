// Package compose turns invocation outcomes into the final user-facing text.
// Successful content is summarized by the text-generation collaborator with
// a deterministic fallback; failures always go through fixed templates so no
// provider error detail ever reaches the user.
package compose

import (
	"context"
	"fmt"
	"strings"

	"github.com/keldan/steward/pkg/adapters/llm"
	"github.com/keldan/steward/pkg/loop"
	"github.com/keldan/steward/pkg/protocol"
	"github.com/keldan/steward/pkg/registry"
)

// DefaultTokenBudget caps how much tool content enters the answer prompt.
const DefaultTokenBudget = 2000

// DefaultAnswerPrompt is the composition system prompt.
const DefaultAnswerPrompt = `You answer the user's question using only the tool output provided.
Be concise. If the output does not answer the question, say so.`

// failure templates keyed by reason. Fixed wording: these are the only
// strings a failed run can surface.
var failureTemplates = map[loop.Reason]string{
	loop.ReasonPermissionDenied:   "You don't have permission to access the resource needed for this request.",
	loop.ReasonToolUnavailable:    "The tool needed to answer this request is currently unavailable. Please try again later.",
	loop.ReasonMaxRetriesExceeded: "I couldn't produce a working query for this request after several attempts.",
	loop.ReasonNotFound:           "No relevant information was found for this request.",
}

const genericFailure = "I couldn't complete this request."

// RefusalMessage answers queries the router screened out.
const RefusalMessage = "I can't help with that request."

// Composer formats final answers.
type Composer struct {
	model    llm.LLM
	estimate TokenEstimator
	budget   int
	prompt   string
}

// Option configures the composer.
type Option func(*Composer)

// WithTokenBudget overrides the tool-content token budget.
func WithTokenBudget(n int) Option {
	return func(c *Composer) {
		if n > 0 {
			c.budget = n
		}
	}
}

// WithAnswerPrompt overrides the composition system prompt.
func WithAnswerPrompt(p string) Option {
	return func(c *Composer) {
		if p != "" {
			c.prompt = p
		}
	}
}

// WithEstimator substitutes the token estimator.
func WithEstimator(est TokenEstimator) Option {
	return func(c *Composer) {
		if est != nil {
			c.estimate = est
		}
	}
}

// New builds a composer. A nil model always takes the deterministic path.
func New(model llm.LLM, opts ...Option) *Composer {
	c := &Composer{model: model, estimate: HeuristicEstimator, budget: DefaultTokenBudget, prompt: DefaultAnswerPrompt}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Success renders a final answer from successful tool content. The model
// writes the answer when available; otherwise the content is presented
// directly.
func (c *Composer) Success(ctx context.Context, query string, res protocol.Result) string {
	content := truncateToBudget(renderContent(res), c.budget, c.estimate)
	if c.model != nil {
		user := fmt.Sprintf("Question: %s\n\nTool output:\n%s", query, content)
		if answer, err := llm.GenerateText(ctx, c.model, c.prompt, user); err == nil {
			if a := strings.TrimSpace(answer); a != "" {
				return a
			}
		}
	}
	if content == "" {
		return "The request completed but produced no content."
	}
	return content
}

// Failure renders the fixed template for a failure reason.
func (c *Composer) Failure(reason loop.Reason) string {
	if msg, ok := failureTemplates[reason]; ok {
		return msg
	}
	return genericFailure
}

// Compose dispatches on the outcome's terminal state.
func (c *Composer) Compose(ctx context.Context, query string, o loop.Outcome) string {
	if o.Succeeded() {
		return c.Success(ctx, query, o.Result)
	}
	return c.Failure(o.Reason)
}

// renderContent flattens a result into prompt text: text blocks verbatim,
// structured blocks as JSON, binary blocks as a placeholder.
func renderContent(res protocol.Result) string {
	var parts []string
	for _, block := range res.Content {
		switch block.Kind {
		case registry.ContentText:
			if block.Text != "" {
				parts = append(parts, block.Text)
			}
		case registry.ContentStructured:
			if len(block.Structured) > 0 {
				parts = append(parts, string(block.Structured))
			}
		case registry.ContentBinary:
			parts = append(parts, fmt.Sprintf("[binary content, %d bytes, %s]", len(block.Data), block.MIMEType))
		}
	}
	return strings.Join(parts, "\n")
}
