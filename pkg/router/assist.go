package router

import (
	"context"
	"strings"

	"github.com/keldan/steward/pkg/adapters/llm"
)

// DefaultAssistPrompt instructs the model how to pick a handler.
const DefaultAssistPrompt = `You route user queries to one of these handlers:
direct-answer, document-lookup, record-query, web-lookup.
Reply with exactly one handler name and nothing else.`

// Assist layers an LLM suggestion on top of the deterministic classifier for
// ambiguous queries. The classifier's verdict always stands when the model
// is unavailable, errors, or returns something outside the intent set, so
// the never-fails contract is preserved.
type Assist struct {
	router *Router
	model  llm.LLM
	prompt string
}

// NewAssist wraps router with model-backed disambiguation. An empty prompt
// selects DefaultAssistPrompt.
func NewAssist(router *Router, model llm.LLM, prompt ...string) *Assist {
	a := &Assist{router: router, model: model, prompt: DefaultAssistPrompt}
	if len(prompt) > 0 && prompt[0] != "" {
		a.prompt = prompt[0]
	}
	return a
}

// Classify returns the deterministic classification, consulting the model
// only when the keyword match was ambiguous.
func (a *Assist) Classify(ctx context.Context, query string) Classification {
	c := a.router.Classify(query)
	if a.model == nil || c.Refused || !ambiguous(query, c) {
		return c
	}
	reply, err := llm.GenerateText(ctx, a.model, a.prompt, query)
	if err != nil {
		return c
	}
	suggested := Intent(strings.TrimSpace(strings.ToLower(reply)))
	switch suggested {
	case IntentDirect:
		return Classification{Intent: IntentDirect, Matched: c.Matched}
	case IntentDocument, IntentRecord, IntentWeb:
		if a.router.rules.Disabled[suggested] {
			return c
		}
		return Classification{
			Intent:  suggested,
			ToolID:  a.router.rules.Tools[suggested],
			Matched: c.Matched,
		}
	default:
		return c
	}
}

// ambiguous reports whether the keyword verdict is weak enough to be worth a
// model call: multiple intent sets fired, or nothing fired on a short query.
func ambiguous(query string, c Classification) bool {
	if len(c.Matched) > 1 {
		return true
	}
	if len(c.Matched) == 0 && len(strings.Fields(query)) < 5 {
		return true
	}
	return false
}
