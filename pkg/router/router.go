// Package router classifies natural-language queries into dispatch intents.
// Classification is deterministic, stateless, and never fails: a query that
// matches nothing is a valid direct-answer classification.
package router

import (
	"sort"
	"strings"
)

// Intent is the dispatch category assigned to a query.
type Intent string

const (
	IntentDirect   Intent = "direct-answer"
	IntentDocument Intent = "document-lookup"
	IntentRecord   Intent = "record-query"
	IntentWeb      Intent = "web-lookup"
)

// priority orders intents for tie-breaks: structured-data answers win over
// unstructured text when both are plausible.
var priority = []Intent{IntentRecord, IntentDocument, IntentWeb}

// Classification is the router's verdict on a query.
type Classification struct {
	Intent Intent
	// ToolID is the registry id bound to the intent, empty for direct-answer.
	ToolID string
	// Matched lists every intent whose keyword set fired, in priority order.
	Matched []Intent
	// Refused is set when the query hit a harmful pattern; the intent is
	// forced to direct-answer and the caller should answer with a refusal.
	Refused bool
}

// Rules holds the keyword sets and tool bindings the classifier runs on.
type Rules struct {
	Keywords map[Intent][]string
	// HarmfulPatterns are matched on word boundaries, case-insensitive.
	HarmfulPatterns []string
	// Tools maps an intent to its registry tool id.
	Tools map[Intent]string
	// Disabled intents are skipped during matching; their queries fall
	// through to the next intent in priority order.
	Disabled map[Intent]bool
}

// DefaultRules returns the built-in keyword sets for the sample tools.
func DefaultRules() Rules {
	return Rules{
		Keywords: map[Intent][]string{
			IntentDocument: {
				"document", "file", "plan", "report", "spec",
				"according to", "notes", "memo",
			},
			IntentRecord: {
				"how many", "count", "accounts", "sales", "revenue",
				"figures", "database", "records", "average", "total",
			},
			IntentWeb: {
				"latest", "news", "current", "price", "today",
				"website", "search the web", "weather",
			},
		},
		HarmfulPatterns: []string{
			"delete", "drop", "truncate", "shutdown", "rm -rf",
		},
		Tools: map[Intent]string{
			IntentDocument: "docstore",
			IntentRecord:   "recordstore",
			IntentWeb:      "websearch",
		},
	}
}

// Router classifies queries against a fixed rule set.
type Router struct {
	rules Rules
}

// New builds a router over the given rules.
func New(rules Rules) *Router {
	if rules.Keywords == nil {
		rules = DefaultRules()
	}
	return &Router{rules: rules}
}

// Classify assigns an intent to the query. Harmful patterns short-circuit to
// a refused direct-answer. Otherwise every keyword set is evaluated and the
// highest-priority match wins; no match means direct-answer.
func (r *Router) Classify(query string) Classification {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return Classification{Intent: IntentDirect}
	}
	if r.harmful(q) {
		return Classification{Intent: IntentDirect, Refused: true}
	}

	var matched []Intent
	for _, intent := range priority {
		if r.rules.Disabled[intent] {
			continue
		}
		if matchAny(q, r.rules.Keywords[intent]) {
			matched = append(matched, intent)
		}
	}
	if len(matched) == 0 {
		return Classification{Intent: IntentDirect}
	}
	top := matched[0]
	return Classification{
		Intent:  top,
		ToolID:  r.rules.Tools[top],
		Matched: matched,
	}
}

// Intents lists the intents this router can produce, sorted.
func (r *Router) Intents() []Intent {
	out := []Intent{IntentDirect}
	for _, intent := range priority {
		if !r.rules.Disabled[intent] {
			out = append(out, intent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Router) harmful(qLower string) bool {
	padded := " " + qLower + " "
	for _, p := range r.rules.HarmfulPatterns {
		if strings.Contains(padded, " "+strings.ToLower(p)+" ") {
			return true
		}
	}
	return false
}

func matchAny(qLower string, keywords []string) bool {
	for _, k := range keywords {
		if k != "" && strings.Contains(qLower, strings.ToLower(k)) {
			return true
		}
	}
	return false
}
