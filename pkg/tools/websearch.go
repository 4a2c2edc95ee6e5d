package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/keldan/steward/pkg/tool"
)

var webSearchInput = []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "query": {"type": "string", "minLength": 1}
  },
  "required": ["query"],
  "additionalProperties": false
}`)

var webSearchOutput = []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "text": {"type": "string"}
  },
  "required": ["text"],
  "additionalProperties": false
}`)

// WebSearch is a canned search tool. Results come from a fixed answer map,
// falling back to a generic stub line, so demos and tests run offline.
type WebSearch struct {
	mu      sync.RWMutex
	answers map[string]string
}

// NewWebSearch builds the stub with no canned answers.
func NewWebSearch() *WebSearch {
	return &WebSearch{answers: map[string]string{}}
}

// Stub registers a canned result for an exact query.
func (w *WebSearch) Stub(query, result string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.answers[query] = result
}

func (w *WebSearch) Describe() tool.Spec {
	return tool.Spec{
		Name:         "web_search",
		Description:  "Search the web for current information.",
		InputSchema:  webSearchInput,
		OutputSchema: webSearchOutput,
	}
}

func (w *WebSearch) Invoke(ctx context.Context, args map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query, _ := args["query"].(string)
	w.mu.RLock()
	canned, ok := w.answers[query]
	w.mu.RUnlock()
	if ok {
		return map[string]any{"text": canned}, nil
	}
	return map[string]any{"text": fmt.Sprintf("Web search results for %q: no live backend configured.", query)}, nil
}
