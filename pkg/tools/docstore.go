// Package tools contains the sample tool implementations the dispatch core
// routes to: a document store, a SQL record store, and a web search stub.
package tools

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/keldan/steward/pkg/errmodel"
	"github.com/keldan/steward/pkg/tool"
)

var docSearchInput = []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "query": {"type": "string", "minLength": 1}
  },
  "required": ["query"],
  "additionalProperties": false
}`)

var docSearchOutput = []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "title": {"type": "string"},
    "text": {"type": "string"}
  },
  "required": ["title", "text"],
  "additionalProperties": false
}`)

// Document is one entry in the corpus.
type Document struct {
	Title string
	Body  string
}

// DocStore is an in-memory document corpus searched by keyword overlap with
// document titles. Lookup misses are not_found tool errors, never retryable.
type DocStore struct {
	mu   sync.RWMutex
	docs []Document
}

// NewDocStore seeds the store with the given corpus.
func NewDocStore(docs ...Document) *DocStore {
	s := &DocStore{}
	s.docs = append(s.docs, docs...)
	return s
}

// DefaultCorpus returns the sample documents used by the demo and tests.
func DefaultCorpus() []Document {
	return []Document{
		{
			Title: "Q3 Project Plan",
			Body:  "According to the Q3 Project Plan, the deadline is October 31, 2025.",
		},
		{
			Title: "Design Document",
			Body:  "The design document specifies the authentication flow requirements.",
		},
	}
}

// Add appends a document to the corpus.
func (s *DocStore) Add(d Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = append(s.docs, d)
}

func (s *DocStore) Describe() tool.Spec {
	return tool.Spec{
		Name:         "search_documents",
		Description:  "Look up internal documents by title keywords and return the best match.",
		InputSchema:  docSearchInput,
		OutputSchema: docSearchOutput,
	}
}

func (s *DocStore) Invoke(ctx context.Context, args map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query, _ := args["query"].(string)
	words := tokenize(query)

	s.mu.RLock()
	defer s.mu.RUnlock()

	best := -1
	bestScore := 0
	for i, d := range s.docs {
		score := overlap(words, tokenize(d.Title))
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return nil, errmodel.Tool(errmodel.CodeNotFound, "no relevant documents found", false, map[string]any{"query": query})
	}
	d := s.docs[best]
	return map[string]any{"title": d.Title, "text": d.Body}, nil
}

func tokenize(s string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, `.,;:!?"'()`)
		if len(w) > 1 {
			out[w] = true
		}
	}
	return out
}

func overlap(a, b map[string]bool) int {
	n := 0
	for w := range a {
		if b[w] {
			n++
		}
	}
	return n
}

// Titles lists the corpus titles, sorted.
func (s *DocStore) Titles() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.docs))
	for _, d := range s.docs {
		out = append(out, d.Title)
	}
	sort.Strings(out)
	return out
}
