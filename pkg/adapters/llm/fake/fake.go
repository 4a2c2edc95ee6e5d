// Package fake provides a scripted LLM suitable for unit tests. Replies are
// matched by substring of the latest user message, so tests stay deterministic
// without a network dependency.
package fake

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/keldan/steward/pkg/adapters/llm"
)

// Rule maps a substring of the user message to a canned reply.
type Rule struct {
	Contains string
	Reply    string
}

// LLM is a deterministic scripted model. Rules are checked in order against
// the latest user message; the first match wins. If no rule matches, Default
// is returned, or an error if Default is empty and Fail is unset.
type LLM struct {
	mu      sync.Mutex
	rules   []Rule
	Default string
	// Fail, when set, is returned from every Generate call.
	Fail error

	calls []string
}

// New returns a fake with the given default reply.
func New(defaultReply string) *LLM {
	return &LLM{Default: defaultReply}
}

// On adds a rule: when the user message contains substr, reply with text.
func (f *LLM) On(substr, text string) *LLM {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, Rule{Contains: substr, Reply: text})
	return f
}

// Calls returns the user messages seen so far, in order.
func (f *LLM) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *LLM) Name() string { return "fake" }

func (f *LLM) Generate(ctx context.Context, messages []llm.Message, opts map[string]any) (llm.GenerateResult, error) {
	if err := ctx.Err(); err != nil {
		return llm.GenerateResult{}, err
	}
	var user string
	for _, m := range messages {
		if m.Role == "user" {
			user = m.Content
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, user)
	if f.Fail != nil {
		return llm.GenerateResult{}, f.Fail
	}
	for _, r := range f.rules {
		if r.Contains != "" && strings.Contains(user, r.Contains) {
			return result(r.Reply), nil
		}
	}
	if f.Default != "" {
		return result(f.Default), nil
	}
	return llm.GenerateResult{}, errors.New("fake: no rule matched and no default reply")
}

func result(text string) llm.GenerateResult {
	return llm.GenerateResult{Text: text, Model: "fake"}
}

func init() {
	_ = llm.Register("fake", func(ctx context.Context, cfg map[string]any) (llm.LLM, error) {
		def, _ := cfg["default"].(string)
		return New(def), nil
	})
}
