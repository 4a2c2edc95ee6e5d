package prompt

import (
	"github.com/keldan/steward/pkg/compose"
	"github.com/keldan/steward/pkg/loop"
	"github.com/keldan/steward/pkg/router"
)

// Names of the prompts the dispatch core consumes.
const (
	NameQueryGeneration = "query-generation"
	NameRoutingAssist   = "routing-assist"
	NameAnswerCompose   = "answer-compose"
)

// NewDefaultStore returns a store seeded with version 1 of every prompt the
// core uses. Callers may save newer versions at runtime; consumers read the
// latest.
func NewDefaultStore() *Store {
	s := NewStore()
	defaults := []Prompt{
		{Name: NameQueryGeneration, Body: loop.DefaultQueryPrompt},
		{Name: NameRoutingAssist, Body: router.DefaultAssistPrompt},
		{Name: NameAnswerCompose, Body: compose.DefaultAnswerPrompt},
	}
	for _, p := range defaults {
		// Defaults are static and lint-clean; a failure here is a programming
		// error surfaced by the package tests.
		_, _, _ = s.Save(p)
	}
	return s
}

// Latest returns the current body for name, falling back to empty.
func (s *Store) Latest(name string) string {
	p, ok := s.Get(name, 0)
	if !ok {
		return ""
	}
	return p.Body
}
