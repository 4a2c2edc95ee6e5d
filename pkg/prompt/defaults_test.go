package prompt

import "testing"

func TestDefaultStoreSeedsAllPrompts(t *testing.T) {
	s := NewDefaultStore()
	for _, name := range []string{NameQueryGeneration, NameRoutingAssist, NameAnswerCompose} {
		p, ok := s.Get(name, 1)
		if !ok {
			t.Fatalf("missing default prompt %q", name)
		}
		if p.Body == "" {
			t.Fatalf("empty body for %q", name)
		}
		if issues := Lint(p); len(issues) > 0 {
			t.Fatalf("default %q fails lint: %v", name, issues)
		}
	}
}

func TestLatestPrefersNewestVersion(t *testing.T) {
	s := NewDefaultStore()
	if _, _, err := s.Save(Prompt{Name: NameAnswerCompose, Body: "Answer tersely."}); err != nil {
		t.Fatal(err)
	}
	if got := s.Latest(NameAnswerCompose); got != "Answer tersely." {
		t.Fatalf("latest = %q", got)
	}
	if got := s.Latest("never-saved"); got != "" {
		t.Fatalf("latest for unknown = %q", got)
	}
}
