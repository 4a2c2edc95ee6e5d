// Package eval scores the deterministic classifier against golden routing
// cases stored as JSON fixtures, for offline regression runs.
package eval

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/keldan/steward/pkg/router"
)

// RoutingCase is one golden classification case.
type RoutingCase struct {
	Name   string             `json:"name"`
	Query  string             `json:"query"`
	Expect RoutingExpectation `json:"expect"`
}

// RoutingExpectation pins the verdict for a case. Tool is only checked when
// non-empty.
type RoutingExpectation struct {
	Intent  string `json:"intent"`
	Refused bool   `json:"refused,omitempty"`
	Tool    string `json:"tool,omitempty"`
}

// EvaluateRoutingFixtures loads JSON cases from an fs.FS directory and scores
// r against them. Returns score in [0,1].
func EvaluateRoutingFixtures(fsys fs.FS, dir string, r *router.Router) (score float64, total int, passed int, details []string, err error) {
	cases, err := loadCases(fsys, dir)
	if err != nil {
		return 0, 0, 0, nil, err
	}
	total = len(cases)
	if total == 0 {
		return 1, 0, 0, nil, nil
	}
	for _, c := range cases {
		got := r.Classify(c.Query)
		ok := true
		if string(got.Intent) != c.Expect.Intent {
			ok = false
			details = append(details, fmt.Sprintf("%s: intent %s, want %s", c.Name, got.Intent, c.Expect.Intent))
		}
		if got.Refused != c.Expect.Refused {
			ok = false
			details = append(details, fmt.Sprintf("%s: refused %v, want %v", c.Name, got.Refused, c.Expect.Refused))
		}
		if c.Expect.Tool != "" && got.ToolID != c.Expect.Tool {
			ok = false
			details = append(details, fmt.Sprintf("%s: tool %q, want %q", c.Name, got.ToolID, c.Expect.Tool))
		}
		if ok {
			passed++
		}
	}
	score = float64(passed) / float64(total)
	return score, total, passed, details, nil
}

func loadCases(fsys fs.FS, dir string) ([]RoutingCase, error) {
	var out []RoutingCase
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		b, err := fs.ReadFile(fsys, filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		var c RoutingCase
		if err := json.Unmarshal(b, &c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
