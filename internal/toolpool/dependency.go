package toolpool

import (
	"fmt"
	"strings"

	"github.com/gammazero/toposort"
)

// DependencyDetector reports whether any request in a batch depends on
// another one, which forces sequential execution.
type DependencyDetector interface {
	HasDependencies(reqs []Request) bool
}

// DetectorFunc adapts a function to DependencyDetector.
type DetectorFunc func(reqs []Request) bool

func (f DetectorFunc) HasDependencies(reqs []Request) bool { return f(reqs) }

// DefaultDetector flags a batch as dependent when a request names another
// request of the batch in DependsOn, or when a tool name contains one of the
// configured patterns (tools known to consume earlier results).
type DefaultDetector struct {
	Patterns []string
}

func (d DefaultDetector) HasDependencies(reqs []Request) bool {
	ids := make(map[string]bool, len(reqs))
	for _, r := range reqs {
		ids[r.ID] = true
	}
	for _, r := range reqs {
		for _, dep := range r.DependsOn {
			if ids[dep] {
				return true
			}
		}
		name := strings.ToLower(r.Name)
		for _, p := range d.Patterns {
			if p != "" && strings.Contains(name, strings.ToLower(p)) {
				return true
			}
		}
	}
	return false
}

// OrderByDependencies returns the requests in an order where every request
// comes after the requests it depends on. A batch without dependency edges
// keeps its input order. References to ids outside the batch are ignored.
func OrderByDependencies(reqs []Request) ([]Request, error) {
	byID := make(map[string]int, len(reqs))
	for i, r := range reqs {
		if _, dup := byID[r.ID]; dup {
			return nil, fmt.Errorf("duplicate request id %q", r.ID)
		}
		byID[r.ID] = i
	}

	hasEdges := false
	var edges []toposort.Edge
	for i, r := range reqs {
		edges = append(edges, toposort.Edge{nil, i})
		for _, dep := range r.DependsOn {
			if j, ok := byID[dep]; ok {
				edges = append(edges, toposort.Edge{j, i})
				hasEdges = true
			}
		}
	}
	if !hasEdges {
		return append([]Request(nil), reqs...), nil
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("tool requests contain a dependency cycle: %w", err)
	}

	out := make([]Request, 0, len(reqs))
	for _, n := range sorted {
		if n == nil {
			continue
		}
		out = append(out, reqs[n.(int)])
	}
	return out, nil
}
