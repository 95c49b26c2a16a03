// Package scheduler turns scheduler-worker judgments into task status changes
// and a routing target, enforcing the failure and replan limits.
package scheduler

import (
	"strings"

	apperrors "github.com/aristath/taskflow/internal/errors"
)

// Kind is the closed set of routing targets.
type Kind int

const (
	KindWorker     Kind = iota // Dispatch the task to a named worker
	KindReplan                 // Go back to the planner
	KindSummary                // Produce the final answer
	KindHumanInput             // Suspend for a reply from the user
	KindFinish                 // End the run without a summary
)

// Reserved next values in scheduler decisions.
const (
	NextReplan     = "replan"
	NextSummary    = "summary"
	NextHumanInput = "human-input"
	NextFinish     = "finish"
)

func (k Kind) String() string {
	switch k {
	case KindWorker:
		return "worker"
	case KindReplan:
		return NextReplan
	case KindSummary:
		return NextSummary
	case KindHumanInput:
		return NextHumanInput
	case KindFinish:
		return NextFinish
	default:
		panic(apperrors.Violation("scheduler", "unknown routing kind %d", int(k)))
	}
}

// Target is a resolved routing decision.
type Target struct {
	Kind   Kind
	Worker string // Set only for KindWorker
}

func (t Target) String() string {
	if t.Kind == KindWorker {
		return t.Worker
	}
	return t.Kind.String()
}

// WorkerSet reports whether a name is a registered worker.
type WorkerSet interface {
	Has(name string) bool
}

// ParseTarget resolves a decision's next field. Empty or unknown values are
// contract violations.
func ParseTarget(next string, workers WorkerSet) (Target, error) {
	next = strings.TrimSpace(next)
	switch strings.ToLower(next) {
	case "":
		return Target{}, apperrors.Violation("scheduler", "decision has an empty next target")
	case NextReplan, "planner":
		return Target{Kind: KindReplan}, nil
	case NextSummary:
		return Target{Kind: KindSummary}, nil
	case NextHumanInput, "human_input", "userinput":
		return Target{Kind: KindHumanInput}, nil
	case NextFinish:
		return Target{Kind: KindFinish}, nil
	}
	if workers != nil && workers.Has(next) {
		return Target{Kind: KindWorker, Worker: next}, nil
	}
	return Target{}, apperrors.Violation("scheduler", "unknown next target %q", next)
}

// Routes maps routing targets to graph node names.
type Routes struct {
	Worker     func(name string) string
	Replan     string
	Summary    string
	HumanInput string
	Finish     string
}

// Node returns the node for t. A kind outside the closed set panics with a
// ContractViolation.
func (r Routes) Node(t Target) string {
	switch t.Kind {
	case KindWorker:
		return r.Worker(t.Worker)
	case KindReplan:
		return r.Replan
	case KindSummary:
		return r.Summary
	case KindHumanInput:
		return r.HumanInput
	case KindFinish:
		return r.Finish
	default:
		panic(apperrors.Violation("scheduler", "unroutable target kind %d", int(t.Kind)))
	}
}
