// Package guard implements the admission pipeline evaluated before every
// agent run.
package guard

import (
	"context"
	"sort"
)

// Category classifies a rejection.
type Category string

const (
	CategoryRateLimited     Category = "RATE_LIMITED"
	CategoryInvalidInput    Category = "INVALID_INPUT"
	CategoryPromptInjection Category = "PROMPT_INJECTION"
	CategoryUnauthorized    Category = "UNAUTHORIZED"
)

// Command is the input evaluated by the pipeline.
type Command struct {
	UserID   string
	Text     string
	Metadata map[string]any
}

// Result is the pipeline decision. A zero Result is Allowed.
type Result struct {
	Rejected bool
	Reason   string
	Category Category
	// Stage names the stage that rejected.
	Stage string
}

// Allowed is the passing result.
var Allowed = Result{}

// Rejected builds a rejection result.
func Rejected(stage, reason string, category Category) Result {
	return Result{Rejected: true, Reason: reason, Category: category, Stage: stage}
}

// Stage is a single admission check. Stages run in ascending Order; ties
// are unspecified.
type Stage interface {
	Name() string
	Order() int
	Check(ctx context.Context, cmd Command) Result
}

// Pipeline evaluates stages in order and stops at the first rejection.
type Pipeline struct {
	stages []Stage
}

// NewPipeline sorts the given stages by Order once. The slice is copied.
func NewPipeline(stages ...Stage) *Pipeline {
	sorted := make([]Stage, len(stages))
	copy(sorted, stages)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Order() < sorted[j].Order()
	})
	return &Pipeline{stages: sorted}
}

// Evaluate runs the stages. Stage panics and errors are not caught here;
// the caller runs the pipeline under the executor's error boundary.
func (p *Pipeline) Evaluate(ctx context.Context, cmd Command) Result {
	for _, stage := range p.stages {
		if res := stage.Check(ctx, cmd); res.Rejected {
			return res
		}
	}
	return Allowed
}
