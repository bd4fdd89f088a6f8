// Package policy classifies tool calls before execution. The engine is
// pure: it performs no I/O and holds no mutable state besides its
// configured rules.
package policy

// Decision is the outcome of an evaluation.
type Decision string

const (
	DecisionAllow           Decision = "allow"
	DecisionReject          Decision = "reject"
	DecisionRequireApproval Decision = "require_approval"
)

// Evaluation pairs a decision with its reason (set for rejections).
type Evaluation struct {
	Decision Decision
	Reason   string
}

// ApprovalPredicate flags argument patterns that need a human decision
// even when the tool itself is not on the approval list.
type ApprovalPredicate func(toolName string, args map[string]any) bool

// ToolPolicy is the rule set the engine evaluates.
type ToolPolicy struct {
	// WriteToolNames are tools with side effects.
	WriteToolNames map[string]bool
	// DenyWriteChannels are channels from which write tools may not run.
	DenyWriteChannels map[string]bool
	// DenyWriteMessage is the rejection reason for denied writes.
	DenyWriteMessage string
	// ApprovalRequiredTools always need a human decision.
	ApprovalRequiredTools map[string]bool
}

// Engine evaluates tool calls against a ToolPolicy.
type Engine struct {
	policy     ToolPolicy
	predicates []ApprovalPredicate
}

// NewEngine creates an engine. Nil sets are treated as empty.
func NewEngine(policy ToolPolicy) *Engine {
	if policy.WriteToolNames == nil {
		policy.WriteToolNames = map[string]bool{}
	}
	if policy.DenyWriteChannels == nil {
		policy.DenyWriteChannels = map[string]bool{}
	}
	if policy.ApprovalRequiredTools == nil {
		policy.ApprovalRequiredTools = map[string]bool{}
	}
	if policy.DenyWriteMessage == "" {
		policy.DenyWriteMessage = "write operations are not allowed from this channel"
	}
	return &Engine{policy: policy}
}

// RegisterApprovalPredicate adds an argument-based approval rule. Call
// during wiring, before the engine is shared.
func (e *Engine) RegisterApprovalPredicate(p ApprovalPredicate) {
	e.predicates = append(e.predicates, p)
}

// Evaluate classifies one tool call. Write denial wins over approval.
func (e *Engine) Evaluate(toolName string, args map[string]any, channel string) Evaluation {
	if e.policy.WriteToolNames[toolName] && e.policy.DenyWriteChannels[channel] {
		return Evaluation{Decision: DecisionReject, Reason: e.policy.DenyWriteMessage}
	}

	if e.policy.ApprovalRequiredTools[toolName] {
		return Evaluation{Decision: DecisionRequireApproval}
	}
	for _, p := range e.predicates {
		if p(toolName, args) {
			return Evaluation{Decision: DecisionRequireApproval}
		}
	}

	return Evaluation{Decision: DecisionAllow}
}

// IsWriteTool reports whether the tool is classified as a write.
func (e *Engine) IsWriteTool(toolName string) bool {
	return e.policy.WriteToolNames[toolName]
}
