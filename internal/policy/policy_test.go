package policy

import "testing"

func newTestEngine() *Engine {
	return NewEngine(ToolPolicy{
		WriteToolNames:        map[string]bool{"deploy": true, "refund": true},
		DenyWriteChannels:     map[string]bool{"slack": true},
		DenyWriteMessage:      "writes are disabled from chat",
		ApprovalRequiredTools: map[string]bool{"refund": true},
	})
}

func TestWriteDeniedOnBlockedChannel(t *testing.T) {
	e := newTestEngine()

	ev := e.Evaluate("deploy", nil, "slack")
	if ev.Decision != DecisionReject {
		t.Fatalf("decision = %s, want reject", ev.Decision)
	}
	if ev.Reason != "writes are disabled from chat" {
		t.Errorf("reason = %q", ev.Reason)
	}
}

func TestWriteAllowedOnOtherChannel(t *testing.T) {
	e := newTestEngine()
	if ev := e.Evaluate("deploy", nil, "web"); ev.Decision != DecisionAllow {
		t.Errorf("decision = %s, want allow", ev.Decision)
	}
}

func TestReadToolUnaffectedByChannel(t *testing.T) {
	e := newTestEngine()
	if ev := e.Evaluate("weather", nil, "slack"); ev.Decision != DecisionAllow {
		t.Errorf("decision = %s, want allow", ev.Decision)
	}
}

func TestApprovalRequiredTool(t *testing.T) {
	e := newTestEngine()
	if ev := e.Evaluate("refund", nil, "web"); ev.Decision != DecisionRequireApproval {
		t.Errorf("decision = %s, want require_approval", ev.Decision)
	}
}

func TestDenyWinsOverApproval(t *testing.T) {
	e := newTestEngine()
	// refund is both a write tool and approval-required; on a denied
	// channel the rejection takes precedence.
	if ev := e.Evaluate("refund", nil, "slack"); ev.Decision != DecisionReject {
		t.Errorf("decision = %s, want reject", ev.Decision)
	}
}

func TestApprovalPredicate(t *testing.T) {
	e := newTestEngine()
	e.RegisterApprovalPredicate(func(toolName string, args map[string]any) bool {
		amount, ok := args["amount"].(float64)
		return ok && amount > 1000
	})

	if ev := e.Evaluate("transfer", map[string]any{"amount": 5000.0}, "web"); ev.Decision != DecisionRequireApproval {
		t.Errorf("large transfer: decision = %s, want require_approval", ev.Decision)
	}
	if ev := e.Evaluate("transfer", map[string]any{"amount": 10.0}, "web"); ev.Decision != DecisionAllow {
		t.Errorf("small transfer: decision = %s, want allow", ev.Decision)
	}
}

func TestZeroPolicyAllowsEverything(t *testing.T) {
	e := NewEngine(ToolPolicy{})
	if ev := e.Evaluate("anything", nil, "anywhere"); ev.Decision != DecisionAllow {
		t.Errorf("decision = %s, want allow", ev.Decision)
	}
}
