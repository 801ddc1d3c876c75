package policy

import (
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.Default()
}

func newTestEngine(policies ...Policy) *Engine {
	e := NewEngine(nil, testLogger())
	e.Reload(policies)
	return e
}

func TestEvaluate_ReaderAllowedThenWildcardDeny(t *testing.T) {
	t.Parallel()

	e := newTestEngine(Policy{
		ID:    "p1",
		Name:  "reader",
		Roles: []string{"reader"},
		Rules: []Rule{
			{Tool: "get_*", Action: ActionAllow},
			{Tool: "*", Action: ActionDeny},
		},
	})

	d := e.Evaluate([]string{"reader"}, "server-A", "get_series", nil)
	if !d.Allowed {
		t.Fatalf("get_series should be allowed, got reason %q", d.Reason)
	}

	d = e.Evaluate([]string{"reader"}, "server-A", "delete_x", nil)
	if d.Allowed {
		t.Fatal("delete_x should be denied")
	}
	if d.PolicyID != "p1" || d.RuleIndex != 1 {
		t.Errorf("deny should name the wildcard rule, got policy %q rule %d", d.PolicyID, d.RuleIndex)
	}
}

func TestEvaluate_AdminFullAccess(t *testing.T) {
	t.Parallel()

	e := newTestEngine(Policy{
		ID:    "admin",
		Name:  "admin",
		Roles: []string{"admin"},
		Rules: []Rule{{Action: ActionAllow}},
	})

	d := e.Evaluate([]string{"admin"}, "anywhere", "delete_anything", nil)
	if !d.Allowed {
		t.Fatalf("admin should be allowed everywhere, got %q", d.Reason)
	}
}

func TestEvaluate_ServerRestrictionWins(t *testing.T) {
	t.Parallel()

	e := newTestEngine(
		Policy{
			ID:    "reader",
			Name:  "reader",
			Roles: []string{"reader"},
			Rules: []Rule{{Tool: "*", Action: ActionAllow}},
		},
		Policy{
			ID:    "pay-lockdown",
			Name:  "pay-lockdown",
			Roles: []string{"reader"},
			Rules: []Rule{{Server: "pay", Tool: "*", Action: ActionDeny}},
		},
	)

	d := e.Evaluate([]string{"reader"}, "pay", "get_x", nil)
	if d.Allowed {
		t.Fatal("specificity 1 deny should beat specificity 0 allow")
	}
	if d.PolicyID != "pay-lockdown" {
		t.Errorf("deciding policy = %q, want pay-lockdown", d.PolicyID)
	}

	d = e.Evaluate([]string{"reader"}, "other", "get_x", nil)
	if !d.Allowed {
		t.Errorf("non-pay server should remain allowed, got %q", d.Reason)
	}
}

func TestEvaluate_DefaultDeny(t *testing.T) {
	t.Parallel()

	e := newTestEngine(Policy{
		ID:    "admin",
		Name:  "admin",
		Roles: []string{"admin"},
		Rules: []Rule{{Action: ActionAllow}},
	})

	// Role mismatch: no candidate rules at all.
	d := e.Evaluate([]string{"guest"}, "s", "t", nil)
	if d.Allowed || d.Reason != DefaultDenyReason {
		t.Errorf("decision = %+v, want default deny", d)
	}

	// Empty role set is always denied, even against "*" policies.
	e2 := newTestEngine(Policy{
		ID:    "open",
		Name:  "open",
		Roles: []string{"*"},
		Rules: []Rule{{Action: ActionAllow}},
	})
	if d := e2.Evaluate(nil, "s", "t", nil); d.Allowed {
		t.Error("caller with empty role set must be denied")
	}
}

func TestEvaluate_WildcardRoles(t *testing.T) {
	t.Parallel()

	e := newTestEngine(Policy{
		ID:    "everyone",
		Name:  "everyone",
		Roles: []string{"*"},
		Rules: []Rule{{Tool: "ping", Action: ActionAllow}},
	})

	if d := e.Evaluate([]string{"whatever"}, "s", "ping", nil); !d.Allowed {
		t.Errorf("'*' policy role should match any caller, got %q", d.Reason)
	}

	// Anonymous callers carry roles ["*"] and match role-scoped policies.
	e2 := newTestEngine(Policy{
		ID:    "admin",
		Name:  "admin",
		Roles: []string{"admin"},
		Rules: []Rule{{Tool: "ping", Action: ActionAllow}},
	})
	if d := e2.Evaluate([]string{"*"}, "s", "ping", nil); !d.Allowed {
		t.Errorf("'*' caller role should match any policy, got %q", d.Reason)
	}
}

func TestEvaluate_Conditions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cond Condition
		args map[string]any
		want bool
	}{
		{"eq match", Condition{Param: "env", Operator: OpEq, Value: "prod"}, map[string]any{"env": "prod"}, true},
		{"eq mismatch", Condition{Param: "env", Operator: OpEq, Value: "prod"}, map[string]any{"env": "dev"}, false},
		{"eq numeric coercion", Condition{Param: "n", Operator: OpEq, Value: "5"}, map[string]any{"n": float64(5)}, true},
		{"neq", Condition{Param: "env", Operator: OpNeq, Value: "prod"}, map[string]any{"env": "dev"}, true},
		{"in member", Condition{Param: "region", Operator: OpIn, Value: []any{"us", "eu"}}, map[string]any{"region": "eu"}, true},
		{"in non-member", Condition{Param: "region", Operator: OpIn, Value: []any{"us", "eu"}}, map[string]any{"region": "ap"}, false},
		{"in non-array value", Condition{Param: "region", Operator: OpIn, Value: "us"}, map[string]any{"region": "us"}, false},
		{"regex match", Condition{Param: "path", Operator: OpRegex, Value: "^/tmp/"}, map[string]any{"path": "/tmp/x"}, true},
		{"regex invalid fails closed", Condition{Param: "path", Operator: OpRegex, Value: "("}, map[string]any{"path": "/tmp/x"}, false},
		{"missing param fails", Condition{Param: "absent", Operator: OpEq, Value: "x"}, map[string]any{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e := newTestEngine(Policy{
				ID:    "p",
				Name:  "p",
				Roles: []string{"r"},
				Rules: []Rule{{Action: ActionAllow, Conditions: []Condition{tt.cond}}},
			})
			d := e.Evaluate([]string{"r"}, "s", "t", tt.args)
			if d.Allowed != tt.want {
				t.Errorf("allowed = %v, want %v", d.Allowed, tt.want)
			}
		})
	}
}

func TestEvaluate_AllConditionsMustMatch(t *testing.T) {
	t.Parallel()

	e := newTestEngine(Policy{
		ID:    "p",
		Name:  "p",
		Roles: []string{"r"},
		Rules: []Rule{{
			Action: ActionAllow,
			Conditions: []Condition{
				{Param: "a", Operator: OpEq, Value: "1"},
				{Param: "b", Operator: OpEq, Value: "2"},
			},
		}},
	})

	if d := e.Evaluate([]string{"r"}, "s", "t", map[string]any{"a": "1", "b": "2"}); !d.Allowed {
		t.Errorf("both conditions hold, want allow, got %q", d.Reason)
	}
	if d := e.Evaluate([]string{"r"}, "s", "t", map[string]any{"a": "1", "b": "3"}); d.Allowed {
		t.Error("one failing condition must skip the rule")
	}
}

// Permuting equal-specificity rules that do not both match must not change
// decisions; when both match, declaration order decides.
func TestEvaluate_SpecificityOrderStable(t *testing.T) {
	t.Parallel()

	ruleA := Rule{Server: "s1", Tool: "get_*", Action: ActionAllow}
	ruleB := Rule{Server: "s2", Tool: "get_*", Action: ActionDeny}

	forward := newTestEngine(Policy{ID: "p", Name: "p", Roles: []string{"r"}, Rules: []Rule{ruleA, ruleB}})
	reversed := newTestEngine(Policy{ID: "p", Name: "p", Roles: []string{"r"}, Rules: []Rule{ruleB, ruleA}})

	for _, srv := range []string{"s1", "s2"} {
		d1 := forward.Evaluate([]string{"r"}, srv, "get_x", nil)
		d2 := reversed.Evaluate([]string{"r"}, srv, "get_x", nil)
		if d1.Allowed != d2.Allowed {
			t.Errorf("server %s: permutation changed decision (%v vs %v)", srv, d1.Allowed, d2.Allowed)
		}
	}
}

func TestEvaluate_HigherSpecificityBeatsDeclarationOrder(t *testing.T) {
	t.Parallel()

	e := newTestEngine(Policy{
		ID:    "p",
		Name:  "p",
		Roles: []string{"r"},
		Rules: []Rule{
			{Tool: "*", Action: ActionAllow},                  // specificity 0, declared first
			{Server: "pay", Tool: "get_*", Action: ActionDeny}, // specificity 2
		},
	})

	if d := e.Evaluate([]string{"r"}, "pay", "get_x", nil); d.Allowed {
		t.Error("specificity 2 deny should be walked before specificity 0 allow")
	}
}

func TestGlobMatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern, s string
		want       bool
	}{
		{"", "anything", true},
		{"*", "anything", true},
		{"get_*", "get_series", true},
		{"get_*", "delete_x", false},
		{"*_admin", "tools_admin", true},
		{"*_admin", "admin_tools", false},
		{"exact", "exact", true},
		{"exact", "exactly", false},
	}
	for _, tt := range tests {
		if got := globMatch(tt.pattern, tt.s); got != tt.want {
			t.Errorf("globMatch(%q, %q) = %v, want %v", tt.pattern, tt.s, got, tt.want)
		}
	}
}

// fakeProgram implements Program for expression-path tests.
type fakeProgram struct {
	result bool
	err    error
}

func (f fakeProgram) Eval(map[string]any) (bool, error) { return f.result, f.err }

type fakeCompiler struct {
	program Program
	err     error
}

func (f fakeCompiler) Compile(string) (Program, error) { return f.program, f.err }

func TestEvaluate_Expression(t *testing.T) {
	t.Parallel()

	base := Policy{
		ID:    "p",
		Name:  "p",
		Roles: []string{"r"},
		Rules: []Rule{{Action: ActionAllow, Expression: `args.size > 10`}},
	}

	e := NewEngine(fakeCompiler{program: fakeProgram{result: true}}, testLogger())
	e.Reload([]Policy{base})
	if d := e.Evaluate([]string{"r"}, "s", "t", nil); !d.Allowed {
		t.Errorf("true expression should allow, got %q", d.Reason)
	}

	e = NewEngine(fakeCompiler{program: fakeProgram{result: false}}, testLogger())
	e.Reload([]Policy{base})
	if d := e.Evaluate([]string{"r"}, "s", "t", nil); d.Allowed {
		t.Error("false expression should skip the rule")
	}

	// Compile failure fails closed: the rule never matches.
	e = NewEngine(fakeCompiler{err: errCompile}, testLogger())
	e.Reload([]Policy{base})
	if d := e.Evaluate([]string{"r"}, "s", "t", nil); d.Allowed {
		t.Error("rule with uncompilable expression must never match")
	}

	// No compiler configured behaves the same.
	e = NewEngine(nil, testLogger())
	e.Reload([]Policy{base})
	if d := e.Evaluate([]string{"r"}, "s", "t", nil); d.Allowed {
		t.Error("expression without compiler must fail closed")
	}
}

var errCompile = errString("compile failed")

type errString string

func (e errString) Error() string { return string(e) }

func TestReload_AtomicSwap(t *testing.T) {
	t.Parallel()

	e := newTestEngine(Policy{
		ID: "old", Name: "old", Roles: []string{"r"},
		Rules: []Rule{{Action: ActionAllow}},
	})
	if d := e.Evaluate([]string{"r"}, "s", "t", nil); !d.Allowed {
		t.Fatal("old generation should allow")
	}

	e.Reload([]Policy{{
		ID: "new", Name: "new", Roles: []string{"r"},
		Rules: []Rule{{Action: ActionDeny}},
	}})
	if d := e.Evaluate([]string{"r"}, "s", "t", nil); d.Allowed {
		t.Error("new generation should deny")
	}
	if got := len(e.Policies()); got != 1 {
		t.Errorf("Policies() len = %d, want 1", got)
	}
}
