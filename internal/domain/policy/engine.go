package policy

import (
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
)

// DefaultDenyReason is the reason reported when no rule matched.
const DefaultDenyReason = "No matching rule"

// Program is a compiled rule expression evaluated against the argument map.
type Program interface {
	Eval(args map[string]any) (bool, error)
}

// ExpressionCompiler compiles optional per-rule expressions. The CEL adapter
// implements this; a nil compiler disables expression support.
type ExpressionCompiler interface {
	Compile(expression string) (Program, error)
}

// compiledRule pairs a rule with its policy context and compiled expression.
type compiledRule struct {
	policy    *Policy
	ruleIndex int
	rule      *Rule
	program   Program
	// badExpression marks a rule whose expression failed to compile.
	// Such a rule never matches (fails closed).
	badExpression bool
}

// ruleSet is one immutable generation of loaded policies.
type ruleSet struct {
	policies []Policy
	rules    []compiledRule
}

// Engine evaluates tool calls against the loaded policy set.
// The set is replaced atomically on reload; evaluation never observes a
// partially updated configuration.
type Engine struct {
	compiler ExpressionCompiler
	logger   *slog.Logger
	current  atomic.Pointer[ruleSet]
}

// NewEngine creates an engine with an empty policy set. compiler may be nil
// when rule expressions are not used.
func NewEngine(compiler ExpressionCompiler, logger *slog.Logger) *Engine {
	e := &Engine{compiler: compiler, logger: logger}
	e.current.Store(&ruleSet{})
	return e
}

// Reload atomically replaces the policy set. Rule expressions are compiled
// here, once per generation, so evaluation stays non-blocking.
func (e *Engine) Reload(policies []Policy) {
	set := &ruleSet{policies: policies}
	for pi := range set.policies {
		p := &set.policies[pi]
		for ri := range p.Rules {
			cr := compiledRule{policy: p, ruleIndex: ri, rule: &p.Rules[ri]}
			if expr := cr.rule.Expression; expr != "" {
				if e.compiler == nil {
					cr.badExpression = true
					e.logger.Warn("rule expression present but no compiler configured",
						"policy", p.ID, "rule", ri)
				} else if prog, err := e.compiler.Compile(expr); err != nil {
					cr.badExpression = true
					e.logger.Warn("rule expression failed to compile; rule will never match",
						"policy", p.ID, "rule", ri, "error", err)
				} else {
					cr.program = prog
				}
			}
			set.rules = append(set.rules, cr)
		}
	}
	e.current.Store(set)
}

// Policies returns the currently loaded policy set.
func (e *Engine) Policies() []Policy {
	return e.current.Load().policies
}

// Evaluate runs one default-deny evaluation pass.
//
// Candidate rules come from policies whose roles intersect the caller's
// (a "*" policy role matches any caller). Survivors of the server/tool glob
// filter are ordered by specificity descending, stable with respect to
// policy-then-rule declaration order. The first rule whose conditions and
// expression all hold decides the call.
func (e *Engine) Evaluate(roles []string, serverID, tool string, args map[string]any) Decision {
	set := e.current.Load()

	candidates := make([]compiledRule, 0, len(set.rules))
	for _, cr := range set.rules {
		if !rolesIntersect(cr.policy.Roles, roles) {
			continue
		}
		if !globMatch(cr.rule.Server, serverID) || !globMatch(cr.rule.Tool, tool) {
			continue
		}
		candidates = append(candidates, cr)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].rule.Specificity() > candidates[j].rule.Specificity()
	})

	for _, cr := range candidates {
		if !e.ruleMatches(cr, args) {
			continue
		}
		if cr.rule.Action == ActionAllow {
			return Decision{Allowed: true, PolicyID: cr.policy.ID, RuleIndex: cr.ruleIndex}
		}
		return Decision{
			Allowed:   false,
			Reason:    fmt.Sprintf("Denied by policy %q rule %d", cr.policy.Name, cr.ruleIndex),
			PolicyID:  cr.policy.ID,
			RuleIndex: cr.ruleIndex,
		}
	}

	return Decision{Allowed: false, Reason: DefaultDenyReason, RuleIndex: -1}
}

// ruleMatches checks conditions and the compiled expression. Every condition
// must hold; expression evaluation errors fail closed.
func (e *Engine) ruleMatches(cr compiledRule, args map[string]any) bool {
	if cr.badExpression {
		return false
	}
	for _, c := range cr.rule.Conditions {
		if !conditionMatches(c, args) {
			return false
		}
	}
	if cr.program != nil {
		ok, err := cr.program.Eval(args)
		if err != nil {
			e.logger.Warn("rule expression evaluation failed",
				"policy", cr.policy.ID, "rule", cr.ruleIndex, "error", err)
			return false
		}
		return ok
	}
	return true
}

// rolesIntersect reports whether any policy role applies to the caller.
// A "*" on either side is a wildcard: anonymous callers carry roles ["*"],
// and a "*" policy role applies to every caller.
func rolesIntersect(policyRoles, callerRoles []string) bool {
	for _, pr := range policyRoles {
		if pr == "*" {
			return len(callerRoles) > 0
		}
		for _, cr := range callerRoles {
			if pr == cr || cr == "*" {
				return true
			}
		}
	}
	return false
}
