// Package policy implements default-deny RBAC evaluation for tool calls.
package policy

// Action represents the result of a policy rule evaluation.
type Action string

const (
	// ActionAllow permits the tool call to proceed.
	ActionAllow Action = "allow"
	// ActionDeny blocks the tool call.
	ActionDeny Action = "deny"
)

// Operator is the comparison applied by a rule condition.
type Operator string

const (
	// OpEq matches when the argument's string form equals the value.
	OpEq Operator = "eq"
	// OpNeq matches when the argument's string form differs from the value.
	OpNeq Operator = "neq"
	// OpIn matches when the argument is a member of the value array.
	OpIn Operator = "in"
	// OpRegex matches the argument against a compiled regular expression.
	OpRegex Operator = "regex"
)

// Condition constrains a rule to specific argument values.
// A condition whose parameter is absent from the call's arguments fails.
type Condition struct {
	// Param is the argument name the condition inspects.
	Param string
	// Operator selects the comparison.
	Operator Operator
	// Value is the comparand. OpIn requires an array value.
	Value any
}

// Rule is a single allow/deny clause. Absent globs count as "*".
type Rule struct {
	// Server is a glob matched against the backend id.
	Server string
	// Tool is a glob matched against the tool name.
	Tool string
	// Action decides the call when this rule is the first match.
	Action Action
	// Conditions must all match for the rule to apply.
	Conditions []Condition
	// Expression is an optional CEL expression over the argument map.
	// A rule whose expression fails to compile never matches.
	Expression string
}

// Specificity scores a rule for evaluation ordering: one point each for a
// non-wildcard server glob and a non-wildcard tool glob.
func (r *Rule) Specificity() int {
	s := 0
	if r.Server != "" && r.Server != "*" {
		s++
	}
	if r.Tool != "" && r.Tool != "*" {
		s++
	}
	return s
}

// Policy is a role-scoped rule set. A "*" role matches any caller.
type Policy struct {
	// ID is the unique identifier for this policy.
	ID string
	// Name is the human-readable name.
	Name string
	// Roles select which callers this policy applies to.
	Roles []string
	// Rules are evaluated in declaration order within the policy.
	Rules []Rule
}

// Decision is the outcome of one evaluation pass.
type Decision struct {
	// Allowed is true if the tool call is permitted.
	Allowed bool
	// Reason explains a denial, naming the policy and rule when one matched.
	Reason string
	// PolicyID identifies the policy of the deciding rule, if any.
	PolicyID string
	// RuleIndex is the deciding rule's index within its policy, or -1.
	RuleIndex int
}
