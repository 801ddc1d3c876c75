// Package cel compiles rule expressions with CEL and evaluates them against
// tool-call argument maps.
package cel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/toolgate/toolgate/internal/domain/policy"
)

// maxExpressionLength bounds configured expressions.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit.
const maxCostBudget = 100_000

// maxNestingDepth bounds parenthesis/bracket nesting in expressions.
const maxNestingDepth = 50

// evalTimeout caps a single expression evaluation.
const evalTimeout = 5 * time.Second

// interruptCheckFreq is how often (in comprehension iterations) context
// cancellation is checked.
const interruptCheckFreq = 100

// Compiler compiles rule expressions over the `args` variable, the tool
// call's argument map.
type Compiler struct {
	env *cel.Env
}

// NewCompiler creates a compiler whose environment exposes the argument map
// as `args`.
func NewCompiler() (*Compiler, error) {
	env, err := cel.NewEnv(
		cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create expression environment: %w", err)
	}
	return &Compiler{env: env}, nil
}

// Compile parses, checks, and plans one expression.
func (c *Compiler) Compile(expression string) (policy.Program, error) {
	if expression == "" {
		return nil, errors.New("expression is empty")
	}
	if len(expression) > maxExpressionLength {
		return nil, fmt.Errorf("expression too long: %d characters (max %d)", len(expression), maxExpressionLength)
	}
	if err := validateNesting(expression); err != nil {
		return nil, err
	}

	ast, issues := c.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile expression: %w", issues.Err())
	}

	prg, err := c.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("plan expression: %w", err)
	}
	return &program{prg: prg}, nil
}

// validateNesting rejects expressions nested deeper than maxNestingDepth.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// program adapts a planned CEL program to the policy evaluation surface.
type program struct {
	prg cel.Program
}

// Eval runs the expression against the argument map. A non-boolean result
// is an error, which the engine treats as a non-match.
func (p *program) Eval(args map[string]any) (bool, error) {
	if args == nil {
		args = map[string]any{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	result, _, err := p.prg.ContextEval(ctx, map[string]any{"args": args})
	if err != nil {
		return false, fmt.Errorf("evaluate expression: %w", err)
	}

	boolResult, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", result.Value())
	}
	return boolResult, nil
}

// Compile-time interface verification.
var _ policy.ExpressionCompiler = (*Compiler)(nil)
