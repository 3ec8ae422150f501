package risk

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/kestrel-sec/kestrel/internal/domain"
)

// exprEnv wraps the shared CEL environment used to compile merchant
// extension rules.
type exprEnv struct {
	env *cel.Env
}

// newExprEnv declares the scoring context variables available to
// extension expressions.
func newExprEnv() (*exprEnv, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("count_24h", cel.IntType),
		cel.Variable("sum_24h", cel.DoubleType),
		cel.Variable("device_id", cel.StringType),
		cel.Variable("country", cel.StringType),
		cel.Variable("merchant_id", cel.StringType),
		cel.Variable("subject_id", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &exprEnv{env: env}, nil
}

// compiledExtension holds a pre-compiled extension program.
type compiledExtension struct {
	rule    domain.ExtensionRule
	program cel.Program
}

func (e *exprEnv) compile(rule *domain.ExtensionRule) (*compiledExtension, error) {
	if rule.Points <= 0 {
		return nil, fmt.Errorf("%w: extension %s: points must be positive", domain.ErrValidation, rule.ID)
	}

	ast, issues := e.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: extension %s: %v", domain.ErrValidation, rule.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("%w: extension %s: expression must return bool, got %s", domain.ErrValidation, rule.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: extension %s: %v", domain.ErrValidation, rule.ID, err)
	}

	return &compiledExtension{rule: *rule, program: program}, nil
}

// eval runs the program against the activation and reports whether the
// rule matched.
func (c *compiledExtension) eval(activation map[string]any) (bool, error) {
	out, _, err := c.program.Eval(activation)
	if err != nil {
		return false, err
	}
	if b, ok := out.(types.Bool); ok {
		return bool(b), nil
	}
	return false, fmt.Errorf("extension %s: non-bool result", c.rule.ID)
}
