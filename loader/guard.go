package loader

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/ramuslabs/ramus/core"
	"github.com/ramuslabs/ramus/machine"
)

// guard expressions are evaluated against this environment shape.
func guardEnv(in core.NodeInput) map[string]any {
	env := map[string]any{
		"context":        in.Context,
		"root_input":     in.RootInput,
		"previous_state": in.PreviousState,
	}
	if in.Event != nil {
		env["event"] = map[string]any{
			"type": in.Event.Type,
			"data": in.Event.Data,
		}
	}
	return env
}

// ValidateGuard checks guard expression syntax without running it.
func ValidateGuard(code string) error {
	_, err := expr.Compile(code, expr.AllowUndefinedVariables())
	if err != nil {
		return fmt.Errorf("compiling guard %q: %w", code, err)
	}
	return nil
}

// CompileGuard compiles a guard expression into a machine.Condition. The
// expression sees {context, root_input, event, previous_state} and must
// evaluate to a boolean; evaluation failures deny the transition.
func CompileGuard(code string) (machine.Condition, error) {
	program, err := expr.Compile(code, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compiling guard %q: %w", code, err)
	}
	return func(_ context.Context, in core.NodeInput) bool {
		return runGuard(program, in)
	}, nil
}

func runGuard(program *vm.Program, in core.NodeInput) bool {
	out, err := expr.Run(program, guardEnv(in))
	if err != nil {
		return false
	}
	pass, ok := out.(bool)
	return ok && pass
}
