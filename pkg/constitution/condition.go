package constitution

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"
)

// conditionEnv declares the attributes available to rule conditions.
func conditionEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("capability", types.StringType),
			decls.NewVariable("args", types.NewMapType(types.StringType, types.DynType)),
			decls.NewVariable("context", types.NewMapType(types.StringType, types.DynType)),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create condition env: %w", err)
	}
	return env, nil
}

func compileCondition(env *cel.Env, source string) (cel.Program, error) {
	ast, issues := env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile failed: %w", issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program construction failed: %w", err)
	}
	return prg, nil
}

func evalCondition(prg cel.Program, capabilityID string, args, runCtx map[string]any) (bool, error) {
	if args == nil {
		args = map[string]any{}
	}
	if runCtx == nil {
		runCtx = map[string]any{}
	}
	out, _, err := prg.Eval(map[string]any{
		"capability": capabilityID,
		"args":       args,
		"context":    runCtx,
	})
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition did not evaluate to bool")
	}
	return b, nil
}
