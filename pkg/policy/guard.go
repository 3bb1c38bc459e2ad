package policy

import (
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/opsgate/opsgate/pkg/identity"
)

// GuardSet holds the compiled CEL guard programs of a policy table.
// Programs are compiled once at load; evaluation failures deny (fail
// closed).
type GuardSet struct {
	env      *cel.Env
	programs map[OperationType]cel.Program
}

func compileGuards(policies map[OperationType]*Policy) (*GuardSet, error) {
	env, err := cel.NewEnv(
		cel.Variable("caller", cel.DynType),
		cel.Variable("operation", cel.StringType),
		cel.Variable("target", cel.StringType),
		cel.Variable("hour", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("guard environment: %w", err)
	}

	progs := make(map[OperationType]cel.Program)
	for op, p := range policies {
		if p.Condition == "" {
			continue
		}
		ast, iss := env.Compile(p.Condition)
		if iss != nil && iss.Err() != nil {
			return nil, fmt.Errorf("policy %s: guard compile: %w", op, iss.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("policy %s: guard program: %w", op, err)
		}
		progs[op] = prg
	}
	return &GuardSet{env: env, programs: progs}, nil
}

// Evaluate runs the guard of op, if any. A missing guard allows. Any
// evaluation error or non-boolean result denies.
func (g *GuardSet) Evaluate(op OperationType, caller identity.Caller, target string, now time.Time) (bool, error) {
	prg, ok := g.programs[op]
	if !ok {
		return true, nil
	}
	out, _, err := prg.Eval(map[string]any{
		"caller": map[string]any{
			"user_id":  caller.ID,
			"username": caller.Username,
			"role":     string(caller.Role),
		},
		"operation": string(op),
		"target":    target,
		"hour":      now.UTC().Hour(),
	})
	if err != nil {
		return false, fmt.Errorf("guard evaluation for %s: %w", op, err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("guard for %s returned non-boolean", op)
	}
	return allowed, nil
}
