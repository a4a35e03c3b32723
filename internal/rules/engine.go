// Package rules selects the reward rule that applies to a purchase.
package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/cardwise/internal/domain"
)

// Engine compiles and evaluates optional CEL rule conditions.
// Compiled programs are cached by expression text.
type Engine struct {
	mu       sync.RWMutex
	env      *cel.Env
	programs map[string]cel.Program
}

// NewEngine creates a condition engine with the purchase variables declared.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("merchant_id", cel.StringType),
		cel.Variable("category_id", cel.StringType),
		cel.Variable("mcc_type", cel.StringType),
		cel.Variable("day_of_week", cel.IntType),
		cel.Variable("day_of_month", cel.IntType),
		cel.Variable("month", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Validate compiles expr and checks it yields a bool. Empty is valid.
func (e *Engine) Validate(expr string) error {
	if expr == "" {
		return nil
	}
	if _, err := e.program(expr); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
	}
	return nil
}

// Holds reports whether the condition is true for the purchase. Empty always holds.
func (e *Engine) Holds(expr string, in Input) (bool, error) {
	if expr == "" {
		return true, nil
	}

	prg, err := e.program(expr)
	if err != nil {
		return false, fmt.Errorf("%w: %w", domain.ErrRuleComputation, err)
	}

	amount, _ := in.Amount.Float64()
	date := in.Date.UTC()
	out, _, err := prg.Eval(map[string]any{
		"amount":       amount,
		"merchant_id":  in.MerchantID,
		"category_id":  in.CategoryID,
		"mcc_type":     in.MCCType,
		"day_of_week":  int64(date.Weekday()),
		"day_of_month": int64(date.Day()),
		"month":        int64(date.Month()),
	})
	if err != nil {
		return false, fmt.Errorf("%w: condition %q: %w", domain.ErrRuleComputation, expr, err)
	}

	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("%w: condition %q did not return bool", domain.ErrRuleComputation, expr)
	}
	return bool(b), nil
}

// Size returns the number of cached programs.
func (e *Engine) Size() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.programs)
}

func (e *Engine) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile condition: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("condition must return bool, got %s", ast.OutputType())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program: %w", err)
	}

	e.mu.Lock()
	e.programs[expr] = prg
	e.mu.Unlock()
	return prg, nil
}
