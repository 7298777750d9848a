package expression

import (
	"errors"
	"reflect"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

var (
	mapNativeType  = reflect.TypeOf(map[string]interface{}{})
	listNativeType = reflect.TypeOf([]interface{}{})
)

// Engine compiles and evaluates user-authored CEL expressions. Programs are
// cached by expression text; the cache is shared across blocks of one policy.
type Engine struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewEngine creates an evaluation environment exposing the block scope
// variables plus aggregate helpers (sum, avg).
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("document", cel.DynType),
		cel.Variable("documents", cel.DynType),
		cel.Variable("user", cel.DynType),
		cel.Variable("artifacts", cel.DynType),
		cel.Variable("scope", cel.DynType),
		cel.Function("sum",
			cel.Overload("sum_list", []*cel.Type{cel.ListType(cel.DynType)}, cel.DoubleType,
				cel.UnaryBinding(sumList))),
		cel.Function("avg",
			cel.Overload("avg_list", []*cel.Type{cel.ListType(cel.DynType)}, cel.DoubleType,
				cel.UnaryBinding(avgList))),
	)
	if err != nil {
		return nil, errors.New("failed to create the expression environment: " + err.Error())
	}
	return &Engine{
		env:      env,
		prgCache: make(map[string]cel.Program),
	}, nil
}

func (e *Engine) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, errors.New("failed to compile the expression: " + issues.Err().Error())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, errors.New("failed to build the expression program: " + err.Error())
	}
	e.prgCache[expr] = prg
	return prg, nil
}

// Eval evaluates an expression and converts the result to plain JSON types.
func (e *Engine) Eval(expr string, input map[string]interface{}) (interface{}, error) {
	prg, err := e.program(expr)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return nil, errors.New("failed to evaluate the expression: " + err.Error())
	}
	return nativeValue(out)
}

// EvalBool evaluates a condition expression.
func (e *Engine) EvalBool(expr string, input map[string]interface{}) (bool, error) {
	v, err := e.Eval(expr, input)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, errors.New("expression did not produce a boolean result")
	}
	return b, nil
}

// EvalNumber evaluates a numeric expression.
func (e *Engine) EvalNumber(expr string, input map[string]interface{}) (float64, error) {
	v, err := e.Eval(expr, input)
	if err != nil {
		return 0, err
	}
	f, err := asFloat(v)
	if err != nil {
		return 0, errors.New("expression did not produce a numeric result")
	}
	return f, nil
}

func nativeValue(val ref.Val) (interface{}, error) {
	switch val.(type) {
	case traits.Mapper:
		native, err := val.ConvertToNative(mapNativeType)
		if err != nil {
			return nil, err
		}
		return native, nil
	case traits.Lister:
		native, err := val.ConvertToNative(listNativeType)
		if err != nil {
			return nil, err
		}
		return native, nil
	default:
		return val.Value(), nil
	}
}

func asFloat(v interface{}) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int64:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	case int:
		return float64(t), nil
	}
	return 0, errors.New("not a number")
}

func refToFloat(v ref.Val) (float64, bool) {
	switch t := v.(type) {
	case types.Double:
		return float64(t), true
	case types.Int:
		return float64(t), true
	case types.Uint:
		return float64(t), true
	}
	return 0, false
}

func sumList(val ref.Val) ref.Val {
	lister, ok := val.(traits.Lister)
	if !ok {
		return types.NewErr("sum: expected a list")
	}
	total := 0.0
	it := lister.Iterator()
	for it.HasNext() == types.True {
		f, ok := refToFloat(it.Next())
		if !ok {
			return types.NewErr("sum: expected numeric elements")
		}
		total += f
	}
	return types.Double(total)
}

func avgList(val ref.Val) ref.Val {
	lister, ok := val.(traits.Lister)
	if !ok {
		return types.NewErr("avg: expected a list")
	}
	total := 0.0
	count := 0
	it := lister.Iterator()
	for it.HasNext() == types.True {
		f, ok := refToFloat(it.Next())
		if !ok {
			return types.NewErr("avg: expected numeric elements")
		}
		total += f
		count++
	}
	if count == 0 {
		return types.Double(0)
	}
	return types.Double(total / float64(count))
}
