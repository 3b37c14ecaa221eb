package expr

import (
	"fmt"
	"math"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// costLimit bounds the work of a single evaluation.
const costLimit = 1_000_000

// Program is a compiled expression.
type Program struct {
	Source string
	CEL    string
	Vars   []string
	prg    cel.Program
}

// Pool caches compiled programs by source text. It is safe for concurrent
// use. A pool is tied to one set of enums.
type Pool struct {
	env   *cel.Env
	enums EnumResolver

	mu       sync.RWMutex
	programs map[string]*Program
}

// NewPool returns a pool compiling against the base environment.
func NewPool(enums EnumResolver) (*Pool, error) {
	env, err := NewEnvironment()
	if err != nil {
		return nil, err
	}
	return &Pool{env: env, enums: enums, programs: make(map[string]*Program)}, nil
}

// Compile returns the program for src, compiling it on first use.
func (p *Pool) Compile(src string) (*Program, error) {
	p.mu.RLock()
	prog, ok := p.programs[src]
	p.mu.RUnlock()
	if ok {
		return prog, nil
	}

	tr, err := Translate(src, p.enums)
	if err != nil {
		return nil, fmt.Errorf("expression %q: %w", src, err)
	}
	opts := make([]cel.EnvOption, 0, len(tr.Vars))
	for _, v := range tr.Vars {
		opts = append(opts, cel.Variable(v, cel.DynType))
	}
	env, err := p.env.Extend(opts...)
	if err != nil {
		return nil, fmt.Errorf("expression %q: extending environment: %w", src, err)
	}
	ast, issues := env.Compile(tr.CEL)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("expression %q: %w", src, issues.Err())
	}
	prg, err := env.Program(ast, cel.CostLimit(costLimit))
	if err != nil {
		return nil, fmt.Errorf("expression %q: %w", src, err)
	}
	prog = &Program{Source: src, CEL: tr.CEL, Vars: tr.Vars, prg: prg}

	p.mu.Lock()
	p.programs[src] = prog
	p.mu.Unlock()
	return prog, nil
}

// Eval runs the program with vars bound. Missing variables are an error.
func (prog *Program) Eval(vars map[string]any) (any, error) {
	if vars == nil {
		vars = map[string]any{}
	}
	val, _, err := prog.prg.Eval(vars)
	if err != nil {
		return nil, fmt.Errorf("evaluating %q: %w", prog.Source, err)
	}
	return adapt(val), nil
}

// EvalInt evaluates to an integer. Whole floats are accepted.
func (prog *Program) EvalInt(vars map[string]any) (int64, error) {
	v, err := prog.Eval(vars)
	if err != nil {
		return 0, err
	}
	n, ok := AsInt(v)
	if !ok {
		return 0, fmt.Errorf("%q evaluated to %T, want an integer", prog.Source, v)
	}
	return n, nil
}

// EvalBool evaluates to a boolean.
func (prog *Program) EvalBool(vars map[string]any) (bool, error) {
	v, err := prog.Eval(vars)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%q evaluated to %T, want a boolean", prog.Source, v)
	}
	return b, nil
}

// AsInt converts the numeric kinds an evaluation can produce.
func AsInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}

// adapt converts CEL values back to plain Go values.
func adapt(val ref.Val) any {
	switch v := val.(type) {
	case types.Int:
		return int64(v)
	case types.Uint:
		return uint64(v)
	case types.Double:
		return float64(v)
	case types.Bool:
		return bool(v)
	case types.String:
		return string(v)
	case types.Bytes:
		return []byte(v)
	case types.Null:
		return nil
	case traits.Lister:
		n, _ := v.Size().(types.Int)
		out := make([]any, 0, int(n))
		for i := types.Int(0); i < n; i++ {
			out = append(out, adapt(v.Get(i)))
		}
		return out
	case traits.Mapper:
		out := map[string]any{}
		it := v.Iterator()
		for it.HasNext() == types.True {
			k := it.Next()
			out[fmt.Sprint(k.Value())] = adapt(v.Get(k))
		}
		return out
	default:
		return val.Value()
	}
}
