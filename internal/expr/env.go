// Package expr compiles and evaluates the expressions used by declarative
// grammars. Expressions are written in the Kaitai Struct style and run on
// CEL.
package expr

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// NewEnvironment returns the base CEL environment: the standard library, the
// integer bit operations CEL lacks and sizeOf.
func NewEnvironment() (*cel.Env, error) {
	env, err := cel.NewEnv(cel.Lib(&bitwiseLib{}))
	if err != nil {
		return nil, fmt.Errorf("creating CEL environment: %w", err)
	}
	return env, nil
}

func toInt(v ref.Val) (int64, bool) {
	switch n := v.(type) {
	case types.Int:
		return int64(n), true
	case types.Uint:
		return int64(n), true
	case types.Double:
		return int64(n), true
	}
	return 0, false
}

func binaryInt(op func(a, b int64) int64) cel.OverloadOpt {
	return cel.BinaryBinding(func(lhs, rhs ref.Val) ref.Val {
		a, aok := toInt(lhs)
		b, bok := toInt(rhs)
		if !aok || !bok {
			return types.NewErr("bit operations need integers, got %s and %s", lhs.Type(), rhs.Type())
		}
		return types.Int(op(a, b))
	})
}

// sizeOf returns the "size" entry of a map, or the size of anything else
// that has one.
func sizeOf(v ref.Val) ref.Val {
	if m, ok := v.(traits.Mapper); ok {
		if f, found := m.Find(types.String("size")); found {
			return f
		}
	}
	if s, ok := v.(traits.Sizer); ok {
		return s.Size()
	}
	return types.NewErr("%s has no size", v.Type())
}

type bitwiseLib struct{}

func (*bitwiseLib) CompileOptions() []cel.EnvOption {
	dyn2 := []*cel.Type{cel.DynType, cel.DynType}
	return []cel.EnvOption{
		cel.Function("bitAnd", cel.Overload("bitand_dyn", dyn2, cel.IntType,
			binaryInt(func(a, b int64) int64 { return a & b }))),
		cel.Function("bitOr", cel.Overload("bitor_dyn", dyn2, cel.IntType,
			binaryInt(func(a, b int64) int64 { return a | b }))),
		cel.Function("bitXor", cel.Overload("bitxor_dyn", dyn2, cel.IntType,
			binaryInt(func(a, b int64) int64 { return a ^ b }))),
		cel.Function("shl", cel.Overload("shl_dyn", dyn2, cel.IntType,
			binaryInt(func(a, b int64) int64 { return a << uint64(b&63) }))),
		cel.Function("shr", cel.Overload("shr_dyn", dyn2, cel.IntType,
			binaryInt(func(a, b int64) int64 { return a >> uint64(b&63) }))),
		cel.Function("sizeOf", cel.Overload("sizeof_dyn", []*cel.Type{cel.DynType}, cel.DynType,
			cel.UnaryBinding(sizeOf))),
		cel.Function("bitNot", cel.Overload("bitnot_dyn", []*cel.Type{cel.DynType}, cel.IntType,
			cel.UnaryBinding(func(v ref.Val) ref.Val {
				n, ok := toInt(v)
				if !ok {
					return types.NewErr("bitNot needs an integer, got %s", v.Type())
				}
				return types.Int(^n)
			}))),
	}
}

func (*bitwiseLib) ProgramOptions() []cel.ProgramOption {
	return nil
}
