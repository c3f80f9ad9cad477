package vm

import (
	"math"

	"github.com/chazu/procvm/pkg/bytecode"
)

// Integer values travel as uint64 holding the low w bits; signed opcodes
// sign-extend before operating. Results are truncated back to w, so
// overflow wraps silently.

func intBinary(f bytecode.Family, t bytecode.Type, a, b uint64) (uint64, error) {
	w := t.Width()
	var r uint64
	switch f {
	case bytecode.FamAdd:
		r = a + b
	case bytecode.FamSub:
		r = a - b
	case bytecode.FamMul:
		r = a * b
	case bytecode.FamDiv, bytecode.FamRem:
		if w.Truncate(b) == 0 {
			return 0, faultf(FaultDivideByZero, "%s_%s by zero", f, t)
		}
		if t.Signed() {
			x, y := w.SignExtend(a), w.SignExtend(b)
			if f == bytecode.FamDiv {
				r = uint64(x / y)
			} else {
				r = uint64(x % y)
			}
		} else if f == bytecode.FamDiv {
			r = a / b
		} else {
			r = a % b
		}
	case bytecode.FamAnd:
		r = a & b
	case bytecode.FamOr:
		r = a | b
	case bytecode.FamXor:
		r = a ^ b
	case bytecode.FamShl:
		r = a << b
	case bytecode.FamShr:
		if t.Signed() {
			r = uint64(w.SignExtend(a) >> b)
		} else {
			r = a >> b
		}
	default:
		return 0, faultf(FaultInvalidOpcode, "%s is not an integer operation", f)
	}
	return w.Truncate(r), nil
}

func floatBinary(f bytecode.Family, t bytecode.Type, a, b uint64, m FloatMode) (uint64, error) {
	x, y := toFloat(t, a, m), toFloat(t, b, m)
	var r float64
	switch f {
	case bytecode.FamAdd:
		r = x + y
	case bytecode.FamSub:
		r = x - y
	case bytecode.FamMul:
		r = x * y
	case bytecode.FamDiv:
		r = x / y
	case bytecode.FamRem:
		r = math.Mod(x, y)
	default:
		return 0, faultf(FaultInvalidOpcode, "%s is not a float operation", f)
	}
	return fromFloat(t, r, m), nil
}

func binary(f bytecode.Family, t bytecode.Type, a, b uint64, m FloatMode) (uint64, error) {
	if t.Float() {
		return floatBinary(f, t, a, b, m)
	}
	return intBinary(f, t, a, b)
}

func unary(f bytecode.Family, t bytecode.Type, a uint64, m FloatMode) uint64 {
	w := t.Width()
	if f == bytecode.FamNot {
		return w.Truncate(^a)
	}
	if t.Float() {
		if m == FloatBits {
			return a ^ uint64(1)<<(w-1)
		}
		return fromFloat(t, -toFloat(t, a, m), m)
	}
	return w.Truncate(-a)
}

func compare(f bytecode.Family, t bytecode.Type, a, b uint64, m FloatMode) bool {
	w := t.Width()
	switch {
	case t.Float():
		return ordered(f, toFloat(t, a, m), toFloat(t, b, m))
	case t.Signed():
		return ordered(f, w.SignExtend(a), w.SignExtend(b))
	}
	return ordered(f, a, b)
}

func ordered[T int64 | uint64 | float64](f bytecode.Family, x, y T) bool {
	switch f {
	case bytecode.FamLt:
		return x < y
	case bytecode.FamLte:
		return x <= y
	case bytecode.FamGt:
		return x > y
	case bytecode.FamGte:
		return x >= y
	case bytecode.FamEq:
		return x == y
	case bytecode.FamNeq:
		return x != y
	}
	return false
}

func toFloat(t bytecode.Type, v uint64, m FloatMode) float64 {
	if m == FloatNumeric {
		if t == bytecode.F32 {
			return float64(float32(uint32(v)))
		}
		return float64(v)
	}
	if t == bytecode.F32 {
		return float64(math.Float32frombits(uint32(v)))
	}
	return math.Float64frombits(v)
}

func fromFloat(t bytecode.Type, f float64, m FloatMode) uint64 {
	if t == bytecode.F32 {
		f = float64(float32(f))
	}
	if m == FloatNumeric {
		return saturate(f, t.Width())
	}
	if t == bytecode.F32 {
		return uint64(math.Float32bits(float32(f)))
	}
	return math.Float64bits(f)
}

// saturate converts f to an unsigned integer of width w, clamping out of
// range values and mapping NaN to zero.
func saturate(f float64, w bytecode.Width) uint64 {
	limit := w.Mask()
	switch {
	case math.IsNaN(f) || f <= 0:
		return 0
	case f >= float64(limit):
		return limit
	}
	return uint64(f)
}

func boolByte(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
