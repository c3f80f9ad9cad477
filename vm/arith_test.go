package vm

import (
	"errors"
	"math"
	"testing"

	bc "github.com/chazu/procvm/pkg/bytecode"
)

func TestIntBinary(t *testing.T) {
	tests := []struct {
		name string
		f    bc.Family
		typ  bc.Type
		a, b uint64
		want uint64
	}{
		{"u8 wraps", bc.FamAdd, bc.U8, 255, 1, 0},
		{"u8 sub wraps", bc.FamSub, bc.U8, 0, 1, 255},
		{"u16 mul", bc.FamMul, bc.U16, 300, 300, (300 * 300) & 0xFFFF},
		{"u32 div", bc.FamDiv, bc.U32, 100, 7, 14},
		{"u64 rem", bc.FamRem, bc.U64, 100, 7, 2},
		{"i8 div", bc.FamDiv, bc.I8, 0xF6, 3, 0xFD}, // -10 / 3 = -3
		{"i8 rem", bc.FamRem, bc.I8, 0xF6, 3, 0xFF}, // -10 % 3 = -1
		{"i8 min / -1", bc.FamDiv, bc.I8, 0x80, 0xFF, 0x80},
		{"i64 min / -1", bc.FamDiv, bc.I64, 1 << 63, ^uint64(0), 1 << 63},
		{"and", bc.FamAnd, bc.U8, 0xF0, 0x3C, 0x30},
		{"or", bc.FamOr, bc.U16, 0xF000, 0x000F, 0xF00F},
		{"xor", bc.FamXor, bc.U32, 0xFF, 0x0F, 0xF0},
		{"shl", bc.FamShl, bc.U8, 0x81, 1, 0x02},
		{"shl past width", bc.FamShl, bc.U64, 1, 64, 0},
		{"shr unsigned", bc.FamShr, bc.U8, 0x80, 7, 1},
		{"shr signed", bc.FamShr, bc.I8, 0x80, 7, 0xFF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := intBinary(tt.f, tt.typ, tt.a, tt.b)
			if err != nil {
				t.Fatalf("intBinary: %v", err)
			}
			if got != tt.want {
				t.Errorf("got 0x%X, want 0x%X", got, tt.want)
			}
		})
	}
}

func TestIntDivideByZero(t *testing.T) {
	for _, f := range []bc.Family{bc.FamDiv, bc.FamRem} {
		for _, typ := range bc.IntegerTypes {
			if _, err := intBinary(f, typ, 1, 0); !errors.Is(err, ErrDivideByZero) {
				t.Errorf("%s_%s by zero err = %v", f, typ, err)
			}
		}
	}
}

func TestFloatBits(t *testing.T) {
	f32 := func(f float32) uint64 { return uint64(math.Float32bits(f)) }
	f64 := math.Float64bits

	got, err := binary(bc.FamAdd, bc.F32, f32(1.5), f32(2.25), FloatBits)
	if err != nil || got != f32(3.75) {
		t.Errorf("add_f32 = 0x%X, %v", got, err)
	}
	got, _ = binary(bc.FamDiv, bc.F64, f64(1), f64(4), FloatBits)
	if got != f64(0.25) {
		t.Errorf("div_f64 = %v", math.Float64frombits(got))
	}
	got, err = binary(bc.FamDiv, bc.F64, f64(1), f64(0), FloatBits)
	if err != nil || !math.IsInf(math.Float64frombits(got), 1) {
		t.Errorf("div_f64 by zero = %v, %v", math.Float64frombits(got), err)
	}
	got, _ = binary(bc.FamRem, bc.F64, f64(7.5), f64(2), FloatBits)
	if got != f64(1.5) {
		t.Errorf("rem_f64 = %v", math.Float64frombits(got))
	}
	if neg := unary(bc.FamNeg, bc.F32, f32(2), FloatBits); neg != f32(-2) {
		t.Errorf("neg_f32 = 0x%X", neg)
	}
	if !compare(bc.FamLt, bc.F64, f64(-1), f64(1), FloatBits) {
		t.Error("-1 < 1 as f64")
	}
	nan := f64(math.NaN())
	if compare(bc.FamEq, bc.F64, nan, nan, FloatBits) || !compare(bc.FamNeq, bc.F64, nan, nan, FloatBits) {
		t.Error("NaN comparisons")
	}
}

func TestFloatNumeric(t *testing.T) {
	got, _ := binary(bc.FamAdd, bc.F32, 3, 4, FloatNumeric)
	if got != 7 {
		t.Errorf("add_f32 numeric = %d", got)
	}
	got, _ = binary(bc.FamDiv, bc.F64, 7, 2, FloatNumeric)
	if got != 3 {
		t.Errorf("div_f64 numeric = %d, want truncation to 3", got)
	}
	got, _ = binary(bc.FamSub, bc.F32, 1, 2, FloatNumeric)
	if got != 0 {
		t.Errorf("negative result = %d, want saturation to 0", got)
	}
	got, _ = binary(bc.FamMul, bc.F32, 0xFFFFFFFF, 2, FloatNumeric)
	if got != 0xFFFFFFFF {
		t.Errorf("overflow = 0x%X, want saturation", got)
	}
	if !compare(bc.FamGt, bc.F32, 5, 3, FloatNumeric) {
		t.Error("5 > 3 numeric")
	}
}

func TestUnary(t *testing.T) {
	tests := []struct {
		f    bc.Family
		typ  bc.Type
		a    uint64
		want uint64
	}{
		{bc.FamNot, bc.U8, 0x0F, 0xF0},
		{bc.FamNot, bc.I16, 0, 0xFFFF},
		{bc.FamNeg, bc.I8, 1, 0xFF},
		{bc.FamNeg, bc.U32, 1, 0xFFFFFFFF},
		{bc.FamNeg, bc.I64, 0, 0},
	}
	for _, tt := range tests {
		if got := unary(tt.f, tt.typ, tt.a, FloatBits); got != tt.want {
			t.Errorf("%s_%s(0x%X) = 0x%X, want 0x%X", tt.f, tt.typ, tt.a, got, tt.want)
		}
	}
}

func TestCompareSignedness(t *testing.T) {
	// 0xFF is 255 unsigned and -1 signed.
	if !compare(bc.FamGt, bc.U8, 0xFF, 1, FloatBits) {
		t.Error("255 > 1 as u8")
	}
	if !compare(bc.FamLt, bc.I8, 0xFF, 1, FloatBits) {
		t.Error("-1 < 1 as i8")
	}
	if !compare(bc.FamGte, bc.I32, 5, 5, FloatBits) || !compare(bc.FamLte, bc.U64, 5, 5, FloatBits) {
		t.Error("equal values")
	}
}

func TestSaturate(t *testing.T) {
	if saturate(math.NaN(), bc.W8) != 0 || saturate(-3, bc.W8) != 0 {
		t.Error("NaN and negatives saturate to 0")
	}
	if saturate(1e30, bc.W64) != ^uint64(0) {
		t.Error("huge saturates to max")
	}
	if saturate(200.9, bc.W8) != 200 {
		t.Error("in range truncates")
	}
}
