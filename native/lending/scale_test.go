package lending

import (
	"errors"
	"math/big"
	"testing"
)

func TestScalerRoundTrip(t *testing.T) {
	s, err := NewScaler(6)
	if err != nil {
		t.Fatalf("new scaler: %v", err)
	}
	native := big.NewInt(1_234_567)
	internal := s.ToInternal(native)
	want := new(big.Int).Mul(native, big.NewInt(1_000_000_000_000))
	if internal.Cmp(want) != 0 {
		t.Fatalf("internal = %s, want %s", internal, want)
	}
	if back := s.ToNative(internal, false); back.Cmp(native) != 0 {
		t.Fatalf("round trip = %s, want %s", back, native)
	}
}

func TestScalerRounding(t *testing.T) {
	s, err := NewScaler(6)
	if err != nil {
		t.Fatalf("new scaler: %v", err)
	}
	// One internal quantum above a native unit.
	internal := big.NewInt(1_000_000_000_001)
	if got := s.ToNative(internal, false); got.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("floor = %s, want 1", got)
	}
	if got := s.ToNative(internal, true); got.Cmp(big.NewInt(2)) != 0 {
		t.Fatalf("ceil = %s, want 2", got)
	}
	exact := big.NewInt(3_000_000_000_000)
	if got := s.ToNative(exact, true); got.Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("exact ceil = %s, want 3", got)
	}
}

func TestScalerEighteenDecimalsIdentity(t *testing.T) {
	s, err := NewScaler(18)
	if err != nil {
		t.Fatalf("new scaler: %v", err)
	}
	v := big.NewInt(987_654_321)
	if got := s.ToInternal(v); got.Cmp(v) != 0 {
		t.Fatalf("internal = %s, want %s", got, v)
	}
	if got := s.ToNative(v, true); got.Cmp(v) != 0 {
		t.Fatalf("native = %s, want %s", got, v)
	}
}

func TestScalerRejectsFineDecimals(t *testing.T) {
	if _, err := NewScaler(19); !errors.Is(err, ErrUnsupportedDecimals) {
		t.Fatalf("err = %v, want ErrUnsupportedDecimals", err)
	}
}
