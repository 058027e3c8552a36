package lending

import (
	"errors"
	"fmt"
	"math/big"
)

// ErrUnsupportedDecimals rejects currencies finer than the internal unit.
var ErrUnsupportedDecimals = errors.New("lending: currency decimals exceed 18")

// Scaler converts between a currency's native precision and the 18-decimal
// internal accounting unit. It is a plain value constructed at the top of
// each settlement call and threaded explicitly through the call graph, so
// nested calls against different currencies never share scaling state.
type Scaler struct {
	factor *big.Int
}

// NewScaler builds a scaler for a currency with the given decimal count.
func NewScaler(decimals uint8) (Scaler, error) {
	if decimals > maxInternalDecimals {
		return Scaler{}, fmt.Errorf("%w: %d", ErrUnsupportedDecimals, decimals)
	}
	factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(maxInternalDecimals-decimals)), nil)
	return Scaler{factor: factor}, nil
}

// ToInternal converts a native amount to internal units. The conversion is
// exact: the internal unit is always at least as fine as the native one.
func (s Scaler) ToInternal(native *big.Int) *big.Int {
	if native == nil || s.factor == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Mul(native, s.factor)
}

// ToNative converts an internal amount to native units. Rounding up is used
// when the caller must collect at least the owed amount; truncation is used
// when paying out so the engine never distributes more than it holds.
func (s Scaler) ToNative(internal *big.Int, roundUp bool) *big.Int {
	if internal == nil || s.factor == nil || s.factor.Sign() == 0 {
		return big.NewInt(0)
	}
	quo, rem := new(big.Int).QuoRem(internal, s.factor, new(big.Int))
	if roundUp && rem.Sign() > 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return quo
}
