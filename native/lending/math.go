package lending

import "math/big"

var (
	// wad is the 1e18 fixed-point unit used for rates and the internal
	// balance representation.
	wad = big.NewInt(1_000_000_000_000_000_000)
	// maxInternalDecimals caps supported currency precision; internal
	// accounting is always at least as fine as the native unit.
	maxInternalDecimals = uint8(18)
)

// wadMul multiplies two wad-scaled values, truncating toward zero. All
// multiplications happen before the single division so no precision is lost
// early.
func wadMul(a, b *big.Int) *big.Int {
	if a == nil || b == nil {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	return product.Quo(product, wad)
}

// wadDiv divides a by b in wad fixed point, truncating toward zero.
func wadDiv(a, b *big.Int) *big.Int {
	if a == nil || b == nil || b.Sign() == 0 {
		return big.NewInt(0)
	}
	numerator := new(big.Int).Mul(a, wad)
	return numerator.Quo(numerator, b)
}

// mulDiv computes a*b/denom without intermediate truncation.
func mulDiv(a, b, denom *big.Int) *big.Int {
	if a == nil || b == nil || denom == nil || denom.Sign() == 0 {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	return product.Quo(product, denom)
}

// wadPow raises a wad-scaled base to an integer exponent by repeated
// fixed-point multiplication. The exponent is bounded by the loan's interval
// count, which terms validation keeps small.
func wadPow(base *big.Int, exp uint64) *big.Int {
	if exp == 0 {
		return new(big.Int).Set(wad)
	}
	result := new(big.Int).Set(base)
	for i := uint64(1); i < exp; i++ {
		result = wadMul(result, base)
	}
	return result
}

// cloneBigInt copies v, treating nil as zero.
func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func minUint64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
