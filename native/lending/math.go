package lending

import "math/big"

// BasisPoints is the denominator for every bps quantity.
const BasisPoints = 10_000

var basisPoints = big.NewInt(BasisPoints)

// MaxHealthFactor is reported for positions without debt.
var MaxHealthFactor = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// HealthyThreshold is the health factor below which a loan can be liquidated.
var HealthyThreshold = big.NewInt(BasisPoints)

func mulDiv(a, b, denominator *big.Int) *big.Int {
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, denominator)
}

func applyBps(amount *big.Int, bps uint64) *big.Int {
	return mulDiv(amount, new(big.Int).SetUint64(bps), basisPoints)
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
