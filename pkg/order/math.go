package order

import (
	"errors"
	"math/big"
)

var (
	ErrDivisionByZero = errors.New("division by zero")
	ErrRoundingError  = errors.New("rounding error exceeds 0.1%")
)

var thousand = big.NewInt(1000)

// PartialAmountFloor computes floor(numerator * target / denominator).
// The denominator must be non-zero.
func PartialAmountFloor(numerator, denominator, target *big.Int) *big.Int {
	p := new(big.Int).Mul(numerator, target)
	return p.Quo(p, denominator)
}

// PartialAmountCeil computes ceil(numerator * target / denominator).
// The denominator must be non-zero.
func PartialAmountCeil(numerator, denominator, target *big.Int) *big.Int {
	p := new(big.Int).Mul(numerator, target)
	p.Add(p, denominator)
	p.Sub(p, big.NewInt(1))
	return p.Quo(p, denominator)
}

// IsRoundingErrorFloor reports whether flooring numerator*target/denominator
// loses 0.1% or more of the exact value.
func IsRoundingErrorFloor(numerator, denominator, target *big.Int) bool {
	if numerator.Sign() == 0 || target.Sign() == 0 {
		return false
	}
	remainder := new(big.Int).Mul(target, numerator)
	remainder.Mod(remainder, denominator)
	return exceedsTolerance(remainder, numerator, target)
}

// IsRoundingErrorCeil is IsRoundingErrorFloor for rounding up.
func IsRoundingErrorCeil(numerator, denominator, target *big.Int) bool {
	if numerator.Sign() == 0 || target.Sign() == 0 {
		return false
	}
	remainder := new(big.Int).Mul(target, numerator)
	remainder.Mod(remainder, denominator)
	if remainder.Sign() != 0 {
		remainder.Sub(denominator, remainder)
	}
	return exceedsTolerance(remainder, numerator, target)
}

func exceedsTolerance(remainder, numerator, target *big.Int) bool {
	lhs := new(big.Int).Mul(remainder, thousand)
	rhs := new(big.Int).Mul(numerator, target)
	return lhs.Cmp(rhs) >= 0
}

// SafePartialAmountFloor is PartialAmountFloor that refuses lossy results.
func SafePartialAmountFloor(numerator, denominator, target *big.Int) (*big.Int, error) {
	if denominator.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	if IsRoundingErrorFloor(numerator, denominator, target) {
		return nil, ErrRoundingError
	}
	return PartialAmountFloor(numerator, denominator, target), nil
}

// SafePartialAmountCeil is PartialAmountCeil that refuses lossy results.
func SafePartialAmountCeil(numerator, denominator, target *big.Int) (*big.Int, error) {
	if denominator.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	if IsRoundingErrorCeil(numerator, denominator, target) {
		return nil, ErrRoundingError
	}
	return PartialAmountCeil(numerator, denominator, target), nil
}

func minInt(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
