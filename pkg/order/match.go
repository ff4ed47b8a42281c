package order

import (
	"bytes"
	"fmt"
	"math/big"
)

// MatchedFillResults are the amounts moved when a left and right order are
// matched against each other. The spread is the surplus of the left maker
// asset that goes to whoever submitted the match.
type MatchedFillResults struct {
	Left                       FillResults `json:"left"`
	Right                      FillResults `json:"right"`
	LeftMakerAssetSpreadAmount *big.Int    `json:"leftMakerAssetSpreadAmount"`
}

func (m MatchedFillResults) Equal(o MatchedFillResults) bool {
	return m.Left.Equal(o.Left) && m.Right.Equal(o.Right) &&
		eqInt(m.LeftMakerAssetSpreadAmount, o.LeftMakerAssetSpreadAmount)
}

// ValidateMatch checks that the orders trade opposite sides of the same
// pair and that the left price is at least as good as the right price.
// A zero spread is valid.
func ValidateMatch(left, right *Order) error {
	if !bytes.Equal(left.MakerAssetData, right.TakerAssetData) ||
		!bytes.Equal(left.TakerAssetData, right.MakerAssetData) {
		return ErrAssetDataMismatch
	}
	lhs := new(big.Int).Mul(left.MakerAssetAmount, right.MakerAssetAmount)
	rhs := new(big.Int).Mul(left.TakerAssetAmount, right.TakerAssetAmount)
	if lhs.Cmp(rhs) < 0 {
		return ErrNegativeSpread
	}
	return nil
}

// CalculateMatchedFillResults predicts the fills for matching left against
// right given the taker amounts each has already had filled. The side with
// less remaining is filled completely. When the right order constrains, the
// left maker amount is rounded down; when the left order constrains, the
// right taker amount is rounded up. Either way no maker gets a worse price
// than it signed, and fees are floored with the same 0.1% rounding check.
func CalculateMatchedFillResults(left, right *Order, leftFilled, rightFilled *big.Int) (MatchedFillResults, error) {
	for _, o := range []*Order{left, right} {
		if err := ValidateAmounts(o); err != nil {
			return MatchedFillResults{}, err
		}
	}
	leftTakerRemaining := new(big.Int).Sub(left.TakerAssetAmount, leftFilled)
	rightTakerRemaining := new(big.Int).Sub(right.TakerAssetAmount, rightFilled)
	if leftTakerRemaining.Sign() <= 0 || rightTakerRemaining.Sign() <= 0 {
		return MatchedFillResults{}, ErrOrderAlreadyExhausted
	}

	leftMakerRemaining, err := SafePartialAmountFloor(left.MakerAssetAmount, left.TakerAssetAmount, leftTakerRemaining)
	if err != nil {
		return MatchedFillResults{}, fmt.Errorf("left maker remaining: %w", err)
	}
	rightMakerRemaining, err := SafePartialAmountFloor(right.MakerAssetAmount, right.TakerAssetAmount, rightTakerRemaining)
	if err != nil {
		return MatchedFillResults{}, fmt.Errorf("right maker remaining: %w", err)
	}

	var res MatchedFillResults
	if leftTakerRemaining.Cmp(rightMakerRemaining) >= 0 {
		// right order is the constraint and is filled completely
		res.Right.MakerAssetFilledAmount = rightMakerRemaining
		res.Right.TakerAssetFilledAmount = rightTakerRemaining
		res.Left.TakerAssetFilledAmount = new(big.Int).Set(rightMakerRemaining)
		res.Left.MakerAssetFilledAmount, err = SafePartialAmountFloor(left.MakerAssetAmount, left.TakerAssetAmount, res.Left.TakerAssetFilledAmount)
		if err != nil {
			return MatchedFillResults{}, fmt.Errorf("left maker filled: %w", err)
		}
	} else {
		// left order is the constraint and is filled completely
		res.Left.MakerAssetFilledAmount = leftMakerRemaining
		res.Left.TakerAssetFilledAmount = leftTakerRemaining
		res.Right.MakerAssetFilledAmount = new(big.Int).Set(leftTakerRemaining)
		res.Right.TakerAssetFilledAmount, err = SafePartialAmountCeil(right.TakerAssetAmount, right.MakerAssetAmount, res.Right.MakerAssetFilledAmount)
		if err != nil {
			return MatchedFillResults{}, fmt.Errorf("right taker filled: %w", err)
		}
	}

	res.LeftMakerAssetSpreadAmount = new(big.Int).Sub(res.Left.MakerAssetFilledAmount, res.Right.TakerAssetFilledAmount)
	if res.LeftMakerAssetSpreadAmount.Sign() < 0 {
		return MatchedFillResults{}, ErrNegativeSpread
	}

	fees := []struct {
		name                   string
		dst                    **big.Int
		filled, amount, feeMax *big.Int
	}{
		{"left maker fee", &res.Left.MakerFeePaid, res.Left.MakerAssetFilledAmount, left.MakerAssetAmount, left.MakerFee},
		{"left taker fee", &res.Left.TakerFeePaid, res.Left.TakerAssetFilledAmount, left.TakerAssetAmount, left.TakerFee},
		{"right maker fee", &res.Right.MakerFeePaid, res.Right.MakerAssetFilledAmount, right.MakerAssetAmount, right.MakerFee},
		{"right taker fee", &res.Right.TakerFeePaid, res.Right.TakerAssetFilledAmount, right.TakerAssetAmount, right.TakerFee},
	}
	for _, f := range fees {
		if *f.dst, err = SafePartialAmountFloor(f.filled, f.amount, f.feeMax); err != nil {
			return MatchedFillResults{}, fmt.Errorf("%s: %w", f.name, err)
		}
	}
	return res, nil
}
