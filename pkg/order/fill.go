package order

import (
	"fmt"
	"math/big"
)

// FillResults are the amounts moved by filling a single order once.
type FillResults struct {
	MakerAssetFilledAmount *big.Int `json:"makerAssetFilledAmount"`
	TakerAssetFilledAmount *big.Int `json:"takerAssetFilledAmount"`
	MakerFeePaid           *big.Int `json:"makerFeePaid"`
	TakerFeePaid           *big.Int `json:"takerFeePaid"`
}

func ZeroFillResults() FillResults {
	return FillResults{
		MakerAssetFilledAmount: new(big.Int),
		TakerAssetFilledAmount: new(big.Int),
		MakerFeePaid:           new(big.Int),
		TakerFeePaid:           new(big.Int),
	}
}

func (f FillResults) Equal(o FillResults) bool {
	return eqInt(f.MakerAssetFilledAmount, o.MakerAssetFilledAmount) &&
		eqInt(f.TakerAssetFilledAmount, o.TakerAssetFilledAmount) &&
		eqInt(f.MakerFeePaid, o.MakerFeePaid) &&
		eqInt(f.TakerFeePaid, o.TakerFeePaid)
}

func (f FillResults) String() string {
	return fmt.Sprintf("{maker:%v taker:%v makerFee:%v takerFee:%v}",
		f.MakerAssetFilledAmount, f.TakerAssetFilledAmount, f.MakerFeePaid, f.TakerFeePaid)
}

// FillAmountsForFullFill derives what the maker gives and both sides pay in
// fees when takerAssetFilledAmount of the order's taker asset is supplied.
// Every division floors. The order must have passed ValidateAmounts.
func FillAmountsForFullFill(o *Order, takerAssetFilledAmount *big.Int) FillResults {
	makerFilled := PartialAmountFloor(takerAssetFilledAmount, o.TakerAssetAmount, o.MakerAssetAmount)
	return FillResults{
		MakerAssetFilledAmount: makerFilled,
		TakerAssetFilledAmount: new(big.Int).Set(takerAssetFilledAmount),
		MakerFeePaid:           PartialAmountFloor(makerFilled, o.MakerAssetAmount, o.MakerFee),
		TakerFeePaid:           PartialAmountFloor(makerFilled, o.MakerAssetAmount, o.TakerFee),
	}
}

// Accumulate returns the component-wise sum of total and single.
func Accumulate(total, single FillResults) FillResults {
	return FillResults{
		MakerAssetFilledAmount: addInt(total.MakerAssetFilledAmount, single.MakerAssetFilledAmount),
		TakerAssetFilledAmount: addInt(total.TakerAssetFilledAmount, single.TakerAssetFilledAmount),
		MakerFeePaid:           addInt(total.MakerFeePaid, single.MakerFeePaid),
		TakerFeePaid:           addInt(total.TakerFeePaid, single.TakerFeePaid),
	}
}

func addInt(a, b *big.Int) *big.Int {
	out := new(big.Int)
	if a != nil {
		out.Set(a)
	}
	if b != nil {
		out.Add(out, b)
	}
	return out
}

func eqInt(a, b *big.Int) bool {
	if a == nil || b == nil {
		return (a == nil || a.Sign() == 0) && (b == nil || b.Sign() == 0)
	}
	return a.Cmp(b) == 0
}
