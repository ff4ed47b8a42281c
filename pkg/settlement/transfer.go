package settlement

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/settlesim/pkg/order"
)

// TransferAmounts is every amount a match moves, derived from the two Fill
// events and the order terms.
type TransferAmounts struct {
	AmountSoldByLeftMaker    *big.Int `json:"amountSoldByLeftMaker"`
	AmountBoughtByLeftMaker  *big.Int `json:"amountBoughtByLeftMaker"`
	AmountSoldByRightMaker   *big.Int `json:"amountSoldByRightMaker"`
	AmountBoughtByRightMaker *big.Int `json:"amountBoughtByRightMaker"`
	AmountReceivedByTaker    *big.Int `json:"amountReceivedByTaker"`

	FeePaidByLeftMaker  *big.Int `json:"feePaidByLeftMaker"`
	FeePaidByRightMaker *big.Int `json:"feePaidByRightMaker"`
	FeePaidByTakerLeft  *big.Int `json:"feePaidByTakerLeft"`
	FeePaidByTakerRight *big.Int `json:"feePaidByTakerRight"`
	TotalFeePaidByTaker *big.Int `json:"totalFeePaidByTaker"`

	// Keyed by recipient identity. Two orders naming the same recipient
	// share one entry.
	FeeReceivedByRecipient map[common.Address]*big.Int `json:"feeReceivedByRecipient"`
}

// DeriveTransferAmounts computes the amounts moved by a match from the
// left and right fills. Fees are recomputed from the order terms rather
// than copied from the events.
func DeriveTransferAmounts(left, right *order.Order, leftFill, rightFill order.FillResults) (TransferAmounts, error) {
	for _, o := range []*order.Order{left, right} {
		if err := order.ValidateAmounts(o); err != nil {
			return TransferAmounts{}, err
		}
	}
	t := TransferAmounts{
		AmountSoldByLeftMaker:    new(big.Int).Set(leftFill.MakerAssetFilledAmount),
		AmountBoughtByLeftMaker:  new(big.Int).Set(leftFill.TakerAssetFilledAmount),
		AmountSoldByRightMaker:   new(big.Int).Set(rightFill.MakerAssetFilledAmount),
		AmountBoughtByRightMaker: new(big.Int).Set(rightFill.TakerAssetFilledAmount),
	}
	t.AmountReceivedByTaker = new(big.Int).Sub(t.AmountSoldByLeftMaker, t.AmountBoughtByRightMaker)
	if t.AmountReceivedByTaker.Sign() < 0 {
		return TransferAmounts{}, fmt.Errorf("%w: left maker sold %s but right maker bought %s",
			ErrFillMismatch, t.AmountSoldByLeftMaker, t.AmountBoughtByRightMaker)
	}

	t.FeePaidByLeftMaker = order.PartialAmountFloor(t.AmountSoldByLeftMaker, left.MakerAssetAmount, left.MakerFee)
	t.FeePaidByRightMaker = order.PartialAmountFloor(t.AmountSoldByRightMaker, right.MakerAssetAmount, right.MakerFee)
	t.FeePaidByTakerLeft = order.PartialAmountFloor(t.AmountBoughtByLeftMaker, left.TakerAssetAmount, left.TakerFee)
	t.FeePaidByTakerRight = order.PartialAmountFloor(t.AmountBoughtByRightMaker, right.TakerAssetAmount, right.TakerFee)
	t.TotalFeePaidByTaker = new(big.Int).Add(t.FeePaidByTakerLeft, t.FeePaidByTakerRight)

	t.FeeReceivedByRecipient = make(map[common.Address]*big.Int, 2)
	credit(t.FeeReceivedByRecipient, left.FeeRecipientAddress, t.FeePaidByLeftMaker, t.FeePaidByTakerLeft)
	credit(t.FeeReceivedByRecipient, right.FeeRecipientAddress, t.FeePaidByRightMaker, t.FeePaidByTakerRight)
	return t, nil
}

// credit adds amounts to recipient's entry, creating it if needed.
func credit(byRecipient map[common.Address]*big.Int, recipient common.Address, amounts ...*big.Int) {
	sum, ok := byRecipient[recipient]
	if !ok {
		sum = new(big.Int)
		byRecipient[recipient] = sum
	}
	for _, a := range amounts {
		sum.Add(sum, a)
	}
}

// SaleAmounts is every amount a market sell moves: one fill per order the
// sale reached, their total and the fees each recipient collects.
type SaleAmounts struct {
	Fills                  []order.FillResults         `json:"fills"`
	Total                  order.FillResults           `json:"total"`
	FeeReceivedByRecipient map[common.Address]*big.Int `json:"feeReceivedByRecipient"`
}

// DeriveSaleAmounts recomputes each fill from its taker amount and the
// order terms, so inflated maker amounts or fees in an event show up as a
// difference, and totals them with order.Accumulate.
func DeriveSaleAmounts(orders []*order.Order, fills []order.FillResults) (SaleAmounts, error) {
	if len(orders) != len(fills) {
		return SaleAmounts{}, fmt.Errorf("%w: %d orders, %d fills", ErrUnexpectedEventShape, len(orders), len(fills))
	}
	s := SaleAmounts{
		Fills:                  make([]order.FillResults, 0, len(fills)),
		Total:                  order.ZeroFillResults(),
		FeeReceivedByRecipient: make(map[common.Address]*big.Int, len(orders)),
	}
	for i, o := range orders {
		if err := order.ValidateAmounts(o); err != nil {
			return SaleAmounts{}, fmt.Errorf("order %d: %w", i, err)
		}
		if fills[i].TakerAssetFilledAmount.Cmp(o.TakerAssetAmount) > 0 {
			return SaleAmounts{}, mismatch(ErrFillMismatch, fmt.Sprintf("order %d", i), "takerAssetFilledAmount",
				o.TakerAssetAmount, fills[i].TakerAssetFilledAmount)
		}
		r := order.FillAmountsForFullFill(o, fills[i].TakerAssetFilledAmount)
		s.Fills = append(s.Fills, r)
		s.Total = order.Accumulate(s.Total, r)
		credit(s.FeeReceivedByRecipient, o.FeeRecipientAddress, r.MakerFeePaid, r.TakerFeePaid)
	}
	return s, nil
}

// LeftFill and RightFill return the amounts in FillResults form, fees
// included, for comparison with the exchange's own numbers.
func (t TransferAmounts) LeftFill() order.FillResults {
	return order.FillResults{
		MakerAssetFilledAmount: t.AmountSoldByLeftMaker,
		TakerAssetFilledAmount: t.AmountBoughtByLeftMaker,
		MakerFeePaid:           t.FeePaidByLeftMaker,
		TakerFeePaid:           t.FeePaidByTakerLeft,
	}
}

func (t TransferAmounts) RightFill() order.FillResults {
	return order.FillResults{
		MakerAssetFilledAmount: t.AmountSoldByRightMaker,
		TakerAssetFilledAmount: t.AmountBoughtByRightMaker,
		MakerFeePaid:           t.FeePaidByRightMaker,
		TakerFeePaid:           t.FeePaidByTakerRight,
	}
}
