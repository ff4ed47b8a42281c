package exchange

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/uhyunpark/settlesim/pkg/fillevent"
	"github.com/uhyunpark/settlesim/pkg/order"
)

// MatchOrders settles left against right on behalf of taker, who keeps the
// spread. The exchange emits the left Fill first, then the right Fill.
func (e *Exchange) MatchOrders(ctx context.Context, left, right *order.SignedOrder, taker common.Address) (*types.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	leftInfo, err := e.orderInfo(&left.Order)
	if err != nil {
		return nil, err
	}
	rightInfo, err := e.orderInfo(&right.Order)
	if err != nil {
		return nil, err
	}
	if err := e.assertFillable(left, leftInfo, taker); err != nil {
		return nil, err
	}
	if err := e.assertFillable(right, rightInfo, taker); err != nil {
		return nil, err
	}

	if err := order.ValidateMatch(&left.Order, &right.Order); err != nil {
		if errors.Is(err, order.ErrAssetDataMismatch) {
			return nil, revert(ReasonAssetDataMismatch, "left %s right %s", leftInfo.Hash.Hex(), rightInfo.Hash.Hex())
		}
		return nil, revert(ReasonNegativeSpread, "left %s right %s", leftInfo.Hash.Hex(), rightInfo.Hash.Hex())
	}

	matched, err := order.CalculateMatchedFillResults(&left.Order, &right.Order,
		leftInfo.TakerAssetFilledAmount, rightInfo.TakerAssetFilledAmount)
	if err != nil {
		return nil, wrapArithmetic(err)
	}

	leftMakerAsset, leftTakerAsset, err := decodeAssets(&left.Order)
	if err != nil {
		return nil, err
	}

	steps := []transferStep{
		{leftMakerAsset, left.MakerAddress, right.MakerAddress, matched.Right.TakerAssetFilledAmount},
		{leftTakerAsset, right.MakerAddress, left.MakerAddress, matched.Left.TakerAssetFilledAmount},
		{leftMakerAsset, left.MakerAddress, taker, matched.LeftMakerAssetSpreadAmount},
		{e.feeAsset, left.MakerAddress, left.FeeRecipientAddress, matched.Left.MakerFeePaid},
		{e.feeAsset, right.MakerAddress, right.FeeRecipientAddress, matched.Right.MakerFeePaid},
	}
	if left.FeeRecipientAddress == right.FeeRecipientAddress {
		total := new(big.Int).Add(matched.Left.TakerFeePaid, matched.Right.TakerFeePaid)
		steps = append(steps, transferStep{e.feeAsset, taker, left.FeeRecipientAddress, total})
	} else {
		steps = append(steps,
			transferStep{e.feeAsset, taker, left.FeeRecipientAddress, matched.Left.TakerFeePaid},
			transferStep{e.feeAsset, taker, right.FeeRecipientAddress, matched.Right.TakerFeePaid},
		)
	}

	work := e.vault.clone()
	if err := applySteps(work, steps); err != nil {
		return nil, err
	}

	fills := []*fillevent.Fill{
		newFill(&left.Order, leftInfo.Hash, taker, matched.Left),
		newFill(&right.Order, rightInfo.Hash, taker, matched.Right),
	}
	receipt, err := e.commit(work, fills, nil)
	if err != nil {
		return nil, err
	}
	e.filled[leftInfo.Hash] = new(big.Int).Add(leftInfo.TakerAssetFilledAmount, matched.Left.TakerAssetFilledAmount)
	e.filled[rightInfo.Hash] = new(big.Int).Add(rightInfo.TakerAssetFilledAmount, matched.Right.TakerAssetFilledAmount)

	e.log.Infow("orders_matched",
		"left", leftInfo.Hash.Hex(),
		"right", rightInfo.Hash.Hex(),
		"taker", taker.Hex(),
		"spread", matched.LeftMakerAssetSpreadAmount.String(),
		"tx", receipt.TxHash.Hex(),
	)
	return receipt, nil
}

// FillOrder fills up to takerAssetFillAmount of a single order for taker.
func (e *Exchange) FillOrder(ctx context.Context, o *order.SignedOrder, taker common.Address, takerAssetFillAmount *big.Int) (*types.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	info, err := e.orderInfo(&o.Order)
	if err != nil {
		return nil, err
	}
	if takerAssetFillAmount == nil || takerAssetFillAmount.Sign() <= 0 {
		return nil, revert(ReasonInvalidAmount, "taker fill amount must be positive")
	}
	if err := e.assertFillable(o, info, taker); err != nil {
		return nil, err
	}

	remaining := new(big.Int).Sub(o.TakerAssetAmount, info.TakerAssetFilledAmount)
	fill := takerAssetFillAmount
	if fill.Cmp(remaining) > 0 {
		fill = remaining
	}
	if order.IsRoundingErrorFloor(fill, o.TakerAssetAmount, o.MakerAssetAmount) {
		return nil, revert(ReasonRoundingError, "order %s fill %s", info.Hash.Hex(), fill)
	}
	results := order.FillAmountsForFullFill(&o.Order, fill)

	makerAsset, takerAsset, err := decodeAssets(&o.Order)
	if err != nil {
		return nil, err
	}
	work := e.vault.clone()
	err = applySteps(work, []transferStep{
		{makerAsset, o.MakerAddress, taker, results.MakerAssetFilledAmount},
		{takerAsset, taker, o.MakerAddress, results.TakerAssetFilledAmount},
		{e.feeAsset, o.MakerAddress, o.FeeRecipientAddress, results.MakerFeePaid},
		{e.feeAsset, taker, o.FeeRecipientAddress, results.TakerFeePaid},
	})
	if err != nil {
		return nil, err
	}

	receipt, err := e.commit(work, []*fillevent.Fill{newFill(&o.Order, info.Hash, taker, results)}, nil)
	if err != nil {
		return nil, err
	}
	e.filled[info.Hash] = new(big.Int).Add(info.TakerAssetFilledAmount, fill)

	e.log.Infow("order_filled",
		"order", info.Hash.Hex(),
		"taker", taker.Hex(),
		"taker_filled", fill.String(),
		"maker_filled", results.MakerAssetFilledAmount.String(),
	)
	return receipt, nil
}

func newFill(o *order.Order, hash common.Hash, taker common.Address, r order.FillResults) *fillevent.Fill {
	return &fillevent.Fill{
		MakerAddress:           o.MakerAddress,
		FeeRecipientAddress:    o.FeeRecipientAddress,
		TakerAddress:           taker,
		SenderAddress:          taker,
		MakerAssetFilledAmount: r.MakerAssetFilledAmount,
		TakerAssetFilledAmount: r.TakerAssetFilledAmount,
		MakerFeePaid:           r.MakerFeePaid,
		TakerFeePaid:           r.TakerFeePaid,
		OrderHash:              hash,
		MakerAssetData:         o.MakerAssetData,
		TakerAssetData:         o.TakerAssetData,
	}
}
