package exchange

import (
	"bytes"
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/samber/lo"

	"github.com/uhyunpark/settlesim/pkg/fillevent"
	"github.com/uhyunpark/settlesim/pkg/order"
)

// MarketSellOrders sells up to takerAssetFillAmount of taker asset into
// orders, in list order, on behalf of taker. Every order must ask for the
// same taker asset. The sale stops once the amount is reached; each order
// it reaches is filled and logged with one Fill. Any revert undoes the
// whole call.
func (e *Exchange) MarketSellOrders(ctx context.Context, orders []*order.SignedOrder, taker common.Address, takerAssetFillAmount *big.Int) (*types.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, revert(ReasonInvalidOrder, "empty order list")
	}
	if takerAssetFillAmount == nil || takerAssetFillAmount.Sign() <= 0 {
		return nil, revert(ReasonInvalidAmount, "taker fill amount must be positive")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	work := e.vault.clone()
	total := order.ZeroFillResults()
	var (
		fills  []*fillevent.Fill
		hashes []common.Hash
		takes  []*big.Int
	)
	for i, o := range orders {
		remaining := new(big.Int).Sub(takerAssetFillAmount, total.TakerAssetFilledAmount)
		if remaining.Sign() <= 0 {
			break
		}
		if !bytes.Equal(o.TakerAssetData, orders[0].TakerAssetData) {
			return nil, revert(ReasonAssetDataMismatch, "order %d asks for a different taker asset", i)
		}
		info, err := e.orderInfo(&o.Order)
		if err != nil {
			return nil, err
		}
		if lo.Contains(hashes, info.Hash) {
			return nil, revert(ReasonInvalidOrder, "order %s listed twice", info.Hash.Hex())
		}
		if err := e.assertFillable(o, info, taker); err != nil {
			return nil, err
		}

		fill := new(big.Int).Sub(o.TakerAssetAmount, info.TakerAssetFilledAmount)
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
		err = applySteps(work, []transferStep{
			{makerAsset, o.MakerAddress, taker, results.MakerAssetFilledAmount},
			{takerAsset, taker, o.MakerAddress, results.TakerAssetFilledAmount},
			{e.feeAsset, o.MakerAddress, o.FeeRecipientAddress, results.MakerFeePaid},
			{e.feeAsset, taker, o.FeeRecipientAddress, results.TakerFeePaid},
		})
		if err != nil {
			return nil, err
		}
		fills = append(fills, newFill(&o.Order, info.Hash, taker, results))
		hashes = append(hashes, info.Hash)
		takes = append(takes, new(big.Int).Add(info.TakerAssetFilledAmount, fill))
		total = order.Accumulate(total, results)
	}

	receipt, err := e.commit(work, fills, nil)
	if err != nil {
		return nil, err
	}
	for i, h := range hashes {
		e.filled[h] = takes[i]
	}

	e.log.Infow("market_sell_filled",
		"orders", len(hashes),
		"taker", taker.Hex(),
		"taker_filled", total.TakerAssetFilledAmount.String(),
		"maker_filled", total.MakerAssetFilledAmount.String(),
		"tx", receipt.TxHash.Hex(),
	)
	return receipt, nil
}
