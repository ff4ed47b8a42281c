package order

import (
	"fmt"
	"math/big"
)

// MarketSellOrders sells up to takerAssetFillAmount of taker asset into
// orders in sequence and returns the accumulated fills. filled holds each
// order's already-filled taker amount; nil means nothing filled yet.
func MarketSellOrders(orders []*Order, filled []*big.Int, takerAssetFillAmount *big.Int) (FillResults, error) {
	_, total, err := MarketSellFills(orders, filled, takerAssetFillAmount)
	return total, err
}

// MarketSellFills is MarketSellOrders keeping each order's own fill. The
// slice is aligned with orders; orders the sale never reaches, or that had
// nothing left, get zero results.
func MarketSellFills(orders []*Order, filled []*big.Int, takerAssetFillAmount *big.Int) ([]FillResults, FillResults, error) {
	if err := checkMarketInputs(orders, filled); err != nil {
		return nil, FillResults{}, err
	}
	each := make([]FillResults, len(orders))
	total := ZeroFillResults()
	for i, o := range orders {
		each[i] = ZeroFillResults()
		remaining := new(big.Int).Sub(takerAssetFillAmount, total.TakerAssetFilledAmount)
		if remaining.Sign() <= 0 {
			continue
		}
		available := new(big.Int).Sub(o.TakerAssetAmount, filledAt(filled, i))
		if available.Sign() <= 0 {
			continue
		}
		each[i] = FillAmountsForFullFill(o, minInt(remaining, available))
		total = Accumulate(total, each[i])
	}
	return each, total, nil
}

// MarketBuyOrders buys up to makerAssetFillAmount of maker asset from orders
// in sequence. Floor rounding means the total may fall slightly short.
func MarketBuyOrders(orders []*Order, filled []*big.Int, makerAssetFillAmount *big.Int) (FillResults, error) {
	if err := checkMarketInputs(orders, filled); err != nil {
		return FillResults{}, err
	}
	total := ZeroFillResults()
	for i, o := range orders {
		remainingMaker := new(big.Int).Sub(makerAssetFillAmount, total.MakerAssetFilledAmount)
		if remainingMaker.Sign() <= 0 {
			break
		}
		available := new(big.Int).Sub(o.TakerAssetAmount, filledAt(filled, i))
		if available.Sign() <= 0 {
			continue
		}
		takerNeeded := PartialAmountFloor(o.TakerAssetAmount, o.MakerAssetAmount, remainingMaker)
		single := FillAmountsForFullFill(o, minInt(takerNeeded, available))
		total = Accumulate(total, single)
	}
	return total, nil
}

func checkMarketInputs(orders []*Order, filled []*big.Int) error {
	if filled != nil && len(filled) != len(orders) {
		return fmt.Errorf("%w: %d orders, %d filled", ErrFilledLengthMismatch, len(orders), len(filled))
	}
	for i, o := range orders {
		if err := ValidateAmounts(o); err != nil {
			return fmt.Errorf("order %d: %w", i, err)
		}
	}
	return nil
}

func filledAt(filled []*big.Int, i int) *big.Int {
	if filled == nil || filled[i] == nil {
		return new(big.Int)
	}
	return filled[i]
}
