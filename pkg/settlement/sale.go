package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/uhyunpark/settlesim/pkg/fillevent"
	"github.com/uhyunpark/settlesim/pkg/ledger"
	"github.com/uhyunpark/settlesim/pkg/order"
)

var ErrNoOrders = errors.New("market sell needs at least one order")

// MarketSellAndVerifyBalances sells up to takerAssetFillAmount into orders
// for taker in one call and checks it like a match: one Fill per order the
// sale reaches, in list order, each equal to the per-order prediction, and
// the ledger equal to prior moved by every fill. Prior filled amounts are
// set with WithExpectedPriorFilledEach.
func (t *MatchOrderTester) MarketSellAndVerifyBalances(ctx context.Context, orders []*order.SignedOrder, taker common.Address, takerAssetFillAmount *big.Int, prior *ledger.Snapshot, opts ...MatchOption) (*ledger.Snapshot, *Report, error) {
	if t.ports.Market == nil {
		return nil, nil, errMissingPort("Market")
	}
	if len(orders) == 0 {
		return nil, nil, ErrNoOrders
	}
	var cfg matchConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if prior == nil {
		prior = ledger.New()
	}
	report := newReport(cfg.name, taker, t.clock.Now())
	report.PriorDigest = prior.Digest()

	// 1. precondition
	infos := make([]order.Info, len(orders))
	terms := make([]*order.Order, len(orders))
	filled := make([]*big.Int, len(orders))
	for i, o := range orders {
		info, err := t.ports.Orders.OrderInfo(ctx, &o.Order)
		if err != nil {
			return nil, nil, fmt.Errorf("read order %d info: %w", i, err)
		}
		if want := cfg.priorAt(i); info.TakerAssetFilledAmount.Cmp(want) != 0 {
			return nil, nil, mismatch(ErrPriorFilledMismatch, orderSide(i), "takerAssetFilledAmount", want, info.TakerAssetFilledAmount)
		}
		infos[i], terms[i], filled[i] = info, &o.Order, info.TakerAssetFilledAmount
		report.OrderHashes = append(report.OrderHashes, info.Hash)
	}
	predicted, total, err := order.MarketSellFills(terms, filled, takerAssetFillAmount)
	if err != nil {
		return nil, nil, fmt.Errorf("predict market sell: %w", err)
	}
	report.PredictedSale = predicted

	// 2. invocation; rejections belong to the caller
	receipt, err := t.ports.Market.MarketSellOrders(ctx, orders, taker, takerAssetFillAmount)
	if err != nil {
		return nil, nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, nil, fmt.Errorf("%w: tx %s", ErrReceiptFailed, receipt.TxHash.Hex())
	}
	report.TxHash = receipt.TxHash
	if receipt.BlockNumber != nil {
		report.BlockNumber = receipt.BlockNumber.Uint64()
	}

	post, err := t.verifySale(ctx, report, receipt, orders, infos, taker, prior, predicted, total, cfg)
	if err != nil {
		t.log.Warnw("market_sell_verification_failed",
			"report", report.ID,
			"orders", len(orders),
			"tx", receipt.TxHash.Hex(),
			"error", err,
		)
		return nil, report, report.fail(err, t.clock.Now())
	}

	report.Passed = true
	report.FinishedAt = t.clock.Now()
	t.log.Infow("market_sell_verified",
		"report", report.ID,
		"orders", len(report.Sale.Fills),
		"taker", taker.Hex(),
		"taker_filled", report.Sale.Total.TakerAssetFilledAmount.String(),
		"maker_filled", report.Sale.Total.MakerAssetFilledAmount.String(),
		"tx", receipt.TxHash.Hex(),
	)
	return post, report, nil
}

func (t *MatchOrderTester) verifySale(ctx context.Context, report *Report, receipt *types.Receipt,
	orders []*order.SignedOrder, infos []order.Info, taker common.Address,
	prior *ledger.Snapshot, predicted []order.FillResults, total order.FillResults, cfg matchConfig,
) (*ledger.Snapshot, error) {
	// orders the sale reaches, in list order
	var reached []int
	for i, p := range predicted {
		if p.TakerAssetFilledAmount.Sign() > 0 {
			reached = append(reached, i)
		}
	}

	// 3. events
	fills, err := fillevent.FillsFromReceipt(receipt, t.exchange)
	if err != nil {
		return nil, err
	}
	if len(fills) != len(reached) {
		return nil, fmt.Errorf("%w: want %d Fill events, one per order reached, got %d",
			ErrUnexpectedEventShape, len(reached), len(fills))
	}
	terms := make([]*order.Order, len(reached))
	events := make([]order.FillResults, len(reached))
	for k, i := range reached {
		if err := checkIdentity(orderSide(i), fills[k], &orders[i].Order, infos[i].Hash, taker); err != nil {
			return nil, err
		}
		terms[k], events[k] = &orders[i].Order, fills[k].Results()
	}

	// 4. amounts
	sale, err := DeriveSaleAmounts(terms, events)
	if err != nil {
		return nil, err
	}
	report.Sale = &sale
	for k, i := range reached {
		if err := compareFill(orderSide(i), predicted[i], events[k]); err != nil {
			return nil, err
		}
		if err := compareFill(orderSide(i), sale.Fills[k], events[k]); err != nil {
			return nil, err
		}
	}
	if err := compareFill("total", total, sale.Total); err != nil {
		return nil, err
	}

	// 5. projection
	expected, err := ProjectSale(prior, terms, taker, t.feeAsset, sale.Fills)
	if err != nil {
		return nil, err
	}
	report.ExpectedDigest = expected.Digest()

	// 6. read back and compare
	owners, assets, err := t.trackedKeys(expected, taker, cfg.extraOwners, orders...)
	if err != nil {
		return nil, err
	}
	return t.readBack(ctx, report, receipt, expected, owners, assets)
}

func orderSide(i int) string { return fmt.Sprintf("order %d", i) }
