package settlement

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/uhyunpark/settlesim/pkg/assetdata"
	"github.com/uhyunpark/settlesim/pkg/fillevent"
	"github.com/uhyunpark/settlesim/pkg/ledger"
	"github.com/uhyunpark/settlesim/pkg/order"
	"github.com/uhyunpark/settlesim/pkg/util"
)

// Config names the exchange whose logs are trusted and the token fees are
// paid in.
type Config struct {
	Exchange common.Address
	FeeToken common.Address
}

// MatchOrderTester runs matches through its ports and checks the ledger
// afterwards. It holds no ledger state of its own; callers pass the prior
// snapshot in and chain the returned one.
type MatchOrderTester struct {
	ports    Ports
	exchange common.Address
	feeAsset assetdata.Data
	clock    util.Clock
	log      *zap.SugaredLogger
}

type Option func(*MatchOrderTester)

func WithLogger(l *zap.Logger) Option {
	return func(t *MatchOrderTester) { t.log = l.Sugar() }
}

func WithClock(c util.Clock) Option {
	return func(t *MatchOrderTester) { t.clock = c }
}

func NewMatchOrderTester(ports Ports, cfg Config, opts ...Option) (*MatchOrderTester, error) {
	if err := ports.validate(); err != nil {
		return nil, err
	}
	t := &MatchOrderTester{
		ports:    ports,
		exchange: cfg.Exchange,
		feeAsset: assetdata.ERC20(cfg.FeeToken),
		clock:    util.RealClock{},
		log:      zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *MatchOrderTester) FeeAsset() assetdata.Data { return t.feeAsset }

type matchConfig struct {
	name        string
	priorLeft   *big.Int
	priorRight  *big.Int
	priorEach   []*big.Int
	extraOwners []common.Address
}

// priorAt is the expected filled amount of the i-th order of a market sell.
func (c matchConfig) priorAt(i int) *big.Int {
	if i < len(c.priorEach) {
		return orZero(c.priorEach[i])
	}
	return new(big.Int)
}

type MatchOption func(*matchConfig)

// WithExpectedPriorFilled sets the taker amounts each order is expected to
// have had filled before the call. Both default to zero, and nil means zero.
func WithExpectedPriorFilled(left, right *big.Int) MatchOption {
	return func(c *matchConfig) {
		c.priorLeft = orZero(left)
		c.priorRight = orZero(right)
	}
}

// WithExpectedPriorFilledEach sets, for a market sell, the taker amount
// each order is expected to have had filled before the call, in list
// order. Missing or nil entries mean zero.
func WithExpectedPriorFilledEach(filled ...*big.Int) MatchOption {
	return func(c *matchConfig) { c.priorEach = filled }
}

// WithName labels the report.
func WithName(name string) MatchOption {
	return func(c *matchConfig) { c.name = name }
}

// WithTrackedOwners adds owners whose balances must be unchanged by the
// match even though no order names them.
func WithTrackedOwners(owners ...common.Address) MatchOption {
	return func(c *matchConfig) { c.extraOwners = append(c.extraOwners, owners...) }
}

// participants returns every identity a call filling orders can touch.
func participants(taker common.Address, orders ...*order.SignedOrder) []common.Address {
	out := []common.Address{taker}
	for _, o := range orders {
		out = append(out, o.MakerAddress, o.FeeRecipientAddress)
	}
	return out
}

func orderAssets(orders ...*order.SignedOrder) ([]assetdata.Data, error) {
	var out []assetdata.Data
	for _, o := range orders {
		maker, err := o.MakerAsset()
		if err != nil {
			return nil, fmt.Errorf("maker asset data: %w", err)
		}
		taker, err := o.TakerAsset()
		if err != nil {
			return nil, fmt.Errorf("taker asset data: %w", err)
		}
		out = append(out, maker, taker)
	}
	return out, nil
}

// trackedKeys is the read set for a verification: everything in the prior
// snapshot plus everything the call can touch. NFT collections are read by
// instance so readers that cannot enumerate ownership still work.
func (t *MatchOrderTester) trackedKeys(prior *ledger.Snapshot, taker common.Address, extra []common.Address, orders ...*order.SignedOrder) ([]common.Address, []assetdata.Data, error) {
	owners := lo.Uniq(append(append(prior.Owners(), participants(taker, orders...)...), extra...))
	owners = lo.Filter(owners, func(a common.Address, _ int) bool { return a != (common.Address{}) })

	assets, err := orderAssets(orders...)
	if err != nil {
		return nil, nil, err
	}
	fungible := lo.Filter(prior.Assets(), func(a assetdata.Data, _ int) bool { return a.IsFungible() })
	assets = append(assets, t.feeAsset)
	assets = append(assets, fungible...)
	assets = append(assets, prior.Instances()...)
	assets = lo.UniqBy(assets, func(a assetdata.Data) string { return a.Key() })
	return owners, assets, nil
}

// InitialSnapshot reads the ledger over every key a match between left and
// right can touch. It is the usual prior for the first verified match.
func (t *MatchOrderTester) InitialSnapshot(ctx context.Context, left, right *order.SignedOrder, taker common.Address, extraOwners ...common.Address) (*ledger.Snapshot, error) {
	return t.InitialSaleSnapshot(ctx, []*order.SignedOrder{left, right}, taker, extraOwners...)
}

// InitialSaleSnapshot is InitialSnapshot for any number of orders.
func (t *MatchOrderTester) InitialSaleSnapshot(ctx context.Context, orders []*order.SignedOrder, taker common.Address, extraOwners ...common.Address) (*ledger.Snapshot, error) {
	owners, assets, err := t.trackedKeys(ledger.New(), taker, extraOwners, orders...)
	if err != nil {
		return nil, err
	}
	return t.ports.Ledger.ReadSnapshot(ctx, owners, assets)
}

// MatchOrdersAndVerifyBalances matches left against right for taker and
// checks that the ledger moved from prior exactly as the fill rules
// require. On success it returns the ledger as read after the match, ready
// to be the prior of the next call. The report is returned whenever the
// match was attempted, also on failure.
func (t *MatchOrderTester) MatchOrdersAndVerifyBalances(ctx context.Context, left, right *order.SignedOrder, taker common.Address, prior *ledger.Snapshot, opts ...MatchOption) (*ledger.Snapshot, *Report, error) {
	cfg := matchConfig{priorLeft: new(big.Int), priorRight: new(big.Int)}
	for _, opt := range opts {
		opt(&cfg)
	}
	if prior == nil {
		prior = ledger.New()
	}
	report := newReport(cfg.name, taker, t.clock.Now())
	report.PriorDigest = prior.Digest()

	// 1. precondition
	leftInfo, err := t.ports.Orders.OrderInfo(ctx, &left.Order)
	if err != nil {
		return nil, nil, fmt.Errorf("read left order info: %w", err)
	}
	rightInfo, err := t.ports.Orders.OrderInfo(ctx, &right.Order)
	if err != nil {
		return nil, nil, fmt.Errorf("read right order info: %w", err)
	}
	report.LeftOrderHash, report.RightOrderHash = leftInfo.Hash, rightInfo.Hash
	if leftInfo.TakerAssetFilledAmount.Cmp(cfg.priorLeft) != 0 {
		return nil, nil, mismatch(ErrPriorFilledMismatch, "left", "takerAssetFilledAmount", cfg.priorLeft, leftInfo.TakerAssetFilledAmount)
	}
	if rightInfo.TakerAssetFilledAmount.Cmp(cfg.priorRight) != 0 {
		return nil, nil, mismatch(ErrPriorFilledMismatch, "right", "takerAssetFilledAmount", cfg.priorRight, rightInfo.TakerAssetFilledAmount)
	}
	predicted, err := order.CalculateMatchedFillResults(&left.Order, &right.Order, cfg.priorLeft, cfg.priorRight)
	if err != nil {
		return nil, nil, fmt.Errorf("predict match: %w", err)
	}
	report.Predicted = &predicted

	// 2. invocation; rejections belong to the caller
	receipt, err := t.ports.Matcher.MatchOrders(ctx, left, right, taker)
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

	post, err := t.verify(ctx, report, receipt, left, right, leftInfo, rightInfo, taker, prior, predicted, cfg)
	if err != nil {
		t.log.Warnw("match_verification_failed",
			"report", report.ID,
			"left", leftInfo.Hash.Hex(),
			"right", rightInfo.Hash.Hex(),
			"tx", receipt.TxHash.Hex(),
			"error", err,
		)
		return nil, report, report.fail(err, t.clock.Now())
	}

	report.Passed = true
	report.FinishedAt = t.clock.Now()
	t.log.Infow("match_verified",
		"report", report.ID,
		"left", leftInfo.Hash.Hex(),
		"right", rightInfo.Hash.Hex(),
		"taker", taker.Hex(),
		"spread", report.Transfers.AmountReceivedByTaker.String(),
		"tx", receipt.TxHash.Hex(),
	)
	return post, report, nil
}

// verify runs steps 3 to 6 of a match check.
func (t *MatchOrderTester) verify(ctx context.Context, report *Report, receipt *types.Receipt,
	left, right *order.SignedOrder, leftInfo, rightInfo order.Info, taker common.Address,
	prior *ledger.Snapshot, predicted order.MatchedFillResults, cfg matchConfig,
) (*ledger.Snapshot, error) {
	// 3. events
	fills, err := fillevent.FillsFromReceipt(receipt, t.exchange)
	if err != nil {
		return nil, err
	}
	if len(fills) != 2 {
		return nil, fmt.Errorf("%w: want 2 Fill events, got %d", ErrUnexpectedEventShape, len(fills))
	}
	if err := checkIdentity("left", fills[0], &left.Order, leftInfo.Hash, taker); err != nil {
		return nil, err
	}
	if err := checkIdentity("right", fills[1], &right.Order, rightInfo.Hash, taker); err != nil {
		return nil, err
	}

	// 4. amounts
	leftFill, rightFill := fills[0].Results(), fills[1].Results()
	amounts, err := DeriveTransferAmounts(&left.Order, &right.Order, leftFill, rightFill)
	if err != nil {
		return nil, err
	}
	report.Transfers = &amounts
	if err := compareFill("left", predicted.Left, leftFill); err != nil {
		return nil, err
	}
	if err := compareFill("right", predicted.Right, rightFill); err != nil {
		return nil, err
	}
	if err := compareFill("left", amounts.LeftFill(), leftFill); err != nil {
		return nil, err
	}
	if err := compareFill("right", amounts.RightFill(), rightFill); err != nil {
		return nil, err
	}
	if predicted.LeftMakerAssetSpreadAmount.Cmp(amounts.AmountReceivedByTaker) != 0 {
		return nil, mismatch(ErrFillMismatch, "taker", "amountReceivedByTaker", predicted.LeftMakerAssetSpreadAmount, amounts.AmountReceivedByTaker)
	}

	// 5. projection
	expected, err := ProjectMatch(prior, &left.Order, &right.Order, taker, t.feeAsset, amounts)
	if err != nil {
		return nil, err
	}
	report.ExpectedDigest = expected.Digest()

	// 6. read back and compare
	owners, assets, err := t.trackedKeys(expected, taker, cfg.extraOwners, left, right)
	if err != nil {
		return nil, err
	}
	return t.readBack(ctx, report, receipt, expected, owners, assets)
}

// readBack reads the ledger as of the receipt's block and compares it with
// expected. Readers without block access are read at the head.
func (t *MatchOrderTester) readBack(ctx context.Context, report *Report, receipt *types.Receipt,
	expected *ledger.Snapshot, owners []common.Address, assets []assetdata.Data,
) (*ledger.Snapshot, error) {
	var (
		actual *ledger.Snapshot
		err    error
	)
	if br, ok := t.ports.Ledger.(BlockLedgerReader); ok && receipt.BlockNumber != nil {
		actual, err = br.ReadSnapshotAt(ctx, receipt.BlockNumber, owners, assets)
	} else {
		actual, err = t.ports.Ledger.ReadSnapshot(ctx, owners, assets)
	}
	if err != nil {
		return nil, fmt.Errorf("read post-call ledger: %w", err)
	}
	report.ActualDigest = actual.Digest()
	if diff := expected.Diff(actual); len(diff) > 0 {
		report.Mismatches = diff
		return nil, &BalanceMismatchError{Mismatches: diff}
	}
	return actual, nil
}

func checkIdentity(side string, f *fillevent.Fill, o *order.Order, hash common.Hash, taker common.Address) error {
	switch {
	case f.OrderHash != hash:
		return mismatch(ErrEventIdentityMismatch, side, "orderHash", hash, f.OrderHash)
	case f.MakerAddress != o.MakerAddress:
		return mismatch(ErrEventIdentityMismatch, side, "makerAddress", o.MakerAddress, f.MakerAddress)
	case f.TakerAddress != taker:
		return mismatch(ErrEventIdentityMismatch, side, "takerAddress", taker, f.TakerAddress)
	case f.FeeRecipientAddress != o.FeeRecipientAddress:
		return mismatch(ErrEventIdentityMismatch, side, "feeRecipientAddress", o.FeeRecipientAddress, f.FeeRecipientAddress)
	}
	return nil
}

func compareFill(side string, want, got order.FillResults) error {
	fields := []struct {
		name      string
		want, got *big.Int
	}{
		{"makerAssetFilledAmount", want.MakerAssetFilledAmount, got.MakerAssetFilledAmount},
		{"takerAssetFilledAmount", want.TakerAssetFilledAmount, got.TakerAssetFilledAmount},
		{"makerFeePaid", want.MakerFeePaid, got.MakerFeePaid},
		{"takerFeePaid", want.TakerFeePaid, got.TakerFeePaid},
	}
	for _, f := range fields {
		if f.want.Cmp(f.got) != 0 {
			return mismatch(ErrFillMismatch, side, f.name, f.want, f.got)
		}
	}
	return nil
}

// MatchStep is one match in a consecutive-fill sequence.
type MatchStep struct {
	Name                     string
	Left, Right              *order.SignedOrder
	Taker                    common.Address
	ExpectedPriorFilledLeft  *big.Int
	ExpectedPriorFilledRight *big.Int
}

// VerifyConsecutiveMatches runs steps in order, feeding each step's post
// snapshot into the next. It stops at the first failing step; the reports
// of every attempted step are returned.
func (t *MatchOrderTester) VerifyConsecutiveMatches(ctx context.Context, steps []MatchStep, prior *ledger.Snapshot) (*ledger.Snapshot, []*Report, error) {
	reports := make([]*Report, 0, len(steps))
	current := prior
	for i, step := range steps {
		opts := []MatchOption{WithName(step.Name)}
		if step.ExpectedPriorFilledLeft != nil || step.ExpectedPriorFilledRight != nil {
			opts = append(opts, WithExpectedPriorFilled(step.ExpectedPriorFilledLeft, step.ExpectedPriorFilledRight))
		}
		next, report, err := t.MatchOrdersAndVerifyBalances(ctx, step.Left, step.Right, step.Taker, current, opts...)
		if report != nil {
			reports = append(reports, report)
		}
		if err != nil {
			return nil, reports, fmt.Errorf("step %d (%s): %w", i, step.Name, err)
		}
		current = next
	}
	return current, reports, nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
