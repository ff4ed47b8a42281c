package exchange

import (
	"context"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/settlesim/pkg/assetdata"
	"github.com/uhyunpark/settlesim/pkg/crypto"
	"github.com/uhyunpark/settlesim/pkg/fillevent"
	"github.com/uhyunpark/settlesim/pkg/ledger"
	"github.com/uhyunpark/settlesim/pkg/order"
	"github.com/uhyunpark/settlesim/pkg/util"
)

var (
	exchangeAddr = common.HexToAddress("0x48bacb9266a570d521063ef5dd96e61686dbe788")
	zrx          = common.HexToAddress("0x00000000000000000000000000000000000000ee")
	tokenA       = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tokenB       = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	kitty        = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	feeLeft      = common.HexToAddress("0x000000000000000000000000000000000000f001")
	feeRight     = common.HexToAddress("0x000000000000000000000000000000000000f002")
)

var salt atomic.Int64

func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

type fixture struct {
	ex                    *Exchange
	clock                 *util.ManualClock
	leftMaker, rightMaker *crypto.Signer
	taker                 common.Address
}

func assertAmount(t *testing.T, want, got *big.Int, msgAndArgs ...interface{}) {
	t.Helper()
	assert.Equal(t, want.String(), got.String(), msgAndArgs...)
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clock := util.NewManualClock(time.Unix(1_600_000_000, 0))
	ex := New(exchangeAddr, zrx, append([]Option{WithClock(clock)}, opts...)...)
	lm, err := crypto.FromSeed("left-maker")
	require.NoError(t, err)
	rm, err := crypto.FromSeed("right-maker")
	require.NoError(t, err)
	taker, err := crypto.FromSeed("taker")
	require.NoError(t, err)

	f := &fixture{ex: ex, clock: clock, leftMaker: lm, rightMaker: rm, taker: taker.Address()}
	for _, a := range []common.Address{lm.Address(), rm.Address()} {
		require.NoError(t, ex.Deposit(a, tokenA, e18(100)))
		require.NoError(t, ex.Deposit(a, tokenB, e18(100)))
		require.NoError(t, ex.Deposit(a, zrx, e18(100)))
	}
	require.NoError(t, ex.Deposit(f.taker, zrx, e18(100)))
	return f
}

func (f *fixture) sign(t *testing.T, s *crypto.Signer, o *order.Order) *order.SignedOrder {
	t.Helper()
	o.MakerAddress = s.Address()
	signed, err := f.ex.Hasher().Sign(s, o)
	require.NoError(t, err)
	return signed
}

func newOrder(makerAmt, takerAmt, makerFee, takerFee *big.Int, makerAsset, takerAsset assetdata.Data, feeRecipient common.Address) *order.Order {
	return &order.Order{
		FeeRecipientAddress:   feeRecipient,
		MakerAssetAmount:      makerAmt,
		TakerAssetAmount:      takerAmt,
		MakerFee:              makerFee,
		TakerFee:              takerFee,
		ExpirationTimeSeconds: big.NewInt(1_700_000_000),
		Salt:                  big.NewInt(int64(salt.Add(1))),
		MakerAssetData:        makerAsset.MustEncode(),
		TakerAssetData:        takerAsset.MustEncode(),
	}
}

func (f *fixture) crossingPair(t *testing.T, rightMaker, rightTaker *big.Int, leftFee, rightFee common.Address) (*order.SignedOrder, *order.SignedOrder) {
	a, b := assetdata.ERC20(tokenA), assetdata.ERC20(tokenB)
	left := f.sign(t, f.leftMaker, newOrder(e18(5), e18(10), e18(1), e18(2), a, b, leftFee))
	right := f.sign(t, f.rightMaker, newOrder(rightMaker, rightTaker, e18(1), e18(2), b, a, rightFee))
	return left, right
}

func TestMatchOrdersSettles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	left, right := f.crossingPair(t, e18(10), e18(2), feeLeft, feeRight)

	receipt, err := f.ex.MatchOrders(ctx, left, right, f.taker)
	require.NoError(t, err)

	fills, err := fillevent.FillsFromReceipt(receipt, exchangeAddr)
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, left.MakerAddress, fills[0].MakerAddress)
	assert.Equal(t, right.MakerAddress, fills[1].MakerAddress)
	assert.Equal(t, f.taker, fills[0].TakerAddress)

	snap := f.ex.Snapshot()
	lm, rm := left.MakerAddress, right.MakerAddress
	assertAmount(t, e18(95), snap.Balance(lm, tokenA), "left maker sold 5 A")
	assertAmount(t, e18(110), snap.Balance(lm, tokenB), "left maker bought 10 B")
	assertAmount(t, e18(102), snap.Balance(rm, tokenA), "right maker bought 2 A")
	assertAmount(t, e18(90), snap.Balance(rm, tokenB), "right maker sold 10 B")
	assertAmount(t, e18(3), snap.Balance(f.taker, tokenA), "taker keeps the spread")
	assertAmount(t, e18(99), snap.Balance(lm, zrx))
	assertAmount(t, e18(99), snap.Balance(rm, zrx))
	assertAmount(t, e18(96), snap.Balance(f.taker, zrx))
	assertAmount(t, e18(3), snap.Balance(feeLeft, zrx))
	assertAmount(t, e18(3), snap.Balance(feeRight, zrx))

	for _, o := range []*order.SignedOrder{left, right} {
		info, err := f.ex.OrderInfo(ctx, &o.Order)
		require.NoError(t, err)
		assert.Equal(t, order.StatusFullyFilled, info.Status)
	}
}

func TestMatchOrdersSharedFeeRecipient(t *testing.T) {
	f := newFixture(t)
	left, right := f.crossingPair(t, e18(10), e18(5), feeLeft, feeLeft)

	_, err := f.ex.MatchOrders(context.Background(), left, right, f.taker)
	require.NoError(t, err)

	snap := f.ex.Snapshot()
	assertAmount(t, e18(6), snap.Balance(feeLeft, zrx))
	assertAmount(t, big.NewInt(0), snap.Balance(f.taker, tokenA), "zero spread")
}

func TestMatchOrdersRevertsAtomically(t *testing.T) {
	ctx := context.Background()

	t.Run("negative spread", func(t *testing.T) {
		f := newFixture(t)
		left, right := f.crossingPair(t, e18(10), e18(6), feeLeft, feeRight)
		before := f.ex.Snapshot()
		_, err := f.ex.MatchOrders(ctx, left, right, f.taker)
		assert.Equal(t, ReasonNegativeSpread, RevertReason(err))
		assert.True(t, before.Equal(f.ex.Snapshot()))
	})

	t.Run("asset data mismatch", func(t *testing.T) {
		f := newFixture(t)
		left := f.sign(t, f.leftMaker, newOrder(e18(5), e18(10), e18(0), e18(0), assetdata.ERC20(tokenA), assetdata.ERC20(tokenB), feeLeft))
		right := f.sign(t, f.rightMaker, newOrder(e18(10), e18(5), e18(0), e18(0), assetdata.ERC20(zrx), assetdata.ERC20(tokenA), feeRight))
		_, err := f.ex.MatchOrders(ctx, left, right, f.taker)
		assert.Equal(t, ReasonAssetDataMismatch, RevertReason(err))
	})

	t.Run("bad signature", func(t *testing.T) {
		f := newFixture(t)
		left, right := f.crossingPair(t, e18(10), e18(5), feeLeft, feeRight)
		right.Signature[10] ^= 0xff
		_, err := f.ex.MatchOrders(ctx, left, right, f.taker)
		assert.Equal(t, ReasonInvalidSignature, RevertReason(err))
	})

	t.Run("taker restriction", func(t *testing.T) {
		f := newFixture(t)
		o := newOrder(e18(5), e18(10), e18(0), e18(0), assetdata.ERC20(tokenA), assetdata.ERC20(tokenB), feeLeft)
		o.TakerAddress = common.HexToAddress("0x0b")
		left := f.sign(t, f.leftMaker, o)
		right := f.sign(t, f.rightMaker, newOrder(e18(10), e18(5), e18(0), e18(0), assetdata.ERC20(tokenB), assetdata.ERC20(tokenA), feeRight))
		_, err := f.ex.MatchOrders(ctx, left, right, f.taker)
		assert.Equal(t, ReasonInvalidTaker, RevertReason(err))
	})

	t.Run("lossy maker fee", func(t *testing.T) {
		f := newFixture(t)
		left := f.sign(t, f.leftMaker, newOrder(big.NewInt(3), big.NewInt(3), big.NewInt(1), big.NewInt(0), assetdata.ERC20(tokenA), assetdata.ERC20(tokenB), feeLeft))
		right := f.sign(t, f.rightMaker, newOrder(big.NewInt(2), big.NewInt(2), big.NewInt(0), big.NewInt(0), assetdata.ERC20(tokenB), assetdata.ERC20(tokenA), feeRight))
		before := f.ex.Snapshot()
		_, err := f.ex.MatchOrders(ctx, left, right, f.taker)
		assert.Equal(t, ReasonRoundingError, RevertReason(err))
		assert.True(t, before.Equal(f.ex.Snapshot()))
	})

	t.Run("insufficient fee balance", func(t *testing.T) {
		f := newFixture(t)
		poor := common.HexToAddress("0x0c")
		left, right := f.crossingPair(t, e18(10), e18(5), feeLeft, feeRight)
		before := f.ex.Snapshot()
		_, err := f.ex.MatchOrders(ctx, left, right, poor)
		assert.Equal(t, ReasonTransferFailed, RevertReason(err))
		assert.True(t, before.Equal(f.ex.Snapshot()), "failed match must not move funds")
		info, err := f.ex.OrderInfo(ctx, &left.Order)
		require.NoError(t, err)
		assert.Equal(t, 0, info.TakerAssetFilledAmount.Sign())
	})
}

func TestMatchOrdersPartialFill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	left, right := f.crossingPair(t, e18(20), e18(4), feeLeft, feeRight)

	_, err := f.ex.MatchOrders(ctx, left, right, f.taker)
	require.NoError(t, err)

	leftInfo, _ := f.ex.OrderInfo(ctx, &left.Order)
	rightInfo, _ := f.ex.OrderInfo(ctx, &right.Order)
	assert.Equal(t, order.StatusFullyFilled, leftInfo.Status)
	assert.Equal(t, order.StatusFillable, rightInfo.Status)
	assertAmount(t, e18(2), rightInfo.TakerAssetFilledAmount)

	// the exhausted left order cannot be matched again
	_, err = f.ex.MatchOrders(ctx, left, right, f.taker)
	assert.Equal(t, ReasonOrderUnfillable, RevertReason(err))
}

func TestMatchOrdersNFT(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := big.NewInt(77)
	require.NoError(t, f.ex.Mint(f.leftMaker.Address(), kitty, id))

	nft := assetdata.ERC721(kitty, id)
	left := f.sign(t, f.leftMaker, newOrder(big.NewInt(1), e18(10), e18(0), e18(0), nft, assetdata.ERC20(tokenB), feeLeft))
	right := f.sign(t, f.rightMaker, newOrder(e18(10), big.NewInt(1), e18(0), e18(0), assetdata.ERC20(tokenB), nft, feeRight))

	_, err := f.ex.MatchOrders(ctx, left, right, f.taker)
	require.NoError(t, err)

	snap, err := f.ex.ReadSnapshot(ctx, []common.Address{f.leftMaker.Address(), f.rightMaker.Address()}, []assetdata.Data{nft})
	require.NoError(t, err)
	assert.False(t, snap.Owns(f.leftMaker.Address(), kitty, id))
	assert.True(t, snap.Owns(f.rightMaker.Address(), kitty, id))

	assert.Equal(t, ReasonAlreadyOwned, RevertReason(f.ex.Mint(f.taker, kitty, id)))
}

func TestFillOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.sign(t, f.leftMaker, newOrder(e18(5), e18(10), e18(1), e18(1), assetdata.ERC20(tokenA), assetdata.ERC20(tokenB), feeLeft))
	require.NoError(t, f.ex.Deposit(f.taker, tokenB, e18(4)))

	receipt, err := f.ex.FillOrder(ctx, o, f.taker, e18(4))
	require.NoError(t, err)
	fills, err := fillevent.FillsFromReceipt(receipt, exchangeAddr)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assertAmount(t, e18(2), fills[0].MakerAssetFilledAmount)

	snap := f.ex.Snapshot()
	assertAmount(t, e18(2), snap.Balance(f.taker, tokenA))
	assertAmount(t, big.NewInt(0), snap.Balance(f.taker, tokenB))

	info, _ := f.ex.OrderInfo(ctx, &o.Order)
	assert.Equal(t, order.StatusFillable, info.Status)
	assertAmount(t, e18(4), info.TakerAssetFilledAmount)
}

func TestCancelAndExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.sign(t, f.leftMaker, newOrder(e18(5), e18(10), e18(0), e18(0), assetdata.ERC20(tokenA), assetdata.ERC20(tokenB), feeLeft))

	_, err := f.ex.CancelOrder(ctx, &o.Order, f.taker)
	assert.Equal(t, ReasonInvalidMaker, RevertReason(err))

	receipt, err := f.ex.CancelOrder(ctx, &o.Order, f.leftMaker.Address())
	require.NoError(t, err)
	require.Len(t, receipt.Logs, 1)
	ev, err := fillevent.Decode(*receipt.Logs[0])
	require.NoError(t, err)
	assert.Equal(t, "Cancel", ev.EventName())

	info, _ := f.ex.OrderInfo(ctx, &o.Order)
	assert.Equal(t, order.StatusCancelled, info.Status)

	fresh := f.sign(t, f.leftMaker, newOrder(e18(5), e18(10), e18(0), e18(0), assetdata.ERC20(tokenA), assetdata.ERC20(tokenB), feeLeft))
	f.clock.Set(time.Unix(1_700_000_000, 0))
	info, _ = f.ex.OrderInfo(ctx, &fresh.Order)
	assert.Equal(t, order.StatusExpired, info.Status)
}

func TestFaultHooks(t *testing.T) {
	f := newFixture(t, WithLedgerFault(func(s *ledger.Snapshot) {
		s.AddBalance(common.HexToAddress("0x0d"), tokenA, big.NewInt(1))
	}))
	left, right := f.crossingPair(t, e18(10), e18(5), feeLeft, feeRight)
	_, err := f.ex.MatchOrders(context.Background(), left, right, f.taker)
	require.NoError(t, err)
	assertAmount(t, big.NewInt(1), f.ex.Snapshot().Balance(common.HexToAddress("0x0d"), tokenA))
}

func TestMarketSellOrders(t *testing.T) {
	ctx := context.Background()
	a, b := assetdata.ERC20(tokenA), assetdata.ERC20(tokenB)

	t.Run("fills in order until the amount is reached", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.ex.Deposit(f.taker, tokenB, e18(20)))
		orders := []*order.SignedOrder{
			f.sign(t, f.leftMaker, newOrder(e18(5), e18(10), e18(0), e18(0), a, b, feeLeft)),
			f.sign(t, f.rightMaker, newOrder(e18(10), e18(10), e18(2), e18(2), a, b, feeRight)),
			f.sign(t, f.rightMaker, newOrder(e18(1), e18(1), e18(0), e18(0), a, b, feeRight)),
		}

		receipt, err := f.ex.MarketSellOrders(ctx, orders, f.taker, e18(14))
		require.NoError(t, err)
		fills, err := fillevent.FillsFromReceipt(receipt, exchangeAddr)
		require.NoError(t, err)
		require.Len(t, fills, 2, "the third order is never reached")
		assert.Equal(t, orders[0].MakerAddress, fills[0].MakerAddress)
		assertAmount(t, e18(4), fills[1].TakerAssetFilledAmount)
		assertAmount(t, big.NewInt(8e17), fills[1].MakerFeePaid)

		snap := f.ex.Snapshot()
		assertAmount(t, e18(9), snap.Balance(f.taker, tokenA))
		assertAmount(t, e18(6), snap.Balance(f.taker, tokenB))
		assertAmount(t, new(big.Int).Sub(e18(100), big.NewInt(8e17)), snap.Balance(f.taker, zrx))

		info, _ := f.ex.OrderInfo(ctx, &orders[1].Order)
		assertAmount(t, e18(4), info.TakerAssetFilledAmount)
		info, _ = f.ex.OrderInfo(ctx, &orders[2].Order)
		assert.Equal(t, 0, info.TakerAssetFilledAmount.Sign())

		pinned, err := f.ex.ReadSnapshotAt(ctx, receipt.BlockNumber, []common.Address{f.taker}, []assetdata.Data{b})
		require.NoError(t, err)
		require.NoError(t, f.ex.Deposit(f.taker, tokenB, e18(1)))
		again, err := f.ex.ReadSnapshotAt(ctx, receipt.BlockNumber, []common.Address{f.taker}, []assetdata.Data{b})
		require.NoError(t, err)
		assert.True(t, pinned.Equal(again), "a block's view ignores later deposits")
	})

	t.Run("reverts atomically", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.ex.Deposit(f.taker, tokenB, e18(20)))
		good := f.sign(t, f.leftMaker, newOrder(e18(5), e18(10), e18(0), e18(0), a, b, feeLeft))
		other := f.sign(t, f.rightMaker, newOrder(e18(5), e18(10), e18(0), e18(0), a, assetdata.ERC20(zrx), feeRight))
		before := f.ex.Snapshot()

		_, err := f.ex.MarketSellOrders(ctx, []*order.SignedOrder{good, other}, f.taker, e18(15))
		assert.Equal(t, ReasonAssetDataMismatch, RevertReason(err))
		_, err = f.ex.MarketSellOrders(ctx, []*order.SignedOrder{good, good}, f.taker, e18(15))
		assert.Equal(t, ReasonInvalidOrder, RevertReason(err))
		_, err = f.ex.MarketSellOrders(ctx, []*order.SignedOrder{good}, f.taker, big.NewInt(0))
		assert.Equal(t, ReasonInvalidAmount, RevertReason(err))

		assert.True(t, before.Equal(f.ex.Snapshot()))
		info, _ := f.ex.OrderInfo(ctx, &good.Order)
		assert.Equal(t, 0, info.TakerAssetFilledAmount.Sign())
	})

	t.Run("lossy fill", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.ex.Deposit(f.taker, tokenB, e18(1)))
		o := f.sign(t, f.leftMaker, newOrder(big.NewInt(2), big.NewInt(3), e18(0), e18(0), a, b, feeLeft))
		_, err := f.ex.MarketSellOrders(ctx, []*order.SignedOrder{o}, f.taker, big.NewInt(1))
		assert.Equal(t, ReasonRoundingError, RevertReason(err))
	})
}
