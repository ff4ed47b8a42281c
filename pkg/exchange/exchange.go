// Package exchange is an in-memory reference implementation of the order
// exchange contract. It settles matches with the contract's rules and
// reports them through receipts and Fill logs, so the verifier can be
// exercised without a chain.
package exchange

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	eth_crypto "github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/uhyunpark/settlesim/pkg/assetdata"
	"github.com/uhyunpark/settlesim/pkg/crypto"
	"github.com/uhyunpark/settlesim/pkg/fillevent"
	"github.com/uhyunpark/settlesim/pkg/ledger"
	"github.com/uhyunpark/settlesim/pkg/order"
	"github.com/uhyunpark/settlesim/pkg/util"
)

type Exchange struct {
	mu sync.Mutex

	address  common.Address
	feeAsset assetdata.Data
	hasher   *crypto.EIP712Signer
	clock    util.Clock
	log      *zap.SugaredLogger

	vault     *vault
	filled    map[common.Hash]*big.Int
	cancelled map[common.Hash]bool
	block     uint64
	history   map[uint64]*vault

	ledgerFault func(*ledger.Snapshot)
	fillFault   func([]*fillevent.Fill)
}

type Option func(*Exchange)

func WithClock(c util.Clock) Option {
	return func(e *Exchange) { e.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Exchange) { e.log = l.Sugar() }
}

// WithLedgerFault lets tests corrupt the post-settlement state before it is
// committed.
func WithLedgerFault(f func(*ledger.Snapshot)) Option {
	return func(e *Exchange) { e.ledgerFault = f }
}

// WithFillFault lets tests alter the Fill events before they are logged.
func WithFillFault(f func([]*fillevent.Fill)) Option {
	return func(e *Exchange) { e.fillFault = f }
}

// New creates an exchange at address charging fees in feeToken.
func New(address, feeToken common.Address, opts ...Option) *Exchange {
	e := &Exchange{
		address:   address,
		feeAsset:  assetdata.ERC20(feeToken),
		hasher:    crypto.NewEIP712Signer(crypto.ExchangeDomain(address)),
		clock:     util.RealClock{},
		log:       zap.NewNop().Sugar(),
		vault:     newVault(),
		filled:    make(map[common.Hash]*big.Int),
		cancelled: make(map[common.Hash]bool),
		history:   make(map[uint64]*vault),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Exchange) Address() common.Address      { return e.address }
func (e *Exchange) FeeAsset() assetdata.Data     { return e.feeAsset }
func (e *Exchange) Hasher() *crypto.EIP712Signer { return e.hasher }

// Deposit credits a fungible balance.
func (e *Exchange) Deposit(owner, token common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return revert(ReasonInvalidAmount, "negative deposit")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vault.deposit(owner, token, amount)
	e.log.Debugw("deposit", "owner", owner.Hex(), "token", token.Hex(), "amount", amount.String())
	return nil
}

// Mint creates an NFT instance owned by owner.
func (e *Exchange) Mint(owner, token common.Address, id *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.vault.mint(owner, token, id); err != nil {
		return err
	}
	e.log.Debugw("mint", "owner", owner.Hex(), "token", token.Hex(), "id", id.String())
	return nil
}

// Snapshot returns a copy of the whole vault.
func (e *Exchange) Snapshot() *ledger.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vault.state.Clone()
}

// ReadSnapshot implements the ledger read boundary.
func (e *Exchange) ReadSnapshot(ctx context.Context, owners []common.Address, assets []assetdata.Data) (*ledger.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vault.read(owners, assets), nil
}

// ReadSnapshotAt reads the ledger as committed by block. Deposits and
// mints made after that block are not visible.
func (e *Exchange) ReadSnapshotAt(ctx context.Context, block *big.Int, owners []common.Address, assets []assetdata.Data) (*ledger.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if block == nil || (block.Sign() == 0 && e.block == 0) {
		return e.vault.read(owners, assets), nil
	}
	if !block.IsUint64() {
		return nil, fmt.Errorf("unknown block %s", block)
	}
	v, ok := e.history[block.Uint64()]
	if !ok {
		return nil, fmt.Errorf("unknown block %s (head %d)", block, e.block)
	}
	return v.read(owners, assets), nil
}

// OrderInfo reports the order's status, hash and filled taker amount.
func (e *Exchange) OrderInfo(ctx context.Context, o *order.Order) (order.Info, error) {
	if err := ctx.Err(); err != nil {
		return order.Info{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.orderInfo(o)
}

func (e *Exchange) orderInfo(o *order.Order) (order.Info, error) {
	hash, err := e.hasher.HashOrder(o)
	if err != nil {
		return order.Info{}, err
	}
	filled := e.filledAmount(hash)
	return order.Info{
		Status:                 order.StatusAt(o, filled, e.cancelled[hash], e.clock.Now()),
		Hash:                   hash,
		TakerAssetFilledAmount: filled,
	}, nil
}

func (e *Exchange) filledAmount(hash common.Hash) *big.Int {
	if f, ok := e.filled[hash]; ok {
		return new(big.Int).Set(f)
	}
	return new(big.Int)
}

// assertFillable applies the checks every fill path shares.
func (e *Exchange) assertFillable(o *order.SignedOrder, info order.Info, sender common.Address) error {
	if err := order.ValidateAmounts(&o.Order); err != nil && !errors.Is(err, order.ErrZeroMakerAssetAmount) && !errors.Is(err, order.ErrZeroTakerAssetAmount) {
		return revert(ReasonInvalidOrder, "%v", err)
	}
	if info.Status != order.StatusFillable {
		return revert(ReasonOrderUnfillable, "order %s is %s", info.Hash.Hex(), info.Status)
	}
	if o.SenderAddress != (common.Address{}) && o.SenderAddress != sender {
		return revert(ReasonInvalidSender, "order %s", info.Hash.Hex())
	}
	if o.TakerAddress != (common.Address{}) && o.TakerAddress != sender {
		return revert(ReasonInvalidTaker, "order %s", info.Hash.Hex())
	}
	// signatures are only checked on first fill
	if info.TakerAssetFilledAmount.Sign() == 0 {
		signer, err := crypto.RecoverOrderHashSigner(info.Hash, o.Signature)
		if err != nil || signer != o.MakerAddress {
			return revert(ReasonInvalidSignature, "order %s", info.Hash.Hex())
		}
	}
	return nil
}

func decodeAssets(o *order.Order) (maker, taker assetdata.Data, err error) {
	if maker, err = o.MakerAsset(); err != nil {
		return maker, taker, revert(ReasonInvalidOrder, "maker asset data: %v", err)
	}
	if taker, err = o.TakerAsset(); err != nil {
		return maker, taker, revert(ReasonInvalidOrder, "taker asset data: %v", err)
	}
	return maker, taker, nil
}

// transferStep is one asset movement in a settlement.
type transferStep struct {
	asset    assetdata.Data
	from, to common.Address
	amount   *big.Int
}

func applySteps(v *vault, steps []transferStep) error {
	for _, s := range steps {
		if err := v.transfer(s.asset, s.from, s.to, s.amount); err != nil {
			return err
		}
	}
	return nil
}

// commit finalises a call: faults are applied, the working vault replaces
// the live one, and a receipt carrying logs is produced.
func (e *Exchange) commit(work *vault, fills []*fillevent.Fill, cancels []*fillevent.Cancel) (*types.Receipt, error) {
	if e.fillFault != nil {
		e.fillFault(fills)
	}
	if e.ledgerFault != nil {
		e.ledgerFault(work.state)
	}

	e.block++
	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], e.block)
	txHash := eth_crypto.Keccak256Hash(e.address.Bytes(), nonce[:])

	receipt := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      txHash,
		BlockNumber: new(big.Int).SetUint64(e.block),
	}
	var index uint
	for _, f := range fills {
		f.Exchange = e.address
		f.LogIndex = index
		log, err := fillevent.EncodeFill(f)
		if err != nil {
			return nil, err
		}
		receipt.Logs = append(receipt.Logs, log)
		index++
	}
	for _, c := range cancels {
		c.Exchange = e.address
		c.LogIndex = index
		log, err := fillevent.EncodeCancel(c)
		if err != nil {
			return nil, err
		}
		receipt.Logs = append(receipt.Logs, log)
		index++
	}
	for _, log := range receipt.Logs {
		log.TxHash = txHash
		log.BlockNumber = e.block
	}

	e.vault = work
	e.history[e.block] = work.clone()
	return receipt, nil
}

// CancelOrder marks an order cancelled. Only the maker may cancel.
func (e *Exchange) CancelOrder(ctx context.Context, o *order.Order, caller common.Address) (*types.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	info, err := e.orderInfo(o)
	if err != nil {
		return nil, err
	}
	if caller != o.MakerAddress {
		return nil, revert(ReasonInvalidMaker, "%s cannot cancel order of %s", caller.Hex(), o.MakerAddress.Hex())
	}
	if info.Status != order.StatusFillable {
		return nil, revert(ReasonOrderUnfillable, "order %s is %s", info.Hash.Hex(), info.Status)
	}

	receipt, err := e.commit(e.vault.clone(), nil, []*fillevent.Cancel{{
		MakerAddress:        o.MakerAddress,
		FeeRecipientAddress: o.FeeRecipientAddress,
		SenderAddress:       caller,
		OrderHash:           info.Hash,
		MakerAssetData:      o.MakerAssetData,
		TakerAssetData:      o.TakerAssetData,
	}})
	if err != nil {
		return nil, err
	}
	e.cancelled[info.Hash] = true
	e.log.Infow("order_cancelled", "order", info.Hash.Hex(), "maker", o.MakerAddress.Hex())
	return receipt, nil
}

func wrapArithmetic(err error) error {
	switch {
	case errors.Is(err, order.ErrRoundingError):
		return revert(ReasonRoundingError, "%v", err)
	case errors.Is(err, order.ErrNegativeSpread):
		return revert(ReasonNegativeSpread, "%v", err)
	default:
		return fmt.Errorf("fill arithmetic: %w", err)
	}
}
