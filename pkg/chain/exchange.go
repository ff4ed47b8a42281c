// Package chain adapts a deployed exchange and its tokens to the
// settlement ports, over any go-ethereum contract backend.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/uhyunpark/settlesim/pkg/contracts"
	"github.com/uhyunpark/settlesim/pkg/crypto"
	"github.com/uhyunpark/settlesim/pkg/order"
)

var (
	ErrTakerNotTransactor = errors.New("taker must be the transaction sender")
	ErrTransactionFailed  = errors.New("transaction reverted")
)

// Backend is what ethclient.Client provides: calls, transactions and
// receipt lookups.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// ExchangeClient submits matches to and reads order state from a deployed
// exchange. The configured key pays gas and acts as taker.
type ExchangeClient struct {
	address  common.Address
	contract *bind.BoundContract
	backend  Backend
	auth     *bind.TransactOpts
	timeout  time.Duration
	log      *zap.SugaredLogger
}

type ExchangeOption func(*ExchangeClient)

func WithReceiptTimeout(d time.Duration) ExchangeOption {
	return func(c *ExchangeClient) { c.timeout = d }
}

func WithLogger(l *zap.Logger) ExchangeOption {
	return func(c *ExchangeClient) { c.log = l.Sugar() }
}

func NewExchangeClient(address common.Address, backend Backend, signer *crypto.Signer, chainID *big.Int, opts ...ExchangeOption) (*ExchangeClient, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(signer.PrivateKey(), chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to build transactor: %w", err)
	}
	c := &ExchangeClient{
		address:  address,
		contract: bind.NewBoundContract(address, contracts.ExchangeABI, backend, backend, backend),
		backend:  backend,
		auth:     auth,
		timeout:  30 * time.Second,
		log:      zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *ExchangeClient) Address() common.Address { return c.address }

// Sender is the transactor address, the only taker this client can match for.
func (c *ExchangeClient) Sender() common.Address { return c.auth.From }

// MatchOrders sends matchOrders and waits for the receipt. A mined but
// reverted transaction is returned as ErrTransactionFailed.
func (c *ExchangeClient) MatchOrders(ctx context.Context, left, right *order.SignedOrder, taker common.Address) (*types.Receipt, error) {
	if taker != c.auth.From {
		return nil, fmt.Errorf("%w: taker %s, sender %s", ErrTakerNotTransactor, taker.Hex(), c.auth.From.Hex())
	}
	return c.transact(ctx, "matchOrders", taker,
		contracts.ToTuple(&left.Order), contracts.ToTuple(&right.Order),
		[]byte(left.Signature), []byte(right.Signature))
}

func (c *ExchangeClient) transact(ctx context.Context, method string, taker common.Address, args ...interface{}) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	opts := *c.auth
	opts.Context = ctx
	tx, err := c.contract.Transact(&opts, method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}
	c.log.Infow("tx_submitted", "method", method, "tx", tx.Hash().Hex(), "taker", taker.Hex())

	receipt, err := bind.WaitMined(ctx, c.backend, tx)
	if err != nil {
		return nil, fmt.Errorf("failed waiting for %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: %s", ErrTransactionFailed, tx.Hash().Hex())
	}
	c.log.Infow("tx_mined", "method", method, "tx", tx.Hash().Hex(), "block", receipt.BlockNumber, "logs", len(receipt.Logs))
	return receipt, nil
}

// MarketSellOrders sends marketSellOrders and waits for the receipt, the
// same way MatchOrders does.
func (c *ExchangeClient) MarketSellOrders(ctx context.Context, orders []*order.SignedOrder, taker common.Address, takerAssetFillAmount *big.Int) (*types.Receipt, error) {
	if taker != c.auth.From {
		return nil, fmt.Errorf("%w: taker %s, sender %s", ErrTakerNotTransactor, taker.Hex(), c.auth.From.Hex())
	}
	tuples := make([]contracts.OrderTuple, len(orders))
	sigs := make([][]byte, len(orders))
	for i, o := range orders {
		tuples[i], sigs[i] = contracts.ToTuple(&o.Order), []byte(o.Signature)
	}
	return c.transact(ctx, "marketSellOrders", taker, tuples, takerAssetFillAmount, sigs)
}

// OrderInfo calls getOrderInfo.
func (c *ExchangeClient) OrderInfo(ctx context.Context, o *order.Order) (order.Info, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getOrderInfo", contracts.ToTuple(o)); err != nil {
		return order.Info{}, fmt.Errorf("getOrderInfo: %w", err)
	}
	return decodeOrderInfo(out)
}

func decodeOrderInfo(out []interface{}) (order.Info, error) {
	if len(out) != 1 {
		return order.Info{}, fmt.Errorf("getOrderInfo returned %d values", len(out))
	}
	info, ok := abi.ConvertType(out[0], new(contracts.OrderInfoTuple)).(*contracts.OrderInfoTuple)
	if !ok || info.OrderTakerAssetFilledAmount == nil {
		return order.Info{}, fmt.Errorf("getOrderInfo returned %T", out[0])
	}
	return order.Info{
		Status:                 order.Status(info.OrderStatus),
		Hash:                   common.Hash(info.OrderHash),
		TakerAssetFilledAmount: info.OrderTakerAssetFilledAmount,
	}, nil
}
