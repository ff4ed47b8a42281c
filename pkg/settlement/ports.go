// Package settlement verifies that matching two orders moved exactly the
// assets the exchange's fill rules say it should. It drives the match
// through injected ports, decodes the resulting Fill events, projects the
// expected ledger from a prior snapshot and compares it with the ledger
// read back after the call.
package settlement

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/uhyunpark/settlesim/pkg/assetdata"
	"github.com/uhyunpark/settlesim/pkg/ledger"
	"github.com/uhyunpark/settlesim/pkg/order"
)

// MatchOrdersPort submits a match and returns the mined receipt.
type MatchOrdersPort interface {
	MatchOrders(ctx context.Context, left, right *order.SignedOrder, taker common.Address) (*types.Receipt, error)
}

// MarketSellPort sells a taker amount into an order list in one call and
// returns the mined receipt, carrying one Fill per order the sale reached.
type MarketSellPort interface {
	MarketSellOrders(ctx context.Context, orders []*order.SignedOrder, taker common.Address, takerAssetFillAmount *big.Int) (*types.Receipt, error)
}

// OrderStateReader reports an order's hash, status and filled amount.
type OrderStateReader interface {
	OrderInfo(ctx context.Context, o *order.Order) (order.Info, error)
}

// LedgerReader reads balances and NFT ownership for owners x assets.
// ERC721 descriptors carrying a TokenID ask where that instance sits.
type LedgerReader interface {
	ReadSnapshot(ctx context.Context, owners []common.Address, assets []assetdata.Data) (*ledger.Snapshot, error)
}

// BlockLedgerReader can also read the ledger as of a given block. When
// the tester's reader implements it, post-call reads are pinned to the
// receipt's block.
type BlockLedgerReader interface {
	LedgerReader
	ReadSnapshotAt(ctx context.Context, block *big.Int, owners []common.Address, assets []assetdata.Data) (*ledger.Snapshot, error)
}

// Ports bundles the collaborators a tester talks to. Market is optional
// and only needed for market sells.
type Ports struct {
	Matcher MatchOrdersPort
	Orders  OrderStateReader
	Ledger  LedgerReader
	Market  MarketSellPort
}

func (p Ports) validate() error {
	switch {
	case p.Matcher == nil:
		return errMissingPort("Matcher")
	case p.Orders == nil:
		return errMissingPort("Orders")
	case p.Ledger == nil:
		return errMissingPort("Ledger")
	}
	return nil
}
