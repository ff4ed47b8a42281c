package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/settlesim/pkg/assetdata"
	"github.com/uhyunpark/settlesim/pkg/contracts"
	"github.com/uhyunpark/settlesim/pkg/ledger"
)

// ErrCannotEnumerate is returned for ERC721 descriptors without a token id:
// ownerOf can only answer for a given instance.
var ErrCannotEnumerate = errors.New("erc721 collections cannot be enumerated; pass instances")

const maxConcurrentReads = 16

// StateCaller is a contract caller that also reports the chain head.
// ethclient.Client satisfies it.
type StateCaller interface {
	bind.ContractCaller
	BlockNumber(ctx context.Context) (uint64, error)
}

// TokenReader reads balances and NFT ownership straight from token
// contracts.
type TokenReader struct {
	caller StateCaller
}

func NewTokenReader(caller StateCaller) *TokenReader {
	return &TokenReader{caller: caller}
}

// ReadSnapshot implements the ledger read boundary. The head block is
// fetched once and every call is pinned to it.
func (r *TokenReader) ReadSnapshot(ctx context.Context, owners []common.Address, assets []assetdata.Data) (*ledger.Snapshot, error) {
	head, err := r.caller.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("read head block: %w", err)
	}
	return r.ReadSnapshotAt(ctx, new(big.Int).SetUint64(head), owners, assets)
}

// ReadSnapshotAt reads with balanceOf and ownerOf calls, all pinned to
// block. Reads run concurrently.
func (r *TokenReader) ReadSnapshotAt(ctx context.Context, block *big.Int, owners []common.Address, assets []assetdata.Data) (*ledger.Snapshot, error) {
	snap := ledger.New()
	var mu sync.Mutex
	tracked := make(map[common.Address]bool, len(owners))
	for _, o := range owners {
		tracked[o] = true
	}

	for _, asset := range assets {
		switch {
		case asset.Kind == assetdata.NonFungible && asset.TokenID == nil:
			return nil, fmt.Errorf("%w: %s", ErrCannotEnumerate, asset.Token.Hex())
		case asset.Kind != assetdata.Fungible && asset.Kind != assetdata.NonFungible:
			return nil, fmt.Errorf("read snapshot: unknown asset kind %s", asset.Kind)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentReads)
	for _, asset := range assets {
		switch asset.Kind {
		case assetdata.Fungible:
			for _, owner := range owners {
				g.Go(func() error {
					bal, err := r.balanceOf(gctx, block, asset.Token, owner)
					if err != nil {
						return err
					}
					mu.Lock()
					snap.SetBalance(owner, asset.Token, bal)
					mu.Unlock()
					return nil
				})
			}
		case assetdata.NonFungible:
			mu.Lock()
			for _, owner := range owners {
				snap.TrackCollection(owner, asset.Token)
			}
			mu.Unlock()
			g.Go(func() error {
				holder, err := r.ownerOf(gctx, block, asset.Token, asset.TokenID)
				if err != nil {
					return err
				}
				if tracked[holder] {
					mu.Lock()
					snap.AddNFT(holder, asset.Token, asset.TokenID)
					mu.Unlock()
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return snap, nil
}

func (r *TokenReader) balanceOf(ctx context.Context, block *big.Int, token, owner common.Address) (*big.Int, error) {
	c := bind.NewBoundContract(token, contracts.ERC20ABI, r.caller, nil, nil)
	var out []interface{}
	if err := c.Call(&bind.CallOpts{Context: ctx, BlockNumber: block}, &out, "balanceOf", owner); err != nil {
		return nil, fmt.Errorf("balanceOf(%s) on %s: %w", owner.Hex(), token.Hex(), err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("balanceOf on %s returned %d values", token.Hex(), len(out))
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf on %s returned %T", token.Hex(), out[0])
	}
	return bal, nil
}

func (r *TokenReader) ownerOf(ctx context.Context, block *big.Int, token common.Address, id *big.Int) (common.Address, error) {
	c := bind.NewBoundContract(token, contracts.ERC721ABI, r.caller, nil, nil)
	var out []interface{}
	if err := c.Call(&bind.CallOpts{Context: ctx, BlockNumber: block}, &out, "ownerOf", id); err != nil {
		return common.Address{}, fmt.Errorf("ownerOf(%s) on %s: %w", id, token.Hex(), err)
	}
	if len(out) != 1 {
		return common.Address{}, fmt.Errorf("ownerOf on %s returned %d values", token.Hex(), len(out))
	}
	holder, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("ownerOf on %s returned %T", token.Hex(), out[0])
	}
	return holder, nil
}
