package exchange

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/settlesim/pkg/assetdata"
	"github.com/uhyunpark/settlesim/pkg/ledger"
)

// vault is the exchange's token state: balances and NFT ownership. A call
// runs against a copy and the copy replaces the original only on success.
type vault struct {
	state *ledger.Snapshot
	owner map[string]common.Address // ERC721 instance key -> current owner
}

func newVault() *vault {
	return &vault{state: ledger.New(), owner: make(map[string]common.Address)}
}

func (v *vault) clone() *vault {
	owner := make(map[string]common.Address, len(v.owner))
	for k, a := range v.owner {
		owner[k] = a
	}
	return &vault{state: v.state.Clone(), owner: owner}
}

func (v *vault) deposit(owner, token common.Address, amount *big.Int) {
	v.state.AddBalance(owner, token, amount)
}

func (v *vault) mint(owner, token common.Address, id *big.Int) error {
	key := assetdata.ERC721(token, id).Key()
	if holder, ok := v.owner[key]; ok {
		return revert(ReasonAlreadyOwned, "%s #%s held by %s", token.Hex(), id, holder.Hex())
	}
	v.owner[key] = owner
	v.state.AddNFT(owner, token, id)
	return nil
}

// transfer moves amount of asset between owners the way the asset proxies
// do: fungible amounts must be covered, NFT amounts must be 0 or 1.
func (v *vault) transfer(asset assetdata.Data, from, to common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return revert(ReasonInvalidAmount, "negative transfer of %s", asset)
	}
	switch asset.Kind {
	case assetdata.Fungible:
		if amount.Sign() == 0 {
			return nil
		}
		if v.state.Balance(from, asset.Token).Cmp(amount) < 0 {
			return revert(ReasonTransferFailed, "%s holds %s of %s, needs %s",
				from.Hex(), v.state.Balance(from, asset.Token), asset.Token.Hex(), amount)
		}
		v.state.AddBalance(from, asset.Token, new(big.Int).Neg(amount))
		v.state.AddBalance(to, asset.Token, amount)
		return nil
	case assetdata.NonFungible:
		if amount.Sign() == 0 {
			return nil
		}
		if amount.Cmp(big.NewInt(1)) != 0 {
			return revert(ReasonInvalidAmount, "erc721 transfer amount %s", amount)
		}
		key := asset.Key()
		if v.owner[key] != from {
			return revert(ReasonTransferFailed, "%s does not own %s", from.Hex(), key)
		}
		if err := v.state.TransferNFT(from, to, asset.Token, asset.TokenID); err != nil {
			return revert(ReasonTransferFailed, "%v", err)
		}
		v.owner[key] = to
		return nil
	default:
		return revert(ReasonInvalidOrder, "unknown asset kind %s", asset.Kind)
	}
}

// read builds a snapshot over owners x assets. Instance descriptors report
// where that one id sits; class descriptors report every id of the
// collection held by each owner.
func (v *vault) read(owners []common.Address, assets []assetdata.Data) *ledger.Snapshot {
	out := ledger.New()
	tracked := make(map[common.Address]bool, len(owners))
	for _, o := range owners {
		tracked[o] = true
	}
	for _, asset := range assets {
		for _, o := range owners {
			switch asset.Kind {
			case assetdata.Fungible:
				out.SetBalance(o, asset.Token, v.state.Balance(o, asset.Token))
			case assetdata.NonFungible:
				out.TrackCollection(o, asset.Token)
				if asset.TokenID == nil {
					for _, id := range v.state.OwnedIDs(o, asset.Token) {
						out.AddNFT(o, asset.Token, id)
					}
				}
			}
		}
		if asset.Kind == assetdata.NonFungible && asset.TokenID != nil {
			if holder, ok := v.owner[asset.Key()]; ok && tracked[holder] {
				out.AddNFT(holder, asset.Token, asset.TokenID)
			}
		}
	}
	return out
}
