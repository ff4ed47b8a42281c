package settlement

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/settlesim/pkg/assetdata"
	"github.com/uhyunpark/settlesim/pkg/ledger"
	"github.com/uhyunpark/settlesim/pkg/order"
)

// leg is a signed change of one asset at one owner.
type leg struct {
	owner common.Address
	asset assetdata.Data
	delta *big.Int
}

// matchLegs lists every balance change a match implies. A single identity
// may appear under several roles; each role contributes its own leg.
func matchLegs(left, right *order.Order, taker common.Address, feeAsset assetdata.Data, t TransferAmounts) ([]leg, error) {
	leftMakerAsset, err := left.MakerAsset()
	if err != nil {
		return nil, fmt.Errorf("left maker asset: %w", err)
	}
	leftTakerAsset, err := left.TakerAsset()
	if err != nil {
		return nil, fmt.Errorf("left taker asset: %w", err)
	}
	rightMakerAsset, err := right.MakerAsset()
	if err != nil {
		return nil, fmt.Errorf("right maker asset: %w", err)
	}
	rightTakerAsset, err := right.TakerAsset()
	if err != nil {
		return nil, fmt.Errorf("right taker asset: %w", err)
	}

	legs := []leg{
		{left.MakerAddress, leftMakerAsset, neg(t.AmountSoldByLeftMaker)},
		{left.MakerAddress, leftTakerAsset, t.AmountBoughtByLeftMaker},
		{right.MakerAddress, rightMakerAsset, neg(t.AmountSoldByRightMaker)},
		{right.MakerAddress, rightTakerAsset, t.AmountBoughtByRightMaker},
		{taker, leftMakerAsset, t.AmountReceivedByTaker},
		{left.MakerAddress, feeAsset, neg(t.FeePaidByLeftMaker)},
		{right.MakerAddress, feeAsset, neg(t.FeePaidByRightMaker)},
		{taker, feeAsset, neg(t.TotalFeePaidByTaker)},
	}
	for recipient, amount := range t.FeeReceivedByRecipient {
		legs = append(legs, leg{recipient, feeAsset, amount})
	}
	return legs, nil
}

// fillLegs lists every balance change of taker filling o directly.
func fillLegs(o *order.Order, taker common.Address, feeAsset assetdata.Data, r order.FillResults) ([]leg, error) {
	makerAsset, err := o.MakerAsset()
	if err != nil {
		return nil, fmt.Errorf("maker asset: %w", err)
	}
	takerAsset, err := o.TakerAsset()
	if err != nil {
		return nil, fmt.Errorf("taker asset: %w", err)
	}
	return []leg{
		{o.MakerAddress, makerAsset, neg(r.MakerAssetFilledAmount)},
		{taker, makerAsset, r.MakerAssetFilledAmount},
		{taker, takerAsset, neg(r.TakerAssetFilledAmount)},
		{o.MakerAddress, takerAsset, r.TakerAssetFilledAmount},
		{o.MakerAddress, feeAsset, neg(r.MakerFeePaid)},
		{taker, feeAsset, neg(r.TakerFeePaid)},
		{o.FeeRecipientAddress, feeAsset, new(big.Int).Add(r.MakerFeePaid, r.TakerFeePaid)},
	}, nil
}

func neg(v *big.Int) *big.Int { return new(big.Int).Neg(v) }

// ProjectSale returns the ledger expected after taker filled orders[i] by
// fills[i] for every i, starting from prior.
func ProjectSale(prior *ledger.Snapshot, orders []*order.Order, taker common.Address, feeAsset assetdata.Data, fills []order.FillResults) (*ledger.Snapshot, error) {
	if len(orders) != len(fills) {
		return nil, fmt.Errorf("project sale: %d orders, %d fills", len(orders), len(fills))
	}
	var legs []leg
	for i, o := range orders {
		l, err := fillLegs(o, taker, feeAsset, fills[i])
		if err != nil {
			return nil, fmt.Errorf("order %d: %w", i, err)
		}
		legs = append(legs, l...)
	}
	return project(prior, legs)
}

// ProjectMatch returns the ledger expected after the match described by t,
// starting from prior. prior itself is not modified.
func ProjectMatch(prior *ledger.Snapshot, left, right *order.Order, taker common.Address, feeAsset assetdata.Data, t TransferAmounts) (*ledger.Snapshot, error) {
	legs, err := matchLegs(left, right, taker, feeAsset, t)
	if err != nil {
		return nil, err
	}
	return project(prior, legs)
}

// project applies legs to a clone of prior. Debits go first so an instance
// leaves its seller before it reaches the buyer.
func project(prior *ledger.Snapshot, legs []leg) (*ledger.Snapshot, error) {
	next := prior.Clone()
	for _, debits := range []bool{true, false} {
		for _, l := range legs {
			if (l.delta.Sign() < 0) != debits || l.delta.Sign() == 0 {
				continue
			}
			if err := applyLeg(next, l); err != nil {
				return nil, err
			}
		}
	}
	return next, nil
}

func applyLeg(s *ledger.Snapshot, l leg) error {
	switch l.asset.Kind {
	case assetdata.Fungible:
		s.AddBalance(l.owner, l.asset.Token, l.delta)
		return nil
	case assetdata.NonFungible:
		if l.delta.CmpAbs(big.NewInt(1)) != 0 {
			return fmt.Errorf("%w: %s of %s", ErrFractionalNFT, l.delta, l.asset)
		}
		if l.delta.Sign() < 0 {
			if err := s.RemoveNFT(l.owner, l.asset.Token, l.asset.TokenID); err != nil {
				return fmt.Errorf("project %s from %s: %w", l.asset, l.owner.Hex(), err)
			}
			return nil
		}
		s.AddNFT(l.owner, l.asset.Token, l.asset.TokenID)
		return nil
	default:
		return fmt.Errorf("project: unknown asset kind %s", l.asset.Kind)
	}
}
