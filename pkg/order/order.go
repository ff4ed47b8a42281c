// Package order holds the order model and the fill arithmetic shared by the
// exchange devnet and the settlement verifier. Everything here is pure: no
// I/O, no clocks, and orders are never mutated.
package order

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/uhyunpark/settlesim/pkg/assetdata"
)

var (
	ErrNilAmount             = errors.New("order amount is nil")
	ErrNegativeAmount        = errors.New("order amount is negative")
	ErrZeroMakerAssetAmount  = errors.New("maker asset amount is zero")
	ErrZeroTakerAssetAmount  = errors.New("taker asset amount is zero")
	ErrFilledLengthMismatch  = errors.New("filled amounts do not line up with orders")
	ErrNegativeSpread        = errors.New("negative spread")
	ErrAssetDataMismatch     = errors.New("asset data mismatch")
	ErrOrderAlreadyExhausted = errors.New("order has no remaining amount")
)

// Order is a maker's signed intent to trade MakerAssetAmount of MakerAssetData
// for TakerAssetAmount of TakerAssetData. A zero TakerAddress or SenderAddress
// means anyone may fill or submit it.
type Order struct {
	MakerAddress          common.Address `json:"makerAddress"`
	TakerAddress          common.Address `json:"takerAddress"`
	FeeRecipientAddress   common.Address `json:"feeRecipientAddress"`
	SenderAddress         common.Address `json:"senderAddress"`
	MakerAssetAmount      *big.Int       `json:"makerAssetAmount"`
	TakerAssetAmount      *big.Int       `json:"takerAssetAmount"`
	MakerFee              *big.Int       `json:"makerFee"`
	TakerFee              *big.Int       `json:"takerFee"`
	ExpirationTimeSeconds *big.Int       `json:"expirationTimeSeconds"`
	Salt                  *big.Int       `json:"salt"`
	MakerAssetData        hexutil.Bytes  `json:"makerAssetData"`
	TakerAssetData        hexutil.Bytes  `json:"takerAssetData"`
}

type SignedOrder struct {
	Order
	Signature hexutil.Bytes `json:"signature"`
}

// MakerAsset decodes MakerAssetData.
func (o *Order) MakerAsset() (assetdata.Data, error) {
	return assetdata.Decode(o.MakerAssetData)
}

// TakerAsset decodes TakerAssetData.
func (o *Order) TakerAsset() (assetdata.Data, error) {
	return assetdata.Decode(o.TakerAssetData)
}

// Clone returns a deep copy.
func (o *Order) Clone() *Order {
	c := *o
	c.MakerAssetAmount = cloneInt(o.MakerAssetAmount)
	c.TakerAssetAmount = cloneInt(o.TakerAssetAmount)
	c.MakerFee = cloneInt(o.MakerFee)
	c.TakerFee = cloneInt(o.TakerFee)
	c.ExpirationTimeSeconds = cloneInt(o.ExpirationTimeSeconds)
	c.Salt = cloneInt(o.Salt)
	c.MakerAssetData = append(hexutil.Bytes{}, o.MakerAssetData...)
	c.TakerAssetData = append(hexutil.Bytes{}, o.TakerAssetData...)
	return &c
}

// ValidateAmounts rejects orders the fill arithmetic cannot handle. The
// arithmetic itself divides by TakerAssetAmount and MakerAssetAmount, so
// every caller must run this first.
func ValidateAmounts(o *Order) error {
	fields := []struct {
		name string
		v    *big.Int
	}{
		{"makerAssetAmount", o.MakerAssetAmount},
		{"takerAssetAmount", o.TakerAssetAmount},
		{"makerFee", o.MakerFee},
		{"takerFee", o.TakerFee},
		{"expirationTimeSeconds", o.ExpirationTimeSeconds},
		{"salt", o.Salt},
	}
	for _, f := range fields {
		if f.v == nil {
			return fmt.Errorf("%s: %w", f.name, ErrNilAmount)
		}
		if f.v.Sign() < 0 {
			return fmt.Errorf("%s: %w", f.name, ErrNegativeAmount)
		}
	}
	if o.MakerAssetAmount.Sign() == 0 {
		return ErrZeroMakerAssetAmount
	}
	if o.TakerAssetAmount.Sign() == 0 {
		return ErrZeroTakerAssetAmount
	}
	return nil
}

// Status mirrors the exchange's on-chain order status codes.
type Status uint8

const (
	StatusInvalid Status = iota
	StatusInvalidMakerAssetAmount
	StatusInvalidTakerAssetAmount
	StatusFillable
	StatusExpired
	StatusFullyFilled
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusInvalid:
		return "INVALID"
	case StatusInvalidMakerAssetAmount:
		return "INVALID_MAKER_ASSET_AMOUNT"
	case StatusInvalidTakerAssetAmount:
		return "INVALID_TAKER_ASSET_AMOUNT"
	case StatusFillable:
		return "FILLABLE"
	case StatusExpired:
		return "EXPIRED"
	case StatusFullyFilled:
		return "FULLY_FILLED"
	case StatusCancelled:
		return "CANCELLED"
	default:
		return fmt.Sprintf("STATUS(%d)", uint8(s))
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Info is the exchange's view of an order.
type Info struct {
	Status                 Status      `json:"status"`
	Hash                   common.Hash `json:"hash"`
	TakerAssetFilledAmount *big.Int    `json:"takerAssetFilledAmount"`
}

// StatusAt evaluates an order's status the way the exchange does, in the
// same precedence order: amounts, fill state, expiry, cancellation.
func StatusAt(o *Order, filled *big.Int, cancelled bool, now time.Time) Status {
	if o.MakerAssetAmount == nil || o.MakerAssetAmount.Sign() == 0 {
		return StatusInvalidMakerAssetAmount
	}
	if o.TakerAssetAmount == nil || o.TakerAssetAmount.Sign() == 0 {
		return StatusInvalidTakerAssetAmount
	}
	if filled != nil && filled.Cmp(o.TakerAssetAmount) >= 0 {
		return StatusFullyFilled
	}
	if o.ExpirationTimeSeconds != nil && big.NewInt(now.Unix()).Cmp(o.ExpirationTimeSeconds) >= 0 {
		return StatusExpired
	}
	if cancelled {
		return StatusCancelled
	}
	return StatusFillable
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
