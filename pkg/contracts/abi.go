// Package contracts embeds the ABI fragments of the exchange and token
// contracts the simulator reads from or submits to.
package contracts

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/settlesim/pkg/order"
)

const orderTuple = `{"components":[
	{"name":"makerAddress","type":"address"},
	{"name":"takerAddress","type":"address"},
	{"name":"feeRecipientAddress","type":"address"},
	{"name":"senderAddress","type":"address"},
	{"name":"makerAssetAmount","type":"uint256"},
	{"name":"takerAssetAmount","type":"uint256"},
	{"name":"makerFee","type":"uint256"},
	{"name":"takerFee","type":"uint256"},
	{"name":"expirationTimeSeconds","type":"uint256"},
	{"name":"salt","type":"uint256"},
	{"name":"makerAssetData","type":"bytes"},
	{"name":"takerAssetData","type":"bytes"}],`

const fillResultsTuple = `{"components":[
	{"name":"makerAssetFilledAmount","type":"uint256"},
	{"name":"takerAssetFilledAmount","type":"uint256"},
	{"name":"makerFeePaid","type":"uint256"},
	{"name":"takerFeePaid","type":"uint256"}],`

// ExchangeABIJSON covers matchOrders, marketSellOrders, the order state
// getters and the Fill and Cancel events.
var ExchangeABIJSON = `[
{"type":"function","name":"matchOrders","stateMutability":"nonpayable","inputs":[
	` + orderTuple + `"name":"leftOrder","type":"tuple"},
	` + orderTuple + `"name":"rightOrder","type":"tuple"},
	{"name":"leftSignature","type":"bytes"},
	{"name":"rightSignature","type":"bytes"}],
 "outputs":[{"components":[
	` + fillResultsTuple + `"name":"left","type":"tuple"},
	` + fillResultsTuple + `"name":"right","type":"tuple"},
	{"name":"leftMakerAssetSpreadAmount","type":"uint256"}],"name":"matchedFillResults","type":"tuple"}]},
{"type":"function","name":"marketSellOrders","stateMutability":"nonpayable","inputs":[
	` + orderTuple + `"name":"orders","type":"tuple[]"},
	{"name":"takerAssetFillAmount","type":"uint256"},
	{"name":"signatures","type":"bytes[]"}],
 "outputs":[` + fillResultsTuple + `"name":"totalFillResults","type":"tuple"}]},
{"type":"function","name":"getOrderInfo","stateMutability":"view","inputs":[
	` + orderTuple + `"name":"order","type":"tuple"}],
 "outputs":[{"components":[
	{"name":"orderStatus","type":"uint8"},
	{"name":"orderHash","type":"bytes32"},
	{"name":"orderTakerAssetFilledAmount","type":"uint256"}],"name":"orderInfo","type":"tuple"}]},
{"type":"function","name":"filled","stateMutability":"view","inputs":[{"name":"","type":"bytes32"}],
 "outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"cancelled","stateMutability":"view","inputs":[{"name":"","type":"bytes32"}],
 "outputs":[{"name":"","type":"bool"}]},
{"type":"event","name":"Fill","anonymous":false,"inputs":[
	{"indexed":true,"name":"makerAddress","type":"address"},
	{"indexed":true,"name":"feeRecipientAddress","type":"address"},
	{"indexed":false,"name":"takerAddress","type":"address"},
	{"indexed":false,"name":"senderAddress","type":"address"},
	{"indexed":false,"name":"makerAssetFilledAmount","type":"uint256"},
	{"indexed":false,"name":"takerAssetFilledAmount","type":"uint256"},
	{"indexed":false,"name":"makerFeePaid","type":"uint256"},
	{"indexed":false,"name":"takerFeePaid","type":"uint256"},
	{"indexed":true,"name":"orderHash","type":"bytes32"},
	{"indexed":false,"name":"makerAssetData","type":"bytes"},
	{"indexed":false,"name":"takerAssetData","type":"bytes"}]},
{"type":"event","name":"Cancel","anonymous":false,"inputs":[
	{"indexed":true,"name":"makerAddress","type":"address"},
	{"indexed":true,"name":"feeRecipientAddress","type":"address"},
	{"indexed":false,"name":"senderAddress","type":"address"},
	{"indexed":true,"name":"orderHash","type":"bytes32"},
	{"indexed":false,"name":"makerAssetData","type":"bytes"},
	{"indexed":false,"name":"takerAssetData","type":"bytes"}]}
]`

const ERC20ABIJSON = `[
{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"event","name":"Transfer","anonymous":false,"inputs":[
	{"indexed":true,"name":"from","type":"address"},
	{"indexed":true,"name":"to","type":"address"},
	{"indexed":false,"name":"value","type":"uint256"}]}
]`

const ERC721ABIJSON = `[
{"type":"function","name":"ownerOf","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	ExchangeABI = mustParse(ExchangeABIJSON)
	ERC20ABI    = mustParse(ERC20ABIJSON)
	ERC721ABI   = mustParse(ERC721ABIJSON)

	FillEvent   = ExchangeABI.Events["Fill"]
	CancelEvent = ExchangeABI.Events["Cancel"]
)

func mustParse(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

// OrderTuple mirrors the Solidity order struct; field names map onto the ABI
// component names for packing.
type OrderTuple struct {
	MakerAddress          common.Address
	TakerAddress          common.Address
	FeeRecipientAddress   common.Address
	SenderAddress         common.Address
	MakerAssetAmount      *big.Int
	TakerAssetAmount      *big.Int
	MakerFee              *big.Int
	TakerFee              *big.Int
	ExpirationTimeSeconds *big.Int
	Salt                  *big.Int
	MakerAssetData        []byte
	TakerAssetData        []byte
}

func ToTuple(o *order.Order) OrderTuple {
	return OrderTuple{
		MakerAddress:          o.MakerAddress,
		TakerAddress:          o.TakerAddress,
		FeeRecipientAddress:   o.FeeRecipientAddress,
		SenderAddress:         o.SenderAddress,
		MakerAssetAmount:      o.MakerAssetAmount,
		TakerAssetAmount:      o.TakerAssetAmount,
		MakerFee:              o.MakerFee,
		TakerFee:              o.TakerFee,
		ExpirationTimeSeconds: o.ExpirationTimeSeconds,
		Salt:                  o.Salt,
		MakerAssetData:        o.MakerAssetData,
		TakerAssetData:        o.TakerAssetData,
	}
}

// OrderInfoTuple is the getOrderInfo return struct.
type OrderInfoTuple struct {
	OrderStatus                 uint8
	OrderHash                   [32]byte
	OrderTakerAssetFilledAmount *big.Int
}
