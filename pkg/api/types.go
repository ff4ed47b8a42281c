package api

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/settlesim/pkg/order"
	"github.com/uhyunpark/settlesim/pkg/settlement"
)

// API request and response types for REST endpoints and WebSocket messages

// ==============================
// REST Types
// ==============================

// TokenInfo is a registered token
type TokenInfo struct {
	Symbol   string `json:"symbol"`
	Address  string `json:"address"`
	Kind     string `json:"kind"` // "ERC20" or "ERC721"
	Decimals int32  `json:"decimals"`
}

// TokenBalance is one token held by an address. Fungible tokens carry
// Amount (base units) and Display; collections carry IDs.
type TokenBalance struct {
	Symbol  string   `json:"symbol"`
	Token   string   `json:"token"`
	Kind    string   `json:"kind"`
	Amount  string   `json:"amount,omitempty"`
	Display string   `json:"display,omitempty"`
	IDs     []string `json:"ids,omitempty"`
}

type BalancesResponse struct {
	Address  string         `json:"address"`
	Balances []TokenBalance `json:"balances"`
}

// FaucetRequest credits Amount (display units) of a fungible token, or
// mints TokenID of a collection.
type FaucetRequest struct {
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
	Amount  string `json:"amount,omitempty"`
	TokenID string `json:"tokenId,omitempty"`
}

type FaucetResponse struct {
	Status  string `json:"status"`
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
	Amount  string `json:"amount,omitempty"` // base units
	TokenID string `json:"tokenId,omitempty"`
}

// OrderHashResponse describes an order as the exchange sees it.
// SignatureValid is only set when the request carried a signature.
type OrderHashResponse struct {
	Hash                   common.Hash `json:"hash"`
	Status                 string      `json:"status"`
	TakerAssetFilledAmount string      `json:"takerAssetFilledAmount"`
	SignatureValid         *bool       `json:"signatureValid,omitempty"`
}

// MatchRequest asks the devnet to match Left against Right for Taker and
// verify the settlement. Missing prior-filled amounts mean zero, so orders
// already partly filled need them stated.
type MatchRequest struct {
	Name             string            `json:"name,omitempty"`
	Left             order.SignedOrder `json:"left"`
	Right            order.SignedOrder `json:"right"`
	Taker            common.Address    `json:"taker"`
	PriorFilledLeft  *big.Int          `json:"priorFilledLeft,omitempty"`
	PriorFilledRight *big.Int          `json:"priorFilledRight,omitempty"`
	TrackedOwners    []common.Address  `json:"trackedOwners,omitempty"`
}

// MarketSellRequest asks the devnet to sell TakerAssetFillAmount into
// Orders for Taker and verify the settlement. PriorFilled is aligned with
// Orders; missing entries mean zero.
type MarketSellRequest struct {
	Name                 string              `json:"name,omitempty"`
	Orders               []order.SignedOrder `json:"orders"`
	Taker                common.Address      `json:"taker"`
	TakerAssetFillAmount *big.Int            `json:"takerAssetFillAmount"`
	PriorFilled          []*big.Int          `json:"priorFilled,omitempty"`
	TrackedOwners        []common.Address    `json:"trackedOwners,omitempty"`
}

// MatchResponse carries the verification report of a match or market
// sell. Reason is set when the exchange rejected the call, in which case
// there is no report.
type MatchResponse struct {
	Passed bool               `json:"passed"`
	Reason string             `json:"reason,omitempty"`
	Error  string             `json:"error,omitempty"`
	Report *settlement.Report `json:"report,omitempty"`
}

// ErrorResponse represents an API error
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ==============================
// WebSocket Types
// ==============================

// ChannelReports carries every verification report the server produces.
const ChannelReports = "reports"

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// ReportUpdate is pushed on ChannelReports
type ReportUpdate struct {
	Type   string             `json:"type"` // "report"
	Report *settlement.Report `json:"report"`
}
