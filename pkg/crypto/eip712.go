package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/uhyunpark/settlesim/pkg/order"
)

// EIP712Domain represents the domain separator for EIP-712 typed data.
// The exchange's domain has no chain id; ChainID is only included when set.
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// ExchangeDomain returns the order-signing domain of the exchange deployed at addr.
func ExchangeDomain(exchange common.Address) EIP712Domain {
	return EIP712Domain{
		Name:              "0x Protocol",
		Version:           "2",
		VerifyingContract: exchange,
	}
}

var orderTypes = []apitypes.Type{
	{Name: "makerAddress", Type: "address"},
	{Name: "takerAddress", Type: "address"},
	{Name: "feeRecipientAddress", Type: "address"},
	{Name: "senderAddress", Type: "address"},
	{Name: "makerAssetAmount", Type: "uint256"},
	{Name: "takerAssetAmount", Type: "uint256"},
	{Name: "makerFee", Type: "uint256"},
	{Name: "takerFee", Type: "uint256"},
	{Name: "expirationTimeSeconds", Type: "uint256"},
	{Name: "salt", Type: "uint256"},
	{Name: "makerAssetData", Type: "bytes"},
	{Name: "takerAssetData", Type: "bytes"},
}

// EIP712Signer hashes and signs exchange orders as EIP-712 typed data
type EIP712Signer struct {
	domain EIP712Domain
}

func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

func (e *EIP712Signer) Domain() EIP712Domain { return e.domain }

func (e *EIP712Signer) domainTypes() []apitypes.Type {
	types := []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
	}
	if e.domain.ChainID != nil {
		types = append(types, apitypes.Type{Name: "chainId", Type: "uint256"})
	}
	return append(types, apitypes.Type{Name: "verifyingContract", Type: "address"})
}

func (e *EIP712Signer) typedData(o *order.Order) apitypes.TypedData {
	domain := apitypes.TypedDataDomain{
		Name:              e.domain.Name,
		Version:           e.domain.Version,
		VerifyingContract: e.domain.VerifyingContract.Hex(),
	}
	if e.domain.ChainID != nil {
		domain.ChainId = (*math.HexOrDecimal256)(e.domain.ChainID)
	}
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": e.domainTypes(),
			"Order":        orderTypes,
		},
		PrimaryType: "Order",
		Domain:      domain,
		Message: apitypes.TypedDataMessage{
			"makerAddress":          o.MakerAddress.Hex(),
			"takerAddress":          o.TakerAddress.Hex(),
			"feeRecipientAddress":   o.FeeRecipientAddress.Hex(),
			"senderAddress":         o.SenderAddress.Hex(),
			"makerAssetAmount":      intString(o.MakerAssetAmount),
			"takerAssetAmount":      intString(o.TakerAssetAmount),
			"makerFee":              intString(o.MakerFee),
			"takerFee":              intString(o.TakerFee),
			"expirationTimeSeconds": intString(o.ExpirationTimeSeconds),
			"salt":                  intString(o.Salt),
			"makerAssetData":        hexutil.Encode(o.MakerAssetData),
			"takerAssetData":        hexutil.Encode(o.TakerAssetData),
		},
	}
}

// HashOrder returns the EIP-712 digest of the order, which is also the
// exchange's order hash.
func (e *EIP712Signer) HashOrder(o *order.Order) (common.Hash, error) {
	typedData := e.typedData(o)

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash domain: %w", err)
	}

	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash message: %w", err)
	}

	// keccak256("\x19\x01" || domainSeparator || typedDataHash)
	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(typedDataHash)))
	return crypto.Keccak256Hash(rawData), nil
}

// SignOrder signs the order hash and returns the signature in exchange
// layout with the EIP712 type byte.
func (e *EIP712Signer) SignOrder(signer *Signer, o *order.Order) ([]byte, error) {
	hash, err := e.HashOrder(o)
	if err != nil {
		return nil, fmt.Errorf("failed to hash order: %w", err)
	}

	rsv, err := signer.Sign(hash.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to sign order: %w", err)
	}

	return EncodeOrderSignature(rsv, SignatureEIP712)
}

// Sign produces a SignedOrder. The order's maker must be the signer.
func (e *EIP712Signer) Sign(signer *Signer, o *order.Order) (*order.SignedOrder, error) {
	if o.MakerAddress != signer.Address() {
		return nil, fmt.Errorf("maker %s is not signer %s", o.MakerAddress.Hex(), signer.Address().Hex())
	}
	sig, err := e.SignOrder(signer, o)
	if err != nil {
		return nil, err
	}
	return &order.SignedOrder{Order: *o.Clone(), Signature: sig}, nil
}

// VerifyOrderSignature reports whether signature was produced by the order's maker.
func (e *EIP712Signer) VerifyOrderSignature(o *order.Order, signature []byte) (bool, error) {
	recovered, err := e.RecoverOrderSigner(o, signature)
	if err != nil {
		return false, err
	}
	return recovered == o.MakerAddress, nil
}

// RecoverOrderSigner recovers the address that signed an order
func (e *EIP712Signer) RecoverOrderSigner(o *order.Order, signature []byte) (common.Address, error) {
	hash, err := e.HashOrder(o)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to hash order: %w", err)
	}
	return RecoverOrderHashSigner(hash, signature)
}

// OrderToJSON renders the typed data for eth_signTypedData_v4 wallets.
func (e *EIP712Signer) OrderToJSON(o *order.Order) (string, error) {
	jsonBytes, err := json.MarshalIndent(e.typedData(o), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(jsonBytes), nil
}

func intString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
