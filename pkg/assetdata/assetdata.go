// Package assetdata models the asset descriptors carried by orders: a tagged
// variant of fungible (ERC20) and non-fungible (ERC721) assets, and their
// proxy-prefixed ABI wire encoding.
package assetdata

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Kind tags an asset descriptor.
type Kind uint8

const (
	Unknown Kind = iota
	Fungible
	NonFungible
)

func (k Kind) String() string {
	switch k {
	case Fungible:
		return "ERC20"
	case NonFungible:
		return "ERC721"
	default:
		return "UNKNOWN"
	}
}

// ParseKind accepts the names String produces, case-insensitively.
func ParseKind(s string) (Kind, error) {
	switch strings.ToUpper(s) {
	case "ERC20":
		return Fungible, nil
	case "ERC721":
		return NonFungible, nil
	default:
		return Unknown, fmt.Errorf("unknown asset kind %q (valid: ERC20, ERC721)", s)
	}
}

// Proxy ids are the first four bytes of keccak256 over the proxy signature.
var (
	ERC20ProxyID  = []byte{0xf4, 0x72, 0x61, 0xb0} // ERC20Token(address)
	ERC721ProxyID = []byte{0x02, 0x57, 0x17, 0x92} // ERC721Token(address,uint256)
)

var (
	ErrShortAssetData   = errors.New("asset data too short")
	ErrUnknownProxy     = errors.New("unknown asset proxy id")
	ErrMalformedPayload = errors.New("malformed asset data payload")
)

var (
	addressType, _ = abi.NewType("address", "", nil)
	uint256Type, _ = abi.NewType("uint256", "", nil)

	erc20Args  = abi.Arguments{{Type: addressType}}
	erc721Args = abi.Arguments{{Type: addressType}, {Type: uint256Type}}
)

// Data identifies one asset. TokenID is only set for NonFungible.
type Data struct {
	Kind    Kind
	Token   common.Address
	TokenID *big.Int
}

func ERC20(token common.Address) Data {
	return Data{Kind: Fungible, Token: token}
}

func ERC721(token common.Address, id *big.Int) Data {
	return Data{Kind: NonFungible, Token: token, TokenID: new(big.Int).Set(id)}
}

func (d Data) IsFungible() bool { return d.Kind == Fungible }

// Class returns the descriptor with the instance id stripped: two NFTs of
// the same collection share a class.
func (d Data) Class() Data {
	return Data{Kind: d.Kind, Token: d.Token}
}

// Key is a canonical identity usable as a map key.
func (d Data) Key() string {
	if d.Kind == NonFungible && d.TokenID != nil {
		return fmt.Sprintf("%s:%s:%s", d.Kind, d.Token.Hex(), d.TokenID)
	}
	return fmt.Sprintf("%s:%s", d.Kind, d.Token.Hex())
}

func (d Data) String() string { return d.Key() }

func (d Data) Equal(o Data) bool {
	if d.Kind != o.Kind || d.Token != o.Token {
		return false
	}
	if d.Kind != NonFungible {
		return true
	}
	if d.TokenID == nil || o.TokenID == nil {
		return d.TokenID == nil && o.TokenID == nil
	}
	return d.TokenID.Cmp(o.TokenID) == 0
}

// Encode returns the proxy-prefixed ABI encoding.
func (d Data) Encode() ([]byte, error) {
	var (
		payload []byte
		err     error
		prefix  []byte
	)
	switch d.Kind {
	case Fungible:
		prefix = ERC20ProxyID
		payload, err = erc20Args.Pack(d.Token)
	case NonFungible:
		if d.TokenID == nil {
			return nil, fmt.Errorf("encode %s: missing token id", d.Token.Hex())
		}
		prefix = ERC721ProxyID
		payload, err = erc721Args.Pack(d.Token, d.TokenID)
	default:
		return nil, fmt.Errorf("encode asset data: %w", ErrUnknownProxy)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pack asset data: %w", err)
	}
	return append(append([]byte{}, prefix...), payload...), nil
}

// MustEncode is Encode for descriptors built by constructors in this package.
func (d Data) MustEncode() []byte {
	b, err := d.Encode()
	if err != nil {
		panic(err)
	}
	return b
}

// Decode parses proxy-prefixed asset data.
func Decode(b []byte) (Data, error) {
	if len(b) < 4 {
		return Data{}, fmt.Errorf("%w: %d bytes", ErrShortAssetData, len(b))
	}
	prefix, payload := b[:4], b[4:]
	switch {
	case bytes.Equal(prefix, ERC20ProxyID):
		if len(payload) != 32 {
			return Data{}, fmt.Errorf("%w: erc20 payload is %d bytes", ErrMalformedPayload, len(payload))
		}
		vals, err := erc20Args.Unpack(payload)
		if err != nil {
			return Data{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return ERC20(vals[0].(common.Address)), nil
	case bytes.Equal(prefix, ERC721ProxyID):
		if len(payload) != 64 {
			return Data{}, fmt.Errorf("%w: erc721 payload is %d bytes", ErrMalformedPayload, len(payload))
		}
		vals, err := erc721Args.Unpack(payload)
		if err != nil {
			return Data{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return ERC721(vals[0].(common.Address), vals[1].(*big.Int)), nil
	default:
		return Data{}, fmt.Errorf("%w: %x", ErrUnknownProxy, prefix)
	}
}

// MarshalText encodes the descriptor as 0x-prefixed hex of its wire form.
func (d Data) MarshalText() ([]byte, error) {
	b, err := d.Encode()
	if err != nil {
		return nil, err
	}
	return []byte(hexutil.Encode(b)), nil
}

func (d *Data) UnmarshalText(text []byte) error {
	raw, err := hexutil.Decode(string(text))
	if err != nil {
		return fmt.Errorf("asset data hex: %w", err)
	}
	decoded, err := Decode(raw)
	if err != nil {
		return err
	}
	*d = decoded
	return nil
}
