package crypto

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
)

// SignatureType is the trailing byte of an exchange signature.
type SignatureType uint8

const (
	SignatureIllegal SignatureType = iota
	SignatureInvalid
	SignatureEIP712
	SignatureEthSign
)

func (t SignatureType) String() string {
	switch t {
	case SignatureIllegal:
		return "Illegal"
	case SignatureInvalid:
		return "Invalid"
	case SignatureEIP712:
		return "EIP712"
	case SignatureEthSign:
		return "EthSign"
	default:
		return fmt.Sprintf("SignatureType(%d)", uint8(t))
	}
}

var (
	ErrSignatureLength      = errors.New("invalid order signature length")
	ErrUnsupportedSignature = errors.New("unsupported signature type")
)

// EncodeOrderSignature converts a [R || S || V] signature (V in {0,1}) into
// the exchange layout [V || R || S || type] with V in {27,28}.
func EncodeOrderSignature(rsv []byte, typ SignatureType) ([]byte, error) {
	if len(rsv) != 65 {
		return nil, fmt.Errorf("%w: %d", ErrSignatureLength, len(rsv))
	}
	v := rsv[64]
	if v < 27 {
		v += 27
	}
	out := make([]byte, 0, 66)
	out = append(out, v)
	out = append(out, rsv[:64]...)
	return append(out, byte(typ)), nil
}

// ParseOrderSignature is the inverse of EncodeOrderSignature.
func ParseOrderSignature(sig []byte) ([]byte, SignatureType, error) {
	if len(sig) != 66 {
		return nil, SignatureIllegal, fmt.Errorf("%w: %d", ErrSignatureLength, len(sig))
	}
	typ := SignatureType(sig[65])
	if typ != SignatureEIP712 && typ != SignatureEthSign {
		return nil, typ, fmt.Errorf("%w: %s", ErrUnsupportedSignature, typ)
	}
	v := sig[0]
	if v >= 27 {
		v -= 27
	}
	rsv := make([]byte, 65)
	copy(rsv, sig[1:65])
	rsv[64] = v
	return rsv, typ, nil
}

// RecoverOrderHashSigner recovers who signed orderHash under either
// supported signature type.
func RecoverOrderHashSigner(orderHash common.Hash, sig []byte) (common.Address, error) {
	rsv, typ, err := ParseOrderSignature(sig)
	if err != nil {
		return common.Address{}, err
	}
	digest := orderHash.Bytes()
	if typ == SignatureEthSign {
		digest = accounts.TextHash(digest)
	}
	return RecoverAddress(digest, rsv)
}
