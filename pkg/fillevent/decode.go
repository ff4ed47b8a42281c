// Package fillevent decodes the exchange's receipt logs into a closed set of
// event variants. Anything that does not fit the expected shape is an error;
// nothing is coerced.
package fillevent

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/uhyunpark/settlesim/pkg/contracts"
	"github.com/uhyunpark/settlesim/pkg/order"
)

var (
	ErrUnexpectedEventShape = errors.New("unexpected event shape")
	ErrUnknownEvent         = errors.New("unknown exchange event")
)

// Event is implemented by *Fill and *Cancel.
type Event interface {
	EventName() string
	isEvent()
}

// Fill is one order fill as reported by the exchange.
type Fill struct {
	Exchange               common.Address
	MakerAddress           common.Address
	FeeRecipientAddress    common.Address
	TakerAddress           common.Address
	SenderAddress          common.Address
	MakerAssetFilledAmount *big.Int
	TakerAssetFilledAmount *big.Int
	MakerFeePaid           *big.Int
	TakerFeePaid           *big.Int
	OrderHash              common.Hash
	MakerAssetData         []byte
	TakerAssetData         []byte
	LogIndex               uint
}

func (*Fill) EventName() string { return "Fill" }
func (*Fill) isEvent()          {}

// Results returns the fill amounts carried by the event.
func (f *Fill) Results() order.FillResults {
	return order.FillResults{
		MakerAssetFilledAmount: new(big.Int).Set(f.MakerAssetFilledAmount),
		TakerAssetFilledAmount: new(big.Int).Set(f.TakerAssetFilledAmount),
		MakerFeePaid:           new(big.Int).Set(f.MakerFeePaid),
		TakerFeePaid:           new(big.Int).Set(f.TakerFeePaid),
	}
}

type Cancel struct {
	Exchange            common.Address
	MakerAddress        common.Address
	FeeRecipientAddress common.Address
	SenderAddress       common.Address
	OrderHash           common.Hash
	MakerAssetData      []byte
	TakerAssetData      []byte
	LogIndex            uint
}

func (*Cancel) EventName() string { return "Cancel" }
func (*Cancel) isEvent()          {}

// Decode turns one exchange log into its event variant.
func Decode(log types.Log) (Event, error) {
	if len(log.Topics) == 0 {
		return nil, fmt.Errorf("%w: log %d has no topics", ErrUnexpectedEventShape, log.Index)
	}
	switch log.Topics[0] {
	case contracts.FillEvent.ID:
		return decodeFill(log)
	case contracts.CancelEvent.ID:
		return decodeCancel(log)
	default:
		return nil, fmt.Errorf("%w: topic %s", ErrUnknownEvent, log.Topics[0].Hex())
	}
}

func decodeFill(log types.Log) (*Fill, error) {
	if len(log.Topics) != 4 {
		return nil, fmt.Errorf("%w: Fill has %d topics, want 4", ErrUnexpectedEventShape, len(log.Topics))
	}
	fields := map[string]interface{}{}
	if err := contracts.ExchangeABI.UnpackIntoMap(fields, "Fill", log.Data); err != nil {
		return nil, fmt.Errorf("%w: Fill data: %v", ErrUnexpectedEventShape, err)
	}
	f := &Fill{
		Exchange:            log.Address,
		MakerAddress:        common.BytesToAddress(log.Topics[1].Bytes()),
		FeeRecipientAddress: common.BytesToAddress(log.Topics[2].Bytes()),
		OrderHash:           log.Topics[3],
		LogIndex:            log.Index,
	}
	r := fieldReader{event: "Fill", fields: fields}
	f.TakerAddress = r.address("takerAddress")
	f.SenderAddress = r.address("senderAddress")
	f.MakerAssetFilledAmount = r.uint("makerAssetFilledAmount")
	f.TakerAssetFilledAmount = r.uint("takerAssetFilledAmount")
	f.MakerFeePaid = r.uint("makerFeePaid")
	f.TakerFeePaid = r.uint("takerFeePaid")
	f.MakerAssetData = r.bytes("makerAssetData")
	f.TakerAssetData = r.bytes("takerAssetData")
	if r.err != nil {
		return nil, r.err
	}
	return f, nil
}

func decodeCancel(log types.Log) (*Cancel, error) {
	if len(log.Topics) != 4 {
		return nil, fmt.Errorf("%w: Cancel has %d topics, want 4", ErrUnexpectedEventShape, len(log.Topics))
	}
	fields := map[string]interface{}{}
	if err := contracts.ExchangeABI.UnpackIntoMap(fields, "Cancel", log.Data); err != nil {
		return nil, fmt.Errorf("%w: Cancel data: %v", ErrUnexpectedEventShape, err)
	}
	r := fieldReader{event: "Cancel", fields: fields}
	c := &Cancel{
		Exchange:            log.Address,
		MakerAddress:        common.BytesToAddress(log.Topics[1].Bytes()),
		FeeRecipientAddress: common.BytesToAddress(log.Topics[2].Bytes()),
		OrderHash:           log.Topics[3],
		SenderAddress:       r.address("senderAddress"),
		MakerAssetData:      r.bytes("makerAssetData"),
		TakerAssetData:      r.bytes("takerAssetData"),
		LogIndex:            log.Index,
	}
	if r.err != nil {
		return nil, r.err
	}
	return c, nil
}

// fieldReader pulls typed values out of an unpacked event, remembering the
// first mismatch.
type fieldReader struct {
	event  string
	fields map[string]interface{}
	err    error
}

func (r *fieldReader) fail(name string, v interface{}) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s.%s has type %T", ErrUnexpectedEventShape, r.event, name, v)
	}
}

func (r *fieldReader) address(name string) common.Address {
	v, ok := r.fields[name].(common.Address)
	if !ok {
		r.fail(name, r.fields[name])
	}
	return v
}

func (r *fieldReader) uint(name string) *big.Int {
	v, ok := r.fields[name].(*big.Int)
	if !ok || v == nil {
		r.fail(name, r.fields[name])
		return new(big.Int)
	}
	return v
}

func (r *fieldReader) bytes(name string) []byte {
	v, ok := r.fields[name].([]byte)
	if !ok {
		r.fail(name, r.fields[name])
	}
	return v
}

// FillsFromReceipt returns the Fill events emitted by exchange, in log
// order. Logs from other contracts are skipped; an unrecognised log from
// the exchange itself is an error. A zero exchange address accepts any emitter.
func FillsFromReceipt(receipt *types.Receipt, exchange common.Address) ([]*Fill, error) {
	if receipt == nil {
		return nil, fmt.Errorf("%w: nil receipt", ErrUnexpectedEventShape)
	}
	var fills []*Fill
	for _, log := range receipt.Logs {
		if log == nil {
			continue
		}
		if exchange != (common.Address{}) && log.Address != exchange {
			continue
		}
		ev, err := Decode(*log)
		if err != nil {
			return nil, err
		}
		if f, ok := ev.(*Fill); ok {
			fills = append(fills, f)
		}
	}
	return fills, nil
}
