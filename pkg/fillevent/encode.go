package fillevent

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/uhyunpark/settlesim/pkg/contracts"
)

func addressTopic(a common.Address) common.Hash {
	return common.BytesToHash(a.Bytes())
}

// EncodeFill builds the log the exchange emits for f.
func EncodeFill(f *Fill) (*types.Log, error) {
	data, err := contracts.FillEvent.Inputs.NonIndexed().Pack(
		f.TakerAddress,
		f.SenderAddress,
		f.MakerAssetFilledAmount,
		f.TakerAssetFilledAmount,
		f.MakerFeePaid,
		f.TakerFeePaid,
		f.MakerAssetData,
		f.TakerAssetData,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to pack Fill: %w", err)
	}
	return &types.Log{
		Address: f.Exchange,
		Topics: []common.Hash{
			contracts.FillEvent.ID,
			addressTopic(f.MakerAddress),
			addressTopic(f.FeeRecipientAddress),
			f.OrderHash,
		},
		Data:  data,
		Index: f.LogIndex,
	}, nil
}

// EncodeCancel builds the log the exchange emits for c.
func EncodeCancel(c *Cancel) (*types.Log, error) {
	data, err := contracts.CancelEvent.Inputs.NonIndexed().Pack(c.SenderAddress, c.MakerAssetData, c.TakerAssetData)
	if err != nil {
		return nil, fmt.Errorf("failed to pack Cancel: %w", err)
	}
	return &types.Log{
		Address: c.Exchange,
		Topics: []common.Hash{
			contracts.CancelEvent.ID,
			addressTopic(c.MakerAddress),
			addressTopic(c.FeeRecipientAddress),
			c.OrderHash,
		},
		Data:  data,
		Index: c.LogIndex,
	}, nil
}
