package settlement

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/uhyunpark/settlesim/pkg/ledger"
	"github.com/uhyunpark/settlesim/pkg/order"
)

// Report records one match-and-verify or market-sell-and-verify run,
// whether it passed or not. A match fills the left/right fields; a market
// sell fills OrderHashes and the sale fields.
type Report struct {
	ID             string                    `json:"id"`
	Name           string                    `json:"name,omitempty"`
	LeftOrderHash  common.Hash               `json:"leftOrderHash"`
	RightOrderHash common.Hash               `json:"rightOrderHash"`
	OrderHashes    []common.Hash             `json:"orderHashes,omitempty"`
	Taker          common.Address            `json:"taker"`
	TxHash         common.Hash               `json:"txHash"`
	BlockNumber    uint64                    `json:"blockNumber"`
	Predicted      *order.MatchedFillResults `json:"predicted,omitempty"`
	Transfers      *TransferAmounts          `json:"transfers,omitempty"`
	PredictedSale  []order.FillResults       `json:"predictedSale,omitempty"`
	Sale           *SaleAmounts              `json:"sale,omitempty"`
	PriorDigest    common.Hash               `json:"priorDigest"`
	ExpectedDigest common.Hash               `json:"expectedDigest"`
	ActualDigest   common.Hash               `json:"actualDigest"`
	Mismatches     []ledger.Mismatch         `json:"mismatches,omitempty"`
	Passed         bool                      `json:"passed"`
	Error          string                    `json:"error,omitempty"`
	StartedAt      time.Time                 `json:"startedAt"`
	FinishedAt     time.Time                 `json:"finishedAt"`
}

func newReport(name string, taker common.Address, started time.Time) *Report {
	return &Report{ID: uuid.NewString(), Name: name, Taker: taker, StartedAt: started}
}

func (r *Report) fail(err error, now time.Time) error {
	r.Passed = false
	r.Error = err.Error()
	r.FinishedAt = now
	return err
}
