package exchange

import (
	"errors"
	"fmt"
)

// Revert reasons, as the exchange contract reports them.
const (
	ReasonOrderUnfillable   = "ORDER_UNFILLABLE"
	ReasonInvalidOrder      = "INVALID_ORDER"
	ReasonInvalidSender     = "INVALID_SENDER"
	ReasonInvalidTaker      = "INVALID_TAKER"
	ReasonInvalidMaker      = "INVALID_MAKER"
	ReasonInvalidSignature  = "INVALID_ORDER_SIGNATURE"
	ReasonNegativeSpread    = "NEGATIVE_SPREAD_REQUIRED"
	ReasonAssetDataMismatch = "ASSET_DATA_MISMATCH"
	ReasonRoundingError     = "ROUNDING_ERROR"
	ReasonInvalidAmount     = "INVALID_AMOUNT"
	ReasonTransferFailed    = "TRANSFER_FAILED"
	ReasonAlreadyOwned      = "TOKEN_ALREADY_MINTED"
)

// RevertError is returned when the exchange rejects a call. Nothing is
// written when it is returned.
type RevertError struct {
	Reason string
	Detail string
}

func (e *RevertError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("exchange reverted: %s", e.Reason)
	}
	return fmt.Sprintf("exchange reverted: %s (%s)", e.Reason, e.Detail)
}

func revert(reason, format string, args ...interface{}) *RevertError {
	return &RevertError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// RevertReason extracts the reason from err, or "" if err is not a revert.
func RevertReason(err error) string {
	var re *RevertError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}
