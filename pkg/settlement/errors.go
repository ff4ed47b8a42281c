package settlement

import (
	"errors"
	"fmt"
	"strings"

	"github.com/uhyunpark/settlesim/pkg/fillevent"
	"github.com/uhyunpark/settlesim/pkg/ledger"
)

var (
	ErrPriorFilledMismatch   = errors.New("prior filled amount mismatch")
	ErrUnexpectedEventShape  = fillevent.ErrUnexpectedEventShape
	ErrEventIdentityMismatch = errors.New("fill event identity mismatch")
	ErrFillMismatch          = errors.New("fill amounts diverge from prediction")
	ErrFractionalNFT         = errors.New("non-fungible transfer amount must be 0 or 1")
	ErrBalanceMismatch       = errors.New("ledger diverges from projection")
	ErrReceiptFailed         = errors.New("match transaction failed")
)

func errMissingPort(name string) error {
	return fmt.Errorf("settlement: %s port is nil", name)
}

// FieldMismatchError names one value that differed from what was expected.
// Err is the category sentinel.
type FieldMismatchError struct {
	Err      error
	Side     string
	Field    string
	Expected string
	Actual   string
}

func (e *FieldMismatchError) Error() string {
	return fmt.Sprintf("%v: %s %s: expected %s, actual %s", e.Err, e.Side, e.Field, e.Expected, e.Actual)
}

func (e *FieldMismatchError) Unwrap() error { return e.Err }

func mismatch(err error, side, field string, expected, actual fmt.Stringer) *FieldMismatchError {
	return &FieldMismatchError{Err: err, Side: side, Field: field, Expected: expected.String(), Actual: actual.String()}
}

// BalanceMismatchError lists every (owner, asset) key whose actual value
// differs from the projection.
type BalanceMismatchError struct {
	Mismatches []ledger.Mismatch
}

func (e *BalanceMismatchError) Error() string {
	lines := make([]string, len(e.Mismatches))
	for i, m := range e.Mismatches {
		lines[i] = m.String()
	}
	return fmt.Sprintf("%v (%d keys): %s", ErrBalanceMismatch, len(e.Mismatches), strings.Join(lines, "; "))
}

func (e *BalanceMismatchError) Unwrap() error { return ErrBalanceMismatch }
