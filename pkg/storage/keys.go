package storage

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Key schema:
//
//	run:<run>                    -> RunInfo
//	snap:<run>:<step>            -> ledger.Snapshot
//	rep:<run>:<unixnano>:<id>    -> settlement.Report
//
// Steps and timestamps are zero-padded (20 digits) so keys sort
// numerically.
const (
	prefixRun      = "run:"
	prefixSnapshot = "snap:"
	prefixReport   = "rep:"
)

var ErrInvalidRun = errors.New("run name must be non-empty and must not contain ':'")

func checkRun(run string) error {
	if run == "" || strings.Contains(run, ":") {
		return fmt.Errorf("%w: %q", ErrInvalidRun, run)
	}
	return nil
}

func runKey(run string) []byte {
	return []byte(prefixRun + run)
}

func snapshotKey(run string, step int) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixSnapshot, run, step))
}

func snapshotPrefix(run string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixSnapshot, run))
}

// stepFromKey parses the step back out of a snapshot key.
func stepFromKey(key []byte) (int, error) {
	i := strings.LastIndexByte(string(key), ':')
	step, err := strconv.Atoi(string(key[i+1:]))
	if err != nil {
		return 0, fmt.Errorf("malformed snapshot key %q: %w", key, err)
	}
	return step, nil
}

func reportKey(run string, unixNano int64, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixReport, run, unixNano, id))
}

// reportPrefix covers one run, or every run when run is empty.
func reportPrefix(run string) []byte {
	if run == "" {
		return []byte(prefixReport)
	}
	return []byte(fmt.Sprintf("%s%s:", prefixReport, run))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
