// Package storage persists verification runs: the ledger snapshot after
// each step, so a run can be resumed from another process, and the
// reports it produced.
package storage

import (
	"errors"
	"time"

	"github.com/uhyunpark/settlesim/pkg/ledger"
	"github.com/uhyunpark/settlesim/pkg/settlement"
)

var ErrNotFound = errors.New("not found")

// RunInfo describes a run.
type RunInfo struct {
	Name      string    `json:"name"`
	Scenario  string    `json:"scenario,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type Store interface {
	SaveRun(info RunInfo) error
	LoadRun(run string) (RunInfo, error)
	SaveSnapshot(run string, step int, s *ledger.Snapshot) error
	LoadSnapshot(run string, step int) (*ledger.Snapshot, error)
	// LatestSnapshot returns the snapshot with the highest step.
	LatestSnapshot(run string) (*ledger.Snapshot, int, error)
	SaveReport(run string, r *settlement.Report) error
	// LoadReports returns up to limit reports, newest first. An empty run
	// covers every run; limit <= 0 means no limit.
	LoadReports(run string, limit int) ([]*settlement.Report, error)
	Close() error
}
