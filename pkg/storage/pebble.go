package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/settlesim/pkg/ledger"
	"github.com/uhyunpark/settlesim/pkg/settlement"
)

type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) put(key []byte, v interface{}, opts *pebble.WriteOptions) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := s.db.Set(key, data, opts); err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}

func (s *PebbleStore) get(key []byte, v interface{}) error {
	data, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer closer.Close()
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *PebbleStore) SaveRun(info RunInfo) error {
	if err := checkRun(info.Name); err != nil {
		return err
	}
	return s.put(runKey(info.Name), info, pebble.Sync)
}

func (s *PebbleStore) LoadRun(run string) (RunInfo, error) {
	var info RunInfo
	err := s.get(runKey(run), &info)
	return info, err
}

// SaveSnapshot persists the ledger as it stood after step.
func (s *PebbleStore) SaveSnapshot(run string, step int, snap *ledger.Snapshot) error {
	if err := checkRun(run); err != nil {
		return err
	}
	if step < 0 {
		return fmt.Errorf("negative step %d", step)
	}
	return s.put(snapshotKey(run, step), snap, pebble.Sync)
}

func (s *PebbleStore) LoadSnapshot(run string, step int) (*ledger.Snapshot, error) {
	snap := ledger.New()
	if err := s.get(snapshotKey(run, step), snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *PebbleStore) LatestSnapshot(run string) (*ledger.Snapshot, int, error) {
	prefix := snapshotPrefix(run)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	if !iter.Last() {
		return nil, 0, fmt.Errorf("%w: no snapshots for run %q", ErrNotFound, run)
	}
	step, err := stepFromKey(iter.Key())
	if err != nil {
		return nil, 0, err
	}
	snap := ledger.New()
	if err := json.Unmarshal(iter.Value(), snap); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal snapshot %d: %w", step, err)
	}
	return snap, step, nil
}

func (s *PebbleStore) SaveReport(run string, r *settlement.Report) error {
	if err := checkRun(run); err != nil {
		return err
	}
	return s.put(reportKey(run, r.StartedAt.UnixNano(), r.ID), r, pebble.NoSync)
}

func (s *PebbleStore) LoadReports(run string, limit int) ([]*settlement.Report, error) {
	prefix := reportPrefix(run)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	// keys are time ordered within a run only
	scanAll := run == ""
	var reports []*settlement.Report
	for iter.Last(); iter.Valid() && (scanAll || limit <= 0 || len(reports) < limit); iter.Prev() {
		var r settlement.Report
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			continue // Skip invalid entries
		}
		reports = append(reports, &r)
	}
	return newestFirst(reports, limit), nil
}

var _ Store = (*PebbleStore)(nil)
