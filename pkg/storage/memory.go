package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/uhyunpark/settlesim/pkg/ledger"
	"github.com/uhyunpark/settlesim/pkg/settlement"
)

// MemoryStore keeps everything in maps. The devnet uses it when no data
// directory is configured.
type MemoryStore struct {
	mu        sync.Mutex
	runs      map[string]RunInfo
	snapshots map[string]map[int]*ledger.Snapshot
	reports   map[string][]*settlement.Report
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:      make(map[string]RunInfo),
		snapshots: make(map[string]map[int]*ledger.Snapshot),
		reports:   make(map[string][]*settlement.Report),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) SaveRun(info RunInfo) error {
	if err := checkRun(info.Name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[info.Name] = info
	return nil
}

func (s *MemoryStore) LoadRun(run string) (RunInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.runs[run]
	if !ok {
		return RunInfo{}, fmt.Errorf("%w: run %q", ErrNotFound, run)
	}
	return info, nil
}

func (s *MemoryStore) SaveSnapshot(run string, step int, snap *ledger.Snapshot) error {
	if err := checkRun(run); err != nil {
		return err
	}
	if step < 0 {
		return fmt.Errorf("negative step %d", step)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshots[run] == nil {
		s.snapshots[run] = make(map[int]*ledger.Snapshot)
	}
	s.snapshots[run][step] = snap.Clone()
	return nil
}

func (s *MemoryStore) LoadSnapshot(run string, step int) (*ledger.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[run][step]
	if !ok {
		return nil, fmt.Errorf("%w: run %q step %d", ErrNotFound, run, step)
	}
	return snap.Clone(), nil
}

func (s *MemoryStore) LatestSnapshot(run string) (*ledger.Snapshot, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latest := -1
	for step := range s.snapshots[run] {
		if step > latest {
			latest = step
		}
	}
	if latest < 0 {
		return nil, 0, fmt.Errorf("%w: no snapshots for run %q", ErrNotFound, run)
	}
	return s.snapshots[run][latest].Clone(), latest, nil
}

func (s *MemoryStore) SaveReport(run string, r *settlement.Report) error {
	if err := checkRun(run); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[run] = append(s.reports[run], r)
	return nil
}

func (s *MemoryStore) LoadReports(run string, limit int) ([]*settlement.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*settlement.Report
	if run == "" {
		for _, rs := range s.reports {
			out = append(out, rs...)
		}
	} else {
		out = append(out, s.reports[run]...)
	}
	return newestFirst(out, limit), nil
}

// newestFirst sorts by start time, newest first, and applies limit.
func newestFirst(reports []*settlement.Report, limit int) []*settlement.Report {
	sort.SliceStable(reports, func(i, j int) bool {
		return reports[i].StartedAt.After(reports[j].StartedAt)
	})
	if limit > 0 && len(reports) > limit {
		reports = reports[:limit]
	}
	return reports
}

var _ Store = (*MemoryStore)(nil)
