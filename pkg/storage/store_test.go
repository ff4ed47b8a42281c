package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/settlesim/pkg/ledger"
	"github.com/uhyunpark/settlesim/pkg/settlement"
)

var (
	alice = common.HexToAddress("0x0000000000000000000000000000000000a11ce0")
	weth  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	kitty = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	pebbleStore, err := NewPebbleStore(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("failed to open pebble: %v", err)
	}
	t.Cleanup(func() { pebbleStore.Close() })
	return map[string]Store{
		"pebble": pebbleStore,
		"memory": NewMemoryStore(),
	}
}

func snapshotWith(balance int64) *ledger.Snapshot {
	s := ledger.New()
	s.SetBalance(alice, weth, big.NewInt(balance))
	s.AddNFT(alice, kitty, big.NewInt(3))
	return s
}

func TestSnapshots(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, _, err := store.LatestSnapshot("demo"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("empty run error = %v, want ErrNotFound", err)
			}
			for step, bal := range []int64{100, 90, 80} {
				if err := store.SaveSnapshot("demo", step, snapshotWith(bal)); err != nil {
					t.Fatalf("SaveSnapshot(%d): %v", step, err)
				}
			}
			// a neighbouring run must not leak into the prefix scan
			if err := store.SaveSnapshot("demo2", 7, snapshotWith(1)); err != nil {
				t.Fatalf("SaveSnapshot: %v", err)
			}

			got, err := store.LoadSnapshot("demo", 1)
			if err != nil {
				t.Fatalf("LoadSnapshot: %v", err)
			}
			if !got.Equal(snapshotWith(90)) {
				t.Errorf("step 1 diff: %v", got.Diff(snapshotWith(90)))
			}

			latest, step, err := store.LatestSnapshot("demo")
			if err != nil {
				t.Fatalf("LatestSnapshot: %v", err)
			}
			if step != 2 {
				t.Errorf("latest step = %d, want 2", step)
			}
			if latest.Balance(alice, weth).Int64() != 80 || !latest.Owns(alice, kitty, big.NewInt(3)) {
				t.Errorf("latest snapshot = %+v", latest)
			}

			if _, err := store.LoadSnapshot("demo", 9); !errors.Is(err, ErrNotFound) {
				t.Errorf("missing step error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStepsSortNumerically(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, step := range []int{2, 10, 9} {
				if err := store.SaveSnapshot("r", step, snapshotWith(int64(step))); err != nil {
					t.Fatalf("SaveSnapshot: %v", err)
				}
			}
			_, step, err := store.LatestSnapshot("r")
			if err != nil || step != 10 {
				t.Errorf("latest step = %d, %v; want 10", step, err)
			}
		})
	}
}

func TestReports(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				r := &settlement.Report{ID: string(rune('a' + i)), StartedAt: base.Add(time.Duration(i) * time.Second), Passed: i != 1}
				if err := store.SaveReport("demo", r); err != nil {
					t.Fatalf("SaveReport: %v", err)
				}
			}
			other := &settlement.Report{ID: "z", StartedAt: base.Add(time.Minute)}
			if err := store.SaveReport("other", other); err != nil {
				t.Fatalf("SaveReport: %v", err)
			}

			got, err := store.LoadReports("demo", 2)
			if err != nil {
				t.Fatalf("LoadReports: %v", err)
			}
			if len(got) != 2 || got[0].ID != "c" || got[1].ID != "b" {
				t.Errorf("LoadReports(demo, 2) = %v", ids(got))
			}

			all, err := store.LoadReports("", 0)
			if err != nil {
				t.Fatalf("LoadReports: %v", err)
			}
			if len(all) != 4 || all[0].ID != "z" {
				t.Errorf("LoadReports(all) = %v", ids(all))
			}
		})
	}
}

func ids(rs []*settlement.Report) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

func TestRunNames(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, bad := range []string{"", "a:b"} {
				if err := store.SaveSnapshot(bad, 0, ledger.New()); !errors.Is(err, ErrInvalidRun) {
					t.Errorf("SaveSnapshot(%q) error = %v, want ErrInvalidRun", bad, err)
				}
			}
			info := RunInfo{Name: "demo", Scenario: "exact-cross.toml", CreatedAt: time.Unix(1_700_000_000, 0).UTC()}
			if err := store.SaveRun(info); err != nil {
				t.Fatalf("SaveRun: %v", err)
			}
			got, err := store.LoadRun("demo")
			if err != nil {
				t.Fatalf("LoadRun: %v", err)
			}
			if got.Scenario != info.Scenario || !got.CreatedAt.Equal(info.CreatedAt) {
				t.Errorf("LoadRun = %+v, want %+v", got, info)
			}
		})
	}
}

func TestFileJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports.jsonl")
	j, err := NewFileJournal(path)
	if err != nil {
		t.Fatalf("NewFileJournal: %v", err)
	}
	for _, id := range []string{"one", "two"} {
		if err := j.Append(&settlement.Report{ID: id, Passed: true}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	var got []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r settlement.Report
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		got = append(got, r.ID)
	}
	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Errorf("journal ids = %v", got)
	}
}
