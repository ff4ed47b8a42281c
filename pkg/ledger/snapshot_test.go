package ledger

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/settlesim/pkg/assetdata"
)

var (
	alice = common.HexToAddress("0x1111111111111111111111111111111111111111")
	bob   = common.HexToAddress("0x2222222222222222222222222222222222222222")
	weth  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	zrx   = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	kitty = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

func TestBalances(t *testing.T) {
	s := New()
	if s.Balance(alice, weth).Sign() != 0 {
		t.Errorf("untracked balance should read zero")
	}
	s.SetBalance(alice, weth, big.NewInt(100))
	s.AddBalance(alice, weth, big.NewInt(-30))
	s.AddBalance(bob, weth, big.NewInt(30))

	if got := s.Balance(alice, weth); got.Int64() != 70 {
		t.Errorf("alice weth = %s, want 70", got)
	}
	if got := s.Balance(bob, weth); got.Int64() != 30 {
		t.Errorf("bob weth = %s, want 30", got)
	}

	b := s.Balance(alice, weth)
	b.SetInt64(0)
	if s.Balance(alice, weth).Int64() != 70 {
		t.Errorf("Balance leaked internal pointer")
	}
}

func TestNFTOwnership(t *testing.T) {
	s := New()
	s.AddNFT(alice, kitty, big.NewInt(9))
	s.AddNFT(alice, kitty, big.NewInt(3))
	s.AddNFT(alice, kitty, big.NewInt(9))

	ids := s.OwnedIDs(alice, kitty)
	if len(ids) != 2 || ids[0].Int64() != 3 || ids[1].Int64() != 9 {
		t.Fatalf("OwnedIDs = %v, want [3 9]", ids)
	}

	if err := s.TransferNFT(alice, bob, kitty, big.NewInt(9)); err != nil {
		t.Fatalf("TransferNFT: %v", err)
	}
	if s.Owns(alice, kitty, big.NewInt(9)) || !s.Owns(bob, kitty, big.NewInt(9)) {
		t.Errorf("instance 9 did not move from alice to bob")
	}
	if err := s.TransferNFT(alice, bob, kitty, big.NewInt(9)); !errors.Is(err, ErrNotOwned) {
		t.Errorf("second transfer error = %v, want ErrNotOwned", err)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	s := New()
	s.SetBalance(alice, weth, big.NewInt(5))
	s.AddNFT(alice, kitty, big.NewInt(1))

	c := s.Clone()
	c.AddBalance(alice, weth, big.NewInt(1))
	if err := c.TransferNFT(alice, bob, kitty, big.NewInt(1)); err != nil {
		t.Fatalf("TransferNFT: %v", err)
	}

	if s.Balance(alice, weth).Int64() != 5 || !s.Owns(alice, kitty, big.NewInt(1)) {
		t.Errorf("mutating clone changed original")
	}
	if s.Digest() == c.Digest() {
		t.Errorf("digest did not change after mutation")
	}
	if s.Digest() != s.Clone().Digest() {
		t.Errorf("clone digest differs from original")
	}
}

func TestDigestIgnoresEmptyKeys(t *testing.T) {
	a := New()
	a.SetBalance(alice, weth, big.NewInt(5))

	b := a.Clone()
	b.SetBalance(bob, weth, new(big.Int))
	b.TrackCollection(bob, kitty)

	if !a.Equal(b) {
		t.Fatalf("snapshots should diff as equal: %v", a.Diff(b))
	}
	if a.Digest() != b.Digest() {
		t.Errorf("digest differs for snapshots that diff as equal")
	}
}

func TestDiff(t *testing.T) {
	expected := New()
	expected.SetBalance(alice, weth, big.NewInt(10))
	expected.SetBalance(alice, zrx, big.NewInt(1))
	expected.AddNFT(bob, kitty, big.NewInt(4))

	actual := expected.Clone()
	if d := expected.Diff(actual); len(d) != 0 {
		t.Fatalf("identical snapshots differ: %v", d)
	}

	actual.SetBalance(alice, weth, big.NewInt(11))
	actual.SetBalance(bob, zrx, big.NewInt(0)) // zero balance on a new key is not a change
	if err := actual.TransferNFT(bob, alice, kitty, big.NewInt(4)); err != nil {
		t.Fatalf("TransferNFT: %v", err)
	}

	d := expected.Diff(actual)
	if len(d) != 3 {
		t.Fatalf("got %d mismatches, want 3: %v", len(d), d)
	}
	if d[0].Owner != alice || d[0].Token != weth || d[0].ExpectedBalance.Int64() != 10 || d[0].ActualBalance.Int64() != 11 {
		t.Errorf("first mismatch = %s", d[0])
	}
	if d[1].Owner != alice || d[1].Kind != assetdata.NonFungible || len(d[1].ActualIDs) != 1 {
		t.Errorf("second mismatch = %s", d[1])
	}
	if d[2].Owner != bob || d[2].Kind != assetdata.NonFungible || len(d[2].ExpectedIDs) != 1 {
		t.Errorf("third mismatch = %s", d[2])
	}
}

func TestOwnersAndAssets(t *testing.T) {
	s := New()
	s.SetBalance(bob, weth, big.NewInt(1))
	s.TrackCollection(alice, kitty)

	owners := s.Owners()
	if len(owners) != 2 || owners[0] != alice || owners[1] != bob {
		t.Errorf("Owners() = %v", owners)
	}
	assets := s.Assets()
	if len(assets) != 2 {
		t.Fatalf("Assets() = %v", assets)
	}
}

func TestSnapshotJSON(t *testing.T) {
	s := New()
	s.SetBalance(alice, weth, new(big.Int).Lsh(big.NewInt(1), 100))
	s.AddNFT(bob, kitty, big.NewInt(7))

	raw, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}
	var out Snapshot
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if !s.Equal(&out) || s.Digest() != out.Digest() {
		t.Errorf("json round trip changed snapshot: %v", s.Diff(&out))
	}
}

func TestInstances(t *testing.T) {
	s := New()
	s.AddNFT(bob, kitty, big.NewInt(8))
	s.AddNFT(alice, kitty, big.NewInt(2))
	s.TrackCollection(alice, weth)

	got := s.Instances()
	if len(got) != 2 {
		t.Fatalf("Instances() = %v", got)
	}
	if got[0].TokenID.Int64() != 2 || got[1].TokenID.Int64() != 8 {
		t.Errorf("Instances() not sorted: %v", got)
	}
}
