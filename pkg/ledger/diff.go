package ledger

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/settlesim/pkg/assetdata"
)

// Mismatch is one (owner, asset) key whose expected and actual values differ.
// Fungible mismatches carry balances; non-fungible ones carry id sets.
type Mismatch struct {
	Owner           common.Address `json:"owner"`
	Token           common.Address `json:"token"`
	Kind            assetdata.Kind `json:"kind"`
	ExpectedBalance *big.Int       `json:"expectedBalance,omitempty"`
	ActualBalance   *big.Int       `json:"actualBalance,omitempty"`
	ExpectedIDs     []*big.Int     `json:"expectedIds,omitempty"`
	ActualIDs       []*big.Int     `json:"actualIds,omitempty"`
}

func (m Mismatch) String() string {
	if m.Kind == assetdata.NonFungible {
		return fmt.Sprintf("%s %s %s: expected ids %s, actual %s",
			m.Owner.Hex(), m.Kind, m.Token.Hex(), formatIDs(m.ExpectedIDs), formatIDs(m.ActualIDs))
	}
	return fmt.Sprintf("%s %s %s: expected %s, actual %s",
		m.Owner.Hex(), m.Kind, m.Token.Hex(), m.ExpectedBalance, m.ActualBalance)
}

func formatIDs(ids []*big.Int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Diff compares s (expected) against actual over the union of both key
// sets. A key missing on one side reads as zero or as an empty collection.
// The result is ordered by owner, then fungible before non-fungible, then token.
func (s *Snapshot) Diff(actual *Snapshot) []Mismatch {
	owners := make(map[common.Address]struct{})
	for _, o := range s.Owners() {
		owners[o] = struct{}{}
	}
	for _, o := range actual.Owners() {
		owners[o] = struct{}{}
	}

	var out []Mismatch
	for _, owner := range sortedAddresses(owners) {
		tokens := make(map[common.Address]struct{})
		for t := range s.Fungible[owner] {
			tokens[t] = struct{}{}
		}
		for t := range actual.Fungible[owner] {
			tokens[t] = struct{}{}
		}
		for _, token := range sortedAddresses(tokens) {
			want, got := s.Balance(owner, token), actual.Balance(owner, token)
			if want.Cmp(got) != 0 {
				out = append(out, Mismatch{
					Owner: owner, Token: token, Kind: assetdata.Fungible,
					ExpectedBalance: want, ActualBalance: got,
				})
			}
		}

		collections := make(map[common.Address]struct{})
		for t := range s.NonFungible[owner] {
			collections[t] = struct{}{}
		}
		for t := range actual.NonFungible[owner] {
			collections[t] = struct{}{}
		}
		for _, token := range sortedAddresses(collections) {
			want, got := s.OwnedIDs(owner, token), actual.OwnedIDs(owner, token)
			if !sameIDs(want, got) {
				out = append(out, Mismatch{
					Owner: owner, Token: token, Kind: assetdata.NonFungible,
					ExpectedIDs: want, ActualIDs: got,
				})
			}
		}
	}
	return out
}

// Equal reports whether Diff finds nothing.
func (s *Snapshot) Equal(actual *Snapshot) bool {
	return len(s.Diff(actual)) == 0
}

func sameIDs(a, b []*big.Int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Cmp(b[i]) != 0 {
			return false
		}
	}
	return true
}
