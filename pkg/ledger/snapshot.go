// Package ledger holds point-in-time views of token ownership: fungible
// balances per (owner, token) and owned instance ids per (owner, collection).
package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"

	"github.com/uhyunpark/settlesim/pkg/assetdata"
)

var ErrNotOwned = errors.New("token instance not owned")

// Snapshot is a mutable builder until handed to a caller; after that treat
// it as read-only and Clone before changing it. NonFungible id lists are
// kept sorted and duplicate-free.
type Snapshot struct {
	Fungible    map[common.Address]map[common.Address]*big.Int   `json:"fungible"`
	NonFungible map[common.Address]map[common.Address][]*big.Int `json:"nonFungible"`
}

func New() *Snapshot {
	return &Snapshot{
		Fungible:    make(map[common.Address]map[common.Address]*big.Int),
		NonFungible: make(map[common.Address]map[common.Address][]*big.Int),
	}
}

// Balance returns a copy of the balance; untracked keys read as zero.
func (s *Snapshot) Balance(owner, token common.Address) *big.Int {
	if b, ok := s.Fungible[owner][token]; ok && b != nil {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// SetBalance tracks (owner, token) with the given balance.
func (s *Snapshot) SetBalance(owner, token common.Address, amount *big.Int) {
	byToken, ok := s.Fungible[owner]
	if !ok {
		byToken = make(map[common.Address]*big.Int)
		s.Fungible[owner] = byToken
	}
	byToken[token] = new(big.Int).Set(amount)
}

// AddBalance adds delta (which may be negative) to (owner, token).
func (s *Snapshot) AddBalance(owner, token common.Address, delta *big.Int) {
	s.SetBalance(owner, token, new(big.Int).Add(s.Balance(owner, token), delta))
}

// TrackCollection makes (owner, collection) part of the key set even when
// the owner holds nothing.
func (s *Snapshot) TrackCollection(owner, token common.Address) {
	byToken, ok := s.NonFungible[owner]
	if !ok {
		byToken = make(map[common.Address][]*big.Int)
		s.NonFungible[owner] = byToken
	}
	if _, ok := byToken[token]; !ok {
		byToken[token] = []*big.Int{}
	}
}

// OwnedIDs returns a copy of the ids owner holds in a collection.
func (s *Snapshot) OwnedIDs(owner, token common.Address) []*big.Int {
	ids := s.NonFungible[owner][token]
	out := make([]*big.Int, len(ids))
	for i, id := range ids {
		out[i] = new(big.Int).Set(id)
	}
	return out
}

func (s *Snapshot) Owns(owner, token common.Address, id *big.Int) bool {
	_, found := search(s.NonFungible[owner][token], id)
	return found
}

func (s *Snapshot) AddNFT(owner, token common.Address, id *big.Int) {
	s.TrackCollection(owner, token)
	ids := s.NonFungible[owner][token]
	if _, found := search(ids, id); found {
		return
	}
	s.NonFungible[owner][token] = insertSorted(ids, id)
}

func (s *Snapshot) RemoveNFT(owner, token common.Address, id *big.Int) error {
	ids := s.NonFungible[owner][token]
	i, found := search(ids, id)
	if !found {
		return fmt.Errorf("%w: %s does not hold %s #%s", ErrNotOwned, owner.Hex(), token.Hex(), id)
	}
	s.NonFungible[owner][token] = append(ids[:i:i], ids[i+1:]...)
	return nil
}

// TransferNFT moves one instance between owners.
func (s *Snapshot) TransferNFT(from, to, token common.Address, id *big.Int) error {
	if err := s.RemoveNFT(from, token, id); err != nil {
		return err
	}
	s.AddNFT(to, token, id)
	return nil
}

func search(ids []*big.Int, id *big.Int) (int, bool) {
	i := sort.Search(len(ids), func(i int) bool { return ids[i].Cmp(id) >= 0 })
	return i, i < len(ids) && ids[i].Cmp(id) == 0
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	c := New()
	for owner, byToken := range s.Fungible {
		for token, bal := range byToken {
			c.SetBalance(owner, token, bal)
		}
	}
	for owner, byToken := range s.NonFungible {
		for token := range byToken {
			c.TrackCollection(owner, token)
			c.NonFungible[owner][token] = s.OwnedIDs(owner, token)
		}
	}
	return c
}

// Owners returns every tracked owner, sorted.
func (s *Snapshot) Owners() []common.Address {
	set := make(map[common.Address]struct{})
	for owner := range s.Fungible {
		set[owner] = struct{}{}
	}
	for owner := range s.NonFungible {
		set[owner] = struct{}{}
	}
	return sortedAddresses(set)
}

// Assets returns every tracked token as a descriptor: ERC20 for fungible
// keys and the collection class for non-fungible keys, sorted by Key.
func (s *Snapshot) Assets() []assetdata.Data {
	seen := make(map[string]assetdata.Data)
	for _, byToken := range s.Fungible {
		for token := range byToken {
			a := assetdata.ERC20(token)
			seen[a.Key()] = a
		}
	}
	for _, byToken := range s.NonFungible {
		for token := range byToken {
			a := assetdata.Data{Kind: assetdata.NonFungible, Token: token}
			seen[a.Key()] = a
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]assetdata.Data, len(keys))
	for i, k := range keys {
		out[i] = seen[k]
	}
	return out
}

// Digest is a keccak256 fingerprint over the canonical ordering of all keys.
// Zero balances and empty collections are skipped, so two snapshots that
// Diff as equal have the same digest.
func (s *Snapshot) Digest() common.Hash {
	h := sha3.NewLegacyKeccak256()
	for _, owner := range s.Owners() {
		for _, token := range sortedTokens(s.Fungible[owner]) {
			bal := s.Fungible[owner][token]
			if bal.Sign() == 0 {
				continue
			}
			h.Write([]byte{'f'})
			h.Write(owner.Bytes())
			h.Write(token.Bytes())
			h.Write(common.LeftPadBytes(new(big.Int).Abs(bal).Bytes(), 32))
			if bal.Sign() < 0 {
				h.Write([]byte{'-'})
			}
		}
		for _, token := range sortedCollections(s.NonFungible[owner]) {
			ids := s.NonFungible[owner][token]
			if len(ids) == 0 {
				continue
			}
			h.Write([]byte{'n'})
			h.Write(owner.Bytes())
			h.Write(token.Bytes())
			for _, id := range ids {
				h.Write(common.LeftPadBytes(id.Bytes(), 32))
			}
		}
	}
	var out common.Hash
	h.Sum(out[:0])
	return out
}

func sortedAddresses(set map[common.Address]struct{}) []common.Address {
	out := make([]common.Address, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

func sortedTokens(m map[common.Address]*big.Int) []common.Address {
	set := make(map[common.Address]struct{}, len(m))
	for a := range m {
		set[a] = struct{}{}
	}
	return sortedAddresses(set)
}

func sortedCollections(m map[common.Address][]*big.Int) []common.Address {
	set := make(map[common.Address]struct{}, len(m))
	for a := range m {
		set[a] = struct{}{}
	}
	return sortedAddresses(set)
}

// Instances lists every tracked NFT instance across all owners, ordered by
// collection then id.
func (s *Snapshot) Instances() []assetdata.Data {
	byToken := make(map[common.Address][]*big.Int)
	for _, owned := range s.NonFungible {
		for token, ids := range owned {
			for _, id := range ids {
				if _, dup := search(byToken[token], id); !dup {
					byToken[token] = insertSorted(byToken[token], id)
				}
			}
		}
	}
	set := make(map[common.Address]struct{}, len(byToken))
	for token := range byToken {
		set[token] = struct{}{}
	}
	var out []assetdata.Data
	for _, token := range sortedAddresses(set) {
		for _, id := range byToken[token] {
			out = append(out, assetdata.ERC721(token, id))
		}
	}
	return out
}

func insertSorted(ids []*big.Int, id *big.Int) []*big.Int {
	i, _ := search(ids, id)
	ids = append(ids, nil)
	copy(ids[i+1:], ids[i:])
	ids[i] = new(big.Int).Set(id)
	return ids
}
