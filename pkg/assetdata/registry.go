package assetdata

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Token is a registered contract: its kind and how its amounts are displayed.
type Token struct {
	Symbol   string
	Address  common.Address
	Kind     Kind
	Decimals int32
}

// Asset returns the fungible descriptor, or the class descriptor for an NFT collection.
func (t *Token) Asset() Data {
	return Data{Kind: t.Kind, Token: t.Address}
}

// Instance returns the descriptor for one NFT of this collection.
func (t *Token) Instance(id *big.Int) Data {
	return ERC721(t.Address, id)
}

// Registry manages known tokens in a thread-safe manner
type Registry struct {
	mu       sync.RWMutex
	byAddr   map[common.Address]*Token
	bySymbol map[string]*Token
}

func NewRegistry() *Registry {
	return &Registry{
		byAddr:   make(map[common.Address]*Token),
		bySymbol: make(map[string]*Token),
	}
}

// RegisterToken adds a token. Symbols are case-insensitive and unique, as are addresses.
func (r *Registry) RegisterToken(t *Token) error {
	if t == nil {
		return fmt.Errorf("cannot register nil token")
	}
	if t.Kind != Fungible && t.Kind != NonFungible {
		return fmt.Errorf("token %s: unsupported kind %s", t.Symbol, t.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sym := strings.ToUpper(t.Symbol)
	if _, exists := r.bySymbol[sym]; exists {
		return fmt.Errorf("token %s already registered", t.Symbol)
	}
	if _, exists := r.byAddr[t.Address]; exists {
		return fmt.Errorf("token address %s already registered", t.Address.Hex())
	}

	r.bySymbol[sym] = t
	r.byAddr[t.Address] = t
	return nil
}

func (r *Registry) GetToken(addr common.Address) (*Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, exists := r.byAddr[addr]
	if !exists {
		return nil, fmt.Errorf("token %s not found", addr.Hex())
	}
	return t, nil
}

func (r *Registry) BySymbol(symbol string) (*Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, exists := r.bySymbol[strings.ToUpper(symbol)]
	if !exists {
		return nil, fmt.Errorf("token %s not found", symbol)
	}
	return t, nil
}

// ListTokens returns all tokens ordered by symbol.
func (r *Registry) ListTokens() []*Token {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tokens := make([]*Token, 0, len(r.byAddr))
	for _, t := range r.byAddr {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].Symbol < tokens[j].Symbol })
	return tokens
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byAddr)
}

func (r *Registry) Exists(addr common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.byAddr[addr]
	return exists
}

// FormatAmount renders a base-unit amount with the token's decimals and symbol.
// Unknown tokens print the raw integer.
func (r *Registry) FormatAmount(token common.Address, amount *big.Int) string {
	if amount == nil {
		amount = new(big.Int)
	}
	t, err := r.GetToken(token)
	if err != nil {
		return amount.String()
	}
	if t.Kind == NonFungible {
		return fmt.Sprintf("%s %s", amount, t.Symbol)
	}
	return fmt.Sprintf("%s %s", decimal.NewFromBigInt(amount, -t.Decimals).String(), t.Symbol)
}

// ParseAmount converts a human amount such as "1.5" into base units.
// Amounts finer than the token's precision are rejected.
func (r *Registry) ParseAmount(symbol, amount string) (*big.Int, error) {
	t, err := r.BySymbol(symbol)
	if err != nil {
		return nil, err
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse %s amount %q: %w", symbol, amount, err)
	}
	scaled := d.Shift(t.Decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("%s amount %q exceeds %d decimals", symbol, amount, t.Decimals)
	}
	if scaled.IsNegative() {
		return nil, fmt.Errorf("%s amount %q is negative", symbol, amount)
	}
	return scaled.BigInt(), nil
}
