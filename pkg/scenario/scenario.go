// Package scenario loads match scenarios from TOML and replays them against
// the devnet exchange, verifying every settlement along the way.
package scenario

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/settlesim/pkg/assetdata"
)

// Step actions.
const (
	ActionMatch  = "match"
	ActionFill   = "fill"
	ActionCancel = "cancel"
)

// ExpectVerified is the outcome of a step that must succeed. Any other
// expectation is an exchange revert reason.
const ExpectVerified = "verified"

const defaultExpiry = 24 * time.Hour

// Scenario is one TOML file: the tokens and funded accounts of a fresh
// devnet, the orders the accounts sign, and the steps to replay.
type Scenario struct {
	Name     string        `toml:"name"`
	FeeToken string        `toml:"fee_token"`
	Tokens   []TokenSpec   `toml:"tokens"`
	Accounts []AccountSpec `toml:"accounts"`
	Orders   []OrderSpec   `toml:"orders"`
	Steps    []StepSpec    `toml:"steps"`
}

type TokenSpec struct {
	Symbol   string `toml:"symbol"`
	Address  string `toml:"address"`
	Kind     string `toml:"kind"`
	Decimals int32  `toml:"decimals"`
}

// AccountSpec names a participant. Keys are derived from the name, so
// addresses are stable across runs.
type AccountSpec struct {
	Name     string            `toml:"name"`
	Balances map[string]string `toml:"balances"`
	NFTs     []NFTSpec         `toml:"nfts"`
}

type NFTSpec struct {
	Token string `toml:"token"`
	ID    string `toml:"id"`
}

// OrderSpec is an order template. Assets are a symbol ("WETH") or a
// collection instance ("KITTY#77"); amounts are in display units of the
// asset, fees in units of the fee token.
type OrderSpec struct {
	Name         string `toml:"name"`
	Maker        string `toml:"maker"`
	MakerAsset   string `toml:"maker_asset"`
	MakerAmount  string `toml:"maker_amount"`
	TakerAsset   string `toml:"taker_asset"`
	TakerAmount  string `toml:"taker_amount"`
	MakerFee     string `toml:"maker_fee"`
	TakerFee     string `toml:"taker_fee"`
	FeeRecipient string `toml:"fee_recipient"`
	Taker        string `toml:"taker"`
	Sender       string `toml:"sender"`
	ExpiresIn    string `toml:"expires_in"`
	Salt         int64  `toml:"salt"`
}

// StepSpec is one action. Match steps name Left and Right, fill and cancel
// steps name Order. PriorFilled amounts are in the taker asset's display
// units of the respective order.
type StepSpec struct {
	Name             string `toml:"name"`
	Action           string `toml:"action"`
	Left             string `toml:"left"`
	Right            string `toml:"right"`
	Order            string `toml:"order"`
	Taker            string `toml:"taker"`
	Expect           string `toml:"expect"`
	PriorFilledLeft  string `toml:"prior_filled_left"`
	PriorFilledRight string `toml:"prior_filled_right"`
	FillAmount       string `toml:"fill_amount"`
}

// Load reads and validates a scenario file.
func Load(path string) (*Scenario, error) {
	var sc Scenario
	if _, err := toml.DecodeFile(path, &sc); err != nil {
		return nil, fmt.Errorf("decode scenario %s: %w", path, err)
	}
	sc.applyDefaults()
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	return &sc, nil
}

// Parse is Load for an in-memory document.
func Parse(doc string) (*Scenario, error) {
	var sc Scenario
	if _, err := toml.Decode(doc, &sc); err != nil {
		return nil, fmt.Errorf("decode scenario: %w", err)
	}
	sc.applyDefaults()
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *Scenario) applyDefaults() {
	for i := range s.Orders {
		o := &s.Orders[i]
		if o.MakerFee == "" {
			o.MakerFee = "0"
		}
		if o.TakerFee == "" {
			o.TakerFee = "0"
		}
		if o.Salt == 0 {
			o.Salt = int64(i + 1)
		}
	}
	for i := range s.Steps {
		st := &s.Steps[i]
		if st.Expect == "" {
			st.Expect = ExpectVerified
		}
		if st.Name == "" {
			st.Name = fmt.Sprintf("step-%d", i+1)
		}
	}
}

// Validate checks cross references between sections. It reports every
// problem it finds, not just the first.
func (s *Scenario) Validate() error {
	var errs []string

	if s.Name == "" || strings.ContainsAny(s.Name, ": ") {
		errs = append(errs, fmt.Sprintf("name %q must be non-empty without spaces or colons", s.Name))
	}

	tokens := make(map[string]TokenSpec)
	for i, t := range s.Tokens {
		sym := strings.ToUpper(t.Symbol)
		switch {
		case sym == "":
			errs = append(errs, fmt.Sprintf("tokens[%d]: symbol must not be empty", i))
		case tokens[sym].Symbol != "":
			errs = append(errs, fmt.Sprintf("tokens[%d]: duplicate symbol %s", i, t.Symbol))
		}
		if !common.IsHexAddress(t.Address) {
			errs = append(errs, fmt.Sprintf("tokens[%d]: address %q is not a hex address", i, t.Address))
		}
		if _, err := assetdata.ParseKind(t.Kind); err != nil {
			errs = append(errs, fmt.Sprintf("tokens[%d]: %v", i, err))
		}
		if t.Decimals < 0 || t.Decimals > 36 {
			errs = append(errs, fmt.Sprintf("tokens[%d]: decimals must be 0-36, got %d", i, t.Decimals))
		}
		tokens[sym] = t
	}
	if fee, ok := tokens[strings.ToUpper(s.FeeToken)]; !ok {
		errs = append(errs, fmt.Sprintf("fee_token %q is not a listed token", s.FeeToken))
	} else if !strings.EqualFold(fee.Kind, "erc20") {
		errs = append(errs, fmt.Sprintf("fee_token %s must be ERC20", s.FeeToken))
	}

	accounts := make(map[string]bool)
	for i, a := range s.Accounts {
		if a.Name == "" {
			errs = append(errs, fmt.Sprintf("accounts[%d]: name must not be empty", i))
		}
		if accounts[a.Name] {
			errs = append(errs, fmt.Sprintf("accounts[%d]: duplicate name %s", i, a.Name))
		}
		accounts[a.Name] = true
		for sym := range a.Balances {
			if _, ok := tokens[strings.ToUpper(sym)]; !ok {
				errs = append(errs, fmt.Sprintf("accounts[%d]: unknown token %s", i, sym))
			}
		}
		for _, n := range a.NFTs {
			if _, ok := tokens[strings.ToUpper(n.Token)]; !ok {
				errs = append(errs, fmt.Sprintf("accounts[%d]: unknown nft collection %s", i, n.Token))
			}
		}
	}
	knownAccount := func(where, name string, optional bool) {
		if name == "" && optional {
			return
		}
		if !accounts[name] {
			errs = append(errs, fmt.Sprintf("%s: unknown account %q", where, name))
		}
	}
	knownAsset := func(where, asset string) {
		sym, _, _ := strings.Cut(asset, "#")
		if _, ok := tokens[strings.ToUpper(sym)]; !ok {
			errs = append(errs, fmt.Sprintf("%s: unknown asset %q", where, asset))
		}
	}

	orders := make(map[string]bool)
	for i, o := range s.Orders {
		where := fmt.Sprintf("orders[%d]", i)
		if o.Name == "" || orders[o.Name] {
			errs = append(errs, fmt.Sprintf("%s: name %q must be unique and non-empty", where, o.Name))
		}
		orders[o.Name] = true
		knownAccount(where+".maker", o.Maker, false)
		knownAccount(where+".fee_recipient", o.FeeRecipient, false)
		knownAccount(where+".taker", o.Taker, true)
		knownAccount(where+".sender", o.Sender, true)
		knownAsset(where+".maker_asset", o.MakerAsset)
		knownAsset(where+".taker_asset", o.TakerAsset)
		if o.ExpiresIn != "" {
			if _, err := time.ParseDuration(o.ExpiresIn); err != nil {
				errs = append(errs, fmt.Sprintf("%s: expires_in: %v", where, err))
			}
		}
	}

	for i, st := range s.Steps {
		where := fmt.Sprintf("steps[%d]", i)
		switch st.Action {
		case ActionMatch:
			if !orders[st.Left] || !orders[st.Right] {
				errs = append(errs, fmt.Sprintf("%s: match needs known left and right orders, got %q and %q", where, st.Left, st.Right))
			}
			knownAccount(where+".taker", st.Taker, false)
		case ActionFill:
			if !orders[st.Order] {
				errs = append(errs, fmt.Sprintf("%s: unknown order %q", where, st.Order))
			}
			if st.FillAmount == "" {
				errs = append(errs, fmt.Sprintf("%s: fill needs fill_amount", where))
			}
			knownAccount(where+".taker", st.Taker, false)
		case ActionCancel:
			if !orders[st.Order] {
				errs = append(errs, fmt.Sprintf("%s: unknown order %q", where, st.Order))
			}
		default:
			errs = append(errs, fmt.Sprintf("%s: unknown action %q (valid: match, fill, cancel)", where, st.Action))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid scenario:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// splitAsset parses "SYM" or "SYM#id".
func splitAsset(asset string) (string, *big.Int, error) {
	sym, rawID, hasID := strings.Cut(asset, "#")
	if !hasID {
		return sym, nil, nil
	}
	id, ok := new(big.Int).SetString(rawID, 10)
	if !ok || id.Sign() < 0 {
		return "", nil, fmt.Errorf("asset %q: bad token id", asset)
	}
	return sym, id, nil
}
