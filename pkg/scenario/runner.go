package scenario

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/uhyunpark/settlesim/pkg/assetdata"
	"github.com/uhyunpark/settlesim/pkg/crypto"
	"github.com/uhyunpark/settlesim/pkg/exchange"
	"github.com/uhyunpark/settlesim/pkg/ledger"
	"github.com/uhyunpark/settlesim/pkg/order"
	"github.com/uhyunpark/settlesim/pkg/settlement"
	"github.com/uhyunpark/settlesim/pkg/storage"
	"github.com/uhyunpark/settlesim/pkg/util"
)

var ErrUnexpectedOutcome = errors.New("unexpected step outcome")

// outcomeError is recorded for steps that failed without a revert reason.
const outcomeError = "error"

// StepResult is the outcome of one step. Report is set for verified matches.
type StepResult struct {
	Index   int                `json:"index"`
	Name    string             `json:"name"`
	Action  string             `json:"action"`
	Expect  string             `json:"expect"`
	Outcome string             `json:"outcome"`
	Passed  bool               `json:"passed"`
	Error   string             `json:"error,omitempty"`
	Report  *settlement.Report `json:"report,omitempty"`
}

// Result is a whole run. Steps stops at the first failure.
type Result struct {
	RunID    string           `json:"runId"`
	Scenario string           `json:"scenario"`
	Steps    []StepResult     `json:"steps"`
	Final    *ledger.Snapshot `json:"final"`
	Passed   bool             `json:"passed"`
}

// Runner replays scenarios, each on a fresh devnet exchange.
type Runner struct {
	exchange common.Address
	store    storage.Store
	journal  storage.Journal
	clock    util.Clock
	logger   *zap.Logger
	log      *zap.SugaredLogger
	exOpts   []exchange.Option
}

type Option func(*Runner)

func WithStore(s storage.Store) Option {
	return func(r *Runner) { r.store = s }
}

func WithJournal(j storage.Journal) Option {
	return func(r *Runner) { r.journal = j }
}

func WithClock(c util.Clock) Option {
	return func(r *Runner) { r.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		r.logger = l
		r.log = l.Sugar()
	}
}

// WithExchangeOptions is passed to every devnet the runner creates.
func WithExchangeOptions(opts ...exchange.Option) Option {
	return func(r *Runner) { r.exOpts = append(r.exOpts, opts...) }
}

func NewRunner(exchangeAddr common.Address, opts ...Option) *Runner {
	r := &Runner{
		exchange: exchangeAddr,
		store:    storage.NewMemoryStore(),
		journal:  storage.NewNopJournal(),
		clock:    util.RealClock{},
		logger:   zap.NewNop(),
		log:      zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// world is the devnet state of one run.
type world struct {
	sc       *Scenario
	registry *assetdata.Registry
	ex       *exchange.Exchange
	tester   *settlement.MatchOrderTester
	signers  map[string]*crypto.Signer
	tmpls    map[string]OrderSpec
	orders   map[string]*order.SignedOrder
	owners   []common.Address
	assets   []assetdata.Data
}

// Run replays sc. Step failures are reported in the Result; the error is
// only set when the run could not be set up or persisted.
func (r *Runner) Run(ctx context.Context, sc *Scenario) (*Result, error) {
	w, err := r.setup(sc)
	if err != nil {
		return nil, fmt.Errorf("setup scenario %s: %w", sc.Name, err)
	}
	runID := fmt.Sprintf("%s-%s", sc.Name, uuid.NewString()[:8])
	if err := r.store.SaveRun(storage.RunInfo{Name: runID, Scenario: sc.Name, CreatedAt: r.clock.Now()}); err != nil {
		return nil, err
	}

	prior, err := w.read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read initial ledger: %w", err)
	}
	if err := r.store.SaveSnapshot(runID, 0, prior); err != nil {
		return nil, err
	}
	r.log.Infow("scenario_started", "run", runID, "accounts", len(w.owners), "steps", len(sc.Steps))

	res := &Result{RunID: runID, Scenario: sc.Name, Passed: true}
	for i, st := range sc.Steps {
		sr, next, stepErr := r.runStep(ctx, w, i, st, prior)
		if sr.Report != nil {
			if err := r.record(runID, sr.Report); err != nil {
				return nil, err
			}
		}
		if stepErr != nil {
			sr.Error = stepErr.Error()
			res.Steps = append(res.Steps, sr)
			res.Passed = false
			r.log.Warnw("scenario_step_failed", "run", runID, "step", st.Name,
				"expect", st.Expect, "outcome", sr.Outcome, "error", stepErr)
			break
		}
		sr.Passed = true
		prior = next
		if err := r.store.SaveSnapshot(runID, i+1, prior); err != nil {
			return nil, err
		}
		res.Steps = append(res.Steps, sr)
		r.log.Infow("scenario_step_passed", "run", runID, "step", st.Name, "outcome", sr.Outcome)
	}
	res.Final = prior
	r.log.Infow("scenario_finished", "run", runID, "passed", res.Passed, "steps", len(res.Steps))
	return res, nil
}

func (r *Runner) record(runID string, report *settlement.Report) error {
	if err := r.store.SaveReport(runID, report); err != nil {
		return err
	}
	if err := r.journal.Append(report); err != nil {
		return fmt.Errorf("journal report %s: %w", report.ID, err)
	}
	return nil
}

func (r *Runner) setup(sc *Scenario) (*world, error) {
	reg := assetdata.NewRegistry()
	for _, t := range sc.Tokens {
		kind, err := assetdata.ParseKind(t.Kind)
		if err != nil {
			return nil, err
		}
		tok := &assetdata.Token{Symbol: t.Symbol, Address: common.HexToAddress(t.Address), Kind: kind, Decimals: t.Decimals}
		if err := reg.RegisterToken(tok); err != nil {
			return nil, err
		}
	}
	fee, err := reg.BySymbol(sc.FeeToken)
	if err != nil {
		return nil, err
	}

	ex := exchange.New(r.exchange, fee.Address,
		append([]exchange.Option{exchange.WithClock(r.clock), exchange.WithLogger(r.logger)}, r.exOpts...)...)
	tester, err := settlement.NewMatchOrderTester(
		settlement.Ports{Matcher: ex, Orders: ex, Ledger: ex},
		settlement.Config{Exchange: ex.Address(), FeeToken: fee.Address},
		settlement.WithLogger(r.logger), settlement.WithClock(r.clock))
	if err != nil {
		return nil, err
	}

	w := &world{
		sc:       sc,
		registry: reg,
		ex:       ex,
		tester:   tester,
		signers:  make(map[string]*crypto.Signer, len(sc.Accounts)),
		tmpls:    make(map[string]OrderSpec, len(sc.Orders)),
		orders:   make(map[string]*order.SignedOrder, len(sc.Orders)),
	}
	w.assets = lo.FilterMap(reg.ListTokens(), func(t *assetdata.Token, _ int) (assetdata.Data, bool) {
		return t.Asset(), t.Kind == assetdata.Fungible
	})

	for _, a := range sc.Accounts {
		if err := w.fund(a); err != nil {
			return nil, fmt.Errorf("account %s: %w", a.Name, err)
		}
	}
	w.owners = lo.Map(sc.Accounts, func(a AccountSpec, _ int) common.Address {
		return w.signers[a.Name].Address()
	})

	now := r.clock.Now()
	for _, tmpl := range sc.Orders {
		o, err := w.buildOrder(tmpl, now)
		if err != nil {
			return nil, fmt.Errorf("order %s: %w", tmpl.Name, err)
		}
		w.tmpls[tmpl.Name] = tmpl
		w.orders[tmpl.Name] = o
	}
	w.assets = lo.UniqBy(w.assets, func(a assetdata.Data) string { return a.Key() })
	return w, nil
}

func (w *world) fund(a AccountSpec) error {
	signer, err := crypto.FromSeed(a.Name)
	if err != nil {
		return err
	}
	w.signers[a.Name] = signer
	owner := signer.Address()

	for sym, amount := range a.Balances {
		tok, err := w.registry.BySymbol(sym)
		if err != nil {
			return err
		}
		if tok.Kind != assetdata.Fungible {
			return fmt.Errorf("%s is a collection; list instances under nfts", sym)
		}
		v, err := w.registry.ParseAmount(sym, amount)
		if err != nil {
			return err
		}
		if err := w.ex.Deposit(owner, tok.Address, v); err != nil {
			return err
		}
	}
	for _, n := range a.NFTs {
		asset, _, err := w.asset(n.Token + "#" + n.ID)
		if err != nil {
			return err
		}
		if err := w.ex.Mint(owner, asset.Token, asset.TokenID); err != nil {
			return err
		}
		w.assets = append(w.assets, asset)
	}
	return nil
}

// asset resolves "SYM" or "SYM#id" to a descriptor and its token.
func (w *world) asset(s string) (assetdata.Data, *assetdata.Token, error) {
	sym, id, err := splitAsset(s)
	if err != nil {
		return assetdata.Data{}, nil, err
	}
	tok, err := w.registry.BySymbol(sym)
	if err != nil {
		return assetdata.Data{}, nil, err
	}
	switch {
	case tok.Kind == assetdata.NonFungible && id == nil:
		return assetdata.Data{}, nil, fmt.Errorf("asset %q: collection needs an instance id", s)
	case tok.Kind == assetdata.Fungible && id != nil:
		return assetdata.Data{}, nil, fmt.Errorf("asset %q: fungible token takes no instance id", s)
	case id != nil:
		return tok.Instance(id), tok, nil
	default:
		return tok.Asset(), tok, nil
	}
}

func (w *world) leg(asset, amount string) (assetdata.Data, *big.Int, error) {
	data, tok, err := w.asset(asset)
	if err != nil {
		return assetdata.Data{}, nil, err
	}
	v, err := w.registry.ParseAmount(tok.Symbol, amount)
	if err != nil {
		return assetdata.Data{}, nil, err
	}
	return data, v, nil
}

// address resolves an account name; the empty name is the zero address.
func (w *world) address(name string) common.Address {
	if s, ok := w.signers[name]; ok {
		return s.Address()
	}
	return common.Address{}
}

func (w *world) buildOrder(tmpl OrderSpec, now time.Time) (*order.SignedOrder, error) {
	makerAsset, makerAmount, err := w.leg(tmpl.MakerAsset, tmpl.MakerAmount)
	if err != nil {
		return nil, err
	}
	takerAsset, takerAmount, err := w.leg(tmpl.TakerAsset, tmpl.TakerAmount)
	if err != nil {
		return nil, err
	}
	makerFee, err := w.registry.ParseAmount(w.sc.FeeToken, tmpl.MakerFee)
	if err != nil {
		return nil, err
	}
	takerFee, err := w.registry.ParseAmount(w.sc.FeeToken, tmpl.TakerFee)
	if err != nil {
		return nil, err
	}
	expiry := defaultExpiry
	if tmpl.ExpiresIn != "" {
		if expiry, err = time.ParseDuration(tmpl.ExpiresIn); err != nil {
			return nil, err
		}
	}
	makerData, err := makerAsset.Encode()
	if err != nil {
		return nil, err
	}
	takerData, err := takerAsset.Encode()
	if err != nil {
		return nil, err
	}
	w.assets = append(w.assets, makerAsset, takerAsset)

	o := order.Order{
		MakerAddress:          w.address(tmpl.Maker),
		TakerAddress:          w.address(tmpl.Taker),
		FeeRecipientAddress:   w.address(tmpl.FeeRecipient),
		SenderAddress:         w.address(tmpl.Sender),
		MakerAssetAmount:      makerAmount,
		TakerAssetAmount:      takerAmount,
		MakerFee:              makerFee,
		TakerFee:              takerFee,
		ExpirationTimeSeconds: big.NewInt(now.Add(expiry).Unix()),
		Salt:                  big.NewInt(tmpl.Salt),
		MakerAssetData:        makerData,
		TakerAssetData:        takerData,
	}
	sig, err := w.ex.Hasher().SignOrder(w.signers[tmpl.Maker], &o)
	if err != nil {
		return nil, err
	}
	return &order.SignedOrder{Order: o, Signature: sig}, nil
}

// read takes a snapshot over every account and every asset the scenario names.
func (w *world) read(ctx context.Context) (*ledger.Snapshot, error) {
	return w.ex.ReadSnapshot(ctx, w.owners, w.assets)
}

// takerAmount parses an amount in units of the named order's taker asset.
// The empty string is zero.
func (w *world) takerAmount(orderName, amount string) (*big.Int, error) {
	if amount == "" {
		return new(big.Int), nil
	}
	_, v, err := w.leg(w.tmpls[orderName].TakerAsset, amount)
	return v, err
}

func (r *Runner) runStep(ctx context.Context, w *world, i int, st StepSpec, prior *ledger.Snapshot) (StepResult, *ledger.Snapshot, error) {
	sr := StepResult{Index: i, Name: st.Name, Action: st.Action, Expect: st.Expect}

	switch st.Action {
	case ActionMatch:
		left, right := w.orders[st.Left], w.orders[st.Right]
		taker := w.address(st.Taker)
		if st.Expect != ExpectVerified {
			_, err := w.ex.MatchOrders(ctx, left, right, taker)
			return w.expectRevert(ctx, sr, err, prior)
		}
		priorLeft, err := w.takerAmount(st.Left, st.PriorFilledLeft)
		if err != nil {
			return sr, nil, err
		}
		priorRight, err := w.takerAmount(st.Right, st.PriorFilledRight)
		if err != nil {
			return sr, nil, err
		}
		post, report, err := w.tester.MatchOrdersAndVerifyBalances(ctx, left, right, taker, prior,
			settlement.WithName(st.Name),
			settlement.WithExpectedPriorFilled(priorLeft, priorRight),
			settlement.WithTrackedOwners(w.owners...))
		sr.Report = report
		sr.Outcome = outcome(err)
		if err != nil {
			return sr, nil, err
		}
		return sr, post, nil

	case ActionFill:
		amount, err := w.takerAmount(st.Order, st.FillAmount)
		if err != nil {
			return sr, nil, err
		}
		_, err = w.ex.FillOrder(ctx, w.orders[st.Order], w.address(st.Taker), amount)
		return w.expectSuccessOrRevert(ctx, sr, err, prior)

	case ActionCancel:
		o := w.orders[st.Order]
		caller := o.MakerAddress
		if st.Taker != "" {
			caller = w.address(st.Taker)
		}
		_, err := w.ex.CancelOrder(ctx, &o.Order, caller)
		return w.expectSuccessOrRevert(ctx, sr, err, prior)

	default:
		return sr, nil, fmt.Errorf("unknown action %q", st.Action)
	}
}

// expectSuccessOrRevert handles steps that are not verified by the tester.
// A success moves the run onto the ledger as read afterwards.
func (w *world) expectSuccessOrRevert(ctx context.Context, sr StepResult, err error, prior *ledger.Snapshot) (StepResult, *ledger.Snapshot, error) {
	if sr.Expect != ExpectVerified {
		return w.expectRevert(ctx, sr, err, prior)
	}
	sr.Outcome = outcome(err)
	if err != nil {
		return sr, nil, err
	}
	post, err := w.read(ctx)
	if err != nil {
		return sr, nil, err
	}
	return sr, post, nil
}

// expectRevert checks the reason and that the rejected call left the
// ledger untouched.
func (w *world) expectRevert(ctx context.Context, sr StepResult, err error, prior *ledger.Snapshot) (StepResult, *ledger.Snapshot, error) {
	sr.Outcome = outcome(err)
	if sr.Outcome != sr.Expect {
		if err == nil {
			return sr, nil, fmt.Errorf("%w: call succeeded, want %s", ErrUnexpectedOutcome, sr.Expect)
		}
		return sr, nil, fmt.Errorf("%w: want %s: %v", ErrUnexpectedOutcome, sr.Expect, err)
	}
	after, err := w.read(ctx)
	if err != nil {
		return sr, nil, err
	}
	if d := prior.Diff(after); len(d) > 0 {
		return sr, nil, &settlement.BalanceMismatchError{Mismatches: d}
	}
	return sr, after, nil
}

func outcome(err error) string {
	if err == nil {
		return ExpectVerified
	}
	if reason := exchange.RevertReason(err); reason != "" {
		return reason
	}
	return outcomeError
}
