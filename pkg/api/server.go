// Package api serves the devnet exchange over HTTP: balances, a faucet,
// order hashing and verified matching, plus a WebSocket feed of reports.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/uhyunpark/settlesim/pkg/assetdata"
	"github.com/uhyunpark/settlesim/pkg/exchange"
	"github.com/uhyunpark/settlesim/pkg/order"
	"github.com/uhyunpark/settlesim/pkg/settlement"
	"github.com/uhyunpark/settlesim/pkg/storage"
)

const defaultReportLimit = 50

type Config struct {
	Exchange *exchange.Exchange
	Registry *assetdata.Registry
	Store    storage.Store
	// Run is the storage run matches are recorded under.
	Run            string
	AllowedOrigins []string
	Logger         *zap.Logger
}

// Server handles REST API and WebSocket connections
type Server struct {
	ex       *exchange.Exchange
	tester   *settlement.MatchOrderTester
	registry *assetdata.Registry
	store    storage.Store
	run      string
	origins  []string
	router   *mux.Router
	hub      *Hub
	log      *zap.SugaredLogger

	// matches are verified one at a time so a prior read is not raced by
	// another match
	matchMu sync.Mutex
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Exchange == nil || cfg.Registry == nil || cfg.Store == nil {
		return nil, errors.New("api: exchange, registry and store are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Run == "" {
		cfg.Run = "api"
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:3001"}
	}

	ex := cfg.Exchange
	tester, err := settlement.NewMatchOrderTester(
		settlement.Ports{Matcher: ex, Orders: ex, Ledger: ex, Market: ex},
		settlement.Config{Exchange: ex.Address(), FeeToken: ex.FeeAsset().Token},
		settlement.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if err := cfg.Store.SaveRun(storage.RunInfo{Name: cfg.Run, CreatedAt: time.Now()}); err != nil {
		return nil, fmt.Errorf("register run %s: %w", cfg.Run, err)
	}

	s := &Server{
		ex:       ex,
		tester:   tester,
		registry: cfg.Registry,
		store:    cfg.Store,
		run:      cfg.Run,
		origins:  cfg.AllowedOrigins,
		router:   mux.NewRouter(),
		hub:      NewHub(logger.Sugar()),
		log:      logger.Sugar(),
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/tokens", s.handleGetTokens).Methods("GET")
	api.HandleFunc("/balances/{address}", s.handleGetBalances).Methods("GET")
	api.HandleFunc("/faucet", s.handleFaucet).Methods("POST")
	api.HandleFunc("/orders/hash", s.handleOrderHash).Methods("POST")
	api.HandleFunc("/match", s.handleMatch).Methods("POST")
	api.HandleFunc("/market-sell", s.handleMarketSell).Methods("POST")
	api.HandleFunc("/reports", s.handleGetReports).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped in the CORS policy.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves on addr until ctx is done.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Infow("api_started", "addr", addr, "exchange", s.ex.Address().Hex())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok", "exchange": s.ex.Address().Hex()})
}

func (s *Server) handleGetTokens(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, lo.Map(s.registry.ListTokens(), func(t *assetdata.Token, _ int) TokenInfo {
		return TokenInfo{Symbol: t.Symbol, Address: t.Address.Hex(), Kind: t.Kind.String(), Decimals: t.Decimals}
	}))
}

func (s *Server) handleGetBalances(w http.ResponseWriter, r *http.Request) {
	addressStr := mux.Vars(r)["address"]
	if !common.IsHexAddress(addressStr) {
		respondError(w, http.StatusBadRequest, "invalid address", addressStr)
		return
	}
	owner := common.HexToAddress(addressStr)

	tokens := s.registry.ListTokens()
	assets := lo.Map(tokens, func(t *assetdata.Token, _ int) assetdata.Data { return t.Asset() })
	snap, err := s.ex.ReadSnapshot(r.Context(), []common.Address{owner}, assets)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read ledger", err.Error())
		return
	}

	resp := BalancesResponse{Address: owner.Hex(), Balances: make([]TokenBalance, 0, len(tokens))}
	for _, t := range tokens {
		b := TokenBalance{Symbol: t.Symbol, Token: t.Address.Hex(), Kind: t.Kind.String()}
		if t.Kind == assetdata.NonFungible {
			b.IDs = lo.Map(snap.OwnedIDs(owner, t.Address), func(id *big.Int, _ int) string { return id.String() })
		} else {
			bal := snap.Balance(owner, t.Address)
			b.Amount = bal.String()
			b.Display = s.registry.FormatAmount(t.Address, bal)
		}
		resp.Balances = append(resp.Balances, b)
	}
	respondJSON(w, resp)
}

func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	var req FaucetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if !common.IsHexAddress(req.Address) {
		respondError(w, http.StatusBadRequest, "invalid address", req.Address)
		return
	}
	owner := common.HexToAddress(req.Address)
	tok, err := s.registry.BySymbol(req.Symbol)
	if err != nil {
		respondError(w, http.StatusNotFound, "unknown token", err.Error())
		return
	}

	resp := FaucetResponse{Status: "credited", Address: owner.Hex(), Symbol: tok.Symbol}
	switch tok.Kind {
	case assetdata.NonFungible:
		id, ok := new(big.Int).SetString(req.TokenID, 10)
		if !ok || id.Sign() < 0 {
			respondError(w, http.StatusBadRequest, "invalid tokenId", req.TokenID)
			return
		}
		if err := s.ex.Mint(owner, tok.Address, id); err != nil {
			respondError(w, http.StatusConflict, "mint failed", err.Error())
			return
		}
		resp.Status, resp.TokenID = "minted", id.String()
	default:
		amount, err := s.registry.ParseAmount(tok.Symbol, req.Amount)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid amount", err.Error())
			return
		}
		if err := s.ex.Deposit(owner, tok.Address, amount); err != nil {
			respondError(w, http.StatusBadRequest, "deposit failed", err.Error())
			return
		}
		resp.Amount = amount.String()
	}
	s.log.Infow("faucet", "address", owner.Hex(), "symbol", tok.Symbol, "amount", resp.Amount, "token_id", resp.TokenID)
	respondJSON(w, resp)
}

func (s *Server) handleOrderHash(w http.ResponseWriter, r *http.Request) {
	var o order.SignedOrder
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
		respondError(w, http.StatusBadRequest, "invalid order", err.Error())
		return
	}
	info, err := s.ex.OrderInfo(r.Context(), &o.Order)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to hash order", err.Error())
		return
	}
	resp := OrderHashResponse{
		Hash:                   info.Hash,
		Status:                 info.Status.String(),
		TakerAssetFilledAmount: info.TakerAssetFilledAmount.String(),
	}
	if len(o.Signature) > 0 {
		valid, err := s.ex.Hasher().VerifyOrderSignature(&o.Order, o.Signature)
		resp.SignatureValid = lo.ToPtr(err == nil && valid)
	}
	respondJSON(w, resp)
}

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	var req MatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	ctx := r.Context()

	s.matchMu.Lock()
	defer s.matchMu.Unlock()

	prior, err := s.tester.InitialSnapshot(ctx, &req.Left, &req.Right, req.Taker, req.TrackedOwners...)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read ledger", err.Error())
		return
	}
	_, report, err := s.tester.MatchOrdersAndVerifyBalances(ctx, &req.Left, &req.Right, req.Taker, prior,
		settlement.WithName(req.Name),
		settlement.WithExpectedPriorFilled(req.PriorFilledLeft, req.PriorFilledRight),
		settlement.WithTrackedOwners(req.TrackedOwners...))
	s.respondVerified(w, report, err)
}

func (s *Server) handleMarketSell(w http.ResponseWriter, r *http.Request) {
	var req MarketSellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if len(req.Orders) == 0 || req.TakerAssetFillAmount == nil {
		respondError(w, http.StatusBadRequest, "invalid request body", "orders and takerAssetFillAmount are required")
		return
	}
	ctx := r.Context()
	orders := lo.Map(req.Orders, func(o order.SignedOrder, _ int) *order.SignedOrder { return &o })

	s.matchMu.Lock()
	defer s.matchMu.Unlock()

	prior, err := s.tester.InitialSaleSnapshot(ctx, orders, req.Taker, req.TrackedOwners...)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read ledger", err.Error())
		return
	}
	_, report, err := s.tester.MarketSellAndVerifyBalances(ctx, orders, req.Taker, req.TakerAssetFillAmount, prior,
		settlement.WithName(req.Name),
		settlement.WithExpectedPriorFilledEach(req.PriorFilled...),
		settlement.WithTrackedOwners(req.TrackedOwners...))
	s.respondVerified(w, report, err)
}

// respondVerified stores and broadcasts the report, if any, and maps the
// outcome onto a status code.
func (s *Server) respondVerified(w http.ResponseWriter, report *settlement.Report, err error) {
	if report != nil {
		if serr := s.store.SaveReport(s.run, report); serr != nil {
			s.log.Errorw("report_save_failed", "report", report.ID, "error", serr)
		}
		s.hub.BroadcastToChannel(ChannelReports, ReportUpdate{Type: "report", Report: report})
	}

	switch {
	case err == nil:
		respondJSON(w, MatchResponse{Passed: true, Report: report})
	case report != nil:
		// the call settled but did not verify
		respondJSON(w, MatchResponse{Passed: false, Error: err.Error(), Report: report})
	case exchange.RevertReason(err) != "":
		respondStatus(w, http.StatusUnprocessableEntity, MatchResponse{Reason: exchange.RevertReason(err), Error: err.Error()})
	case errors.Is(err, settlement.ErrPriorFilledMismatch):
		respondStatus(w, http.StatusConflict, MatchResponse{Error: err.Error()})
	default:
		respondError(w, http.StatusBadRequest, "verification failed", err.Error())
	}
}

func (s *Server) handleGetReports(w http.ResponseWriter, r *http.Request) {
	limit := defaultReportLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", v)
			return
		}
		limit = n
	}
	reports, err := s.store.LoadReports(r.URL.Query().Get("run"), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load reports", err.Error())
		return
	}
	if reports == nil {
		reports = []*settlement.Report{}
	}
	respondJSON(w, reports)
}

// ==============================
// Helper Functions
// ==============================

func respondJSON(w http.ResponseWriter, data interface{}) {
	respondStatus(w, http.StatusOK, data)
}

func respondStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	respondStatus(w, status, ErrorResponse{Error: error, Message: message})
}
