package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/settlesim/pkg/assetdata"
	"github.com/uhyunpark/settlesim/pkg/crypto"
	"github.com/uhyunpark/settlesim/pkg/exchange"
	"github.com/uhyunpark/settlesim/pkg/order"
	"github.com/uhyunpark/settlesim/pkg/settlement"
	"github.com/uhyunpark/settlesim/pkg/storage"
	"github.com/uhyunpark/settlesim/pkg/util"
)

var (
	exchangeAddr = common.HexToAddress("0x48bacb9266a570d521063ef5dd96e61686dbe788")
	weth         = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	dai          = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	kitty        = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	zrx          = common.HexToAddress("0x00000000000000000000000000000000000000ee")
	relayer      = common.HexToAddress("0x000000000000000000000000000000000000f001")
)

func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

type testServer struct {
	srv   *Server
	ex    *exchange.Exchange
	http  *httptest.Server
	clock *util.ManualClock
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	clock := util.NewManualClock(time.Unix(1_600_000_000, 0))
	ex := exchange.New(exchangeAddr, zrx, exchange.WithClock(clock))

	reg := assetdata.NewRegistry()
	for _, tok := range []*assetdata.Token{
		{Symbol: "WETH", Address: weth, Kind: assetdata.Fungible, Decimals: 18},
		{Symbol: "DAI", Address: dai, Kind: assetdata.Fungible, Decimals: 18},
		{Symbol: "KITTY", Address: kitty, Kind: assetdata.NonFungible},
		{Symbol: "ZRX", Address: zrx, Kind: assetdata.Fungible, Decimals: 18},
	} {
		require.NoError(t, reg.RegisterToken(tok))
	}

	srv, err := NewServer(Config{Exchange: ex, Registry: reg, Store: storage.NewMemoryStore()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go srv.hub.Run(ctx)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return &testServer{srv: srv, ex: ex, http: ts, clock: clock}
}

func (s *testServer) get(t *testing.T, path string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(s.http.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (s *testServer) post(t *testing.T, path string, body, out interface{}) int {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(s.http.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (s *testServer) sign(t *testing.T, maker *crypto.Signer, makerAsset common.Address, makerAmt int64, takerAsset common.Address, takerAmt int64, salt int64) *order.SignedOrder {
	t.Helper()
	o := &order.Order{
		MakerAddress:          maker.Address(),
		FeeRecipientAddress:   relayer,
		MakerAssetAmount:      e18(makerAmt),
		TakerAssetAmount:      e18(takerAmt),
		MakerFee:              new(big.Int),
		TakerFee:              new(big.Int),
		ExpirationTimeSeconds: big.NewInt(s.clock.Now().Add(time.Hour).Unix()),
		Salt:                  big.NewInt(salt),
		MakerAssetData:        assetdata.ERC20(makerAsset).MustEncode(),
		TakerAssetData:        assetdata.ERC20(takerAsset).MustEncode(),
	}
	signed, err := s.ex.Hasher().Sign(maker, o)
	require.NoError(t, err)
	return signed
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	var body map[string]string
	require.Equal(t, http.StatusOK, s.get(t, "/health", &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, exchangeAddr.Hex(), body["exchange"])
}

func TestFaucetAndBalances(t *testing.T) {
	s := newTestServer(t)
	alice := common.HexToAddress("0x1111111111111111111111111111111111111111")

	var credited FaucetResponse
	require.Equal(t, http.StatusOK, s.post(t, "/api/v1/faucet", FaucetRequest{Address: alice.Hex(), Symbol: "weth", Amount: "1.5"}, &credited))
	assert.Equal(t, "1500000000000000000", credited.Amount)

	var minted FaucetResponse
	require.Equal(t, http.StatusOK, s.post(t, "/api/v1/faucet", FaucetRequest{Address: alice.Hex(), Symbol: "KITTY", TokenID: "7"}, &minted))
	assert.Equal(t, "minted", minted.Status)

	var dup ErrorResponse
	assert.Equal(t, http.StatusConflict, s.post(t, "/api/v1/faucet", FaucetRequest{Address: alice.Hex(), Symbol: "KITTY", TokenID: "7"}, &dup))
	assert.Equal(t, http.StatusBadRequest, s.post(t, "/api/v1/faucet", FaucetRequest{Address: alice.Hex(), Symbol: "WETH", Amount: "0.0000000000000000001"}, nil))
	assert.Equal(t, http.StatusNotFound, s.post(t, "/api/v1/faucet", FaucetRequest{Address: alice.Hex(), Symbol: "NOPE", Amount: "1"}, nil))

	var balances BalancesResponse
	require.Equal(t, http.StatusOK, s.get(t, "/api/v1/balances/"+alice.Hex(), &balances))
	bySymbol := make(map[string]TokenBalance)
	for _, b := range balances.Balances {
		bySymbol[b.Symbol] = b
	}
	assert.Equal(t, "1500000000000000000", bySymbol["WETH"].Amount)
	assert.Equal(t, "1.5 WETH", bySymbol["WETH"].Display)
	assert.Equal(t, "0", bySymbol["DAI"].Amount)
	assert.Equal(t, []string{"7"}, bySymbol["KITTY"].IDs)

	assert.Equal(t, http.StatusBadRequest, s.get(t, "/api/v1/balances/not-an-address", nil))
}

func TestOrderHash(t *testing.T) {
	s := newTestServer(t)
	maker, err := crypto.FromSeed("alice")
	require.NoError(t, err)
	o := s.sign(t, maker, weth, 5, dai, 10, 1)
	want, err := s.ex.Hasher().HashOrder(&o.Order)
	require.NoError(t, err)

	var resp OrderHashResponse
	require.Equal(t, http.StatusOK, s.post(t, "/api/v1/orders/hash", o, &resp))
	assert.Equal(t, want, resp.Hash)
	assert.Equal(t, "FILLABLE", resp.Status)
	assert.Equal(t, "0", resp.TakerAssetFilledAmount)
	require.NotNil(t, resp.SignatureValid)
	assert.True(t, *resp.SignatureValid)

	o.Signature[5] ^= 0xff
	require.Equal(t, http.StatusOK, s.post(t, "/api/v1/orders/hash", o, &resp))
	require.NotNil(t, resp.SignatureValid)
	assert.False(t, *resp.SignatureValid)
}

func TestMatchVerifiesAndBroadcasts(t *testing.T) {
	s := newTestServer(t)
	alice, err := crypto.FromSeed("alice")
	require.NoError(t, err)
	bob, err := crypto.FromSeed("bob")
	require.NoError(t, err)
	carol, err := crypto.FromSeed("carol")
	require.NoError(t, err)
	require.NoError(t, s.ex.Deposit(alice.Address(), weth, e18(10)))
	require.NoError(t, s.ex.Deposit(bob.Address(), dai, e18(10)))

	wsURL := "ws" + strings.TrimPrefix(s.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{ChannelReports}}))
	require.Eventually(t, func() bool { return s.srv.hub.subscribers(ChannelReports) == 1 }, 2*time.Second, 10*time.Millisecond)

	left := s.sign(t, alice, weth, 5, dai, 10, 1)
	right := s.sign(t, bob, dai, 10, weth, 2, 2)
	req := MatchRequest{Name: "api-cross", Left: *left, Right: *right, Taker: carol.Address()}

	var resp MatchResponse
	require.Equal(t, http.StatusOK, s.post(t, "/api/v1/match", req, &resp))
	require.True(t, resp.Passed, resp.Error)
	require.NotNil(t, resp.Report)
	assert.Equal(t, "api-cross", resp.Report.Name)
	assert.Equal(t, e18(3).String(), resp.Report.Transfers.AmountReceivedByTaker.String())
	assert.Equal(t, resp.Report.ExpectedDigest, resp.Report.ActualDigest)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var update ReportUpdate
	require.NoError(t, conn.ReadJSON(&update))
	assert.Equal(t, "report", update.Type)
	assert.Equal(t, resp.Report.ID, update.Report.ID)

	// unstated priors mean zero, which no longer holds
	var stale MatchResponse
	require.Equal(t, http.StatusConflict, s.post(t, "/api/v1/match", req, &stale))
	assert.Contains(t, stale.Error, settlement.ErrPriorFilledMismatch.Error())
	assert.Nil(t, stale.Report)

	req.PriorFilledLeft, req.PriorFilledRight = e18(10), e18(2)
	var again MatchResponse
	require.Equal(t, http.StatusUnprocessableEntity, s.post(t, "/api/v1/match", req, &again))
	assert.Equal(t, exchange.ReasonOrderUnfillable, again.Reason)
	assert.Nil(t, again.Report)

	var reports []*settlement.Report
	require.Equal(t, http.StatusOK, s.get(t, "/api/v1/reports?limit=10", &reports))
	require.Len(t, reports, 1)
	assert.Equal(t, resp.Report.ID, reports[0].ID)
}

func TestMatchRejectsWrongPriorFilled(t *testing.T) {
	s := newTestServer(t)
	alice, _ := crypto.FromSeed("alice")
	bob, _ := crypto.FromSeed("bob")
	carol, _ := crypto.FromSeed("carol")

	req := MatchRequest{
		Left:             *s.sign(t, alice, weth, 5, dai, 10, 1),
		Right:            *s.sign(t, bob, dai, 10, weth, 2, 2),
		Taker:            carol.Address(),
		PriorFilledLeft:  big.NewInt(1),
		PriorFilledRight: big.NewInt(0),
	}
	var resp MatchResponse
	assert.Equal(t, http.StatusConflict, s.post(t, "/api/v1/match", req, &resp))
	assert.Contains(t, resp.Error, settlement.ErrPriorFilledMismatch.Error())
}

func TestMarketSellVerifies(t *testing.T) {
	s := newTestServer(t)
	alice, _ := crypto.FromSeed("alice")
	bob, _ := crypto.FromSeed("bob")
	carol, _ := crypto.FromSeed("carol")
	require.NoError(t, s.ex.Deposit(alice.Address(), weth, e18(10)))
	require.NoError(t, s.ex.Deposit(bob.Address(), weth, e18(10)))
	require.NoError(t, s.ex.Deposit(carol.Address(), dai, e18(30)))

	req := MarketSellRequest{
		Name: "api-sell",
		Orders: []order.SignedOrder{
			*s.sign(t, alice, weth, 5, dai, 10, 1),
			*s.sign(t, bob, weth, 4, dai, 10, 2),
		},
		Taker:                carol.Address(),
		TakerAssetFillAmount: e18(15),
	}
	var resp MatchResponse
	require.Equal(t, http.StatusOK, s.post(t, "/api/v1/market-sell", req, &resp))
	require.True(t, resp.Passed, resp.Error)
	require.NotNil(t, resp.Report.Sale)
	require.Len(t, resp.Report.Sale.Fills, 2)
	assert.Equal(t, e18(7).String(), resp.Report.Sale.Total.MakerAssetFilledAmount.String())

	// the first order is now filled; without priors the request is stale
	var stale MatchResponse
	require.Equal(t, http.StatusConflict, s.post(t, "/api/v1/market-sell", req, &stale))

	req.PriorFilled = []*big.Int{e18(10), e18(5)}
	req.TakerAssetFillAmount = e18(5)
	var again MatchResponse
	require.Equal(t, http.StatusUnprocessableEntity, s.post(t, "/api/v1/market-sell", req, &again))
	assert.Equal(t, exchange.ReasonOrderUnfillable, again.Reason)

	var bad MatchResponse
	assert.Equal(t, http.StatusBadRequest, s.post(t, "/api/v1/market-sell", MarketSellRequest{Taker: carol.Address()}, &bad))
}

func TestReportsLimitValidation(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusBadRequest, s.get(t, "/api/v1/reports?limit=-1", nil))

	var reports []*settlement.Report
	require.Equal(t, http.StatusOK, s.get(t, "/api/v1/reports", &reports))
	assert.Empty(t, reports)
}
