package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/settlesim/params"
	"github.com/uhyunpark/settlesim/pkg/api"
	"github.com/uhyunpark/settlesim/pkg/assetdata"
	"github.com/uhyunpark/settlesim/pkg/exchange"
	"github.com/uhyunpark/settlesim/pkg/storage"
	"github.com/uhyunpark/settlesim/pkg/util"
)

// Devnet token contracts. ZRX sits at the configured fee token address.
var (
	wethAddress  = common.HexToAddress("0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2")
	daiAddress   = common.HexToAddress("0x6b175474e89094c44da98b954eedeac495271d0f")
	kittyAddress = common.HexToAddress("0x06012c8cf97bead5deae237070f9587f8e7a266d")
)

func main() {
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	if !cfg.Devnet() {
		sugar.Warnw("rpc_url_ignored", "rpc_url", cfg.Exchange.RPCURL)
	}

	registry := assetdata.NewRegistry()
	for _, tok := range []*assetdata.Token{
		{Symbol: "WETH", Address: wethAddress, Kind: assetdata.Fungible, Decimals: 18},
		{Symbol: "DAI", Address: daiAddress, Kind: assetdata.Fungible, Decimals: 18},
		{Symbol: "ZRX", Address: cfg.Exchange.FeeToken, Kind: assetdata.Fungible, Decimals: 18},
		{Symbol: "KITTY", Address: kittyAddress, Kind: assetdata.NonFungible},
	} {
		if err := registry.RegisterToken(tok); err != nil {
			sugar.Fatalw("register_token_failed", "symbol", tok.Symbol, "err", err)
		}
	}

	if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		sugar.Fatalw("data_dir_failed", "dir", cfg.Node.DataDir, "err", err)
	}
	store, err := storage.NewPebbleStore(filepath.Join(cfg.Node.DataDir, "store"))
	if err != nil {
		sugar.Fatalw("store_open_failed", "err", err)
	}
	defer store.Close()

	ex := exchange.New(cfg.Exchange.Address, cfg.Exchange.FeeToken, exchange.WithLogger(logger))

	server, err := api.NewServer(api.Config{
		Exchange: ex,
		Registry: registry,
		Store:    store,
		Run:      "devnet",
		Logger:   logger,
	})
	if err != nil {
		sugar.Fatalw("api_init_failed", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sugar.Infow("devnet_starting",
		"exchange", cfg.Exchange.Address.Hex(),
		"fee_token", cfg.Exchange.FeeToken.Hex(),
		"tokens", registry.Count(),
		"data_dir", cfg.Node.DataDir)

	if err := server.Start(ctx, cfg.Node.APIAddr); err != nil {
		sugar.Errorw("api_server_failed", "err", err)
	}
	sugar.Info("devnet_stopped")
}
