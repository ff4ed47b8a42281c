package params

import (
	"math/big"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Exchange describes the exchange deployment the verifier talks to.
// An empty RPCURL selects the in-memory devnet.
type Exchange struct {
	RPCURL         string
	Address        common.Address
	FeeToken       common.Address // token fees are paid in (ZRX on mainnet)
	ChainID        *big.Int
	PrivateKey     string // taker key used to submit matchOrders
	ReceiptTimeout time.Duration
}

type Node struct {
	DataDir  string
	LogFile  string
	LogLevel string
	APIAddr  string
}

type Config struct {
	Exchange Exchange
	Node     Node
}

// Devnet defaults. The addresses are arbitrary but stable so that order
// hashes and signatures are reproducible across runs.
var (
	DefaultExchangeAddress = common.HexToAddress("0x48bacb9266a570d521063ef5dd96e61686dbe788")
	DefaultFeeToken        = common.HexToAddress("0x871dd7c2b4b25e1aa18728e9d5f2af4c4e431f5c")
)

func Default() Config {
	return Config{
		Exchange: Exchange{
			Address:        DefaultExchangeAddress,
			FeeToken:       DefaultFeeToken,
			ChainID:        big.NewInt(1337),
			ReceiptTimeout: 30 * time.Second,
		},
		Node: Node{
			DataDir:  "./data",
			LogLevel: "info",
			APIAddr:  ":8080",
		},
	}
}

// Devnet reports whether the config points at the in-memory exchange.
func (c Config) Devnet() bool { return c.Exchange.RPCURL == "" }

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Exchange.RPCURL = getEnv("SETTLESIM_RPC_URL", cfg.Exchange.RPCURL)
	cfg.Exchange.PrivateKey = getEnv("SETTLESIM_PRIVATE_KEY", cfg.Exchange.PrivateKey)

	if addr := os.Getenv("SETTLESIM_EXCHANGE_ADDRESS"); common.IsHexAddress(addr) {
		cfg.Exchange.Address = common.HexToAddress(addr)
	}
	if addr := os.Getenv("SETTLESIM_FEE_TOKEN"); common.IsHexAddress(addr) {
		cfg.Exchange.FeeToken = common.HexToAddress(addr)
	}
	if id := os.Getenv("SETTLESIM_CHAIN_ID"); id != "" {
		if v, ok := new(big.Int).SetString(id, 10); ok {
			cfg.Exchange.ChainID = v
		}
	}
	if timeout := os.Getenv("SETTLESIM_RECEIPT_TIMEOUT_MS"); timeout != "" {
		if ms, err := strconv.Atoi(timeout); err == nil {
			cfg.Exchange.ReceiptTimeout = time.Duration(ms) * time.Millisecond
		}
	}

	cfg.Node.DataDir = getEnv("SETTLESIM_DATA_DIR", cfg.Node.DataDir)
	cfg.Node.LogFile = getEnv("SETTLESIM_LOG_FILE", cfg.Node.LogFile)
	cfg.Node.LogLevel = getEnv("SETTLESIM_LOG_LEVEL", cfg.Node.LogLevel)
	cfg.Node.APIAddr = getEnv("SETTLESIM_API_ADDR", cfg.Node.APIAddr)

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
