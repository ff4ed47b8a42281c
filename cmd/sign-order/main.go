package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/uhyunpark/settlesim/params"
	"github.com/uhyunpark/settlesim/pkg/assetdata"
	"github.com/uhyunpark/settlesim/pkg/crypto"
	"github.com/uhyunpark/settlesim/pkg/order"
)

type orderFlags struct {
	key          string
	exchange     string
	makerAsset   string
	makerAmount  string
	takerAsset   string
	takerAmount  string
	makerFee     string
	takerFee     string
	feeRecipient string
	taker        string
	sender       string
	expiresIn    time.Duration
	typedData    bool
}

func main() {
	var f orderFlags

	cmd := &cobra.Command{
		Use:          "sign-order",
		Short:        "Build and sign an exchange order with EIP-712",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.key, "key", "", "maker private key (hex); a fresh key is generated when empty")
	fl.StringVar(&f.exchange, "exchange", params.DefaultExchangeAddress.Hex(), "exchange address the order is bound to")
	fl.StringVar(&f.makerAsset, "maker-asset", "", "maker token address, or address#id for an ERC721")
	fl.StringVar(&f.makerAmount, "maker-amount", "", "maker asset amount in base units")
	fl.StringVar(&f.takerAsset, "taker-asset", "", "taker token address, or address#id for an ERC721")
	fl.StringVar(&f.takerAmount, "taker-amount", "", "taker asset amount in base units")
	fl.StringVar(&f.makerFee, "maker-fee", "0", "maker fee in fee token base units")
	fl.StringVar(&f.takerFee, "taker-fee", "0", "taker fee in fee token base units")
	fl.StringVar(&f.feeRecipient, "fee-recipient", "", "fee recipient address")
	fl.StringVar(&f.taker, "taker", "", "restrict the order to this taker")
	fl.StringVar(&f.sender, "sender", "", "restrict the order to this sender")
	fl.DurationVar(&f.expiresIn, "expires-in", 24*time.Hour, "time until expiry")
	fl.BoolVar(&f.typedData, "typed-data", false, "also print the eth_signTypedData_v4 payload")
	for _, name := range []string{"maker-asset", "maker-amount", "taker-asset", "taker-amount"} {
		cmd.MarkFlagRequired(name)
	}

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, f orderFlags) error {
	out := cmd.OutOrStdout()

	var (
		signer *crypto.Signer
		err    error
	)
	if f.key == "" {
		signer, err = crypto.GenerateKey()
		if err == nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "generated maker %s key %s\n", signer.Address().Hex(), signer.PrivateKeyHex())
		}
	} else {
		signer, err = crypto.FromPrivateKeyHex(f.key)
	}
	if err != nil {
		return fmt.Errorf("maker key: %w", err)
	}

	exchangeAddr, err := parseAddress("exchange", f.exchange)
	if err != nil {
		return err
	}
	o, err := buildOrder(f, signer.Address(), time.Now())
	if err != nil {
		return err
	}

	hasher := crypto.NewEIP712Signer(crypto.ExchangeDomain(exchangeAddr))
	signed, err := hasher.Sign(signer, o)
	if err != nil {
		return err
	}
	ok, err := hasher.VerifyOrderSignature(&signed.Order, signed.Signature)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("signature does not recover to the maker")
	}
	hash, err := hasher.HashOrder(&signed.Order)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "order hash %s\n", hash.Hex())

	if f.typedData {
		td, err := hasher.OrderToJSON(&signed.Order)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.ErrOrStderr(), td)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(signed)
}

func buildOrder(f orderFlags, maker common.Address, now time.Time) (*order.Order, error) {
	makerAsset, err := parseAsset(f.makerAsset)
	if err != nil {
		return nil, fmt.Errorf("maker asset: %w", err)
	}
	takerAsset, err := parseAsset(f.takerAsset)
	if err != nil {
		return nil, fmt.Errorf("taker asset: %w", err)
	}
	amounts := make([]*big.Int, 4)
	for i, s := range []string{f.makerAmount, f.takerAmount, f.makerFee, f.takerFee} {
		v, ok := new(big.Int).SetString(s, 10)
		if !ok || v.Sign() < 0 {
			return nil, fmt.Errorf("invalid amount %q", s)
		}
		amounts[i] = v
	}
	salt, err := crypto.GenerateSalt()
	if err != nil {
		return nil, err
	}

	o := &order.Order{
		MakerAddress:          maker,
		MakerAssetAmount:      amounts[0],
		TakerAssetAmount:      amounts[1],
		MakerFee:              amounts[2],
		TakerFee:              amounts[3],
		ExpirationTimeSeconds: big.NewInt(now.Add(f.expiresIn).Unix()),
		Salt:                  salt,
	}
	for _, a := range []struct {
		name, value string
		dst         *common.Address
	}{
		{"fee-recipient", f.feeRecipient, &o.FeeRecipientAddress},
		{"taker", f.taker, &o.TakerAddress},
		{"sender", f.sender, &o.SenderAddress},
	} {
		if a.value == "" {
			continue
		}
		if *a.dst, err = parseAddress(a.name, a.value); err != nil {
			return nil, err
		}
	}
	if o.MakerAssetData, err = makerAsset.Encode(); err != nil {
		return nil, err
	}
	if o.TakerAssetData, err = takerAsset.Encode(); err != nil {
		return nil, err
	}
	return o, nil
}

func parseAddress(name, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", name, s)
	}
	return common.HexToAddress(s), nil
}

func parseAsset(s string) (assetdata.Data, error) {
	addr, id, nft := strings.Cut(s, "#")
	token, err := parseAddress("token", addr)
	if err != nil {
		return assetdata.Data{}, err
	}
	if !nft {
		return assetdata.ERC20(token), nil
	}
	v, ok := new(big.Int).SetString(id, 10)
	if !ok || v.Sign() < 0 {
		return assetdata.Data{}, fmt.Errorf("invalid token id %q", id)
	}
	return assetdata.ERC721(token, v), nil
}
