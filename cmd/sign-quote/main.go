// sign-quote produces signed price quotes and order grants for manual
// testing against a running node. With no key supplied it generates one.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/openlev/leverd/params"
	"github.com/openlev/leverd/pkg/crypto"
)

func main() {
	var (
		keyHex    = flag.String("key", "", "hex private key (empty = generate)")
		chainID   = flag.Int64("chain-id", 1337, "EIP-712 chain id")
		contract  = flag.String("contract", params.Default().Engine.ContractIdentity, "EIP-712 verifying contract")
		symbol    = flag.String("symbol", "BTC-USD", "asset symbol")
		priceStr  = flag.String("price", "50000", "quote price in USD")
		grantMode = flag.Bool("grant", false, "sign an order grant instead of a quote")

		// grant fields
		kind       = flag.Uint("kind", 1, "order kind: 1=limit open, 2=limit close, 3=stop loss")
		long       = flag.Bool("long", true, "long side")
		collateral = flag.String("collateral", "1000", "collateral in USD")
		leverage   = flag.Int64("leverage", 10, "leverage")
		trigger    = flag.String("trigger", "50000", "trigger price in USD")
		positionID = flag.Uint64("position", 0, "position id for close/stop orders")
		maxFee     = flag.String("max-fee", "1", "max execution fee in USD")
		nonce      = flag.Uint64("nonce", 0, "account nonce")
		ttl        = flag.Duration("ttl", 24*time.Hour, "grant validity")
	)
	flag.Parse()

	signer := loadOrGenerate(*keyHex)
	fmt.Printf("Address: %s\n", signer.Address().Hex())
	if *keyHex == "" {
		fmt.Printf("Private Key: %s (KEEP SECRET!)\n", signer.PrivateKeyHex())
	}
	fmt.Println()

	typed := crypto.NewTypedSigner(crypto.NewDomain(*chainID, common.HexToAddress(*contract)))

	if *grantMode {
		signGrant(typed, signer, grantArgs{
			kind: uint8(*kind), symbol: *symbol, long: *long,
			collateral: mustUSD(*collateral), leverage: *leverage,
			trigger: mustPrice(*trigger), positionID: *positionID,
			maxFee: mustUSD(*maxFee), nonce: *nonce, ttl: *ttl,
		})
		return
	}

	now := time.Now().Unix()
	q := &crypto.QuoteMessage{
		Symbol:    *symbol,
		Price:     big.NewInt(mustPrice(*priceStr)),
		Timestamp: big.NewInt(now),
	}
	sig, err := typed.SignQuote(signer, q)
	if err != nil {
		fatal("sign quote: %v", err)
	}

	payload := map[string]any{
		"symbol":    *symbol,
		"price":     *priceStr,
		"timestamp": now,
		"signature": fmt.Sprintf("0x%x", sig),
	}
	out, _ := json.MarshalIndent(payload, "", "  ")
	fmt.Println("Signed Price Quote (JSON):")
	fmt.Println(string(out))
}

type grantArgs struct {
	kind       uint8
	symbol     string
	long       bool
	collateral int64
	leverage   int64
	trigger    int64
	positionID uint64
	maxFee     int64
	nonce      uint64
	ttl        time.Duration
}

func signGrant(typed *crypto.TypedSigner, signer *crypto.Signer, a grantArgs) {
	expiresAt := time.Now().Add(a.ttl).Unix()
	g := &crypto.OrderGrant{
		Owner:           signer.Address(),
		Kind:            a.kind,
		Symbol:          a.symbol,
		Long:            a.long,
		Collateral:      big.NewInt(a.collateral),
		Leverage:        big.NewInt(a.leverage),
		TriggerPrice:    big.NewInt(a.trigger),
		PositionID:      new(big.Int).SetUint64(a.positionID),
		MaxExecutionFee: big.NewInt(a.maxFee),
		Nonce:           new(big.Int).SetUint64(a.nonce),
		ExpiresAt:       big.NewInt(expiresAt),
	}
	sig, err := typed.SignOrderGrant(signer, g)
	if err != nil {
		fatal("sign grant: %v", err)
	}

	// Verify round-trip before printing
	recovered, err := typed.RecoverOrderGrantSigner(g, sig)
	if err != nil || recovered != signer.Address() {
		fatal("grant signature does not recover to signer")
	}

	payload := map[string]any{
		"owner":             signer.Address().Hex(),
		"kind":              a.kind,
		"symbol":            a.symbol,
		"long":              a.long,
		"collateral":        decimal.New(a.collateral, -6).String(),
		"leverage":          a.leverage,
		"trigger_price":     decimal.New(a.trigger, -8).String(),
		"position_id":       a.positionID,
		"max_execution_fee": decimal.New(a.maxFee, -6).String(),
		"nonce":             a.nonce,
		"expires_at":        expiresAt,
		"signature":         fmt.Sprintf("0x%x", sig),
	}
	out, _ := json.MarshalIndent(payload, "", "  ")
	fmt.Println("Signed Order Grant (JSON):")
	fmt.Println(string(out))
}

func loadOrGenerate(keyHex string) *crypto.Signer {
	if keyHex == "" {
		s, err := crypto.GenerateKey()
		if err != nil {
			fatal("generate key: %v", err)
		}
		return s
	}
	s, err := crypto.FromPrivateKeyHex(keyHex)
	if err != nil {
		fatal("parse key: %v", err)
	}
	return s
}

func mustUSD(s string) int64 {
	d, err := decimal.NewFromString(s)
	if err != nil {
		fatal("invalid amount %q: %v", s, err)
	}
	return d.Shift(6).IntPart()
}

func mustPrice(s string) int64 {
	d, err := decimal.NewFromString(s)
	if err != nil {
		fatal("invalid price %q: %v", s, err)
	}
	return d.Shift(8).IntPart()
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
