// sign-order is a developer tool: it signs an order with EIP-712 and prints
// the JSON body ready for POST /api/v1/orders.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/obdex/obdex/pkg/core"
	obcrypto "github.com/obdex/obdex/pkg/crypto"
)

func main() {
	var (
		keyHex     = flag.String("key", "", "signer private key hex (generated if empty)")
		pair       = flag.String("pair", "WETH-USDC", "trading pair symbol")
		baseToken  = flag.String("base", "0x0000000000000000000000000000000000000001", "base token address")
		quoteToken = flag.String("quote", "0x0000000000000000000000000000000000000002", "quote token address")
		side       = flag.String("side", "BUY", "BUY or SELL")
		kind       = flag.String("type", "LIMIT", "LIMIT, MARKET, STOP_LOSS or TAKE_PROFIT")
		price      = flag.String("price", "2000", "limit price")
		amount     = flag.String("amount", "1", "base amount")
		nonce      = flag.Uint64("nonce", 1, "user nonce, must exceed previous")
		ttl        = flag.Duration("ttl", 0, "expiry from now; 0 = good till cancelled")
		chainID    = flag.Int64("chain-id", 1337, "settlement chain id")
		contract   = flag.String("contract", "", "settlement contract address")
	)
	flag.Parse()

	signer, err := loadSigner(*keyHex)
	if err != nil {
		fatal("key: %v", err)
	}

	orderSide, err := core.ParseSide(*side)
	if err != nil {
		fatal("%v", err)
	}
	orderKind, err := core.ParseKind(*kind)
	if err != nil {
		fatal("%v", err)
	}
	p, err := decimal.NewFromString(*price)
	if err != nil {
		fatal("price: %v", err)
	}
	a, err := decimal.NewFromString(*amount)
	if err != nil {
		fatal("amount: %v", err)
	}

	var expiresAt time.Time
	var expiresUnix int64
	if *ttl > 0 {
		expiresAt = time.Now().Add(*ttl)
		expiresUnix = expiresAt.Unix()
	}

	order := &core.Order{
		User:       signer.Address(),
		Pair:       *pair,
		BaseToken:  common.HexToAddress(*baseToken),
		QuoteToken: common.HexToAddress(*quoteToken),
		Side:       orderSide,
		Kind:       orderKind,
		Price:      p,
		Amount:     a,
		ExpiresAt:  expiresAt,
		Nonce:      *nonce,
	}

	verifier := obcrypto.NewOrderVerifier(
		obcrypto.DefaultDomain(*chainID, common.HexToAddress(*contract)))
	sig, err := verifier.SignOrder(signer, order)
	if err != nil {
		fatal("sign: %v", err)
	}
	order.Signature = sig

	hash, recovered, err := verifier.Verify(order, time.Now())
	if err != nil {
		fatal("verify: %v", err)
	}
	if recovered != signer.Address() {
		fatal("verify: recovered %s, expected %s", recovered.Hex(), signer.Address().Hex())
	}

	fmt.Fprintf(os.Stderr, "signer:     %s\n", signer.Address().Hex())
	if *keyHex == "" {
		fmt.Fprintf(os.Stderr, "privateKey: %x  (generated, keep secret)\n",
			crypto.FromECDSA(signer.PrivateKey()))
	}
	fmt.Fprintf(os.Stderr, "order hash: %s\n\n", hash.Hex())

	body := map[string]interface{}{
		"user_address": signer.Address().Hex(),
		"trading_pair": *pair,
		"base_token":   common.HexToAddress(*baseToken).Hex(),
		"quote_token":  common.HexToAddress(*quoteToken).Hex(),
		"side":         orderSide.String(),
		"order_type":   orderKind.String(),
		"price":        p.String(),
		"amount":       a.String(),
		"expires_at":   expiresUnix,
		"nonce":        *nonce,
		"signature":    fmt.Sprintf("0x%x", sig),
	}
	out, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		fatal("marshal: %v", err)
	}
	fmt.Println(string(out))
}

func loadSigner(keyHex string) (*obcrypto.Signer, error) {
	if keyHex == "" {
		return obcrypto.GenerateKey()
	}
	return obcrypto.FromPrivateKeyHex(keyHex)
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "sign-order: "+format+"\n", args...)
	os.Exit(1)
}
