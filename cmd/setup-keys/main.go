// Command setup-keys derives Polymarket CLOB API credentials from a wallet
// private key and prints them as shell exports.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	polymarket "github.com/GoPolymarket/polymarket-go-sdk"
	"github.com/GoPolymarket/polymarket-go-sdk/pkg/auth"
	"github.com/joho/godotenv"

	pmgateway "github.com/plutusfin/plutus/internal/gateway/polymarket"
)

func main() {
	_ = godotenv.Load(".env")
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	pk := strings.TrimSpace(os.Getenv("POLYMARKET_PK"))
	if pk == "" {
		logger.Error("POLYMARKET_PK is not set (wallet private key)")
		os.Exit(2)
	}

	signer, err := auth.NewPrivateKeySigner(pk, pmgateway.PolygonChainID)
	if err != nil {
		logger.Error("invalid private key", "error", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	clobClient := polymarket.NewClient().CLOB.WithAuth(signer, nil)
	resp, err := clobClient.CreateOrDeriveAPIKey(ctx)
	if err != nil {
		logger.Error("create or derive API key", "error", err)
		os.Exit(1)
	}

	fmt.Println("# Polymarket CLOB credentials")
	fmt.Printf("export POLYMARKET_API_KEY=%q\n", resp.APIKey)
	fmt.Printf("export POLYMARKET_API_SECRET=%q\n", resp.Secret)
	fmt.Printf("export POLYMARKET_API_PASSPHRASE=%q\n", resp.Passphrase)
	fmt.Println()
	fmt.Println("# Add these and POLYMARKET_PK to .env, then run: plutus -gateway polymarket")
}
