// Package polymarket submits orders to the Polymarket CLOB. The submission
// symbol is the outcome token id and the quantity is the USDC amount.
package polymarket

import (
	"context"
	"log/slog"
	"strings"

	polymarket "github.com/GoPolymarket/polymarket-go-sdk"
	"github.com/GoPolymarket/polymarket-go-sdk/pkg/auth"
	"github.com/GoPolymarket/polymarket-go-sdk/pkg/clob"
	"github.com/GoPolymarket/polymarket-go-sdk/pkg/clob/clobtypes"

	"github.com/plutusfin/plutus/internal/gateway"
)

// PolygonChainID is the chain the CLOB settles on.
const PolygonChainID = 137

type Credentials struct {
	PrivateKey string
	APIKey     string
	APISecret  string
	Passphrase string
}

// Client implements gateway.Gateway on top of an authenticated CLOB client.
type Client struct {
	clob   clob.Client
	signer auth.Signer
	logger *slog.Logger
}

var _ gateway.Gateway = (*Client)(nil)

func NewClient(clobClient clob.Client, signer auth.Signer, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{clob: clobClient, signer: signer, logger: logger}
}

// Dial builds an authenticated CLOB client from credentials.
func Dial(creds Credentials, logger *slog.Logger) (*Client, error) {
	signer, err := auth.NewPrivateKeySigner(strings.TrimSpace(creds.PrivateKey), PolygonChainID)
	if err != nil {
		return nil, err
	}
	apiKey := &auth.APIKey{
		Key:        creds.APIKey,
		Secret:     creds.APISecret,
		Passphrase: creds.Passphrase,
	}
	sdk := polymarket.NewClient()
	return NewClient(sdk.CLOB.WithAuth(signer, apiKey), signer, logger), nil
}

type orderParams struct {
	tokenID    string
	side       string
	amountUSDC float64
	price      float64
	limit      bool
}

func buildParams(sub gateway.Submission) (orderParams, error) {
	if err := sub.Validate(); err != nil {
		return orderParams{}, err
	}
	p := orderParams{
		tokenID:    strings.TrimSpace(sub.Symbol),
		side:       strings.ToUpper(sub.Side),
		amountUSDC: float64(sub.Quantity),
	}
	if sub.Type == gateway.OrderTypeLimit {
		price := sub.LimitPrice.InexactFloat64()
		if price <= 0 || price >= 1 {
			return orderParams{}, gateway.Rejected("limit price %s outside (0, 1)", sub.LimitPrice)
		}
		p.price = price
		p.limit = true
	}
	return p, nil
}

// Submit places a FAK market order, or a GTC limit order when a limit price
// is given.
func (c *Client) Submit(ctx context.Context, sub gateway.Submission) (gateway.Receipt, error) {
	p, err := buildParams(sub)
	if err != nil {
		return gateway.Receipt{}, err
	}
	if c.clob == nil || c.signer == nil {
		return gateway.Receipt{}, gateway.Rejected("polymarket client is not configured")
	}

	builder := clob.NewOrderBuilder(c.clob, c.signer).
		TokenID(p.tokenID).
		Side(p.side).
		AmountUSDC(p.amountUSDC)

	var resp clobtypes.OrderResponse
	if p.limit {
		signable, buildErr := builder.Price(p.price).OrderType(clobtypes.OrderTypeGTC).BuildSignableWithContext(ctx)
		if buildErr != nil {
			return gateway.Receipt{}, c.buildFailure(ctx, p, buildErr)
		}
		resp, err = c.clob.CreateOrderFromSignable(ctx, signable)
	} else {
		signable, buildErr := builder.OrderType(clobtypes.OrderTypeFAK).BuildMarketWithContext(ctx)
		if buildErr != nil {
			return gateway.Receipt{}, c.buildFailure(ctx, p, buildErr)
		}
		resp, err = c.clob.CreateOrderFromSignable(ctx, signable)
	}
	if err != nil {
		return gateway.Receipt{}, gateway.AsExecutionError(err)
	}
	if resp.ID == "" {
		return gateway.Receipt{}, gateway.Rejected("polymarket returned no order id (status %q)", resp.Status)
	}
	c.logger.Info("polymarket order placed",
		"order_id", resp.ID,
		"token_id", p.tokenID,
		"side", p.side,
		"amount_usdc", p.amountUSDC,
		"status", resp.Status,
	)
	return gateway.Receipt{ExternalOrderID: resp.ID, Status: strings.ToLower(resp.Status)}, nil
}

func (c *Client) buildFailure(ctx context.Context, p orderParams, err error) *gateway.ExecutionError {
	if ctx.Err() != nil {
		return gateway.AsExecutionError(ctx.Err())
	}
	return gateway.Rejected("build %s order for %s: %v", strings.ToLower(p.side), p.tokenID, err)
}
