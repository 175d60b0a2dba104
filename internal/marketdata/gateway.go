// Package marketdata is the typed facade over the paid market-data
// gateway. Each endpoint maps to an estimated cost and flows through
// the payment pipeline; cached responses bypass the pipeline entirely
// and spend nothing.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/mbd888/treasury-sentinel/internal/circuitbreaker"
	"github.com/mbd888/treasury-sentinel/internal/metrics"
	"github.com/mbd888/treasury-sentinel/internal/payment"
	"github.com/mbd888/treasury-sentinel/internal/riskmetrics"
	"github.com/mbd888/treasury-sentinel/internal/usdc"
)

// Endpoint names a purchasable data product.
type Endpoint string

const (
	SpotPrice      Endpoint = "spot_price"
	OHLCV          Endpoint = "ohlcv"
	VWAP           Endpoint = "vwap"
	Trades         Endpoint = "trades"
	OrderBook      Endpoint = "order_book"
	LiquidityDepth Endpoint = "liquidity_depth"
)

// endpointCosts is the estimated price per call in micro-USDC. The
// gateway's invoice is authoritative; this table feeds escalation
// budgeting before any request is made.
var endpointCosts = map[Endpoint]usdc.Micro{
	SpotPrice:      10_000,
	OHLCV:          20_000,
	VWAP:           20_000,
	Trades:         50_000,
	OrderBook:      100_000,
	LiquidityDepth: 250_000,
}

// endpointTTLs is the per-endpoint cache lifetime. Trades are never
// cached.
var endpointTTLs = map[Endpoint]time.Duration{
	SpotPrice:      60 * time.Second,
	OHLCV:          60 * time.Second,
	VWAP:           60 * time.Second,
	Trades:         0,
	OrderBook:      300 * time.Second,
	LiquidityDepth: 300 * time.Second,
}

// Cost returns the estimated cost of one endpoint call.
func Cost(e Endpoint) usdc.Micro { return endpointCosts[e] }

// Fetcher is the slice of the payment pipeline the gateway needs.
type Fetcher interface {
	Fetch(ctx context.Context, runID, endpoint, url string) (*payment.Result, error)
}

// Response is one gateway answer plus its provenance.
type Response struct {
	Endpoint  Endpoint
	Body      []byte
	Cached    bool
	Paid      bool
	PaymentID string
	// Cost is the spend committed against the budget for this call;
	// zero for cache hits and replayed invoices.
	Cost    usdc.Micro
	Receipt *payment.Receipt
}

// Gateway calls the paid upstream with caching and a circuit breaker.
type Gateway struct {
	baseURL  string
	pipeline Fetcher
	breaker  *circuitbreaker.Breaker
	cache    *ttlCache
	logger   *slog.Logger
}

// Config tunes the gateway.
type Config struct {
	BaseURL          string
	CacheCapacity    int           // default 256
	BreakerThreshold int           // consecutive failures before opening, default 5
	BreakerOpenFor   time.Duration // default 30s
}

// New creates a market-data gateway.
func New(cfg Config, pipeline Fetcher, logger *slog.Logger) *Gateway {
	return &Gateway{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		pipeline: pipeline,
		breaker:  circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerOpenFor),
		cache:    newTTLCache(cfg.CacheCapacity, nil),
		logger:   logger,
	}
}

// Fetch retrieves one endpoint, consulting the cache first. params are
// canonicalized (sorted) into both the request URL and the cache key.
func (g *Gateway) Fetch(ctx context.Context, runID string, endpoint Endpoint, params map[string]string) (*Response, error) {
	key := cacheKey(endpoint, params)

	if body, ok := g.cache.get(key); ok {
		metrics.MarketDataCacheTotal.WithLabelValues(string(endpoint), "hit").Inc()
		return &Response{Endpoint: endpoint, Body: body, Cached: true}, nil
	}
	metrics.MarketDataCacheTotal.WithLabelValues(string(endpoint), "miss").Inc()

	if !g.breaker.Allow(string(endpoint)) {
		return nil, fmt.Errorf("marketdata: %s circuit open", endpoint)
	}

	res, err := g.pipeline.Fetch(ctx, runID, string(endpoint), g.requestURL(endpoint, params))
	if err != nil {
		// Budget exhaustion is a local decision, not upstream health.
		if payment.KindOf(err) != payment.KindBudgetBlocked {
			g.breaker.RecordFailure(string(endpoint))
		}
		return nil, err
	}
	g.breaker.RecordSuccess(string(endpoint))

	g.cache.put(key, res.Body, endpointTTLs[endpoint])

	return &Response{
		Endpoint:  endpoint,
		Body:      res.Body,
		Paid:      res.Paid,
		PaymentID: res.PaymentID,
		Cost:      res.Cost,
		Receipt:   res.Receipt,
	}, nil
}

func (g *Gateway) requestURL(endpoint Endpoint, params map[string]string) string {
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	u := g.baseURL + "/v1/" + string(endpoint)
	if encoded := q.Encode(); encoded != "" {
		u += "?" + encoded
	}
	return u
}

// cacheKey canonicalizes the request tuple.
func cacheKey(endpoint Endpoint, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(string(endpoint))
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}

// SpotPriceData is the spot_price payload.
type SpotPriceData struct {
	Asset     string    `json:"asset"`
	PriceUSD  float64   `json:"price_usd"`
	Timestamp time.Time `json:"timestamp"`
}

// Candle is one OHLCV bar.
type Candle struct {
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	VolumeUSD float64   `json:"volume_usd"`
	Timestamp time.Time `json:"timestamp"`
}

// OHLCVData is the ohlcv payload.
type OHLCVData struct {
	Asset   string   `json:"asset"`
	Candles []Candle `json:"candles"`
}

// VWAPData is the vwap payload.
type VWAPData struct {
	Asset     string    `json:"asset"`
	VWAP      float64   `json:"vwap"`
	WindowEnd time.Time `json:"window_end"`
}

// Trade is one executed trade.
type Trade struct {
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Side      string    `json:"side"`
	Timestamp time.Time `json:"timestamp"`
}

// TradesData is the trades payload.
type TradesData struct {
	Asset  string  `json:"asset"`
	Trades []Trade `json:"trades"`
}

// DepthData is the liquidity_depth payload.
type DepthData struct {
	Asset string                  `json:"asset"`
	Bands []riskmetrics.DepthBand `json:"bands"`
}

// GetSpotPrice fetches and decodes spot_price for one asset.
func (g *Gateway) GetSpotPrice(ctx context.Context, runID, asset string) (*SpotPriceData, *Response, error) {
	return decode[SpotPriceData](g, ctx, runID, SpotPrice, map[string]string{"asset": asset})
}

// GetOHLCV fetches and decodes ohlcv bars for one asset.
func (g *Gateway) GetOHLCV(ctx context.Context, runID, asset, interval string) (*OHLCVData, *Response, error) {
	return decode[OHLCVData](g, ctx, runID, OHLCV, map[string]string{"asset": asset, "interval": interval})
}

// GetVWAP fetches and decodes vwap for one asset.
func (g *Gateway) GetVWAP(ctx context.Context, runID, asset string) (*VWAPData, *Response, error) {
	return decode[VWAPData](g, ctx, runID, VWAP, map[string]string{"asset": asset})
}

// GetTrades fetches recent trades; never served from cache.
func (g *Gateway) GetTrades(ctx context.Context, runID, asset string) (*TradesData, *Response, error) {
	return decode[TradesData](g, ctx, runID, Trades, map[string]string{"asset": asset})
}

// GetOrderBook fetches and decodes the order_book for one asset.
func (g *Gateway) GetOrderBook(ctx context.Context, runID, asset string) (*riskmetrics.OrderBook, *Response, error) {
	return decode[riskmetrics.OrderBook](g, ctx, runID, OrderBook, map[string]string{"asset": asset})
}

// GetLiquidityDepth fetches and decodes aggregated depth bands.
func (g *Gateway) GetLiquidityDepth(ctx context.Context, runID, asset string) (*DepthData, *Response, error) {
	return decode[DepthData](g, ctx, runID, LiquidityDepth, map[string]string{"asset": asset})
}

func decode[T any](g *Gateway, ctx context.Context, runID string, endpoint Endpoint, params map[string]string) (*T, *Response, error) {
	resp, err := g.Fetch(ctx, runID, endpoint, params)
	if err != nil {
		return nil, nil, err
	}
	var out T
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, resp, fmt.Errorf("marketdata: decode %s: %w", endpoint, err)
	}
	return &out, resp, nil
}
