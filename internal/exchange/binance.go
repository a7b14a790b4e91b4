package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/model"
)

const (
	DefaultSpotURL    = "https://api.binance.com"
	DefaultFuturesURL = "https://fapi.binance.com"
	DefaultRecvWindow = 5000

	transferSpotToFutures = 1
	transferFuturesToSpot = 2
)

// APIError is a request Binance received and rejected.
type APIError struct {
	Method string `json:"-"`
	Path   string `json:"-"`
	Status int    `json:"-"`
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance %s %s: status %d code %d: %s", e.Method, e.Path, e.Status, e.Code, e.Msg)
}

// Transient reports whether the response says the exchange could not serve
// the call rather than rejecting it: server errors, bad credentials and
// rate limiting (429, and 418 once Binance bans the IP).
func (e *APIError) Transient() bool {
	switch e.Status {
	case http.StatusUnauthorized, http.StatusTeapot, http.StatusTooManyRequests:
		return true
	}
	return e.Status >= http.StatusInternalServerError
}

// BinanceClient talks to the Binance spot, simple-earn and USD-M futures
// REST APIs with HMAC-SHA256 signed requests.
type BinanceClient struct {
	APIKey         string
	APISecret      string
	SpotURL        string
	FuturesURL     string
	RecvWindow     int64
	FuturesEnabled bool
	Client         *http.Client
}

func NewBinanceClient(apiKey, apiSecret, spotURL, futuresURL string, futuresEnabled bool, client *http.Client) *BinanceClient {
	if spotURL == "" {
		spotURL = DefaultSpotURL
	}
	if futuresURL == "" {
		futuresURL = DefaultFuturesURL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &BinanceClient{
		APIKey:         apiKey,
		APISecret:      apiSecret,
		SpotURL:        strings.TrimRight(spotURL, "/"),
		FuturesURL:     strings.TrimRight(futuresURL, "/"),
		RecvWindow:     DefaultRecvWindow,
		FuturesEnabled: futuresEnabled,
		Client:         client,
	}
}

func (b *BinanceClient) Name() string { return "binance" }

func (b *BinanceClient) sign(q url.Values) string {
	mac := hmac.New(sha256.New, []byte(b.APISecret))
	_, _ = io.WriteString(mac, q.Encode())
	return hex.EncodeToString(mac.Sum(nil))
}

// do sends a signed request and decodes the JSON body into out.
func (b *BinanceClient) do(ctx context.Context, method, base, path string, q url.Values, out any) error {
	if q == nil {
		q = url.Values{}
	}
	q.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	if b.RecvWindow > 0 {
		q.Set("recvWindow", strconv.FormatInt(b.RecvWindow, 10))
	}
	q.Set("signature", b.sign(q))

	var (
		req *http.Request
		err error
	)
	if method == http.MethodGet {
		req, err = http.NewRequestWithContext(ctx, method, base+path+"?"+q.Encode(), nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, base+path, strings.NewReader(q.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("X-MBX-APIKEY", b.APIKey)

	resp, err := b.Client.Do(req)
	if err != nil {
		return fmt.Errorf("binance %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response %s: %w", path, err)
	}
	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{Method: method, Path: path, Status: resp.StatusCode}
		if json.Unmarshal(body, apiErr) != nil || apiErr.Msg == "" {
			apiErr.Msg = strings.TrimSpace(string(body))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response %s: %w", path, err)
	}
	return nil
}

type userAsset struct {
	Asset string          `json:"asset"`
	Free  decimal.Decimal `json:"free"`
}

type flexiblePositions struct {
	Rows []struct {
		Asset       string          `json:"asset"`
		TotalAmount decimal.Decimal `json:"totalAmount"`
	} `json:"rows"`
	Total int `json:"total"`
}

type futuresBalance struct {
	Asset            string          `json:"asset"`
	Balance          decimal.Decimal `json:"balance"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
}

func (b *BinanceClient) spotFree(ctx context.Context, asset string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("asset", asset)
	var assets []userAsset
	if err := b.do(ctx, http.MethodPost, b.SpotURL, "/sapi/v3/asset/getUserAsset", q, &assets); err != nil {
		return decimal.Zero, err
	}
	for _, a := range assets {
		if a.Asset == asset {
			return a.Free, nil
		}
	}
	return decimal.Zero, nil
}

func (b *BinanceClient) savings(ctx context.Context, asset string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("asset", asset)
	q.Set("current", "1")
	q.Set("size", "100")
	var pos flexiblePositions
	if err := b.do(ctx, http.MethodGet, b.SpotURL, "/sapi/v1/simple-earn/flexible/position", q, &pos); err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, row := range pos.Rows {
		if row.Asset == asset {
			total = total.Add(row.TotalAmount)
		}
	}
	return total, nil
}

func (b *BinanceClient) futures(ctx context.Context, asset string) (full, free decimal.Decimal, err error) {
	var balances []futuresBalance
	if err := b.do(ctx, http.MethodGet, b.FuturesURL, "/fapi/v2/balance", nil, &balances); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	for _, fb := range balances {
		if fb.Asset == asset {
			return fb.Balance, fb.AvailableBalance, nil
		}
	}
	return decimal.Zero, decimal.Zero, nil
}

func (b *BinanceClient) Balances(ctx context.Context, asset string) (model.BalanceSnapshot, error) {
	snap := model.BalanceSnapshot{Asset: asset}

	spot, err := b.spotFree(ctx, asset)
	if err != nil {
		return snap, fmt.Errorf("spot balance: %w", err)
	}
	savings, err := b.savings(ctx, asset)
	if err != nil {
		return snap, fmt.Errorf("savings position: %w", err)
	}
	snap.SpotFree = spot
	snap.SavingsAmount = savings

	if b.FuturesEnabled {
		full, free, err := b.futures(ctx, asset)
		if err != nil {
			return snap, fmt.Errorf("futures balance: %w", err)
		}
		snap.FuturesFull = full
		snap.FuturesFree = free
	}
	snap.FetchedAt = time.Now()
	return snap, nil
}

func productID(asset string) string {
	return asset + "001"
}

func (b *BinanceClient) SubscribeSavings(ctx context.Context, asset string, amount decimal.Decimal) error {
	q := url.Values{}
	q.Set("productId", productID(asset))
	q.Set("amount", amount.String())
	return b.do(ctx, http.MethodPost, b.SpotURL, "/sapi/v1/simple-earn/flexible/subscribe", q, nil)
}

func (b *BinanceClient) RedeemSavings(ctx context.Context, asset string, amount decimal.Decimal) error {
	q := url.Values{}
	q.Set("productId", productID(asset))
	q.Set("amount", amount.String())
	return b.do(ctx, http.MethodPost, b.SpotURL, "/sapi/v1/simple-earn/flexible/redeem", q, nil)
}

func (b *BinanceClient) transfer(ctx context.Context, asset string, amount decimal.Decimal, kind int) error {
	q := url.Values{}
	q.Set("asset", asset)
	q.Set("amount", amount.String())
	q.Set("type", strconv.Itoa(kind))
	return b.do(ctx, http.MethodPost, b.SpotURL, "/sapi/v1/futures/transfer", q, nil)
}

func (b *BinanceClient) TransferToFutures(ctx context.Context, asset string, amount decimal.Decimal) error {
	return b.transfer(ctx, asset, amount, transferSpotToFutures)
}

func (b *BinanceClient) TransferToSpot(ctx context.Context, asset string, amount decimal.Decimal) error {
	return b.transfer(ctx, asset, amount, transferFuturesToSpot)
}
