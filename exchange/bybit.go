package exchange

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"

	"futuresagent/logger"
)

// BybitAdapter implements Adapter over Bybit USDT-margined linear futures
// ("category": "linear" throughout), proving the Adapter contract is
// venue-agnostic alongside BinanceAdapter.
type BybitAdapter struct {
	client *bybit.Client

	qtyStepMu    sync.RWMutex
	qtyStepCache map[string]float64
}

type refererRoundTripper struct {
	base     http.RoundTripper
	referer  string
}

func (h *refererRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("Referer", h.referer)
	return h.base.RoundTrip(req)
}

// NewBybitAdapter constructs an adapter authenticated with apiKey/secret.
func NewBybitAdapter(apiKey, secretKey string) *BybitAdapter {
	client := bybit.NewBybitHttpClient(apiKey, secretKey, bybit.WithBaseURL(bybit.MAINNET))
	if client != nil && client.HTTPClient != nil {
		base := client.HTTPClient.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		client.HTTPClient.Transport = &refererRoundTripper{base: base, referer: "Up000938"}
	}
	return &BybitAdapter{client: client, qtyStepCache: make(map[string]float64)}
}

func bybitResultMap(resp *bybit.ServerResponse, err error, op string) (map[string]interface{}, error) {
	if err != nil {
		return nil, wrap(op, classifyBybitErr(err, 0), err)
	}
	if resp.RetCode != 0 {
		return nil, wrap(op, classifyBybitErr(nil, resp.RetCode), fmt.Errorf("%s", resp.RetMsg))
	}
	data, ok := resp.Result.(map[string]interface{})
	if !ok {
		return nil, wrap(op, ErrOther, fmt.Errorf("unexpected result shape"))
	}
	return data, nil
}

func (a *BybitAdapter) GetAccount(ctx context.Context) (Account, error) {
	resp, err := a.client.NewUtaBybitServiceWithParams(map[string]interface{}{
		"accountType": "UNIFIED",
	}).GetAccountWallet(ctx)
	data, err := bybitResultMap(resp, err, "get_account")
	if err != nil {
		return Account{}, err
	}
	list, _ := data["list"].([]interface{})
	if len(list) == 0 {
		return Account{}, nil
	}
	row, _ := list[0].(map[string]interface{})
	equity := parseStrField(row, "totalEquity")
	avail := parseStrField(row, "totalAvailableBalance")
	wallet := parseStrField(row, "totalWalletBalance")
	upnl := parseStrField(row, "totalPerpUPL")
	if wallet == 0 {
		wallet = equity
	}
	return Account{
		TotalEquity:        equity,
		AvailableBalance:   avail,
		TotalUnrealizedPnL: upnl,
		TotalMarginBalance: wallet,
	}, nil
}

func (a *BybitAdapter) GetPositions(ctx context.Context) ([]Position, error) {
	resp, err := a.client.NewUtaBybitServiceWithParams(map[string]interface{}{
		"category":   "linear",
		"settleCoin": "USDT",
	}).GetPositionList(ctx)
	data, err := bybitResultMap(resp, err, "get_positions")
	if err != nil {
		return nil, err
	}
	list, _ := data["list"].([]interface{})
	out := make([]Position, 0, len(list))
	for _, item := range list {
		row, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		size := parseStrField(row, "size")
		if size == 0 {
			continue // zero-contract positions MUST be filtered, §4.1
		}
		side := SideLong
		if strings.EqualFold(strField(row, "side"), "sell") {
			side = SideShort
		}
		updatedMs, _ := strconv.ParseInt(strField(row, "updatedTime"), 10, 64)
		updated := time.Now()
		if updatedMs > 0 {
			updated = time.UnixMilli(updatedMs)
		}
		out = append(out, Position{
			Symbol:           strField(row, "symbol"),
			Side:             side,
			Quantity:         size,
			EntryPrice:       parseStrField(row, "avgPrice"),
			MarkPrice:        parseStrField(row, "markPrice"),
			UnrealizedPnL:    parseStrField(row, "unrealisedPnl"),
			Leverage:         int(parseStrField(row, "leverage")),
			LiquidationPrice: parseStrField(row, "liqPrice"),
			MarginMode:       strField(row, "tradeMode"),
			UpdatedAt:        updated,
		})
	}
	return out, nil
}

func (a *BybitAdapter) GetOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	params := map[string]interface{}{"category": "linear"}
	if symbol != "" {
		params["symbol"] = symbol
	}
	resp, err := a.client.NewUtaBybitServiceWithParams(params).GetOpenOrders(ctx)
	data, err := bybitResultMap(resp, err, "get_open_orders")
	if err != nil {
		return nil, err
	}
	list, _ := data["list"].([]interface{})
	out := make([]Order, 0, len(list))
	for _, item := range list {
		row, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		side := SideLong
		if strings.EqualFold(strField(row, "side"), "sell") {
			side = SideShort
		}
		out = append(out, Order{
			OrderID:   strField(row, "orderId"),
			Symbol:    strField(row, "symbol"),
			Side:      side,
			Type:      OrderType(strings.ToLower(strField(row, "orderType") + " " + strField(row, "stopOrderType"))),
			Price:     parseStrField(row, "price"),
			StopPrice: parseStrField(row, "triggerPrice"),
			Quantity:  parseStrField(row, "qty"),
			Status:    strField(row, "orderStatus"),
		})
	}
	return out, nil
}

func (a *BybitAdapter) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	if !SupportedIntervals[interval] {
		return nil, wrap("get_klines", ErrUnsupported, fmt.Errorf("unsupported interval %q", interval))
	}
	resp, err := a.client.NewUtaBybitServiceWithParams(map[string]interface{}{
		"category": "linear",
		"symbol":   symbol,
		"interval": bybitInterval(interval),
		"limit":    limit,
	}).GetKline(ctx)
	data, err := bybitResultMap(resp, err, "get_klines")
	if err != nil {
		return nil, err
	}
	list, _ := data["list"].([]interface{})
	out := make([]Kline, 0, len(list))
	// Bybit returns rows newest-first as [start, open, high, low, close, volume, turnover]
	for i := len(list) - 1; i >= 0; i-- {
		row, ok := list[i].([]interface{})
		if !ok || len(row) < 6 {
			continue
		}
		tsMs, _ := strconv.ParseInt(fmt.Sprint(row[0]), 10, 64)
		out = append(out, Kline{
			Ts:     time.UnixMilli(tsMs),
			Open:   parseAny(row[1]),
			High:   parseAny(row[2]),
			Low:    parseAny(row[3]),
			Close:  parseAny(row[4]),
			Volume: parseAny(row[5]),
		})
	}
	return out, nil
}

func (a *BybitAdapter) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	resp, err := a.client.NewUtaBybitServiceWithParams(map[string]interface{}{
		"category": "linear",
		"symbol":   symbol,
	}).GetMarketTickers(ctx)
	data, err := bybitResultMap(resp, err, "get_ticker")
	if err != nil {
		return Ticker{}, err
	}
	list, _ := data["list"].([]interface{})
	if len(list) == 0 {
		return Ticker{}, wrap("get_ticker", ErrOther, fmt.Errorf("no ticker rows for %s", symbol))
	}
	row, _ := list[0].(map[string]interface{})
	return Ticker{
		Last:   parseStrField(row, "lastPrice"),
		Bid:    parseStrField(row, "bid1Price"),
		Ask:    parseStrField(row, "ask1Price"),
		High:   parseStrField(row, "highPrice24h"),
		Low:    parseStrField(row, "lowPrice24h"),
		Volume: parseStrField(row, "volume24h"),
		Ts:     time.Now(),
	}, nil
}

func (a *BybitAdapter) GetFundingRate(ctx context.Context, symbol string) (FundingRate, error) {
	resp, err := a.client.NewUtaBybitServiceWithParams(map[string]interface{}{
		"category": "linear",
		"symbol":   symbol,
	}).GetMarketTickers(ctx)
	data, err := bybitResultMap(resp, err, "get_funding_rate")
	if err != nil {
		return FundingRate{}, err
	}
	list, _ := data["list"].([]interface{})
	if len(list) == 0 {
		return FundingRate{}, nil
	}
	row, _ := list[0].(map[string]interface{})
	nextMs, _ := strconv.ParseInt(strField(row, "nextFundingTime"), 10, 64)
	return FundingRate{Rate: parseStrField(row, "fundingRate"), NextTs: time.UnixMilli(nextMs)}, nil
}

func (a *BybitAdapter) GetOpenInterest(ctx context.Context, symbol string) (OpenInterest, error) {
	resp, err := a.client.NewUtaBybitServiceWithParams(map[string]interface{}{
		"category": "linear",
		"symbol":   symbol,
	}).GetMarketTickers(ctx)
	data, err := bybitResultMap(resp, err, "get_open_interest")
	if err != nil {
		return OpenInterest{}, err
	}
	list, _ := data["list"].([]interface{})
	if len(list) == 0 {
		return OpenInterest{}, nil
	}
	row, _ := list[0].(map[string]interface{})
	return OpenInterest{Value: parseStrField(row, "openInterest"), Ts: time.Now()}, nil
}

func (a *BybitAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	resp, err := a.client.NewUtaBybitServiceWithParams(map[string]interface{}{
		"category":     "linear",
		"symbol":       symbol,
		"buyLeverage":  fmt.Sprintf("%d", leverage),
		"sellLeverage": fmt.Sprintf("%d", leverage),
	}).SetPositionLeverage(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "leverage not modified") {
			return nil
		}
		return wrap("set_leverage", classifyBybitErr(err, 0), err)
	}
	if resp.RetCode != 0 && resp.RetCode != 110043 { // 110043 = leverage not modified
		return wrap("set_leverage", classifyBybitErr(nil, resp.RetCode), fmt.Errorf("%s", resp.RetMsg))
	}
	return nil
}

func (a *BybitAdapter) OpenLong(ctx context.Context, symbol string, qty float64, leverage int, slRef, tpRef float64) (OrderResult, error) {
	return a.openMarket(ctx, symbol, qty, leverage, "Buy", "open_long")
}

func (a *BybitAdapter) OpenShort(ctx context.Context, symbol string, qty float64, leverage int, slRef, tpRef float64) (OrderResult, error) {
	return a.openMarket(ctx, symbol, qty, leverage, "Sell", "open_short")
}

func (a *BybitAdapter) openMarket(ctx context.Context, symbol string, qty float64, leverage int, side, op string) (OrderResult, error) {
	if err := a.SetLeverage(ctx, symbol, leverage); err != nil {
		logger.Warnf("bybit: %s: set_leverage failed, continuing: %v", op, err)
	}
	resp, err := a.client.NewUtaBybitServiceWithParams(map[string]interface{}{
		"category":    "linear",
		"symbol":      symbol,
		"side":        side,
		"orderType":   "Market",
		"qty":         strconv.FormatFloat(qty, 'f', -1, 64),
		"positionIdx": 0,
	}).PlaceOrder(ctx)
	data, err := bybitResultMap(resp, err, op)
	if err != nil {
		return OrderResult{}, err
	}
	return OrderResult{OrderID: strField(data, "orderId"), Symbol: symbol, Status: "NEW"}, nil
}

// ClosePosition submits a reduceOnly market order (P6). qty<=0 closes the
// full reported contract amount.
func (a *BybitAdapter) ClosePosition(ctx context.Context, symbol string, side Side, qty float64) (OrderResult, error) {
	closeSide := "Sell"
	if side == SideShort {
		closeSide = "Buy"
	}
	if qty <= 0 {
		positions, err := a.GetPositions(ctx)
		if err != nil {
			return OrderResult{}, err
		}
		found := false
		for _, p := range positions {
			if p.Symbol == symbol && p.Side == side {
				qty = p.Quantity
				found = true
				break
			}
		}
		if !found {
			return OrderResult{}, wrap("close_position", ErrInvalidOrder, fmt.Errorf("no live %s position for %s", side, symbol))
		}
	}
	resp, err := a.client.NewUtaBybitServiceWithParams(map[string]interface{}{
		"category":    "linear",
		"symbol":      symbol,
		"side":        closeSide,
		"orderType":   "Market",
		"qty":         strconv.FormatFloat(qty, 'f', -1, 64),
		"positionIdx": 0,
		"reduceOnly":  true,
	}).PlaceOrder(ctx)
	data, err := bybitResultMap(resp, err, "close_position")
	if err != nil {
		return OrderResult{}, err
	}
	return OrderResult{OrderID: strField(data, "orderId"), Symbol: symbol, Status: "NEW"}, nil
}

func bybitInterval(interval string) string {
	// Bybit's v5 kline interval vocabulary is minute-counts or D/W/M, not
	// the "1h"/"4h" style used by the adapter's closed interval set (§6).
	switch interval {
	case "1m":
		return "1"
	case "3m":
		return "3"
	case "5m":
		return "5"
	case "15m":
		return "15"
	case "30m":
		return "30"
	case "1h":
		return "60"
	case "2h":
		return "120"
	case "4h":
		return "240"
	case "6h":
		return "360"
	case "12h":
		return "720"
	case "1d", "3d":
		return "D"
	case "1w":
		return "W"
	case "1M":
		return "M"
	default:
		return "60"
	}
}

func classifyBybitErr(err error, retCode int) ErrKind {
	switch retCode {
	case 110007, 110012:
		return ErrInsufficientFunds
	case 10003, 10004, 10005:
		return ErrAuth
	case 10006:
		return ErrRateLimit
	case 110043:
		return ErrOther
	case 110017, 110094:
		return ErrInvalidOrder
	}
	if err != nil {
		return ErrNetwork
	}
	return ErrOther
}

func strField(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return v
}

func parseStrField(m map[string]interface{}, key string) float64 {
	s, _ := m[key].(string)
	if s == "" {
		return 0
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseAny(v interface{}) float64 {
	s := fmt.Sprint(v)
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
