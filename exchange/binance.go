package exchange

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"futuresagent/logger"
)

// BinanceAdapter implements Adapter over Binance USDⓈ-M futures.
type BinanceAdapter struct {
	client *futures.Client
}

// NewBinanceAdapter constructs an adapter authenticated with apiKey/secret.
func NewBinanceAdapter(apiKey, secretKey string) *BinanceAdapter {
	return &BinanceAdapter{client: futures.NewClient(apiKey, secretKey)}
}

// binanceOrderID generates a bounded-length client order id so retried
// calls (e.g. after a network timeout) remain distinguishable at the venue
// — the adapter itself does not retry, but a caller-level retry on the same
// decision should not collide.
func binanceOrderID() string {
	brID := "x-KzrpZaP9"
	ts := time.Now().UnixNano() % 10000000000000
	rb := make([]byte, 4)
	rand.Read(rb)
	id := fmt.Sprintf("%s%d%s", brID, ts, hex.EncodeToString(rb))
	if len(id) > 32 {
		id = id[:32]
	}
	return id
}

func (a *BinanceAdapter) GetAccount(ctx context.Context) (Account, error) {
	acc, err := a.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return Account{}, wrap("get_account", classifyBinanceErr(err), err)
	}
	total, _ := strconv.ParseFloat(acc.TotalWalletBalance, 64)
	avail, _ := strconv.ParseFloat(acc.AvailableBalance, 64)
	upnl, _ := strconv.ParseFloat(acc.TotalUnrealizedProfit, 64)
	margin, _ := strconv.ParseFloat(acc.TotalMarginBalance, 64)
	return Account{
		TotalEquity:        total + upnl,
		AvailableBalance:   avail,
		TotalUnrealizedPnL: upnl,
		TotalMarginBalance: margin,
	}, nil
}

func (a *BinanceAdapter) GetPositions(ctx context.Context) ([]Position, error) {
	rows, err := a.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, wrap("get_positions", classifyBinanceErr(err), err)
	}
	out := make([]Position, 0, len(rows))
	for _, p := range rows {
		amt, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if amt == 0 {
			continue // zero-contract positions MUST be filtered, §4.1
		}
		side := SideLong
		if amt < 0 {
			side = SideShort
			amt = -amt
		}
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		mark, _ := strconv.ParseFloat(p.MarkPrice, 64)
		upnl, _ := strconv.ParseFloat(p.UnRealizedProfit, 64)
		lev, _ := strconv.Atoi(p.Leverage)
		liq, _ := strconv.ParseFloat(p.LiquidationPrice, 64)
		out = append(out, Position{
			Symbol:           p.Symbol,
			Side:             side,
			Quantity:         amt,
			EntryPrice:       entry,
			MarkPrice:        mark,
			UnrealizedPnL:    upnl,
			Leverage:         lev,
			LiquidationPrice: liq,
			MarginMode:       string(p.MarginType),
			UpdatedAt:        time.Now(), // Binance SDK position-risk rows carry no updateTime field
		})
	}
	return out, nil
}

func (a *BinanceAdapter) GetOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	svc := a.client.NewListOpenOrdersService()
	if symbol != "" {
		svc = svc.Symbol(symbol)
	}
	rows, err := svc.Do(ctx)
	if err != nil {
		return nil, wrap("get_open_orders", classifyBinanceErr(err), err)
	}
	out := make([]Order, 0, len(rows))
	for _, o := range rows {
		side := SideLong
		if o.Side == futures.SideTypeSell {
			side = SideShort
		}
		price, _ := strconv.ParseFloat(o.Price, 64)
		stopPrice, _ := strconv.ParseFloat(o.StopPrice, 64)
		qty, _ := strconv.ParseFloat(o.OrigQuantity, 64)
		out = append(out, Order{
			OrderID:   strconv.FormatInt(o.OrderID, 10),
			Symbol:    o.Symbol,
			Side:      side,
			Type:      OrderType(strings.ToLower(string(o.Type))),
			Price:     price,
			StopPrice: stopPrice,
			Quantity:  qty,
			Status:    string(o.Status),
		})
	}
	return out, nil
}

func (a *BinanceAdapter) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	if !SupportedIntervals[interval] {
		return nil, wrap("get_klines", ErrUnsupported, fmt.Errorf("unsupported interval %q", interval))
	}
	rows, err := a.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, wrap("get_klines", classifyBinanceErr(err), err)
	}
	out := make([]Kline, 0, len(rows))
	for _, k := range rows {
		o, _ := strconv.ParseFloat(k.Open, 64)
		h, _ := strconv.ParseFloat(k.High, 64)
		l, _ := strconv.ParseFloat(k.Low, 64)
		c, _ := strconv.ParseFloat(k.Close, 64)
		v, _ := strconv.ParseFloat(k.Volume, 64)
		out = append(out, Kline{
			Ts:     time.UnixMilli(k.OpenTime),
			Open:   o,
			High:   h,
			Low:    l,
			Close:  c,
			Volume: v,
		})
	}
	return out, nil
}

func (a *BinanceAdapter) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	prices, err := a.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil || len(prices) == 0 {
		return Ticker{}, wrap("get_ticker", classifyBinanceErr(err), err)
	}
	last, _ := strconv.ParseFloat(prices[0].Price, 64)
	t := Ticker{Last: last, Ts: time.Now()}

	// Binance's futures mark-price/ticker endpoints don't reliably surface
	// both sides in one call through this client; backfill bid/ask from one
	// level of the book, as the adapter contract permits (§4.1).
	books, err := a.client.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err == nil && len(books) > 0 {
		bid, _ := strconv.ParseFloat(books[0].BidPrice, 64)
		ask, _ := strconv.ParseFloat(books[0].AskPrice, 64)
		t.Bid, t.Ask = bid, ask
	} else {
		logger.Warnf("binance: failed to backfill bid/ask for %s: %v", symbol, err)
	}
	return t, nil
}

func (a *BinanceAdapter) GetFundingRate(ctx context.Context, symbol string) (FundingRate, error) {
	rows, err := a.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil || len(rows) == 0 {
		return FundingRate{}, wrap("get_funding_rate", classifyBinanceErr(err), err)
	}
	rate, _ := strconv.ParseFloat(rows[0].LastFundingRate, 64)
	return FundingRate{Rate: rate, NextTs: time.UnixMilli(rows[0].NextFundingTime)}, nil
}

func (a *BinanceAdapter) GetOpenInterest(ctx context.Context, symbol string) (OpenInterest, error) {
	oi, err := a.client.NewOpenInterestService().Symbol(symbol).Do(ctx)
	if err != nil {
		return OpenInterest{}, wrap("get_open_interest", classifyBinanceErr(err), err)
	}
	value, _ := strconv.ParseFloat(oi.OpenInterest, 64)
	return OpenInterest{Value: value, Ts: time.UnixMilli(oi.Time)}, nil
}

func (a *BinanceAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := a.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	if err != nil && strings.Contains(err.Error(), "No need to change") {
		return nil
	}
	return wrap("set_leverage", classifyBinanceErr(err), err)
}

func (a *BinanceAdapter) OpenLong(ctx context.Context, symbol string, qty float64, leverage int, slRef, tpRef float64) (OrderResult, error) {
	return a.openMarket(ctx, symbol, qty, leverage, futures.SideTypeBuy, futures.PositionSideTypeLong, "open_long")
}

func (a *BinanceAdapter) OpenShort(ctx context.Context, symbol string, qty float64, leverage int, slRef, tpRef float64) (OrderResult, error) {
	return a.openMarket(ctx, symbol, qty, leverage, futures.SideTypeSell, futures.PositionSideTypeShort, "open_short")
}

func (a *BinanceAdapter) openMarket(ctx context.Context, symbol string, qty float64, leverage int, side futures.SideType, posSide futures.PositionSideType, op string) (OrderResult, error) {
	if err := a.SetLeverage(ctx, symbol, leverage); err != nil {
		logger.Warnf("binance: %s: set_leverage failed, continuing: %v", op, err)
	}

	qtyStr := strconv.FormatFloat(qty, 'f', -1, 64)
	order, err := a.client.NewCreateOrderService().
		Symbol(symbol).
		Side(side).
		PositionSide(posSide).
		Type(futures.OrderTypeMarket).
		Quantity(qtyStr).
		NewClientOrderID(binanceOrderID()).
		Do(ctx)
	if err != nil {
		return OrderResult{}, wrap(op, classifyBinanceErr(err), err)
	}
	avgPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)
	executedQty, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)
	return OrderResult{
		OrderID:  strconv.FormatInt(order.OrderID, 10),
		Symbol:   order.Symbol,
		Status:   string(order.Status),
		AvgPrice: avgPrice,
		Qty:      executedQty,
	}, nil
}

// ClosePosition submits a market order against the live position, limited
// to that position's side by its hedge-mode PositionSide; no reduceOnly flag
// is sent (see below). qty<=0 closes the full reported contract amount.
func (a *BinanceAdapter) ClosePosition(ctx context.Context, symbol string, side Side, qty float64) (OrderResult, error) {
	closeSide := futures.SideTypeSell
	posSide := futures.PositionSideTypeLong
	if side == SideShort {
		closeSide = futures.SideTypeBuy
		posSide = futures.PositionSideTypeShort
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

	qtyStr := strconv.FormatFloat(qty, 'f', -1, 64)
	// No ReduceOnly here: this account runs hedge mode (every order carries
	// an explicit PositionSide), and Binance USDⓈ-M futures rejects the
	// reduceOnly parameter on hedge-mode orders — PositionSide alone already
	// guarantees this order can only reduce the LONG/SHORT side it names,
	// matching the teacher's CloseLong/CloseShort (trader/binance_futures.go).
	order, err := a.client.NewCreateOrderService().
		Symbol(symbol).
		Side(closeSide).
		PositionSide(posSide).
		Type(futures.OrderTypeMarket).
		Quantity(qtyStr).
		NewClientOrderID(binanceOrderID()).
		Do(ctx)
	if err != nil {
		return OrderResult{}, wrap("close_position", classifyBinanceErr(err), err)
	}
	avgPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)
	executedQty, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)
	return OrderResult{
		OrderID:  strconv.FormatInt(order.OrderID, 10),
		Symbol:   order.Symbol,
		Status:   string(order.Status),
		AvgPrice: avgPrice,
		Qty:      executedQty,
	}, nil
}

// classifyBinanceErr maps the SDK's APIError (and plain transport errors)
// onto the closed ErrKind taxonomy (§4.1).
func classifyBinanceErr(err error) ErrKind {
	if err == nil {
		return ""
	}
	apiErr, ok := err.(*futures.APIError)
	if !ok {
		return ErrNetwork
	}
	switch apiErr.Code {
	case -2019, -2018:
		return ErrInsufficientFunds
	case -1021, -1022, -2015:
		return ErrAuth
	case -1003:
		return ErrRateLimit
	case -1013, -2010, -2011, -4164:
		return ErrInvalidOrder
	default:
		return ErrOther
	}
}
