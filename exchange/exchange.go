// Package exchange is the Exchange Adapter (C1): one uniform, synchronous
// contract over a futures venue, implemented once per supported venue
// (Binance USDⓈ-M futures, Bybit derivatives). No method retries internally
// — the caller (pipeline, C6) decides whether and how to retry (§4.1).
package exchange

import (
	"context"
	"time"
)

// ErrKind is the closed taxonomy of adapter failure modes from §4.1. Callers
// branch on this, not on the underlying transport error.
type ErrKind string

const (
	ErrNetwork          ErrKind = "network"
	ErrRateLimit        ErrKind = "rate_limit"
	ErrInsufficientFunds ErrKind = "insufficient_funds"
	ErrInvalidOrder     ErrKind = "invalid_order"
	ErrUnsupported      ErrKind = "unsupported"
	ErrAuth             ErrKind = "auth"
	ErrOther            ErrKind = "other"
)

// Error wraps a venue failure with its classified kind, so the pipeline can
// tell a transient network error (§7 kind 1) from a permanent one (kind 2)
// without parsing venue-specific error strings at every call site.
type Error struct {
	Kind ErrKind
	Op   string // e.g. "open_long", "get_klines"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind) + ": " + e.Op
	}
	return e.Op + ": " + string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(op string, kind ErrKind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Account is the aggregate margin/equity snapshot from get_account.
type Account struct {
	TotalEquity        float64
	AvailableBalance   float64
	TotalUnrealizedPnL float64
	TotalMarginBalance float64
}

// Side is long or short, used for both Position.Side and close requests.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Position is a live exchange position (§3 — never persisted by the core,
// read through each cycle). LinkedTP/LinkedSL are resolved by the Assembler
// (C2) from get_open_orders, not by the adapter itself.
type Position struct {
	Symbol           string
	Side             Side
	Quantity         float64
	EntryPrice       float64
	MarkPrice        float64
	UnrealizedPnL    float64
	Leverage         int
	LiquidationPrice float64
	MarginMode       string
	UpdatedAt        time.Time // venue's last-mutation time, not true open time — §9 Open Question 2
}

// OrderType is used to discriminate resting orders by the Assembler's
// TP/SL-linkage rule: type contains "take_profit" → TP, type contains
// "stop" without "take_profit" → SL (§4.2).
type OrderType string

// Order is a resting order returned by get_open_orders, used by the
// Assembler (C2) to display the model its own previously-advisory TP/SL —
// the adapter itself never creates these (§4.1, P7).
type Order struct {
	OrderID      string
	Symbol       string
	Side         Side
	Type         OrderType
	Price        float64
	StopPrice    float64
	Quantity     float64
	Status       string
}

// OrderResult is what open/close order calls return.
type OrderResult struct {
	OrderID  string
	Symbol   string
	Status   string
	AvgPrice float64
	Qty      float64
}

// Kline is one OHLCV bar. Interval is one of the closed set in §6.
type Kline struct {
	Ts     time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Ticker is the current best-bid/ask/last snapshot for a symbol.
type Ticker struct {
	Last   float64
	Bid    float64
	Ask    float64
	High   float64
	Low    float64
	Volume float64
	Ts     time.Time
}

// FundingRate is the current/next funding rate for a perpetual symbol.
type FundingRate struct {
	Rate   float64
	NextTs time.Time
}

// OpenInterest is the current open-interest value for a symbol.
type OpenInterest struct {
	Value float64
	Ts    time.Time
}

// SupportedIntervals is the closed set of kline intervals the adapter
// contract accepts (§6). Callers outside this package must not pass
// anything else.
var SupportedIntervals = map[string]bool{
	"1m": true, "3m": true, "5m": true, "15m": true, "30m": true,
	"1h": true, "2h": true, "4h": true, "6h": true, "8h": true, "12h": true,
	"1d": true, "3d": true, "1w": true, "1M": true,
}

// Adapter is the narrow synchronous contract the pipeline (C6) depends on.
// Every method is blocking; cancellation is the caller's responsibility via
// ctx, which every adapter implementation MUST respect at its underlying
// HTTP call (§4.1, §5). Implementations must be safe for concurrent use
// from multiple session workers.
type Adapter interface {
	GetAccount(ctx context.Context) (Account, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]Order, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
	GetTicker(ctx context.Context, symbol string) (Ticker, error)
	GetFundingRate(ctx context.Context, symbol string) (FundingRate, error)
	GetOpenInterest(ctx context.Context, symbol string) (OpenInterest, error)

	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// OpenLong/OpenShort set leverage then issue a market order. slRef/tpRef
	// are advisory metadata only — no resting order is placed for them
	// (§4.1, §9 "Advisory TP/SL", P7).
	OpenLong(ctx context.Context, symbol string, qty float64, leverage int, slRef, tpRef float64) (OrderResult, error)
	OpenShort(ctx context.Context, symbol string, qty float64, leverage int, slRef, tpRef float64) (OrderResult, error)

	// ClosePosition reduces (never flips) a position. qty<=0 means close the
	// full size reported by GetPositions. BybitAdapter submits it with the
	// venue's reduceOnly flag; BinanceAdapter sends no reduceOnly flag and
	// relies on the hedge-mode PositionSide of the order instead.
	ClosePosition(ctx context.Context, symbol string, side Side, qty float64) (OrderResult, error)
}
