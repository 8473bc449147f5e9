package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrActiveSessionExists is returned by CreateIfNoneRunning when another
// session already has session_status = running, enforcing P1.
var ErrActiveSessionExists = errors.New("an active session already exists")

// RiskParams is the immutable-after-create risk policy attached to a session.
type RiskParams struct {
	MaxLeverage         float64 `json:"max_leverage"`
	MaxNotionalPerTrade float64 `json:"max_notional_per_trade"`
	MaxDrawdownPct      float64 `json:"max_drawdown_pct"`
	MaxPositions        int     `json:"max_positions"`
	MaxTotalExposure    float64 `json:"max_total_exposure"`
	// LeverageInclusiveStopLoss selects the max-loss formula the risk gate
	// uses (spec.md §9 Open Question 1): false (default) multiplies the
	// stop-loss percentage loss by leverage; true treats notional as already
	// leverage-inclusive.
	LeverageInclusiveStopLoss bool `json:"leverage_inclusive_stop_loss"`
}

// sessionDB is the GORM row. Instruments and RiskParams are stored as JSON
// text columns; Session (below) is the typed view callers actually use.
type sessionDB struct {
	ID                     uint   `gorm:"primaryKey"`
	CreatedAt              time.Time
	UpdatedAt              time.Time
	InitialCapital         float64
	InstrumentsJSON        string `gorm:"column:instruments"`
	RiskParamsJSON         string `gorm:"column:risk_params"`
	DecisionIntervalSecond int    `gorm:"column:decision_interval_seconds"`
	SessionStatus          string `gorm:"column:session_status;index"`
	BgStatus               string `gorm:"column:bg_status"`
	CycleCount             int64  `gorm:"column:cycle_count"`
	LastCycleAt            *time.Time
	LastError              string
	StartedAt              *time.Time
	StoppedAt              *time.Time
	Notes                  string

	// Session statistics, populated by EndSession (supplemented feature).
	TotalTrades    int     `gorm:"column:total_trades"`
	WinningTrades  int     `gorm:"column:winning_trades"`
	LosingTrades   int     `gorm:"column:losing_trades"`
	TotalPnL       float64 `gorm:"column:total_pnl"`
	LongHoldPct    float64 `gorm:"column:long_hold_pct"`
	ShortHoldPct   float64 `gorm:"column:short_hold_pct"`
	FlatHoldPct    float64 `gorm:"column:flat_hold_pct"`
}

func (sessionDB) TableName() string { return "sessions" }

// Session is the external, typed representation of a sessionDB row.
type Session struct {
	ID                     uint
	CreatedAt              time.Time
	UpdatedAt              time.Time
	InitialCapital         float64
	Instruments            []string
	RiskParams             RiskParams
	DecisionIntervalSecond int
	SessionStatus          string
	BgStatus               string
	CycleCount             int64
	LastCycleAt            *time.Time
	LastError              string
	StartedAt              *time.Time
	StoppedAt              *time.Time
	Notes                  string

	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	TotalPnL      float64
	LongHoldPct   float64
	ShortHoldPct  float64
	FlatHoldPct   float64
}

const (
	SessionStatusRunning   = "running"
	SessionStatusStopped   = "stopped"
	SessionStatusCrashed   = "crashed"
	SessionStatusCompleted = "completed"

	BgStatusIdle     = "idle"
	BgStatusStarting = "starting"
	BgStatusRunning  = "running"
	BgStatusStopping = "stopping"
	BgStatusStopped  = "stopped"
	BgStatusCrashed  = "crashed"
)

func fromSessionDB(row *sessionDB) (*Session, error) {
	var instruments []string
	if row.InstrumentsJSON != "" {
		if err := json.Unmarshal([]byte(row.InstrumentsJSON), &instruments); err != nil {
			return nil, fmt.Errorf("decode instruments: %w", err)
		}
	}
	var risk RiskParams
	if row.RiskParamsJSON != "" {
		if err := json.Unmarshal([]byte(row.RiskParamsJSON), &risk); err != nil {
			return nil, fmt.Errorf("decode risk params: %w", err)
		}
	}
	return &Session{
		ID:                     row.ID,
		CreatedAt:              row.CreatedAt,
		UpdatedAt:              row.UpdatedAt,
		InitialCapital:         row.InitialCapital,
		Instruments:            instruments,
		RiskParams:             risk,
		DecisionIntervalSecond: row.DecisionIntervalSecond,
		SessionStatus:          row.SessionStatus,
		BgStatus:               row.BgStatus,
		CycleCount:             row.CycleCount,
		LastCycleAt:            row.LastCycleAt,
		LastError:              row.LastError,
		StartedAt:              row.StartedAt,
		StoppedAt:              row.StoppedAt,
		Notes:                  row.Notes,
		TotalTrades:            row.TotalTrades,
		WinningTrades:          row.WinningTrades,
		LosingTrades:           row.LosingTrades,
		TotalPnL:               row.TotalPnL,
		LongHoldPct:            row.LongHoldPct,
		ShortHoldPct:           row.ShortHoldPct,
		FlatHoldPct:            row.FlatHoldPct,
	}, nil
}

// SessionStore is the GORM-backed persistence layer for sessions (C8).
type SessionStore struct {
	db *gorm.DB
}

func NewSessionStore(db *gorm.DB) *SessionStore {
	return &SessionStore{db: db}
}

func (s *SessionStore) initTables() error {
	return s.db.AutoMigrate(&sessionDB{})
}

// CreateIfNoneRunning inserts a new session inside a transaction that first
// checks for an existing session_status = running row, enforcing P1
// (at-most-one-running-session) against concurrent create calls.
func (s *SessionStore) CreateIfNoneRunning(initialCapital float64, instruments []string, risk RiskParams, intervalSeconds int) (*Session, error) {
	instrumentsJSON, err := json.Marshal(instruments)
	if err != nil {
		return nil, fmt.Errorf("encode instruments: %w", err)
	}
	riskJSON, err := json.Marshal(risk)
	if err != nil {
		return nil, fmt.Errorf("encode risk params: %w", err)
	}

	var created sessionDB
	err = s.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&sessionDB{}).Scopes(BySessionStatus(SessionStatusRunning)).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrActiveSessionExists
		}

		now := time.Now().UTC()
		created = sessionDB{
			InitialCapital:         initialCapital,
			InstrumentsJSON:        string(instrumentsJSON),
			RiskParamsJSON:         string(riskJSON),
			DecisionIntervalSecond: intervalSeconds,
			SessionStatus:          SessionStatusRunning,
			BgStatus:               BgStatusIdle,
			StartedAt:              &now,
		}
		return tx.Create(&created).Error
	})
	if err != nil {
		return nil, err
	}
	return fromSessionDB(&created)
}

// GetByID fetches a session by id.
func (s *SessionStore) GetByID(id uint) (*Session, error) {
	var row sessionDB
	if err := s.db.First(&row, id).Error; err != nil {
		return nil, err
	}
	return fromSessionDB(&row)
}

// ListByStatus lists sessions filtered by session_status, newest first.
func (s *SessionStore) ListByStatus(status string) ([]*Session, error) {
	var rows []sessionDB
	q := s.db.Scopes(OrderByCreatedDesc())
	if status != "" {
		q = q.Scopes(BySessionStatus(status))
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return toSessions(rows)
}

// ListRecent lists the most recently created sessions, bounded by limit.
func (s *SessionStore) ListRecent(limit int) ([]*Session, error) {
	var rows []sessionDB
	if err := s.db.Scopes(OrderByCreatedDesc(), Paginate(limit, 0)).Find(&rows).Error; err != nil {
		return nil, err
	}
	return toSessions(rows)
}

func toSessions(rows []sessionDB) ([]*Session, error) {
	out := make([]*Session, 0, len(rows))
	for i := range rows {
		sess, err := fromSessionDB(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

// SetBgStatus atomically updates bg_status, following the state machine
// transitions the supervisor drives (§4.7).
func (s *SessionStore) SetBgStatus(sessionID uint, status string) error {
	return s.db.Model(&sessionDB{}).Where("id = ?", sessionID).Update("bg_status", status).Error
}

// IncrementCycleAndClearError bumps cycle_count by 1, stamps last_cycle_at,
// and clears last_error — the success path of Audit (§4.6 step 6).
func (s *SessionStore) IncrementCycleAndClearError(sessionID uint) error {
	now := time.Now().UTC()
	return s.db.Model(&sessionDB{}).Where("id = ?", sessionID).Updates(map[string]interface{}{
		"cycle_count":   gorm.Expr("cycle_count + 1"),
		"last_cycle_at": now,
		"last_error":    "",
	}).Error
}

// IncrementCycleWithError bumps cycle_count by 1 and records the stage error
// that aborted the cycle — cycle_count still advances (P2: every attempt,
// success or failure, counts).
func (s *SessionStore) IncrementCycleWithError(sessionID uint, errMsg string) error {
	now := time.Now().UTC()
	return s.db.Model(&sessionDB{}).Where("id = ?", sessionID).Updates(map[string]interface{}{
		"cycle_count":   gorm.Expr("cycle_count + 1"),
		"last_cycle_at": now,
		"last_error":    errMsg,
	}).Error
}

// MarkCrashed transitions both bg_status and session_status to crashed and
// appends a note, used when the supervisor machinery itself fails outside a
// cycle's own try boundary, or during restart recovery (S6).
func (s *SessionStore) MarkCrashed(sessionID uint, note string) error {
	return s.db.Model(&sessionDB{}).Where("id = ?", sessionID).Updates(map[string]interface{}{
		"bg_status":      BgStatusCrashed,
		"session_status": SessionStatusCrashed,
		"notes":          note,
	}).Error
}

// RecoverOrphanedRunningSessions implements S6: on process start, any
// session whose bg_status is still "running" (because the prior process
// died without stopping it) has no live worker and must be reconciled to
// crashed.
func (s *SessionStore) RecoverOrphanedRunningSessions() (int64, error) {
	result := s.db.Model(&sessionDB{}).Where("bg_status = ?", BgStatusRunning).Updates(map[string]interface{}{
		"bg_status":      BgStatusCrashed,
		"session_status": SessionStatusCrashed,
		"notes":          "process restart",
	})
	return result.RowsAffected, result.Error
}

// MarkAllRunningStopped implements the orderly process-shutdown sweep (§5
// "Process shutdown"): any session whose bg_status is still running after
// every known worker has already been asked to stop is reconciled to
// stopped, not crashed — unlike RecoverOrphanedRunningSessions, which
// reconciles a prior process's orphans after an unclean restart.
func (s *SessionStore) MarkAllRunningStopped(note string) (int64, error) {
	result := s.db.Model(&sessionDB{}).Where("bg_status = ?", BgStatusRunning).Updates(map[string]interface{}{
		"bg_status":      BgStatusStopped,
		"session_status": SessionStatusStopped,
		"notes":          note,
	})
	return result.RowsAffected, result.Error
}

// EndSession transitions session_status to its terminal value, stamps
// stopped_at, appends notes, and computes session statistics the way the
// original service's session-end reporting does (hold-time percentages,
// realized PnL summary) — see EndSessionStats.
func (s *SessionStore) EndSession(sessionID uint, finalStatus, notes string) error {
	now := time.Now().UTC()
	stats, err := s.EndSessionStats(sessionID)
	if err != nil {
		return fmt.Errorf("compute session statistics: %w", err)
	}
	return s.db.Model(&sessionDB{}).Where("id = ?", sessionID).Updates(map[string]interface{}{
		"session_status": finalStatus,
		"bg_status":      BgStatusStopped,
		"stopped_at":     now,
		"notes":          notes,
		"total_trades":   stats.TotalTrades,
		"winning_trades": stats.WinningTrades,
		"losing_trades":  stats.LosingTrades,
		"total_pnl":      stats.TotalPnL,
		"long_hold_pct":  stats.LongHoldPct,
		"short_hold_pct": stats.ShortHoldPct,
		"flat_hold_pct":  stats.FlatHoldPct,
	}).Error
}
