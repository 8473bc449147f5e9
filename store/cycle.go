package store

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// cycleRecordDB is the GORM row for the append-only decision-cycle audit
// log. Prompt/reply/decisions/execution-results/account-summary are large,
// semi-structured payloads kept as JSON text columns rather than normalized
// tables, since nothing queries inside them — they are read back whole.
type cycleRecordDB struct {
	ID                  uint `gorm:"primaryKey"`
	CreatedAt           time.Time
	SessionID           uint   `gorm:"column:session_id;index"`
	CycleNumber         int64  `gorm:"column:cycle_number"`
	Stage               string `gorm:"column:stage"` // furthest stage reached: assemble, consult, parse, gate, execute, audit
	Prompt              string `gorm:"column:prompt"`
	Reply               string `gorm:"column:reply"`
	DecisionsJSON        string `gorm:"column:decisions"`
	ExecutionResultsJSON string `gorm:"column:execution_results"`
	AccountSummaryJSON   string `gorm:"column:account_summary"`
	Error                string `gorm:"column:error"`
}

func (cycleRecordDB) TableName() string { return "cycle_records" }

// CycleRecord is the external, typed representation of a cycle_records row.
type CycleRecord struct {
	ID                uint
	CreatedAt         time.Time
	SessionID         uint
	CycleNumber       int64
	Stage             string
	Prompt            string
	Reply             string
	Decisions         json.RawMessage
	ExecutionResults  json.RawMessage
	AccountSummary    json.RawMessage
	Error             string
}

const (
	StageAssemble = "assemble"
	StageConsult  = "consult"
	StageParse    = "parse"
	StageGate     = "gate"
	StageExecute  = "execute"
	StageAudit    = "audit"
)

func fromCycleRecordDB(row *cycleRecordDB) *CycleRecord {
	return &CycleRecord{
		ID:               row.ID,
		CreatedAt:        row.CreatedAt,
		SessionID:        row.SessionID,
		CycleNumber:      row.CycleNumber,
		Stage:            row.Stage,
		Prompt:           row.Prompt,
		Reply:            row.Reply,
		Decisions:        jsonOrNull(row.DecisionsJSON),
		ExecutionResults: jsonOrNull(row.ExecutionResultsJSON),
		AccountSummary:   jsonOrNull(row.AccountSummaryJSON),
		Error:            row.Error,
	}
}

func jsonOrNull(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

// CycleRecordStore is the GORM-backed persistence layer for the append-only
// audit log (C8).
type CycleRecordStore struct {
	db *gorm.DB
}

func NewCycleRecordStore(db *gorm.DB) *CycleRecordStore {
	return &CycleRecordStore{db: db}
}

func (s *CycleRecordStore) initTables() error {
	return s.db.AutoMigrate(&cycleRecordDB{})
}

// Append writes one CycleRecord. Every cycle, whatever stage it reaches,
// produces exactly one of these (§4.6 step 6 / P2).
func (s *CycleRecordStore) Append(rec *CycleRecord) error {
	decisions, err := marshalRaw(rec.Decisions)
	if err != nil {
		return fmt.Errorf("encode decisions: %w", err)
	}
	execResults, err := marshalRaw(rec.ExecutionResults)
	if err != nil {
		return fmt.Errorf("encode execution results: %w", err)
	}
	accountSummary, err := marshalRaw(rec.AccountSummary)
	if err != nil {
		return fmt.Errorf("encode account summary: %w", err)
	}

	row := cycleRecordDB{
		SessionID:            rec.SessionID,
		CycleNumber:          rec.CycleNumber,
		Stage:                rec.Stage,
		Prompt:               rec.Prompt,
		Reply:                rec.Reply,
		DecisionsJSON:        decisions,
		ExecutionResultsJSON: execResults,
		AccountSummaryJSON:   accountSummary,
		Error:                rec.Error,
	}
	if err := s.db.Create(&row).Error; err != nil {
		return err
	}
	rec.ID = row.ID
	rec.CreatedAt = row.CreatedAt
	return nil
}

func marshalRaw(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	return string(raw), nil
}

// ListBySession returns the most recent cycle records for a session,
// newest first, bounded by limit (the get_cycle_log interface, §6).
func (s *CycleRecordStore) ListBySession(sessionID uint, limit int) ([]*CycleRecord, error) {
	var rows []cycleRecordDB
	q := s.db.Scopes(ForSession(sessionID)).Order("cycle_number DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*CycleRecord, 0, len(rows))
	for i := range rows {
		out = append(out, fromCycleRecordDB(&rows[i]))
	}
	return out, nil
}
