// Package supervisor is the Session Supervisor (C7): the process-wide owner
// of every session's background worker, responsible for lifecycle,
// cancellation, durable status, and crash reporting (§4.7). The exchange
// adapter and LLM gateway are process-wide singletons in the teacher's
// design; here they are constructor-injected dependencies the supervisor
// holds once and hands to every worker it spawns (§9 "Process-wide
// singletons... reframed as constructor-injected dependencies").
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"futuresagent/assembler"
	"futuresagent/exchange"
	"futuresagent/llm"
	"futuresagent/logger"
	"futuresagent/pipeline"
	"futuresagent/store"
)

// DefaultStopTimeout is the grace period Stop waits for a cancelled worker
// to drain before finalizing the stop without it (§4.7, §5: "order of 10 s").
const DefaultStopTimeout = 10 * time.Second

// workerHandle is the supervisor's only per-worker in-memory state: the
// cancellation primitive and a channel closed when the worker goroutine
// returns (§5 "State-bearing global maps").
type workerHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// StartRequest is the session configuration start_session accepts (§6).
type StartRequest struct {
	InitialCapital  float64
	Instruments     []string
	Risk            store.RiskParams
	IntervalSeconds int
}

// Supervisor owns the process-wide {session_id -> worker handle} map,
// guarded by one mutex (§5), plus the shared Adapter/Gateway/Store every
// worker it spawns is built from.
type Supervisor struct {
	mu      sync.Mutex
	workers map[uint]*workerHandle

	store       *store.Store
	adapter     exchange.Adapter
	gateway     llm.Gateway
	assemblerCfg assembler.Config
	temperature float64
	stopTimeout time.Duration
}

// New builds a Supervisor. temperature is forwarded to every cycle's LLM
// call; assemblerCfg configures every session's Market-Data Assembler.
func New(st *store.Store, adapter exchange.Adapter, gateway llm.Gateway, temperature float64, assemblerCfg assembler.Config) *Supervisor {
	return &Supervisor{
		workers:      make(map[uint]*workerHandle),
		store:        st,
		adapter:      adapter,
		gateway:      gateway,
		assemblerCfg: assemblerCfg,
		temperature:  temperature,
		stopTimeout:  DefaultStopTimeout,
	}
}

// WithStopTimeout overrides DefaultStopTimeout. The composition root passes
// STOP_TIMEOUT_SECONDS through it, and tests use it to avoid waiting 10 real
// seconds for a deliberately wedged worker.
func (s *Supervisor) WithStopTimeout(d time.Duration) *Supervisor {
	s.stopTimeout = d
	return s
}

// Start creates a new session row (enforcing P1 via the store) and spawns
// its worker. A freshly created session's bg_status is always idle, so
// §4.7's "rejects if bg_status is starting or running" can never fire here
// — that guard matters for a hypothetical restart-into-existing-session
// path, which this spec does not expose (start_session always creates).
func (s *Supervisor) Start(req StartRequest) (*store.Session, error) {
	sess, err := s.store.Session().CreateIfNoneRunning(req.InitialCapital, req.Instruments, req.Risk, req.IntervalSeconds)
	if err != nil {
		return nil, err
	}

	if err := s.store.Session().SetBgStatus(sess.ID, store.BgStatusStarting); err != nil {
		return nil, fmt.Errorf("supervisor: mark starting: %w", err)
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.workers[sess.ID] = &workerHandle{cancel: cancel, done: done}
	s.mu.Unlock()

	go s.runWorker(workerCtx, sess.ID, done)

	return s.store.Session().GetByID(sess.ID)
}

// runWorker is the per-session loop: first cycle immediately, then wait on
// a cancellable interval timer (§4.7, §5 "sleep-or-cancellation"). Only an
// error in the supervisor machinery itself — not a normal cycle failure,
// which the Pipeline Runner already folds into last_error — moves bg_status
// to crashed and ends the worker (§4.7, §7 kind 7).
func (s *Supervisor) runWorker(ctx context.Context, sessionID uint, done chan struct{}) {
	defer close(done)
	defer s.forget(sessionID)

	if err := s.store.Session().SetBgStatus(sessionID, store.BgStatusRunning); err != nil {
		logger.Errorf("❌ supervisor: session %d: mark running: %v", sessionID, err)
		s.crash(sessionID, fmt.Sprintf("supervisor machinery error: failed to mark running: %v", err))
		return
	}

	asm := assembler.New(s.adapter, s.assemblerCfg)
	runner := pipeline.New(s.adapter, s.gateway, asm, s.store, s.temperature)

	interval := time.Minute
	if sess, err := s.store.Session().GetByID(sessionID); err == nil && sess.DecisionIntervalSecond > 0 {
		interval = time.Duration(sess.DecisionIntervalSecond) * time.Second
	}

	if !s.tick(ctx, runner, sessionID) {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.tick(ctx, runner, sessionID) {
				return
			}
		}
	}
}

// tick runs one cycle against the session's current durable state. A
// non-nil return from RunCycle means the CycleRecord/last_error bookkeeping
// itself failed — a persistence failure, which per §7 kind 6/7 is treated as
// supervisor machinery trouble and crashes the worker; an ordinary cycle
// failure (assemble/llm/gate) never reaches here as an error, since the
// runner already recorded it as last_error and returned nil.
func (s *Supervisor) tick(ctx context.Context, runner *pipeline.Runner, sessionID uint) bool {
	sess, err := s.store.Session().GetByID(sessionID)
	if err != nil {
		logger.Errorf("❌ supervisor: session %d: reload before cycle: %v", sessionID, err)
		s.crash(sessionID, fmt.Sprintf("supervisor machinery error: reload session: %v", err))
		return false
	}
	if err := runner.RunCycle(ctx, sess); err != nil {
		logger.Errorf("❌ supervisor: session %d: cycle bookkeeping failed: %v", sessionID, err)
		s.crash(sessionID, fmt.Sprintf("supervisor machinery error: %v", err))
		return false
	}
	return true
}

// Stop is graceful: bg_status -> stopping, signal cancellation, await the
// worker up to stopTimeout, then finalize bg_status -> stopped regardless
// (§4.7, §5 "Cancellation semantics"). Calling Stop on a session with no
// live worker is a no-op success (P8).
func (s *Supervisor) Stop(sessionID uint) error {
	s.mu.Lock()
	h, exists := s.workers[sessionID]
	s.mu.Unlock()
	if !exists {
		return nil
	}

	if err := s.store.Session().SetBgStatus(sessionID, store.BgStatusStopping); err != nil {
		logger.Warnf("⚠️ supervisor: session %d: mark stopping: %v", sessionID, err)
	}

	h.cancel()

	select {
	case <-h.done:
	case <-time.After(s.stopTimeout):
		logger.Warnf("⚠️ supervisor: session %d: worker did not drain within %s, forced", sessionID, s.stopTimeout)
	}

	s.forget(sessionID)

	if err := s.store.Session().EndSession(sessionID, store.SessionStatusStopped, ""); err != nil {
		return fmt.Errorf("supervisor: finalize stop: %w", err)
	}
	return nil
}

// forget removes a worker's map entry; safe to call more than once.
func (s *Supervisor) forget(sessionID uint) {
	s.mu.Lock()
	delete(s.workers, sessionID)
	s.mu.Unlock()
}

// crash reconciles both bg_status and session_status to crashed and drops
// the worker's map entry, matching §4.7's "the session's own session_status
// is also transitioned to crashed with a note".
func (s *Supervisor) crash(sessionID uint, note string) {
	if err := s.store.Session().MarkCrashed(sessionID, note); err != nil {
		logger.Errorf("❌ supervisor: session %d: mark crashed: %v", sessionID, err)
	}
	s.forget(sessionID)
}

// Status is a pure read from the store; returns nil iff bg_status is idle,
// i.e. the session was never started (§4.7).
func (s *Supervisor) Status(sessionID uint) (*store.Session, error) {
	sess, err := s.store.Session().GetByID(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.BgStatus == store.BgStatusIdle {
		return nil, nil
	}
	return sess, nil
}

// ListRunning returns the session ids with a live worker right now —
// authoritative for "is there a live goroutine", distinct from Status's
// "what was the last known state" (§4.7).
func (s *Supervisor) ListRunning() []uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	return ids
}

// Recover implements S6: on process start, any session left in bg_status =
// running by a prior process that died without stopping it has no live
// worker in this process's map and must be reconciled to crashed.
func (s *Supervisor) Recover() (int64, error) {
	return s.store.Session().RecoverOrphanedRunningSessions()
}

// Shutdown stops every live worker with the same stop-timeout bound, then
// sweeps any session still left in bg_status = running (e.g. one whose
// final EndSession call in Stop failed) to stopped with note "shutdown"
// (§5 "Process shutdown").
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	ids := make([]uint, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.Stop(id); err != nil {
			logger.Errorf("❌ supervisor: shutdown: session %d: %v", id, err)
		}
	}

	if n, err := s.store.Session().MarkAllRunningStopped("shutdown"); err != nil {
		logger.Errorf("❌ supervisor: shutdown sweep: %v", err)
	} else if n > 0 {
		logger.Warnf("⚠️ supervisor: shutdown swept %d session(s) still marked running", n)
	}
}
