package main

import (
	"context"
	"time"

	"github.com/eddiefleurent/volume_rider/internal/models"
	"github.com/eddiefleurent/volume_rider/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type cycleRunner interface {
	Run(ctx context.Context, state models.SessionState) models.CycleResult
}

type sessionObserver interface {
	ObserveCycle(r models.CycleResult)
	ObserveSession(s models.SessionState)
}

type nopSessionObserver struct{}

func (nopSessionObserver) ObserveCycle(models.CycleResult) {}
func (nopSessionObserver) ObserveSession(models.SessionState) {}

// SessionConfig holds the termination rules and pacing of the session loop
type SessionConfig struct {
	ProfitTarget         decimal.Decimal
	MaxConsecutiveLosses int
	TradeInterval        time.Duration // cooldown after a settled cycle
	NoOpBackoff          time.Duration // wait after a no-op cycle or outside trading hours
	InTradingHours       func(ctx context.Context, now time.Time) bool
}

// Session repeats trade cycles until a terminal condition holds
type Session struct {
	cycle   cycleRunner
	storage storage.Interface
	metrics sessionObserver
	logger  logrus.FieldLogger
	sleep   Sleeper
	now     func() time.Time
	config  SessionConfig
}

// NewSession creates the session loop
func NewSession(cycle cycleRunner, store storage.Interface, logger logrus.FieldLogger, config SessionConfig) *Session {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if config.InTradingHours == nil {
		config.InTradingHours = func(context.Context, time.Time) bool { return true }
	}
	return &Session{
		cycle:   cycle,
		storage: store,
		metrics: nopSessionObserver{},
		logger:  logger,
		sleep:   sleepCtx,
		now:     time.Now,
		config:  config,
	}
}

// WithMetrics attaches cycle and session gauges
func (s *Session) WithMetrics(m sessionObserver) *Session {
	if m != nil {
		s.metrics = m
	}
	return s
}

// WithSleeper replaces the cooldown and backoff waits
func (s *Session) WithSleeper(sl Sleeper) *Session {
	if sl != nil {
		s.sleep = sl
	}
	return s
}

// Run drives cycles from state until the profit target, the loss circuit
// breaker, an unresolved exit, or cancellation. It returns the final state.
func (s *Session) Run(ctx context.Context, state models.SessionState) models.SessionState {
	log := s.logger.WithField("component", "session")
	log.WithFields(logrus.Fields{
		"capital":       state.Capital.StringFixed(2),
		"profit_target": s.config.ProfitTarget.StringFixed(2),
		"max_losses":    s.config.MaxConsecutiveLosses,
	}).Info("Session started")
	s.persist(log, state)

	for !state.IsTerminal() {
		if status, done := s.terminalStatus(state); done {
			state = s.finish(log, state, status)
			break
		}
		if ctx.Err() != nil {
			state = s.finish(log, state, models.SessionStopped)
			break
		}

		if !s.config.InTradingHours(ctx, s.now()) {
			log.Debug("Outside trading hours, waiting")
			if err := s.sleep(ctx, s.config.NoOpBackoff); err != nil {
				state = s.finish(log, state, models.SessionStopped)
			}
			continue
		}

		result := s.cycle.Run(ctx, state)
		state = state.Apply(result)
		s.record(log, result)
		s.metrics.ObserveCycle(result)
		s.metrics.ObserveSession(state)

		entry := log.WithFields(logrus.Fields{
			"cycle_id":           shortID(result.CycleID),
			"outcome":            result.Outcome,
			"capital":            state.Capital.StringFixed(2),
			"cumulative_profit":  state.CumulativeProfit.StringFixed(2),
			"consecutive_losses": state.ConsecutiveLosses,
		})

		var wait time.Duration
		switch result.Outcome {
		case models.OutcomeUnresolved:
			entry.WithField("error", result.Error).Error("Cycle unresolved, halting session - manual intervention required")
			state = s.finish(log, state, models.SessionUnresolved)
			continue
		case models.OutcomeNoOp:
			entry.WithField("error", result.Error).Info("Cycle was a no-op")
			wait = s.config.NoOpBackoff
		default:
			entry.WithFields(logrus.Fields{
				"pnl":    result.RealizedPnL.StringFixed(2),
				"reason": result.ExitReason,
			}).Info("Cycle settled")
			wait = s.config.TradeInterval
		}
		s.persist(log, state)

		if status, done := s.terminalStatus(state); done {
			state = s.finish(log, state, status)
			break
		}
		if err := s.sleep(ctx, wait); err != nil {
			state = s.finish(log, state, models.SessionStopped)
		}
	}

	return state
}

// terminalStatus checks the profit target before the loss streak
func (s *Session) terminalStatus(state models.SessionState) (models.SessionStatus, bool) {
	if state.ProfitTargetReached(s.config.ProfitTarget) {
		return models.SessionTargetReached, true
	}
	if state.CircuitBreakerTripped(s.config.MaxConsecutiveLosses) {
		return models.SessionCircuitBreaker, true
	}
	return "", false
}

func (s *Session) finish(log logrus.FieldLogger, state models.SessionState, status models.SessionStatus) models.SessionState {
	state.Status = status
	state.UpdatedAt = time.Now().UTC()
	s.persist(log, state)
	s.metrics.ObserveSession(state)

	entry := log.WithFields(logrus.Fields{
		"status":             status,
		"capital":            state.Capital.StringFixed(2),
		"cumulative_profit":  state.CumulativeProfit.StringFixed(2),
		"consecutive_losses": state.ConsecutiveLosses,
		"cycles":             state.CyclesCompleted,
	})
	switch status {
	case models.SessionTargetReached:
		entry.Info("Profit target reached, session complete")
	case models.SessionCircuitBreaker:
		entry.Warn("Circuit breaker tripped on consecutive losses, session halted")
	case models.SessionUnresolved:
		entry.Error("Session halted with an unresolved position")
	default:
		entry.Info("Session stopped")
	}
	return state
}

func (s *Session) record(log logrus.FieldLogger, result models.CycleResult) {
	if err := s.storage.RecordCycle(result.Record()); err != nil {
		log.WithError(err).Error("Failed to record cycle")
	}
}

func (s *Session) persist(log logrus.FieldLogger, state models.SessionState) {
	if err := s.storage.SaveSession(state); err != nil {
		log.WithError(err).Error("Failed to save session state")
	}
}
