package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/storeharvest/internal/browser"
	"github.com/JakeFAU/storeharvest/internal/harvest"
	"github.com/JakeFAU/storeharvest/internal/metrics"
	"github.com/JakeFAU/storeharvest/internal/proxy"
)

// IdentityPool hands out and scores egress identities.
type IdentityPool interface {
	Acquire(exclude ...string) (*proxy.Identity, error)
	Report(identity *proxy.Identity, outcome proxy.Outcome)
}

// Result is the terminal outcome of one WorkUnit.
type Result struct {
	Unit       *harvest.WorkUnit
	State      harvest.UnitState
	Entities   harvest.Entities
	Err        error
	Attempts   int
	Solves     int
	Identities []string
}

// Executor drives WorkUnits to a terminal state.
type Executor struct {
	pool     IdentityPool
	sessions browser.Factory
	solver   harvest.Solver
	cfg      Config
	pauser   Pauser
	logger   *zap.Logger
}

// NewExecutor wires an executor. A nil solver behaves as unavailable.
func NewExecutor(pool IdentityPool, sessions browser.Factory, solver harvest.Solver, cfg Config, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		pool:     pool,
		sessions: sessions,
		solver:   solver,
		cfg:      cfg.withDefaults(),
		pauser:   TimerPauser{},
		logger:   logger,
	}
}

// WithPauser replaces the backoff sleeper.
func (e *Executor) WithPauser(p Pauser) *Executor {
	if p != nil {
		e.pauser = p
	}
	return e
}

// Config returns the effective retry configuration.
func (e *Executor) Config() Config { return e.cfg }

// attemptResult is what one attempt produced before the retry decision.
type attemptResult struct {
	state    harvest.UnitState
	entities harvest.Entities
	err      error
	// final stops retrying regardless of remaining budget.
	final bool
}

// Run executes unit until it succeeds or is exhausted. Unit fields are
// updated in place.
func (e *Executor) Run(ctx context.Context, unit *harvest.WorkUnit) Result {
	if unit.MaxAttempts <= 0 {
		unit.MaxAttempts = e.cfg.MaxAttempts
	}
	unit.State = harvest.StatePending
	var identities []string
	log := e.logger.With(zap.String("unit", unit.ID), zap.String("kind", string(unit.Kind)), zap.String("url", unit.URL))

	finish := func(state harvest.UnitState, ents harvest.Entities, err error) Result {
		unit.State = state
		unit.LastErr = err
		metrics.ObserveUnit(string(unit.Kind), string(state))
		if state == harvest.StateExhausted {
			log.Warn("Unit exhausted",
				zap.Int("attempts", unit.Attempts),
				zap.Int("solves", unit.ChallengeSolves),
				zap.Error(err),
			)
		}
		return Result{
			Unit:       unit,
			State:      state,
			Entities:   ents,
			Err:        err,
			Attempts:   unit.Attempts,
			Solves:     unit.ChallengeSolves,
			Identities: identities,
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return finish(harvest.StateExhausted, harvest.Entities{}, err)
		}

		var exclude []string
		if unit.LastIdentity != "" {
			exclude = append(exclude, unit.LastIdentity)
		}
		identity, err := e.pool.Acquire(exclude...)
		if err != nil {
			return finish(harvest.StateExhausted, harvest.Entities{}, err)
		}

		unit.Attempts++
		unit.State = harvest.StateInFlight
		unit.LastIdentity = identity.ID()
		identities = append(identities, identity.ID())

		res := e.attempt(ctx, unit, identity, log)
		metrics.ObserveAttempt(string(unit.Kind), string(res.state))
		if res.state == harvest.StateSucceeded {
			return finish(harvest.StateSucceeded, res.entities, nil)
		}
		unit.LastErr = res.err
		if res.final || ctx.Err() != nil {
			return finish(harvest.StateExhausted, harvest.Entities{}, res.err)
		}
		if unit.Attempts >= unit.MaxAttempts {
			return finish(harvest.StateExhausted, harvest.Entities{}, res.err)
		}

		unit.State = harvest.StateFailed
		delay := e.cfg.Backoff(unit.Attempts)
		log.Info("Attempt failed, backing off",
			zap.Int("attempt", unit.Attempts),
			zap.String("identity", identity.ID()),
			zap.Duration("backoff", delay),
			zap.Error(res.err),
		)
		metrics.ObserveBackoff(delay)
		if err := e.pauser.Pause(ctx, delay); err != nil {
			return finish(harvest.StateExhausted, harvest.Entities{}, err)
		}
		unit.State = harvest.StatePending
	}
}

// attempt performs one browser session against one identity. Every branch
// reports the identity at most once.
func (e *Executor) attempt(ctx context.Context, unit *harvest.WorkUnit, identity *proxy.Identity, log *zap.Logger) attemptResult {
	sess, err := e.sessions.Open(ctx, identity)
	if err != nil {
		return attemptResult{state: harvest.StateFailed, err: fmt.Errorf("open session: %w", err)}
	}
	defer sess.Close()

	out := sess.Navigate(ctx, unit.URL)
	for {
		switch out.Kind {
		case harvest.OutcomeContent:
			ents, err := sess.Extract(unit.Kind, out.Raw)
			if err != nil {
				// A page that does not parse may be a soft block served to a flagged proxy.
				e.pool.Report(identity, proxy.OutcomeSoftFailure)
				return attemptResult{state: harvest.StateFailed, err: err}
			}
			e.pool.Report(identity, proxy.OutcomeSuccess)
			return attemptResult{state: harvest.StateSucceeded, entities: ents}

		case harvest.OutcomeChallenge:
			unit.State = harvest.StateChallenged
			next, res, done := e.solve(ctx, unit, sess, identity, out, log)
			if done {
				return res
			}
			out = next

		case harvest.OutcomeBlocked:
			e.pool.Report(identity, proxy.OutcomeSoftFailure)
			return attemptResult{state: harvest.StateFailed, err: orDefault(out.Err, harvest.ErrBlocked)}

		default:
			if ctx.Err() != nil {
				return attemptResult{state: harvest.StateFailed, err: ctx.Err()}
			}
			if out.HardFailure {
				e.pool.Report(identity, proxy.OutcomeHardFailure)
			} else {
				e.pool.Report(identity, proxy.OutcomeSoftFailure)
			}
			return attemptResult{state: harvest.StateFailed, err: orDefault(out.Err, harvest.ErrNetwork)}
		}
	}
}

// solve handles one challenge outcome. It returns the page after token
// submission, or a final attempt result when done is true.
func (e *Executor) solve(
	ctx context.Context,
	unit *harvest.WorkUnit,
	sess browser.Session,
	identity *proxy.Identity,
	out harvest.PageOutcome,
	log *zap.Logger,
) (harvest.PageOutcome, attemptResult, bool) {
	artifact := harvest.ChallengeArtifact{Type: harvest.ChallengeGeneric, PageURL: out.URL}
	if out.Challenge != nil {
		artifact = *out.Challenge
	}
	artifact.Unit = unit

	if e.solver == nil || !e.solver.Available() {
		metrics.ObserveChallenge(string(artifact.Type), "unavailable")
		return out, attemptResult{
			state: harvest.StateChallenged,
			err:   fmt.Errorf("%s challenge: %w", artifact.Type, harvest.ErrSolveUnavailable),
			final: true,
		}, true
	}
	if unit.ChallengeSolves >= e.cfg.MaxChallengeSolves {
		metrics.ObserveChallenge(string(artifact.Type), "budget_spent")
		e.pool.Report(identity, proxy.OutcomeSoftFailure)
		return out, attemptResult{
			state: harvest.StateFailed,
			err:   fmt.Errorf("%s challenge after %d solves: %w", artifact.Type, unit.ChallengeSolves, harvest.ErrBlocked),
		}, true
	}

	unit.ChallengeSolves++
	log.Info("Solving challenge",
		zap.String("type", string(artifact.Type)),
		zap.Int("solve", unit.ChallengeSolves),
	)
	start := time.Now()
	token, err := e.solver.Solve(ctx, artifact, e.cfg.SolveTimeout)
	if err != nil {
		metrics.ObserveChallenge(string(artifact.Type), solveResult(err))
		if ctx.Err() == nil {
			e.pool.Report(identity, proxy.OutcomeSoftFailure)
		}
		return out, attemptResult{state: harvest.StateFailed, err: err}, true
	}
	metrics.ObserveChallenge(string(artifact.Type), "solved")
	log.Debug("Challenge solved", zap.Duration("elapsed", time.Since(start)))
	return sess.SubmitSolvedToken(ctx, token), attemptResult{}, false
}

func solveResult(err error) string {
	switch {
	case errors.Is(err, harvest.ErrSolveTimeout):
		return "timeout"
	case errors.Is(err, harvest.ErrSolveRejected):
		return "rejected"
	default:
		return "error"
	}
}

func orDefault(err, def error) error {
	if err != nil {
		return err
	}
	return def
}
