package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/mission-engine/internal/config"
	"github.com/nidhogg/mission-engine/internal/mission"
)

// Backoff computes the wait before a retry.
type Backoff struct {
	Kind       string
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter adds up to this fraction of the delay at random.
	Jitter float64
}

// BackoffFromConfig converts the engine's backoff settings.
func BackoffFromConfig(c config.BackoffConfig) Backoff {
	return Backoff{
		Kind:       c.Kind,
		Initial:    c.Initial.Std(),
		Max:        c.Max.Std(),
		Multiplier: c.Multiplier,
		Jitter:     c.Jitter,
	}
}

// Delay returns the wait after the given failed attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Initial
	if b.Kind == config.BackoffExponential && attempt > 1 && b.Multiplier > 1 {
		d = time.Duration(float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt-1)))
	}
	if b.Max > 0 && (d > b.Max || d < 0) {
		d = b.Max
	}
	if b.Jitter > 0 && d > 0 {
		d += time.Duration(rand.Float64() * b.Jitter * float64(d))
	}
	return d
}

// StepRecorder persists step progress between attempts.
type StepRecorder interface {
	UpdateStep(ctx context.Context, st *mission.Step) error
}

// StepResult is the outcome of running one step to a terminal status.
type StepResult struct {
	Status   mission.StepStatus
	Output   string
	Err      error
	Attempts int
	Duration time.Duration
}

type ExecutorOptions struct {
	// DefaultTimeout applies to steps without their own timeout. It must
	// be positive; steps never run unbounded.
	DefaultTimeout time.Duration
	Backoff        Backoff
	Logs           LogAppender
	Recorder       StepRecorder
}

// Executor runs single steps with per-attempt deadlines and retries.
type Executor struct {
	actions        *Actions
	defaultTimeout time.Duration
	backoff        Backoff
	logs           LogAppender
	recorder       StepRecorder
	logger         *zap.Logger
	now            func() time.Time
}

func NewExecutor(actions *Actions, opts ExecutorOptions, logger *zap.Logger) (*Executor, error) {
	if opts.DefaultTimeout <= 0 {
		return nil, fmt.Errorf("%w: default step timeout must be positive", mission.ErrValidation)
	}
	return &Executor{
		actions:        actions,
		defaultTimeout: opts.DefaultTimeout,
		backoff:        opts.Backoff,
		logs:           opts.Logs,
		recorder:       opts.Recorder,
		logger:         logger,
		now:            func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run drives st through as many attempts as its retry policy allows and
// leaves it in a terminal status. Permanent errors end the step at once.
func (e *Executor) Run(ctx context.Context, st *mission.Step, in StepInput) StepResult {
	start := time.Now()
	finish := func(status mission.StepStatus, out string, err error) StepResult {
		if ferr := st.Finish(status, out, err, e.now()); ferr != nil && err == nil {
			err = ferr
		}
		return StepResult{Status: st.Status, Output: out, Err: err, Attempts: st.Attempt, Duration: time.Since(start)}
	}

	action, ok := e.actions.Lookup(st.Action)
	if !ok {
		return finish(mission.StepFailed, "", mission.Permanent(fmt.Errorf("unknown action %q", st.Action)))
	}

	for {
		if err := st.BeginAttempt(e.now()); err != nil {
			return finish(mission.StepFailed, "", err)
		}
		e.record(ctx, st)

		in.Step = st.Clone()
		out, err := e.attempt(ctx, st, action, in)
		if err == nil {
			return finish(mission.StepCompleted, out, nil)
		}
		if ctx.Err() != nil || !mission.Retryable(err) || st.Attempt >= st.MaxAttempts() {
			return finish(mission.StepFailed, out, err)
		}

		delay := e.backoff.Delay(st.Attempt)
		e.logRetry(ctx, st, err, delay)
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return finish(mission.StepFailed, out, err)
		}
	}
}

type attemptResult struct {
	out string
	err error
}

// attempt runs the action in its own goroutine so the deadline holds even
// when the action ignores ctx.
func (e *Executor) attempt(ctx context.Context, st *mission.Step, action Action, in StepInput) (string, error) {
	timeout := st.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attemptResult{err: fmt.Errorf("action %s panicked: %v", st.Action, r)}
			}
		}()
		out, err := action(actx, in)
		done <- attemptResult{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return r.out, &mission.TimeoutError{Step: st.Name, Timeout: timeout}
		}
		return r.out, r.err
	case <-actx.Done():
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		e.logger.Warn("step attempt abandoned at deadline",
			zap.String("mission", st.MissionID),
			zap.String("step", st.Name),
			zap.Int("attempt", st.Attempt))
		return "", &mission.TimeoutError{Step: st.Name, Timeout: timeout}
	}
}

func (e *Executor) record(ctx context.Context, st *mission.Step) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.UpdateStep(ctx, st); err != nil {
		e.logger.Warn("record step attempt", zap.String("step", st.Name), zap.Error(err))
	}
}

func (e *Executor) logRetry(ctx context.Context, st *mission.Step, err error, delay time.Duration) {
	e.logger.Warn("step attempt failed, retrying",
		zap.String("mission", st.MissionID),
		zap.String("step", st.Name),
		zap.Int("attempt", st.Attempt),
		zap.Duration("backoff", delay),
		zap.Error(err))
	if e.logs == nil {
		return
	}
	_, lerr := e.logs.Append(ctx, mission.Log{
		MissionID:    st.MissionID,
		Type:         mission.LogWarning,
		Severity:     mission.SeverityMedium,
		Title:        "Step attempt failed",
		Message:      fmt.Sprintf("step %s attempt %d/%d failed: %v", st.Name, st.Attempt, st.MaxAttempts(), err),
		Category:     mission.CategoryStep,
		SourceModule: "step-executor",
		Metadata: mission.StepMetadata(mission.StepMeta{
			StepID:     st.ID,
			StepName:   st.Name,
			Action:     st.Action,
			Attempt:    st.Attempt,
			MaxRetries: st.MaxRetries,
			Error:      err.Error(),
		}),
	})
	if lerr != nil {
		e.logger.Warn("append retry log", zap.String("step", st.Name), zap.Error(lerr))
	}
}
