package condition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/mission-engine/internal/mission"
)

// LogAppender is the audit boundary the scheduler reports through.
type LogAppender interface {
	Append(ctx context.Context, l mission.Log) (mission.Log, error)
}

// AlertRaiser raises alerts for failing triggers.
type AlertRaiser interface {
	Raise(ctx context.Context, a mission.Alert) (mission.Alert, error)
}

const sourceModule = "condition-scheduler"

// Scheduler drives every registered condition on its own ticker. At most
// one evaluation per condition is in flight; a tick that finds one running
// is skipped. Idle ticks, where the check returns false, go to the zap
// logger only and never reach the audit log.
type Scheduler struct {
	registry    *Registry
	logs        LogAppender
	alerts      AlertRaiser
	evalTimeout time.Duration
	logger      *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started map[string]bool
	loops   sync.WaitGroup
	evals   sync.WaitGroup
}

type Options struct {
	Logs   LogAppender
	Alerts AlertRaiser
	// EvaluationTimeout bounds one check plus its trigger.
	EvaluationTimeout time.Duration
}

func NewScheduler(registry *Registry, opts Options, logger *zap.Logger) *Scheduler {
	if opts.EvaluationTimeout <= 0 {
		opts.EvaluationTimeout = 30 * time.Second
	}
	s := &Scheduler{
		registry:    registry,
		logs:        opts.Logs,
		alerts:      opts.Alerts,
		evalTimeout: opts.EvaluationTimeout,
		logger:      logger,
	}
	registry.setOnAdd(s.startLoop)
	return s
}

// Start begins ticking every registered condition. Conditions registered
// later start as soon as they are added.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return errors.New("condition scheduler already running")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = make(map[string]bool)
	s.mu.Unlock()

	entries := s.registry.snapshot()
	for _, e := range entries {
		s.startLoop(e)
	}
	s.logger.Info("condition scheduler started", zap.Int("conditions", len(entries)))
	return nil
}

// Stop cancels future ticks and waits for in-flight evaluations, which
// run to completion on their own deadline.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.loops.Wait()
	s.evals.Wait()

	s.mu.Lock()
	s.cancel = nil
	s.ctx = nil
	s.mu.Unlock()
	s.logger.Info("condition scheduler stopped")
}

// Running reports whether Start has been called without a matching Stop.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Scheduler) startLoop(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil || s.ctx.Err() != nil || s.started[e.cond.Name] {
		return
	}
	s.started[e.cond.Name] = true
	s.loops.Add(1)
	go s.loop(s.ctx, e)
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	defer s.loops.Done()
	ticker := time.NewTicker(e.cond.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, e)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, e *entry) {
	if !e.running.CompareAndSwap(false, true) {
		e.skip()
		s.logger.Debug("condition still evaluating, tick skipped", zap.String("condition", e.cond.Name))
		return
	}
	s.evals.Add(1)
	go func() {
		defer s.evals.Done()
		defer e.running.Store(false)
		evalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.evalTimeout)
		defer cancel()
		s.evaluate(evalCtx, e)
	}()
}

func (s *Scheduler) evaluate(ctx context.Context, e *entry) {
	c := e.cond
	ok, err := safeCheck(ctx, c.Check)
	if err != nil {
		evalErr := &mission.ConditionEvaluationError{Condition: c.Name, Err: err}
		s.record(ctx, mission.Log{
			Type:     mission.LogInfo,
			Severity: mission.SeverityLow,
			Title:    "Condition evaluation failed",
			Message:  evalErr.Error(),
			Metadata: mission.ConditionMetadata(mission.ConditionMeta{Name: c.Name, Interval: c.Interval, Error: err.Error()}),
		})
		e.finish(time.Now().UTC(), false, evalErr)
		return
	}
	if !ok {
		s.logger.Info("condition not met", zap.String("condition", c.Name))
		e.finish(time.Now().UTC(), false, nil)
		return
	}

	s.logger.Info("condition met, triggering", zap.String("condition", c.Name))
	if err := safeTrigger(ctx, c.OnTrigger); err != nil {
		msg := fmt.Sprintf("trigger for condition %s failed: %v", c.Name, err)
		s.record(ctx, mission.Log{
			Type:     mission.LogError,
			Severity: mission.SeverityHigh,
			Title:    "Condition trigger failed",
			Message:  msg,
			Metadata: mission.ConditionMetadata(mission.ConditionMeta{Name: c.Name, Interval: c.Interval, Error: err.Error()}),
		})
		if s.alerts != nil {
			if _, aerr := s.alerts.Raise(ctx, mission.Alert{Severity: mission.SeverityHigh, Message: msg, Source: sourceModule}); aerr != nil {
				s.logger.Warn("raise trigger alert", zap.String("condition", c.Name), zap.Error(aerr))
			}
		}
		e.finish(time.Now().UTC(), true, err)
		return
	}
	e.finish(time.Now().UTC(), true, nil)
}

func (s *Scheduler) record(ctx context.Context, l mission.Log) {
	l.Category = mission.CategoryCondition
	l.SourceModule = sourceModule
	if s.logs == nil {
		s.logger.Warn(l.Title, zap.String("message", l.Message))
		return
	}
	if _, err := s.logs.Append(ctx, l); err != nil {
		s.logger.Error("append condition log", zap.String("title", l.Title), zap.Error(err))
	}
}

func safeCheck(ctx context.Context, fn CheckFunc) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("check panicked: %v", r)
		}
	}()
	return fn(ctx)
}

func safeTrigger(ctx context.Context, fn TriggerFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("trigger panicked: %v", r)
		}
	}()
	return fn(ctx)
}
