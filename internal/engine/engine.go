// Package engine assembles the mission engine from its parts. There is no
// package-level state; every engine is built with New.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/mission-engine/internal/audit"
	"github.com/nidhogg/mission-engine/internal/condition"
	"github.com/nidhogg/mission-engine/internal/config"
	"github.com/nidhogg/mission-engine/internal/mission"
	"github.com/nidhogg/mission-engine/internal/notify"
	"github.com/nidhogg/mission-engine/internal/orchestrator"
	"github.com/nidhogg/mission-engine/internal/store"
)

type Options struct {
	Config     *config.Config
	Repository store.Repository
	// Notifier receives every mutation. A private one is created when nil.
	Notifier *notify.Notifier
	// Relay, when set, gets alerts at or above the configured threshold.
	Relay  audit.Relayer
	Logger *zap.Logger
}

// Engine owns the condition scheduler, the mission runner and the audit
// trail around one repository.
type Engine struct {
	cfg       *config.Config
	repo      store.Repository
	notifier  *notify.Notifier
	logs      *audit.LogSink
	alerts    *audit.AlertPublisher
	missions  *orchestrator.MissionStore
	actions   *orchestrator.Actions
	runner    *orchestrator.Runner
	registry  *condition.Registry
	scheduler *condition.Scheduler
	logger    *zap.Logger

	mu        sync.RWMutex
	templates map[string]mission.Template
	now       func() time.Time
}

func New(opts Options) (*Engine, error) {
	if opts.Repository == nil {
		return nil, fmt.Errorf("engine: repository is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	n := opts.Notifier
	if n == nil {
		n = notify.New(cfg.Engine.NotifyBuffer, logger.Named("notify"))
	}
	ec := cfg.Engine
	io := ec.IOTimeout.Std()

	logs := audit.NewLogSink(opts.Repository, n, io, logger.Named("audit"))
	alerts := audit.NewAlertPublisher(opts.Repository, audit.AlertOptions{
		Publisher: n,
		Logs:      logs,
		Relay:     opts.Relay,
		Threshold: mission.Severity(ec.AlertRelayThreshold),
		IOTimeout: io,
	}, logger.Named("alerts"))
	missions := orchestrator.NewMissionStore(opts.Repository, n, logs, io, logger.Named("missions"))

	actions := orchestrator.NewActions()
	if err := orchestrator.RegisterBuiltins(actions, logs); err != nil {
		return nil, err
	}
	exec, err := orchestrator.NewExecutor(actions, orchestrator.ExecutorOptions{
		DefaultTimeout: ec.DefaultStepTimeout.Std(),
		Backoff:        orchestrator.BackoffFromConfig(ec.Backoff),
		Logs:           logs,
		Recorder:       missions,
	}, logger.Named("executor"))
	if err != nil {
		return nil, err
	}
	runner := orchestrator.NewRunner(missions, exec, orchestrator.RunnerOptions{
		FailurePolicy: ec.FailurePolicy,
		Logs:          logs,
		Alerts:        alerts,
	}, logger.Named("runner"))

	registry := condition.NewRegistry()
	scheduler := condition.NewScheduler(registry, condition.Options{
		Logs:              logs,
		Alerts:            alerts,
		EvaluationTimeout: ec.EvaluationTimeout.Std(),
	}, logger.Named("conditions"))

	return &Engine{
		cfg:       cfg,
		repo:      opts.Repository,
		notifier:  n,
		logs:      logs,
		alerts:    alerts,
		missions:  missions,
		actions:   actions,
		runner:    runner,
		registry:  registry,
		scheduler: scheduler,
		logger:    logger,
		templates: make(map[string]mission.Template),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Register adds a condition. It starts ticking at once if the engine is
// running.
func (e *Engine) Register(c condition.Condition) error {
	return e.registry.Register(c)
}

// Start begins evaluating conditions.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.scheduler.Start(ctx); err != nil {
		return err
	}
	e.logger.Info("mission engine started", zap.Int("conditions", len(e.registry.List())))
	return nil
}

// Stop halts the scheduler and waits for in-flight missions until ctx is
// done. Missions still running at that point are left in-progress.
func (e *Engine) Stop(ctx context.Context) error {
	e.scheduler.Stop()

	done := make(chan struct{})
	go func() {
		e.runner.Wait()
		e.alerts.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info("mission engine stopped")
		return nil
	case <-ctx.Done():
		e.logger.Warn("mission engine stopped with runs in flight", zap.Strings("missions", e.runner.Active()))
		return fmt.Errorf("stop engine: %w", ctx.Err())
	}
}

func (e *Engine) CreateMission(ctx context.Context, m *mission.Mission) (*mission.Mission, error) {
	return e.missions.Create(ctx, m)
}

// Execute runs an existing mission synchronously.
func (e *Engine) Execute(ctx context.Context, id string) (*orchestrator.Outcome, error) {
	return e.runner.Execute(ctx, id)
}

// Launch creates m and starts it in the background. The returned mission
// is in-progress.
func (e *Engine) Launch(ctx context.Context, m *mission.Mission) (*mission.Mission, error) {
	created, err := e.missions.Create(ctx, m)
	if err != nil {
		return nil, err
	}
	if err := e.runner.Start(ctx, created.ID); err != nil {
		return created, fmt.Errorf("launch mission %s: %w", created.ID, err)
	}
	return e.missions.Get(ctx, created.ID)
}

// AddTemplate makes a mission template available to TriggerTemplate.
func (e *Engine) AddTemplate(t mission.Template) error {
	if err := t.Build().Validate(); err != nil {
		return fmt.Errorf("template %q: %w", t.Name, err)
	}
	e.mu.Lock()
	e.templates[t.Name] = t
	e.mu.Unlock()
	return nil
}

// Template looks up a registered mission template.
func (e *Engine) Template(name string) (mission.Template, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.templates[name]
	return t, ok
}

// TriggerOptions controls what TriggerTemplate launches.
type TriggerOptions struct {
	// Condition is recorded as the mission's origin.
	Condition string
	// Dedupe skips the launch while a mission from the same condition is
	// still open.
	Dedupe bool
}

// TriggerTemplate returns a trigger that launches a mission from the named
// template each time it runs.
func (e *Engine) TriggerTemplate(name string, opts TriggerOptions) (condition.TriggerFunc, error) {
	if _, ok := e.Template(name); !ok {
		return nil, fmt.Errorf("%w: unknown mission template %q", mission.ErrValidation, name)
	}
	if opts.Dedupe && opts.Condition == "" {
		return nil, fmt.Errorf("%w: dedupe needs a condition name", mission.ErrValidation)
	}
	return func(ctx context.Context) error {
		t, _ := e.Template(name)
		if opts.Dedupe {
			open, err := e.openFrom(ctx, opts.Condition)
			if err != nil {
				return err
			}
			if open != "" {
				e.logger.Info("trigger skipped, mission still open",
					zap.String("condition", opts.Condition),
					zap.String("mission", open))
				return nil
			}
		}

		m := t.Build()
		if opts.Condition != "" {
			at := e.now()
			m.Metadata.Origin = mission.Origin{Kind: mission.OriginCondition, Condition: opts.Condition, TriggeredAt: &at}
		}
		launched, err := e.Launch(ctx, m)
		if err != nil {
			return err
		}
		e.logger.Info("mission triggered",
			zap.String("template", name),
			zap.String("condition", opts.Condition),
			zap.String("mission", launched.ID))
		return nil
	}, nil
}

func (e *Engine) openFrom(ctx context.Context, cond string) (string, error) {
	ms, err := e.missions.List(ctx, mission.MissionFilter{OriginCondition: cond})
	if err != nil {
		return "", err
	}
	for _, m := range ms {
		if !m.Status.Terminal() {
			return m.ID, nil
		}
	}
	return "", nil
}

// RegisterCatalog adds every template of c and a condition for each of its
// condition specs.
func (e *Engine) RegisterCatalog(c *mission.Catalog) error {
	for _, t := range c.Missions {
		if err := e.AddTemplate(t); err != nil {
			return err
		}
	}
	src := condition.Sources{Alerts: e.alerts, Missions: e.missions}
	for _, spec := range c.Conditions {
		trigger, err := e.TriggerTemplate(spec.Mission, TriggerOptions{Condition: spec.Name, Dedupe: spec.Dedupe})
		if err != nil {
			return fmt.Errorf("condition %q: %w", spec.Name, err)
		}
		cond, err := condition.FromSpec(spec, src, trigger)
		if err != nil {
			return err
		}
		if err := e.registry.Register(cond); err != nil {
			return err
		}
	}
	e.logger.Info("catalog registered",
		zap.Int("templates", len(c.Missions)),
		zap.Int("conditions", len(c.Conditions)))
	return nil
}

func (e *Engine) Config() *config.Config               { return e.cfg }
func (e *Engine) Missions() *orchestrator.MissionStore { return e.missions }
func (e *Engine) Runner() *orchestrator.Runner         { return e.runner }
func (e *Engine) Actions() *orchestrator.Actions       { return e.actions }
func (e *Engine) Logs() *audit.LogSink                 { return e.logs }
func (e *Engine) Alerts() *audit.AlertPublisher        { return e.alerts }
func (e *Engine) Conditions() *condition.Registry      { return e.registry }
func (e *Engine) Notifier() *notify.Notifier           { return e.notifier }
func (e *Engine) Running() bool                        { return e.scheduler.Running() }
