package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/mission-engine/internal/config"
	"github.com/nidhogg/mission-engine/internal/mission"
)

const runnerModule = "mission-runner"

// errCancelled stops a run after an operator cancel.
var errCancelled = errors.New("mission cancelled")

// Outcome summarizes one execution.
type Outcome struct {
	MissionID  string          `json:"mission_id"`
	Status     mission.Status  `json:"status"`
	FailedStep string          `json:"failed_step,omitempty"`
	Error      string          `json:"error,omitempty"`
	Steps      []*mission.Step `json:"steps"`
	Duration   time.Duration   `json:"duration"`
}

type RunnerOptions struct {
	// FailurePolicy is config.PolicyAbort or config.PolicyContinue.
	FailurePolicy string
	Logs          LogAppender
	Alerts        AlertRaiser
}

// Runner executes missions step by step. Different missions run
// concurrently; one mission runs at most once at a time.
type Runner struct {
	store  *MissionStore
	exec   *Executor
	policy string
	logs   LogAppender
	alerts AlertRaiser
	logger *zap.Logger

	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup
}

// run is the in-memory handle of an active execution.
type run struct {
	id    string
	steps []*mission.Step
	start time.Time
	// wake is signalled on pause, resume and cancel.
	wake chan struct{}
}

func (r *run) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func NewRunner(ms *MissionStore, exec *Executor, opts RunnerOptions, logger *zap.Logger) *Runner {
	if opts.FailurePolicy == "" {
		opts.FailurePolicy = config.PolicyAbort
	}
	return &Runner{
		store:  ms,
		exec:   exec,
		policy: opts.FailurePolicy,
		logs:   opts.Logs,
		alerts: opts.Alerts,
		logger: logger,
		runs:   make(map[string]*run),
	}
}

// Execute runs mission id to a final status and returns the outcome.
func (r *Runner) Execute(ctx context.Context, id string) (*Outcome, error) {
	rn, err := r.begin(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.drive(ctx, rn)
}

// Start moves mission id to in-progress and drives it in the background.
// The run outlives ctx; Wait blocks until it ends.
func (r *Runner) Start(ctx context.Context, id string) error {
	rn, err := r.begin(ctx, id)
	if err != nil {
		return err
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if _, err := r.drive(context.WithoutCancel(ctx), rn); err != nil {
			r.logger.Error("mission run ended with error", zap.String("mission", id), zap.Error(err))
		}
	}()
	return nil
}

// Wait blocks until every run started with Start has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Active lists the ids of missions being executed.
func (r *Runner) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.runs))
	for id := range r.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Pause stops mission id before its next step. The running step finishes.
func (r *Runner) Pause(ctx context.Context, id string) (*mission.Mission, error) {
	m, err := r.store.Transition(ctx, id, mission.StatusPaused, nil)
	if err != nil {
		return nil, err
	}
	r.wakeRun(id)
	return m, nil
}

func (r *Runner) Resume(ctx context.Context, id string) (*mission.Mission, error) {
	m, err := r.store.Transition(ctx, id, mission.StatusInProgress, nil)
	if err != nil {
		return nil, err
	}
	r.wakeRun(id)
	return m, nil
}

// Cancel closes an in-progress mission. An active run stops after its
// current step; remaining steps are marked skipped.
func (r *Runner) Cancel(ctx context.Context, id string) (*mission.Mission, error) {
	m, err := r.store.Transition(ctx, id, mission.StatusCancelled, nil)
	if err != nil {
		return nil, err
	}
	if !r.wakeRun(id) {
		// Nothing is driving it; close the steps here.
		steps, err := r.store.Steps(ctx, id)
		if err != nil {
			return m, err
		}
		r.skip(ctx, steps)
	}
	r.record(ctx, id, mission.LogWarning, mission.SeverityMedium, "Mission cancelled", "cancelled by operator", mission.Metadata{})
	return m, nil
}

func (r *Runner) wakeRun(id string) bool {
	r.mu.Lock()
	rn, ok := r.runs[id]
	r.mu.Unlock()
	if ok {
		rn.signal()
	}
	return ok
}

// begin claims the mission, walks it to in-progress and materializes its
// steps.
func (r *Runner) begin(ctx context.Context, id string) (*run, error) {
	m, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Status != mission.StatusPlanned && m.Status != mission.StatusAssigned {
		return nil, &mission.InvalidStateError{Entity: "mission " + id, From: string(m.Status), To: string(mission.StatusInProgress)}
	}

	rn := &run{id: id, start: time.Now(), wake: make(chan struct{}, 1)}
	r.mu.Lock()
	if _, busy := r.runs[id]; busy {
		r.mu.Unlock()
		return nil, &mission.InvalidStateError{Entity: "mission " + id, From: "running", To: string(mission.StatusInProgress)}
	}
	r.runs[id] = rn
	r.mu.Unlock()

	fail := func(err error) (*run, error) {
		r.release(id)
		return nil, err
	}
	// Steps exist before the mission leaves planned/assigned, so a storage
	// error here leaves it executable.
	steps, err := r.store.Steps(ctx, id)
	if err != nil {
		return fail(err)
	}
	if len(steps) == 0 {
		steps = make([]*mission.Step, len(m.Steps))
		for i, t := range m.Steps {
			steps[i] = mission.NewStep(uuid.New().String(), id, i, t)
		}
		if err := r.store.SaveSteps(ctx, steps); err != nil {
			return fail(err)
		}
	}
	rn.steps = steps

	if m.Status == mission.StatusPlanned {
		if m, err = r.store.Transition(ctx, id, mission.StatusAssigned, nil); err != nil {
			return fail(err)
		}
	}
	if m, err = r.store.Transition(ctx, id, mission.StatusInProgress, nil); err != nil {
		return fail(err)
	}

	r.logger.Info("mission started", zap.String("mission", id), zap.Int("steps", len(steps)))
	r.record(ctx, id, mission.LogInfo, mission.SeverityLow, "Mission started",
		fmt.Sprintf("%s started with %d steps", m.Name, len(steps)), mission.Metadata{})
	return rn, nil
}

func (r *Runner) release(id string) {
	r.mu.Lock()
	delete(r.runs, id)
	r.mu.Unlock()
}

func (r *Runner) drive(ctx context.Context, rn *run) (*Outcome, error) {
	defer r.release(rn.id)

	out := &Outcome{MissionID: rn.id, Steps: rn.steps}
	defer func() { out.Duration = time.Since(rn.start) }()

	outputs := make(map[string]string, len(rn.steps))
	for i, st := range rn.steps {
		if st.Status == mission.StepCompleted {
			outputs[st.Name] = st.Output
			continue
		}

		m, err := r.gate(ctx, rn)
		if errors.Is(err, errCancelled) {
			r.skip(ctx, rn.steps[i:])
			out.Status = mission.StatusCancelled
			return out, nil
		}
		if err != nil {
			return out, err
		}

		res := r.exec.Run(ctx, st, StepInput{Mission: m, Params: st.Params, Outputs: copyOutputs(outputs)})
		if err := r.store.UpdateStep(ctx, st); err != nil {
			r.logger.Error("commit step", zap.String("mission", rn.id), zap.String("step", st.Name), zap.Error(err))
		}
		meta := mission.StepMetadata(mission.StepMeta{
			StepID:     st.ID,
			StepName:   st.Name,
			Action:     st.Action,
			Attempt:    res.Attempts,
			MaxRetries: st.MaxRetries,
			Duration:   res.Duration,
			Error:      st.Error,
		})

		if res.Status == mission.StepCompleted {
			outputs[st.Name] = res.Output
			r.record(ctx, rn.id, mission.LogSuccess, mission.SeverityLow, "Step completed",
				fmt.Sprintf("step %s completed after %d attempt(s)", st.Name, res.Attempts), meta)
			continue
		}

		if r.policy == config.PolicyContinue && st.Optional {
			r.record(ctx, rn.id, mission.LogWarning, mission.SeverityMedium, "Optional step failed",
				fmt.Sprintf("step %s failed, continuing: %v", st.Name, res.Err), meta)
			r.raise(ctx, rn.id, mission.SeverityMedium, fmt.Sprintf("optional step %s failed: %v", st.Name, res.Err))
			continue
		}

		r.record(ctx, rn.id, mission.LogError, mission.SeverityHigh, "Step failed",
			fmt.Sprintf("step %s failed after %d attempt(s): %v", st.Name, res.Attempts, res.Err), meta)
		r.skip(ctx, rn.steps[i+1:])
		r.raise(ctx, rn.id, mission.SeverityCritical, fmt.Sprintf("mission failed at step %s: %v", st.Name, res.Err))

		out.FailedStep = st.Name
		out.Error = errString(res.Err)
		status, err := r.commit(ctx, rn, mission.StatusFailed)
		out.Status = status
		if err != nil {
			return out, err
		}
		if status == mission.StatusFailed {
			r.record(ctx, rn.id, mission.LogError, mission.SeverityHigh, "Mission failed",
				fmt.Sprintf("mission failed at step %s", st.Name), mission.Metadata{})
		}
		return out, nil
	}

	status, err := r.commit(ctx, rn, mission.StatusCompleted)
	out.Status = status
	if err != nil {
		return out, err
	}
	if status == mission.StatusCompleted {
		r.logger.Info("mission completed", zap.String("mission", rn.id))
		r.record(ctx, rn.id, mission.LogSuccess, mission.SeverityLow, "Mission completed",
			fmt.Sprintf("all %d steps completed", len(rn.steps)), mission.Metadata{})
	}
	return out, nil
}

// gate returns once the mission is in-progress. A paused mission blocks
// here until it is resumed or cancelled.
func (r *Runner) gate(ctx context.Context, rn *run) (*mission.Mission, error) {
	logged := false
	for {
		m, err := r.store.Get(ctx, rn.id)
		if err != nil {
			return nil, err
		}
		switch m.Status {
		case mission.StatusInProgress:
			return m, nil
		case mission.StatusCancelled:
			return m, errCancelled
		case mission.StatusPaused:
			if !logged {
				r.logger.Info("mission paused, waiting", zap.String("mission", rn.id))
				logged = true
			}
			select {
			case <-rn.wake:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		default:
			return nil, &mission.InvalidStateError{Entity: "mission " + rn.id, From: string(m.Status), To: string(mission.StatusInProgress)}
		}
	}
}

// commit applies a final status, waiting out a pause first. It reports the
// status the mission actually ended in, which is cancelled if an operator
// got there first.
func (r *Runner) commit(ctx context.Context, rn *run, to mission.Status) (mission.Status, error) {
	for {
		_, err := r.gate(ctx, rn)
		if errors.Is(err, errCancelled) {
			return mission.StatusCancelled, nil
		}
		if err != nil {
			return "", err
		}
		m, err := r.store.Transition(ctx, rn.id, to, nil)
		if errors.Is(err, mission.ErrInvalidState) {
			continue
		}
		if err != nil {
			return "", err
		}
		return m.Status, nil
	}
}

func (r *Runner) skip(ctx context.Context, steps []*mission.Step) {
	now := time.Now().UTC()
	for _, st := range steps {
		if st.Status.Done() {
			continue
		}
		if err := st.Finish(mission.StepSkipped, "", nil, now); err != nil {
			continue
		}
		if err := r.store.UpdateStep(ctx, st); err != nil {
			r.logger.Error("commit skipped step", zap.String("step", st.Name), zap.Error(err))
		}
	}
}

func (r *Runner) record(ctx context.Context, missionID string, t mission.LogType, sev mission.Severity, title, msg string, meta mission.Metadata) {
	if r.logs == nil {
		return
	}
	_, err := r.logs.Append(ctx, mission.Log{
		MissionID:    missionID,
		Type:         t,
		Severity:     sev,
		Title:        title,
		Message:      msg,
		Category:     categoryFor(meta),
		SourceModule: runnerModule,
		Metadata:     meta,
	})
	if err != nil {
		r.logger.Warn("append mission log", zap.String("mission", missionID), zap.String("title", title), zap.Error(err))
	}
}

func (r *Runner) raise(ctx context.Context, missionID string, sev mission.Severity, msg string) {
	if r.alerts == nil {
		return
	}
	if _, err := r.alerts.Raise(ctx, mission.Alert{MissionID: missionID, Severity: sev, Message: msg, Source: runnerModule}); err != nil {
		r.logger.Warn("raise mission alert", zap.String("mission", missionID), zap.Error(err))
	}
}

func categoryFor(meta mission.Metadata) string {
	if meta.Kind == mission.MetaStep {
		return mission.CategoryStep
	}
	return mission.CategoryMission
}

func copyOutputs(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
