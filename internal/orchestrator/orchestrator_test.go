package orchestrator

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/mission-engine/internal/audit"
	"github.com/nidhogg/mission-engine/internal/config"
	"github.com/nidhogg/mission-engine/internal/mission"
	"github.com/nidhogg/mission-engine/internal/store"
)

type harness struct {
	repo    *store.Memory
	store   *MissionStore
	actions *Actions
	runner  *Runner
	logs    *audit.LogSink
}

func newHarness(t *testing.T, policy string) *harness {
	t.Helper()
	logger := zap.NewNop()
	repo := store.NewMemory()
	logs := audit.NewLogSink(repo, nil, time.Second, logger)
	alerts := audit.NewAlertPublisher(repo, audit.AlertOptions{Logs: logs, IOTimeout: time.Second}, logger)
	ms := NewMissionStore(repo, nil, logs, time.Second, logger)

	actions := NewActions()
	if err := RegisterBuiltins(actions, logs); err != nil {
		t.Fatal(err)
	}
	exec, err := NewExecutor(actions, ExecutorOptions{
		DefaultTimeout: time.Second,
		Backoff:        Backoff{Kind: config.BackoffFixed, Initial: time.Millisecond},
		Logs:           logs,
		Recorder:       ms,
	}, logger)
	if err != nil {
		t.Fatal(err)
	}
	runner := NewRunner(ms, exec, RunnerOptions{FailurePolicy: policy, Logs: logs, Alerts: alerts}, logger)
	return &harness{repo: repo, store: ms, actions: actions, runner: runner, logs: logs}
}

func (h *harness) create(t *testing.T, steps ...mission.StepTemplate) *mission.Mission {
	t.Helper()
	m, err := h.store.Create(context.Background(), &mission.Mission{
		Name:     "harbor sweep",
		Type:     mission.TypeRoutine,
		Priority: mission.PriorityMedium,
		Steps:    steps,
	})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func (h *harness) logsOf(t *testing.T, id string, typ mission.LogType) []mission.Log {
	t.Helper()
	logs, err := h.logs.Query(context.Background(), mission.LogFilter{MissionID: id, Type: typ})
	if err != nil {
		t.Fatal(err)
	}
	return logs
}

func (h *harness) alertsOf(t *testing.T, id string) []*mission.Alert {
	t.Helper()
	alerts, err := h.repo.QueryAlerts(context.Background(), mission.AlertFilter{MissionID: id})
	if err != nil {
		t.Fatal(err)
	}
	return alerts
}

func countingAction(calls *atomic.Int32, err error) Action {
	return func(context.Context, StepInput) (string, error) {
		calls.Add(1)
		return "", err
	}
}

func TestCreateAssignsIdentity(t *testing.T) {
	h := newHarness(t, "")
	m := h.create(t, mission.StepTemplate{Name: "a", Action: "noop"})
	if m.ID == "" || m.Status != mission.StatusPlanned {
		t.Fatalf("mission = %+v", m)
	}
	if !regexp.MustCompile(`^MSN-\d{8}-[0-9A-F]{6}$`).MatchString(m.Code) {
		t.Errorf("code = %q", m.Code)
	}

	_, err := h.store.Create(context.Background(), &mission.Mission{Name: "bad", Type: "boat", Priority: mission.PriorityLow})
	if !errors.Is(err, mission.ErrValidation) {
		t.Errorf("invalid mission err = %v", err)
	}
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	m := h.create(t, mission.StepTemplate{Name: "a", Action: "noop"})

	_, err := h.store.Transition(ctx, m.ID, mission.StatusCompleted, nil)
	if !errors.Is(err, mission.ErrInvalidState) {
		t.Fatalf("err = %v", err)
	}
	got, _ := h.store.Get(ctx, m.ID)
	if got.Status != mission.StatusPlanned || got.EndTime != nil {
		t.Errorf("mission changed by rejected transition: %+v", got)
	}

	assigned, err := h.store.Assign(ctx, m.ID, "vessel-9", []string{"b", "a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if assigned.AssignedVesselID != "vessel-9" || len(assigned.AssignedAgents) != 2 || assigned.AssignedAgents[0] != "a" {
		t.Errorf("assigned = %+v", assigned)
	}
	if logs := h.logsOf(t, m.ID, mission.LogInfo); len(logs) == 0 || logs[0].Metadata.Transition == nil {
		t.Errorf("transition not logged: %+v", logs)
	}
}

func TestExecuteRunsStepsInOrder(t *testing.T) {
	h := newHarness(t, "")
	var mu sync.Mutex
	var order []string
	h.actions.Register("record", func(_ context.Context, in StepInput) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, in.Step.Name+"<"+in.Outputs["first"])
		return "out-" + in.Step.Name, nil
	})
	m := h.create(t,
		mission.StepTemplate{Name: "first", Action: "record"},
		mission.StepTemplate{Name: "second", Action: "record"},
		mission.StepTemplate{Name: "third", Action: "record"},
	)

	out, err := h.runner.Execute(context.Background(), m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != mission.StatusCompleted {
		t.Fatalf("status = %s", out.Status)
	}
	want := []string{"first<", "second<out-first", "third<out-first"}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}

	got, _ := h.store.Get(context.Background(), m.ID)
	if got.Status != mission.StatusCompleted || got.StartTime == nil || got.EndTime == nil {
		t.Errorf("mission = %+v", got)
	}
	steps, _ := h.store.Steps(context.Background(), m.ID)
	for _, st := range steps {
		if st.Status != mission.StepCompleted || st.Attempt != 1 {
			t.Errorf("step %s = %s attempt %d", st.Name, st.Status, st.Attempt)
		}
	}
	if n := len(h.logsOf(t, m.ID, mission.LogSuccess)); n != 4 {
		t.Errorf("success logs = %d, want 4", n)
	}

	if _, err := h.runner.Execute(context.Background(), m.ID); !errors.Is(err, mission.ErrInvalidState) {
		t.Errorf("re-execute err = %v", err)
	}
}

func TestFailedStepAbortsMission(t *testing.T) {
	h := newHarness(t, "")
	var calls atomic.Int32
	h.actions.Register("broken", countingAction(&calls, errors.New("winch jammed")))
	m := h.create(t,
		mission.StepTemplate{Name: "one", Action: "noop"},
		mission.StepTemplate{Name: "two", Action: "broken"},
		mission.StepTemplate{Name: "three", Action: "noop"},
	)

	out, err := h.runner.Execute(context.Background(), m.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := []mission.StepStatus{mission.StepCompleted, mission.StepFailed, mission.StepSkipped}
	for i, st := range out.Steps {
		if st.Status != want[i] {
			t.Errorf("step %d = %s, want %s", i, st.Status, want[i])
		}
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
	got, err := h.store.Get(context.Background(), m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != mission.StatusFailed || got.EndTime == nil {
		t.Errorf("mission = %s end=%v", got.Status, got.EndTime)
	}
	if n := len(h.logsOf(t, m.ID, mission.LogError)); n == 0 {
		t.Error("no error log for failed step")
	}
}

func TestRetryExhaustion(t *testing.T) {
	h := newHarness(t, "")
	var calls atomic.Int32
	h.actions.Register("flaky", countingAction(&calls, mission.Transient(errors.New("link down"))))
	m := h.create(t,
		mission.StepTemplate{Name: "sounding", Action: "flaky", RetryOnFail: true, MaxRetries: 2},
		mission.StepTemplate{Name: "after", Action: "noop"},
	)

	out, err := h.runner.Execute(context.Background(), m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	if out.Status != mission.StatusFailed || out.FailedStep != "sounding" {
		t.Errorf("outcome = %+v", out)
	}
	if out.Steps[0].Attempt != 3 || out.Steps[0].Status != mission.StepFailed {
		t.Errorf("sounding = %+v", out.Steps[0])
	}
	if out.Steps[1].Status != mission.StepSkipped {
		t.Errorf("after = %s, want skipped", out.Steps[1].Status)
	}
	if n := len(h.logsOf(t, m.ID, mission.LogWarning)); n != 2 {
		t.Errorf("retry warnings = %d, want 2", n)
	}

	alerts := h.alertsOf(t, m.ID)
	if len(alerts) != 1 || alerts[0].Severity != mission.SeverityCritical {
		t.Errorf("alerts = %+v", alerts)
	}
}

func TestPermanentErrorNotRetried(t *testing.T) {
	h := newHarness(t, "")
	var calls atomic.Int32
	h.actions.Register("strict", countingAction(&calls, mission.Permanent(errors.New("bad coordinates"))))
	m := h.create(t, mission.StepTemplate{Name: "plot", Action: "strict", RetryOnFail: true, MaxRetries: 5})

	out, err := h.runner.Execute(context.Background(), m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
	if out.Status != mission.StatusFailed {
		t.Errorf("status = %s", out.Status)
	}
}

func TestStepTimeoutAbandonsStuckAction(t *testing.T) {
	h := newHarness(t, "")
	block := make(chan struct{})
	defer close(block)
	h.actions.Register("stuck", func(context.Context, StepInput) (string, error) {
		<-block
		return "", nil
	})
	m := h.create(t, mission.StepTemplate{Name: "wait", Action: "stuck", Timeout: 20 * time.Millisecond})

	start := time.Now()
	out, err := h.runner.Execute(context.Background(), m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > time.Second {
		t.Error("timeout not enforced")
	}
	if out.Status != mission.StatusFailed {
		t.Fatalf("status = %s", out.Status)
	}
	if out.Steps[0].Error == "" {
		t.Error("step error not recorded")
	}
}

func TestExecutorTimeoutIsRetried(t *testing.T) {
	h := newHarness(t, "")
	var calls atomic.Int32
	h.actions.Register("slow-once", func(ctx context.Context, _ StepInput) (string, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "done", nil
	})
	exec, _ := NewExecutor(h.actions, ExecutorOptions{DefaultTimeout: 20 * time.Millisecond}, zap.NewNop())
	st := mission.NewStep("s1", "m1", 0, mission.StepTemplate{Name: "slow", Action: "slow-once", RetryOnFail: true, MaxRetries: 1})

	res := exec.Run(context.Background(), st, StepInput{Mission: &mission.Mission{ID: "m1"}})
	if res.Status != mission.StepCompleted || res.Attempts != 2 || res.Output != "done" {
		t.Errorf("result = %+v", res)
	}
}

func TestUnknownActionFails(t *testing.T) {
	h := newHarness(t, "")
	m := h.create(t, mission.StepTemplate{Name: "x", Action: "teleport", RetryOnFail: true, MaxRetries: 3})
	out, err := h.runner.Execute(context.Background(), m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != mission.StatusFailed || out.Steps[0].Attempt != 0 {
		t.Errorf("outcome = %+v step = %+v", out, out.Steps[0])
	}
}

func TestContinuePolicySkipsOptionalFailure(t *testing.T) {
	h := newHarness(t, config.PolicyContinue)
	m := h.create(t,
		mission.StepTemplate{Name: "sonar", Action: "fail", Params: map[string]string{"mode": "permanent"}, Optional: true},
		mission.StepTemplate{Name: "report", Action: "noop"},
	)

	out, err := h.runner.Execute(context.Background(), m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != mission.StatusCompleted {
		t.Fatalf("status = %s", out.Status)
	}
	if out.Steps[0].Status != mission.StepFailed || out.Steps[1].Status != mission.StepCompleted {
		t.Errorf("steps = %s, %s", out.Steps[0].Status, out.Steps[1].Status)
	}
	alerts := h.alertsOf(t, m.ID)
	if len(alerts) != 1 || alerts[0].Severity != mission.SeverityMedium {
		t.Errorf("alerts = %+v", alerts)
	}

	// non-optional failures still abort under continue
	m2 := h.create(t,
		mission.StepTemplate{Name: "sonar", Action: "fail", Params: map[string]string{"mode": "permanent"}},
		mission.StepTemplate{Name: "report", Action: "noop"},
	)
	out, _ = h.runner.Execute(context.Background(), m2.ID)
	if out.Status != mission.StatusFailed {
		t.Errorf("required failure status = %s", out.Status)
	}
}

type gatedAction struct {
	started chan string
	release chan struct{}
}

func (g *gatedAction) run(_ context.Context, in StepInput) (string, error) {
	g.started <- in.Step.Name
	<-g.release
	return "", nil
}

func waitStatus(t *testing.T, h *harness, id string, want mission.Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m, err := h.store.Get(context.Background(), id)
		if err == nil && m.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("mission %s never reached %s", id, want)
}

func TestPauseHoldsNextStepUntilResume(t *testing.T) {
	h := newHarness(t, "")
	g := &gatedAction{started: make(chan string, 2), release: make(chan struct{}, 2)}
	h.actions.Register("gated", g.run)
	m := h.create(t,
		mission.StepTemplate{Name: "one", Action: "gated"},
		mission.StepTemplate{Name: "two", Action: "gated"},
	)
	ctx := context.Background()

	if err := h.runner.Start(ctx, m.ID); err != nil {
		t.Fatal(err)
	}
	if name := <-g.started; name != "one" {
		t.Fatalf("first step = %s", name)
	}
	if _, err := h.runner.Pause(ctx, m.ID); err != nil {
		t.Fatal(err)
	}
	g.release <- struct{}{}

	select {
	case name := <-g.started:
		t.Fatalf("step %s started while paused", name)
	case <-time.After(80 * time.Millisecond):
	}
	if got := h.runner.Active(); len(got) != 1 || got[0] != m.ID {
		t.Errorf("active = %v", got)
	}

	if _, err := h.runner.Resume(ctx, m.ID); err != nil {
		t.Fatal(err)
	}
	if name := <-g.started; name != "two" {
		t.Fatalf("second step = %s", name)
	}
	g.release <- struct{}{}
	h.runner.Wait()
	waitStatus(t, h, m.ID, mission.StatusCompleted)

	if _, err := h.runner.Resume(ctx, m.ID); !errors.Is(err, mission.ErrInvalidState) {
		t.Errorf("resume completed mission err = %v", err)
	}
}

func TestCancelSkipsRemainingSteps(t *testing.T) {
	h := newHarness(t, "")
	g := &gatedAction{started: make(chan string, 2), release: make(chan struct{}, 2)}
	h.actions.Register("gated", g.run)
	m := h.create(t,
		mission.StepTemplate{Name: "one", Action: "gated"},
		mission.StepTemplate{Name: "two", Action: "gated"},
	)
	ctx := context.Background()

	if _, err := h.runner.Cancel(ctx, m.ID); !errors.Is(err, mission.ErrInvalidState) {
		t.Errorf("cancel planned mission err = %v", err)
	}

	h.runner.Start(ctx, m.ID)
	<-g.started
	if _, err := h.runner.Cancel(ctx, m.ID); err != nil {
		t.Fatal(err)
	}
	g.release <- struct{}{}
	h.runner.Wait()

	got, _ := h.store.Get(ctx, m.ID)
	if got.Status != mission.StatusCancelled || got.EndTime == nil {
		t.Errorf("mission = %+v", got)
	}
	steps, _ := h.store.Steps(ctx, m.ID)
	if steps[0].Status != mission.StepCompleted || steps[1].Status != mission.StepSkipped {
		t.Errorf("steps = %s, %s", steps[0].Status, steps[1].Status)
	}
	if len(h.runner.Active()) != 0 {
		t.Error("run still active")
	}
}

func TestBackoffDelay(t *testing.T) {
	exp := Backoff{Kind: config.BackoffExponential, Initial: 100 * time.Millisecond, Max: 300 * time.Millisecond, Multiplier: 2}
	for attempt, want := range map[int]time.Duration{1: 100 * time.Millisecond, 2: 200 * time.Millisecond, 3: 300 * time.Millisecond, 9: 300 * time.Millisecond} {
		if got := exp.Delay(attempt); got != want {
			t.Errorf("exponential attempt %d = %s, want %s", attempt, got, want)
		}
	}
	fixed := Backoff{Kind: config.BackoffFixed, Initial: 50 * time.Millisecond}
	if got := fixed.Delay(4); got != 50*time.Millisecond {
		t.Errorf("fixed = %s", got)
	}
	jittered := Backoff{Kind: config.BackoffFixed, Initial: 100 * time.Millisecond, Jitter: 0.5}
	for i := 0; i < 20; i++ {
		if d := jittered.Delay(1); d < 100*time.Millisecond || d > 150*time.Millisecond {
			t.Fatalf("jittered delay %s out of range", d)
		}
	}
	if _, err := NewExecutor(NewActions(), ExecutorOptions{}, zap.NewNop()); !errors.Is(err, mission.ErrValidation) {
		t.Errorf("zero default timeout err = %v", err)
	}
}

type flakyStepRepo struct {
	*store.Memory
	fail atomic.Bool
}

func (r *flakyStepRepo) InsertSteps(ctx context.Context, steps []*mission.Step) error {
	if r.fail.Load() {
		return errors.New("disk full")
	}
	return r.Memory.InsertSteps(ctx, steps)
}

func TestStepStorageFailureLeavesMissionExecutable(t *testing.T) {
	logger := zap.NewNop()
	repo := &flakyStepRepo{Memory: store.NewMemory()}
	repo.fail.Store(true)
	ms := NewMissionStore(repo, nil, nil, time.Second, logger)
	actions := NewActions()
	if err := RegisterBuiltins(actions, nil); err != nil {
		t.Fatal(err)
	}
	exec, err := NewExecutor(actions, ExecutorOptions{DefaultTimeout: time.Second, Recorder: ms}, logger)
	if err != nil {
		t.Fatal(err)
	}
	runner := NewRunner(ms, exec, RunnerOptions{}, logger)

	ctx := context.Background()
	m, err := ms.Create(ctx, &mission.Mission{
		Name:     "tide survey",
		Type:     mission.TypeRecon,
		Priority: mission.PriorityLow,
		Steps:    []mission.StepTemplate{{Name: "measure", Action: "noop"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := runner.Execute(ctx, m.ID); err == nil {
		t.Fatal("Execute succeeded with failing step storage")
	}
	got, err := ms.Get(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != mission.StatusPlanned {
		t.Errorf("status after storage failure = %s, want planned", got.Status)
	}
	if active := runner.Active(); len(active) != 0 {
		t.Errorf("active runs = %v", active)
	}

	repo.fail.Store(false)
	out, err := runner.Execute(ctx, m.ID)
	if err != nil {
		t.Fatalf("retry Execute: %v", err)
	}
	if out.Status != mission.StatusCompleted {
		t.Errorf("retry outcome = %+v", out)
	}
}
