package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/mission-engine/internal/mission"
	"github.com/nidhogg/mission-engine/internal/notify"
)

// AlertStore is the persistence the publisher needs.
type AlertStore interface {
	InsertAlert(ctx context.Context, a *mission.Alert) error
	UpdateAlert(ctx context.Context, a *mission.Alert) error
	GetAlert(ctx context.Context, id string) (*mission.Alert, error)
	QueryAlerts(ctx context.Context, f mission.AlertFilter) ([]*mission.Alert, error)
}

// Relayer delivers alerts to people. gateway.Relay implements it.
type Relayer interface {
	Relay(ctx context.Context, a mission.Alert)
}

// relayTimeout bounds one outbound delivery.
const relayTimeout = 15 * time.Second

// AlertPublisher raises and acknowledges alerts.
type AlertPublisher struct {
	ackMu     sync.Mutex
	store     AlertStore
	pub       notify.Publisher
	logs      *LogSink
	relay     Relayer
	threshold mission.Severity
	ioTimeout time.Duration
	logger    *zap.Logger
	wg        sync.WaitGroup
	now       func() time.Time
}

type AlertOptions struct {
	Publisher notify.Publisher
	// Logs, when set, records acknowledgements in the audit trail.
	Logs *LogSink
	// Relay receives alerts at or above Threshold.
	Relay     Relayer
	Threshold mission.Severity
	IOTimeout time.Duration
}

func NewAlertPublisher(store AlertStore, opts AlertOptions, logger *zap.Logger) *AlertPublisher {
	if opts.Publisher == nil {
		opts.Publisher = notify.Discard
	}
	if opts.Threshold == "" {
		opts.Threshold = mission.SeverityHigh
	}
	return &AlertPublisher{
		store:     store,
		pub:       opts.Publisher,
		logs:      opts.Logs,
		relay:     opts.Relay,
		threshold: opts.Threshold,
		ioTimeout: opts.IOTimeout,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Raise stores a new unacknowledged alert and notifies subscribers. Relay
// delivery happens in the background and never fails the raise.
func (p *AlertPublisher) Raise(ctx context.Context, a mission.Alert) (mission.Alert, error) {
	a.ID = uuid.New().String()
	a.RaisedAt = p.now()
	a.Acknowledged = false
	a.AcknowledgedAt = nil
	a.AcknowledgedBy = ""
	if err := a.Validate(); err != nil {
		return mission.Alert{}, fmt.Errorf("raise alert: %w", err)
	}

	ioCtx, cancel := p.ioContext(ctx)
	err := p.store.InsertAlert(ioCtx, &a)
	cancel()
	if err != nil {
		return mission.Alert{}, fmt.Errorf("raise alert: %w", err)
	}

	p.pub.Publish(notify.Event{
		Type:      notify.AlertRaised,
		MissionID: a.MissionID,
		EntityID:  a.ID,
		Severity:  string(a.Severity),
		At:        a.RaisedAt,
	})
	p.logger.Warn("alert raised",
		zap.String("alert", a.ID),
		zap.String("mission", a.MissionID),
		zap.String("severity", string(a.Severity)),
		zap.String("message", a.Message))

	if p.relay != nil && a.Severity.AtLeast(p.threshold) {
		relayed := *a.Clone()
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), relayTimeout)
			defer cancel()
			p.relay.Relay(rctx, relayed)
		}()
	}
	return *a.Clone(), nil
}

// Acknowledge marks an alert acknowledged by who. Unknown and already
// acknowledged alerts are left as they are and no error is returned.
func (p *AlertPublisher) Acknowledge(ctx context.Context, id, who string) error {
	p.ackMu.Lock()
	defer p.ackMu.Unlock()

	ioCtx, cancel := p.ioContext(ctx)
	defer cancel()
	a, err := p.store.GetAlert(ioCtx, id)
	if errors.Is(err, mission.ErrNotFound) {
		p.logger.Debug("acknowledge: unknown alert", zap.String("alert", id))
		return nil
	}
	if err != nil {
		return fmt.Errorf("acknowledge alert %s: %w", id, err)
	}
	if !a.Acknowledge(who, p.now()) {
		return nil
	}
	if err := p.store.UpdateAlert(ioCtx, a); err != nil {
		return fmt.Errorf("acknowledge alert %s: %w", id, err)
	}

	p.pub.Publish(notify.Event{
		Type:      notify.AlertAcknowledged,
		MissionID: a.MissionID,
		EntityID:  a.ID,
		Severity:  string(a.Severity),
		At:        *a.AcknowledgedAt,
	})
	if p.logs != nil {
		_, err := p.logs.Append(ctx, mission.Log{
			MissionID:    a.MissionID,
			Type:         mission.LogInfo,
			Severity:     mission.SeverityLow,
			Title:        "Alert acknowledged",
			Message:      fmt.Sprintf("%s acknowledged %q", who, a.Message),
			Category:     mission.CategoryAlert,
			SourceModule: "alerts",
		})
		if err != nil {
			p.logger.Warn("record acknowledgement", zap.String("alert", id), zap.Error(err))
		}
	}
	return nil
}

// Get returns one alert.
func (p *AlertPublisher) Get(ctx context.Context, id string) (mission.Alert, error) {
	ioCtx, cancel := p.ioContext(ctx)
	defer cancel()
	a, err := p.store.GetAlert(ioCtx, id)
	if err != nil {
		return mission.Alert{}, err
	}
	return *a, nil
}

// List returns matching alerts newest-first.
func (p *AlertPublisher) List(ctx context.Context, f mission.AlertFilter) ([]mission.Alert, error) {
	ioCtx, cancel := p.ioContext(ctx)
	defer cancel()
	rows, err := p.store.QueryAlerts(ioCtx, f)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	out := make([]mission.Alert, len(rows))
	for i, a := range rows {
		out[i] = *a.Clone()
	}
	return out, nil
}

// Wait blocks until background relay deliveries finish.
func (p *AlertPublisher) Wait() {
	p.wg.Wait()
}

func (p *AlertPublisher) ioContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.ioTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.ioTimeout)
}
