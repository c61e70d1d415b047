package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/mission-engine/internal/mission"
)

// historyLimit bounds the in-memory delivery history.
const historyLimit = 200

// Operator is what chat commands act on. audit.AlertPublisher implements it.
type Operator interface {
	Acknowledge(ctx context.Context, id, who string) error
	List(ctx context.Context, f mission.AlertFilter) ([]mission.Alert, error)
}

// Delivery records one relayed alert.
type Delivery struct {
	AlertID   string           `json:"alert_id"`
	MissionID string           `json:"mission_id,omitempty"`
	Severity  mission.Severity `json:"severity"`
	SentAt    time.Time        `json:"sent_at"`
	Targets   []string         `json:"targets"`
	Failed    []string         `json:"failed,omitempty"`
}

// Relay fans alerts out to every registered channel and answers operator
// commands arriving from them.
type Relay struct {
	channels map[string]Channel
	operator Operator
	history  []Delivery
	mu       sync.RWMutex
	logger   *zap.Logger
}

func NewRelay(logger *zap.Logger) *Relay {
	return &Relay{
		channels: make(map[string]Channel),
		logger:   logger,
	}
}

// SetOperator enables chat commands.
func (r *Relay) SetOperator(op Operator) {
	r.mu.Lock()
	r.operator = op
	r.mu.Unlock()
}

// Register adds a channel and wires its inbound handler.
func (r *Relay) Register(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()

	platform := ch.Platform()
	r.channels[platform] = ch
	ch.OnMessage(func(msg *InboundMessage) {
		r.handle(context.Background(), ch, msg)
	})
	r.logger.Info("registered alert channel", zap.String("platform", platform))
}

// ConnectAll connects every channel. A channel that fails is logged and
// the rest are still connected; the joined error is returned.
func (r *Relay) ConnectAll(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var failed []string
	for platform, ch := range r.channels {
		if err := ch.Connect(ctx); err != nil {
			r.logger.Error("channel connect failed", zap.String("platform", platform), zap.Error(err))
			failed = append(failed, platform)
			continue
		}
		r.logger.Info("channel connected", zap.String("platform", platform))
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		return fmt.Errorf("connect failed on %s", strings.Join(failed, ", "))
	}
	return nil
}

// Relay delivers a to every channel. Failures are logged and recorded but
// never returned: the alert is already stored.
func (r *Relay) Relay(ctx context.Context, a mission.Alert) {
	r.mu.RLock()
	targets := make([]Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		targets = append(targets, ch)
	}
	r.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	d := Delivery{AlertID: a.ID, MissionID: a.MissionID, Severity: a.Severity, SentAt: time.Now()}
	content := FormatAlert(a)
	for _, ch := range targets {
		d.Targets = append(d.Targets, ch.Platform())
		if err := ch.Send(ctx, &OutboundMessage{Platform: ch.Platform(), Content: content}); err != nil {
			r.logger.Error("alert relay failed",
				zap.String("platform", ch.Platform()),
				zap.String("alert", a.ID),
				zap.Error(err))
			d.Failed = append(d.Failed, ch.Platform())
		}
	}
	sort.Strings(d.Targets)
	sort.Strings(d.Failed)

	r.mu.Lock()
	r.history = append(r.history, d)
	if len(r.history) > historyLimit {
		r.history = append([]Delivery(nil), r.history[len(r.history)-historyLimit:]...)
	}
	r.mu.Unlock()
}

// History returns up to limit recent deliveries, oldest first.
func (r *Relay) History(limit int) []Delivery {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if limit <= 0 || limit > len(r.history) {
		limit = len(r.history)
	}
	out := make([]Delivery, limit)
	copy(out, r.history[len(r.history)-limit:])
	return out
}

// Channels returns the registered platform names, sorted.
func (r *Relay) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.channels))
	for p := range r.channels {
		names = append(names, p)
	}
	sort.Strings(names)
	return names
}

// Close shuts down all channels.
func (r *Relay) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for platform, ch := range r.channels {
		if err := ch.Close(); err != nil {
			r.logger.Error("channel close failed", zap.String("platform", platform), zap.Error(err))
		}
	}
	return nil
}

// FormatAlert renders an alert as a chat message.
func FormatAlert(a mission.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", strings.ToUpper(string(a.Severity)), a.Message)
	if a.MissionID != "" {
		fmt.Fprintf(&b, "\nmission: %s", a.MissionID)
	}
	fmt.Fprintf(&b, "\nalert: %s (reply `!ack %s` to acknowledge)", a.ID, a.ID)
	return b.String()
}
