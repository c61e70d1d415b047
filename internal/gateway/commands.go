package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/mission-engine/internal/mission"
)

const commandTimeout = 10 * time.Second

// handle answers "!ack <alert-id>" and "!alerts". Anything else is ignored.
func (r *Relay) handle(ctx context.Context, ch Channel, msg *InboundMessage) {
	fields := strings.Fields(msg.Content)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "!") {
		return
	}

	r.mu.RLock()
	op := r.operator
	r.mu.RUnlock()
	if op == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	var reply string
	switch fields[0] {
	case "!ack":
		if len(fields) != 2 {
			reply = "usage: !ack <alert-id>"
			break
		}
		who := fmt.Sprintf("%s:%s", msg.Platform, msg.UserName)
		if err := op.Acknowledge(ctx, fields[1], who); err != nil {
			r.logger.Warn("chat acknowledge failed", zap.String("alert", fields[1]), zap.Error(err))
			reply = "acknowledge failed: " + err.Error()
			break
		}
		reply = "acknowledged " + fields[1]
	case "!alerts":
		open := false
		alerts, err := op.List(ctx, mission.AlertFilter{Acknowledged: &open, Limit: 10})
		if err != nil {
			reply = "list failed: " + err.Error()
			break
		}
		reply = formatOpenAlerts(alerts)
	default:
		reply = "unknown command " + fields[0] + "; try !ack <alert-id> or !alerts"
	}

	out := &OutboundMessage{
		Platform:  msg.Platform,
		ChannelID: msg.ChannelID,
		Content:   reply,
		ReplyTo:   msg.ReplyTo,
	}
	if err := ch.Send(ctx, out); err != nil {
		r.logger.Warn("command reply failed", zap.String("platform", msg.Platform), zap.Error(err))
	}
}

func formatOpenAlerts(alerts []mission.Alert) string {
	if len(alerts) == 0 {
		return "no open alerts"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d open alert(s):", len(alerts))
	for _, a := range alerts {
		fmt.Fprintf(&b, "\n- %s [%s] %s", a.ID, a.Severity, a.Message)
	}
	return b.String()
}
