// Package audit records the engine's append-only audit trail and its
// acknowledgeable alerts.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/mission-engine/internal/mission"
	"github.com/nidhogg/mission-engine/internal/notify"
)

// LogStore is the persistence the sink needs.
type LogStore interface {
	InsertLog(ctx context.Context, l *mission.Log) error
	QueryLogs(ctx context.Context, f mission.LogFilter) ([]*mission.Log, error)
}

// LogSink is the only writer of audit entries.
type LogSink struct {
	mu        sync.Mutex
	store     LogStore
	pub       notify.Publisher
	logger    *zap.Logger
	ioTimeout time.Duration
	last      time.Time
	now       func() time.Time
}

func NewLogSink(store LogStore, pub notify.Publisher, ioTimeout time.Duration, logger *zap.Logger) *LogSink {
	if pub == nil {
		pub = notify.Discard
	}
	return &LogSink{
		store:     store,
		pub:       pub,
		logger:    logger,
		ioTimeout: ioTimeout,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Append assigns an id and a strictly increasing timestamp, validates the
// entry and stores a private copy. The stored entry is returned.
func (s *LogSink) Append(ctx context.Context, l mission.Log) (mission.Log, error) {
	l = l.Clone()
	l.ID = uuid.New().String()
	if err := l.Validate(); err != nil {
		return mission.Log{}, fmt.Errorf("append log: %w", err)
	}

	s.mu.Lock()
	ts := s.now()
	if !ts.After(s.last) {
		ts = s.last.Add(time.Nanosecond)
	}
	l.EventTimestamp = ts

	ioCtx, cancel := s.ioContext(ctx)
	err := s.store.InsertLog(ioCtx, &l)
	cancel()
	if err == nil {
		s.last = ts
	}
	s.mu.Unlock()
	if err != nil {
		return mission.Log{}, fmt.Errorf("append log: %w", err)
	}

	s.pub.Publish(notify.Event{
		Type:      notify.LogAppended,
		MissionID: l.MissionID,
		EntityID:  l.ID,
		Severity:  string(l.Severity),
		At:        l.EventTimestamp,
	})
	s.mirror(l)
	return l.Clone(), nil
}

// Query returns matching entries newest-first.
func (s *LogSink) Query(ctx context.Context, f mission.LogFilter) ([]mission.Log, error) {
	ioCtx, cancel := s.ioContext(ctx)
	defer cancel()
	rows, err := s.store.QueryLogs(ioCtx, f)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	out := make([]mission.Log, len(rows))
	for i, l := range rows {
		out[i] = l.Clone()
	}
	return out, nil
}

func (s *LogSink) ioContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.ioTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.ioTimeout)
}

func (s *LogSink) mirror(l mission.Log) {
	fields := []zap.Field{
		zap.String("title", l.Title),
		zap.String("category", l.Category),
		zap.String("severity", string(l.Severity)),
		zap.String("source", l.SourceModule),
	}
	if l.MissionID != "" {
		fields = append(fields, zap.String("mission", l.MissionID))
	}
	if l.Message != "" {
		fields = append(fields, zap.String("message", l.Message))
	}
	switch l.Type {
	case mission.LogError, mission.LogCritical:
		s.logger.Error("audit", fields...)
	case mission.LogWarning:
		s.logger.Warn("audit", fields...)
	default:
		s.logger.Info("audit", fields...)
	}
}
