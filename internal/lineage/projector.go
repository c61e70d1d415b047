// Package lineage projects the change feed into a Neo4j graph linking
// conditions, the missions they launched, and the alerts those raised.
package lineage

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/nidhogg/mission-engine/internal/notify"
)

// Projector is a notify.Sink writing lineage nodes and edges.
type Projector struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewProjector connects to Neo4j and verifies connectivity.
func NewProjector(ctx context.Context, uri, user, password string, logger *zap.Logger) (*Projector, error) {
	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, password, "")
	}
	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("neo4j connectivity: %w", err)
	}
	return &Projector{driver: driver, logger: logger}, nil
}

// Close shuts down the Neo4j driver.
func (p *Projector) Close(ctx context.Context) error {
	return p.driver.Close(ctx)
}

// EnsureSchema creates the uniqueness constraints the MERGEs rely on.
func (p *Projector) EnsureSchema(ctx context.Context) error {
	session := p.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	for _, stmt := range []string{
		`CREATE CONSTRAINT mission_id IF NOT EXISTS FOR (m:Mission) REQUIRE m.id IS UNIQUE`,
		`CREATE CONSTRAINT condition_name IF NOT EXISTS FOR (c:Condition) REQUIRE c.name IS UNIQUE`,
		`CREATE CONSTRAINT alert_id IF NOT EXISTS FOR (a:Alert) REQUIRE a.id IS UNIQUE`,
	} {
		if _, err := session.Run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("ensure lineage schema: %w", err)
		}
	}
	return nil
}

// Forward applies one event. Event types without a lineage meaning are
// ignored.
func (p *Projector) Forward(ctx context.Context, e notify.Event) error {
	var (
		cypher string
		params map[string]interface{}
	)
	at := e.At.UTC().Format(time.RFC3339Nano)

	switch e.Type {
	case notify.MissionChanged:
		if e.MissionID == "" {
			return nil
		}
		params = map[string]interface{}{"id": e.MissionID, "status": e.Status, "at": at}
		cypher = `MERGE (m:Mission {id: $id})
			SET m.status = $status, m.updated_at = $at`
		if e.Condition != "" {
			params["condition"] = e.Condition
			cypher += `
			MERGE (c:Condition {name: $condition})
			MERGE (c)-[t:TRIGGERED]->(m)
			ON CREATE SET t.at = $at`
		}
	case notify.AlertRaised:
		params = map[string]interface{}{"alert": e.EntityID, "severity": e.Severity, "at": at, "mission": e.MissionID}
		cypher = `MERGE (a:Alert {id: $alert})
			SET a.severity = $severity, a.raised_at = $at, a.acknowledged = false`
		if e.MissionID != "" {
			cypher += `
			MERGE (m:Mission {id: $mission})
			MERGE (m)-[:RAISED]->(a)`
		}
	case notify.AlertAcknowledged:
		params = map[string]interface{}{"alert": e.EntityID, "at": at}
		cypher = `MATCH (a:Alert {id: $alert})
			SET a.acknowledged = true, a.acknowledged_at = $at`
	default:
		return nil
	}

	session := p.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)
	if _, err := session.Run(ctx, cypher, params); err != nil {
		return fmt.Errorf("project %s: %w", e.Type, err)
	}
	p.logger.Debug("lineage projected", zap.String("event", string(e.Type)), zap.String("mission", e.MissionID))
	return nil
}

// Triggered returns the ids of missions a condition launched, sorted.
func (p *Projector) Triggered(ctx context.Context, condition string) ([]string, error) {
	session := p.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (:Condition {name: $name})-[:TRIGGERED]->(m:Mission)
		 RETURN m.id AS id ORDER BY id`,
		map[string]interface{}{"name": condition})
	if err != nil {
		return nil, fmt.Errorf("query lineage for %s: %w", condition, err)
	}

	var ids []string
	for result.Next(ctx) {
		if v, ok := result.Record().Get("id"); ok && v != nil {
			ids = append(ids, v.(string))
		}
	}
	return ids, result.Err()
}

// Alerts returns the ids of alerts raised by a mission, sorted.
func (p *Projector) Alerts(ctx context.Context, missionID string) ([]string, error) {
	session := p.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (:Mission {id: $id})-[:RAISED]->(a:Alert)
		 RETURN a.id AS id ORDER BY id`,
		map[string]interface{}{"id": missionID})
	if err != nil {
		return nil, fmt.Errorf("query alerts for %s: %w", missionID, err)
	}

	var ids []string
	for result.Next(ctx) {
		if v, ok := result.Record().Get("id"); ok && v != nil {
			ids = append(ids, v.(string))
		}
	}
	return ids, result.Err()
}
