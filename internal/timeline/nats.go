package timeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/model"
)

// NATSMirror republishes timeline events to NATS, one subject per case.
// Downstream systems (notification fan-out, archival) consume from there
// without touching the orchestration API.
type NATSMirror struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSMirror connects to the configured NATS server. The connection
// reconnects indefinitely; publishes during an outage are buffered by the
// client and flushed on reconnect.
func NewNATSMirror(cfg config.NATSConfig) (*NATSMirror, error) {
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "caseflow.timeline"
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name("caseflow-timeline"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %q: %w", cfg.URL, err)
	}
	return &NATSMirror{conn: conn, prefix: prefix}, nil
}

// Publish sends the event to the case's subject.
func (m *NATSMirror) Publish(ev model.TimelineEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal timeline event: %w", err)
	}
	return m.conn.Publish(mirrorSubject(m.prefix, ev.CaseID), data)
}

// HealthCheck verifies the server round-trip.
func (m *NATSMirror) HealthCheck(ctx context.Context) error {
	return m.conn.FlushWithContext(ctx)
}

// Close flushes buffered publishes and closes the connection.
func (m *NATSMirror) Close() error {
	return m.conn.Drain()
}

func mirrorSubject(prefix, caseID string) string {
	return prefix + "." + caseID
}
