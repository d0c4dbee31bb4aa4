// Package monitor derives per-role health from the live timeline stream.
// It is a passive observer: it subscribes to the firehose, keeps bounded
// per-role latency windows and outcome counts, and raises alerts over side
// channels (in-memory ring, log, metrics). It never touches case state.
package monitor

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/timeline"
	"github.com/pitabwire/caseflow/model"
)

// Alert kinds.
const (
	AlertFailureRate = "failure_rate"
	AlertP95Latency  = "p95_latency"
)

// Alert is one threshold crossing for a role.
type Alert struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	RaisedAt  time.Time `json:"raised_at"`
}

// RoleStats is a read-only snapshot of one role's health.
type RoleStats struct {
	Role        string  `json:"role"`
	InFlight    int     `json:"in_flight"`
	Completed   int64   `json:"completed"`
	Failed      int64   `json:"failed"`
	TimedOut    int64   `json:"timed_out"`
	FailureRate float64 `json:"failure_rate"`
	Samples     int     `json:"latency_samples"`
	P95Ms       float64 `json:"p95_latency_ms"`
}

// roleState accumulates one role's samples. Latencies are a fixed-size
// ring so long-running deployments keep a recent view.
type roleState struct {
	latencies []time.Duration
	next      int
	filled    bool

	completed int64
	failed    int64
	timedOut  int64

	pending map[string]time.Time

	failureAlerted bool
	latencyAlerted bool
}

// Monitor watches the timeline firehose and aggregates per-role stats.
type Monitor struct {
	cfg     config.MonitorConfig
	logger  *zap.Logger
	metrics *observability.Metrics

	mu     sync.Mutex
	roles  map[string]*roleState
	alerts []Alert

	sub  *timeline.Subscription
	done chan struct{}
}

// New creates a monitor. metrics may be nil.
func New(cfg config.MonitorConfig, logger *zap.Logger, metrics *observability.Metrics) *Monitor {
	if cfg.LatencyWindow <= 0 {
		cfg.LatencyWindow = 256
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 10
	}
	if cfg.FailureRateThreshold <= 0 {
		cfg.FailureRateThreshold = 0.5
	}
	if cfg.P95LatencyThreshold <= 0 {
		cfg.P95LatencyThreshold = 30 * time.Second
	}
	if cfg.AlertBuffer <= 0 {
		cfg.AlertBuffer = 100
	}
	return &Monitor{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		roles:   make(map[string]*roleState),
		done:    make(chan struct{}),
	}
}

// Start subscribes to the hub's firehose and consumes it until Stop.
func (m *Monitor) Start(hub *timeline.Hub) {
	m.sub = hub.SubscribeAll()
	go m.run()
}

// Stop ends the subscription and waits for the consumer to drain.
func (m *Monitor) Stop() {
	if m.sub == nil {
		return
	}
	m.sub.Close()
	<-m.done
}

func (m *Monitor) run() {
	defer close(m.done)
	for ev := range m.sub.Events() {
		m.Observe(ev)
	}
}

// Observe folds one timeline event into the per-role stats. Case-level
// events (empty role) only clear in-flight tracking on terminal statuses;
// everything else keys off task transitions.
func (m *Monitor) Observe(ev model.TimelineEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.Role == "" {
		if model.CaseStatusIsTerminal(ev.Status) {
			for _, rs := range m.roles {
				delete(rs.pending, ev.CaseID)
			}
		}
		return
	}

	rs := m.roles[ev.Role]
	if rs == nil {
		rs = &roleState{
			latencies: make([]time.Duration, m.cfg.LatencyWindow),
			pending:   make(map[string]time.Time),
		}
		m.roles[ev.Role] = rs
	}

	switch ev.Status {
	case model.TaskStatusDispatched:
		rs.pending[ev.CaseID] = ev.Timestamp
	case model.TaskStatusCompleted:
		rs.completed++
		rs.settle(ev)
	case model.TaskStatusFailed:
		rs.failed++
		rs.settle(ev)
	case model.TaskStatusTimedOut:
		rs.timedOut++
		rs.settle(ev)
	default:
		return
	}

	m.evaluate(ev.Role, rs)
}

// settle records the dispatch→terminal latency sample, if the dispatch was
// seen. Lock held.
func (rs *roleState) settle(ev model.TimelineEvent) {
	t0, ok := rs.pending[ev.CaseID]
	if !ok {
		return
	}
	delete(rs.pending, ev.CaseID)

	sample := ev.Timestamp.Sub(t0)
	if sample < 0 {
		return
	}
	rs.latencies[rs.next] = sample
	rs.next++
	if rs.next == len(rs.latencies) {
		rs.next = 0
		rs.filled = true
	}
}

// window returns the populated part of the latency ring. Lock held.
func (rs *roleState) window() []time.Duration {
	if rs.filled {
		return rs.latencies
	}
	return rs.latencies[:rs.next]
}

func (rs *roleState) outcomes() int64 {
	return rs.completed + rs.failed + rs.timedOut
}

func (rs *roleState) failureRate() float64 {
	total := rs.outcomes()
	if total == 0 {
		return 0
	}
	return float64(rs.failed+rs.timedOut) / float64(total)
}

// evaluate checks the role's thresholds and raises an alert on each upward
// crossing. Lock held.
func (m *Monitor) evaluate(role string, rs *roleState) {
	if total := rs.outcomes(); total >= int64(m.cfg.MinSamples) {
		rate := rs.failureRate()
		if rate >= m.cfg.FailureRateThreshold {
			if !rs.failureAlerted {
				rs.failureAlerted = true
				m.raise(Alert{
					Role:      role,
					Kind:      AlertFailureRate,
					Message:   fmt.Sprintf("role %s failure rate %.0f%% over last %d outcomes", role, rate*100, total),
					Value:     rate,
					Threshold: m.cfg.FailureRateThreshold,
				})
			}
		} else {
			rs.failureAlerted = false
		}
	}

	window := rs.window()
	if len(window) >= m.cfg.MinSamples {
		p := percentile(window, 95)
		if p > m.cfg.P95LatencyThreshold {
			if !rs.latencyAlerted {
				rs.latencyAlerted = true
				m.raise(Alert{
					Role:      role,
					Kind:      AlertP95Latency,
					Message:   fmt.Sprintf("role %s p95 latency %s over last %d samples", role, p.Round(time.Millisecond), len(window)),
					Value:     p.Seconds(),
					Threshold: m.cfg.P95LatencyThreshold.Seconds(),
				})
			}
		} else {
			rs.latencyAlerted = false
		}
	}
}

// raise appends to the bounded alert ring and mirrors the alert to the log
// and metrics. Lock held.
func (m *Monitor) raise(a Alert) {
	a.ID = uuid.NewString()
	a.RaisedAt = time.Now().UTC()

	if len(m.alerts) == m.cfg.AlertBuffer {
		copy(m.alerts, m.alerts[1:])
		m.alerts[len(m.alerts)-1] = a
	} else {
		m.alerts = append(m.alerts, a)
	}

	m.logger.Warn("monitor: alert raised",
		zap.String("role", a.Role),
		zap.String("kind", a.Kind),
		zap.Float64("value", a.Value),
		zap.Float64("threshold", a.Threshold),
		zap.String("message", a.Message),
	)
	if m.metrics != nil {
		m.metrics.RecordMonitorAlert(a.Role, a.Kind)
	}
}

// Alerts returns the retained alerts, oldest first.
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// Stats returns a per-role snapshot, sorted by role name.
func (m *Monitor) Stats() []RoleStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]RoleStats, 0, len(m.roles))
	for role, rs := range m.roles {
		window := rs.window()
		stat := RoleStats{
			Role:        role,
			InFlight:    len(rs.pending),
			Completed:   rs.completed,
			Failed:      rs.failed,
			TimedOut:    rs.timedOut,
			FailureRate: rs.failureRate(),
			Samples:     len(window),
		}
		if len(window) > 0 {
			stat.P95Ms = float64(percentile(window, 95)) / float64(time.Millisecond)
		}
		out = append(out, stat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out
}

// percentile computes the nearest-rank percentile of the samples.
func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	rank := int(math.Ceil(float64(p) / 100.0 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
