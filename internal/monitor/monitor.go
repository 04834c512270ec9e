// Package monitor observes test executions and raises threshold alerts.
// Many tests may execute concurrently; all per-test state lives behind one
// mutex and alert handlers are invoked synchronously on breach, outside the
// lock. Per-(test, threshold) cooldowns keep handler flooding out while
// letting different thresholds for the same test fire independently.
package monitor

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"failsift/internal/config"
	"failsift/internal/logging"
	"failsift/internal/types"
)

// State of one observed test in its lifecycle.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StatePassed  State = "passed"
	StateFailed  State = "failed"
)

// Handler receives alerts synchronously at breach time. The monitor itself
// performs no paging or logging of alerts; that is the handler's job.
type Handler func(*types.Alert)

// RollingStats is a read-only snapshot of one test's accumulated statistics.
type RollingStats struct {
	State               State
	Executions          int
	Failures            int
	ConsecutiveFailures int
	TotalDuration       time.Duration
	MaxDuration         time.Duration
	PeakMemoryMB        float64
	PeakCPUPercent      float64
	WindowFailureRate   float64
}

// testState carries everything the monitor tracks per test.
type testState struct {
	state     State
	startedAt time.Time
	sequence  int

	// Peaks for the in-flight execution, fed by resource samples.
	runMemMB  float64
	runCPUPct float64

	// Rolling statistics.
	executions    int
	failures      int
	consecutive   int
	totalDuration time.Duration
	maxDuration   time.Duration
	peakMemMB     float64
	peakCPUPct    float64
	recent        []bool // failure flags, newest last, capped at window size

	lastAlert map[types.ThresholdKind]time.Time
}

// Monitor tracks per-test rolling statistics and checks thresholds on every
// completion event.
type Monitor struct {
	mu    sync.Mutex
	tests map[string]*testState

	handlersMu sync.RWMutex
	handlers   []Handler

	maxDuration time.Duration
	maxMemoryMB float64
	maxCPUPct   float64
	failureRate float64
	rateWindow  int
	consecutive int
	cooldown    time.Duration

	now func() time.Time // test seam
}

// New builds a monitor from the loaded configuration.
func New(cfg *config.Config) *Monitor {
	return &Monitor{
		tests:       make(map[string]*testState),
		maxDuration: cfg.GetMaxDuration(),
		maxMemoryMB: cfg.Thresholds.MaxMemoryMB,
		maxCPUPct:   cfg.Thresholds.MaxCPUPercent,
		failureRate: cfg.Thresholds.FailureRate,
		rateWindow:  cfg.Thresholds.FailureRateWindow,
		consecutive: cfg.Thresholds.ConsecutiveFailures,
		cooldown:    cfg.GetAlertCooldown(),
		now:         time.Now,
	}
}

// RegisterHandler adds an alert sink. Handlers run synchronously in
// registration order on the goroutine that reported the completion event.
func (m *Monitor) RegisterHandler(h Handler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers = append(m.handlers, h)
}

// OnTestStart transitions a test from idle to running.
func (m *Monitor) OnTestStart(testName string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.state(testName)
	ts.state = StateRunning
	ts.startedAt = at
	ts.runMemMB = 0
	ts.runCPUPct = 0
	logging.MonitorDebug("Test %s: idle -> running", testName)
}

// OnResourceSample records a periodic usage reading for a running test.
// Samples for tests we are not tracking are dropped silently.
func (m *Monitor) OnResourceSample(s types.ResourceSample) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts, ok := m.tests[s.TestName]
	if !ok || ts.state != StateRunning {
		return
	}
	if s.MemoryMB > ts.runMemMB {
		ts.runMemMB = s.MemoryMB
	}
	if s.CPUPercent > ts.runCPUPct {
		ts.runCPUPct = s.CPUPercent
	}
}

// OnTestEnd transitions a running test to passed or failed, updates rolling
// statistics, checks every threshold, and returns the completed execution
// record. Alert handlers fire after internal state is released, so a handler
// may safely call back into the monitor.
func (m *Monitor) OnTestEnd(testName string, outcome types.Outcome, at time.Time) *types.TestExecution {
	m.mu.Lock()

	ts := m.state(testName)
	started := ts.startedAt
	if ts.state != StateRunning {
		// Completion without a start event: synthesize a zero-duration run.
		started = at
	}
	duration := at.Sub(started)

	ts.sequence++
	exec := &types.TestExecution{
		ID:             uuid.NewString(),
		TestName:       testName,
		StartedAt:      started,
		EndedAt:        at,
		Duration:       duration,
		PeakMemoryMB:   ts.runMemMB,
		PeakCPUPercent: ts.runCPUPct,
		Outcome:        outcome,
		Sequence:       ts.sequence,
	}

	failed := outcome.Failed()
	if failed {
		ts.state = StateFailed
		ts.failures++
		ts.consecutive++
	} else {
		ts.state = StatePassed
		ts.consecutive = 0
	}

	ts.executions++
	ts.totalDuration += duration
	if duration > ts.maxDuration {
		ts.maxDuration = duration
	}
	if ts.runMemMB > ts.peakMemMB {
		ts.peakMemMB = ts.runMemMB
	}
	if ts.runCPUPct > ts.peakCPUPct {
		ts.peakCPUPct = ts.runCPUPct
	}

	ts.recent = append(ts.recent, failed)
	if m.rateWindow > 0 && len(ts.recent) > m.rateWindow {
		ts.recent = ts.recent[len(ts.recent)-m.rateWindow:]
	}

	alerts := m.checkThresholds(ts, exec)
	endState := ts.state
	m.mu.Unlock()

	for _, a := range alerts {
		m.dispatch(a)
	}

	logging.MonitorDebug("Test %s: running -> %s (duration=%v alerts=%d)", testName, endState, duration, len(alerts))
	return exec
}

// Snapshot returns a copy of one test's rolling statistics.
func (m *Monitor) Snapshot(testName string) (RollingStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts, ok := m.tests[testName]
	if !ok {
		return RollingStats{State: StateIdle}, false
	}
	return RollingStats{
		State:               ts.state,
		Executions:          ts.executions,
		Failures:            ts.failures,
		ConsecutiveFailures: ts.consecutive,
		TotalDuration:       ts.totalDuration,
		MaxDuration:         ts.maxDuration,
		PeakMemoryMB:        ts.peakMemMB,
		PeakCPUPercent:      ts.peakCPUPct,
		WindowFailureRate:   windowRate(ts.recent),
	}, true
}

// state fetches or lazily creates per-test state. Caller holds m.mu.
func (m *Monitor) state(testName string) *testState {
	ts, ok := m.tests[testName]
	if !ok {
		ts = &testState{
			state:     StateIdle,
			lastAlert: make(map[types.ThresholdKind]time.Time),
		}
		m.tests[testName] = ts
	}
	return ts
}

// checkThresholds evaluates every configured threshold against the completed
// execution. Caller holds m.mu; returned alerts are dispatched after release.
func (m *Monitor) checkThresholds(ts *testState, exec *types.TestExecution) []*types.Alert {
	var alerts []*types.Alert

	if m.maxDuration > 0 && exec.Duration > m.maxDuration {
		alerts = m.appendAlert(alerts, ts, exec,
			types.ThresholdMaxDuration, exec.Duration.Seconds(), m.maxDuration.Seconds())
	}
	if m.maxMemoryMB > 0 && exec.PeakMemoryMB > m.maxMemoryMB {
		alerts = m.appendAlert(alerts, ts, exec,
			types.ThresholdMaxMemory, exec.PeakMemoryMB, m.maxMemoryMB)
	}
	if m.maxCPUPct > 0 && exec.PeakCPUPercent > m.maxCPUPct {
		alerts = m.appendAlert(alerts, ts, exec,
			types.ThresholdMaxCPU, exec.PeakCPUPercent, m.maxCPUPct)
	}
	if m.consecutive > 0 && ts.consecutive >= m.consecutive {
		alerts = m.appendAlert(alerts, ts, exec,
			types.ThresholdConsecutiveFailures, float64(ts.consecutive), float64(m.consecutive))
	}
	if m.failureRate > 0 && m.rateWindow > 0 && len(ts.recent) >= m.rateWindow {
		rate := windowRate(ts.recent)
		if rate >= m.failureRate {
			alerts = m.appendAlert(alerts, ts, exec,
				types.ThresholdFailureRate, rate, m.failureRate)
		}
	}

	return alerts
}

// appendAlert builds an alert unless the (test, threshold) pair is cooling
// down. Breaches of a different threshold are never suppressed by another
// threshold's cooldown.
func (m *Monitor) appendAlert(alerts []*types.Alert, ts *testState, exec *types.TestExecution,
	kind types.ThresholdKind, observed, limit float64) []*types.Alert {

	now := m.now()
	if last, ok := ts.lastAlert[kind]; ok && m.cooldown > 0 && now.Sub(last) < m.cooldown {
		logging.MonitorDebug("Suppressed %s alert for %s (cooldown)", kind, exec.TestName)
		return alerts
	}
	ts.lastAlert[kind] = now

	magnitude := 0.0
	if limit > 0 {
		magnitude = observed / limit
	}
	a := &types.Alert{
		ID:        uuid.NewString(),
		TestName:  exec.TestName,
		Threshold: kind,
		Observed:  observed,
		Limit:     limit,
		Magnitude: magnitude,
		Severity:  SeverityFor(magnitude),
		Timestamp: now,
	}
	logging.Monitor("Alert: test=%s threshold=%s observed=%.2f limit=%.2f severity=%s",
		a.TestName, a.Threshold, a.Observed, a.Limit, a.Severity)
	return append(alerts, a)
}

// dispatch pushes one alert to every registered handler, synchronously.
func (m *Monitor) dispatch(a *types.Alert) {
	m.handlersMu.RLock()
	handlers := make([]Handler, len(m.handlers))
	copy(handlers, m.handlers)
	m.handlersMu.RUnlock()

	for _, h := range handlers {
		h(a)
	}
}

// SeverityFor maps breach magnitude to fixed escalation bands. The mapping
// is monotonically nondecreasing: up to 2x the threshold is medium, beyond
// 2x is high. Magnitudes below 1 (only possible for rate-style thresholds
// that fire at equality) stay low.
func SeverityFor(magnitude float64) types.Severity {
	switch {
	case magnitude > 2:
		return types.SeverityHigh
	case magnitude >= 1:
		return types.SeverityMedium
	default:
		return types.SeverityLow
	}
}

func windowRate(recent []bool) float64 {
	if len(recent) == 0 {
		return 0
	}
	fails := 0
	for _, f := range recent {
		if f {
			fails++
		}
	}
	return float64(fails) / float64(len(recent))
}
