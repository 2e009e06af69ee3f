package authcore

import "sync/atomic"

// MetricID indexes one engine counter.
type MetricID uint16

const (
	MetricTokenIssued MetricID = iota
	MetricTokenValidated
	MetricTokenValidateFailure
	MetricRefreshSuccess
	MetricRefreshFailure
	MetricRefreshReuseDetected
	MetricTokenRevoked
	MetricSessionEvicted
	MetricSessionTimedOut
	MetricSessionExtended
	MetricTwoFactorEnforced
	MetricGraceLoginUsed
	MetricTwoFactorSetupStarted
	MetricTwoFactorSetupVerified
	MetricTwoFactorSetupFailed
	MetricTwoFactorSuccess
	MetricTwoFactorFailure
	MetricTwoFactorLocked
	MetricTwoFactorDisabled
	MetricPasskeyRegistrationStarted
	MetricPasskeyRegistered
	MetricPasskeyRegistrationFailed
	MetricPasskeyAuthSuccess
	MetricPasskeyAuthFailure
	MetricPasskeyCloneSignal
	MetricRateLimitHit
	metricIDCount
)

const cacheLineSize = 64

// paddedCounter keeps each counter on its own cache line so hot counters do
// not contend under concurrent increments.
type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics holds the engine's in-process counters. All methods are safe for
// concurrent use; a disabled Metrics turns every operation into a no-op.
type Metrics struct {
	enabled  bool
	counters [metricIDCount]paddedCounter
}

// NewMetrics creates the counter set.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{enabled: cfg.Enabled}
}

// Inc adds one to the counter.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Get reads one counter.
func (m *Metrics) Get(id MetricID) uint64 {
	if m == nil || !m.enabled || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// MetricsSnapshot is a point-in-time copy of every counter.
type MetricsSnapshot struct {
	Counters map[MetricID]uint64
}

// Snapshot copies all counters. Counters incremented mid-snapshot may or
// may not be included; the copy is consistent per counter, not globally.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{Counters: make(map[MetricID]uint64, metricIDCount)}
	if m == nil || !m.enabled {
		return snap
	}
	for id := MetricID(0); id < metricIDCount; id++ {
		snap.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}
	return snap
}
