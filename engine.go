package authcore

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rvallance/authcore/internal/audit"
	"github.com/rvallance/authcore/internal/rate"
	"github.com/rvallance/authcore/jwt"
	"github.com/rvallance/authcore/password"
	"github.com/rvallance/authcore/token"
)

// Engine is the authentication and session security core. Construct it with
// [New]; after Build it is immutable and safe for concurrent use.
type Engine struct {
	config Config

	tokenStore   *token.Store
	rateLimiter  *rate.Limiter
	challenges   *passkeyChallengeStore
	policies     *policyCache
	auditDisp    *audit.Dispatcher
	metrics      *Metrics
	jwtManager   *jwt.Manager
	passwordHash *password.Argon2
	totp         *totpManager
	verifier     ceremonyVerifier

	users          UserProvider
	authenticators AuthenticatorStore
	notifier       Notifier
	log            logrus.FieldLogger

	twoFactorScope    rate.Scope
	registrationScope rate.Scope

	now func() time.Time
}

// Close flushes and stops the audit dispatcher.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.auditDisp != nil {
		e.auditDisp.Close()
	}
}

// AuditDropped reports how many buffered audit events were dropped under
// backpressure. High-severity events are never counted here; they bypass
// the buffer.
func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.auditDisp.Dropped()
}

// MetricsSnapshot returns a point-in-time copy of the engine counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{Counters: map[MetricID]uint64{}}
	}
	return e.metrics.Snapshot()
}

// HashPassword hashes a password with the engine's argon2id parameters.
// Provided for hosts so stored hashes stay verifiable by DisableTwoFactor.
func (e *Engine) HashPassword(plaintext string) (string, error) {
	if e == nil || e.passwordHash == nil {
		return "", ErrEngineNotReady
	}
	return e.passwordHash.Hash(plaintext)
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) warnf(format string, args ...any) {
	if e == nil || e.log == nil {
		return
	}
	e.log.Warnf(format, args...)
}
