package flows

import (
	"context"
	"strconv"
	"time"
)

// PolicyTokenRecord is the flow-local view of the token under enforcement.
type PolicyTokenRecord struct {
	ID        string
	CreatedAt int64
	ExpiresAt int64
}

// PolicyUserRecord is the flow-local user model read by policy enforcement.
type PolicyUserRecord struct {
	UserID           string
	TenantID         string
	Role             string
	CreatedAt        int64
	TwoFactorEnabled bool
	LoginCount       int
}

// PolicySnapshot is the tenant security policy as the enforcer consumes it.
type PolicySnapshot struct {
	MaxConcurrentSessions int
	SessionTimeout        time.Duration
	ExtendOnActivity      bool

	RequireTwoFactor bool
	GracePeriodDays  int
	GraceLogins      int
	ExemptRoles      []string
	// EnforcementDate overrides the grace-period computation when non-zero
	// (unix seconds).
	EnforcementDate int64
}

// PolicySessionRef identifies one active session in the user's set, ordered
// by the store oldest first.
type PolicySessionRef struct {
	ID        string
	CreatedAt int64
}

// PolicyMetrics carries metric IDs needed by the enforcement flow.
type PolicyMetrics struct {
	SessionEvicted    int
	SessionTimedOut   int
	SessionExtended   int
	TwoFactorEnforced int
	GraceLoginUsed    int
}

// PolicyEvents carries audit event names used by the enforcement flow.
type PolicyEvents struct {
	SessionEvicted    string
	SessionTimeout    string
	TwoFactorEnforced string
	GraceLoginUsed    string
}

// PolicyErrors carries host-level sentinel errors used by the enforcement flow.
type PolicyErrors struct {
	EngineNotReady       error
	SessionLimitExceeded error
	TokenExpired         error
	TwoFactorRequired    error
	StoreUnavailable     error
}

// PolicyDeps captures session-policy enforcement dependencies.
type PolicyDeps struct {
	Now func() time.Time

	ListActiveSessions  func(ctx context.Context, tenantID, userID string, now time.Time) ([]PolicySessionRef, error)
	RevokeSession       func(ctx context.Context, tokenID, tenantID, userID, reason string) error
	ExtendSession       func(ctx context.Context, tokenID string, newExpiry, now time.Time) error
	IncrementLoginCount func(ctx context.Context, userID string) (int, error)
	NotifyGraceWarning  func(ctx context.Context, userID string, remaining int) error

	MetricInc func(int)
	EmitAudit func(ctx context.Context, event string, severity uint8, success bool, userID, tenantID, tokenID string, cause error, meta func() map[string]string)
	Warn      func(string, ...any)

	Metrics PolicyMetrics
	Events  PolicyEvents
	Errors  PolicyErrors
}

// Audit severities as the dispatcher understands them. Kept numeric here so
// flows stay free of root imports.
const (
	AuditLow    uint8 = 0
	AuditMedium uint8 = 1
	AuditHigh   uint8 = 2
)

// RunEnforcePolicy applies the tenant policy to a validated, non-revoked
// token. The four steps run strictly in order against one time snapshot:
// concurrency, timeout, two-factor enforcement, activity extension. The
// first failing step revokes what it must and short-circuits.
func RunEnforcePolicy(
	ctx context.Context,
	tok PolicyTokenRecord,
	user PolicyUserRecord,
	policy PolicySnapshot,
	deps PolicyDeps,
) error {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.MetricInc == nil {
		deps.MetricInc = func(int) {}
	}
	if deps.EmitAudit == nil {
		deps.EmitAudit = func(context.Context, string, uint8, bool, string, string, string, error, func() map[string]string) {}
	}
	if deps.Warn == nil {
		deps.Warn = func(string, ...any) {}
	}
	if deps.ListActiveSessions == nil || deps.RevokeSession == nil {
		return deps.Errors.EngineNotReady
	}

	now := deps.Now()

	// 1. Concurrency. Evictions are audited side effects; the current
	// request still fails so the caller sees the limit was hit.
	if policy.MaxConcurrentSessions > 0 {
		sessions, err := deps.ListActiveSessions(ctx, user.TenantID, user.UserID, now)
		if err != nil {
			return deps.Errors.StoreUnavailable
		}
		if len(sessions) > policy.MaxConcurrentSessions {
			excess := len(sessions) - policy.MaxConcurrentSessions
			for _, victim := range sessions[:excess] {
				if err := deps.RevokeSession(ctx, victim.ID, user.TenantID, user.UserID, "evicted"); err != nil {
					return deps.Errors.StoreUnavailable
				}
				deps.MetricInc(deps.Metrics.SessionEvicted)
				deps.EmitAudit(ctx, deps.Events.SessionEvicted, AuditMedium, true, user.UserID, user.TenantID, victim.ID, nil, func() map[string]string {
					return map[string]string{
						"limit": strconv.Itoa(policy.MaxConcurrentSessions),
					}
				})
			}
			deps.EmitAudit(ctx, deps.Events.SessionEvicted, AuditMedium, false, user.UserID, user.TenantID, tok.ID, deps.Errors.SessionLimitExceeded, nil)
			return deps.Errors.SessionLimitExceeded
		}
	}

	// 2. Timeout, measured against the same snapshot step 1 used.
	if policy.SessionTimeout > 0 && now.Unix()-tok.CreatedAt > int64(policy.SessionTimeout.Seconds()) {
		if err := deps.RevokeSession(ctx, tok.ID, user.TenantID, user.UserID, "timeout"); err != nil {
			return deps.Errors.StoreUnavailable
		}
		deps.MetricInc(deps.Metrics.SessionTimedOut)
		deps.EmitAudit(ctx, deps.Events.SessionTimeout, AuditLow, false, user.UserID, user.TenantID, tok.ID, deps.Errors.TokenExpired, nil)
		return deps.Errors.TokenExpired
	}

	// 3. Progressive two-factor enforcement.
	if policy.RequireTwoFactor && !user.TwoFactorEnabled && !roleExempt(user.Role, policy.ExemptRoles) {
		enforcement := policy.EnforcementDate
		if enforcement == 0 {
			enforcement = user.CreatedAt + int64(policy.GracePeriodDays)*86400
		}
		if now.Unix() > enforcement {
			if policy.GraceLogins-user.LoginCount <= 0 {
				deps.MetricInc(deps.Metrics.TwoFactorEnforced)
				deps.EmitAudit(ctx, deps.Events.TwoFactorEnforced, AuditHigh, false, user.UserID, user.TenantID, tok.ID, deps.Errors.TwoFactorRequired, nil)
				return deps.Errors.TwoFactorRequired
			}
			if deps.IncrementLoginCount == nil {
				return deps.Errors.EngineNotReady
			}
			count, err := deps.IncrementLoginCount(ctx, user.UserID)
			if err != nil {
				return deps.Errors.StoreUnavailable
			}
			remaining := policy.GraceLogins - count
			if remaining < 0 {
				remaining = 0
			}
			deps.MetricInc(deps.Metrics.GraceLoginUsed)
			deps.EmitAudit(ctx, deps.Events.GraceLoginUsed, AuditLow, true, user.UserID, user.TenantID, tok.ID, nil, func() map[string]string {
				return map[string]string{
					"remaining": strconv.Itoa(remaining),
				}
			})
			if remaining <= 3 && deps.NotifyGraceWarning != nil {
				if err := deps.NotifyGraceWarning(ctx, user.UserID, remaining); err != nil {
					deps.Warn("authcore: two-factor grace warning notification failed")
				}
			}
		}
	}

	// 4. Extension is best-effort: the request already passed enforcement.
	if policy.ExtendOnActivity && policy.SessionTimeout > 0 && deps.ExtendSession != nil {
		if err := deps.ExtendSession(ctx, tok.ID, now.Add(policy.SessionTimeout), now); err != nil {
			deps.Warn("authcore: session extension failed")
		} else {
			deps.MetricInc(deps.Metrics.SessionExtended)
		}
	}

	return nil
}

// RunEvictExcessSessions trims the user's session set to the policy limit,
// oldest first. Login calls this after creating the new session so a burst
// of logins converges on the newest N sessions instead of blocking; the
// request-path enforcement in RunEnforcePolicy fails over-limit requests
// instead. Returns the number of sessions evicted.
func RunEvictExcessSessions(
	ctx context.Context,
	user PolicyUserRecord,
	policy PolicySnapshot,
	deps PolicyDeps,
) (int, error) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.MetricInc == nil {
		deps.MetricInc = func(int) {}
	}
	if deps.EmitAudit == nil {
		deps.EmitAudit = func(context.Context, string, uint8, bool, string, string, string, error, func() map[string]string) {}
	}
	if deps.ListActiveSessions == nil || deps.RevokeSession == nil {
		return 0, deps.Errors.EngineNotReady
	}
	if policy.MaxConcurrentSessions <= 0 {
		return 0, nil
	}

	sessions, err := deps.ListActiveSessions(ctx, user.TenantID, user.UserID, deps.Now())
	if err != nil {
		return 0, deps.Errors.StoreUnavailable
	}
	if len(sessions) <= policy.MaxConcurrentSessions {
		return 0, nil
	}

	excess := len(sessions) - policy.MaxConcurrentSessions
	for _, victim := range sessions[:excess] {
		if err := deps.RevokeSession(ctx, victim.ID, user.TenantID, user.UserID, "evicted"); err != nil {
			return 0, deps.Errors.StoreUnavailable
		}
		deps.MetricInc(deps.Metrics.SessionEvicted)
		deps.EmitAudit(ctx, deps.Events.SessionEvicted, AuditMedium, true, user.UserID, user.TenantID, victim.ID, nil, func() map[string]string {
			return map[string]string{
				"limit": strconv.Itoa(policy.MaxConcurrentSessions),
			}
		})
	}
	return excess, nil
}

func roleExempt(role string, exempt []string) bool {
	for _, r := range exempt {
		if r == role {
			return true
		}
	}
	return false
}
