package authcore

import (
	"context"
	"errors"
	"time"

	"github.com/rvallance/authcore/internal/flows"
	"github.com/rvallance/authcore/jwt"
	"github.com/rvallance/authcore/token"
)

// Authenticate is the full per-request check: signature and expiry, the
// revocation record, tenant binding, and the tenant's session policy. Hosts
// gate protected requests on this method; [Engine.ValidateAccessToken] alone
// skips policy enforcement.
//
// Machine tokens stop after the tenant check. User tokens additionally run
// the concurrency limit, the idle timeout, progressive two-factor
// enforcement, and activity extension, in that order.
func (e *Engine) Authenticate(ctx context.Context, accessToken, tenantID string) (*Identity, error) {
	identity, err := e.ValidateAccessToken(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	if tenantID == "" {
		tenantID = tenantIDFromContext(ctx)
	}
	if tenantID != "" && identity.TenantID != tenantID {
		// A machine credential presented against the wrong tenant is a
		// cross-tenant probe, not a stale session.
		severity := AuditSeverityMedium
		if identity.TokenType == string(jwt.TypeM2M) {
			severity = AuditSeverityHigh
		}
		e.metricInc(MetricTokenValidateFailure)
		e.emitAudit(ctx, auditEventTokenValidateFail, severity, false, identity.UserID, tenantID, identity.TokenID, ErrAuthInvalid, func() map[string]string {
			return map[string]string{
				"token_tenant": identity.TenantID,
				"client_id":    identity.ClientID,
			}
		})
		return nil, ErrAuthInvalid
	}

	if identity.TokenType == string(jwt.TypeM2M) {
		return identity, nil
	}

	user, err := e.loadUser(ctx, identity.UserID)
	if err != nil {
		return nil, err
	}
	policy, err := e.policies.PolicyForTenant(ctx, identity.TenantID)
	if err != nil {
		return nil, err
	}

	rec, err := e.tokenStore.Get(ctx, identity.TokenID)
	if err != nil {
		if errors.Is(err, token.ErrNotFound) {
			return nil, ErrTokenRevoked
		}
		return nil, ErrStoreUnavailable
	}

	err = flows.RunEnforcePolicy(
		ctx,
		flows.PolicyTokenRecord{
			ID:        rec.ID,
			CreatedAt: rec.CreatedAt,
			ExpiresAt: rec.ExpiresAt,
		},
		policyUserRecord(user),
		policySnapshot(policy),
		e.policyDeps(),
	)
	if err != nil {
		return nil, err
	}
	return identity, nil
}

// loadUser fetches the account behind a user token. A token whose user is
// gone fails closed as an invalid credential rather than a store error.
func (e *Engine) loadUser(ctx context.Context, userID string) (*UserRecord, error) {
	user, err := e.getUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrAuthInvalid
		}
		return nil, err
	}
	return user, nil
}

// getUser is the plain account lookup used by the self-service flows, where
// an unknown user is the caller's problem rather than a credential failure.
func (e *Engine) getUser(ctx context.Context, userID string) (*UserRecord, error) {
	if e.users == nil {
		return nil, ErrEngineNotReady
	}
	user, err := e.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, ErrStoreUnavailable
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}

func policyUserRecord(user *UserRecord) flows.PolicyUserRecord {
	return flows.PolicyUserRecord{
		UserID:           user.UserID,
		TenantID:         user.TenantID,
		Role:             user.Role,
		CreatedAt:        user.CreatedAt,
		TwoFactorEnabled: user.TwoFactor.State == TwoFactorEnabled,
		LoginCount:       user.LoginCount,
	}
}

func policySnapshot(policy SecurityPolicy) flows.PolicySnapshot {
	return flows.PolicySnapshot{
		MaxConcurrentSessions: policy.MaxConcurrentSessions,
		SessionTimeout:        policy.SessionTimeout,
		ExtendOnActivity:      policy.ExtendOnActivity,
		RequireTwoFactor:      policy.RequireTwoFactor,
		GracePeriodDays:       policy.TwoFactorGracePeriodDays,
		GraceLogins:           policy.TwoFactorGraceLogins,
		ExemptRoles:           policy.TwoFactorExemptRoles,
		EnforcementDate:       policy.TwoFactorEnforcementDate,
	}
}

func (e *Engine) policyDeps() flows.PolicyDeps {
	return flows.PolicyDeps{
		Now: e.now,
		ListActiveSessions: func(ctx context.Context, tenantID, userID string, now time.Time) ([]flows.PolicySessionRef, error) {
			records, err := e.tokenStore.ListActive(ctx, tenantID, userID, now)
			if err != nil {
				return nil, err
			}
			refs := make([]flows.PolicySessionRef, 0, len(records))
			for _, rec := range records {
				refs = append(refs, flows.PolicySessionRef{ID: rec.ID, CreatedAt: rec.CreatedAt})
			}
			return refs, nil
		},
		RevokeSession: func(ctx context.Context, tokenID, tenantID, userID, reason string) error {
			_, err := e.tokenStore.Revoke(ctx, tokenID, tenantID, userID, reason)
			return err
		},
		ExtendSession: func(ctx context.Context, tokenID string, newExpiry, now time.Time) error {
			return e.tokenStore.ExtendExpiry(ctx, tokenID, newExpiry, now)
		},
		IncrementLoginCount: func(ctx context.Context, userID string) (int, error) {
			return e.users.IncrementLoginCount(ctx, userID)
		},
		NotifyGraceWarning: func(ctx context.Context, userID string, remaining int) error {
			if e.notifier == nil {
				return nil
			}
			return e.notifier.NotifyTwoFactorDeadline(ctx, userID, remaining)
		},
		MetricInc: func(id int) { e.metricInc(MetricID(id)) },
		EmitAudit: e.emitAuditLevel,
		Warn:      e.warnf,
		Metrics: flows.PolicyMetrics{
			SessionEvicted:    int(MetricSessionEvicted),
			SessionTimedOut:   int(MetricSessionTimedOut),
			SessionExtended:   int(MetricSessionExtended),
			TwoFactorEnforced: int(MetricTwoFactorEnforced),
			GraceLoginUsed:    int(MetricGraceLoginUsed),
		},
		Events: flows.PolicyEvents{
			SessionEvicted:    auditEventSessionEvicted,
			SessionTimeout:    auditEventSessionTimeout,
			TwoFactorEnforced: auditEventTwoFactorEnforced,
			GraceLoginUsed:    auditEventGraceLoginUsed,
		},
		Errors: flows.PolicyErrors{
			EngineNotReady:       ErrEngineNotReady,
			SessionLimitExceeded: ErrSessionLimitExceeded,
			TokenExpired:         ErrTokenExpired,
			TwoFactorRequired:    ErrTwoFactorRequired,
			StoreUnavailable:     ErrStoreUnavailable,
		},
	}
}
