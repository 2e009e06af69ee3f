package authcore

import (
	"context"
	"errors"
	"strconv"

	"github.com/rvallance/authcore/internal"
	"github.com/rvallance/authcore/internal/flows"
	"github.com/rvallance/authcore/jwt"
	"github.com/rvallance/authcore/token"
)

// IssueTokens mints an access/refresh pair for a user session. The access
// token is a signed claim set; the refresh token is an opaque secret stored
// only as a hash. One token record backs the whole rotation chain.
func (e *Engine) IssueTokens(ctx context.Context, userID, tenantID string, scopes []string) (*TokenPair, error) {
	if e == nil || e.jwtManager == nil || e.tokenStore == nil {
		return nil, ErrEngineNotReady
	}
	if tenantID == "" {
		tenantID = tenantIDFromContext(ctx)
	}

	policy, err := e.policies.PolicyForTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	tokenID := internal.NewTokenID()

	secret, err := internal.NewRefreshSecret()
	if err != nil {
		return nil, err
	}
	refreshHash := internal.HashRefreshSecret(secret)

	sessionTTL := policy.SessionTimeout
	if sessionTTL <= 0 {
		sessionTTL = e.config.JWT.RefreshTTL
	}

	rec := &token.Record{
		ID:               tokenID,
		UserID:           userID,
		TenantID:         tenantID,
		Scopes:           scopes,
		Type:             token.TypeUser,
		RefreshHash:      token.HashHex(refreshHash),
		RefreshExpiresAt: now.Add(e.config.JWT.RefreshTTL).Unix(),
		CreatedAt:        now.Unix(),
		ExpiresAt:        now.Add(sessionTTL).Unix(),
	}

	access, err := e.jwtManager.CreateAccess(tokenID, userID, tenantID, "", scopes, jwt.TypeUser, now)
	if err != nil {
		return nil, ErrAuthInvalid
	}
	refresh, err := internal.EncodeRefreshToken(tokenID, secret)
	if err != nil {
		return nil, err
	}

	if err := e.tokenStore.Create(ctx, rec, now); err != nil {
		return nil, ErrStoreUnavailable
	}

	// A login over the concurrency limit succeeds and bumps the oldest
	// sessions out; only authenticated requests fail on the limit.
	if policy.MaxConcurrentSessions > 0 {
		_, err := flows.RunEvictExcessSessions(
			ctx,
			flows.PolicyUserRecord{UserID: userID, TenantID: tenantID},
			flows.PolicySnapshot{MaxConcurrentSessions: policy.MaxConcurrentSessions},
			e.policyDeps(),
		)
		if err != nil {
			e.warnf("authcore: session eviction after login failed: %v", err)
		}
	}

	e.metricInc(MetricTokenIssued)
	e.emitAudit(ctx, auditEventTokenIssued, AuditSeverityLow, true, userID, tenantID, tokenID, nil, nil)

	return &TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  now.Add(e.config.JWT.AccessTTL).Unix(),
		RefreshToken:     refresh,
		RefreshExpiresAt: rec.RefreshExpiresAt,
	}, nil
}

// IssueMachineToken mints an access-only token for machine-to-machine
// clients. Machine tokens have no refresh chain; clients re-issue instead.
func (e *Engine) IssueMachineToken(ctx context.Context, clientID, tenantID string, scopes []string) (string, error) {
	if e == nil || e.jwtManager == nil || e.tokenStore == nil {
		return "", ErrEngineNotReady
	}
	if tenantID == "" {
		tenantID = tenantIDFromContext(ctx)
	}

	now := e.now()
	tokenID := internal.NewTokenID()

	rec := &token.Record{
		ID:        tokenID,
		ClientID:  clientID,
		TenantID:  tenantID,
		Scopes:    scopes,
		Type:      token.TypeM2M,
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(e.config.JWT.AccessTTL).Unix(),
	}

	access, err := e.jwtManager.CreateAccess(tokenID, "", tenantID, clientID, scopes, jwt.TypeM2M, now)
	if err != nil {
		return "", ErrAuthInvalid
	}
	if err := e.tokenStore.Create(ctx, rec, now); err != nil {
		return "", ErrStoreUnavailable
	}

	e.metricInc(MetricTokenIssued)
	e.emitAudit(ctx, auditEventTokenIssued, AuditSeverityLow, true, "", tenantID, tokenID, nil, func() map[string]string {
		return map[string]string{"client_id": clientID}
	})
	return access, nil
}

// ValidateAccessToken verifies the token signature and expiry and
// cross-checks the persisted record for revocation. Every authenticated
// request must pass through here (or [Engine.Authenticate]); a signed token
// alone never proves the session is still live.
func (e *Engine) ValidateAccessToken(ctx context.Context, accessToken string) (*Identity, error) {
	if e == nil || e.jwtManager == nil || e.tokenStore == nil {
		return nil, ErrEngineNotReady
	}

	claims, err := e.jwtManager.ParseAccess(accessToken)
	if err != nil {
		e.metricInc(MetricTokenValidateFailure)
		if errors.Is(err, jwt.ErrExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrAuthInvalid
	}

	rec, err := e.tokenStore.Get(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, token.ErrNotFound) {
			// No record means the chain was torn down; fail closed.
			e.metricInc(MetricTokenValidateFailure)
			e.emitAudit(ctx, auditEventTokenValidateFail, AuditSeverityMedium, false, claims.Subject, claims.TenantID, claims.ID, ErrTokenRevoked, nil)
			return nil, ErrTokenRevoked
		}
		return nil, ErrStoreUnavailable
	}
	if rec.Revoked {
		e.metricInc(MetricTokenValidateFailure)
		e.emitAudit(ctx, auditEventTokenValidateFail, AuditSeverityMedium, false, rec.UserID, rec.TenantID, rec.ID, ErrTokenRevoked, func() map[string]string {
			return map[string]string{"reason": rec.RevokedReason}
		})
		return nil, ErrTokenRevoked
	}
	if !rec.Active(e.now()) {
		e.metricInc(MetricTokenValidateFailure)
		return nil, ErrTokenExpired
	}

	e.metricInc(MetricTokenValidated)
	return &Identity{
		UserID:    claims.Subject,
		TenantID:  claims.TenantID,
		ClientID:  claims.ClientID,
		Scopes:    claims.Scopes,
		TokenID:   claims.ID,
		TokenType: string(claims.TokenType),
		ExpiresAt: rec.ExpiresAt,
	}, nil
}

// RefreshTokens rotates the presented refresh token. Rotation is mandatory:
// the old token is atomically replaced, and replaying it afterwards revokes
// the whole chain and surfaces [ErrTokenRevoked].
func (e *Engine) RefreshTokens(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if e == nil || e.jwtManager == nil || e.tokenStore == nil {
		return nil, ErrEngineNotReady
	}

	tokenID, secret, err := internal.DecodeRefreshToken(refreshToken)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return nil, ErrAuthInvalid
	}

	nextSecret, err := internal.NewRefreshSecret()
	if err != nil {
		return nil, err
	}

	now := e.now()
	rec, err := e.tokenStore.RotateRefresh(
		ctx,
		tokenID,
		internal.HashRefreshSecret(secret),
		internal.HashRefreshSecret(nextSecret),
		now,
		e.config.JWT.RefreshTTL,
	)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrReuseDetected):
			// Theft signal: the chain is already revoked by the store.
			e.metricInc(MetricRefreshReuseDetected)
			e.emitAudit(ctx, auditEventRefreshReuseDetected, AuditSeverityHigh, false, recUserID(rec), recTenantID(rec), tokenID, ErrTokenRevoked, nil)
			return nil, ErrTokenRevoked
		case errors.Is(err, token.ErrRevoked):
			e.metricInc(MetricRefreshFailure)
			e.emitAudit(ctx, auditEventRefreshInvalid, AuditSeverityMedium, false, recUserID(rec), recTenantID(rec), tokenID, ErrTokenRevoked, nil)
			return nil, ErrTokenRevoked
		case errors.Is(err, token.ErrRefreshExpired):
			e.metricInc(MetricRefreshFailure)
			return nil, ErrTokenExpired
		case errors.Is(err, token.ErrNotFound):
			e.metricInc(MetricRefreshFailure)
			e.emitAudit(ctx, auditEventRefreshInvalid, AuditSeverityMedium, false, "", "", tokenID, ErrAuthInvalid, nil)
			return nil, ErrAuthInvalid
		default:
			return nil, ErrStoreUnavailable
		}
	}

	access, err := e.jwtManager.CreateAccess(rec.ID, rec.UserID, rec.TenantID, rec.ClientID, rec.Scopes, jwt.TokenType(rec.Type), now)
	if err != nil {
		return nil, ErrAuthInvalid
	}
	refresh, err := internal.EncodeRefreshToken(rec.ID, nextSecret)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshSuccess, AuditSeverityLow, true, rec.UserID, rec.TenantID, rec.ID, nil, nil)

	return &TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  now.Add(e.config.JWT.AccessTTL).Unix(),
		RefreshToken:     refresh,
		RefreshExpiresAt: rec.RefreshExpiresAt,
	}, nil
}

// RevokeToken revokes one token record (and with it the whole rotation
// chain, access and refresh alike). Idempotent.
func (e *Engine) RevokeToken(ctx context.Context, tokenID string) error {
	if e == nil || e.tokenStore == nil {
		return ErrEngineNotReady
	}

	rec, err := e.tokenStore.Get(ctx, tokenID)
	if err != nil {
		if errors.Is(err, token.ErrNotFound) {
			return nil
		}
		return ErrStoreUnavailable
	}

	changed, err := e.tokenStore.Revoke(ctx, tokenID, rec.TenantID, rec.UserID, token.ReasonLogout)
	if err != nil {
		return ErrStoreUnavailable
	}
	if changed {
		e.metricInc(MetricTokenRevoked)
		e.emitAudit(ctx, auditEventTokenRevoked, AuditSeverityLow, true, rec.UserID, rec.TenantID, tokenID, nil, nil)
	}
	return nil
}

// RevokeAllForUser revokes every active session for the user in the tenant
// and returns the number revoked.
func (e *Engine) RevokeAllForUser(ctx context.Context, tenantID, userID string) (int, error) {
	if e == nil || e.tokenStore == nil {
		return 0, ErrEngineNotReady
	}
	if tenantID == "" {
		tenantID = tenantIDFromContext(ctx)
	}

	n, err := e.tokenStore.RevokeAllForUser(ctx, tenantID, userID, token.ReasonAdmin)
	if err != nil {
		return n, ErrStoreUnavailable
	}

	if n > 0 {
		e.metricInc(MetricTokenRevoked)
		e.emitAudit(ctx, auditEventRevokeAll, AuditSeverityMedium, true, userID, tenantID, "", nil, func() map[string]string {
			return map[string]string{"revoked": strconv.Itoa(n)}
		})
	}
	return n, nil
}

// ActiveSessions lists the user's live sessions, oldest first.
func (e *Engine) ActiveSessions(ctx context.Context, tenantID, userID string) ([]SessionInfo, error) {
	if e == nil || e.tokenStore == nil {
		return nil, ErrEngineNotReady
	}
	if tenantID == "" {
		tenantID = tenantIDFromContext(ctx)
	}

	records, err := e.tokenStore.ListActive(ctx, tenantID, userID, e.now())
	if err != nil {
		return nil, ErrStoreUnavailable
	}

	sessions := make([]SessionInfo, 0, len(records))
	for _, rec := range records {
		sessions = append(sessions, SessionInfo{
			TokenID:   rec.ID,
			CreatedAt: rec.CreatedAt,
			ExpiresAt: rec.ExpiresAt,
			Rotations: rec.Rotations,
		})
	}
	return sessions, nil
}

func recUserID(rec *token.Record) string {
	if rec == nil {
		return ""
	}
	return rec.UserID
}

func recTenantID(rec *token.Record) string {
	if rec == nil {
		return ""
	}
	return rec.TenantID
}
