package authcore

import (
	"context"
	"time"

	"github.com/rvallance/authcore/internal/audit"
)

const (
	auditEventTokenIssued          = "token_issued"
	auditEventTokenValidateFail    = "token_validate_failure"
	auditEventRefreshSuccess       = "refresh_success"
	auditEventRefreshInvalid       = "refresh_invalid"
	auditEventRefreshReuseDetected = "refresh_reuse_detected"
	auditEventTokenRevoked         = "token_revoked"
	auditEventRevokeAll            = "revoke_all"
	auditEventSessionEvicted       = "session_evicted"
	auditEventSessionTimeout       = "session_timeout"
	auditEventTwoFactorEnforced    = "two_factor_enforced"
	auditEventGraceLoginUsed       = "two_factor_grace_login"
	auditEventTwoFactorSetup       = "two_factor_setup_requested"
	auditEventTwoFactorVerified    = "two_factor_setup_verified"
	auditEventTwoFactorSetupFailed = "two_factor_setup_failure"
	auditEventTwoFactorSetupLocked = "two_factor_setup_locked"
	auditEventTwoFactorSuccess     = "two_factor_success"
	auditEventTwoFactorFailure     = "two_factor_failure"
	auditEventTwoFactorLocked      = "two_factor_locked"
	auditEventTwoFactorDisabled    = "two_factor_disabled"
	auditEventPasskeyRegBegin      = "passkey_registration_started"
	auditEventPasskeyRegistered    = "passkey_registered"
	auditEventPasskeyRegFailed     = "passkey_registration_failure"
	auditEventPasskeyAuthSuccess   = "passkey_auth_success"
	auditEventPasskeyAuthFailure   = "passkey_auth_failure"
	auditEventPasskeyCloneSignal   = "passkey_clone_detected"
)

var auditSeverities = [...]AuditSeverity{
	audit.SeverityLow,
	audit.SeverityMedium,
	audit.SeverityHigh,
}

func severityFromLevel(level uint8) AuditSeverity {
	if int(level) >= len(auditSeverities) {
		return audit.SeverityHigh
	}
	return auditSeverities[level]
}

// emitAudit builds and dispatches one audit event. High-severity events are
// delivered synchronously by the dispatcher, so callers may emit and then
// return the error without losing the record.
func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	severity AuditSeverity,
	success bool,
	userID string,
	tenantID string,
	tokenID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.auditDisp == nil {
		return
	}
	if tenantID == "" {
		tenantID = tenantIDFromContext(ctx)
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Severity:  severity,
		UserID:    userID,
		TenantID:  tenantID,
		TokenID:   tokenID,
		IP:        clientIPFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if err != nil {
		event.Error = err.Error()
	}

	e.auditDisp.Emit(ctx, event)
}

// emitAuditLevel adapts emitAudit to the numeric severity the flow packages
// use.
func (e *Engine) emitAuditLevel(
	ctx context.Context,
	eventType string,
	level uint8,
	success bool,
	userID string,
	tenantID string,
	tokenID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	e.emitAudit(ctx, eventType, severityFromLevel(level), success, userID, tenantID, tokenID, err, metadataBuilder)
}
