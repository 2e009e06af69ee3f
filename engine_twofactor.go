package authcore

import (
	"context"
	"errors"

	"github.com/rvallance/authcore/internal/flows"
	"github.com/rvallance/authcore/internal/rate"
)

// BeginTwoFactorSetup starts TOTP enrollment for the user: a fresh secret,
// a provisioning URI for the authenticator app, and one-time backup codes.
// The returned codes are plaintext exactly once. Calling again while a
// previous setup is still pending discards it and starts over; calling for
// a user who already has two-factor enabled fails with [ErrTwoFactorInvalid].
func (e *Engine) BeginTwoFactorSetup(ctx context.Context, userID string) (*TwoFactorSetup, error) {
	if e == nil || e.totp == nil {
		return nil, ErrEngineNotReady
	}
	user, err := e.getUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	account := user.Name
	if account == "" {
		account = user.UserID
	}

	result, err := flows.RunBeginTwoFactorSetup(ctx, userID, user.TenantID, account, e.twoFactorDeps())
	if err != nil {
		return nil, err
	}
	return &TwoFactorSetup{
		Secret:          result.Secret,
		ProvisioningURI: result.ProvisioningURI,
		BackupCodes:     result.BackupCodes,
		ExpiresAt:       result.ExpiresAt,
	}, nil
}

// VerifyTwoFactorSetup proves the user enrolled the pending secret by
// submitting a live code. On success two-factor flips to enabled. The code
// must arrive inside the setup window; repeated wrong codes lock the
// pending setup, after which the user must start over.
func (e *Engine) VerifyTwoFactorSetup(ctx context.Context, userID, code string) error {
	if e == nil || e.totp == nil {
		return ErrEngineNotReady
	}
	user, err := e.getUser(ctx, userID)
	if err != nil {
		return err
	}
	return flows.RunVerifyTwoFactorSetup(ctx, userID, user.TenantID, code, e.twoFactorDeps())
}

// VerifyTwoFactor checks a steady-state second factor. kind selects the
// code type: "totp" (or empty) for an authenticator code, "backup" for a
// one-time backup code, which is consumed on success. Failures count
// toward a sliding-window lockout that is checked before the code, so a
// correct code cannot bypass an active lockout.
func (e *Engine) VerifyTwoFactor(ctx context.Context, userID, code, kind string) error {
	if e == nil || e.totp == nil || e.rateLimiter == nil {
		return ErrEngineNotReady
	}
	user, err := e.getUser(ctx, userID)
	if err != nil {
		return err
	}
	return flows.RunVerifyTwoFactor(ctx, userID, user.TenantID, code, kind, e.twoFactorDeps())
}

// DisableTwoFactor turns two-factor off after re-verifying the account
// password. The secret, backup codes, and any lockout state are cleared.
func (e *Engine) DisableTwoFactor(ctx context.Context, userID, currentPassword string) error {
	if e == nil || e.passwordHash == nil {
		return ErrEngineNotReady
	}
	user, err := e.getUser(ctx, userID)
	if err != nil {
		return err
	}
	return flows.RunDisableTwoFactor(ctx, userID, user.TenantID, currentPassword, e.twoFactorDeps())
}

func (e *Engine) twoFactorDeps() flows.TwoFactorDeps {
	return flows.TwoFactorDeps{
		SetupWindow:      e.config.TwoFactor.SetupWindow,
		MaxSetupAttempts: e.config.TwoFactor.MaxSetupAttempts,
		Now:              e.now,

		GetTwoFactor: func(ctx context.Context, userID string) (*flows.TwoFactorRecord, error) {
			user, err := e.users.GetUserByID(ctx, userID)
			if err != nil {
				return nil, err
			}
			if user == nil {
				return nil, ErrUserNotFound
			}
			rec := user.TwoFactor
			return &flows.TwoFactorRecord{
				State:                uint8(rec.State),
				Secret:               rec.Secret,
				BackupCodeHashes:     rec.BackupCodeHashes,
				VerificationAttempts: rec.VerificationAttempts,
				SetupStartedAt:       rec.SetupStartedAt,
			}, nil
		},
		SaveTwoFactor: func(ctx context.Context, userID string, rec *flows.TwoFactorRecord) error {
			return e.users.SaveTwoFactor(ctx, userID, TwoFactorRecord{
				State:                TwoFactorState(rec.State),
				Secret:               rec.Secret,
				BackupCodeHashes:     rec.BackupCodeHashes,
				VerificationAttempts: rec.VerificationAttempts,
				SetupStartedAt:       rec.SetupStartedAt,
			})
		},

		NewTOTPSecret:    e.totp.GenerateSecret,
		ValidateTOTP:     e.totp.ValidateCode,
		NewBackupCodes:   e.totp.GenerateBackupCodes,
		VerifyBackupCode: e.totp.VerifyBackupCode,

		GetPasswordHash: func(ctx context.Context, userID string) (string, error) {
			user, err := e.users.GetUserByID(ctx, userID)
			if err != nil {
				return "", err
			}
			if user == nil || user.PasswordHash == "" {
				return "", ErrUserNotFound
			}
			return user.PasswordHash, nil
		},
		VerifyPassword: e.passwordHash.Verify,

		// The limiter closures fail open on infrastructure errors: a flaky
		// Redis degrades brute-force protection but must not read as a
		// lockout to the user.
		CheckLockout: func(ctx context.Context, userID string) error {
			err := e.rateLimiter.Check(ctx, e.twoFactorScope, userID)
			if err != nil && !errors.Is(err, rate.ErrRateLimited) {
				e.warnf("authcore: two-factor lockout check failed: %v", err)
				return nil
			}
			if err != nil {
				e.metricInc(MetricRateLimitHit)
			}
			return err
		},
		RecordFailure: func(ctx context.Context, userID string) error {
			err := e.rateLimiter.RecordFailure(ctx, e.twoFactorScope, userID)
			if err != nil && !errors.Is(err, rate.ErrRateLimited) {
				e.warnf("authcore: two-factor failure count failed: %v", err)
				return nil
			}
			if err != nil {
				e.metricInc(MetricRateLimitHit)
			}
			return err
		},
		ResetFailures: func(ctx context.Context, userID string) error {
			return e.rateLimiter.Reset(ctx, e.twoFactorScope, userID)
		},

		MetricInc: func(id int) { e.metricInc(MetricID(id)) },
		EmitAudit: e.emitAuditLevel,
		Warn:      e.warnf,
		Metrics: flows.TwoFactorMetrics{
			SetupStarted:  int(MetricTwoFactorSetupStarted),
			SetupVerified: int(MetricTwoFactorSetupVerified),
			SetupFailed:   int(MetricTwoFactorSetupFailed),
			VerifySuccess: int(MetricTwoFactorSuccess),
			VerifyFailure: int(MetricTwoFactorFailure),
			Locked:        int(MetricTwoFactorLocked),
			Disabled:      int(MetricTwoFactorDisabled),
		},
		Events: flows.TwoFactorEvents{
			SetupStarted:  auditEventTwoFactorSetup,
			SetupVerified: auditEventTwoFactorVerified,
			SetupFailed:   auditEventTwoFactorSetupFailed,
			SetupLocked:   auditEventTwoFactorSetupLocked,
			VerifySuccess: auditEventTwoFactorSuccess,
			VerifyFailure: auditEventTwoFactorFailure,
			Locked:        auditEventTwoFactorLocked,
			Disabled:      auditEventTwoFactorDisabled,
		},
		Errors: flows.TwoFactorErrors{
			EngineNotReady:   ErrEngineNotReady,
			TwoFactorInvalid: ErrTwoFactorInvalid,
			TwoFactorLocked:  ErrTwoFactorLocked,
			SetupExpired:     ErrSetupExpired,
			PasswordInvalid:  ErrPasswordInvalid,
			UserNotFound:     ErrUserNotFound,
			StoreUnavailable: ErrStoreUnavailable,
		},
	}
}
