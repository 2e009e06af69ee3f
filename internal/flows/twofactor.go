package flows

import (
	"context"
	"strconv"
	"time"
)

// Two-factor states. The tagged state replaces nullable-flag combinations so
// illegal ones (enabled and pending at once) cannot be stored.
const (
	TwoFactorDisabled uint8 = 0
	TwoFactorPending  uint8 = 1
	TwoFactorEnabled  uint8 = 2
)

// TwoFactorRecord is the flow-local per-user two-factor state.
type TwoFactorRecord struct {
	State                uint8
	Secret               string
	BackupCodeHashes     []string
	VerificationAttempts int
	SetupStartedAt       int64
}

// TwoFactorSetupResult is returned once at setup start. The backup codes are
// plaintext here and never retrievable again.
type TwoFactorSetupResult struct {
	Secret          string
	ProvisioningURI string
	BackupCodes     []string
	ExpiresAt       int64
}

// TwoFactorMetrics carries metric IDs needed by the two-factor flows.
type TwoFactorMetrics struct {
	SetupStarted  int
	SetupVerified int
	SetupFailed   int
	VerifySuccess int
	VerifyFailure int
	Locked        int
	Disabled      int
}

// TwoFactorEvents carries audit event names used by the two-factor flows.
type TwoFactorEvents struct {
	SetupStarted  string
	SetupVerified string
	SetupFailed   string
	SetupLocked   string
	VerifySuccess string
	VerifyFailure string
	Locked        string
	Disabled      string
}

// TwoFactorErrors carries host-level sentinel errors used by the two-factor flows.
type TwoFactorErrors struct {
	EngineNotReady   error
	TwoFactorInvalid error
	TwoFactorLocked  error
	SetupExpired     error
	PasswordInvalid  error
	UserNotFound     error
	StoreUnavailable error
}

// TwoFactorDeps captures two-factor state machine dependencies.
type TwoFactorDeps struct {
	SetupWindow      time.Duration
	MaxSetupAttempts int

	Now func() time.Time

	GetTwoFactor  func(ctx context.Context, userID string) (*TwoFactorRecord, error)
	SaveTwoFactor func(ctx context.Context, userID string, rec *TwoFactorRecord) error

	NewTOTPSecret    func(account string) (secret, provisioningURI string, err error)
	ValidateTOTP     func(secret, code string, now time.Time) bool
	NewBackupCodes   func() (plain []string, hashes []string, err error)
	VerifyBackupCode func(code string, hashes []string) (matched int, ok bool)

	GetPasswordHash func(ctx context.Context, userID string) (string, error)
	VerifyPassword  func(password, hash string) (bool, error)

	CheckLockout  func(ctx context.Context, userID string) error
	RecordFailure func(ctx context.Context, userID string) error
	ResetFailures func(ctx context.Context, userID string) error

	MetricInc func(int)
	EmitAudit func(ctx context.Context, event string, severity uint8, success bool, userID, tenantID, tokenID string, cause error, meta func() map[string]string)
	Warn      func(string, ...any)

	Metrics TwoFactorMetrics
	Events  TwoFactorEvents
	Errors  TwoFactorErrors
}

func (deps *TwoFactorDeps) applyDefaults() {
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
	if deps.SetupWindow <= 0 {
		deps.SetupWindow = 10 * time.Minute
	}
	if deps.MaxSetupAttempts <= 0 {
		deps.MaxSetupAttempts = 5
	}
}

// RunBeginTwoFactorSetup generates a fresh secret and backup codes and moves
// the user to pending verification. Legal from disabled, and from pending to
// restart an abandoned or locked setup; never legal while enabled.
func RunBeginTwoFactorSetup(ctx context.Context, userID, tenantID, account string, deps TwoFactorDeps) (*TwoFactorSetupResult, error) {
	deps.applyDefaults()
	if deps.GetTwoFactor == nil || deps.SaveTwoFactor == nil || deps.NewTOTPSecret == nil || deps.NewBackupCodes == nil {
		return nil, deps.Errors.EngineNotReady
	}

	rec, err := deps.GetTwoFactor(ctx, userID)
	if err != nil {
		return nil, deps.Errors.StoreUnavailable
	}
	if rec != nil && rec.State == TwoFactorEnabled {
		return nil, deps.Errors.TwoFactorInvalid
	}

	secret, uri, err := deps.NewTOTPSecret(account)
	if err != nil {
		return nil, err
	}
	plain, hashes, err := deps.NewBackupCodes()
	if err != nil {
		return nil, err
	}

	now := deps.Now()
	next := &TwoFactorRecord{
		State:            TwoFactorPending,
		Secret:           secret,
		BackupCodeHashes: hashes,
		SetupStartedAt:   now.Unix(),
	}
	if err := deps.SaveTwoFactor(ctx, userID, next); err != nil {
		return nil, deps.Errors.StoreUnavailable
	}

	deps.MetricInc(deps.Metrics.SetupStarted)
	deps.EmitAudit(ctx, deps.Events.SetupStarted, AuditLow, true, userID, tenantID, "", nil, nil)

	return &TwoFactorSetupResult{
		Secret:          secret,
		ProvisioningURI: uri,
		BackupCodes:     plain,
		ExpiresAt:       now.Add(deps.SetupWindow).Unix(),
	}, nil
}

// RunVerifyTwoFactorSetup confirms the pending secret with a live TOTP code
// and enables two-factor. The setup window and attempt cap both bound how
// long a pending secret stays provable.
func RunVerifyTwoFactorSetup(ctx context.Context, userID, tenantID, code string, deps TwoFactorDeps) error {
	deps.applyDefaults()
	if deps.GetTwoFactor == nil || deps.SaveTwoFactor == nil || deps.ValidateTOTP == nil {
		return deps.Errors.EngineNotReady
	}

	rec, err := deps.GetTwoFactor(ctx, userID)
	if err != nil {
		return deps.Errors.StoreUnavailable
	}
	if rec == nil || rec.State != TwoFactorPending {
		return deps.Errors.TwoFactorInvalid
	}
	// A locked setup refuses every attempt, correct code included; the
	// locked audit event fired once on the transition. Only a fresh
	// RunBeginTwoFactorSetup clears the counter.
	if rec.VerificationAttempts >= deps.MaxSetupAttempts {
		return deps.Errors.TwoFactorLocked
	}

	now := deps.Now()
	if now.Unix() > rec.SetupStartedAt+int64(deps.SetupWindow.Seconds()) {
		deps.MetricInc(deps.Metrics.SetupFailed)
		deps.EmitAudit(ctx, deps.Events.SetupFailed, AuditMedium, false, userID, tenantID, "", deps.Errors.SetupExpired, func() map[string]string {
			return map[string]string{"reason": "window_elapsed"}
		})
		return deps.Errors.SetupExpired
	}

	if !deps.ValidateTOTP(rec.Secret, code, now) {
		rec.VerificationAttempts++
		if err := deps.SaveTwoFactor(ctx, userID, rec); err != nil {
			return deps.Errors.StoreUnavailable
		}
		if rec.VerificationAttempts >= deps.MaxSetupAttempts {
			deps.MetricInc(deps.Metrics.Locked)
			deps.EmitAudit(ctx, deps.Events.SetupLocked, AuditHigh, false, userID, tenantID, "", deps.Errors.TwoFactorLocked, func() map[string]string {
				return map[string]string{"attempts": strconv.Itoa(rec.VerificationAttempts)}
			})
			return deps.Errors.TwoFactorLocked
		}
		deps.MetricInc(deps.Metrics.SetupFailed)
		deps.EmitAudit(ctx, deps.Events.SetupFailed, AuditMedium, false, userID, tenantID, "", deps.Errors.TwoFactorInvalid, nil)
		return deps.Errors.TwoFactorInvalid
	}

	rec.State = TwoFactorEnabled
	rec.VerificationAttempts = 0
	rec.SetupStartedAt = 0
	if err := deps.SaveTwoFactor(ctx, userID, rec); err != nil {
		return deps.Errors.StoreUnavailable
	}

	deps.MetricInc(deps.Metrics.SetupVerified)
	deps.EmitAudit(ctx, deps.Events.SetupVerified, AuditMedium, true, userID, tenantID, "", nil, nil)
	return nil
}

// RunVerifyTwoFactor checks a steady-state challenge, either a TOTP code or
// a one-time backup code. Lockout is checked before the code so a correct
// code cannot bypass an active lockout.
func RunVerifyTwoFactor(ctx context.Context, userID, tenantID, code, kind string, deps TwoFactorDeps) error {
	deps.applyDefaults()
	if deps.GetTwoFactor == nil || deps.SaveTwoFactor == nil || deps.ValidateTOTP == nil ||
		deps.VerifyBackupCode == nil || deps.CheckLockout == nil || deps.RecordFailure == nil || deps.ResetFailures == nil {
		return deps.Errors.EngineNotReady
	}

	rec, err := deps.GetTwoFactor(ctx, userID)
	if err != nil {
		return deps.Errors.StoreUnavailable
	}
	if rec == nil || rec.State != TwoFactorEnabled {
		return deps.Errors.TwoFactorInvalid
	}

	if err := deps.CheckLockout(ctx, userID); err != nil {
		deps.MetricInc(deps.Metrics.Locked)
		deps.EmitAudit(ctx, deps.Events.Locked, AuditHigh, false, userID, tenantID, "", deps.Errors.TwoFactorLocked, nil)
		return deps.Errors.TwoFactorLocked
	}

	ok := false
	switch kind {
	case "", "totp":
		ok = deps.ValidateTOTP(rec.Secret, code, deps.Now())
	case "backup":
		var matched int
		if matched, ok = deps.VerifyBackupCode(code, rec.BackupCodeHashes); ok {
			rec.BackupCodeHashes = append(rec.BackupCodeHashes[:matched], rec.BackupCodeHashes[matched+1:]...)
			if err := deps.SaveTwoFactor(ctx, userID, rec); err != nil {
				return deps.Errors.StoreUnavailable
			}
		}
	}

	if !ok {
		if err := deps.RecordFailure(ctx, userID); err != nil {
			deps.MetricInc(deps.Metrics.Locked)
			deps.EmitAudit(ctx, deps.Events.Locked, AuditHigh, false, userID, tenantID, "", deps.Errors.TwoFactorLocked, nil)
			return deps.Errors.TwoFactorLocked
		}
		deps.MetricInc(deps.Metrics.VerifyFailure)
		deps.EmitAudit(ctx, deps.Events.VerifyFailure, AuditMedium, false, userID, tenantID, "", deps.Errors.TwoFactorInvalid, func() map[string]string {
			return map[string]string{"kind": kind}
		})
		return deps.Errors.TwoFactorInvalid
	}

	if err := deps.ResetFailures(ctx, userID); err != nil {
		deps.Warn("authcore: two-factor failure counter reset failed")
	}
	deps.MetricInc(deps.Metrics.VerifySuccess)
	deps.EmitAudit(ctx, deps.Events.VerifySuccess, AuditLow, true, userID, tenantID, "", nil, func() map[string]string {
		return map[string]string{"kind": kind}
	})
	return nil
}

// RunDisableTwoFactor tears two-factor down after a successful password
// re-check. Clears the secret, the backup pool, and any failure state.
func RunDisableTwoFactor(ctx context.Context, userID, tenantID, currentPassword string, deps TwoFactorDeps) error {
	deps.applyDefaults()
	if deps.GetTwoFactor == nil || deps.SaveTwoFactor == nil || deps.GetPasswordHash == nil || deps.VerifyPassword == nil {
		return deps.Errors.EngineNotReady
	}

	rec, err := deps.GetTwoFactor(ctx, userID)
	if err != nil {
		return deps.Errors.StoreUnavailable
	}
	if rec == nil || rec.State != TwoFactorEnabled {
		return deps.Errors.TwoFactorInvalid
	}

	hash, err := deps.GetPasswordHash(ctx, userID)
	if err != nil {
		return deps.Errors.UserNotFound
	}
	ok, err := deps.VerifyPassword(currentPassword, hash)
	if err != nil || !ok {
		deps.EmitAudit(ctx, deps.Events.Disabled, AuditMedium, false, userID, tenantID, "", deps.Errors.PasswordInvalid, func() map[string]string {
			return map[string]string{"reason": "password_mismatch"}
		})
		return deps.Errors.PasswordInvalid
	}

	if err := deps.SaveTwoFactor(ctx, userID, &TwoFactorRecord{State: TwoFactorDisabled}); err != nil {
		return deps.Errors.StoreUnavailable
	}
	if deps.ResetFailures != nil {
		if err := deps.ResetFailures(ctx, userID); err != nil {
			deps.Warn("authcore: two-factor failure counter reset failed")
		}
	}

	deps.MetricInc(deps.Metrics.Disabled)
	deps.EmitAudit(ctx, deps.Events.Disabled, AuditMedium, true, userID, tenantID, "", nil, nil)
	return nil
}
