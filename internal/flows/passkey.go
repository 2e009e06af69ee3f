package flows

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// PasskeyUser is the flow-local view of the account a ceremony runs for.
type PasskeyUser struct {
	ID          string
	TenantID    string
	Name        string
	DisplayName string
}

// PasskeyAuthenticator is the flow-local registered-device model.
type PasskeyAuthenticator struct {
	CredentialID string
	PublicKey    []byte
	Counter      uint32
	// CounterSupported distinguishes a device that reports signature
	// counters from one that always asserts zero. Only counter-supporting
	// devices are subject to the strict monotonicity check.
	CounterSupported bool
	Transports       []string
	Name             string
	LastUsedAt       int64
}

// Challenge kinds used to key stored ceremony state.
const (
	ChallengeRegistration   = "reg"
	ChallengeAuthentication = "auth"
)

// PasskeyMetrics carries metric IDs needed by the passkey flows.
type PasskeyMetrics struct {
	RegistrationStarted  int
	RegistrationFinished int
	RegistrationFailed   int
	AuthenticationOK     int
	AuthenticationFailed int
	CloneSignal          int
}

// PasskeyEvents carries audit event names used by the passkey flows.
type PasskeyEvents struct {
	RegistrationStarted  string
	RegistrationFinished string
	RegistrationFailed   string
	AuthenticationOK     string
	AuthenticationFailed string
	CloneSignal          string
}

// PasskeyErrors carries host-level sentinel errors used by the passkey flows.
type PasskeyErrors struct {
	EngineNotReady      error
	RateLimited         error
	LimitReached        error
	NoAuthenticators    error
	ChallengeMissing    error
	VerificationFailed  error
	DuplicateCredential error
	CredentialCloned    error
	StoreUnavailable    error
}

// PasskeyDeps captures passkey ceremony dependencies. The ceremony funcs wrap
// the WebAuthn protocol library; state blobs round-trip opaquely through the
// challenge store.
type PasskeyDeps struct {
	MaxAuthenticators int
	ChallengeWindow   time.Duration

	Now func() time.Time

	ListAuthenticators    func(ctx context.Context, userID string) ([]PasskeyAuthenticator, error)
	GetAuthenticator      func(ctx context.Context, userID, credentialID string) (*PasskeyAuthenticator, error)
	CreateAuthenticator   func(ctx context.Context, userID string, auth PasskeyAuthenticator) error
	UpdateCounter         func(ctx context.Context, userID, credentialID string, counter uint32, counterSupported bool, usedAt int64) error
	CheckRegistrationRate func(ctx context.Context, userID string) error
	RecordRegistration    func(ctx context.Context, userID string) error

	BeginRegistrationCeremony    func(ctx context.Context, user PasskeyUser, excludeCredentialIDs []string) (options json.RawMessage, state []byte, err error)
	FinishRegistrationCeremony   func(ctx context.Context, user PasskeyUser, state, response []byte) (*PasskeyAuthenticator, error)
	BeginAuthenticationCeremony  func(ctx context.Context, user PasskeyUser, allowCredentialIDs []string) (options json.RawMessage, state []byte, err error)
	FinishAuthenticationCeremony func(ctx context.Context, user PasskeyUser, state, response []byte) (credentialID string, counter uint32, err error)

	SaveChallenge func(ctx context.Context, kind, userID string, state []byte, ttl time.Duration) error
	TakeChallenge func(ctx context.Context, kind, userID string) ([]byte, error)

	MetricInc func(int)
	EmitAudit func(ctx context.Context, event string, severity uint8, success bool, userID, tenantID, tokenID string, cause error, meta func() map[string]string)
	Warn      func(string, ...any)

	Metrics PasskeyMetrics
	Events  PasskeyEvents
	Errors  PasskeyErrors
}

func (deps *PasskeyDeps) applyDefaults() {
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
	if deps.MaxAuthenticators <= 0 {
		deps.MaxAuthenticators = 5
	}
	if deps.ChallengeWindow <= 0 {
		deps.ChallengeWindow = 2 * time.Minute
	}
}

// RunBeginPasskeyRegistration produces creation options for a new device.
// The challenge state lives only in the challenge store with the ceremony
// window as its TTL, so an elapsed window surfaces as a missing challenge.
func RunBeginPasskeyRegistration(ctx context.Context, user PasskeyUser, deps PasskeyDeps) (json.RawMessage, error) {
	deps.applyDefaults()
	if deps.ListAuthenticators == nil || deps.BeginRegistrationCeremony == nil || deps.SaveChallenge == nil {
		return nil, deps.Errors.EngineNotReady
	}

	auths, err := deps.ListAuthenticators(ctx, user.ID)
	if err != nil {
		return nil, deps.Errors.StoreUnavailable
	}
	if len(auths) >= deps.MaxAuthenticators {
		return nil, deps.Errors.LimitReached
	}

	if deps.CheckRegistrationRate != nil {
		if err := deps.CheckRegistrationRate(ctx, user.ID); err != nil {
			deps.MetricInc(deps.Metrics.RegistrationFailed)
			deps.EmitAudit(ctx, deps.Events.RegistrationFailed, AuditMedium, false, user.ID, user.TenantID, "", deps.Errors.RateLimited, nil)
			return nil, deps.Errors.RateLimited
		}
	}
	if deps.RecordRegistration != nil {
		if err := deps.RecordRegistration(ctx, user.ID); err != nil {
			deps.Warn("authcore: passkey registration rate record failed")
		}
	}

	exclude := make([]string, 0, len(auths))
	for _, a := range auths {
		exclude = append(exclude, a.CredentialID)
	}

	options, state, err := deps.BeginRegistrationCeremony(ctx, user, exclude)
	if err != nil {
		return nil, err
	}
	if err := deps.SaveChallenge(ctx, ChallengeRegistration, user.ID, state, deps.ChallengeWindow); err != nil {
		return nil, deps.Errors.StoreUnavailable
	}

	deps.MetricInc(deps.Metrics.RegistrationStarted)
	deps.EmitAudit(ctx, deps.Events.RegistrationStarted, AuditLow, true, user.ID, user.TenantID, "", nil, nil)
	return options, nil
}

// RunFinishPasskeyRegistration verifies the attestation response and persists
// the new authenticator. The challenge is consumed before verification, so a
// failed response costs the ceremony and a replayed one finds nothing.
func RunFinishPasskeyRegistration(ctx context.Context, user PasskeyUser, response []byte, deps PasskeyDeps) error {
	deps.applyDefaults()
	if deps.FinishRegistrationCeremony == nil || deps.CreateAuthenticator == nil || deps.TakeChallenge == nil {
		return deps.Errors.EngineNotReady
	}

	state, err := deps.TakeChallenge(ctx, ChallengeRegistration, user.ID)
	if err != nil {
		return deps.Errors.StoreUnavailable
	}
	if state == nil {
		deps.MetricInc(deps.Metrics.RegistrationFailed)
		deps.EmitAudit(ctx, deps.Events.RegistrationFailed, AuditMedium, false, user.ID, user.TenantID, "", deps.Errors.ChallengeMissing, nil)
		return deps.Errors.ChallengeMissing
	}

	auth, err := deps.FinishRegistrationCeremony(ctx, user, state, response)
	if err != nil {
		deps.MetricInc(deps.Metrics.RegistrationFailed)
		deps.EmitAudit(ctx, deps.Events.RegistrationFailed, AuditMedium, false, user.ID, user.TenantID, "", deps.Errors.VerificationFailed, nil)
		return deps.Errors.VerificationFailed
	}
	auth.LastUsedAt = deps.Now().Unix()

	if err := deps.CreateAuthenticator(ctx, user.ID, *auth); err != nil {
		if errors.Is(err, deps.Errors.DuplicateCredential) {
			deps.MetricInc(deps.Metrics.RegistrationFailed)
			deps.EmitAudit(ctx, deps.Events.RegistrationFailed, AuditHigh, false, user.ID, user.TenantID, "", deps.Errors.DuplicateCredential, func() map[string]string {
				return map[string]string{"reason": "duplicate_credential"}
			})
			return deps.Errors.DuplicateCredential
		}
		return deps.Errors.StoreUnavailable
	}

	deps.MetricInc(deps.Metrics.RegistrationFinished)
	deps.EmitAudit(ctx, deps.Events.RegistrationFinished, AuditMedium, true, user.ID, user.TenantID, "", nil, func() map[string]string {
		return map[string]string{"credential": auth.CredentialID}
	})
	return nil
}

// RunBeginPasskeyAuthentication produces assertion options scoped to the
// user's registered credentials.
func RunBeginPasskeyAuthentication(ctx context.Context, user PasskeyUser, deps PasskeyDeps) (json.RawMessage, error) {
	deps.applyDefaults()
	if deps.ListAuthenticators == nil || deps.BeginAuthenticationCeremony == nil || deps.SaveChallenge == nil {
		return nil, deps.Errors.EngineNotReady
	}

	auths, err := deps.ListAuthenticators(ctx, user.ID)
	if err != nil {
		return nil, deps.Errors.StoreUnavailable
	}
	if len(auths) == 0 {
		return nil, deps.Errors.NoAuthenticators
	}

	allow := make([]string, 0, len(auths))
	for _, a := range auths {
		allow = append(allow, a.CredentialID)
	}

	options, state, err := deps.BeginAuthenticationCeremony(ctx, user, allow)
	if err != nil {
		return nil, err
	}
	if err := deps.SaveChallenge(ctx, ChallengeAuthentication, user.ID, state, deps.ChallengeWindow); err != nil {
		return nil, deps.Errors.StoreUnavailable
	}
	return options, nil
}

// RunFinishPasskeyAuthentication verifies the signed assertion and advances
// the anti-replay counter. A counter-supporting device asserting a counter
// at or below the stored value is treated as cloned and hard-fails.
func RunFinishPasskeyAuthentication(ctx context.Context, user PasskeyUser, response []byte, deps PasskeyDeps) error {
	deps.applyDefaults()
	if deps.FinishAuthenticationCeremony == nil || deps.GetAuthenticator == nil || deps.UpdateCounter == nil || deps.TakeChallenge == nil {
		return deps.Errors.EngineNotReady
	}

	state, err := deps.TakeChallenge(ctx, ChallengeAuthentication, user.ID)
	if err != nil {
		return deps.Errors.StoreUnavailable
	}
	if state == nil {
		deps.MetricInc(deps.Metrics.AuthenticationFailed)
		deps.EmitAudit(ctx, deps.Events.AuthenticationFailed, AuditMedium, false, user.ID, user.TenantID, "", deps.Errors.ChallengeMissing, nil)
		return deps.Errors.ChallengeMissing
	}

	credentialID, counter, err := deps.FinishAuthenticationCeremony(ctx, user, state, response)
	if err != nil {
		deps.MetricInc(deps.Metrics.AuthenticationFailed)
		deps.EmitAudit(ctx, deps.Events.AuthenticationFailed, AuditMedium, false, user.ID, user.TenantID, "", deps.Errors.VerificationFailed, nil)
		return deps.Errors.VerificationFailed
	}

	auth, err := deps.GetAuthenticator(ctx, user.ID, credentialID)
	if err != nil {
		return deps.Errors.StoreUnavailable
	}
	if auth == nil {
		deps.MetricInc(deps.Metrics.AuthenticationFailed)
		deps.EmitAudit(ctx, deps.Events.AuthenticationFailed, AuditMedium, false, user.ID, user.TenantID, "", deps.Errors.VerificationFailed, func() map[string]string {
			return map[string]string{"reason": "unknown_credential"}
		})
		return deps.Errors.VerificationFailed
	}

	counterSupported := auth.CounterSupported
	if counterSupported {
		if counter <= auth.Counter {
			deps.MetricInc(deps.Metrics.CloneSignal)
			deps.EmitAudit(ctx, deps.Events.CloneSignal, AuditHigh, false, user.ID, user.TenantID, "", deps.Errors.CredentialCloned, func() map[string]string {
				return map[string]string{"credential": credentialID}
			})
			return deps.Errors.CredentialCloned
		}
	} else if counter > 0 {
		// The device reported a real counter for the first time; enforce
		// monotonicity from here on.
		counterSupported = true
	}

	if err := deps.UpdateCounter(ctx, user.ID, credentialID, counter, counterSupported, deps.Now().Unix()); err != nil {
		return deps.Errors.StoreUnavailable
	}

	deps.MetricInc(deps.Metrics.AuthenticationOK)
	deps.EmitAudit(ctx, deps.Events.AuthenticationOK, AuditLow, true, user.ID, user.TenantID, "", nil, func() map[string]string {
		return map[string]string{"credential": credentialID}
	})
	return nil
}
