package authcore

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rvallance/authcore/internal/flows"
	"github.com/rvallance/authcore/internal/rate"
)

// BeginPasskeyRegistration starts a WebAuthn registration ceremony for the
// user and returns the JSON creation options to hand to the browser. The
// ceremony state is held server-side with a short TTL; the response must
// come back through [Engine.FinishPasskeyRegistration] before it lapses.
func (e *Engine) BeginPasskeyRegistration(ctx context.Context, userID string) (json.RawMessage, error) {
	if e == nil || e.verifier == nil || e.authenticators == nil {
		return nil, ErrEngineNotReady
	}
	user, err := e.getUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return flows.RunBeginPasskeyRegistration(ctx, passkeyUser(user), e.passkeyDeps())
}

// FinishPasskeyRegistration verifies the browser's attestation response and
// persists the new authenticator. The stored challenge is consumed whether
// or not verification succeeds.
func (e *Engine) FinishPasskeyRegistration(ctx context.Context, userID string, response []byte) error {
	if e == nil || e.verifier == nil || e.authenticators == nil {
		return ErrEngineNotReady
	}
	user, err := e.getUser(ctx, userID)
	if err != nil {
		return err
	}
	return flows.RunFinishPasskeyRegistration(ctx, passkeyUser(user), response, e.passkeyDeps())
}

// BeginPasskeyAuthentication starts an assertion ceremony scoped to the
// user's registered passkeys and returns the JSON request options.
func (e *Engine) BeginPasskeyAuthentication(ctx context.Context, userID string) (json.RawMessage, error) {
	if e == nil || e.verifier == nil || e.authenticators == nil {
		return nil, ErrEngineNotReady
	}
	user, err := e.getUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return flows.RunBeginPasskeyAuthentication(ctx, passkeyUser(user), e.passkeyDeps())
}

// FinishPasskeyAuthentication verifies the signed assertion and advances the
// device's anti-replay counter. A non-increasing counter from a device that
// reports counters fails with [ErrCredentialCloned].
func (e *Engine) FinishPasskeyAuthentication(ctx context.Context, userID string, response []byte) error {
	if e == nil || e.verifier == nil || e.authenticators == nil {
		return ErrEngineNotReady
	}
	user, err := e.getUser(ctx, userID)
	if err != nil {
		return err
	}
	return flows.RunFinishPasskeyAuthentication(ctx, passkeyUser(user), response, e.passkeyDeps())
}

func passkeyUser(user *UserRecord) flows.PasskeyUser {
	return flows.PasskeyUser{
		ID:          user.UserID,
		TenantID:    user.TenantID,
		Name:        user.Name,
		DisplayName: user.DisplayName,
	}
}

func flowAuthenticator(rec AuthenticatorRecord) flows.PasskeyAuthenticator {
	return flows.PasskeyAuthenticator{
		CredentialID:     rec.CredentialID,
		PublicKey:        rec.PublicKey,
		Counter:          rec.Counter,
		CounterSupported: rec.CounterSupported,
		Transports:       rec.Transports,
		Name:             rec.FriendlyName,
		LastUsedAt:       rec.LastUsedAt,
	}
}

func (e *Engine) passkeyDeps() flows.PasskeyDeps {
	return flows.PasskeyDeps{
		MaxAuthenticators: e.config.Passkey.MaxAuthenticators,
		ChallengeWindow:   e.config.Passkey.ChallengeWindow,
		Now:               e.now,

		ListAuthenticators:  e.listFlowAuthenticators,
		GetAuthenticator:    e.getFlowAuthenticator,
		CreateAuthenticator: e.createAuthenticator,
		UpdateCounter:       e.authenticators.UpdateCounter,

		CheckRegistrationRate: func(ctx context.Context, userID string) error {
			err := e.rateLimiter.Check(ctx, e.registrationScope, userID)
			if err != nil && !errors.Is(err, rate.ErrRateLimited) {
				e.warnf("authcore: passkey registration rate check failed: %v", err)
				return nil
			}
			if err != nil {
				e.metricInc(MetricRateLimitHit)
			}
			return err
		},
		RecordRegistration: func(ctx context.Context, userID string) error {
			return e.rateLimiter.RecordAttempt(ctx, e.registrationScope, userID)
		},

		BeginRegistrationCeremony:   e.verifier.BeginRegistration,
		FinishRegistrationCeremony:  e.verifier.FinishRegistration,
		BeginAuthenticationCeremony: e.verifier.BeginAuthentication,
		FinishAuthenticationCeremony: func(ctx context.Context, user flows.PasskeyUser, state, response []byte) (string, uint32, error) {
			// Assertion signatures verify against the stored public keys,
			// so the verifier gets the full device list.
			stored, err := e.listFlowAuthenticators(ctx, user.ID)
			if err != nil {
				return "", 0, err
			}
			return e.verifier.FinishAuthentication(ctx, user, stored, state, response)
		},

		SaveChallenge: e.challenges.Save,
		TakeChallenge: e.challenges.Take,

		MetricInc: func(id int) { e.metricInc(MetricID(id)) },
		EmitAudit: e.emitAuditLevel,
		Warn:      e.warnf,
		Metrics: flows.PasskeyMetrics{
			RegistrationStarted:  int(MetricPasskeyRegistrationStarted),
			RegistrationFinished: int(MetricPasskeyRegistered),
			RegistrationFailed:   int(MetricPasskeyRegistrationFailed),
			AuthenticationOK:     int(MetricPasskeyAuthSuccess),
			AuthenticationFailed: int(MetricPasskeyAuthFailure),
			CloneSignal:          int(MetricPasskeyCloneSignal),
		},
		Events: flows.PasskeyEvents{
			RegistrationStarted:  auditEventPasskeyRegBegin,
			RegistrationFinished: auditEventPasskeyRegistered,
			RegistrationFailed:   auditEventPasskeyRegFailed,
			AuthenticationOK:     auditEventPasskeyAuthSuccess,
			AuthenticationFailed: auditEventPasskeyAuthFailure,
			CloneSignal:          auditEventPasskeyCloneSignal,
		},
		Errors: flows.PasskeyErrors{
			EngineNotReady:      ErrEngineNotReady,
			RateLimited:         ErrRateLimited,
			LimitReached:        ErrPasskeyLimitReached,
			NoAuthenticators:    ErrNoAuthenticators,
			ChallengeMissing:    ErrPasskeyChallengeMissing,
			VerificationFailed:  ErrPasskeyVerificationFailed,
			DuplicateCredential: ErrDuplicateCredential,
			CredentialCloned:    ErrCredentialCloned,
			StoreUnavailable:    ErrStoreUnavailable,
		},
	}
}

func (e *Engine) listFlowAuthenticators(ctx context.Context, userID string) ([]flows.PasskeyAuthenticator, error) {
	records, err := e.authenticators.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	auths := make([]flows.PasskeyAuthenticator, 0, len(records))
	for _, rec := range records {
		auths = append(auths, flowAuthenticator(rec))
	}
	return auths, nil
}

func (e *Engine) getFlowAuthenticator(ctx context.Context, userID, credentialID string) (*flows.PasskeyAuthenticator, error) {
	rec, err := e.authenticators.GetByCredentialID(ctx, userID, credentialID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	auth := flowAuthenticator(*rec)
	return &auth, nil
}

func (e *Engine) createAuthenticator(ctx context.Context, userID string, auth flows.PasskeyAuthenticator) error {
	return e.authenticators.Create(ctx, userID, AuthenticatorRecord{
		CredentialID:     auth.CredentialID,
		PublicKey:        auth.PublicKey,
		Counter:          auth.Counter,
		CounterSupported: auth.CounterSupported,
		Transports:       auth.Transports,
		FriendlyName:     auth.Name,
		CreatedAt:        e.now().Unix(),
		LastUsedAt:       auth.LastUsedAt,
	})
}
