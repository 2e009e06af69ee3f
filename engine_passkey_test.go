package authcore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rvallance/authcore/internal/flows"
)

func newPasskeyEnv(t *testing.T, verifier *stubVerifier) *testEnv {
	t.Helper()
	env := newTestEnv(t, envOptions{verifier: verifier})
	env.addUser(t, UserRecord{UserID: "u1", Name: "riley@example.com", DisplayName: "Riley"})
	return env
}

func registerDevice(t *testing.T, env *testEnv, verifier *stubVerifier, credentialID string) {
	t.Helper()
	ctx := context.Background()
	verifier.registerAuth = flows.PasskeyAuthenticator{
		CredentialID: credentialID,
		PublicKey:    []byte("pubkey-" + credentialID),
	}
	if _, err := env.engine.BeginPasskeyRegistration(ctx, "u1"); err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	if err := env.engine.FinishPasskeyRegistration(ctx, "u1", []byte(`{}`)); err != nil {
		t.Fatalf("finish registration: %v", err)
	}
}

func TestPasskeyRegistrationRoundTrip(t *testing.T) {
	verifier := &stubVerifier{}
	env := newPasskeyEnv(t, verifier)
	ctx := context.Background()

	verifier.registerAuth = flows.PasskeyAuthenticator{
		CredentialID: "cred-1",
		PublicKey:    []byte("pubkey"),
		Transports:   []string{"internal"},
	}

	options, err := env.engine.BeginPasskeyRegistration(ctx, "u1")
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	if len(options) == 0 {
		t.Fatal("expected creation options for the browser")
	}
	if err := env.engine.FinishPasskeyRegistration(ctx, "u1", []byte(`{}`)); err != nil {
		t.Fatalf("finish registration: %v", err)
	}

	devices, err := env.auths.ListByUser(ctx, "u1")
	if err != nil || len(devices) != 1 {
		t.Fatalf("expected one stored device, got %d (%v)", len(devices), err)
	}
	if devices[0].CredentialID != "cred-1" {
		t.Fatalf("unexpected credential: %+v", devices[0])
	}
}

func TestPasskeyChallengeIsSingleUse(t *testing.T) {
	verifier := &stubVerifier{}
	env := newPasskeyEnv(t, verifier)
	ctx := context.Background()
	registerDevice(t, env, verifier, "cred-1")

	// No second finish without a fresh begin.
	if err := env.engine.FinishPasskeyRegistration(ctx, "u1", []byte(`{}`)); !errors.Is(err, ErrPasskeyChallengeMissing) {
		t.Fatalf("expected ErrPasskeyChallengeMissing on replay, got %v", err)
	}

	// A failed verification also burns the challenge.
	if _, err := env.engine.BeginPasskeyRegistration(ctx, "u1"); err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	verifier.registerErr = errors.New("attestation rejected")
	if err := env.engine.FinishPasskeyRegistration(ctx, "u1", []byte(`{}`)); !errors.Is(err, ErrPasskeyVerificationFailed) {
		t.Fatalf("expected ErrPasskeyVerificationFailed, got %v", err)
	}
	verifier.registerErr = nil
	if err := env.engine.FinishPasskeyRegistration(ctx, "u1", []byte(`{}`)); !errors.Is(err, ErrPasskeyChallengeMissing) {
		t.Fatalf("expected the challenge consumed by the failure, got %v", err)
	}
}

func TestPasskeyChallengeExpires(t *testing.T) {
	verifier := &stubVerifier{}
	env := newPasskeyEnv(t, verifier)
	ctx := context.Background()

	if _, err := env.engine.BeginPasskeyRegistration(ctx, "u1"); err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	env.redis.FastForward(3 * time.Minute)
	if err := env.engine.FinishPasskeyRegistration(ctx, "u1", []byte(`{}`)); !errors.Is(err, ErrPasskeyChallengeMissing) {
		t.Fatalf("expected ErrPasskeyChallengeMissing after the window, got %v", err)
	}
}

func TestPasskeyChallengeBackendOutage(t *testing.T) {
	verifier := &stubVerifier{}
	env := newPasskeyEnv(t, verifier)
	ctx := context.Background()

	verifier.registerAuth = flows.PasskeyAuthenticator{
		CredentialID: "cred-1",
		PublicKey:    []byte("pubkey"),
	}
	if _, err := env.engine.BeginPasskeyRegistration(ctx, "u1"); err != nil {
		t.Fatalf("begin registration: %v", err)
	}

	// A Redis outage is an infrastructure failure, not a missing or
	// expired challenge.
	env.redis.SetError("backend down")
	if err := env.engine.FinishPasskeyRegistration(ctx, "u1", []byte(`{}`)); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable during outage, got %v", err)
	}

	// The challenge was never consumed, so registration completes once the
	// backend is back.
	env.redis.SetError("")
	if err := env.engine.FinishPasskeyRegistration(ctx, "u1", []byte(`{}`)); err != nil {
		t.Fatalf("finish registration after recovery: %v", err)
	}
}

func TestPasskeyDeviceLimit(t *testing.T) {
	verifier := &stubVerifier{}
	env := newPasskeyEnv(t, verifier)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		rec := AuthenticatorRecord{CredentialID: fmt.Sprintf("cred-%d", i)}
		if err := env.auths.Create(ctx, "u1", rec); err != nil {
			t.Fatalf("seed device %d: %v", i, err)
		}
	}
	if _, err := env.engine.BeginPasskeyRegistration(ctx, "u1"); !errors.Is(err, ErrPasskeyLimitReached) {
		t.Fatalf("expected ErrPasskeyLimitReached, got %v", err)
	}
}

func TestPasskeyRegistrationRateLimit(t *testing.T) {
	verifier := &stubVerifier{}
	env := newPasskeyEnv(t, verifier)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := env.engine.BeginPasskeyRegistration(ctx, "u1"); err != nil {
			t.Fatalf("begin %d: %v", i+1, err)
		}
	}
	if _, err := env.engine.BeginPasskeyRegistration(ctx, "u1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited on the fourth ceremony, got %v", err)
	}

	// The cap is a frequency limit, not a lockout: it clears with time.
	env.redis.FastForward(61 * time.Minute)
	if _, err := env.engine.BeginPasskeyRegistration(ctx, "u1"); err != nil {
		t.Fatalf("begin after the window: %v", err)
	}
}

func TestPasskeyDuplicateCredential(t *testing.T) {
	verifier := &stubVerifier{}
	env := newPasskeyEnv(t, verifier)
	ctx := context.Background()

	// The credential already belongs to another account.
	if err := env.auths.Create(ctx, "someone-else", AuthenticatorRecord{CredentialID: "cred-1"}); err != nil {
		t.Fatalf("seed foreign device: %v", err)
	}

	verifier.registerAuth = flows.PasskeyAuthenticator{CredentialID: "cred-1"}
	if _, err := env.engine.BeginPasskeyRegistration(ctx, "u1"); err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	if err := env.engine.FinishPasskeyRegistration(ctx, "u1", []byte(`{}`)); !errors.Is(err, ErrDuplicateCredential) {
		t.Fatalf("expected ErrDuplicateCredential, got %v", err)
	}
	if got := env.sink.eventsOf(auditEventPasskeyRegFailed); len(got) == 0 {
		t.Fatal("expected a registration-failure audit event")
	}
}

func TestPasskeyAuthenticationAdvancesCounter(t *testing.T) {
	verifier := &stubVerifier{}
	env := newPasskeyEnv(t, verifier)
	ctx := context.Background()

	seed := AuthenticatorRecord{
		CredentialID:     "cred-1",
		PublicKey:        []byte("pubkey"),
		Counter:          5,
		CounterSupported: true,
	}
	if err := env.auths.Create(ctx, "u1", seed); err != nil {
		t.Fatalf("seed device: %v", err)
	}

	verifier.authCredentialID = "cred-1"
	verifier.authCounter = 6
	if _, err := env.engine.BeginPasskeyAuthentication(ctx, "u1"); err != nil {
		t.Fatalf("begin authentication: %v", err)
	}
	if err := env.engine.FinishPasskeyAuthentication(ctx, "u1", []byte(`{}`)); err != nil {
		t.Fatalf("finish authentication: %v", err)
	}

	device, err := env.auths.GetByCredentialID(ctx, "u1", "cred-1")
	if err != nil || device == nil {
		t.Fatalf("load device: %v", err)
	}
	if device.Counter != 6 {
		t.Fatalf("expected counter advanced to 6, got %d", device.Counter)
	}
	if device.LastUsedAt == 0 {
		t.Fatal("expected last-used timestamp set")
	}
}

func TestPasskeyCloneDetection(t *testing.T) {
	verifier := &stubVerifier{}
	env := newPasskeyEnv(t, verifier)
	ctx := context.Background()

	seed := AuthenticatorRecord{
		CredentialID:     "cred-1",
		Counter:          5,
		CounterSupported: true,
	}
	if err := env.auths.Create(ctx, "u1", seed); err != nil {
		t.Fatalf("seed device: %v", err)
	}

	// A counter that fails to advance means two devices hold the key.
	verifier.authCredentialID = "cred-1"
	verifier.authCounter = 5
	if _, err := env.engine.BeginPasskeyAuthentication(ctx, "u1"); err != nil {
		t.Fatalf("begin authentication: %v", err)
	}
	if err := env.engine.FinishPasskeyAuthentication(ctx, "u1", []byte(`{}`)); !errors.Is(err, ErrCredentialCloned) {
		t.Fatalf("expected ErrCredentialCloned, got %v", err)
	}
	if got := env.sink.eventsOf(auditEventPasskeyCloneSignal); len(got) != 1 {
		t.Fatalf("expected one clone audit event, got %d", len(got))
	}

	// The stored counter is untouched by the rejected assertion.
	device, err := env.auths.GetByCredentialID(ctx, "u1", "cred-1")
	if err != nil || device == nil || device.Counter != 5 {
		t.Fatalf("expected counter unchanged, got %+v (%v)", device, err)
	}
}

func TestPasskeyZeroCounterDevice(t *testing.T) {
	verifier := &stubVerifier{}
	env := newPasskeyEnv(t, verifier)
	ctx := context.Background()

	seed := AuthenticatorRecord{CredentialID: "cred-1"}
	if err := env.auths.Create(ctx, "u1", seed); err != nil {
		t.Fatalf("seed device: %v", err)
	}
	verifier.authCredentialID = "cred-1"

	authenticate := func(counter uint32) error {
		verifier.authCounter = counter
		if _, err := env.engine.BeginPasskeyAuthentication(ctx, "u1"); err != nil {
			t.Fatalf("begin authentication: %v", err)
		}
		return env.engine.FinishPasskeyAuthentication(ctx, "u1", []byte(`{}`))
	}

	// Platform authenticators that never count are accepted at zero.
	if err := authenticate(0); err != nil {
		t.Fatalf("zero-counter assertion: %v", err)
	}
	if err := authenticate(0); err != nil {
		t.Fatalf("repeated zero-counter assertion: %v", err)
	}

	// The first real counter value flips the device into strict mode.
	if err := authenticate(3); err != nil {
		t.Fatalf("first counted assertion: %v", err)
	}
	device, err := env.auths.GetByCredentialID(ctx, "u1", "cred-1")
	if err != nil || device == nil || !device.CounterSupported {
		t.Fatalf("expected counter support detected, got %+v (%v)", device, err)
	}
	if err := authenticate(2); !errors.Is(err, ErrCredentialCloned) {
		t.Fatalf("expected ErrCredentialCloned after regression, got %v", err)
	}
}

func TestPasskeyAuthenticationWithoutDevices(t *testing.T) {
	verifier := &stubVerifier{}
	env := newPasskeyEnv(t, verifier)

	if _, err := env.engine.BeginPasskeyAuthentication(context.Background(), "u1"); !errors.Is(err, ErrNoAuthenticators) {
		t.Fatalf("expected ErrNoAuthenticators, got %v", err)
	}
}

func TestPasskeyUnknownCredentialRejected(t *testing.T) {
	verifier := &stubVerifier{}
	env := newPasskeyEnv(t, verifier)
	ctx := context.Background()

	if err := env.auths.Create(ctx, "u1", AuthenticatorRecord{CredentialID: "cred-1"}); err != nil {
		t.Fatalf("seed device: %v", err)
	}
	verifier.authCredentialID = "cred-unknown"
	if _, err := env.engine.BeginPasskeyAuthentication(ctx, "u1"); err != nil {
		t.Fatalf("begin authentication: %v", err)
	}
	if err := env.engine.FinishPasskeyAuthentication(ctx, "u1", []byte(`{}`)); !errors.Is(err, ErrPasskeyVerificationFailed) {
		t.Fatalf("expected ErrPasskeyVerificationFailed, got %v", err)
	}
}

func TestPasskeyWithoutVerifier(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.addUser(t, UserRecord{UserID: "u1"})

	if _, err := env.engine.BeginPasskeyRegistration(context.Background(), "u1"); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("expected ErrEngineNotReady without a verifier, got %v", err)
	}
}
