package authcore

import "errors"

var (
	// ErrEngineNotReady is returned when an engine method runs before the
	// required dependencies were wired through the builder.
	ErrEngineNotReady = errors.New("engine not initialized")
	// ErrAuthInvalid covers bad credentials and bad token signatures.
	ErrAuthInvalid = errors.New("authentication invalid")
	// ErrTokenExpired is returned for access tokens past their expiry and
	// sessions past the tenant timeout.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenRevoked is returned when a token record exists but was
	// revoked, including revoked-by-reuse theft signals.
	ErrTokenRevoked = errors.New("token revoked")
	// ErrSessionLimitExceeded is returned when a login pushes the user past
	// the tenant's concurrent session limit.
	ErrSessionLimitExceeded = errors.New("session limit exceeded")
	// ErrTwoFactorRequired is returned when tenant policy blocks the
	// request until the user enables two-factor authentication.
	ErrTwoFactorRequired = errors.New("two-factor authentication required")
	// ErrTwoFactorInvalid is returned for a wrong TOTP or backup code, and
	// for two-factor operations attempted from an illegal state.
	ErrTwoFactorInvalid = errors.New("two-factor code invalid")
	// ErrTwoFactorLocked is returned while the failure lockout is active.
	ErrTwoFactorLocked = errors.New("two-factor verification locked")
	// ErrSetupExpired is returned when the setup confirmation window
	// elapsed before the pending secret was verified.
	ErrSetupExpired = errors.New("two-factor setup window expired")
	// ErrPasswordInvalid is returned when a required password re-check
	// fails.
	ErrPasswordInvalid = errors.New("password invalid")
	// ErrUserNotFound is returned by the user provider contract when no
	// user exists for the given ID.
	ErrUserNotFound = errors.New("user not found")
	// ErrPasskeyChallengeMissing is returned when a ceremony finishes with
	// no stored challenge: never started, already consumed, or timed out.
	ErrPasskeyChallengeMissing = errors.New("passkey challenge missing or expired")
	// ErrPasskeyVerificationFailed is returned when the attestation or
	// assertion response does not verify.
	ErrPasskeyVerificationFailed = errors.New("passkey verification failed")
	// ErrPasskeyLimitReached is returned when the user already has the
	// maximum number of registered authenticators.
	ErrPasskeyLimitReached = errors.New("passkey authenticator limit reached")
	// ErrNoAuthenticators is returned when authentication is begun for a
	// user with no registered passkeys.
	ErrNoAuthenticators = errors.New("no passkey authenticators registered")
	// ErrDuplicateCredential is returned when a registration presents a
	// credential ID already registered, for this or any other account.
	ErrDuplicateCredential = errors.New("credential already registered")
	// ErrCredentialCloned is returned when a counter-supporting device
	// asserts a non-increasing signature counter.
	ErrCredentialCloned = errors.New("credential clone detected")
	// ErrRateLimited is returned when an attempt budget is exhausted.
	ErrRateLimited = errors.New("rate limited")
	// ErrStoreUnavailable is returned for infrastructure failures reaching
	// the token store, the user provider, or the policy provider.
	ErrStoreUnavailable = errors.New("backing store unavailable")
)
