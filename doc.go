// Package authcore is an embeddable authentication and session security
// engine for multi-tenant services. It issues and rotates token pairs,
// enforces per-tenant session policy on every authenticated request, and
// runs the TOTP and WebAuthn second-factor flows.
//
// The engine owns token records, rotation state, lockouts, and ceremony
// challenges in Redis. Accounts, passkey devices, and tenant policies stay
// in the host application, reached through the [UserProvider],
// [AuthenticatorStore], and [PolicyProvider] interfaces.
//
// Construct an engine with the builder:
//
//	engine, err := authcore.New().
//		WithRedis(client).
//		WithUserProvider(users).
//		WithAuthenticatorStore(devices).
//		WithPolicyProvider(policies).
//		Build()
//
// Refresh rotation is mandatory. Every refresh replaces the token
// atomically, and presenting a superseded refresh token is treated as
// theft: the whole chain is revoked and the holder of the legitimate
// token is cut off too. Hosts should surface [ErrTokenRevoked] from a
// refresh as a forced re-login.
package authcore
