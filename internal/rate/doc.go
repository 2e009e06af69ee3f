// Package rate provides Redis-backed attempt counters for security-sensitive
// authentication workflows.
//
// # Window semantics
//
// Counters use INCR + conditional EXPIRE. A fixed-window [Scope] arms the TTL
// on the first hit only; a sliding [Scope] re-arms it on every failure, which
// is what the two-factor lockout requires (refusal runs from the *last*
// failed attempt). Scope prefixes in use:
//   - "2fa:" counts two-factor verification failures per user
//   - "pkr:" counts passkey registration ceremonies per user
//
// # What this package must NOT do
//
//   - Implement domain-specific policies (scopes are configured by the Engine).
//   - Be imported outside the authcore module.
package rate
