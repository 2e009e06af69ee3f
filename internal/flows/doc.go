// Package flows contains the request flow implementations behind the root
// engine methods: session policy enforcement, the two-factor state machine,
// and the passkey ceremonies.
//
// Flows depend only on function fields supplied through their Deps structs.
// The root engine wires stores, limiters, crypto helpers, audit, and sentinel
// errors into those fields; flows never import root types, which keeps every
// branch testable with plain function stubs.
package flows
