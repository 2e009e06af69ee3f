// Package jwt manages access-token issuance and verification using configured
// signing keys and strict validation semantics suitable for low-latency
// authentication paths. It deliberately knows nothing about revocation:
// a parsed token proves only that the claims were signed by this service.
package jwt
