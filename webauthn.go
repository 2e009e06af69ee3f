package authcore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/rvallance/authcore/internal/flows"
)

// ceremonyVerifier abstracts the WebAuthn protocol library behind the four
// ceremony halves. State blobs are opaque to the caller and round-trip
// through the challenge store between begin and finish.
type ceremonyVerifier interface {
	BeginRegistration(ctx context.Context, user flows.PasskeyUser, excludeCredentialIDs []string) (json.RawMessage, []byte, error)
	FinishRegistration(ctx context.Context, user flows.PasskeyUser, state, response []byte) (*flows.PasskeyAuthenticator, error)
	BeginAuthentication(ctx context.Context, user flows.PasskeyUser, allowCredentialIDs []string) (json.RawMessage, []byte, error)
	// FinishAuthentication needs the user's stored authenticators because
	// the assertion signature verifies against the stored public key.
	FinishAuthentication(ctx context.Context, user flows.PasskeyUser, stored []flows.PasskeyAuthenticator, state, response []byte) (credentialID string, counter uint32, err error)
}

// webauthnVerifier implements ceremonyVerifier on go-webauthn.
type webauthnVerifier struct {
	web *webauthn.WebAuthn
}

func newWebAuthnVerifier(cfg PasskeyConfig) (*webauthnVerifier, error) {
	web, err := webauthn.New(&webauthn.Config{
		RPID:          cfg.RPID,
		RPDisplayName: cfg.RPDisplayName,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		return nil, err
	}
	return &webauthnVerifier{web: web}, nil
}

// webauthnUser adapts the engine's user view to the library's interface.
type webauthnUser struct {
	user        flows.PasskeyUser
	credentials []webauthn.Credential
}

func (u webauthnUser) WebAuthnID() []byte                         { return []byte(u.user.ID) }
func (u webauthnUser) WebAuthnName() string                       { return u.user.Name }
func (u webauthnUser) WebAuthnDisplayName() string                { return u.user.DisplayName }
func (u webauthnUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }
func (u webauthnUser) WebAuthnIcon() string                       { return "" }

func libraryCredentials(stored []flows.PasskeyAuthenticator) []webauthn.Credential {
	credentials := make([]webauthn.Credential, 0, len(stored))
	for _, auth := range stored {
		raw, err := base64.RawURLEncoding.DecodeString(auth.CredentialID)
		if err != nil {
			continue
		}
		transports := make([]protocol.AuthenticatorTransport, 0, len(auth.Transports))
		for _, t := range auth.Transports {
			transports = append(transports, protocol.AuthenticatorTransport(t))
		}
		credentials = append(credentials, webauthn.Credential{
			ID:        raw,
			PublicKey: auth.PublicKey,
			Transport: transports,
			Authenticator: webauthn.Authenticator{
				SignCount: auth.Counter,
			},
		})
	}
	return credentials
}

func encodeCredentialID(id []byte) string {
	return base64.RawURLEncoding.EncodeToString(id)
}

func credentialDescriptors(ids []string) []protocol.CredentialDescriptor {
	descriptors := make([]protocol.CredentialDescriptor, 0, len(ids))
	for _, id := range ids {
		raw, err := base64.RawURLEncoding.DecodeString(id)
		if err != nil {
			continue
		}
		descriptors = append(descriptors, protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: raw,
		})
	}
	return descriptors
}

func (v *webauthnVerifier) BeginRegistration(ctx context.Context, user flows.PasskeyUser, excludeCredentialIDs []string) (json.RawMessage, []byte, error) {
	creation, session, err := v.web.BeginRegistration(
		webauthnUser{user: user},
		webauthn.WithExclusions(credentialDescriptors(excludeCredentialIDs)),
	)
	if err != nil {
		return nil, nil, err
	}

	options, err := json.Marshal(creation)
	if err != nil {
		return nil, nil, err
	}
	state, err := json.Marshal(session)
	if err != nil {
		return nil, nil, err
	}
	return options, state, nil
}

func (v *webauthnVerifier) FinishRegistration(ctx context.Context, user flows.PasskeyUser, state, response []byte) (*flows.PasskeyAuthenticator, error) {
	var session webauthn.SessionData
	if err := json.Unmarshal(state, &session); err != nil {
		return nil, err
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(response))
	if err != nil {
		return nil, err
	}

	credential, err := v.web.CreateCredential(webauthnUser{user: user}, session, parsed)
	if err != nil {
		return nil, err
	}

	transports := make([]string, 0, len(credential.Transport))
	for _, t := range credential.Transport {
		transports = append(transports, string(t))
	}

	return &flows.PasskeyAuthenticator{
		CredentialID: encodeCredentialID(credential.ID),
		PublicKey:    credential.PublicKey,
		Counter:      credential.Authenticator.SignCount,
		// A zero counter at attestation time means the device does not
		// report counters; monotonicity is only enforced once a real
		// counter has been seen.
		CounterSupported: credential.Authenticator.SignCount > 0,
		Transports:       transports,
	}, nil
}

func (v *webauthnVerifier) BeginAuthentication(ctx context.Context, user flows.PasskeyUser, allowCredentialIDs []string) (json.RawMessage, []byte, error) {
	assertion, session, err := v.web.BeginLogin(
		webauthnUser{user: user},
		webauthn.WithAllowedCredentials(credentialDescriptors(allowCredentialIDs)),
	)
	if err != nil {
		return nil, nil, err
	}

	options, err := json.Marshal(assertion)
	if err != nil {
		return nil, nil, err
	}
	state, err := json.Marshal(session)
	if err != nil {
		return nil, nil, err
	}
	return options, state, nil
}

func (v *webauthnVerifier) FinishAuthentication(ctx context.Context, user flows.PasskeyUser, stored []flows.PasskeyAuthenticator, state, response []byte) (string, uint32, error) {
	var session webauthn.SessionData
	if err := json.Unmarshal(state, &session); err != nil {
		return "", 0, err
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(response))
	if err != nil {
		return "", 0, err
	}

	credential, err := v.web.ValidateLogin(webauthnUser{user: user, credentials: libraryCredentials(stored)}, session, parsed)
	if err != nil {
		return "", 0, err
	}
	return encodeCredentialID(credential.ID), credential.Authenticator.SignCount, nil
}
