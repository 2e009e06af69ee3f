package jwt

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	gjwt "github.com/golang-jwt/jwt/v5"
)

func newEdKeys(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	return pub, priv
}

func newEdManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestCreateAccessRoundTripsClaims(t *testing.T) {
	_, priv := newEdKeys(t)
	m := newEdManager(t, Config{
		AccessTTL:     time.Minute,
		SigningMethod: MethodEd25519,
		PrivateKey:    priv,
		PublicKey:     priv.Public().(ed25519.PublicKey),
		Issuer:        "authcore",
	})

	access, err := m.CreateAccess("tok-1", "u1", "acme", "", []string{"read", "write"}, TypeUser, time.Now())
	if err != nil {
		t.Fatalf("create access: %v", err)
	}

	claims, err := m.ParseAccess(access)
	if err != nil {
		t.Fatalf("parse access: %v", err)
	}
	if claims.ID != "tok-1" || claims.Subject != "u1" || claims.TenantID != "acme" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.TokenType != TypeUser {
		t.Fatalf("expected user token type, got %q", claims.TokenType)
	}
	if len(claims.Scopes) != 2 || claims.Scopes[0] != "read" {
		t.Fatalf("scopes did not round trip: %v", claims.Scopes)
	}
}

func TestParseAccessRejectsWrongAlgorithm(t *testing.T) {
	pub, _ := newEdKeys(t)
	m := newEdManager(t, Config{AccessTTL: time.Minute, SigningMethod: MethodEd25519, PublicKey: pub})

	claims := AccessClaims{TokenType: TypeUser, RegisteredClaims: gjwt.RegisteredClaims{
		ID:        "tok-1",
		ExpiresAt: gjwt.NewNumericDate(time.Now().Add(time.Minute)),
	}}
	tok := gjwt.NewWithClaims(gjwt.SigningMethodHS256, claims)
	token, err := tok.SignedString([]byte("secret-secret-secret-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	if _, err := m.ParseAccess(token); err == nil {
		t.Fatal("expected wrong algorithm to be rejected")
	}
}

func TestParseAccessExpiredIsTyped(t *testing.T) {
	_, priv := newEdKeys(t)
	m := newEdManager(t, Config{
		AccessTTL:     time.Minute,
		SigningMethod: MethodEd25519,
		PrivateKey:    priv,
		PublicKey:     priv.Public().(ed25519.PublicKey),
	})

	access, err := m.CreateAccess("tok-1", "u1", "", "", nil, TypeUser, time.Now().Add(-2*time.Minute))
	if err != nil {
		t.Fatalf("create access: %v", err)
	}
	if _, err := m.ParseAccess(access); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestParseAccessIssuerAndAudience(t *testing.T) {
	_, priv := newEdKeys(t)
	m := newEdManager(t, Config{
		AccessTTL:     time.Minute,
		SigningMethod: MethodEd25519,
		PrivateKey:    priv,
		PublicKey:     priv.Public().(ed25519.PublicKey),
		Issuer:        "authcore",
		Audience:      "api",
	})

	access, err := m.CreateAccess("tok-1", "u1", "", "", nil, TypeUser, time.Now())
	if err != nil {
		t.Fatalf("create access: %v", err)
	}
	if _, err := m.ParseAccess(access); err != nil {
		t.Fatalf("expected valid token to parse: %v", err)
	}

	wrongIssuer := AccessClaims{TokenType: TypeUser, RegisteredClaims: gjwt.RegisteredClaims{
		Issuer:    "other",
		Audience:  gjwt.ClaimStrings{"api"},
		ExpiresAt: gjwt.NewNumericDate(time.Now().Add(time.Minute)),
		IssuedAt:  gjwt.NewNumericDate(time.Now()),
	}}
	badTok := gjwt.NewWithClaims(gjwt.SigningMethodEdDSA, wrongIssuer)
	bad, _ := badTok.SignedString(priv)
	if _, err := m.ParseAccess(bad); err == nil {
		t.Fatal("expected wrong issuer to fail")
	}
}

func TestNewManagerRejectsBadConfig(t *testing.T) {
	pub, _ := newEdKeys(t)

	if _, err := NewManager(Config{SigningMethod: MethodEd25519, PublicKey: pub}); err == nil {
		t.Fatal("expected zero TTL to be rejected")
	}
	if _, err := NewManager(Config{AccessTTL: time.Minute, SigningMethod: MethodHS256}); err == nil {
		t.Fatal("expected hs256 without key to be rejected")
	}
	if _, err := NewManager(Config{AccessTTL: time.Minute, SigningMethod: MethodEd25519}); err == nil {
		t.Fatal("expected ed25519 without verify key to be rejected")
	}
	if _, err := NewManager(Config{AccessTTL: time.Minute, SigningMethod: "rs512"}); err == nil {
		t.Fatal("expected unsupported method to be rejected")
	}
}
