package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

const (
	refreshSecretSize   = 32
	refreshTokenRawSize = 16 + refreshSecretSize
)

// BackupCodeAlphabet excludes 0/O/1/I/L to keep hand-typed codes unambiguous.
const BackupCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// NewTokenID returns a fresh random token identifier (the JWT jti).
func NewTokenID() string {
	return uuid.NewString()
}

// NewRefreshSecret generates the opaque per-rotation refresh secret.
func NewRefreshSecret() ([refreshSecretSize]byte, error) {
	var secret [refreshSecretSize]byte
	_, err := rand.Read(secret[:])
	return secret, err
}

// HashRefreshSecret is the only form of the refresh secret ever persisted.
func HashRefreshSecret(secret [refreshSecretSize]byte) [32]byte {
	return sha256.Sum256(secret[:])
}

// EncodeRefreshToken packs tokenID||secret into an opaque base64url string.
func EncodeRefreshToken(tokenID string, secret [refreshSecretSize]byte) (string, error) {
	id, err := uuid.Parse(tokenID)
	if err != nil {
		return "", err
	}

	var raw [refreshTokenRawSize]byte
	copy(raw[:16], id[:])
	copy(raw[16:], secret[:])

	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// DecodeRefreshToken reverses EncodeRefreshToken.
func DecodeRefreshToken(token string) (string, [refreshSecretSize]byte, error) {
	var secret [refreshSecretSize]byte

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", secret, err
	}
	if len(raw) != refreshTokenRawSize {
		return "", secret, errors.New("invalid refresh token size")
	}

	id, err := uuid.FromBytes(raw[:16])
	if err != nil {
		return "", secret, err
	}
	copy(secret[:], raw[16:])

	return id.String(), secret, nil
}

// NewBackupCode generates one backup code of the given segment length
// (the formatted code is two segments joined by a dash).
func NewBackupCode(segmentLen int, randomIndex func(int) (int, error)) (string, error) {
	if randomIndex == nil {
		randomIndex = CryptoRandomIndex
	}
	var b strings.Builder
	b.Grow(2 * segmentLen)
	for i := 0; i < 2*segmentLen; i++ {
		n, err := randomIndex(len(BackupCodeAlphabet))
		if err != nil {
			return "", err
		}
		b.WriteByte(BackupCodeAlphabet[n])
	}
	return b.String(), nil
}

// FormatBackupCode renders the canonical code as XXXX-XXXX for display.
func FormatBackupCode(code string) string {
	n := len(code)
	if n < 8 {
		return code
	}
	mid := n / 2
	return code[:mid] + "-" + code[mid:]
}

// CanonicalizeBackupCode strips user-entered separators and normalizes case.
func CanonicalizeBackupCode(code string) string {
	s := strings.ToUpper(strings.TrimSpace(code))
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, " ", "")
	return s
}

// CryptoRandomIndex returns a uniform random index in [0, max).
func CryptoRandomIndex(max int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, err
	}
	return int(n.Int64()), nil
}
