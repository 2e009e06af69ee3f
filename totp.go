package authcore

import (
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"github.com/rvallance/authcore/internal"
)

const backupCodeSegmentLen = 4

// totpManager wraps TOTP secret provisioning and code validation plus the
// backup-code pool helpers.
type totpManager struct {
	config TwoFactorConfig
}

func newTOTPManager(cfg TwoFactorConfig) *totpManager {
	return &totpManager{config: cfg}
}

// GenerateSecret returns a fresh base32 secret and the otpauth:// URI
// authenticator apps scan.
func (m *totpManager) GenerateSecret(account string) (string, string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.config.Issuer,
		AccountName: account,
	})
	if err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}

// ValidateCode checks a 6-digit code against the secret within the
// configured drift window.
func (m *totpManager) ValidateCode(secret, code string, now time.Time) bool {
	ok, err := totp.ValidateCustom(code, secret, now, totp.ValidateOpts{
		Period:    30,
		Skew:      m.config.DriftSteps,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

// GenerateBackupCodes produces the one-time pool: plaintext codes for the
// single disclosure to the user and bcrypt hashes for storage.
func (m *totpManager) GenerateBackupCodes() ([]string, []string, error) {
	count := m.config.BackupCodeCount
	cost := m.config.BcryptCost
	if cost < bcrypt.MinCost {
		cost = bcrypt.DefaultCost
	}

	plain := make([]string, 0, count)
	hashes := make([]string, 0, count)
	for i := 0; i < count; i++ {
		code, err := internal.NewBackupCode(backupCodeSegmentLen, nil)
		if err != nil {
			return nil, nil, err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(code), cost)
		if err != nil {
			return nil, nil, err
		}
		plain = append(plain, internal.FormatBackupCode(code))
		hashes = append(hashes, string(hash))
	}
	return plain, hashes, nil
}

// VerifyBackupCode compares the supplied code against every stored hash and
// reports the index of the match. Each individual compare is constant-time;
// the scan over entries is not, and does not need to be.
func (m *totpManager) VerifyBackupCode(code string, hashes []string) (int, bool) {
	canonical := internal.CanonicalizeBackupCode(code)
	if canonical == "" {
		return 0, false
	}
	for i, hash := range hashes {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(canonical)) == nil {
			return i, true
		}
	}
	return 0, false
}
