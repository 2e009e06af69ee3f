package authcore

import (
	"errors"
	"time"
)

// Config groups the engine configuration by concern. Build validates it;
// after Build the engine treats its copy as immutable.
type Config struct {
	JWT       JWTConfig
	Token     TokenConfig
	Policy    PolicyConfig
	TwoFactor TwoFactorConfig
	Passkey   PasskeyConfig
	Password  PasswordConfig
	Audit     AuditConfig
	Metrics   MetricsConfig
}

// JWTConfig controls access token signing.
type JWTConfig struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SigningMethod string // "ed25519" (default) or "hs256"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
}

// TokenConfig controls the Redis token record store.
type TokenConfig struct {
	RedisPrefix string
}

// PolicyConfig controls tenant policy resolution. Cached policies govern
// security enforcement, so CacheTTL bounds the staleness window and must
// stay short.
type PolicyConfig struct {
	CacheTTL  time.Duration
	CacheSize int
	// Default applies to tenants the provider has no policy for, and to
	// all requests when no provider is wired.
	Default SecurityPolicy
}

// TwoFactorConfig controls the TOTP and backup-code subsystem.
type TwoFactorConfig struct {
	Issuer           string
	SetupWindow      time.Duration
	DriftSteps       uint // accepted TOTP steps either side of now
	MaxSetupAttempts int
	MaxFailures      int
	LockoutWindow    time.Duration
	BackupCodeCount  int
	BcryptCost       int
}

// PasskeyConfig controls the WebAuthn ceremonies. Passkey operations are
// enabled by setting RPID; with an empty RPID they return ErrEngineNotReady.
type PasskeyConfig struct {
	RPID              string
	RPDisplayName     string
	RPOrigins         []string
	MaxAuthenticators int
	ChallengeWindow   time.Duration
	// Registration frequency cap per user.
	RegistrationLimit  int
	RegistrationWindow time.Duration
}

// PasswordConfig holds the argon2id parameters used for password re-checks
// and the hashing helper.
type PasswordConfig struct {
	Memory      uint32 // in KB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// AuditConfig controls the asynchronous audit dispatcher. High-severity
// events ignore the buffer and are always delivered synchronously.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig toggles the in-process counters.
type MetricsConfig struct {
	Enabled bool
}

func defaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    30 * 24 * time.Hour,
			SigningMethod: "ed25519",
			Leeway:        30 * time.Second,
		},
		Token: TokenConfig{
			RedisPrefix: "atk",
		},
		Policy: PolicyConfig{
			CacheTTL:  time.Minute,
			CacheSize: 1024,
		},
		TwoFactor: TwoFactorConfig{
			Issuer:           "authcore",
			SetupWindow:      10 * time.Minute,
			DriftSteps:       2,
			MaxSetupAttempts: 5,
			MaxFailures:      5,
			LockoutWindow:    15 * time.Minute,
			BackupCodeCount:  10,
			BcryptCost:       10,
		},
		Passkey: PasskeyConfig{
			RPDisplayName:      "authcore",
			MaxAuthenticators:  5,
			ChallengeWindow:    2 * time.Minute,
			RegistrationLimit:  3,
			RegistrationWindow: time.Hour,
		},
		Password: PasswordConfig{
			Memory:      64 * 1024,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	out.Passkey.RPOrigins = cloneStrings(cfg.Passkey.RPOrigins)
	out.Policy.Default.TwoFactorExemptRoles = cloneStrings(cfg.Policy.Default.TwoFactorExemptRoles)
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

// Validate checks internal consistency. Key material is validated by the
// JWT manager during Build, not here.
func (c Config) Validate() error {
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT.AccessTTL must be positive")
	}
	if c.JWT.RefreshTTL <= 0 {
		return errors.New("JWT.RefreshTTL must be positive")
	}
	if c.JWT.RefreshTTL < c.JWT.AccessTTL {
		return errors.New("JWT.RefreshTTL must not be shorter than AccessTTL")
	}
	if c.TwoFactor.SetupWindow <= 0 {
		return errors.New("TwoFactor.SetupWindow must be positive")
	}
	if c.TwoFactor.MaxFailures <= 0 || c.TwoFactor.LockoutWindow <= 0 {
		return errors.New("TwoFactor lockout parameters must be positive")
	}
	if c.TwoFactor.BackupCodeCount <= 0 {
		return errors.New("TwoFactor.BackupCodeCount must be positive")
	}
	if c.Passkey.RPID != "" {
		if len(c.Passkey.RPOrigins) == 0 {
			return errors.New("Passkey.RPOrigins required when RPID is set")
		}
		if c.Passkey.MaxAuthenticators <= 0 {
			return errors.New("Passkey.MaxAuthenticators must be positive")
		}
		if c.Passkey.ChallengeWindow <= 0 {
			return errors.New("Passkey.ChallengeWindow must be positive")
		}
	}
	if c.Policy.CacheTTL > 5*time.Minute {
		return errors.New("Policy.CacheTTL must stay within a few minutes")
	}
	return nil
}
