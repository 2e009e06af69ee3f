package authcore

import (
	"context"
	"io"
	"time"

	"github.com/rvallance/authcore/internal/audit"
)

// TwoFactorState is the explicit two-factor status tag. The tagged state
// replaces nullable-flag combinations so enabled-and-pending cannot be
// represented.
type TwoFactorState uint8

const (
	TwoFactorDisabled TwoFactorState = iota
	TwoFactorPendingVerification
	TwoFactorEnabled
)

func (s TwoFactorState) String() string {
	switch s {
	case TwoFactorPendingVerification:
		return "pending_verification"
	case TwoFactorEnabled:
		return "enabled"
	default:
		return "disabled"
	}
}

// TwoFactorRecord is the per-user two-factor state persisted by the user
// provider. Secret is non-empty whenever State is not disabled.
type TwoFactorRecord struct {
	State                TwoFactorState
	Secret               string
	BackupCodeHashes     []string
	VerificationAttempts int
	SetupStartedAt       int64
}

// UserRecord is the engine's read model of an account. The engine never
// creates users; it reads them through the [UserProvider] and writes back
// only two-factor state and the login counter.
type UserRecord struct {
	UserID      string
	TenantID    string
	Name        string
	DisplayName string
	Role        string

	PasswordHash string
	CreatedAt    int64
	LoginCount   int

	TwoFactor      TwoFactorRecord
	PasskeyEnabled bool
}

// SecurityPolicy is a tenant's session and two-factor policy, read-only to
// this engine. Zero values disable the corresponding check.
type SecurityPolicy struct {
	MaxConcurrentSessions int
	SessionTimeout        time.Duration
	ExtendOnActivity      bool

	RequireTwoFactor         bool
	TwoFactorGracePeriodDays int
	TwoFactorGraceLogins     int
	TwoFactorExemptRoles     []string
	// TwoFactorEnforcementDate overrides the per-user grace computation
	// when non-zero (unix seconds).
	TwoFactorEnforcementDate int64
}

// AuthenticatorRecord is one registered passkey device.
type AuthenticatorRecord struct {
	CredentialID string
	PublicKey    []byte
	// Counter is the last signature counter asserted by the device. It is
	// strictly increasing for devices with CounterSupported set; a
	// non-increasing assertion from such a device fails hard.
	Counter          uint32
	CounterSupported bool
	Transports       []string
	FriendlyName     string
	CreatedAt        int64
	LastUsedAt       int64
}

// Identity is the authenticated principal handed to route handlers after
// [Engine.Authenticate] succeeds.
type Identity struct {
	UserID    string
	TenantID  string
	ClientID  string
	Scopes    []string
	TokenID   string
	TokenType string
	ExpiresAt int64
}

// TokenPair is the result of issuance and refresh.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  int64
	RefreshToken     string
	RefreshExpiresAt int64
}

// TwoFactorSetup is returned once when setup begins; the backup codes are
// plaintext here and never retrievable again.
type TwoFactorSetup struct {
	Secret          string
	ProvisioningURI string
	BackupCodes     []string
	ExpiresAt       int64
}

// SessionInfo describes one active session for introspection.
type SessionInfo struct {
	TokenID   string
	CreatedAt int64
	ExpiresAt int64
	Rotations int
}

// UserProvider is the host application's account store. GetUserByID returns
// [ErrUserNotFound] for unknown IDs; other errors are treated as
// infrastructure failures.
type UserProvider interface {
	GetUserByID(ctx context.Context, userID string) (*UserRecord, error)
	SaveTwoFactor(ctx context.Context, userID string, rec TwoFactorRecord) error
	IncrementLoginCount(ctx context.Context, userID string) (int, error)
}

// AuthenticatorStore persists passkey devices.
type AuthenticatorStore interface {
	ListByUser(ctx context.Context, userID string) ([]AuthenticatorRecord, error)
	// GetByCredentialID returns (nil, nil) when the user has no such
	// credential.
	GetByCredentialID(ctx context.Context, userID, credentialID string) (*AuthenticatorRecord, error)
	// Create persists the device and marks the user passkey-enabled in one
	// transaction. It returns [ErrDuplicateCredential] when the credential
	// ID is already registered to any account.
	Create(ctx context.Context, userID string, rec AuthenticatorRecord) error
	// UpdateCounter records the sign counter observed on a successful
	// assertion. The engine has already checked monotonicity against its
	// own read, so implementations must not lose that ordering: take a
	// write lock (or use a conditional update on the stored counter) for
	// the read-modify-write, and never write a counter lower than the one
	// already stored.
	UpdateCounter(ctx context.Context, userID, credentialID string, counter uint32, counterSupported bool, usedAt int64) error
}

// PolicyProvider resolves a tenant's security policy. Results are cached by
// the engine with a bounded TTL.
type PolicyProvider interface {
	PolicyForTenant(ctx context.Context, tenantID string) (*SecurityPolicy, error)
}

// Notifier delivers best-effort user-facing warnings, currently only the
// approaching two-factor enforcement deadline. Errors are logged, never
// propagated.
type Notifier interface {
	NotifyTwoFactorDeadline(ctx context.Context, userID string, remainingLogins int) error
}

// Audit surface, re-exported from the internal dispatcher so sinks can be
// implemented without importing internal packages.

// AuditEvent is one security event record.
type AuditEvent = audit.Event

// AuditSeverity ranks an event; high-severity events are delivered to the
// sink synchronously, before the triggering error returns.
type AuditSeverity = audit.Severity

const (
	AuditSeverityLow    = audit.SeverityLow
	AuditSeverityMedium = audit.SeverityMedium
	AuditSeverityHigh   = audit.SeverityHigh
)

// AuditSink receives emitted audit events.
type AuditSink = audit.Sink

// NewJSONAuditSink writes one JSON event per line to w.
func NewJSONAuditSink(w io.Writer) AuditSink {
	return audit.NewJSONWriterSink(w)
}
