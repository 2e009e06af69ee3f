package authcore

import (
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/rvallance/authcore/internal/audit"
	"github.com/rvallance/authcore/internal/rate"
	"github.com/rvallance/authcore/jwt"
	"github.com/rvallance/authcore/password"
	"github.com/rvallance/authcore/token"
)

// Builder assembles an [Engine]. Collaborator providers are supplied here;
// everything else comes from [Config].
type Builder struct {
	config Config
	redis  redis.UniversalClient

	users          UserProvider
	authenticators AuthenticatorStore
	policies       PolicyProvider
	auditSink      AuditSink
	notifier       Notifier
	log            logrus.FieldLogger
	verifier       ceremonyVerifier

	built bool
}

// New returns a Builder initialized with the default configuration.
func New() *Builder {
	return &Builder{config: defaultConfig()}
}

// WithConfig replaces the configuration wholesale.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis supplies the Redis client backing token records, rate counters,
// and ceremony challenges. Required.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithUserProvider supplies the host's account store. Required.
func (b *Builder) WithUserProvider(p UserProvider) *Builder {
	b.users = p
	return b
}

// WithAuthenticatorStore supplies the passkey device store. Required when
// passkeys are enabled.
func (b *Builder) WithAuthenticatorStore(s AuthenticatorStore) *Builder {
	b.authenticators = s
	return b
}

// WithPolicyProvider supplies per-tenant security policies. Optional; the
// configured default policy applies without one.
func (b *Builder) WithPolicyProvider(p PolicyProvider) *Builder {
	b.policies = p
	return b
}

// WithAuditSink supplies the audit event consumer.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithNotifier supplies the best-effort user notifier.
func (b *Builder) WithNotifier(n Notifier) *Builder {
	b.notifier = n
	return b
}

// WithLogger supplies the logger used for non-fatal warnings.
func (b *Builder) WithLogger(log logrus.FieldLogger) *Builder {
	b.log = log
	return b
}

// withCeremonyVerifier overrides the WebAuthn verifier; tests use it to
// stand in for real authenticator hardware.
func (b *Builder) withCeremonyVerifier(v ceremonyVerifier) *Builder {
	b.verifier = v
	return b
}

// Build validates the configuration and wires the engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.users == nil {
		return nil, errors.New("user provider required")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	engine := &Engine{
		config:         cfg,
		tokenStore:     token.NewStore(b.redis, cfg.Token.RedisPrefix),
		rateLimiter:    rate.New(b.redis),
		challenges:     newPasskeyChallengeStore(b.redis),
		policies:       newPolicyCache(b.policies, cfg.Policy),
		metrics:        NewMetrics(cfg.Metrics),
		totp:           newTOTPManager(cfg.TwoFactor),
		users:          b.users,
		authenticators: b.authenticators,
		notifier:       b.notifier,
		log:            b.log,
		now:            time.Now,
	}

	engine.twoFactorScope = rate.Scope{
		Name:        "2fa",
		MaxAttempts: cfg.TwoFactor.MaxFailures,
		Window:      cfg.TwoFactor.LockoutWindow,
		Sliding:     true,
	}
	engine.registrationScope = rate.Scope{
		Name:        "pkr",
		MaxAttempts: cfg.Passkey.RegistrationLimit,
		Window:      cfg.Passkey.RegistrationWindow,
	}

	engine.auditDisp = audit.NewDispatcher(audit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, b.auditSink)

	jm, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
	})
	if err != nil {
		return nil, err
	}
	engine.jwtManager = jm

	ph, err := password.NewArgon2(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}
	engine.passwordHash = ph

	engine.verifier = b.verifier
	if engine.verifier == nil && cfg.Passkey.RPID != "" {
		if b.authenticators == nil {
			return nil, errors.New("authenticator store required when passkeys are enabled")
		}
		verifier, err := newWebAuthnVerifier(cfg.Passkey)
		if err != nil {
			return nil, err
		}
		engine.verifier = verifier
	}

	b.built = true
	return engine, nil
}
