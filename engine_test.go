package authcore

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/rvallance/authcore/internal/flows"
)

// testClock replaces the engine clock so tests control logical time without
// sleeping. Redis TTLs move separately through miniredis FastForward.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memUsers struct {
	mu    sync.Mutex
	users map[string]*UserRecord
}

func newMemUsers() *memUsers {
	return &memUsers{users: map[string]*UserRecord{}}
}

func (m *memUsers) add(u *UserRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.UserID] = u
}

func (m *memUsers) get(userID string) *UserRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[userID]
}

func (m *memUsers) GetUserByID(_ context.Context, userID string) (*UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	out := *u
	out.TwoFactor.BackupCodeHashes = append([]string(nil), u.TwoFactor.BackupCodeHashes...)
	return &out, nil
}

func (m *memUsers) SaveTwoFactor(_ context.Context, userID string, rec TwoFactorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.TwoFactor = rec
	return nil
}

func (m *memUsers) IncrementLoginCount(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return 0, ErrUserNotFound
	}
	u.LoginCount++
	return u.LoginCount, nil
}

type memAuthenticators struct {
	mu     sync.Mutex
	byUser map[string][]AuthenticatorRecord
	owners map[string]string
}

func newMemAuthenticators() *memAuthenticators {
	return &memAuthenticators{
		byUser: map[string][]AuthenticatorRecord{},
		owners: map[string]string{},
	}
}

func (m *memAuthenticators) ListByUser(_ context.Context, userID string) ([]AuthenticatorRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuthenticatorRecord(nil), m.byUser[userID]...), nil
}

func (m *memAuthenticators) GetByCredentialID(_ context.Context, userID, credentialID string) (*AuthenticatorRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.byUser[userID] {
		if rec.CredentialID == credentialID {
			out := rec
			return &out, nil
		}
	}
	return nil, nil
}

func (m *memAuthenticators) Create(_ context.Context, userID string, rec AuthenticatorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.owners[rec.CredentialID]; taken {
		return ErrDuplicateCredential
	}
	m.owners[rec.CredentialID] = userID
	m.byUser[userID] = append(m.byUser[userID], rec)
	return nil
}

func (m *memAuthenticators) UpdateCounter(_ context.Context, userID, credentialID string, counter uint32, counterSupported bool, usedAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.byUser[userID]
	for i := range recs {
		if recs[i].CredentialID == credentialID {
			recs[i].Counter = counter
			recs[i].CounterSupported = counterSupported
			recs[i].LastUsedAt = usedAt
			return nil
		}
	}
	return ErrUserNotFound
}

type staticPolicies struct {
	mu       sync.Mutex
	policies map[string]*SecurityPolicy
	err      error
}

func (p *staticPolicies) PolicyForTenant(_ context.Context, tenantID string) (*SecurityPolicy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return p.policies[tenantID], nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (s *recordingSink) Emit(_ context.Context, event AuditEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) eventsOf(eventType string) []AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AuditEvent
	for _, e := range s.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type graceWarning struct {
	UserID    string
	Remaining int
}

type recordingNotifier struct {
	mu       sync.Mutex
	warnings []graceWarning
}

func (n *recordingNotifier) NotifyTwoFactorDeadline(_ context.Context, userID string, remaining int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.warnings = append(n.warnings, graceWarning{UserID: userID, Remaining: remaining})
	return nil
}

func (n *recordingNotifier) all() []graceWarning {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]graceWarning(nil), n.warnings...)
}

// stubVerifier stands in for real authenticator hardware: ceremonies
// succeed or fail by fiat, and the engine's challenge, limit, and counter
// handling is exercised around them.
type stubVerifier struct {
	registerAuth flows.PasskeyAuthenticator
	registerErr  error

	authCredentialID string
	authCounter      uint32
	authErr          error
}

func (v *stubVerifier) BeginRegistration(_ context.Context, _ flows.PasskeyUser, _ []string) (json.RawMessage, []byte, error) {
	return json.RawMessage(`{"publicKey":{}}`), []byte("registration-state"), nil
}

func (v *stubVerifier) FinishRegistration(_ context.Context, _ flows.PasskeyUser, _, _ []byte) (*flows.PasskeyAuthenticator, error) {
	if v.registerErr != nil {
		return nil, v.registerErr
	}
	out := v.registerAuth
	return &out, nil
}

func (v *stubVerifier) BeginAuthentication(_ context.Context, _ flows.PasskeyUser, _ []string) (json.RawMessage, []byte, error) {
	return json.RawMessage(`{"publicKey":{}}`), []byte("authentication-state"), nil
}

func (v *stubVerifier) FinishAuthentication(_ context.Context, _ flows.PasskeyUser, _ []flows.PasskeyAuthenticator, _, _ []byte) (string, uint32, error) {
	if v.authErr != nil {
		return "", 0, v.authErr
	}
	return v.authCredentialID, v.authCounter, nil
}

type testEnv struct {
	engine   *Engine
	redis    *miniredis.Miniredis
	users    *memUsers
	auths    *memAuthenticators
	policies *staticPolicies
	sink     *recordingSink
	notifier *recordingNotifier
	clock    *testClock
}

type envOptions struct {
	// policy becomes tenant "acme"'s security policy.
	policy   *SecurityPolicy
	verifier ceremonyVerifier
	config   func(*Config)
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}

	cfg := defaultConfig()
	cfg.JWT.PrivateKey = priv
	cfg.JWT.PublicKey = pub
	// Cheap hashing parameters keep the suite fast.
	cfg.TwoFactor.BackupCodeCount = 4
	cfg.TwoFactor.BcryptCost = bcrypt.MinCost
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	if opts.config != nil {
		opts.config(&cfg)
	}

	env := &testEnv{
		redis:    mr,
		users:    newMemUsers(),
		auths:    newMemAuthenticators(),
		policies: &staticPolicies{policies: map[string]*SecurityPolicy{}},
		sink:     &recordingSink{},
		notifier: &recordingNotifier{},
		clock:    &testClock{now: time.Now()},
	}
	if opts.policy != nil {
		env.policies.policies["acme"] = opts.policy
	}

	builder := New().
		WithConfig(cfg).
		WithRedis(client).
		WithUserProvider(env.users).
		WithAuthenticatorStore(env.auths).
		WithPolicyProvider(env.policies).
		WithAuditSink(env.sink).
		WithNotifier(env.notifier)
	if opts.verifier != nil {
		builder.withCeremonyVerifier(opts.verifier)
	}

	engine, err := builder.Build()
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	t.Cleanup(engine.Close)

	engine.now = env.clock.Now
	env.engine = engine
	return env
}

func (env *testEnv) addUser(t *testing.T, u UserRecord) *UserRecord {
	t.Helper()
	if u.TenantID == "" {
		u.TenantID = "acme"
	}
	if u.CreatedAt == 0 {
		u.CreatedAt = env.clock.Now().Unix()
	}
	stored := u
	env.users.add(&stored)
	return &stored
}

func TestBuilderRequiresCollaborators(t *testing.T) {
	if _, err := New().Build(); err == nil {
		t.Fatal("expected build to fail without a redis client")
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	if _, err := New().WithRedis(client).Build(); err == nil {
		t.Fatal("expected build to fail without a user provider")
	}
}

func TestBuilderSingleUse(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	b := New().WithRedis(client).WithUserProvider(newMemUsers())
	b.config.JWT.SigningMethod = "hs256"
	b.config.JWT.PrivateKey = []byte("test-secret")
	if _, err := b.Build(); err != nil {
		t.Fatalf("first build: %v", err)
	}
	if _, err := b.Build(); err == nil {
		t.Fatal("expected second build on the same builder to fail")
	}
}
