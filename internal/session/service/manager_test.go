package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/SOG-web/reauth-sub001/internal/apperror"
	"github.com/SOG-web/reauth-sub001/internal/audit"
	"github.com/SOG-web/reauth-sub001/internal/clock"
	"github.com/SOG-web/reauth-sub001/internal/policy/engine"
	"github.com/SOG-web/reauth-sub001/internal/session/domain"
	"github.com/SOG-web/reauth-sub001/internal/session/repository"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingAudit) LogEvent(_ context.Context, ev audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingAudit) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Action
	}
	return out
}

type staticAdmission struct{ action engine.Action }

func (s staticAdmission) EvaluateAdmission(context.Context, engine.AdmissionInput) (engine.Action, error) {
	return s.action, nil
}

type harness struct {
	mgr   *Manager
	repo  *repository.MemoryRepository
	clock *clock.FakeClock
	audit *recordingAudit
}

func userResolver() Resolver {
	return ResolverFuncs{
		GetByIDFunc: func(_ context.Context, id string) (*domain.Subject, error) {
			if id == "deleted" {
				return nil, nil
			}
			return &domain.Subject{Type: "user", ID: id, Attributes: map[string]any{"email": id + "@example.com", "password_hash": "secret"}}, nil
		},
		SanitizeFunc: func(s *domain.Subject) *domain.Subject {
			attrs := make(map[string]any, len(s.Attributes))
			for k, v := range s.Attributes {
				if k != "password_hash" {
					attrs[k] = v
				}
			}
			return &domain.Subject{Type: s.Type, ID: s.ID, Attributes: attrs}
		},
	}
}

func newHarness(t *testing.T, mutate func(*Config), admission engine.AdmissionEvaluator) *harness {
	t.Helper()
	clk := clock.Fake(testEpoch)
	repo := repository.NewMemoryRepository(clk)
	reg := NewResolverRegistry()
	if err := reg.Register("user", userResolver()); err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	rec := &recordingAudit{}
	mgr, err := NewManager(cfg, repo, reg, admission, rec, nil, clk)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return &harness{mgr: mgr, repo: repo, clock: clk, audit: rec}
}

func (h *harness) create(t *testing.T, subjectID string) *domain.Session {
	t.Helper()
	s, err := h.mgr.Create(context.Background(), CreateInput{Subject: domain.Subject{Type: "user", ID: subjectID}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return s
}

func ttl(d time.Duration) *time.Duration { return &d }

func wantStatus(t *testing.T, err error, kind apperror.Kind, status string) {
	t.Helper()
	var ae *apperror.Error
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v, want *apperror.Error", err)
	}
	if ae.Kind != kind || ae.Status != status {
		t.Fatalf("err = %s/%s, want %s/%s", ae.Kind, ae.Status, kind, status)
	}
}

func TestNewManager_RejectsBadConfig(t *testing.T) {
	repo := repository.NewMemoryRepository(nil)
	tests := []struct {
		name string
		cfg  Config
	}{
		{"default below minimum", Config{DefaultTTL: 10 * time.Second}},
		{"negative limit", Config{MaxConcurrentSessions: -1}},
		{"unknown on-limit", Config{OnLimit: engine.ActionAllow}},
		{"negative update age", Config{UpdateAge: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewManager(tt.cfg, repo, nil, nil, nil, nil, nil); err == nil {
				t.Fatal("expected error")
			}
		})
	}
	if _, err := NewManager(DefaultConfig(), nil, nil, nil, nil, nil, nil); err == nil {
		t.Fatal("expected error for nil repository")
	}
}

func TestManager_CreateAndVerify(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	s, err := h.mgr.Create(ctx, CreateInput{
		Subject:  domain.Subject{Type: "user", ID: "u1"},
		Device:   &domain.DeviceInfo{Fingerprint: "fp1", IPAddress: "10.0.0.1", UserAgent: "curl"},
		Metadata: domain.Metadata{"login_method": "password"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.Token == "" || s.ID == "" {
		t.Fatalf("session missing id or token: %+v", s)
	}
	if want := testEpoch.Add(24 * time.Hour); s.ExpiresAt == nil || !s.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", s.ExpiresAt, want)
	}

	v, err := h.mgr.Verify(ctx, s.Token, VerifyOptions{})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if v.Session.ID != s.ID || v.Subject.ID != "u1" {
		t.Errorf("verified = %+v / %+v", v.Session, v.Subject)
	}
	if _, ok := v.Subject.Attributes["password_hash"]; ok {
		t.Error("subject was not sanitized")
	}
	if v.Subject.Attributes["email"] != "u1@example.com" {
		t.Errorf("attributes = %v", v.Subject.Attributes)
	}

	d, _ := h.repo.GetDevice(ctx, s.ID)
	if d == nil || d.Fingerprint != "fp1" {
		t.Errorf("device = %+v", d)
	}
	md, _ := h.mgr.GetMetadata(ctx, s.ID)
	if md["login_method"] != "password" {
		t.Errorf("metadata = %v", md)
	}
	if got := h.audit.actions(); len(got) != 1 || got[0] != audit.ActionSessionCreated {
		t.Errorf("audit = %v", got)
	}
}

func TestManager_CreateTTL(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	subject := domain.Subject{Type: "user", ID: "u1"}

	_, err := h.mgr.Create(ctx, CreateInput{Subject: subject, TTL: ttl(29 * time.Second)})
	wantStatus(t, err, apperror.KindValidation, apperror.StatusInvalidTTL)
	_, err = h.mgr.Create(ctx, CreateInput{Subject: subject, TTL: ttl(-time.Minute)})
	wantStatus(t, err, apperror.KindValidation, apperror.StatusInvalidTTL)

	s, err := h.mgr.Create(ctx, CreateInput{Subject: subject, TTL: ttl(30 * time.Second)})
	if err != nil {
		t.Fatalf("30s TTL: %v", err)
	}
	if !s.ExpiresAt.Equal(testEpoch.Add(30 * time.Second)) {
		t.Errorf("ExpiresAt = %v", s.ExpiresAt)
	}

	forever, err := h.mgr.Create(ctx, CreateInput{Subject: subject, TTL: ttl(0)})
	if err != nil {
		t.Fatalf("zero TTL: %v", err)
	}
	if forever.ExpiresAt != nil {
		t.Errorf("zero TTL should never expire, got %v", forever.ExpiresAt)
	}
	h.clock.Advance(10 * 365 * 24 * time.Hour)
	if _, err := h.mgr.Verify(ctx, forever.Token, VerifyOptions{}); err != nil {
		t.Errorf("never-expiring session failed to verify: %v", err)
	}
}

func TestManager_CreateRequiresSubject(t *testing.T) {
	h := newHarness(t, nil, nil)
	_, err := h.mgr.Create(context.Background(), CreateInput{Subject: domain.Subject{Type: "user"}})
	wantStatus(t, err, apperror.KindValidation, apperror.StatusInvalidInput)
}

func TestManager_VerifyInvalidDoesNotLeak(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	s, err := h.mgr.Create(ctx, CreateInput{Subject: domain.Subject{Type: "user", ID: "u1"}, TTL: ttl(time.Minute)})
	if err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(time.Minute)

	_, errExpired := h.mgr.Verify(ctx, s.Token, VerifyOptions{})
	_, errMissing := h.mgr.Verify(ctx, "no-such-token", VerifyOptions{})
	_, errEmpty := h.mgr.Verify(ctx, "", VerifyOptions{})
	for _, err := range []error{errExpired, errMissing, errEmpty} {
		wantStatus(t, err, apperror.KindAuthenticationRequired, apperror.StatusSessionInvalid)
	}
	if errExpired.Error() != errMissing.Error() {
		t.Errorf("expired and missing errors differ: %q vs %q", errExpired, errMissing)
	}
}

func TestManager_VerifyExpiresDespiteActivity(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.UpdateAge = time.Minute }, nil)
	ctx := context.Background()
	s, err := h.mgr.Create(ctx, CreateInput{Subject: domain.Subject{Type: "user", ID: "u1"}, TTL: ttl(3600 * time.Second)})
	if err != nil {
		t.Fatal(err)
	}

	// Verifications along the way record activity but never extend expiry.
	for _, step := range []time.Duration{10 * time.Minute, 30 * time.Minute, 19*time.Minute + 59*time.Second} {
		h.clock.Advance(step)
		if _, err := h.mgr.Verify(ctx, s.Token, VerifyOptions{}); err != nil {
			t.Fatalf("Verify after %s: %v", step, err)
		}
	}
	h.clock.Advance(2 * time.Second)
	_, err = h.mgr.Verify(ctx, s.Token, VerifyOptions{})
	wantStatus(t, err, apperror.KindAuthenticationRequired, apperror.StatusSessionInvalid)

	stored, _ := h.repo.GetByIDIncludingExpired(ctx, s.ID)
	if stored == nil || !stored.ExpiresAt.Equal(testEpoch.Add(time.Hour)) {
		t.Errorf("stored expiry = %+v, want unchanged", stored)
	}
}

func TestManager_VerifyUnresolvableSubject(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	gone := h.create(t, "deleted")
	_, err := h.mgr.Verify(ctx, gone.Token, VerifyOptions{})
	wantStatus(t, err, apperror.KindAuthenticationRequired, apperror.StatusSessionInvalid)

	svc, err := h.mgr.Create(ctx, CreateInput{Subject: domain.Subject{Type: "service_account", ID: "sa1"}})
	if err != nil {
		t.Fatal(err)
	}
	_, err = h.mgr.Verify(ctx, svc.Token, VerifyOptions{})
	wantStatus(t, err, apperror.KindAuthenticationRequired, apperror.StatusSessionInvalid)
}

func TestManager_VerifyRecordsActivity(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.UpdateAge = time.Minute }, nil)
	ctx := context.Background()
	s, err := h.mgr.Create(ctx, CreateInput{
		Subject: domain.Subject{Type: "user", ID: "u1"},
		Device:  &domain.DeviceInfo{Fingerprint: "fp1", IPAddress: "10.0.0.1"},
	})
	if err != nil {
		t.Fatal(err)
	}

	h.clock.Advance(30 * time.Second)
	if _, err := h.mgr.Verify(ctx, s.Token, VerifyOptions{Device: &domain.DeviceInfo{IPAddress: "10.0.0.2"}}); err != nil {
		t.Fatal(err)
	}
	got, _ := h.repo.GetByID(ctx, s.ID)
	if !got.LastSeenAt.Equal(testEpoch) {
		t.Errorf("LastSeenAt written inside UpdateAge: %v", got.LastSeenAt)
	}

	h.clock.Advance(time.Minute)
	if _, err := h.mgr.Verify(ctx, s.Token, VerifyOptions{Device: &domain.DeviceInfo{IPAddress: "10.0.0.2"}}); err != nil {
		t.Fatal(err)
	}
	got, _ = h.repo.GetByID(ctx, s.ID)
	if !got.LastSeenAt.Equal(h.clock.Now()) || got.IPAddress != "10.0.0.2" {
		t.Errorf("session after verify = %+v", got)
	}
	d, _ := h.repo.GetDevice(ctx, s.ID)
	if d.IPAddress != "10.0.0.2" || d.Fingerprint != "fp1" || !d.LastSeenAt.Equal(h.clock.Now()) {
		t.Errorf("device after verify = %+v", d)
	}
}

func TestManager_Rotate(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	s := h.create(t, "u1")

	rotated, err := h.mgr.Rotate(ctx, s.ID)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if rotated.ID != s.ID || rotated.Token == s.Token || rotated.RotationCount != 1 {
		t.Fatalf("rotated = %+v", rotated)
	}
	if _, err := h.mgr.Verify(ctx, s.Token, VerifyOptions{}); err == nil {
		t.Error("old token still verifies after rotation")
	}
	if _, err := h.mgr.Verify(ctx, rotated.Token, VerifyOptions{}); err != nil {
		t.Errorf("new token does not verify: %v", err)
	}

	again, err := h.mgr.Rotate(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if again.RotationCount != 2 {
		t.Errorf("RotationCount = %d, want 2", again.RotationCount)
	}
}

func TestManager_RotateMissingAndExpired(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	_, err := h.mgr.Rotate(ctx, "missing")
	wantStatus(t, err, apperror.KindNotFound, apperror.StatusSessionNotFound)

	s, err := h.mgr.Create(ctx, CreateInput{Subject: domain.Subject{Type: "user", ID: "u1"}, TTL: ttl(time.Minute)})
	if err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(2 * time.Minute)
	_, err = h.mgr.Rotate(ctx, s.ID)
	wantStatus(t, err, apperror.KindAuthenticationRequired, apperror.StatusSessionExpired)
}

func TestManager_RotateConcurrentOneWinner(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	s := h.create(t, "u1")

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []string
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := h.mgr.Rotate(ctx, s.ID)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, r.Token)
				return
			}
			if apperror.StatusOf(err) == apperror.StatusRotationConflict {
				conflicts++
			}
		}()
	}
	wg.Wait()

	if len(winners)+conflicts != workers {
		t.Fatalf("winners=%d conflicts=%d, want %d total", len(winners), conflicts, workers)
	}
	got, _ := h.repo.GetByID(ctx, s.ID)
	if got.RotationCount != len(winners) {
		t.Errorf("RotationCount = %d, winners = %d", got.RotationCount, len(winners))
	}
	valid := 0
	for _, tok := range append(winners, s.Token) {
		if _, err := h.mgr.Verify(ctx, tok, VerifyOptions{}); err == nil {
			valid++
		}
	}
	if valid != 1 {
		t.Errorf("%d tokens verify after concurrent rotation, want exactly 1", valid)
	}
}

func TestManager_LimitReject(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.MaxConcurrentSessions = 2
		c.OnLimit = engine.ActionReject
	}, nil)
	h.create(t, "u1")
	h.create(t, "u1")

	_, err := h.mgr.Create(context.Background(), CreateInput{Subject: domain.Subject{Type: "user", ID: "u1"}})
	wantStatus(t, err, apperror.KindConflict, apperror.StatusSessionLimitReached)

	h.create(t, "u2")
}

func TestManager_LimitEvictsOldest(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxConcurrentSessions = 2 }, nil)
	ctx := context.Background()

	first := h.create(t, "u1")
	h.clock.Advance(time.Second)
	second := h.create(t, "u1")
	h.clock.Advance(time.Second)
	third := h.create(t, "u1")

	list, err := h.mgr.List(ctx, "user", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != second.ID || list[1].ID != third.ID {
		t.Fatalf("sessions after eviction = %v", ids(list))
	}
	for _, s := range list {
		if s.Token != "" {
			t.Error("List must not expose tokens")
		}
	}
	if _, err := h.mgr.Verify(ctx, first.Token, VerifyOptions{}); err == nil {
		t.Error("evicted session still verifies")
	}
	evicted := 0
	for _, a := range h.audit.actions() {
		if a == audit.ActionSessionEvicted {
			evicted++
		}
	}
	if evicted != 1 {
		t.Errorf("evicted audit events = %d, want 1", evicted)
	}
}

func TestManager_LimitEvictsDownToLimit(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		h.create(t, "u1")
		h.clock.Advance(time.Second)
	}

	mgr, err := NewManager(Config{DefaultTTL: time.Hour, MaxConcurrentSessions: 2}, h.repo, h.mgr.Resolvers(), nil, nil, nil, h.clock)
	if err != nil {
		t.Fatal(err)
	}
	newest, err := mgr.Create(ctx, CreateInput{Subject: domain.Subject{Type: "user", ID: "u1"}})
	if err != nil {
		t.Fatal(err)
	}
	list, _ := mgr.List(ctx, "user", "u1")
	if len(list) != 2 || list[1].ID != newest.ID {
		t.Fatalf("sessions = %v", ids(list))
	}
}

func TestManager_AdmissionPolicyOverride(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.MaxConcurrentSessions = 1
		c.OnLimit = engine.ActionReject
	}, staticAdmission{action: engine.ActionAllow})
	h.create(t, "u1")
	h.create(t, "u1")

	n, _ := h.repo.CountForSubject(context.Background(), "user", "u1")
	if n != 2 {
		t.Errorf("count = %d, want 2 when the policy allows", n)
	}
}

func TestManager_Revoke(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	s := h.create(t, "u1")

	if err := h.mgr.Revoke(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := h.mgr.Verify(ctx, s.Token, VerifyOptions{}); err == nil {
		t.Error("revoked session verifies")
	}
	err := h.mgr.Revoke(ctx, s.ID)
	wantStatus(t, err, apperror.KindNotFound, apperror.StatusSessionNotFound)
}

func TestManager_RevokeAll(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	current := h.create(t, "u1")
	h.create(t, "u1")
	h.create(t, "u1")
	other := h.create(t, "u2")

	res, err := h.mgr.RevokeAll(ctx, "user", "u1", current.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Revoked != 2 || res.CurrentRevoked {
		t.Errorf("keep current: %+v", res)
	}
	if _, err := h.mgr.Verify(ctx, current.Token, VerifyOptions{}); err != nil {
		t.Errorf("kept session no longer verifies: %v", err)
	}

	res, err = h.mgr.RevokeAll(ctx, "user", "u1", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Revoked != 1 || !res.CurrentRevoked {
		t.Errorf("revoke everything: %+v", res)
	}
	if _, err := h.mgr.Verify(ctx, other.Token, VerifyOptions{}); err != nil {
		t.Errorf("other subject's session was revoked: %v", err)
	}
}

func TestManager_Metadata(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	s := h.create(t, "u1")

	if err := h.mgr.SetMetadata(ctx, s.ID, domain.Metadata{"a": "1", "b": "2"}); err != nil {
		t.Fatal(err)
	}
	if err := h.mgr.DeleteMetadata(ctx, s.ID, "a"); err != nil {
		t.Fatal(err)
	}
	md, err := h.mgr.GetMetadata(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(md) != 1 || md["b"] != "2" {
		t.Errorf("metadata = %v", md)
	}

	err = h.mgr.SetMetadata(ctx, "missing", domain.Metadata{"a": "1"})
	wantStatus(t, err, apperror.KindNotFound, apperror.StatusSessionNotFound)
}

func TestManager_TrustDevice(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	bare := h.create(t, "u1")
	_, err := h.mgr.TrustDevice(ctx, bare.ID)
	wantStatus(t, err, apperror.KindNotFound, apperror.StatusDeviceNotFound)

	s, err := h.mgr.Create(ctx, CreateInput{Subject: domain.Subject{Type: "user", ID: "u1"}, Device: &domain.DeviceInfo{Fingerprint: "fp"}})
	if err != nil {
		t.Fatal(err)
	}
	d, err := h.mgr.TrustDevice(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !d.IsTrusted {
		t.Error("device not trusted")
	}
	stored, _ := h.repo.GetDevice(ctx, s.ID)
	if !stored.IsTrusted {
		t.Error("trust not persisted")
	}
}

func TestManager_CreateRetriesTokenCollision(t *testing.T) {
	h := newHarness(t, nil, nil)
	first := h.create(t, "u1")

	tokens := []string{first.Token, "fresh-token"}
	h.mgr.newToken = func() (string, error) {
		tok := tokens[0]
		tokens = tokens[1:]
		return tok, nil
	}
	s := h.create(t, "u1")
	if s.Token != "fresh-token" {
		t.Errorf("Token = %q, want regenerated token", s.Token)
	}
}

type failingMetadataRepo struct {
	*repository.MemoryRepository
}

func (failingMetadataRepo) SetMetadata(context.Context, string, domain.Metadata) error {
	return errors.New("metadata store down")
}

func TestManager_CreateRollsBackOnChildFailure(t *testing.T) {
	clk := clock.Fake(testEpoch)
	mem := repository.NewMemoryRepository(clk)
	mgr, err := NewManager(DefaultConfig(), failingMetadataRepo{mem}, nil, nil, nil, nil, clk)
	if err != nil {
		t.Fatal(err)
	}
	_, err = mgr.Create(context.Background(), CreateInput{
		Subject:  domain.Subject{Type: "user", ID: "u1"},
		Metadata: domain.Metadata{"k": "v"},
	})
	wantStatus(t, err, apperror.KindInternal, apperror.StatusInternal)
	if n, _ := mem.CountForSubject(context.Background(), "user", "u1"); n != 0 {
		t.Errorf("session left behind after failed create: %d", n)
	}
}

func ids(list []*domain.Session) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.ID
	}
	return out
}
