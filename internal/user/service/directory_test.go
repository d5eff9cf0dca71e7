package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/SOG-web/reauth-sub001/internal/clock"
	sessiondomain "github.com/SOG-web/reauth-sub001/internal/session/domain"
	sessionservice "github.com/SOG-web/reauth-sub001/internal/session/service"
	"github.com/SOG-web/reauth-sub001/internal/user/domain"
	userrepo "github.com/SOG-web/reauth-sub001/internal/user/repository"
)

var _ sessionservice.Resolver = (*Directory)(nil)

func TestDirectory_CreateAndResolve(t *testing.T) {
	ctx := context.Background()
	repo := userrepo.NewMemoryRepository()
	dir := NewDirectory(repo, clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))

	s, err := dir.CreateSubject(ctx, " Ada@Example.com ", "Ada")
	if err != nil {
		t.Fatal(err)
	}
	if s.Type != domain.SubjectType || s.Attributes["email"] != "ada@example.com" {
		t.Fatalf("subject = %+v", s)
	}
	got, err := dir.GetByID(ctx, s.ID)
	if err != nil || got == nil || got.ID != s.ID {
		t.Fatalf("GetByID = %+v, %v", got, err)
	}

	if _, err := dir.CreateSubject(ctx, "ada@example.com", "Other"); !errors.Is(err, userrepo.ErrEmailTaken) {
		t.Errorf("duplicate email err = %v", err)
	}
	if _, err := dir.CreateSubject(ctx, "", "No Email"); err != nil {
		t.Errorf("subject without email: %v", err)
	}

	if err := dir.DeleteSubject(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	if got, _ := dir.GetByID(ctx, s.ID); got != nil {
		t.Error("deleted user still resolves")
	}
}

func TestDirectory_DisabledUserDoesNotResolve(t *testing.T) {
	ctx := context.Background()
	repo := userrepo.NewMemoryRepository()
	_ = repo.Create(ctx, &domain.User{ID: "u1", Email: "a@example.com", Status: domain.UserStatusDisabled})

	got, err := NewDirectory(repo, nil).GetByID(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("disabled user resolved: %+v", got)
	}
}

func TestSanitize(t *testing.T) {
	in := &sessiondomain.Subject{Type: "user", ID: "u1", Attributes: map[string]any{
		"email": "a@example.com", "password_hash": "x", "access_token": "y",
	}}
	out := Sanitize(in)
	if _, ok := out.Attributes["password_hash"]; ok {
		t.Error("password_hash kept")
	}
	if _, ok := out.Attributes["access_token"]; ok {
		t.Error("access_token kept")
	}
	if out.Attributes["email"] != "a@example.com" {
		t.Error("email dropped")
	}
	if _, ok := in.Attributes["password_hash"]; !ok {
		t.Error("Sanitize mutated its input")
	}
	if Sanitize(nil) != nil {
		t.Error("Sanitize(nil) should be nil")
	}
}

func TestDirectory_ResolveByEmail(t *testing.T) {
	ctx := context.Background()
	repo := userrepo.NewMemoryRepository()
	dir := NewDirectory(repo, clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))

	if _, err := dir.ResolveByEmail(ctx, "  ", "x"); !errors.Is(err, ErrNoEmail) {
		t.Errorf("empty email err = %v", err)
	}
	first, err := dir.ResolveByEmail(ctx, "Grace@Corp.example", "Grace")
	if err != nil || first == nil {
		t.Fatalf("ResolveByEmail = %v, %v", first, err)
	}
	again, err := dir.ResolveByEmail(ctx, "grace@corp.example", "")
	if err != nil || again.ID != first.ID {
		t.Fatalf("second resolve = %+v, %v; want same subject", again, err)
	}

	u, _ := repo.GetByID(ctx, first.ID)
	u.Status = domain.UserStatusDisabled
	_ = repo.Update(ctx, u)
	if s, err := dir.ResolveByEmail(ctx, "grace@corp.example", ""); err != nil || s != nil {
		t.Errorf("disabled user resolve = %v, %v", s, err)
	}
}
