package handler

import (
	"context"
	"errors"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/SOG-web/reauth-sub001/internal/server/interceptors"
	"github.com/SOG-web/reauth-sub001/internal/user/domain"
	userrepo "github.com/SOG-web/reauth-sub001/internal/user/repository"
)

type failingRepo struct {
	userrepo.Repository
}

func (failingRepo) GetByID(context.Context, string) (*domain.User, error) {
	return nil, errors.New("db down")
}

func seeded(t *testing.T) *userrepo.MemoryRepository {
	t.Helper()
	repo := userrepo.NewMemoryRepository()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	u := &domain.User{ID: "u1", Email: "ada@example.com", Name: "Ada", Status: domain.UserStatusActive, CreatedAt: now, UpdatedAt: now}
	if err := repo.Create(context.Background(), u); err != nil {
		t.Fatal(err)
	}
	return repo
}

func as(userID string) context.Context {
	return interceptors.WithIdentity(context.Background(), interceptors.Identity{SubjectType: domain.SubjectType, SubjectID: userID, SessionID: "s1"})
}

func TestNilRepo(t *testing.T) {
	srv := NewServer(nil)
	if _, err := srv.GetMe(as("u1"), &GetMeRequest{}); status.Code(err) != codes.Unimplemented {
		t.Errorf("code = %v", status.Code(err))
	}
}

func TestGetMe(t *testing.T) {
	srv := NewServer(seeded(t))

	if _, err := srv.GetMe(context.Background(), &GetMeRequest{}); status.Code(err) != codes.Unauthenticated {
		t.Errorf("anonymous code = %v", status.Code(err))
	}
	resp, err := srv.GetMe(as("u1"), &GetMeRequest{})
	if err != nil {
		t.Fatalf("GetMe: %v", err)
	}
	if resp.User.Email != "ada@example.com" || resp.User.Status != "active" {
		t.Errorf("user = %+v", resp.User)
	}
	if _, err := srv.GetMe(as("ghost"), &GetMeRequest{}); status.Code(err) != codes.NotFound {
		t.Errorf("missing user code = %v", status.Code(err))
	}
}

func TestGetUser(t *testing.T) {
	srv := NewServer(seeded(t))
	if _, err := srv.GetUser(as("u1"), &GetUserRequest{UserID: "  "}); status.Code(err) != codes.InvalidArgument {
		t.Errorf("blank id code = %v", status.Code(err))
	}
	if _, err := srv.GetUser(context.Background(), &GetUserRequest{UserID: "u1"}); status.Code(err) != codes.Unauthenticated {
		t.Errorf("anonymous code = %v", status.Code(err))
	}
	if _, err := NewServer(failingRepo{}).GetUser(as("u1"), &GetUserRequest{UserID: "u1"}); status.Code(err) != codes.Internal {
		t.Errorf("repo error code = %v", status.Code(err))
	}
}

func TestUpdateMe(t *testing.T) {
	repo := seeded(t)
	srv := NewServer(repo)
	if _, err := srv.UpdateMe(as("u1"), &UpdateMeRequest{Name: " "}); status.Code(err) != codes.InvalidArgument {
		t.Errorf("blank name code = %v", status.Code(err))
	}
	resp, err := srv.UpdateMe(as("u1"), &UpdateMeRequest{Name: "Ada Lovelace"})
	if err != nil {
		t.Fatalf("UpdateMe: %v", err)
	}
	if resp.User.Name != "Ada Lovelace" {
		t.Errorf("name = %q", resp.User.Name)
	}
	u, _ := repo.GetByID(context.Background(), "u1")
	if u.Name != "Ada Lovelace" {
		t.Errorf("stored name = %q", u.Name)
	}
}
