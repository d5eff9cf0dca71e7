package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/SOG-web/reauth-sub001/internal/oauth/domain"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestMemoryRepository_Profiles(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	p := &domain.Profile{Provider: "github", ProviderUserID: "42", SubjectID: "u1", Raw: map[string]any{"login": "ada"}, CreatedAt: testEpoch, UpdatedAt: testEpoch}
	if err := repo.UpsertProfile(ctx, p); err != nil {
		t.Fatal(err)
	}
	p.Raw["login"] = "mutated"
	got, _ := repo.GetProfile(ctx, "github", "42")
	if got == nil || got.Raw["login"] != "ada" {
		t.Fatalf("stored profile shares caller's map: %+v", got)
	}

	later := testEpoch.Add(time.Hour)
	if err := repo.UpsertProfile(ctx, &domain.Profile{Provider: "github", ProviderUserID: "42", SubjectID: "u1", CreatedAt: later, UpdatedAt: later}); err != nil {
		t.Fatal(err)
	}
	got, _ = repo.GetProfileBySubject(ctx, "u1", "github")
	if !got.CreatedAt.Equal(testEpoch) || !got.UpdatedAt.Equal(later) {
		t.Errorf("upsert timestamps = %v / %v", got.CreatedAt, got.UpdatedAt)
	}

	err := repo.UpsertProfile(ctx, &domain.Profile{Provider: "github", ProviderUserID: "43", SubjectID: "u1"})
	if !errors.Is(err, ErrProfileConflict) {
		t.Errorf("second github account for u1: err = %v", err)
	}

	err = repo.UpsertProfile(ctx, &domain.Profile{Provider: "github", ProviderUserID: "42", SubjectID: "u2"})
	if !errors.Is(err, ErrAccountOwned) {
		t.Errorf("relinking u1's account to u2: err = %v", err)
	}
	if got, _ := repo.GetProfile(ctx, "github", "42"); got == nil || got.SubjectID != "u1" {
		t.Errorf("owner after rejected upsert = %+v, want u1", got)
	}

	_ = repo.UpsertProfile(ctx, &domain.Profile{Provider: "google", ProviderUserID: "g1", SubjectID: "u1"})
	list, _ := repo.ListProfilesBySubject(ctx, "u1")
	if len(list) != 2 || list[0].Provider != "github" || list[1].Provider != "google" {
		t.Errorf("list = %+v", list)
	}

	ok, _ := repo.DeleteProfile(ctx, "github", "42")
	if !ok {
		t.Error("DeleteProfile reported nothing deleted")
	}
	if got, _ := repo.GetProfile(ctx, "github", "42"); got != nil {
		t.Error("profile still present")
	}
}

func TestMemoryRepository_CleanupExpiredTokens(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	at := func(d time.Duration) *time.Time { v := testEpoch.Add(d); return &v }

	_ = repo.UpsertToken(ctx, &domain.Token{SubjectID: "u1", Provider: "a", AccessTokenHash: "h", ExpiresAt: at(-3 * time.Hour)})
	_ = repo.UpsertToken(ctx, &domain.Token{SubjectID: "u2", Provider: "a", AccessTokenHash: "h", ExpiresAt: at(-2 * time.Hour)})
	_ = repo.UpsertToken(ctx, &domain.Token{SubjectID: "u3", Provider: "a", AccessTokenHash: "h", RefreshTokenHash: "r", ExpiresAt: at(-3 * time.Hour)})
	_ = repo.UpsertToken(ctx, &domain.Token{SubjectID: "u4", Provider: "a", AccessTokenHash: "h", ExpiresAt: at(time.Hour)})
	_ = repo.UpsertToken(ctx, &domain.Token{SubjectID: "u5", Provider: "a", AccessTokenHash: "h"})

	n, err := repo.CleanupExpiredTokens(ctx, testEpoch, 1)
	if err != nil || n != 1 {
		t.Fatalf("first batch = %d, %v", n, err)
	}
	if tok, _ := repo.GetToken(ctx, "u1", "a"); tok != nil {
		t.Error("oldest expired token should go first")
	}
	n, _ = repo.CleanupExpiredTokens(ctx, testEpoch, 10)
	if n != 1 {
		t.Errorf("second batch = %d, want 1", n)
	}
	n, _ = repo.CleanupExpiredTokens(ctx, testEpoch, 10)
	if n != 0 {
		t.Errorf("third batch = %d, want 0", n)
	}
	for _, s := range []string{"u3", "u4", "u5"} {
		if tok, _ := repo.GetToken(ctx, s, "a"); tok == nil {
			t.Errorf("token for %s should be kept", s)
		}
	}
}
