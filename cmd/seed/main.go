// seed inserts development users for local testing and links a GitHub
// profile to the first one. Idempotent: existing users and profiles are skipped.
package main

import (
	"context"
	"log"
	"time"

	"github.com/spf13/pflag"

	"github.com/SOG-web/reauth-sub001/internal/config"
	"github.com/SOG-web/reauth-sub001/internal/db"
	identityrepo "github.com/SOG-web/reauth-sub001/internal/identity/repository"
	identityservice "github.com/SOG-web/reauth-sub001/internal/identity/service"
	oauthdomain "github.com/SOG-web/reauth-sub001/internal/oauth/domain"
	oauthrepo "github.com/SOG-web/reauth-sub001/internal/oauth/repository"
	"github.com/SOG-web/reauth-sub001/internal/security"
	userrepo "github.com/SOG-web/reauth-sub001/internal/user/repository"
)

type seedUser struct {
	email string
	name  string
	// githubID, when set, links a development GitHub profile.
	githubID string
}

var devUsers = []seedUser{
	{email: "dev@example.com", name: "Dev User", githubID: "1000001"},
	{email: "member@example.com", name: "Member User"},
}

func main() {
	password := pflag.String("password", "Dev-Password-123", "password for every seeded user")
	pflag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	users := userrepo.NewPostgresRepository(conn)
	auth := identityservice.NewAuthService(users, identityrepo.NewPostgresRepository(conn), nil, security.NewHasher(cfg.BcryptCost), nil)
	profiles := oauthrepo.NewPostgresRepository(conn)
	ctx := context.Background()

	for _, u := range devUsers {
		existing, err := users.GetByEmail(ctx, u.email)
		if err != nil {
			log.Fatalf("seed check %s: %v", u.email, err)
		}
		var userID string
		if existing != nil {
			log.Printf("%s exists. Skipping.", u.email)
			userID = existing.ID
		} else {
			res, err := auth.Register(ctx, u.email, *password, u.name)
			if err != nil {
				log.Fatalf("create %s: %v", u.email, err)
			}
			log.Printf("created %s (%s)", u.email, res.UserID)
			userID = res.UserID
		}
		if u.githubID != "" {
			linkProfile(ctx, profiles, userID, u)
		}
	}
	log.Println("Seed complete.")
}

func linkProfile(ctx context.Context, profiles *oauthrepo.PostgresRepository, userID string, u seedUser) {
	p, err := profiles.GetProfile(ctx, "github", u.githubID)
	if err != nil {
		log.Fatalf("profile check %s: %v", u.email, err)
	}
	if p != nil {
		log.Printf("github profile for %s exists. Skipping.", u.email)
		return
	}
	now := time.Now().UTC()
	err = profiles.UpsertProfile(ctx, &oauthdomain.Profile{
		Provider:       "github",
		ProviderUserID: u.githubID,
		SubjectID:      userID,
		Email:          u.email,
		Name:           u.name,
		Raw:            map[string]any{"login": "dev"},
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		log.Fatalf("link github profile %s: %v", u.email, err)
	}
	log.Printf("linked github profile %s to %s", u.githubID, u.email)
}
