// Package service implements local password credentials: registration,
// password sign-in and the credential check used before unlinking providers.
package service

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/SOG-web/reauth-sub001/internal/apperror"
	"github.com/SOG-web/reauth-sub001/internal/clock"
	identitydomain "github.com/SOG-web/reauth-sub001/internal/identity/domain"
	identityrepo "github.com/SOG-web/reauth-sub001/internal/identity/repository"
	"github.com/SOG-web/reauth-sub001/internal/security"
	sessiondomain "github.com/SOG-web/reauth-sub001/internal/session/domain"
	sessionservice "github.com/SOG-web/reauth-sub001/internal/session/service"
	userdomain "github.com/SOG-web/reauth-sub001/internal/user/domain"
	userrepo "github.com/SOG-web/reauth-sub001/internal/user/repository"
)

const minPasswordLength = 12

var simpleEmail = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// AuthResult holds the outcome of Register (UserID only) or Login (session included).
type AuthResult struct {
	UserID  string
	Session *sessiondomain.Session
}

// LoginInput is a password sign-in request.
type LoginInput struct {
	Email    string
	Password string
	Device   *sessiondomain.DeviceInfo
}

// UserRepo is the minimal user repository needed by the auth service.
type UserRepo interface {
	GetByEmail(ctx context.Context, email string) (*userdomain.User, error)
	Create(ctx context.Context, u *userdomain.User) error
	Delete(ctx context.Context, id string) error
}

// SessionIssuer is the part of the session manager the auth service uses.
type SessionIssuer interface {
	Create(ctx context.Context, in sessionservice.CreateInput) (*sessiondomain.Session, error)
	Revoke(ctx context.Context, sessionID string) error
}

// AuthService implements password-only register, login and logout.
type AuthService struct {
	userRepo     UserRepo
	identityRepo identityrepo.Repository
	sessions     SessionIssuer
	hasher       *security.Hasher
	clock        clock.Clock
}

// NewAuthService returns an AuthService with the given dependencies.
func NewAuthService(
	userRepo UserRepo,
	identityRepo identityrepo.Repository,
	sessions SessionIssuer,
	hasher *security.Hasher,
	clk clock.Clock,
) *AuthService {
	return &AuthService{
		userRepo:     userRepo,
		identityRepo: identityRepo,
		sessions:     sessions,
		hasher:       hasher,
		clock:        clock.OrReal(clk),
	}
}

func invalidCredentials() error {
	return apperror.AuthenticationRequired(apperror.StatusInvalidCredentials, "invalid email or password")
}

// Register creates a user and local identity with the given email and password.
// Returns AuthResult with UserID only; the caller signs in with Login.
func (s *AuthService) Register(ctx context.Context, email, password, name string) (*AuthResult, error) {
	email = userdomain.NormalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return nil, apperror.Validation(apperror.StatusInvalidInput, err.Error())
	}
	if err := validatePassword(password); err != nil {
		return nil, apperror.Validation(apperror.StatusInvalidInput, err.Error())
	}
	existing, err := s.userRepo.GetByEmail(ctx, email)
	if err != nil {
		return nil, apperror.Internal("failed to register", err)
	}
	if existing != nil {
		return nil, apperror.Conflict(apperror.StatusEmailInUse, "email already registered")
	}
	hashed, err := s.hasher.Hash([]byte(password))
	if err != nil {
		return nil, apperror.Internal("failed to register", err)
	}
	now := s.clock.Now()
	user := &userdomain.User{
		ID:        security.NewID(),
		Email:     email,
		Name:      strings.TrimSpace(name),
		Status:    userdomain.UserStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := user.Validate(); err != nil {
		return nil, apperror.Validation(apperror.StatusInvalidInput, err.Error())
	}
	identity := &identitydomain.Identity{
		ID:           security.NewID(),
		UserID:       user.ID,
		Provider:     identitydomain.IdentityProviderLocal,
		ProviderID:   email,
		PasswordHash: hashed,
		CreatedAt:    now,
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		if errors.Is(err, userrepo.ErrEmailTaken) {
			return nil, apperror.Conflict(apperror.StatusEmailInUse, "email already registered")
		}
		return nil, apperror.Internal("failed to register", err)
	}
	if err := s.identityRepo.Create(ctx, identity); err != nil {
		_ = s.userRepo.Delete(ctx, user.ID)
		if errors.Is(err, identityrepo.ErrIdentityExists) {
			return nil, apperror.Conflict(apperror.StatusEmailInUse, "email already registered")
		}
		return nil, apperror.Internal("failed to register", err)
	}
	return &AuthResult{UserID: user.ID}, nil
}

// Login authenticates with email and password and creates a session.
func (s *AuthService) Login(ctx context.Context, in LoginInput) (*AuthResult, error) {
	email := userdomain.NormalizeEmail(in.Email)
	if email == "" || in.Password == "" {
		return nil, invalidCredentials()
	}
	user, err := s.userRepo.GetByEmail(ctx, email)
	if err != nil {
		return nil, apperror.Internal("failed to sign in", err)
	}
	if user == nil || !user.Active() {
		return nil, invalidCredentials()
	}
	ident, err := s.identityRepo.GetByUserAndProvider(ctx, user.ID, identitydomain.IdentityProviderLocal)
	if err != nil {
		return nil, apperror.Internal("failed to sign in", err)
	}
	if ident == nil || ident.PasswordHash == "" {
		return nil, invalidCredentials()
	}
	if err := s.hasher.Compare(ident.PasswordHash, []byte(in.Password)); err != nil {
		return nil, invalidCredentials()
	}
	sess, err := s.sessions.Create(ctx, sessionservice.CreateInput{
		Subject:  sessiondomain.Subject{Type: userdomain.SubjectType, ID: user.ID},
		Device:   in.Device,
		Metadata: sessiondomain.Metadata{"auth_method": string(identitydomain.IdentityProviderLocal)},
	})
	if err != nil {
		return nil, err
	}
	return &AuthResult{UserID: user.ID, Session: sess}, nil
}

// Logout revokes sessionID. An empty id is a no-op.
func (s *AuthService) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	return s.sessions.Revoke(ctx, sessionID)
}

// HasLocalCredential reports whether the subject can sign in with a password.
func (s *AuthService) HasLocalCredential(ctx context.Context, subjectID string) (bool, error) {
	ident, err := s.identityRepo.GetByUserAndProvider(ctx, subjectID, identitydomain.IdentityProviderLocal)
	if err != nil {
		return false, err
	}
	return ident != nil && ident.PasswordHash != "", nil
}

func validateEmail(email string) error {
	if email == "" {
		return errors.New("email is required")
	}
	if !simpleEmail.MatchString(email) {
		return errors.New("invalid email format")
	}
	return nil
}

func validatePassword(password string) error {
	if len(password) < minPasswordLength {
		return errors.New("password must be at least 12 characters")
	}
	var hasUpper, hasLower, hasNumber, hasSymbol bool
	for _, r := range password {
		switch {
		case r >= 'A' && r <= 'Z':
			hasUpper = true
		case r >= 'a' && r <= 'z':
			hasLower = true
		case r >= '0' && r <= '9':
			hasNumber = true
		default:
			hasSymbol = true
		}
	}
	if !hasUpper {
		return errors.New("password must contain at least one uppercase letter")
	}
	if !hasLower {
		return errors.New("password must contain at least one lowercase letter")
	}
	if !hasNumber {
		return errors.New("password must contain at least one number")
	}
	if !hasSymbol {
		return errors.New("password must contain at least one symbol")
	}
	return nil
}
