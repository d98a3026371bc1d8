package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/designconnect/internal/users"
)

var (
	// ErrInvalidCredentials is returned when login credentials are invalid.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidEmail is returned when email format is invalid.
	ErrInvalidEmail = errors.New("invalid email format")
	// ErrNameRequired is returned when registering without a display name.
	ErrNameRequired = errors.New("name is required")
	// ErrWeakPassword is returned when password is too short.
	ErrWeakPassword = errors.New("password must be at least 8 characters")
	// ErrPasswordTooLong is returned when password exceeds bcrypt's 72-byte limit.
	ErrPasswordTooLong = errors.New("password must be at most 72 characters")
)

// RegisterInput is the data accepted at sign-up.
type RegisterInput struct {
	Name     string
	Email    string
	Phone    string
	Password string
}

// LoginResult is returned on a successful login.
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	User      *users.User
}

// Service implements registration, login and token verification.
type Service struct {
	store  users.Store
	hasher *PasswordHasher
	jwt    *JWTManager
	logger zerolog.Logger
}

// NewService creates a Service.
func NewService(store users.Store, hasher *PasswordHasher, jwt *JWTManager, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		hasher: hasher,
		jwt:    jwt,
		logger: logger,
	}
}

// Register creates a new account with the default role.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*users.User, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, ErrNameRequired
	}
	if _, err := mail.ParseAddress(in.Email); err != nil {
		return nil, ErrInvalidEmail
	}
	if len(in.Password) < 8 {
		return nil, ErrWeakPassword
	}
	if len(in.Password) > 72 {
		return nil, ErrPasswordTooLong
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &users.User{
		ID:           uuid.NewString(),
		Name:         name,
		Email:        users.NormalizeEmail(in.Email),
		Phone:        strings.TrimSpace(in.Phone),
		PasswordHash: hash,
		Role:         users.RoleUser,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	s.logger.Info().Str("user_id", user.ID).Msg("user registered")
	return user, nil
}

// Login checks credentials and issues a session token.
func (s *Service) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	user, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	if !s.hasher.Verify(password, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	token, expiresAt, err := s.jwt.Generate(user.ID, user.Email, user.Name, user.Role)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &LoginResult{Token: token, ExpiresAt: expiresAt, User: user}, nil
}

// Profile loads the stored account behind an identity. An account removed
// since the token was issued matches ErrUnauthorized.
func (s *Service) Profile(ctx context.Context, id Identity) (*users.User, error) {
	if id.Anonymous() {
		return nil, ErrUnauthorized
	}
	user, err := s.store.FindByID(ctx, id.ID)
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	return user, nil
}

// Verify resolves token into an Identity. Every failure matches ErrUnauthorized;
// expired tokens additionally match ErrExpiredToken.
func (s *Service) Verify(_ context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrUnauthorized
	}
	claims, err := s.jwt.Validate(token)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	return Identity{ID: claims.Subject, Name: claims.Name, Role: claims.Role}, nil
}
