package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/Tyrowin/designconnect/internal/users"
)

func newTestService(t *testing.T) (*Service, *JWTManager) {
	t.Helper()
	jwtManager := NewJWTManager(testJWTConfig())
	svc := NewService(users.NewMemoryStore(), NewPasswordHasher(bcrypt.MinCost), jwtManager, zerolog.Nop())
	return svc, jwtManager
}

func TestPasswordHasher(t *testing.T) {
	h := NewPasswordHasher(bcrypt.MinCost)

	hash, err := h.Hash("correct horse")
	require.NoError(t, err)
	assert.NotEqual(t, "correct horse", hash)
	assert.True(t, h.Verify("correct horse", hash))
	assert.False(t, h.Verify("battery staple", hash))
	assert.False(t, h.Verify("correct horse", "not-a-hash"))
}

func TestNewPasswordHasherClampsCost(t *testing.T) {
	assert.Equal(t, DefaultBcryptCost, NewPasswordHasher(0).cost)
	assert.Equal(t, DefaultBcryptCost, NewPasswordHasher(99).cost)
}

func TestServiceRegisterValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   RegisterInput
		want error
	}{
		{"missing name", RegisterInput{Email: "a@example.com", Password: "longenough"}, ErrNameRequired},
		{"bad email", RegisterInput{Name: "A", Email: "nope", Password: "longenough"}, ErrInvalidEmail},
		{"short password", RegisterInput{Name: "A", Email: "a@example.com", Password: "short"}, ErrWeakPassword},
		{"long password", RegisterInput{Name: "A", Email: "a@example.com", Password: string(make([]byte, 73))}, ErrPasswordTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(ctx, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestServiceRegisterLoginVerify(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, RegisterInput{Name: " Alice ", Email: "Alice@Example.com", Password: "password123"})
	require.NoError(t, err)
	assert.Equal(t, "Alice", user.Name)
	assert.Equal(t, "alice@example.com", user.Email)
	assert.Equal(t, users.RoleUser, user.Role)

	_, err = svc.Register(ctx, RegisterInput{Name: "Again", Email: "alice@example.com", Password: "password123"})
	assert.ErrorIs(t, err, users.ErrEmailTaken)

	_, err = svc.Login(ctx, "alice@example.com", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Login(ctx, "bob@example.com", "password123")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	res, err := svc.Login(ctx, "ALICE@example.com", "password123")
	require.NoError(t, err)
	require.NotEmpty(t, res.Token)
	assert.Equal(t, user.ID, res.User.ID)

	id, err := svc.Verify(ctx, res.Token)
	require.NoError(t, err)
	assert.Equal(t, Identity{ID: user.ID, Name: "Alice", Role: users.RoleUser}, id)
	assert.False(t, id.Anonymous())
}

func TestServiceProfile(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, RegisterInput{Name: "Alice", Email: "alice@example.com", Phone: "0812345678", Password: "password123"})
	require.NoError(t, err)

	got, err := svc.Profile(ctx, Identity{ID: user.ID, Name: "Alice", Role: users.RoleUser})
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", got.Email)
	assert.Equal(t, "0812345678", got.Phone)

	_, err = svc.Profile(ctx, Identity{ID: "u-gone", Name: "Gone", Role: users.RoleUser})
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.ErrorIs(t, err, users.ErrNotFound)

	_, err = svc.Profile(ctx, Identity{})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestServiceVerifyFailuresAreUnauthorized(t *testing.T) {
	svc, jwtManager := newTestService(t)
	ctx := context.Background()

	_, err := svc.Verify(ctx, "")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = svc.Verify(ctx, "garbage")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.ErrorIs(t, err, ErrInvalidToken)

	jwtManager.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expired, _, err := jwtManager.Generate("u1", "e@example.com", "E", "user")
	require.NoError(t, err)
	jwtManager.now = time.Now

	id, err := svc.Verify(ctx, expired)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.ErrorIs(t, err, ErrExpiredToken)
	assert.True(t, id.Anonymous())
}

func TestIdentityDisplayName(t *testing.T) {
	assert.Equal(t, AnonymousName, Identity{}.DisplayName())
	assert.Equal(t, "Alice", Identity{ID: "1", Name: "Alice"}.DisplayName())
	assert.Equal(t, "1", Identity{ID: "1"}.DisplayName())
}

func TestRequireAuthMiddleware(t *testing.T) {
	svc, jwtManager := newTestService(t)
	token, _, err := jwtManager.Generate("u1", "e@example.com", "Eve", "admin")
	require.NoError(t, err)

	var seen Identity
	handler := RequireAuth(svc)(RequireRole(users.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = IdentityFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"valid admin", "bearer " + token, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
	assert.Equal(t, "u1", seen.ID)

	userToken, _, err := jwtManager.Generate("u2", "f@example.com", "Fay", users.RoleUser)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+userToken)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
