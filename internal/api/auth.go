package api

import (
	"errors"
	"net/http"

	"github.com/Tyrowin/designconnect/internal/auth"
	"github.com/Tyrowin/designconnect/internal/users"
)

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone,omitempty"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userView struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Register handles POST /api/auth/register.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	user, err := h.auth.Register(r.Context(), auth.RegisterInput{
		Name:     req.Name,
		Email:    req.Email,
		Phone:    req.Phone,
		Password: req.Password,
	})
	switch {
	case err == nil:
	case errors.Is(err, users.ErrEmailTaken):
		h.Error(w, http.StatusConflict, "email already registered")
		return
	case errors.Is(err, auth.ErrNameRequired),
		errors.Is(err, auth.ErrInvalidEmail),
		errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, auth.ErrPasswordTooLong):
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	default:
		h.logger.Error().Err(err).Msg("registration failed")
		h.Error(w, http.StatusInternalServerError, "registration failed")
		return
	}

	h.JSON(w, http.StatusCreated, map[string]string{
		"message": "User registered successfully",
		"userId":  user.ID,
	})
}

// Login handles POST /api/auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := h.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			h.Error(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		h.logger.Error().Err(err).Msg("login failed")
		h.Error(w, http.StatusInternalServerError, "login failed")
		return
	}

	h.JSON(w, http.StatusOK, map[string]any{
		"token":     res.Token,
		"expiresAt": res.ExpiresAt.UTC(),
		"user": userView{
			ID:    res.User.ID,
			Name:  res.User.Name,
			Email: res.User.Email,
			Role:  res.User.Role,
		},
	})
}

// Me handles GET /api/auth/me. RequireAuth has already resolved the identity;
// the profile is read back from the store.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	user, err := h.auth.Profile(r.Context(), auth.IdentityFrom(r.Context()))
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			h.Error(w, http.StatusUnauthorized, "account not found")
			return
		}
		h.logger.Error().Err(err).Msg("profile lookup failed")
		h.Error(w, http.StatusInternalServerError, "profile lookup failed")
		return
	}

	h.JSON(w, http.StatusOK, map[string]userView{"user": {
		ID:    user.ID,
		Name:  user.Name,
		Email: user.Email,
		Role:  user.Role,
	}})
}
