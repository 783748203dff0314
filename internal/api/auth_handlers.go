package api

import (
	"net/http"

	"github.com/t77yq/servermon/internal/auth"
)

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type signUpRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	Username string `json:"username" validate:"max=50"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := a.decode(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}

	session, err := a.cfg.Auth.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, session)
}

func (a *API) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if err := a.decode(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}

	user, err := a.cfg.Auth.SignUp(r.Context(), req.Email, req.Password, req.Username)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, user)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := a.decode(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}

	session, err := a.cfg.Auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, session)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, auth.GetUserFromContext(r.Context()))
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := a.decode(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}

	user := auth.GetUserFromContext(r.Context())
	if err := a.cfg.Auth.ChangePassword(r.Context(), user.AuthUserID, req.CurrentPassword, req.NewPassword); err != nil {
		a.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
