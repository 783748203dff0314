package api

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/t77yq/servermon/internal/auth"
	"github.com/t77yq/servermon/internal/model"
)

type createUserRequest struct {
	Email    string           `json:"email" validate:"required,email"`
	Password string           `json:"password" validate:"required"`
	Username string           `json:"username" validate:"max=50"`
	Role     model.Role       `json:"role" validate:"required,oneof=ADMIN OPERATOR VIEWER"`
	Status   model.UserStatus `json:"status" validate:"omitempty,oneof=ACTIVE INACTIVE"`
	model.Capabilities
}

// updateUserRequest has no email: a user's email is fixed at creation
type updateUserRequest struct {
	Username string           `json:"username" validate:"required,max=50"`
	Role     model.Role       `json:"role" validate:"required,oneof=ADMIN OPERATOR VIEWER"`
	Status   model.UserStatus `json:"status" validate:"required,oneof=ACTIVE INACTIVE"`
	model.Capabilities
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.cfg.Store.ListUsers(r.Context())
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	if users == nil {
		users = []*model.UserManagement{}
	}
	respondJSON(w, http.StatusOK, users)
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := a.decode(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	if req.Status == "" {
		req.Status = model.UserActive
	}

	user := &model.UserManagement{
		Username:     req.Username,
		Role:         req.Role,
		Status:       req.Status,
		Capabilities: req.Capabilities,
	}
	if err := a.cfg.Auth.Register(r.Context(), req.Email, req.Password, user); err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, user)
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := a.cfg.Store.GetUser(r.Context(), pathID(r))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, user)
}

func (a *API) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	user, err := a.cfg.Store.GetUser(r.Context(), pathID(r))
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	var req updateUserRequest
	if err := a.decode(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	user.Username = req.Username
	user.Role = req.Role
	user.Status = req.Status
	user.Capabilities = req.Capabilities

	if err := a.cfg.Store.UpdateUser(r.Context(), user); err != nil {
		a.respondError(w, r, err)
		return
	}

	a.logger.Info("User updated",
		zap.String("user_id", user.ID),
		zap.String("role", string(user.Role)),
		zap.String("status", string(user.Status)))
	respondJSON(w, http.StatusOK, user)
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	if id == auth.GetUserFromContext(r.Context()).ID {
		a.respondError(w, r, fmt.Errorf("%w: cannot delete your own account", ErrBadRequest))
		return
	}

	if err := a.cfg.Store.DeleteUser(r.Context(), id); err != nil {
		a.respondError(w, r, err)
		return
	}
	a.cfg.Sessions.Clear(id)

	a.logger.Info("User deleted", zap.String("user_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	temp, err := a.cfg.Auth.ResetPassword(r.Context(), pathID(r))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"temporary_password": temp})
}
