package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/t77yq/servermon/internal/model"
	"github.com/t77yq/servermon/internal/storage"
)

type contextKey string

const (
	UserContextKey   contextKey = "user"
	ClaimsContextKey contextKey = "claims"
)

// Middleware guards API routes with access tokens
type Middleware struct {
	logger  *zap.Logger
	service *Service
	users   storage.UserStore
}

// NewMiddleware creates a new auth middleware
func NewMiddleware(logger *zap.Logger, service *Service, users storage.UserStore) *Middleware {
	return &Middleware{
		logger:  logger.Named("auth-middleware"),
		service: service,
		users:   users,
	}
}

// RequireAuth checks the Bearer token and loads the current user into the request context
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			// EventSource cannot set headers
			token = r.URL.Query().Get("access_token")
		}
		if token == "" {
			respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			return
		}

		claims, err := m.service.Validate(token)
		if err != nil {
			if errors.Is(err, ErrTokenExpired) {
				RespondExpired(w)
				return
			}
			respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			return
		}

		user, err := m.users.GetUser(r.Context(), claims.UserID)
		if err != nil || user.Status != model.UserActive {
			m.logger.Debug("Rejected token for missing or inactive user",
				zap.String("user_id", claims.UserID))
			respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, user)
		ctx = context.WithValue(ctx, ClaimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole allows only users with one of the given roles
func (m *Middleware) RequireRole(roles ...model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := GetUserFromContext(r.Context())
			if user == nil {
				respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
				return
			}
			for _, role := range roles {
				if user.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			m.logger.Info("Role denied",
				zap.String("user_id", user.ID),
				zap.String("role", string(user.Role)),
				zap.String("path", r.URL.Path))
			respondJSON(w, http.StatusForbidden, map[string]string{"error": "Forbidden"})
		})
	}
}

// RequireCapability allows users holding the capability flag. Admins pass every check.
func (m *Middleware) RequireCapability(c model.Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := GetUserFromContext(r.Context())
			if user == nil {
				respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
				return
			}
			if !user.Has(c) {
				m.logger.Info("Capability denied",
					zap.String("user_id", user.ID),
					zap.String("capability", string(c)),
					zap.String("path", r.URL.Path))
				respondJSON(w, http.StatusForbidden, map[string]string{
					"error":      "Forbidden",
					"capability": string(c),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetUserFromContext returns the signed-in user, or nil
func GetUserFromContext(ctx context.Context) *model.UserManagement {
	user, ok := ctx.Value(UserContextKey).(*model.UserManagement)
	if !ok {
		return nil
	}
	return user
}

// GetClaimsFromContext returns the validated token claims, or nil
func GetClaimsFromContext(ctx context.Context) *Claims {
	claims, ok := ctx.Value(ClaimsContextKey).(*Claims)
	if !ok {
		return nil
	}
	return claims
}

// RespondExpired writes the session-expired response that sends the client back to sign-in
func RespondExpired(w http.ResponseWriter) {
	respondJSON(w, http.StatusUnauthorized, map[string]string{
		"error":    "session expired",
		"redirect": "/login",
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
