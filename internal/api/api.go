package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/t77yq/servermon/internal/agent"
	"github.com/t77yq/servermon/internal/auth"
	"github.com/t77yq/servermon/internal/model"
	"github.com/t77yq/servermon/internal/monitor"
	"github.com/t77yq/servermon/internal/report"
	"github.com/t77yq/servermon/internal/storage"
)

const maxBodyBytes = 1 << 20

var (
	// ErrBadRequest marks malformed or invalid input
	ErrBadRequest = errors.New("bad request")

	// ErrAgentUnavailable marks a failed call to a server's agent
	ErrAgentUnavailable = errors.New("agent unavailable")
)

// AgentClient is the part of the agent client the API uses
type AgentClient interface {
	CurrentData(ctx context.Context, server *model.ServerDetails) (*model.Snapshot, error)
	Range(ctx context.Context, server *model.ServerDetails, start, end time.Time) (*model.RangeResponse, error)
	Services(ctx context.Context, server *model.ServerDetails) ([]model.ServiceStatus, error)
	Health(ctx context.Context, server *model.ServerDetails) model.HealthStatus
}

var _ AgentClient = (*agent.Client)(nil)

// LiveView is what the poller knows about servers
type LiveView interface {
	Refresh(ctx context.Context, serverID string) (*model.Snapshot, error)
	Latest(serverID string) (monitor.Status, bool)
	History(serverID string) []model.Snapshot
}

// JobLister lists registered cron jobs
type JobLister interface {
	Jobs() []model.ScheduledJob
}

// Config wires the API to the rest of the dashboard
type Config struct {
	Store    storage.Store
	Agent    AgentClient
	Auth     *auth.Service
	Sessions *auth.SessionStore
	Limiter  *auth.RateLimiter
	Live     LiveView
	Events   http.Handler
	Reports  *report.Builder
	Jobs     JobLister
}

// API handles HTTP requests
type API struct {
	logger     *zap.Logger
	router     *mux.Router
	validate   *validator.Validate
	middleware *auth.Middleware
	cfg        Config
}

// New creates a new API instance
func New(logger *zap.Logger, cfg Config) *API {
	if cfg.Sessions == nil {
		cfg.Sessions = auth.NewSessionStore()
	}
	if cfg.Reports == nil {
		cfg.Reports = report.NewBuilder(0)
	}

	a := &API{
		logger:     logger.Named("api"),
		router:     mux.NewRouter(),
		validate:   validator.New(),
		middleware: auth.NewMiddleware(logger, cfg.Auth, cfg.Store),
		cfg:        cfg,
	}
	a.setupRoutes()
	return a
}

// setupRoutes sets up all HTTP routes
func (a *API) setupRoutes() {
	a.router.HandleFunc("/healthz", a.handleHealthz).Methods(http.MethodGet)

	// Public routes, throttled per client
	public := a.router.PathPrefix("/api/auth").Subrouter()
	if a.cfg.Limiter != nil {
		public.Use(a.cfg.Limiter.Middleware)
	}
	public.HandleFunc("/login", a.handleLogin).Methods(http.MethodPost)
	public.HandleFunc("/signup", a.handleSignUp).Methods(http.MethodPost)
	public.HandleFunc("/refresh", a.handleRefresh).Methods(http.MethodPost)

	api := a.router.PathPrefix("/api").Subrouter()
	api.Use(a.middleware.RequireAuth)

	api.HandleFunc("/me", a.handleMe).Methods(http.MethodGet)
	api.HandleFunc("/me/password", a.handleChangePassword).Methods(http.MethodPut)
	if a.cfg.Events != nil {
		api.Handle("/events", a.cfg.Events).Methods(http.MethodGet)
	}

	// Servers
	api.Handle("/servers", a.can(model.CanViewServers, a.handleListServers)).Methods(http.MethodGet)
	api.Handle("/servers", a.can(model.CanModifyServers, a.handleCreateServer)).Methods(http.MethodPost)
	api.Handle("/servers/{id}", a.can(model.CanViewServers, a.handleGetServer)).Methods(http.MethodGet)
	api.Handle("/servers/{id}", a.can(model.CanModifyServers, a.handleUpdateServer)).Methods(http.MethodPut)
	api.Handle("/servers/{id}", a.can(model.CanModifyServers, a.handleDeleteServer)).Methods(http.MethodDelete)
	api.Handle("/servers/{id}/current", a.can(model.CanViewServers, a.handleCurrent)).Methods(http.MethodGet)
	api.Handle("/servers/{id}/history", a.can(model.CanViewServers, a.handleHistory)).Methods(http.MethodGet)
	api.Handle("/servers/{id}/range", a.can(model.CanViewServers, a.handleRange)).Methods(http.MethodPost)
	api.Handle("/servers/{id}/health", a.can(model.CanViewServers, a.handleHealth)).Methods(http.MethodGet)
	api.Handle("/servers/{id}/services", a.can(model.CanViewServices, a.handleServices)).Methods(http.MethodGet)

	// Selected server
	api.HandleFunc("/session/server", a.handleGetSelected).Methods(http.MethodGet)
	api.HandleFunc("/session/server", a.handleSelectServer).Methods(http.MethodPut)
	api.HandleFunc("/session/server", a.handleClearSelected).Methods(http.MethodDelete)

	// Alert rules; /match must come before /{id}
	api.HandleFunc("/alert-rules", a.handleListRules).Methods(http.MethodGet)
	api.Handle("/alert-rules", a.can(model.CanManageAlerts, a.handleCreateRule)).Methods(http.MethodPost)
	api.HandleFunc("/alert-rules/match", a.handleMatchRule).Methods(http.MethodGet)
	api.HandleFunc("/alert-rules/{id}", a.handleGetRule).Methods(http.MethodGet)
	api.Handle("/alert-rules/{id}", a.can(model.CanManageAlerts, a.handleUpdateRule)).Methods(http.MethodPut)
	api.Handle("/alert-rules/{id}", a.can(model.CanManageAlerts, a.handleDeleteRule)).Methods(http.MethodDelete)

	// Alerts
	api.HandleFunc("/alerts", a.handleListAlerts).Methods(http.MethodGet)
	api.Handle("/alerts/acknowledge-all", a.can(model.CanManageAlerts, a.handleAcknowledgeAll)).Methods(http.MethodPost)
	api.HandleFunc("/alerts/{id}", a.handleGetAlert).Methods(http.MethodGet)
	api.Handle("/alerts/{id}/status", a.can(model.CanManageAlerts, a.handleAlertStatus)).Methods(http.MethodPut)
	api.Handle("/alerts/{id}/assign", a.can(model.CanManageAlerts, a.handleAssignAlert)).Methods(http.MethodPut)
	api.Handle("/alerts/{id}", a.can(model.CanManageAlerts, a.handleDeleteAlert)).Methods(http.MethodDelete)

	// Report templates and exports
	api.Handle("/report-templates", a.can(model.CanGenerateReports, a.handleListTemplates)).Methods(http.MethodGet)
	api.Handle("/report-templates", a.can(model.CanGenerateReports, a.handleCreateTemplate)).Methods(http.MethodPost)
	api.Handle("/report-templates/{id}", a.can(model.CanGenerateReports, a.handleGetTemplate)).Methods(http.MethodGet)
	api.Handle("/report-templates/{id}", a.can(model.CanGenerateReports, a.handleUpdateTemplate)).Methods(http.MethodPut)
	api.Handle("/report-templates/{id}", a.can(model.CanGenerateReports, a.handleDeleteTemplate)).Methods(http.MethodDelete)
	api.Handle("/reports/{kind}", a.can(model.CanGenerateReports, a.handleReport)).Methods(http.MethodPost)

	// Users
	admin := a.middleware.RequireRole(model.RoleAdmin)
	api.Handle("/users", admin(http.HandlerFunc(a.handleListUsers))).Methods(http.MethodGet)
	api.Handle("/users", admin(http.HandlerFunc(a.handleCreateUser))).Methods(http.MethodPost)
	api.Handle("/users/{id}", admin(http.HandlerFunc(a.handleGetUser))).Methods(http.MethodGet)
	api.Handle("/users/{id}", admin(http.HandlerFunc(a.handleUpdateUser))).Methods(http.MethodPut)
	api.Handle("/users/{id}", admin(http.HandlerFunc(a.handleDeleteUser))).Methods(http.MethodDelete)
	api.Handle("/users/{id}/reset-password", admin(http.HandlerFunc(a.handleResetPassword))).Methods(http.MethodPost)
	if a.cfg.Jobs != nil {
		api.Handle("/jobs", admin(http.HandlerFunc(a.handleJobs))).Methods(http.MethodGet)
	}
}

// ServeHTTP implements http.Handler
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

func (a *API) can(c model.Capability, h http.HandlerFunc) http.Handler {
	return a.middleware.RequireCapability(c)(h)
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleJobs(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, a.cfg.Jobs.Jobs())
}

// decode reads a JSON body into v and validates it
func (a *API) decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrBadRequest, err)
	}
	return a.check(v)
}

func (a *API) check(v interface{}) error {
	if err := a.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError maps err to a status code and writes it as {"error": ...}
func (a *API) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		auth.RespondExpired(w)
		return
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, report.ErrUnknownKind),
		errors.Is(err, report.ErrUnknownFormat):
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrDuplicate), errors.Is(err, auth.ErrEmailTaken),
		errors.Is(err, monitor.ErrFetchInProgress):
		status = http.StatusConflict
	case errors.Is(err, auth.ErrInvalidCredentials):
		status = http.StatusUnauthorized
	case errors.Is(err, auth.ErrInactiveUser):
		status = http.StatusForbidden
	case errors.Is(err, report.ErrNoData):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, ErrAgentUnavailable):
		status = http.StatusBadGateway
	}

	if status >= http.StatusInternalServerError {
		a.logger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
	}
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

func pathID(r *http.Request) string {
	return mux.Vars(r)["id"]
}
