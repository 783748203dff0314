package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/t77yq/servermon/internal/model"
	"github.com/t77yq/servermon/internal/storage"
)

// MinPasswordLength is the shortest accepted password
const MinPasswordLength = 8

// Store is the persistence the auth service needs
type Store interface {
	storage.UserStore
	storage.CredentialStore
}

// Mailer delivers plain-text mail, used for temporary passwords
type Mailer interface {
	Configured() bool
	SendText(ctx context.Context, to []string, subject, body string) error
}

// Claims are the access token claims. Subject is the auth user id.
type Claims struct {
	UserID string     `json:"uid"`
	Role   model.Role `json:"role"`
	jwt.RegisteredClaims
}

// Session is returned on sign-in and refresh
type Session struct {
	AccessToken  string                `json:"access_token"`
	RefreshToken string                `json:"refresh_token"`
	ExpiresAt    int64                 `json:"expires_at"`
	User         *model.UserManagement `json:"user"`
}

// Config holds token settings
type Config struct {
	Secret     string
	TokenTTL   time.Duration
	RefreshTTL time.Duration
}

// Service signs users in and issues tokens
type Service struct {
	logger *zap.Logger
	store  Store
	mailer Mailer
	cfg    Config
	now    func() time.Time
}

// NewService creates a new auth service
func NewService(logger *zap.Logger, store Store, cfg Config) *Service {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	return &Service{
		logger: logger.Named("auth"),
		store:  store,
		cfg:    cfg,
		now:    time.Now,
	}
}

// WithMailer emails temporary passwords through m
func (s *Service) WithMailer(m Mailer) *Service {
	s.mailer = m
	return s
}

// HashPassword hashes a password with bcrypt
func HashPassword(password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches hash
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates credentials and the linked user in one step.
// user.Email is replaced by the normalized email.
func (s *Service) Register(ctx context.Context, email, password string, user *model.UserManagement) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}

	email = normalizeEmail(email)
	user.Email = email
	if user.Username == "" {
		user.Username, _, _ = strings.Cut(email, "@")
	}

	creds := &model.Credentials{Email: email, PasswordHash: hash}
	if err := s.store.RegisterUser(ctx, creds, user); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return ErrEmailTaken
		}
		return err
	}

	s.logger.Info("User registered",
		zap.String("user_id", user.ID),
		zap.String("role", string(user.Role)))
	return nil
}

// SignUp registers a self-service account: an active VIEWER with no capabilities
func (s *Service) SignUp(ctx context.Context, email, password, username string) (*model.UserManagement, error) {
	user := &model.UserManagement{
		Username: username,
		Role:     model.RoleViewer,
		Status:   model.UserActive,
	}
	if err := s.Register(ctx, email, password, user); err != nil {
		return nil, err
	}
	return user, nil
}

// SignIn checks the password and opens a session
func (s *Service) SignIn(ctx context.Context, email, password string) (*Session, error) {
	creds, err := s.store.GetCredentialsByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !CheckPassword(password, creds.PasswordHash) {
		s.logger.Info("Sign-in rejected", zap.String("auth_user_id", creds.AuthUserID))
		return nil, ErrInvalidCredentials
	}

	user, err := s.store.GetUserByAuthID(ctx, creds.AuthUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if user.Status != model.UserActive {
		return nil, ErrInactiveUser
	}

	return s.issue(ctx, user)
}

// Refresh trades a refresh token for a new session. Each refresh token works once.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	authUserID, err := s.store.ConsumeRefreshToken(ctx, refreshToken, s.now())
	if err != nil {
		if errors.Is(err, storage.ErrTokenInvalid) {
			return nil, ErrTokenExpired
		}
		return nil, err
	}

	user, err := s.store.GetUserByAuthID(ctx, authUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if user.Status != model.UserActive {
		return nil, ErrInactiveUser
	}
	return s.issue(ctx, user)
}

func (s *Service) issue(ctx context.Context, user *model.UserManagement) (*Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.TokenTTL)

	claims := Claims{
		UserID: user.ID,
		Role:   user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   user.AuthUserID,
			ID:        uuid.New().String(),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.Secret))
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	refresh := uuid.New().String()
	if err := s.store.StoreRefreshToken(ctx, refresh, user.AuthUserID, now.Add(s.cfg.RefreshTTL)); err != nil {
		return nil, err
	}

	return &Session{
		AccessToken:  token,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt.Unix(),
		User:         user,
	}, nil
}

// Validate parses an access token. An expired token returns ErrTokenExpired.
func (s *Service) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.cfg.Secret), nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// ChangePassword replaces the password after checking the current one
func (s *Service) ChangePassword(ctx context.Context, authUserID, current, next string) error {
	creds, err := s.store.GetCredentials(ctx, authUserID)
	if err != nil {
		return err
	}
	if !CheckPassword(current, creds.PasswordHash) {
		return ErrInvalidCredentials
	}
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	return s.store.UpdatePassword(ctx, authUserID, hash)
}

// ResetPassword sets a random temporary password for a user and returns it.
// The password is also mailed to the user when a mailer is configured.
func (s *Service) ResetPassword(ctx context.Context, userID string) (string, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}

	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate password: %w", err)
	}
	temp := base64.RawURLEncoding.EncodeToString(buf)

	hash, err := HashPassword(temp)
	if err != nil {
		return "", err
	}
	if err := s.store.UpdatePassword(ctx, user.AuthUserID, hash); err != nil {
		return "", err
	}

	if s.mailer != nil && s.mailer.Configured() {
		body := fmt.Sprintf("Hello %s,\n\nYour password was reset. Temporary password: %s\n\nPlease change it after signing in.\n",
			user.Username, temp)
		if err := s.mailer.SendText(ctx, []string{user.Email}, "Your password was reset", body); err != nil {
			s.logger.Warn("Failed to mail temporary password",
				zap.String("user_id", user.ID),
				zap.Error(err))
		}
	}

	s.logger.Info("Password reset", zap.String("user_id", user.ID))
	return temp, nil
}

// Bootstrap creates the first ADMIN when there are no users yet.
// It reports whether an admin was created.
func (s *Service) Bootstrap(ctx context.Context, email, password string) (bool, error) {
	if email == "" || password == "" {
		return false, nil
	}
	count, err := s.store.CountUsers(ctx)
	if err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}

	admin := &model.UserManagement{
		Username: "admin",
		Role:     model.RoleAdmin,
		Status:   model.UserActive,
		Capabilities: model.Capabilities{
			ViewServers:     true,
			ModifyServers:   true,
			ViewServices:    true,
			ModifyServices:  true,
			ManageAlerts:    true,
			GenerateReports: true,
		},
	}
	if err := s.Register(ctx, email, password, admin); err != nil {
		return false, fmt.Errorf("failed to create bootstrap admin: %w", err)
	}
	return true, nil
}

// PurgeRefreshTokens removes expired refresh tokens
func (s *Service) PurgeRefreshTokens(ctx context.Context) (int64, error) {
	return s.store.DeleteRefreshTokensBefore(ctx, s.now())
}
