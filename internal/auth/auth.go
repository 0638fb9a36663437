// Package auth signs users up and in, issues short-lived HS256 access tokens
// and rotating refresh tokens, and resolves access tokens back to users.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"golang.org/x/crypto/bcrypt"

	"github.com/kimhsiao/stockroom/backend/internal/db"
	apperrors "github.com/kimhsiao/stockroom/backend/internal/errors"
	"github.com/kimhsiao/stockroom/backend/internal/logging"
	"github.com/kimhsiao/stockroom/backend/internal/models"
)

const (
	issuer        = "stockroom"
	roleClaim     = "role"
	refreshTokenN = 32
)

// MsgInvalidCredentials is returned for an unknown email and for a wrong
// password alike.
const MsgInvalidCredentials = "invalid credentials"

// Config holds the token settings of a Service.
type Config struct {
	// Secret signs access tokens.
	Secret []byte
	// AccessTTL is the lifetime of an access token.
	AccessTTL time.Duration
	// RefreshTTL is the lifetime of a refresh token.
	RefreshTTL time.Duration
	// Clock is used for issue and expiry times. Defaults to the wall clock.
	Clock clock.Clock
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
	// Logger defaults to the global logger.
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if len(c.Secret) == 0 {
		return errors.NotValidf("empty Secret")
	}
	if c.AccessTTL <= 0 {
		return errors.NotValidf("non-positive AccessTTL")
	}
	if c.RefreshTTL <= 0 {
		return errors.NotValidf("non-positive RefreshTTL")
	}
	return nil
}

// Session is the result of a successful sign-in or refresh.
type Session struct {
	User             *models.User `json:"user"`
	AccessToken      string       `json:"-"`
	AccessExpiresAt  time.Time    `json:"access_expires_at"`
	RefreshToken     string       `json:"-"`
	RefreshExpiresAt time.Time    `json:"refresh_expires_at"`
}

// Service implements the identity operations on top of a UserRepository.
type Service struct {
	users db.UserRepository
	cfg   Config
	log   *logging.Logger
}

// NewService creates a Service.
func NewService(users db.UserRepository, cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Get()
	}
	return &Service{
		users: users,
		cfg:   cfg,
		log:   log.With(map[string]interface{}{"component": "auth"}),
	}, nil
}

// SignUp creates a user with the default role.
func (s *Service) SignUp(ctx context.Context, name, email, password string) (*models.User, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "email and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.BcryptCost)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "hashing password", err)
	}
	u := &models.User{
		Name:         strings.TrimSpace(name),
		Email:        email,
		PasswordHash: string(hash),
	}
	if err := s.users.CreateUser(ctx, u); err != nil {
		if errors.Is(err, errors.AlreadyExists) {
			return nil, apperrors.Wrap(apperrors.ErrDuplicate, "email already registered", err)
		}
		return nil, apperrors.FromStore(err, "creating user")
	}
	s.log.Info("user signed up", map[string]interface{}{"user_id": u.ID})
	return u, nil
}

// SignInWithPassword checks the credentials and opens a session.
func (s *Service) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	u, err := s.users.GetUserByEmail(ctx, strings.TrimSpace(email))
	if errors.Is(err, errors.NotFound) {
		return nil, apperrors.New(apperrors.ErrAuth, MsgInvalidCredentials)
	}
	if err != nil {
		return nil, apperrors.FromStore(err, "reading user")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, apperrors.New(apperrors.ErrAuth, MsgInvalidCredentials)
	}

	if n, err := s.users.DeleteExpiredSessions(ctx, s.cfg.Clock.Now()); err != nil {
		s.log.Warn("purging expired sessions failed", map[string]interface{}{"error": err.Error()})
	} else if n > 0 {
		s.log.Debug("purged expired sessions", map[string]interface{}{"count": n})
	}
	return s.issue(ctx, u)
}

// SignOut revokes a refresh token. Unknown tokens are ignored.
func (s *Service) SignOut(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	err := s.users.DeleteSession(ctx, hashToken(refreshToken))
	if errors.Is(err, errors.NotFound) {
		return nil
	}
	return apperrors.FromStore(err, "revoking session")
}

// SignOutAll revokes every refresh token of a user.
func (s *Service) SignOutAll(ctx context.Context, userID string) error {
	return apperrors.FromStore(s.users.DeleteUserSessions(ctx, userID), "revoking sessions")
}

// GetUser validates an access token and loads its user.
func (s *Service) GetUser(ctx context.Context, accessToken string) (*models.User, error) {
	if accessToken == "" {
		return nil, apperrors.New(apperrors.ErrAuth, "missing access token")
	}
	tok, err := jwt.Parse([]byte(accessToken),
		jwt.WithKey(jwa.HS256, s.cfg.Secret),
		jwt.WithValidate(true),
		jwt.WithIssuer(issuer),
		jwt.WithClock(jwt.ClockFunc(s.cfg.Clock.Now)),
	)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrAuth, "invalid access token", err)
	}
	u, err := s.users.GetUserByID(ctx, tok.Subject())
	if errors.Is(err, errors.NotFound) {
		return nil, apperrors.Wrap(apperrors.ErrAuth, "user no longer exists", err)
	}
	if err != nil {
		return nil, apperrors.FromStore(err, "reading user")
	}
	return u, nil
}

// Refresh exchanges a refresh token for a new session. The presented token
// is revoked; a token can be exchanged at most once, even by concurrent
// callers.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	if refreshToken == "" {
		return nil, apperrors.New(apperrors.ErrAuth, "missing refresh token")
	}
	hash := hashToken(refreshToken)
	sess, err := s.users.GetSession(ctx, hash)
	if errors.Is(err, errors.NotFound) {
		return nil, apperrors.New(apperrors.ErrAuth, "invalid refresh token")
	}
	if err != nil {
		return nil, apperrors.FromStore(err, "reading session")
	}
	err = s.users.DeleteSession(ctx, hash)
	if errors.Is(err, errors.NotFound) {
		return nil, apperrors.New(apperrors.ErrAuth, "invalid refresh token")
	}
	if err != nil {
		return nil, apperrors.FromStore(err, "revoking session")
	}
	if sess.Expired(s.cfg.Clock.Now()) {
		return nil, apperrors.New(apperrors.ErrAuth, "refresh token expired")
	}
	u, err := s.users.GetUserByID(ctx, sess.UserID)
	if errors.Is(err, errors.NotFound) {
		return nil, apperrors.Wrap(apperrors.ErrAuth, "user no longer exists", err)
	}
	if err != nil {
		return nil, apperrors.FromStore(err, "reading user")
	}
	return s.issue(ctx, u)
}

func (s *Service) issue(ctx context.Context, u *models.User) (*Session, error) {
	now := s.cfg.Clock.Now()
	accessExp := now.Add(s.cfg.AccessTTL)
	tok, err := jwt.NewBuilder().
		Issuer(issuer).
		Subject(u.ID).
		IssuedAt(now).
		Expiration(accessExp).
		Claim(roleClaim, u.Role).
		Build()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "building access token", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, s.cfg.Secret))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "signing access token", err)
	}

	refresh, err := newRefreshToken()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "generating refresh token", err)
	}
	refreshExp := now.Add(s.cfg.RefreshTTL)
	if err := s.users.CreateSession(ctx, &models.Session{
		TokenHash: hashToken(refresh),
		UserID:    u.ID,
		ExpiresAt: refreshExp.Unix(),
	}); err != nil {
		return nil, apperrors.FromStore(err, "storing session")
	}

	return &Session{
		User:             u,
		AccessToken:      string(signed),
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func newRefreshToken() (string, error) {
	b := make([]byte, refreshTokenN)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// hashToken returns the hex SHA-256 of a refresh token, the form stored in
// the sessions table.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
