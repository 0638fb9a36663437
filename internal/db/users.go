package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/kimhsiao/stockroom/backend/internal/models"
	"github.com/kimhsiao/stockroom/backend/internal/uuid"
)

// =====================================================
// User Operations
// =====================================================

// CreateUser inserts a user. Email addresses are unique, case-insensitive.
func (r *Repository) CreateUser(ctx context.Context, u *models.User) error {
	if u.ID == "" {
		u.ID = uuid.New()
	}
	if u.Role == "" {
		u.Role = models.RoleUser
	}
	u.Email = strings.TrimSpace(u.Email)
	u.CreatedAt = r.now().Unix()

	_, err := r.db.ExecContext(ctx, `
	INSERT INTO users (id, name, email, password_hash, role, created_at)
	VALUES (?, ?, ?, ?, ?, ?)
	`, u.ID, u.Name, u.Email, u.PasswordHash, u.Role, u.CreatedAt)
	if isUniqueViolation(err) {
		return errors.AlreadyExistsf("user with email %q", u.Email)
	}
	return errors.Annotatef(err, "creating user %q", u.Email)
}

func (r *Repository) getUser(ctx context.Context, where string, arg interface{}) (*models.User, error) {
	var u models.User
	err := r.db.QueryRowContext(ctx, `
	SELECT id, name, email, password_hash, role, created_at FROM users WHERE `+where, arg).
		Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundf("user")
	}
	if err != nil {
		return nil, errors.Annotate(err, "reading user")
	}
	return &u, nil
}

// GetUserByID retrieves a user by id.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	return r.getUser(ctx, "id = ?", id)
}

// GetUserByEmail retrieves a user by email, case-insensitively.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.getUser(ctx, "email = ?", strings.TrimSpace(email))
}

// SetUserRole changes a user's role.
func (r *Repository) SetUserRole(ctx context.Context, id, role string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE users SET role = ? WHERE id = ?`, role, id)
	if err != nil {
		return errors.Annotatef(err, "setting role of user %q", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFoundf("user %q", id)
	}
	return nil
}

// =====================================================
// Session Operations
// =====================================================

// CreateSession stores a refresh token hash.
func (r *Repository) CreateSession(ctx context.Context, s *models.Session) error {
	s.CreatedAt = r.now().Unix()
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO sessions (token_hash, user_id, expires_at, created_at) VALUES (?, ?, ?, ?)
	`, s.TokenHash, s.UserID, s.ExpiresAt, s.CreatedAt)
	return errors.Annotate(err, "creating session")
}

// GetSession looks up a refresh token hash.
func (r *Repository) GetSession(ctx context.Context, tokenHash string) (*models.Session, error) {
	var s models.Session
	err := r.db.QueryRowContext(ctx, `
	SELECT token_hash, user_id, expires_at, created_at FROM sessions WHERE token_hash = ?
	`, tokenHash).Scan(&s.TokenHash, &s.UserID, &s.ExpiresAt, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundf("session")
	}
	if err != nil {
		return nil, errors.Annotate(err, "reading session")
	}
	return &s, nil
}

// DeleteSession revokes a single refresh token. It returns a NotFound error
// when no session has the hash, so of two callers revoking the same token
// only one succeeds.
func (r *Repository) DeleteSession(ctx context.Context, tokenHash string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE token_hash = ?`, tokenHash)
	if err != nil {
		return errors.Annotate(err, "deleting session")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Trace(err)
	}
	if n == 0 {
		return errors.NotFoundf("session")
	}
	return nil
}

// DeleteUserSessions revokes every refresh token of a user.
func (r *Repository) DeleteUserSessions(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID)
	return errors.Annotatef(err, "deleting sessions of user %q", userID)
}

// DeleteExpiredSessions removes sessions that expired before now.
func (r *Repository) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, now.Unix())
	if err != nil {
		return 0, errors.Annotate(err, "deleting expired sessions")
	}
	n, err := res.RowsAffected()
	return n, errors.Trace(err)
}
