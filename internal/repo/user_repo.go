package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/turismo/server/internal/apperr"
	"github.com/turismo/server/internal/model"
)

// lockDuration is how long an account stays locked once the attempt limit
// is reached.
const lockDuration = "15 minutes"

// UserRepo is the Postgres-backed user directory. Emails are stored
// normalized (lowercase, trimmed); callers pass normalized emails.
type UserRepo struct {
	db *sql.DB
}

// NewUserRepo creates a new UserRepo instance
func NewUserRepo(db *sql.DB) *UserRepo {
	return &UserRepo{db: db}
}

// FindByEmail retrieves a user by email
func (r *UserRepo) FindByEmail(ctx context.Context, email string) (model.User, error) {
	query := `
		SELECT id, email, full_name, active, totp_secret, totp_enabled,
		       otp_attempts, otp_max_attempts, locked_until, created_at
		FROM users
		WHERE email = $1
	`
	var user model.User
	var idStr string
	err := r.db.QueryRowContext(ctx, query, email).Scan(
		&idStr,
		&user.Email,
		&user.FullName,
		&user.Active,
		&user.TOTPSecret,
		&user.TOTPEnabled,
		&user.OtpAttempts,
		&user.OtpMaxAttempts,
		&user.LockedUntil,
		&user.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.User{}, apperr.NotFound("user_not_found", "user not found")
		}
		return model.User{}, fmt.Errorf("query user: %w", err)
	}
	user.ID, err = uuid.Parse(idStr)
	if err != nil {
		return model.User{}, fmt.Errorf("parse user ID: %w", err)
	}
	return user, nil
}

// IsActiveByEmail reports whether an active user exists for email
func (r *UserRepo) IsActiveByEmail(ctx context.Context, email string) (bool, error) {
	var active bool
	err := r.db.QueryRowContext(ctx, `SELECT active FROM users WHERE email = $1`, email).Scan(&active)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("query user active: %w", err)
	}
	return active, nil
}

// FindRoleNames returns the role names assigned to the user
func (r *UserRepo) FindRoleNames(ctx context.Context, email string) ([]string, error) {
	query := `
		SELECT r.name
		FROM roles r
		JOIN user_roles ur ON ur.role_id = r.id
		JOIN users u ON u.id = ur.user_id
		WHERE u.email = $1
		ORDER BY r.name
	`
	rows, err := r.db.QueryContext(ctx, query, email)
	if err != nil {
		return nil, fmt.Errorf("query roles: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roles: %w", err)
	}
	return names, nil
}

// RegisterOtpFail increments the failed-attempt counter and locks the
// account once the per-user limit is reached.
func (r *UserRepo) RegisterOtpFail(ctx context.Context, email string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET otp_attempts = otp_attempts + 1,
		    locked_until = CASE
		        WHEN otp_attempts + 1 >= otp_max_attempts THEN now() + interval '`+lockDuration+`'
		        ELSE locked_until
		    END
		WHERE email = $1
	`, email)
	if err != nil {
		return fmt.Errorf("register otp fail: %w", err)
	}
	return nil
}

// RegisterSuccessfulLogin clears the attempt counter and any lock
func (r *UserRepo) RegisterSuccessfulLogin(ctx context.Context, email string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET otp_attempts = 0, locked_until = NULL WHERE email = $1
	`, email)
	if err != nil {
		return fmt.Errorf("register successful login: %w", err)
	}
	return nil
}

// ResetLockIfExpired clears the lock and counter only when the lock window
// has already passed.
func (r *UserRepo) ResetLockIfExpired(ctx context.Context, email string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET otp_attempts = 0, locked_until = NULL
		WHERE email = $1 AND locked_until IS NOT NULL AND locked_until <= now()
	`, email)
	if err != nil {
		return fmt.Errorf("reset expired lock: %w", err)
	}
	return nil
}
