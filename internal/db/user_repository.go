package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// User is a stored account. Normalized fields back the uniqueness rules and
// lookups; the display fields keep what the user typed.
type User struct {
	ID                 uuid.UUID
	Username           string
	NormalizedUsername string
	Email              string
	NormalizedEmail    string
	PasswordHash       string
	SubscriptionTier   string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type UserRepository struct {
	db *DB
}

func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{db: db}
}

// Create inserts the user and its roles in one transaction.
func (r *UserRepository) Create(ctx context.Context, user *User, roles []string) error {
	return WithTx(ctx, r.db.DB, nil, func(ctx context.Context, tx DBTX) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO users (id, username, normalized_username, email, normalized_email,
				password_hash, subscription_tier, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			user.ID, user.Username, user.NormalizedUsername, user.Email, user.NormalizedEmail,
			user.PasswordHash, user.SubscriptionTier, user.CreatedAt, user.UpdatedAt,
		)
		if err != nil {
			switch uniqueConstraint(err) {
			case "":
				return fmt.Errorf("insert user: %w", err)
			case "users_normalized_username_key":
				return ErrDuplicateUsername
			default:
				return ErrDuplicateEmail
			}
		}

		for _, role := range roles {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO user_roles (user_id, role) VALUES ($1, $2)`, user.ID, role,
			); err != nil {
				return fmt.Errorf("insert user role: %w", err)
			}
		}
		return nil
	})
}

const userColumns = `id, username, normalized_username, email, normalized_email,
	password_hash, subscription_tier, created_at, updated_at`

func (r *UserRepository) getOne(ctx context.Context, where string, arg any) (*User, error) {
	user := &User{}
	err := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, arg).Scan(
		&user.ID, &user.Username, &user.NormalizedUsername, &user.Email, &user.NormalizedEmail,
		&user.PasswordHash, &user.SubscriptionTier, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select user: %w", err)
	}
	return user, nil
}

// GetByEmail looks a user up by normalized email.
func (r *UserRepository) GetByEmail(ctx context.Context, normalizedEmail string) (*User, error) {
	return r.getOne(ctx, `normalized_email = $1`, normalizedEmail)
}

// GetByUsername looks a user up by normalized username.
func (r *UserRepository) GetByUsername(ctx context.Context, normalizedUsername string) (*User, error) {
	return r.getOne(ctx, `normalized_username = $1`, normalizedUsername)
}

func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return r.getOne(ctx, `id = $1`, id)
}

func (r *UserRepository) GetRoles(ctx context.Context, id uuid.UUID) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT role FROM user_roles WHERE user_id = $1 ORDER BY role`, id)
	if err != nil {
		return nil, fmt.Errorf("select roles: %w", err)
	}
	defer rows.Close()

	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}
