package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/seawatch/subscriptions/internal/model"
)

// Operator errors.
var (
	ErrUserNotFound = errors.New("user not found")
	ErrEmailExists  = errors.New("email already exists")
)

const userColumns = `id, email, name, organisation, created_at`

// CreateUser registers an operator.
func (r *Repository) CreateUser(ctx context.Context, user *model.User) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5)
	`, user.ID, user.Email, user.Name, user.Organisation, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrEmailExists
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUserByID loads an operator by ID.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	return r.getUser(ctx, "id", id)
}

// GetUserByEmail loads an operator by email.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return r.getUser(ctx, "email", email)
}

func (r *Repository) getUser(ctx context.Context, column, value string) (*model.User, error) {
	var user model.User
	err := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE `+column+` = $1`, value).Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		&user.Organisation,
		&user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user by %s: %w", column, err)
	}
	return &user, nil
}

// UpdateUserProfile sets the operator's display name and organisation.
func (r *Repository) UpdateUserProfile(ctx context.Context, id, name, organisation string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE users SET name = $2, organisation = $3 WHERE id = $1
	`, id, name, organisation)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// GetOrCreateUser returns the operator registered under user.Email, creating
// it from user when absent. A concurrent insert of the same email resolves to
// the stored row.
func (r *Repository) GetOrCreateUser(ctx context.Context, user *model.User) (*model.User, error) {
	existing, err := r.GetUserByEmail(ctx, user.Email)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	user.CreatedAt = time.Now().UTC()
	if err := r.CreateUser(ctx, user); err != nil {
		if errors.Is(err, ErrEmailExists) {
			return r.GetUserByEmail(ctx, user.Email)
		}
		return nil, err
	}
	return user, nil
}
