package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sumire/signin/internal/domain"
)

const pgUniqueViolation = "23505"

const userColumns = `id, provider_id, email, display_name, avatar_url, created_at, updated_at`

// UserRepository handles user data access operations.
type UserRepository struct {
	db *sqlx.DB
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

// FindByID retrieves a user by their local ID.
func (r *UserRepository) FindByID(ctx context.Context, id string) (*domain.User, error) {
	var user domain.User
	err := r.db.GetContext(ctx, &user,
		r.db.Rebind(`SELECT `+userColumns+` FROM users WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("find user by id %s: %w", id, err)
	}
	return &user, nil
}

// FindByProviderID retrieves a user by the provider's subject identifier.
// The match is exact and case-sensitive.
func (r *UserRepository) FindByProviderID(ctx context.Context, providerID string) (*domain.User, error) {
	var user domain.User
	err := r.db.GetContext(ctx, &user,
		r.db.Rebind(`SELECT `+userColumns+` FROM users WHERE provider_id = ?`), providerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("find user by provider id %s: %w", providerID, err)
	}
	return &user, nil
}

// Insert stores a new user. A duplicate provider_id is reported as domain.ErrConflict.
func (r *UserRepository) Insert(ctx context.Context, user domain.User) (*domain.User, error) {
	_, err := r.db.NamedExecContext(ctx,
		`INSERT INTO users (`+userColumns+`)
		 VALUES (:id, :provider_id, :email, :display_name, :avatar_url, :created_at, :updated_at)`,
		user)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("insert user %s: %w", user.ProviderID, domain.ErrConflict)
		}
		return nil, fmt.Errorf("insert user %s: %w", user.ProviderID, err)
	}
	return &user, nil
}

// Update rewrites the mutable profile fields of an existing user.
// id and provider_id are never changed.
func (r *UserRepository) Update(ctx context.Context, user domain.User) (*domain.User, error) {
	res, err := r.db.NamedExecContext(ctx,
		`UPDATE users
		 SET email = :email,
		     display_name = :display_name,
		     avatar_url = :avatar_url,
		     updated_at = :updated_at
		 WHERE id = :id`,
		user)
	if err != nil {
		return nil, fmt.Errorf("update user %s: %w", user.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update user %s: rows affected: %w", user.ID, err)
	}
	if n == 0 {
		return nil, domain.ErrNotFound
	}
	return &user, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return false
}
