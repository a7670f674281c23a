package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chartcredits/internal/billing"
)

// UserRepo reads the email to user id mapping owned by the account system.
type UserRepo struct {
	dbPool *pgxpool.Pool
}

func NewUserRepo(db *pgxpool.Pool) *UserRepo {
	return &UserRepo{dbPool: db}
}

// ResolveUserID returns the id of the account whose email matches, ignoring case.
// A blank email or no match yields billing.ErrUserNotFound.
func (r *UserRepo) ResolveUserID(ctx context.Context, email string) (int64, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return 0, billing.ErrUserNotFound
	}

	var userID int64
	err := r.dbPool.QueryRow(ctx, `SELECT id FROM users WHERE LOWER(email) = LOWER($1)`, email).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, billing.ErrUserNotFound
		}
		return 0, storageErr("resolve user by email", err)
	}
	return userID, nil
}
