package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound indicates a missing or unauthorized resource lookup.
	ErrNotFound = errors.New("record not found")

	// ErrConflict indicates a uniqueness violation, such as a provider account
	// already connected by another user.
	ErrConflict = errors.New("record already exists")
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
