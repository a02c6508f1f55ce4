package repository

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

var (
	// ErrConflict is returned when an insert collides with a unique
	// constraint, e.g. a second session for the same pairing challenge.
	ErrConflict = errors.New("conflicting row exists")
	// ErrMissingParent is returned when an insert references a row that no
	// longer exists.
	ErrMissingParent = errors.New("referenced row does not exist")
)

// Postgres SQLSTATE codes.
const (
	pqForeignKeyViolation = "23503"
	pqUniqueViolation     = "23505"
)

// HandleNotFound processes a database query result, converting sql.ErrNoRows
// to a nil result without error. This is a common pattern for Find* operations
// where a missing row is not an error condition.
//
// Usage:
//
//	var item model.Item
//	err := r.db.GetContext(ctx, &item, query, args...)
//	return HandleNotFound(&item, err)
func HandleNotFound[T any](result *T, err error) (*T, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// translateConstraint maps constraint violations onto the package's
// sentinel errors, keeping the driver error in the chain.
func translateConstraint(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case pqUniqueViolation:
		return fmt.Errorf("%w: %s", ErrConflict, pqErr.Constraint)
	case pqForeignKeyViolation:
		return fmt.Errorf("%w: %s", ErrMissingParent, pqErr.Constraint)
	}
	return err
}
