package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/aradsms/email_gateway/internal/email_delivery_service/domain"
)

// SQLSTATEs that mean another transaction got in the way and the unit of work can be retried.
const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateLockNotAvailable     = "55P03"
	sqlStateUniqueViolation      = "23505"
)

// mapError translates driver errors into domain errors. op names the failed operation.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateSerializationFailure, sqlStateDeadlockDetected, sqlStateLockNotAvailable:
			return fmt.Errorf("%s: %w: %s", op, domain.ErrConcurrentUpdate, pgErr.Message)
		case sqlStateUniqueViolation:
			return fmt.Errorf("%s: duplicate key (%s): %w", op, pgErr.ConstraintName, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
