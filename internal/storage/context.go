package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const (
	// DefaultQueryTimeout is the maximum time allowed for database queries.
	DefaultQueryTimeout = 5 * time.Second
)

// PostgreSQL error codes the store maps onto sentinel errors.
const (
	pqUniqueViolation      = "23505"
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
)

const (
	defaultTablePrefix   = "accessgate_"
	maxTablePrefixLength = 32

	postgresBackendLabel = "postgres"
	memoryBackendLabel   = "memory"
	mongoBackendLabel    = "mongodb"
)

var tablePrefixPattern = regexp.MustCompile(`^[a-z0-9_]*$`)

// NewID returns a random record identifier.
func NewID() string {
	return uuid.NewString()
}

// withQueryTimeout wraps the context with a query timeout if one isn't already set.
func withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultQueryTimeout)
}

func validateTablePrefix(prefix string) (string, error) {
	if prefix == "" {
		return defaultTablePrefix, nil
	}
	if len(prefix) > maxTablePrefixLength || !tablePrefixPattern.MatchString(prefix) {
		return "", fmt.Errorf("storage: invalid table prefix %q", prefix)
	}
	return prefix, nil
}

// mapPQError converts driver errors to storage sentinels. uniqueErr is
// returned for unique violations since the caller knows which row collided.
func mapPQError(err error, uniqueErr error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch string(pqErr.Code) {
	case pqUniqueViolation:
		if uniqueErr != nil {
			return fmt.Errorf("%w: %s", uniqueErr, pqErr.Constraint)
		}
	case pqSerializationFailure, pqDeadlockDetected:
		return fmt.Errorf("%w: %s", ErrSerialization, pqErr.Message)
	}
	return err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
