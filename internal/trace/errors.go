package trace

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// Error class constants for store write failure classification.
const (
	WriteErrorClassConnection = "connection"
	WriteErrorClassTimeout    = "timeout"
	WriteErrorClassContention = "contention"
	WriteErrorClassConstraint = "constraint"
	WriteErrorClassUnknown    = "unknown"
)

// sqlStateClasses maps Postgres SQLSTATE codes, or their two-character
// class prefix, to a write error class.
var sqlStateClasses = map[string]string{
	"08":    WriteErrorClassConnection, // connection exception
	"57P01": WriteErrorClassConnection, // admin_shutdown
	"57P03": WriteErrorClassConnection, // cannot_connect_now
	"57014": WriteErrorClassTimeout,    // query_canceled (statement_timeout)
	"55P03": WriteErrorClassContention, // lock_not_available
	"40001": WriteErrorClassContention, // serialization_failure
	"40P01": WriteErrorClassContention, // deadlock_detected
	"23":    WriteErrorClassConstraint, // integrity constraint violation
}

// messageClasses is checked in order against the lowercased error text for
// SQLite errors and wrapped errors that lost their type.
var messageClasses = []struct {
	class     string
	fragments []string
}{
	{WriteErrorClassConnection, []string{"connection refused", "broken pipe", "no such host", "connection reset"}},
	{WriteErrorClassTimeout, []string{"timeout", "deadline exceeded"}},
	{WriteErrorClassContention, []string{"sqlite_busy", "database is locked", "database table is locked"}},
	{WriteErrorClassConstraint, []string{
		"violates foreign key constraint",
		"violates unique constraint",
		"violates check constraint",
		"duplicate key",
		"unique constraint failed",
		"foreign key constraint failed",
		"check constraint failed",
		"not null constraint failed",
	}},
}

// ClassifyWriteError maps a store write error to one of the classes above.
// The class labels persistence failure metrics and decides whether the
// recorder retries.
func ClassifyWriteError(err error) string {
	if err == nil {
		return WriteErrorClassUnknown
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if class, ok := sqlStateClasses[pgErr.Code]; ok {
			return class
		}
		if len(pgErr.Code) >= 2 {
			if class, ok := sqlStateClasses[pgErr.Code[:2]]; ok {
				return class
			}
		}
	}

	// Timeout before connection: a net.Error can be both.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return WriteErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return WriteErrorClassTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return WriteErrorClassConnection
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) {
		return WriteErrorClassConnection
	}

	msg := strings.ToLower(err.Error())
	for _, entry := range messageClasses {
		for _, fragment := range entry.fragments {
			if strings.Contains(msg, fragment) {
				return entry.class
			}
		}
	}
	return WriteErrorClassUnknown
}

// PersistenceError reports a trace that could not be written after the
// recorder's retry budget was spent.
type PersistenceError struct {
	TraceID string
	Class   string
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist trace %s (%s): %v", e.TraceID, e.Class, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
