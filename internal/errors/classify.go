package errors

import (
	"context"
	"database/sql"
	stderrors "errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// retryableCodes lists transport codes that indicate a transient fault: connection
// exceptions, serialization failures, deadlocks, resource exhaustion and cancellation.
var retryableCodes = map[Code]bool{
	"08000": true, // connection_exception
	"08001": true, // sqlclient_unable_to_establish_sqlconnection
	"08003": true, // connection_does_not_exist
	"08004": true, // sqlserver_rejected_establishment_of_sqlconnection
	"08006": true, // connection_failure
	"08P01": true, // protocol_violation
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"53000": true, // insufficient_resources
	"53100": true, // disk_full
	"53200": true, // out_of_memory
	"53300": true, // too_many_connections
	"57014": true, // query_canceled
	"57P01": true, // admin_shutdown
	"57P02": true, // crash_shutdown
	"57P03": true, // cannot_connect_now
	"429":   true,
	"503":   true,
	"504":   true,

	CodeTimeout:     true,
	CodeRateLimited: true,
	CodeNetwork:     true,
}

// networkPatterns are matched case-insensitively against error messages.
var networkPatterns = []string{
	"fetch failed",
	"failed to fetch",
	"network",
	"econnrefused",
	"econnreset",
	"etimedout",
	"enotfound",
	"connection refused",
	"connection reset",
	"no such host",
	"broken pipe",
	"timeout",
	"timed out",
	"unexpected eof",
	"socket hang up",
}

// notFoundCodes mean the probed resource does not exist, not that the backend is unreachable.
var notFoundCodes = map[Code]bool{
	"42P01":    true, // undefined_table
	"PGRST116": true,
	"PGRST205": true,
}

// IsRetryableCode reports whether a code is transient
func IsRetryableCode(code Code) bool {
	if retryableCodes[code] {
		return true
	}
	// Every SQLSTATE in class 08 is a connection exception.
	return len(code) == 5 && strings.HasPrefix(string(code), "08")
}

// IsNetworkMessage reports whether msg looks like a network failure
func IsNetworkMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, p := range networkPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// Classify normalizes any error into a QueryError. Unrecognized failures are non-retryable.
func Classify(err error) *QueryError {
	if err == nil {
		return nil
	}

	var qe *QueryError
	if stderrors.As(err, &qe) {
		return qe
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return NewQueryError(CodeTimeout, "operation deadline exceeded", true, err)
	}
	if stderrors.Is(err, context.Canceled) {
		return NewQueryError(CodeCancelled, "operation cancelled", false, err)
	}

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		code := Code(pgErr.Code)
		e := NewQueryError(code, pgErr.Message, IsRetryableCode(code), err)
		e.Hint = pgErr.Hint
		if pgErr.Detail != "" {
			e.Details["detail"] = pgErr.Detail
		}
		if pgErr.TableName != "" {
			e.Details["table"] = pgErr.TableName
		}
		if pgErr.ConstraintName != "" {
			e.Details["constraint"] = pgErr.ConstraintName
		}
		return e
	}

	if stderrors.Is(err, pgx.ErrNoRows) || stderrors.Is(err, sql.ErrNoRows) {
		return NewQueryError("PGRST116", "no rows returned", false, err)
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewQueryError(CodeTimeout, netErr.Error(), true, err)
		}
		return NewQueryError(CodeNetwork, netErr.Error(), true, err)
	}

	var connectErr *pgconn.ConnectError
	if stderrors.As(err, &connectErr) {
		return NewQueryError(CodeNetwork, connectErr.Error(), true, err)
	}

	if IsNetworkMessage(err.Error()) {
		return NewQueryError(CodeNetwork, err.Error(), true, err)
	}

	return NewQueryError(CodeUnknown, err.Error(), false, err)
}

// IsNotFoundResource reports whether err only says the addressed resource is missing.
// A missing schema object still proves the backend answered.
func IsNotFoundResource(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, pgx.ErrNoRows) || stderrors.Is(err, sql.ErrNoRows) {
		return true
	}
	qe := Classify(err)
	if notFoundCodes[qe.Code] {
		return true
	}
	// sqlite reports missing tables only by message
	return strings.Contains(strings.ToLower(qe.Message), "no such table")
}
