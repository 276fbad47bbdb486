package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrorClass says how a failed database operation may be handled.
type ErrorClass int

const (
	// ClassFatal errors will not go away by retrying the same statement.
	ClassFatal ErrorClass = iota
	// ClassTransient errors may succeed on the same connection after a wait.
	ClassTransient
	// ClassReconnect errors mean the connection is gone and must be replaced
	// before retrying.
	ClassReconnect
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassReconnect:
		return "reconnect"
	default:
		return "fatal"
	}
}

// Retryable reports whether the class allows another attempt.
func (c ErrorClass) Retryable() bool {
	return c != ClassFatal
}

// Classify maps a database error onto an ErrorClass. Constraint violations,
// syntax errors and data errors are fatal; lost connections, lock contention
// and timeouts are retryable.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassFatal
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return ClassReconnect
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return ClassReconnect
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgerrcode.IsConnectionException(pgErr.Code), pgErr.Code == pgerrcode.AdminShutdown:
			return ClassReconnect
		case pgErr.Code == pgerrcode.SerializationFailure,
			pgErr.Code == pgerrcode.DeadlockDetected,
			pgErr.Code == pgerrcode.LockNotAvailable:
			return ClassTransient
		default:
			return ClassFatal
		}
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return ClassTransient
		case sqlite3.SQLITE_IOERR:
			return ClassReconnect
		default:
			return ClassFatal
		}
	}

	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ClassTransient
		}
		return ClassReconnect
	}
	if pgconn.SafeToRetry(err) {
		return ClassTransient
	}
	return ClassFatal
}
