package persistence

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// PostgreSQL SQLSTATE codes treated as transient table-level contention
const (
	pgUndefinedTable     = "42P01"
	pgLockNotAvailable   = "55P03"
	pgDeadlockDetected   = "40P01"
	pgDuplicateTable     = "42P07"
	pgObjectInUse        = "55006"
	pgUniqueViolation    = "23505"
	pgSerializationError = "40001"
)

// sqliteTransientFragments are the SQLite messages for the same conditions
var sqliteTransientFragments = []string{
	"no such table",
	"already exists",
	"database is locked",
	"database table is locked",
	"sqlite_busy",
}

// IsTransientTableError reports whether err is table-level contention that a
// later retry may not hit: missing or duplicate table, lock timeout,
// deadlock, or an object in use.
func IsTransientTableError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUndefinedTable, pgLockNotAvailable, pgDeadlockDetected,
			pgDuplicateTable, pgObjectInUse, pgSerializationError:
			return true
		}
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, f := range sqliteTransientFragments {
		if strings.Contains(msg, f) {
			return true
		}
	}
	return false
}

// IsUniqueViolation reports whether err is a unique/primary key conflict
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

// IsRebuildConflict reports whether a view store error should surface as a
// retryable rebuild conflict
func IsRebuildConflict(err error) bool {
	return errors.Is(err, ErrBackupTableExists) || IsTransientTableError(err)
}
