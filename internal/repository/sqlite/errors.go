package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/prn-tf/alexander-drive/internal/repository"
)

// resultCode returns the extended SQLite result code carried by err, or 0.
func resultCode(err error) int {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()
	}
	return 0
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	switch resultCode(err) {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isBusy reports a lock held by another connection or process.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	switch resultCode(err) & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return strings.Contains(err.Error(), "database is locked")
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// classify wraps busy errors in repository.ErrConflict so the coordinator
// retries the transaction.
func classify(err error) error {
	if isBusy(err) && !errors.Is(err, repository.ErrConflict) {
		return fmt.Errorf("%w: %w", repository.ErrConflict, err)
	}
	return err
}
