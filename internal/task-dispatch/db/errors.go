package db

import (
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"

	"task-dispatch-service/pkg/apperr"
)

const (
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
)

var errStaleVersion = errors.New("task row version changed")

// IsSerializationFailure reports whether err is a lock or serialization
// failure that is safe to retry as a whole transaction.
func IsSerializationFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errStaleVersion) {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDeadlock || myErr.Number == mysqlLockWaitTimeout
	}
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		return sqErr.Code == sqlite3.ErrBusy || sqErr.Code == sqlite3.ErrLocked
	}
	var sqErrPtr *sqlite3.Error
	if errors.As(err, &sqErrPtr) && sqErrPtr != nil {
		return sqErrPtr.Code == sqlite3.ErrBusy || sqErrPtr.Code == sqlite3.ErrLocked
	}
	return false
}

// translateError maps driver errors onto the apperr taxonomy. Errors that
// already carry a code pass through untouched.
func translateError(err error, what string) error {
	if err == nil {
		return nil
	}
	var coded *apperr.Error
	if errors.As(err, &coded) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.New(apperr.NotFound, what+" not found", err)
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return apperr.New(apperr.Conflict, what+": already exists", err)
	}
	if IsSerializationFailure(err) {
		return apperr.NewWriteConflict(what+" changed concurrently", err)
	}
	return fmt.Errorf("%s: %w", what, err)
}
