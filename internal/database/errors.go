package database

import (
	"errors"

	"github.com/mattn/go-sqlite3"

	"peerprep/pkg/types"
)

var (
	ErrManagerClosed = errors.New("database manager is closed")
	ErrWriteTimeout  = errors.New("write operation timeout")
)

// isConstraintViolation reports failures that a retry cannot fix
func isConstraintViolation(err error) bool {
	if errors.Is(err, types.ErrSessionNotFound) {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
