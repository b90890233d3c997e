package rdb

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrInvalidArgs = errors.New("invalid arguments")
	ErrClosed      = errors.New("database closed")
)

// StatementError reports which statement of a batch failed. Index is
// zero based.
type StatementError struct {
	Index int
	Err   error
}

func (e *StatementError) Error() string {
	return fmt.Sprintf("statement %d failed: %v", e.Index+1, e.Err)
}

func (e *StatementError) Unwrap() error { return e.Err }

// ExecResult is the outcome of one non-query statement.
type ExecResult struct {
	RowsAffected int64  `json:"rows_affected"`
	LastInsertID *int64 `json:"last_insert_id,omitempty"`
}
