package sagalite

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is() support.
var (
	ErrStore              = errors.New("store failure")
	ErrEncoding           = errors.New("value is not JSON-encodable")
	ErrUninitialized      = errors.New("entity is not initialized")
	ErrUnknownWorker      = errors.New("no worker registered under that name")
	ErrInvariantViolation = errors.New("scheduling invariant violated")
	ErrIllegalTransition  = errors.New("illegal state transition")
	ErrRecordNotFound     = errors.New("record not found")
)

// StoreError wraps a driver failure with the operation that hit it.
type StoreError struct {
	Op    string
	Table string
	Key   string
	Err   error
}

func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("store %s %s[%s]: %v", e.Op, e.Table, e.Key, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Table, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	return target == ErrStore
}

func newStoreError(op, table, key string, err error) *StoreError {
	return &StoreError{Op: op, Table: table, Key: key, Err: err}
}
