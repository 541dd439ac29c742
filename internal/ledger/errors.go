package ledger

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure scenarios.
var (
	ErrUserNotFound        = errors.New("ledger: user not found")
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrInvalidInput        = errors.New("ledger: invalid input")
	ErrStore               = errors.New("ledger: store failure")
)

// InsufficientBalanceError reports the balance seen when a debit was refused.
type InsufficientBalanceError struct {
	Current  int64
	Required int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("ledger: insufficient balance: current %d, required %d", e.Current, e.Required)
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// ValidationError represents a malformed request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ledger: validation failed for %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// StoreError wraps a persistence failure. It is always propagated.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("ledger: store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	return target == ErrStore
}

// WrapStore returns err wrapped in a StoreError unless it is nil or already
// one of the ledger's domain errors.
func WrapStore(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrInsufficientBalance) || errors.Is(err, ErrStore) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}
