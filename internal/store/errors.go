package store

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/MarcoPoloResearchLab/timetracker/internal/documents"
)

var (
	// ErrAuthentication reports a rejected credential at the remote.
	ErrAuthentication = errors.New("store: authentication failed")
	// ErrTransient reports a retryable remote or transport failure.
	ErrTransient = errors.New("store: transient failure")
	// ErrOffline reports an operation attempted while the network is disabled.
	ErrOffline = errors.New("store: offline")
	// ErrClosed reports use of a store that is not open.
	ErrClosed = errors.New("store: closed")
	// ErrAlreadyOpen reports a second handle on the same database.
	ErrAlreadyOpen = errors.New("store: database already open")
)

// OperationError carries a stable "<operation>.<reason>" code.
type OperationError struct {
	code string
	err  error
}

func (e *OperationError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *OperationError) Unwrap() error {
	return e.err
}

// Code returns the operation code.
func (e *OperationError) Code() string {
	return e.code
}

// NewOperationError builds a coded error.
func NewOperationError(operation, reason string, cause error) error {
	return &OperationError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Classify maps an error onto the sync error classes.
func Classify(err error) ErrorClass {
	if errors.Is(err, ErrAuthentication) {
		return ErrorClassAuth
	}
	return ErrorClassTransient
}

// StatusFor maps store errors onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, documents.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, documents.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, documents.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrAuthentication):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// ErrorForStatus maps an HTTP status onto the store sentinel it represents.
func ErrorForStatus(status int) error {
	switch status {
	case http.StatusNotFound:
		return documents.ErrNotFound
	case http.StatusConflict:
		return documents.ErrConflict
	case http.StatusBadRequest:
		return documents.ErrValidation
	case http.StatusUnauthorized:
		return ErrAuthentication
	default:
		return ErrTransient
	}
}
