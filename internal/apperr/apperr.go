// Package apperr defines the coded error taxonomy shared by the dispatch core.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeNotFound              Code = "NOT_FOUND"
	CodeInvalidTransition     Code = "INVALID_TRANSITION"
	CodeOfferExpired          Code = "OFFER_EXPIRED"
	CodeOfferNotFound         Code = "OFFER_NOT_FOUND"
	CodeJobAlreadyAssigned    Code = "JOB_ALREADY_ASSIGNED"
	CodeInsufficientAvailable Code = "INSUFFICIENT_AVAILABLE"
	CodeInvalidAmount         Code = "INVALID_AMOUNT"
	CodeStoreUnavailable      Code = "STORE_UNAVAILABLE"
	CodeValidation            Code = "VALIDATION_ERROR"
	CodeConflict              Code = "CONFLICT"
	CodeForbidden             Code = "FORBIDDEN"
	CodeInternal              Code = "INTERNAL_ERROR"
)

// Metadata describes how a code surfaces to callers.
// Expected codes are normal domain outcomes and are never logged as system errors.
type Metadata struct {
	HTTPStatus int
	Retryable  bool
	Expected   bool
}

var metadataByCode = map[Code]Metadata{
	CodeNotFound:              {HTTPStatus: http.StatusNotFound, Expected: true},
	CodeInvalidTransition:     {HTTPStatus: http.StatusUnprocessableEntity, Expected: true},
	CodeOfferExpired:          {HTTPStatus: http.StatusGone, Expected: true},
	CodeOfferNotFound:         {HTTPStatus: http.StatusNotFound, Expected: true},
	CodeJobAlreadyAssigned:    {HTTPStatus: http.StatusConflict, Expected: true},
	CodeInsufficientAvailable: {HTTPStatus: http.StatusUnprocessableEntity, Expected: true},
	CodeInvalidAmount:         {HTTPStatus: http.StatusBadRequest, Expected: true},
	CodeValidation:            {HTTPStatus: http.StatusBadRequest, Expected: true},
	CodeConflict:              {HTTPStatus: http.StatusConflict, Expected: true},
	CodeForbidden:             {HTTPStatus: http.StatusForbidden, Expected: true},
	CodeStoreUnavailable:      {HTTPStatus: http.StatusServiceUnavailable, Retryable: true},
	CodeInternal:              {HTTPStatus: http.StatusInternalServerError, Retryable: true},
}

func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

// Sentinels for errors.Is checks. Any *Error with the same code matches.
var (
	ErrNotFound              = New(CodeNotFound, "not found")
	ErrInvalidTransition     = New(CodeInvalidTransition, "invalid state transition")
	ErrOfferExpired          = New(CodeOfferExpired, "offer expired")
	ErrOfferNotFound         = New(CodeOfferNotFound, "offer not found")
	ErrJobAlreadyAssigned    = New(CodeJobAlreadyAssigned, "job already assigned")
	ErrInsufficientAvailable = New(CodeInsufficientAvailable, "insufficient available balance")
	ErrInvalidAmount         = New(CodeInvalidAmount, "amount must be positive")
	ErrStoreUnavailable      = New(CodeStoreUnavailable, "store unavailable")
	ErrValidation            = New(CodeValidation, "validation failed")
	ErrConflict              = New(CodeConflict, "conflict")
	ErrForbidden             = New(CodeForbidden, "access denied")
)

type Error struct {
	code    Code
	message string
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{code: code, message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches on code so detailed errors compare equal to the package sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.code == t.code
}

// As returns the first *Error in the chain, or nil.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	return nil
}

// CodeOf reports the code of err, CodeInternal for foreign errors.
func CodeOf(err error) Code {
	if typed := As(err); typed != nil {
		return typed.code
	}
	return CodeInternal
}

// IsExpected reports whether err is a domain outcome rather than a system fault.
func IsExpected(err error) bool {
	if err == nil {
		return false
	}
	return MetadataFor(CodeOf(err)).Expected
}
