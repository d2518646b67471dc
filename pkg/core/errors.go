package core

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable error code surfaced to API callers.
type Code string

const (
	// Input
	CodeMalformedRequest Code = "MALFORMED_REQUEST"
	CodeUnknownPair      Code = "UNKNOWN_PAIR"
	CodeInvalidParameter Code = "INVALID_PARAMETER"

	// Auth
	CodeInvalidSignature   Code = "INVALID_SIGNATURE"
	CodeMalformedSignature Code = "MALFORMED_SIGNATURE"
	CodeExpired            Code = "EXPIRED"
	CodeNotOrderOwner      Code = "NOT_ORDER_OWNER"
	CodeUnauthorized       Code = "UNAUTHORIZED"

	// Replay
	CodeDuplicateOrder Code = "DUPLICATE_ORDER"
	CodeNonceTooLow    Code = "NONCE_TOO_LOW"

	// Risk
	CodeOrderTooSmall          Code = "ORDER_TOO_SMALL"
	CodeOrderTooLarge          Code = "ORDER_TOO_LARGE"
	CodePriceDeviationTooLarge Code = "PRICE_DEVIATION_TOO_LARGE"
	CodeRateLimited            Code = "RATE_LIMITED"
	CodeTooManyOpenOrders      Code = "TOO_MANY_OPEN_ORDERS"
	CodeBlacklisted            Code = "BLACKLISTED"

	// Funds
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"

	// State
	CodeOrderNotFound       Code = "ORDER_NOT_FOUND"
	CodeOrderNotCancellable Code = "ORDER_NOT_CANCELLABLE"
	CodeBookEmpty           Code = "BOOK_EMPTY"

	// Downstream
	CodeStorageUnavailable Code = "STORAGE_UNAVAILABLE"
	CodeSettlementRejected Code = "SETTLEMENT_REJECTED"
	CodeSettlementTimeout  Code = "SETTLEMENT_TIMEOUT"
)

// Error carries a stable code plus a human-readable reason.
type Error struct {
	Code    Code
	Message string
	wrapped error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// E builds a coded error.
func E(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, err error, msg string) *Error {
	return &Error{Code: code, Message: fmt.Sprintf("%s: %v", msg, err), wrapped: err}
}

// CodeOf extracts the code from err, or "" if err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Invariant panics when cond is false. Invariant violations are never
// masked; the process must not keep matching on corrupt state.
func Invariant(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("invariant violation: "+format, args...))
	}
}
