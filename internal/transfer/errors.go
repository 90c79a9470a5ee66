package transfer

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Protocol error codes. Final (F) errors are terminal for the transfer;
// temporary (T) errors may succeed on retry with different parameters.
const (
	CodeDecryptionError     = "F01"
	CodeNoRouteFound        = "F02"
	CodeInvalidFulfillment  = "F05"
	CodeUnexpectedPayment   = "F06"
	CodeUnknownCurrency     = "F07"
	CodeApplicationError    = "F99"
	CodeInternalError       = "T00"
	CodeDownstreamError     = "T01"
	CodeInsufficientBalance = "T04"
	CodeExpired             = "R00"
	CodeUnauthorized        = "F03"
)

// Error is the structured protocol error exchanged between hops. The
// transport encodes it on the wire; handlers inspect Code to decide
// whether they are responsible for recovery.
type Error struct {
	Code        string
	Status      int
	Message     string
	Data        []byte
	TriggeredAt time.Time
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a protocol error stamped with the current time.
func NewError(code string, status int, message string) *Error {
	return &Error{
		Code:        code,
		Status:      status,
		Message:     message,
		TriggeredAt: time.Now().UTC(),
	}
}

// ErrorCode extracts the protocol code from err, or "" if err is not a
// protocol error.
func ErrorCode(err error) string {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Code
	}
	return ""
}

func ErrNoRoute(destination string) *Error {
	return NewError(CodeNoRouteFound, http.StatusNotFound, "no route found for destination: "+destination)
}

func ErrUnknownCurrency(currency string) *Error {
	return NewError(CodeUnknownCurrency, http.StatusBadGateway, "rate unknown for currency: "+currency)
}

func ErrInsufficientBalance(account string) *Error {
	return NewError(CodeInsufficientBalance, http.StatusForbidden, "transfer would put account under minimum balance: "+account)
}

func ErrDownstream(cause error) *Error {
	e := NewError(CodeDownstreamError, http.StatusBadGateway, "failed to forward transfer to next hop")
	if cause != nil {
		e.Message = e.Message + ": " + cause.Error()
	}
	return e
}

func ErrInvalidFulfillment() *Error {
	return NewError(CodeInvalidFulfillment, http.StatusBadGateway, "fulfillment does not match transfer condition")
}

func ErrDecryption() *Error {
	return NewError(CodeDecryptionError, http.StatusBadRequest, "unable to decrypt transfer data")
}

func ErrExpired(expiry time.Time) *Error {
	return NewError(CodeExpired, http.StatusBadRequest, "transfer expired at "+expiry.UTC().Format(time.RFC3339))
}

func ErrUnauthorized(message string) *Error {
	return NewError(CodeUnauthorized, http.StatusUnauthorized, message)
}
