package ocpp

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorCode classifies a CallError on the wire and, for Timeout, an internal resolution.
type ErrorCode string

const (
	NotImplemented               ErrorCode = "NotImplemented"
	NotSupported                 ErrorCode = "NotSupported"
	InternalError                ErrorCode = "InternalError"
	ProtocolError                ErrorCode = "ProtocolError"
	SecurityError                ErrorCode = "SecurityError"
	FormationViolation           ErrorCode = "FormationViolation"
	PropertyConstraintViolation  ErrorCode = "PropertyConstraintViolation"
	OccurenceConstraintViolation ErrorCode = "OccurenceConstraintViolation"
	TypeConstraintViolation      ErrorCode = "TypeConstraintViolation"
	GenericError                 ErrorCode = "GenericError"
	// Timeout never has to come from a station; the correlator uses it when a deadline elapses.
	Timeout ErrorCode = "Timeout"
)

var knownErrorCodes = map[ErrorCode]struct{}{
	NotImplemented:               {},
	NotSupported:                 {},
	InternalError:                {},
	ProtocolError:                {},
	SecurityError:                {},
	FormationViolation:           {},
	PropertyConstraintViolation:  {},
	OccurenceConstraintViolation: {},
	TypeConstraintViolation:      {},
	GenericError:                 {},
	Timeout:                      {},
}

// ParseErrorCode maps a wire string onto the known codes. Unknown strings become GenericError.
func ParseErrorCode(raw string) ErrorCode {
	code := ErrorCode(raw)
	if _, ok := knownErrorCodes[code]; ok {
		return code
	}
	return GenericError
}

// Valid reports whether c is one of the enumerated codes.
func (c ErrorCode) Valid() bool {
	_, ok := knownErrorCodes[c]
	return ok
}

// Error is a protocol-level failure: what a CallError carries and what handlers may return
// to pick a specific code.
type Error struct {
	Code        ErrorCode
	Description string
	Details     json.RawMessage
}

// NewError builds an Error. details may be nil, a json.RawMessage or any JSON-encodable object.
func NewError(code ErrorCode, description string, details interface{}) *Error {
	return &Error{Code: code, Description: description, Details: encodeDetails(details)}
}

func (e *Error) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("ocpp: %s", e.Code)
	}
	return fmt.Sprintf("ocpp: %s: %s", e.Code, e.Description)
}

// AsError extracts an *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var protoErr *Error
	if errors.As(err, &protoErr) {
		return protoErr, true
	}
	return nil, false
}

func encodeDetails(details interface{}) json.RawMessage {
	switch v := details.(type) {
	case nil:
		return emptyObject()
	case json.RawMessage:
		if !isObject(v) {
			return emptyObject()
		}
		return v
	}
	data, err := json.Marshal(details)
	if err != nil || !isObject(data) {
		return emptyObject()
	}
	return data
}

func emptyObject() json.RawMessage {
	return json.RawMessage(`{}`)
}
