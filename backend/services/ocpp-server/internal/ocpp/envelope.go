package ocpp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// MessageType is the leading integer tag of an OCPP-J frame.
type MessageType int

const (
	CallType       MessageType = 2
	CallResultType MessageType = 3
	CallErrorType  MessageType = 4
)

// ZeroRequestID answers Calls whose request id could not be recovered.
const ZeroRequestID = "0"

const maxRawPreview = 512

// Envelope is one decoded frame: Call, CallResult, CallError or Malformed.
type Envelope interface {
	MessageType() MessageType
	RequestID() string
}

// Call is a request, in either direction.
type Call struct {
	ID      string
	Action  string
	Payload json.RawMessage
}

func (Call) MessageType() MessageType { return CallType }
func (c Call) RequestID() string { return c.ID }

// CallResult is the successful answer to a Call.
type CallResult struct {
	ID      string
	Payload json.RawMessage
}

func (CallResult) MessageType() MessageType { return CallResultType }
func (c CallResult) RequestID() string { return c.ID }

// CallError is the failed answer to a Call.
type CallError struct {
	ID          string
	Code        ErrorCode
	Description string
	Details     json.RawMessage
}

func (CallError) MessageType() MessageType { return CallErrorType }
func (c CallError) RequestID() string { return c.ID }

// Err converts the frame into an *Error value.
func (c CallError) Err() *Error {
	return &Error{Code: c.Code, Description: c.Description, Details: c.Details}
}

// Malformed is anything that is not a well-formed Call, CallResult or CallError.
// Tag and ID are filled in when they could be recovered from the broken frame.
type Malformed struct {
	Tag    int
	ID     string
	Reason string
	Raw    string
}

func (m Malformed) MessageType() MessageType { return MessageType(m.Tag) }
func (m Malformed) RequestID() string { return m.ID }

// Error lets a Malformed travel as an error value.
func (m Malformed) Error() string {
	return "ocpp: malformed frame: " + m.Reason
}

// ErrEncodeMalformed is returned when asked to encode a Malformed envelope.
var ErrEncodeMalformed = errors.New("ocpp: cannot encode malformed envelope")

// Decode classifies raw bytes. It never panics: anything unexpected yields Malformed.
func Decode(raw []byte) Envelope {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return malformed(raw, 0, "", "frame is not a JSON array")
	}
	if len(elems) == 0 {
		return malformed(raw, 0, "", "frame is an empty array")
	}

	var tag int
	if kindOf(elems[0]) != '0' || json.Unmarshal(elems[0], &tag) != nil {
		return malformed(raw, 0, recoverID(elems), "message type is not an integer")
	}
	id := recoverID(elems)

	switch MessageType(tag) {
	case CallType:
		if len(elems) != 4 {
			return malformed(raw, tag, id, fmt.Sprintf("Call must have 4 elements, got %d", len(elems)))
		}
		reqID, ok := stringAt(elems, 1)
		if !ok {
			return malformed(raw, tag, id, "request id must be a string")
		}
		action, ok := stringAt(elems, 2)
		if !ok {
			return malformed(raw, tag, id, "action must be a string")
		}
		if !isObject(elems[3]) {
			return malformed(raw, tag, id, "payload must be a JSON object")
		}
		return Call{ID: reqID, Action: action, Payload: compact(elems[3])}
	case CallResultType:
		if len(elems) != 3 {
			return malformed(raw, tag, id, fmt.Sprintf("CallResult must have 3 elements, got %d", len(elems)))
		}
		reqID, ok := stringAt(elems, 1)
		if !ok {
			return malformed(raw, tag, id, "request id must be a string")
		}
		if !isObject(elems[2]) {
			return malformed(raw, tag, id, "payload must be a JSON object")
		}
		return CallResult{ID: reqID, Payload: compact(elems[2])}
	case CallErrorType:
		if len(elems) != 5 {
			return malformed(raw, tag, id, fmt.Sprintf("CallError must have 5 elements, got %d", len(elems)))
		}
		reqID, ok := stringAt(elems, 1)
		if !ok {
			return malformed(raw, tag, id, "request id must be a string")
		}
		code, ok := stringAt(elems, 2)
		if !ok {
			return malformed(raw, tag, id, "error code must be a string")
		}
		description, ok := stringAt(elems, 3)
		if !ok {
			return malformed(raw, tag, id, "error description must be a string")
		}
		if !isObject(elems[4]) {
			return malformed(raw, tag, id, "error details must be a JSON object")
		}
		return CallError{
			ID:          reqID,
			Code:        ParseErrorCode(code),
			Description: description,
			Details:     compact(elems[4]),
		}
	default:
		return malformed(raw, tag, id, fmt.Sprintf("unsupported message type %d", tag))
	}
}

// Encode serializes a well-formed envelope back to its array shape.
func Encode(env Envelope) ([]byte, error) {
	var frame []interface{}
	switch v := env.(type) {
	case Call:
		frame = []interface{}{CallType, v.ID, v.Action, objectOrEmpty(v.Payload)}
	case *Call:
		return Encode(*v)
	case CallResult:
		frame = []interface{}{CallResultType, v.ID, objectOrEmpty(v.Payload)}
	case *CallResult:
		return Encode(*v)
	case CallError:
		frame = []interface{}{CallErrorType, v.ID, string(v.Code), v.Description, objectOrEmpty(v.Details)}
	case *CallError:
		return Encode(*v)
	case Malformed, *Malformed:
		return nil, ErrEncodeMalformed
	default:
		return nil, fmt.Errorf("ocpp: unsupported envelope %T", env)
	}

	// Payloads are relayed as the station sent them, so HTML escaping stays off.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(frame); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// NewCallResult marshals payload into a CallResult.
func NewCallResult(id string, payload interface{}) (CallResult, error) {
	body, err := marshalObject(payload)
	if err != nil {
		return CallResult{}, err
	}
	return CallResult{ID: id, Payload: body}, nil
}

// NewCallError builds a CallError from an *Error.
func NewCallError(id string, err *Error) CallError {
	return CallError{ID: id, Code: err.Code, Description: err.Description, Details: objectOrEmpty(err.Details)}
}

func marshalObject(payload interface{}) (json.RawMessage, error) {
	if payload == nil {
		return emptyObject(), nil
	}
	var body []byte
	switch v := payload.(type) {
	case json.RawMessage:
		body = v
	case []byte:
		body = v
	default:
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = encoded
	}
	if !json.Valid(body) {
		return nil, errors.New("ocpp: payload is not valid JSON")
	}
	if !isObject(body) {
		return nil, errors.New("ocpp: payload must encode to a JSON object")
	}
	return compact(body), nil
}

func malformed(raw []byte, tag int, id, reason string) Malformed {
	preview := raw
	if len(preview) > maxRawPreview {
		preview = preview[:maxRawPreview]
	}
	text := string(preview)
	if !utf8.ValidString(text) {
		text = fmt.Sprintf("%q", preview)
	}
	return Malformed{Tag: tag, ID: id, Reason: reason, Raw: text}
}

// recoverID returns the request id of a broken frame when it is a string or a number.
func recoverID(elems []json.RawMessage) string {
	if len(elems) < 2 {
		return ""
	}
	switch kindOf(elems[1]) {
	case '"':
		var id string
		if json.Unmarshal(elems[1], &id) == nil {
			return id
		}
	case '0':
		return string(bytes.TrimSpace(elems[1]))
	}
	return ""
}

func stringAt(elems []json.RawMessage, i int) (string, bool) {
	if kindOf(elems[i]) != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(elems[i], &s); err != nil {
		return "", false
	}
	return s, true
}

// kindOf reports the JSON kind of a raw value by its first byte: '"', '{', '[', '0' for numbers,
// 't'/'f' for booleans, 'n' for null.
func kindOf(raw json.RawMessage) byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return 0
	}
	switch c := trimmed[0]; {
	case c == '-' || (c >= '0' && c <= '9'):
		return '0'
	default:
		return c
	}
}

func isObject(raw []byte) bool {
	return kindOf(raw) == '{'
}

// objectOrEmpty keeps Encode from emitting a payload or details element that Decode would reject.
func objectOrEmpty(raw json.RawMessage) json.RawMessage {
	if !isObject(raw) {
		return emptyObject()
	}
	return raw
}

func compact(raw json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
