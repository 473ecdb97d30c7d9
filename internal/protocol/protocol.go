// Package protocol defines the wire envelope of the session protocol.
//
// Every frame is a JSON object. Protocol-internal payloads travel under the
// reserved CoreKey; frames without it are opaque relay payloads that are
// forwarded verbatim to the other connections of a project.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// CoreKey is the reserved top-level key of protocol-internal payloads.
const CoreKey = "_core"

// MaxProjectIDLength is the longest accepted project id, in characters.
const MaxProjectIDLength = 128

// Error codes sent to clients. The values are part of the wire contract.
const (
	CodeInvalidFrame       = 1000
	CodeInvalidCore        = 1001
	CodeAutoLoginDisabled  = 2000
	CodeProjectLoadFailed  = 2001
	CodeCredentialRequired = 2002
	CodeCredentialMismatch = 2003
	CodeProjectIDType      = 3000
	CodeProjectIDLength    = 3001
	CodeHashFailed         = 3002
)

// maxEcho bounds how much of an offending frame is echoed in error data.
const maxEcho = 256

// Error is a protocol error reported to the sender of a frame.
type Error struct {
	Code    int
	Message string
	// Data is an excerpt of the offending input, if any.
	Data string
	// Err is the underlying cause, sent as the diagnostic string.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error %d: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Frame is a decoded inbound frame.
type Frame struct {
	// Raw is the frame exactly as received.
	Raw []byte
	// Core holds the fields of the CoreKey object; nil for relay frames.
	Core map[string]json.RawMessage
}

// IsCore reports whether the frame carries a protocol-internal payload.
func (f Frame) IsCore() bool { return f.Core != nil }

// Decode parses raw into a Frame. The returned error is always a *Error.
func Decode(raw []byte) (Frame, error) {
	if !json.Valid(raw) {
		var probe any
		err := json.Unmarshal(raw, &probe)
		return Frame{}, &Error{
			Code:    CodeInvalidFrame,
			Message: "Error handling incoming data object",
			Data:    excerpt(raw),
			Err:     err,
		}
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil || top == nil {
		return Frame{}, &Error{
			Code:    CodeInvalidFrame,
			Message: "Incoming data needs to be a JSON object",
			Data:    excerpt(raw),
			Err:     err,
		}
	}

	coreRaw, ok := top[CoreKey]
	if !ok {
		return Frame{Raw: raw}, nil
	}

	var core map[string]json.RawMessage
	if !isObject(coreRaw) {
		return Frame{}, &Error{
			Code:    CodeInvalidCore,
			Message: fmt.Sprintf("Property '%s' needs to be an object", CoreKey),
			Data:    excerpt(coreRaw),
		}
	}
	if err := json.Unmarshal(coreRaw, &core); err != nil {
		return Frame{}, &Error{
			Code:    CodeInvalidCore,
			Message: fmt.Sprintf("Property '%s' needs to be an object", CoreKey),
			Data:    excerpt(coreRaw),
			Err:     err,
		}
	}
	if core == nil {
		core = map[string]json.RawMessage{}
	}
	return Frame{Raw: raw, Core: core}, nil
}

// AuthRequest is the first core payload of a connection.
type AuthRequest struct {
	// ID is the requested project; empty when HasID is false (auto-login).
	ID    string
	HasID bool
	// Pwd is the supplied credential; HasPwd is false when it is missing
	// or empty.
	Pwd    string
	HasPwd bool
	// Init is the backend-specific initialization payload.
	Init json.RawMessage
}

// ParseAuth extracts an AuthRequest from a core payload. Errors carry
// CodeProjectIDType or CodeProjectIDLength.
func ParseAuth(core map[string]json.RawMessage) (AuthRequest, error) {
	var req AuthRequest

	if raw, ok := core["init"]; ok && !isNull(raw) {
		req.Init = append(json.RawMessage(nil), raw...)
	}
	if raw, ok := core["pwd"]; ok {
		var pwd string
		if json.Unmarshal(raw, &pwd) == nil && pwd != "" {
			req.Pwd, req.HasPwd = pwd, true
		}
	}

	raw, ok := core["id"]
	if !ok || isFalsy(raw) {
		return req, nil
	}

	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return req, &Error{
			Code:    CodeProjectIDType,
			Message: "Project ID needs to be a string: " + excerpt(raw),
		}
	}
	if id == "" {
		return req, nil
	}
	if utf8.RuneCountInString(id) > MaxProjectIDLength {
		return req, &Error{
			Code:    CodeProjectIDLength,
			Message: fmt.Sprintf("Unable to connect to project with ID longer than %d characters", MaxProjectIDLength),
		}
	}

	req.ID, req.HasID = id, true
	return req, nil
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// isFalsy reports the JSON values that request auto-login in place of an id.
func isFalsy(raw json.RawMessage) bool {
	switch string(bytes.TrimSpace(raw)) {
	case "null", "false", "0", `""`:
		return true
	}
	return false
}

func excerpt(raw []byte) string {
	if len(raw) <= maxEcho {
		return string(raw)
	}
	return string(raw[:maxEcho]) + "..."
}
