package protocol

import "encoding/json"

type envelope struct {
	Core any `json:"_core"`
}

type authed struct {
	Authed authedBody `json:"authed"`
}

type authedBody struct {
	ID       string `json:"id"`
	ServerID uint64 `json:"serverID"`
}

type authErr struct {
	AuthErr codeMessage `json:"authErr"`
}

type codeMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type frameErr struct {
	Err errBody `json:"err"`
}

type errBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type autoReload struct {
	AutoReload string `json:"autoReload"`
}

// encode wraps body in the core envelope. The bodies used here contain
// only strings and numbers, so marshalling cannot fail.
func encode(body any) []byte {
	data, err := json.Marshal(envelope{Core: body})
	if err != nil {
		panic("protocol: encode: " + err.Error())
	}
	return data
}

// Authed encodes the authentication success response.
func Authed(projectID string, serverID uint64) []byte {
	return encode(authed{Authed: authedBody{ID: projectID, ServerID: serverID}})
}

// AuthErr encodes an authentication failure; the connection is closed
// after it is sent.
func AuthErr(code int, message string) []byte {
	return encode(authErr{AuthErr: codeMessage{Code: code, Message: message}})
}

// Err encodes a decode or shape error; the connection stays open.
func Err(e *Error) []byte {
	body := errBody{Code: e.Code, Message: e.Message, Data: e.Data}
	if e.Err != nil {
		body.Error = e.Err.Error()
	}
	return encode(frameErr{Err: body})
}

// AutoReload encodes the unsolicited push sent to auto-login connections
// when the auto-login project changes.
func AutoReload(projectID string) []byte {
	return encode(autoReload{AutoReload: projectID})
}
