package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeErr(t *testing.T, raw string) *Error {
	t.Helper()
	_, err := Decode([]byte(raw))
	var pe *Error
	require.True(t, errors.As(err, &pe), "expected *protocol.Error, got %v", err)
	return pe
}

func TestDecode_MalformedFrames(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		code int
	}{
		{"not json", `{"_core":`, CodeInvalidFrame},
		{"plain text", `hello`, CodeInvalidFrame},
		{"array", `[1,2]`, CodeInvalidFrame},
		{"number", `42`, CodeInvalidFrame},
		{"null", `null`, CodeInvalidFrame},
		{"core string", `{"_core":"auth"}`, CodeInvalidCore},
		{"core array", `{"_core":[]}`, CodeInvalidCore},
		{"core null", `{"_core":null}`, CodeInvalidCore},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, decodeErr(t, tt.raw).Code)
		})
	}
}

func TestDecode_RelayAndCore(t *testing.T) {
	relay, err := Decode([]byte(`{"cursor":3}`))
	require.NoError(t, err)
	assert.False(t, relay.IsCore())
	assert.Equal(t, `{"cursor":3}`, string(relay.Raw))

	core, err := Decode([]byte(`{"_core":{"id":"demo"}}`))
	require.NoError(t, err)
	assert.True(t, core.IsCore())
	assert.JSONEq(t, `"demo"`, string(core.Core["id"]))

	empty, err := Decode([]byte(`{"_core":{}}`))
	require.NoError(t, err)
	assert.True(t, empty.IsCore())
}

func core(t *testing.T, raw string) map[string]json.RawMessage {
	t.Helper()
	f, err := Decode([]byte(raw))
	require.NoError(t, err)
	return f.Core
}

func TestParseAuth(t *testing.T) {
	req, err := ParseAuth(core(t, `{"_core":{"id":"demo","pwd":"x","init":{"a":1}}}`))
	require.NoError(t, err)
	assert.True(t, req.HasID)
	assert.Equal(t, "demo", req.ID)
	assert.True(t, req.HasPwd)
	assert.Equal(t, "x", req.Pwd)
	assert.JSONEq(t, `{"a":1}`, string(req.Init))

	for _, raw := range []string{`{"_core":{}}`, `{"_core":{"id":null}}`, `{"_core":{"id":""}}`, `{"_core":{"id":false}}`} {
		req, err := ParseAuth(core(t, raw))
		require.NoError(t, err, raw)
		assert.False(t, req.HasID, raw)
	}
}

func TestParseAuth_InvalidID(t *testing.T) {
	_, err := ParseAuth(core(t, `{"_core":{"id":42}}`))
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, CodeProjectIDType, pe.Code)

	long := strings.Repeat("a", MaxProjectIDLength+1)
	_, err = ParseAuth(core(t, `{"_core":{"id":"`+long+`"}}`))
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, CodeProjectIDLength, pe.Code)

	exact := strings.Repeat("é", MaxProjectIDLength)
	req, err := ParseAuth(core(t, `{"_core":{"id":"`+exact+`"}}`))
	require.NoError(t, err)
	assert.Equal(t, exact, req.ID)
}

func TestParseAuth_NonStringPwdIsMissing(t *testing.T) {
	req, err := ParseAuth(core(t, `{"_core":{"id":"demo","pwd":123}}`))
	require.NoError(t, err)
	assert.False(t, req.HasPwd)
}

func TestEncoders(t *testing.T) {
	assert.JSONEq(t, `{"_core":{"authed":{"id":"demo","serverID":1}}}`, string(Authed("demo", 1)))
	assert.JSONEq(t, `{"_core":{"authErr":{"code":2000,"message":"disabled"}}}`, string(AuthErr(CodeAutoLoginDisabled, "disabled")))
	assert.JSONEq(t, `{"_core":{"autoReload":"next"}}`, string(AutoReload("next")))

	e := &Error{Code: CodeInvalidFrame, Message: "bad", Data: "x", Err: errors.New("cause")}
	assert.JSONEq(t, `{"_core":{"err":{"code":1000,"message":"bad","data":"x","error":"cause"}}}`, string(Err(e)))
}
