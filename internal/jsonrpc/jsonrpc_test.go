package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRequest(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	require.NoError(t, err)
	assert.Equal(t, "tools/list", req.Method)
	assert.False(t, req.IsNotification())

	req, err = DecodeRequest([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	require.NoError(t, err)
	assert.True(t, req.IsNotification())
}

func TestDecodeRequestErrors(t *testing.T) {
	_, err := DecodeRequest([]byte(`{not json`))
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeParseError, rpcErr.Code)

	_, err = DecodeRequest([]byte(`{"jsonrpc":"1.0","id":1,"method":"x"}`))
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeInvalidRequest, rpcErr.Code)
}

func TestDecodeResponse(t *testing.T) {
	resp, err := DecodeResponse([]byte(`{"jsonrpc":"2.0","id":7,"result":{"ok":true}}`))
	require.NoError(t, err)
	assert.False(t, resp.IsError())
	assert.Equal(t, int64(7), NormalizeID(resp.ID))

	resp, err = DecodeResponse([]byte(`{"jsonrpc":"2.0","id":7,"error":{"code":-32601,"message":"nope"}}`))
	require.NoError(t, err)
	assert.True(t, resp.IsError())
	assert.Equal(t, -32601, resp.Error.Code)
}

func TestNewRequestRoundTrip(t *testing.T) {
	req, err := NewRequest(int64(3), "tools/call", map[string]any{"name": "memory"})
	require.NoError(t, err)

	line, err := json.Marshal(req)
	require.NoError(t, err)
	decoded, err := DecodeRequest(line)
	require.NoError(t, err)
	assert.Equal(t, "tools/call", decoded.Method)
	assert.Equal(t, int64(3), NormalizeID(decoded.ID))

	var params map[string]any
	require.NoError(t, json.Unmarshal(decoded.Params, &params))
	assert.Equal(t, "memory", params["name"])
}

func TestNewNotificationHasNoID(t *testing.T) {
	req, err := NewNotification("shutdown", nil)
	require.NoError(t, err)
	assert.True(t, req.IsNotification())

	line, err := json.Marshal(req)
	require.NoError(t, err)
	assert.NotContains(t, string(line), `"id"`)
}

func TestNormalizeID(t *testing.T) {
	assert.Equal(t, int64(5), NormalizeID(float64(5)))
	assert.Equal(t, int64(5), NormalizeID(5))
	assert.Equal(t, int64(5), NormalizeID(int64(5)))
	assert.Equal(t, "abc", NormalizeID("abc"))
	assert.Nil(t, NormalizeID(nil))
}

func TestIDGeneratorMonotonic(t *testing.T) {
	g := NewIDGenerator()
	assert.Equal(t, int64(1), g.Next())
	assert.Equal(t, int64(2), g.Next())
	assert.Equal(t, int64(3), g.Next())
}
