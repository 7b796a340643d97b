package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const opID = "0b9d6a3e-7c55-4a8e-9a43-1f2f5c2d9e10"

// --- Matches ---

func TestMatches(t *testing.T) {
	line := `2024/01/01 GCEMetadataScripts: {"OperationId":"` + opID + `","MessageType":"hello"}`
	assert.True(t, Matches(line, opID, TypeHello))
	assert.False(t, Matches(line, opID, TypeJoinResponse))
	assert.False(t, Matches(line, "other-op", TypeHello))
}

// --- Objects ---

func TestObjects_StripsConsoleNoise(t *testing.T) {
	objs := Objects(`\x1b[0mprefix {"a":{"b":1}} trailing`)
	require.NotEmpty(t, objs)
	assert.Equal(t, `{"a":{"b":1}}`, objs[0])
	assert.Equal(t, []string{`{"a":{"b":1}}`, `{"b":1}}`}, objs)
}

func TestObjects_NoObject(t *testing.T) {
	assert.Empty(t, Objects("} no object {"))
	assert.Empty(t, Objects("plain text"))
}

// --- Decode ---

func TestDecode_Hello(t *testing.T) {
	line := `noise {"OperationId":"` + opID + `","MessageType":"hello","Modulus":"bW9k","Exponent":"AQAB"}`
	hello, err := Decode[Hello](line, opID)
	require.NoError(t, err)
	assert.Equal(t, "bW9k", hello.Modulus)
	assert.Equal(t, "AQAB", hello.Exponent)
	assert.Equal(t, opID, hello.OperationID)
}

func TestDecode_JoinResponse(t *testing.T) {
	line := `{"OperationId":"` + opID + `","MessageType":"join-response","Succeeded":false,"ErrorDetails":"bad credentials"}`
	resp, err := Decode[JoinResponse](line, opID)
	require.NoError(t, err)
	assert.False(t, resp.Succeeded)
	assert.Equal(t, "bad credentials", resp.ErrorDetails)
}

func TestDecode_Truncated(t *testing.T) {
	_, err := Decode[Hello](`{"OperationId":"`+opID+`","MessageType":"hello"`, opID)
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestDecode_GarbledPrefixWithBrace(t *testing.T) {
	line := "{\"Oper\x00GCEMetadataScripts: {\"OperationId\":\"" + opID + `","MessageType":"join-response","Succeeded":true}`
	resp, err := Decode[JoinResponse](line, opID)
	require.NoError(t, err)
	assert.True(t, resp.Succeeded)
	assert.Equal(t, opID, resp.OperationID)
}

func TestDecode_StaleObjectAhead(t *testing.T) {
	// A fragment of an earlier message, closed by the real one's brace.
	line := `{"OperationId":"old", {"OperationId":"` + opID + `","MessageType":"hello","Modulus":"bW9k","Exponent":"AQAB"}`
	hello, err := Decode[Hello](line, opID)
	require.NoError(t, err)
	assert.Equal(t, "bW9k", hello.Modulus)
}

func TestDecode_WrongOperation(t *testing.T) {
	// The id matched as a substring of another field, not the header.
	line := `{"OperationId":"other","MessageType":"hello","Modulus":"` + opID + `"}`
	_, err := Decode[Hello](line, opID)
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestDecode_WrongType(t *testing.T) {
	line := `{"OperationId":"` + opID + `","MessageType":"join-response","Succeeded":true}`
	_, err := Decode[Hello](line, opID)
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

// --- JoinRequest ---

func TestJoinRequest_WireShape(t *testing.T) {
	req := NewJoinRequest(opID, "corp.example", "HOST1", "admin", "Y2lwaGVy")
	b, err := json.Marshal(req)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(b, &fields))
	assert.Equal(t, map[string]any{
		"OperationId":       opID,
		"MessageType":       "join-request",
		"DomainName":        "corp.example",
		"NewComputerName":   "HOST1",
		"Username":          "admin",
		"EncryptedPassword": "Y2lwaGVy",
	}, fields)
}

// --- StartupScript ---

func TestStartupScript_Parameterized(t *testing.T) {
	script, err := StartupScript(opID, DefaultSerialPort)
	require.NoError(t, err)
	assert.Contains(t, script, `$OperationId    = "`+opID+`"`)
	assert.Contains(t, script, `"COM4"`)
	assert.Contains(t, script, GuardKey)
	assert.Contains(t, script, JoinRequestKey)
	assert.False(t, strings.Contains(script, "{{"), "template fully rendered")
}
