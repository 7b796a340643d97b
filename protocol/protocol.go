// Package protocol defines the wire format of the out-of-band domain-join
// protocol: the metadata keys the client writes, and the JSON messages the
// guest prints to its serial console.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Metadata keys.
const (
	// GuardKey holds the operation id while a join is in progress.
	GuardKey = "iapdesktop-join-in-progress"
	// JoinRequestKey holds the serialized JoinRequest.
	JoinRequestKey = "iapdesktop-join"
	// StartupScriptKey is the key that carries the one-time join script.
	StartupScriptKey = "windows-startup-script-ps1"
)

// StartupScriptKeys are snapshotted and restored as one set.
var StartupScriptKeys = []string{
	"windows-startup-script-ps1",
	"windows-startup-script-cmd",
	"windows-startup-script-bat",
	"windows-startup-script-url",
}

// Message types.
const (
	TypeHello        = "hello"
	TypeJoinRequest  = "join-request"
	TypeJoinResponse = "join-response"
)

// DefaultSerialPort is the COM port the guest script writes to.
const DefaultSerialPort = 4

// ErrMalformedMessage is returned when a matched console line does not hold
// a decodable message of the expected type and operation.
var ErrMalformedMessage = errors.New("malformed protocol message")

// Header is common to every message.
type Header struct {
	OperationID string `json:"OperationId"`
	MessageType string `json:"MessageType"`
}

// Message is implemented by the message shapes that travel over serial.
type Message interface {
	Kind() string
	header() Header
}

// Hello is printed by the guest once its ephemeral keypair is ready.
type Hello struct {
	Header
	Modulus  string `json:"Modulus"`
	Exponent string `json:"Exponent"`
}

func (Hello) Kind() string     { return TypeHello }
func (h Hello) header() Header { return h.Header }

// JoinRequest is delivered to the guest through metadata, never serial.
type JoinRequest struct {
	Header
	DomainName        string `json:"DomainName"`
	NewComputerName   string `json:"NewComputerName"`
	Username          string `json:"Username"`
	EncryptedPassword string `json:"EncryptedPassword"`
}

// JoinResponse is printed by the guest after the join attempt.
type JoinResponse struct {
	Header
	Succeeded    bool   `json:"Succeeded"`
	ErrorDetails string `json:"ErrorDetails,omitempty"`
}

func (JoinResponse) Kind() string     { return TypeJoinResponse }
func (r JoinResponse) header() Header { return r.Header }

// NewJoinRequest builds a JoinRequest for operationID.
func NewJoinRequest(operationID, domain, computerName, username, encryptedPassword string) JoinRequest {
	return JoinRequest{
		Header:            Header{OperationID: operationID, MessageType: TypeJoinRequest},
		DomainName:        domain,
		NewComputerName:   computerName,
		Username:          username,
		EncryptedPassword: encryptedPassword,
	}
}

// Matches reports whether a raw console line may carry the message
// (operationID, messageType). Containment, not parsing: console lines are
// often prefixed by timestamps or garbled fragments.
func Matches(line, operationID, messageType string) bool {
	return strings.Contains(line, operationID) && strings.Contains(line, messageType)
}

// Objects returns every span from a '{' to the last '}' of line, leftmost
// first. A garbled fragment ahead of the message may hold a brace of its own,
// so the message can start at any of them.
func Objects(line string) []string {
	end := strings.LastIndexByte(line, '}')
	var out []string
	for i := 0; i < end; i++ {
		if line[i] == '{' {
			out = append(out, line[i:end+1])
		}
	}
	return out
}

// Decode parses a console line into T and checks that it belongs to
// operationID. Each candidate object is tried in turn; the line is
// malformed only if none decodes to the expected header.
func Decode[T Message](line, operationID string) (T, error) {
	var zero T
	objs := Objects(line)
	if len(objs) == 0 {
		return zero, fmt.Errorf("%w: no JSON object in %q", ErrMalformedMessage, line)
	}
	var lastErr error
	for _, obj := range objs {
		var msg T
		if err := json.Unmarshal([]byte(obj), &msg); err != nil {
			lastErr = fmt.Errorf("decode %s: %w", zero.Kind(), err)
			continue
		}
		h := msg.header()
		if h.OperationID != operationID || h.MessageType != msg.Kind() {
			lastErr = fmt.Errorf("got %s/%s, want %s/%s", h.OperationID, h.MessageType, operationID, msg.Kind())
			continue
		}
		return msg, nil
	}
	return zero, fmt.Errorf("%w: %w", ErrMalformedMessage, lastErr)
}
