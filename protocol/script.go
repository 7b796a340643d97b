package protocol

import (
	"bytes"
	_ "embed"
	"fmt"
	"text/template"
)

//go:embed scripts/join.ps1.tmpl
var joinScriptSource string

var joinScript = template.Must(template.New("join.ps1").Parse(joinScriptSource))

type scriptParams struct {
	OperationID      string
	GuardKey         string
	JoinRequestKey   string
	SerialPort       int
	HelloType        string
	JoinRequestType  string
	JoinResponseType string
}

// StartupScript renders the one-time guest script for operationID. The
// script reports over COM<serialPort>.
func StartupScript(operationID string, serialPort int) (string, error) {
	var buf bytes.Buffer
	if err := joinScript.Execute(&buf, scriptParams{
		OperationID:      operationID,
		GuardKey:         GuardKey,
		JoinRequestKey:   JoinRequestKey,
		SerialPort:       serialPort,
		HelloType:        TypeHello,
		JoinRequestType:  TypeJoinRequest,
		JoinResponseType: TypeJoinResponse,
	}); err != nil {
		return "", fmt.Errorf("render startup script: %w", err)
	}
	return buf.String(), nil
}
