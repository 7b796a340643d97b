package join

import (
	"context"
	"errors"
	"fmt"

	"github.com/projecteru2/oobjoin/handshake"
	"github.com/projecteru2/oobjoin/metadata"
	"github.com/projecteru2/oobjoin/protocol"
	"github.com/projecteru2/oobjoin/types"
)

// ErrJoinRejected is wrapped when the guest reports Succeeded:false.
var ErrJoinRejected = errors.New("domain join rejected by guest")

// Reason classifies a failed operation.
type Reason string

const (
	ReasonAlreadyInProgress Reason = "already-in-progress"
	ReasonControlPlane      Reason = "control-plane"
	ReasonResetFailed       Reason = "reset-failed"
	ReasonTimeout           Reason = "timeout"
	ReasonCancelled         Reason = "cancelled"
	ReasonProtocol          Reason = "protocol"
	ReasonCrypto            Reason = "crypto"
	ReasonRejected          Reason = "rejected"
)

// Error is the terminal failure of an operation.
//
// Stage is the step that failed. RestoreErr is set when restoring metadata
// failed as well; it is reported alongside Err, never instead of it.
type Error struct {
	OperationID string
	VM          types.VMRef
	Stage       State
	Reason      Reason
	// Detail is the guest-reported error text for ReasonRejected.
	Detail string
	// Joined is true when the guest reported success but restoration failed.
	Joined     bool
	Err        error
	RestoreErr error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("join %s (operation %s) failed at %s [%s]: %v", e.VM, e.OperationID, e.Stage, e.Reason, e.Err)
	if e.Joined {
		msg = fmt.Sprintf("join %s (operation %s) succeeded but metadata restore failed: %v", e.VM, e.OperationID, e.Err)
	}
	if e.RestoreErr != nil {
		msg += fmt.Sprintf("; additionally, restoring metadata failed: %v", e.RestoreErr)
	}
	return msg
}

// Unwrap exposes both the cause and the restoration failure.
func (e *Error) Unwrap() []error {
	errs := []error{e.Err}
	if e.RestoreErr != nil {
		errs = append(errs, e.RestoreErr)
	}
	return errs
}

// AsError returns the *Error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var je *Error
	ok := errors.As(err, &je)
	return je, ok
}

// classify maps a step error to a Reason; fallback applies to anything the
// control plane returned.
func classify(err error, fallback Reason) Reason {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, context.Canceled):
		return ReasonCancelled
	case errors.Is(err, metadata.ErrGuardConflict):
		return ReasonAlreadyInProgress
	case errors.Is(err, handshake.ErrInvalidKey):
		return ReasonCrypto
	case errors.Is(err, protocol.ErrMalformedMessage):
		return ReasonProtocol
	case errors.Is(err, ErrJoinRejected):
		return ReasonRejected
	}
	return fallback
}
