package controlplane

import (
	"context"
	"errors"

	"github.com/projecteru2/oobjoin/types"
)

var (
	ErrNotFound = errors.New("VM not found")
	// ErrFingerprintMismatch is returned by SetMetadata when the metadata
	// changed since the fingerprint was issued.
	ErrFingerprintMismatch = errors.New("metadata fingerprint mismatch")
)

// Client is the resource control plane the join engine drives. Implemented
// by each backend.
type Client interface {
	Type() string

	// GetMetadata returns the VM's full custom metadata item set.
	GetMetadata(ctx context.Context, vm types.VMRef) (*types.Items, error)
	// SetMetadata replaces the full item set. A non-empty fingerprint makes
	// the write conditional.
	SetMetadata(ctx context.Context, vm types.VMRef, items *types.Items) error
	// Reset hard-resets the VM.
	Reset(ctx context.Context, vm types.VMRef) error
	// ReadSerialPort returns console output produced since the previous call
	// for the same VM and port. Returns "" when nothing new is available.
	ReadSerialPort(ctx context.Context, vm types.VMRef, port int) (string, error)
}
