// Package memory is an in-process control plane. It keeps metadata, a
// per-port serial output queue and a journal of every write, and lets
// callers hook resets and metadata writes to play the guest's side of a
// protocol.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/opencontainers/go-digest"

	"github.com/projecteru2/oobjoin/controlplane"
	"github.com/projecteru2/oobjoin/types"
)

const typ = "memory"

// Method names accepted by FailOn.
const (
	MethodGetMetadata    = "GetMetadata"
	MethodSetMetadata    = "SetMetadata"
	MethodReset          = "Reset"
	MethodReadSerialPort = "ReadSerialPort"
)

// compile-time interface check.
var _ controlplane.Client = (*Memory)(nil)

// Hooks run after the corresponding call succeeded, outside the lock, so
// they may call back into the Memory.
type Hooks struct {
	OnReset       func(vm types.VMRef)
	OnSetMetadata func(vm types.VMRef, items []types.Item)
}

type vmState struct {
	items    []types.Item
	serial   map[int][]string
	writes   []types.Items
	resets   int
	setCalls int
}

// Memory implements controlplane.Client in memory.
type Memory struct {
	mu           sync.Mutex
	vms          map[string]*vmState
	failures     map[string]error
	hooks        Hooks
	fingerprints bool
}

// Option configures a Memory.
type Option func(*Memory)

// WithoutFingerprints makes the control plane ignore fingerprints, like a
// backend with no optimistic concurrency support.
func WithoutFingerprints() Option {
	return func(m *Memory) { m.fingerprints = false }
}

// WithHooks installs guest-side hooks.
func WithHooks(h Hooks) Option {
	return func(m *Memory) { m.hooks = h }
}

// New returns an empty control plane.
func New(opts ...Option) *Memory {
	m := &Memory{
		vms:          make(map[string]*vmState),
		failures:     make(map[string]error),
		fingerprints: true,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Memory) Type() string { return typ }

// AddVM registers vm with initial metadata.
func (m *Memory) AddVM(vm types.VMRef, items ...types.Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vms[vm.String()] = &vmState{
		items:  slices.Clone(items),
		serial: make(map[int][]string),
	}
}

// FailOn makes every call of method return err until cleared with a nil err.
func (m *Memory) FailOn(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, method)
		return
	}
	m.failures[method] = err
}

// AppendSerial queues console output on port. Each chunk is returned by one
// ReadSerialPort call.
func (m *Memory) AppendSerial(vm types.VMRef, port int, chunks ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.vms[vm.String()]
	if st == nil {
		return
	}
	st.serial[port] = append(st.serial[port], chunks...)
}

// Metadata returns a copy of vm's current items.
func (m *Memory) Metadata(vm types.VMRef) []types.Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st := m.vms[vm.String()]; st != nil {
		return slices.Clone(st.items)
	}
	return nil
}

// PutMetadata overwrites vm's items, bypassing hooks and failures. It
// simulates a concurrent writer outside this process.
func (m *Memory) PutMetadata(vm types.VMRef, items ...types.Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st := m.vms[vm.String()]; st != nil {
		st.items = slices.Clone(items)
	}
}

// Writes returns every item set passed to a successful SetMetadata, in order.
func (m *Memory) Writes(vm types.VMRef) []types.Items {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st := m.vms[vm.String()]; st != nil {
		return slices.Clone(st.writes)
	}
	return nil
}

// Resets returns how many times vm was reset.
func (m *Memory) Resets(vm types.VMRef) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st := m.vms[vm.String()]; st != nil {
		return st.resets
	}
	return 0
}

// SetCalls returns how many SetMetadata calls reached vm, including rejected ones.
func (m *Memory) SetCalls(vm types.VMRef) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st := m.vms[vm.String()]; st != nil {
		return st.setCalls
	}
	return 0
}

// GetMetadata implements controlplane.Client.
func (m *Memory) GetMetadata(ctx context.Context, vm types.VMRef) (*types.Items, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.lookup(MethodGetMetadata, vm)
	if err != nil {
		return nil, err
	}
	return &types.Items{
		Fingerprint: m.fingerprint(st.items),
		Items:       slices.Clone(st.items),
	}, nil
}

// SetMetadata implements controlplane.Client.
func (m *Memory) SetMetadata(ctx context.Context, vm types.VMRef, items *types.Items) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	written, err := m.setMetadata(vm, items)
	if err != nil {
		return err
	}
	if m.hooks.OnSetMetadata != nil {
		m.hooks.OnSetMetadata(vm, written)
	}
	return nil
}

func (m *Memory) setMetadata(vm types.VMRef, items *types.Items) ([]types.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.lookup(MethodSetMetadata, vm)
	if err != nil {
		return nil, err
	}
	st.setCalls++
	if m.fingerprints && items.Fingerprint != "" && items.Fingerprint != m.fingerprint(st.items) {
		return nil, controlplane.ErrFingerprintMismatch
	}
	st.items = slices.Clone(items.Items)
	st.writes = append(st.writes, items.Clone())
	return slices.Clone(st.items), nil
}

// Reset implements controlplane.Client.
func (m *Memory) Reset(ctx context.Context, vm types.VMRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.reset(vm); err != nil {
		return err
	}
	if m.hooks.OnReset != nil {
		m.hooks.OnReset(vm)
	}
	return nil
}

func (m *Memory) reset(vm types.VMRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.lookup(MethodReset, vm)
	if err != nil {
		return err
	}
	st.resets++
	return nil
}

// ReadSerialPort implements controlplane.Client.
func (m *Memory) ReadSerialPort(ctx context.Context, vm types.VMRef, port int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.lookup(MethodReadSerialPort, vm)
	if err != nil {
		return "", err
	}
	queue := st.serial[port]
	if len(queue) == 0 {
		return "", nil
	}
	st.serial[port] = queue[1:]
	return queue[0], nil
}

func (m *Memory) lookup(method string, vm types.VMRef) (*vmState, error) {
	if err := m.failures[method]; err != nil {
		return nil, err
	}
	st := m.vms[vm.String()]
	if st == nil {
		return nil, fmt.Errorf("%s %s: %w", method, vm, controlplane.ErrNotFound)
	}
	return st, nil
}

func (m *Memory) fingerprint(items []types.Item) string {
	if !m.fingerprints {
		return ""
	}
	b, _ := json.Marshal(items)
	return digest.FromBytes(b).Encoded()[:16]
}
