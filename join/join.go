// Package join drives the out-of-band domain-join protocol.
//
// The client never talks to the guest directly. It writes instance
// metadata, which the guest can read, and reads the serial console, which
// the guest can write:
//
//  1. install a one-time startup script and a guard key (metadata)
//  2. reset the VM so the script runs
//  3. wait for the script's Hello, carrying an ephemeral RSA public key (serial)
//  4. encrypt the password and publish a JoinRequest (metadata)
//  5. wait for the JoinResponse (serial)
//  6. restore the original startup scripts and remove protocol keys (metadata)
//
// Step 6 runs on every exit path once step 1 has written anything.
package join

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/oobjoin/controlplane"
	"github.com/projecteru2/oobjoin/handshake"
	"github.com/projecteru2/oobjoin/metadata"
	"github.com/projecteru2/oobjoin/protocol"
	"github.com/projecteru2/oobjoin/serial"
	"github.com/projecteru2/oobjoin/types"
	"github.com/projecteru2/oobjoin/utils"
)

// DefaultRestoreTimeout bounds restoration, which ignores caller cancellation.
const DefaultRestoreTimeout = time.Minute

// State is a step of the join state machine.
type State string

const (
	StateStarted              State = "started"
	StateTriggerInjected      State = "trigger-injected"
	StateInstanceReset        State = "instance-reset"
	StateAwaitingHello        State = "awaiting-hello"
	StateKeyExchangeReady     State = "key-exchange-ready"
	StateRequestSubmitted     State = "request-submitted"
	StateAwaitingJoinResponse State = "awaiting-join-response"
	StateRestoring            State = "restoring"
	StateCompleted            State = "completed"
	StateFailed               State = "failed"
)

// Observer is told about every state an operation enters.
type Observer func(vm types.VMRef, operationID string, s State)

// SnapshotHook receives the original startup-script items as soon as the
// trigger is installed, so they survive a crash of this process. An error
// is logged and otherwise ignored.
type SnapshotHook func(ctx context.Context, vm types.VMRef, operationID string, original []types.Item) error

// Result describes a completed operation.
type Result struct {
	OperationID string
	VM          types.VMRef
}

// Joiner runs domain-join operations. Operations against different VMs may
// run concurrently on one Joiner; callers must not run two against the same
// VM at once.
type Joiner struct {
	cp             controlplane.Client
	exchange       *metadata.Exchange
	port           int
	pollInterval   time.Duration
	sleep          utils.Sleeper
	restoreTimeout time.Duration
	observer       Observer
	snapshot       SnapshotHook
	newID          func() (string, error)
}

// Option configures a Joiner.
type Option func(*Joiner)

// WithSerialPort sets the guest's COM port number.
func WithSerialPort(port int) Option {
	return func(j *Joiner) {
		if port > 0 {
			j.port = port
		}
	}
}

// WithPollInterval sets the serial poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(j *Joiner) { j.pollInterval = d }
}

// WithSleeper replaces the real sleep between serial polls.
func WithSleeper(s utils.Sleeper) Option {
	return func(j *Joiner) { j.sleep = s }
}

// WithRestoreTimeout bounds the restoration step.
func WithRestoreTimeout(d time.Duration) Option {
	return func(j *Joiner) {
		if d > 0 {
			j.restoreTimeout = d
		}
	}
}

// WithObserver installs a state observer.
func WithObserver(o Observer) Option {
	return func(j *Joiner) { j.observer = o }
}

// WithSnapshotHook installs a snapshot hook.
func WithSnapshotHook(h SnapshotHook) Option {
	return func(j *Joiner) { j.snapshot = h }
}

// New creates a Joiner over cp.
func New(cp controlplane.Client, opts ...Option) *Joiner {
	j := &Joiner{
		cp:             cp,
		exchange:       metadata.New(cp),
		port:           protocol.DefaultSerialPort,
		pollInterval:   serial.DefaultPollInterval,
		sleep:          utils.SleepContext,
		restoreTimeout: DefaultRestoreTimeout,
		newID:          utils.NewOperationID,
	}
	for _, o := range opts {
		o(j)
	}
	return j
}

// operation is the per-call state of JoinDomain.
type operation struct {
	id     string
	params types.JoinParams
	state  State
}

// JoinDomain joins p.VM to p.DomainName. p.Credential.Password is zeroed
// before JoinDomain returns.
//
// Failures are returned as *Error. A guard conflict fails before anything
// is written; every later failure is returned after restoration was
// attempted.
func (j *Joiner) JoinDomain(ctx context.Context, p types.JoinParams) (*Result, error) {
	defer clear(p.Credential.Password)
	if err := validate(p); err != nil {
		return nil, err
	}
	id, err := j.newID()
	if err != nil {
		return nil, fmt.Errorf("generate operation id: %w", err)
	}
	op := &operation{id: id, params: p}
	logger := log.WithFunc("join.JoinDomain")
	j.enter(ctx, op, StateStarted)

	original, err := j.injectTrigger(ctx, op)
	if err != nil {
		j.enter(ctx, op, StateFailed)
		return nil, j.failure(op, StateTriggerInjected, classify(err, ReasonControlPlane), err)
	}
	j.enter(ctx, op, StateTriggerInjected)
	if j.snapshot != nil {
		if err := j.snapshot(ctx, p.VM, op.id, original); err != nil {
			logger.Warnf(ctx, "%s: save metadata snapshot of operation %s: %v", p.VM, op.id, err)
		}
	}

	stepErr := j.exchangeMessages(ctx, op)
	restoreErr := j.restore(ctx, op, original)

	switch {
	case stepErr != nil:
		stepErr.RestoreErr = restoreErr
		j.enter(ctx, op, StateFailed)
		return nil, stepErr
	case restoreErr != nil:
		j.enter(ctx, op, StateFailed)
		fe := j.failure(op, StateRestoring, classify(restoreErr, ReasonControlPlane), restoreErr)
		fe.Joined = true
		return nil, fe
	}
	j.enter(ctx, op, StateCompleted)
	return &Result{OperationID: op.id, VM: p.VM}, nil
}

// injectTrigger checks the guard, swaps the startup scripts for the
// one-time join script and takes the guard. It returns the original
// startup-script items.
func (j *Joiner) injectTrigger(ctx context.Context, op *operation) ([]types.Item, error) {
	script, err := protocol.StartupScript(op.id, j.port)
	if err != nil {
		return nil, err
	}
	keys := append(slices.Clone(protocol.StartupScriptKeys), protocol.GuardKey)
	return j.exchange.ReplaceKeys(ctx, op.params.VM, protocol.GuardKey, keys, []types.Item{
		{Key: protocol.StartupScriptKey, Value: script},
		{Key: protocol.GuardKey, Value: op.id},
	})
}

// exchangeMessages runs reset → hello → request → response.
func (j *Joiner) exchangeMessages(ctx context.Context, op *operation) *Error {
	vm := op.params.VM
	if err := ctx.Err(); err != nil {
		return j.failure(op, StateInstanceReset, classify(err, ReasonCancelled), err)
	}
	if err := j.cp.Reset(ctx, vm); err != nil {
		return j.failure(op, StateInstanceReset, classify(err, ReasonResetFailed), fmt.Errorf("reset %s: %w", vm, err))
	}
	j.enter(ctx, op, StateInstanceReset)

	reader := serial.NewReader(j.cp, vm, j.port, serial.WithPollInterval(j.pollInterval), serial.WithSleeper(j.sleep))
	j.enter(ctx, op, StateAwaitingHello)
	hello, err := serial.Await[protocol.Hello](ctx, reader, op.id)
	if err != nil {
		return j.failure(op, op.state, classify(err, ReasonControlPlane), err)
	}

	ciphertext, err := handshake.Encrypt(op.params.Credential.Password, hello.Modulus, hello.Exponent)
	clear(op.params.Credential.Password)
	if err != nil {
		return j.failure(op, StateKeyExchangeReady, ReasonCrypto, err)
	}
	j.enter(ctx, op, StateKeyExchangeReady)

	request, err := json.Marshal(protocol.NewJoinRequest(op.id, op.params.DomainName, op.params.NewComputerName, op.params.Credential.Username, ciphertext))
	if err != nil {
		return j.failure(op, StateRequestSubmitted, ReasonProtocol, fmt.Errorf("encode join request: %w", err))
	}
	if _, err := j.exchange.ReplaceKeys(ctx, vm, "", []string{protocol.JoinRequestKey}, []types.Item{
		{Key: protocol.JoinRequestKey, Value: string(request)},
	}); err != nil {
		return j.failure(op, StateRequestSubmitted, classify(err, ReasonControlPlane), err)
	}
	j.enter(ctx, op, StateRequestSubmitted)

	j.enter(ctx, op, StateAwaitingJoinResponse)
	resp, err := serial.Await[protocol.JoinResponse](ctx, reader, op.id)
	if err != nil {
		return j.failure(op, op.state, classify(err, ReasonControlPlane), err)
	}
	if !resp.Succeeded {
		fe := j.failure(op, op.state, ReasonRejected, fmt.Errorf("%w: %s", ErrJoinRejected, resp.ErrorDetails))
		fe.Detail = resp.ErrorDetails
		return fe
	}
	return nil
}

// restore reinstates the original startup scripts and removes every
// protocol key. It runs to completion even if ctx is cancelled, bounded by
// restoreTimeout, and retries transient control-plane failures.
func (j *Joiner) restore(ctx context.Context, op *operation, original []types.Item) error {
	j.enter(ctx, op, StateRestoring)
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), j.restoreTimeout)
	defer cancel()
	_, err := utils.DoWithRetry(rctx, func() ([]types.Item, error) {
		return j.exchange.ReplaceKeys(rctx, op.params.VM, "", protocolKeys(), original)
	})
	if err != nil {
		log.WithFunc("join.restore").Warnf(ctx, "%s: restore metadata of operation %s: %v", op.params.VM, op.id, err)
		return fmt.Errorf("restore metadata of %s: %w", op.params.VM, err)
	}
	return nil
}

func (j *Joiner) enter(ctx context.Context, op *operation, s State) {
	op.state = s
	log.WithFunc("join.JoinDomain").Infof(ctx, "%s: operation %s %s", op.params.VM, op.id, s)
	if j.observer != nil {
		j.observer(op.params.VM, op.id, s)
	}
}

func (j *Joiner) failure(op *operation, stage State, reason Reason, err error) *Error {
	return &Error{
		OperationID: op.id,
		VM:          op.params.VM,
		Stage:       stage,
		Reason:      reason,
		Err:         err,
	}
}

// protocolKeys is every key the protocol may have written.
func protocolKeys() []string {
	return append(slices.Clone(protocol.StartupScriptKeys), protocol.GuardKey, protocol.JoinRequestKey)
}

func validate(p types.JoinParams) error {
	switch {
	case p.VM.Name == "":
		return fmt.Errorf("invalid join parameters: VM name is empty")
	case p.DomainName == "":
		return fmt.Errorf("invalid join parameters: domain name is empty")
	case p.Credential.Username == "":
		return fmt.Errorf("invalid join parameters: username is empty")
	case len(p.Credential.Password) == 0:
		return fmt.Errorf("invalid join parameters: password is empty")
	}
	return nil
}
