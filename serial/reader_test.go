package serial

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/oobjoin/controlplane/memory"
	"github.com/projecteru2/oobjoin/protocol"
	"github.com/projecteru2/oobjoin/types"
	"github.com/projecteru2/oobjoin/utils"
)

const (
	port = 4
	opX  = "11111111-1111-1111-1111-111111111111"
	opY  = "22222222-2222-2222-2222-222222222222"
)

var vm = types.VMRef{Zone: "z", Name: "vm1"}

func hello(op, mod string) string {
	return `{"OperationId":"` + op + `","MessageType":"hello","Modulus":"` + mod + `","Exponent":"AQAB"}`
}

func newReader(cp *memory.Memory, opts ...Option) *Reader {
	return NewReader(cp, vm, port, append([]Option{WithSleeper(utils.NoSleep)}, opts...)...)
}

func newCP(chunks ...string) *memory.Memory {
	cp := memory.New()
	cp.AddVM(vm)
	cp.AppendSerial(vm, port, chunks...)
	return cp
}

// --- AwaitMessage ---

func TestAwaitMessage_CorrelatesByOperation(t *testing.T) {
	cp := newCP(
		"Windows Boot Manager\r\n"+hello(opY, "Y")+"\r\n",
		"GCEGuestAgent: started\r\n"+hello(opX, "X")+"\r\n",
	)
	line, err := newReader(cp).AwaitMessage(context.Background(), opX, protocol.TypeHello)
	require.NoError(t, err)
	assert.Equal(t, hello(opX, "X"), line)
}

func TestAwaitMessage_LineSplitAcrossReads(t *testing.T) {
	full := "2024-01-01T00:00:00 " + hello(opX, "X")
	cp := newCP("noise\n"+full[:20], "", full[20:40], full[40:]+"\n")
	line, err := newReader(cp).AwaitMessage(context.Background(), opX, protocol.TypeHello)
	require.NoError(t, err)
	assert.Equal(t, full, line)
}

func TestAwaitMessage_FirstMatchWins(t *testing.T) {
	cp := newCP(hello(opX, "first") + "\n" + hello(opX, "second") + "\n")
	r := newReader(cp)
	line, err := r.AwaitMessage(context.Background(), opX, protocol.TypeHello)
	require.NoError(t, err)
	assert.Contains(t, line, "first")

	// The replay stays buffered for a later await of the same type.
	line, err = r.AwaitMessage(context.Background(), opX, protocol.TypeHello)
	require.NoError(t, err)
	assert.Contains(t, line, "second")
}

func TestAwaitMessage_LeftoverServesNextAwait(t *testing.T) {
	resp := `{"OperationId":"` + opX + `","MessageType":"join-response","Succeeded":true}`
	cp := newCP(hello(opX, "X") + "\n" + resp + "\n")
	r := newReader(cp)

	_, err := r.AwaitMessage(context.Background(), opX, protocol.TypeHello)
	require.NoError(t, err)

	// Served from the buffer, before cancellation is even looked at.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	line, err := r.AwaitMessage(ctx, opX, protocol.TypeJoinResponse)
	require.NoError(t, err)
	assert.Equal(t, resp, line)
}

func TestAwaitMessage_ConsumesLinesBeforeMatch(t *testing.T) {
	resp := `{"OperationId":"` + opX + `","MessageType":"join-response","Succeeded":true}`
	cp := newCP(resp + "\n" + hello(opX, "X") + "\n")
	r := newReader(cp)

	_, err := r.AwaitMessage(context.Background(), opX, protocol.TypeHello)
	require.NoError(t, err)

	// The response line came before the hello and was consumed with it.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.AwaitMessage(ctx, opX, protocol.TypeJoinResponse)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAwaitMessage_KeepsPollingOnEmptyReads(t *testing.T) {
	cp := newCP()
	sleeps := 0
	sleeper := func(ctx context.Context, d time.Duration) error {
		assert.Equal(t, 250*time.Millisecond, d)
		sleeps++
		if sleeps == 50 {
			cp.AppendSerial(vm, port, hello(opX, "X")+"\n")
		}
		return ctx.Err()
	}
	r := NewReader(cp, vm, port, WithSleeper(sleeper), WithPollInterval(250*time.Millisecond))
	line, err := r.AwaitMessage(context.Background(), opX, protocol.TypeHello)
	require.NoError(t, err)
	assert.Contains(t, line, opX)
	assert.Equal(t, 50, sleeps)
}

func TestAwaitMessage_CanceledWhilePolling(t *testing.T) {
	cp := newCP(hello(opY, "Y") + "\n")
	ctx, cancel := context.WithCancel(context.Background())
	polls := 0
	sleeper := func(ctx context.Context, _ time.Duration) error {
		polls++
		if polls == 10 {
			cancel()
		}
		return nil
	}
	_, err := NewReader(cp, vm, port, WithSleeper(sleeper)).AwaitMessage(ctx, opX, protocol.TypeHello)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 10, polls)
}

func TestAwaitMessage_DeadlineDuringSleep(t *testing.T) {
	cp := newCP()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	r := NewReader(cp, vm, port, WithPollInterval(5*time.Millisecond))
	_, err := r.AwaitMessage(ctx, opX, protocol.TypeHello)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAwaitMessage_ReadError(t *testing.T) {
	boom := errors.New("serial unavailable")
	cp := newCP()
	cp.FailOn(memory.MethodReadSerialPort, boom)
	_, err := newReader(cp).AwaitMessage(context.Background(), opX, protocol.TypeHello)
	assert.ErrorIs(t, err, boom)
}

func TestTrim_CapsBufferAtLineBoundary(t *testing.T) {
	r := &Reader{buf: strings.Repeat("a", maxBuffered-10) + "\n" + strings.Repeat("b", 100) + "\n"}
	r.trim()
	assert.LessOrEqual(t, len(r.buf), maxBuffered)
	assert.Equal(t, strings.Repeat("b", 100)+"\n", r.buf)
}

func TestAwaitMessage_MatchFollowedByMoreThanCap(t *testing.T) {
	noise := strings.Repeat(strings.Repeat("x", 99)+"\n", maxBuffered/100+1000)
	cp := newCP(hello(opX, "X") + "\n" + noise)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	polls := 0
	sleeper := func(ctx context.Context, _ time.Duration) error {
		if polls++; polls == 3 {
			cancel()
		}
		return ctx.Err()
	}
	line, err := NewReader(cp, vm, port, WithSleeper(sleeper)).AwaitMessage(ctx, opX, protocol.TypeHello)
	require.NoError(t, err)
	assert.Equal(t, hello(opX, "X"), line)
}

func TestAwaitMessage_UnmatchedOutputIsCapped(t *testing.T) {
	noise := strings.Repeat(strings.Repeat("x", 99)+"\n", maxBuffered/100+1000)
	cp := newCP(noise, hello(opX, "X")+"\n")
	r := newReader(cp)
	line, err := r.AwaitMessage(context.Background(), opX, protocol.TypeHello)
	require.NoError(t, err)
	assert.Equal(t, hello(opX, "X"), line)
	assert.Empty(t, r.buf)
}

// --- Await ---

func TestAwait_Typed(t *testing.T) {
	cp := newCP("[  12.345] " + hello(opX, "bW9k") + "\r\n")
	msg, err := Await[protocol.Hello](context.Background(), newReader(cp), opX)
	require.NoError(t, err)
	assert.Equal(t, "bW9k", msg.Modulus)
	assert.Equal(t, "AQAB", msg.Exponent)
}

func TestAwait_GarbledMatch(t *testing.T) {
	cp := newCP(`{"OperationId":"` + opX + `","MessageType":"hello","Modulus":` + "\n")
	_, err := Await[protocol.Hello](context.Background(), newReader(cp), opX)
	assert.ErrorIs(t, err, protocol.ErrMalformedMessage)
}
