// Package serial extracts protocol messages from a VM's serial console.
//
// The console is polled: every ReadSerialPort call yields only the output
// produced since the previous call, and there is no way to subscribe. A
// Reader accumulates that output and scans it line by line for the one
// message an operation waits for, ignoring boot banners, other processes,
// and messages of earlier operations still sitting in the ring buffer.
package serial

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/oobjoin/controlplane"
	"github.com/projecteru2/oobjoin/protocol"
	"github.com/projecteru2/oobjoin/types"
	"github.com/projecteru2/oobjoin/utils"
)

const (
	// DefaultPollInterval is how long to wait after an empty read.
	DefaultPollInterval = 500 * time.Millisecond
	// maxBuffered caps unmatched output kept between polls; whole lines
	// are dropped from the front beyond it.
	maxBuffered = 1 << 20
)

// Reader awaits messages on one VM's serial port. A Reader belongs to one
// operation and is not safe for concurrent use.
type Reader struct {
	cp       controlplane.Client
	vm       types.VMRef
	port     int
	interval time.Duration
	sleep    utils.Sleeper

	// buf holds output not yet consumed by a match. Lines before and
	// including a matched line are consumed; the rest stays for the next
	// await.
	buf string
}

// Option configures a Reader.
type Option func(*Reader)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(r *Reader) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithSleeper replaces the real sleep between empty reads.
func WithSleeper(s utils.Sleeper) Option {
	return func(r *Reader) { r.sleep = s }
}

// NewReader creates a Reader for port of vm.
func NewReader(cp controlplane.Client, vm types.VMRef, port int, opts ...Option) *Reader {
	r := &Reader{
		cp:       cp,
		vm:       vm,
		port:     port,
		interval: DefaultPollInterval,
		sleep:    utils.SleepContext,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// AwaitMessage blocks until a console line containing both operationID and
// messageType appears, and returns it. The oldest matching line wins.
// Cancellation is checked once per poll; no partial result is returned.
func (r *Reader) AwaitMessage(ctx context.Context, operationID, messageType string) (string, error) {
	logger := log.WithFunc("serial.AwaitMessage")
	if line, ok := r.take(operationID, messageType); ok {
		return line, nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("await %s of operation %s: %w", messageType, operationID, err)
		}
		chunk, err := r.cp.ReadSerialPort(ctx, r.vm, r.port)
		if err != nil {
			return "", fmt.Errorf("read serial port %d of %s: %w", r.port, r.vm, err)
		}
		if chunk == "" {
			if err := r.sleep(ctx, r.interval); err != nil {
				return "", fmt.Errorf("await %s of operation %s: %w", messageType, operationID, err)
			}
			continue
		}
		r.buf += chunk
		if line, ok := r.take(operationID, messageType); ok {
			logger.Debugf(ctx, "%s: got %s of operation %s", r.vm, messageType, operationID)
			return line, nil
		}
		r.trim()
	}
}

// Await waits for a message of type T and decodes it.
func Await[T protocol.Message](ctx context.Context, r *Reader, operationID string) (T, error) {
	var msg T
	line, err := r.AwaitMessage(ctx, operationID, msg.Kind())
	if err != nil {
		return msg, err
	}
	return protocol.Decode[T](line, operationID)
}

// take scans complete lines for the first match and consumes the buffer
// through it. A trailing partial line is left for the next chunk.
func (r *Reader) take(operationID, messageType string) (string, bool) {
	complete := strings.LastIndexByte(r.buf, '\n')
	if complete < 0 {
		return "", false
	}
	offset := 0
	for offset <= complete {
		end := offset + strings.IndexByte(r.buf[offset:], '\n')
		line := strings.TrimRight(r.buf[offset:end], "\r")
		if protocol.Matches(line, operationID, messageType) {
			r.buf = r.buf[end+1:]
			return line, true
		}
		offset = end + 1
	}
	return "", false
}

// trim caps the unmatched remainder. It runs only after a scan, so output
// arriving together with a match is never dropped before being looked at.
func (r *Reader) trim() {
	if len(r.buf) <= maxBuffered {
		return
	}
	cut := len(r.buf) - maxBuffered
	if i := strings.IndexByte(r.buf[cut:], '\n'); i >= 0 {
		r.buf = r.buf[cut+i+1:]
		return
	}
	// One line longer than the cap: keep its tail.
	r.buf = r.buf[cut:]
}
