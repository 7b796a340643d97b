package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	units "github.com/docker/go-units"
	"golang.org/x/term"

	"github.com/projecteru2/oobjoin/controlplane"
	"github.com/projecteru2/oobjoin/controlplane/rest"
	"github.com/projecteru2/oobjoin/join"
	"github.com/projecteru2/oobjoin/lock"
	"github.com/projecteru2/oobjoin/lock/flock"
	"github.com/projecteru2/oobjoin/types"
	"github.com/projecteru2/oobjoin/utils"
)

const (
	// lockWait is how long a command waits for another oobjoin process
	// working on the same VM.
	lockWait = 5 * time.Second
	// maxPasswordBytes caps what --password-stdin reads.
	maxPasswordBytes = 4096
)

// initClient builds the control-plane client from conf.
func initClient() (controlplane.Client, error) {
	if conf.Endpoint == "" {
		return nil, errors.New("no control-plane endpoint: set --endpoint or OOBJOIN_ENDPOINT")
	}
	c, err := rest.New(conf.Endpoint, conf.Token)
	if err != nil {
		return nil, fmt.Errorf("init control plane: %w", err)
	}
	return c, nil
}

// newJoiner applies conf to a Joiner over cp.
func newJoiner(cp controlplane.Client, opts ...join.Option) *join.Joiner {
	base := []join.Option{
		join.WithSerialPort(conf.SerialPort),
		join.WithPollInterval(conf.PollInterval()),
		join.WithRestoreTimeout(conf.RestoreTimeout()),
	}
	return join.New(cp, append(base, opts...)...)
}

// parseVMRefs parses args and rejects refs that may name the same VM: two
// operations must never run against one VM.
func parseVMRefs(args []string) ([]types.VMRef, error) {
	vms := make([]types.VMRef, 0, len(args))
	for _, arg := range args {
		vm, err := types.ParseVMRef(arg)
		if err != nil {
			return nil, err
		}
		for _, prev := range vms {
			if mayAlias(prev, vm) {
				return nil, fmt.Errorf("%s and %s may be the same VM", prev, vm)
			}
		}
		vms = append(vms, vm)
	}
	return vms, nil
}

// mayAlias reports whether a and b can resolve to one VM: same name, and
// every part set on both agrees. An omitted part means the endpoint's
// default, so "vm1" and "z/vm1" may alias while "z1/vm1" and "z2/vm1" do not.
func mayAlias(a, b types.VMRef) bool {
	agree := func(x, y string) bool { return x == "" || y == "" || x == y }
	return a.Name == b.Name && agree(a.Zone, b.Zone) && agree(a.Project, b.Project)
}

// lockPath is keyed by the VM name alone, so every ref that may alias one
// VM shares a lock. Same-named VMs in different zones serialize needlessly.
func lockPath(vm types.VMRef) string {
	return filepath.Join(conf.LockDir(), utils.UUIDv5(vm.Name)+".lock")
}

// withVMLock runs fn holding the host-wide lock of vm.
func withVMLock(ctx context.Context, vm types.VMRef, command string, fn func() error) error {
	dir := conf.LockDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create lock dir %s: %w", dir, err)
	}
	l := flock.New(lockPath(vm), lockWait, command+" "+vm.String())
	return lock.WithLock(ctx, l, fn)
}

// readPassword prompts on the terminal, or reads the first line of stdin
// when fromStdin is set.
func readPassword(fromStdin bool) ([]byte, error) {
	if fromStdin {
		return readPasswordFrom(os.Stdin)
	}
	fd := int(os.Stdin.Fd()) //nolint:gosec
	if !term.IsTerminal(fd) {
		return nil, errors.New("stdin is not a terminal: use --password-stdin")
	}
	_, _ = fmt.Fprint(os.Stderr, "Password: ")
	pw, err := term.ReadPassword(fd)
	_, _ = fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("read password: %w", err)
	}
	if len(pw) == 0 {
		return nil, errors.New("empty password")
	}
	return pw, nil
}

func readPasswordFrom(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxPasswordBytes))
	if err != nil {
		clear(data)
		return nil, fmt.Errorf("read password from stdin: %w", err)
	}
	line, _, _ := bytes.Cut(data, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	pw := bytes.Clone(line)
	clear(data)
	if len(pw) == 0 {
		return nil, errors.New("empty password on stdin")
	}
	return pw, nil
}

func formatElapsed(since time.Time) string {
	return units.HumanDuration(time.Since(since))
}
