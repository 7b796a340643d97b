package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/projecteru2/oobjoin/controlplane"
	"github.com/projecteru2/oobjoin/join"
	"github.com/projecteru2/oobjoin/snapshot"
	"github.com/projecteru2/oobjoin/types"
)

var joinCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "join [flags] VM [VM...]",
		Short: "Join Windows VM(s) to an Active Directory domain",
		Long: `Join Windows VM(s) to an Active Directory domain without network access to
the guest. VM is name, zone/name or project/zone/name. Each VM is reset once.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runJoin,
	}
	cmd.Flags().String("domain", "", "domain to join")
	cmd.Flags().String("computer-name", "", "new computer name (single VM only)")
	cmd.Flags().String("user", "", "domain user allowed to join computers, e.g. CORP\\admin")
	cmd.Flags().Bool("password-stdin", false, "read the password from the first line of stdin")
	_ = cmd.MarkFlagRequired("domain")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}()

// joinRequest carries the flags shared by every VM of one invocation.
type joinRequest struct {
	domain       string
	computerName string
	user         string
	password     []byte
}

func runJoin(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	domain, _ := cmd.Flags().GetString("domain")
	computerName, _ := cmd.Flags().GetString("computer-name")
	user, _ := cmd.Flags().GetString("user")
	fromStdin, _ := cmd.Flags().GetBool("password-stdin")

	vms, err := parseVMRefs(args)
	if err != nil {
		return err
	}
	if computerName != "" && len(vms) > 1 {
		return errors.New("--computer-name needs exactly one VM")
	}
	cp, err := initClient()
	if err != nil {
		return err
	}
	password, err := readPassword(fromStdin)
	if err != nil {
		return err
	}
	defer clear(password)

	req := joinRequest{domain: domain, computerName: computerName, user: user, password: password}
	store := snapshot.New(conf.SnapshotDir())

	var g errgroup.Group
	g.SetLimit(conf.PoolSize)
	errs := make([]error, len(vms))
	for i, vm := range vms {
		g.Go(func() error {
			errs[i] = joinOne(ctx, cp, store, vm, req)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// joinOne joins a single VM under its host lock and keeps the snapshot only
// while the VM may still carry protocol keys.
func joinOne(ctx context.Context, cp controlplane.Client, store *snapshot.Store, vm types.VMRef, req joinRequest) error {
	logger := log.WithFunc("cmd.join")
	start := time.Now()
	j := newJoiner(cp,
		join.WithSnapshotHook(store.Save),
		join.WithObserver(func(_ types.VMRef, _ string, s join.State) {
			_, _ = fmt.Fprintf(os.Stderr, "%s: %s (%s)\n", vm, s, formatElapsed(start))
		}),
	)

	return withVMLock(ctx, vm, "join", func() error {
		jctx, cancel := context.WithTimeout(ctx, conf.JoinTimeout())
		defer cancel()
		res, err := j.JoinDomain(jctx, types.JoinParams{
			VM:              vm,
			DomainName:      req.domain,
			NewComputerName: req.computerName,
			Credential:      types.Credential{Username: req.user, Password: bytes.Clone(req.password)},
		})
		if err == nil {
			if derr := store.Delete(vm); derr != nil {
				logger.Warnf(ctx, "%s: %v", vm, derr)
			}
			fmt.Printf("%s: joined %s (operation %s, %s)\n", vm, req.domain, res.OperationID, formatElapsed(start))
			return nil
		}

		je, ok := join.AsError(err)
		switch {
		case !ok || je.Stage == join.StateTriggerInjected:
			// Nothing of ours was written; an older snapshot may still be needed.
		case je.RestoreErr != nil || je.Joined:
			logger.Warnf(ctx, "%s: metadata not restored, run `oobjoin clear %s` (snapshot %s)", vm, vm, store.Path(vm))
		default:
			if derr := store.Delete(vm); derr != nil {
				logger.Warnf(ctx, "%s: %v", vm, derr)
			}
		}
		return err
	})
}
