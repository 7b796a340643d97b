package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/projecteru2/oobjoin/controlplane"
	"github.com/projecteru2/oobjoin/snapshot"
	"github.com/projecteru2/oobjoin/types"
)

var clearCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear [flags] VM",
		Short: "Remove join keys from a VM and restore its startup scripts",
		Long: `Remove every key a join writes (guard, join request, startup scripts) from VM,
ignoring the in-progress guard, then restore the startup scripts saved when the
join began. Use it after a join died before it could clean up.`,
		Args: cobra.ExactArgs(1),
		RunE: runClear,
	}
	cmd.Flags().String("snapshot", "", "snapshot file to restore from (default: the one saved under run-dir)")
	cmd.Flags().Bool("no-restore", false, "only remove keys, restore no startup scripts")
	return cmd
}()

func runClear(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	snapshotFile, _ := cmd.Flags().GetString("snapshot")
	noRestore, _ := cmd.Flags().GetBool("no-restore")

	vm, err := types.ParseVMRef(args[0])
	if err != nil {
		return err
	}
	cp, err := initClient()
	if err != nil {
		return err
	}
	return clearVM(ctx, cp, snapshot.New(conf.SnapshotDir()), vm, snapshotFile, noRestore)
}

// clearVM force-clears vm, restoring from snapshotFile, from store, or from
// nothing when noRestore is set. A snapshot taken from store is deleted once
// the VM is clear.
func clearVM(ctx context.Context, cp controlplane.Client, store *snapshot.Store, vm types.VMRef, snapshotFile string, noRestore bool) error {
	var (
		snap *snapshot.Snapshot
		err  error
	)
	switch {
	case noRestore:
	case snapshotFile != "":
		if snap, err = snapshot.LoadFile(snapshotFile); err != nil {
			return err
		}
		if snap.VM != vm {
			return fmt.Errorf("snapshot %s belongs to %s, not %s", snapshotFile, snap.VM, vm)
		}
	default:
		if snap, err = store.Load(vm); err != nil {
			if errors.Is(err, snapshot.ErrNotFound) {
				return fmt.Errorf("%w; pass --snapshot FILE or --no-restore", err)
			}
			return err
		}
	}

	var restore []types.Item
	if snap != nil {
		restore = snap.Items
	}
	return withVMLock(ctx, vm, "clear", func() error {
		removed, err := newJoiner(cp).ForceClear(ctx, vm, restore)
		if err != nil {
			return err
		}
		for _, it := range removed {
			fmt.Printf("%s: removed %s\n", vm, it.Key)
		}
		for _, it := range restore {
			fmt.Printf("%s: restored %s\n", vm, it.Key)
		}
		if snap != nil && snapshotFile == "" {
			return store.Delete(vm)
		}
		return nil
	})
}
