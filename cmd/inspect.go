package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/projecteru2/oobjoin/protocol"
	"github.com/projecteru2/oobjoin/snapshot"
	"github.com/projecteru2/oobjoin/types"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect VM",
	Short: "Show a VM's metadata and join state (JSON)",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

type inspectInfo struct {
	VM          types.VMRef `json:"vm"`
	Fingerprint string      `json:"fingerprint,omitempty"`
	// InProgress is the operation id holding the guard, if any.
	InProgress string             `json:"in_progress,omitempty"`
	Snapshot   *snapshot.Snapshot `json:"snapshot,omitempty"`
	Items      []types.Item       `json:"items"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	vm, err := types.ParseVMRef(args[0])
	if err != nil {
		return err
	}
	cp, err := initClient()
	if err != nil {
		return err
	}

	md, err := cp.GetMetadata(ctx, vm)
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}
	info := inspectInfo{VM: vm, Fingerprint: md.Fingerprint, Items: md.Items}
	info.InProgress, _ = md.Get(protocol.GuardKey)

	snap, err := snapshot.New(conf.SnapshotDir()).Load(vm)
	switch {
	case err == nil:
		info.Snapshot = snap
	case !errors.Is(err, snapshot.ErrNotFound):
		return fmt.Errorf("inspect: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(info)
	return nil
}
