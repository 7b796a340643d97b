package join

import (
	"context"
	"fmt"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/oobjoin/protocol"
	"github.com/projecteru2/oobjoin/types"
)

// ForceClear removes every protocol key from vm and reinstates the
// startup-script items of snapshot, ignoring any guard. It recovers a VM
// left behind by an operation that never got to restore. Running it twice
// is harmless.
//
// Items in snapshot other than startup scripts are ignored. A nil snapshot
// only removes protocol keys.
func (j *Joiner) ForceClear(ctx context.Context, vm types.VMRef, snapshot []types.Item) ([]types.Item, error) {
	restore := types.Filter(snapshot, protocol.StartupScriptKeys)
	removed, err := j.exchange.ReplaceKeys(ctx, vm, "", protocolKeys(), restore)
	if err != nil {
		return nil, fmt.Errorf("force clear %s: %w", vm, err)
	}
	log.WithFunc("join.ForceClear").Infof(ctx, "%s: removed %d protocol item(s), restored %d", vm, len(removed), len(restore))
	return removed, nil
}
