package metadata

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/oobjoin/controlplane"
	"github.com/projecteru2/oobjoin/types"
)

// maxCASAttempts bounds the read-check-write loop when the control plane
// keeps rejecting our fingerprint.
const maxCASAttempts = 5

// ErrGuardConflict means the guard key is already set: another operation
// holds the VM.
var ErrGuardConflict = errors.New("another operation is in progress")

// Exchange performs guarded read-modify-write updates of a VM's metadata.
// It is the only writer of protocol keys.
type Exchange struct {
	cp controlplane.Client
}

// New creates an Exchange over cp.
func New(cp controlplane.Client) *Exchange {
	return &Exchange{cp: cp}
}

// ReplaceKeys removes every item whose key is in keys (or is the key of one
// of newItems), appends newItems, and writes the set back in one call.
// The removed items are returned in their original order.
//
// If guardKey is non-empty and present, nothing is written and the error
// wraps ErrGuardConflict.
//
// On control planes that issue fingerprints the write is conditional and a
// concurrent modification restarts the whole read-check-write, guard
// included. Without fingerprints the guard is best-effort only.
func (e *Exchange) ReplaceKeys(ctx context.Context, vm types.VMRef, guardKey string, keys []string, newItems []types.Item) ([]types.Item, error) {
	logger := log.WithFunc("metadata.ReplaceKeys")
	replaced := slices.Clone(keys)
	for _, it := range newItems {
		if !slices.Contains(replaced, it.Key) {
			replaced = append(replaced, it.Key)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxCASAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		current, err := e.cp.GetMetadata(ctx, vm)
		if err != nil {
			return nil, fmt.Errorf("get metadata of %s: %w", vm, err)
		}
		if guardKey != "" {
			if holder, ok := current.Get(guardKey); ok {
				return nil, fmt.Errorf("%w: %s holds %s=%s", ErrGuardConflict, vm, guardKey, holder)
			}
		}

		next, old := split(current.Items, replaced)
		next = append(next, newItems...)

		err = e.cp.SetMetadata(ctx, vm, &types.Items{Fingerprint: current.Fingerprint, Items: next})
		if err == nil {
			return old, nil
		}
		if !errors.Is(err, controlplane.ErrFingerprintMismatch) {
			return nil, fmt.Errorf("set metadata of %s: %w", vm, err)
		}
		logger.Debugf(ctx, "metadata of %s changed concurrently, retrying (%d/%d)", vm, attempt, maxCASAttempts)
		lastErr = err
	}
	return nil, fmt.Errorf("set metadata of %s after %d attempts: %w", vm, maxCASAttempts, lastErr)
}

// split partitions items into those kept and those whose key is in keys.
func split(items []types.Item, keys []string) (kept, removed []types.Item) {
	kept = make([]types.Item, 0, len(items))
	for _, it := range items {
		if slices.Contains(keys, it.Key) {
			removed = append(removed, it)
			continue
		}
		kept = append(kept, it)
	}
	return kept, removed
}
