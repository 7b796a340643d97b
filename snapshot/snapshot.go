// Package snapshot keeps the startup-script items a join replaced, so a VM
// can be put back with `clear` after this process died mid-join.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/oobjoin/types"
	"github.com/projecteru2/oobjoin/utils"
)

var (
	// ErrNotFound means no snapshot was saved for the VM.
	ErrNotFound = errors.New("snapshot not found")
	// ErrCorrupt means the stored items do not match the stored digest.
	ErrCorrupt = errors.New("snapshot digest mismatch")
)

// Snapshot is the on-disk record of one operation's original items.
type Snapshot struct {
	VM          types.VMRef   `json:"vm"`
	OperationID string        `json:"operation_id"`
	CreatedAt   time.Time     `json:"created_at"`
	Items       []types.Item  `json:"items"`
	Digest      digest.Digest `json:"digest"`
}

// Store saves one snapshot per VM as <dir>/<vm>.json.
type Store struct {
	dir string
}

// New creates a Store rooted at dir. The directory is created on first save.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Path returns the snapshot file of vm.
func (s *Store) Path(vm types.VMRef) string {
	return filepath.Join(s.dir, fileName(vm))
}

// Save records items for vm, replacing any previous snapshot. Its signature
// matches join.SnapshotHook.
func (s *Store) Save(ctx context.Context, vm types.VMRef, operationID string, items []types.Item) error {
	if items == nil {
		items = []types.Item{}
	}
	d, err := itemsDigest(items)
	if err != nil {
		return err
	}
	snap := &Snapshot{
		VM:          vm,
		OperationID: operationID,
		CreatedAt:   time.Now().UTC(),
		Items:       items,
		Digest:      d,
	}
	path := s.Path(vm)
	if err := utils.AtomicWriteJSON(path, snap); err != nil {
		return fmt.Errorf("save snapshot of %s: %w", vm, err)
	}
	log.WithFunc("snapshot.Save").Debugf(ctx, "%s: saved %d item(s) of operation %s to %s", vm, len(items), operationID, path)
	return nil
}

// Load reads the snapshot of vm.
func (s *Store) Load(vm types.VMRef) (*Snapshot, error) {
	snap, err := LoadFile(s.Path(vm))
	if err != nil {
		return nil, err
	}
	if snap.VM != vm {
		return nil, fmt.Errorf("snapshot %s belongs to %s, not %s", s.Path(vm), snap.VM, vm)
	}
	return snap, nil
}

// Delete removes the snapshot of vm. A missing snapshot is not an error.
func (s *Store) Delete(vm types.VMRef) error {
	if err := os.Remove(s.Path(vm)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete snapshot of %s: %w", vm, err)
	}
	return nil
}

// LoadFile reads and verifies a snapshot file.
func LoadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied or run_dir path
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("read snapshot %s: %w", path, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	if err := snap.verify(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &snap, nil
}

func (snap *Snapshot) verify() error {
	if err := snap.Digest.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	data, err := json.Marshal(snap.Items)
	if err != nil {
		return fmt.Errorf("encode items: %w", err)
	}
	v := snap.Digest.Verifier()
	_, _ = v.Write(data)
	if !v.Verified() {
		return ErrCorrupt
	}
	return nil
}

func itemsDigest(items []types.Item) (digest.Digest, error) {
	data, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("encode items: %w", err)
	}
	return digest.FromBytes(data), nil
}

// fileName flattens a VM reference into a readable file name.
func fileName(vm types.VMRef) string {
	return strings.ReplaceAll(vm.String(), "/", "_") + ".json"
}
