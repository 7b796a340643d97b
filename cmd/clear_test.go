package cmd

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/oobjoin/controlplane/memory"
	"github.com/projecteru2/oobjoin/protocol"
	"github.com/projecteru2/oobjoin/snapshot"
	"github.com/projecteru2/oobjoin/types"
)

// strandedVM carries every key a dead join leaves behind.
func strandedVM() *memory.Memory {
	cp := memory.New()
	cp.AddVM(vm1,
		types.Item{Key: "unrelated", Value: "x"},
		types.Item{Key: protocol.StartupScriptKey, Value: "<join script>"},
		types.Item{Key: protocol.GuardKey, Value: "op-dead"},
		types.Item{Key: protocol.JoinRequestKey, Value: "{}"},
	)
	return cp
}

func TestClearVM_FromSavedSnapshot(t *testing.T) {
	useTempConf(t)
	store := snapshot.New(conf.SnapshotDir())
	require.NoError(t, store.Save(context.Background(), vm1, "op-dead", []types.Item{oldScript()}))
	cp := strandedVM()

	require.NoError(t, clearVM(context.Background(), cp, store, vm1, "", false))
	assert.Equal(t, map[string]string{"unrelated": "x", protocol.StartupScriptKey: "echo old"}, types.ToMap(cp.Metadata(vm1)))
	_, err := store.Load(vm1)
	assert.ErrorIs(t, err, snapshot.ErrNotFound, "used snapshot is removed")
}

func TestClearVM_SnapshotFileOfAnotherVM(t *testing.T) {
	useTempConf(t)
	other := snapshot.New(filepath.Join(t.TempDir(), "elsewhere"))
	vm2 := types.VMRef{Project: "p", Zone: "z", Name: "vm2"}
	require.NoError(t, other.Save(context.Background(), vm2, "op", []types.Item{oldScript()}))
	cp := strandedVM()
	before := cp.Metadata(vm1)

	err := clearVM(context.Background(), cp, snapshot.New(conf.SnapshotDir()), vm1, other.Path(vm2), false)
	assert.ErrorContains(t, err, "belongs to")
	assert.Equal(t, before, cp.Metadata(vm1), "nothing written")
}

func TestClearVM_ExplicitFileIsKept(t *testing.T) {
	useTempConf(t)
	files := snapshot.New(t.TempDir())
	require.NoError(t, files.Save(context.Background(), vm1, "op-dead", []types.Item{oldScript()}))
	cp := strandedVM()

	require.NoError(t, clearVM(context.Background(), cp, snapshot.New(conf.SnapshotDir()), vm1, files.Path(vm1), false))
	assert.Equal(t, "echo old", types.ToMap(cp.Metadata(vm1))[protocol.StartupScriptKey])
	_, err := files.Load(vm1)
	assert.NoError(t, err)
}

func TestClearVM_NoSnapshot(t *testing.T) {
	useTempConf(t)
	cp := strandedVM()
	err := clearVM(context.Background(), cp, snapshot.New(conf.SnapshotDir()), vm1, "", false)
	require.ErrorIs(t, err, snapshot.ErrNotFound)
	assert.ErrorContains(t, err, "--no-restore")

	require.NoError(t, clearVM(context.Background(), cp, snapshot.New(conf.SnapshotDir()), vm1, "", true))
	assert.Equal(t, []types.Item{{Key: "unrelated", Value: "x"}}, cp.Metadata(vm1))
}
