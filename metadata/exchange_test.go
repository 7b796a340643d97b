package metadata

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/oobjoin/controlplane"
	"github.com/projecteru2/oobjoin/controlplane/memory"
	"github.com/projecteru2/oobjoin/types"
)

var vm = types.VMRef{Project: "p", Zone: "z", Name: "vm1"}

func item(k, v string) types.Item { return types.Item{Key: k, Value: v} }

// racingClient lets another writer slip in before the first n SetMetadata calls.
type racingClient struct {
	*memory.Memory
	races int
	race  func()
}

func (r *racingClient) SetMetadata(ctx context.Context, vm types.VMRef, items *types.Items) error {
	if r.races > 0 {
		r.races--
		r.race()
	}
	return r.Memory.SetMetadata(ctx, vm, items)
}

func TestReplaceKeys_ReplacesAndReturnsOld(t *testing.T) {
	cp := memory.New()
	cp.AddVM(vm, item("a", "1"), item("script", "old"), item("b", "2"))

	old, err := New(cp).ReplaceKeys(context.Background(), vm, "", []string{"script", "missing"}, []types.Item{item("script", "new")})
	require.NoError(t, err)
	assert.Equal(t, []types.Item{item("script", "old")}, old)
	assert.Equal(t, []types.Item{item("a", "1"), item("b", "2"), item("script", "new")}, cp.Metadata(vm))
}

func TestReplaceKeys_NewItemKeyNotListedIsStillReplaced(t *testing.T) {
	cp := memory.New()
	cp.AddVM(vm, item("x", "1"))

	old, err := New(cp).ReplaceKeys(context.Background(), vm, "", nil, []types.Item{item("x", "2")})
	require.NoError(t, err)
	assert.Equal(t, []types.Item{item("x", "1")}, old)
	assert.Equal(t, []types.Item{item("x", "2")}, cp.Metadata(vm))
}

func TestReplaceKeys_GuardConflict(t *testing.T) {
	cp := memory.New()
	cp.AddVM(vm, item("guard", "op-A"), item("script", "A"))

	_, err := New(cp).ReplaceKeys(context.Background(), vm, "guard", []string{"script"}, []types.Item{item("guard", "op-B")})
	require.ErrorIs(t, err, ErrGuardConflict)
	assert.Contains(t, err.Error(), "op-A")
	assert.Zero(t, cp.SetCalls(vm), "nothing written on conflict")
	assert.Equal(t, []types.Item{item("guard", "op-A"), item("script", "A")}, cp.Metadata(vm))
}

func TestReplaceKeys_GuardAbsent(t *testing.T) {
	cp := memory.New()
	cp.AddVM(vm)

	old, err := New(cp).ReplaceKeys(context.Background(), vm, "guard", []string{"guard"}, []types.Item{item("guard", "op-B")})
	require.NoError(t, err)
	assert.Empty(t, old)
	assert.Equal(t, []types.Item{item("guard", "op-B")}, cp.Metadata(vm))
}

func TestReplaceKeys_PropagatesControlPlaneErrors(t *testing.T) {
	denied := errors.New("permission denied")
	cp := memory.New()
	cp.AddVM(vm)
	cp.FailOn(memory.MethodSetMetadata, denied)

	_, err := New(cp).ReplaceKeys(context.Background(), vm, "", []string{"k"}, nil)
	assert.ErrorIs(t, err, denied)

	_, err = New(cp).ReplaceKeys(context.Background(), types.VMRef{Name: "nope"}, "", nil, nil)
	assert.ErrorIs(t, err, controlplane.ErrNotFound)
}

func TestReplaceKeys_RetriesOnConcurrentWrite(t *testing.T) {
	mem := memory.New()
	mem.AddVM(vm, item("script", "old"))
	cp := &racingClient{Memory: mem, races: 1, race: func() {
		mem.PutMetadata(vm, item("script", "old"), item("other", "x"))
	}}

	old, err := New(cp).ReplaceKeys(context.Background(), vm, "guard", []string{"script"}, []types.Item{item("guard", "op")})
	require.NoError(t, err)
	assert.Equal(t, []types.Item{item("script", "old")}, old)
	assert.Equal(t, []types.Item{item("other", "x"), item("guard", "op")}, mem.Metadata(vm), "concurrent write preserved")
	assert.Equal(t, 2, mem.SetCalls(vm))
}

func TestReplaceKeys_ConcurrentGuardWinsAfterRetry(t *testing.T) {
	mem := memory.New()
	mem.AddVM(vm)
	cp := &racingClient{Memory: mem, races: 1, race: func() {
		mem.PutMetadata(vm, item("guard", "op-A"))
	}}

	_, err := New(cp).ReplaceKeys(context.Background(), vm, "guard", []string{"guard"}, []types.Item{item("guard", "op-B")})
	require.ErrorIs(t, err, ErrGuardConflict)
	assert.Equal(t, []types.Item{item("guard", "op-A")}, mem.Metadata(vm))
}

func TestReplaceKeys_GivesUpAfterMaxAttempts(t *testing.T) {
	mem := memory.New()
	mem.AddVM(vm)
	n := 0
	cp := &racingClient{Memory: mem, races: maxCASAttempts, race: func() {
		n++
		mem.PutMetadata(vm, item("noise", string(rune('a'+n))))
	}}

	_, err := New(cp).ReplaceKeys(context.Background(), vm, "", []string{"k"}, nil)
	assert.ErrorIs(t, err, controlplane.ErrFingerprintMismatch)
}

func TestReplaceKeys_WithoutFingerprintsIsUnconditional(t *testing.T) {
	mem := memory.New(memory.WithoutFingerprints())
	mem.AddVM(vm)
	cp := &racingClient{Memory: mem, races: 1, race: func() {
		mem.PutMetadata(vm, item("guard", "op-A"))
	}}

	// The race is lost silently: documented best-effort behavior.
	_, err := New(cp).ReplaceKeys(context.Background(), vm, "guard", []string{"guard"}, []types.Item{item("guard", "op-B")})
	require.NoError(t, err)
	assert.Equal(t, []types.Item{item("guard", "op-B")}, mem.Metadata(vm))
}

func TestReplaceKeys_Canceled(t *testing.T) {
	cp := memory.New()
	cp.AddVM(vm)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(cp).ReplaceKeys(ctx, vm, "", nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, cp.SetCalls(vm))
}
