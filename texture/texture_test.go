package texture

import (
	"log"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrelgfx/kestrel/gpu"
)

var tCtx *gpu.Context
var tWorker *gpu.QueueWorker

func TestMain(m *testing.M) {
	ctx, err := gpu.NewContext(gpu.ContextOptions{AppName: "texture-test"})
	if err != nil {
		log.Fatalf("fatal: gpu.NewContext failed: %v", err)
	}
	tCtx = ctx
	worker, err := gpu.NewQueueWorker(ctx, ctx.Graphics)
	if err != nil {
		log.Fatalf("fatal: gpu.NewQueueWorker failed: %v", err)
	}
	tWorker = worker
	code := m.Run()
	tWorker.Destroy()
	tCtx.Destroy()
	os.Exit(code)
}

func withRecorder(t *testing.T, fn func(rec *gpu.Recorder)) {
	t.Helper()
	rec, err := tWorker.Begin()
	require.NoError(t, err)
	fn(rec)
	require.NoError(t, tWorker.Submit(rec, nil, nil, nil))
	require.NoError(t, tWorker.Wait())
}

// TestNewManagerReservesSlotZero checks that slot 0 is filled with
// the placeholder image before any texture is registered, matching
// the rest of the bindless array's initial contents (spec.md §4.9).
func TestNewManagerReservesSlotZero(t *testing.T) {
	var mgr *Manager
	withRecorder(t, func(rec *gpu.Recorder) {
		m, err := NewManager(tCtx, rec)
		require.NoError(t, err)
		mgr = m
	})
	defer mgr.Destroy()

	require.True(t, mgr.slots.IsSet(0))
	require.NotNil(t, mgr.images[0])
}

// TestRegisterAssignsDistinctHandles checks that Register gives each
// new texture a distinct, non-placeholder slot.
func TestRegisterAssignsDistinctHandles(t *testing.T) {
	var mgr *Manager
	withRecorder(t, func(rec *gpu.Recorder) {
		m, err := NewManager(tCtx, rec)
		require.NoError(t, err)
		mgr = m
	})
	defer mgr.Destroy()

	pixels := make([]byte, 4*4*4) // 4x4 RGBA8
	var h1, h2 Handle
	withRecorder(t, func(rec *gpu.Recorder) {
		var err error
		h1, err = mgr.Register(rec, 4, 4, pixels, false)
		require.NoError(t, err)
		h2, err = mgr.Register(rec, 4, 4, pixels, false)
		require.NoError(t, err)
	})

	require.NotEqual(t, ImageUndefined, h1)
	require.NotEqual(t, ImageUndefined, h2)
	require.NotEqual(t, h1, h2)
}

// TestTableOverflowReturnsUndefined checks that registering one
// texture past TableSize-1 free slots returns ImageUndefined rather
// than wrapping or panicking (spec.md §7 overflow policy).
func TestTableOverflowReturnsUndefined(t *testing.T) {
	var mgr *Manager
	withRecorder(t, func(rec *gpu.Recorder) {
		m, err := NewManager(tCtx, rec)
		require.NoError(t, err)
		mgr = m
	})
	defer mgr.Destroy()

	pixels := make([]byte, 4*4*4)
	withRecorder(t, func(rec *gpu.Recorder) {
		for i := 0; i < TableSize-1; i++ {
			h, err := mgr.Register(rec, 4, 4, pixels, false)
			require.NoError(t, err)
			require.NotEqual(t, ImageUndefined, h)
		}
		h, err := mgr.Register(rec, 4, 4, pixels, false)
		require.NoError(t, err)
		require.Equal(t, ImageUndefined, h)
	})
}

// TestReleaseFreesSlotForReuse checks that releasing a handle lets a
// later Register reclaim its slot, and that slot 0 is immune to
// Release.
func TestReleaseFreesSlotForReuse(t *testing.T) {
	var mgr *Manager
	withRecorder(t, func(rec *gpu.Recorder) {
		m, err := NewManager(tCtx, rec)
		require.NoError(t, err)
		mgr = m
	})
	defer mgr.Destroy()

	mgr.Release(0) // no-op, slot 0 is permanent
	require.True(t, mgr.slots.IsSet(0))

	pixels := make([]byte, 4*4*4)
	var h Handle
	withRecorder(t, func(rec *gpu.Recorder) {
		var err error
		h, err = mgr.Register(rec, 4, 4, pixels, false)
		require.NoError(t, err)
	})
	mgr.Release(h)
	require.False(t, mgr.slots.IsSet(int(h)))

	withRecorder(t, func(rec *gpu.Recorder) {
		h2, err := mgr.Register(rec, 4, 4, pixels, false)
		require.NoError(t, err)
		require.Equal(t, h, h2)
	})
}
