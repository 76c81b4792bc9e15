package storage

import (
	"log"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrelgfx/kestrel/gpu"
)

var tCtx *gpu.Context

// TestMain opens a real *gpu.Context for the duration of the package's
// tests, mirroring driver/vk's TestMain convention of testing against
// actual hardware rather than a mock.
func TestMain(m *testing.M) {
	ctx, err := gpu.NewContext(gpu.ContextOptions{AppName: "storage-test"})
	if err != nil {
		log.Fatalf("fatal: gpu.NewContext failed: %v", err)
	}
	tCtx = ctx
	code := m.Run()
	tCtx.Destroy()
	os.Exit(code)
}

// TestHandleSwapCompaction implements scenario S1: create four
// elements in a capacity-4 buffer, delete the second, and check that
// compaction preserves every remaining handle's logical value while
// rewriting the swapped handle's index in place.
func TestHandleSwapCompaction(t *testing.T) {
	buf, err := New[struct{}, uint32](tCtx, gpu.UStorage, 4)
	require.NoError(t, err)

	worker, err := gpu.NewQueueWorker(tCtx, tCtx.Graphics)
	require.NoError(t, err)
	defer worker.Destroy()
	rec, err := worker.Begin()
	require.NoError(t, err)

	h0, err := buf.CreateElement(rec, 10)
	require.NoError(t, err)
	h1, err := buf.CreateElement(rec, 20)
	require.NoError(t, err)
	h2, err := buf.CreateElement(rec, 30)
	require.NoError(t, err)
	h3, err := buf.CreateElement(rec, 40)
	require.NoError(t, err)

	require.Equal(t, 0, h0.Value())
	require.Equal(t, 1, h1.Value())
	require.Equal(t, 2, h2.Value())
	require.Equal(t, 3, h3.Value())
	require.Equal(t, 4, buf.Len())

	buf.DeleteElement(h1)

	require.Equal(t, 3, buf.Len())
	require.Equal(t, -1, h1.Value())
	require.Equal(t, uint32(10), buf.Element(h0))
	require.Equal(t, uint32(40), buf.Element(h3))
	require.Equal(t, uint32(30), buf.Element(h2))
	require.Equal(t, 1, h3.Value(), "last element's handle must be rewritten to the vacated slot")
	require.Equal(t, 2, h2.Value(), "handles not involved in the swap keep their index")

	require.NoError(t, worker.Submit(rec, nil, nil, nil))
	require.NoError(t, worker.Wait())
}

// TestGrowthPreservesHandles checks that Reserve grows capacity
// without changing any live handle's logical value (spec.md §4.7).
func TestGrowthPreservesHandles(t *testing.T) {
	buf, err := New[struct{}, uint32](tCtx, gpu.UStorage, 2)
	require.NoError(t, err)

	worker, err := gpu.NewQueueWorker(tCtx, tCtx.Graphics)
	require.NoError(t, err)
	defer worker.Destroy()
	rec, err := worker.Begin()
	require.NoError(t, err)

	h0, err := buf.CreateElement(rec, 1)
	require.NoError(t, err)
	h1, err := buf.CreateElement(rec, 2)
	require.NoError(t, err)
	require.Equal(t, 2, buf.Cap())

	// A third element overflows capacity 2 and must grow.
	h2, err := buf.CreateElement(rec, 3)
	require.NoError(t, err)
	require.Greater(t, buf.Cap(), 2)

	require.Equal(t, 0, h0.Value())
	require.Equal(t, 1, h1.Value())
	require.Equal(t, 2, h2.Value())
	require.Equal(t, uint32(1), buf.Element(h0))
	require.Equal(t, uint32(2), buf.Element(h1))
	require.Equal(t, uint32(3), buf.Element(h2))

	require.NoError(t, worker.Submit(rec, nil, nil, nil))
	require.NoError(t, worker.Wait())
}

// TestHeaderRoundTrip checks the round-trip property: set_header(h);
// read_back_header() == h, bitwise.
func TestHeaderRoundTrip(t *testing.T) {
	type header struct {
		Material uint32
		Pad      [3]uint32
	}
	buf, err := New[header, uint64](tCtx, gpu.UStorage, 8)
	require.NoError(t, err)

	want := header{Material: 7}
	buf.SetHeader(want)
	require.Equal(t, want, buf.Header())
}
