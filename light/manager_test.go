package light

import (
	"log"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrelgfx/kestrel/gpu"
	"github.com/kestrelgfx/kestrel/linear"
)

var tCtx *gpu.Context

func TestMain(m *testing.M) {
	ctx, err := gpu.NewContext(gpu.ContextOptions{AppName: "light-test"})
	if err != nil {
		log.Fatalf("fatal: gpu.NewContext failed: %v", err)
	}
	tCtx = ctx
	code := m.Run()
	tCtx.Destroy()
	os.Exit(code)
}

// TestOverflowReturnsUndefined checks that creating one light past a
// kind's fixed capacity returns LightUndefined rather than wrapping or
// panicking (spec.md §7).
func TestOverflowReturnsUndefined(t *testing.T) {
	mgr, err := NewManager(tCtx)
	require.NoError(t, err)
	defer mgr.Destroy()

	var last Handle
	for i := 0; i < MaxSpot; i++ {
		last = mgr.CreateSpot(Spot{})
		require.NotEqual(t, LightUndefined, last)
	}
	require.Equal(t, LightUndefined, mgr.CreateSpot(Spot{}))
}

// TestShadowSlotAssignment checks that registering a shadow map for a
// directional light assigns a distinct, non-negative slot.
func TestShadowSlotAssignment(t *testing.T) {
	mgr, err := NewManager(tCtx)
	require.NoError(t, err)
	defer mgr.Destroy()

	h := mgr.CreateDirectional(Directional{Direction: linear.V3{0, -1, 0}, Intensity: 3})
	require.NotEqual(t, LightUndefined, h)

	slot := mgr.RegisterDirectionalShadow(h, 20, 0.1, 100)
	require.GreaterOrEqual(t, slot, int32(0))

	h2 := mgr.CreateDirectional(Directional{Direction: linear.V3{0, -1, 0}, Intensity: 1})
	slot2 := mgr.RegisterDirectionalShadow(h2, 20, 0.1, 100)
	require.NotEqual(t, slot, slot2)

	mgr.Upload()
}
