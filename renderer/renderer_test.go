package renderer

import (
	"log"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrelgfx/kestrel/gpu"
	"github.com/kestrelgfx/kestrel/linear"
)

var tCtx *gpu.Context

// TestMain opens a real *gpu.Context, matching the rest of this
// module's packages. NewRenderer itself additionally needs a
// vk.Surface tied to a live window, which this environment has no way
// to provide; the pieces of the frame graph that don't depend on one
// (GBuffer, QueryPools, the vertex/instance packing helpers, and the
// matrix utilities) are exercised directly instead.
func TestMain(m *testing.M) {
	ctx, err := gpu.NewContext(gpu.ContextOptions{AppName: "renderer-test"})
	if err != nil {
		log.Fatalf("fatal: gpu.NewContext failed: %v", err)
	}
	tCtx = ctx
	code := m.Run()
	tCtx.Destroy()
	os.Exit(code)
}

// TestNewGBufferDimensions checks that the GBuffer's backing images
// and derived views come out at the requested extent, and that
// Destroy is safe to call twice.
func TestNewGBufferDimensions(t *testing.T) {
	g, err := newGBuffer(tCtx, 320, 240)
	require.NoError(t, err)
	require.Equal(t, 320, g.width)
	require.Equal(t, 240, g.height)
	require.NotNil(t, g.arrayView)
	require.NotNil(t, g.depthView)
	for _, v := range g.colorViews {
		require.NotNil(t, v)
	}

	g.Destroy()
	require.NotPanics(t, func() { g.Destroy() })
}

// TestNewQueryPoolsConstructsAllPools checks that every query pool
// newQueryPools allocates is a valid (non-nil) handle, and that
// Destroy is safe to call twice.
func TestNewQueryPoolsConstructsAllPools(t *testing.T) {
	q, err := newQueryPools(tCtx)
	require.NoError(t, err)
	require.NotNil(t, q.timestamps)
	require.NotNil(t, q.shadowStats)
	require.NotNil(t, q.geomStats)
	require.NotNil(t, q.lightStats)

	q.Destroy()
	require.NotPanics(t, func() { q.Destroy() })
}

// TestNewVertexPacksHalfFloats checks that NewVertex round-trips
// position/tangent/normal/UV through the half-float layout within
// half-float precision.
func TestNewVertexPacksHalfFloats(t *testing.T) {
	pos := linear.V3{1, 2, -3}
	tan := linear.V3{1, 0, 0}
	norm := linear.V3{0, 1, 0}
	v := NewVertex(&pos, &tan, &norm, 0.5, 0.25)

	require.InDelta(t, float32(1), v.Position[0].Float32(), 0.01)
	require.InDelta(t, float32(2), v.Position[1].Float32(), 0.01)
	require.InDelta(t, float32(-3), v.Position[2].Float32(), 0.01)
	require.InDelta(t, float32(0.5), v.UV[0].Float32(), 0.01)
	require.InDelta(t, float32(0.25), v.UV[1].Float32(), 0.01)
}

// TestNewInstanceFlattensColumnMajor checks that NewInstance lays a
// translation matrix out column-major, matching the GLSL mat4 layout
// vertexBindings declares.
func TestNewInstanceFlattensColumnMajor(t *testing.T) {
	var m linear.M4
	m.I()
	m[3] = linear.V4{5, 6, 7, 1} // translation column

	inst := NewInstance(&m)
	require.Equal(t, float32(1), inst.Model[0], "column 0 row 0 stays identity")
	require.Equal(t, float32(5), inst.Model[12], "column 3 row 0 carries the translation")
	require.Equal(t, float32(6), inst.Model[13])
	require.Equal(t, float32(7), inst.Model[14])
	require.Equal(t, float32(1), inst.Model[15])
}

// TestVertexBindingsMatchStride checks that vertexBindings describes
// exactly Vertex's packed byte layout (4 attributes, 28-byte stride).
func TestVertexBindingsMatchStride(t *testing.T) {
	bindings := vertexBindings()
	require.Len(t, bindings, 1)
	require.Equal(t, 28, bindings[0].Stride)
	require.Len(t, bindings[0].Attribs, 4)
	require.Equal(t, 24, bindings[0].Attribs[3].Offset)
}

// TestFlattenM4ColumnMajor checks flattenM4 against a matrix with
// distinct values in every slot so a row/column transposition bug
// would be caught.
func TestFlattenM4ColumnMajor(t *testing.T) {
	m := linear.M4{
		{0, 1, 2, 3},
		{4, 5, 6, 7},
		{8, 9, 10, 11},
		{12, 13, 14, 15},
	}
	out := flattenM4(&m)
	for c := 0; c < 4; c++ {
		for r := 0; r < 4; r++ {
			require.Equal(t, m[c][r], out[c*4+r])
		}
	}
}

// TestMulM4Identity checks that multiplying by the identity matrix
// returns the original matrix unchanged.
func TestMulM4Identity(t *testing.T) {
	var id linear.M4
	id.I()
	m := linear.M4{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{2, 3, 4, 1},
	}
	out := mulM4(&m, &id)
	require.Equal(t, m, *out)
}
