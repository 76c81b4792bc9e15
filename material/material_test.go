package material

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrelgfx/kestrel/texture"
)

// TestNewManagerReservesPlaceholder checks that slot 0 is the default
// white/mid-roughness placeholder, never a zero-valued struct (a zero
// roughness would read as a mirror, not "unset").
func TestNewManagerReservesPlaceholder(t *testing.T) {
	mgr := NewManager()
	require.Len(t, mgr.Records(), 1)
	placeholder := mgr.Get(0)
	require.Equal(t, [3]float32{1, 1, 1}, placeholder.Albedo)
	require.Equal(t, float32(0.5), placeholder.Roughness)
	require.Equal(t, texture.ImageUndefined, placeholder.AlbedoTex)
}

// TestCreateAssignsIncrementingHandles checks Create never reuses
// handle 0 and returns distinct, increasing handles for each record.
func TestCreateAssignsIncrementingHandles(t *testing.T) {
	mgr := NewManager()
	h1 := mgr.Create(Material{Albedo: [3]float32{1, 0, 0}, Metallic: 1, Roughness: 0.2})
	h2 := mgr.Create(Material{Albedo: [3]float32{0, 1, 0}, Metallic: 0, Roughness: 0.8})

	require.Equal(t, Handle(1), h1)
	require.Equal(t, Handle(2), h2)
	require.Len(t, mgr.Records(), 3)

	require.Equal(t, float32(1), mgr.Get(h1).Metallic)
	require.Equal(t, float32(0.8), mgr.Get(h2).Roughness)
}

// TestGetOutOfRangeReturnsPlaceholder checks that an invalid handle
// (never created, or past the table's current length) falls back to
// slot 0 rather than panicking or reading garbage.
func TestGetOutOfRangeReturnsPlaceholder(t *testing.T) {
	mgr := NewManager()
	mgr.Create(Material{Albedo: [3]float32{1, 0, 0}})

	got := mgr.Get(Handle(99))
	require.Equal(t, mgr.Get(0), got)
}
