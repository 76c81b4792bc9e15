// Package material implements the engine's fixed metallic-roughness
// material model and its handle table (spec.md §3): an explicit
// albedo/metallic/roughness record plus three optional texture
// handles, with slot 0 reserved as the ImageUndefined=0 placeholder
// every un-textured or invalid-handle lookup falls back to.
package material

import "github.com/kestrelgfx/kestrel/texture"

// Handle indexes into a Manager's material table. The zero value is
// not a valid material; Manager.Create always returns a handle >= 1.
type Handle uint32

// Material is the engine's one supported shading model:
// metallic-roughness PBR with three optional textures.
type Material struct {
	Albedo    [3]float32
	Metallic  float32
	Roughness float32
	_         [1]float32 // pad to 16-byte std430 alignment
	AlbedoTex texture.Handle
	MRTex     texture.Handle
	NormalTex texture.Handle
	_         uint32 // pad
}

// Manager owns the CPU-side material table. The table's GPU-visible
// form lives in a fixed-size gpu.Buffer owned by the renderer, which
// rewrites it in full from Records (spec.md §4.9); Manager itself only assigns handles
// and keeps the authoritative record so the renderer can rebuild the
// GPU table on change.
type Manager struct {
	records []Material // records[0] is the reserved placeholder slot
}

// NewManager creates a Manager with slot 0 reserved for a default
// placeholder material (white albedo, zero metallic, mid roughness,
// ImageUndefined textures) so un-textured draws never reference an
// out-of-range handle.
func NewManager() *Manager {
	return &Manager{records: []Material{{
		Albedo: [3]float32{1, 1, 1}, Roughness: 0.5,
	}}}
}

// Create appends m and returns its handle.
func (mgr *Manager) Create(m Material) Handle {
	mgr.records = append(mgr.records, m)
	return Handle(len(mgr.records) - 1)
}

// Get returns the material at h, or the slot-0 placeholder if h is
// out of range.
func (mgr *Manager) Get(h Handle) Material {
	if int(h) >= len(mgr.records) {
		return mgr.records[0]
	}
	return mgr.records[h]
}

// Records returns the full table, for bulk upload to the GPU-visible
// storage buffer.
func (mgr *Manager) Records() []Material { return mgr.records }
