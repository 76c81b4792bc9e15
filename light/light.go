// Package light implements the engine's three fixed-capacity light
// arrays (directional, point, spot) packed into one uniform buffer,
// plus the light-space matrix and shadow-map slot each shadow-casting
// light needs (spec.md §3, §4.9). Each kind gets its own array-backed
// manager rather than one tagged-union table, since the three kinds'
// field layouts and capacities diverge enough that a shared struct
// would need its own per-kind branching anyway.
package light

import "github.com/kestrelgfx/kestrel/linear"

// Fixed capacities for the three light kinds (spec.md §3).
const (
	MaxDirectional = 8
	MaxPoint       = 32
	MaxSpot        = 8
)

// ShadowMapSize is the resolution of every shadow depth image.
const ShadowMapSize = 2048

// Handle indexes into one of the three per-kind arrays. Valid handles
// start at 0, the index of the first light created in an array; an
// overflowed create returns LightUndefined (-1), which never aliases
// a valid light.
type Handle int32

// LightUndefined is returned when a light array is at capacity
// (spec.md §7).
const LightUndefined Handle = -1

// Directional is a sun-like light with no position, casting a single
// orthographic shadow map.
type Directional struct {
	Direction linear.V3
	Intensity float32
	Color     linear.V3
	ShadowMap ShadowMap
}

// Point is an omnidirectional positional light. Its shadow projection
// is a stub: only the +Z cube face is rendered, matching the
// original's incomplete point-light shadow support (spec.md §9).
type Point struct {
	Position  linear.V3
	Range     float32
	Intensity float32
	Color     linear.V3
	ShadowMap ShadowMap
}

// Spot is a positional, conical light casting a single perspective
// shadow map.
type Spot struct {
	Direction  linear.V3
	Position   linear.V3
	InnerAngle float32
	OuterAngle float32
	Range      float32
	Intensity  float32
	Color      linear.V3
	ShadowMap  ShadowMap
}

// ShadowMap pairs a light's view-projection matrix with its slot in
// the renderer's shadow-map image array. Slot is -1 until
// Manager.RegisterShadowMap assigns one.
type ShadowMap struct {
	ViewProj linear.M4
	Slot     int32
}

// directionalMatrix computes an orthographic light-space matrix
// covering the given world-space half-extent around origin, looking
// along dir.
func directionalMatrix(dir, up *linear.V3, halfExtent, near, far float32) linear.M4 {
	var eye linear.V3
	eye.Scale(-halfExtent, dir)
	var center linear.V3
	var view linear.M4
	view.LookAt(&eye, &center, up)
	var proj linear.M4
	proj.Ortho(-halfExtent, halfExtent, -halfExtent, halfExtent, near, far)
	var vp linear.M4
	vp.Mul(&proj, &view)
	return vp
}

// spotMatrix computes a perspective light-space matrix for a spot
// light's cone.
func spotMatrix(pos, dir, up *linear.V3, outerAngle, rang float32) linear.M4 {
	var center linear.V3
	center.Add(pos, dir)
	var view linear.M4
	view.LookAt(pos, &center, up)
	var proj linear.M4
	proj.Perspective(outerAngle*2, 1, 0.05, rang)
	var vp linear.M4
	vp.Mul(&proj, &view)
	return vp
}

// pointMatrixPosZ computes the +Z cube-face light-space matrix used
// as the stand-in for full point-light shadow support (spec.md §9:
// PointLight's light-space matrix is a single-face stub in the
// original source; this preserves that limitation rather than
// completing six-face cube shadowing, which is out of scope here).
func pointMatrixPosZ(pos *linear.V3, rang float32) linear.M4 {
	dir := linear.V3{0, 0, 1}
	up := linear.V3{0, 1, 0}
	var center linear.V3
	center.Add(pos, &dir)
	var view linear.M4
	view.LookAt(pos, &center, &up)
	var proj linear.M4
	proj.Perspective(float32(1.5707964), 1, 0.05, rang)
	var vp linear.M4
	vp.Mul(&proj, &view)
	return vp
}

var worldUp = linear.V3{0, 1, 0}
