package light

import (
	"github.com/kestrelgfx/kestrel/gpu"
	"github.com/kestrelgfx/kestrel/internal/bitvec"
)

// gpuDirectional, gpuPoint, gpuSpot mirror the std140 layout the
// lighting shader reads; field order and padding match the uniform
// block the renderer declares (spec.md §4.9).
type gpuDirectional struct {
	Direction [3]float32
	Intensity float32
	Color     [3]float32
	_         float32
	ViewProj  [16]float32
	Slot      int32
	_         [3]int32
}

type gpuPoint struct {
	Position  [3]float32
	Range     float32
	Intensity float32
	_         [3]float32
	Color     [3]float32
	_         float32
	ViewProj  [16]float32
	Slot      int32
	_         [3]int32
}

type gpuSpot struct {
	Direction  [3]float32
	InnerAngle float32
	Position   [3]float32
	OuterAngle float32
	Range      float32
	Intensity  float32
	_          [2]float32
	Color      [3]float32
	_          float32
	ViewProj   [16]float32
	Slot       int32
	_          [3]int32
}

// gpuLightBlock is the full uniform block: three fixed arrays plus the
// live counts the shader loops up to (spec.md §3).
type gpuLightBlock struct {
	Directional   [MaxDirectional]gpuDirectional
	Point         [MaxPoint]gpuPoint
	Spot          [MaxSpot]gpuSpot
	DirectionalN  uint32
	PointN        uint32
	SpotN         uint32
	_             uint32
}

// Manager owns the three fixed-capacity light arrays and the single
// uniform buffer they're packed into, plus the free-slot bookkeeping
// for the renderer's shadow-map image array.
type Manager struct {
	ubo *gpu.Buffer

	directional   [MaxDirectional]Directional
	directionalN  int
	point         [MaxPoint]Point
	pointN        int
	spot          [MaxSpot]Spot
	spotN         int

	shadowSlots bitvec.V[uint32]
}

// ShadowSlotCount is the width of the renderer's shadow-map image
// array: one slot per light that can cast a shadow.
const ShadowSlotCount = MaxDirectional + MaxPoint + MaxSpot

// NewManager creates a Manager with its uniform buffer sized for the
// full fixed-capacity layout, mapped for per-frame CPU writes.
func NewManager(ctx *gpu.Context) (*Manager, error) {
	var block gpuLightBlock
	ubo, err := gpu.NewBuffer(ctx, int64(sizeOfLightBlock(&block)), gpu.UUniform, gpu.CpuWrite)
	if err != nil {
		return nil, err
	}
	m := &Manager{ubo: ubo}
	m.shadowSlots.Grow((ShadowSlotCount + 31) / 32)
	return m, nil
}

// UniformBuffer returns the backing GPU buffer for descriptor writes.
func (m *Manager) UniformBuffer() *gpu.Buffer { return m.ubo }

// CreateDirectional appends l, returning LightUndefined if the
// directional array is already at MaxDirectional (spec.md §7).
func (m *Manager) CreateDirectional(l Directional) Handle {
	if m.directionalN >= MaxDirectional {
		return LightUndefined
	}
	h := Handle(m.directionalN)
	m.directional[h] = l
	m.directionalN++
	return h
}

// CreatePoint appends l, returning LightUndefined if the point array
// is already at MaxPoint.
func (m *Manager) CreatePoint(l Point) Handle {
	if m.pointN >= MaxPoint {
		return LightUndefined
	}
	h := Handle(m.pointN)
	m.point[h] = l
	m.pointN++
	return h
}

// CreateSpot appends l, returning LightUndefined if the spot array is
// already at MaxSpot.
func (m *Manager) CreateSpot(l Spot) Handle {
	if m.spotN >= MaxSpot {
		return LightUndefined
	}
	h := Handle(m.spotN)
	m.spot[h] = l
	m.spotN++
	return h
}

// RegisterDirectionalShadow computes h's light-space matrix and
// assigns it the next free shadow-map slot.
func (m *Manager) RegisterDirectionalShadow(h Handle, halfExtent, near, far float32) int32 {
	slot, ok := m.shadowSlots.Search()
	if !ok {
		return -1
	}
	m.shadowSlots.Set(slot)
	l := &m.directional[h]
	l.ShadowMap.ViewProj = directionalMatrix(&l.Direction, &worldUp, halfExtent, near, far)
	l.ShadowMap.Slot = int32(slot)
	return int32(slot)
}

// RegisterSpotShadow computes h's light-space matrix and assigns it
// the next free shadow-map slot.
func (m *Manager) RegisterSpotShadow(h Handle) int32 {
	slot, ok := m.shadowSlots.Search()
	if !ok {
		return -1
	}
	m.shadowSlots.Set(slot)
	l := &m.spot[h]
	l.ShadowMap.ViewProj = spotMatrix(&l.Position, &l.Direction, &worldUp, l.OuterAngle, l.Range)
	l.ShadowMap.Slot = int32(slot)
	return int32(slot)
}

// RegisterPointShadow computes h's single-face light-space matrix
// (spec.md §9) and assigns it the next free shadow-map slot.
func (m *Manager) RegisterPointShadow(h Handle) int32 {
	slot, ok := m.shadowSlots.Search()
	if !ok {
		return -1
	}
	m.shadowSlots.Set(slot)
	l := &m.point[h]
	l.ShadowMap.ViewProj = pointMatrixPosZ(&l.Position, l.Range)
	l.ShadowMap.Slot = int32(slot)
	return int32(slot)
}

// ReleaseShadowSlot frees a previously registered shadow-map slot.
func (m *Manager) ReleaseShadowSlot(slot int32) {
	if slot >= 0 {
		m.shadowSlots.Unset(int(slot))
	}
}

// Upload writes the current light arrays into the mapped uniform
// buffer, in the std140 layout the lighting shader expects.
func (m *Manager) Upload() {
	var block gpuLightBlock
	for i := 0; i < m.directionalN; i++ {
		l := &m.directional[i]
		block.Directional[i] = gpuDirectional{
			Direction: l.Direction,
			Intensity: l.Intensity,
			Color:     l.Color,
			ViewProj:  flatten(&l.ShadowMap.ViewProj),
			Slot:      l.ShadowMap.Slot,
		}
	}
	for i := 0; i < m.pointN; i++ {
		l := &m.point[i]
		block.Point[i] = gpuPoint{
			Position:  l.Position,
			Range:     l.Range,
			Intensity: l.Intensity,
			Color:     l.Color,
			ViewProj:  flatten(&l.ShadowMap.ViewProj),
			Slot:      l.ShadowMap.Slot,
		}
	}
	for i := 0; i < m.spotN; i++ {
		l := &m.spot[i]
		block.Spot[i] = gpuSpot{
			Direction:  l.Direction,
			InnerAngle: l.InnerAngle,
			Position:   l.Position,
			OuterAngle: l.OuterAngle,
			Range:      l.Range,
			Intensity:  l.Intensity,
			Color:      l.Color,
			ViewProj:   flatten(&l.ShadowMap.ViewProj),
			Slot:       l.ShadowMap.Slot,
		}
	}
	block.DirectionalN = uint32(m.directionalN)
	block.PointN = uint32(m.pointN)
	block.SpotN = uint32(m.spotN)

	writeBlock(m.ubo, &block)
}

// Destroy releases the light uniform buffer.
func (m *Manager) Destroy() { m.ubo.Destroy() }
