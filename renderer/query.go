package renderer

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/kestrelgfx/kestrel/gpu"
)

// Timestamp slots, in record order.
const (
	tsFrameStart = iota
	tsAfterShadow
	tsAfterGeometry
	tsAfterLighting
	tsCount
)

// pipelineStatCount is the number of stat values QueryPools collects
// per pass: input-assembly vertices and fragment-shader invocations.
const pipelineStatCount = 2

// QueryPools owns the debug instrumentation queries: one
// pipeline-statistics pool per pass (shadow, geometry, lighting) and
// one shared timestamp pool, read back once per frame after the
// worker's fence signals (spec.md §4.9 debug readback).
type QueryPools struct {
	ctx *gpu.Context

	timestamps   vk.QueryPool
	shadowStats  vk.QueryPool
	geomStats    vk.QueryPool
	lightStats   vk.QueryPool

	period float32 // ns per timestamp tick
}

// FrameStats is the result of one frame's debug readback.
type FrameStats struct {
	ShadowPassMS, GeometryPassMS, LightingPassMS float64
	ShadowVertices, ShadowFragments              uint64
	GeometryVertices, GeometryFragments          uint64
	LightingVertices, LightingFragments          uint64
}

func newQueryPools(ctx *gpu.Context) (*QueryPools, error) {
	q := &QueryPools{ctx: ctx, period: ctx.Limits().TimestampPeriod}

	ts, err := newQueryPool(ctx, vk.QueryTypeTimestamp, tsCount, 0)
	if err != nil {
		return nil, fmt.Errorf("renderer: timestamp pool: %w", err)
	}
	q.timestamps = ts

	statFlags := vk.QueryPipelineStatisticFlags(
		vk.QueryPipelineStatisticInputAssemblyVerticesBit | vk.QueryPipelineStatisticFragmentShaderInvocationsBit)

	shadow, err := newQueryPool(ctx, vk.QueryTypePipelineStatistics, 1, statFlags)
	if err != nil {
		q.Destroy()
		return nil, fmt.Errorf("renderer: shadow stats pool: %w", err)
	}
	q.shadowStats = shadow

	geom, err := newQueryPool(ctx, vk.QueryTypePipelineStatistics, 1, statFlags)
	if err != nil {
		q.Destroy()
		return nil, fmt.Errorf("renderer: geometry stats pool: %w", err)
	}
	q.geomStats = geom

	lighting, err := newQueryPool(ctx, vk.QueryTypePipelineStatistics, 1, statFlags)
	if err != nil {
		q.Destroy()
		return nil, fmt.Errorf("renderer: lighting stats pool: %w", err)
	}
	q.lightStats = lighting

	return q, nil
}

func newQueryPool(ctx *gpu.Context, typ vk.QueryType, count int, stats vk.QueryPipelineStatisticFlags) (vk.QueryPool, error) {
	info := &vk.QueryPoolCreateInfo{
		SType:              vk.StructureTypeQueryPoolCreateInfo,
		QueryType:          typ,
		QueryCount:         uint32(count),
		PipelineStatistics: stats,
	}
	var pool vk.QueryPool
	if res := vk.CreateQueryPool(ctx.Device(), info, nil, &pool); res != vk.Success {
		return nil, fmt.Errorf("gpu: vkCreateQueryPool: %d", res)
	}
	return pool, nil
}

// resetAll resets every query pool; must be recorded before any query
// in this frame's command buffer begins.
func (q *QueryPools) resetAll(rec *gpu.Recorder) {
	rec.ResetQueryPool(q.timestamps, 0, tsCount)
	rec.ResetQueryPool(q.shadowStats, 0, 1)
	rec.ResetQueryPool(q.geomStats, 0, 1)
	rec.ResetQueryPool(q.lightStats, 0, 1)
}

func (q *QueryPools) timestamp(rec *gpu.Recorder, slot int) {
	rec.WriteTimestamp(q.timestamps, slot)
}

// readback blocks until every query in this frame's command buffer has
// completed (only valid to call after the worker's submission fence
// has signaled) and converts the raw results into FrameStats.
func (q *QueryPools) readback() (FrameStats, error) {
	var ts [tsCount]uint64
	if err := getQueryResults(q.ctx, q.timestamps, 0, tsCount, ts[:]); err != nil {
		return FrameStats{}, err
	}
	shadowStat, err := readStats(q.ctx, q.shadowStats)
	if err != nil {
		return FrameStats{}, err
	}
	geomStat, err := readStats(q.ctx, q.geomStats)
	if err != nil {
		return FrameStats{}, err
	}
	lightStat, err := readStats(q.ctx, q.lightStats)
	if err != nil {
		return FrameStats{}, err
	}

	toMS := func(a, b uint64) float64 { return float64(b-a) * float64(q.period) / 1e6 }
	return FrameStats{
		ShadowPassMS:     toMS(ts[tsFrameStart], ts[tsAfterShadow]),
		GeometryPassMS:   toMS(ts[tsAfterShadow], ts[tsAfterGeometry]),
		LightingPassMS:   toMS(ts[tsAfterGeometry], ts[tsAfterLighting]),
		ShadowVertices:   shadowStat[0],
		ShadowFragments:  shadowStat[1],
		GeometryVertices: geomStat[0],
		GeometryFragments: geomStat[1],
		LightingVertices: lightStat[0],
		LightingFragments: lightStat[1],
	}, nil
}

func readStats(ctx *gpu.Context, pool vk.QueryPool) ([pipelineStatCount]uint64, error) {
	var out [pipelineStatCount]uint64
	err := getQueryResults(ctx, pool, 0, 1, out[:])
	return out, err
}

func getQueryResults(ctx *gpu.Context, pool vk.QueryPool, first, count int, dst []uint64) error {
	size := len(dst) * 8
	flags := vk.QueryResultFlags(vk.QueryResultWaitBit | vk.QueryResult64Bit)
	res := vk.GetQueryPoolResults(ctx.Device(), pool, uint32(first), uint32(count), uint(size), dst, 8, flags)
	if res != vk.Success {
		return fmt.Errorf("gpu: vkGetQueryPoolResults: %d", res)
	}
	return nil
}

func (q *QueryPools) Destroy() {
	if q == nil {
		return
	}
	destroyQueryPool(q.ctx, q.timestamps)
	destroyQueryPool(q.ctx, q.shadowStats)
	destroyQueryPool(q.ctx, q.geomStats)
	destroyQueryPool(q.ctx, q.lightStats)
	*q = QueryPools{}
}

func destroyQueryPool(ctx *gpu.Context, pool vk.QueryPool) {
	if pool != nil {
		vk.DestroyQueryPool(ctx.Device(), pool, nil)
	}
}
