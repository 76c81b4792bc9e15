package gpu

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/kestrelgfx/kestrel/internal/logx"
)

// submitTimeout is how long QueueWorker.Wait blocks on the in-flight
// fence before giving up: it then logs a warning and returns nil,
// leaving the submission pending (spec.md §5).
const submitTimeout = 1_000_000_000 // 1s, in nanoseconds

// QueueWorker owns one queue, one command pool, and the single
// primary command buffer in flight on that queue at a time. It
// mirrors driver/vk's worker abstraction (one pool+fence pair per
// queue, reused across frames instead of allocated per submission).
type QueueWorker struct {
	ctx    *Context
	family uint32
	queue  vk.Queue
	pool   vk.CommandPool
	cmd    vk.CommandBuffer
	fence  vk.Fence

	pending bool
	destroyQueue []Destroyer
}

// NewQueueWorker creates a worker bound to the given queue family,
// with its pool and primary buffer preallocated.
func NewQueueWorker(ctx *Context, qf QueueFamily) (*QueueWorker, error) {
	poolInfo := &vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
		QueueFamilyIndex: qf.Index,
	}
	var pool vk.CommandPool
	if err := checkResult(vk.CreateCommandPool(ctx.device, poolInfo, nil, &pool)); err != nil {
		return nil, fmt.Errorf("gpu: vkCreateCommandPool: %w", err)
	}

	allocInfo := &vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        pool,
		Level:              vk.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	}
	cmds := make([]vk.CommandBuffer, 1)
	if err := checkResult(vk.AllocateCommandBuffers(ctx.device, allocInfo, cmds)); err != nil {
		vk.DestroyCommandPool(ctx.device, pool, nil)
		return nil, fmt.Errorf("gpu: vkAllocateCommandBuffers: %w", err)
	}

	fenceInfo := &vk.FenceCreateInfo{
		SType: vk.StructureTypeFenceCreateInfo,
		Flags: vk.FenceCreateFlags(vk.FenceCreateSignaledBit),
	}
	var fence vk.Fence
	if err := checkResult(vk.CreateFence(ctx.device, fenceInfo, nil, &fence)); err != nil {
		vk.DestroyCommandPool(ctx.device, pool, nil)
		return nil, fmt.Errorf("gpu: vkCreateFence: %w", err)
	}

	return &QueueWorker{
		ctx:    ctx,
		family: qf.Index,
		queue:  qf.Queue,
		pool:   pool,
		cmd:    cmds[0],
		fence:  fence,
	}, nil
}

// Begin waits for the previous submission on this worker to finish,
// resets the pool, and returns a Recorder for the primary buffer.
func (w *QueueWorker) Begin() (*Recorder, error) {
	if w.pending {
		if err := w.Wait(); err != nil {
			return nil, err
		}
	}
	if err := checkResult(vk.ResetCommandPool(w.ctx.device, w.pool, 0)); err != nil {
		return nil, fmt.Errorf("gpu: vkResetCommandPool: %w", err)
	}
	beginInfo := &vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	}
	if err := checkResult(vk.BeginCommandBuffer(w.cmd, beginInfo)); err != nil {
		return nil, fmt.Errorf("gpu: vkBeginCommandBuffer: %w", err)
	}
	return &Recorder{ctx: w.ctx, cmd: w.cmd, queueFamily: w.family}, nil
}

// Submit ends the recorder's buffer and submits it, signaling the
// worker's fence and the (optional) semaphores given for swapchain
// synchronization. Resources the recorder queued for deferred
// destruction are held until the next successful Wait.
func (w *QueueWorker) Submit(rec *Recorder, wait []vk.Semaphore, waitStages []vk.PipelineStageFlags, signal []vk.Semaphore) error {
	if err := checkResult(vk.EndCommandBuffer(rec.cmd)); err != nil {
		return fmt.Errorf("gpu: vkEndCommandBuffer: %w", err)
	}
	if err := checkResult(vk.ResetFences(w.ctx.device, 1, []vk.Fence{w.fence})); err != nil {
		return fmt.Errorf("gpu: vkResetFences: %w", err)
	}
	info := vk.SubmitInfo{
		SType:                vk.StructureTypeSubmitInfo,
		CommandBufferCount:   1,
		PCommandBuffers:      []vk.CommandBuffer{rec.cmd},
		WaitSemaphoreCount:   uint32(len(wait)),
		PWaitSemaphores:      wait,
		PWaitDstStageMask:    waitStages,
		SignalSemaphoreCount: uint32(len(signal)),
		PSignalSemaphores:    signal,
	}
	if err := checkResult(vk.QueueSubmit(w.queue, 1, []vk.SubmitInfo{info}, w.fence)); err != nil {
		return fmt.Errorf("gpu: vkQueueSubmit: %w", err)
	}
	w.pending = true
	w.destroyQueue = append(w.destroyQueue, rec.deferred...)
	return nil
}

// Wait blocks until the worker's most recent submission completes,
// then runs deferred destruction for every resource queued by that
// submission's recorder. Per spec.md §5, deferred destruction never
// runs before the GPU has finished referencing the resource.
func (w *QueueWorker) Wait() error {
	if !w.pending {
		return nil
	}
	res := vk.WaitForFences(w.ctx.device, 1, []vk.Fence{w.fence}, vk.Bool32(1), submitTimeout)
	if res == vk.Timeout {
		// Non-fatal per spec.md §7: log and let the caller continue.
		// w.pending and destroyQueue are left untouched so a later Wait
		// can still observe the fence signal and run deferred destroys
		// once the GPU actually finishes.
		logx.Warnf("gpu: queue worker wait timed out after 1s, device may be lost")
		return nil
	}
	if err := checkResult(res); err != nil {
		return fmt.Errorf("gpu: vkWaitForFences: %w", err)
	}
	w.pending = false
	for _, d := range w.destroyQueue {
		d.Destroy()
	}
	w.destroyQueue = w.destroyQueue[:0]
	return nil
}

// Queue returns the underlying vk.Queue, for vkQueuePresentKHR.
func (w *QueueWorker) Queue() vk.Queue { return w.queue }

// Destroy waits for the worker to go idle and releases its pool and
// fence. The underlying vk.Queue itself is owned by the device.
func (w *QueueWorker) Destroy() {
	if w == nil || w.pool == nil {
		return
	}
	w.Wait()
	vk.DestroyFence(w.ctx.device, w.fence, nil)
	vk.DestroyCommandPool(w.ctx.device, w.pool, nil)
	*w = QueueWorker{}
}
