package gpu

import (
	"fmt"

	vk "github.com/goki/vulkan"
)

// inlineUpdateLimit is the largest upload vkCmdUpdateBuffer accepts;
// anything bigger goes through a staging buffer copy instead
// (spec.md §4.4, matches the VkCmdUpdateBuffer 65536-byte limit).
const inlineUpdateLimit = 65536

// Recorder wraps a single in-flight primary command buffer, tracking
// the resources it has been asked to destroy once the GPU is done
// with this submission. One Recorder is created per QueueWorker.Begin
// call and becomes invalid after Submit.
type Recorder struct {
	ctx         *Context
	cmd         vk.CommandBuffer
	queueFamily uint32
	deferred    []Destroyer
}

// Upload writes data into dst at the given byte offset. Small uploads
// (<=64KiB) are recorded inline via vkCmdUpdateBuffer; larger ones are
// staged through a temporary CpuWrite buffer that is copied and then
// queued for deferred destruction (spec.md §4.4).
func (r *Recorder) Upload(dst *Buffer, offset int64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if len(data) <= inlineUpdateLimit {
		vk.CmdUpdateBuffer(r.cmd, dst.handle, vk.DeviceSize(offset), vk.DeviceSize(len(data)), data)
		return nil
	}
	staging, err := NewBuffer(r.ctx, int64(len(data)), UTransferSrc, CpuWrite)
	if err != nil {
		return fmt.Errorf("gpu: staging buffer for upload: %w", err)
	}
	copy(staging.Bytes(), data)
	r.CopyBuffer(dst, staging, offset, 0, int64(len(data)))
	r.deferred = append(r.deferred, staging)
	return nil
}

// CopyBuffer records a buffer-to-buffer copy.
func (r *Recorder) CopyBuffer(dst, src *Buffer, dstOffset, srcOffset, size int64) {
	region := vk.BufferCopy{
		SrcOffset: vk.DeviceSize(srcOffset),
		DstOffset: vk.DeviceSize(dstOffset),
		Size:      vk.DeviceSize(size),
	}
	vk.CmdCopyBuffer(r.cmd, src.handle, dst.handle, 1, []vk.BufferCopy{region})
}

// CopyBufferToImage records a copy from a linear buffer into an
// image's base mip level, all array layers.
func (r *Recorder) CopyBufferToImage(dst *Image, src *Buffer, srcOffset int64) {
	layers := dst.layers
	if dst.typ == ImageCube {
		layers *= 6
	}
	region := vk.BufferImageCopy{
		BufferOffset: vk.DeviceSize(srcOffset),
		ImageSubresource: vk.ImageSubresourceLayers{
			AspectMask:     vk.ImageAspectFlags(dst.aspect),
			MipLevel:       0,
			BaseArrayLayer: 0,
			LayerCount:     uint32(layers),
		},
		ImageExtent: vk.Extent3D{
			Width:  uint32(dst.extent.Width),
			Height: uint32(dst.extent.Height),
			Depth:  uint32(max(dst.extent.Depth, 1)),
		},
	}
	vk.CmdCopyBufferToImage(r.cmd, src.handle, dst.handle, vk.ImageLayout(vk.ImageLayoutTransferDstOptimal), 1, []vk.BufferImageCopy{region})
}

// GenerateMips blits mip level 0 down through MipLevels-1,
// transitioning each level as it becomes source/destination. Called
// once, immediately after an image's base level is uploaded; the
// image must already be in LayoutTransferDst (spec.md §4.3).
func (r *Recorder) GenerateMips(img *Image) {
	if img.mipCnt <= 1 {
		return
	}
	layers := uint32(img.layers)
	if img.typ == ImageCube {
		layers *= 6
	}
	w, h := img.extent.Width, img.extent.Height
	for mip := 1; mip < img.mipCnt; mip++ {
		r.barrierMip(img, mip-1, layers, vk.ImageLayoutTransferDstOptimal, vk.ImageLayoutTransferSrcOptimal)

		nw, nh := w/2, h/2
		if nw < 1 {
			nw = 1
		}
		if nh < 1 {
			nh = 1
		}
		blit := vk.ImageBlit{
			SrcSubresource: vk.ImageSubresourceLayers{
				AspectMask: vk.ImageAspectFlags(img.aspect), MipLevel: uint32(mip - 1),
				BaseArrayLayer: 0, LayerCount: layers,
			},
			DstSubresource: vk.ImageSubresourceLayers{
				AspectMask: vk.ImageAspectFlags(img.aspect), MipLevel: uint32(mip),
				BaseArrayLayer: 0, LayerCount: layers,
			},
		}
		blit.SrcOffsets[1] = vk.Offset3D{X: int32(w), Y: int32(h), Z: 1}
		blit.DstOffsets[1] = vk.Offset3D{X: int32(nw), Y: int32(nh), Z: 1}

		vk.CmdBlitImage(r.cmd, img.handle, vk.ImageLayout(vk.ImageLayoutTransferSrcOptimal),
			img.handle, vk.ImageLayout(vk.ImageLayoutTransferDstOptimal), 1, []vk.ImageBlit{blit}, vk.FilterLinear)

		r.barrierMip(img, mip-1, layers, vk.ImageLayoutTransferSrcOptimal, vk.ImageLayoutShaderReadOnlyOptimal)
		w, h = nw, nh
	}
	r.barrierMip(img, img.mipCnt-1, layers, vk.ImageLayoutTransferDstOptimal, vk.ImageLayoutShaderReadOnlyOptimal)
	img.setLayout(LayoutShaderReadOnly, r.queueFamily)
}

func (r *Recorder) barrierMip(img *Image, mip int, layers uint32, from, to vk.ImageLayout) {
	barrier := vk.ImageMemoryBarrier2{
		SType:            vk.StructureTypeImageMemoryBarrier2,
		SrcStageMask:     vk.PipelineStageFlags2(vk.PipelineStage2TransferBit),
		DstStageMask:     vk.PipelineStageFlags2(vk.PipelineStage2TransferBit),
		SrcAccessMask:    vk.AccessFlags2(vk.Access2TransferWriteBit),
		DstAccessMask:    vk.AccessFlags2(vk.Access2TransferReadBit | vk.Access2TransferWriteBit),
		OldLayout:        from,
		NewLayout:        to,
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Image:            img.handle,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask:     vk.ImageAspectFlags(img.aspect),
			BaseMipLevel:   uint32(mip),
			LevelCount:     1,
			BaseArrayLayer: 0,
			LayerCount:     layers,
		},
	}
	dep := vk.DependencyInfo{
		SType:                   vk.StructureTypeDependencyInfo,
		ImageMemoryBarrierCount: 1,
		PImageMemoryBarriers:    []vk.ImageMemoryBarrier2{barrier},
	}
	vk.CmdPipelineBarrier2(r.cmd, &dep)
}

// barrierSpec maps an engine Layout to the vk.ImageLayout and the
// (stage, access) pair sync2 needs on each side of a transition. It
// mirrors driver/vk's table of layout-to-barrier-flag conversions,
// extended with the two stage masks sync2 requires instead of the
// single VkPipelineStageFlags sync1 used.
func barrierSpec(l Layout) (vk.ImageLayout, vk.PipelineStageFlagBits, vk.AccessFlagBits) {
	switch l {
	case LayoutColorAttachment:
		return vk.ImageLayoutColorAttachmentOptimal, vk.PipelineStageColorAttachmentOutputBit,
			vk.AccessColorAttachmentReadBit | vk.AccessColorAttachmentWriteBit
	case LayoutDepthAttachment:
		return vk.ImageLayoutDepthAttachmentOptimal, vk.PipelineStageEarlyFragmentTestsBit | vk.PipelineStageLateFragmentTestsBit,
			vk.AccessDepthStencilAttachmentReadBit | vk.AccessDepthStencilAttachmentWriteBit
	case LayoutShaderReadOnly:
		return vk.ImageLayoutShaderReadOnlyOptimal, vk.PipelineStageFragmentShaderBit, vk.AccessShaderReadBit
	case LayoutGeneral:
		return vk.ImageLayoutGeneral, vk.PipelineStageComputeShaderBit, vk.AccessShaderReadBit | vk.AccessShaderWriteBit
	case LayoutTransferSrc:
		return vk.ImageLayoutTransferSrcOptimal, vk.PipelineStageTransferBit, vk.AccessTransferReadBit
	case LayoutTransferDst:
		return vk.ImageLayoutTransferDstOptimal, vk.PipelineStageTransferBit, vk.AccessTransferWriteBit
	case LayoutPresentSrc:
		return vk.ImageLayoutPresentSrcKhr, vk.PipelineStageBottomOfPipeBit, 0
	default:
		return vk.ImageLayoutUndefined, vk.PipelineStageTopOfPipeBit, 0
	}
}

// TransitionLayout records a sync2 image barrier moving img from its
// currently tracked layout to to, optionally releasing/acquiring
// ownership across a queue family boundary. img's tracked Layout and
// queue family are updated in lockstep with the barrier
// (spec.md §8, testable property 3).
func (r *Recorder) TransitionLayout(img *Image, to Layout) {
	_, srcStage, srcAccess := barrierSpec(img.layout)
	dstVkLayout, dstStage, dstAccess := barrierSpec(to)

	srcFamily := img.queueFamily
	if srcFamily == ^uint32(0) {
		srcFamily = vk.QueueFamilyIgnored
		srcStage = vk.PipelineStageTopOfPipeBit
		srcAccess = 0
	}
	dstFamily := r.queueFamily

	aspect := img.aspect
	barrier := vk.ImageMemoryBarrier2{
		SType:               vk.StructureTypeImageMemoryBarrier2,
		SrcStageMask:        vk.PipelineStageFlags2(srcStage),
		DstStageMask:        vk.PipelineStageFlags2(dstStage),
		SrcAccessMask:       vk.AccessFlags2(srcAccess),
		DstAccessMask:       vk.AccessFlags2(dstAccess),
		OldLayout:           vkLayoutOf(img.layout),
		NewLayout:           dstVkLayout,
		SrcQueueFamilyIndex: srcFamily,
		DstQueueFamilyIndex: dstFamily,
		Image:               img.handle,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask:     vk.ImageAspectFlags(aspect),
			BaseMipLevel:   0,
			LevelCount:     uint32(img.mipCnt),
			BaseArrayLayer: 0,
			LayerCount:     uint32(layerCount(img)),
		},
	}
	dep := vk.DependencyInfo{
		SType:                   vk.StructureTypeDependencyInfo,
		ImageMemoryBarrierCount: 1,
		PImageMemoryBarriers:    []vk.ImageMemoryBarrier2{barrier},
	}
	vk.CmdPipelineBarrier2(r.cmd, &dep)
	img.setLayout(to, dstFamily)
}

func layerCount(img *Image) int {
	if img.typ == ImageCube {
		return img.layers * 6
	}
	return img.layers
}

func vkLayoutOf(l Layout) vk.ImageLayout {
	switch l {
	case LayoutColorAttachment:
		return vk.ImageLayoutColorAttachmentOptimal
	case LayoutDepthAttachment:
		return vk.ImageLayoutDepthAttachmentOptimal
	case LayoutShaderReadOnly:
		return vk.ImageLayoutShaderReadOnlyOptimal
	case LayoutGeneral:
		return vk.ImageLayoutGeneral
	case LayoutTransferSrc:
		return vk.ImageLayoutTransferSrcOptimal
	case LayoutTransferDst:
		return vk.ImageLayoutTransferDstOptimal
	case LayoutPresentSrc:
		return vk.ImageLayoutPresentSrcKhr
	default:
		return vk.ImageLayoutUndefined
	}
}

// BufferBarrier records a sync2 barrier between two buffer accesses
// that would otherwise race (e.g. a compute write followed by an
// indirect-draw read).
func (r *Recorder) BufferBarrier(buf *Buffer, srcStage, dstStage vk.PipelineStageFlagBits, srcAccess, dstAccess vk.AccessFlagBits) {
	barrier := vk.BufferMemoryBarrier2{
		SType:               vk.StructureTypeBufferMemoryBarrier2,
		SrcStageMask:        vk.PipelineStageFlags2(srcStage),
		DstStageMask:        vk.PipelineStageFlags2(dstStage),
		SrcAccessMask:       vk.AccessFlags2(srcAccess),
		DstAccessMask:       vk.AccessFlags2(dstAccess),
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Buffer:              buf.handle,
		Offset:              0,
		Size:                vk.DeviceSize(buf.size),
	}
	dep := vk.DependencyInfo{
		SType:                    vk.StructureTypeDependencyInfo,
		BufferMemoryBarrierCount: 1,
		PBufferMemoryBarriers:    []vk.BufferMemoryBarrier2{barrier},
	}
	vk.CmdPipelineBarrier2(r.cmd, &dep)
}

// RenderTarget describes one attachment of a dynamic-rendering pass.
type RenderTarget struct {
	View    vk.ImageView
	Layout  vk.ImageLayout
	Clear   *[4]float32 // nil means load, not clear
	ClearDS *[2]float32 // depth, stencil; nil means load
}

// BeginRendering starts a dynamic-rendering pass over the given color
// targets and optional depth target, using VK_KHR_dynamic_rendering
// instead of an explicit VkRenderPass/VkFramebuffer pair (spec.md §9).
func (r *Recorder) BeginRendering(extent Dim3D, color []RenderTarget, depth *RenderTarget) {
	colorAttach := make([]vk.RenderingAttachmentInfo, len(color))
	for i, c := range color {
		loadOp := vk.AttachmentLoadOpLoad
		var clearVal vk.ClearValue
		if c.Clear != nil {
			loadOp = vk.AttachmentLoadOpClear
			clearVal.SetColor(c.Clear[:])
		}
		colorAttach[i] = vk.RenderingAttachmentInfo{
			SType:       vk.StructureTypeRenderingAttachmentInfo,
			ImageView:   c.View,
			ImageLayout: c.Layout,
			LoadOp:      loadOp,
			StoreOp:     vk.AttachmentStoreOpStore,
			ClearValue:  clearVal,
		}
	}
	info := vk.RenderingInfo{
		SType: vk.StructureTypeRenderingInfo,
		RenderArea: vk.Rect2D{
			Offset: vk.Offset2D{X: 0, Y: 0},
			Extent: vk.Extent2D{Width: uint32(extent.Width), Height: uint32(extent.Height)},
		},
		LayerCount:           1,
		ColorAttachmentCount: uint32(len(colorAttach)),
		PColorAttachments:    colorAttach,
	}
	if depth != nil {
		loadOp := vk.AttachmentLoadOpLoad
		var clearVal vk.ClearValue
		if depth.ClearDS != nil {
			loadOp = vk.AttachmentLoadOpClear
			clearVal.SetDepthStencil(depth.ClearDS[0], uint32(depth.ClearDS[1]))
		}
		da := vk.RenderingAttachmentInfo{
			SType:       vk.StructureTypeRenderingAttachmentInfo,
			ImageView:   depth.View,
			ImageLayout: depth.Layout,
			LoadOp:      loadOp,
			StoreOp:     vk.AttachmentStoreOpStore,
			ClearValue:  clearVal,
		}
		info.PDepthAttachment = &da
	}
	vk.CmdBeginRendering(r.cmd, &info)
}

// EndRendering ends the dynamic-rendering pass started by
// BeginRendering.
func (r *Recorder) EndRendering() {
	vk.CmdEndRendering(r.cmd)
}

// BindGraphicsPipeline binds a graphics pipeline for subsequent draw
// calls.
func (r *Recorder) BindGraphicsPipeline(p *GraphicsPipeline) {
	vk.CmdBindPipeline(r.cmd, vk.PipelineBindPointGraphics, p.handle)
}

func (r *Recorder) BindComputePipeline(p *ComputePipeline) {
	vk.CmdBindPipeline(r.cmd, vk.PipelineBindPointCompute, p.handle)
}

// BindDescriptorSet binds the single descriptor set a PipelineLayout
// maintains per set index.
func (r *Recorder) BindDescriptorSet(layout *PipelineLayout, bindPoint vk.PipelineBindPoint, setIndex int) {
	set := layout.sets[setIndex]
	vk.CmdBindDescriptorSets(r.cmd, bindPoint, layout.handle, uint32(setIndex), 1, []vk.DescriptorSet{set}, 0, nil)
}

// PushConstants records a push-constant update.
func (r *Recorder) PushConstants(layout *PipelineLayout, stages vk.ShaderStageFlagBits, data []byte) {
	vk.CmdPushConstants(r.cmd, layout.handle, vk.ShaderStageFlags(stages), 0, uint32(len(data)), data)
}

// BindVertexBuffers binds buffers to consecutive vertex input
// bindings starting at binding 0.
func (r *Recorder) BindVertexBuffers(buffers []*Buffer, offsets []int64) {
	handles := make([]vk.Buffer, len(buffers))
	offs := make([]vk.DeviceSize, len(offsets))
	for i, b := range buffers {
		handles[i] = b.handle
		offs[i] = vk.DeviceSize(offsets[i])
	}
	vk.CmdBindVertexBuffers(r.cmd, 0, uint32(len(handles)), handles, offs)
}

// BindIndexBuffer binds a uint32 index buffer.
func (r *Recorder) BindIndexBuffer(buf *Buffer, offset int64) {
	vk.CmdBindIndexBuffer(r.cmd, buf.handle, vk.DeviceSize(offset), vk.IndexTypeUint32)
}

// SetViewportScissor sets a single full-extent viewport and scissor,
// the common case for this engine's fixed-function state (spec.md
// §4.9 — viewport/scissor are dynamic state on every pipeline).
func (r *Recorder) SetViewportScissor(w, h int) {
	vp := vk.Viewport{X: 0, Y: 0, Width: float32(w), Height: float32(h), MinDepth: 0, MaxDepth: 1}
	vk.CmdSetViewport(r.cmd, 0, 1, []vk.Viewport{vp})
	sc := vk.Rect2D{Offset: vk.Offset2D{X: 0, Y: 0}, Extent: vk.Extent2D{Width: uint32(w), Height: uint32(h)}}
	vk.CmdSetScissor(r.cmd, 0, 1, []vk.Rect2D{sc})
}

// Draw records a non-indexed draw with no bound vertex buffer, for
// the fullscreen-strip lighting pass and the hardcoded-cube env-map
// pass, both of which generate their geometry from gl_VertexIndex
// (spec.md §4.9).
func (r *Recorder) Draw(vertexCount, instanceCount uint32) {
	vk.CmdDraw(r.cmd, vertexCount, instanceCount, 0, 0)
}

// DrawIndexedIndirectCount records an indirect, GPU-driven indexed
// draw whose draw count is itself read from countBuf (capped at
// maxCount), so the host
// never needs a readback before issuing a draw over a variable number
// of live submeshes (spec.md §4.8, testable property 2).
func (r *Recorder) DrawIndexedIndirectCount(cmdBuf *Buffer, offset int64, countBuf *Buffer, countOffset int64, maxCount uint32, stride uint32) {
	vk.CmdDrawIndexedIndirectCount(r.cmd, cmdBuf.handle, vk.DeviceSize(offset),
		countBuf.handle, vk.DeviceSize(countOffset), maxCount, stride)
}

// Dispatch records a compute dispatch.
func (r *Recorder) Dispatch(x, y, z uint32) {
	vk.CmdDispatch(r.cmd, x, y, z)
}

// DeferDestroy queues d for destruction once the submission this
// recorder belongs to has finished executing on the GPU.
func (r *Recorder) DeferDestroy(d Destroyer) {
	r.deferred = append(r.deferred, d)
}

// ResetQueryPool resets a range of queries. Must be recorded before
// any query in that range is written in the same command buffer
// (spec.md §4.9 debug readback).
func (r *Recorder) ResetQueryPool(pool vk.QueryPool, first, count int) {
	vk.CmdResetQueryPool(r.cmd, pool, uint32(first), uint32(count))
}

// WriteTimestamp records a GPU timestamp into the given query pool
// slot, after every prior command has completed.
func (r *Recorder) WriteTimestamp(pool vk.QueryPool, query int) {
	vk.CmdWriteTimestamp(r.cmd, vk.PipelineStageBottomOfPipeBit, pool, uint32(query))
}

// BeginQuery/EndQuery bracket a pipeline-statistics query around the
// draw calls of a single pass.
func (r *Recorder) BeginQuery(pool vk.QueryPool, query int) {
	vk.CmdBeginQuery(r.cmd, pool, uint32(query), 0)
}

func (r *Recorder) EndQuery(pool vk.QueryPool, query int) {
	vk.CmdEndQuery(r.cmd, pool, uint32(query))
}
