package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/rendergraph/engine/core"
	"github.com/spaghettifunk/rendergraph/engine/renderer/rendergraph"
)

type VulkanCommandBufferState int

const (
	COMMAND_BUFFER_STATE_READY VulkanCommandBufferState = iota
	COMMAND_BUFFER_STATE_RECORDING
	COMMAND_BUFFER_STATE_IN_RENDER_PASS
	COMMAND_BUFFER_STATE_RECORDING_ENDED
	COMMAND_BUFFER_STATE_SUBMITTED
	COMMAND_BUFFER_STATE_NOT_ALLOCATED
)

// VulkanCommandBuffer records the commands of one frame. It implements
// rendergraph.CommandBuffer.
type VulkanCommandBuffer struct {
	device *VulkanDevice
	Handle vk.CommandBuffer
	// Command buffer state.
	State VulkanCommandBufferState

	renderpass *VulkanRenderpass
}

var _ rendergraph.CommandBuffer = (*VulkanCommandBuffer)(nil)

func NewVulkanCommandBuffer(context *VulkanContext, pool vk.CommandPool, isPrimary bool) (*VulkanCommandBuffer, error) {
	vCommandBuffer := &VulkanCommandBuffer{
		device: context.Device,
		State:  COMMAND_BUFFER_STATE_NOT_ALLOCATED,
	}

	level := vk.CommandBufferLevelPrimary
	if !isPrimary {
		level = vk.CommandBufferLevelSecondary
	}

	allocateInfo := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        pool,
		CommandBufferCount: 1,
		Level:              level,
	}

	handles := make([]vk.CommandBuffer, 1)
	if err := context.lockPool.SafeCall(CommandBufferManagement, func() error {
		return resultError("vkAllocateCommandBuffers", vk.AllocateCommandBuffers(context.Device.LogicalDevice, &allocateInfo, handles))
	}); err != nil {
		return nil, err
	}
	vCommandBuffer.Handle = handles[0]
	vCommandBuffer.State = COMMAND_BUFFER_STATE_READY

	return vCommandBuffer, nil
}

func (v *VulkanCommandBuffer) Free(context *VulkanContext, pool vk.CommandPool) {
	_ = context.lockPool.SafeCall(CommandBufferManagement, func() error {
		vk.FreeCommandBuffers(context.Device.LogicalDevice, pool, 1, []vk.CommandBuffer{v.Handle})
		return nil
	})
	v.Handle = nil
	v.State = COMMAND_BUFFER_STATE_NOT_ALLOCATED
}

func (v *VulkanCommandBuffer) Begin(isSingleUse, isRenderpassContinue, isSimultaneousUse bool) error {
	beginInfo := vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
	}
	if isSingleUse {
		beginInfo.Flags |= vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit)
	}
	if isRenderpassContinue {
		beginInfo.Flags |= vk.CommandBufferUsageFlags(vk.CommandBufferUsageRenderPassContinueBit)
	}
	if isSimultaneousUse {
		beginInfo.Flags |= vk.CommandBufferUsageFlags(vk.CommandBufferUsageSimultaneousUseBit)
	}

	if err := resultError("vkBeginCommandBuffer", vk.BeginCommandBuffer(v.Handle, &beginInfo)); err != nil {
		return err
	}
	v.State = COMMAND_BUFFER_STATE_RECORDING
	return nil
}

func (v *VulkanCommandBuffer) End() error {
	if v.State == COMMAND_BUFFER_STATE_IN_RENDER_PASS {
		err := fmt.Errorf("command buffer ended inside a render pass")
		core.LogError(err.Error())
		return err
	}
	if err := resultError("vkEndCommandBuffer", vk.EndCommandBuffer(v.Handle)); err != nil {
		return err
	}
	v.State = COMMAND_BUFFER_STATE_RECORDING_ENDED
	return nil
}

func (v *VulkanCommandBuffer) UpdateSubmitted() {
	v.State = COMMAND_BUFFER_STATE_SUBMITTED
}

// Reset clears the recorded commands so the buffer can be recorded again.
func (v *VulkanCommandBuffer) Reset() error {
	if err := resultError("vkResetCommandBuffer", vk.ResetCommandBuffer(v.Handle, 0)); err != nil {
		return err
	}
	v.State = COMMAND_BUFFER_STATE_READY
	v.renderpass = nil
	return nil
}

/**
 * Allocates and begins recording to out_command_buffer.
 */
func AllocateAndBeginSingleUse(context *VulkanContext, pool vk.CommandPool) (*VulkanCommandBuffer, error) {
	cb, err := NewVulkanCommandBuffer(context, pool, true)
	if err != nil {
		return nil, err
	}
	if err := cb.Begin(true, false, false); err != nil {
		cb.Free(context, pool)
		return nil, err
	}
	return cb, nil
}

/**
 * Ends recording, submits to and waits for queue operation and frees the provided command buffer.
 */
func (v *VulkanCommandBuffer) EndSingleUse(context *VulkanContext, pool vk.CommandPool, queue vk.Queue, queueFamily uint32) error {
	defer v.Free(context, pool)

	if err := v.End(); err != nil {
		return err
	}

	submitInfo := vk.SubmitInfo{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: 1,
		PCommandBuffers:    []vk.CommandBuffer{v.Handle},
	}
	return context.lockPool.SafeQueueCall(queueFamily, func() error {
		if err := resultError("vkQueueSubmit", vk.QueueSubmit(queue, 1, []vk.SubmitInfo{submitInfo}, vk.NullFence)); err != nil {
			return err
		}
		// Wait for it to finish
		return resultError("vkQueueWaitIdle", vk.QueueWaitIdle(queue))
	})
}

func (v *VulkanCommandBuffer) ImageBarrier(barrier rendergraph.ImageBarrier) {
	image, ok := barrier.Image.(*VulkanImage)
	if !ok {
		core.LogError("image barrier requires a vulkan image, got %T", barrier.Image)
		return
	}
	imageBarrier := vk.ImageMemoryBarrier{
		SType:               vk.StructureTypeImageMemoryBarrier,
		SrcAccessMask:       barrier.SrcAccess,
		DstAccessMask:       barrier.DstAccess,
		OldLayout:           barrier.OldLayout,
		NewLayout:           barrier.NewLayout,
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Image:               image.Handle,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask:     barrier.Aspect,
			BaseMipLevel:   0,
			LevelCount:     image.mipLevels,
			BaseArrayLayer: 0,
			LayerCount:     1,
		},
	}
	vk.CmdPipelineBarrier(v.Handle, pipelineStage(barrier.SrcStage, true), pipelineStage(barrier.DstStage, false), 0,
		0, nil, 0, nil, 1, []vk.ImageMemoryBarrier{imageBarrier})
}

func (v *VulkanCommandBuffer) BufferBarrier(barrier rendergraph.BufferBarrier) {
	buffer, ok := barrier.Buffer.(*VulkanBuffer)
	if !ok {
		core.LogError("buffer barrier requires a vulkan buffer, got %T", barrier.Buffer)
		return
	}
	size := vk.DeviceSize(barrier.Size)
	if size == 0 {
		size = wholeSize
	}
	bufferBarrier := vk.BufferMemoryBarrier{
		SType:               vk.StructureTypeBufferMemoryBarrier,
		SrcAccessMask:       barrier.SrcAccess,
		DstAccessMask:       barrier.DstAccess,
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Buffer:              buffer.Handle,
		Offset:              vk.DeviceSize(barrier.Offset),
		Size:                size,
	}
	vk.CmdPipelineBarrier(v.Handle, pipelineStage(barrier.SrcStage, true), pipelineStage(barrier.DstStage, false), 0,
		0, nil, 1, []vk.BufferMemoryBarrier{bufferBarrier}, 0, nil)
}

// pipelineStage replaces an empty stage mask, which the API rejects.
func pipelineStage(stage vk.PipelineStageFlags, src bool) vk.PipelineStageFlags {
	if stage != 0 {
		return stage
	}
	if src {
		return vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit)
	}
	return vk.PipelineStageFlags(vk.PipelineStageBottomOfPipeBit)
}

func (v *VulkanCommandBuffer) BindPipeline(pipeline rendergraph.Pipeline) {
	p, ok := pipeline.(*VulkanPipeline)
	if !ok {
		core.LogError("cannot bind %T as a vulkan pipeline", pipeline)
		return
	}
	vk.CmdBindPipeline(v.Handle, p.bindPoint, p.Handle)
}

func (v *VulkanCommandBuffer) BindDescriptorSet(pipeline rendergraph.Pipeline, set rendergraph.DescriptorSet) {
	p, ok := pipeline.(*VulkanPipeline)
	if !ok {
		core.LogError("cannot bind descriptors for %T", pipeline)
		return
	}
	s, ok := set.(*VulkanDescriptorSet)
	if !ok {
		core.LogError("cannot bind %T as a vulkan descriptor set", set)
		return
	}
	vk.CmdBindDescriptorSets(v.Handle, p.bindPoint, p.PipelineLayout, 0, 1, []vk.DescriptorSet{s.Handle}, 0, nil)
}

// BeginRendering starts a render pass matching the attachments and sets a
// viewport covering the whole extent.
func (v *VulkanCommandBuffer) BeginRendering(info rendergraph.RenderingInfo) {
	key := renderpassKey{colorCount: len(info.Colors)}
	views := make([]vk.ImageView, 0, len(info.Colors)+1)
	clearValues := make([]vk.ClearValue, 0, len(info.Colors)+1)

	for i, color := range info.Colors {
		if i == maxColorAttachments {
			break
		}
		view, ok := color.View.(*VulkanImageView)
		if !ok {
			core.LogError("color attachment %d requires a vulkan image view, got %T", i, color.View)
			return
		}
		key.colors[i] = attachmentKey{
			format:  view.image.format,
			samples: vk.SampleCount1Bit,
			loadOp:  color.LoadOp,
			layout:  color.Layout,
		}
		views = append(views, view.Handle)
		var clear vk.ClearValue
		clear.SetColor(color.ClearColor[:])
		clearValues = append(clearValues, clear)
	}

	if info.Depth != nil {
		view, ok := info.Depth.View.(*VulkanImageView)
		if !ok {
			core.LogError("depth attachment requires a vulkan image view, got %T", info.Depth.View)
			return
		}
		key.hasDepth = true
		key.depth = attachmentKey{
			format:  view.image.format,
			samples: vk.SampleCount1Bit,
			loadOp:  info.Depth.LoadOp,
			layout:  info.Depth.Layout,
		}
		views = append(views, view.Handle)
		var clear vk.ClearValue
		clear.SetDepthStencil(info.Depth.ClearDepth, 0)
		clearValues = append(clearValues, clear)
	}

	renderpass, err := v.device.renderpassFor(key)
	if err != nil {
		return
	}
	framebuffer, err := v.device.framebufferFor(renderpass, views, info.Extent)
	if err != nil {
		return
	}

	renderpass.RenderpassBegin(v, framebuffer, info.Extent, clearValues)
	v.renderpass = renderpass

	// Viewport and scissor are dynamic on every graphics pipeline.
	vk.CmdSetViewport(v.Handle, 0, 1, []vk.Viewport{{
		X:        0,
		Y:        0,
		Width:    float32(info.Extent.Width),
		Height:   float32(info.Extent.Height),
		MinDepth: 0.0,
		MaxDepth: 1.0,
	}})
	vk.CmdSetScissor(v.Handle, 0, 1, []vk.Rect2D{{
		Offset: vk.Offset2D{X: 0, Y: 0},
		Extent: info.Extent,
	}})
}

func (v *VulkanCommandBuffer) EndRendering() {
	if v.renderpass == nil {
		return
	}
	v.renderpass.RenderpassEnd(v)
	v.renderpass = nil
}

func (v *VulkanCommandBuffer) Dispatch(x, y, z uint32) {
	vk.CmdDispatch(v.Handle, x, y, z)
}

func (v *VulkanCommandBuffer) DispatchIndirect(buffer rendergraph.Buffer, offset uint64) {
	b, ok := buffer.(*VulkanBuffer)
	if !ok {
		core.LogError("indirect dispatch requires a vulkan buffer, got %T", buffer)
		return
	}
	vk.CmdDispatchIndirect(v.Handle, b.Handle, vk.DeviceSize(offset))
}

func (v *VulkanCommandBuffer) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	vk.CmdDraw(v.Handle, vertexCount, instanceCount, firstVertex, firstInstance)
}

func (v *VulkanCommandBuffer) DrawIndirect(buffer rendergraph.Buffer, offset uint64, drawCount, stride uint32) {
	b, ok := buffer.(*VulkanBuffer)
	if !ok {
		core.LogError("indirect draw requires a vulkan buffer, got %T", buffer)
		return
	}
	vk.CmdDrawIndirect(v.Handle, b.Handle, vk.DeviceSize(offset), drawCount, stride)
}
