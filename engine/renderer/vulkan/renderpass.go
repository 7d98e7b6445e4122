package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/rendergraph/engine/core"
)

const maxColorAttachments = 8

type attachmentKey struct {
	format  vk.Format
	samples vk.SampleCountFlagBits
	loadOp  vk.AttachmentLoadOp
	layout  vk.ImageLayout
}

// renderpassKey identifies a single subpass render pass. Layouts are both
// the initial and the final layout: transitions are recorded as barriers
// outside the render pass.
type renderpassKey struct {
	colors     [maxColorAttachments]attachmentKey
	colorCount int
	depth      attachmentKey
	hasDepth   bool
}

// compatible drops what render pass compatibility ignores, so pipelines can
// be built before the load operations of a frame are known.
func (k renderpassKey) compatible() renderpassKey {
	out := k
	for i := 0; i < out.colorCount; i++ {
		out.colors[i].loadOp = vk.AttachmentLoadOpDontCare
		out.colors[i].layout = vk.ImageLayoutColorAttachmentOptimal
	}
	if out.hasDepth {
		out.depth.loadOp = vk.AttachmentLoadOpDontCare
		out.depth.layout = vk.ImageLayoutDepthStencilAttachmentOptimal
	}
	return out
}

type VulkanRenderpass struct {
	Handle vk.RenderPass
	key    renderpassKey
}

func attachmentDescription(a attachmentKey) vk.AttachmentDescription {
	samples := a.samples
	if samples == 0 {
		samples = vk.SampleCount1Bit
	}
	return vk.AttachmentDescription{
		Format:         a.format,
		Samples:        samples,
		LoadOp:         a.loadOp,
		StoreOp:        vk.AttachmentStoreOpStore,
		StencilLoadOp:  vk.AttachmentLoadOpDontCare,
		StencilStoreOp: vk.AttachmentStoreOpDontCare,
		InitialLayout:  a.layout,
		FinalLayout:    a.layout,
	}
}

func RenderpassCreate(context *VulkanContext, key renderpassKey) (*VulkanRenderpass, error) {
	outRenderpass := &VulkanRenderpass{key: key}

	attachmentDescriptions := make([]vk.AttachmentDescription, 0, key.colorCount+1)
	colorAttachmentReferences := make([]vk.AttachmentReference, 0, key.colorCount)
	for i := 0; i < key.colorCount; i++ {
		attachmentDescriptions = append(attachmentDescriptions, attachmentDescription(key.colors[i]))
		colorAttachmentReferences = append(colorAttachmentReferences, vk.AttachmentReference{
			Attachment: uint32(i),
			Layout:     key.colors[i].layout,
		})
	}

	subpass := vk.SubpassDescription{
		PipelineBindPoint:    vk.PipelineBindPointGraphics,
		ColorAttachmentCount: uint32(len(colorAttachmentReferences)),
		PColorAttachments:    colorAttachmentReferences,
	}

	if key.hasDepth {
		attachmentDescriptions = append(attachmentDescriptions, attachmentDescription(key.depth))
		subpass.PDepthStencilAttachment = &vk.AttachmentReference{
			Attachment: uint32(key.colorCount),
			Layout:     key.depth.layout,
		}
	}

	renderpassCreateInfo := vk.RenderPassCreateInfo{
		SType:           vk.StructureTypeRenderPassCreateInfo,
		AttachmentCount: uint32(len(attachmentDescriptions)),
		PAttachments:    attachmentDescriptions,
		SubpassCount:    1,
		PSubpasses:      []vk.SubpassDescription{subpass},
	}

	var pRenderPass vk.RenderPass
	if err := resultError("vkCreateRenderPass", vk.CreateRenderPass(context.Device.LogicalDevice, &renderpassCreateInfo, context.Allocator, &pRenderPass)); err != nil {
		return nil, err
	}
	outRenderpass.Handle = pRenderPass
	return outRenderpass, nil
}

func (vr *VulkanRenderpass) RenderpassDestroy(context *VulkanContext) {
	if vr.Handle != vk.NullRenderPass {
		vk.DestroyRenderPass(context.Device.LogicalDevice, vr.Handle, context.Allocator)
		vr.Handle = vk.NullRenderPass
	}
}

// RenderpassBegin starts the render pass on framebuffer, clearing the
// attachments whose load operation asks for it.
func (vr *VulkanRenderpass) RenderpassBegin(commandBuffer *VulkanCommandBuffer, framebuffer *VulkanFramebuffer, extent vk.Extent2D, clearValues []vk.ClearValue) {
	beginInfo := vk.RenderPassBeginInfo{
		SType:       vk.StructureTypeRenderPassBeginInfo,
		RenderPass:  vr.Handle,
		Framebuffer: framebuffer.Handle,
		RenderArea: vk.Rect2D{
			Offset: vk.Offset2D{X: 0, Y: 0},
			Extent: extent,
		},
		ClearValueCount: uint32(len(clearValues)),
		PClearValues:    clearValues,
	}

	vk.CmdBeginRenderPass(commandBuffer.Handle, &beginInfo, vk.SubpassContentsInline)
	commandBuffer.State = COMMAND_BUFFER_STATE_IN_RENDER_PASS
}

func (vr *VulkanRenderpass) RenderpassEnd(commandBuffer *VulkanCommandBuffer) {
	vk.CmdEndRenderPass(commandBuffer.Handle)
	commandBuffer.State = COMMAND_BUFFER_STATE_RECORDING
}

// renderpassFor returns the cached render pass for key, creating it on first use.
func (d *VulkanDevice) renderpassFor(key renderpassKey) (*VulkanRenderpass, error) {
	if key.colorCount > maxColorAttachments {
		err := fmt.Errorf("%d color attachments requested, at most %d are supported", key.colorCount, maxColorAttachments)
		core.LogError(err.Error())
		return nil, err
	}
	var out *VulkanRenderpass
	err := d.context.lockPool.SafeCall(RenderpassManagement, func() error {
		if rp, ok := d.renderpasses[key]; ok {
			out = rp
			return nil
		}
		rp, err := RenderpassCreate(d.context, key)
		if err != nil {
			return err
		}
		d.renderpasses[key] = rp
		out = rp
		return nil
	})
	return out, err
}

func (d *VulkanDevice) destroyRenderpasses() {
	_ = d.context.lockPool.SafeCall(RenderpassManagement, func() error {
		for key, rp := range d.renderpasses {
			rp.RenderpassDestroy(d.context)
			delete(d.renderpasses, key)
		}
		return nil
	})
}
