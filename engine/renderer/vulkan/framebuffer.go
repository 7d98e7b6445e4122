package vulkan

import (
	vk "github.com/goki/vulkan"
)

type framebufferKey struct {
	renderpass vk.RenderPass
	views      [maxColorAttachments + 1]vk.ImageView
	count      int
	width      uint32
	height     uint32
}

type VulkanFramebuffer struct {
	Handle      vk.Framebuffer
	Attachments []vk.ImageView
	Renderpass  *VulkanRenderpass
}

func FramebufferCreate(context *VulkanContext, renderpass *VulkanRenderpass, width uint32, height uint32, attachments []vk.ImageView) (*VulkanFramebuffer, error) {
	outFramebuffer := &VulkanFramebuffer{
		// Take a copy of the attachments
		Attachments: append([]vk.ImageView(nil), attachments...),
		Renderpass:  renderpass,
	}

	framebufferCreateInfo := vk.FramebufferCreateInfo{
		SType:           vk.StructureTypeFramebufferCreateInfo,
		RenderPass:      renderpass.Handle,
		AttachmentCount: uint32(len(outFramebuffer.Attachments)),
		PAttachments:    outFramebuffer.Attachments,
		Width:           width,
		Height:          height,
		Layers:          1,
	}

	var pFramebuffer vk.Framebuffer
	if err := resultError("vkCreateFramebuffer", vk.CreateFramebuffer(context.Device.LogicalDevice, &framebufferCreateInfo, context.Allocator, &pFramebuffer)); err != nil {
		return nil, err
	}
	outFramebuffer.Handle = pFramebuffer
	return outFramebuffer, nil
}

func (vfb *VulkanFramebuffer) Destroy(context *VulkanContext) {
	if vfb.Handle != vk.NullFramebuffer {
		vk.DestroyFramebuffer(context.Device.LogicalDevice, vfb.Handle, context.Allocator)
	}
	vfb.Attachments = nil
	vfb.Handle = vk.NullFramebuffer
	vfb.Renderpass = nil
}

func (vfb *VulkanFramebuffer) uses(view vk.ImageView) bool {
	for _, a := range vfb.Attachments {
		if a == view {
			return true
		}
	}
	return false
}

// framebufferFor returns the cached framebuffer binding views to renderpass.
func (d *VulkanDevice) framebufferFor(renderpass *VulkanRenderpass, views []vk.ImageView, extent vk.Extent2D) (*VulkanFramebuffer, error) {
	key := framebufferKey{
		renderpass: renderpass.Handle,
		count:      len(views),
		width:      extent.Width,
		height:     extent.Height,
	}
	copy(key.views[:], views)

	var out *VulkanFramebuffer
	err := d.context.lockPool.SafeCall(ResourceManagement, func() error {
		if fb, ok := d.framebuffers[key]; ok {
			out = fb
			return nil
		}
		fb, err := FramebufferCreate(d.context, renderpass, extent.Width, extent.Height, views)
		if err != nil {
			return err
		}
		d.framebuffers[key] = fb
		out = fb
		return nil
	})
	return out, err
}

// evictFramebuffers destroys the cached framebuffers that reference view.
func (d *VulkanDevice) evictFramebuffers(view vk.ImageView) {
	_ = d.context.lockPool.SafeCall(ResourceManagement, func() error {
		for key, fb := range d.framebuffers {
			if fb.uses(view) {
				fb.Destroy(d.context)
				delete(d.framebuffers, key)
			}
		}
		return nil
	})
}

func (d *VulkanDevice) destroyFramebuffers() {
	_ = d.context.lockPool.SafeCall(ResourceManagement, func() error {
		for key, fb := range d.framebuffers {
			fb.Destroy(d.context)
			delete(d.framebuffers, key)
		}
		return nil
	})
}
