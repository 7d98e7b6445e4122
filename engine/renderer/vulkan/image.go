package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/rendergraph/engine/core"
	"github.com/spaghettifunk/rendergraph/engine/renderer/rendergraph"
)

// VulkanImage is a 2D image with its own memory, or a swapchain image when
// Memory is null.
type VulkanImage struct {
	device *VulkanDevice

	Name      string
	Handle    vk.Image
	Memory    vk.DeviceMemory
	format    vk.Format
	extent    vk.Extent2D
	mipLevels uint32
}

// NewImage creates an image and binds it to freshly allocated memory.
func (d *VulkanDevice) NewImage(desc rendergraph.ImageDesc) (rendergraph.Image, error) {
	context := d.context
	image := &VulkanImage{
		device:    d,
		Name:      desc.Name,
		format:    desc.Format,
		extent:    desc.Extent,
		mipLevels: desc.MipLevels,
	}
	if image.mipLevels == 0 {
		image.mipLevels = 1
	}
	samples := desc.Samples
	if samples == 0 {
		samples = vk.SampleCount1Bit
	}

	imageCreateInfo := vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: vk.ImageType2d,
		Extent: vk.Extent3D{
			Width:  desc.Extent.Width,
			Height: desc.Extent.Height,
			Depth:  1,
		},
		MipLevels:     image.mipLevels,
		ArrayLayers:   1,
		Format:        desc.Format,
		Tiling:        desc.Tiling,
		InitialLayout: vk.ImageLayoutUndefined,
		Usage:         desc.Usage,
		Samples:       samples,
		SharingMode:   vk.SharingModeExclusive,
	}

	properties := vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit)
	if desc.Mappable {
		properties = vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit)
	}

	if err := context.lockPool.SafeCall(ImageManagement, func() error {
		var handle vk.Image
		if err := resultError(fmt.Sprintf("vkCreateImage(%s)", desc.Name), vk.CreateImage(d.LogicalDevice, &imageCreateInfo, context.Allocator, &handle)); err != nil {
			return err
		}
		image.Handle = handle

		var memoryRequirements vk.MemoryRequirements
		vk.GetImageMemoryRequirements(d.LogicalDevice, handle, &memoryRequirements)
		memoryRequirements.Deref()

		memory, err := allocateMemory(context, memoryRequirements, properties)
		if err != nil {
			vk.DestroyImage(d.LogicalDevice, handle, context.Allocator)
			image.Handle = vk.NullImage
			return err
		}
		image.Memory = memory
		return resultError("vkBindImageMemory", vk.BindImageMemory(d.LogicalDevice, handle, memory, 0))
	}); err != nil {
		image.Destroy()
		return nil, err
	}

	core.LogDebug("image %q created (%dx%d)", desc.Name, desc.Extent.Width, desc.Extent.Height)
	return image, nil
}

func allocateMemory(context *VulkanContext, requirements vk.MemoryRequirements, properties vk.MemoryPropertyFlags) (vk.DeviceMemory, error) {
	memoryType := context.FindMemoryIndex(requirements.MemoryTypeBits, uint32(properties))
	if memoryType == -1 {
		err := fmt.Errorf("required memory type not found, memory is not valid")
		core.LogError(err.Error())
		return vk.NullDeviceMemory, err
	}

	allocateInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  requirements.Size,
		MemoryTypeIndex: uint32(memoryType),
	}
	var memory vk.DeviceMemory
	if err := resultError("vkAllocateMemory", vk.AllocateMemory(context.Device.LogicalDevice, &allocateInfo, context.Allocator, &memory)); err != nil {
		return vk.NullDeviceMemory, err
	}
	return memory, nil
}

func (i *VulkanImage) Format() vk.Format {
	return i.format
}

func (i *VulkanImage) Extent() vk.Extent2D {
	return i.extent
}

func (i *VulkanImage) MipLevels() uint32 {
	return i.mipLevels
}

// Destroy frees the image and its memory. Swapchain images are left to the
// swapchain.
func (i *VulkanImage) Destroy() {
	if i.device == nil {
		return
	}
	context := i.device.context
	_ = context.lockPool.SafeCall(ImageManagement, func() error {
		if i.Memory != vk.NullDeviceMemory {
			vk.FreeMemory(i.device.LogicalDevice, i.Memory, context.Allocator)
			i.Memory = vk.NullDeviceMemory
		}
		if i.Handle != vk.NullImage {
			vk.DestroyImage(i.device.LogicalDevice, i.Handle, context.Allocator)
			i.Handle = vk.NullImage
		}
		return nil
	})
}

type VulkanImageView struct {
	device *VulkanDevice
	image  *VulkanImage
	aspect vk.ImageAspectFlags
	Handle vk.ImageView
}

func (d *VulkanDevice) NewImageView(image rendergraph.Image, aspect vk.ImageAspectFlags) (rendergraph.ImageView, error) {
	img, ok := image.(*VulkanImage)
	if !ok {
		err := fmt.Errorf("image view requires a vulkan image, got %T", image)
		core.LogError(err.Error())
		return nil, err
	}
	view, err := newImageView(d, img, aspect)
	if err != nil {
		return nil, err
	}
	return view, nil
}

func newImageView(d *VulkanDevice, img *VulkanImage, aspect vk.ImageAspectFlags) (*VulkanImageView, error) {
	viewCreateInfo := vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    img.Handle,
		ViewType: vk.ImageViewType2d,
		Format:   img.format,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask:     aspect,
			BaseMipLevel:   0,
			LevelCount:     img.mipLevels,
			BaseArrayLayer: 0,
			LayerCount:     1,
		},
	}

	view := &VulkanImageView{device: d, image: img, aspect: aspect}
	if err := d.context.lockPool.SafeCall(ImageManagement, func() error {
		var handle vk.ImageView
		if err := resultError(fmt.Sprintf("vkCreateImageView(%s)", img.Name), vk.CreateImageView(d.LogicalDevice, &viewCreateInfo, d.context.Allocator, &handle)); err != nil {
			return err
		}
		view.Handle = handle
		return nil
	}); err != nil {
		return nil, err
	}
	return view, nil
}

func (v *VulkanImageView) Image() rendergraph.Image {
	return v.image
}

func (v *VulkanImageView) Aspect() vk.ImageAspectFlags {
	return v.aspect
}

// Destroy also drops every cached framebuffer built on the view.
func (v *VulkanImageView) Destroy() {
	if v.Handle == vk.NullImageView {
		return
	}
	v.device.evictFramebuffers(v.Handle)
	_ = v.device.context.lockPool.SafeCall(ImageManagement, func() error {
		vk.DestroyImageView(v.device.LogicalDevice, v.Handle, v.device.context.Allocator)
		v.Handle = vk.NullImageView
		return nil
	})
}

type VulkanSampler struct {
	device *VulkanDevice
	Handle vk.Sampler
}

// NewSampler creates a linear, clamped sampler.
func (d *VulkanDevice) NewSampler() (rendergraph.Sampler, error) {
	samplerCreateInfo := vk.SamplerCreateInfo{
		SType:                   vk.StructureTypeSamplerCreateInfo,
		MagFilter:               vk.FilterLinear,
		MinFilter:               vk.FilterLinear,
		AddressModeU:            vk.SamplerAddressModeClampToEdge,
		AddressModeV:            vk.SamplerAddressModeClampToEdge,
		AddressModeW:            vk.SamplerAddressModeClampToEdge,
		AnisotropyEnable:        vk.False,
		MaxAnisotropy:           1.0,
		BorderColor:             vk.BorderColorIntOpaqueBlack,
		UnnormalizedCoordinates: vk.False,
		CompareEnable:           vk.False,
		CompareOp:               vk.CompareOpAlways,
		MipmapMode:              vk.SamplerMipmapModeLinear,
	}
	if d.Features.SamplerAnisotropy == vk.True {
		samplerCreateInfo.AnisotropyEnable = vk.True
		samplerCreateInfo.MaxAnisotropy = 16.0
	}

	sampler := &VulkanSampler{device: d}
	if err := d.context.lockPool.SafeCall(SamplerManagement, func() error {
		var handle vk.Sampler
		if err := resultError("vkCreateSampler", vk.CreateSampler(d.LogicalDevice, &samplerCreateInfo, d.context.Allocator, &handle)); err != nil {
			return err
		}
		sampler.Handle = handle
		return nil
	}); err != nil {
		return nil, err
	}
	return sampler, nil
}

func (s *VulkanSampler) Destroy() {
	if s.Handle == nil {
		return
	}
	_ = s.device.context.lockPool.SafeCall(SamplerManagement, func() error {
		vk.DestroySampler(s.device.LogicalDevice, s.Handle, s.device.context.Allocator)
		s.Handle = nil
		return nil
	})
}
