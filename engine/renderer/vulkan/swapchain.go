package vulkan

import (
	"fmt"
	"math"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/rendergraph/engine/core"
	"github.com/spaghettifunk/rendergraph/engine/renderer/rendergraph"
)

// VulkanSwapchain owns the presentable images. It implements
// rendergraph.Swapchain; the graph creates its own views on the images.
type VulkanSwapchain struct {
	context *VulkanContext

	ImageFormat       vk.SurfaceFormat
	MaxFramesInFlight uint32
	Handle            vk.Swapchain
	imageCount        uint32
	Images            []*VulkanImage
	extent            vk.Extent2D
	vsync             bool

	// replaced handle, destroyed by ReleaseRetired once nothing refers to
	// its images anymore
	retired vk.Swapchain
}

var _ rendergraph.Swapchain = (*VulkanSwapchain)(nil)

type VulkanSwapchainSupportInfo struct {
	Capabilities     vk.SurfaceCapabilities
	FormatCount      uint32
	Formats          []vk.SurfaceFormat
	PresentModeCount uint32
	PresentModes     []vk.PresentMode
}

func SwapchainCreate(context *VulkanContext, width, height uint32, vsync bool) (*VulkanSwapchain, error) {
	swapchain := &VulkanSwapchain{context: context, vsync: vsync}
	if err := swapchain.create(width, height); err != nil {
		return nil, err
	}
	return swapchain, nil
}

// SwapchainRecreate builds a new swapchain in place. The old handle is handed
// over to the driver and kept alive until ReleaseRetired.
func (vs *VulkanSwapchain) SwapchainRecreate(width, height uint32) error {
	if err := DeviceQuerySwapchainSupport(vs.context.Device.PhysicalDevice, vs.context.Surface, &vs.context.Device.SwapchainSupport); err != nil {
		return err
	}
	vs.ReleaseRetired()
	vs.retired = vs.Handle
	return vs.create(width, height)
}

// ReleaseRetired destroys the swapchain replaced by the last recreation.
func (vs *VulkanSwapchain) ReleaseRetired() {
	if vs.retired == vk.NullSwapchain {
		return
	}
	_ = vs.context.lockPool.SafeCall(SwapchainManagement, func() error {
		vk.DestroySwapchain(vs.context.Device.LogicalDevice, vs.retired, vs.context.Allocator)
		return nil
	})
	vs.retired = vk.NullSwapchain
}

func (vs *VulkanSwapchain) SwapchainDestroy() {
	vs.ReleaseRetired()
	// The images are owned by the swapchain and go away with it.
	_ = vs.context.lockPool.SafeCall(SwapchainManagement, func() error {
		if vs.Handle != vk.NullSwapchain {
			vk.DestroySwapchain(vs.context.Device.LogicalDevice, vs.Handle, vs.context.Allocator)
			vs.Handle = vk.NullSwapchain
		}
		return nil
	})
	vs.Images = nil
	vs.imageCount = 0
}

// SwapchainAcquireNextImageIndex returns false when the swapchain must be
// recreated before rendering again.
func (vs *VulkanSwapchain) SwapchainAcquireNextImageIndex(timeoutNS uint64, imageAvailableSemaphore vk.Semaphore, fence vk.Fence) (uint32, bool, error) {
	var imageIndex uint32
	result := vk.AcquireNextImage(vs.context.Device.LogicalDevice, vs.Handle, timeoutNS, imageAvailableSemaphore, fence, &imageIndex)
	switch result {
	case vk.Success, vk.Suboptimal:
		return imageIndex, true, nil
	case vk.ErrorOutOfDate:
		return 0, false, nil
	}
	err := fmt.Errorf("failed to acquire swapchain image: %s", VulkanResultString(result, true))
	core.LogError(err.Error())
	return 0, false, err
}

// SwapchainPresent queues the image for presentation. It returns false when
// the swapchain is out of date or suboptimal.
func (vs *VulkanSwapchain) SwapchainPresent(renderCompleteSemaphore vk.Semaphore, presentImageIndex uint32) (bool, error) {
	device := vs.context.Device
	presentInfo := vk.PresentInfo{
		SType:              vk.StructureTypePresentInfo,
		WaitSemaphoreCount: 1,
		PWaitSemaphores:    []vk.Semaphore{renderCompleteSemaphore},
		SwapchainCount:     1,
		PSwapchains:        []vk.Swapchain{vs.Handle},
		PImageIndices:      []uint32{presentImageIndex},
	}

	var result vk.Result
	_ = vs.context.lockPool.SafeQueueCall(uint32(device.PresentQueueIndex), func() error {
		result = vk.QueuePresent(device.PresentQueue, &presentInfo)
		return nil
	})
	switch result {
	case vk.Success:
		return true, nil
	case vk.ErrorOutOfDate, vk.Suboptimal:
		return false, nil
	}
	err := fmt.Errorf("failed to present swapchain image: %s", VulkanResultString(result, true))
	core.LogError(err.Error())
	return false, err
}

func (vs *VulkanSwapchain) create(width, height uint32) error {
	context := vs.context
	support := &context.Device.SwapchainSupport
	if len(support.Formats) == 0 {
		err := fmt.Errorf("surface reports no formats")
		core.LogError(err.Error())
		return err
	}

	swapchainExtent := vk.Extent2D{
		Width:  width,
		Height: height,
	}

	// Choose a swap surface format.
	vs.ImageFormat = support.Formats[0]
	for _, format := range support.Formats {
		// Preferred formats
		if format.Format == vk.FormatB8g8r8a8Unorm &&
			format.ColorSpace == vk.ColorSpaceSrgbNonlinear {
			vs.ImageFormat = format
			break
		}
	}

	presentMode := vk.PresentModeFifo
	if !vs.vsync {
		for _, mode := range support.PresentModes {
			if mode == vk.PresentModeMailbox {
				presentMode = mode
				break
			}
		}
	}

	// Swapchain extent
	if support.Capabilities.CurrentExtent.Width != math.MaxUint32 {
		swapchainExtent = support.Capabilities.CurrentExtent
	}

	// Clamp to the value allowed by the GPU.
	minExtent := support.Capabilities.MinImageExtent
	maxExtent := support.Capabilities.MaxImageExtent
	swapchainExtent.Width = core.Clamp(swapchainExtent.Width, minExtent.Width, maxExtent.Width)
	swapchainExtent.Height = core.Clamp(swapchainExtent.Height, minExtent.Height, maxExtent.Height)

	imageCount := support.Capabilities.MinImageCount + 1
	if support.Capabilities.MaxImageCount > 0 && imageCount > support.Capabilities.MaxImageCount {
		imageCount = support.Capabilities.MaxImageCount
	}

	swapchainCreateInfo := vk.SwapchainCreateInfo{
		SType:            vk.StructureTypeSwapchainCreateInfo,
		Surface:          context.Surface,
		MinImageCount:    imageCount,
		ImageFormat:      vs.ImageFormat.Format,
		ImageColorSpace:  vs.ImageFormat.ColorSpace,
		ImageExtent:      swapchainExtent,
		ImageArrayLayers: 1,
		// Passes render into the images or copy into them.
		ImageUsage:     vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit) | vk.ImageUsageFlags(vk.ImageUsageTransferDstBit),
		PreTransform:   support.Capabilities.CurrentTransform,
		CompositeAlpha: vk.CompositeAlphaOpaqueBit,
		PresentMode:    presentMode,
		Clipped:        vk.True,
		OldSwapchain:   vs.retired,
	}

	// Setup the queue family indices
	if context.Device.GraphicsQueueIndex != context.Device.PresentQueueIndex {
		swapchainCreateInfo.ImageSharingMode = vk.SharingModeConcurrent
		swapchainCreateInfo.QueueFamilyIndexCount = 2
		swapchainCreateInfo.PQueueFamilyIndices = []uint32{
			uint32(context.Device.GraphicsQueueIndex),
			uint32(context.Device.PresentQueueIndex),
		}
	} else {
		swapchainCreateInfo.ImageSharingMode = vk.SharingModeExclusive
	}

	err := context.lockPool.SafeCall(SwapchainManagement, func() error {
		var handle vk.Swapchain
		if err := resultError("vkCreateSwapchain", vk.CreateSwapchain(context.Device.LogicalDevice, &swapchainCreateInfo, context.Allocator, &handle)); err != nil {
			return err
		}
		vs.Handle = handle

		var count uint32
		if err := resultError("vkGetSwapchainImages", vk.GetSwapchainImages(context.Device.LogicalDevice, handle, &count, nil)); err != nil {
			return err
		}
		handles := make([]vk.Image, count)
		if err := resultError("vkGetSwapchainImages", vk.GetSwapchainImages(context.Device.LogicalDevice, handle, &count, handles)); err != nil {
			return err
		}
		vs.imageCount = count
		vs.Images = make([]*VulkanImage, count)
		for i, h := range handles {
			// no device: the swapchain frees these
			vs.Images[i] = &VulkanImage{
				Name:      fmt.Sprintf("swapchain_%d", i),
				Handle:    h,
				format:    vs.ImageFormat.Format,
				extent:    swapchainExtent,
				mipLevels: 1,
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	vs.extent = swapchainExtent
	vs.MaxFramesInFlight = framesInFlight(vs.imageCount)

	core.LogInfo("Swapchain created: %dx%d, %d images, %d frames in flight.", swapchainExtent.Width, swapchainExtent.Height, vs.imageCount, vs.MaxFramesInFlight)
	return nil
}

// framesInFlight keeps at least one image free for the presentation engine.
func framesInFlight(imageCount uint32) uint32 {
	if imageCount <= 2 {
		return 1
	}
	return min(imageCount-1, 2)
}

func (vs *VulkanSwapchain) ImageCount() uint32 {
	return vs.imageCount
}

func (vs *VulkanSwapchain) Extent() vk.Extent2D {
	return vs.extent
}

func (vs *VulkanSwapchain) Format() vk.Format {
	return vs.ImageFormat.Format
}

func (vs *VulkanSwapchain) Image(index uint32) rendergraph.Image {
	if int(index) >= len(vs.Images) {
		return nil
	}
	return vs.Images[index]
}
