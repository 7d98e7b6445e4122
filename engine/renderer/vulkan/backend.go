package vulkan

import (
	"fmt"
	"math"
	"runtime"
	"unsafe"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/rendergraph/engine/config"
	"github.com/spaghettifunk/rendergraph/engine/core"
	"github.com/spaghettifunk/rendergraph/engine/platform"
)

const validationLayerName = "VK_LAYER_KHRONOS_validation"

// VulkanRenderer owns the instance, device, swapchain and the per-frame
// synchronization. What is recorded in a frame is up to the caller.
type VulkanRenderer struct {
	platform                *platform.Platform
	FrameNumber             uint64
	context                 *VulkanContext
	cachedFramebufferWidth  uint32
	cachedFramebufferHeight uint32

	config     config.Renderer
	validation bool

	// OnSwapchainRecreated runs after the swapchain got new images and before
	// the old swapchain is destroyed. Views on the old images must be
	// released by then.
	OnSwapchainRecreated func(swapchain *VulkanSwapchain) error
}

func New(p *platform.Platform, cfg config.Renderer) *VulkanRenderer {
	return &VulkanRenderer{
		platform:    p,
		FrameNumber: 0,
		context:     NewVulkanContext(),
		config:      cfg,
	}
}

func (vr *VulkanRenderer) Device() *VulkanDevice {
	return vr.context.Device
}

func (vr *VulkanRenderer) Swapchain() *VulkanSwapchain {
	return vr.context.Swapchain
}

// LoadProgram loads a program manifest and its modules on the device.
func (vr *VulkanRenderer) LoadProgram(manifestPath string) (*VulkanProgram, error) {
	return NewProgram(vr.context.Device, manifestPath)
}

func (vr *VulkanRenderer) Initialize(appName string, appWidth, appHeight uint32) error {
	procAddr := vr.platform.GetInstanceProcAddress()
	if procAddr == nil {
		err := fmt.Errorf("GetInstanceProcAddress is nil")
		core.LogError(err.Error())
		return err
	}
	vk.SetGetInstanceProcAddr(procAddr)

	if err := vk.Init(); err != nil {
		core.LogError("failed to initialize vk: %s", err)
		return err
	}

	vr.context.FramebufferWidth = appWidth
	vr.context.FramebufferHeight = appHeight

	if err := vr.createInstance(appName); err != nil {
		return err
	}

	if vr.validation {
		if err := vr.createDebugCallback(); err != nil {
			return err
		}
	}

	// Surface
	core.LogDebug("Creating Vulkan surface...")
	surface, err := vr.platform.CreateSurface(vr.context.Instance)
	if err != nil {
		return err
	}
	vr.context.Surface = surface
	core.LogDebug("Vulkan surface created.")

	// Device creation
	if err := DeviceCreate(vr.context); err != nil {
		core.LogError("Failed to create device!")
		return err
	}

	// Swapchain
	sc, err := SwapchainCreate(vr.context, vr.context.FramebufferWidth, vr.context.FramebufferHeight, vr.config.VSync)
	if err != nil {
		return err
	}
	vr.context.Swapchain = sc

	if err := vr.createCommandBuffers(); err != nil {
		return err
	}
	if err := vr.createSyncObjects(); err != nil {
		return err
	}

	core.LogInfo("Vulkan renderer initialized successfully.")
	return nil
}

func (vr *VulkanRenderer) createInstance(appName string) error {
	appInfo := &vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		ApiVersion:         uint32(vk.MakeVersion(1, 1, 0)),
		ApplicationVersion: uint32(vk.MakeVersion(1, 0, 0)),
		PApplicationName:   VulkanSafeString(appName),
		PEngineName:        VulkanSafeString("Render Graph"),
	}

	createInfo := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: appInfo,
	}

	// Obtain a list of required extensions
	requiredExtensions := []string{"VK_KHR_surface"} // Generic surface extension
	requiredExtensions = append(requiredExtensions, vr.platform.GetRequiredExtensionNames()...)

	if runtime.GOOS == "darwin" {
		requiredExtensions = append(requiredExtensions,
			"VK_KHR_portability_enumeration",
			"VK_KHR_get_physical_device_properties2",
		)
		// VK_INSTANCE_CREATE_ENUMERATE_PORTABILITY_BIT_KHR
		createInfo.Flags |= 1
	}

	// Validation layers are only enabled when asked for and installed.
	layers := []string{}
	if vr.config.Validation {
		available, err := instanceLayers()
		if err != nil {
			return err
		}
		if available[validationLayerName] {
			layers = append(layers, validationLayerName)
			requiredExtensions = append(requiredExtensions, vk.ExtDebugReportExtensionName)
			vr.validation = true
			core.LogInfo("Validation layers enabled.")
		} else {
			core.LogWarn("Validation requested but %s is not installed.", validationLayerName)
		}
	}

	core.LogDebug("Required extensions: %v", requiredExtensions)
	createInfo.EnabledExtensionCount = uint32(len(requiredExtensions))
	createInfo.PpEnabledExtensionNames = VulkanSafeStrings(requiredExtensions)
	createInfo.EnabledLayerCount = uint32(len(layers))
	createInfo.PpEnabledLayerNames = VulkanSafeStrings(layers)

	var instance vk.Instance
	if err := resultError("vkCreateInstance", vk.CreateInstance(&createInfo, vr.context.Allocator, &instance)); err != nil {
		return err
	}
	vr.context.Instance = instance
	if err := vk.InitInstance(vr.context.Instance); err != nil {
		core.LogError(err.Error())
		return err
	}

	core.LogInfo("Vulkan Instance created.")
	return nil
}

func instanceLayers() (map[string]bool, error) {
	var count uint32
	if err := resultError("vkEnumerateInstanceLayerProperties", vk.EnumerateInstanceLayerProperties(&count, nil)); err != nil {
		return nil, err
	}
	names := make(map[string]bool, count)
	if count == 0 {
		return names, nil
	}
	layers := make([]vk.LayerProperties, count)
	if err := resultError("vkEnumerateInstanceLayerProperties", vk.EnumerateInstanceLayerProperties(&count, layers)); err != nil {
		return nil, err
	}
	for i := range layers {
		layers[i].Deref()
		names[fixedString(layers[i].LayerName[:])] = true
	}
	return names, nil
}

func (vr *VulkanRenderer) createDebugCallback() error {
	core.LogDebug("Creating Vulkan debugger...")
	debugCreateInfo := vk.DebugReportCallbackCreateInfo{
		SType:       vk.StructureTypeDebugReportCallbackCreateInfo,
		Flags:       vk.DebugReportFlags(vk.DebugReportErrorBit | vk.DebugReportWarningBit | vk.DebugReportPerformanceWarningBit),
		PfnCallback: dbgCallbackFunc,
	}

	var dbg vk.DebugReportCallback
	if err := resultError("vkCreateDebugReportCallback", vk.CreateDebugReportCallback(vr.context.Instance, &debugCreateInfo, nil, &dbg)); err != nil {
		return err
	}
	vr.context.debugMessenger = dbg
	core.LogDebug("Vulkan debugger created.")
	return nil
}

// Resized records a new framebuffer size. The swapchain is recreated by the
// next BeginFrame.
func (vr *VulkanRenderer) Resized(width, height uint32) {
	// Update the "framebuffer size generation", a counter which indicates when the
	// framebuffer size has been updated.
	vr.cachedFramebufferWidth = width
	vr.cachedFramebufferHeight = height
	vr.context.FramebufferSizeGeneration++

	core.LogInfo("Vulkan renderer backend->resized: w/h/gen: %d/%d/%d", width, height, vr.context.FramebufferSizeGeneration)
}

// BeginFrame waits for the frame slot, acquires a swapchain image and starts
// recording. It returns core.ErrSwapchainBooting when the frame must be
// skipped, e.g. after a resize.
func (vr *VulkanRenderer) BeginFrame() (*VulkanCommandBuffer, uint32, error) {
	context := vr.context
	if context.RecreatingSwapchain {
		if err := context.Device.WaitIdle(); err != nil {
			return nil, 0, err
		}
		core.LogInfo("Recreating swapchain, booting.")
		return nil, 0, core.ErrSwapchainBooting
	}

	// Check if the framebuffer has been resized. If so, a new swapchain must be created.
	if context.FramebufferSizeGeneration != context.FramebufferSizeLastGeneration {
		if err := vr.recreateSwapchain(); err != nil {
			return nil, 0, err
		}
		core.LogInfo("Resized, booting.")
		return nil, 0, core.ErrSwapchainBooting
	}

	// Wait for the execution of the current frame to complete. The fence being free will allow this one to move on.
	if !context.InFlightFences[context.CurrentFrame].FenceWait(context, math.MaxUint64) {
		err := fmt.Errorf("in-flight fence wait failure")
		core.LogWarn(err.Error())
		return nil, 0, err
	}

	// Acquire the next image from the swap chain. Pass along the semaphore that should signaled when this completes.
	// This same semaphore will later be waited on by the queue submission to ensure this image is available.
	imageIndex, ok, err := context.Swapchain.SwapchainAcquireNextImageIndex(math.MaxUint64, context.ImageAvailableSemaphores[context.CurrentFrame], vk.NullFence)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		// Out of date, rebuild with the current size.
		context.FramebufferSizeGeneration++
		vr.cachedFramebufferWidth, vr.cachedFramebufferHeight = vr.platform.FramebufferSize()
		return nil, 0, core.ErrSwapchainBooting
	}
	context.ImageIndex = imageIndex

	// Make sure the previous frame is not using this image (i.e. its fence is being waited on)
	if fence := context.ImagesInFlight[imageIndex]; fence != nil {
		fence.FenceWait(context, math.MaxUint64)
	}

	// Begin recording commands.
	commandBuffer := context.GraphicsCommandBuffers[imageIndex]
	if err := commandBuffer.Reset(); err != nil {
		return nil, 0, err
	}
	if err := commandBuffer.Begin(true, false, false); err != nil {
		return nil, 0, err
	}
	return commandBuffer, imageIndex, nil
}

// EndFrame submits the recorded commands and presents the image.
func (vr *VulkanRenderer) EndFrame() error {
	context := vr.context
	commandBuffer := context.GraphicsCommandBuffers[context.ImageIndex]

	if err := commandBuffer.End(); err != nil {
		return err
	}

	// Mark the image fence as in-use by this frame.
	context.ImagesInFlight[context.ImageIndex] = context.InFlightFences[context.CurrentFrame]

	// Reset the fence for use on the next frame
	if err := context.InFlightFences[context.CurrentFrame].FenceReset(context); err != nil {
		return err
	}

	// Compute passes may touch the backbuffer before any color output, so the
	// whole submission waits for the image.
	submitInfo := vk.SubmitInfo{
		SType:                vk.StructureTypeSubmitInfo,
		WaitSemaphoreCount:   1,
		PWaitSemaphores:      []vk.Semaphore{context.ImageAvailableSemaphores[context.CurrentFrame]},
		PWaitDstStageMask:    []vk.PipelineStageFlags{vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit)},
		CommandBufferCount:   1,
		PCommandBuffers:      []vk.CommandBuffer{commandBuffer.Handle},
		SignalSemaphoreCount: 1,
		PSignalSemaphores:    []vk.Semaphore{context.QueueCompleteSemaphores[context.ImageIndex]},
	}

	fence := context.InFlightFences[context.CurrentFrame]
	if err := context.lockPool.SafeQueueCall(uint32(context.Device.GraphicsQueueIndex), func() error {
		return resultError("vkQueueSubmit", vk.QueueSubmit(context.Device.GraphicsQueue, 1, []vk.SubmitInfo{submitInfo}, fence.Handle))
	}); err != nil {
		return err
	}
	fence.IsSignaled = false
	commandBuffer.UpdateSubmitted()

	// Give the image back to the swapchain.
	ok, err := context.Swapchain.SwapchainPresent(context.QueueCompleteSemaphores[context.ImageIndex], context.ImageIndex)
	if err != nil {
		return err
	}
	if !ok {
		// Swapchain is out of date, suboptimal or a framebuffer resize has occurred. Trigger swapchain recreation.
		vr.cachedFramebufferWidth, vr.cachedFramebufferHeight = vr.platform.FramebufferSize()
		context.FramebufferSizeGeneration++
	}

	// Increment (and loop) the index.
	context.CurrentFrame = (context.CurrentFrame + 1) % context.Swapchain.MaxFramesInFlight
	vr.FrameNumber++
	return nil
}

func (vr *VulkanRenderer) WaitIdle() error {
	return vr.context.Device.WaitIdle()
}

func (vr *VulkanRenderer) Shutdown() error {
	context := vr.context
	if context.Device != nil && context.Device.LogicalDevice != nil {
		if err := context.Device.WaitIdle(); err != nil {
			core.LogWarn(err.Error())
		}

		// Destroy in the opposite order of creation.
		vr.destroySyncObjects()
		vr.freeCommandBuffers()

		if context.Swapchain != nil {
			context.Swapchain.SwapchainDestroy()
			context.Swapchain = nil
		}

		core.LogDebug("Destroying Vulkan device...")
		DeviceDestroy(context)
	}

	core.LogDebug("Destroying Vulkan surface...")
	if context.Surface != vk.NullSurface {
		vk.DestroySurface(context.Instance, context.Surface, context.Allocator)
		context.Surface = vk.NullSurface
	}

	if context.debugMessenger != vk.NullDebugReportCallback {
		core.LogDebug("Destroying Vulkan debugger...")
		vk.DestroyDebugReportCallback(context.Instance, context.debugMessenger, context.Allocator)
		context.debugMessenger = vk.NullDebugReportCallback
	}

	if context.Instance != nil {
		core.LogDebug("Destroying Vulkan instance...")
		vk.DestroyInstance(context.Instance, context.Allocator)
		context.Instance = nil
	}
	return nil
}

func (vr *VulkanRenderer) createCommandBuffers() error {
	context := vr.context
	vr.freeCommandBuffers()
	context.GraphicsCommandBuffers = make([]*VulkanCommandBuffer, context.Swapchain.ImageCount())
	for i := range context.GraphicsCommandBuffers {
		cb, err := NewVulkanCommandBuffer(context, context.Device.GraphicsCommandPool, true)
		if err != nil {
			return err
		}
		context.GraphicsCommandBuffers[i] = cb
	}

	core.LogDebug("Vulkan command buffers created.")
	return nil
}

func (vr *VulkanRenderer) freeCommandBuffers() {
	context := vr.context
	for _, cb := range context.GraphicsCommandBuffers {
		if cb != nil && cb.Handle != nil {
			cb.Free(context, context.Device.GraphicsCommandPool)
		}
	}
	context.GraphicsCommandBuffers = nil
}

func (vr *VulkanRenderer) newSemaphore() (vk.Semaphore, error) {
	semaphoreCreateInfo := vk.SemaphoreCreateInfo{
		SType: vk.StructureTypeSemaphoreCreateInfo,
	}
	var semaphore vk.Semaphore
	err := vr.context.lockPool.SafeCall(SynchronizationManagement, func() error {
		return resultError("vkCreateSemaphore", vk.CreateSemaphore(vr.context.Device.LogicalDevice, &semaphoreCreateInfo, vr.context.Allocator, &semaphore))
	})
	return semaphore, err
}

// createSyncObjects creates the acquire semaphores and fences of every frame
// in flight, and one render complete semaphore per swapchain image.
func (vr *VulkanRenderer) createSyncObjects() error {
	context := vr.context
	frames := context.Swapchain.MaxFramesInFlight
	images := context.Swapchain.ImageCount()

	context.ImageAvailableSemaphores = make([]vk.Semaphore, frames)
	context.InFlightFences = make([]*VulkanFence, frames)
	for i := uint32(0); i < frames; i++ {
		semaphore, err := vr.newSemaphore()
		if err != nil {
			return err
		}
		context.ImageAvailableSemaphores[i] = semaphore

		// Create the fence in a signaled state, indicating that the first frame has already been "rendered".
		// This will prevent the application from waiting indefinitely for the first frame to render since it
		// cannot be rendered until a frame is "rendered" before it.
		f, err := NewFence(context, true)
		if err != nil {
			return err
		}
		context.InFlightFences[i] = f
	}

	context.QueueCompleteSemaphores = make([]vk.Semaphore, images)
	for i := uint32(0); i < images; i++ {
		semaphore, err := vr.newSemaphore()
		if err != nil {
			return err
		}
		context.QueueCompleteSemaphores[i] = semaphore
	}

	// Holds fences owned by InFlightFences, nil while an image is unused.
	context.ImagesInFlight = make([]*VulkanFence, images)
	context.CurrentFrame = 0
	return nil
}

func (vr *VulkanRenderer) destroySyncObjects() {
	context := vr.context
	_ = context.lockPool.SafeCall(SynchronizationManagement, func() error {
		for _, s := range append(context.ImageAvailableSemaphores, context.QueueCompleteSemaphores...) {
			if s != vk.NullSemaphore {
				vk.DestroySemaphore(context.Device.LogicalDevice, s, context.Allocator)
			}
		}
		return nil
	})
	for _, f := range context.InFlightFences {
		if f != nil {
			f.FenceDestroy(context)
		}
	}
	context.ImageAvailableSemaphores = nil
	context.QueueCompleteSemaphores = nil
	context.InFlightFences = nil
	context.ImagesInFlight = nil
}

func (vr *VulkanRenderer) recreateSwapchain() error {
	context := vr.context
	// If already being recreated, do not try again.
	if context.RecreatingSwapchain {
		core.LogDebug("recreate_swapchain called when already recreating. Booting.")
		return nil
	}

	// Detect if the window is too small to be drawn to
	if vr.cachedFramebufferWidth == 0 || vr.cachedFramebufferHeight == 0 {
		core.LogDebug("recreate_swapchain called when window is < 1 in a dimension. Booting.")
		return nil
	}

	// Mark as recreating if the dimensions are valid.
	context.RecreatingSwapchain = true
	defer func() { context.RecreatingSwapchain = false }()

	// Wait for any operations to complete.
	if err := context.Device.WaitIdle(); err != nil {
		return err
	}

	if err := context.Swapchain.SwapchainRecreate(vr.cachedFramebufferWidth, vr.cachedFramebufferHeight); err != nil {
		return err
	}

	// Sync the framebuffer size with the cached sizes.
	extent := context.Swapchain.Extent()
	context.FramebufferWidth = extent.Width
	context.FramebufferHeight = extent.Height
	vr.cachedFramebufferWidth = 0
	vr.cachedFramebufferHeight = 0

	// Update framebuffer size generation.
	context.FramebufferSizeLastGeneration = context.FramebufferSizeGeneration

	// The image count and the frames in flight may have changed.
	vr.destroySyncObjects()
	if err := vr.createSyncObjects(); err != nil {
		return err
	}
	if err := vr.createCommandBuffers(); err != nil {
		return err
	}

	if vr.OnSwapchainRecreated != nil {
		if err := vr.OnSwapchainRecreated(context.Swapchain); err != nil {
			return err
		}
	}
	context.Swapchain.ReleaseRetired()
	return nil
}

func dbgCallbackFunc(flags vk.DebugReportFlags, objectType vk.DebugReportObjectType, object uint64, location uint64, messageCode int32, pLayerPrefix string, pMessage string, pUserData unsafe.Pointer) vk.Bool32 {
	switch {
	case flags&vk.DebugReportFlags(vk.DebugReportErrorBit) != 0:
		core.LogError("ERROR: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportWarningBit) != 0:
		core.LogWarn("WARNING: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportPerformanceWarningBit) != 0:
		core.LogWarn("PERFORMANCE WARNING: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportDebugBit) != 0:
		core.LogDebug("DEBUG: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	default:
		core.LogInfo("INFORMATION: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	}
	return vk.Bool32(vk.False)
}
