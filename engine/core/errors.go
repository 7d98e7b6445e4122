package core

import (
	"errors"
)

var (
	ErrSwapchainBooting  = errors.New("swapchain resized or recreated, booting")
	ErrDeviceLost        = errors.New("device lost")
	ErrVulkanUnsupported = errors.New("vulkan is not supported by the window system")
)
