package vulkan

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/rendergraph/engine/core"
	"github.com/spaghettifunk/rendergraph/engine/renderer/rendergraph"
)

type VulkanBuffer struct {
	device *VulkanDevice

	Name     string
	Handle   vk.Buffer
	Memory   vk.DeviceMemory
	size     uint64
	mappable bool
	mapped   []byte
}

func (d *VulkanDevice) NewBuffer(desc rendergraph.BufferDesc) (rendergraph.Buffer, error) {
	context := d.context
	buffer := &VulkanBuffer{
		device:   d,
		Name:     desc.Name,
		size:     desc.Size,
		mappable: desc.Mappable || desc.Location == rendergraph.MemoryLocationHost,
	}

	bufferCreateInfo := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(desc.Size),
		Usage:       desc.Usage,
		SharingMode: vk.SharingModeExclusive,
	}

	properties := vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit)
	if buffer.mappable {
		properties = vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit)
	}

	if err := context.lockPool.SafeCall(BufferManagement, func() error {
		var handle vk.Buffer
		if err := resultError(fmt.Sprintf("vkCreateBuffer(%s)", desc.Name), vk.CreateBuffer(d.LogicalDevice, &bufferCreateInfo, context.Allocator, &handle)); err != nil {
			return err
		}
		buffer.Handle = handle

		var memoryRequirements vk.MemoryRequirements
		vk.GetBufferMemoryRequirements(d.LogicalDevice, handle, &memoryRequirements)
		memoryRequirements.Deref()

		memory, err := allocateMemory(context, memoryRequirements, properties)
		if err != nil {
			return err
		}
		buffer.Memory = memory
		return resultError("vkBindBufferMemory", vk.BindBufferMemory(d.LogicalDevice, handle, memory, 0))
	}); err != nil {
		buffer.Destroy()
		return nil, err
	}

	core.LogDebug("buffer %q created (%d bytes)", desc.Name, desc.Size)
	return buffer, nil
}

func (b *VulkanBuffer) Size() uint64 {
	return b.size
}

// Map returns the content of a host visible buffer. The slice stays valid
// until Unmap or Destroy.
func (b *VulkanBuffer) Map() ([]byte, error) {
	if !b.mappable {
		err := fmt.Errorf("buffer %q is not host visible", b.Name)
		core.LogError(err.Error())
		return nil, err
	}
	if b.mapped != nil {
		return b.mapped, nil
	}
	var ptr unsafe.Pointer
	if err := b.device.context.lockPool.SafeCall(MemoryManagement, func() error {
		return resultError("vkMapMemory", vk.MapMemory(b.device.LogicalDevice, b.Memory, 0, vk.DeviceSize(b.size), 0, &ptr))
	}); err != nil {
		return nil, err
	}
	b.mapped = unsafe.Slice((*byte)(ptr), b.size)
	return b.mapped, nil
}

func (b *VulkanBuffer) Unmap() {
	if b.mapped == nil {
		return
	}
	_ = b.device.context.lockPool.SafeCall(MemoryManagement, func() error {
		vk.UnmapMemory(b.device.LogicalDevice, b.Memory)
		return nil
	})
	b.mapped = nil
}

func (b *VulkanBuffer) Destroy() {
	b.Unmap()
	context := b.device.context
	_ = context.lockPool.SafeCall(BufferManagement, func() error {
		if b.Memory != vk.NullDeviceMemory {
			vk.FreeMemory(b.device.LogicalDevice, b.Memory, context.Allocator)
			b.Memory = vk.NullDeviceMemory
		}
		if b.Handle != vk.NullBuffer {
			vk.DestroyBuffer(b.device.LogicalDevice, b.Handle, context.Allocator)
			b.Handle = vk.NullBuffer
		}
		return nil
	})
}
