package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/rendergraph/engine/core"
	"github.com/spaghettifunk/rendergraph/engine/renderer/rendergraph"
)

/** @brief Max number of bindings in a single descriptor set layout. */
const VULKAN_SHADER_MAX_BINDINGS = 32

/**
 * @brief A descriptor set layout together with the bindings it was built from.
 */
type VulkanDescriptorLayout struct {
	device   *VulkanDevice
	bindings []rendergraph.Binding
	/** @brief The internal layout handle. */
	Handle vk.DescriptorSetLayout
}

func (d *VulkanDevice) NewDescriptorLayout(bindings []rendergraph.Binding) (rendergraph.DescriptorLayout, error) {
	if len(bindings) > VULKAN_SHADER_MAX_BINDINGS {
		err := fmt.Errorf("descriptor layout has %d bindings, at most %d are supported", len(bindings), VULKAN_SHADER_MAX_BINDINGS)
		core.LogError(err.Error())
		return nil, err
	}

	layoutBindings := make([]vk.DescriptorSetLayoutBinding, len(bindings))
	for i, b := range bindings {
		count := b.Count
		if count == 0 {
			count = 1
		}
		layoutBindings[i] = vk.DescriptorSetLayoutBinding{
			Binding:         b.Slot,
			DescriptorType:  b.Type,
			DescriptorCount: count,
			StageFlags:      b.Stages,
		}
	}

	layoutCreateInfo := vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: uint32(len(layoutBindings)),
		PBindings:    layoutBindings,
	}

	layout := &VulkanDescriptorLayout{
		device:   d,
		bindings: append([]rendergraph.Binding(nil), bindings...),
	}
	if err := d.context.lockPool.SafeCall(DescriptorManagement, func() error {
		var handle vk.DescriptorSetLayout
		if err := resultError("vkCreateDescriptorSetLayout", vk.CreateDescriptorSetLayout(d.LogicalDevice, &layoutCreateInfo, d.context.Allocator, &handle)); err != nil {
			return err
		}
		layout.Handle = handle
		return nil
	}); err != nil {
		return nil, err
	}
	return layout, nil
}

func (l *VulkanDescriptorLayout) Bindings() []rendergraph.Binding {
	return l.bindings
}

func (l *VulkanDescriptorLayout) Destroy() {
	if l.Handle == vk.NullDescriptorSetLayout {
		return
	}
	_ = l.device.context.lockPool.SafeCall(DescriptorManagement, func() error {
		vk.DestroyDescriptorSetLayout(l.device.LogicalDevice, l.Handle, l.device.context.Allocator)
		l.Handle = vk.NullDescriptorSetLayout
		return nil
	})
}

/**
 * @brief A pool sized for a fixed number of sets of one layout.
 */
type VulkanDescriptorPool struct {
	device   *VulkanDevice
	layout   *VulkanDescriptorLayout
	capacity uint32
	Handle   vk.DescriptorPool
}

func (d *VulkanDevice) NewDescriptorPool(layout rendergraph.DescriptorLayout, sets uint32) (rendergraph.DescriptorPool, error) {
	l, ok := layout.(*VulkanDescriptorLayout)
	if !ok {
		err := fmt.Errorf("descriptor pool requires a vulkan layout, got %T", layout)
		core.LogError(err.Error())
		return nil, err
	}

	// one pool size entry per descriptor type, scaled by the set count
	counts := map[vk.DescriptorType]uint32{}
	order := []vk.DescriptorType{}
	for _, b := range l.bindings {
		if _, seen := counts[b.Type]; !seen {
			order = append(order, b.Type)
		}
		count := b.Count
		if count == 0 {
			count = 1
		}
		counts[b.Type] += count * sets
	}
	poolSizes := make([]vk.DescriptorPoolSize, 0, len(order))
	for _, t := range order {
		poolSizes = append(poolSizes, vk.DescriptorPoolSize{
			Type:            t,
			DescriptorCount: counts[t],
		})
	}

	poolCreateInfo := vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		MaxSets:       sets,
		PoolSizeCount: uint32(len(poolSizes)),
		PPoolSizes:    poolSizes,
	}

	pool := &VulkanDescriptorPool{device: d, layout: l, capacity: sets}
	if err := d.context.lockPool.SafeCall(DescriptorManagement, func() error {
		var handle vk.DescriptorPool
		if err := resultError("vkCreateDescriptorPool", vk.CreateDescriptorPool(d.LogicalDevice, &poolCreateInfo, d.context.Allocator, &handle)); err != nil {
			return err
		}
		pool.Handle = handle
		return nil
	}); err != nil {
		return nil, err
	}
	return pool, nil
}

func (p *VulkanDescriptorPool) Allocate() (rendergraph.DescriptorSet, error) {
	allocateInfo := vk.DescriptorSetAllocateInfo{
		SType:              vk.StructureTypeDescriptorSetAllocateInfo,
		DescriptorPool:     p.Handle,
		DescriptorSetCount: 1,
		PSetLayouts:        []vk.DescriptorSetLayout{p.layout.Handle},
	}

	set := &VulkanDescriptorSet{device: p.device}
	if err := p.device.context.lockPool.SafeCall(DescriptorManagement, func() error {
		var handle vk.DescriptorSet
		if err := resultError("vkAllocateDescriptorSets", vk.AllocateDescriptorSets(p.device.LogicalDevice, &allocateInfo, &handle)); err != nil {
			return err
		}
		set.Handle = handle
		return nil
	}); err != nil {
		return nil, err
	}
	return set, nil
}

// Destroy frees the pool and every set allocated from it.
func (p *VulkanDescriptorPool) Destroy() {
	if p.Handle == vk.NullDescriptorPool {
		return
	}
	_ = p.device.context.lockPool.SafeCall(DescriptorManagement, func() error {
		vk.DestroyDescriptorPool(p.device.LogicalDevice, p.Handle, p.device.context.Allocator)
		p.Handle = vk.NullDescriptorPool
		return nil
	})
}

type VulkanDescriptorSet struct {
	device *VulkanDevice
	Handle vk.DescriptorSet
}

func (s *VulkanDescriptorSet) Update(writes []rendergraph.DescriptorWrite) error {
	if len(writes) == 0 {
		return nil
	}
	descriptorWrites := make([]vk.WriteDescriptorSet, 0, len(writes))
	for _, w := range writes {
		write := vk.WriteDescriptorSet{
			SType:           vk.StructureTypeWriteDescriptorSet,
			DstSet:          s.Handle,
			DstBinding:      w.Binding,
			DstArrayElement: 0,
			DescriptorCount: 1,
			DescriptorType:  w.Type,
		}
		switch w.Type {
		case vk.DescriptorTypeStorageBuffer, vk.DescriptorTypeUniformBuffer,
			vk.DescriptorTypeStorageBufferDynamic, vk.DescriptorTypeUniformBufferDynamic:
			buffer, ok := w.Buffer.(*VulkanBuffer)
			if !ok {
				err := fmt.Errorf("binding %d: descriptor write requires a vulkan buffer, got %T", w.Binding, w.Buffer)
				core.LogError(err.Error())
				return err
			}
			rng := vk.DeviceSize(w.Range)
			if rng == 0 {
				rng = wholeSize
			}
			write.PBufferInfo = []vk.DescriptorBufferInfo{{
				Buffer: buffer.Handle,
				Offset: vk.DeviceSize(w.Offset),
				Range:  rng,
			}}
		default:
			view, ok := w.View.(*VulkanImageView)
			if !ok {
				err := fmt.Errorf("binding %d: descriptor write requires a vulkan image view, got %T", w.Binding, w.View)
				core.LogError(err.Error())
				return err
			}
			info := vk.DescriptorImageInfo{
				ImageView:   view.Handle,
				ImageLayout: w.Layout,
			}
			if sampler, ok := w.Sampler.(*VulkanSampler); ok {
				info.Sampler = sampler.Handle
			}
			write.PImageInfo = []vk.DescriptorImageInfo{info}
		}
		descriptorWrites = append(descriptorWrites, write)
	}

	return s.device.context.lockPool.SafeCall(DescriptorManagement, func() error {
		vk.UpdateDescriptorSets(s.device.LogicalDevice, uint32(len(descriptorWrites)), descriptorWrites, 0, nil)
		return nil
	})
}
