package rendergraph

import (
	vk "github.com/goki/vulkan"
)

// The graph never talks to the native API directly. Everything it needs from
// the device is expressed by the interfaces below and implemented by the
// vulkan package.

type Device interface {
	// DepthFormat is the native depth format picked by the device.
	DepthFormat() vk.Format
	// Alignment is the offset alignment required for descriptors of type t.
	Alignment(t vk.DescriptorType) uint64

	NewImage(desc ImageDesc) (Image, error)
	NewImageView(image Image, aspect vk.ImageAspectFlags) (ImageView, error)
	NewSampler() (Sampler, error)
	NewBuffer(desc BufferDesc) (Buffer, error)
	NewDescriptorLayout(bindings []Binding) (DescriptorLayout, error)
	NewDescriptorPool(layout DescriptorLayout, sets uint32) (DescriptorPool, error)
	NewComputePipeline(program Program, layout DescriptorLayout) (Pipeline, error)
	NewGraphicsPipeline(program Program, layout DescriptorLayout, config *GraphicsPipelineBuilder) (Pipeline, error)
}

type ImageDesc struct {
	Name      string
	Extent    vk.Extent2D
	Format    vk.Format
	Usage     vk.ImageUsageFlags
	MipLevels uint32
	Samples   vk.SampleCountFlagBits
	Tiling    vk.ImageTiling
	Mappable  bool
}

type BufferDesc struct {
	Name     string
	Size     uint64
	Usage    vk.BufferUsageFlags
	Location MemoryLocation
	Mappable bool
}

type Image interface {
	Format() vk.Format
	Extent() vk.Extent2D
	MipLevels() uint32
	Destroy()
}

type ImageView interface {
	Image() Image
	Aspect() vk.ImageAspectFlags
	Destroy()
}

type Sampler interface {
	Destroy()
}

type Buffer interface {
	Size() uint64
	Map() ([]byte, error)
	Unmap()
	Destroy()
}

// Binding is one slot of a descriptor set layout.
type Binding struct {
	Slot   uint32
	Type   vk.DescriptorType
	Stages vk.ShaderStageFlags
	Count  uint32
}

type DescriptorLayout interface {
	Bindings() []Binding
	Destroy()
}

type DescriptorPool interface {
	Allocate() (DescriptorSet, error)
	Destroy()
}

// DescriptorWrite points one binding of a set at a physical resource. Buffer
// writes use Buffer/Offset/Range, image writes use View/Sampler/Layout.
type DescriptorWrite struct {
	Binding uint32
	Type    vk.DescriptorType
	Buffer  Buffer
	Offset  uint64
	Range   uint64
	View    ImageView
	Sampler Sampler
	Layout  vk.ImageLayout
}

type DescriptorSet interface {
	Update(writes []DescriptorWrite) error
}

type Pipeline interface {
	BindPoint() vk.PipelineBindPoint
	Destroy()
}

// Program is a compiled shader program together with the descriptor
// bindings reflected from its modules.
type Program interface {
	Name() string
	Stages() vk.ShaderStageFlags
	Bindings() []Binding
}

type Swapchain interface {
	ImageCount() uint32
	Extent() vk.Extent2D
	Format() vk.Format
	Image(index uint32) Image
}

type ImageBarrier struct {
	Image     Image
	Aspect    vk.ImageAspectFlags
	OldLayout vk.ImageLayout
	NewLayout vk.ImageLayout
	SrcAccess vk.AccessFlags
	DstAccess vk.AccessFlags
	SrcStage  vk.PipelineStageFlags
	DstStage  vk.PipelineStageFlags
}

type BufferBarrier struct {
	Buffer    Buffer
	Offset    uint64
	Size      uint64
	SrcAccess vk.AccessFlags
	DstAccess vk.AccessFlags
	SrcStage  vk.PipelineStageFlags
	DstStage  vk.PipelineStageFlags
}

type RenderingAttachment struct {
	View       ImageView
	Layout     vk.ImageLayout
	LoadOp     vk.AttachmentLoadOp
	StoreOp    vk.AttachmentStoreOp
	ClearColor [4]float32
	ClearDepth float32
}

type RenderingInfo struct {
	Extent vk.Extent2D
	Colors []RenderingAttachment
	Depth  *RenderingAttachment
}

type CommandBuffer interface {
	ImageBarrier(barrier ImageBarrier)
	BufferBarrier(barrier BufferBarrier)
	BindPipeline(pipeline Pipeline)
	BindDescriptorSet(pipeline Pipeline, set DescriptorSet)
	BeginRendering(info RenderingInfo)
	EndRendering()
	Dispatch(x, y, z uint32)
	DispatchIndirect(buffer Buffer, offset uint64)
	Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32)
	DrawIndirect(buffer Buffer, offset uint64, drawCount, stride uint32)
}
