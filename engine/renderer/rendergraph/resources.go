package rendergraph

import (
	vk "github.com/goki/vulkan"
)

type AttachmentUsage uint8

const (
	AttachmentUsageColor AttachmentUsage = 1 << iota
	AttachmentUsageDepth
	AttachmentUsageStorage
	AttachmentUsageSampled
)

func (u AttachmentUsage) Has(flag AttachmentUsage) bool {
	return u&flag == flag
}

func (u AttachmentUsage) imageUsage() vk.ImageUsageFlags {
	var flags vk.ImageUsageFlags
	if u.Has(AttachmentUsageColor) {
		flags |= vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit)
	}
	if u.Has(AttachmentUsageDepth) {
		flags |= vk.ImageUsageFlags(vk.ImageUsageDepthStencilAttachmentBit)
	}
	if u.Has(AttachmentUsageStorage) {
		flags |= vk.ImageUsageFlags(vk.ImageUsageStorageBit)
	}
	if u.Has(AttachmentUsageSampled) {
		flags |= vk.ImageUsageFlags(vk.ImageUsageSampledBit)
	}
	return flags
}

// AttachmentBuilder describes a logical image resource. Zero values are resolved by the graph.
type AttachmentBuilder struct {
	Usage AttachmentUsage
	// Explicit size. nil follows the backbuffer size.
	Extent *vk.Extent2D
	// vk.FormatUndefined picks the device depth format or the backbuffer format.
	Format    vk.Format
	MipLevels uint32
	Samples   vk.SampleCountFlagBits
	Tiling    vk.ImageTiling
	Mappable  bool
}

func NewAttachmentBuilder(usage AttachmentUsage) AttachmentBuilder {
	return AttachmentBuilder{
		Usage:     usage,
		Format:    vk.FormatUndefined,
		MipLevels: 1,
		Samples:   vk.SampleCount1Bit,
		Tiling:    vk.ImageTilingOptimal,
	}
}

func (b AttachmentBuilder) WithExtent(width, height uint32) AttachmentBuilder {
	b.Extent = &vk.Extent2D{Width: width, Height: height}
	return b
}

func (b AttachmentBuilder) WithFormat(format vk.Format) AttachmentBuilder {
	b.Format = format
	return b
}

func (b AttachmentBuilder) WithMipLevels(levels uint32) AttachmentBuilder {
	b.MipLevels = levels
	return b
}

func (b AttachmentBuilder) WithSamples(samples vk.SampleCountFlagBits) AttachmentBuilder {
	b.Samples = samples
	return b
}

func (b AttachmentBuilder) WithTiling(tiling vk.ImageTiling) AttachmentBuilder {
	b.Tiling = tiling
	return b
}

func (b AttachmentBuilder) WithMappable(mappable bool) AttachmentBuilder {
	b.Mappable = mappable
	return b
}

type MemoryLocation uint8

const (
	MemoryLocationDevice MemoryLocation = iota
	MemoryLocationHost
)

// StorageBuilder describes a logical GPU buffer.
type StorageBuilder struct {
	Size     uint64
	Usage    vk.BufferUsageFlags
	Location MemoryLocation
	Mappable bool
}

func NewStorageBuilder(size uint64) StorageBuilder {
	return StorageBuilder{
		Size:     size,
		Usage:    vk.BufferUsageFlags(vk.BufferUsageStorageBufferBit),
		Location: MemoryLocationDevice,
	}
}

func (b StorageBuilder) WithUsage(usage vk.BufferUsageFlags) StorageBuilder {
	b.Usage |= usage
	return b
}

func (b StorageBuilder) WithLocation(location MemoryLocation) StorageBuilder {
	b.Location = location
	if location == MemoryLocationHost {
		b.Mappable = true
	}
	return b
}

func (b StorageBuilder) WithMappable(mappable bool) StorageBuilder {
	b.Mappable = mappable
	return b
}

// Range selects a byte window of a storage buffer. A zero Size means up to
// the end of the buffer.
type Range struct {
	Offset uint64
	Size   uint64
}

// WholeRange covers the entire buffer.
var WholeRange = Range{}

func (r Range) resolve(bufferSize uint64) (offset, size uint64) {
	offset = r.Offset
	if offset > bufferSize {
		offset = bufferSize
	}
	size = r.Size
	if size == 0 || offset+size > bufferSize {
		size = bufferSize - offset
	}
	return offset, size
}
