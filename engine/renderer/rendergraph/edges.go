package rendergraph

import (
	vk "github.com/goki/vulkan"
)

// Unbound marks an edge that is not exposed through the descriptor set
// (indirect arguments, render targets).
const Unbound = ^uint32(0)

// PassAttachment records how a pass touches an image resource.
type PassAttachment struct {
	Handle Handle
	Name   string
	// Access and stage the producer is expected to have used.
	WaitAccess vk.AccessFlags
	WaitStage  vk.PipelineStageFlags
	// Access and stage used by this pass.
	TargetAccess vk.AccessFlags
	TargetStage  vk.PipelineStageFlags
	Layout       vk.ImageLayout
	// InitialLayout is the layout left by the previous pass touching the
	// resource. Resolved by RenderGraph.Compile.
	InitialLayout vk.ImageLayout
	Aspect        vk.ImageAspectFlags
	Binding       uint32
	Blend         BlendState

	views []ImageView
}

func (a *PassAttachment) isBound() bool {
	return a.Binding != Unbound
}

// PassStorage records how a pass touches a buffer resource.
type PassStorage struct {
	Handle       Handle
	Name         string
	WaitAccess   vk.AccessFlags
	WaitStage    vk.PipelineStageFlags
	TargetAccess vk.AccessFlags
	TargetStage  vk.PipelineStageFlags
	Binding      uint32
	Range        Range
}

func (s *PassStorage) isBound() bool {
	return s.Binding != Unbound
}

func accessFlags(bits ...vk.AccessFlagBits) vk.AccessFlags {
	var flags vk.AccessFlags
	for _, b := range bits {
		flags |= vk.AccessFlags(b)
	}
	return flags
}

func stageFlags(bits ...vk.PipelineStageFlagBits) vk.PipelineStageFlags {
	var flags vk.PipelineStageFlags
	for _, b := range bits {
		flags |= vk.PipelineStageFlags(b)
	}
	return flags
}

var (
	colorAspect = vk.ImageAspectFlags(vk.ImageAspectColorBit)
	depthAspect = vk.ImageAspectFlags(vk.ImageAspectDepthBit)

	// producers of sampled color textures: color attachments or compute writes
	colorProducerAccess = accessFlags(vk.AccessColorAttachmentWriteBit, vk.AccessShaderWriteBit)
	colorProducerStage  = stageFlags(vk.PipelineStageColorAttachmentOutputBit, vk.PipelineStageComputeShaderBit)
	depthProducerAccess = accessFlags(vk.AccessDepthStencilAttachmentWriteBit, vk.AccessShaderWriteBit)
	depthProducerStage  = stageFlags(vk.PipelineStageLateFragmentTestsBit, vk.PipelineStageComputeShaderBit)

	shaderRead      = accessFlags(vk.AccessShaderReadBit)
	shaderWrite     = accessFlags(vk.AccessShaderWriteBit)
	shaderReadWrite = accessFlags(vk.AccessShaderReadBit, vk.AccessShaderWriteBit)

	colorWrite     = accessFlags(vk.AccessColorAttachmentWriteBit)
	colorReadWrite = accessFlags(vk.AccessColorAttachmentReadBit, vk.AccessColorAttachmentWriteBit)
	depthRead      = accessFlags(vk.AccessDepthStencilAttachmentReadBit)
	depthReadWrite = accessFlags(vk.AccessDepthStencilAttachmentReadBit, vk.AccessDepthStencilAttachmentWriteBit)
	indirectRead   = accessFlags(vk.AccessIndirectCommandReadBit)

	colorOutputStage = stageFlags(vk.PipelineStageColorAttachmentOutputBit)
	depthTestStage   = stageFlags(vk.PipelineStageEarlyFragmentTestsBit, vk.PipelineStageLateFragmentTestsBit)
	computeStage     = stageFlags(vk.PipelineStageComputeShaderBit)
	fragmentStage    = stageFlags(vk.PipelineStageFragmentShaderBit)
	rasterStages     = stageFlags(vk.PipelineStageVertexShaderBit, vk.PipelineStageFragmentShaderBit)
	indirectStage    = stageFlags(vk.PipelineStageDrawIndirectBit)
	topOfPipe        = stageFlags(vk.PipelineStageTopOfPipeBit)
	bottomOfPipe     = stageFlags(vk.PipelineStageBottomOfPipeBit)
	anyShaderStage   = stageFlags(vk.PipelineStageComputeShaderBit, vk.PipelineStageVertexShaderBit, vk.PipelineStageFragmentShaderBit)

	// a new version must wait for every reader and writer of the previous one
	storageHazardAccess = accessFlags(vk.AccessShaderReadBit, vk.AccessShaderWriteBit, vk.AccessIndirectCommandReadBit)
	storageHazardStage  = stageFlags(vk.PipelineStageComputeShaderBit, vk.PipelineStageVertexShaderBit, vk.PipelineStageFragmentShaderBit, vk.PipelineStageDrawIndirectBit)
)
