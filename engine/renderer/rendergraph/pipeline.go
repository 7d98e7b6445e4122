package rendergraph

import (
	vk "github.com/goki/vulkan"
)

type BlendState struct {
	Enable   bool
	SrcColor vk.BlendFactor
	DstColor vk.BlendFactor
	ColorOp  vk.BlendOp
	SrcAlpha vk.BlendFactor
	DstAlpha vk.BlendFactor
	AlphaOp  vk.BlendOp
}

var (
	BlendOpaque = BlendState{}
	// BlendAlpha composites premultiplied-free alpha over the destination.
	BlendAlpha = BlendState{
		Enable:   true,
		SrcColor: vk.BlendFactorSrcAlpha,
		DstColor: vk.BlendFactorOneMinusSrcAlpha,
		ColorOp:  vk.BlendOpAdd,
		SrcAlpha: vk.BlendFactorOne,
		DstAlpha: vk.BlendFactorOneMinusSrcAlpha,
		AlphaOp:  vk.BlendOpAdd,
	}
	BlendAdditive = BlendState{
		Enable:   true,
		SrcColor: vk.BlendFactorOne,
		DstColor: vk.BlendFactorOne,
		ColorOp:  vk.BlendOpAdd,
		SrcAlpha: vk.BlendFactorOne,
		DstAlpha: vk.BlendFactorOne,
		AlphaOp:  vk.BlendOpAdd,
	}
)

// GraphicsPipelineBuilder holds the fixed function state of a graphics pass.
// ColorFormats, Blends, DepthFormat and Samples are filled in by the pass
// when it compiles; the rest is owned by the caller.
type GraphicsPipelineBuilder struct {
	ColorFormats []vk.Format
	Blends       []BlendState
	DepthFormat  vk.Format
	Samples      vk.SampleCountFlagBits

	Topology     vk.PrimitiveTopology
	CullMode     vk.CullModeFlagBits
	FrontFace    vk.FrontFace
	PolygonMode  vk.PolygonMode
	DepthTest    bool
	DepthWrite   bool
	DepthCompare vk.CompareOp
}

func newGraphicsPipelineBuilder() GraphicsPipelineBuilder {
	return GraphicsPipelineBuilder{
		Samples:      vk.SampleCount1Bit,
		Topology:     vk.PrimitiveTopologyTriangleList,
		CullMode:     vk.CullModeBackBit,
		FrontFace:    vk.FrontFaceCounterClockwise,
		PolygonMode:  vk.PolygonModeFill,
		DepthTest:    true,
		DepthWrite:   true,
		DepthCompare: vk.CompareOpLess,
	}
}
