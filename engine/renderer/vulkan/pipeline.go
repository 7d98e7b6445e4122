package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/rendergraph/engine/core"
	"github.com/spaghettifunk/rendergraph/engine/renderer/rendergraph"
)

/**
 * @brief Holds a Vulkan pipeline and its layout.
 */
type VulkanPipeline struct {
	device *VulkanDevice
	/** @brief The internal pipeline handle. */
	Handle vk.Pipeline
	/** @brief The pipeline layout. */
	PipelineLayout vk.PipelineLayout
	bindPoint      vk.PipelineBindPoint
}

func (d *VulkanDevice) pipelineLayout(layout rendergraph.DescriptorLayout) (vk.PipelineLayout, error) {
	pipelineLayoutCreateInfo := vk.PipelineLayoutCreateInfo{
		SType: vk.StructureTypePipelineLayoutCreateInfo,
	}
	if layout != nil {
		l, ok := layout.(*VulkanDescriptorLayout)
		if !ok {
			err := fmt.Errorf("pipeline layout requires a vulkan descriptor layout, got %T", layout)
			core.LogError(err.Error())
			return vk.NullPipelineLayout, err
		}
		pipelineLayoutCreateInfo.SetLayoutCount = 1
		pipelineLayoutCreateInfo.PSetLayouts = []vk.DescriptorSetLayout{l.Handle}
	}

	var pPipelineLayout vk.PipelineLayout
	if err := d.context.lockPool.SafeCall(PipelineManagement, func() error {
		return resultError("vkCreatePipelineLayout", vk.CreatePipelineLayout(d.LogicalDevice, &pipelineLayoutCreateInfo, d.context.Allocator, &pPipelineLayout))
	}); err != nil {
		return vk.NullPipelineLayout, err
	}
	return pPipelineLayout, nil
}

func shaderStages(program rendergraph.Program) ([]vk.PipelineShaderStageCreateInfo, error) {
	p, ok := program.(*VulkanProgram)
	if !ok {
		err := fmt.Errorf("pipeline requires a vulkan program, got %T", program)
		core.LogError(err.Error())
		return nil, err
	}
	stages := p.stageCreateInfos()
	if len(stages) == 0 {
		err := fmt.Errorf("program %q has no loaded stages", p.Name())
		core.LogError(err.Error())
		return nil, err
	}
	return stages, nil
}

func (d *VulkanDevice) NewComputePipeline(program rendergraph.Program, layout rendergraph.DescriptorLayout) (rendergraph.Pipeline, error) {
	stages, err := shaderStages(program)
	if err != nil {
		return nil, err
	}
	outPipeline := &VulkanPipeline{device: d, bindPoint: vk.PipelineBindPointCompute}
	if outPipeline.PipelineLayout, err = d.pipelineLayout(layout); err != nil {
		return nil, err
	}

	pipelineCreateInfo := vk.ComputePipelineCreateInfo{
		SType:             vk.StructureTypeComputePipelineCreateInfo,
		Stage:             stages[0],
		Layout:            outPipeline.PipelineLayout,
		BasePipelineIndex: -1,
	}

	pPipelines := make([]vk.Pipeline, 1)
	if err := d.context.lockPool.SafeCall(PipelineManagement, func() error {
		return resultError("vkCreateComputePipelines", vk.CreateComputePipelines(d.LogicalDevice, vk.NullPipelineCache, 1, []vk.ComputePipelineCreateInfo{pipelineCreateInfo}, d.context.Allocator, pPipelines))
	}); err != nil {
		outPipeline.Destroy()
		return nil, err
	}
	outPipeline.Handle = pPipelines[0]

	core.LogDebug("Compute pipeline for %q created!", program.Name())
	return outPipeline, nil
}

func blendAttachment(b rendergraph.BlendState) vk.PipelineColorBlendAttachmentState {
	state := vk.PipelineColorBlendAttachmentState{
		BlendEnable: vk.False,
		ColorWriteMask: vk.ColorComponentFlags(vk.ColorComponentRBit) | vk.ColorComponentFlags(vk.ColorComponentGBit) |
			vk.ColorComponentFlags(vk.ColorComponentBBit) | vk.ColorComponentFlags(vk.ColorComponentABit),
	}
	if b.Enable {
		state.BlendEnable = vk.True
		state.SrcColorBlendFactor = b.SrcColor
		state.DstColorBlendFactor = b.DstColor
		state.ColorBlendOp = b.ColorOp
		state.SrcAlphaBlendFactor = b.SrcAlpha
		state.DstAlphaBlendFactor = b.DstAlpha
		state.AlphaBlendOp = b.AlphaOp
	}
	return state
}

// pipelineRenderpassKey describes the render pass a graphics pipeline is
// compatible with.
func pipelineRenderpassKey(config *rendergraph.GraphicsPipelineBuilder) renderpassKey {
	key := renderpassKey{colorCount: len(config.ColorFormats)}
	for i, format := range config.ColorFormats {
		if i == maxColorAttachments {
			break
		}
		key.colors[i] = attachmentKey{format: format, samples: config.Samples}
	}
	if config.DepthFormat != vk.FormatUndefined {
		key.hasDepth = true
		key.depth = attachmentKey{format: config.DepthFormat, samples: config.Samples}
	}
	return key.compatible()
}

func (d *VulkanDevice) NewGraphicsPipeline(program rendergraph.Program, layout rendergraph.DescriptorLayout, config *rendergraph.GraphicsPipelineBuilder) (rendergraph.Pipeline, error) {
	stages, err := shaderStages(program)
	if err != nil {
		return nil, err
	}
	renderpass, err := d.renderpassFor(pipelineRenderpassKey(config))
	if err != nil {
		return nil, err
	}

	outPipeline := &VulkanPipeline{device: d, bindPoint: vk.PipelineBindPointGraphics}
	if outPipeline.PipelineLayout, err = d.pipelineLayout(layout); err != nil {
		return nil, err
	}

	// Viewport and scissor are dynamic, set when rendering begins.
	viewportState := vk.PipelineViewportStateCreateInfo{
		SType:         vk.StructureTypePipelineViewportStateCreateInfo,
		ViewportCount: 1,
		ScissorCount:  1,
	}

	rasterizerCreateInfo := vk.PipelineRasterizationStateCreateInfo{
		SType:                   vk.StructureTypePipelineRasterizationStateCreateInfo,
		DepthClampEnable:        vk.False,
		RasterizerDiscardEnable: vk.False,
		PolygonMode:             config.PolygonMode,
		LineWidth:               1.0,
		CullMode:                vk.CullModeFlags(config.CullMode),
		FrontFace:               config.FrontFace,
		DepthBiasEnable:         vk.False,
	}

	samples := config.Samples
	if samples == 0 {
		samples = vk.SampleCount1Bit
	}
	multisamplingCreateInfo := vk.PipelineMultisampleStateCreateInfo{
		SType:                 vk.StructureTypePipelineMultisampleStateCreateInfo,
		SampleShadingEnable:   vk.False,
		RasterizationSamples:  samples,
		MinSampleShading:      1.0,
		AlphaToCoverageEnable: vk.False,
		AlphaToOneEnable:      vk.False,
	}

	depthStencil := vk.PipelineDepthStencilStateCreateInfo{
		SType:             vk.StructureTypePipelineDepthStencilStateCreateInfo,
		DepthTestEnable:   vk.False,
		DepthWriteEnable:  vk.False,
		StencilTestEnable: vk.False,
	}
	if config.DepthTest {
		depthStencil.DepthTestEnable = vk.True
		depthStencil.DepthCompareOp = config.DepthCompare
	}
	if config.DepthWrite {
		depthStencil.DepthWriteEnable = vk.True
	}

	blendAttachments := make([]vk.PipelineColorBlendAttachmentState, len(config.ColorFormats))
	for i := range blendAttachments {
		blend := rendergraph.BlendOpaque
		if i < len(config.Blends) {
			blend = config.Blends[i]
		}
		blendAttachments[i] = blendAttachment(blend)
	}
	colorBlendStateCreateInfo := vk.PipelineColorBlendStateCreateInfo{
		SType:           vk.StructureTypePipelineColorBlendStateCreateInfo,
		LogicOpEnable:   vk.False,
		LogicOp:         vk.LogicOpCopy,
		AttachmentCount: uint32(len(blendAttachments)),
		PAttachments:    blendAttachments,
	}

	dynamicStates := []vk.DynamicState{
		vk.DynamicStateViewport,
		vk.DynamicStateScissor,
	}
	dynamicStateCreateInfo := vk.PipelineDynamicStateCreateInfo{
		SType:             vk.StructureTypePipelineDynamicStateCreateInfo,
		DynamicStateCount: uint32(len(dynamicStates)),
		PDynamicStates:    dynamicStates,
	}

	// Geometry is pulled from storage buffers, there are no vertex bindings.
	vertexInputInfo := vk.PipelineVertexInputStateCreateInfo{
		SType: vk.StructureTypePipelineVertexInputStateCreateInfo,
	}

	inputAssembly := vk.PipelineInputAssemblyStateCreateInfo{
		SType:                  vk.StructureTypePipelineInputAssemblyStateCreateInfo,
		Topology:               config.Topology,
		PrimitiveRestartEnable: vk.False,
	}

	pipelineCreateInfo := vk.GraphicsPipelineCreateInfo{
		SType:               vk.StructureTypeGraphicsPipelineCreateInfo,
		StageCount:          uint32(len(stages)),
		PStages:             stages,
		PVertexInputState:   &vertexInputInfo,
		PInputAssemblyState: &inputAssembly,
		PViewportState:      &viewportState,
		PRasterizationState: &rasterizerCreateInfo,
		PMultisampleState:   &multisamplingCreateInfo,
		PDepthStencilState:  &depthStencil,
		PColorBlendState:    &colorBlendStateCreateInfo,
		PDynamicState:       &dynamicStateCreateInfo,
		Layout:              outPipeline.PipelineLayout,
		RenderPass:          renderpass.Handle,
		Subpass:             0,
		BasePipelineHandle:  vk.NullPipeline,
		BasePipelineIndex:   -1,
	}

	pPipelines := make([]vk.Pipeline, 1)
	if err := d.context.lockPool.SafeCall(PipelineManagement, func() error {
		return resultError("vkCreateGraphicsPipelines", vk.CreateGraphicsPipelines(d.LogicalDevice, vk.NullPipelineCache, 1, []vk.GraphicsPipelineCreateInfo{pipelineCreateInfo}, d.context.Allocator, pPipelines))
	}); err != nil {
		outPipeline.Destroy()
		return nil, err
	}
	outPipeline.Handle = pPipelines[0]

	core.LogDebug("Graphics pipeline for %q created!", program.Name())
	return outPipeline, nil
}

func (pipeline *VulkanPipeline) BindPoint() vk.PipelineBindPoint {
	return pipeline.bindPoint
}

func (pipeline *VulkanPipeline) Destroy() {
	context := pipeline.device.context
	_ = context.lockPool.SafeCall(PipelineManagement, func() error {
		if pipeline.Handle != vk.NullPipeline {
			vk.DestroyPipeline(pipeline.device.LogicalDevice, pipeline.Handle, context.Allocator)
			pipeline.Handle = vk.NullPipeline
		}
		if pipeline.PipelineLayout != vk.NullPipelineLayout {
			vk.DestroyPipelineLayout(pipeline.device.LogicalDevice, pipeline.PipelineLayout, context.Allocator)
			pipeline.PipelineLayout = vk.NullPipelineLayout
		}
		return nil
	})
}
