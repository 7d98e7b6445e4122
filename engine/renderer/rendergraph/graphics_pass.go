package rendergraph

import (
	"fmt"

	vk "github.com/goki/vulkan"
)

// GraphicsPass renders into color attachments and a depth attachment with a
// single graphics program.
type GraphicsPass struct {
	*Pass
	config     GraphicsPipelineBuilder
	pipeline   Pipeline
	clearColor [4]float32
	clearDepth float32
}

func (gp *GraphicsPass) kind() PassKind {
	return PassKindGraphics
}

// PipelineConfig exposes the fixed function state used when the pass compiles.
func (gp *GraphicsPass) PipelineConfig() *GraphicsPipelineBuilder {
	return &gp.config
}

// Pipeline returns the compiled pipeline, nil before Compile.
func (gp *GraphicsPass) Pipeline() Pipeline {
	return gp.pipeline
}

func (gp *GraphicsPass) SetClearColor(r, g, b, a float32) {
	gp.clearColor = [4]float32{r, g, b, a}
}

func (gp *GraphicsPass) SetClearDepth(depth float32) {
	gp.clearDepth = depth
}

func (gp *GraphicsPass) colorOutputEdge(h Handle, name string, blend BlendState) *PassAttachment {
	return &PassAttachment{
		Handle:       h,
		Name:         name,
		WaitAccess:   accessFlags(vk.AccessColorAttachmentReadBit, vk.AccessColorAttachmentWriteBit, vk.AccessShaderReadBit),
		WaitStage:    stageFlags(vk.PipelineStageColorAttachmentOutputBit, vk.PipelineStageFragmentShaderBit, vk.PipelineStageComputeShaderBit),
		TargetAccess: colorReadWrite,
		TargetStage:  colorOutputStage,
		Layout:       vk.ImageLayoutColorAttachmentOptimal,
		Aspect:       colorAspect,
		Binding:      Unbound,
		Blend:        blend,
	}
}

// AddColorOutput renders into h and returns its next version.
func (gp *GraphicsPass) AddColorOutput(h Handle, name string, blend BlendState) Handle {
	if !gp.expectKind(h, ResourceKindAttachment, "AddColorOutput") {
		return h
	}
	out := h.next()
	gp.colorOutputs = append(gp.colorOutputs, gp.colorOutputEdge(out, name, blend))
	return out
}

// AddColorInputOutput loads the current content of h, renders on top of it
// and returns the next version.
func (gp *GraphicsPass) AddColorInputOutput(h Handle, inName, outName string, blend BlendState) Handle {
	if !gp.expectKind(h, ResourceKindAttachment, "AddColorInputOutput") {
		return h
	}
	gp.colorInputs = append(gp.colorInputs, &PassAttachment{
		Handle:       h,
		Name:         inName,
		WaitAccess:   colorProducerAccess,
		WaitStage:    colorProducerStage,
		TargetAccess: colorReadWrite,
		TargetStage:  colorOutputStage,
		Layout:       vk.ImageLayoutColorAttachmentOptimal,
		Aspect:       colorAspect,
		Binding:      Unbound,
	})
	out := h.next()
	gp.colorOutputs = append(gp.colorOutputs, gp.colorOutputEdge(out, outName, blend))
	return out
}

// SetDepthInput depth-tests against h without writing it.
func (gp *GraphicsPass) SetDepthInput(h Handle, name string) {
	if !gp.expectKind(h, ResourceKindAttachment, "SetDepthInput") {
		return
	}
	gp.depthInput = &PassAttachment{
		Handle:       h,
		Name:         name,
		WaitAccess:   depthProducerAccess,
		WaitStage:    depthProducerStage,
		TargetAccess: depthRead,
		TargetStage:  depthTestStage,
		Layout:       vk.ImageLayoutDepthStencilReadOnlyOptimal,
		Aspect:       depthAspect,
		Binding:      Unbound,
	}
	gp.config.DepthWrite = false
}

func (gp *GraphicsPass) depthOutputEdge(h Handle, name string) *PassAttachment {
	return &PassAttachment{
		Handle:       h,
		Name:         name,
		WaitAccess:   accessFlags(vk.AccessDepthStencilAttachmentReadBit, vk.AccessDepthStencilAttachmentWriteBit, vk.AccessShaderReadBit),
		WaitStage:    stageFlags(vk.PipelineStageEarlyFragmentTestsBit, vk.PipelineStageLateFragmentTestsBit, vk.PipelineStageFragmentShaderBit, vk.PipelineStageComputeShaderBit),
		TargetAccess: depthReadWrite,
		TargetStage:  depthTestStage,
		Layout:       vk.ImageLayoutDepthStencilAttachmentOptimal,
		Aspect:       depthAspect,
		Binding:      Unbound,
	}
}

// SetDepthOutput renders depth into h and returns its next version.
func (gp *GraphicsPass) SetDepthOutput(h Handle, name string) Handle {
	if !gp.expectKind(h, ResourceKindAttachment, "SetDepthOutput") {
		return h
	}
	out := h.next()
	gp.depthOutput = gp.depthOutputEdge(out, name)
	gp.config.DepthWrite = true
	return out
}

// SetDepthInputOutput keeps the current depth of h, tests and writes it.
func (gp *GraphicsPass) SetDepthInputOutput(h Handle, inName, outName string) Handle {
	gp.SetDepthInput(h, inName)
	if gp.depthInput == nil {
		return h
	}
	// the attachment is written, so the read edge uses the writable layout
	gp.depthInput.Layout = vk.ImageLayoutDepthStencilAttachmentOptimal
	gp.depthInput.TargetAccess = depthReadWrite
	out := h.next()
	gp.depthOutput = gp.depthOutputEdge(out, outName)
	gp.config.DepthWrite = true
	return out
}

func (gp *GraphicsPass) depthEdge() *PassAttachment {
	if gp.depthOutput != nil {
		return gp.depthOutput
	}
	return gp.depthInput
}

func (gp *GraphicsPass) validate() error {
	if gp.depthEdge() == nil {
		return fmt.Errorf("%w: %q", ErrNoDepthOutput, gp.name)
	}
	return nil
}

func (gp *GraphicsPass) build() error {
	gp.releasePipeline()
	g := gp.graph

	gp.config.ColorFormats = gp.config.ColorFormats[:0]
	gp.config.Blends = gp.config.Blends[:0]
	for _, e := range gp.colorOutputs {
		gp.config.ColorFormats = append(gp.config.ColorFormats, g.attachmentFormat(e.Handle.ID))
		gp.config.Blends = append(gp.config.Blends, e.Blend)
	}
	gp.config.DepthFormat = g.device.DepthFormat()
	if len(gp.colorOutputs) > 0 {
		if b, ok := g.attachments[gp.colorOutputs[0].Handle.ID]; ok && b.Samples != 0 {
			gp.config.Samples = b.Samples
		}
	}

	pipeline, err := g.device.NewGraphicsPipeline(gp.program, gp.layout, &gp.config)
	if err != nil {
		return fmt.Errorf("graphics pipeline for %q: %w", gp.name, err)
	}
	gp.pipeline = pipeline
	return nil
}

func (gp *GraphicsPass) loadOp(e *PassAttachment) vk.AttachmentLoadOp {
	if e.Handle.State <= 1 && !gp.hasInput(e.Handle.ID) {
		return vk.AttachmentLoadOpClear
	}
	return vk.AttachmentLoadOpLoad
}

func (gp *GraphicsPass) begin(frame uint32, cmd CommandBuffer) error {
	g := gp.graph
	info := RenderingInfo{}

	for _, e := range gp.colorOutputs {
		info.Colors = append(info.Colors, RenderingAttachment{
			View:       e.views[frame],
			Layout:     e.Layout,
			LoadOp:     gp.loadOp(e),
			StoreOp:    vk.AttachmentStoreOpStore,
			ClearColor: gp.clearColor,
		})
	}

	depth := gp.depthEdge()
	info.Depth = &RenderingAttachment{
		View:       depth.views[frame],
		Layout:     depth.Layout,
		LoadOp:     gp.loadOp(depth),
		StoreOp:    vk.AttachmentStoreOpStore,
		ClearDepth: gp.clearDepth,
	}
	if depth == gp.depthInput {
		info.Depth.LoadOp = vk.AttachmentLoadOpLoad
	}

	extentFrom := depth.Handle.ID
	if len(gp.colorOutputs) > 0 {
		extentFrom = gp.colorOutputs[0].Handle.ID
	}
	img, err := g.image(frame, extentFrom)
	if err != nil {
		return err
	}
	info.Extent = img.Extent()

	cmd.BeginRendering(info)
	cmd.BindPipeline(gp.pipeline)
	if len(gp.bindings) > 0 {
		cmd.BindDescriptorSet(gp.pipeline, gp.sets[frame])
	}
	return nil
}

func (gp *GraphicsPass) end(cmd CommandBuffer) {
	cmd.EndRendering()
}

func (gp *GraphicsPass) releasePipeline() {
	if gp.pipeline != nil {
		gp.pipeline.Destroy()
		gp.pipeline = nil
	}
}
