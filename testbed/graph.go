package testbed

import (
	"encoding/binary"
	"fmt"
	"math"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/rendergraph/engine/core"
	"github.com/spaghettifunk/rendergraph/engine/renderer/rendergraph"
)

const (
	defaultParticleCount uint32 = 64 * 1024
	// vec4 position + vec4 color
	particleStride uint64 = 32
	// VkDrawIndirectCommand
	drawArgsSize uint64 = 16
	paramsSize   uint64 = 16
	// local_size_x of particles_simulate.comp
	simulateGroupSize uint32 = 64
	// one quad per particle
	quadVertices uint32 = 6
)

type programs struct {
	simulate  rendergraph.Program
	draw      rendergraph.Program
	composite rendergraph.Program
}

type graphHandles struct {
	params     rendergraph.Handle
	particles  rendergraph.Handle
	drawArgs   rendergraph.Handle
	hdr        rendergraph.Handle
	backbuffer rendergraph.Handle
}

// buildGraph declares a compute pass that animates the particles and fills
// the indirect draw arguments, a graphics pass that draws them additively
// into an HDR target, and a composite pass that tonemaps the target into the
// swapchain image.
func buildGraph(graph *rendergraph.RenderGraph, swapchain rendergraph.Swapchain, p programs, state *gameState) (graphHandles, error) {
	var h graphHandles

	h.params = graph.AddStorage(rendergraph.NewStorageBuilder(paramsSize).
		WithLocation(rendergraph.MemoryLocationHost))
	particles := graph.AddStorage(rendergraph.NewStorageBuilder(uint64(state.particleCount) * particleStride))
	drawArgs := graph.AddStorage(rendergraph.NewStorageBuilder(drawArgsSize).
		WithUsage(vk.BufferUsageFlags(vk.BufferUsageIndirectBufferBit)))
	hdr := graph.AddAttachment(rendergraph.NewAttachmentBuilder(rendergraph.AttachmentUsageColor | rendergraph.AttachmentUsageSampled).
		WithFormat(vk.FormatR16g16b16a16Sfloat))
	depth := graph.AddAttachment(rendergraph.NewAttachmentBuilder(rendergraph.AttachmentUsageDepth))
	compositeDepth := graph.AddAttachment(rendergraph.NewAttachmentBuilder(rendergraph.AttachmentUsageDepth))
	backbuffer := graph.AddAttachment(rendergraph.NewAttachmentBuilder(rendergraph.AttachmentUsageColor))
	graph.SetBackbuffer(swapchain, backbuffer)

	// simulate
	simulate := graph.AddCompute("simulate", p.simulate)
	simulate.Link(p.simulate)
	simulate.AddStorageInput(0, h.params, "params", rendergraph.WholeRange)
	h.particles = simulate.AddStorageOutput(1, particles, "particles", rendergraph.WholeRange)
	h.drawArgs = simulate.AddStorageOutput(2, drawArgs, "draw_args", rendergraph.WholeRange)
	simulate.SetRecordFunction(func(frame uint32, set rendergraph.DescriptorSet, cmd rendergraph.CommandBuffer) error {
		buf, err := graph.GetStorage(frame, h.params)
		if err != nil {
			return err
		}
		mapped, err := buf.Map()
		if err != nil {
			return err
		}
		encodeParams(mapped, state)
		buf.Unmap()
		cmd.Dispatch(groupCount(state.particleCount, simulateGroupSize), 1, 1)
		return nil
	})

	// draw
	draw := graph.AddGraphics("draw", p.draw)
	draw.Link(p.draw)
	draw.AddStorageInputIndirect(h.drawArgs, "draw_args", rendergraph.WholeRange)
	draw.AddStorageInput(0, h.particles, "particles", rendergraph.WholeRange)
	h.hdr = draw.AddColorOutput(hdr, "hdr", rendergraph.BlendAdditive)
	draw.SetDepthOutput(depth, "depth")
	draw.SetClearColor(0, 0, 0, 1)
	draw.SetClearDepth(1)
	pipeline := draw.PipelineConfig()
	pipeline.CullMode = vk.CullModeNone
	// additive sprites do not occlude each other
	pipeline.DepthTest = false
	pipeline.DepthWrite = false
	draw.SetRecordFunction(func(frame uint32, set rendergraph.DescriptorSet, cmd rendergraph.CommandBuffer) error {
		args, err := graph.GetStorage(frame, h.drawArgs)
		if err != nil {
			return err
		}
		cmd.DrawIndirect(args, 0, 1, uint32(drawArgsSize))
		return nil
	})

	// composite
	composite := graph.AddGraphics("composite", p.composite)
	composite.Link(p.composite)
	composite.AddColorTextureInput(0, h.hdr, "hdr")
	h.backbuffer = composite.AddColorOutput(backbuffer, "backbuffer", rendergraph.BlendOpaque)
	composite.SetDepthOutput(compositeDepth, "composite_depth")
	composite.PipelineConfig().CullMode = vk.CullModeNone
	composite.PipelineConfig().DepthTest = false
	composite.SetRecordFunction(func(frame uint32, set rendergraph.DescriptorSet, cmd rendergraph.CommandBuffer) error {
		// fullscreen triangle generated in the vertex shader
		cmd.Draw(3, 1, 0, 0)
		return nil
	})

	for _, name := range []string{"simulate", "draw", "composite"} {
		pass, ok := graph.Pass(name)
		if !ok {
			return h, fmt.Errorf("pass %q was not registered", name)
		}
		if err := pass.Err(); err != nil {
			core.LogError(err.Error())
			return h, err
		}
	}
	return h, nil
}

// encodeParams writes the std430 layout of the simulation parameters:
// float time, float delta, uint count, uint vertices per particle.
func encodeParams(dst []byte, state *gameState) {
	binary.LittleEndian.PutUint32(dst[0:], math.Float32bits(float32(state.time)))
	binary.LittleEndian.PutUint32(dst[4:], math.Float32bits(float32(state.delta)))
	binary.LittleEndian.PutUint32(dst[8:], state.particleCount)
	binary.LittleEndian.PutUint32(dst[12:], quadVertices)
}

func groupCount(items, groupSize uint32) uint32 {
	size := max(groupSize, 1)
	return core.AlignUp(items, size) / size
}
