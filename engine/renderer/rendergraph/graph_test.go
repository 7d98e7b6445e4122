package rendergraph

import (
	"errors"
	"testing"

	vk "github.com/goki/vulkan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

func TestCompileRequiresBackbuffer(t *testing.T) {
	g := New(newFakeDevice(), DefaultConfig())
	p := g.AddCompute("lonely", computeProgram("lonely"))
	p.SetRecordFunction(markRecord("lonely"))

	err := g.Compile()
	require.ErrorIs(t, err, ErrNoBackbuffer)
}

func TestDependencyRespected(t *testing.T) {
	g, _, _ := newTestGraph()
	particles := g.AddStorage(NewStorageBuilder(1024))

	// registered before its producer on purpose
	consume := g.AddCompute("consume", computeProgram("consume"))
	produce := g.AddCompute("produce", computeProgram("produce"))

	written := produce.AddStorageOutput(0, particles, "particles", WholeRange)
	consume.AddStorageInput(0, written, "particles", WholeRange)
	consume.SetRecordFunction(markRecord("consume"))
	produce.SetRecordFunction(markRecord("produce"))

	assert.True(t, consume.IsDependingOn(produce.Pass))
	assert.False(t, produce.IsDependingOn(consume.Pass))

	require.NoError(t, g.Compile())
	assert.Equal(t, []string{"produce", "consume"}, g.Order())

	cmd := &recorder{}
	require.NoError(t, g.Record(0, cmd))
	assert.Equal(t, []string{"produce", "consume"}, cmd.recorded())
}

func TestOutputReturnsNextVersion(t *testing.T) {
	g, _, _ := newTestGraph()
	buf := g.AddStorage(NewStorageBuilder(64))
	p := g.AddCompute("write", computeProgram("write"))

	v1 := p.AddStorageOutput(0, buf, "buf", WholeRange)
	assert.Equal(t, uint32(0), buf.State, "the argument is left untouched")
	assert.Equal(t, uint32(1), v1.State)
	assert.True(t, v1.SameResource(buf))
	assert.False(t, v1.SameVersion(buf))

	q := g.AddCompute("rewrite", computeProgram("rewrite"))
	v2 := q.AddStorageInputOutput(0, v1, "in", "out", WholeRange)
	assert.Equal(t, uint32(2), v2.State, "read-write bumps the version once")
}

func TestVersionDiscrimination(t *testing.T) {
	g, _, _ := newTestGraph()
	x := g.AddStorage(NewStorageBuilder(256))

	a := g.AddCompute("a", computeProgram("a"))
	b := g.AddCompute("b", computeProgram("b"))
	c := g.AddCompute("c", computeProgram("c"))

	x1 := a.AddStorageOutput(0, x, "x", WholeRange)
	x2 := b.AddStorageOutput(0, x1, "x", WholeRange)
	c.AddStorageInput(0, x1, "x", WholeRange)
	for _, p := range []*ComputePass{a, b, c} {
		p.SetRecordFunction(markRecord(p.Name()))
	}

	require.Equal(t, uint32(2), x2.State)
	assert.True(t, c.IsDependingOn(a.Pass))
	assert.False(t, c.IsDependingOn(b.Pass), "reading version 1 must not wait for version 2")

	require.NoError(t, g.Compile())
	pos := positions(g.Order())
	assert.Less(t, pos["a"], pos["c"])
}

func TestCycleDetection(t *testing.T) {
	g, _, _ := newTestGraph()
	x := g.AddStorage(NewStorageBuilder(64))
	y := g.AddStorage(NewStorageBuilder(64))

	a := g.AddCompute("a", computeProgram("a"))
	b := g.AddCompute("b", computeProgram("b"))

	// a reads what b writes and b reads what a writes
	a.AddStorageInput(0, y.next(), "y", WholeRange)
	x1 := a.AddStorageOutput(1, x, "x", WholeRange)
	b.AddStorageInput(0, x1, "x", WholeRange)
	b.AddStorageOutput(1, y, "y", WholeRange)
	a.SetRecordFunction(markRecord("a"))
	b.SetRecordFunction(markRecord("b"))

	err := g.Compile()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCyclicGraph)

	var cycle *CycleError
	require.True(t, errors.As(err, &cycle))
	assert.Equal(t, []string{"a", "b", "a"}, cycle.Passes)
	assert.Contains(t, err.Error(), "a -> b -> a")
}

func TestLinearPipeline(t *testing.T) {
	g, _, _ := newTestGraph()
	first := g.AddStorage(NewStorageBuilder(64))
	second := g.AddStorage(NewStorageBuilder(64))

	i := g.AddCompute("i", computeProgram("i"))
	h := g.AddCompute("h", computeProgram("h"))
	gp := g.AddCompute("g", computeProgram("g"))

	a := gp.AddStorageOutput(0, first, "a", WholeRange)
	h.AddStorageInput(0, a, "a", WholeRange)
	b := h.AddStorageOutput(1, second, "b", WholeRange)
	i.AddStorageInput(0, b, "b", WholeRange)
	for _, p := range []*ComputePass{i, h, gp} {
		p.SetRecordFunction(markRecord(p.Name()))
	}

	require.NoError(t, g.Compile())
	assert.Equal(t, []string{"g", "h", "i"}, g.Order())
}

func TestLinearAttachmentPipeline(t *testing.T) {
	g, _, bb := newTestGraph()
	x := g.AddAttachment(NewAttachmentBuilder(AttachmentUsageColor | AttachmentUsageSampled))
	y := g.AddAttachment(NewAttachmentBuilder(AttachmentUsageColor | AttachmentUsageSampled))

	// registered in reverse order
	i := g.AddGraphics("i", graphicsProgram("i"))
	h := g.AddGraphics("h", graphicsProgram("h"))
	gp := g.AddGraphics("g", graphicsProgram("g"))

	x1 := gp.AddColorOutput(x, "x", BlendOpaque)
	gp.SetDepthOutput(g.AddAttachment(NewAttachmentBuilder(AttachmentUsageDepth)), "g_depth")
	h.AddColorTextureInput(0, x1, "x")
	y1 := h.AddColorOutput(y, "y", BlendOpaque)
	h.SetDepthOutput(g.AddAttachment(NewAttachmentBuilder(AttachmentUsageDepth)), "h_depth")
	i.AddColorTextureInput(0, y1, "y")
	i.AddColorOutput(bb, "backbuffer", BlendOpaque)
	i.SetDepthOutput(g.AddAttachment(NewAttachmentBuilder(AttachmentUsageDepth)), "i_depth")
	for _, p := range []*GraphicsPass{i, h, gp} {
		p.SetRecordFunction(markRecord(p.Name()))
	}

	assert.True(t, h.IsDependingOn(gp.Pass))
	assert.True(t, i.IsDependingOn(h.Pass))
	require.NoError(t, g.Compile())
	assert.Equal(t, []string{"g", "h", "i"}, g.Order())

	cmd := &recorder{}
	require.NoError(t, g.Record(0, cmd))
	assert.Equal(t, []string{"g", "h", "i"}, cmd.recorded())
}

func TestIndependentPasses(t *testing.T) {
	g, _, _ := newTestGraph()
	x := g.AddStorage(NewStorageBuilder(64))
	y := g.AddStorage(NewStorageBuilder(64))

	p := g.AddCompute("p", computeProgram("p"))
	q := g.AddCompute("q", computeProgram("q"))
	p.AddStorageOutput(0, x, "x", WholeRange)
	q.AddStorageOutput(0, y, "y", WholeRange)
	p.SetRecordFunction(markRecord("p"))
	q.SetRecordFunction(markRecord("q"))

	assert.False(t, p.IsDependingOn(q.Pass))
	assert.False(t, q.IsDependingOn(p.Pass))

	require.NoError(t, g.Compile())
	assert.ElementsMatch(t, []string{"p", "q"}, g.Order())
}

func TestReorderSeparatesDependentPasses(t *testing.T) {
	g, _, _ := newTestGraph()
	x := g.AddStorage(NewStorageBuilder(64))
	y := g.AddStorage(NewStorageBuilder(64))

	c := g.AddCompute("c", computeProgram("c"))
	a := g.AddCompute("a", computeProgram("a"))
	b := g.AddCompute("b", computeProgram("b"))

	c.AddStorageOutput(0, y, "y", WholeRange)
	x1 := a.AddStorageOutput(0, x, "x", WholeRange)
	b.AddStorageInput(0, x1, "x", WholeRange)
	for _, p := range []*ComputePass{a, b, c} {
		p.SetRecordFunction(markRecord(p.Name()))
	}

	order, err := topologicalSort(g.passes)
	require.NoError(t, err)
	names := []string{}
	for _, idx := range order {
		names = append(names, g.passes[idx].name)
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)

	// c is independent of a, so it fills the gap between a and b
	require.NoError(t, g.Compile())
	assert.Equal(t, []string{"a", "c", "b"}, g.Order())
}

func TestReorderPreservesDependencies(t *testing.T) {
	for seed := uint64(1); seed <= 25; seed++ {
		rng := rand.New(rand.NewSource(seed))
		g, _, _ := newTestGraph()

		current := make([]Handle, 5)
		for i := range current {
			current[i] = g.AddStorage(NewStorageBuilder(128))
		}

		passCount := 3 + rng.Intn(12)
		for n := 0; n < passCount; n++ {
			name := string(rune('a'+n%26)) + string(rune('0'+n/26))
			p := g.AddCompute(name, computeProgram(name))
			p.SetRecordFunction(markRecord(name))

			slot := uint32(0)
			for i := range current {
				if rng.Intn(3) == 0 {
					p.AddStorageInput(slot, current[i], "in", WholeRange)
					slot++
				}
			}
			if rng.Intn(4) != 0 {
				i := rng.Intn(len(current))
				current[i] = p.AddStorageOutput(slot, current[i], "out", WholeRange)
			}
		}

		require.NoError(t, g.Compile(), "seed %d", seed)
		pos := positions(g.Order())
		require.Len(t, pos, passCount)
		for _, before := range g.passes {
			for _, after := range g.passes {
				if after.IsDependingOn(before) {
					assert.Less(t, pos[before.name], pos[after.name], "seed %d: %s must run before %s", seed, before.name, after.name)
				}
			}
		}
	}
}

func TestCompileIsIdempotent(t *testing.T) {
	g, dev, bb := newTestGraph()
	hdr := g.AddAttachment(NewAttachmentBuilder(AttachmentUsageColor).WithFormat(vk.FormatR16g16b16a16Sfloat))
	depth := g.AddAttachment(NewAttachmentBuilder(AttachmentUsageDepth))

	scene := g.AddGraphics("scene", graphicsProgram("scene"))
	hdr1 := scene.AddColorOutput(hdr, "hdr", BlendOpaque)
	scene.SetDepthOutput(depth, "depth")
	scene.SetRecordFunction(markRecord("scene"))

	composite := g.AddGraphics("composite", graphicsProgram("composite"))
	composite.AddColorTextureInput(0, hdr1, "hdr")
	composite.AddColorOutput(bb, "backbuffer", BlendOpaque)
	composite.SetDepthInput(depth.next(), "depth")
	composite.SetRecordFunction(markRecord("composite"))

	require.NoError(t, g.Compile())
	order := g.Order()
	live := dev.live

	require.NoError(t, g.Compile())
	assert.Equal(t, order, g.Order())
	assert.Equal(t, live, dev.live, "recompiling releases what the previous compile created")

	g.Destroy()
	assert.Zero(t, dev.live)
}

func TestResizeIsIdempotent(t *testing.T) {
	g, dev, bb := newTestGraph()
	depth := g.AddAttachment(NewAttachmentBuilder(AttachmentUsageDepth))
	lut := g.AddAttachment(NewAttachmentBuilder(AttachmentUsageStorage).WithExtent(32, 32).WithFormat(vk.FormatR8g8b8a8Unorm))

	bake := g.AddCompute("bake", computeProgram("bake"))
	lut1 := bake.AddStorageOutput(0, lut, "lut", WholeRange)
	bake.SetRecordFunction(markRecord("bake"))

	draw := g.AddGraphics("draw", graphicsProgram("draw"))
	draw.AddColorTextureInput(0, lut1, "lut")
	draw.AddColorOutput(bb, "backbuffer", BlendOpaque)
	draw.SetDepthOutput(depth, "depth")
	draw.SetRecordFunction(markRecord("draw"))

	require.NoError(t, g.Compile())
	order := g.Order()
	index := make(map[uint64]int, len(g.imageIndex))
	for id, i := range g.imageIndex {
		index[id] = i
	}
	live := dev.live

	extent := vk.Extent2D{Width: 1280, Height: 720}
	for i := 0; i < 2; i++ {
		require.NoError(t, g.Resize(extent))
		assert.Equal(t, order, g.Order())
		assert.Equal(t, index, g.imageIndex)
		assert.Equal(t, live, dev.live)
		assert.Equal(t, extent, g.Extent())
	}

	for frame := uint32(0); frame < g.FramesInFlight(); frame++ {
		img, err := g.GetImage(frame, depth)
		require.NoError(t, err)
		assert.Equal(t, extent, img.Extent(), "backbuffer sized images follow the new extent")

		img, err = g.GetImage(frame, lut)
		require.NoError(t, err)
		assert.Equal(t, vk.Extent2D{Width: 32, Height: 32}, img.Extent(), "explicit sizes are kept")
	}
}

func TestResizeFollowsSwapchainImageCount(t *testing.T) {
	dev := newFakeDevice()
	g := New(dev, DefaultConfig())
	bb := g.AddAttachment(NewAttachmentBuilder(AttachmentUsageColor))
	sc := newFakeSwapchain(2, 640, 480)
	g.SetBackbuffer(sc, bb)
	depth := g.AddAttachment(NewAttachmentBuilder(AttachmentUsageDepth))

	draw := g.AddGraphics("draw", graphicsProgram("draw"))
	draw.AddColorOutput(bb, "backbuffer", BlendOpaque)
	draw.SetDepthOutput(depth, "depth")
	draw.SetRecordFunction(markRecord("draw"))
	require.NoError(t, g.Compile())

	_, err := g.GetImage(2, depth)
	require.ErrorIs(t, err, ErrFrameOutOfRange)

	sc.images = append(sc.images, &fakeImage{desc: ImageDesc{Extent: sc.extent, Format: sc.format}})
	require.NoError(t, g.Resize(sc.extent))
	assert.Equal(t, uint32(3), g.FramesInFlight())

	_, err = g.GetImage(2, depth)
	require.NoError(t, err)
	require.NoError(t, g.Record(2, &recorder{}))
}

func TestIndirectBufferDependency(t *testing.T) {
	g, dev, bb := newTestGraph()
	args := g.AddStorage(NewStorageBuilder(100))
	depth := g.AddAttachment(NewAttachmentBuilder(AttachmentUsageDepth))

	draw := g.AddGraphics("draw", graphicsProgram("draw"))
	cull := g.AddCompute("cull", computeProgram("cull"))

	args1 := cull.AddStorageOutput(0, args, "args", WholeRange)
	cull.SetRecordFunction(func(frame uint32, set DescriptorSet, cmd CommandBuffer) error {
		cmd.Dispatch(1, 1, 1)
		cmd.(*recorder).mark("cull")
		return nil
	})

	draw.AddStorageInputIndirect(args1, "args", WholeRange)
	draw.AddColorOutput(bb, "backbuffer", BlendOpaque)
	draw.SetDepthOutput(depth, "depth")
	draw.SetRecordFunction(func(frame uint32, set DescriptorSet, cmd CommandBuffer) error {
		buf, err := g.GetStorage(frame, args1)
		if err != nil {
			return err
		}
		cmd.DrawIndirect(buf, 0, 1, 16)
		cmd.(*recorder).mark("draw")
		return nil
	})

	require.NoError(t, g.Compile())
	assert.Equal(t, []string{"cull", "draw"}, g.Order())

	require.Len(t, dev.buffers, 2)
	assert.Equal(t, uint64(256), dev.buffers[0].desc.Size, "storage sizes are aligned to the device")
	assert.NotZero(t, dev.buffers[0].desc.Usage&vk.BufferUsageFlags(vk.BufferUsageIndirectBufferBit))

	cmd := &recorder{}
	require.NoError(t, g.Record(1, cmd))

	for _, e := range cmd.eventsOf("cull") {
		assert.NotEqual(t, "buffer-barrier", e.op, "the first write of a buffer waits on nothing")
	}

	buf, err := g.GetStorage(1, args1)
	require.NoError(t, err)

	var indirect *BufferBarrier
	for _, e := range cmd.eventsOf("draw") {
		if e.op == "buffer-barrier" {
			indirect = e.buffer
		}
	}
	require.NotNil(t, indirect)
	assert.Same(t, buf, indirect.Buffer)
	assert.Equal(t, accessFlags(vk.AccessIndirectCommandReadBit), indirect.DstAccess)
	assert.Equal(t, stageFlags(vk.PipelineStageDrawIndirectBit), indirect.DstStage)
	assert.Equal(t, shaderWrite, indirect.SrcAccess)
	assert.Equal(t, computeStage, indirect.SrcStage)
}

func TestGraphicsPassRecording(t *testing.T) {
	g, dev, bb := newTestGraph()
	depth := g.AddAttachment(NewAttachmentBuilder(AttachmentUsageDepth))

	draw := g.AddGraphics("draw", graphicsProgram("draw"))
	draw.SetClearColor(0.1, 0.2, 0.3, 1)
	draw.AddColorOutput(bb, "backbuffer", BlendAlpha)
	draw.SetDepthOutput(depth, "depth")
	draw.SetRecordFunction(markRecord("draw"))

	require.NoError(t, g.Compile())

	b, ok := g.Attachment(depth)
	require.True(t, ok)
	assert.Equal(t, vk.FormatD32Sfloat, b.Format, "depth format is backfilled from the device")

	require.Len(t, dev.pipelines, 1)
	cfg := dev.pipelines[0].config
	require.NotNil(t, cfg)
	assert.Equal(t, []vk.Format{vk.FormatB8g8r8a8Unorm}, cfg.ColorFormats)
	assert.Equal(t, []BlendState{BlendAlpha}, cfg.Blends)
	assert.Equal(t, vk.FormatD32Sfloat, cfg.DepthFormat)
	assert.True(t, cfg.DepthWrite)

	cmd := &recorder{}
	require.NoError(t, g.Record(0, cmd))

	var begin *RenderingInfo
	for _, e := range cmd.events {
		if e.op == "begin-rendering" {
			begin = e.render
		}
	}
	require.NotNil(t, begin)
	assert.Equal(t, vk.Extent2D{Width: 640, Height: 480}, begin.Extent)
	require.Len(t, begin.Colors, 1)
	assert.Equal(t, vk.AttachmentLoadOpClear, begin.Colors[0].LoadOp)
	assert.Equal(t, [4]float32{0.1, 0.2, 0.3, 1}, begin.Colors[0].ClearColor)
	require.NotNil(t, begin.Depth)
	assert.Equal(t, vk.AttachmentLoadOpClear, begin.Depth.LoadOp)
	assert.Equal(t, float32(1), begin.Depth.ClearDepth)

	ops := []string{}
	for _, e := range cmd.events {
		ops = append(ops, e.op)
	}
	assert.Equal(t, []string{
		"image-barrier", "image-barrier",
		"begin-rendering", "bind-pipeline", "record", "end-rendering",
		"image-barrier",
	}, ops)

	present := cmd.events[len(cmd.events)-1].image
	sc := g.backbuffer.swapchain
	assert.Same(t, sc.Image(0), present.Image)
	assert.Equal(t, vk.ImageLayoutColorAttachmentOptimal, present.OldLayout)
	assert.Equal(t, vk.ImageLayoutPresentSrc, present.NewLayout)

	first := cmd.events[0].image
	assert.Equal(t, vk.ImageLayoutUndefined, first.OldLayout)
	assert.Equal(t, topOfPipe, first.SrcStage)
	assert.Zero(t, first.SrcAccess)
}

func TestLayoutsChainAcrossPasses(t *testing.T) {
	g, _, bb := newTestGraph()
	noise := g.AddAttachment(NewAttachmentBuilder(AttachmentUsageStorage).WithFormat(vk.FormatR8g8b8a8Unorm))
	depth := g.AddAttachment(NewAttachmentBuilder(AttachmentUsageDepth))

	gen := g.AddCompute("gen", computeProgram("gen"))
	noise1 := gen.AddStorageOutput(0, noise, "noise", WholeRange)
	gen.SetRecordFunction(markRecord("gen"))

	blit := g.AddGraphics("blit", graphicsProgram("blit"))
	blit.AddColorTextureInput(0, noise1, "noise")
	blit.AddColorOutput(bb, "backbuffer", BlendOpaque)
	blit.SetDepthOutput(depth, "depth")
	blit.SetRecordFunction(markRecord("blit"))

	require.NoError(t, g.Compile())
	cmd := &recorder{}
	require.NoError(t, g.Record(0, cmd))

	noiseImage, err := g.GetImage(0, noise)
	require.NoError(t, err)

	var layouts [][2]vk.ImageLayout
	for _, e := range cmd.events {
		if e.op == "image-barrier" && e.image.Image == noiseImage {
			layouts = append(layouts, [2]vk.ImageLayout{e.image.OldLayout, e.image.NewLayout})
		}
	}
	assert.Equal(t, [][2]vk.ImageLayout{
		{vk.ImageLayoutUndefined, vk.ImageLayoutGeneral},
		{vk.ImageLayoutGeneral, vk.ImageLayoutShaderReadOnlyOptimal},
	}, layouts)

	imgs := g.frames[0].images
	require.NotEmpty(t, imgs)
	usage := imgs[g.imageIndex[noise.ID]].(*fakeImage).desc.Usage
	assert.NotZero(t, usage&vk.ImageUsageFlags(vk.ImageUsageSampledBit), "sampling implies sampled usage")
	assert.NotZero(t, usage&vk.ImageUsageFlags(vk.ImageUsageStorageBit))
}

func TestDescriptorWrites(t *testing.T) {
	g, _, _ := newTestGraph()
	buf := g.AddStorage(NewStorageBuilder(512))
	hdr := g.AddAttachment(NewAttachmentBuilder(AttachmentUsageColor).WithFormat(vk.FormatR16g16b16a16Sfloat))

	p := g.AddCompute("tonemap", computeProgram("tonemap"))
	p.AddColorTextureInput(1, hdr.next(), "hdr")
	p.AddStorageOutput(0, buf, "histogram", Range{Offset: 256, Size: 128})
	p.SetRecordFunction(markRecord("tonemap"))

	require.NoError(t, g.Compile())

	bindings := p.Bindings()
	require.Len(t, bindings, 2)
	assert.Equal(t, vk.DescriptorTypeStorageBuffer, bindings[0].Type)
	assert.Equal(t, vk.DescriptorTypeCombinedImageSampler, bindings[1].Type)

	require.Len(t, p.sets, 2)
	for frame, set := range p.sets {
		writes := set.(*fakeSet).writes
		require.Len(t, writes, 2, "frame %d", frame)

		physical, err := g.GetStorage(uint32(frame), buf)
		require.NoError(t, err)
		assert.Same(t, physical, writes[0].Buffer)
		assert.Equal(t, uint64(256), writes[0].Offset)
		assert.Equal(t, uint64(128), writes[0].Range)

		assert.Equal(t, uint32(1), writes[1].Binding)
		assert.NotNil(t, writes[1].Sampler)
		assert.Equal(t, vk.ImageLayoutShaderReadOnlyOptimal, writes[1].Layout)
	}
}

func TestLinkMergesProgramBindings(t *testing.T) {
	g, _, _ := newTestGraph()
	buf := g.AddStorage(NewStorageBuilder(64))

	program := computeProgram("sim")
	program.bindings = []Binding{
		{Slot: 0, Type: vk.DescriptorTypeStorageBuffer, Stages: vk.ShaderStageFlags(vk.ShaderStageComputeBit)},
		{Slot: 3, Type: vk.DescriptorTypeUniformBuffer, Stages: vk.ShaderStageFlags(vk.ShaderStageComputeBit)},
	}
	p := g.AddCompute("sim", program)
	p.AddStorageOutput(0, buf, "state", WholeRange)
	p.SetRecordFunction(markRecord("sim"))

	require.NoError(t, g.Compile())
	bindings := p.Bindings()
	require.Len(t, bindings, 2)
	assert.Equal(t, uint32(3), bindings[1].Slot)
	assert.Equal(t, uint32(1), bindings[1].Count)
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name  string
		build func(g *RenderGraph, bb Handle)
		want  error
	}{
		{
			name: "missing record function",
			build: func(g *RenderGraph, bb Handle) {
				g.AddCompute("idle", computeProgram("idle"))
			},
			want: ErrNoRecordFunc,
		},
		{
			name: "graphics pass without depth",
			build: func(g *RenderGraph, bb Handle) {
				p := g.AddGraphics("flat", graphicsProgram("flat"))
				p.AddColorOutput(bb, "backbuffer", BlendOpaque)
				p.SetRecordFunction(markRecord("flat"))
			},
			want: ErrNoDepthOutput,
		},
		{
			name: "sampled backbuffer",
			build: func(g *RenderGraph, bb Handle) {
				p := g.AddCompute("peek", computeProgram("peek"))
				p.AddColorTextureInput(0, bb, "backbuffer")
				p.SetRecordFunction(markRecord("peek"))
			},
			want: ErrSampledBackbuffer,
		},
		{
			name: "indirect arguments from an attachment",
			build: func(g *RenderGraph, bb Handle) {
				p := g.AddCompute("bad", computeProgram("bad"))
				p.AddStorageInputIndirect(bb, "backbuffer", WholeRange)
				p.SetRecordFunction(markRecord("bad"))
			},
			want: ErrWrongHandleKind,
		},
		{
			name: "color output to a storage",
			build: func(g *RenderGraph, bb Handle) {
				buf := g.AddStorage(NewStorageBuilder(64))
				depth := g.AddAttachment(NewAttachmentBuilder(AttachmentUsageDepth))
				p := g.AddGraphics("bad", graphicsProgram("bad"))
				p.AddColorOutput(buf, "buf", BlendOpaque)
				p.SetDepthOutput(depth, "depth")
				p.SetRecordFunction(markRecord("bad"))
			},
			want: ErrWrongHandleKind,
		},
		{
			name: "conflicting bindings",
			build: func(g *RenderGraph, bb Handle) {
				buf := g.AddStorage(NewStorageBuilder(64))
				img := g.AddAttachment(NewAttachmentBuilder(AttachmentUsageColor))
				p := g.AddCompute("clash", computeProgram("clash"))
				p.AddStorageInput(0, buf.next(), "buf", WholeRange)
				p.AddColorTextureInput(0, img.next(), "img")
				p.SetRecordFunction(markRecord("clash"))
			},
			want: ErrBindingConflict,
		},
		{
			name: "handle from another graph",
			build: func(g *RenderGraph, bb Handle) {
				p := g.AddCompute("stray", computeProgram("stray"))
				p.AddStorageInput(0, Handle{ID: 42, Kind: ResourceKindStorage, State: 1}, "stray", WholeRange)
				p.SetRecordFunction(markRecord("stray"))
			},
			want: ErrUnknownHandle,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _, bb := newTestGraph()
			tt.build(g, bb)
			err := g.Compile()
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestFrameAndHandleChecks(t *testing.T) {
	g, _, bb := newTestGraph()
	buf := g.AddStorage(NewStorageBuilder(64))
	depth := g.AddAttachment(NewAttachmentBuilder(AttachmentUsageDepth))

	draw := g.AddGraphics("draw", graphicsProgram("draw"))
	draw.AddColorOutput(bb, "backbuffer", BlendOpaque)
	draw.SetDepthOutput(depth, "depth")
	draw.SetRecordFunction(markRecord("draw"))

	require.ErrorIs(t, g.Record(0, &recorder{}), ErrNotCompiled)
	require.NoError(t, g.Compile())

	_, err := g.GetImage(2, depth)
	assert.ErrorIs(t, err, ErrFrameOutOfRange)
	_, err = g.GetImage(0, buf)
	assert.ErrorIs(t, err, ErrWrongHandleKind)
	_, err = g.GetStorage(0, depth)
	assert.ErrorIs(t, err, ErrWrongHandleKind)
	assert.ErrorIs(t, g.Record(2, &recorder{}), ErrFrameOutOfRange)

	img, err := g.GetImage(1, bb)
	require.NoError(t, err)
	assert.Same(t, g.backbuffer.swapchain.Image(1), img)
	assert.True(t, g.IsBackBuffer(bb))
	assert.False(t, g.IsBackBuffer(depth))
}

func TestExternalBackbufferImage(t *testing.T) {
	dev := newFakeDevice()
	g := New(dev, Config{FramesInFlight: 3})
	target := &fakeImage{desc: ImageDesc{Extent: vk.Extent2D{Width: 256, Height: 256}, Format: vk.FormatR8g8b8a8Unorm}}
	bb := g.AddAttachment(NewAttachmentBuilder(AttachmentUsageColor))
	g.SetBackbufferImage(target, bb)
	depth := g.AddAttachment(NewAttachmentBuilder(AttachmentUsageDepth))

	draw := g.AddGraphics("offscreen", graphicsProgram("offscreen"))
	draw.AddColorOutput(bb, "target", BlendOpaque)
	draw.SetDepthOutput(depth, "depth")
	draw.SetRecordFunction(markRecord("offscreen"))
	require.NoError(t, g.Compile())

	assert.Equal(t, uint32(3), g.FramesInFlight())
	for frame := uint32(0); frame < 3; frame++ {
		img, err := g.GetImage(frame, bb)
		require.NoError(t, err)
		assert.Same(t, target, img)
	}

	cmd := &recorder{}
	require.NoError(t, g.Record(2, cmd))
	last := cmd.events[len(cmd.events)-1]
	assert.Equal(t, "end-rendering", last.op, "no present transition without a swapchain")
}

func TestColorInputOutputLoads(t *testing.T) {
	g, _, bb := newTestGraph()
	depth := g.AddAttachment(NewAttachmentBuilder(AttachmentUsageDepth))

	scene := g.AddGraphics("scene", graphicsProgram("scene"))
	bb1 := scene.AddColorOutput(bb, "backbuffer", BlendOpaque)
	depth1 := scene.SetDepthOutput(depth, "depth")
	scene.SetRecordFunction(markRecord("scene"))

	ui := g.AddGraphics("ui", graphicsProgram("ui"))
	ui.AddColorInputOutput(bb1, "backbuffer", "backbuffer", BlendAlpha)
	ui.SetDepthInput(depth1, "depth")
	ui.SetRecordFunction(markRecord("ui"))

	require.NoError(t, g.Compile())
	assert.Equal(t, []string{"scene", "ui"}, g.Order())
	assert.False(t, ui.PipelineConfig().DepthWrite)

	cmd := &recorder{}
	require.NoError(t, g.Record(0, cmd))

	infos := []*RenderingInfo{}
	for _, e := range cmd.events {
		if e.op == "begin-rendering" {
			infos = append(infos, e.render)
		}
	}
	require.Len(t, infos, 2)
	assert.Equal(t, vk.AttachmentLoadOpClear, infos[0].Colors[0].LoadOp)
	assert.Equal(t, vk.AttachmentLoadOpLoad, infos[1].Colors[0].LoadOp)
	assert.Equal(t, vk.AttachmentLoadOpLoad, infos[1].Depth.LoadOp)
	assert.Equal(t, vk.ImageLayoutDepthStencilReadOnlyOptimal, infos[1].Depth.Layout)
}

func TestReload(t *testing.T) {
	g, dev, _ := newTestGraph()
	buf := g.AddStorage(NewStorageBuilder(64))
	program := computeProgram("sim")
	p := g.AddCompute("sim", program)
	p.AddStorageOutput(0, buf, "state", WholeRange)
	p.SetRecordFunction(markRecord("sim"))
	assert.Equal(t, program, p.Program())

	require.ErrorIs(t, g.Reload("missing"), ErrUnknownPass)
	require.NoError(t, g.Compile())

	before := p.Pipeline()
	live := dev.live
	require.NoError(t, g.Reload("sim"))
	assert.NotSame(t, before, p.Pipeline())
	assert.Equal(t, live, dev.live, "the old pipeline is destroyed")
	assert.Equal(t, []string{"sim"}, g.Order())
}

func TestFailedRebuildStopsRecording(t *testing.T) {
	build := func() (*RenderGraph, *fakeDevice) {
		g, dev, bb := newTestGraph()
		hdr := g.AddAttachment(NewAttachmentBuilder(AttachmentUsageColor | AttachmentUsageSampled))

		scene := g.AddGraphics("scene", graphicsProgram("scene"))
		hdr1 := scene.AddColorOutput(hdr, "hdr", BlendOpaque)
		scene.SetDepthOutput(g.AddAttachment(NewAttachmentBuilder(AttachmentUsageDepth)), "scene_depth")
		scene.SetRecordFunction(markRecord("scene"))

		composite := g.AddGraphics("composite", graphicsProgram("composite"))
		composite.AddColorTextureInput(0, hdr1, "hdr")
		composite.AddColorOutput(bb, "backbuffer", BlendOpaque)
		composite.SetDepthOutput(g.AddAttachment(NewAttachmentBuilder(AttachmentUsageDepth)), "composite_depth")
		composite.SetRecordFunction(markRecord("composite"))

		require.NoError(t, g.Compile())
		require.NoError(t, g.Record(0, &recorder{}))
		return g, dev
	}

	t.Run("compile", func(t *testing.T) {
		g, dev := build()
		dev.failImage = true
		require.Error(t, g.Compile())
		assert.ErrorIs(t, g.Record(0, &recorder{}), ErrNotCompiled)

		dev.failImage = false
		require.NoError(t, g.Compile())
		assert.NoError(t, g.Record(0, &recorder{}))
	})

	t.Run("resize", func(t *testing.T) {
		g, dev := build()
		dev.failImage = true
		require.Error(t, g.Resize(vk.Extent2D{Width: 100, Height: 100}))
		assert.ErrorIs(t, g.Record(0, &recorder{}), ErrNotCompiled)
		assert.ErrorIs(t, g.Record(1, &recorder{}), ErrNotCompiled)
	})

	t.Run("reload", func(t *testing.T) {
		g, dev := build()
		dev.failPipeline = true
		require.Error(t, g.Reload("scene"))
		assert.ErrorIs(t, g.Record(0, &recorder{}), ErrNotCompiled)

		dev.failPipeline = false
		require.NoError(t, g.Compile())
		assert.NoError(t, g.Record(0, &recorder{}))
	})
}

func TestDestroyReleasesEverything(t *testing.T) {
	g, dev, bb := newTestGraph()
	buf := g.AddStorage(NewStorageBuilder(64).WithLocation(MemoryLocationHost))
	hdr := g.AddAttachment(NewAttachmentBuilder(AttachmentUsageColor))
	depth := g.AddAttachment(NewAttachmentBuilder(AttachmentUsageDepth))

	sim := g.AddCompute("sim", computeProgram("sim"))
	buf1 := sim.AddStorageOutput(0, buf, "state", WholeRange)
	sim.SetRecordFunction(markRecord("sim"))

	scene := g.AddGraphics("scene", graphicsProgram("scene"))
	scene.AddStorageInput(0, buf1, "state", WholeRange)
	hdr1 := scene.AddColorOutput(hdr, "hdr", BlendOpaque)
	depth1 := scene.SetDepthOutput(depth, "depth")
	scene.SetRecordFunction(markRecord("scene"))

	post := g.AddCompute("post", computeProgram("post"))
	post.AddColorTextureInput(0, hdr1, "hdr")
	post.SetRecordFunction(markRecord("post"))

	final := g.AddGraphics("final", graphicsProgram("final"))
	final.AddColorOutput(bb, "backbuffer", BlendOpaque)
	final.SetDepthInputOutput(depth1, "depth", "depth")
	final.SetRecordFunction(markRecord("final"))

	require.NoError(t, g.Compile())
	require.NotZero(t, dev.live)
	require.NoError(t, g.Resize(vk.Extent2D{Width: 800, Height: 600}))
	require.NoError(t, g.Record(1, &recorder{}))

	g.Destroy()
	assert.Zero(t, dev.live)
}
