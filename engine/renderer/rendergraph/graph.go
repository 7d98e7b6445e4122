package rendergraph

import (
	"fmt"
	"strings"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/rendergraph/engine/core"
)

type Config struct {
	// FramesInFlight is the number of copies of every graph owned resource.
	// Ignored when the backbuffer is a swapchain: one copy per swapchain image
	// is used instead.
	FramesInFlight uint32
}

func DefaultConfig() Config {
	return Config{
		FramesInFlight: 2,
	}
}

type backbuffer struct {
	handle    Handle
	swapchain Swapchain
	image     Image
}

// frameResources holds the physical resources of one frame in flight, indexed
// through RenderGraph.imageIndex and RenderGraph.bufferIndex.
type frameResources struct {
	images  []Image
	buffers []Buffer
}

// RenderGraph owns logical resources, passes and the physical resources
// backing them. Build it with AddAttachment/AddStorage/AddCompute/AddGraphics,
// bind a backbuffer, Compile once, then Record every frame.
type RenderGraph struct {
	device Device
	config Config
	ids    *core.IDGenerator

	attachments map[uint64]*AttachmentBuilder
	storages    map[uint64]*StorageBuilder
	// declaration order, keeps allocation deterministic
	resources []Handle

	imageIndex  map[uint64]int
	bufferIndex map[uint64]int
	frames      []frameResources

	// passes in registration order; order indexes them in execution order
	passes []*Pass
	order  []int

	backbuffer *backbuffer
	extent     vk.Extent2D
	// last edge touching the backbuffer in execution order
	backbufferLast *PassAttachment
	compiled       bool
}

func New(device Device, config Config) *RenderGraph {
	if config.FramesInFlight == 0 {
		config.FramesInFlight = DefaultConfig().FramesInFlight
	}
	return &RenderGraph{
		device:      device,
		config:      config,
		ids:         core.NewIDGenerator(),
		attachments: make(map[uint64]*AttachmentBuilder),
		storages:    make(map[uint64]*StorageBuilder),
		imageIndex:  make(map[uint64]int),
		bufferIndex: make(map[uint64]int),
	}
}

// AddAttachment declares a logical image. Size and format defaults are
// resolved at Compile time.
func (g *RenderGraph) AddAttachment(b AttachmentBuilder) Handle {
	h := Handle{ID: g.ids.Next(), Kind: ResourceKindAttachment}
	g.attachments[h.ID] = &b
	g.resources = append(g.resources, h)
	g.compiled = false
	return h
}

// AddStorage declares a logical buffer.
func (g *RenderGraph) AddStorage(b StorageBuilder) Handle {
	h := Handle{ID: g.ids.Next(), Kind: ResourceKindStorage}
	g.storages[h.ID] = &b
	g.resources = append(g.resources, h)
	g.compiled = false
	return h
}

// Attachment returns the builder of an attachment, with formats backfilled
// once the graph compiled.
func (g *RenderGraph) Attachment(h Handle) (AttachmentBuilder, bool) {
	b, ok := g.attachments[h.ID]
	if !ok {
		return AttachmentBuilder{}, false
	}
	return *b, true
}

func (g *RenderGraph) Storage(h Handle) (StorageBuilder, bool) {
	b, ok := g.storages[h.ID]
	if !ok {
		return StorageBuilder{}, false
	}
	return *b, true
}

// SetBackbuffer binds h to the images of a swapchain.
func (g *RenderGraph) SetBackbuffer(swapchain Swapchain, h Handle) {
	g.backbuffer = &backbuffer{handle: h, swapchain: swapchain}
	g.extent = swapchain.Extent()
}

// SetBackbufferImage binds h to a single externally owned image, shared by
// every frame in flight.
func (g *RenderGraph) SetBackbufferImage(image Image, h Handle) {
	g.backbuffer = &backbuffer{handle: h, image: image}
	g.extent = image.Extent()
}

func (g *RenderGraph) IsBackBuffer(h Handle) bool {
	return g.backbuffer != nil && g.backbuffer.handle.ID == h.ID
}

func (g *RenderGraph) FramesInFlight() uint32 {
	if g.backbuffer != nil && g.backbuffer.swapchain != nil {
		return g.backbuffer.swapchain.ImageCount()
	}
	return g.config.FramesInFlight
}

// Extent is the current backbuffer size.
func (g *RenderGraph) Extent() vk.Extent2D {
	return g.extent
}

func (g *RenderGraph) backbufferFormat() vk.Format {
	if g.backbuffer == nil {
		return vk.FormatUndefined
	}
	if g.backbuffer.swapchain != nil {
		return g.backbuffer.swapchain.Format()
	}
	return g.backbuffer.image.Format()
}

func (g *RenderGraph) attachmentFormat(id uint64) vk.Format {
	if g.backbuffer != nil && g.backbuffer.handle.ID == id {
		return g.backbufferFormat()
	}
	if b, ok := g.attachments[id]; ok {
		return b.Format
	}
	return vk.FormatUndefined
}

func (g *RenderGraph) addPass(p *Pass) {
	g.passes = append(g.passes, p)
	g.compiled = false
}

// AddCompute appends a compute pass running program.
func (g *RenderGraph) AddCompute(name string, program Program) *ComputePass {
	p := newPass(g, name, program)
	cp := &ComputePass{Pass: p}
	p.variant = cp
	g.addPass(p)
	return cp
}

// AddGraphics appends a graphics pass running program.
func (g *RenderGraph) AddGraphics(name string, program Program) *GraphicsPass {
	p := newPass(g, name, program)
	gp := &GraphicsPass{
		Pass:       p,
		config:     newGraphicsPipelineBuilder(),
		clearDepth: 1.0,
	}
	p.variant = gp
	g.addPass(p)
	return gp
}

// Pass looks a pass up by name.
func (g *RenderGraph) Pass(name string) (*Pass, bool) {
	for _, p := range g.passes {
		if p.name == name {
			return p, true
		}
	}
	return nil, false
}

// Order returns the pass names in execution order. Before Compile it is the
// registration order.
func (g *RenderGraph) Order() []string {
	names := make([]string, 0, len(g.passes))
	if !g.compiled {
		for _, p := range g.passes {
			names = append(names, p.name)
		}
		return names
	}
	for _, idx := range g.order {
		names = append(names, g.passes[idx].name)
	}
	return names
}

func (g *RenderGraph) knows(h Handle) bool {
	if h.Kind == ResourceKindAttachment {
		_, ok := g.attachments[h.ID]
		return ok
	}
	_, ok := g.storages[h.ID]
	return ok
}

func (g *RenderGraph) validate() error {
	for _, p := range g.passes {
		if p.err != nil {
			return p.err
		}
		if p.record == nil {
			return fmt.Errorf("%w: %q", ErrNoRecordFunc, p.name)
		}
		if err := p.variant.validate(); err != nil {
			return err
		}
		for _, e := range p.textureInputs {
			if g.IsBackBuffer(e.Handle) {
				return fmt.Errorf("%w: pass %q samples %q", ErrSampledBackbuffer, p.name, e.Name)
			}
		}
		for _, h := range p.handles() {
			if !g.knows(h) {
				return fmt.Errorf("%w: pass %q uses %s", ErrUnknownHandle, p.name, h)
			}
		}
	}
	return nil
}

// Compile sorts the passes, resolves layout transitions, allocates the
// physical resources and compiles every pass. Compiling again without new
// declarations reproduces the same order.
func (g *RenderGraph) Compile() error {
	if g.backbuffer == nil {
		core.LogError(ErrNoBackbuffer.Error())
		return ErrNoBackbuffer
	}
	if err := g.validate(); err != nil {
		core.LogError(err.Error())
		return err
	}

	order, err := topologicalSort(g.passes)
	if err != nil {
		core.LogError(err.Error())
		return err
	}
	order = reorderForOverlap(g.passes, order)

	g.compiled = false
	g.releasePasses()
	g.order = order
	g.resolveLayouts()

	if err := g.createRenderTarget(); err != nil {
		core.LogError(err.Error())
		return err
	}

	for _, idx := range g.order {
		p := g.passes[idx]
		if err := p.compile(); err != nil {
			err = fmt.Errorf("compile pass %q: %w", p.name, err)
			core.LogError(err.Error())
			return err
		}
		core.LogDebug("pass %q (%s) compiled with %d bindings", p.name, p.Kind(), len(p.bindings))
	}

	g.compiled = true
	core.LogInfo("render graph %s compiled: %s", g.ids.Namespace(), strings.Join(g.Order(), " -> "))
	return nil
}

// resolveLayouts chains image layouts along the execution order: the initial
// layout of an edge is the layout the previous user left the image in.
func (g *RenderGraph) resolveLayouts() {
	last := make(map[uint64]*PassAttachment)
	for _, idx := range g.order {
		for _, e := range g.passes[idx].imageEdges() {
			e.InitialLayout = vk.ImageLayoutUndefined
			if prev, ok := last[e.Handle.ID]; ok {
				e.InitialLayout = prev.Layout
			}
			last[e.Handle.ID] = e
		}
	}
	g.backbufferLast = nil
	if g.backbuffer != nil {
		g.backbufferLast = last[g.backbuffer.handle.ID]
	}
}

func (g *RenderGraph) impliedImageUsage(id uint64) vk.ImageUsageFlags {
	var usage AttachmentUsage
	for _, p := range g.passes {
		for _, e := range p.textureInputs {
			if e.Handle.ID == id {
				usage |= AttachmentUsageSampled
			}
		}
		for _, e := range append(append([]*PassAttachment{}, p.colorInputs...), p.colorOutputs...) {
			if e.Handle.ID == id {
				usage |= AttachmentUsageColor
			}
		}
		for _, e := range []*PassAttachment{p.depthInput, p.depthOutput} {
			if e != nil && e.Handle.ID == id {
				usage |= AttachmentUsageDepth
			}
		}
		for _, e := range append(append([]*PassAttachment{}, p.storageImageInputs...), p.storageImageOutputs...) {
			if e.Handle.ID == id {
				usage |= AttachmentUsageStorage
			}
		}
	}
	return usage.imageUsage()
}

func (g *RenderGraph) impliedBufferUsage(id uint64) vk.BufferUsageFlags {
	var usage vk.BufferUsageFlags
	for _, p := range g.passes {
		for _, e := range p.indirectInputs {
			if e.Handle.ID == id {
				usage |= vk.BufferUsageFlags(vk.BufferUsageIndirectBufferBit)
			}
		}
	}
	return usage
}

func (g *RenderGraph) resourceName(h Handle) string {
	for _, p := range g.passes {
		for _, e := range p.imageEdges() {
			if e.Handle.ID == h.ID && e.Name != "" {
				return e.Name
			}
		}
		for _, e := range append(p.bufferInputs(), p.storageOutputs...) {
			if e.Handle.ID == h.ID && e.Name != "" {
				return e.Name
			}
		}
	}
	return h.String()
}

// createRenderTarget allocates one copy of every graph owned resource per
// frame in flight. The backbuffer is skipped, it belongs to its owner.
func (g *RenderGraph) createRenderTarget() error {
	g.releaseResources()

	frames := g.FramesInFlight()
	g.frames = make([]frameResources, frames)
	g.imageIndex = make(map[uint64]int)
	g.bufferIndex = make(map[uint64]int)

	for _, h := range g.resources {
		switch h.Kind {
		case ResourceKindAttachment:
			if g.IsBackBuffer(h) {
				continue
			}
			b := g.attachments[h.ID]
			if b.Format == vk.FormatUndefined {
				if b.Usage.Has(AttachmentUsageDepth) {
					b.Format = g.device.DepthFormat()
				} else {
					b.Format = g.backbufferFormat()
				}
			}
			extent := g.extent
			if b.Extent != nil {
				extent = *b.Extent
			}
			desc := ImageDesc{
				Name:      g.resourceName(h),
				Extent:    extent,
				Format:    b.Format,
				Usage:     b.Usage.imageUsage() | g.impliedImageUsage(h.ID),
				MipLevels: b.MipLevels,
				Samples:   b.Samples,
				Tiling:    b.Tiling,
				Mappable:  b.Mappable,
			}
			g.imageIndex[h.ID] = len(g.frames[0].images)
			for f := range g.frames {
				img, err := g.device.NewImage(desc)
				if err != nil {
					return fmt.Errorf("image %q for frame %d: %w", desc.Name, f, err)
				}
				g.frames[f].images = append(g.frames[f].images, img)
			}

		case ResourceKindStorage:
			b := g.storages[h.ID]
			desc := BufferDesc{
				Name:     g.resourceName(h),
				Size:     core.AlignUp(b.Size, g.device.Alignment(vk.DescriptorTypeStorageBuffer)),
				Usage:    b.Usage | g.impliedBufferUsage(h.ID),
				Location: b.Location,
				Mappable: b.Mappable,
			}
			g.bufferIndex[h.ID] = len(g.frames[0].buffers)
			for f := range g.frames {
				buf, err := g.device.NewBuffer(desc)
				if err != nil {
					return fmt.Errorf("buffer %q for frame %d: %w", desc.Name, f, err)
				}
				g.frames[f].buffers = append(g.frames[f].buffers, buf)
			}
		}
	}
	return nil
}

func (g *RenderGraph) checkFrame(frame uint32) error {
	if frame >= g.FramesInFlight() {
		return fmt.Errorf("%w: %d >= %d", ErrFrameOutOfRange, frame, g.FramesInFlight())
	}
	return nil
}

func (g *RenderGraph) image(frame uint32, id uint64) (Image, error) {
	if err := g.checkFrame(frame); err != nil {
		return nil, err
	}
	if bb := g.backbuffer; bb != nil && bb.handle.ID == id {
		if bb.swapchain != nil {
			return bb.swapchain.Image(frame), nil
		}
		return bb.image, nil
	}
	idx, ok := g.imageIndex[id]
	if !ok || int(frame) >= len(g.frames) {
		return nil, fmt.Errorf("%w: attachment %016x has no physical image", ErrUnknownHandle, id)
	}
	return g.frames[frame].images[idx], nil
}

func (g *RenderGraph) buffer(frame uint32, id uint64) (Buffer, error) {
	if err := g.checkFrame(frame); err != nil {
		return nil, err
	}
	idx, ok := g.bufferIndex[id]
	if !ok || int(frame) >= len(g.frames) {
		return nil, fmt.Errorf("%w: storage %016x has no physical buffer", ErrUnknownHandle, id)
	}
	return g.frames[frame].buffers[idx], nil
}

// GetImage resolves an attachment handle to the physical image of a frame.
// The backbuffer resolves to its external image.
func (g *RenderGraph) GetImage(frame uint32, h Handle) (Image, error) {
	if h.Kind != ResourceKindAttachment {
		return nil, fmt.Errorf("%w: GetImage expects an attachment, got %s", ErrWrongHandleKind, h)
	}
	return g.image(frame, h.ID)
}

// GetStorage resolves a storage handle to the physical buffer of a frame.
func (g *RenderGraph) GetStorage(frame uint32, h Handle) (Buffer, error) {
	if h.Kind != ResourceKindStorage {
		return nil, fmt.Errorf("%w: GetStorage expects a storage, got %s", ErrWrongHandleKind, h)
	}
	return g.buffer(frame, h.ID)
}

// Record records every pass, in execution order, into cmd.
func (g *RenderGraph) Record(frame uint32, cmd CommandBuffer) error {
	if !g.compiled {
		return ErrNotCompiled
	}
	if err := g.checkFrame(frame); err != nil {
		return err
	}
	for _, idx := range g.order {
		p := g.passes[idx]
		if err := p.recordCommands(frame, cmd); err != nil {
			return fmt.Errorf("record pass %q: %w", p.name, err)
		}
	}
	return g.presentBarrier(frame, cmd)
}

// presentBarrier hands swapchain images over to the presentation engine.
func (g *RenderGraph) presentBarrier(frame uint32, cmd CommandBuffer) error {
	if g.backbuffer.swapchain == nil || g.backbufferLast == nil {
		return nil
	}
	img, err := g.image(frame, g.backbuffer.handle.ID)
	if err != nil {
		return err
	}
	last := g.backbufferLast
	cmd.ImageBarrier(ImageBarrier{
		Image:     img,
		Aspect:    colorAspect,
		OldLayout: last.Layout,
		NewLayout: vk.ImageLayoutPresentSrc,
		SrcAccess: last.TargetAccess,
		DstAccess: 0,
		SrcStage:  last.TargetStage,
		DstStage:  bottomOfPipe,
	})
	return nil
}

// Resize reallocates the physical resources for a new backbuffer size.
// Pass order and handles are untouched. On failure the graph must be
// compiled again before it records.
func (g *RenderGraph) Resize(extent vk.Extent2D) error {
	g.extent = extent
	if !g.compiled {
		return nil
	}
	for _, idx := range g.order {
		g.passes[idx].releaseViews()
	}
	if err := g.createRenderTarget(); err != nil {
		g.compiled = false
		core.LogError(err.Error())
		return err
	}
	frames := int(g.FramesInFlight())
	for _, idx := range g.order {
		p := g.passes[idx]
		var err error
		if len(p.sets) != frames {
			// the swapchain came back with a different image count
			err = p.compile()
		} else {
			err = p.resize()
		}
		if err != nil {
			g.compiled = false
			err = fmt.Errorf("resize pass %q: %w", p.name, err)
			core.LogError(err.Error())
			return err
		}
	}
	core.LogDebug("render graph resized to %dx%d", extent.Width, extent.Height)
	return nil
}

// Reload rebuilds the pipeline of one pass, e.g. after its shaders changed
// on disk. Order and resources are kept. A failed rebuild leaves the pass
// without a pipeline, so the graph stops recording until it compiles again.
func (g *RenderGraph) Reload(name string) error {
	p, ok := g.Pass(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPass, name)
	}
	if !g.compiled {
		return nil
	}
	if err := p.variant.build(); err != nil {
		g.compiled = false
		core.LogError(err.Error())
		return err
	}
	core.LogInfo("pass %q reloaded", name)
	return nil
}

func (g *RenderGraph) releasePasses() {
	for _, p := range g.passes {
		p.release()
	}
}

func (g *RenderGraph) releaseResources() {
	for _, fr := range g.frames {
		for _, img := range fr.images {
			img.Destroy()
		}
		for _, buf := range fr.buffers {
			buf.Destroy()
		}
	}
	g.frames = nil
}

// Destroy releases every pass and graph owned resource. The backbuffer is
// left to its owner.
func (g *RenderGraph) Destroy() {
	g.releasePasses()
	g.releaseResources()
	g.compiled = false
}
