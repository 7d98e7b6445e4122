package rendergraph

import (
	"fmt"
	"sort"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/rendergraph/engine/core"
)

type PassKind uint8

const (
	PassKindCompute PassKind = iota
	PassKindGraphics
)

func (k PassKind) String() string {
	switch k {
	case PassKindCompute:
		return "compute"
	case PassKindGraphics:
		return "graphics"
	}
	return fmt.Sprintf("PassKind(%d)", uint8(k))
}

// RecordFunc records the work of a pass. It runs once per frame, after the
// pass emitted its barriers, with the descriptor set of that frame.
type RecordFunc func(frame uint32, set DescriptorSet, cmd CommandBuffer) error

// variant is the closed set of pass flavours. Only *ComputePass and
// *GraphicsPass implement it.
type variant interface {
	kind() PassKind
	validate() error
	build() error
	begin(frame uint32, cmd CommandBuffer) error
	end(cmd CommandBuffer)
	releasePipeline()
}

// Pass is a node of the render graph. It is created by the graph through
// AddCompute or AddGraphics and lives as long as the graph.
type Pass struct {
	name    string
	graph   *RenderGraph
	program Program
	variant variant
	// first configuration error, reported by Compile
	err error

	textureInputs       []*PassAttachment
	colorInputs         []*PassAttachment
	depthInput          *PassAttachment
	storageImageInputs  []*PassAttachment
	storageInputs       []*PassStorage
	indirectInputs      []*PassStorage
	colorOutputs        []*PassAttachment
	depthOutput         *PassAttachment
	storageImageOutputs []*PassAttachment
	storageOutputs      []*PassStorage

	bindings map[uint32]Binding
	layout   DescriptorLayout
	pool     DescriptorPool
	sets     []DescriptorSet
	sampler  Sampler
	record   RecordFunc
}

func newPass(g *RenderGraph, name string, program Program) *Pass {
	return &Pass{
		name:     name,
		graph:    g,
		program:  program,
		bindings: make(map[uint32]Binding),
	}
}

func (p *Pass) Name() string {
	return p.name
}

func (p *Pass) Kind() PassKind {
	return p.variant.kind()
}

func (p *Pass) Program() Program {
	return p.program
}

// Err returns the first configuration error recorded on the pass.
func (p *Pass) Err() error {
	return p.err
}

func (p *Pass) fail(err error) {
	if p.err != nil {
		return
	}
	p.err = fmt.Errorf("pass %q: %w", p.name, err)
	core.LogError(p.err.Error())
}

func (p *Pass) expectKind(h Handle, kind ResourceKind, op string) bool {
	if h.Kind != kind {
		p.fail(fmt.Errorf("%w: %s expects a %s handle, got %s", ErrWrongHandleKind, op, kind, h))
		return false
	}
	return true
}

// shaderStages are the shader stages that see the descriptors of this pass.
func (p *Pass) shaderStages() vk.ShaderStageFlags {
	if p.variant.kind() == PassKindCompute {
		return vk.ShaderStageFlags(vk.ShaderStageComputeBit)
	}
	return vk.ShaderStageFlags(vk.ShaderStageVertexBit | vk.ShaderStageFragmentBit)
}

func (p *Pass) textureShaderStages() vk.ShaderStageFlags {
	if p.variant.kind() == PassKindCompute {
		return vk.ShaderStageFlags(vk.ShaderStageComputeBit)
	}
	return vk.ShaderStageFlags(vk.ShaderStageFragmentBit)
}

// consumerStage is the pipeline stage where this pass reads or writes
// shader resources.
func (p *Pass) consumerStage() vk.PipelineStageFlags {
	if p.variant.kind() == PassKindCompute {
		return computeStage
	}
	return rasterStages
}

func (p *Pass) textureStage() vk.PipelineStageFlags {
	if p.variant.kind() == PassKindCompute {
		return computeStage
	}
	return fragmentStage
}

func (p *Pass) addBinding(b Binding) {
	if b.Count == 0 {
		b.Count = 1
	}
	existing, ok := p.bindings[b.Slot]
	if !ok {
		p.bindings[b.Slot] = b
		return
	}
	if existing.Type != b.Type {
		p.fail(fmt.Errorf("%w: slot %d", ErrBindingConflict, b.Slot))
		return
	}
	existing.Stages |= b.Stages
	if b.Count > existing.Count {
		existing.Count = b.Count
	}
	p.bindings[b.Slot] = existing
}

// Bindings returns the descriptor bindings accumulated so far, ordered by slot.
func (p *Pass) Bindings() []Binding {
	out := make([]Binding, 0, len(p.bindings))
	for _, b := range p.bindings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

// Link imports the reflected bindings of a program into the layout of the
// pass, so bindings declared by the shader and by the pass agree.
func (p *Pass) Link(program Program) {
	if program == nil {
		return
	}
	for _, b := range program.Bindings() {
		p.addBinding(b)
	}
}

// SetRecordFunction installs the per-frame callback. A second call replaces
// the first one.
func (p *Pass) SetRecordFunction(fn RecordFunc) {
	p.record = fn
}

// AddColorTextureInput samples a color attachment written earlier.
func (p *Pass) AddColorTextureInput(binding uint32, h Handle, name string) {
	if !p.expectKind(h, ResourceKindAttachment, "AddColorTextureInput") {
		return
	}
	p.textureInputs = append(p.textureInputs, &PassAttachment{
		Handle:       h,
		Name:         name,
		WaitAccess:   colorProducerAccess,
		WaitStage:    colorProducerStage,
		TargetAccess: shaderRead,
		TargetStage:  p.textureStage(),
		Layout:       vk.ImageLayoutShaderReadOnlyOptimal,
		Aspect:       colorAspect,
		Binding:      binding,
	})
	p.addBinding(Binding{Slot: binding, Type: vk.DescriptorTypeCombinedImageSampler, Stages: p.textureShaderStages()})
}

// AddDepthTextureInput samples a depth attachment written earlier.
func (p *Pass) AddDepthTextureInput(binding uint32, h Handle, name string) {
	if !p.expectKind(h, ResourceKindAttachment, "AddDepthTextureInput") {
		return
	}
	p.textureInputs = append(p.textureInputs, &PassAttachment{
		Handle:       h,
		Name:         name,
		WaitAccess:   depthProducerAccess,
		WaitStage:    depthProducerStage,
		TargetAccess: shaderRead,
		TargetStage:  p.textureStage(),
		Layout:       vk.ImageLayoutDepthStencilReadOnlyOptimal,
		Aspect:       depthAspect,
		Binding:      binding,
	})
	p.addBinding(Binding{Slot: binding, Type: vk.DescriptorTypeCombinedImageSampler, Stages: p.textureShaderStages()})
}

// AddStorageInput reads a storage buffer, or a storage image when h is an
// attachment. The producer is assumed to be a shader write.
func (p *Pass) AddStorageInput(binding uint32, h Handle, name string, r Range) {
	if h.Kind == ResourceKindAttachment {
		p.storageImageInputs = append(p.storageImageInputs, &PassAttachment{
			Handle:       h,
			Name:         name,
			WaitAccess:   shaderWrite,
			WaitStage:    anyShaderStage,
			TargetAccess: shaderRead,
			TargetStage:  p.consumerStage(),
			Layout:       vk.ImageLayoutGeneral,
			Aspect:       colorAspect,
			Binding:      binding,
		})
		p.addBinding(Binding{Slot: binding, Type: vk.DescriptorTypeStorageImage, Stages: p.shaderStages()})
		return
	}
	p.storageInputs = append(p.storageInputs, &PassStorage{
		Handle:       h,
		Name:         name,
		WaitAccess:   shaderWrite,
		WaitStage:    computeStage,
		TargetAccess: shaderRead,
		TargetStage:  p.consumerStage(),
		Binding:      binding,
		Range:        r,
	})
	p.addBinding(Binding{Slot: binding, Type: vk.DescriptorTypeStorageBuffer, Stages: p.shaderStages()})
}

// AddStorageInputIndirect reads a buffer as indirect draw or dispatch
// arguments. The buffer is not exposed through the descriptor set.
func (p *Pass) AddStorageInputIndirect(h Handle, name string, r Range) {
	if !p.expectKind(h, ResourceKindStorage, "AddStorageInputIndirect") {
		return
	}
	p.indirectInputs = append(p.indirectInputs, &PassStorage{
		Handle:       h,
		Name:         name,
		WaitAccess:   shaderWrite,
		WaitStage:    computeStage,
		TargetAccess: indirectRead,
		TargetStage:  indirectStage,
		Binding:      Unbound,
		Range:        r,
	})
}

// AddStorageOutput writes a storage buffer, or a storage image when h is an
// attachment. It returns the next version of h; later consumers must use it.
func (p *Pass) AddStorageOutput(binding uint32, h Handle, name string, r Range) Handle {
	out := h.next()
	p.addStorageOutput(binding, out, name, r, shaderWrite)
	return out
}

// AddStorageInputOutput reads and writes the same resource. The version is
// bumped exactly once.
func (p *Pass) AddStorageInputOutput(binding uint32, h Handle, inName, outName string, r Range) Handle {
	p.AddStorageInput(binding, h, inName, r)
	out := h.next()
	p.addStorageOutput(binding, out, outName, r, shaderReadWrite)
	return out
}

func (p *Pass) addStorageOutput(binding uint32, out Handle, name string, r Range, access vk.AccessFlags) {
	if out.Kind == ResourceKindAttachment {
		p.storageImageOutputs = append(p.storageImageOutputs, &PassAttachment{
			Handle:       out,
			Name:         name,
			WaitAccess:   storageHazardAccess,
			WaitStage:    storageHazardStage,
			TargetAccess: access,
			TargetStage:  p.consumerStage(),
			Layout:       vk.ImageLayoutGeneral,
			Aspect:       colorAspect,
			Binding:      binding,
		})
		p.addBinding(Binding{Slot: binding, Type: vk.DescriptorTypeStorageImage, Stages: p.shaderStages()})
		return
	}
	p.storageOutputs = append(p.storageOutputs, &PassStorage{
		Handle:       out,
		Name:         name,
		WaitAccess:   storageHazardAccess,
		WaitStage:    storageHazardStage,
		TargetAccess: access,
		TargetStage:  p.consumerStage(),
		Binding:      binding,
		Range:        r,
	})
	p.addBinding(Binding{Slot: binding, Type: vk.DescriptorTypeStorageBuffer, Stages: p.shaderStages()})
}

func (p *Pass) imageInputs() []*PassAttachment {
	edges := make([]*PassAttachment, 0, len(p.textureInputs)+len(p.colorInputs)+len(p.storageImageInputs)+1)
	edges = append(edges, p.textureInputs...)
	edges = append(edges, p.colorInputs...)
	if p.depthInput != nil {
		edges = append(edges, p.depthInput)
	}
	return append(edges, p.storageImageInputs...)
}

func (p *Pass) bufferInputs() []*PassStorage {
	edges := make([]*PassStorage, 0, len(p.storageInputs)+len(p.indirectInputs))
	edges = append(edges, p.storageInputs...)
	return append(edges, p.indirectInputs...)
}

func (p *Pass) imageOutputs() []*PassAttachment {
	edges := make([]*PassAttachment, 0, len(p.colorOutputs)+len(p.storageImageOutputs)+1)
	edges = append(edges, p.colorOutputs...)
	if p.depthOutput != nil {
		edges = append(edges, p.depthOutput)
	}
	return append(edges, p.storageImageOutputs...)
}

// imageEdges lists every image edge in barrier order.
func (p *Pass) imageEdges() []*PassAttachment {
	return append(p.imageInputs(), p.imageOutputs()...)
}

func (p *Pass) outputHandles() []Handle {
	out := make([]Handle, 0, len(p.colorOutputs)+len(p.storageOutputs)+len(p.storageImageOutputs)+1)
	for _, e := range p.imageOutputs() {
		out = append(out, e.Handle)
	}
	for _, e := range p.storageOutputs {
		out = append(out, e.Handle)
	}
	return out
}

func (p *Pass) handles() []Handle {
	out := p.outputHandles()
	for _, e := range p.imageInputs() {
		out = append(out, e.Handle)
	}
	for _, e := range p.bufferInputs() {
		out = append(out, e.Handle)
	}
	return out
}

// IsDependingOn reports whether a version written by other is read or
// written by p. Versions are matched on both id and state, so touching an
// older version of a resource does not create a dependency on a newer write.
func (p *Pass) IsDependingOn(other *Pass) bool {
	if other == nil || other == p {
		return false
	}
	mine := p.handles()
	for _, out := range other.outputHandles() {
		for _, h := range mine {
			if out.SameVersion(h) {
				return true
			}
		}
	}
	return false
}

func (p *Pass) hasInput(id uint64) bool {
	for _, e := range p.imageInputs() {
		if e.Handle.ID == id {
			return true
		}
	}
	return false
}

func (p *Pass) needsSampler() bool {
	return len(p.textureInputs) > 0
}

func (p *Pass) compile() error {
	if p.record == nil {
		return fmt.Errorf("%w: %q", ErrNoRecordFunc, p.name)
	}
	p.release()
	p.Link(p.program)
	if p.err != nil {
		return p.err
	}

	dev := p.graph.device
	frames := p.graph.FramesInFlight()

	layout, err := dev.NewDescriptorLayout(p.Bindings())
	if err != nil {
		return fmt.Errorf("descriptor layout: %w", err)
	}
	p.layout = layout

	pool, err := dev.NewDescriptorPool(layout, frames)
	if err != nil {
		return fmt.Errorf("descriptor pool: %w", err)
	}
	p.pool = pool

	p.sets = make([]DescriptorSet, frames)
	for i := range p.sets {
		set, err := pool.Allocate()
		if err != nil {
			return fmt.Errorf("descriptor set %d: %w", i, err)
		}
		p.sets[i] = set
	}

	if p.needsSampler() {
		sampler, err := dev.NewSampler()
		if err != nil {
			return fmt.Errorf("sampler: %w", err)
		}
		p.sampler = sampler
	}

	if err := p.populate(); err != nil {
		return err
	}
	return p.variant.build()
}

// resize rebuilds views and descriptor writes against the current physical
// resources. Layout, pool and pipeline are kept.
func (p *Pass) resize() error {
	p.releaseViews()
	return p.populate()
}

func (p *Pass) populate() error {
	g := p.graph
	frames := g.FramesInFlight()

	for _, e := range p.imageEdges() {
		e.views = make([]ImageView, frames)
		for f := uint32(0); f < frames; f++ {
			img, err := g.image(f, e.Handle.ID)
			if err != nil {
				return fmt.Errorf("view for %q: %w", e.Name, err)
			}
			view, err := g.device.NewImageView(img, e.Aspect)
			if err != nil {
				return fmt.Errorf("view for %q: %w", e.Name, err)
			}
			e.views[f] = view
		}
	}

	for f := uint32(0); f < frames; f++ {
		writes, err := p.descriptorWrites(f)
		if err != nil {
			return err
		}
		if len(writes) == 0 {
			continue
		}
		if err := p.sets[f].Update(writes); err != nil {
			return fmt.Errorf("descriptor update for frame %d: %w", f, err)
		}
	}
	return nil
}

func (p *Pass) descriptorWrites(frame uint32) ([]DescriptorWrite, error) {
	seen := make(map[uint32]bool)
	writes := []DescriptorWrite{}

	for _, e := range p.textureInputs {
		if seen[e.Binding] {
			continue
		}
		seen[e.Binding] = true
		writes = append(writes, DescriptorWrite{
			Binding: e.Binding,
			Type:    vk.DescriptorTypeCombinedImageSampler,
			View:    e.views[frame],
			Sampler: p.sampler,
			Layout:  e.Layout,
		})
	}

	storageImages := append(append([]*PassAttachment{}, p.storageImageInputs...), p.storageImageOutputs...)
	for _, e := range storageImages {
		if !e.isBound() || seen[e.Binding] {
			continue
		}
		seen[e.Binding] = true
		writes = append(writes, DescriptorWrite{
			Binding: e.Binding,
			Type:    vk.DescriptorTypeStorageImage,
			View:    e.views[frame],
			Layout:  vk.ImageLayoutGeneral,
		})
	}

	buffers := append(append([]*PassStorage{}, p.storageInputs...), p.storageOutputs...)
	for _, e := range buffers {
		if !e.isBound() || seen[e.Binding] {
			continue
		}
		seen[e.Binding] = true
		buf, err := p.graph.buffer(frame, e.Handle.ID)
		if err != nil {
			return nil, fmt.Errorf("descriptor for %q: %w", e.Name, err)
		}
		offset, size := e.Range.resolve(buf.Size())
		writes = append(writes, DescriptorWrite{
			Binding: e.Binding,
			Type:    vk.DescriptorTypeStorageBuffer,
			Buffer:  buf,
			Offset:  offset,
			Range:   size,
		})
	}

	sort.Slice(writes, func(i, j int) bool { return writes[i].Binding < writes[j].Binding })
	return writes, nil
}

func (p *Pass) recordCommands(frame uint32, cmd CommandBuffer) error {
	for _, e := range p.imageInputs() {
		if err := p.imageBarrier(frame, cmd, e, false); err != nil {
			return err
		}
	}
	for _, e := range p.bufferInputs() {
		if err := p.bufferBarrier(frame, cmd, e, false); err != nil {
			return err
		}
	}
	for _, e := range p.imageOutputs() {
		if err := p.imageBarrier(frame, cmd, e, true); err != nil {
			return err
		}
	}
	for _, e := range p.storageOutputs {
		if err := p.bufferBarrier(frame, cmd, e, true); err != nil {
			return err
		}
	}

	if err := p.variant.begin(frame, cmd); err != nil {
		return err
	}
	err := p.record(frame, p.sets[frame], cmd)
	p.variant.end(cmd)
	return err
}

// firstWrite is true for the output that produces version 1, and for inputs
// reading a version nobody in the graph produced.
func firstWrite(h Handle, output bool) bool {
	if output {
		return h.State <= 1
	}
	return h.State == 0
}

func (p *Pass) imageBarrier(frame uint32, cmd CommandBuffer, e *PassAttachment, output bool) error {
	img, err := p.graph.image(frame, e.Handle.ID)
	if err != nil {
		return fmt.Errorf("barrier for %q: %w", e.Name, err)
	}
	barrier := ImageBarrier{
		Image:     img,
		Aspect:    e.Aspect,
		OldLayout: e.InitialLayout,
		NewLayout: e.Layout,
		SrcAccess: e.WaitAccess,
		DstAccess: e.TargetAccess,
		SrcStage:  e.WaitStage,
		DstStage:  e.TargetStage,
	}
	if firstWrite(e.Handle, output) {
		// nothing to wait for, only the layout transition remains
		barrier.SrcAccess = 0
		barrier.SrcStage = topOfPipe
	}
	cmd.ImageBarrier(barrier)
	return nil
}

func (p *Pass) bufferBarrier(frame uint32, cmd CommandBuffer, e *PassStorage, output bool) error {
	if firstWrite(e.Handle, output) {
		return nil
	}
	buf, err := p.graph.buffer(frame, e.Handle.ID)
	if err != nil {
		return fmt.Errorf("barrier for %q: %w", e.Name, err)
	}
	offset, size := e.Range.resolve(buf.Size())
	cmd.BufferBarrier(BufferBarrier{
		Buffer:    buf,
		Offset:    offset,
		Size:      size,
		SrcAccess: e.WaitAccess,
		DstAccess: e.TargetAccess,
		SrcStage:  e.WaitStage,
		DstStage:  e.TargetStage,
	})
	return nil
}

func (p *Pass) releaseViews() {
	for _, e := range p.imageEdges() {
		for _, v := range e.views {
			if v != nil {
				v.Destroy()
			}
		}
		e.views = nil
	}
}

func (p *Pass) release() {
	p.releaseViews()
	p.variant.releasePipeline()
	if p.sampler != nil {
		p.sampler.Destroy()
		p.sampler = nil
	}
	if p.pool != nil {
		p.pool.Destroy()
		p.pool = nil
	}
	if p.layout != nil {
		p.layout.Destroy()
		p.layout = nil
	}
	p.sets = nil
}
