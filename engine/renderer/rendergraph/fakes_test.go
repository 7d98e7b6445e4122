package rendergraph

import (
	"fmt"

	vk "github.com/goki/vulkan"
)

// fakeDevice hands out in-memory objects and counts the live ones so tests
// can check that compile, resize and destroy do not leak.
type fakeDevice struct {
	live         int
	images       []*fakeImage
	buffers      []*fakeBuffer
	pipelines    []*fakePipeline
	layouts      []*fakeLayout
	failImage    bool
	failPipeline bool
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{}
}

func (d *fakeDevice) DepthFormat() vk.Format {
	return vk.FormatD32Sfloat
}

func (d *fakeDevice) Alignment(t vk.DescriptorType) uint64 {
	return 256
}

func (d *fakeDevice) NewImage(desc ImageDesc) (Image, error) {
	if d.failImage {
		return nil, fmt.Errorf("out of device memory")
	}
	d.live++
	img := &fakeImage{device: d, desc: desc}
	d.images = append(d.images, img)
	return img, nil
}

func (d *fakeDevice) NewImageView(image Image, aspect vk.ImageAspectFlags) (ImageView, error) {
	d.live++
	return &fakeView{device: d, image: image, aspect: aspect}, nil
}

func (d *fakeDevice) NewSampler() (Sampler, error) {
	d.live++
	return &fakeSampler{device: d}, nil
}

func (d *fakeDevice) NewBuffer(desc BufferDesc) (Buffer, error) {
	d.live++
	buf := &fakeBuffer{device: d, desc: desc, data: make([]byte, desc.Size)}
	d.buffers = append(d.buffers, buf)
	return buf, nil
}

func (d *fakeDevice) NewDescriptorLayout(bindings []Binding) (DescriptorLayout, error) {
	d.live++
	l := &fakeLayout{device: d, bindings: bindings}
	d.layouts = append(d.layouts, l)
	return l, nil
}

func (d *fakeDevice) NewDescriptorPool(layout DescriptorLayout, sets uint32) (DescriptorPool, error) {
	d.live++
	return &fakePool{device: d, capacity: sets}, nil
}

func (d *fakeDevice) NewComputePipeline(program Program, layout DescriptorLayout) (Pipeline, error) {
	if d.failPipeline {
		return nil, fmt.Errorf("shader module rejected")
	}
	d.live++
	p := &fakePipeline{device: d, point: vk.PipelineBindPointCompute, program: program}
	d.pipelines = append(d.pipelines, p)
	return p, nil
}

func (d *fakeDevice) NewGraphicsPipeline(program Program, layout DescriptorLayout, config *GraphicsPipelineBuilder) (Pipeline, error) {
	if d.failPipeline {
		return nil, fmt.Errorf("shader module rejected")
	}
	d.live++
	cfg := *config
	cfg.ColorFormats = append([]vk.Format(nil), config.ColorFormats...)
	p := &fakePipeline{device: d, point: vk.PipelineBindPointGraphics, program: program, config: &cfg}
	d.pipelines = append(d.pipelines, p)
	return p, nil
}

type fakeImage struct {
	device    *fakeDevice
	desc      ImageDesc
	destroyed bool
}

func (i *fakeImage) Format() vk.Format   { return i.desc.Format }
func (i *fakeImage) Extent() vk.Extent2D { return i.desc.Extent }
func (i *fakeImage) MipLevels() uint32   { return i.desc.MipLevels }

func (i *fakeImage) Destroy() {
	if i.device != nil && !i.destroyed {
		i.device.live--
	}
	i.destroyed = true
}

type fakeView struct {
	device *fakeDevice
	image  Image
	aspect vk.ImageAspectFlags
}

func (v *fakeView) Image() Image                { return v.image }
func (v *fakeView) Aspect() vk.ImageAspectFlags { return v.aspect }
func (v *fakeView) Destroy()                    { v.device.live-- }

type fakeSampler struct {
	device *fakeDevice
}

func (s *fakeSampler) Destroy() { s.device.live-- }

type fakeBuffer struct {
	device    *fakeDevice
	desc      BufferDesc
	data      []byte
	destroyed bool
}

func (b *fakeBuffer) Size() uint64         { return b.desc.Size }
func (b *fakeBuffer) Map() ([]byte, error) { return b.data, nil }
func (b *fakeBuffer) Unmap()               {}

func (b *fakeBuffer) Destroy() {
	if !b.destroyed {
		b.device.live--
	}
	b.destroyed = true
}

type fakeLayout struct {
	device   *fakeDevice
	bindings []Binding
}

func (l *fakeLayout) Bindings() []Binding { return l.bindings }
func (l *fakeLayout) Destroy()            { l.device.live-- }

type fakePool struct {
	device    *fakeDevice
	capacity  uint32
	allocated uint32
}

func (p *fakePool) Allocate() (DescriptorSet, error) {
	if p.allocated == p.capacity {
		return nil, fmt.Errorf("descriptor pool exhausted")
	}
	p.allocated++
	return &fakeSet{}, nil
}

func (p *fakePool) Destroy() { p.device.live-- }

type fakeSet struct {
	writes []DescriptorWrite
}

func (s *fakeSet) Update(writes []DescriptorWrite) error {
	s.writes = append([]DescriptorWrite(nil), writes...)
	return nil
}

type fakePipeline struct {
	device  *fakeDevice
	point   vk.PipelineBindPoint
	program Program
	config  *GraphicsPipelineBuilder
}

func (p *fakePipeline) BindPoint() vk.PipelineBindPoint { return p.point }
func (p *fakePipeline) Destroy()                        { p.device.live-- }

type fakeProgram struct {
	name     string
	stages   vk.ShaderStageFlags
	bindings []Binding
}

func (p *fakeProgram) Name() string                { return p.name }
func (p *fakeProgram) Stages() vk.ShaderStageFlags { return p.stages }
func (p *fakeProgram) Bindings() []Binding         { return p.bindings }

func computeProgram(name string) *fakeProgram {
	return &fakeProgram{name: name, stages: vk.ShaderStageFlags(vk.ShaderStageComputeBit)}
}

func graphicsProgram(name string) *fakeProgram {
	return &fakeProgram{name: name, stages: vk.ShaderStageFlags(vk.ShaderStageVertexBit | vk.ShaderStageFragmentBit)}
}

type fakeSwapchain struct {
	images []Image
	extent vk.Extent2D
	format vk.Format
}

func newFakeSwapchain(count int, width, height uint32) *fakeSwapchain {
	sc := &fakeSwapchain{
		extent: vk.Extent2D{Width: width, Height: height},
		format: vk.FormatB8g8r8a8Unorm,
	}
	for i := 0; i < count; i++ {
		sc.images = append(sc.images, &fakeImage{desc: ImageDesc{Extent: sc.extent, Format: sc.format, MipLevels: 1}})
	}
	return sc
}

func (s *fakeSwapchain) ImageCount() uint32   { return uint32(len(s.images)) }
func (s *fakeSwapchain) Extent() vk.Extent2D  { return s.extent }
func (s *fakeSwapchain) Format() vk.Format    { return s.format }
func (s *fakeSwapchain) Image(i uint32) Image { return s.images[i] }

type event struct {
	op       string
	pass     string
	image    *ImageBarrier
	buffer   *BufferBarrier
	render   *RenderingInfo
	indirect Buffer
}

// recorder is a CommandBuffer that keeps every command in order.
type recorder struct {
	events []event
}

func (r *recorder) ImageBarrier(b ImageBarrier) {
	r.events = append(r.events, event{op: "image-barrier", image: &b})
}

func (r *recorder) BufferBarrier(b BufferBarrier) {
	r.events = append(r.events, event{op: "buffer-barrier", buffer: &b})
}

func (r *recorder) BindPipeline(p Pipeline) {
	r.events = append(r.events, event{op: "bind-pipeline"})
}

func (r *recorder) BindDescriptorSet(p Pipeline, s DescriptorSet) {
	r.events = append(r.events, event{op: "bind-set"})
}

func (r *recorder) BeginRendering(info RenderingInfo) {
	r.events = append(r.events, event{op: "begin-rendering", render: &info})
}

func (r *recorder) EndRendering() {
	r.events = append(r.events, event{op: "end-rendering"})
}

func (r *recorder) Dispatch(x, y, z uint32) {
	r.events = append(r.events, event{op: "dispatch"})
}

func (r *recorder) DispatchIndirect(b Buffer, offset uint64) {
	r.events = append(r.events, event{op: "dispatch-indirect", indirect: b})
}

func (r *recorder) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	r.events = append(r.events, event{op: "draw"})
}

func (r *recorder) DrawIndirect(b Buffer, offset uint64, drawCount, stride uint32) {
	r.events = append(r.events, event{op: "draw-indirect", indirect: b})
}

func (r *recorder) mark(pass string) {
	r.events = append(r.events, event{op: "record", pass: pass})
}

// recorded returns the pass names in the order their callbacks ran.
func (r *recorder) recorded() []string {
	names := []string{}
	for _, e := range r.events {
		if e.op == "record" {
			names = append(names, e.pass)
		}
	}
	return names
}

// eventsOf returns the commands emitted between the callback of the previous
// pass and the callback of pass, barriers included.
func (r *recorder) eventsOf(pass string) []event {
	start := 0
	for i, e := range r.events {
		if e.op != "record" {
			continue
		}
		if e.pass == pass {
			return r.events[start : i+1]
		}
		start = i + 1
	}
	return nil
}

func markRecord(name string) RecordFunc {
	return func(frame uint32, set DescriptorSet, cmd CommandBuffer) error {
		cmd.(*recorder).mark(name)
		return nil
	}
}

// newTestGraph returns a graph bound to a 2 image swapchain of 640x480.
func newTestGraph() (*RenderGraph, *fakeDevice, Handle) {
	dev := newFakeDevice()
	g := New(dev, DefaultConfig())
	bb := g.AddAttachment(NewAttachmentBuilder(AttachmentUsageColor))
	g.SetBackbuffer(newFakeSwapchain(2, 640, 480), bb)
	return g, dev, bb
}

func positions(order []string) map[string]int {
	pos := make(map[string]int, len(order))
	for i, name := range order {
		pos[name] = i
	}
	return pos
}
