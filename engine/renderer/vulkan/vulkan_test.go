package vulkan

import (
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/rendergraph/engine/core"
	"github.com/spaghettifunk/rendergraph/engine/renderer/rendergraph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVulkanResultString(t *testing.T) {
	assert.Equal(t, "VK_SUCCESS", VulkanResultString(vk.Success, false))
	assert.Contains(t, VulkanResultString(vk.ErrorOutOfDate, true), "VK_ERROR_OUT_OF_DATE_KHR ")
	assert.Equal(t, "VkResult(-12345)", VulkanResultString(vk.Result(-12345), false))

	assert.True(t, VulkanResultIsSuccess(vk.Success))
	assert.True(t, VulkanResultIsSuccess(vk.Suboptimal))
	assert.False(t, VulkanResultIsSuccess(vk.ErrorDeviceLost))
	assert.False(t, VulkanResultIsSuccess(vk.Result(-12345)))
	assert.True(t, VulkanResultIsSuccess(vk.Result(12345)))

	assert.NoError(t, resultError("vkNothing", vk.Success))
	err := resultError("vkQueueSubmit", vk.ErrorDeviceLost)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vkQueueSubmit")
	assert.Contains(t, err.Error(), "VK_ERROR_DEVICE_LOST")
	assert.ErrorIs(t, err, core.ErrDeviceLost)
	assert.NotErrorIs(t, resultError("vkCreateImage", vk.ErrorOutOfDeviceMemory), core.ErrDeviceLost)
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "\x00", VulkanSafeString(""))
	assert.Equal(t, "main\x00", VulkanSafeString("main"))
	assert.Equal(t, "main\x00", VulkanSafeString("main\x00"))

	in := []string{"VK_KHR_surface", "VK_KHR_swapchain\x00"}
	out := VulkanSafeStrings(in)
	assert.Equal(t, []string{"VK_KHR_surface\x00", "VK_KHR_swapchain\x00"}, out)
	assert.Equal(t, "VK_KHR_surface", in[0], "input is left untouched")

	name := make([]byte, 256)
	copy(name, "VK_LAYER_KHRONOS_validation")
	assert.Equal(t, "VK_LAYER_KHRONOS_validation", fixedString(name))
	assert.Equal(t, 3, FindFirstZeroInByteArray([]byte("abc")))
	assert.Equal(t, 0, FindFirstZeroInByteArray([]byte{0, 1}))
}

func TestLockPoolSafeCall(t *testing.T) {
	pool := NewVulkanLockPool()
	boom := errors.New("boom")
	assert.ErrorIs(t, pool.SafeCall(ImageManagement, func() error { return boom }), boom)

	// a group lock must be released after a failing call
	called := false
	require.NoError(t, pool.SafeCall(ImageManagement, func() error {
		called = true
		return nil
	}))
	assert.True(t, called)
}

func TestLockPoolSerializesQueue(t *testing.T) {
	pool := NewVulkanLockPool()
	pool.SetQueueFamily(0)

	var inside, overlaps int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(family uint32) {
			defer wg.Done()
			_ = pool.SafeQueueCall(family, func() error {
				if atomic.AddInt32(&inside, 1) > 1 {
					atomic.AddInt32(&overlaps, 1)
				}
				atomic.AddInt32(&inside, -1)
				return nil
			})
		}(0)
	}
	wg.Wait()
	assert.Zero(t, overlaps)

	// unknown families are registered on first use
	assert.NoError(t, pool.SafeQueueCall(7, func() error { return nil }))
}

func TestRenderpassKeyCompatible(t *testing.T) {
	clearing := renderpassKey{colorCount: 1, hasDepth: true}
	clearing.colors[0] = attachmentKey{format: vk.FormatR16g16b16a16Sfloat, samples: vk.SampleCount1Bit, loadOp: vk.AttachmentLoadOpClear, layout: vk.ImageLayoutColorAttachmentOptimal}
	clearing.depth = attachmentKey{format: vk.FormatD32Sfloat, samples: vk.SampleCount1Bit, loadOp: vk.AttachmentLoadOpClear, layout: vk.ImageLayoutDepthStencilAttachmentOptimal}

	loading := clearing
	loading.colors[0].loadOp = vk.AttachmentLoadOpLoad
	loading.depth.loadOp = vk.AttachmentLoadOpLoad
	loading.depth.layout = vk.ImageLayoutDepthStencilReadOnlyOptimal

	assert.NotEqual(t, clearing, loading)
	assert.Equal(t, clearing.compatible(), loading.compatible())

	otherFormat := clearing
	otherFormat.colors[0].format = vk.FormatB8g8r8a8Unorm
	assert.NotEqual(t, clearing.compatible(), otherFormat.compatible())
}

func TestPipelineRenderpassKey(t *testing.T) {
	config := &rendergraph.GraphicsPipelineBuilder{
		ColorFormats: []vk.Format{vk.FormatR16g16b16a16Sfloat, vk.FormatR8g8b8a8Unorm},
		DepthFormat:  vk.FormatD32Sfloat,
		Samples:      vk.SampleCount1Bit,
	}
	key := pipelineRenderpassKey(config)
	assert.Equal(t, 2, key.colorCount)
	assert.True(t, key.hasDepth)

	// the key recorded at draw time reduces to the same render pass
	draw := renderpassKey{colorCount: 2, hasDepth: true}
	draw.colors[0] = attachmentKey{format: vk.FormatR16g16b16a16Sfloat, samples: vk.SampleCount1Bit, loadOp: vk.AttachmentLoadOpClear, layout: vk.ImageLayoutColorAttachmentOptimal}
	draw.colors[1] = attachmentKey{format: vk.FormatR8g8b8a8Unorm, samples: vk.SampleCount1Bit, loadOp: vk.AttachmentLoadOpLoad, layout: vk.ImageLayoutColorAttachmentOptimal}
	draw.depth = attachmentKey{format: vk.FormatD32Sfloat, samples: vk.SampleCount1Bit, loadOp: vk.AttachmentLoadOpClear, layout: vk.ImageLayoutDepthStencilAttachmentOptimal}
	assert.Equal(t, key, draw.compatible())

	noDepth := pipelineRenderpassKey(&rendergraph.GraphicsPipelineBuilder{
		ColorFormats: []vk.Format{vk.FormatB8g8r8a8Unorm},
		Samples:      vk.SampleCount1Bit,
	})
	assert.False(t, noDepth.hasDepth)
}

func TestBlendAttachment(t *testing.T) {
	opaque := blendAttachment(rendergraph.BlendState{})
	assert.Equal(t, vk.Bool32(vk.False), opaque.BlendEnable)

	blended := blendAttachment(rendergraph.BlendState{
		Enable:   true,
		SrcColor: vk.BlendFactorSrcAlpha,
		DstColor: vk.BlendFactorOneMinusSrcAlpha,
		ColorOp:  vk.BlendOpAdd,
		SrcAlpha: vk.BlendFactorOne,
		DstAlpha: vk.BlendFactorZero,
		AlphaOp:  vk.BlendOpAdd,
	})
	assert.Equal(t, vk.Bool32(vk.True), blended.BlendEnable)
	assert.Equal(t, vk.BlendFactorSrcAlpha, blended.SrcColorBlendFactor)
	assert.Equal(t, vk.BlendFactorOneMinusSrcAlpha, blended.DstColorBlendFactor)
}

func TestFramesInFlight(t *testing.T) {
	tests := []struct {
		images uint32
		want   uint32
	}{
		{1, 1},
		{2, 1},
		{3, 2},
		{4, 2},
		{8, 2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, framesInFlight(tt.images), "%d images", tt.images)
	}
}

func TestPipelineStageDefaults(t *testing.T) {
	compute := vk.PipelineStageFlags(vk.PipelineStageComputeShaderBit)
	assert.Equal(t, compute, pipelineStage(compute, true))
	assert.Equal(t, vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit), pipelineStage(0, true))
	assert.Equal(t, vk.PipelineStageFlags(vk.PipelineStageBottomOfPipeBit), pipelineStage(0, false))
}

func TestParseProgramManifest(t *testing.T) {
	manifest, err := ParseProgramManifest([]byte(`
name = "particles"

[[stages]]
stage = "vertex"

[[stages]]
stage = "fragment"
file = "shared.frag.spv"
entry = "fs_main"

[[bindings]]
slot = 0
type = "storage_buffer"
stages = ["vertex"]

[[bindings]]
slot = 1
type = "combined_image_sampler"
count = 4
`))
	require.NoError(t, err)
	require.Len(t, manifest.Stages, 2)
	assert.Equal(t, "particles.vert.spv", manifest.Stages[0].File)
	assert.Equal(t, "main", manifest.Stages[0].Entry)
	assert.Equal(t, "shared.frag.spv", manifest.Stages[1].File)
	assert.Equal(t, "fs_main", manifest.Stages[1].Entry)

	all := vk.ShaderStageFlags(vk.ShaderStageVertexBit) | vk.ShaderStageFlags(vk.ShaderStageFragmentBit)
	assert.Equal(t, all, manifest.StageFlags())

	bindings, err := manifest.ProgramBindings()
	require.NoError(t, err)
	assert.Equal(t, []rendergraph.Binding{
		{Slot: 0, Type: vk.DescriptorTypeStorageBuffer, Stages: vk.ShaderStageFlags(vk.ShaderStageVertexBit), Count: 1},
		{Slot: 1, Type: vk.DescriptorTypeCombinedImageSampler, Stages: all, Count: 4},
	}, bindings)
}

func TestParseProgramManifestErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"malformed", `name = `},
		{"no name", "[[stages]]\nstage = \"compute\""},
		{"no stages", `name = "empty"`},
		{"unknown stage", "name = \"x\"\n[[stages]]\nstage = \"geometry\""},
		{"unknown type", "name = \"x\"\n[[stages]]\nstage = \"compute\"\n[[bindings]]\nslot = 0\ntype = \"texel\""},
		{"unknown binding stage", "name = \"x\"\n[[stages]]\nstage = \"compute\"\n[[bindings]]\nslot = 0\ntype = \"storage_buffer\"\nstages = [\"mesh\"]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseProgramManifest([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestSpirvWords(t *testing.T) {
	_, err := spirvWords([]byte{1, 2, 3})
	assert.Error(t, err)

	_, err = spirvWords([]byte{0, 0, 0, 0, 0, 0, 0, 0})
	assert.Error(t, err, "magic number is checked")

	module := make([]byte, 8)
	binary.LittleEndian.PutUint32(module, spirvMagic)
	binary.LittleEndian.PutUint32(module[4:], 0x00010000)
	words, err := spirvWords(module)
	require.NoError(t, err)
	require.Len(t, words, 2)
	assert.Equal(t, spirvMagic, words[0])
}
