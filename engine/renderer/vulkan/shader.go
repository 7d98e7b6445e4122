package vulkan

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unsafe"

	vk "github.com/goki/vulkan"
	"github.com/pelletier/go-toml/v2"
	"github.com/spaghettifunk/rendergraph/engine/core"
	"github.com/spaghettifunk/rendergraph/engine/renderer/rendergraph"
)

const spirvMagic uint32 = 0x07230203

// ProgramManifest is the TOML file sitting next to the SPIR-V modules of a
// program. It lists the stages and the descriptor bindings they use.
//
//	name = "particles"
//
//	[[stages]]
//	stage = "compute"
//
//	[[bindings]]
//	slot = 0
//	type = "storage_buffer"
//	stages = ["compute"]
type ProgramManifest struct {
	Name     string            `toml:"name"`
	Stages   []StageManifest   `toml:"stages"`
	Bindings []BindingManifest `toml:"bindings"`
}

type StageManifest struct {
	Stage string `toml:"stage"`
	// File defaults to <name>.<stage short name>.spv
	File  string `toml:"file"`
	Entry string `toml:"entry"`
}

type BindingManifest struct {
	Slot   uint32   `toml:"slot"`
	Type   string   `toml:"type"`
	Stages []string `toml:"stages"`
	Count  uint32   `toml:"count"`
}

var stageNames = map[string]struct {
	flag  vk.ShaderStageFlagBits
	short string
}{
	"vertex":   {vk.ShaderStageVertexBit, "vert"},
	"fragment": {vk.ShaderStageFragmentBit, "frag"},
	"compute":  {vk.ShaderStageComputeBit, "comp"},
}

var descriptorTypeNames = map[string]vk.DescriptorType{
	"storage_buffer":         vk.DescriptorTypeStorageBuffer,
	"uniform_buffer":         vk.DescriptorTypeUniformBuffer,
	"combined_image_sampler": vk.DescriptorTypeCombinedImageSampler,
	"sampled_image":          vk.DescriptorTypeSampledImage,
	"storage_image":          vk.DescriptorTypeStorageImage,
}

// ParseProgramManifest decodes and validates a manifest.
func ParseProgramManifest(data []byte) (*ProgramManifest, error) {
	manifest := &ProgramManifest{}
	if err := toml.Unmarshal(data, manifest); err != nil {
		return nil, fmt.Errorf("invalid program manifest: %w", err)
	}
	if manifest.Name == "" {
		return nil, fmt.Errorf("program manifest without a name")
	}
	if len(manifest.Stages) == 0 {
		return nil, fmt.Errorf("program %q declares no stages", manifest.Name)
	}
	for i := range manifest.Stages {
		s := &manifest.Stages[i]
		info, ok := stageNames[s.Stage]
		if !ok {
			return nil, fmt.Errorf("program %q: unknown stage %q", manifest.Name, s.Stage)
		}
		if s.File == "" {
			s.File = fmt.Sprintf("%s.%s.spv", manifest.Name, info.short)
		}
		if s.Entry == "" {
			s.Entry = "main"
		}
	}
	if _, err := manifest.ProgramBindings(); err != nil {
		return nil, err
	}
	return manifest, nil
}

// StageFlags is the union of the declared stages.
func (m *ProgramManifest) StageFlags() vk.ShaderStageFlags {
	var flags vk.ShaderStageFlags
	for _, s := range m.Stages {
		flags |= vk.ShaderStageFlags(stageNames[s.Stage].flag)
	}
	return flags
}

// ProgramBindings converts the manifest bindings. A binding without stages
// is visible to every stage of the program.
func (m *ProgramManifest) ProgramBindings() ([]rendergraph.Binding, error) {
	bindings := make([]rendergraph.Binding, 0, len(m.Bindings))
	for _, b := range m.Bindings {
		t, ok := descriptorTypeNames[b.Type]
		if !ok {
			return nil, fmt.Errorf("program %q: binding %d has unknown type %q", m.Name, b.Slot, b.Type)
		}
		var stages vk.ShaderStageFlags
		for _, s := range b.Stages {
			info, ok := stageNames[s]
			if !ok {
				return nil, fmt.Errorf("program %q: binding %d uses unknown stage %q", m.Name, b.Slot, s)
			}
			stages |= vk.ShaderStageFlags(info.flag)
		}
		if stages == 0 {
			stages = m.StageFlags()
		}
		count := b.Count
		if count == 0 {
			count = 1
		}
		bindings = append(bindings, rendergraph.Binding{
			Slot:   b.Slot,
			Type:   t,
			Stages: stages,
			Count:  count,
		})
	}
	return bindings, nil
}

// spirvWords reinterprets a SPIR-V module as the words the driver expects.
func spirvWords(data []byte) ([]uint32, error) {
	if len(data) < 4 || len(data)%4 != 0 {
		return nil, fmt.Errorf("SPIR-V module size %d is not a multiple of 4", len(data))
	}
	if binary.LittleEndian.Uint32(data) != spirvMagic {
		return nil, fmt.Errorf("missing SPIR-V magic number")
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&data[0])), len(data)/4), nil
}

/**
 * @brief Represents a single shader stage.
 */
type VulkanShaderStage struct {
	/** @brief The internal shader module Handle. */
	Handle vk.ShaderModule
	Stage  vk.ShaderStageFlagBits
	Entry  string
	Path   string
}

// VulkanProgram is the set of shader modules a pass runs, loaded from a
// manifest and its SPIR-V files. It implements rendergraph.Program.
type VulkanProgram struct {
	device   *VulkanDevice
	path     string
	manifest *ProgramManifest
	bindings []rendergraph.Binding
	stages   []VulkanShaderStage
}

var _ rendergraph.Program = (*VulkanProgram)(nil)

// NewProgram loads the manifest at manifestPath and the modules it lists.
func NewProgram(device *VulkanDevice, manifestPath string) (*VulkanProgram, error) {
	program := &VulkanProgram{device: device, path: manifestPath}
	if err := program.Reload(); err != nil {
		return nil, err
	}
	return program, nil
}

// Reload reads the manifest and modules again. The previous modules are kept
// when anything fails.
func (p *VulkanProgram) Reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		err = fmt.Errorf("unable to read program manifest %s: %w", p.path, err)
		core.LogError(err.Error())
		return err
	}
	manifest, err := ParseProgramManifest(data)
	if err != nil {
		core.LogError(err.Error())
		return err
	}
	bindings, err := manifest.ProgramBindings()
	if err != nil {
		core.LogError(err.Error())
		return err
	}

	dir := filepath.Dir(p.path)
	stages := make([]VulkanShaderStage, 0, len(manifest.Stages))
	for _, s := range manifest.Stages {
		stage, err := p.loadStage(filepath.Join(dir, s.File), stageNames[s.Stage].flag, s.Entry)
		if err != nil {
			destroyStages(p.device, stages)
			return err
		}
		stages = append(stages, stage)
	}

	destroyStages(p.device, p.stages)
	p.manifest = manifest
	p.bindings = bindings
	p.stages = stages
	core.LogDebug("program %q loaded with %d stages", manifest.Name, len(stages))
	return nil
}

func (p *VulkanProgram) loadStage(path string, flag vk.ShaderStageFlagBits, entry string) (VulkanShaderStage, error) {
	stage := VulkanShaderStage{Stage: flag, Entry: entry, Path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		err = fmt.Errorf("unable to read shader module %s: %w", path, err)
		core.LogError(err.Error())
		return stage, err
	}
	code, err := spirvWords(data)
	if err != nil {
		err = fmt.Errorf("%s: %w", path, err)
		core.LogError(err.Error())
		return stage, err
	}

	createInfo := vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint64(len(data)),
		PCode:    code,
	}
	if err := p.device.context.lockPool.SafeCall(ShaderManagement, func() error {
		var module vk.ShaderModule
		if err := resultError(fmt.Sprintf("vkCreateShaderModule(%s)", filepath.Base(path)), vk.CreateShaderModule(p.device.LogicalDevice, &createInfo, p.device.context.Allocator, &module)); err != nil {
			return err
		}
		stage.Handle = module
		return nil
	}); err != nil {
		return stage, err
	}
	return stage, nil
}

func destroyStages(device *VulkanDevice, stages []VulkanShaderStage) {
	_ = device.context.lockPool.SafeCall(ShaderManagement, func() error {
		for _, s := range stages {
			if s.Handle != vk.NullShaderModule {
				vk.DestroyShaderModule(device.LogicalDevice, s.Handle, device.context.Allocator)
			}
		}
		return nil
	})
}

func (p *VulkanProgram) stageCreateInfos() []vk.PipelineShaderStageCreateInfo {
	infos := make([]vk.PipelineShaderStageCreateInfo, 0, len(p.stages))
	for _, s := range p.stages {
		infos = append(infos, vk.PipelineShaderStageCreateInfo{
			SType:  vk.StructureTypePipelineShaderStageCreateInfo,
			Stage:  s.Stage,
			Module: s.Handle,
			PName:  VulkanSafeString(s.Entry),
		})
	}
	return infos
}

func (p *VulkanProgram) Name() string {
	return p.manifest.Name
}

func (p *VulkanProgram) Stages() vk.ShaderStageFlags {
	return p.manifest.StageFlags()
}

func (p *VulkanProgram) Bindings() []rendergraph.Binding {
	return p.bindings
}

// Sources lists the manifest and every module file, for file watching.
func (p *VulkanProgram) Sources() []string {
	sources := []string{p.path}
	for _, s := range p.stages {
		sources = append(sources, s.Path)
	}
	return sources
}

// Uses reports whether path is one of the program sources.
func (p *VulkanProgram) Uses(path string) bool {
	clean := filepath.Clean(path)
	for _, s := range p.Sources() {
		if strings.EqualFold(filepath.Clean(s), clean) {
			return true
		}
	}
	return false
}

func (p *VulkanProgram) Destroy() {
	destroyStages(p.device, p.stages)
	p.stages = nil
}
