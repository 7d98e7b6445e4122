package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/spaghettifunk/rendergraph/engine/core"
)

type Application struct {
	// The application name used in windowing.
	Name string `toml:"name"`
	// Window starting position x axis.
	PosX uint32 `toml:"pos_x"`
	// Window starting position y axis.
	PosY uint32 `toml:"pos_y"`
	// Window starting width.
	Width uint32 `toml:"width"`
	// Window starting height.
	Height uint32 `toml:"height"`
}

type Renderer struct {
	// FramesInFlight is used by graphs without a swapchain backbuffer.
	FramesInFlight uint32 `toml:"frames_in_flight"`
	VSync          bool   `toml:"vsync"`
	Validation     bool   `toml:"validation"`
	// ShaderDir holds the program manifests and their SPIR-V modules.
	ShaderDir string `toml:"shader_dir"`
	// HotReload watches ShaderDir and rebuilds the passes whose programs changed.
	HotReload bool `toml:"hot_reload"`
}

type Log struct {
	Level string `toml:"level"`
}

type Config struct {
	Application Application `toml:"application"`
	Renderer    Renderer    `toml:"renderer"`
	Log         Log         `toml:"log"`
}

func Default() *Config {
	return &Config{
		Application: Application{
			Name:   "Render Graph",
			PosX:   100,
			PosY:   100,
			Width:  1280,
			Height: 720,
		},
		Renderer: Renderer{
			FramesInFlight: 2,
			VSync:          true,
			Validation:     false,
			ShaderDir:      "assets/shaders",
			HotReload:      false,
		},
		Log: Log{
			Level: "info",
		},
	}
}

// Parse decodes data over the defaults, so a file only needs the keys it
// changes.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads the file at path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		core.LogWarn("configuration %s not found, using defaults", path)
		return Default(), nil
	}
	if err != nil {
		err = fmt.Errorf("unable to read configuration %s: %w", path, err)
		core.LogError(err.Error())
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		err = fmt.Errorf("%s: %w", path, err)
		core.LogError(err.Error())
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Application.Width == 0 || c.Application.Height == 0 {
		return fmt.Errorf("window size must be positive, got %dx%d", c.Application.Width, c.Application.Height)
	}
	if c.Renderer.FramesInFlight == 0 {
		return fmt.Errorf("frames_in_flight must be at least 1")
	}
	if c.Renderer.ShaderDir == "" {
		return fmt.Errorf("shader_dir must be set")
	}
	return nil
}

// Save writes the configuration as TOML.
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Apply pushes the settings that take effect without a restart.
func (c *Config) Apply() error {
	if err := core.SetLogLevel(c.Log.Level); err != nil {
		err = fmt.Errorf("invalid log level %q: %w", c.Log.Level, err)
		core.LogError(err.Error())
		return err
	}
	return nil
}
