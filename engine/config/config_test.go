package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKeepsDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
[application]
name = "particles"
width = 640

[renderer]
vsync = false
`))
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, "particles", cfg.Application.Name)
	assert.Equal(t, uint32(640), cfg.Application.Width)
	assert.Equal(t, def.Application.Height, cfg.Application.Height)
	assert.False(t, cfg.Renderer.VSync)
	assert.Equal(t, def.Renderer.FramesInFlight, cfg.Renderer.FramesInFlight)
	assert.Equal(t, def.Renderer.ShaderDir, cfg.Renderer.ShaderDir)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"malformed", `[application`},
		{"zero width", "[application]\nwidth = 0"},
		{"zero frames", "[renderer]\nframes_in_flight = 0"},
		{"empty shader dir", "[renderer]\nshader_dir = \"\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := Default()
	cfg.Renderer.Validation = true
	cfg.Log.Level = "debug"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestApplyRejectsUnknownLevel(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "loud"
	assert.Error(t, cfg.Apply())

	cfg.Log.Level = "info"
	assert.NoError(t, cfg.Apply())
}

func TestWatcherClassify(t *testing.T) {
	w := &Watcher{configPath: filepath.Clean("/etc/app/config.toml")}

	e, ok := w.classify("/etc/app/config.toml")
	require.True(t, ok)
	assert.Equal(t, EventConfigChanged, e.Kind)

	e, ok = w.classify("assets/shaders/particles.comp.spv")
	require.True(t, ok)
	assert.Equal(t, EventShaderChanged, e.Kind)

	e, ok = w.classify("assets/shaders/particles.toml")
	require.True(t, ok)
	assert.Equal(t, EventShaderChanged, e.Kind)

	_, ok = w.classify("assets/shaders/particles.comp")
	assert.False(t, ok)
}

func TestWatcherReportsShaderWrites(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher("")
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.AddRecursive(dir))

	path := filepath.Join(dir, "blit.frag.spv")
	require.NoError(t, os.WriteFile(path, []byte{0x03, 0x02, 0x23, 0x07}, 0o644))

	select {
	case e := <-w.Events:
		assert.Equal(t, EventShaderChanged, e.Kind)
		assert.Equal(t, path, e.Path)
	case <-time.After(5 * time.Second):
		t.Fatal("no event for a written shader module")
	}
}

func TestWatcherClose(t *testing.T) {
	w, err := NewWatcher("")
	require.NoError(t, err)
	w.Close()
	w.Close()
	assert.ErrorIs(t, w.AddRecursive(t.TempDir()), ErrWatcherClosed)
}
