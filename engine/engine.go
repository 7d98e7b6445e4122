package engine

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/spaghettifunk/rendergraph/engine/config"
	"github.com/spaghettifunk/rendergraph/engine/core"
	"github.com/spaghettifunk/rendergraph/engine/platform"
	"github.com/spaghettifunk/rendergraph/engine/renderer/rendergraph"
	"github.com/spaghettifunk/rendergraph/engine/renderer/vulkan"
)

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine is currently booting up
	EngineStageBooting
	// Engine completed boot process and is ready to be initialized
	EngineStageBootComplete
	// Engine is currently initializing
	EngineStageInitializing
	// Engine initialization is complete
	EngineStageInitialized
	// Engine is currently running
	EngineStageRunning
	// Engine is in the process of shutting down
	EngineStageShuttingDown
)

type Engine struct {
	currentStage Stage
	gameInstance *Game
	isRunning    bool
	isSuspended  bool
	// set from other goroutines, e.g. a signal handler
	quit atomic.Bool

	configPath string
	config     *config.Config
	watcher    *config.Watcher

	platform *platform.Platform
	renderer *vulkan.VulkanRenderer
	graph    *rendergraph.RenderGraph
	programs []*vulkan.VulkanProgram

	width    uint32
	height   uint32
	clock    *core.Clock
	lastTime float64
}

// New loads the configuration at configPath. A missing file runs with the
// defaults.
func New(g *Game, configPath string) (*Engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Apply(); err != nil {
		return nil, err
	}

	p := platform.New()
	return &Engine{
		currentStage: EngineStageUninitialized,
		gameInstance: g,
		isRunning:    true,
		isSuspended:  false,
		configPath:   configPath,
		config:       cfg,
		platform:     p,
		renderer:     vulkan.New(p, cfg.Renderer),
		width:        cfg.Application.Width,
		height:       cfg.Application.Height,
		clock:        core.NewClock(),
		lastTime:     0,
	}, nil
}

func (e *Engine) Initialize() error {
	e.currentStage = EngineStageBooting
	app := e.config.Application

	if err := core.MetricsInitialize(); err != nil {
		return err
	}

	if err := e.platform.Startup(app.Name, app.PosX, app.PosY, app.Width, app.Height); err != nil {
		return err
	}
	e.width, e.height = e.platform.FramebufferSize()

	if err := e.renderer.Initialize(app.Name, e.width, e.height); err != nil {
		return err
	}
	e.currentStage = EngineStageBootComplete

	e.currentStage = EngineStageInitializing
	e.graph = rendergraph.New(e.renderer.Device(), rendergraph.Config{
		FramesInFlight: e.config.Renderer.FramesInFlight,
	})
	if err := e.gameInstance.FnBuild(e, e.graph); err != nil {
		return err
	}
	if err := e.graph.Compile(); err != nil {
		return err
	}
	core.LogInfo("render graph: %v", e.graph.Order())

	e.renderer.OnSwapchainRecreated = e.onSwapchainRecreated

	if e.config.Renderer.HotReload {
		if err := e.startWatcher(); err != nil {
			// the engine keeps running without hot reload
			core.LogWarn("hot reload disabled: %s", err)
		}
	}

	if e.gameInstance.FnOnResize != nil {
		if err := e.gameInstance.FnOnResize(e.width, e.height); err != nil {
			return err
		}
	}
	e.currentStage = EngineStageInitialized
	return nil
}

// LoadProgram loads the program manifest <shader_dir>/<name>.toml. The engine
// owns the program and reloads it when its files change.
func (e *Engine) LoadProgram(name string) (*vulkan.VulkanProgram, error) {
	path := filepath.Join(e.config.Renderer.ShaderDir, name+".toml")
	program, err := e.renderer.LoadProgram(path)
	if err != nil {
		return nil, err
	}
	e.programs = append(e.programs, program)
	return program, nil
}

func (e *Engine) Swapchain() *vulkan.VulkanSwapchain {
	return e.renderer.Swapchain()
}

func (e *Engine) Graph() *rendergraph.RenderGraph {
	return e.graph
}

func (e *Engine) Config() *config.Config {
	return e.config
}

// GetFramebufferSize returns the width and height (in this order) of the
// application framebuffer
func (e *Engine) GetFramebufferSize() (uint32, uint32) {
	return e.width, e.height
}

// Quit stops the frame loop after the current frame. It is safe to call
// from any goroutine.
func (e *Engine) Quit() {
	e.quit.Store(true)
}

func (e *Engine) Run() error {
	e.currentStage = EngineStageRunning
	e.clock.Start()
	e.clock.Update()

	e.lastTime = e.clock.Elapsed()

	var frameCount uint64 = 0

	for e.isRunning && !e.quit.Load() {
		if !e.platform.PumpMessages() {
			e.isRunning = false
			break
		}
		if width, height, ok := e.platform.Resized(); ok {
			e.onResized(width, height)
		}

		if e.isSuspended {
			// nothing to draw into, block until the window comes back
			if !e.platform.WaitMessages() {
				e.isRunning = false
			}
			continue
		}

		if err := e.processWatcherEvents(); err != nil {
			core.LogError("Hot reload failed, shutting down: %s", err)
			e.isRunning = false
			return err
		}

		// Update clock and get delta time.
		e.clock.Update()
		var currentTime float64 = e.clock.Elapsed()
		var delta float64 = (currentTime - e.lastTime)
		var frameStartTime float64 = platform.GetAbsoluteTime()

		if e.gameInstance.FnUpdate != nil {
			if err := e.gameInstance.FnUpdate(delta); err != nil {
				core.LogError("Game update failed, shutting down.")
				e.isRunning = false
				return err
			}
		}

		if err := e.drawFrame(); err != nil {
			core.LogError("Frame failed, shutting down: %s", err)
			e.isRunning = false
			return err
		}

		var frameEndTime float64 = platform.GetAbsoluteTime()
		core.MetricsUpdate(frameEndTime - frameStartTime)
		frameCount++
		if frameCount%300 == 0 {
			fps, ms := core.MetricsFrame()
			core.LogDebug("%.0f fps, %.3f ms/frame", fps, ms)
		}

		// Update last time
		e.lastTime = currentTime
	}

	return nil
}

func (e *Engine) drawFrame() error {
	cmd, imageIndex, err := e.renderer.BeginFrame()
	if errors.Is(err, core.ErrSwapchainBooting) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := e.graph.Record(imageIndex, cmd); err != nil {
		return err
	}
	return e.renderer.EndFrame()
}

func (e *Engine) Shutdown() error {
	e.currentStage = EngineStageShuttingDown
	if e.watcher != nil {
		e.watcher.Close()
	}
	if e.renderer.Device() != nil {
		if err := e.renderer.WaitIdle(); err != nil {
			core.LogWarn(err.Error())
		}
	}
	if e.gameInstance.FnShutdown != nil {
		if err := e.gameInstance.FnShutdown(); err != nil {
			core.LogWarn(err.Error())
		}
	}
	if e.graph != nil {
		e.graph.Destroy()
	}
	for _, p := range e.programs {
		p.Destroy()
	}
	e.programs = nil
	if err := e.renderer.Shutdown(); err != nil {
		return err
	}
	if err := e.platform.Shutdown(); err != nil {
		return err
	}
	return nil
}

func (e *Engine) onResized(width, height uint32) {
	// Check if different. If so, trigger a resize event.
	if width == e.width && height == e.height && !e.isSuspended {
		return
	}
	e.width = width
	e.height = height
	core.LogDebug("Window resize: %d, %d", width, height)

	// Handle minimization
	if width == 0 || height == 0 {
		core.LogInfo("Window minimized, suspending application.")
		e.isSuspended = true
		return
	}
	if e.isSuspended {
		core.LogInfo("Window restored, resuming application.")
		e.isSuspended = false
	}
	e.renderer.Resized(width, height)
	if e.gameInstance.FnOnResize != nil {
		if err := e.gameInstance.FnOnResize(width, height); err != nil {
			core.LogError(err.Error())
		}
	}
}

// onSwapchainRecreated runs while the device is idle, before the old
// swapchain images are destroyed.
func (e *Engine) onSwapchainRecreated(swapchain *vulkan.VulkanSwapchain) error {
	return e.graph.Resize(swapchain.Extent())
}

func (e *Engine) startWatcher() error {
	w, err := config.NewWatcher(e.configPath)
	if err != nil {
		return err
	}
	if err := w.AddRecursive(e.config.Renderer.ShaderDir); err != nil {
		w.Close()
		return err
	}
	e.watcher = w
	core.LogInfo("watching %s for shader changes", e.config.Renderer.ShaderDir)
	return nil
}

// processWatcherEvents drains the watcher between frames, so no program or
// pipeline changes while a frame is recorded.
func (e *Engine) processWatcherEvents() error {
	if e.watcher == nil {
		return nil
	}
	// editors write a file more than once
	changed := make(map[string]config.Event)
drain:
	for {
		select {
		case ev, ok := <-e.watcher.Events:
			if !ok {
				e.watcher = nil
				break drain
			}
			changed[ev.Path] = ev
		default:
			break drain
		}
	}
	for _, ev := range changed {
		switch ev.Kind {
		case config.EventConfigChanged:
			e.reloadConfig()
		case config.EventShaderChanged:
			if err := e.reloadShaders(ev.Path); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) reloadConfig() {
	cfg, err := config.Load(e.configPath)
	if err != nil {
		core.LogWarn("config reload: %s", err)
		return
	}
	if err := cfg.Apply(); err != nil {
		core.LogWarn("config reload: %s", err)
		return
	}
	if cfg.Renderer != e.config.Renderer {
		core.LogWarn("renderer settings changed, they take effect on restart")
	}
	e.config.Log = cfg.Log
	core.LogInfo("configuration reloaded from %s", e.configPath)
}

// reloadShaders reloads every program built from path. A program that fails
// to load keeps its previous modules; a pass that fails to rebuild its
// pipeline is fatal.
func (e *Engine) reloadShaders(path string) error {
	for _, program := range e.programs {
		if !program.Uses(path) {
			continue
		}
		if err := e.renderer.WaitIdle(); err != nil {
			return err
		}
		if err := program.Reload(); err != nil {
			core.LogWarn("program %q not reloaded: %s", program.Name(), err)
			continue
		}
		for _, name := range e.passesUsing(program) {
			if err := e.graph.Reload(name); err != nil {
				return fmt.Errorf("rebuild pass %q: %w", name, err)
			}
		}
	}
	return nil
}

func (e *Engine) passesUsing(program rendergraph.Program) []string {
	var names []string
	for _, name := range e.graph.Order() {
		if p, ok := e.graph.Pass(name); ok && p.Program() == program {
			names = append(names, name)
		}
	}
	return names
}
