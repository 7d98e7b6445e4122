package testbed

import (
	"github.com/spaghettifunk/rendergraph/engine"
	"github.com/spaghettifunk/rendergraph/engine/core"
	"github.com/spaghettifunk/rendergraph/engine/renderer/rendergraph"
)

type TestGame struct {
	*engine.Game
}

type gameState struct {
	time  float64
	delta float64

	width  uint32
	height uint32

	particleCount uint32
	handles       graphHandles
}

func NewTestGame() *TestGame {
	tg := &TestGame{
		Game: &engine.Game{
			State: &gameState{
				particleCount: defaultParticleCount,
			},
		},
	}

	tg.FnBuild = tg.Build
	tg.FnUpdate = tg.Update
	tg.FnOnResize = tg.OnResize
	tg.FnShutdown = tg.Shutdown

	return tg
}

// Build loads the three programs of the demo and declares the particle graph.
func (g *TestGame) Build(e *engine.Engine, graph *rendergraph.RenderGraph) error {
	core.LogInfo("building testbed render graph...")
	state := g.State.(*gameState)

	var p programs
	for _, load := range []struct {
		name string
		dst  *rendergraph.Program
	}{
		{"particles_simulate", &p.simulate},
		{"particles_draw", &p.draw},
		{"composite", &p.composite},
	} {
		program, err := e.LoadProgram(load.name)
		if err != nil {
			core.LogError("failed to load program %q", load.name)
			return err
		}
		*load.dst = program
	}

	handles, err := buildGraph(graph, e.Swapchain(), p, state)
	if err != nil {
		return err
	}
	state.handles = handles
	return nil
}

func (g *TestGame) Update(deltaTime float64) error {
	state := g.State.(*gameState)
	state.delta = deltaTime
	state.time += deltaTime
	return nil
}

func (g *TestGame) OnResize(width uint32, height uint32) error {
	state := g.State.(*gameState)
	state.width = width
	state.height = height
	return nil
}

func (g *TestGame) Shutdown() error {
	core.LogInfo("testbed shutting down")
	return nil
}
