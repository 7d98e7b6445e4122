package engine

import (
	"github.com/spaghettifunk/rendergraph/engine/renderer/rendergraph"
)

// Game is the application plugged into the engine. FnBuild declares the
// passes and resources of the render graph; the engine compiles it.
type Game struct {
	State      interface{}
	FnBuild    Build
	FnUpdate   Update
	FnOnResize OnResize
	FnShutdown Shutdown
}

type Build func(e *Engine, graph *rendergraph.RenderGraph) error
type Update func(deltaTime float64) error
type OnResize func(width uint32, height uint32) error
type Shutdown func() error
