/*
Particle demo driven by the render graph: a compute pass animates the
particles, a graphics pass draws them into an HDR target and a composite
pass writes the swapchain image.
*/
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/spaghettifunk/rendergraph/engine"
	"github.com/spaghettifunk/rendergraph/engine/core"
	"github.com/spaghettifunk/rendergraph/testbed"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to the TOML configuration")
	flag.Parse()

	tb := testbed.NewTestGame()

	e, err := engine.New(tb.Game, *configPath)
	if err != nil {
		core.LogError(err.Error())
		os.Exit(1)
	}

	if err := e.Initialize(); err != nil {
		core.LogError(err.Error())
		_ = e.Shutdown()
		os.Exit(1)
	}

	// signal channel to capture system calls
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)

	// the frame loop owns every Vulkan object, so the signal only stops it
	go func() {
		<-sigCh
		e.Quit()
	}()

	runErr := e.Run()
	if err := e.Shutdown(); err != nil {
		core.LogError(err.Error())
	}
	if runErr != nil {
		os.Exit(1)
	}
}
