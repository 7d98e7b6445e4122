//go:build mage

package main

import (
	"fmt"

	"github.com/magefile/mage/mg"
)

type Build mg.Namespace

// Compiles every GLSL source under assets/shaders into <source>.spv.
func (Build) Shaders() error {
	sources, err := shaderSources(shaderDir)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return fmt.Errorf("no shader sources in %s", shaderDir)
	}
	for _, src := range sources {
		if _, err := executeCmd("glslc", withArgs(src, "-o", src+".spv"), withStream()); err != nil {
			return err
		}
	}
	return nil
}

// Tidies the module and builds the demo binary into bin/.
func (Build) Binary() error {
	if err := goTidy(); err != nil {
		return err
	}
	if _, err := executeCmd("go", withArgs("build", "-o", "bin/rendergraph", "."), withStream()); err != nil {
		return err
	}
	return nil
}
