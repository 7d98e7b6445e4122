package rendergraph

import (
	"fmt"
)

// ComputePass dispatches a single compute program.
type ComputePass struct {
	*Pass
	pipeline Pipeline
}

func (c *ComputePass) kind() PassKind {
	return PassKindCompute
}

func (c *ComputePass) validate() error {
	return nil
}

func (c *ComputePass) build() error {
	c.releasePipeline()
	pipeline, err := c.graph.device.NewComputePipeline(c.program, c.layout)
	if err != nil {
		return fmt.Errorf("compute pipeline for %q: %w", c.name, err)
	}
	c.pipeline = pipeline
	return nil
}

func (c *ComputePass) begin(frame uint32, cmd CommandBuffer) error {
	cmd.BindPipeline(c.pipeline)
	if len(c.bindings) > 0 {
		cmd.BindDescriptorSet(c.pipeline, c.sets[frame])
	}
	return nil
}

func (c *ComputePass) end(cmd CommandBuffer) {}

func (c *ComputePass) releasePipeline() {
	if c.pipeline != nil {
		c.pipeline.Destroy()
		c.pipeline = nil
	}
}

// Pipeline returns the compiled pipeline, nil before Compile.
func (c *ComputePass) Pipeline() Pipeline {
	return c.pipeline
}
