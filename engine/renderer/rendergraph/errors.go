package rendergraph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoBackbuffer      = errors.New("render graph has no backbuffer")
	ErrNoRecordFunc      = errors.New("pass has no record function")
	ErrNoDepthOutput     = errors.New("graphics pass has no depth attachment")
	ErrSampledBackbuffer = errors.New("backbuffer cannot be sampled")
	ErrCyclicGraph       = errors.New("render graph is cyclic")
	ErrWrongHandleKind   = errors.New("wrong handle kind")
	ErrUnknownHandle     = errors.New("unknown handle")
	ErrFrameOutOfRange   = errors.New("frame index out of range")
	ErrBindingConflict   = errors.New("descriptor binding declared twice with different types")
	ErrNotCompiled       = errors.New("render graph is not compiled")
	ErrUnknownPass       = errors.New("unknown pass")
)

// CycleError reports the passes forming a dependency cycle, in the order
// they were visited.
type CycleError struct {
	Passes []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCyclicGraph, strings.Join(e.Passes, " -> "))
}

func (e *CycleError) Is(target error) bool {
	return target == ErrCyclicGraph
}
