package core

import (
	"sync"

	"github.com/spaghettifunk/rendergraph/engine/containers"
)

const AVG_COUNT uint8 = 30

// MetricsState keeps a rolling average of the frame time and the number of
// frames displayed over the last second.
type MetricsState struct {
	// last AVG_COUNT frame times in milliseconds
	frameTimes         *containers.RingQueue[float64]
	MSavg              float64
	Frames             int32
	AccumulatedFrameMS float64
	FPS                float64
	mu                 sync.Mutex
}

var onceMetrics sync.Once
var metricsState *MetricsState = nil

func MetricsInitialize() error {
	onceMetrics.Do(func() {
		metricsState = &MetricsState{
			frameTimes: containers.NewRingQueue[float64](int(AVG_COUNT)),
		}
	})
	return nil
}

func MetricsUpdate(frameElapsedTime float64) {
	metricsState.mu.Lock()
	defer metricsState.mu.Unlock()

	frameMS := frameElapsedTime * 1000.0
	metricsState.frameTimes.Push(frameMS)
	if metricsState.frameTimes.IsFull() {
		sum := 0.0
		metricsState.frameTimes.Each(func(ms float64) {
			sum += ms
		})
		metricsState.MSavg = sum / float64(AVG_COUNT)
	}

	metricsState.AccumulatedFrameMS += frameMS
	if metricsState.AccumulatedFrameMS > 1000 {
		metricsState.FPS = float64(metricsState.Frames)
		metricsState.AccumulatedFrameMS -= 1000
		metricsState.Frames = 0
	}

	metricsState.Frames++
}

// MetricsFrame returns the frames per second and the average frame time in milliseconds.
func MetricsFrame() (float64, float64) {
	metricsState.mu.Lock()
	defer metricsState.mu.Unlock()
	return metricsState.FPS, metricsState.MSavg
}
