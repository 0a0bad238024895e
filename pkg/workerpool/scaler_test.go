package workerpool_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/triangulate-io/core/pkg/workerpool"
)

func TestScaler_ScalesUpOnSustainedHighCPU(t *testing.T) {
	s := workerpool.NewScaler("file-analysis", workerpool.ScalerConfig{
		Min: 1, Max: 5, CPUThreshold: 70, MemoryThreshold: 80, Cooldown: time.Millisecond,
	})

	for i := 0; i < 3; i++ {
		s.RecordSample(90, 10)
	}

	target, changed := s.Decide()
	assert.True(t, changed)
	assert.Equal(t, 2, target)
}

func TestScaler_NoScaleUpBelowMinimumSamples(t *testing.T) {
	s := workerpool.NewScaler("file-analysis", workerpool.ScalerConfig{
		Min: 1, Max: 5, CPUThreshold: 70, MemoryThreshold: 80, Cooldown: time.Millisecond,
	})

	s.RecordSample(95, 10)
	s.RecordSample(95, 10)

	target, changed := s.Decide()
	assert.False(t, changed)
	assert.Equal(t, 1, target)
}

func TestScaler_ScalesDownOnSustainedLowLoad(t *testing.T) {
	s := workerpool.NewScaler("file-analysis", workerpool.ScalerConfig{
		Min: 1, Max: 5, CPUThreshold: 70, MemoryThreshold: 80, Cooldown: time.Millisecond,
	})
	s.RecordSample(90, 10)
	s.RecordSample(90, 10)
	s.RecordSample(90, 10)
	s.Decide() // scale up to 2

	// The sustained average still includes the three 90% samples, so it
	// takes enough low samples to pull it below 35% (70 × 0.5):
	// (3×90 + 20×10) / 23 ≈ 20.4. The sleep clears the 1ms cooldown.
	for i := 0; i < 20; i++ {
		s.RecordSample(10, 10)
	}
	time.Sleep(5 * time.Millisecond)
	target, changed := s.Decide()
	assert.True(t, changed)
	assert.Equal(t, 1, target)
}

func TestScaler_RespectsMaxAndMin(t *testing.T) {
	s := workerpool.NewScaler("file-analysis", workerpool.ScalerConfig{
		Min: 1, Max: 1, CPUThreshold: 70, MemoryThreshold: 80, Cooldown: time.Millisecond,
	})
	s.RecordSample(95, 10)
	s.RecordSample(95, 10)
	s.RecordSample(95, 10)

	_, changed := s.Decide()
	assert.False(t, changed, "already at Max, must not scale up further")
}

func TestScaler_Cooldown(t *testing.T) {
	s := workerpool.NewScaler("file-analysis", workerpool.ScalerConfig{
		Min: 1, Max: 5, CPUThreshold: 70, MemoryThreshold: 80, Cooldown: time.Hour,
	})
	s.RecordSample(95, 10)
	s.RecordSample(95, 10)
	s.RecordSample(95, 10)
	s.Decide() // consumes the first decision

	s.RecordSample(95, 10)
	_, changed := s.Decide()
	assert.False(t, changed, "within cooldown window, no further decision")
}
