package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 30*time.Minute, cfg.StageTimeout)
}

func TestConfig_RespectsExplicitValues(t *testing.T) {
	cfg := Config{PollInterval: time.Second, StageTimeout: time.Minute}.withDefaults()
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, time.Minute, cfg.StageTimeout)
}

func TestCancelRun_UnknownRunReturnsFalse(t *testing.T) {
	o := &Orchestrator{cancels: make(map[string]context.CancelFunc)}
	assert.False(t, o.CancelRun("nonexistent"))
}

func TestCancelRun_CancelsRegisteredFunc(t *testing.T) {
	o := &Orchestrator{cancels: make(map[string]context.CancelFunc)}
	called := false
	o.cancels["run-1"] = func() { called = true }

	assert.True(t, o.CancelRun("run-1"))
	assert.True(t, called)
}
