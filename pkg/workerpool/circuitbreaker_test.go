package workerpool_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/triangulate-io/core/pkg/workerpool"
)

func TestCircuitBreaker_TripsOpenAtThreshold(t *testing.T) {
	cb := workerpool.NewCircuitBreaker(workerpool.CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	assert.Equal(t, workerpool.CircuitClosed, cb.State())
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, workerpool.CircuitClosed, cb.State())
	cb.RecordFailure()
	assert.Equal(t, workerpool.CircuitOpen, cb.State())
	assert.False(t, cb.Allow())
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := workerpool.NewCircuitBreaker(workerpool.CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, workerpool.CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenAdmitsOneTrial(t *testing.T) {
	cb := workerpool.NewCircuitBreaker(workerpool.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond})

	cb.RecordFailure()
	assert.Equal(t, workerpool.CircuitOpen, cb.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, workerpool.CircuitHalfOpen, cb.State())

	assert.True(t, cb.Allow())
	assert.False(t, cb.Allow(), "only one trial job should be admitted while half-open")
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := workerpool.NewCircuitBreaker(workerpool.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond})

	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	assert.True(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, workerpool.CircuitOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenSuccessCloses(t *testing.T) {
	cb := workerpool.NewCircuitBreaker(workerpool.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond})

	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	assert.True(t, cb.Allow())
	cb.RecordSuccess()
	assert.Equal(t, workerpool.CircuitClosed, cb.State())
}
