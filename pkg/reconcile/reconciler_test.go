package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/triangulate-io/core/pkg/confidence"
)

func TestNameFromSemanticID(t *testing.T) {
	assert.Equal(t, "bar", nameFromSemanticID("a.js_function_bar"))
	assert.Equal(t, "plainname", nameFromSemanticID("plainname"))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, "triangulated-validated", string(statusFor(confidence.OutcomeAccept, true)))
	assert.Equal(t, "validated", string(statusFor(confidence.OutcomeAccept, false)))
	assert.Equal(t, "escalated", string(statusFor(confidence.OutcomeEscalate, false)))
}
