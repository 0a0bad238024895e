package evidence_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/triangulate-io/core/internal/model"
	"github.com/triangulate-io/core/pkg/evidence"
)

func TestRelationshipHash_NormalizesCase(t *testing.T) {
	a := evidence.RelationshipHash("Foo_function_Bar", "baz_class_Qux", model.RelCalls)
	b := evidence.RelationshipHash("foo_function_bar", "BAZ_class_qux", model.RelCalls)
	assert.Equal(t, a, b)
}

func TestRelationshipHash_DistinguishesType(t *testing.T) {
	a := evidence.RelationshipHash("a", "b", model.RelCalls)
	b := evidence.RelationshipHash("a", "b", model.RelUses)
	assert.NotEqual(t, a, b)
}

func TestRelationshipHash_DistinguishesDirection(t *testing.T) {
	a := evidence.RelationshipHash("a", "b", model.RelCalls)
	b := evidence.RelationshipHash("b", "a", model.RelCalls)
	assert.NotEqual(t, a, b)
}

func TestCounter_ReadyOnlyAtExpectedCount(t *testing.T) {
	c := evidence.NewCounter()
	c.SetExpected("hash-1", 3)

	ready, known := c.Increment("hash-1")
	assert.True(t, known)
	assert.False(t, ready)

	c.Increment("hash-1")
	ready, known = c.Increment("hash-1")
	assert.True(t, known)
	assert.True(t, ready)
}

func TestCounter_UnknownHashNotReady(t *testing.T) {
	c := evidence.NewCounter()
	ready, known := c.Increment("unknown")
	assert.False(t, known)
	assert.False(t, ready)
}

func TestCounter_Forget(t *testing.T) {
	c := evidence.NewCounter()
	c.SetExpected("hash-1", 1)
	c.Increment("hash-1")
	c.Forget("hash-1")

	ready, known := c.Increment("hash-1")
	assert.False(t, known)
	assert.False(t, ready)
}
