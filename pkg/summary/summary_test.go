package summary

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFailureTracker_RecordsOnlyFirst(t *testing.T) {
	tr := NewFailureTracker()
	tr.Record("file-analysis", errors.New("boom"))
	tr.Record("file-analysis", errors.New("second"))

	assert.Equal(t, "boom", tr.get("file-analysis"))
}

func TestFailureTracker_NilErrorIsNoop(t *testing.T) {
	tr := NewFailureTracker()
	tr.Record("class", nil)

	assert.Equal(t, "", tr.get("class"))
}

func TestFailureTracker_UnknownClassReturnsEmpty(t *testing.T) {
	tr := NewFailureTracker()
	assert.Equal(t, "", tr.get("nonexistent"))
}
