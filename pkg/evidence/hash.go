// Package evidence implements relationship-hash computation and the
// in-memory evidence counter that triggers reconciliation once a
// relationship has accumulated its expected number of independent votes.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/triangulate-io/core/internal/model"
)

// RelationshipHash computes a content hash over the normalized source and
// target semantic ids and the relationship type. Normalization lower-cases
// and trims both ids so that trivially different LLM renderings of the same
// identifier still collide onto one evidence bucket.
func RelationshipHash(sourceSemanticID, targetSemanticID string, relType model.RelationshipType) string {
	source := strings.ToLower(strings.TrimSpace(sourceSemanticID))
	target := strings.ToLower(strings.TrimSpace(targetSemanticID))

	h := sha256.New()
	h.Write([]byte(source))
	h.Write([]byte{0})
	h.Write([]byte(target))
	h.Write([]byte{0})
	h.Write([]byte(relType))
	return hex.EncodeToString(h.Sum(nil))
}
