package confidence

import (
	"fmt"
	"strings"
)

// roleFocus gives each analyzer role a one-line framing, the way the
// teacher's prompt builder pairs a ReAct vs chat conversation with a
// distinct taskFocus constant rather than branching deep inside one
// template.
var roleFocus = map[RoleName]string{
	RoleSyntactic:     "Judge only whether the evidence's syntax (call shape, import, reference) supports this relationship. Ignore naming conventions or intent.",
	RoleSemantic:      "Judge whether the relationship makes sense given the names and types involved, independent of exact syntax.",
	RoleContextual:    "Judge the relationship in light of the surrounding file and directory structure — is this usage idiomatic for this kind of module?",
	RoleArchitectural: "Judge whether this relationship crosses a layer boundary the rest of the codebase respects, or whether it looks like an architectural violation.",
	RoleSecurity:      "Judge whether this relationship has any security-relevant shape — credential flow, trust boundary crossing, input handling.",
	RolePerformance:   "Judge whether this relationship implies a performance-relevant pattern — a hot-path call, an allocation, a blocking dependency.",
}

// BuildPrompt is the default PromptBuilder: it renders a role-specific
// request from a RoleInput's relationship, evidence, and (during peer
// review) the other roles' prior verdicts. Composed with strings.Builder
// the way the teacher's prompt package composes instructions section by
// section instead of a single format string.
func BuildPrompt(role RoleName, input RoleInput) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are the %s reviewer in a code-relationship triangulation panel.\n", role)
	if focus := roleFocus[role]; focus != "" {
		b.WriteString(focus)
		b.WriteString("\n\n")
	}

	fmt.Fprintf(&b, "Candidate relationship: %s --[%s]--> %s\n", input.SourceSemanticID, input.Type, input.TargetSemanticID)

	if len(input.Evidence) > 0 {
		b.WriteString("Evidence collected so far:\n")
		for _, e := range input.Evidence {
			fmt.Fprintf(&b, "- llm_confidence=%.2f cues=%s\n", e.LLMConfidence, strings.Join(e.SyntacticCues, ","))
		}
	}

	if input.FileExcerpt != "" {
		b.WriteString("\nRelevant file excerpt:\n")
		b.WriteString(input.FileExcerpt)
		b.WriteString("\n")
	}

	if len(input.PeerSummaries) > 0 {
		b.WriteString("\nOther reviewers' prior verdicts:\n")
		for name, summary := range input.PeerSummaries {
			fmt.Fprintf(&b, "- %s: %s\n", name, summary)
		}
		b.WriteString("\nReconsider your verdict in light of the above, and note where you agree or disagree.\n")
	}

	b.WriteString("\nRespond with a confidence between 0 and 1 that this relationship is real, and a short justification.")

	return b.String()
}
