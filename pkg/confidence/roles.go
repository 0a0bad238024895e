package confidence

import "context"

// RoleName identifies one of the independent analyzer perspectives spec.md
// §4.7 spawns during triangulation.
type RoleName string

const (
	RoleSyntactic     RoleName = "syntactic"
	RoleSemantic      RoleName = "semantic"
	RoleContextual    RoleName = "contextual"
	RoleArchitectural RoleName = "architectural"
	RoleSecurity      RoleName = "security"
	RolePerformance   RoleName = "performance"
)

// DefaultRoles is the six-role panel spec.md §4.7 names as the default.
var DefaultRoles = []RoleName{
	RoleSyntactic, RoleSemantic, RoleContextual,
	RoleArchitectural, RoleSecurity, RolePerformance,
}

// RoleInput is the isolated context one analyzer role receives: a
// deep-copied view of the candidate relationship, its evidence, and
// whatever file excerpt the caller chose to include. Isolation matters —
// no role sees another role's reasoning until the peer-review round.
type RoleInput struct {
	RelationshipHash string
	SourceSemanticID string
	TargetSemanticID string
	Type             string
	Evidence         []EvidenceItem
	FileExcerpt      string

	// PeerSummaries is populated only for the peer-review round: the prior
	// reasoning of every role that completed the previous round (the
	// receiving role's own included), keyed by role name.
	PeerSummaries map[RoleName]string
}

// RoleResult is one analyzer role's verdict.
type RoleResult struct {
	Role       RoleName
	Confidence float64
	Reasoning  string
}

// AnalyzerRole is one independent perspective in the triangulation panel.
// Implementations invoke the LLM client adapter (or, for the syntactic
// role, pure evidence inspection) with a role-specific prompt.
type AnalyzerRole interface {
	Name() RoleName
	Analyze(ctx context.Context, input RoleInput) (RoleResult, error)
}

// LLMInvoker is the minimal surface an AnalyzerRole needs from the LLM
// client adapter (C15): send a role-specific prompt, get back a confidence
// and the model's reasoning. Kept separate from the gRPC client type so
// roles stay unit-testable with a fake.
type LLMInvoker interface {
	Invoke(ctx context.Context, prompt string) (confidence float64, reasoning string, err error)
}

// PromptBuilder renders a role-specific prompt from a RoleInput. Building
// the actual prompt text is an out-of-scope collaborator (spec.md's
// "out-of-scope prompt-builder"); NewLLMRole only needs something
// satisfying this signature.
type PromptBuilder func(role RoleName, input RoleInput) string

// llmRole is the default AnalyzerRole implementation: delegate scoring to
// an LLMInvoker using a role-specific prompt.
type llmRole struct {
	name    RoleName
	llm     LLMInvoker
	prompts PromptBuilder
}

// NewLLMRole constructs an AnalyzerRole that scores via llm using prompts
// to render each role's request.
func NewLLMRole(name RoleName, llm LLMInvoker, prompts PromptBuilder) AnalyzerRole {
	return &llmRole{name: name, llm: llm, prompts: prompts}
}

func (r *llmRole) Name() RoleName { return r.name }

func (r *llmRole) Analyze(ctx context.Context, input RoleInput) (RoleResult, error) {
	prompt := r.prompts(r.name, input)
	confidence, reasoning, err := r.llm.Invoke(ctx, prompt)
	if err != nil {
		return RoleResult{}, err
	}
	return RoleResult{Role: r.name, Confidence: clamp01(confidence), Reasoning: reasoning}, nil
}
