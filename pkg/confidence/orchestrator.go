package confidence

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// OrchestratorConfig controls the triangulation panel, mirroring spec.md
// §6's triangulation configuration surface.
type OrchestratorConfig struct {
	ConflictThreshold float64       `yaml:"conflict_threshold"`
	RoleTimeout       time.Duration `yaml:"role_timeout"`

	// ExtraPeerReviewRounds is the "advanced" peer-review option spec.md
	// §9 leaves optional beyond the one mandatory round. Zero (the
	// default) runs exactly one round, matching the base orchestrator
	// model; this is a knob on the same code path, not a second one.
	ExtraPeerReviewRounds int `yaml:"extra_peer_review_rounds"`
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	if c.ConflictThreshold <= 0 {
		c.ConflictThreshold = 0.4
	}
	if c.RoleTimeout <= 0 {
		c.RoleTimeout = 2 * time.Minute
	}
	return c
}

// roleOutcome pairs a RoleResult with whatever error its role returned
// (timeout, LLM failure); a non-nil Err means the role did not vote.
type roleOutcome struct {
	Result RoleResult
	Err    error
}

// TriangulationResult is the orchestrator's final verdict for one
// relationship, including the full audit trail spec.md §4.7 requires
// ("persist session and per-role rows for audit").
type TriangulationResult struct {
	Outcome        Outcome
	Confidence     float64
	Conflict       bool
	RoleResults    []RoleResult
	FailedRoles    []RoleName
}

// reliabilityTracker is a rolling success rate per role, feeding the
// weighted-consensus step. "Success" means the role completed within its
// timeout and did not error — not whether its verdict later proved
// correct, which this system has no way to observe.
type reliabilityTracker struct {
	mu      sync.Mutex
	history map[RoleName][]bool
}

func newReliabilityTracker() *reliabilityTracker {
	return &reliabilityTracker{history: make(map[RoleName][]bool)}
}

const reliabilityWindow = 50

func (t *reliabilityTracker) record(role RoleName, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := append(t.history[role], success)
	if len(h) > reliabilityWindow {
		h = h[len(h)-reliabilityWindow:]
	}
	t.history[role] = h
}

// weight returns the role's rolling success rate, or 1.0 (full trust) for
// a role with no history yet.
func (t *reliabilityTracker) weight(role RoleName) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.history[role]
	if len(h) == 0 {
		return 1.0
	}
	var successes int
	for _, ok := range h {
		if ok {
			successes++
		}
	}
	return float64(successes) / float64(len(h))
}

// Orchestrator spawns the independent analyzer panel for relationships
// that land in the triangulate band and reconciles their verdicts.
type Orchestrator struct {
	cfg         OrchestratorConfig
	roles       []AnalyzerRole
	reliability *reliabilityTracker
}

// NewOrchestrator constructs an Orchestrator over roles (typically the six
// spec.md §4.7 names, built via NewLLMRole).
func NewOrchestrator(cfg OrchestratorConfig, roles []AnalyzerRole) *Orchestrator {
	return &Orchestrator{cfg: cfg.withDefaults(), roles: roles, reliability: newReliabilityTracker()}
}

// Triangulate runs the independent-role panel, an optional peer-review
// round, and consensus reconciliation for one candidate relationship.
func (o *Orchestrator) Triangulate(ctx context.Context, input RoleInput) (TriangulationResult, error) {
	first := o.runRound(ctx, input)

	rounds := 1 + o.cfg.ExtraPeerReviewRounds
	latest := first
	for round := 1; round < rounds; round++ {
		peerInput := input
		peerInput.PeerSummaries = summarize(latest)
		latest = o.runRound(ctx, peerInput)
	}

	return o.reconcile(latest), nil
}

// runRound invokes every role in parallel with a per-role timeout,
// tolerating individual failures: the orchestrator proceeds with whichever
// roles completed so long as at least two agree (checked in reconcile).
func (o *Orchestrator) runRound(ctx context.Context, input RoleInput) []roleOutcome {
	outcomes := make([]roleOutcome, len(o.roles))

	g, gctx := errgroup.WithContext(ctx)
	for i, role := range o.roles {
		i, role := i, role
		g.Go(func() error {
			roleCtx, cancel := context.WithTimeout(gctx, o.cfg.RoleTimeout)
			defer cancel()

			result, err := role.Analyze(roleCtx, input)
			if err != nil {
				// A failed role returns no result of its own; keep its name
				// so reconcile can report it in FailedRoles.
				result.Role = role.Name()
			}
			outcomes[i] = roleOutcome{Result: result, Err: err}
			o.reliability.record(role.Name(), err == nil)
			// Never propagate a single role's error through errgroup: that
			// would cancel gctx and abort roles still in flight. Each
			// role's failure is recorded in outcomes instead.
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

func summarize(outcomes []roleOutcome) map[RoleName]string {
	summaries := make(map[RoleName]string, len(outcomes))
	for _, o := range outcomes {
		if o.Err == nil {
			summaries[o.Result.Role] = o.Result.Reasoning
		}
	}
	return summaries
}

// reconcile applies spec.md §4.7's four-step combination: variance check,
// (peer review already folded into the round loop above), weighted
// consensus, and outcome application.
func (o *Orchestrator) reconcile(outcomes []roleOutcome) TriangulationResult {
	var results []RoleResult
	var failed []RoleName
	for _, o := range outcomes {
		if o.Err != nil {
			failed = append(failed, o.Result.Role)
			continue
		}
		results = append(results, o.Result)
	}

	if len(results) < 2 {
		return TriangulationResult{
			Outcome:     OutcomeEscalate,
			RoleResults: results,
			FailedRoles: failed,
		}
	}

	min, max := results[0].Confidence, results[0].Confidence
	for _, r := range results[1:] {
		if r.Confidence < min {
			min = r.Confidence
		}
		if r.Confidence > max {
			max = r.Confidence
		}
	}
	conflict := (max - min) > o.cfg.ConflictThreshold

	var weightedSum, weightTotal float64
	for _, r := range results {
		w := o.reliability.weight(r.Role)
		weightedSum += w * r.Confidence
		weightTotal += w
	}
	var consensus float64
	if weightTotal > 0 {
		consensus = weightedSum / weightTotal
	}

	// A mid-band consensus still resolves the ambiguity here: triangulation
	// already ran, so there is no further escalation path except conflict.
	outcome := OutcomeAccept
	switch {
	case conflict:
		outcome = OutcomeEscalate
	case consensus < TriangulateThreshold:
		outcome = OutcomeEscalate
	}

	return TriangulationResult{
		Outcome:     outcome,
		Confidence:  consensus,
		Conflict:    conflict,
		RoleResults: results,
		FailedRoles: failed,
	}
}
