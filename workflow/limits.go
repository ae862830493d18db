package workflow

// Built-in fallbacks applied when a Limits field is absent.
const (
	DefaultMaxDesignRevisions   = 3
	DefaultMaxCodeRevisions     = 3
	DefaultMaxExecutionFailures = 2
	DefaultMaxPhysicsFailures   = 2
	DefaultMaxReplans           = 2
	DefaultMaxBacktracks        = 2
)

// Limits is the runtime configuration read by every RevisionGate call.
// Nil fields fall back to the Default* constants. Limits is passed by value
// and never mutated by the core.
type Limits struct {
	MaxDesignRevisions   *int `json:"max_design_revisions,omitempty" yaml:"max_design_revisions"`
	MaxCodeRevisions     *int `json:"max_code_revisions,omitempty" yaml:"max_code_revisions"`
	MaxExecutionFailures *int `json:"max_execution_failures,omitempty" yaml:"max_execution_failures"`
	MaxPhysicsFailures   *int `json:"max_physics_failures,omitempty" yaml:"max_physics_failures"`
	MaxReplans           *int `json:"max_replans,omitempty" yaml:"max_replans"`
	MaxBacktracks        *int `json:"max_backtracks,omitempty" yaml:"max_backtracks"`
	// RequireBacktrackApproval routes backtracks through the human before
	// anything is invalidated
	RequireBacktrackApproval *bool `json:"require_backtrack_approval,omitempty" yaml:"require_backtrack_approval"`
}

// IntPtr is a small helper for building Limits literals.
func IntPtr(v int) *int { return &v }

// BoolPtr is a small helper for building Limits literals.
func BoolPtr(v bool) *bool { return &v }

func orDefault(v *int, def int) int {
	if v == nil || *v < 0 {
		return def
	}
	return *v
}

// Max returns the configured maximum for the gate.
func (l Limits) Max(gate GateName) int {
	switch gate {
	case GateDesignReview:
		return orDefault(l.MaxDesignRevisions, DefaultMaxDesignRevisions)
	case GateCodeReview:
		return orDefault(l.MaxCodeRevisions, DefaultMaxCodeRevisions)
	case GateExecution:
		return orDefault(l.MaxExecutionFailures, DefaultMaxExecutionFailures)
	case GatePhysics:
		return orDefault(l.MaxPhysicsFailures, DefaultMaxPhysicsFailures)
	case GateReplan:
		return orDefault(l.MaxReplans, DefaultMaxReplans)
	case GateBacktrack:
		return orDefault(l.MaxBacktracks, DefaultMaxBacktracks)
	}
	return 0
}

// BacktrackNeedsApproval reports whether backtracks must be approved first.
func (l Limits) BacktrackNeedsApproval() bool {
	return l.RequireBacktrackApproval != nil && *l.RequireBacktrackApproval
}

// Resolved returns a copy with every field populated.
func (l Limits) Resolved() Limits {
	approval := l.BacktrackNeedsApproval()
	return Limits{
		MaxDesignRevisions:       IntPtr(l.Max(GateDesignReview)),
		MaxCodeRevisions:         IntPtr(l.Max(GateCodeReview)),
		MaxExecutionFailures:     IntPtr(l.Max(GateExecution)),
		MaxPhysicsFailures:       IntPtr(l.Max(GatePhysics)),
		MaxReplans:               IntPtr(l.Max(GateReplan)),
		MaxBacktracks:            IntPtr(l.Max(GateBacktrack)),
		RequireBacktrackApproval: BoolPtr(approval),
	}
}
