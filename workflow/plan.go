package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/reproflow/types"
)

// StageSpec describes one unit of plan work.
type StageSpec struct {
	// ID is the unique stage identifier
	ID string `json:"stage_id" yaml:"stage_id"`
	// Type places the stage in the fixed hierarchy
	Type StageType `json:"stage_type" yaml:"stage_type"`
	// Name is a human readable label
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	// Targets are the paper figures/quantities this stage reproduces
	Targets []string `json:"targets,omitempty" yaml:"targets,omitempty"`
	// Dependencies are the stage IDs that must complete first
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	// FallbackStrategy is free text consumed by the design collaborators
	FallbackStrategy string `json:"fallback_strategy,omitempty" yaml:"fallback_strategy,omitempty"`
}

// Plan is the ordered collection of stages for one reproduction run.
// A Plan is treated as immutable once it has been accepted; use Clone before
// editing a copy.
type Plan struct {
	PaperID string      `json:"paper_id" yaml:"paper_id"`
	Title   string      `json:"title,omitempty" yaml:"title,omitempty"`
	Stages  []StageSpec `json:"stages" yaml:"stages"`
}

// Clone returns a deep copy of the plan.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	out := &Plan{PaperID: p.PaperID, Title: p.Title}
	out.Stages = make([]StageSpec, len(p.Stages))
	for i, s := range p.Stages {
		s.Targets = append([]string(nil), s.Targets...)
		s.Dependencies = append([]string(nil), s.Dependencies...)
		out.Stages[i] = s
	}
	return out
}

// Stage returns the stage with the given ID.
func (p *Plan) Stage(id string) (StageSpec, bool) {
	if p == nil {
		return StageSpec{}, false
	}
	for _, s := range p.Stages {
		if s.ID == id {
			return s, true
		}
	}
	return StageSpec{}, false
}

// StageIDs returns stage IDs in plan order.
func (p *Plan) StageIDs() []string {
	if p == nil {
		return nil
	}
	ids := make([]string, len(p.Stages))
	for i, s := range p.Stages {
		ids[i] = s.ID
	}
	return ids
}

// ParsePlan decodes a plan document. YAML is a superset of JSON so both
// encodings are accepted.
func ParsePlan(data []byte) (*Plan, error) {
	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, types.NewError(types.ErrPlanParse, "failed to parse plan document").WithCause(err)
	}
	for i := range plan.Stages {
		if plan.Stages[i].Type == "" {
			continue
		}
		// Unknown types are left as-is; the scheduler blocks them.
		if t, err := ParseStageType(string(plan.Stages[i].Type)); err == nil {
			plan.Stages[i].Type = t
		}
	}
	return &plan, nil
}

// LoadPlanFile reads and validates a plan document from disk.
func LoadPlanFile(path string) (*Plan, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	plan, err := ParsePlan(data)
	if err != nil {
		return nil, err
	}
	if err := ValidatePlan(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// PlanGraph is a validated adjacency view over a Plan.
type PlanGraph struct {
	plan *Plan
	// index maps stage ID to plan position
	index map[string]int
	// deps[id] = explicit dependencies of id
	deps map[string][]string
	// dependents[id] = stages that list id as a dependency, in plan order
	dependents map[string][]string
}

// NewPlanGraph validates the plan and builds its adjacency maps.
func NewPlanGraph(plan *Plan) (*PlanGraph, error) {
	if err := ValidatePlan(plan); err != nil {
		return nil, err
	}
	return buildGraph(plan), nil
}

func buildGraph(plan *Plan) *PlanGraph {
	g := &PlanGraph{
		plan:       plan,
		index:      make(map[string]int, len(plan.Stages)),
		deps:       make(map[string][]string, len(plan.Stages)),
		dependents: make(map[string][]string, len(plan.Stages)),
	}
	for i, s := range plan.Stages {
		g.index[s.ID] = i
		g.deps[s.ID] = append([]string(nil), s.Dependencies...)
	}
	for _, s := range plan.Stages {
		for _, dep := range s.Dependencies {
			g.dependents[dep] = append(g.dependents[dep], s.ID)
		}
	}
	return g
}

// Plan returns the underlying plan.
func (g *PlanGraph) Plan() *Plan { return g.plan }

// Has reports whether id names a stage.
func (g *PlanGraph) Has(id string) bool {
	_, ok := g.index[id]
	return ok
}

// Order returns the plan position of id, or -1.
func (g *PlanGraph) Order(id string) int {
	if i, ok := g.index[id]; ok {
		return i
	}
	return -1
}

// Spec returns the stage spec for id.
func (g *PlanGraph) Spec(id string) (StageSpec, bool) {
	i, ok := g.index[id]
	if !ok {
		return StageSpec{}, false
	}
	return g.plan.Stages[i], true
}

// Dependencies returns the explicit dependencies of id.
func (g *PlanGraph) Dependencies(id string) []string {
	return g.deps[id]
}

// Dependents returns the stages that directly depend on id.
func (g *PlanGraph) Dependents(id string) []string {
	return g.dependents[id]
}

// Ancestors returns every stage reachable backward from id, nearest first
// (BFS order, ties in plan order).
func (g *PlanGraph) Ancestors(id string) []string {
	return g.walk(id, g.deps)
}

// Descendants returns every stage reachable forward from id in BFS order.
func (g *PlanGraph) Descendants(id string) []string {
	return g.walk(id, g.dependents)
}

// IsAncestor reports whether ancestor is reachable backward from id.
func (g *PlanGraph) IsAncestor(ancestor, id string) bool {
	for _, a := range g.Ancestors(id) {
		if a == ancestor {
			return true
		}
	}
	return false
}

func (g *PlanGraph) walk(start string, edges map[string][]string) []string {
	visited := map[string]bool{start: true}
	var out []string
	frontier := []string{start}
	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			neighbors := append([]string(nil), edges[id]...)
			sort.SliceStable(neighbors, func(i, j int) bool {
				return g.Order(neighbors[i]) < g.Order(neighbors[j])
			})
			for _, n := range neighbors {
				if visited[n] {
					continue
				}
				visited[n] = true
				out = append(out, n)
				next = append(next, n)
			}
		}
		frontier = next
	}
	return out
}

// ValidatePlan checks the structural preconditions: at least one stage,
// unique non-empty IDs, no self dependencies, no dangling references, no
// cycles and no dependency on a higher-tier stage. Unknown stage types are
// not rejected here; the scheduler blocks stages with a missing or unknown
// type.
func ValidatePlan(plan *Plan) error {
	if plan == nil || len(plan.Stages) == 0 {
		return invalidPlan(ErrEmptyPlan, "")
	}

	seen := make(map[string]bool, len(plan.Stages))
	for _, s := range plan.Stages {
		if s.ID == "" {
			return invalidPlan(ErrMissingStageID, "")
		}
		if seen[s.ID] {
			return invalidPlan(ErrDuplicateStage, s.ID)
		}
		seen[s.ID] = true
	}

	for _, s := range plan.Stages {
		for _, dep := range s.Dependencies {
			if dep == s.ID {
				return invalidPlan(ErrSelfDependency, s.ID)
			}
			if !seen[dep] {
				return invalidPlan(fmt.Errorf("%w: %s -> %s", ErrUnknownDependency, s.ID, dep), s.ID)
			}
		}
	}

	// 低层阶段依赖高层阶段时，层级隐式依赖与显式依赖互相等待，永远无法调度
	typeOf := make(map[string]StageType, len(plan.Stages))
	for _, s := range plan.Stages {
		typeOf[s.ID] = s.Type
	}
	for _, s := range plan.Stages {
		if !s.Type.Valid() {
			continue
		}
		for _, dep := range s.Dependencies {
			if dt := typeOf[dep]; dt.Valid() && dt.Rank() > s.Type.Rank() {
				return invalidPlan(fmt.Errorf("%w: %s (%s) -> %s (%s)", ErrTierInversion, s.ID, s.Type, dep, dt), s.ID)
			}
		}
	}

	return detectCycles(plan)
}

// detectCycles detects cycles in the dependency graph using DFS with a
// recursion-stack marker.
func detectCycles(plan *Plan) error {
	deps := make(map[string][]string, len(plan.Stages))
	for _, s := range plan.Stages {
		deps[s.ID] = s.Dependencies
	}

	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	for _, s := range plan.Stages {
		if visited[s.ID] {
			continue
		}
		if node := hasCycleDFS(s.ID, deps, visited, recStack); node != "" {
			return invalidPlan(fmt.Errorf("%w involving stage: %s", ErrCycle, node), node)
		}
	}
	return nil
}

// hasCycleDFS returns the stage that closes a back edge, or "".
func hasCycleDFS(id string, deps map[string][]string, visited, recStack map[string]bool) string {
	visited[id] = true
	recStack[id] = true

	for _, dep := range deps[id] {
		if !visited[dep] {
			if node := hasCycleDFS(dep, deps, visited, recStack); node != "" {
				return node
			}
		} else if recStack[dep] {
			// Back edge found - cycle detected
			return dep
		}
	}

	recStack[id] = false
	return ""
}

func invalidPlan(cause error, stageID string) error {
	e := types.NewError(types.ErrInvalidPlan, "plan failed structural validation").WithCause(cause)
	if stageID != "" {
		e.WithDetail("stage_id", stageID)
	}
	return e
}
