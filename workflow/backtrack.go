package workflow

import (
	"errors"
	"fmt"
)

// Backtrack target errors. The supervisor maps them onto triggers.
var (
	ErrBacktrackTargetNotFound = errors.New("backtrack target not found")
	ErrInvalidBacktrackTarget  = errors.New("backtrack target is not an ancestor of the current stage")
)

// BacktrackRequest carries what a strategy may consult.
type BacktrackRequest struct {
	Graph    *PlanGraph
	Progress *ProgressTracker
	// FromStage is the stage whose results were judged unrecoverable
	FromStage string
	// SuggestedTarget is an optional hint from the comparison collaborator
	SuggestedTarget string
	Reason          string
}

// BacktrackStrategy chooses which ancestor to roll back to.
type BacktrackStrategy interface {
	Name() string
	ChooseTarget(req BacktrackRequest) (string, error)
}

// Built-in strategy names.
const (
	StrategyNearestAncestor = "nearest_ancestor"
	StrategyRootAncestor    = "root_ancestor"
)

// StrategyByName returns the built-in strategy called name. Unknown or empty
// names yield NearestAncestorStrategy.
func StrategyByName(name string) BacktrackStrategy {
	if name == StrategyRootAncestor {
		return RootAncestorStrategy{}
	}
	return NearestAncestorStrategy{}
}

// NearestAncestorStrategy is the default strategy.
//
// A non-empty suggested target is returned as-is so that ValidateBacktrackTarget
// can reject it explicitly. Otherwise the strategy walks dependency edges
// backward (BFS, ties in plan order) and returns the first ancestor that has
// completed.
type NearestAncestorStrategy struct{}

// Name implements BacktrackStrategy.
func (NearestAncestorStrategy) Name() string { return StrategyNearestAncestor }

// ChooseTarget implements BacktrackStrategy.
func (NearestAncestorStrategy) ChooseTarget(req BacktrackRequest) (string, error) {
	if req.SuggestedTarget != "" {
		return req.SuggestedTarget, nil
	}
	if req.Graph == nil {
		return "", ErrBacktrackTargetNotFound
	}
	for _, id := range req.Graph.Ancestors(req.FromStage) {
		status, _ := req.Progress.Status(id)
		if status.IsCompleted() {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: %s has no completed ancestor", ErrBacktrackTargetNotFound, req.FromStage)
}

// RootAncestorStrategy walks back to the farthest completed ancestor.
type RootAncestorStrategy struct{}

// Name implements BacktrackStrategy.
func (RootAncestorStrategy) Name() string { return StrategyRootAncestor }

// ChooseTarget implements BacktrackStrategy.
func (RootAncestorStrategy) ChooseTarget(req BacktrackRequest) (string, error) {
	if req.SuggestedTarget != "" {
		return req.SuggestedTarget, nil
	}
	if req.Graph == nil {
		return "", ErrBacktrackTargetNotFound
	}
	ancestors := req.Graph.Ancestors(req.FromStage)
	for i := len(ancestors) - 1; i >= 0; i-- {
		status, _ := req.Progress.Status(ancestors[i])
		if status.IsCompleted() {
			return ancestors[i], nil
		}
	}
	return "", fmt.Errorf("%w: %s has no completed ancestor", ErrBacktrackTargetNotFound, req.FromStage)
}

// ValidateBacktrackTarget checks that target exists and is a true ancestor
// of from.
func ValidateBacktrackTarget(graph *PlanGraph, from, target string) error {
	if target == "" || !graph.Has(target) {
		return fmt.Errorf("%w: %q", ErrBacktrackTargetNotFound, target)
	}
	if target == from || !graph.IsAncestor(target, from) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidBacktrackTarget, from, target)
	}
	return nil
}

// Invalidate applies an accepted backtrack: target becomes NEEDS_RERUN and
// every stage reachable forward from target becomes INVALIDATED regardless
// of its own status. Ancestors of target are never touched. It returns the
// invalidated stage IDs in BFS order.
func Invalidate(graph *PlanGraph, progress *ProgressTracker, target string) ([]string, error) {
	if !graph.Has(target) {
		return nil, fmt.Errorf("%w: %s", ErrStageNotFound, target)
	}
	if err := progress.SetStatus(target, StatusNeedsRerun); err != nil {
		return nil, err
	}
	descendants := graph.Descendants(target)
	for _, id := range descendants {
		progress.markInvalidated(id, target)
	}
	return descendants, nil
}
