package graph

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInternalInconsistency means the scheduler produced an incomplete order
// from a graph already validated as acyclic. This is a defect in the
// validator or scheduler, never a user error.
var ErrInternalInconsistency = errors.New("graph: scheduler left unresolved nodes after acyclicity validation")

// EmptyPipelineError rejects submissions with no nodes.
type EmptyPipelineError struct{}

func (e *EmptyPipelineError) Error() string { return "pipeline has no nodes" }

// UnknownStageTypeError rejects a node whose stage type is not registered.
type UnknownStageTypeError struct {
	NodeID    string
	StageType string
}

func (e *UnknownStageTypeError) Error() string {
	return fmt.Sprintf("node %q references unknown stage type %q", e.NodeID, e.StageType)
}

// DanglingEdgeError rejects an edge whose endpoint is not in the node set.
type DanglingEdgeError struct {
	Source string
	Target string
	// Missing is the endpoint id that could not be resolved.
	Missing string
}

func (e *DanglingEdgeError) Error() string {
	return fmt.Sprintf("edge %s->%s references missing node %q", e.Source, e.Target, e.Missing)
}

// CycleDetectedError rejects a graph containing at least one cycle.
// Nodes holds the ids of one detected cycle, in traversal order.
type CycleDetectedError struct {
	Nodes []string
}

func (e *CycleDetectedError) Error() string {
	return fmt.Sprintf("pipeline contains a cycle: %s", strings.Join(e.Nodes, " -> "))
}
