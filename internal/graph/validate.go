// Package graph validates pipeline graph submissions and orders them for
// execution.
package graph

import (
	"github.com/visionforge/visionforge/pkg/types"
)

// StageResolver answers whether a stage type is known. The stage registry
// satisfies this.
type StageResolver interface {
	Has(stageType string) bool
}

// Validated is a graph that passed structural validation. It keeps the
// original submission order of nodes, which the scheduler uses as its
// tie-break.
type Validated struct {
	Nodes []types.PipelineNode
	Edges []types.PipelineEdge

	// index maps node id to its submission position.
	index map[string]int
}

// Node returns the node with the given id.
func (v *Validated) Node(id string) (types.PipelineNode, bool) {
	i, ok := v.index[id]
	if !ok {
		return types.PipelineNode{}, false
	}
	return v.Nodes[i], true
}

// Validate checks a graph submission against the structural rules: the node
// set is non-empty, every stage type resolves, every edge endpoint exists,
// and the graph is acyclic. The input is not mutated.
func Validate(g types.PipelineGraph, stages StageResolver) (*Validated, error) {
	if len(g.Nodes) == 0 {
		return nil, &EmptyPipelineError{}
	}

	index := make(map[string]int, len(g.Nodes))
	for i, node := range g.Nodes {
		if _, dup := index[node.ID]; dup {
			// Duplicate ids make edges ambiguous; treat the second
			// occurrence as referencing a node that cannot exist.
			return nil, &DanglingEdgeError{Source: node.ID, Target: node.ID, Missing: node.ID}
		}
		if !stages.Has(node.Type) {
			return nil, &UnknownStageTypeError{NodeID: node.ID, StageType: node.Type}
		}
		index[node.ID] = i
	}

	adjacency := make(map[string][]string, len(g.Nodes))
	for _, edge := range g.Edges {
		if _, ok := index[edge.Source]; !ok {
			return nil, &DanglingEdgeError{Source: edge.Source, Target: edge.Target, Missing: edge.Source}
		}
		if _, ok := index[edge.Target]; !ok {
			return nil, &DanglingEdgeError{Source: edge.Source, Target: edge.Target, Missing: edge.Target}
		}
		adjacency[edge.Source] = append(adjacency[edge.Source], edge.Target)
	}

	if cycle := findCycle(g.Nodes, adjacency); cycle != nil {
		return nil, &CycleDetectedError{Nodes: cycle}
	}

	return &Validated{
		Nodes: g.Nodes,
		Edges: g.Edges,
		index: index,
	}, nil
}

const (
	colorUnvisited = iota
	colorVisiting
	colorDone
)

// findCycle runs an iterative depth-first traversal with a "currently
// visiting" mark per node. A back-edge to a visiting node signals a cycle;
// the returned slice holds that cycle's node ids in path order.
func findCycle(nodes []types.PipelineNode, adjacency map[string][]string) []string {
	color := make(map[string]int, len(nodes))
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = colorVisiting
		path = append(path, id)

		for _, next := range adjacency[id] {
			switch color[next] {
			case colorVisiting:
				// Slice the current path from the first occurrence
				// of next: that segment is the cycle.
				for i, pid := range path {
					if pid == next {
						cycle := make([]string, len(path)-i)
						copy(cycle, path[i:])
						return cycle
					}
				}
			case colorUnvisited:
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			}
		}

		path = path[:len(path)-1]
		color[id] = colorDone
		return nil
	}

	for _, node := range nodes {
		if color[node.ID] == colorUnvisited {
			if cycle := visit(node.ID); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
