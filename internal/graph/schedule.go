package graph

// Schedule orders the validated graph's nodes into a linear execution
// sequence using Kahn's algorithm. When several nodes are ready at once,
// the one submitted earliest wins; this tie-break makes the order
// deterministic and reproducible across runs of the same submission.
//
// A validated graph is acyclic, so scheduling cannot legitimately fail. If
// nodes remain unresolved anyway the validator and scheduler disagree about
// the graph and ErrInternalInconsistency is returned.
func (v *Validated) Schedule() ([]string, error) {
	indegree := make(map[string]int, len(v.Nodes))
	dependents := make(map[string][]string, len(v.Nodes))
	for _, node := range v.Nodes {
		indegree[node.ID] = 0
	}
	for _, edge := range v.Edges {
		dependents[edge.Source] = append(dependents[edge.Source], edge.Target)
		indegree[edge.Target]++
	}

	// ready holds ids with no unresolved predecessors, kept in submission
	// order by always selecting the minimum index.
	var ready []string
	for _, node := range v.Nodes {
		if indegree[node.ID] == 0 {
			ready = append(ready, node.ID)
		}
	}

	order := make([]string, 0, len(v.Nodes))
	for len(ready) > 0 {
		min := 0
		for i := 1; i < len(ready); i++ {
			if v.index[ready[i]] < v.index[ready[min]] {
				min = i
			}
		}
		id := ready[min]
		ready = append(ready[:min], ready[min+1:]...)
		order = append(order, id)

		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(order) != len(v.Nodes) {
		return nil, ErrInternalInconsistency
	}
	return order, nil
}
