package graph

import (
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/visionforge/visionforge/pkg/types"
)

// stubResolver knows a fixed set of stage types.
type stubResolver map[string]bool

func (r stubResolver) Has(t string) bool { return r[t] }

var stages = stubResolver{"ingest": true, "train": true, "work": true}

func n(id, typ string) types.PipelineNode  { return types.PipelineNode{ID: id, Type: typ} }
func e(src, dst string) types.PipelineEdge { return types.PipelineEdge{Source: src, Target: dst} }

func TestValidate(t *testing.T) {
	t.Run("accepts a valid dag", func(t *testing.T) {
		v, err := Validate(types.PipelineGraph{
			Nodes: []types.PipelineNode{n("a", "ingest"), n("b", "train")},
			Edges: []types.PipelineEdge{e("a", "b")},
		}, stages)
		if err != nil {
			t.Fatal(err)
		}
		if node, ok := v.Node("a"); !ok || node.Type != "ingest" {
			t.Errorf("Node(a) = %+v, %v", node, ok)
		}
		if _, ok := v.Node("zzz"); ok {
			t.Error("Node(zzz) found")
		}
	})

	t.Run("rejects empty graph", func(t *testing.T) {
		_, err := Validate(types.PipelineGraph{}, stages)
		var want *EmptyPipelineError
		if !errors.As(err, &want) {
			t.Errorf("error = %v, want EmptyPipelineError", err)
		}
	})

	t.Run("rejects unknown stage type", func(t *testing.T) {
		_, err := Validate(types.PipelineGraph{
			Nodes: []types.PipelineNode{n("a", "alchemy")},
		}, stages)
		var want *UnknownStageTypeError
		if !errors.As(err, &want) {
			t.Fatalf("error = %v, want UnknownStageTypeError", err)
		}
		if want.NodeID != "a" || want.StageType != "alchemy" {
			t.Errorf("error fields = %+v", want)
		}
	})

	t.Run("rejects dangling edges", func(t *testing.T) {
		for _, tc := range []struct {
			name    string
			edge    types.PipelineEdge
			missing string
		}{
			{"missing source", e("ghost", "a"), "ghost"},
			{"missing target", e("a", "ghost"), "ghost"},
		} {
			t.Run(tc.name, func(t *testing.T) {
				_, err := Validate(types.PipelineGraph{
					Nodes: []types.PipelineNode{n("a", "work")},
					Edges: []types.PipelineEdge{tc.edge},
				}, stages)
				var want *DanglingEdgeError
				if !errors.As(err, &want) {
					t.Fatalf("error = %v, want DanglingEdgeError", err)
				}
				if want.Missing != tc.missing {
					t.Errorf("Missing = %q, want %q", want.Missing, tc.missing)
				}
			})
		}
	})

	t.Run("rejects duplicate node ids", func(t *testing.T) {
		_, err := Validate(types.PipelineGraph{
			Nodes: []types.PipelineNode{n("a", "work"), n("a", "work")},
		}, stages)
		if err == nil {
			t.Error("duplicate node ids accepted")
		}
	})

	t.Run("detects a direct cycle", func(t *testing.T) {
		_, err := Validate(types.PipelineGraph{
			Nodes: []types.PipelineNode{n("a", "work"), n("b", "work")},
			Edges: []types.PipelineEdge{e("a", "b"), e("b", "a")},
		}, stages)
		var want *CycleDetectedError
		if !errors.As(err, &want) {
			t.Fatalf("error = %v, want CycleDetectedError", err)
		}
		if len(want.Nodes) != 2 {
			t.Errorf("cycle = %v", want.Nodes)
		}
	})

	t.Run("detects a long cycle behind a valid prefix", func(t *testing.T) {
		_, err := Validate(types.PipelineGraph{
			Nodes: []types.PipelineNode{
				n("start", "ingest"), n("a", "work"), n("b", "work"), n("c", "work"),
			},
			Edges: []types.PipelineEdge{
				e("start", "a"), e("a", "b"), e("b", "c"), e("c", "a"),
			},
		}, stages)
		var want *CycleDetectedError
		if !errors.As(err, &want) {
			t.Fatalf("error = %v, want CycleDetectedError", err)
		}
		cycle := strings.Join(want.Nodes, " ")
		if strings.Contains(cycle, "start") {
			t.Errorf("cycle %v includes non-cycle node start", want.Nodes)
		}
		if len(want.Nodes) != 3 {
			t.Errorf("cycle length = %d, want 3: %v", len(want.Nodes), want.Nodes)
		}
	})

	t.Run("self loop", func(t *testing.T) {
		_, err := Validate(types.PipelineGraph{
			Nodes: []types.PipelineNode{n("a", "work")},
			Edges: []types.PipelineEdge{e("a", "a")},
		}, stages)
		var want *CycleDetectedError
		if !errors.As(err, &want) {
			t.Fatalf("error = %v, want CycleDetectedError", err)
		}
	})
}

func mustValidate(t *testing.T, g types.PipelineGraph) *Validated {
	t.Helper()
	v, err := Validate(g, stages)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestSchedule(t *testing.T) {
	t.Run("single node", func(t *testing.T) {
		v := mustValidate(t, types.PipelineGraph{Nodes: []types.PipelineNode{n("only", "work")}})
		order, err := v.Schedule()
		if err != nil {
			t.Fatal(err)
		}
		if len(order) != 1 || order[0] != "only" {
			t.Errorf("order = %v", order)
		}
	})

	t.Run("respects dependencies", func(t *testing.T) {
		v := mustValidate(t, types.PipelineGraph{
			Nodes: []types.PipelineNode{n("c", "work"), n("a", "work"), n("b", "work")},
			Edges: []types.PipelineEdge{e("a", "b"), e("b", "c")},
		})
		order, err := v.Schedule()
		if err != nil {
			t.Fatal(err)
		}
		if order[0] != "a" || order[1] != "b" || order[2] != "c" {
			t.Errorf("order = %v, want [a b c]", order)
		}
	})

	t.Run("ties break by submission order", func(t *testing.T) {
		// x, y, z are all roots; submission order decides.
		v := mustValidate(t, types.PipelineGraph{
			Nodes: []types.PipelineNode{n("y", "work"), n("x", "work"), n("z", "work")},
		})
		order, err := v.Schedule()
		if err != nil {
			t.Fatal(err)
		}
		if order[0] != "y" || order[1] != "x" || order[2] != "z" {
			t.Errorf("order = %v, want submission order [y x z]", order)
		}
	})

	t.Run("deterministic across repeats", func(t *testing.T) {
		v := mustValidate(t, types.PipelineGraph{
			Nodes: []types.PipelineNode{n("a", "work"), n("b", "work"), n("c", "work"), n("d", "work")},
			Edges: []types.PipelineEdge{e("a", "c"), e("b", "c"), e("c", "d")},
		})
		first, err := v.Schedule()
		if err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 20; i++ {
			again, err := v.Schedule()
			if err != nil {
				t.Fatal(err)
			}
			for j := range first {
				if again[j] != first[j] {
					t.Fatalf("iteration %d: order %v != %v", i, again, first)
				}
			}
		}
	})

	t.Run("random dags satisfy edge ordering", func(t *testing.T) {
		rng := rand.New(rand.NewSource(7))
		for trial := 0; trial < 50; trial++ {
			size := 2 + rng.Intn(10)
			var nodes []types.PipelineNode
			for i := 0; i < size; i++ {
				nodes = append(nodes, n(string(rune('a'+i)), "work"))
			}
			// Edges only point forward in submission order, so the
			// graph is acyclic by construction.
			var edges []types.PipelineEdge
			for i := 0; i < size; i++ {
				for j := i + 1; j < size; j++ {
					if rng.Intn(3) == 0 {
						edges = append(edges, e(nodes[i].ID, nodes[j].ID))
					}
				}
			}

			v := mustValidate(t, types.PipelineGraph{Nodes: nodes, Edges: edges})
			order, err := v.Schedule()
			if err != nil {
				t.Fatal(err)
			}
			if len(order) != size {
				t.Fatalf("order %v misses nodes", order)
			}
			pos := make(map[string]int, size)
			for i, id := range order {
				pos[id] = i
			}
			for _, edge := range edges {
				if pos[edge.Source] >= pos[edge.Target] {
					t.Fatalf("edge %s->%s violated in %v", edge.Source, edge.Target, order)
				}
			}
		}
	})
}
