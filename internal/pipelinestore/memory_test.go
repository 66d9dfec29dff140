package pipelinestore

import (
	"context"
	"testing"

	"github.com/visionforge/visionforge/pkg/types"
)

func testGraph() *types.PipelineGraph {
	return &types.PipelineGraph{
		Nodes: []types.PipelineNode{
			{ID: "a", Type: "ingest"},
			{ID: "b", Type: "train"},
		},
		Edges: []types.PipelineEdge{{Source: "a", Target: "b"}},
	}
}

func TestMemoryStoreCreate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	t.Run("creates with generated id", func(t *testing.T) {
		p, err := store.Create(ctx, &CreatePipelineRequest{
			Name:  "classifier-v1",
			Graph: testGraph(),
		})
		if err != nil {
			t.Fatal(err)
		}
		if p.ID == "" {
			t.Error("expected generated ID")
		}
		if p.Version != "1" {
			t.Errorf("version = %q, want 1", p.Version)
		}
		if p.CreatedAt.IsZero() || p.UpdatedAt.IsZero() {
			t.Error("timestamps not set")
		}
	})

	t.Run("creates with explicit id", func(t *testing.T) {
		p, err := store.Create(ctx, &CreatePipelineRequest{
			ID:    "my-pipeline",
			Name:  "named",
			Graph: testGraph(),
		})
		if err != nil {
			t.Fatal(err)
		}
		if p.ID != "my-pipeline" {
			t.Errorf("ID = %q", p.ID)
		}
	})

	t.Run("rejects duplicate id", func(t *testing.T) {
		_, err := store.Create(ctx, &CreatePipelineRequest{
			ID:    "my-pipeline",
			Name:  "again",
			Graph: testGraph(),
		})
		if err != ErrPipelineExists {
			t.Errorf("error = %v, want ErrPipelineExists", err)
		}
	})

	t.Run("rejects missing name", func(t *testing.T) {
		if _, err := store.Create(ctx, &CreatePipelineRequest{Graph: testGraph()}); err == nil {
			t.Error("expected validation error")
		}
	})

	t.Run("rejects missing graph", func(t *testing.T) {
		if _, err := store.Create(ctx, &CreatePipelineRequest{Name: "no-graph"}); err == nil {
			t.Error("expected validation error")
		}
	})
}

func TestMemoryStoreGetUpdateDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	created, err := store.Create(ctx, &CreatePipelineRequest{
		Name:  "classifier",
		Graph: testGraph(),
	})
	if err != nil {
		t.Fatal(err)
	}

	t.Run("get returns a copy", func(t *testing.T) {
		got, err := store.Get(ctx, created.ID)
		if err != nil {
			t.Fatal(err)
		}
		got.Name = "mutated"
		again, _ := store.Get(ctx, created.ID)
		if again.Name != "classifier" {
			t.Error("Get exposed internal state")
		}
	})

	t.Run("update fields", func(t *testing.T) {
		name := "renamed"
		desc := "a description"
		updated, err := store.Update(ctx, created.ID, &UpdatePipelineRequest{
			Name:        &name,
			Description: &desc,
		})
		if err != nil {
			t.Fatal(err)
		}
		if updated.Name != "renamed" || updated.Description != "a description" {
			t.Errorf("updated = %+v", updated)
		}
		if !updated.UpdatedAt.After(created.UpdatedAt) && updated.UpdatedAt != created.UpdatedAt {
			t.Error("UpdatedAt not touched")
		}
	})

	t.Run("update unknown id", func(t *testing.T) {
		if _, err := store.Update(ctx, "nope", &UpdatePipelineRequest{}); err != ErrPipelineNotFound {
			t.Errorf("error = %v, want ErrPipelineNotFound", err)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := store.Delete(ctx, created.ID); err != nil {
			t.Fatal(err)
		}
		if _, err := store.Get(ctx, created.ID); err != ErrPipelineNotFound {
			t.Errorf("error = %v, want ErrPipelineNotFound", err)
		}
		if err := store.Delete(ctx, created.ID); err != ErrPipelineNotFound {
			t.Errorf("second delete = %v, want ErrPipelineNotFound", err)
		}
	})
}

func TestMemoryStoreList(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	for i, creator := range []string{"alice", "alice", "bob"} {
		_, err := store.Create(ctx, &CreatePipelineRequest{
			Name:      "p",
			Graph:     testGraph(),
			CreatedBy: creator,
		})
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	t.Run("all", func(t *testing.T) {
		all, err := store.List(ctx, nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 3 {
			t.Errorf("got %d pipelines, want 3", len(all))
		}
	})

	t.Run("filter by creator", func(t *testing.T) {
		mine, err := store.List(ctx, &ListOptions{CreatedBy: "alice"})
		if err != nil {
			t.Fatal(err)
		}
		if len(mine) != 2 {
			t.Errorf("got %d pipelines for alice, want 2", len(mine))
		}
	})

	t.Run("limit and offset", func(t *testing.T) {
		page, err := store.List(ctx, &ListOptions{Limit: 2})
		if err != nil {
			t.Fatal(err)
		}
		if len(page) != 2 {
			t.Errorf("limit 2 returned %d", len(page))
		}

		rest, err := store.List(ctx, &ListOptions{Offset: 2})
		if err != nil {
			t.Fatal(err)
		}
		if len(rest) != 1 {
			t.Errorf("offset 2 returned %d", len(rest))
		}

		none, err := store.List(ctx, &ListOptions{Offset: 10})
		if err != nil {
			t.Fatal(err)
		}
		if len(none) != 0 {
			t.Errorf("offset past end returned %d", len(none))
		}
	})
}
