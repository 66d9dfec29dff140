package pipelinestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/visionforge/visionforge/pkg/types"
)

const (
	pipelineKeyPrefix = "pipeline:"
	pipelineListKey   = "pipelines"
)

// RedisStore implements PipelineStore using Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis-backed pipeline store.
func NewRedisStore(addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient creates a store using an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) pipelineKey(id string) string {
	return pipelineKeyPrefix + id
}

// Create saves a new pipeline.
func (s *RedisStore) Create(ctx context.Context, req *CreatePipelineRequest) (*types.Pipeline, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	exists, err := s.client.Exists(ctx, s.pipelineKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("check exists: %w", err)
	}
	if exists > 0 {
		return nil, ErrPipelineExists
	}

	now := time.Now().UTC()
	p := &types.Pipeline{
		ID:          id,
		Name:        req.Name,
		Description: req.Description,
		Version:     "1",
		Graph:       req.Graph,
		Metadata:    req.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
		CreatedBy:   req.CreatedBy,
	}

	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal pipeline: %w", err)
	}

	// Use transaction to set pipeline and add to list
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.pipelineKey(id), data, 0)
	pipe.SAdd(ctx, pipelineListKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("save pipeline: %w", err)
	}

	return p, nil
}

// Get retrieves a pipeline by ID.
func (s *RedisStore) Get(ctx context.Context, id string) (*types.Pipeline, error) {
	data, err := s.client.Get(ctx, s.pipelineKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrPipelineNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline: %w", err)
	}

	var p types.Pipeline
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal pipeline: %w", err)
	}

	return &p, nil
}

// Update modifies an existing pipeline.
func (s *RedisStore) Update(ctx context.Context, id string, req *UpdatePipelineRequest) (*types.Pipeline, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		p.Name = *req.Name
	}
	if req.Description != nil {
		p.Description = *req.Description
	}
	if req.Graph != nil {
		p.Graph = req.Graph
	}
	if req.Metadata != nil {
		p.Metadata = req.Metadata
	}
	p.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal pipeline: %w", err)
	}

	if err := s.client.Set(ctx, s.pipelineKey(id), data, 0).Err(); err != nil {
		return nil, fmt.Errorf("save pipeline: %w", err)
	}

	return p, nil
}

// Delete removes a pipeline.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	exists, err := s.client.Exists(ctx, s.pipelineKey(id)).Result()
	if err != nil {
		return fmt.Errorf("check exists: %w", err)
	}
	if exists == 0 {
		return ErrPipelineNotFound
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.pipelineKey(id))
	pipe.SRem(ctx, pipelineListKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete pipeline: %w", err)
	}

	return nil
}

// List returns all pipelines matching the options.
func (s *RedisStore) List(ctx context.Context, opts *ListOptions) ([]*types.Pipeline, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	ids, err := s.client.SMembers(ctx, pipelineListKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list pipeline ids: %w", err)
	}

	var pipelines []*types.Pipeline
	for _, id := range ids {
		p, err := s.Get(ctx, id)
		if err == ErrPipelineNotFound {
			// Stale reference, clean up
			s.client.SRem(ctx, pipelineListKey, id)
			continue
		}
		if err != nil {
			continue // Skip on error
		}

		if opts.CreatedBy != "" && p.CreatedBy != opts.CreatedBy {
			continue
		}

		pipelines = append(pipelines, p)
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(pipelines) {
			return []*types.Pipeline{}, nil
		}
		pipelines = pipelines[opts.Offset:]
	}

	if opts.Limit > 0 && opts.Limit < len(pipelines) {
		pipelines = pipelines[:opts.Limit]
	}

	return pipelines, nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Verify interface compliance
var _ PipelineStore = (*RedisStore)(nil)
