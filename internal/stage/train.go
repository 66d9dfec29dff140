package stage

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/visionforge/visionforge/internal/model"
)

// trainStage fits the built-in classifier on a seeded train/test split of
// the current dataset.
type trainStage struct{}

func (s *trainStage) Meta() Meta {
	return Meta{Type: "train", Name: "Model Training", Category: CategoryTraining}
}

func (s *trainStage) Apply(ctx context.Context, rc *Context, cfg Config) error {
	if len(rc.Samples) == 0 {
		return ErrNoValidImages
	}
	if rc.Samples[0].Features == nil {
		return errors.New("train requires extracted features; add a features stage upstream")
	}

	testFrac := cfg.Float("test_size", 0.2)
	seed := int64(cfg.Int("seed", 42))

	trainIdx, testIdx := model.Split(len(rc.Samples), testFrac, seed)
	rc.trainIdx, rc.testIdx = trainIdx, testIdx

	features := make([][]float64, 0, len(trainIdx))
	labels := make([]string, 0, len(trainIdx))
	for _, i := range trainIdx {
		features = append(features, rc.Samples[i].Features)
		labels = append(labels, rc.Samples[i].Label)
	}

	rc.Logf("Training %s on %d samples (%d held out)", model.TypeName, len(trainIdx), len(testIdx))
	m, err := model.Fit(features, labels)
	if err != nil {
		return fmt.Errorf("fit model: %w", err)
	}
	rc.Model = m
	rc.ModelName = m.Type
	rc.Logf("Trained %s with %d classes", m.Type, len(m.Classes))
	return nil
}

// evaluateStage scores the trained model. It prefers the held-out split
// recorded by the training stage and falls back to the full dataset.
type evaluateStage struct{}

func (s *evaluateStage) Meta() Meta {
	return Meta{Type: "evaluate", Name: "Model Evaluation", Category: CategoryEvaluation}
}

func (s *evaluateStage) Apply(ctx context.Context, rc *Context, cfg Config) error {
	if rc.Model == nil {
		return errors.New("evaluate requires a trained model; add a train stage upstream")
	}

	idx := rc.testIdx
	if len(idx) == 0 {
		idx = make([]int, len(rc.Samples))
		for i := range idx {
			idx[i] = i
		}
	}

	features := make([][]float64, 0, len(idx))
	labels := make([]string, 0, len(idx))
	for _, i := range idx {
		features = append(features, rc.Samples[i].Features)
		labels = append(labels, rc.Samples[i].Label)
	}

	acc, err := rc.Model.Accuracy(features, labels)
	if err != nil {
		return fmt.Errorf("score model: %w", err)
	}
	rc.Accuracy = &acc
	rc.Logf("Accuracy on %d samples: %.4f", len(idx), acc)
	return nil
}

// exportStage serializes the trained model and stores it as a run artifact.
type exportStage struct{}

func (s *exportStage) Meta() Meta {
	return Meta{Type: "export", Name: "Model Export", Category: CategoryExport}
}

func (s *exportStage) Apply(ctx context.Context, rc *Context, cfg Config) error {
	if rc.Model == nil {
		return errors.New("export requires a trained model; add a train stage upstream")
	}

	name := cfg.String("filename", "model.json")

	var buf bytes.Buffer
	if err := rc.Model.Encode(&buf); err != nil {
		return fmt.Errorf("encode model: %w", err)
	}

	if rc.Artifacts == nil {
		rc.Errorf("No artifact backend configured, skipping export of %s", name)
		return nil
	}

	link, err := rc.Artifacts.Put(ctx, name, &buf, "application/json")
	if err != nil {
		return fmt.Errorf("store model artifact: %w", err)
	}
	rc.DownloadLink = link
	rc.Logf("Exported model to %s", link)
	return nil
}
