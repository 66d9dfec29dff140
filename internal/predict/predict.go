// Package predict serves single-image predictions against a model exported
// by a finished run.
package predict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/visionforge/visionforge/internal/artifact"
	"github.com/visionforge/visionforge/internal/metrics"
	"github.com/visionforge/visionforge/internal/model"
)

// ErrModelNotFound is returned when no exported model exists for the run.
var ErrModelNotFound = errors.New("trained model artifact not found")

// ErrBadImage is returned when the input image cannot be read or decoded.
var ErrBadImage = errors.New("image is missing or not decodable")

// Result is the outcome of a prediction request.
type Result struct {
	Prediction string `json:"prediction"`
	Model      string `json:"model,omitempty"`
}

// Predictor loads exported model artifacts and classifies images with them.
type Predictor struct {
	artifacts *artifact.Service
	logger    *slog.Logger
}

// New creates a predictor backed by the artifact service.
func New(artifacts *artifact.Service, logger *slog.Logger) *Predictor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Predictor{artifacts: artifacts, logger: logger}
}

// Predict classifies the image at imagePath using the model exported by the
// given run. The artifact name is the export stage's filename, usually
// "model.json".
func (p *Predictor) Predict(ctx context.Context, runID, artifactName, imagePath string) (*Result, error) {
	if artifactName == "" {
		artifactName = "model.json"
	}

	rc, err := p.artifacts.Open(ctx, runID, artifactName)
	if err != nil {
		metrics.PredictionsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %s/%s", ErrModelNotFound, runID, artifactName)
	}
	defer rc.Close()

	m, err := model.Decode(rc)
	if err != nil {
		metrics.PredictionsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("load model artifact: %w", err)
	}

	features, err := model.ExtractFeatures(imagePath)
	if err != nil {
		metrics.PredictionsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}

	label, err := m.Predict(features)
	if err != nil {
		metrics.PredictionsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("predict: %w", err)
	}

	metrics.PredictionsTotal.WithLabelValues("ok").Inc()
	p.logger.Debug("prediction served",
		"run_id", runID,
		"model", m.Type,
		"prediction", label)

	return &Result{Prediction: label, Model: m.Type}, nil
}
