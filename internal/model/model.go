package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
)

// TypeName identifies the built-in classifier in reports and artifacts.
const TypeName = "NearestCentroidClassifier"

// ErrEmptyTrainingSet is returned when Fit receives no samples.
var ErrEmptyTrainingSet = errors.New("model: empty training set")

// Model is a nearest-centroid classifier over grayscale pixel features.
// It is cheap, deterministic, and serializes to a small JSON artifact;
// heavier learners plug in behind the same stage contract.
type Model struct {
	Type      string      `json:"model_type"`
	ImageSize int         `json:"image_size"`
	Classes   []string    `json:"classes"`
	Centroids [][]float64 `json:"centroids"`
}

// Fit computes one centroid per class from the given feature vectors.
// Classes are ordered by first appearance, so fitting the same data twice
// yields an identical model.
func Fit(features [][]float64, labels []string) (*Model, error) {
	if len(features) == 0 || len(features) != len(labels) {
		return nil, ErrEmptyTrainingSet
	}

	classIndex := make(map[string]int)
	var classes []string
	var sums [][]float64
	counts := make([]int, 0)

	for i, feat := range features {
		label := labels[i]
		ci, ok := classIndex[label]
		if !ok {
			ci = len(classes)
			classIndex[label] = ci
			classes = append(classes, label)
			sums = append(sums, make([]float64, len(feat)))
			counts = append(counts, 0)
		}
		for j, v := range feat {
			sums[ci][j] += v
		}
		counts[ci]++
	}

	for ci := range sums {
		for j := range sums[ci] {
			sums[ci][j] /= float64(counts[ci])
		}
	}

	return &Model{
		Type:      TypeName,
		ImageSize: ImageSize,
		Classes:   classes,
		Centroids: sums,
	}, nil
}

// Predict returns the label of the centroid nearest to the feature vector.
func (m *Model) Predict(features []float64) (string, error) {
	if len(m.Classes) == 0 {
		return "", errors.New("model: no classes")
	}
	best := -1
	bestDist := math.Inf(1)
	for ci, centroid := range m.Centroids {
		if len(centroid) != len(features) {
			return "", fmt.Errorf("model: feature length %d does not match centroid length %d", len(features), len(centroid))
		}
		var dist float64
		for j, v := range features {
			d := v - centroid[j]
			dist += d * d
		}
		if dist < bestDist {
			bestDist = dist
			best = ci
		}
	}
	return m.Classes[best], nil
}

// Accuracy scores the model against labeled feature vectors.
func (m *Model) Accuracy(features [][]float64, labels []string) (float64, error) {
	if len(features) == 0 {
		return 0, errors.New("model: empty evaluation set")
	}
	correct := 0
	for i, feat := range features {
		pred, err := m.Predict(feat)
		if err != nil {
			return 0, err
		}
		if pred == labels[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(features)), nil
}

// Encode writes the model as a JSON artifact.
func (m *Model) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	return enc.Encode(m)
}

// Decode reads a model artifact produced by Encode.
func Decode(r io.Reader) (*Model, error) {
	var m Model
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("model: decode artifact: %w", err)
	}
	if m.Type == "" || len(m.Classes) == 0 || len(m.Centroids) != len(m.Classes) {
		return nil, errors.New("model: artifact is missing classes or centroids")
	}
	return &m, nil
}

// Split partitions indices [0, n) into train and test sets. The shuffle is
// seeded, so the same (n, testFrac, seed) always produces the same split.
// At least one sample lands in each partition when n >= 2.
func Split(n int, testFrac float64, seed int64) (train, test []int) {
	perm := rand.New(rand.NewSource(seed)).Perm(n)
	testLen := int(float64(n) * testFrac)
	if testLen < 1 && n >= 2 {
		testLen = 1
	}
	if testLen >= n {
		testLen = n - 1
	}
	test = perm[:testLen]
	train = perm[testLen:]
	return train, test
}
