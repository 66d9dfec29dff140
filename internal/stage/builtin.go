package stage

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/visionforge/visionforge/internal/model"
)

// ErrNoValidImages is returned when a stage is left with an empty dataset.
var ErrNoValidImages = errors.New("No valid images found.")

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".bmp":  true,
}

// ingestStage loads the dataset from disk. The dataset directory holds one
// subdirectory per class label, each containing image files.
type ingestStage struct{}

func (s *ingestStage) Meta() Meta {
	return Meta{Type: "ingest", Name: "Dataset Ingestion", Category: CategoryIngestion}
}

func (s *ingestStage) Apply(ctx context.Context, rc *Context, cfg Config) error {
	root := cfg.String("path", rc.DatasetDir)
	if root == "" {
		return errors.New("no dataset directory configured")
	}

	var samples []Sample
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		// The first path element under the root is the class label.
		// Files directly in the root have no label and are skipped.
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) < 2 {
			return nil
		}
		samples = append(samples, Sample{Path: path, Label: parts[0]})
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan dataset: %w", err)
	}
	if len(samples) == 0 {
		return ErrNoValidImages
	}

	classes := make(map[string]int)
	for _, s := range samples {
		classes[s.Label]++
		rc.ProcessedImages = append(rc.ProcessedImages, filepath.Base(s.Path))
	}
	rc.Samples = samples
	rc.Logf("Loaded %d images across %d classes", len(samples), len(classes))
	return nil
}

// dedupStage drops samples whose file contents hash identically to an
// earlier sample. The first occurrence wins.
type dedupStage struct{}

func (s *dedupStage) Meta() Meta {
	return Meta{Type: "dedup", Name: "Duplicate Removal", Category: CategoryCleaning}
}

func (s *dedupStage) Apply(ctx context.Context, rc *Context, cfg Config) error {
	seen := make(map[[sha256.Size]byte]bool, len(rc.Samples))
	kept := rc.Samples[:0]
	removed := 0
	for _, sample := range rc.Samples {
		sum, err := hashFile(sample.Path)
		if err != nil {
			rc.Errorf("Skipping unreadable file %s: %v", filepath.Base(sample.Path), err)
			removed++
			continue
		}
		if seen[sum] {
			removed++
			continue
		}
		seen[sum] = true
		kept = append(kept, sample)
	}
	if len(kept) == 0 {
		return ErrNoValidImages
	}
	rc.Samples = kept
	rc.Logf("Removed %d duplicate images, %d remain", removed, len(kept))
	return nil
}

func hashFile(path string) ([sha256.Size]byte, error) {
	var sum [sha256.Size]byte
	f, err := os.Open(path)
	if err != nil {
		return sum, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return sum, err
	}
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

// outlierStage removes samples whose feature vectors sit further than a
// configurable number of standard deviations from the dataset mean. Requires
// the features stage to have run.
type outlierStage struct{}

func (s *outlierStage) Meta() Meta {
	return Meta{Type: "outlier_removal", Name: "Outlier Removal", Category: CategoryCleaning}
}

func (s *outlierStage) Apply(ctx context.Context, rc *Context, cfg Config) error {
	if len(rc.Samples) == 0 {
		return ErrNoValidImages
	}
	if rc.Samples[0].Features == nil {
		return errors.New("outlier_removal requires extracted features; add a features stage upstream")
	}

	threshold := cfg.Float("threshold", 3.0)

	mean := make([]float64, len(rc.Samples[0].Features))
	for _, sample := range rc.Samples {
		for j, v := range sample.Features {
			mean[j] += v
		}
	}
	for j := range mean {
		mean[j] /= float64(len(rc.Samples))
	}

	dists := make([]float64, len(rc.Samples))
	var sum, sumSq float64
	for i, sample := range rc.Samples {
		var d2 float64
		for j, v := range sample.Features {
			d := v - mean[j]
			d2 += d * d
		}
		dists[i] = math.Sqrt(d2)
		sum += dists[i]
		sumSq += dists[i] * dists[i]
	}
	n := float64(len(dists))
	distMean := sum / n
	distStd := math.Sqrt(sumSq/n - distMean*distMean)

	kept := rc.Samples[:0]
	removed := 0
	for i, sample := range rc.Samples {
		if distStd > 0 && dists[i] > distMean+threshold*distStd {
			removed++
			continue
		}
		kept = append(kept, sample)
	}
	if len(kept) == 0 {
		return ErrNoValidImages
	}
	rc.Samples = kept
	rc.Logf("Removed %d outliers beyond %.1f standard deviations", removed, threshold)
	return nil
}

// balanceStage undersamples every class down to the size of the smallest
// class, keeping the earliest samples of each so the result is deterministic.
type balanceStage struct{}

func (s *balanceStage) Meta() Meta {
	return Meta{Type: "class_balance", Name: "Class Balancing", Category: CategoryCleaning}
}

func (s *balanceStage) Apply(ctx context.Context, rc *Context, cfg Config) error {
	if len(rc.Samples) == 0 {
		return ErrNoValidImages
	}

	counts := make(map[string]int)
	for _, sample := range rc.Samples {
		counts[sample.Label]++
	}
	target := math.MaxInt
	for _, c := range counts {
		if c < target {
			target = c
		}
	}

	taken := make(map[string]int, len(counts))
	kept := rc.Samples[:0]
	for _, sample := range rc.Samples {
		if taken[sample.Label] >= target {
			continue
		}
		taken[sample.Label]++
		kept = append(kept, sample)
	}
	rc.Samples = kept

	labels := make([]string, 0, len(counts))
	for label := range counts {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	rc.Logf("Balanced %d classes to %d samples each", len(labels), target)
	return nil
}

// featuresStage decodes every sample image into a grayscale feature vector.
// Unreadable images are logged and dropped rather than failing the run.
type featuresStage struct{}

func (s *featuresStage) Meta() Meta {
	return Meta{Type: "features", Name: "Feature Extraction", Category: CategoryTransform}
}

func (s *featuresStage) Apply(ctx context.Context, rc *Context, cfg Config) error {
	kept := rc.Samples[:0]
	skipped := 0
	for i, sample := range rc.Samples {
		if err := ctx.Err(); err != nil {
			return err
		}
		feats, err := model.ExtractFeatures(sample.Path)
		if err != nil {
			rc.Errorf("Skipping %s: %v", filepath.Base(sample.Path), err)
			skipped++
			continue
		}
		sample.Features = feats
		kept = append(kept, sample)
		if (i+1)%50 == 0 {
			rc.Logf("Extracted features from %d/%d images", i+1, len(rc.Samples))
		}
	}
	if len(kept) == 0 {
		return ErrNoValidImages
	}
	rc.Samples = kept
	rc.Logf("Extracted %d feature vectors, skipped %d unreadable images", len(kept), skipped)
	return nil
}

// augmentStage grows the dataset with horizontally mirrored copies of each
// sample. Requires extracted features.
type augmentStage struct{}

func (s *augmentStage) Meta() Meta {
	return Meta{Type: "augment", Name: "Data Augmentation", Category: CategoryTransform}
}

func (s *augmentStage) Apply(ctx context.Context, rc *Context, cfg Config) error {
	if len(rc.Samples) == 0 {
		return ErrNoValidImages
	}
	if rc.Samples[0].Features == nil {
		return errors.New("augment requires extracted features; add a features stage upstream")
	}

	augmented := make([]Sample, 0, len(rc.Samples)*2)
	for _, sample := range rc.Samples {
		augmented = append(augmented, sample)
		augmented = append(augmented, Sample{
			Path:     sample.Path,
			Label:    sample.Label,
			Features: model.FlipHorizontal(sample.Features),
		})
	}
	rc.Samples = augmented
	rc.Logf("Augmented dataset to %d samples with horizontal flips", len(augmented))
	return nil
}
