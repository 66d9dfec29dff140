// Package model implements the built-in image classifier: grayscale pixel
// features and a nearest-centroid model over them.
package model

import (
	"fmt"
	"image"
	"os"

	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
)

// ImageSize is the side length images are normalized to before feature
// extraction. Feature vectors are ImageSize*ImageSize grayscale intensities.
const ImageSize = 64

// FeatureLen is the length of every extracted feature vector.
const FeatureLen = ImageSize * ImageSize

// ExtractFeatures converts the image at path into a flat grayscale feature
// vector: decode, resize to ImageSize x ImageSize, flatten row-major.
func ExtractFeatures(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode image %s: %w", path, err)
	}

	return flatten(img), nil
}

// flatten resizes with nearest-neighbor sampling and converts to grayscale
// intensities in [0, 255].
func flatten(img image.Image) []float64 {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	features := make([]float64, 0, FeatureLen)

	for y := 0; y < ImageSize; y++ {
		srcY := bounds.Min.Y + y*h/ImageSize
		for x := 0; x < ImageSize; x++ {
			srcX := bounds.Min.X + x*w/ImageSize
			r, g, b, _ := img.At(srcX, srcY).RGBA()
			// Standard luma weights; channel values are 16-bit.
			gray := (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)) / 257.0
			features = append(features, gray)
		}
	}
	return features
}

// FlipHorizontal returns a copy of a flattened feature vector mirrored
// around its vertical axis. Used by the augmentation stage.
func FlipHorizontal(features []float64) []float64 {
	flipped := make([]float64, len(features))
	for y := 0; y < ImageSize; y++ {
		row := y * ImageSize
		for x := 0; x < ImageSize; x++ {
			flipped[row+x] = features[row+ImageSize-1-x]
		}
	}
	return flipped
}
