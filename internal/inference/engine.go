// Package inference runs object detection on a local image. The model is
// external: either an HTTP detection service or a YOLOv5-style detect
// script run as a subprocess. Both report class indexes and normalized
// box geometry, which ToLabels turns into named jobs.Label values.
package inference

import (
	"context"
	"fmt"

	"github.com/fpang/photo-detect/internal/jobs"
)

// Detection is one box as reported by an engine.
type Detection struct {
	ClassIndex int
	CX         jobs.Coord
	CY         jobs.Coord
	Width      jobs.Coord
	Height     jobs.Coord
}

// Output is what one engine run produced. AnnotatedPath is set when the
// engine drew its own boxes; otherwise the caller renders them.
type Output struct {
	Detections    []Detection
	AnnotatedPath string
}

// Engine detects objects in the image at imagePath. workDir is a scratch
// directory owned by the caller for this run. Errors wrap
// jobs.ErrInferenceFailure.
type Engine interface {
	Detect(ctx context.Context, imagePath, workDir string) (*Output, error)
}

// ToLabels names each detection using names.
func ToLabels(dets []Detection, names Names) []jobs.Label {
	labels := make([]jobs.Label, 0, len(dets))
	for _, d := range dets {
		labels = append(labels, jobs.Label{
			Class:  names.Name(d.ClassIndex),
			CX:     d.CX,
			CY:     d.CY,
			Width:  d.Width,
			Height: d.Height,
		})
	}
	return labels
}

func failure(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", jobs.ErrInferenceFailure, fmt.Sprintf(format, args...))
}
