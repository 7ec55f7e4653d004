package service

import (
	"context"
	"image"
	"strings"

	"github.com/pkg/errors"
	objdet "go.viam.com/rdk/vision/objectdetection"

	"github.com/viam-modules/video-analytics/frame"
	"github.com/viam-modules/video-analytics/objects"
)

// detectionsSource is the part of a vision service the pipeline needs.
type detectionsSource interface {
	Detections(ctx context.Context, img image.Image, extra map[string]interface{}) ([]objdet.Detection, error)
}

// visionDetector runs a Viam vision service as the pipeline's detector.
type visionDetector struct {
	src          detectionsSource
	classNames   []string
	labelMap     map[string]string
	chosenLabels map[string]float64
}

// NewAdvancedFilter returns a Detections->Detections filtering method to remove
// detections that do not have a class name in chosenLabels and/or do not have the
// associated minimum confidence. An empty input map will return all detections.
func NewAdvancedFilter(chosenLabels map[string]float64) objdet.Postprocessor {
	return func(detections []objdet.Detection) []objdet.Detection {
		if len(chosenLabels) < 1 {
			return detections
		}
		out := make([]objdet.Detection, 0, len(detections))
		for _, d := range detections {
			minConf, ok := chosenLabels[strings.ToLower(d.Label())]
			if ok && d.Score() > minConf {
				out = append(out, d)
			}
		}
		return out
	}
}

// category maps a detector label to a pipeline category. Labels absent from the label map
// are used as they are.
func (d *visionDetector) category(label string) string {
	l := strings.ToLower(label)
	if c, ok := d.labelMap[l]; ok {
		return c
	}
	return l
}

// Detect implements pipeline.Detector. Detections whose category is not in the class table
// are dropped.
func (d *visionDetector) Detect(ctx context.Context, f *frame.Frame) ([]objects.Detection, error) {
	if f.Image == nil {
		return nil, errors.Errorf("frame %s carries no image", f.Key())
	}
	dets, err := d.src.Detections(ctx, f.Image, nil)
	if err != nil {
		return nil, err
	}
	dets = NewAdvancedFilter(d.chosenLabels)(dets)

	out := make([]objects.Detection, 0, len(dets))
	for _, det := range dets {
		id := objects.ClassID(d.classNames, d.category(det.Label()))
		if id < 0 {
			continue
		}
		out = append(out, objects.Detection{
			ClassID: id,
			Score:   det.Score(),
			Rect:    objects.RectFromImage(*det.BoundingBox()),
		})
	}
	return out, nil
}

// toDetection converts a tracked object for vision service callers.
func toDetection(it objects.Item, label string) objdet.Detection {
	return objdet.NewDetection(it.Rect.Image(), it.Confidence, label)
}
