// Package encoder provides an in-process JPEG encoder for frames that carry an image.Image.
package encoder

import (
	"bytes"
	"context"
	"math"
	"sync/atomic"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"github.com/viam-modules/video-analytics/errcode"
	"github.com/viam-modules/video-analytics/frame"
	"github.com/viam-modules/video-analytics/objects"
)

// JPEG crops and encodes frames with imaging. It is safe for concurrent use.
type JPEG struct {
	// PanoramaMaxWidth downsizes whole-frame encodes wider than this. Zero keeps the full size.
	PanoramaMaxWidth int

	live atomic.Int64
}

// NewJPEG returns a JPEG encoder.
func NewJPEG(panoramaMaxWidth int) *JPEG {
	return &JPEG{PanoramaMaxWidth: panoramaMaxWidth}
}

// Encode crops r out of f and encodes it at quality, 1 to 100. A zero r encodes the whole frame.
func (j *JPEG) Encode(ctx context.Context, f *frame.Frame, r objects.Rect, quality float64) (objects.Image, error) {
	if err := ctx.Err(); err != nil {
		return objects.Image{}, err
	}
	if f == nil {
		return objects.Image{}, errcode.New(errcode.NullPointer, "nil frame")
	}
	if f.Image == nil {
		return objects.Image{}, errcode.Newf(errcode.NotSupported, "frame %s has no decoded image", f.Key())
	}

	img := f.Image
	if r.IsZero() {
		if j.PanoramaMaxWidth > 0 && img.Bounds().Dx() > j.PanoramaMaxWidth {
			img = imaging.Resize(img, j.PanoramaMaxWidth, 0, imaging.Linear)
		}
	} else {
		rect := r.Image().Add(img.Bounds().Min).Intersect(img.Bounds())
		if rect.Empty() {
			return objects.Image{}, errcode.Newf(errcode.IllegalParameter, "crop %v is outside frame %s", r, f.Key())
		}
		img = imaging.Crop(img, rect)
	}

	q := int(math.Round(quality))
	if q < 1 {
		q = 1
	} else if q > 100 {
		q = 100
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(q)); err != nil {
		return objects.Image{}, errors.Wrap(err, "jpeg encode")
	}
	j.live.Add(1)
	b := img.Bounds()
	return objects.Image{FrameID: f.FrameID, Data: buf.Bytes(), Width: b.Dx(), Height: b.Dy()}, nil
}

// Release marks img as no longer used.
func (j *JPEG) Release(img objects.Image) {
	j.live.Add(-1)
}

// Live returns the number of encoded images not yet released.
func (j *JPEG) Live() int64 {
	return j.live.Load()
}
