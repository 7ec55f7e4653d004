package encoder

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"go.viam.com/test"

	"github.com/viam-modules/video-analytics/errcode"
	"github.com/viam-modules/video-analytics/frame"
	"github.com/viam-modules/video-analytics/objects"
)

func testFrame(w, h int) *frame.Frame {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	return &frame.Frame{FrameID: 9, Width: w, Height: h, Image: img}
}

func TestEncodeCrop(t *testing.T) {
	enc := NewJPEG(0)
	img, err := enc.Encode(context.Background(), testFrame(200, 100), objects.Rect{X: 10, Y: 20, W: 50, H: 40}, 75)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, img.Width, test.ShouldEqual, 50)
	test.That(t, img.Height, test.ShouldEqual, 40)
	test.That(t, img.FrameID, test.ShouldEqual, uint64(9))

	decoded, err := jpeg.Decode(bytes.NewReader(img.Data))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, decoded.Bounds().Dx(), test.ShouldEqual, 50)
	test.That(t, enc.Live(), test.ShouldEqual, int64(1))

	enc.Release(img)
	test.That(t, enc.Live(), test.ShouldEqual, int64(0))
}

func TestEncodePanorama(t *testing.T) {
	enc := NewJPEG(100)
	img, err := enc.Encode(context.Background(), testFrame(200, 100), objects.Rect{}, 50)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, img.Width, test.ShouldEqual, 100)
	test.That(t, img.Height, test.ShouldEqual, 50)

	enc = NewJPEG(0)
	img, err = enc.Encode(context.Background(), testFrame(200, 100), objects.Rect{}, 50)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, img.Width, test.ShouldEqual, 200)
}

func TestEncodeErrors(t *testing.T) {
	enc := NewJPEG(0)
	_, err := enc.Encode(context.Background(), &frame.Frame{Width: 10, Height: 10}, objects.Rect{}, 75)
	test.That(t, errcode.Is(err, errcode.NotSupported), test.ShouldBeTrue)

	_, err = enc.Encode(context.Background(), testFrame(20, 20), objects.Rect{X: 50, Y: 50, W: 5, H: 5}, 75)
	test.That(t, errcode.Is(err, errcode.IllegalParameter), test.ShouldBeTrue)

	_, err = enc.Encode(context.Background(), nil, objects.Rect{}, 75)
	test.That(t, errcode.Is(err, errcode.NullPointer), test.ShouldBeTrue)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = enc.Encode(ctx, testFrame(20, 20), objects.Rect{}, 75)
	test.That(t, err, test.ShouldNotBeNil)
}
