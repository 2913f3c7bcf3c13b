package frame

import (
	"context"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

func TestNewValidatesPlanes(t *testing.T) {
	now := time.Now()

	_, err := New(0, 2, FormatRGBA32, []Plane{{make([]byte, 8), 8, 4}}, now, nil)
	test.That(t, errors.Is(err, ErrInvalidFrame), test.ShouldBeTrue)

	_, err = New(2, 2, FormatRGBA32, []Plane{{make([]byte, 15), 8, 4}}, now, nil)
	test.That(t, errors.Is(err, ErrInvalidFrame), test.ShouldBeTrue)

	_, err = New(2, 2, FormatYUV420, []Plane{{make([]byte, 4), 2, 1}}, now, nil)
	test.That(t, errors.Is(err, ErrInvalidFrame), test.ShouldBeTrue)

	f, err := New(3, 3, FormatYUV420, []Plane{
		{make([]byte, 9), 3, 1},
		{make([]byte, 4), 2, 1},
		{make([]byte, 4), 2, 1},
	}, now, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f.PlaneCount(), test.ShouldEqual, 3)
	test.That(t, f.Format().String(), test.ShouldEqual, "yuv420")
	test.That(t, f.Timestamp(), test.ShouldEqual, now)

	_, err = New(2, 2, FormatNV12, []Plane{{make([]byte, 4), 2, 1}, {make([]byte, 2), 2, 1}}, now, nil)
	test.That(t, errors.Is(err, ErrInvalidFrame), test.ShouldBeTrue)
}

func TestReleaseExactlyOnce(t *testing.T) {
	var releases, doubles int
	f, err := New(1, 1, FormatGray8, []Plane{{[]byte{7}, 1, 1}}, time.Now(), func() { releases++ })
	test.That(t, err, test.ShouldBeNil)
	f.OnDoubleRelease(func() { doubles++ })

	_, err = f.Plane(0)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, f.Release(), test.ShouldBeNil)
	test.That(t, f.Released(), test.ShouldBeTrue)
	err = f.Release()
	test.That(t, errors.Is(err, ErrAlreadyReleased), test.ShouldBeTrue)
	test.That(t, releases, test.ShouldEqual, 1)
	test.That(t, doubles, test.ShouldEqual, 1)

	_, err = f.Plane(0)
	test.That(t, err, test.ShouldEqual, ErrReleased)
	_, err = f.Image()
	test.That(t, err, test.ShouldEqual, ErrReleased)
}

func TestFromImage(t *testing.T) {
	nrgba := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	nrgba.Set(1, 0, color.NRGBA{10, 20, 30, 255})
	f, err := FromImage(nrgba, time.Now(), nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f.Format(), test.ShouldEqual, FormatRGBA32)
	img, err := f.Image()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, img.At(1, 0), test.ShouldResemble, color.NRGBA{10, 20, 30, 255})

	ycbcr := image.NewYCbCr(image.Rect(0, 0, 4, 2), image.YCbCrSubsampleRatio420)
	f, err = FromImage(ycbcr, time.Now(), nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f.Format(), test.ShouldEqual, FormatYUV420)
	test.That(t, f.Width(), test.ShouldEqual, 4)
	test.That(t, f.Height(), test.ShouldEqual, 2)

	gray := image.NewGray16(image.Rect(0, 0, 2, 2))
	f, err = FromImage(gray, time.Now(), nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f.Format(), test.ShouldEqual, FormatRGBA32)

	_, err = FromImage(nil, time.Now(), nil)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestNV12Image(t *testing.T) {
	y := []byte{1, 2, 3, 4}
	uv := []byte{100, 200}
	f, err := New(2, 2, FormatNV12, []Plane{{y, 2, 1}, {uv, 2, 2}}, time.Now(), nil)
	test.That(t, err, test.ShouldBeNil)

	img, err := f.Image()
	test.That(t, err, test.ShouldBeNil)
	ycbcr, ok := img.(*image.YCbCr)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, ycbcr.Y[:2], test.ShouldResemble, []byte{1, 2})
	test.That(t, ycbcr.Cb[0], test.ShouldEqual, byte(100))
	test.That(t, ycbcr.Cr[0], test.ShouldEqual, byte(200))
}

func TestSourceFunc(t *testing.T) {
	var src Source = SourceFunc(func(ctx context.Context) (*Frame, bool) {
		return nil, false
	})
	f, ok := src.TryAcquireLatest(context.Background())
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, f, test.ShouldBeNil)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("nv12")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f, test.ShouldEqual, FormatNV12)
	_, err = ParseFormat("bgra")
	test.That(t, err, test.ShouldNotBeNil)
}
