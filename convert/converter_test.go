package convert

import (
	"context"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/framepipe/frame"
	"go.viam.com/framepipe/frame/fake"
	"go.viam.com/framepipe/logging"
)

var (
	red  = color.NRGBA{255, 0, 0, 255}
	blue = color.NRGBA{0, 0, 255, 255}
)

// releasable is an Input that counts releases.
type releasable struct {
	img        image.Image
	imageErr   error
	releases   int
	releaseErr error
}

func (r *releasable) Image() (image.Image, error) {
	return r.img, r.imageErr
}

func (r *releasable) Release() error {
	r.releases++
	return r.releaseErr
}

// panicImage fails any pixel access.
type panicImage struct {
	image.Rectangle
}

func (p panicImage) ColorModel() color.Model { return color.NRGBAModel }
func (p panicImage) Bounds() image.Rectangle { return p.Rectangle }
func (p panicImage) At(x, y int) color.Color  { panic("sensor buffer gone") }

func solid(w, h int, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestSolidColorRoundTrip(t *testing.T) {
	logger := logging.NewTestLogger(t)
	conv := NewConverter(logger, 0)
	src, err := fake.NewSolidSource(4, 2, red, frame.FormatRGBA32)
	test.That(t, err, test.ShouldBeNil)

	f, ok := src.TryAcquireLatest(context.Background())
	test.That(t, ok, test.ShouldBeTrue)
	pb, err := conv.Convert(context.Background(), f, Params{Width: Auto, Height: Auto}, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pb.Width(), test.ShouldEqual, 4)
	test.That(t, pb.Height(), test.ShouldEqual, 2)
	test.That(t, pb.Generation(), test.ShouldEqual, 1)

	pix := pb.Bytes()
	test.That(t, pix, test.ShouldHaveLength, 4*2*4)
	for i := 0; i < len(pix); i += 4 {
		test.That(t, pix[i:i+4], test.ShouldResemble, []byte{255, 0, 0, 255})
	}
	test.That(t, f.Released(), test.ShouldBeTrue)
	test.That(t, src.Outstanding(), test.ShouldEqual, 0)
	test.That(t, src.DoubleReleased(), test.ShouldEqual, 0)
}

func TestBufferReuse(t *testing.T) {
	logger := logging.NewTestLogger(t)
	conv := NewConverter(logger, 0)
	ctx := context.Background()
	params := Params{Width: 2, Height: 2, Interpolation: Nearest}

	first, err := conv.Convert(ctx, &releasable{img: solid(4, 4, red)}, params, nil)
	test.That(t, err, test.ShouldBeNil)
	second, err := conv.Convert(ctx, &releasable{img: solid(4, 4, blue)}, params, first)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, second, test.ShouldEqual, first)
	test.That(t, second.Generation(), test.ShouldEqual, 2)
	test.That(t, second.Image().NRGBAAt(1, 1), test.ShouldResemble, blue)

	third, err := conv.Convert(ctx, &releasable{img: solid(4, 4, red)}, Params{Width: 3, Height: 1}, second)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, third, test.ShouldNotEqual, second)
	test.That(t, third.Width(), test.ShouldEqual, 3)
	test.That(t, third.Height(), test.ShouldEqual, 1)
}

func TestTransforms(t *testing.T) {
	logger := logging.NewTestLogger(t)
	conv := NewConverter(logger, 0)
	ctx := context.Background()

	// A 2x1 image, red on the left and blue on the right.
	src := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	src.SetNRGBA(0, 0, red)
	src.SetNRGBA(1, 0, blue)

	for _, tc := range []struct {
		transform Transform
		size      image.Point
		want      []color.NRGBA
	}{
		{None, image.Pt(2, 1), []color.NRGBA{red, blue}},
		{MirrorY, image.Pt(2, 1), []color.NRGBA{blue, red}},
		{MirrorX, image.Pt(2, 1), []color.NRGBA{red, blue}},
		{Rotate90, image.Pt(1, 2), []color.NRGBA{red, blue}},
		{Rotate180, image.Pt(2, 1), []color.NRGBA{blue, red}},
		{Rotate270, image.Pt(1, 2), []color.NRGBA{blue, red}},
	} {
		t.Run(tc.transform.String(), func(t *testing.T) {
			pb, err := conv.Convert(ctx, &releasable{img: src}, Params{Width: Auto, Height: Auto, Transform: tc.transform}, nil)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, pb.Width(), test.ShouldEqual, tc.size.X)
			test.That(t, pb.Height(), test.ShouldEqual, tc.size.Y)
			img := pb.Image()
			var got []color.NRGBA
			for y := 0; y < tc.size.Y; y++ {
				for x := 0; x < tc.size.X; x++ {
					got = append(got, img.NRGBAAt(x, y))
				}
			}
			test.That(t, got, test.ShouldResemble, tc.want)
		})
	}
}

func TestMirrorXFlipsRows(t *testing.T) {
	conv := NewConverter(logging.NewTestLogger(t), 0)
	src := image.NewNRGBA(image.Rect(0, 0, 1, 2))
	src.SetNRGBA(0, 0, red)
	src.SetNRGBA(0, 1, blue)
	pb, err := conv.Convert(context.Background(), &releasable{img: src}, Params{Width: Auto, Height: Auto, Transform: MirrorX}, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pb.Image().NRGBAAt(0, 0), test.ShouldResemble, blue)
	test.That(t, pb.Image().NRGBAAt(0, 1), test.ShouldResemble, red)
}

func TestAutoSingleAxis(t *testing.T) {
	conv := NewConverter(logging.NewTestLogger(t), 0)
	pb, err := conv.Convert(context.Background(), &releasable{img: solid(4, 2, red)},
		Params{Width: 2, Height: Auto, Interpolation: Nearest}, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pb.Width(), test.ShouldEqual, 2)
	test.That(t, pb.Height(), test.ShouldEqual, 2)
	test.That(t, pb.Image().NRGBAAt(1, 1), test.ShouldResemble, red)

	// Rotation swaps which source axis Auto refers to.
	pb, err = conv.Convert(context.Background(), &releasable{img: solid(4, 2, red)},
		Params{Width: Auto, Height: 3, Transform: Rotate90, Interpolation: Nearest}, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pb.Width(), test.ShouldEqual, 2)
	test.That(t, pb.Height(), test.ShouldEqual, 3)
}

func TestInterpolationsKeepSolidColor(t *testing.T) {
	conv := NewConverter(logging.NewTestLogger(t), 0)
	for _, interp := range []Interpolation{Nearest, Lanczos} {
		pb, err := conv.Convert(context.Background(), &releasable{img: solid(8, 8, red)},
			Params{Width: 4, Height: 4, Interpolation: interp}, nil)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, pb.Width(), test.ShouldEqual, 4)
		c := pb.Image().NRGBAAt(2, 2)
		test.That(t, int(c.R), test.ShouldBeGreaterThan, 250)
		test.That(t, int(c.B), test.ShouldBeLessThan, 5)
	}
}

func TestReleasedOnEveryPath(t *testing.T) {
	logger := logging.NewTestLogger(t)
	conv := NewConverter(logger, 0)
	ctx := context.Background()

	failing := &releasable{img: panicImage{image.Rect(0, 0, 4, 4)}}
	_, err := conv.Convert(ctx, failing, Params{Width: 2, Height: 2}, nil)
	test.That(t, errors.Is(err, ErrConversionFailed), test.ShouldBeTrue)
	var convErr *ConversionError
	test.That(t, errors.As(err, &convErr), test.ShouldBeTrue)
	test.That(t, convErr.Status, test.ShouldEqual, StatusFailed)
	test.That(t, failing.releases, test.ShouldEqual, 1)

	badSize := &releasable{img: solid(2, 2, red)}
	_, err = conv.Convert(ctx, badSize, Params{Width: 0, Height: 2}, nil)
	test.That(t, errors.Is(err, ErrConversionFailed), test.ShouldBeTrue)
	test.That(t, badSize.releases, test.ShouldEqual, 1)

	noImage := &releasable{imageErr: frame.ErrReleased}
	_, err = conv.Convert(ctx, noImage, Params{Width: Auto, Height: Auto}, nil)
	test.That(t, err, test.ShouldEqual, frame.ErrReleased)
	test.That(t, noImage.releases, test.ShouldEqual, 1)

	cancelCtx, cancel := context.WithCancel(ctx)
	cancel()
	cancelled := &releasable{img: solid(2, 2, red)}
	_, err = conv.Convert(cancelCtx, cancelled, Params{Width: Auto, Height: Auto}, nil)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
	test.That(t, errors.As(err, &convErr), test.ShouldBeTrue)
	test.That(t, convErr.Status, test.ShouldEqual, StatusCancelled)
	test.That(t, cancelled.releases, test.ShouldEqual, 1)

	doubled := &releasable{img: solid(2, 2, red), releaseErr: frame.ErrAlreadyReleased}
	_, err = conv.Convert(ctx, doubled, Params{Width: Auto, Height: Auto}, nil)
	test.That(t, errors.Is(err, frame.ErrAlreadyReleased), test.ShouldBeTrue)
}

func TestRequestLifecycle(t *testing.T) {
	conv := NewConverter(logging.NewTestLogger(t), time.Millisecond)
	req, err := conv.Start(context.Background(), solid(2, 2, red), Params{Width: Auto, Height: Auto})
	test.That(t, err, test.ShouldBeNil)
	<-req.Done()
	test.That(t, req.Status(), test.ShouldEqual, StatusReady)
	pixels, err := req.Pixels()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pixels.NRGBAAt(0, 0), test.ShouldResemble, red)

	// A finished request ignores Cancel.
	req.Cancel()
	test.That(t, req.Status(), test.ShouldEqual, StatusReady)

	req.Dispose()
	req.Dispose()
	_, err = req.Pixels()
	test.That(t, err, test.ShouldNotBeNil)
}

func TestParseNames(t *testing.T) {
	for _, name := range TransformNames() {
		tr, err := ParseTransform(name)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, tr.String(), test.ShouldEqual, name)
	}
	tr, err := ParseTransform("")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tr, test.ShouldEqual, None)
	_, err = ParseTransform("rotate_45")
	test.That(t, err, test.ShouldNotBeNil)

	for _, name := range InterpolationNames() {
		interp, err := ParseInterpolation(name)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, interp.String(), test.ShouldEqual, name)
	}
	_, err = ParseInterpolation("cubic")
	test.That(t, err, test.ShouldNotBeNil)
}
