package dirwatch

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/atomic"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.viam.com/framepipe/logging"
)

// writeImage encodes a solid image outside dir and renames it in, so the watcher only ever sees
// complete files.
func writeImage(t *testing.T, dir, name string, width, height int, c color.NRGBA) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	tmp := filepath.Join(t.TempDir(), name)
	f, err := os.Create(tmp)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, png.Encode(f, img), test.ShouldBeNil)
	test.That(t, f.Close(), test.ShouldBeNil)
	test.That(t, os.Rename(tmp, filepath.Join(dir, name)), test.ShouldBeNil)
}

func TestConfigValidate(t *testing.T) {
	test.That(t, (&Config{}).Validate(), test.ShouldNotBeNil)
	test.That(t, (&Config{Dir: "/tmp", DebounceMs: -1}).Validate(), test.ShouldNotBeNil)
	test.That(t, (&Config{Dir: "/tmp"}).Validate(), test.ShouldBeNil)

	_, err := New(&Config{Dir: filepath.Join(t.TempDir(), "missing")}, nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestWatchDirectory(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	var notified atomic.Int64
	src, err := New(&Config{Dir: dir, DebounceMs: 5}, func() { notified.Inc() }, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, src.Close(), test.ShouldBeNil)
	}()

	_, ok := src.TryAcquireLatest(ctx)
	test.That(t, ok, test.ShouldBeFalse)

	test.That(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600), test.ShouldBeNil)
	writeImage(t, dir, "first.png", 8, 6, color.NRGBA{R: 255, A: 255})
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, notified.Load(), test.ShouldBeGreaterThanOrEqualTo, 1)
	})

	f, ok := src.TryAcquireLatest(ctx)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, f.Width(), test.ShouldEqual, 8)
	test.That(t, f.Height(), test.ShouldEqual, 6)
	test.That(t, f.Release(), test.ShouldBeNil)
	_, ok = src.TryAcquireLatest(ctx)
	test.That(t, ok, test.ShouldBeFalse)

	test.That(t, src.SetOutputResolution(ctx, 0, 4), test.ShouldNotBeNil)
	test.That(t, src.SetOutputResolution(ctx, 4, 4), test.ShouldBeNil)
	w, h := src.OutputResolution()
	test.That(t, w, test.ShouldEqual, 4)
	test.That(t, h, test.ShouldEqual, 4)

	before := src.Loaded()
	writeImage(t, dir, "second.png", 8, 6, color.NRGBA{B: 255, A: 255})
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, src.Loaded(), test.ShouldBeGreaterThan, before)
	})
	f, ok = src.TryAcquireLatest(ctx)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, f.Width(), test.ShouldEqual, 4)
	img, err := f.Image()
	test.That(t, err, test.ShouldBeNil)
	_, _, b, _ := img.At(1, 1).RGBA()
	test.That(t, b, test.ShouldEqual, 0xffff)
	test.That(t, f.Release(), test.ShouldBeNil)
}
