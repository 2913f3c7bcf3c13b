// Package readback copies rendered textures back into CPU memory.
package readback

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	goutils "go.viam.com/utils"
	"golang.org/x/image/draw"
)

// ErrReadbackFailed is matched by every ReadbackError.
var ErrReadbackFailed = errors.New("texture readback failed")

// ReadbackError reports a readback whose completion callback carried an error.
type ReadbackError struct {
	Err error
}

func (e *ReadbackError) Error() string {
	return fmt.Sprintf("texture readback failed: %v", e.Err)
}

// Unwrap returns the underlying cause.
func (e *ReadbackError) Unwrap() error {
	return e.Err
}

// Is makes every ReadbackError match ErrReadbackFailed.
func (e *ReadbackError) Is(target error) bool {
	return target == ErrReadbackFailed
}

// Result is delivered to a readback's completion callback.
type Result struct {
	// Data holds RGBA8 pixels in row order when Err is nil.
	Data []byte
	// Width and Height are the size of the contents that were copied, which may differ from the
	// texture's current size if it was re-rendered in the meantime.
	Width  int
	Height int
	Err    error
}

// A Texture is an image living outside CPU memory that can be read back asynchronously.
type Texture interface {
	Width() int
	Height() int
	// RequestReadback starts a copy and calls done exactly once when it completes. done may be
	// called from any goroutine, including the caller's.
	RequestReadback(done func(Result))
}

// A TextureSource hands out the texture most recently rendered.
type TextureSource interface {
	LatestTexture() (Texture, bool)
}

// TextureSourceFunc adapts a function to a TextureSource.
type TextureSourceFunc func() (Texture, bool)

// LatestTexture calls the function.
func (f TextureSourceFunc) LatestTexture() (Texture, bool) {
	return f()
}

// Readback issues one readback of tex and waits for it to complete or for ctx to end. It never
// returns a partial buffer, and the result's Width and Height describe Data. Callers bound the
// wait with a ctx deadline.
func Readback(ctx context.Context, tex Texture) (Result, error) {
	ctx, span := trace.StartSpan(ctx, "readback::Readback")
	defer span.End()

	results := make(chan Result, 1)
	tex.RequestReadback(func(r Result) {
		select {
		case results <- r:
		default:
		}
	})

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case r := <-results:
		if r.Err != nil {
			return Result{}, &ReadbackError{Err: r.Err}
		}
		if r.Width <= 0 || r.Height <= 0 {
			return Result{}, &ReadbackError{Err: errors.Errorf("invalid readback size %dx%d", r.Width, r.Height)}
		}
		if want := r.Width * r.Height * 4; len(r.Data) != want {
			return Result{}, &ReadbackError{Err: errors.Errorf("got %d bytes, want %d for a %dx%d readback",
				len(r.Data), want, r.Width, r.Height)}
		}
		return r, nil
	}
}

// ImageTexture is a texture backed by an in-memory render target.
type ImageTexture struct {
	mu  sync.Mutex
	img image.Image
}

// NewImageTexture returns a texture showing img.
func NewImageTexture(img image.Image) *ImageTexture {
	return &ImageTexture{img: img}
}

// Render replaces the texture contents. The size may change between readbacks.
func (t *ImageTexture) Render(img image.Image) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.img = img
}

func (t *ImageTexture) current() image.Image {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.img
}

// Width of the render target.
func (t *ImageTexture) Width() int {
	return t.current().Bounds().Dx()
}

// Height of the render target.
func (t *ImageTexture) Height() int {
	return t.current().Bounds().Dy()
}

// RequestReadback copies the render target on a background goroutine.
func (t *ImageTexture) RequestReadback(done func(Result)) {
	img := t.current()
	goutils.PanicCapturingGo(func() {
		b := img.Bounds()
		dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
		done(Result{Data: dst.Pix, Width: b.Dx(), Height: b.Dy()})
	})
}

// LatestTexture makes an ImageTexture its own single-texture source.
func (t *ImageTexture) LatestTexture() (Texture, bool) {
	return t, t.current() != nil
}
