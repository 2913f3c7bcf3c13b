package convert

import (
	"image"
	"sync"
)

// PixelBuffer is a double buffered, non-premultiplied RGBA8 image. Writers fill the back plane
// and publish it with Commit; readers only ever see committed pixels.
type PixelBuffer struct {
	width  int
	height int

	mu         sync.RWMutex
	front      *image.NRGBA
	back       *image.NRGBA
	generation uint64
}

// NewPixelBuffer allocates both planes.
func NewPixelBuffer(width, height int) *PixelBuffer {
	rect := image.Rect(0, 0, width, height)
	return &PixelBuffer{
		width:  width,
		height: height,
		front:  image.NewNRGBA(rect),
		back:   image.NewNRGBA(rect),
	}
}

// Width of the buffer in pixels.
func (pb *PixelBuffer) Width() int {
	return pb.width
}

// Height of the buffer in pixels.
func (pb *PixelBuffer) Height() int {
	return pb.height
}

// Matches reports whether the buffer has the given size.
func (pb *PixelBuffer) Matches(width, height int) bool {
	return pb != nil && pb.width == width && pb.height == height
}

// Back is the plane that will become visible at the next Commit. Only the owner may write it.
func (pb *PixelBuffer) Back() *image.NRGBA {
	return pb.back
}

// Commit publishes the back plane.
func (pb *PixelBuffer) Commit() {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.front, pb.back = pb.back, pb.front
	pb.generation++
}

// Generation counts commits.
func (pb *PixelBuffer) Generation() uint64 {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	return pb.generation
}

// Image is the committed plane. It must be treated as read only.
func (pb *PixelBuffer) Image() *image.NRGBA {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	return pb.front
}

// Bytes is the committed plane in row order, four bytes per pixel with no row padding.
func (pb *PixelBuffer) Bytes() []byte {
	return pb.Image().Pix
}
