package inject

import (
	"go.viam.com/framepipe/readback"
)

// Texture is an injected texture.
type Texture struct {
	readback.Texture
	WidthFunc           func() int
	HeightFunc          func() int
	RequestReadbackFunc func(done func(readback.Result))
}

// Width calls the injected Width or the real version.
func (t *Texture) Width() int {
	if t.WidthFunc == nil {
		return t.Texture.Width()
	}
	return t.WidthFunc()
}

// Height calls the injected Height or the real version.
func (t *Texture) Height() int {
	if t.HeightFunc == nil {
		return t.Texture.Height()
	}
	return t.HeightFunc()
}

// RequestReadback calls the injected RequestReadback or the real version.
func (t *Texture) RequestReadback(done func(readback.Result)) {
	if t.RequestReadbackFunc == nil {
		t.Texture.RequestReadback(done)
		return
	}
	t.RequestReadbackFunc(done)
}
