package inject

import (
	"context"

	"gorgonia.org/tensor"

	"go.viam.com/framepipe/inference"
)

// Backend is an injected inference backend.
type Backend struct {
	inference.Backend
	ExecuteFunc func(ctx context.Context, input *tensor.Dense) (*tensor.Dense, error)
	CloseFunc   func(ctx context.Context) error
}

// Execute calls the injected Execute or the real version.
func (b *Backend) Execute(ctx context.Context, input *tensor.Dense) (*tensor.Dense, error) {
	if b.ExecuteFunc == nil {
		return b.Backend.Execute(ctx, input)
	}
	return b.ExecuteFunc(ctx, input)
}

// Close calls the injected Close or the real version.
func (b *Backend) Close(ctx context.Context) error {
	if b.CloseFunc == nil {
		if b.Backend == nil {
			return nil
		}
		return b.Backend.Close(ctx)
	}
	return b.CloseFunc(ctx)
}
