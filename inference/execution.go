package inference

import (
	"context"

	"github.com/pkg/errors"
)

// Execution is one scheduled run of the backend.
type Execution struct {
	cancel context.CancelFunc
	done   chan struct{}
	// err is written before done is closed.
	err error
}

func (e *Execution) finished() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Done is closed once the backend has returned and the input has been disposed.
func (e *Execution) Done() <-chan struct{} {
	return e.done
}

// Cancel asks the backend to stop.
func (e *Execution) Cancel() {
	e.cancel()
}

// Await waits for the execution to finish. It returns (true, nil) on success and (false, nil)
// if the execution was cancelled, either directly or through ctx. A backend failure is returned
// as an *ExecutionError. When Await returns the input tensor has been disposed.
func (e *Execution) Await(ctx context.Context) (bool, error) {
	select {
	case <-e.done:
	case <-ctx.Done():
		e.cancel()
		<-e.done
	}
	switch {
	case e.err == nil:
		return true, nil
	case errors.Is(e.err, context.Canceled), errors.Is(e.err, context.DeadlineExceeded):
		return false, nil
	case errors.Is(e.err, ErrDisposed):
		return false, nil
	default:
		return false, &ExecutionError{Err: e.err}
	}
}
