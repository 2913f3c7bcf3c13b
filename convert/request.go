package convert

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/pkg/errors"
)

// ErrConversionFailed is matched by every ConversionError.
var ErrConversionFailed = errors.New("frame conversion failed")

// Status is the state of a conversion request.
type Status int

const (
	// StatusPending means the conversion is still running.
	StatusPending Status = iota
	// StatusReady means the converted pixels are available.
	StatusReady
	// StatusFailed means the conversion hit an error.
	StatusFailed
	// StatusCancelled means the request was cancelled before it finished.
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusReady:
		return "ready"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ConversionError reports a request that ended in a status other than Ready.
type ConversionError struct {
	Status Status
	Err    error
}

func (e *ConversionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("frame conversion %s", e.Status)
	}
	return fmt.Sprintf("frame conversion %s: %v", e.Status, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ConversionError) Unwrap() error {
	return e.Err
}

// Is makes every ConversionError match ErrConversionFailed.
func (e *ConversionError) Is(target error) bool {
	return target == ErrConversionFailed
}

// Request is one asynchronous conversion. Its staging memory belongs to the converter's pool
// and is returned by Dispose.
type Request struct {
	cancel context.CancelFunc
	done   chan struct{}
	pool   *stagingPool

	mu       sync.Mutex
	status   Status
	err      error
	staging  *image.NRGBA
	disposed bool
}

func newRequest(cancel context.CancelFunc, pool *stagingPool) *Request {
	return &Request{cancel: cancel, done: make(chan struct{}), pool: pool}
}

// Status is the current state.
func (r *Request) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Err is the failure cause once the request has left Pending.
func (r *Request) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Done is closed when the conversion goroutine has finished touching the source.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Cancel moves a pending request to Cancelled.
func (r *Request) Cancel() {
	r.cancel()
	r.finish(StatusCancelled, context.Canceled, nil)
}

// Pixels returns the converted image. It is only valid while the request is Ready and not yet
// disposed.
func (r *Request) Pixels() (*image.NRGBA, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return nil, errors.New("request already disposed")
	}
	if r.status != StatusReady {
		return nil, &ConversionError{Status: r.status, Err: r.err}
	}
	return r.staging, nil
}

// finish records a terminal status. Only the first terminal status sticks; staging memory
// arriving after that is handed straight back to the pool.
func (r *Request) finish(status Status, err error, staging *image.NRGBA) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusPending || r.disposed {
		if staging != nil {
			r.pool.put(staging)
		}
		return
	}
	r.status = status
	r.err = err
	r.staging = staging
}

// Dispose cancels the request if needed, waits for the conversion goroutine and returns staging
// memory to the pool. It is safe to call more than once.
func (r *Request) Dispose() {
	r.cancel()
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return
	}
	r.disposed = true
	if r.staging != nil {
		r.pool.put(r.staging)
		r.staging = nil
	}
}

// stagingPool recycles RGBA8 staging images by size.
type stagingPool struct {
	mu    sync.Mutex
	pools map[image.Point]*sync.Pool
}

func newStagingPool() *stagingPool {
	return &stagingPool{pools: map[image.Point]*sync.Pool{}}
}

func (sp *stagingPool) poolFor(size image.Point) *sync.Pool {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	p, ok := sp.pools[size]
	if !ok {
		p = &sync.Pool{New: func() any {
			return image.NewNRGBA(image.Rectangle{Max: size})
		}}
		sp.pools[size] = p
	}
	return p
}

func (sp *stagingPool) get(width, height int) *image.NRGBA {
	//nolint:forcetypeassert
	return sp.poolFor(image.Pt(width, height)).Get().(*image.NRGBA)
}

func (sp *stagingPool) put(img *image.NRGBA) {
	sp.poolFor(img.Rect.Size()).Put(img)
}
