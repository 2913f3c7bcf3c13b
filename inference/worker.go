// Package inference runs a fixed-shape model on preprocessed tensors, one execution at a time.
//
// A Worker moves through Unloaded, Ready and Disposed. Executions are asynchronous: Run schedules
// the backend and returns an Execution to Await. Cancelling an execution is not an error; Await
// reports it as (false, nil) so callers can skip the frame.
package inference

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"gorgonia.org/tensor"

	"go.viam.com/framepipe/logging"
	"go.viam.com/framepipe/ml"
	"go.viam.com/framepipe/utils"
)

var (
	// ErrNotLoaded is returned when the worker has no model.
	ErrNotLoaded = errors.New("no model loaded")
	// ErrAlreadyLoaded is returned by a second Load.
	ErrAlreadyLoaded = errors.New("model already loaded")
	// ErrDisposed is returned once the worker has been closed.
	ErrDisposed = errors.New("inference worker disposed")
	// ErrExecutionInFlight is returned by Run while an earlier execution is still running.
	ErrExecutionInFlight = errors.New("an execution is already in flight")
	// ErrNoOutput is returned by PeekOutput when there is no successful execution to read.
	ErrNoOutput = errors.New("no output available")
	// ErrExecutionFailed is matched by every ExecutionError.
	ErrExecutionFailed = errors.New("inference execution failed")
	// ErrUnknownBackend is returned when a model names an unregistered backend.
	ErrUnknownBackend = errors.New("unknown inference backend")
)

// ExecutionError reports a backend failure.
type ExecutionError struct {
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("inference execution failed: %v", e.Err)
}

// Unwrap returns the backend's error.
func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Is makes every ExecutionError match ErrExecutionFailed.
func (e *ExecutionError) Is(target error) bool {
	return target == ErrExecutionFailed
}

// State is the lifecycle state of a worker.
type State int

const (
	// StateUnloaded means no model has been loaded yet.
	StateUnloaded State = iota
	// StateReady means executions may be scheduled.
	StateReady
	// StateDisposed is terminal.
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateReady:
		return "ready"
	case StateDisposed:
		return "disposed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Worker owns a model backend and the scratch input it executes on.
type Worker struct {
	logger logging.Logger

	mu      sync.Mutex
	state   State
	def     *ModelDefinition
	shape   ml.Shape
	scratch *tensor.Dense
	backend Backend
	running *Execution
	output  *tensor.Dense
	outputs int
}

// NewWorker returns an unloaded worker.
func NewWorker(logger logging.Logger) *Worker {
	return &Worker{logger: logger}
}

// State is the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Load validates the model's input shape, allocates scratch input memory and instantiates the
// model's backend.
func (w *Worker) Load(ctx context.Context, def *ModelDefinition) error {
	ctx, span := trace.StartSpan(ctx, "inference::Worker::Load")
	defer span.End()

	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.state {
	case StateReady:
		return ErrAlreadyLoaded
	case StateDisposed:
		return ErrDisposed
	case StateUnloaded:
	}
	if def == nil {
		return errors.New("nil model definition")
	}
	shape, err := def.InputShape()
	if err != nil {
		return err
	}
	factory, ok := LookupBackend(def.Backend)
	if !ok {
		return errors.Wrapf(ErrUnknownBackend, "%q (registered: %v)", def.Backend, RegisteredBackends())
	}

	w.scratch = tensor.New(tensor.WithShape(shape.Dims()...), tensor.Of(tensor.Float32))
	freeScratch := utils.NewGuard(func() {
		w.scratch = nil
	})
	defer freeScratch.OnFail()

	backend, err := factory(ctx, def, w.logger.Sublogger(def.Backend))
	if err != nil {
		return errors.Wrapf(err, "cannot start backend %q for model %q", def.Backend, def.Name)
	}
	freeScratch.Success()

	w.def = def
	w.shape = shape
	w.backend = backend
	w.state = StateReady
	w.logger.Infow("model loaded", "model", def.Name, "backend", def.Backend, "input_shape", shape.String())
	return nil
}

// InputShape is the NHWC shape every input must have.
func (w *Worker) InputShape() (ml.Shape, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateReady {
		return ml.Shape{}, w.notReadyErr()
	}
	return w.shape, nil
}

// Model is the loaded definition, or nil.
func (w *Worker) Model() *ModelDefinition {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.def
}

func (w *Worker) notReadyErr() error {
	if w.state == StateDisposed {
		return ErrDisposed
	}
	return ErrNotLoaded
}

// Run copies in into scratch memory and schedules the backend. in is disposed on every path:
// immediately if Run fails, otherwise once the execution finishes.
func (w *Worker) Run(ctx context.Context, in *ml.Tensor) (*Execution, error) {
	ctx, span := trace.StartSpan(ctx, "inference::Worker::Run")
	defer span.End()

	if in == nil {
		return nil, errors.New("nil input tensor")
	}
	disposeInput := utils.NewGuard(in.Dispose)
	defer disposeInput.OnFail()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateReady {
		return nil, w.notReadyErr()
	}
	if w.running != nil && !w.running.finished() {
		return nil, ErrExecutionInFlight
	}
	if in.Shape() != w.shape {
		return nil, &ml.ShapeMismatchError{Expected: w.shape, Got: in.Shape()}
	}
	data, err := in.Data()
	if err != nil {
		return nil, err
	}
	//nolint:forcetypeassert
	copy(w.scratch.Data().([]float32), data)
	w.output = nil

	runCtx, cancel := context.WithCancel(ctx)
	exec := &Execution{cancel: cancel, done: make(chan struct{})}
	w.running = exec
	backend, scratch := w.backend, w.scratch
	disposeInput.Success()

	goutils.PanicCapturingGo(func() {
		defer close(exec.done)
		defer in.Dispose()
		defer cancel()
		out, err := execute(runCtx, backend, scratch)

		w.mu.Lock()
		defer w.mu.Unlock()
		switch {
		case err != nil:
			exec.err = err
		case runCtx.Err() != nil:
			exec.err = runCtx.Err()
		case w.state != StateReady:
			exec.err = ErrDisposed
		default:
			w.output = out
		}
	})
	return exec, nil
}

func execute(ctx context.Context, backend Backend, input *tensor.Dense) (out *tensor.Dense, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("backend panicked: %v", r)
		}
	}()
	out, err = backend.Execute(ctx, input)
	if err == nil && out == nil {
		err = errors.New("backend returned no output")
	}
	return out, err
}

// PeekOutput returns the output of the last successful execution. The caller must Dispose it.
func (w *Worker) PeekOutput() (*Output, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateReady {
		return nil, w.notReadyErr()
	}
	if w.output == nil {
		return nil, ErrNoOutput
	}
	w.outputs++
	return &Output{dense: w.output, worker: w}, nil
}

// OutstandingOutputs is the number of outputs handed out by PeekOutput and not yet disposed.
func (w *Worker) OutstandingOutputs() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.outputs
}

func (w *Worker) outputDisposed() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.outputs--
}

// Result is one decoded inference output.
type Result struct {
	Classes []int
	Shape   []int
}

// Infer runs one execution and decodes its output as integers. A cancelled execution returns
// (nil, nil).
func (w *Worker) Infer(ctx context.Context, in *ml.Tensor) (*Result, error) {
	exec, err := w.Run(ctx, in)
	if err != nil {
		return nil, err
	}
	ok, err := exec.Await(ctx)
	if err != nil || !ok {
		return nil, err
	}
	out, err := w.PeekOutput()
	if err != nil {
		return nil, err
	}
	defer out.Dispose()
	classes, err := out.AsInts()
	if err != nil {
		return nil, err
	}
	return &Result{Classes: classes, Shape: out.Shape()}, nil
}

// Close cancels any in-flight execution, closes the backend and frees scratch memory. Closing
// more than once is fine.
func (w *Worker) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.state == StateDisposed {
		w.mu.Unlock()
		return nil
	}
	wasReady := w.state == StateReady
	w.state = StateDisposed
	running, backend := w.running, w.backend
	w.mu.Unlock()

	if running != nil {
		running.Cancel()
		<-running.done
	}

	var err error
	if wasReady {
		err = multierr.Combine(err, backend.Close(ctx))
	}

	w.mu.Lock()
	w.scratch = nil
	w.output = nil
	w.backend = nil
	w.running = nil
	w.mu.Unlock()
	return err
}
