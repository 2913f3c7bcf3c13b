package pipeline

import (
	"image"
	"time"

	"github.com/google/uuid"
)

// Result is the outcome of one processed frame.
type Result struct {
	// Cycle numbers the controller's cycles from 1, counting failed and skipped ones too. Log
	// lines written during the cycle carry it as a "cycle" field.
	Cycle int64
	// FrameID identifies the native frame. It is the zero UUID in texture mode.
	FrameID uuid.UUID
	// Timestamp is when the frame was captured, or when the texture was read back.
	Timestamp time.Time

	// Pixels is the converted image fed to the model. The controller reuses its memory, so it is
	// only valid until the next cycle completes; copy it to keep it.
	Pixels *image.NRGBA

	// Classes is the model output decoded as integers, with shape OutputShape.
	Classes     []int
	OutputShape []int

	// Elapsed covers the whole cycle, InferenceElapsed only the inference step.
	Elapsed          time.Duration
	InferenceElapsed time.Duration
}
