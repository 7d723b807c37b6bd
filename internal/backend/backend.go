// Package backend defines the segmentation capability consumed by the prompt
// router. Implementations wrap a concrete model runtime; the rest of the
// service treats them interchangeably and never inspects encoder state.
package backend

import (
	"context"
	"errors"
	"image"

	"github.com/seglab/seglab/internal/mask"
)

// ErrNotSupported is returned for prompt kinds an implementation lacks.
var ErrNotSupported = errors.New("prompt kind not supported by backend")

// EncoderState is the opaque per-image state produced by EncodeImage. It is
// owned by the session that requested it and passed back unmodified.
type EncoderState interface{}

// Point is a prompt point in source-image pixel coordinates. Label 1 marks
// foreground, 0 marks background.
type Point struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Label int     `json:"label"`
}

// NormBox is a box prompt in center form, all fields fractions of the image
// dimensions.
type NormBox struct {
	CX float64
	CY float64
	W  float64
	H  float64
}

// Logits is a low-resolution mask activation map cached between point
// predictions and fed back as a refinement hint.
type Logits struct {
	Width  int
	Height int
	Data   []float32
}

// Candidate is one segmentation proposal.
type Candidate struct {
	Mask  *mask.Mask
	Score float64
}

// PointPrediction carries the candidates of a point prompt together with the
// low-resolution logits of the best candidate, when the runtime exposes them.
type PointPrediction struct {
	Candidates []Candidate
	Logits     *Logits
}

// Backend is the segmentation model contract.
type Backend interface {
	// EncodeImage runs the image encoder once and returns the reusable state.
	EncodeImage(ctx context.Context, img image.Image) (EncoderState, error)

	// PredictText segments by concept prompt. The threshold is applied by
	// the backend itself.
	PredictText(ctx context.Context, state EncoderState, prompt string, threshold float64) ([]Candidate, error)

	// PredictPoints segments by point prompts. maskInput, when non-nil, is a
	// refinement hint from a previous prediction; multimask asks for several
	// alternative proposals instead of one deterministic mask.
	PredictPoints(ctx context.Context, state EncoderState, points []Point, maskInput *Logits, multimask bool) (*PointPrediction, error)

	// PredictGeometric segments by a normalized box prompt. positive=false
	// marks the region as excluded.
	PredictGeometric(ctx context.Context, state EncoderState, box NormBox, positive bool) ([]Candidate, error)

	// ResetPrompts clears any prompt state accumulated inside state.
	ResetPrompts(state EncoderState) error

	// SupportsPointRefinement reports whether PredictPoints is available as
	// an interactive, logit-refining prompt path.
	SupportsPointRefinement() bool
}
