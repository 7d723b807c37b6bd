// Package prompt dispatches segmentation prompts to the backend, applies the
// point-refinement policy, and normalizes results into RLE-encoded
// annotations.
package prompt

import (
	"errors"
	"fmt"

	"github.com/seglab/seglab/internal/backend"
	"github.com/seglab/seglab/internal/mask"
)

// ErrInvalidPrompt marks prompt geometry the caller got wrong.
var ErrInvalidPrompt = errors.New("invalid prompt")

// Prompt is the tagged union over the four prompt kinds. Implementations are
// the request structs below; the router dispatches on the concrete type.
type Prompt interface {
	// Validate checks geometry and fills defaults.
	Validate() error
	// TargetImage returns the id of the image being segmented.
	TargetImage() string
}

// Text segments by concept description.
type Text struct {
	ImageID   string
	Prompt    string
	Threshold float64
}

// Points segments by positive/negative clicks. ResetMask starts a fresh
// refinement sequence, discarding cached logits first.
type Points struct {
	ImageID   string
	Points    []backend.Point
	Threshold float64
	ResetMask bool
}

// Box segments by a pixel-space box on the target image. Positive=false marks
// the region as excluded.
type Box struct {
	ImageID        string
	X1, Y1, X2, Y2 float64
	Positive       bool
	Threshold      float64
}

// Template segments the target image using a boxed exemplar region from an
// already-registered source image.
type Template struct {
	ImageID        string
	SourceImageID  string
	X1, Y1, X2, Y2 float64
	Threshold      float64
}

// Result is the normalized form of one candidate: the mask as RLE, the tight
// bounding box (x1, y1, x2, y2), the model score, and the exact foreground
// pixel count.
type Result struct {
	RLE   mask.RLE `json:"mask_rle"`
	Box   [4]int   `json:"box"`
	Score float64  `json:"score"`
	Area  int      `json:"area"`
}

func (t *Text) Validate() error {
	if t.Prompt == "" {
		return fmt.Errorf("%w: empty text prompt", ErrInvalidPrompt)
	}
	return validateThreshold(t.Threshold)
}

func (t *Text) TargetImage() string { return t.ImageID }

func (p *Points) Validate() error {
	if len(p.Points) == 0 {
		return fmt.Errorf("%w: no points supplied", ErrInvalidPrompt)
	}
	for i, pt := range p.Points {
		if pt.X < 0 || pt.Y < 0 {
			return fmt.Errorf("%w: point %d has negative coordinates", ErrInvalidPrompt, i)
		}
		if pt.Label != 0 && pt.Label != 1 {
			return fmt.Errorf("%w: point %d has label %d, want 0 or 1", ErrInvalidPrompt, i, pt.Label)
		}
	}
	return validateThreshold(p.Threshold)
}

func (p *Points) TargetImage() string { return p.ImageID }

func (b *Box) Validate() error {
	if err := validateBox(b.X1, b.Y1, b.X2, b.Y2); err != nil {
		return err
	}
	return validateThreshold(b.Threshold)
}

func (b *Box) TargetImage() string { return b.ImageID }

func (t *Template) Validate() error {
	if t.SourceImageID == "" {
		return fmt.Errorf("%w: missing template source image id", ErrInvalidPrompt)
	}
	if err := validateBox(t.X1, t.Y1, t.X2, t.Y2); err != nil {
		return err
	}
	return validateThreshold(t.Threshold)
}

func (t *Template) TargetImage() string { return t.ImageID }

func validateBox(x1, y1, x2, y2 float64) error {
	if x1 < 0 || y1 < 0 {
		return fmt.Errorf("%w: box has negative coordinates", ErrInvalidPrompt)
	}
	if x2 <= x1 || y2 <= y1 {
		return fmt.Errorf("%w: box corners must satisfy x2>x1 and y2>y1", ErrInvalidPrompt)
	}
	return nil
}

// validateThreshold checks the range only. Zero is a meaningful value (keep
// every candidate); defaulting for requests that omit the field happens at
// the API layer, where absence is observable.
func validateThreshold(v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%w: threshold %v outside [0,1]", ErrInvalidPrompt, v)
	}
	return nil
}
