package prompt

import (
	"context"
	"fmt"
	"sort"

	"github.com/seglab/seglab/internal/backend"
	"github.com/seglab/seglab/internal/mask"
	"github.com/seglab/seglab/internal/session"
	"go.uber.org/zap"
)

// fallbackBoxFrac is the side of the synthetic box substituted for a point
// when the backend lacks interactive refinement, as a fraction of the image
// dimensions.
const fallbackBoxFrac = 0.05

// Router dispatches prompts to the backend through the session store.
type Router struct {
	store   *session.Store
	backend backend.Backend
	log     *zap.Logger
}

// NewRouter wires a router to its store and backend.
func NewRouter(store *session.Store, b backend.Backend, log *zap.Logger) *Router {
	return &Router{store: store, backend: b, log: log}
}

// Segment validates and dispatches one prompt, returning the normalized
// result set sorted by score descending.
func (r *Router) Segment(ctx context.Context, p Prompt) ([]Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	switch req := p.(type) {
	case *Text:
		return r.segmentText(ctx, req)
	case *Points:
		return r.segmentPoints(ctx, req)
	case *Box:
		return r.segmentBox(ctx, req)
	case *Template:
		return r.segmentTemplate(ctx, req)
	default:
		return nil, fmt.Errorf("%w: unknown prompt kind %T", ErrInvalidPrompt, p)
	}
}

// ResetMask drops the cached refinement logits for an image and reports
// whether anything was cleared.
func (r *Router) ResetMask(imageID string) (bool, error) {
	sess, err := r.store.Get(imageID)
	if err != nil {
		return false, err
	}
	cleared := sess.ClearRefinementLogits()
	r.log.Info("refinement state reset", zap.String("image_id", imageID), zap.Bool("cleared", cleared))
	return cleared, nil
}

// ResetPrompts clears backend-held prompt state for an image, independent of
// refinement logits.
func (r *Router) ResetPrompts(ctx context.Context, imageID string) error {
	sess, err := r.store.Get(imageID)
	if err != nil {
		return err
	}
	return sess.ResetPrompts(ctx)
}

func (r *Router) segmentText(ctx context.Context, req *Text) ([]Result, error) {
	sess, err := r.store.Get(req.ImageID)
	if err != nil {
		return nil, err
	}

	var results []Result
	err = sess.Exclusive(func() error {
		state, err := sess.EncoderState(ctx)
		if err != nil {
			return err
		}
		candidates, err := r.backend.PredictText(ctx, state, req.Prompt, req.Threshold)
		if err != nil {
			return fmt.Errorf("text prediction failed: %w", err)
		}
		// The backend applied the threshold; normalization and ordering
		// still happen here.
		results = normalize(filterCandidates(candidates, 0))
		return nil
	})
	return results, err
}

func (r *Router) segmentPoints(ctx context.Context, req *Points) ([]Result, error) {
	sess, err := r.store.Get(req.ImageID)
	if err != nil {
		return nil, err
	}

	var results []Result
	err = sess.Exclusive(func() error {
		if req.ResetMask {
			if sess.ClearRefinementLogits() {
				r.log.Info("refinement logits reset by prompt", zap.String("image_id", req.ImageID))
			}
		}

		state, err := sess.EncoderState(ctx)
		if err != nil {
			return err
		}

		if !r.backend.SupportsPointRefinement() {
			r.log.Info("backend lacks point refinement, using geometric fallback",
				zap.String("image_id", req.ImageID))
			results, err = r.pointsGeometric(ctx, sess, state, req)
			return err
		}

		var maskInput *backend.Logits
		if len(req.Points) >= 2 {
			maskInput = sess.RefinementLogits()
		}
		multimask := maskInput == nil

		pred, err := r.backend.PredictPoints(ctx, state, req.Points, maskInput, multimask)
		if err != nil {
			// Resilience path, not an error path: degrade to geometric
			// prompts and still return a best-effort result set.
			r.log.Warn("point prediction failed, falling back to geometric prompts",
				zap.String("image_id", req.ImageID), zap.Error(err))
			results, err = r.pointsGeometric(ctx, sess, state, req)
			return err
		}
		// A cancelled request must not commit logits the caller never saw.
		if err := ctx.Err(); err != nil {
			return err
		}

		// Logits are cached only for predictions that can anchor a
		// refinement sequence: two or more points, or one that already
		// consumed a prior hint.
		if pred.Logits != nil && (len(req.Points) >= 2 || maskInput != nil) {
			sess.SetRefinementLogits(pred.Logits)
		}

		results = normalize(filterCandidates(pred.Candidates, req.Threshold))
		return nil
	})
	return results, err
}

// pointsGeometric converts each point into a small synthetic box centered on
// it and submits those as geometric prompts. No refinement state is read or
// written on this path.
func (r *Router) pointsGeometric(ctx context.Context, sess *session.Session, state backend.EncoderState, req *Points) ([]Result, error) {
	w := float64(sess.Width())
	h := float64(sess.Height())

	var candidates []backend.Candidate
	for _, pt := range req.Points {
		box := backend.NormBox{
			CX: pt.X / w,
			CY: pt.Y / h,
			W:  fallbackBoxFrac,
			H:  fallbackBoxFrac,
		}
		got, err := r.backend.PredictGeometric(ctx, state, box, pt.Label == 1)
		if err != nil {
			return nil, fmt.Errorf("geometric fallback failed: %w", err)
		}
		candidates = append(candidates, got...)
	}
	return normalize(filterCandidates(candidates, req.Threshold)), nil
}

func (r *Router) segmentBox(ctx context.Context, req *Box) ([]Result, error) {
	sess, err := r.store.Get(req.ImageID)
	if err != nil {
		return nil, err
	}

	var results []Result
	err = sess.Exclusive(func() error {
		state, err := sess.EncoderState(ctx)
		if err != nil {
			return err
		}

		box := centerForm(req.X1, req.Y1, req.X2, req.Y2, float64(sess.Width()), float64(sess.Height()))
		candidates, err := r.backend.PredictGeometric(ctx, state, box, req.Positive)
		if err != nil {
			return fmt.Errorf("box prediction failed: %w", err)
		}
		results = normalize(filterCandidates(candidates, req.Threshold))
		return nil
	})
	return results, err
}

func (r *Router) segmentTemplate(ctx context.Context, req *Template) ([]Result, error) {
	sess, err := r.store.Get(req.ImageID)
	if err != nil {
		return nil, err
	}
	// The exemplar box is normalized against the source image's own
	// dimensions, not the target's.
	source, err := r.store.Get(req.SourceImageID)
	if err != nil {
		return nil, err
	}
	box := centerForm(req.X1, req.Y1, req.X2, req.Y2, float64(source.Width()), float64(source.Height()))

	var results []Result
	err = sess.Exclusive(func() error {
		state, err := sess.EncoderState(ctx)
		if err != nil {
			return err
		}
		candidates, err := r.backend.PredictGeometric(ctx, state, box, true)
		if err != nil {
			return fmt.Errorf("template prediction failed: %w", err)
		}
		results = normalize(filterCandidates(candidates, req.Threshold))
		return nil
	})
	return results, err
}

// centerForm converts pixel corners to center-form fractions of the image.
func centerForm(x1, y1, x2, y2, w, h float64) backend.NormBox {
	return backend.NormBox{
		CX: ((x1 + x2) / 2) / w,
		CY: ((y1 + y2) / 2) / h,
		W:  (x2 - x1) / w,
		H:  (y2 - y1) / h,
	}
}

// filterCandidates keeps candidates at or above the threshold, always
// retaining the single best-scoring candidate so a non-empty backend answer
// never filters down to nothing. The result is sorted by score descending.
func filterCandidates(candidates []backend.Candidate, threshold float64) []backend.Candidate {
	if len(candidates) == 0 {
		return nil
	}

	best := 0
	for i, c := range candidates {
		if c.Score > candidates[best].Score {
			best = i
		}
	}

	kept := make([]backend.Candidate, 0, len(candidates))
	for i, c := range candidates {
		if c.Score >= threshold || i == best {
			kept = append(kept, c)
		}
	}

	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })
	return kept
}

// normalize converts candidates to RLE results, dropping any with empty
// foreground.
func normalize(candidates []backend.Candidate) []Result {
	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		x1, y1, x2, y2, ok := c.Mask.BoundingBox()
		if !ok {
			continue
		}
		results = append(results, Result{
			RLE:   mask.Encode(c.Mask),
			Box:   [4]int{x1, y1, x2, y2},
			Score: c.Score,
			Area:  c.Mask.Area(),
		})
	}
	return results
}
