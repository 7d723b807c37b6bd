package backend

import (
	"context"
	"image"
	"sync"

	"github.com/seglab/seglab/internal/mask"
)

// Mock is a deterministic Backend for development and tests. It produces
// disc-shaped masks derived from the prompt geometry, so every caller-visible
// contract (scores, logits caching, candidate ordering) can be exercised
// without a model runtime.
type Mock struct {
	// Refinement toggles the interactive point path; when false the router
	// must take the geometric fallback.
	Refinement bool
	// FailPoints makes PredictPoints return an error, exercising the
	// backend-failure fallback.
	FailPoints bool

	mu              sync.Mutex
	encodeCalls     int
	geometricCalls  int
	pointCalls      int
	lastMaskInput   *Logits
	lastMultimask   bool
	lastGeomBoxes   []NormBox
	lastResetCalled bool
	returnedLogits  []*Logits
}

type mockState struct {
	width  int
	height int
}

// NewMock returns a Mock with the full capability set enabled.
func NewMock() *Mock {
	return &Mock{Refinement: true}
}

func (m *Mock) EncodeImage(ctx context.Context, img image.Image) (EncoderState, error) {
	m.mu.Lock()
	m.encodeCalls++
	m.mu.Unlock()

	b := img.Bounds()
	return &mockState{width: b.Dx(), height: b.Dy()}, nil
}

func (m *Mock) PredictText(ctx context.Context, state EncoderState, prompt string, threshold float64) ([]Candidate, error) {
	st := state.(*mockState)
	c := discCandidate(st.width, st.height, st.width/2, st.height/2, minDim(st)/4, 0.95)
	if c.Score < threshold {
		return []Candidate{}, nil
	}
	return []Candidate{c}, nil
}

func (m *Mock) PredictPoints(ctx context.Context, state EncoderState, points []Point, maskInput *Logits, multimask bool) (*PointPrediction, error) {
	m.mu.Lock()
	m.pointCalls++
	m.lastMaskInput = maskInput
	m.lastMultimask = multimask
	fail := m.FailPoints
	m.mu.Unlock()

	if fail {
		return nil, ErrNotSupported
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	st := state.(*mockState)
	cx, cy := anchorPoint(points)
	r := minDim(st) / 8

	var candidates []Candidate
	if multimask {
		candidates = []Candidate{
			discCandidate(st.width, st.height, cx, cy, r, 0.90),
			discCandidate(st.width, st.height, cx, cy, r*3/4, 0.60),
			discCandidate(st.width, st.height, cx, cy, r/2, 0.40),
		}
	} else {
		// Refinement: one deterministic mask, the union of discs at every
		// positive point.
		um := mask.New(st.width, st.height)
		for _, p := range points {
			if p.Label == 1 {
				paintDisc(um, int(p.X), int(p.Y), r)
			}
		}
		candidates = []Candidate{{Mask: um, Score: 0.92}}
	}

	pred := &PointPrediction{
		Candidates: candidates,
		Logits:     logitsFromMask(candidates[0].Mask),
	}
	m.mu.Lock()
	m.returnedLogits = append(m.returnedLogits, pred.Logits)
	m.mu.Unlock()
	return pred, nil
}

func (m *Mock) PredictGeometric(ctx context.Context, state EncoderState, box NormBox, positive bool) ([]Candidate, error) {
	m.mu.Lock()
	m.geometricCalls++
	m.lastGeomBoxes = append(m.lastGeomBoxes, box)
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	st := state.(*mockState)
	cx := int(box.CX * float64(st.width))
	cy := int(box.CY * float64(st.height))
	r := int(box.W * float64(st.width) / 2)
	if r < 1 {
		r = 1
	}
	return []Candidate{discCandidate(st.width, st.height, cx, cy, r, 0.88)}, nil
}

func (m *Mock) ResetPrompts(state EncoderState) error {
	m.mu.Lock()
	m.lastResetCalled = true
	m.mu.Unlock()
	return nil
}

func (m *Mock) SupportsPointRefinement() bool {
	return m.Refinement
}

// EncodeCalls reports how many times EncodeImage ran.
func (m *Mock) EncodeCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.encodeCalls
}

// GeometricCalls reports how many geometric prompts were submitted.
func (m *Mock) GeometricCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.geometricCalls
}

// PointCalls reports how many point predictions ran.
func (m *Mock) PointCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pointCalls
}

// LastMaskInput returns the refinement hint of the most recent point call.
func (m *Mock) LastMaskInput() *Logits {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastMaskInput
}

// LastMultimask reports the multimask flag of the most recent point call.
func (m *Mock) LastMultimask() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastMultimask
}

// GeomBoxes returns every normalized box submitted so far.
func (m *Mock) GeomBoxes() []NormBox {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]NormBox, len(m.lastGeomBoxes))
	copy(out, m.lastGeomBoxes)
	return out
}

// ReturnedLogits returns the logits of every completed point prediction, in
// completion order.
func (m *Mock) ReturnedLogits() []*Logits {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Logits, len(m.returnedLogits))
	copy(out, m.returnedLogits)
	return out
}

// ResetCalled reports whether ResetPrompts ran.
func (m *Mock) ResetCalled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastResetCalled
}

func minDim(st *mockState) int {
	if st.width < st.height {
		return st.width
	}
	return st.height
}

func anchorPoint(points []Point) (int, int) {
	for _, p := range points {
		if p.Label == 1 {
			return int(p.X), int(p.Y)
		}
	}
	return int(points[0].X), int(points[0].Y)
}

func discCandidate(w, h, cx, cy, r int, score float64) Candidate {
	m := mask.New(w, h)
	paintDisc(m, cx, cy, r)
	return Candidate{Mask: m, Score: score}
}

func paintDisc(m *mask.Mask, cx, cy, r int) {
	for y := cy - r; y <= cy+r; y++ {
		if y < 0 || y >= m.Height {
			continue
		}
		for x := cx - r; x <= cx+r; x++ {
			if x < 0 || x >= m.Width {
				continue
			}
			dx, dy := x-cx, y-cy
			if dx*dx+dy*dy <= r*r {
				m.Set(x, y, true)
			}
		}
	}
}

const mockLogitsSize = 64

// logitsFromMask downsamples a binary mask into a small activation map, the
// shape the refinement path expects.
func logitsFromMask(m *mask.Mask) *Logits {
	data := make([]float32, mockLogitsSize*mockLogitsSize)
	for ly := 0; ly < mockLogitsSize; ly++ {
		sy := ly * m.Height / mockLogitsSize
		for lx := 0; lx < mockLogitsSize; lx++ {
			sx := lx * m.Width / mockLogitsSize
			if m.At(sx, sy) {
				data[ly*mockLogitsSize+lx] = 8.0
			} else {
				data[ly*mockLogitsSize+lx] = -8.0
			}
		}
	}
	return &Logits{Width: mockLogitsSize, Height: mockLogitsSize, Data: data}
}
