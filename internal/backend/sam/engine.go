// Package sam implements the segmentation backend on top of SAM-family ONNX
// exports: a vision encoder producing reusable image embeddings and a prompt
// decoder consuming points, boxes (as corner-labeled points) and an optional
// low-resolution mask hint.
package sam

import (
	"context"
	"fmt"
	"image"
	"runtime"
	"sync"

	"github.com/seglab/seglab/internal/backend"
	"github.com/seglab/seglab/internal/mask"
	"github.com/up-zero/gotool/imageutil"
	ort "github.com/yalue/onnxruntime_go"
)

var (
	ortOnce    sync.Once
	ortInitErr error
)

// Engine holds the ONNX sessions. It satisfies backend.Backend; per-image
// encoder output lives in the opaque state returned by EncodeImage.
type Engine struct {
	encoderSession *ort.DynamicAdvancedSession
	decoderSession *ort.DynamicAdvancedSession
	config         Config
}

// state is the per-image encoder output plus the resize geometry needed to
// map prompt coordinates and logits back and forth.
type state struct {
	engine     *Engine
	embeddings []ort.Value

	origW, origH int
	scale        float32
	newW, newH   int

	destroyed bool
}

// NewEngine initializes the ONNX runtime once and opens both model sessions.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.OnnxRuntimeLibPath == "" {
		return nil, fmt.Errorf("onnxruntime library path is required")
	}
	ortOnce.Do(func() {
		ort.SetSharedLibraryPath(cfg.OnnxRuntimeLibPath)
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return nil, fmt.Errorf("failed to initialize onnxruntime: %w", ortInitErr)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	if cfg.NumThreads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.NumThreads); err != nil {
			return nil, fmt.Errorf("failed to set onnx threads: %w", err)
		}
	}
	if cfg.UseCuda {
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, fmt.Errorf("failed to create CUDA provider options: %w", err)
		}
		defer cudaOptions.Destroy()
		if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			return nil, fmt.Errorf("failed to enable CUDA provider: %w", err)
		}
	}

	encSession, err := ort.NewDynamicAdvancedSession(
		cfg.EncoderModelPath,
		[]string{"image"},
		[]string{"image_embeddings"},
		options,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder session: %w", err)
	}

	decSession, err := ort.NewDynamicAdvancedSession(
		cfg.DecoderModelPath,
		[]string{"image_embeddings", "point_coords", "point_labels", "mask_input", "has_mask_input", "orig_im_size"},
		[]string{"masks", "iou_predictions", "low_res_masks"},
		options,
	)
	if err != nil {
		encSession.Destroy()
		return nil, fmt.Errorf("failed to create decoder session: %w", err)
	}

	return &Engine{
		encoderSession: encSession,
		decoderSession: decSession,
		config:         cfg,
	}, nil
}

// Destroy releases both sessions.
func (e *Engine) Destroy() error {
	if e.encoderSession != nil {
		if err := e.encoderSession.Destroy(); err != nil {
			return fmt.Errorf("failed to destroy encoder session: %w", err)
		}
	}
	if e.decoderSession != nil {
		if err := e.decoderSession.Destroy(); err != nil {
			return fmt.Errorf("failed to destroy decoder session: %w", err)
		}
	}
	return nil
}

func (e *Engine) EncodeImage(ctx context.Context, img image.Image) (backend.EncoderState, error) {
	bounds := img.Bounds()
	origW, origH := bounds.Dx(), bounds.Dy()

	scale := float32(inputSize) / float32(max(origW, origH))
	newW := int(float32(origW) * scale)
	newH := int(float32(origH) * scale)

	resized := imageutil.Resize(img, newW, newH)
	tensorData := normalizeAndPad(resized, inputSize, inputSize)

	inputTensor, err := ort.NewTensor(ort.NewShape(1, 3, int64(inputSize), int64(inputSize)), tensorData)
	if err != nil {
		return nil, fmt.Errorf("failed to create image tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputs := make([]ort.Value, 1)
	if err := e.encoderSession.Run([]ort.Value{inputTensor}, outputs); err != nil {
		return nil, fmt.Errorf("encoder inference failed: %w", err)
	}
	if err := ctx.Err(); err != nil {
		outputs[0].Destroy()
		return nil, err
	}

	st := &state{
		engine:     e,
		embeddings: outputs,
		origW:      origW,
		origH:      origH,
		scale:      scale,
		newW:       newW,
		newH:       newH,
	}
	runtime.SetFinalizer(st, func(s *state) { s.destroy() })
	return st, nil
}

func (st *state) destroy() {
	if st.destroyed {
		return
	}
	for _, v := range st.embeddings {
		if v != nil {
			v.Destroy()
		}
	}
	st.embeddings = nil
	st.destroyed = true
}

// PredictText is unavailable: the decoder graph has no text tower.
func (e *Engine) PredictText(ctx context.Context, _ backend.EncoderState, _ string, _ float64) ([]backend.Candidate, error) {
	return nil, backend.ErrNotSupported
}

func (e *Engine) PredictPoints(ctx context.Context, encState backend.EncoderState, points []backend.Point, maskInput *backend.Logits, multimask bool) (*backend.PointPrediction, error) {
	st, ok := encState.(*state)
	if !ok || st.destroyed {
		return nil, fmt.Errorf("invalid encoder state")
	}

	coords := make([]float32, 0, len(points)*2)
	labels := make([]float32, 0, len(points))
	for _, p := range points {
		coords = append(coords, float32(p.X)*st.scale, float32(p.Y)*st.scale)
		labels = append(labels, float32(p.Label))
	}

	pred, err := e.decode(st, coords, labels, maskInput)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !multimask {
		best := 0
		for i, c := range pred.Candidates {
			if c.Score > pred.Candidates[best].Score {
				best = i
			}
		}
		pred.Candidates = pred.Candidates[best : best+1]
	}
	return pred, nil
}

func (e *Engine) PredictGeometric(ctx context.Context, encState backend.EncoderState, box backend.NormBox, positive bool) ([]backend.Candidate, error) {
	st, ok := encState.(*state)
	if !ok || st.destroyed {
		return nil, fmt.Errorf("invalid encoder state")
	}

	var coords []float32
	var labels []float32
	if positive {
		// Boxes are fed to the prompt encoder as two corner points with the
		// dedicated corner labels.
		x1 := float32(box.CX-box.W/2) * float32(st.origW) * st.scale
		y1 := float32(box.CY-box.H/2) * float32(st.origH) * st.scale
		x2 := float32(box.CX+box.W/2) * float32(st.origW) * st.scale
		y2 := float32(box.CY+box.H/2) * float32(st.origH) * st.scale
		coords = []float32{x1, y1, x2, y2}
		labels = []float32{labelBoxTopLeft, labelBoxBotRight}
	} else {
		// The prompt encoder has no negative-box token; the closest encoding
		// is a background point at the box center.
		coords = []float32{
			float32(box.CX) * float32(st.origW) * st.scale,
			float32(box.CY) * float32(st.origH) * st.scale,
		}
		labels = []float32{labelBackground}
	}

	pred, err := e.decode(st, coords, labels, nil)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	best := 0
	for i, c := range pred.Candidates {
		if c.Score > pred.Candidates[best].Score {
			best = i
		}
	}
	return pred.Candidates[best : best+1], nil
}

// ResetPrompts is a no-op: the decoder is stateless across calls, prompt
// accumulation lives with the caller.
func (e *Engine) ResetPrompts(_ backend.EncoderState) error {
	return nil
}

func (e *Engine) SupportsPointRefinement() bool {
	return true
}

// decode runs the prompt decoder and converts every returned mask.
func (e *Engine) decode(st *state, coords, labels []float32, maskInput *backend.Logits) (*backend.PointPrediction, error) {
	numPoints := int64(len(labels))

	tCoords, err := ort.NewTensor(ort.NewShape(1, numPoints, 2), coords)
	if err != nil {
		return nil, fmt.Errorf("failed to create point coords tensor: %w", err)
	}
	defer tCoords.Destroy()

	tLabels, err := ort.NewTensor(ort.NewShape(1, numPoints), labels)
	if err != nil {
		return nil, fmt.Errorf("failed to create point labels tensor: %w", err)
	}
	defer tLabels.Destroy()

	maskData := make([]float32, logitsSize*logitsSize)
	hasMask := []float32{0}
	if maskInput != nil && maskInput.Width == logitsSize && maskInput.Height == logitsSize {
		copy(maskData, maskInput.Data)
		hasMask[0] = 1
	}

	tMask, err := ort.NewTensor(ort.NewShape(1, 1, logitsSize, logitsSize), maskData)
	if err != nil {
		return nil, fmt.Errorf("failed to create mask input tensor: %w", err)
	}
	defer tMask.Destroy()

	tHasMask, err := ort.NewTensor(ort.NewShape(1), hasMask)
	if err != nil {
		return nil, fmt.Errorf("failed to create has_mask_input tensor: %w", err)
	}
	defer tHasMask.Destroy()

	tOrigSize, err := ort.NewTensor(ort.NewShape(2), []float32{float32(st.origH), float32(st.origW)})
	if err != nil {
		return nil, fmt.Errorf("failed to create orig_im_size tensor: %w", err)
	}
	defer tOrigSize.Destroy()

	inputs := []ort.Value{
		st.embeddings[0],
		tCoords,
		tLabels,
		tMask,
		tHasMask,
		tOrigSize,
	}
	outputs := make([]ort.Value, 3)
	if err := e.decoderSession.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("decoder inference failed: %w", err)
	}
	defer func() {
		for _, o := range outputs {
			o.Destroy()
		}
	}()

	rawMasks := outputs[0].(*ort.Tensor[float32]).GetData()
	rawScores := outputs[1].(*ort.Tensor[float32]).GetData()
	rawLowRes := outputs[2].(*ort.Tensor[float32]).GetData()

	numMasks := len(rawScores)
	if numMasks == 0 {
		return &backend.PointPrediction{Candidates: []backend.Candidate{}}, nil
	}

	pixelsPerMask := st.origW * st.origH
	candidates := make([]backend.Candidate, 0, numMasks)
	bestIdx := 0
	for i := 0; i < numMasks; i++ {
		if rawScores[i] > rawScores[bestIdx] {
			bestIdx = i
		}
		m := mask.New(st.origW, st.origH)
		logits := rawMasks[i*pixelsPerMask : (i+1)*pixelsPerMask]
		for j, v := range logits {
			if v > maskThreshold {
				m.Pix[j] = 1
			}
		}
		candidates = append(candidates, backend.Candidate{Mask: m, Score: float64(rawScores[i])})
	}

	lowResPerMask := logitsSize * logitsSize
	bestLogits := &backend.Logits{
		Width:  logitsSize,
		Height: logitsSize,
		Data:   append([]float32(nil), rawLowRes[bestIdx*lowResPerMask:(bestIdx+1)*lowResPerMask]...),
	}

	return &backend.PointPrediction{Candidates: candidates, Logits: bestLogits}, nil
}
