package sam

import (
	"fmt"
	"runtime"
)

// Pixel normalization constants of the SAM image encoder.
const (
	meanR = 0.485
	meanG = 0.456
	meanB = 0.406

	stdR = 0.229
	stdG = 0.224
	stdB = 0.225
)

const (
	// inputSize is the long-side target of the encoder input.
	inputSize = 1024
	// logitsSize is the side of the low-resolution mask logits grid.
	logitsSize = 256
	// maskThreshold binarizes upscaled logits.
	maskThreshold = 0.0
)

// Point labels of the SAM prompt encoder.
const (
	labelBackground  = 0
	labelForeground  = 1
	labelBoxTopLeft  = 2
	labelBoxBotRight = 3
)

// Config configures the ONNX runtime and model files.
type Config struct {
	// OnnxRuntimeLibPath points at onnxruntime.dll / .so / .dylib.
	OnnxRuntimeLibPath string
	// EncoderModelPath is the image encoder graph.
	EncoderModelPath string
	// DecoderModelPath is the prompt encoder + mask decoder graph.
	DecoderModelPath string

	UseCuda    bool
	NumThreads int
}

// DefaultConfig returns paths relative to the working directory, with the
// runtime library chosen for the current platform.
func DefaultConfig() Config {
	return Config{
		OnnxRuntimeLibPath: defaultLibraryPath(),
		EncoderModelPath:   "./sam_weights/vision_encoder.onnx",
		DecoderModelPath:   "./sam_weights/prompt_encoder_mask_decoder.onnx",
	}
}

func defaultLibraryPath() string {
	baseDir := "./lib/"
	if runtime.GOOS == "windows" {
		return baseDir + "onnxruntime.dll"
	}

	ext := "so"
	if runtime.GOOS == "darwin" {
		ext = "dylib"
	}
	return fmt.Sprintf("%sonnxruntime_%s.%s", baseDir, runtime.GOARCH, ext)
}
