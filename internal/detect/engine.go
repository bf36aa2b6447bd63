package detect

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	// Frames arrive as browser-captured JPEG or PNG bytes.
	_ "image/jpeg"
	_ "image/png"
)

// ErrNoDetector is returned when the engine runs without a loaded model.
var ErrNoDetector = errors.New("detect: no detector loaded")

// Engine is the stateless preprocessing -> model invocation -> postprocessing
// pipeline. It holds only immutable configuration plus the loaded Detector,
// so a single Engine is shared by all inference workers.
type Engine struct {
	detector Detector

	inputSize     int
	confThreshold float64
	iouThreshold  float64
	labels        []string
}

type EngineConfig struct {
	// Detector may be nil; Detect then fails with ErrNoDetector and callers
	// degrade to empty detections.
	Detector Detector

	InputSize     int     // model square input size (default 640)
	ConfThreshold float64 // objectness cutoff (default 0.5)
	IoUThreshold  float64 // NMS overlap cutoff (default 0.45)
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.InputSize <= 0 {
		cfg.InputSize = 640
	}
	if cfg.ConfThreshold <= 0 {
		cfg.ConfThreshold = 0.5
	}
	if cfg.IoUThreshold <= 0 {
		cfg.IoUThreshold = 0.45
	}
	return &Engine{
		detector:      cfg.Detector,
		inputSize:     cfg.InputSize,
		confThreshold: cfg.ConfThreshold,
		iouThreshold:  cfg.IoUThreshold,
		labels:        cocoLabels,
	}
}

// Ready reports whether a detector is loaded. A non-ready engine still
// serves requests in degraded mode (empty detections).
func (e *Engine) Ready() bool {
	return e != nil && e.detector != nil
}

// Detect decodes imageBytes and runs the full detection pipeline, returning
// detections with coordinates normalized to the original image dimensions.
//
// Any failure (decode, model invocation, malformed output) is returned as an
// error; callers are expected to degrade to an empty detection list rather
// than treat it as fatal.
func (e *Engine) Detect(imageBytes []byte) ([]Detection, error) {
	if !e.Ready() {
		return nil, ErrNoDetector
	}

	img, _, err := image.Decode(bytes.NewReader(imageBytes))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	origW := img.Bounds().Dx()
	origH := img.Bounds().Dy()
	if origW == 0 || origH == 0 {
		return nil, errors.New("empty image")
	}

	canvas, lb := letterboxImage(img, e.inputSize)
	input := toTensor(canvas, e.inputSize)

	shape := []int64{1, 3, int64(e.inputSize), int64(e.inputSize)}
	out, outShape, err := e.detector.Run(input, shape)
	if err != nil {
		return nil, fmt.Errorf("run model: %w", err)
	}

	stride, err := predictionStride(outShape)
	if err != nil {
		return nil, err
	}

	cands, err := decodePredictions(out, stride, lb, e.confThreshold)
	if err != nil {
		return nil, err
	}

	kept := nms(cands, e.iouThreshold)

	detections := make([]Detection, 0, len(kept))
	for _, c := range kept {
		label := "unknown"
		if c.classID >= 0 && c.classID < len(e.labels) {
			label = e.labels[c.classID]
		}
		detections = append(detections, Detection{
			Label: label,
			Score: c.score,
			XMin:  c.x1 / float64(origW),
			YMin:  c.y1 / float64(origH),
			XMax:  c.x2 / float64(origW),
			YMax:  c.y2 / float64(origH),
		})
	}
	return detections, nil
}

// predictionStride extracts the per-prediction element count (5+classes) from
// the model output shape [batch, N, stride].
func predictionStride(shape []int64) (int, error) {
	if len(shape) != 3 {
		return 0, fmt.Errorf("unexpected output rank %d (want 3)", len(shape))
	}
	if shape[0] != 1 {
		return 0, fmt.Errorf("unexpected output batch %d (want 1)", shape[0])
	}
	stride := int(shape[2])
	if stride < 6 {
		return 0, fmt.Errorf("unexpected output stride %d (want >= 6)", stride)
	}
	return stride, nil
}
