// Package detect implements the stateless object-detection pipeline: image
// decode, letterbox preprocessing, model invocation through an opaque
// Detector, and postprocessing (confidence filter, coordinate un-mapping,
// greedy NMS, normalization).
package detect

// Detector runs one forward pass of a loaded detection model.
//
// input is a CHW float32 tensor with a leading batch dimension; shape is its
// dimensions (e.g. [1, 3, 640, 640]). The returned output is the raw
// prediction tensor with outShape [batch, N, 5+classes].
//
// Implementations must be safe for concurrent use by multiple workers.
type Detector interface {
	Run(input []float32, shape []int64) (output []float32, outShape []int64, err error)
}

// Detection is one detected object with box coordinates normalized to the
// original image dimensions. Values may slightly overshoot [0,1] because the
// un-letterboxed coordinates are intentionally not clamped.
type Detection struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
	XMin  float64 `json:"xmin"`
	YMin  float64 `json:"ymin"`
	XMax  float64 `json:"xmax"`
	YMax  float64 `json:"ymax"`
}
