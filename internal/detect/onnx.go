package detect

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
)

// ONNXDetector runs a detection model through ONNX Runtime (CPU execution).
// It implements Detector and is safe for concurrent Run calls.
type ONNXDetector struct {
	session    *ort.DynamicAdvancedSession
	inputName  string
	outputName string

	ownsEnvironment bool
}

// NewONNXDetector loads the model at modelPath. libraryPath optionally points
// at the onnxruntime shared library for platforms where the default lookup
// fails; empty uses the library default.
//
// A load failure is returned to the caller so it can log a warning and keep
// the server running without inference capability.
func NewONNXDetector(modelPath, libraryPath string) (*ONNXDetector, error) {
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}

	ownsEnvironment := false
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initialize onnxruntime: %w", err)
		}
		ownsEnvironment = true
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		if ownsEnvironment {
			_ = ort.DestroyEnvironment()
		}
		return nil, fmt.Errorf("inspect model %s: %w", modelPath, err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		if ownsEnvironment {
			_ = ort.DestroyEnvironment()
		}
		return nil, fmt.Errorf("model %s has no inputs or outputs", modelPath)
	}

	// The detection models used here have exactly one named input tensor and
	// one prediction output; take the first of each like the exporters do.
	inputName := inputs[0].Name
	outputName := outputs[0].Name

	session, err := ort.NewDynamicAdvancedSession(modelPath, []string{inputName}, []string{outputName}, nil)
	if err != nil {
		if ownsEnvironment {
			_ = ort.DestroyEnvironment()
		}
		return nil, fmt.Errorf("load model %s: %w", modelPath, err)
	}

	return &ONNXDetector{
		session:         session,
		inputName:       inputName,
		outputName:      outputName,
		ownsEnvironment: ownsEnvironment,
	}, nil
}

func (d *ONNXDetector) Run(input []float32, shape []int64) ([]float32, []int64, error) {
	inputTensor, err := ort.NewTensor(ort.NewShape(shape...), input)
	if err != nil {
		return nil, nil, fmt.Errorf("create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	// Leave the output slot nil so onnxruntime allocates it with the proper
	// shape for this invocation.
	outputs := []ort.Value{nil}
	if err := d.session.Run([]ort.Value{inputTensor}, outputs); err != nil {
		return nil, nil, fmt.Errorf("run session: %w", err)
	}

	outTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		if outputs[0] != nil {
			_ = outputs[0].Destroy()
		}
		return nil, nil, fmt.Errorf("unexpected output tensor type %T", outputs[0])
	}
	defer outTensor.Destroy()

	data := outTensor.GetData()
	out := make([]float32, len(data))
	copy(out, data)

	shape64 := outTensor.GetShape()
	outShape := make([]int64, len(shape64))
	copy(outShape, shape64)

	return out, outShape, nil
}

func (d *ONNXDetector) Close() error {
	var firstErr error
	if d.session != nil {
		if err := d.session.Destroy(); err != nil {
			firstErr = err
		}
		d.session = nil
	}
	if d.ownsEnvironment {
		if err := ort.DestroyEnvironment(); err != nil && firstErr == nil {
			firstErr = err
		}
		d.ownsEnvironment = false
	}
	return firstErr
}
