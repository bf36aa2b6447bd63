package detect

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"
)

type fakeDetector struct {
	out   []float32
	shape []int64
	err   error

	gotShape []int64
}

func (f *fakeDetector) Run(input []float32, shape []int64) ([]float32, []int64, error) {
	f.gotShape = shape
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.out, f.shape, nil
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 64, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestEngine_NoDetector(t *testing.T) {
	e := NewEngine(EngineConfig{})
	if e.Ready() {
		t.Fatalf("engine without detector must not be ready")
	}
	if _, err := e.Detect(encodePNG(t, 8, 8)); !errors.Is(err, ErrNoDetector) {
		t.Fatalf("err=%v, want ErrNoDetector", err)
	}
}

func TestEngine_DecodeFailure(t *testing.T) {
	e := NewEngine(EngineConfig{Detector: &fakeDetector{}})
	if _, err := e.Detect([]byte("not an image")); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestEngine_DetectorFailure(t *testing.T) {
	det := &fakeDetector{err: errors.New("boom")}
	e := NewEngine(EngineConfig{Detector: det})
	if _, err := e.Detect(encodePNG(t, 16, 16)); err == nil {
		t.Fatalf("expected model error")
	}
}

// TestEngine_CoordinateRoundTrip feeds the engine a synthetic prediction at a
// known pixel box and checks that letterbox mapping, inverse mapping, and
// normalization recover pixelBox / originalImageSize.
func TestEngine_CoordinateRoundTrip(t *testing.T) {
	const (
		origW, origH = 800, 600
		inputSize    = 640
	)

	// Letterbox for 800x600 -> 640x640: scale 0.8, 640x480 content,
	// 80px vertical padding.
	const (
		scale = 0.8
		padY  = 80
	)

	// Original-image pixel box (100,50)-(300,250) mapped into model-input
	// space.
	cx := float32((100 + 300) / 2 * scale)
	cy := float32((50+250)/2*scale + padY)
	bw := float32((300 - 100) * scale)
	bh := float32((250 - 50) * scale)

	// stride 7: box, objectness, two class scores (argmax -> class 1).
	det := &fakeDetector{
		out:   []float32{cx, cy, bw, bh, 0.95, 0.2, 0.9},
		shape: []int64{1, 1, 7},
	}
	e := NewEngine(EngineConfig{Detector: det, InputSize: inputSize})

	got, err := e.Detect(encodePNG(t, origW, origH))
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d detections, want 1", len(got))
	}

	if len(det.gotShape) != 4 || det.gotShape[1] != 3 || det.gotShape[2] != inputSize {
		t.Fatalf("input shape=%v, want [1 3 640 640]", det.gotShape)
	}

	d := got[0]
	if d.Label != "bicycle" {
		t.Errorf("label=%q, want bicycle (class 1)", d.Label)
	}

	const tol = 1e-5
	wants := []struct {
		name string
		got  float64
		want float64
	}{
		{"xmin", d.XMin, 100.0 / origW},
		{"ymin", d.YMin, 50.0 / origH},
		{"xmax", d.XMax, 300.0 / origW},
		{"ymax", d.YMax, 250.0 / origH},
	}
	for _, w := range wants {
		if math.Abs(w.got-w.want) > tol {
			t.Errorf("%s=%v, want %v", w.name, w.got, w.want)
		}
	}
	if math.Abs(d.Score-0.9) > tol {
		t.Errorf("score=%v, want 0.9", d.Score)
	}
}

func TestLetterbox_SquareInputNoPadding(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 320, 320))
	canvas, lb := letterboxImage(img, 640)

	if lb.scale != 2.0 {
		t.Errorf("scale=%v, want 2.0", lb.scale)
	}
	if lb.padX != 0 || lb.padY != 0 {
		t.Errorf("pad=(%d,%d), want (0,0)", lb.padX, lb.padY)
	}
	if canvas.Bounds().Dx() != 640 || canvas.Bounds().Dy() != 640 {
		t.Errorf("canvas=%v, want 640x640", canvas.Bounds())
	}
}

func TestLetterbox_PadsWithFill(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 640, 320))
	canvas, lb := letterboxImage(img, 640)

	if lb.padY != 160 || lb.padX != 0 {
		t.Fatalf("pad=(%d,%d), want (0,160)", lb.padX, lb.padY)
	}

	// The padded band must hold the constant fill color.
	c := canvas.NRGBAAt(320, 10)
	if c.R != 114 || c.G != 114 || c.B != 114 {
		t.Errorf("pad pixel=%v, want (114,114,114)", c)
	}
}

func TestToTensor_LayoutAndRange(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	img.SetNRGBA(0, 0, color.NRGBA{R: 255, G: 0, B: 0, A: 255})
	img.SetNRGBA(1, 1, color.NRGBA{R: 0, G: 0, B: 255, A: 255})

	tensor := toTensor(img, 2)
	if len(tensor) != 3*2*2 {
		t.Fatalf("len=%d, want 12", len(tensor))
	}
	// CHW: R plane first.
	if tensor[0] != 1.0 {
		t.Errorf("R(0,0)=%v, want 1.0", tensor[0])
	}
	// B plane, pixel (1,1) = offset 2*4 + 3.
	if tensor[2*4+3] != 1.0 {
		t.Errorf("B(1,1)=%v, want 1.0", tensor[2*4+3])
	}
}
