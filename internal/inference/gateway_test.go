package inference

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/camsight/camsight/internal/detect"
	"github.com/camsight/camsight/internal/metrics"
)

type stubEngine struct {
	dets []detect.Detection
	err  error

	gotBytes []byte
}

func (e *stubEngine) Detect(imageBytes []byte) ([]detect.Detection, error) {
	e.gotBytes = imageBytes
	return e.dets, e.err
}

// blockingEngine holds workers until release is closed, so tests can fill the
// queue deterministically.
type blockingEngine struct {
	started chan struct{}
	release chan struct{}
}

func (e *blockingEngine) Detect([]byte) ([]detect.Detection, error) {
	e.started <- struct{}{}
	<-e.release
	return nil, nil
}

func b64Frame(roomID, payload string) Frame {
	return Frame{
		RoomID:    roomID,
		FrameID:   json.RawMessage(`"f1"`),
		CaptureTS: 123,
		ImageData: base64.StdEncoding.EncodeToString([]byte(payload)),
	}
}

func collectOne(t *testing.T, ch chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for result")
		return Result{}
	}
}

func TestGateway_DeliversDetections(t *testing.T) {
	eng := &stubEngine{dets: []detect.Detection{{Label: "person", Score: 0.9}}}
	g := NewGateway(Config{Engine: eng, Workers: 1})
	defer g.Close()

	results := make(chan Result, 1)
	g.Submit(b64Frame("room1", "jpegbytes"), func(r Result) { results <- r })

	r := collectOne(t, results)
	if r.Error != "" {
		t.Fatalf("unexpected error %q", r.Error)
	}
	if len(r.Detections) != 1 || r.Detections[0].Label != "person" {
		t.Fatalf("detections=%+v", r.Detections)
	}
	if string(r.FrameID) != `"f1"` || r.CaptureTS != 123 {
		t.Errorf("frame identity not echoed: %s / %v", r.FrameID, r.CaptureTS)
	}
	if r.RecvTS <= 0 || r.InferenceTS < r.RecvTS {
		t.Errorf("timestamps recv=%v inference=%v", r.RecvTS, r.InferenceTS)
	}
	if string(eng.gotBytes) != "jpegbytes" {
		t.Errorf("engine got %q", eng.gotBytes)
	}
}

func TestGateway_StripsDataURLPrefix(t *testing.T) {
	eng := &stubEngine{}
	g := NewGateway(Config{Engine: eng, Workers: 1})
	defer g.Close()

	results := make(chan Result, 1)
	frame := Frame{
		RoomID:    "room1",
		ImageData: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte("pixels")),
	}
	g.Submit(frame, func(r Result) { results <- r })

	collectOne(t, results)
	if string(eng.gotBytes) != "pixels" {
		t.Fatalf("engine got %q, want prefix stripped", eng.gotBytes)
	}
}

func TestGateway_MalformedBase64(t *testing.T) {
	m := metrics.New()
	g := NewGateway(Config{Engine: &stubEngine{}, Workers: 1, Metrics: m})
	defer g.Close()

	results := make(chan Result, 1)
	g.Submit(Frame{RoomID: "room1", ImageData: "!!!not-base64!!!"}, func(r Result) { results <- r })

	r := collectOne(t, results)
	if r.Error == "" {
		t.Fatalf("expected non-empty error for malformed payload")
	}
	if r.Detections == nil || len(r.Detections) != 0 {
		t.Fatalf("detections=%+v, want empty non-nil", r.Detections)
	}
	if r.InferenceTS <= 0 {
		t.Errorf("inference_ts not populated")
	}
	if m.Get(metrics.FrameDecodeError) != 1 {
		t.Errorf("decode error counter=%d", m.Get(metrics.FrameDecodeError))
	}
}

func TestGateway_ModelUnavailableDegrades(t *testing.T) {
	// No engine at all: the response carries empty detections and no error
	// string, and nothing fails fatally.
	g := NewGateway(Config{Workers: 1})
	defer g.Close()

	results := make(chan Result, 1)
	g.Submit(b64Frame("room1", "img"), func(r Result) { results <- r })

	r := collectOne(t, results)
	if r.Error != "" {
		t.Fatalf("degraded result must not carry an error, got %q", r.Error)
	}
	if r.Detections == nil || len(r.Detections) != 0 {
		t.Fatalf("detections=%+v, want empty non-nil", r.Detections)
	}
	if r.InferenceTS <= 0 || r.RecvTS <= 0 {
		t.Errorf("timestamps must be populated: %+v", r)
	}
}

func TestGateway_EngineFailureDegrades(t *testing.T) {
	m := metrics.New()
	g := NewGateway(Config{Engine: &stubEngine{err: errors.New("invoke failed")}, Workers: 1, Metrics: m})
	defer g.Close()

	results := make(chan Result, 1)
	g.Submit(b64Frame("room1", "img"), func(r Result) { results <- r })

	r := collectOne(t, results)
	if r.Error != "" {
		t.Fatalf("degraded result must not carry an error, got %q", r.Error)
	}
	if len(r.Detections) != 0 {
		t.Fatalf("detections=%+v", r.Detections)
	}
	if m.Get(metrics.InferenceDegraded) != 1 {
		t.Errorf("degraded counter=%d", m.Get(metrics.InferenceDegraded))
	}
}

func TestGateway_QueueOverflowDropsOldest(t *testing.T) {
	eng := &blockingEngine{started: make(chan struct{}), release: make(chan struct{})}
	m := metrics.New()
	g := NewGateway(Config{Engine: eng, Workers: 1, QueueDepth: 1, Metrics: m})
	defer g.Close()

	results := make(chan Result, 3)
	deliverTagged := func(tag string) func(Result) {
		return func(r Result) {
			r.FrameID = json.RawMessage(`"` + tag + `"`)
			results <- r
		}
	}

	// First frame occupies the single worker.
	g.Submit(b64Frame("room1", "a"), deliverTagged("a"))
	<-eng.started

	// Second frame sits in the queue; third displaces it.
	g.Submit(b64Frame("room1", "b"), deliverTagged("b"))
	g.Submit(b64Frame("room1", "c"), deliverTagged("c"))

	// The displaced frame reports an overflow error immediately.
	dropped := collectOne(t, results)
	if string(dropped.FrameID) != `"b"` {
		t.Fatalf("dropped frame=%s, want oldest queued (b)", dropped.FrameID)
	}
	if !strings.Contains(dropped.Error, "queue full") {
		t.Fatalf("dropped error=%q", dropped.Error)
	}
	if m.Get(metrics.FrameDroppedQueueFull) != 1 {
		t.Errorf("drop counter=%d", m.Get(metrics.FrameDroppedQueueFull))
	}

	close(eng.release)
	<-eng.started // worker picks up frame c

	first := collectOne(t, results)
	second := collectOne(t, results)
	got := map[string]bool{string(first.FrameID): true, string(second.FrameID): true}
	if !got[`"a"`] || !got[`"c"`] {
		t.Fatalf("completed frames=%v, want a and c", got)
	}
}

func TestGateway_DeadlineExpiryWhileQueued(t *testing.T) {
	eng := &blockingEngine{started: make(chan struct{}), release: make(chan struct{})}
	m := metrics.New()
	g := NewGateway(Config{Engine: eng, Workers: 1, QueueDepth: 4, Deadline: 20 * time.Millisecond, Metrics: m})
	defer g.Close()

	results := make(chan Result, 2)

	g.Submit(b64Frame("room1", "a"), func(r Result) { results <- r })
	<-eng.started

	g.Submit(b64Frame("room1", "b"), func(r Result) { results <- r })

	// Let b's deadline expire while it waits for the busy worker. The expired
	// job reports its deadline without ever reaching the engine.
	time.Sleep(50 * time.Millisecond)
	close(eng.release)

	first := collectOne(t, results)
	second := collectOne(t, results)

	var expired *Result
	for _, r := range []*Result{&first, &second} {
		if r.Error != "" {
			expired = r
		}
	}
	if expired == nil || !strings.Contains(expired.Error, "deadline") {
		t.Fatalf("expected one deadline-expired result, got %+v / %+v", first, second)
	}
	waitForCounter(t, m, metrics.FrameDeadlineExceeded, 1)
}

func TestGateway_CancelRoomDiscardsQueuedWork(t *testing.T) {
	eng := &blockingEngine{started: make(chan struct{}), release: make(chan struct{})}
	m := metrics.New()
	g := NewGateway(Config{Engine: eng, Workers: 1, QueueDepth: 4, Metrics: m})
	defer g.Close()

	results := make(chan Result, 2)

	g.Submit(b64Frame("room1", "a"), func(r Result) { results <- r })
	<-eng.started

	delivered := make(chan Result, 1)
	g.Submit(b64Frame("room2", "b"), func(r Result) { delivered <- r })

	g.CancelRoom("room2")

	// The cancelled job is drained without touching the engine.
	close(eng.release)

	collectOne(t, results) // room1 result still arrives

	select {
	case r := <-delivered:
		t.Fatalf("cancelled room received result %+v", r)
	case <-time.After(100 * time.Millisecond):
	}
	waitForCounter(t, m, metrics.FrameDroppedRoomGone, 1)
}

// waitForCounter polls for a counter the workers bump asynchronously.
func waitForCounter(t *testing.T, m *metrics.Metrics, event string, want uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if got := m.Get(event); got == want {
			return
		} else if time.Now().After(deadline) {
			t.Fatalf("counter %s=%d, want %d", event, got, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDecodeImagePayload(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"plain base64", base64.StdEncoding.EncodeToString([]byte("hi")), "hi", false},
		{"data url", "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("png")), "png", false},
		{"garbage", "%%%", "", true},
		{"empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeImagePayload(tt.in)
			if tt.wantErr != (err != nil) {
				t.Fatalf("err=%v, wantErr=%v", err, tt.wantErr)
			}
			if err == nil && string(got) != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}
