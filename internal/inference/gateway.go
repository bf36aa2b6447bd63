// Package inference offloads per-frame object-detection requests to a small
// fixed-size worker pool so CPU-bound model invocations never stall the
// socket-serving loops.
package inference

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/camsight/camsight/internal/detect"
	"github.com/camsight/camsight/internal/metrics"
	"github.com/camsight/camsight/internal/ratelimit"
)

// Engine abstracts the detection pipeline so tests can substitute a fake.
type Engine interface {
	Detect(imageBytes []byte) ([]detect.Detection, error)
}

// Frame is one frame-for-inference submission from a desktop client.
type Frame struct {
	RoomID string
	// FrameID is echoed back verbatim; clients may use strings or numbers.
	FrameID   json.RawMessage
	CaptureTS float64
	// ImageData is base64-encoded image bytes with an optional data-URL
	// prefix ("data:image/jpeg;base64,...").
	ImageData string
}

// Result is the outcome of one frame submission. Timestamps are milliseconds
// since the Unix epoch. Error is non-empty only for payload decode failures,
// queue overflow, and deadline expiry; an unavailable or failing model
// degrades to empty detections without an error string.
type Result struct {
	FrameID     json.RawMessage
	CaptureTS   float64
	RecvTS      float64
	InferenceTS float64
	Detections  []detect.Detection
	Error       string
}

const (
	errQueueFull        = "dropped: inference queue full"
	errDeadlineExceeded = "inference deadline exceeded"
	errShuttingDown     = "inference unavailable: shutting down"
)

type Config struct {
	Engine Engine

	// Workers is the fixed pool size; it is independent of connection count.
	Workers int
	// QueueDepth bounds the submission backlog; the oldest queued frame is
	// displaced (with an error result) on overflow.
	QueueDepth int
	// Deadline bounds queue wait per frame. Frames whose deadline expires
	// before a worker picks them up report a degraded result.
	Deadline time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Clock   ratelimit.Clock
}

// Gateway accepts frame submissions, decodes payloads, and dispatches them to
// the worker pool without blocking the caller.
type Gateway struct {
	engine   Engine
	deadline time.Duration
	metrics  *metrics.Metrics
	log      *slog.Logger
	clock    ratelimit.Clock

	queue *jobQueue
	wg    sync.WaitGroup

	mu     sync.Mutex
	rooms  map[string]map[*job]struct{}
	closed bool
}

func NewGateway(cfg Config) *Gateway {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 8
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 10 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}

	g := &Gateway{
		engine:   cfg.Engine,
		deadline: cfg.Deadline,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
		clock:    cfg.Clock,
		queue:    newJobQueue(cfg.QueueDepth),
		rooms:    make(map[string]map[*job]struct{}),
	}

	g.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go g.worker()
	}
	return g
}

// Submit queues one frame for detection. deliver is invoked exactly once per
// submission (from a worker goroutine, or synchronously on decode failure),
// except for frames discarded because their room was purged or the gateway
// shut down mid-queue.
func (g *Gateway) Submit(frame Frame, deliver func(Result)) {
	recvTS := g.nowMillis()

	frameID := frame.FrameID
	if len(frameID) == 0 {
		frameID = json.RawMessage(`"unknown"`)
	}
	captureTS := frame.CaptureTS
	if captureTS == 0 {
		captureTS = recvTS
	}

	base := Result{
		FrameID:    frameID,
		CaptureTS:  captureTS,
		RecvTS:     recvTS,
		Detections: []detect.Detection{},
	}

	imageBytes, err := decodeImagePayload(frame.ImageData)
	if err != nil {
		g.metrics.Inc(metrics.FrameDecodeError)
		g.log.Warn("frame payload decode failed", "room", frame.RoomID, "err", err)
		base.InferenceTS = g.nowMillis()
		base.Error = "invalid image data: " + err.Error()
		deliver(base)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.deadline)
	j := &job{
		ctx:        ctx,
		cancel:     cancel,
		roomID:     frame.RoomID,
		frameID:    frameID,
		captureTS:  captureTS,
		recvTS:     recvTS,
		imageBytes: imageBytes,
		deliver:    deliver,
	}

	if !g.track(j) {
		cancel()
		base.InferenceTS = g.nowMillis()
		base.Error = errShuttingDown
		deliver(base)
		return
	}

	displaced, ok := g.queue.enqueue(j)
	if !ok {
		g.untrack(j)
		cancel()
		base.InferenceTS = g.nowMillis()
		base.Error = errShuttingDown
		deliver(base)
		return
	}
	g.metrics.Inc(metrics.FrameQueued)

	if displaced != nil {
		g.dropDisplaced(displaced)
	}
}

// CancelRoom discards queued and in-flight work for a purged room. Affected
// jobs deliver no result; the room's sockets are gone.
func (g *Gateway) CancelRoom(roomID string) {
	g.mu.Lock()
	set := g.rooms[roomID]
	delete(g.rooms, roomID)
	g.mu.Unlock()

	for j := range set {
		j.roomGone.Store(true)
		j.cancel()
	}
}

// Close stops the workers and waits for in-flight jobs to finish. Queued jobs
// that never ran are discarded.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	pending := g.queue.close()
	for _, j := range pending {
		g.untrack(j)
		j.cancel()
	}
	g.wg.Wait()
}

func (g *Gateway) worker() {
	defer g.wg.Done()
	for {
		j, ok := g.queue.dequeue()
		if !ok {
			return
		}
		g.runJob(j)
	}
}

func (g *Gateway) runJob(j *job) {
	defer g.untrack(j)
	defer j.cancel()

	if j.roomGone.Load() {
		g.metrics.Inc(metrics.FrameDroppedRoomGone)
		return
	}

	result := Result{
		FrameID:    j.frameID,
		CaptureTS:  j.captureTS,
		RecvTS:     j.recvTS,
		Detections: []detect.Detection{},
	}

	if j.ctx.Err() != nil {
		g.metrics.Inc(metrics.FrameDeadlineExceeded)
		result.InferenceTS = g.nowMillis()
		result.Error = errDeadlineExceeded
		j.deliver(result)
		return
	}

	detections, err := g.detect(j.imageBytes)
	result.InferenceTS = g.nowMillis()

	if j.roomGone.Load() {
		g.metrics.Inc(metrics.FrameDroppedRoomGone)
		return
	}

	if err != nil {
		// Model unavailable or invocation failure degrades to an empty
		// detection list; the relay stays operative without inference.
		g.metrics.Inc(metrics.InferenceDegraded)
		g.log.Warn("inference degraded", "room", j.roomID, "err", err)
		j.deliver(result)
		return
	}

	if detections != nil {
		result.Detections = detections
	}
	j.deliver(result)
}

func (g *Gateway) detect(imageBytes []byte) ([]detect.Detection, error) {
	if g.engine == nil {
		return nil, detect.ErrNoDetector
	}
	return g.engine.Detect(imageBytes)
}

func (g *Gateway) dropDisplaced(j *job) {
	g.untrack(j)
	j.cancel()
	g.metrics.Inc(metrics.FrameDroppedQueueFull)

	if j.roomGone.Load() {
		return
	}
	j.deliver(Result{
		FrameID:     j.frameID,
		CaptureTS:   j.captureTS,
		RecvTS:      j.recvTS,
		InferenceTS: g.nowMillis(),
		Detections:  []detect.Detection{},
		Error:       errQueueFull,
	})
}

func (g *Gateway) track(j *job) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	set := g.rooms[j.roomID]
	if set == nil {
		set = make(map[*job]struct{})
		g.rooms[j.roomID] = set
	}
	set[j] = struct{}{}
	return true
}

func (g *Gateway) untrack(j *job) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set := g.rooms[j.roomID]
	if set == nil {
		return
	}
	delete(set, j)
	if len(set) == 0 {
		delete(g.rooms, j.roomID)
	}
}

func (g *Gateway) nowMillis() float64 {
	return float64(g.clock.Now().UnixNano()) / float64(time.Millisecond)
}

// decodeImagePayload strips an optional data-URL prefix and base64-decodes
// the remainder.
func decodeImagePayload(data string) ([]byte, error) {
	if idx := strings.IndexByte(data, ','); idx >= 0 {
		data = data[idx+1:]
	}
	return base64.StdEncoding.DecodeString(data)
}
