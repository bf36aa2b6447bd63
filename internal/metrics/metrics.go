package metrics

import "sync"

// Event names recorded by the relay and the inference pipeline. Names are
// intentionally simple; a follow-up metrics task can standardize and export
// these via Prometheus/OTel.
const (
	ProtocolViolation = "protocol_violation"
	DeliveryFailure   = "delivery_failure"
	RoomPurged        = "room_purged"
	SocketReplaced    = "socket_replaced"

	FrameQueued           = "frame_queued"
	FrameDroppedQueueFull = "frame_dropped_queue_full"
	FrameDroppedRoomGone  = "frame_dropped_room_gone"
	FrameDeadlineExceeded = "frame_deadline_exceeded"
	FrameDecodeError      = "frame_decode_error"
	InferenceDegraded     = "inference_degraded"

	DropReasonRateLimited = "rate_limited"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The server is expected to plug into a real metrics backend eventually; this
// type exists to keep relay and pool behavior testable and to provide drop
// counters without pulling in a client library.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
