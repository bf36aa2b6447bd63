package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/camsight/camsight/internal/detect"
)

type messageType string

const (
	messageTypeJoin              messageType = "join"
	messageTypeOffer             messageType = "offer"
	messageTypeAnswer            messageType = "answer"
	messageTypeCandidate         messageType = "ice-candidate"
	messageTypeFrameForInference messageType = "frame-for-inference"
	messageTypeInferenceResult   messageType = "inference-result"
)

// Role identifies one of the two peers sharing a room.
type Role string

const (
	RolePhone   Role = "phone"
	RoleDesktop Role = "desktop"
)

func (r Role) Valid() bool {
	return r == RolePhone || r == RoleDesktop
}

func (r Role) Opposite() Role {
	if r == RolePhone {
		return RoleDesktop
	}
	return RolePhone
}

// signalMessage is the single client->server envelope. SDP and candidate
// payloads are opaque to the relay: they are stored and forwarded verbatim.
type signalMessage struct {
	Type   messageType `json:"type"`
	RoomID string      `json:"roomId,omitempty"`
	Role   Role        `json:"role,omitempty"`

	CameraType string `json:"cameraType,omitempty"`

	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	ImageData string          `json:"imageData,omitempty"`
	FrameID   json.RawMessage `json:"frame_id,omitempty"`
	CaptureTS float64         `json:"capture_ts,omitempty"`
}

func parseSignalMessage(data []byte) (signalMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg signalMessage
	if err := dec.Decode(&msg); err != nil {
		return signalMessage{}, err
	}
	if err := msg.validate(); err != nil {
		return signalMessage{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return signalMessage{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m signalMessage) validate() error {
	if m.RoomID == "" {
		return fmt.Errorf("%s message missing roomId", m.Type)
	}
	switch m.Type {
	case messageTypeJoin:
		if !m.Role.Valid() {
			return fmt.Errorf("join message has invalid role %q", m.Role)
		}
		if m.SDP != nil || m.Candidate != nil || m.ImageData != "" {
			return fmt.Errorf("join message has unexpected fields")
		}
	case messageTypeOffer:
		if len(m.SDP) == 0 {
			return fmt.Errorf("offer message missing sdp")
		}
		if m.Candidate != nil || m.ImageData != "" {
			return fmt.Errorf("offer message has unexpected fields")
		}
	case messageTypeAnswer:
		if len(m.SDP) == 0 {
			return fmt.Errorf("answer message missing sdp")
		}
		if m.Candidate != nil || m.ImageData != "" {
			return fmt.Errorf("answer message has unexpected fields")
		}
	case messageTypeCandidate:
		if len(m.Candidate) == 0 {
			return fmt.Errorf("ice-candidate message missing candidate")
		}
		if m.SDP != nil || m.ImageData != "" {
			return fmt.Errorf("ice-candidate message has unexpected fields")
		}
	case messageTypeFrameForInference:
		if m.SDP != nil || m.Candidate != nil {
			return fmt.Errorf("frame-for-inference message has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

// joinNotice tells one peer that the opposite role is present. Only phone
// notices carry a camera type.
type joinNotice struct {
	Type       messageType `json:"type"`
	RoomID     string      `json:"roomId"`
	Role       Role        `json:"role"`
	CameraType string      `json:"cameraType,omitempty"`
}

// relayedSignal is an offer/answer/candidate forwarded or replayed to the
// opposite peer.
type relayedSignal struct {
	Type      messageType     `json:"type"`
	RoomID    string          `json:"roomId"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// inferenceResult is the server->desktop detection response. Detections is
// always present, even when empty.
type inferenceResult struct {
	Type        messageType        `json:"type"`
	RoomID      string             `json:"roomId"`
	FrameID     json.RawMessage    `json:"frame_id"`
	CaptureTS   float64            `json:"capture_ts"`
	RecvTS      float64            `json:"recv_ts"`
	InferenceTS float64            `json:"inference_ts"`
	Detections  []detect.Detection `json:"detections"`
	Error       string             `json:"error,omitempty"`
}
