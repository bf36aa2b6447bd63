package signaling

import (
	"encoding/json"
	"sync"
)

// roomState is the negotiation state accumulated for one room. SDPs are
// last-write-wins; candidate lists are append-only for the session's
// lifetime.
type roomState struct {
	offerSDP         json.RawMessage
	offerCandidates  []json.RawMessage
	answerSDP        json.RawMessage
	answerCandidates []json.RawMessage

	phoneConnected   bool
	desktopConnected bool

	cameraType string
}

// backlog is the replay a newly-joined peer receives: the opposite role's
// stored SDP (if any) followed by that side's candidates in arrival order.
type backlog struct {
	sdpType    messageType
	sdp        json.RawMessage
	candidates []json.RawMessage
}

// RoomStore owns per-room signaling state. Rooms are created lazily on first
// reference and purged once both roles have disconnected.
type RoomStore struct {
	mu    sync.Mutex
	rooms map[string]*roomState
}

func NewRoomStore() *RoomStore {
	return &RoomStore{rooms: make(map[string]*roomState)}
}

func (s *RoomStore) getOrCreate(roomID string) *roomState {
	r := s.rooms[roomID]
	if r == nil {
		r = &roomState{}
		s.rooms[roomID] = r
	}
	return r
}

func (s *RoomStore) SetOffer(roomID string, sdp json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getOrCreate(roomID).offerSDP = sdp
}

func (s *RoomStore) SetAnswer(roomID string, sdp json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getOrCreate(roomID).answerSDP = sdp
}

func (s *RoomStore) AppendCandidate(roomID string, role Role, cand json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.getOrCreate(roomID)
	if role == RolePhone {
		r.offerCandidates = append(r.offerCandidates, cand)
	} else {
		r.answerCandidates = append(r.answerCandidates, cand)
	}
}

func (s *RoomStore) SetConnected(roomID string, role Role, connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rooms[roomID]
	if r == nil {
		if !connected {
			return
		}
		r = s.getOrCreate(roomID)
	}
	if role == RolePhone {
		r.phoneConnected = connected
	} else {
		r.desktopConnected = connected
	}
}

// SetCameraType records the phone's camera type for replay to late-joining
// desktops.
func (s *RoomStore) SetCameraType(roomID, cameraType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getOrCreate(roomID).cameraType = cameraType
}

func (s *RoomStore) CameraType(roomID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.rooms[roomID]; r != nil {
		return r.cameraType
	}
	return ""
}

func (s *RoomStore) Connected(roomID string, role Role) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rooms[roomID]
	if r == nil {
		return false
	}
	if role == RolePhone {
		return r.phoneConnected
	}
	return r.desktopConnected
}

// ListRoles returns the roles currently connected to the room.
func (s *RoomStore) ListRoles(roomID string) []Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rooms[roomID]
	if r == nil {
		return nil
	}
	var roles []Role
	if r.phoneConnected {
		roles = append(roles, RolePhone)
	}
	if r.desktopConnected {
		roles = append(roles, RoleDesktop)
	}
	return roles
}

// Backlog returns the replay for a joining role: desktops receive the offer
// side, phones the answer side. The candidate slice is a copy.
func (s *RoomStore) Backlog(roomID string, role Role) backlog {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rooms[roomID]
	if r == nil {
		return backlog{}
	}
	if role == RoleDesktop {
		return backlog{
			sdpType:    messageTypeOffer,
			sdp:        r.offerSDP,
			candidates: append([]json.RawMessage(nil), r.offerCandidates...),
		}
	}
	return backlog{
		sdpType:    messageTypeAnswer,
		sdp:        r.answerSDP,
		candidates: append([]json.RawMessage(nil), r.answerCandidates...),
	}
}

// PurgeIfEmpty removes the room once both roles have disconnected. It reports
// whether a purge happened.
func (s *RoomStore) PurgeIfEmpty(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rooms[roomID]
	if r == nil || r.phoneConnected || r.desktopConnected {
		return false
	}
	delete(s.rooms, roomID)
	return true
}

// Exists reports whether the room currently holds any state.
func (s *RoomStore) Exists(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[roomID]
	return ok
}
