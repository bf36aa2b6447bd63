package signaling

import (
	"fmt"
	"log/slog"

	"github.com/camsight/camsight/internal/metrics"
)

// protocolError terminates the offending connection; the room's state is left
// untouched.
type protocolError struct {
	Code    string
	Message string
}

func (e *protocolError) Error() string { return e.Code + ": " + e.Message }

// Relay mediates join/offer/answer/candidate traffic between the two peers of
// a room: every inbound signal is persisted first, then forwarded to the
// opposite live socket if one exists.
type Relay struct {
	store    *RoomStore
	registry *Registry
	metrics  *metrics.Metrics
	log      *slog.Logger

	// onRoomPurged runs after a room and its sockets are gone, so dependent
	// work (queued inference) can be discarded.
	onRoomPurged func(roomID string)
}

type RelayConfig struct {
	Store    *RoomStore
	Registry *Registry
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	OnRoomPurged func(roomID string)
}

func NewRelay(cfg RelayConfig) *Relay {
	if cfg.Store == nil {
		cfg.Store = NewRoomStore()
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Relay{
		store:        cfg.Store,
		registry:     cfg.Registry,
		metrics:      cfg.Metrics,
		log:          cfg.Logger,
		onRoomPurged: cfg.OnRoomPurged,
	}
}

// HandleJoin registers p as the room's live socket for role, announces the
// join to the opposite peer, and replays the stored backlog to the joiner.
// The returned peer, if non-nil, is an older same-role socket the join
// displaced; the caller owns closing it.
func (r *Relay) HandleJoin(p *Peer, roomID string, role Role, cameraType string) (replaced *Peer, err error) {
	if roomID == "" {
		return nil, &protocolError{Code: "bad_join", Message: "missing roomId"}
	}
	if !role.Valid() {
		return nil, &protocolError{Code: "bad_join", Message: fmt.Sprintf("invalid role %q", role)}
	}

	replaced = r.registry.Register(roomID, role, p)
	if replaced != nil {
		r.metrics.Inc(metrics.SocketReplaced)
		r.log.Info("socket replaced by newer join", "room", roomID, "role", role)
	}

	r.store.SetConnected(roomID, role, true)
	if role == RolePhone && cameraType != "" {
		r.store.SetCameraType(roomID, cameraType)
	}

	storedCamera := r.store.CameraType(roomID)

	// Tell the opposite peer, if live, that this role arrived. Camera type
	// rides along only on phone arrivals.
	if opposite := r.registry.Get(roomID, role.Opposite()); opposite != nil {
		notice := joinNotice{Type: messageTypeJoin, RoomID: roomID, Role: role}
		if role == RolePhone {
			notice.CameraType = storedCamera
		}
		r.deliver(opposite, roomID, role.Opposite(), notice)
	}

	// A desktop joining after the phone learns the phone's presence (and
	// camera type) immediately, even when only the camera type survives from
	// an earlier phone session.
	if role == RoleDesktop && (rolesContain(r.store.ListRoles(roomID), RolePhone) || storedCamera != "") {
		r.deliver(p, roomID, role, joinNotice{
			Type:       messageTypeJoin,
			RoomID:     roomID,
			Role:       RolePhone,
			CameraType: storedCamera,
		})
	}

	r.replayBacklog(p, roomID, role)
	return replaced, nil
}

// replayBacklog sends the joining role the opposite side's stored SDP, then
// that side's candidates in arrival order. The SDP always precedes its
// candidates.
func (r *Relay) replayBacklog(p *Peer, roomID string, role Role) {
	b := r.store.Backlog(roomID, role)
	if len(b.sdp) > 0 {
		r.deliver(p, roomID, role, relayedSignal{Type: b.sdpType, RoomID: roomID, SDP: b.sdp})
	}
	for _, cand := range b.candidates {
		r.deliver(p, roomID, role, relayedSignal{Type: messageTypeCandidate, RoomID: roomID, Candidate: cand})
	}
}

// HandleSignal persists one offer/answer/candidate and forwards it to the
// opposite live socket. Offers are accepted only from the phone and answers
// only from the desktop; a mismatch is a protocol violation fatal to the
// sending connection.
func (r *Relay) HandleSignal(roomID string, role Role, msg signalMessage) error {
	var out relayedSignal
	switch msg.Type {
	case messageTypeOffer:
		if role != RolePhone {
			r.metrics.Inc(metrics.ProtocolViolation)
			return &protocolError{Code: "role_mismatch", Message: "offer is only valid from the phone"}
		}
		r.store.SetOffer(roomID, msg.SDP)
		out = relayedSignal{Type: messageTypeOffer, RoomID: roomID, SDP: msg.SDP}
	case messageTypeAnswer:
		if role != RoleDesktop {
			r.metrics.Inc(metrics.ProtocolViolation)
			return &protocolError{Code: "role_mismatch", Message: "answer is only valid from the desktop"}
		}
		r.store.SetAnswer(roomID, msg.SDP)
		out = relayedSignal{Type: messageTypeAnswer, RoomID: roomID, SDP: msg.SDP}
	case messageTypeCandidate:
		r.store.AppendCandidate(roomID, role, msg.Candidate)
		out = relayedSignal{Type: messageTypeCandidate, RoomID: roomID, Candidate: msg.Candidate}
	default:
		return &protocolError{Code: "bad_message", Message: fmt.Sprintf("unexpected signal type %q", msg.Type)}
	}

	if opposite := r.registry.Get(roomID, role.Opposite()); opposite != nil {
		r.deliver(opposite, roomID, role.Opposite(), out)
	}
	return nil
}

// HandleDisconnect clears the role's slot and flag, and purges the room once
// both roles are gone. A displaced socket's teardown is a no-op: its
// replacement owns the slot.
func (r *Relay) HandleDisconnect(p *Peer, roomID string, role Role) {
	if !r.registry.Unregister(roomID, role, p) {
		return
	}
	r.store.SetConnected(roomID, role, false)
	if r.store.PurgeIfEmpty(roomID) {
		r.registry.RemoveRoom(roomID)
		r.metrics.Inc(metrics.RoomPurged)
		r.log.Info("room purged", "room", roomID)
		if r.onRoomPurged != nil {
			r.onRoomPurged(roomID)
		}
	}
}

func rolesContain(roles []Role, want Role) bool {
	for _, r := range roles {
		if r == want {
			return true
		}
	}
	return false
}

// deliver writes one message to a peer. Failures are logged and discarded;
// the state is already stored, so a later rejoin can replay it.
func (r *Relay) deliver(p *Peer, roomID string, role Role, v any) {
	if err := p.Send(v); err != nil {
		r.metrics.Inc(metrics.DeliveryFailure)
		r.log.Warn("signal delivery failed", "room", roomID, "role", role, "err", err)
	}
}
