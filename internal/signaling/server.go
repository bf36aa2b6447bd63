// Package signaling implements the WebSocket surface that pairs a phone
// offerer with a desktop answerer per room and relays their WebRTC
// negotiation, plus the dispatch of desktop camera frames into the inference
// pipeline.
package signaling

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/camsight/camsight/internal/inference"
	"github.com/camsight/camsight/internal/metrics"
	"github.com/camsight/camsight/internal/ratelimit"
)

// FrameGateway accepts desktop frames for asynchronous detection.
type FrameGateway interface {
	Submit(frame inference.Frame, deliver func(inference.Result))
}

type ServerConfig struct {
	Relay   *Relay
	Gateway FrameGateway

	MaxMessageBytes   int64
	MessagesPerSecond int
	WriteWait         time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Clock   ratelimit.Clock
}

// Server upgrades GET /ws requests and runs one read loop per connection.
type Server struct {
	relay   *Relay
	gateway FrameGateway

	maxMessageBytes   int64
	messagesPerSecond int
	writeWait         time.Duration

	metrics  *metrics.Metrics
	log      *slog.Logger
	clock    ratelimit.Clock
	upgrader websocket.Upgrader
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Relay == nil {
		cfg.Relay = NewRelay(RelayConfig{})
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 4 << 20
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = 60
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = time.Second
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
	return &Server{
		relay:             cfg.Relay,
		gateway:           cfg.Gateway,
		maxMessageBytes:   cfg.MaxMessageBytes,
		messagesPerSecond: cfg.MessagesPerSecond,
		writeWait:         cfg.WriteWait,
		metrics:           cfg.Metrics,
		log:               cfg.Logger,
		clock:             cfg.Clock,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sess := &wsSession{
		srv:  s,
		peer: newPeer(conn, s.writeWait),
		conn: conn,
		limiter: ratelimit.NewTokenBucket(s.clock,
			int64(s.messagesPerSecond), int64(s.messagesPerSecond)),
	}
	sess.run()
}

// wsSession is one client connection's read loop plus its join identity.
type wsSession struct {
	srv  *Server
	peer *Peer
	conn *websocket.Conn

	limiter *ratelimit.TokenBucket

	// joined identity; zero until the first valid join message.
	roomID string
	role   Role
}

func (ws *wsSession) run() {
	defer ws.teardown()

	ws.conn.SetReadLimit(ws.srv.maxMessageBytes)

	for {
		msgType, data, err := ws.conn.ReadMessage()
		if err != nil {
			return
		}
		// Rate-limit after reading so bytes already in the TCP receive buffer
		// are consumed; closing with unread data can turn into an abortive
		// close that hides the close code from the client.
		if !ws.limiter.Allow(1) {
			ws.srv.metrics.Inc(metrics.DropReasonRateLimited)
			ws.fail(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			ws.fail(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := parseSignalMessage(data)
		if err != nil {
			ws.srv.metrics.Inc(metrics.ProtocolViolation)
			ws.fail(websocket.ClosePolicyViolation, "bad message")
			return
		}

		switch msg.Type {
		case messageTypeJoin:
			if err := ws.handleJoin(msg); err != nil {
				ws.srv.metrics.Inc(metrics.ProtocolViolation)
				ws.fail(websocket.ClosePolicyViolation, "bad join")
				return
			}
		case messageTypeOffer, messageTypeAnswer, messageTypeCandidate:
			if ws.roomID == "" {
				// Signals before a join have no sender identity to relay
				// under; drop them.
				ws.srv.metrics.Inc(metrics.ProtocolViolation)
				continue
			}
			// Signals are relayed under the joined room only. Accepting the
			// message's roomId would let a client seed state into rooms no
			// role ever joins, which nothing could ever purge.
			if msg.RoomID != ws.roomID {
				ws.srv.metrics.Inc(metrics.ProtocolViolation)
				ws.fail(websocket.ClosePolicyViolation, "protocol violation")
				return
			}
			if err := ws.srv.relay.HandleSignal(ws.roomID, ws.role, msg); err != nil {
				ws.fail(websocket.ClosePolicyViolation, "protocol violation")
				return
			}
		case messageTypeFrameForInference:
			ws.handleFrame(msg)
		default:
			ws.srv.metrics.Inc(metrics.ProtocolViolation)
			ws.fail(websocket.ClosePolicyViolation, "bad message")
			return
		}
	}
}

func (ws *wsSession) handleJoin(msg signalMessage) error {
	// A re-join moves this socket to a new room/role; release the old slot
	// first so the old room can purge.
	if ws.roomID != "" && (ws.roomID != msg.RoomID || ws.role != msg.Role) {
		ws.srv.relay.HandleDisconnect(ws.peer, ws.roomID, ws.role)
		ws.roomID = ""
	}

	replaced, err := ws.srv.relay.HandleJoin(ws.peer, msg.RoomID, msg.Role, msg.CameraType)
	if err != nil {
		return err
	}
	if replaced != nil && replaced != ws.peer {
		replaced.CloseWith(websocket.ClosePolicyViolation, "replaced by newer connection")
		replaced.Close()
	}

	ws.roomID = msg.RoomID
	ws.role = msg.Role
	return nil
}

func (ws *wsSession) handleFrame(msg signalMessage) {
	// Only the desktop peer runs detection; frames from anyone else, or
	// addressed to a room this socket never joined, are dropped without
	// response.
	if ws.roomID == "" || ws.role != RoleDesktop || msg.RoomID != ws.roomID {
		return
	}
	if msg.ImageData == "" {
		return
	}
	if ws.srv.gateway == nil {
		return
	}

	roomID := ws.roomID
	peer := ws.peer
	ws.srv.gateway.Submit(inference.Frame{
		RoomID:    roomID,
		FrameID:   msg.FrameID,
		CaptureTS: msg.CaptureTS,
		ImageData: msg.ImageData,
	}, func(res inference.Result) {
		out := inferenceResult{
			Type:        messageTypeInferenceResult,
			RoomID:      roomID,
			FrameID:     res.FrameID,
			CaptureTS:   res.CaptureTS,
			RecvTS:      res.RecvTS,
			InferenceTS: res.InferenceTS,
			Detections:  res.Detections,
			Error:       res.Error,
		}
		if err := peer.Send(out); err != nil {
			ws.srv.metrics.Inc(metrics.DeliveryFailure)
			ws.srv.log.Warn("inference result delivery failed", "room", roomID, "err", err)
		}
	})
}

func (ws *wsSession) fail(closeCode int, reason string) {
	ws.peer.CloseWith(closeCode, reason)
}

func (ws *wsSession) teardown() {
	if ws.roomID != "" {
		ws.srv.relay.HandleDisconnect(ws.peer, ws.roomID, ws.role)
	}
	ws.peer.Close()
}
