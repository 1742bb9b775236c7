package signaling

import (
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/grouptalk/signal-relay/internal/config"
	"github.com/grouptalk/signal-relay/internal/metrics"
	"github.com/grouptalk/signal-relay/internal/ratelimit"
	"github.com/grouptalk/signal-relay/internal/room"
)

const wsWriteWait = 1 * time.Second

// peer owns one WebSocket connection. Inbound frames are handled on run's
// goroutine; outbound frames are enqueued onto send and drained by a single
// writePump goroutine, which also owns keepalive pings. The split means hub
// callbacks never block on a slow socket.
type peer struct {
	srv  *Server
	conn *websocket.Conn

	// id is assigned by the hub once the connection is authenticated. Empty
	// until then.
	id string

	limiter *ratelimit.TokenBucket

	send chan []byte
	done chan struct{}

	// writeMu serializes data writes between the write pump and the fatal
	// error path, which writes synchronously from the read goroutine.
	writeMu sync.Mutex

	closeOnce sync.Once
}

// enqueue marshals msg onto the outbound queue without blocking. A full
// queue means the client is not draining its socket; the frame is dropped
// and the caller decides whether that matters.
func (p *peer) enqueue(msg signalMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- data:
		return true
	default:
		return false
	}
}

// deliver enqueues a hub-originated frame. A peer that lets its queue fill
// is not draining its socket; it gets disconnected rather than silently
// receiving a gap in the message stream.
func (p *peer) deliver(msg signalMessage) bool {
	if p.enqueue(msg) {
		return true
	}
	p.shutdown()
	return false
}

// Forward implements room.Conn.
func (p *peer) Forward(from, kind string, payload json.RawMessage) bool {
	return p.deliver(signalMessage{Type: messageType(kind), From: from, Payload: payload})
}

// PeerJoined implements room.Conn.
func (p *peer) PeerJoined(peerID string) bool {
	return p.deliver(signalMessage{Type: messageTypePeerJoined, Peer: peerID})
}

// PeerLeft implements room.Conn.
func (p *peer) PeerLeft(peerID string) bool {
	return p.deliver(signalMessage{Type: messageTypePeerLeft, Peer: peerID})
}

func (p *peer) writePump() {
	ticker := time.NewTicker(p.srv.cfg.SignalingWSPingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-p.send:
			if err := p.writeFrame(data); err != nil {
				p.shutdown()
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				p.shutdown()
				return
			}
		case <-p.done:
			return
		}
	}
}

// shutdown tears the connection down exactly once. Closing the underlying
// socket unblocks the read loop, which then unregisters the peer.
func (p *peer) shutdown() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

func (p *peer) run(authorized bool) {
	defer func() {
		if p.id != "" {
			p.srv.hub.Unregister(p.id)
		}
		p.shutdown()
	}()

	cfg := p.srv.cfg
	p.conn.SetReadLimit(cfg.MaxSignalingMessageBytes)
	p.conn.SetPongHandler(func(string) error {
		_ = p.conn.SetReadDeadline(time.Now().Add(cfg.SignalingWSIdleTimeout))
		if p.id != "" {
			p.srv.hub.Touch(p.id)
		}
		return nil
	})

	if authorized {
		p.register()
		_ = p.conn.SetReadDeadline(time.Now().Add(cfg.SignalingWSIdleTimeout))
	} else {
		_ = p.conn.SetReadDeadline(time.Now().Add(cfg.SignalingAuthTimeout))
	}

	go p.writePump()

	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			if !authorized && isTimeout(err) {
				p.srv.metrics.Inc(metrics.AuthFailure)
				p.closeWith(websocket.ClosePolicyViolation, "authentication timeout")
			}
			return
		}
		// The rate limit is applied after reading so bytes already in the TCP
		// receive buffer are consumed. Closing with unread data can turn into
		// an abortive close (RST), hiding the close code from the client.
		if !p.limiter.Allow(1) {
			p.srv.metrics.Inc(metrics.DropReasonRateLimited)
			p.fail("rate_limited", "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			p.fail("bad_message", "expected text message", websocket.CloseUnsupportedData, "expected text message")
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(cfg.SignalingWSIdleTimeout))
		if p.id != "" {
			p.srv.hub.Touch(p.id)
		}

		msg, err := parseSignalMessage(data)
		if err != nil {
			if !authorized {
				p.srv.metrics.Inc(metrics.AuthFailure)
				p.fail("unauthorized", "authentication required", websocket.ClosePolicyViolation, "authentication required")
				return
			}
			// A malformed frame is dropped; the connection survives.
			p.srv.metrics.Inc(metrics.DropReasonBadMessage)
			p.sendError("bad_message", err.Error())
			continue
		}

		if !authorized {
			if msg.Type != messageTypeAuth {
				p.srv.metrics.Inc(metrics.AuthFailure)
				p.fail("unauthorized", "authentication required", websocket.ClosePolicyViolation, "authentication required")
				return
			}
			cred := msg.APIKey
			if cred == "" {
				cred = msg.Token
			}
			if err := p.srv.verifier.Verify(cred); err != nil {
				p.srv.metrics.Inc(metrics.AuthFailure)
				p.fail("unauthorized", "invalid credentials", websocket.ClosePolicyViolation, "unauthorized")
				return
			}
			authorized = true
			p.register()
			_ = p.conn.SetReadDeadline(time.Now().Add(cfg.SignalingWSIdleTimeout))
			continue
		}

		switch msg.Type {
		case messageTypeAuth:
			// Tolerated when already authenticated (query-string fallback or
			// AUTH_MODE=none); nothing to do.
		case messageTypeJoin:
			p.handleJoin(msg.Room)
		case messageTypeLeave:
			p.srv.hub.Leave(p.id)
		case messageTypeOffer, messageTypeAnswer, messageTypeCandidate:
			p.handleRelay(msg)
		}
	}
}

func (p *peer) register() {
	p.id = p.srv.hub.Register(p)
	p.srv.log.Debug("signaling connection ready", "peer_id", p.id)
}

func (p *peer) handleJoin(token string) {
	roster, err := p.srv.hub.Join(p.id, token)
	if err != nil {
		code, message := joinErrorCode(err)
		p.sendError(code, message)
		return
	}
	p.enqueue(signalMessage{
		Type:  messageTypeJoined,
		Room:  token,
		Peer:  p.id,
		Peers: roster,
	})
}

func (p *peer) handleRelay(msg signalMessage) {
	err := p.srv.hub.Relay(p.id, msg.Target, string(msg.Type), msg.Payload)
	switch {
	case err == nil:
	case errors.Is(err, room.ErrNoActiveSession):
		p.sendError("no_active_session", "join a room before sending negotiation messages")
	case errors.Is(err, room.ErrUnknownTarget):
		p.sendError("unknown_target", "target is not a member of your room")
	default:
		p.sendError("internal_error", err.Error())
	}
}

func joinErrorCode(err error) (code, message string) {
	switch {
	case errors.Is(err, room.ErrAlreadyJoined):
		return "already_joined", "leave the current room before joining another"
	case errors.Is(err, room.ErrRoomFull):
		return "room_full", "room is at capacity"
	case errors.Is(err, room.ErrTooManyRooms):
		return "too_many_rooms", "room limit reached, try again later"
	default:
		return "internal_error", err.Error()
	}
}

func (p *peer) sendError(code, message string) {
	p.enqueue(signalMessage{Type: messageTypeError, Code: code, Message: message})
}

func (p *peer) writeFrame(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// fail reports a fatal protocol error and closes the connection. The error
// frame is written synchronously so it lands before the close frame.
func (p *peer) fail(code, message string, closeCode int, closeReason string) {
	if data, err := json.Marshal(signalMessage{Type: messageTypeError, Code: code, Message: message}); err == nil {
		_ = p.writeFrame(data)
	}
	p.closeWith(closeCode, closeReason)
}

func (p *peer) closeWith(code int, reason string) {
	_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func newMessageLimiter(cfg config.Config) *ratelimit.TokenBucket {
	perSecond := int64(cfg.MaxSignalingMessagesPerSecond)
	return ratelimit.NewTokenBucket(ratelimit.RealClock{}, perSecond, perSecond)
}

var _ room.Conn = (*peer)(nil)
