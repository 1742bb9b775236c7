package room

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/grouptalk/signal-relay/internal/metrics"
)

// Conn is the hub's handle to a connected peer. Implementations must not
// block: delivery methods enqueue onto the peer's outbound queue and report
// false when the queue is full (slow consumer).
//
// The hub calls Conn methods while holding its lock, so enqueueing is the
// only acceptable behavior; actual socket writes happen on the peer's own
// write goroutine. This is what preserves FIFO delivery per sender-recipient
// pair: Relay calls are serialized per sender (one read loop), and the
// recipient's queue is drained by a single writer.
type Conn interface {
	// Forward delivers a negotiation message verbatim. kind is the wire type
	// (offer, answer, candidate) and payload is opaque to the relay.
	Forward(from, kind string, payload json.RawMessage) bool

	// PeerJoined notifies an existing member that peerID entered its room.
	PeerJoined(peerID string) bool

	// PeerLeft notifies a remaining member that peerID left its room.
	PeerLeft(peerID string) bool
}

// Config carries the hub's limits.
type Config struct {
	// RoomCapacity is the maximum member count per room. Must be >= 2.
	RoomCapacity int

	// MaxRooms caps concurrently live rooms. <= 0 means unlimited.
	MaxRooms int
}

type peerState struct {
	conn      Conn
	roomToken string
	lastSeen  time.Time
}

type roomState struct {
	token   string
	members map[string]*peerState
}

// Hub owns the peer registry and room membership tables. It is created at
// process start and passed explicitly to each connection handler; all
// mutations go through its methods under a single mutex, since membership
// churn is rare and cheap.
type Hub struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
	clock   func() time.Time

	mu    sync.Mutex
	peers map[string]*peerState
	rooms map[string]*roomState
}

func NewHub(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Hub {
	if cfg.RoomCapacity < 2 {
		cfg.RoomCapacity = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Hub{
		cfg:     cfg,
		log:     logger,
		metrics: m,
		clock:   time.Now,
		peers:   make(map[string]*peerState),
		rooms:   make(map[string]*roomState),
	}
}

func (h *Hub) Metrics() *metrics.Metrics { return h.metrics }

// Register allocates an identifier for a newly connected client. The peer
// starts with no room assigned.
func (h *Hub) Register(conn Conn) string {
	id := uuid.NewString()

	h.mu.Lock()
	h.peers[id] = &peerState{conn: conn, lastSeen: h.clock()}
	h.mu.Unlock()

	h.log.Debug("peer registered", "peer_id", id)
	return id
}

// Unregister removes the peer, leaving its room first if it was a member.
// Unregistering an unknown or already-removed peer is a no-op.
func (h *Hub) Unregister(peerID string) {
	h.mu.Lock()
	p, ok := h.peers[peerID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if p.roomToken != "" {
		h.leaveLocked(peerID, p)
	}
	delete(h.peers, peerID)
	h.mu.Unlock()

	h.log.Debug("peer unregistered", "peer_id", peerID)
}

// Lookup resolves a peer identifier to its live connection handle.
func (h *Hub) Lookup(peerID string) (Conn, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.peers[peerID]
	if !ok {
		return nil, false
	}
	return p.conn, true
}

// Touch updates the peer's last-seen timestamp. Called by the connection
// handler on every inbound frame (including pongs).
func (h *Hub) Touch(peerID string) {
	h.mu.Lock()
	if p, ok := h.peers[peerID]; ok {
		p.lastSeen = h.clock()
	}
	h.mu.Unlock()
}

// LastSeen reports the peer's last-seen timestamp.
func (h *Hub) LastSeen(peerID string) (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.peers[peerID]
	if !ok {
		return time.Time{}, false
	}
	return p.lastSeen, true
}

// Join adds the peer to the room identified by token, creating the room on
// first join. Existing members are notified with peer-joined; the returned
// slice lists the members present before the join so the caller can ack the
// joiner with the current roster.
func (h *Hub) Join(peerID, token string) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, ok := h.peers[peerID]
	if !ok {
		return nil, ErrUnknownPeer
	}
	if p.roomToken != "" {
		return nil, ErrAlreadyJoined
	}

	r, ok := h.rooms[token]
	if !ok {
		if h.cfg.MaxRooms > 0 && len(h.rooms) >= h.cfg.MaxRooms {
			h.metrics.Inc(metrics.DropReasonTooManyRooms)
			return nil, ErrTooManyRooms
		}
		r = &roomState{token: token, members: make(map[string]*peerState)}
		h.rooms[token] = r
		h.metrics.Inc(metrics.RoomsCreated)
		h.log.Info("room created", "room", token)
	} else if len(r.members) >= h.cfg.RoomCapacity {
		h.metrics.Inc(metrics.DropReasonRoomFull)
		return nil, ErrRoomFull
	}

	existing := make([]string, 0, len(r.members))
	for id, member := range r.members {
		existing = append(existing, id)
		if !member.conn.PeerJoined(peerID) {
			h.metrics.Inc(metrics.DropReasonSlowConsumer)
		}
	}

	r.members[peerID] = p
	p.roomToken = token
	h.metrics.Inc(metrics.PeersJoined)
	h.log.Info("peer joined room", "peer_id", peerID, "room", token, "members", len(r.members))

	return existing, nil
}

// Leave removes the peer from its room, notifying remaining members. Leaving
// while not in a room is a no-op.
func (h *Hub) Leave(peerID string) {
	h.mu.Lock()
	if p, ok := h.peers[peerID]; ok && p.roomToken != "" {
		h.leaveLocked(peerID, p)
	}
	h.mu.Unlock()
}

func (h *Hub) leaveLocked(peerID string, p *peerState) {
	r, ok := h.rooms[p.roomToken]
	if !ok {
		p.roomToken = ""
		return
	}

	delete(r.members, peerID)
	token := p.roomToken
	p.roomToken = ""
	h.metrics.Inc(metrics.PeersLeft)

	if len(r.members) == 0 {
		delete(h.rooms, token)
		h.metrics.Inc(metrics.RoomsDestroyed)
		h.log.Info("room destroyed", "room", token)
		return
	}

	for _, member := range r.members {
		if !member.conn.PeerLeft(peerID) {
			h.metrics.Inc(metrics.DropReasonSlowConsumer)
		}
	}
	h.log.Info("peer left room", "peer_id", peerID, "room", token, "members", len(r.members))
}

// Relay forwards a negotiation message from senderID. An empty target means
// broadcast to every other member of the sender's room. The payload is never
// inspected.
func (h *Hub) Relay(senderID, target, kind string, payload json.RawMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	sender, ok := h.peers[senderID]
	if !ok {
		return ErrUnknownPeer
	}
	if sender.roomToken == "" {
		h.metrics.Inc(metrics.DropReasonNoActiveSession)
		return ErrNoActiveSession
	}
	r, ok := h.rooms[sender.roomToken]
	if !ok {
		// Membership tables out of sync would be a bug; treat as roomless.
		h.metrics.Inc(metrics.DropReasonNoActiveSession)
		return ErrNoActiveSession
	}

	if target != "" {
		member, ok := r.members[target]
		if !ok || target == senderID {
			h.metrics.Inc(metrics.DropReasonUnknownTarget)
			return ErrUnknownTarget
		}
		if !member.conn.Forward(senderID, kind, payload) {
			h.metrics.Inc(metrics.DropReasonSlowConsumer)
			return nil
		}
		h.metrics.Inc(metrics.MessagesRelayed)
		return nil
	}

	for id, member := range r.members {
		if id == senderID {
			continue
		}
		if !member.conn.Forward(senderID, kind, payload) {
			h.metrics.Inc(metrics.DropReasonSlowConsumer)
			continue
		}
		h.metrics.Inc(metrics.MessagesRelayed)
	}
	h.metrics.Inc(metrics.MessagesBroadcast)
	return nil
}

// RoomSize reports the member count of the room identified by token, or 0
// when the room does not exist (a room exists iff it has members).
func (h *Hub) RoomSize(token string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[token]
	if !ok {
		return 0
	}
	return len(r.members)
}

// Counts reports the number of registered peers and live rooms.
func (h *Hub) Counts() (peers, rooms int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers), len(h.rooms)
}
