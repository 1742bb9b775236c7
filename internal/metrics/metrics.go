package metrics

import "sync"

// Event names. The signaling relay has little internal state; counters cover
// room/peer churn plus message drops by reason.
const (
	RoomsCreated   = "rooms_created"
	RoomsDestroyed = "rooms_destroyed"
	PeersJoined    = "peers_joined"
	PeersLeft      = "peers_left"

	MessagesRelayed   = "messages_relayed"
	MessagesBroadcast = "messages_broadcast"
	AuthFailure       = "auth_failure"

	DropReasonBadMessage      = "bad_message"
	DropReasonUnknownTarget   = "unknown_target"
	DropReasonNoActiveSession = "no_active_session"
	DropReasonRoomFull        = "room_full"
	DropReasonTooManyRooms    = "too_many_rooms"
	DropReasonRateLimited     = "rate_limited"
	DropReasonSlowConsumer    = "slow_consumer"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// Enforcement and relay logic stays testable against this type; scraping goes
// through PrometheusHandler.
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
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name]++
	m.mu.Unlock()
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

func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
