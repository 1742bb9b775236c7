package signaling

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/grouptalk/signal-relay/internal/config"
	"github.com/grouptalk/signal-relay/internal/metrics"
	"github.com/grouptalk/signal-relay/internal/room"
)

func testConfig() config.Config {
	return config.Config{
		RoomCapacity: 2,
		AuthMode:     config.AuthModeNone,

		SignalingAuthTimeout:    2 * time.Second,
		SignalingWSIdleTimeout:  60 * time.Second,
		SignalingWSPingInterval: 20 * time.Second,

		MaxSignalingMessageBytes:      64 * 1024,
		MaxSignalingMessagesPerSecond: 500,
		PeerSendQueueLen:              64,
	}
}

func startServer(t *testing.T, cfg config.Config) *httptest.Server {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := room.NewHub(room.Config{RoomCapacity: cfg.RoomCapacity, MaxRooms: cfg.MaxRooms}, log, metrics.New())
	srv, err := NewServer(cfg, hub, log)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func dialWS(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func sendMsg(t *testing.T, ws *websocket.Conn, msg signalMessage) {
	t.Helper()

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recvMsg(t *testing.T, ws *websocket.Conn) signalMessage {
	t.Helper()

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg signalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return msg
}

func joinRoom(t *testing.T, ws *websocket.Conn, token string) signalMessage {
	t.Helper()

	sendMsg(t, ws, signalMessage{Type: messageTypeJoin, Room: token})
	ack := recvMsg(t, ws)
	if ack.Type != messageTypeJoined {
		t.Fatalf("join ack type = %q, want joined (%+v)", ack.Type, ack)
	}
	if ack.Peer == "" {
		t.Fatal("join ack missing peer id")
	}
	return ack
}

func TestWebSocket_JoinNotifyAndRelay(t *testing.T) {
	ts := startServer(t, testConfig())

	alice := dialWS(t, ts, "")
	bob := dialWS(t, ts, "")

	aliceAck := joinRoom(t, alice, "study-group-7")
	if len(aliceAck.Peers) != 0 {
		t.Fatalf("first joiner roster = %v, want empty", aliceAck.Peers)
	}

	bobAck := joinRoom(t, bob, "study-group-7")
	if len(bobAck.Peers) != 1 || bobAck.Peers[0] != aliceAck.Peer {
		t.Fatalf("second joiner roster = %v, want [%s]", bobAck.Peers, aliceAck.Peer)
	}

	notify := recvMsg(t, alice)
	if notify.Type != messageTypePeerJoined || notify.Peer != bobAck.Peer {
		t.Fatalf("notification = %+v, want peer-joined %s", notify, bobAck.Peer)
	}

	// Targeted offer passes through verbatim with the sender stamped.
	payload := json.RawMessage(`{"sdp":"v=0\r\n","type":"offer"}`)
	sendMsg(t, bob, signalMessage{Type: messageTypeOffer, Target: aliceAck.Peer, Payload: payload})

	fwd := recvMsg(t, alice)
	if fwd.Type != messageTypeOffer {
		t.Fatalf("forwarded type = %q, want offer", fwd.Type)
	}
	if fwd.From != bobAck.Peer {
		t.Fatalf("forwarded from = %q, want %q", fwd.From, bobAck.Peer)
	}
	if string(fwd.Payload) != string(payload) {
		t.Fatalf("payload altered in transit: %s", fwd.Payload)
	}

	// Answer back, then a broadcast candidate (no target).
	sendMsg(t, alice, signalMessage{Type: messageTypeAnswer, Target: bobAck.Peer, Payload: json.RawMessage(`{"type":"answer","sdp":"v=0"}`)})
	if got := recvMsg(t, bob); got.Type != messageTypeAnswer || got.From != aliceAck.Peer {
		t.Fatalf("answer delivery = %+v", got)
	}

	sendMsg(t, alice, signalMessage{Type: messageTypeCandidate, Payload: json.RawMessage(`{"candidate":"candidate:1"}`)})
	if got := recvMsg(t, bob); got.Type != messageTypeCandidate || got.From != aliceAck.Peer {
		t.Fatalf("candidate delivery = %+v", got)
	}
}

func TestWebSocket_RelayErrorsAreLocal(t *testing.T) {
	ts := startServer(t, testConfig())

	ws := dialWS(t, ts, "")

	// Negotiation before joining a room.
	sendMsg(t, ws, signalMessage{Type: messageTypeOffer, Payload: json.RawMessage(`{}`)})
	if got := recvMsg(t, ws); got.Type != messageTypeError || got.Code != "no_active_session" {
		t.Fatalf("got %+v, want no_active_session error", got)
	}

	joinRoom(t, ws, "r")

	// Unknown target inside a room.
	sendMsg(t, ws, signalMessage{Type: messageTypeOffer, Target: "nobody", Payload: json.RawMessage(`{}`)})
	if got := recvMsg(t, ws); got.Type != messageTypeError || got.Code != "unknown_target" {
		t.Fatalf("got %+v, want unknown_target error", got)
	}

	// The connection survives both errors.
	sendMsg(t, ws, signalMessage{Type: messageTypeLeave})
	joinRoom(t, ws, "r2")
}

func TestWebSocket_MalformedMessageKeepsConnection(t *testing.T) {
	ts := startServer(t, testConfig())

	ws := dialWS(t, ts, "")

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"join"`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := recvMsg(t, ws); got.Type != messageTypeError || got.Code != "bad_message" {
		t.Fatalf("got %+v, want bad_message error", got)
	}

	joinRoom(t, ws, "r")
}

func TestWebSocket_DuplicateJoinAndRoomFull(t *testing.T) {
	ts := startServer(t, testConfig())

	alice := dialWS(t, ts, "")
	bob := dialWS(t, ts, "")
	carol := dialWS(t, ts, "")

	joinRoom(t, alice, "r")

	sendMsg(t, alice, signalMessage{Type: messageTypeJoin, Room: "other"})
	if got := recvMsg(t, alice); got.Type != messageTypeError || got.Code != "already_joined" {
		t.Fatalf("got %+v, want already_joined error", got)
	}

	joinRoom(t, bob, "r")
	sendMsg(t, carol, signalMessage{Type: messageTypeJoin, Room: "r"})
	if got := recvMsg(t, carol); got.Type != messageTypeError || got.Code != "room_full" {
		t.Fatalf("got %+v, want room_full error", got)
	}
}

func TestWebSocket_DisconnectNotifiesRoom(t *testing.T) {
	ts := startServer(t, testConfig())

	alice := dialWS(t, ts, "")
	bob := dialWS(t, ts, "")

	joinRoom(t, alice, "r")
	bobAck := joinRoom(t, bob, "r")
	recvMsg(t, alice) // peer-joined

	bob.Close()

	gone := recvMsg(t, alice)
	if gone.Type != messageTypePeerLeft || gone.Peer != bobAck.Peer {
		t.Fatalf("got %+v, want peer-left %s", gone, bobAck.Peer)
	}
}

func TestWebSocket_AuthAPIKey(t *testing.T) {
	cfg := testConfig()
	cfg.AuthMode = config.AuthModeAPIKey
	cfg.APIKey = "sesame"
	ts := startServer(t, cfg)

	t.Run("query credential", func(t *testing.T) {
		ws := dialWS(t, ts, "?apiKey=sesame")
		joinRoom(t, ws, "q")
	})

	t.Run("first message credential", func(t *testing.T) {
		ws := dialWS(t, ts, "")
		sendMsg(t, ws, signalMessage{Type: messageTypeAuth, APIKey: "sesame"})
		joinRoom(t, ws, "m")
	})

	t.Run("wrong key closes connection", func(t *testing.T) {
		ws := dialWS(t, ts, "")
		sendMsg(t, ws, signalMessage{Type: messageTypeAuth, APIKey: "wrong"})
		if got := recvMsg(t, ws); got.Type != messageTypeError || got.Code != "unauthorized" {
			t.Fatalf("got %+v, want unauthorized error", got)
		}
		_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err := ws.ReadMessage()
		if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
			t.Fatalf("read err = %v, want close 1008", err)
		}
	})

	t.Run("non-auth first message rejected", func(t *testing.T) {
		ws := dialWS(t, ts, "")
		sendMsg(t, ws, signalMessage{Type: messageTypeJoin, Room: "r"})
		if got := recvMsg(t, ws); got.Type != messageTypeError || got.Code != "unauthorized" {
			t.Fatalf("got %+v, want unauthorized error", got)
		}
	})

	t.Run("wrong query credential rejected at upgrade", func(t *testing.T) {
		ws := dialWS(t, ts, "?apiKey=wrong")
		_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err := ws.ReadMessage()
		if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
			t.Fatalf("read err = %v, want close 1008", err)
		}
	})
}

func TestWebSocket_AuthTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.AuthMode = config.AuthModeAPIKey
	cfg.APIKey = "sesame"
	cfg.SignalingAuthTimeout = 100 * time.Millisecond
	ts := startServer(t, cfg)

	ws := dialWS(t, ts, "")

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("read err = %v, want close 1008", err)
	}
}

func TestWebSocket_FreshRoomAfterLastLeave(t *testing.T) {
	ts := startServer(t, testConfig())

	ws := dialWS(t, ts, "")
	joinRoom(t, ws, "r")
	sendMsg(t, ws, signalMessage{Type: messageTypeLeave})

	// Leaving destroyed the room; re-joining starts a fresh one.
	ack := joinRoom(t, ws, "r")
	if len(ack.Peers) != 0 {
		t.Fatalf("fresh room roster = %v, want empty", ack.Peers)
	}
}
