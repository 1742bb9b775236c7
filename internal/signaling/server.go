package signaling

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/grouptalk/signal-relay/internal/auth"
	"github.com/grouptalk/signal-relay/internal/config"
	"github.com/grouptalk/signal-relay/internal/metrics"
	"github.com/grouptalk/signal-relay/internal/room"
)

// Server implements the relay's WebSocket signaling surface.
//
// Endpoints:
//   - GET /ws : WebSocket signaling (auth, room join/leave, offer/answer/candidate relay)
type Server struct {
	cfg      config.Config
	hub      *room.Hub
	verifier auth.Verifier
	log      *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

func NewServer(cfg config.Config, hub *room.Hub, logger *slog.Logger) (*Server, error) {
	var verifier auth.Verifier
	if cfg.AuthMode != config.AuthModeNone {
		var err error
		verifier, err = auth.NewVerifier(cfg)
		if err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		cfg:      cfg,
		hub:      hub,
		verifier: verifier,
		log:      logger,
		metrics:  hub.Metrics(),
		upgrader: websocket.Upgrader{
			// Origin checks are enforced by the outer httpserver origin
			// middleware. For unit tests that hit this handler directly,
			// accept all origins here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWebSocket)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	authorized := s.cfg.AuthMode == config.AuthModeNone
	if !authorized {
		cred, err := auth.CredentialFromQuery(s.cfg.AuthMode, r.URL.Query())
		switch {
		case err == nil:
			if err := s.verifier.Verify(cred); err != nil {
				s.metrics.Inc(metrics.AuthFailure)
				writeClose(conn, websocket.ClosePolicyViolation, "invalid credentials")
				_ = conn.Close()
				return
			}
			authorized = true
		case errors.Is(err, auth.ErrMissingCredentials):
			// The client gets one chance to authenticate with its first
			// message, bounded by SignalingAuthTimeout.
		default:
			writeClose(conn, websocket.CloseInternalServerErr, "invalid auth configuration")
			_ = conn.Close()
			return
		}
	}

	p := &peer{
		srv:     s,
		conn:    conn,
		limiter: newMessageLimiter(s.cfg),
		send:    make(chan []byte, s.cfg.PeerSendQueueLen),
		done:    make(chan struct{}),
	}
	p.run(authorized)
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
