package ws

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/fathima-sithara/notify-service/internal/auth"
	"github.com/fathima-sithara/notify-service/internal/errs"
	"github.com/fathima-sithara/notify-service/internal/model"
)

const authHeaderLocal = "ws_authorization"

// Server authenticates the websocket handshake and hands accepted
// connections to the hub.
type Server struct {
	hub    *Hub
	authn  *auth.Authenticator
	logger *zap.SugaredLogger
}

func NewServer(hub *Hub, authn *auth.Authenticator, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Server{hub: hub, authn: authn, logger: logger}
}

func (s *Server) Hub() *Hub { return s.hub }

// Upgrade rejects plain HTTP requests and keeps the Authorization
// header for the websocket handler, which cannot read headers itself.
func (s *Server) Upgrade() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		c.Locals(authHeaderLocal, c.Get(fiber.HeaderAuthorization))
		return c.Next()
	}
}

// Handler upgrades the request. Mount it after Upgrade.
func (s *Server) Handler() fiber.Handler {
	return websocket.New(s.HandleWS, websocket.Config{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	})
}

// HandleWS runs one websocket session: /ws?token=<jwt>, or a bearer
// Authorization header on the upgrade request.
func (s *Server) HandleWS(conn *websocket.Conn) {
	token := conn.Query("token")
	if token == "" {
		if h, ok := conn.Locals(authHeaderLocal).(string); ok && h != "" {
			token, _ = auth.ParseBearerToken(h)
		}
	}
	identity, err := s.authenticate(token)
	if err != nil {
		s.logger.Warnw("ws handshake rejected", "remote", conn.RemoteAddr().String(), "err", err)
		_ = conn.WriteMessage(websocket.TextMessage, errorFrame(err.Error()))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"))
		_ = conn.Close()
		return
	}
	s.hub.Serve(s.hub.NewConnection(conn, identity))
}

func (s *Server) authenticate(token string) (model.Recipient, error) {
	if token == "" {
		return model.Recipient{}, errs.ErrHandshake
	}
	id, err := s.authn.Authenticate(token)
	if err != nil {
		return model.Recipient{}, fmt.Errorf("%w: %w", errs.ErrHandshake, err)
	}
	return id, nil
}
