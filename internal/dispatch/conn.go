package dispatch

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/fleet-dispatch/internal/models"
	"github.com/example/fleet-dispatch/internal/session"
)

// ConnConfig tunes the per-connection keep-alive and limits.
type ConnConfig struct {
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	MaxMessageBytes int64
}

func (c ConnConfig) withDefaults() ConnConfig {
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 8 << 10
	}
	return c
}

// Serve runs one websocket connection for ident until either side closes it.
// Inbound frames are handled one at a time, in order; outbound messages are
// written by a separate goroutine. Serve owns ws and always closes it.
func (h *Hub) Serve(ctx context.Context, ws *websocket.Conn, ident models.Identity, cfg ConnConfig) error {
	cfg = cfg.withDefaults()
	s, err := h.Connect(ident)
	if err != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, models.KindOf(err)),
			time.Now().Add(cfg.WriteWait))
		_ = ws.Close()
		return err
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(ws, s, cfg)
	}()

	err = h.readPump(ctx, ws, s, cfg)
	h.Disconnect(s.ID)
	<-writerDone
	return err
}

func (h *Hub) readPump(ctx context.Context, ws *websocket.Conn, s *session.Session, cfg ConnConfig) error {
	ws.SetReadLimit(cfg.MaxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				h.logger.Info("ws_read_failed", "conn_id", s.ID, "error", err)
				return err
			}
			return nil
		}
		_ = ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
		_ = h.HandleMessage(ctx, s, raw)
	}
}

func (h *Hub) writePump(ws *websocket.Conn, s *session.Session, cfg ConnConfig) {
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()
	for {
		select {
		case msg := <-s.Outbound():
			_ = ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Info("ws_write_failed", "conn_id", s.ID, "error", err)
				s.Kill()
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(cfg.WriteWait)); err != nil {
				h.logger.Info("ws_ping_failed", "conn_id", s.ID, "error", err)
				s.Kill()
				return
			}
		case <-s.Done():
			h.flush(ws, s, cfg)
			return
		}
	}
}

// flush writes whatever is already queued, then a close frame.
func (h *Hub) flush(ws *websocket.Conn, s *session.Session, cfg ConnConfig) {
	deadline := time.Now().Add(cfg.WriteWait)
	_ = ws.SetWriteDeadline(deadline)
	for {
		select {
		case msg := <-s.Outbound():
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}
