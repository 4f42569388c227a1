package web

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/vitos/trade_copy_bridge/internal/domain"
	"go.uber.org/zap"
)

const (
	writeWait      = 5 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
	handleTimeout  = 20 * time.Second
)

var errSessionClosed = errors.New("session closed")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsSession adapts a gorilla connection to domain.Transport. Writes go
// through a buffered channel drained by writePump.
type wsSession struct {
	conn *websocket.Conn
	send chan *domain.OutboundMessage
	done chan struct{}
	once sync.Once
}

func newWSSession(conn *websocket.Conn) *wsSession {
	return &wsSession{
		conn: conn,
		send: make(chan *domain.OutboundMessage, sendBuffer),
		done: make(chan struct{}),
	}
}

func (ws *wsSession) Send(msg *domain.OutboundMessage) error {
	select {
	case <-ws.done:
		return errSessionClosed
	default:
	}
	select {
	case ws.send <- msg:
		return nil
	case <-ws.done:
		return errSessionClosed
	default:
		return errors.New("send buffer full")
	}
}

func (ws *wsSession) Close() error {
	ws.once.Do(func() {
		close(ws.done)
	})
	return nil
}

func (ws *wsSession) RemoteAddr() string {
	return ws.conn.RemoteAddr().String()
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade websocket", zap.Error(err))
		return
	}

	session := newWSSession(conn)
	id := s.registry.Register(session)

	go s.writePump(session)
	s.readPump(id, session)
}

// readPump handles frames in arrival order. It returns when the peer goes
// away or the session is closed by eviction or shutdown.
func (s *Server) readPump(id string, ws *wsSession) {
	defer func() {
		s.registry.Remove(id)
		ws.Close()
	}()

	ws.conn.SetReadLimit(maxMessageSize)
	for {
		_, message, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Info("WebSocket read error", zap.String("connection_id", id), zap.Error(err))
			}
			return
		}

		ctx, cancel := context.WithTimeout(s.baseCtx, handleTimeout)
		resp := s.signals.Handle(ctx, id, message)
		cancel()

		if err := ws.Send(resp); err != nil {
			s.logger.Warn("Failed to queue response", zap.String("connection_id", id), zap.Error(err))
		}
	}
}

func (s *Server) writePump(ws *wsSession) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.conn.Close()
	}()

	for {
		select {
		case msg := <-ws.send:
			ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.conn.WriteJSON(msg); err != nil {
				s.logger.Debug("Write error", zap.Error(err))
				ws.Close()
				return
			}
		case <-ticker.C:
			ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				ws.Close()
				return
			}
		case <-ws.done:
			s.closeGracefully(ws)
			return
		case <-s.baseCtx.Done():
			ws.Close()
			s.closeGracefully(ws)
			return
		}
	}
}

// closeGracefully writes whatever is still buffered, then the close frame.
func (s *Server) closeGracefully(ws *wsSession) {
	for {
		select {
		case msg := <-ws.send:
			ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.conn.WriteJSON(msg); err != nil {
				return
			}
		default:
			ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
			ws.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
