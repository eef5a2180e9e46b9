package realtime

import (
	"sync"
	"time"

	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/metrics"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultOutboundQueue = 256
	defaultWriteTimeout  = 10 * time.Second
	defaultPongTimeout   = 60 * time.Second
)

// Conn is the outbound side of one WebSocket session. It implements presence.Sink.
type Conn struct {
	ws           *websocket.Conn
	deviceID     string
	outbound     chan protocol.Message
	writeTimeout time.Duration
	pingInterval time.Duration
	logger       *zap.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(ws *websocket.Conn, deviceID string, queueSize int, writeTimeout, pongTimeout time.Duration, logger *zap.Logger) *Conn {
	return &Conn{
		ws:           ws,
		deviceID:     deviceID,
		outbound:     make(chan protocol.Message, queueSize),
		writeTimeout: writeTimeout,
		pingInterval: pongTimeout * 9 / 10,
		logger:       logger,
		closed:       make(chan struct{}),
	}
}

// Deliver queues message without blocking. It reports false when the queue is full or the
// connection is closed.
func (conn *Conn) Deliver(message protocol.Message) bool {
	select {
	case <-conn.closed:
		return false
	default:
	}
	select {
	case conn.outbound <- message:
		return true
	default:
		metrics.RealtimeMessages.WithLabelValues("dropped", message.Type.String()).Inc()
		return false
	}
}

// Close stops the writer. It is safe to call more than once.
func (conn *Conn) Close() {
	conn.closeOnce.Do(func() {
		close(conn.closed)
	})
}

// Done is closed once Close has been called.
func (conn *Conn) Done() <-chan struct{} {
	return conn.closed
}

// writeLoop owns every write on the socket.
func (conn *Conn) writeLoop() {
	ticker := time.NewTicker(conn.pingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.ws.Close()
	}()
	for {
		select {
		case message := <-conn.outbound:
			payload := protocol.Envelope{DeviceID: conn.deviceID, Messages: []protocol.Message{message}}.Encode()
			_ = conn.ws.SetWriteDeadline(time.Now().Add(conn.writeTimeout))
			if err := conn.ws.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				conn.logger.Debug("websocket write failed", zap.Error(err))
				conn.Close()
				return
			}
			metrics.RealtimeMessages.WithLabelValues(directionOut, message.Type.String()).Inc()
		case <-ticker.C:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(conn.writeTimeout))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		case <-conn.closed:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(conn.writeTimeout))
			_ = conn.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
