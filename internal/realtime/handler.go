package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/collab"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/envelope"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/presence"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// HeaderDeviceID names the device of a realtime client.
	HeaderDeviceID = "Device-Id"
	// HeaderClientVersion carries the client application version.
	HeaderClientVersion = "Client-Version"

	opConnect = "realtime.connect"
	opBridge  = "realtime.post_stream"

	defaultMessagesPerSecond = 50
	defaultBurst             = 100
)

var (
	// ErrRateLimited indicates a session sending faster than its allowance.
	ErrRateLimited = errors.New("realtime: rate limit exceeded")
	// ErrMissingDevice indicates a request without a device id.
	ErrMissingDevice = errors.New("realtime: missing device id")
)

// Registry is the presence surface used by the handler.
type Registry interface {
	Register(user presence.RealtimeUser, sink presence.Sink) (string, *presence.Session, error)
	Unregister(sessionID string) error
	LookupDevice(uid int64, deviceID string) (presence.Session, error)
}

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	Registry          Registry
	Dispatcher        *Dispatcher
	Codec             *envelope.Codec
	Limits            envelope.Limits
	OutboundQueue     int
	MessagesPerSecond float64
	Burst             int
	WriteTimeout      time.Duration
	PongTimeout       time.Duration
	CheckOrigin       func(r *http.Request) bool
	Clock             func() time.Time
	Logger            *zap.Logger
}

// Handler accepts WebSocket sessions and HTTP stream posts.
type Handler struct {
	registry     Registry
	dispatcher   *Dispatcher
	codec        *envelope.Codec
	limits       envelope.Limits
	queueSize    int
	rate         rate.Limit
	burst        int
	writeTimeout time.Duration
	pongTimeout  time.Duration
	upgrader     websocket.Upgrader
	clock        func() time.Time
	logger       *zap.Logger
}

// NewHandler builds a Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	limits := cfg.Limits
	if limits.DataFrame <= 0 || limits.HTTPBody <= 0 {
		limits = envelope.DefaultLimits()
	}
	queueSize := cfg.OutboundQueue
	if queueSize <= 0 {
		queueSize = defaultOutboundQueue
	}
	perSecond := cfg.MessagesPerSecond
	if perSecond <= 0 {
		perSecond = defaultMessagesPerSecond
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	pongTimeout := cfg.PongTimeout
	if pongTimeout <= 0 {
		pongTimeout = defaultPongTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		registry:     cfg.Registry,
		dispatcher:   cfg.Dispatcher,
		codec:        cfg.Codec,
		limits:       limits,
		queueSize:    queueSize,
		rate:         rate.Limit(perSecond),
		burst:        burst,
		writeTimeout: writeTimeout,
		pongTimeout:  pongTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.CheckOrigin,
		},
		clock:  clock,
		logger: logger,
	}
}

// ServeWebSocket upgrades the request and runs the session of uid until the socket closes
// or the session is evicted by a reconnect of the same device.
func (handler *Handler) ServeWebSocket(responseWriter http.ResponseWriter, request *http.Request, uid int64) {
	deviceID := request.Header.Get(HeaderDeviceID)
	if deviceID == "" {
		deviceID = request.URL.Query().Get("device_id")
	}
	user, err := presence.NewRealtimeUser(uid, deviceID, request.Header.Get(HeaderClientVersion), handler.clock())
	if err != nil {
		http.Error(responseWriter, err.Error(), http.StatusBadRequest)
		return
	}
	ws, err := handler.upgrader.Upgrade(responseWriter, request, nil)
	if err != nil {
		handler.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(int64(handler.limits.DataFrame))

	logger := handler.logger.With(
		zap.Int64("uid", user.UID),
		zap.String("device_id", user.DeviceID),
		zap.String("session_id", user.SessionID),
	)
	conn := newConn(ws, user.DeviceID, handler.queueSize, handler.writeTimeout, handler.pongTimeout, logger)
	sessionID, evicted, err := handler.registry.Register(user, conn)
	if err != nil {
		logger.Error("session registration failed", zap.Error(err))
		_ = ws.Close()
		return
	}
	if evicted != nil {
		logger.Info("previous session of device evicted", zap.String("evicted_session_id", evicted.User.SessionID))
	}
	go conn.writeLoop()
	defer func() {
		conn.Close()
		if err := handler.registry.Unregister(sessionID); err != nil && !errors.Is(err, collab.ErrNotFound) {
			logger.Warn("session unregister failed", zap.Error(err))
		}
	}()

	handler.readLoop(request.Context(), user, ws, conn)
}

func (handler *Handler) readLoop(ctx context.Context, user presence.RealtimeUser, ws *websocket.Conn, conn *Conn) {
	limiter := rate.NewLimiter(handler.rate, handler.burst)
	_ = ws.SetReadDeadline(time.Now().Add(handler.pongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(handler.pongTimeout))
	})
	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(handler.pongTimeout))
		if kind != websocket.BinaryMessage {
			continue
		}
		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			conn.Deliver(protocol.NewErrorMessage(protocol.Message{}, err))
			continue
		}
		for _, message := range env.Messages {
			if !limiter.Allow() {
				conn.Deliver(protocol.NewErrorMessage(message, collab.NewError(collab.ErrBusy, opConnect, "rate_limited", ErrRateLimited)))
				continue
			}
			for _, reply := range handler.dispatcher.Dispatch(ctx, user, message) {
				conn.Deliver(reply)
			}
		}
	}
}

// PostStream handles one HTTP stream post from uid. Replies go to the live session of the
// same device when one exists. Without a live session the first failure is returned.
func (handler *Handler) PostStream(ctx context.Context, uid int64, header http.Header, body io.Reader) error {
	compression, err := envelope.ParseCompressionHeader(header.Get(envelope.HeaderCompressionType), header.Get(envelope.HeaderCompressionBufferSize))
	if err != nil {
		return err
	}
	raw, err := envelope.ReadBody(body, handler.limits.HTTPBody)
	if err != nil {
		return err
	}
	data, err := handler.codec.Decompress(ctx, compression, raw)
	if err != nil {
		return err
	}
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		return err
	}

	deviceID := header.Get(HeaderDeviceID)
	if deviceID == "" {
		deviceID = env.DeviceID
	}
	if deviceID == "" {
		return collab.NewError(collab.ErrDecode, opBridge, "device_id", ErrMissingDevice)
	}
	var sink presence.Sink
	user := presence.RealtimeUser{}
	if session, lookupErr := handler.registry.LookupDevice(uid, deviceID); lookupErr == nil {
		user = session.User
		sink = session.Sink
	} else {
		user, err = presence.NewRealtimeUser(uid, deviceID, header.Get(HeaderClientVersion), handler.clock())
		if err != nil {
			return collab.NewError(collab.ErrDecode, opBridge, "user", err)
		}
	}

	var firstErr error
	for _, message := range env.Messages {
		replies, err := handler.dispatcher.Handle(ctx, user, message)
		if err != nil {
			if sink != nil {
				sink.Deliver(protocol.NewErrorMessage(message, err))
			} else if firstErr == nil {
				firstErr = fmt.Errorf("message %d: %w", message.MessageID, err)
			}
			continue
		}
		if sink == nil {
			continue
		}
		for _, reply := range replies {
			sink.Deliver(reply)
		}
	}
	return firstErr
}
