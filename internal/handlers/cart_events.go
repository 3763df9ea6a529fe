package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nn-hair/storefront/internal/platform/events"
	"github.com/nn-hair/storefront/internal/platform/requestctx"
)

type streamConfig struct {
	writeWait    time.Duration
	pongWait     time.Duration
	pingInterval time.Duration
	checkOrigin  func(*http.Request) bool
}

func defaultStreamConfig() streamConfig {
	return streamConfig{
		writeWait:    10 * time.Second,
		pongWait:     60 * time.Second,
		pingInterval: 50 * time.Second,
	}
}

// StreamOption tunes the cart change stream.
type StreamOption func(*streamConfig)

// WithStreamPing overrides the keepalive ping interval. The pong deadline follows at 6/5 of it.
func WithStreamPing(interval time.Duration) StreamOption {
	return func(cfg *streamConfig) {
		if interval > 0 {
			cfg.pingInterval = interval
			cfg.pongWait = interval * 6 / 5
		}
	}
}

// WithStreamOriginCheck replaces the same-origin check applied to websocket upgrades.
func WithStreamOriginCheck(check func(*http.Request) bool) StreamOption {
	return func(cfg *streamConfig) {
		cfg.checkOrigin = check
	}
}

type cartEventMessage struct {
	Type     string      `json:"type"`
	Origin   string      `json:"origin,omitempty"`
	Revision uint64      `json:"revision"`
	At       string      `json:"at,omitempty"`
	Cart     cartPayload `json:"cart"`
}

// streamEvents upgrades to a websocket, sends the current cart, then sends the cart again after
// every change. Bursts of events collapse into one message carrying the latest state.
func (h *CartHandlers) streamEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := requestctx.SessionID(r.Context())
	logger := requestctx.Logger(r.Context())

	// The stream outlives any per-request deadline; it ends when the client goes away.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	if _, err := h.carts.GetCart(ctx, sessionID); err != nil {
		writeCartError(r.Context(), w, err)
		return
	}

	pending := make(chan events.Event, 1)
	unsubscribe, err := h.carts.Subscribe(ctx, sessionID, func(_ context.Context, event events.Event) {
		select {
		case pending <- event:
		default:
			// A send is already queued and will read the latest cart.
		}
	})
	if err != nil {
		writeCartError(r.Context(), w, err)
		return
	}
	defer unsubscribe()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.stream.checkOrigin,
	}
	// Upgrade writes its own response, so headers set by earlier middleware are carried over.
	conn, err := upgrader.Upgrade(w, r, w.Header().Clone())
	if err != nil {
		logger.Debug("cart stream upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	go h.readPump(conn, cancel)

	if err := h.sendCart(ctx, conn, sessionID, "snapshot", events.Event{}); err != nil {
		return
	}

	ticker := time.NewTicker(h.stream.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(h.stream.writeWait))
			return
		case event := <-pending:
			if err := h.sendCart(ctx, conn, sessionID, string(event.Kind), event); err != nil {
				logger.Debug("cart stream write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.stream.writeWait)); err != nil {
				return
			}
		}
	}
}

// readPump drains client frames so control messages are processed, and cancels the stream when
// the connection closes or pongs stop arriving.
func (h *CartHandlers) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(h.stream.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.stream.pongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func (h *CartHandlers) sendCart(ctx context.Context, conn *websocket.Conn, sessionID, kind string, event events.Event) error {
	view, err := h.carts.GetCart(ctx, sessionID)
	if err != nil {
		return err
	}
	msg := cartEventMessage{
		Type:     kind,
		Origin:   string(event.Origin),
		Revision: view.Revision,
		Cart:     buildCartPayload(view),
	}
	if !event.At.IsZero() {
		msg.At = event.At.UTC().Format(time.RFC3339Nano)
	}
	if err := conn.SetWriteDeadline(time.Now().Add(h.stream.writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}
