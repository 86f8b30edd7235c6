package hub

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"procodus.dev/iot-hub/internal/auth"
)

const (
	maxMessageSize = 64 * 1024
	pongWait       = 60 * time.Second
)

type clientMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// Handler returns the websocket endpoint. The token is read from the
// "token" query parameter after the upgrade so that rejections can carry
// a close reason.
func (h *Hub) Handler(verifier auth.Verifier) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Dashboards are served from other origins; the token is the gate.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		conn := NewConnection(ws)

		identity, err := verifier.Verify(r.URL.Query().Get("token"))
		if err != nil {
			reason, label := ReasonInvalidToken, "invalid_token"
			if errors.Is(err, auth.ErrMissingToken) {
				reason, label = ReasonAuthRequired, "missing_token"
			}
			if h.metrics != nil {
				h.metrics.Rejected.WithLabelValues(label).Inc()
			}
			h.logger.Info("websocket connection rejected", "remote", r.RemoteAddr, "reason", reason)
			_ = conn.Close(ClosePolicyViolation, reason)
			return
		}

		id, err := h.Register(conn, identity)
		if err != nil {
			_ = conn.Close(CloseGoingAway, ReasonShutdown)
			return
		}

		h.readLoop(id, ws)
	})
}

// readLoop handles client messages until the connection fails, then
// unregisters the client.
func (h *Hub) readLoop(id string, ws *websocket.Conn) {
	defer h.Unregister(id)

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read failed", "client_id", id, "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		h.handleMessage(id, data)
	}
}

func (h *Hub) handleMessage(id string, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		_ = h.Send(id, Event{Type: TypeError, Message: "invalid message format"})
		return
	}

	var err error
	switch msg.Type {
	case TypeSubscribe:
		err = h.Subscribe(id, msg.Channel)
	case TypeUnsubscribe:
		err = h.Unsubscribe(id, msg.Channel)
	case TypePing:
		err = h.Send(id, Event{Type: TypePong})
	default:
		h.logger.Debug("unknown message type", "client_id", id, "type", msg.Type)
		err = h.Send(id, Event{Type: TypeError, Message: "unknown message type: " + msg.Type})
	}

	if errors.Is(err, ErrEmptyChannel) {
		_ = h.Send(id, Event{Type: TypeError, Message: err.Error()})
	}
}
