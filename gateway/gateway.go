// Package gateway is the real-time session layer: it authenticates a
// websocket connection once during the HTTP handshake, binds it to a user,
// and shuttles turn events between that client and the engine.
//
// Per-connection state machine: the handshake either resolves a user
// (Connected) or the upgrade is refused (Rejected). A connected client may
// send any number of submit-message events; the two server events flow back
// asynchronously and out of strict request/response pairing. Disconnect is
// terminal: in-flight turns still complete and persist, but events bound
// for the dead connection are dropped.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nebulachat/nebula/auth"
	"github.com/nebulachat/nebula/core"
	"github.com/nebulachat/nebula/engine"
	"github.com/nebulachat/nebula/logger"
)

const (
	// writeWait bounds every frame write, pings included.
	writeWait = 10 * time.Second

	// pongWait is how long a peer may stay silent before it counts as dead.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait so a healthy peer always has
	// a ping to answer before the read deadline expires.
	pingPeriod = (pongWait * 9) / 10
)

// Authenticator resolves a handshake token to a user.
type Authenticator interface {
	Verify(token string) (core.User, error)
}

// TurnHandler runs one conversational turn. Implemented by engine.Engine.
type TurnHandler interface {
	HandleUserTurn(ctx context.Context, userID, chatID, content, tempID string, em engine.Emitter) (core.Message, error)
}

// Gateway upgrades websocket connections and dispatches their events.
type Gateway struct {
	auth     Authenticator
	turns    TurnHandler
	upgrader websocket.Upgrader

	// ctx is the gateway lifecycle context. Turns run against it rather
	// than the request context, which dies when the handler returns, and
	// rather than the connection, because a disconnect must not abort an
	// in-flight turn.
	ctx context.Context
}

// New creates a gateway. Turns spawned by connections run under ctx.
func New(ctx context.Context, a Authenticator, turns TurnHandler) *Gateway {
	return &Gateway{
		auth:  a,
		turns: turns,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ctx: ctx,
	}
}

// HandleWS authenticates and upgrades a websocket connection. A missing or
// invalid token refuses the connection before any event is accepted.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromRequest(r)
	if token == "" {
		http.Error(w, "No Token Provided", http.StatusUnauthorized)
		return
	}
	user, err := g.auth.Verify(token)
	if err != nil {
		logger.Log.Warn("ws_auth_rejected", zap.Error(err))
		http.Error(w, "Invalid Token", http.StatusUnauthorized)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Warn("ws_upgrade_failed", zap.Error(err))
		return
	}

	c := &conn{
		user: user,
		ws:   ws,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
	}
	logger.Log.Info("ws_connected", zap.String("user", user.ID))

	go c.writePump()
	g.readPump(c)
}

// conn is one connected client. It implements engine.Emitter so the engine
// can address events to the originating connection.
type conn struct {
	user core.User
	ws   *websocket.Conn
	send chan []byte

	done     chan struct{}
	doneOnce sync.Once
}

func (g *Gateway) readPump(c *conn) {
	defer func() {
		c.close()
		c.ws.Close()
		logger.Log.Info("ws_disconnected", zap.String("user", c.user.ID))
	}()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Log.Warn("ws_read_failed", zap.String("user", c.user.ID), zap.Error(err))
			}
			return
		}

		var env core.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Log.Warn("ws_bad_envelope", zap.String("user", c.user.ID), zap.Error(err))
			continue
		}

		switch env.Event {
		case core.EventSubmitMessage:
			var p core.SubmitMessage
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				logger.Log.Warn("ws_bad_payload", zap.String("user", c.user.ID), zap.Error(err))
				continue
			}
			// Each submission runs as its own turn; turns for the same
			// chat are deliberately not serialized, so replies may land
			// out of submission order.
			go g.runTurn(c, p)
		default:
			logger.Log.Warn("ws_unknown_event",
				zap.String("user", c.user.ID),
				zap.String("event", env.Event))
		}
	}
}

func (g *Gateway) runTurn(c *conn, p core.SubmitMessage) {
	if _, err := g.turns.HandleUserTurn(g.ctx, c.user.ID, p.ChatID, p.Content, p.TempID, c); err != nil {
		// No structured error event goes to the client; it observes the
		// absence of a reply. The failure is never silent server-side.
		logger.Log.Error("turn_failed",
			zap.String("user", c.user.ID),
			zap.String("chat", p.ChatID),
			zap.Error(err))
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Log.Warn("ws_write_failed", zap.String("user", c.user.ID), zap.Error(err))
				c.close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *conn) close() {
	c.doneOnce.Do(func() { close(c.done) })
}

// EmitMessageAccepted sends the user-message acknowledgment.
func (c *conn) EmitMessageAccepted(ev core.MessageAccepted) {
	c.emit(core.EventMessageAccepted, ev)
}

// EmitAssistantReply sends the persisted assistant message.
func (c *conn) EmitAssistantReply(ev core.AssistantReply) {
	c.emit(core.EventAssistantReply, ev)
}

func (c *conn) emit(event string, payload interface{}) {
	data, err := encodeEvent(event, payload)
	if err != nil {
		logger.Log.Error("ws_encode_failed", zap.String("event", event), zap.Error(err))
		return
	}
	// Never block the turn on delivery: a dead connection drops the event,
	// and a full buffer means the peer stopped draining, so the connection
	// is torn down rather than letting turn goroutines queue up behind it.
	select {
	case c.send <- data:
	case <-c.done:
		logger.Log.Debug("ws_event_dropped",
			zap.String("user", c.user.ID),
			zap.String("event", event))
	default:
		logger.Log.Warn("ws_send_buffer_full",
			zap.String("user", c.user.ID),
			zap.String("event", event))
		c.close()
	}
}

func encodeEvent(event string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(core.Envelope{Event: event, Payload: raw})
}
