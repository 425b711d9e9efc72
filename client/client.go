// Package client is a Go client for the chat server. It keeps an
// optimistic per-chat view: a submitted message appears immediately under a
// temporary ID and is swapped for the server's durable record when the
// acknowledgment arrives. Reconciliation matches strictly on the temporary
// ID; an acknowledgment whose temporary ID is unknown is appended as a new
// message, never matched by content.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nebulachat/nebula/auth"
	"github.com/nebulachat/nebula/core"
	"github.com/nebulachat/nebula/logger"
)

// ChatMessage is one entry of the local view. Pending marks an optimistic
// entry that has not been acknowledged yet; its ID is the temporary ID.
type ChatMessage struct {
	core.Message
	Pending bool
}

// Client is a connected chat client.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
	ws      *websocket.Conn

	mu    sync.Mutex
	views map[string][]ChatMessage

	cache *ristretto.Cache

	onReply func(core.Message)

	done     chan struct{}
	doneOnce sync.Once
}

// Option configures the client.
type Option func(*Client)

// WithReplyHandler registers a callback invoked for every assistant reply.
func WithReplyHandler(fn func(core.Message)) Option {
	return func(c *Client) { c.onReply = fn }
}

// Dial connects to the server at baseURL (http or https) using the given
// session token and starts listening for events.
func Dial(baseURL, token string, opts ...Option) (*Client, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 24,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create message cache: %w", err)
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpc:   &http.Client{},
		views:   make(map[string][]ChatMessage),
		cache:   cache,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/ws"
	header := http.Header{}
	header.Set("Cookie", auth.TokenCookie+"="+token)
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		cache.Close()
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	c.ws = ws

	go c.readLoop()
	return c, nil
}

// Close tears the connection down. In-flight pending entries stay pending.
func (c *Client) Close() error {
	c.doneOnce.Do(func() { close(c.done) })
	c.cache.Close()
	return c.ws.Close()
}

// Send submits a message and returns the temporary ID of the optimistic
// entry added to the chat's local view.
func (c *Client) Send(chatID, content string) (string, error) {
	tempID := "temp-" + uuid.New().String()

	c.mu.Lock()
	c.views[chatID] = append(c.views[chatID], ChatMessage{
		Message: core.Message{
			ID:      tempID,
			ChatID:  chatID,
			Content: content,
			Role:    core.RoleUser,
		},
		Pending: true,
	})
	c.mu.Unlock()

	data, err := json.Marshal(core.SubmitMessage{ChatID: chatID, Content: content, TempID: tempID})
	if err != nil {
		return "", fmt.Errorf("marshal submission: %w", err)
	}
	frame, err := json.Marshal(core.Envelope{Event: core.EventSubmitMessage, Payload: data})
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return tempID, nil
}

// View returns a copy of the chat's local view, optimistic entries included.
func (c *Client) View(chatID string) []ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ChatMessage, len(c.views[chatID]))
	copy(out, c.views[chatID])
	return out
}

// Messages fetches a chat's durable history through a read-through cache.
// The cache entry is dropped whenever this client appends to the chat, so a
// refetch after one of our own turns always hits the server.
func (c *Client) Messages(ctx context.Context, chatID string) ([]core.Message, error) {
	if cached, ok := c.cache.Get(chatID); ok {
		return cached.([]core.Message), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/chat/get-messages/"+chatID, nil)
	if err != nil {
		return nil, err
	}
	req.AddCookie(&http.Cookie{Name: auth.TokenCookie, Value: c.token})

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch messages: status %d", resp.StatusCode)
	}

	var body struct {
		Messages []core.Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}

	c.cache.Set(chatID, body.Messages, int64(len(body.Messages)+1))
	return body.Messages, nil
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				logger.Log.Warn("client_read_failed", zap.Error(err))
			}
			return
		}

		var env core.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Log.Warn("client_bad_envelope", zap.Error(err))
			continue
		}

		switch env.Event {
		case core.EventMessageAccepted:
			var ev core.MessageAccepted
			if err := json.Unmarshal(env.Payload, &ev); err != nil {
				logger.Log.Warn("client_bad_payload", zap.String("event", env.Event), zap.Error(err))
				continue
			}
			c.reconcile(ev)
		case core.EventAssistantReply:
			var ev core.AssistantReply
			if err := json.Unmarshal(env.Payload, &ev); err != nil {
				logger.Log.Warn("client_bad_payload", zap.String("event", env.Event), zap.Error(err))
				continue
			}
			c.appendReply(ev.Message)
		default:
			logger.Log.Warn("client_unknown_event", zap.String("event", env.Event))
		}
	}
}

// reconcile swaps the pending entry matching the acknowledged temporary ID
// for the server's record. Matching is by temporary ID only; if none
// matches (for example after a reconnect) the record is appended.
func (c *Client) reconcile(ev core.MessageAccepted) {
	c.mu.Lock()
	defer c.mu.Unlock()

	chatID := ev.Message.ChatID
	view := c.views[chatID]
	replaced := false
	for i := range view {
		if view[i].Pending && view[i].ID == ev.TempID {
			view[i] = ChatMessage{Message: ev.Message}
			replaced = true
			break
		}
	}
	if !replaced {
		logger.Log.Warn("client_unmatched_ack",
			zap.String("chat", chatID),
			zap.String("tempID", ev.TempID))
		c.views[chatID] = append(view, ChatMessage{Message: ev.Message})
	}
	c.cache.Del(chatID)
}

func (c *Client) appendReply(m core.Message) {
	c.mu.Lock()
	c.views[m.ChatID] = append(c.views[m.ChatID], ChatMessage{Message: m})
	c.mu.Unlock()
	c.cache.Del(m.ChatID)

	if c.onReply != nil {
		c.onReply(m)
	}
}
