package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nebulachat/nebula/auth"
	"github.com/nebulachat/nebula/core"
	"github.com/nebulachat/nebula/engine"
)

type fakeAuth struct{}

func (fakeAuth) Verify(token string) (core.User, error) {
	if token != "good-token" {
		return core.User{}, auth.ErrInvalidToken
	}
	return core.User{ID: "u1", Email: "u1@example.com"}, nil
}

// echoTurns acknowledges the submission and replies with a canned message.
type echoTurns struct{}

func (echoTurns) HandleUserTurn(ctx context.Context, userID, chatID, content, tempID string, em engine.Emitter) (core.Message, error) {
	user := core.Message{
		ID:        "server-id",
		UserID:    userID,
		ChatID:    chatID,
		Content:   content,
		Role:      core.RoleUser,
		CreatedAt: time.Now().UTC(),
	}
	em.EmitMessageAccepted(core.MessageAccepted{Message: user, TempID: tempID})

	reply := core.Message{
		ID:        "reply-id",
		UserID:    userID,
		ChatID:    chatID,
		Content:   "echo: " + content,
		Role:      core.RoleModel,
		CreatedAt: time.Now().UTC(),
	}
	em.EmitAssistantReply(core.AssistantReply{Message: reply})
	return reply, nil
}

func startGateway(t *testing.T, turns TurnHandler) *httptest.Server {
	t.Helper()
	gw := New(context.Background(), fakeAuth{}, turns)
	srv := httptest.NewServer(http.HandlerFunc(gw.HandleWS))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := http.Header{}
	if token != "" {
		header.Set("Cookie", auth.TokenCookie+"="+token)
	}
	return websocket.DefaultDialer.Dial(url, header)
}

func readEvent(t *testing.T, ws *websocket.Conn) core.Envelope {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var env core.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func submit(t *testing.T, ws *websocket.Conn, p core.SubmitMessage) {
	t.Helper()
	payload, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	frame, err := json.Marshal(core.Envelope{Event: core.EventSubmitMessage, Payload: payload})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestHandshakeRejectsMissingToken(t *testing.T) {
	srv := startGateway(t, echoTurns{})

	_, resp, err := dial(t, srv, "")
	if err == nil {
		t.Fatal("expected the handshake to fail without a token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 before upgrade, got %+v", resp)
	}
}

func TestHandshakeRejectsInvalidToken(t *testing.T) {
	srv := startGateway(t, echoTurns{})

	_, resp, err := dial(t, srv, "forged")
	if err == nil {
		t.Fatal("expected the handshake to fail with an invalid token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 before upgrade, got %+v", resp)
	}
}

func TestSubmitMessageFlow(t *testing.T) {
	srv := startGateway(t, echoTurns{})

	ws, _, err := dial(t, srv, "good-token")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	submit(t, ws, core.SubmitMessage{ChatID: "c1", Content: "hello", TempID: "temp-42"})

	env := readEvent(t, ws)
	if env.Event != core.EventMessageAccepted {
		t.Fatalf("first event = %q, want %q", env.Event, core.EventMessageAccepted)
	}
	var ack core.MessageAccepted
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.TempID != "temp-42" {
		t.Errorf("ack tempID = %q, want temp-42", ack.TempID)
	}
	if ack.Message.UserID != "u1" || ack.Message.Content != "hello" {
		t.Errorf("ack message = %+v", ack.Message)
	}

	env = readEvent(t, ws)
	if env.Event != core.EventAssistantReply {
		t.Fatalf("second event = %q, want %q", env.Event, core.EventAssistantReply)
	}
	var reply core.AssistantReply
	if err := json.Unmarshal(env.Payload, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Message.Content != "echo: hello" || reply.Message.Role != core.RoleModel {
		t.Errorf("reply message = %+v", reply.Message)
	}
}

func TestUnknownEventIgnored(t *testing.T) {
	srv := startGateway(t, echoTurns{})

	ws, _, err := dial(t, srv, "good-token")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"event":"no-such-event","payload":{}}`)); err != nil {
		t.Fatalf("write unknown event: %v", err)
	}

	// The connection must survive; a real submission still works after it.
	submit(t, ws, core.SubmitMessage{ChatID: "c1", Content: "still here", TempID: "t"})
	env := readEvent(t, ws)
	if env.Event != core.EventMessageAccepted {
		t.Fatalf("event after unknown frame = %q, want %q", env.Event, core.EventMessageAccepted)
	}
}

// pairedTurns blocks the first submission until the second one begins, so
// both turns are provably in flight at once.
type pairedTurns struct {
	mu            sync.Mutex
	calls         int
	secondStarted chan struct{}
	completed     chan string
}

func newPairedTurns() *pairedTurns {
	return &pairedTurns{
		secondStarted: make(chan struct{}),
		completed:     make(chan string, 2),
	}
}

func (p *pairedTurns) HandleUserTurn(ctx context.Context, userID, chatID, content, tempID string, em engine.Emitter) (core.Message, error) {
	p.mu.Lock()
	p.calls++
	first := p.calls == 1
	p.mu.Unlock()

	if first {
		<-p.secondStarted
	} else {
		close(p.secondStarted)
	}

	em.EmitMessageAccepted(core.MessageAccepted{
		Message: core.Message{ID: "srv-" + tempID, UserID: userID, ChatID: chatID, Content: content, Role: core.RoleUser},
		TempID:  tempID,
	})
	reply := core.Message{ID: "reply-" + tempID, UserID: userID, ChatID: chatID, Content: "echo: " + content, Role: core.RoleModel}
	em.EmitAssistantReply(core.AssistantReply{Message: reply})
	p.completed <- content
	return reply, nil
}

func TestRapidSubmissionsRunIndependently(t *testing.T) {
	turns := newPairedTurns()
	srv := startGateway(t, turns)

	ws, _, err := dial(t, srv, "good-token")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	// The second submission goes out before the first turn has produced
	// anything; neither turn may block the other.
	submit(t, ws, core.SubmitMessage{ChatID: "c1", Content: "first", TempID: "t1"})
	submit(t, ws, core.SubmitMessage{ChatID: "c1", Content: "second", TempID: "t2"})

	for i := 0; i < 2; i++ {
		select {
		case <-turns.completed:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of 2 turns completed", i)
		}
	}

	acks := map[string]bool{}
	replies := map[string]bool{}
	for i := 0; i < 4; i++ {
		env := readEvent(t, ws)
		switch env.Event {
		case core.EventMessageAccepted:
			var ack core.MessageAccepted
			if err := json.Unmarshal(env.Payload, &ack); err != nil {
				t.Fatalf("decode ack: %v", err)
			}
			acks[ack.TempID] = true
		case core.EventAssistantReply:
			var reply core.AssistantReply
			if err := json.Unmarshal(env.Payload, &reply); err != nil {
				t.Fatalf("decode reply: %v", err)
			}
			replies[reply.Message.Content] = true
		default:
			t.Fatalf("unexpected event %q", env.Event)
		}
	}
	if !acks["t1"] || !acks["t2"] {
		t.Errorf("missing acknowledgments: %v", acks)
	}
	if !replies["echo: first"] || !replies["echo: second"] {
		t.Errorf("missing replies: %v", replies)
	}
}

// heldTurns parks the turn between the submission and its events so the
// test can disconnect the client mid-turn.
type heldTurns struct {
	started   chan struct{}
	release   chan struct{}
	completed chan struct{}
}

func newHeldTurns() *heldTurns {
	return &heldTurns{
		started:   make(chan struct{}),
		release:   make(chan struct{}),
		completed: make(chan struct{}),
	}
}

func (h *heldTurns) HandleUserTurn(ctx context.Context, userID, chatID, content, tempID string, em engine.Emitter) (core.Message, error) {
	close(h.started)
	<-h.release

	em.EmitMessageAccepted(core.MessageAccepted{
		Message: core.Message{ID: "srv", UserID: userID, ChatID: chatID, Content: content, Role: core.RoleUser},
		TempID:  tempID,
	})
	reply := core.Message{ID: "reply", UserID: userID, ChatID: chatID, Content: "done", Role: core.RoleModel}
	em.EmitAssistantReply(core.AssistantReply{Message: reply})
	close(h.completed)
	return reply, nil
}

func TestDisconnectMidTurnStillCompletes(t *testing.T) {
	turns := newHeldTurns()
	srv := startGateway(t, turns)

	ws, _, err := dial(t, srv, "good-token")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	submit(t, ws, core.SubmitMessage{ChatID: "c1", Content: "hello", TempID: "t"})

	select {
	case <-turns.started:
	case <-time.After(5 * time.Second):
		t.Fatal("turn never started")
	}

	// The client vanishes while the turn is in flight. Its events become
	// undeliverable, but the turn itself must run to completion.
	ws.Close()
	close(turns.release)

	select {
	case <-turns.completed:
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not complete after the disconnect")
	}
}

func TestEmitNeverBlocksTurn(t *testing.T) {
	// No writePump is draining, so the buffer fills immediately; every
	// emit must still return and the stalled connection must be torn down.
	c := &conn{
		user: core.User{ID: "u1"},
		send: make(chan []byte, 1),
		done: make(chan struct{}),
	}
	c.EmitAssistantReply(core.AssistantReply{Message: core.Message{ID: "r1"}})

	returned := make(chan struct{})
	go func() {
		c.EmitAssistantReply(core.AssistantReply{Message: core.Message{ID: "r2"}})
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("emit blocked on a connection that stopped draining")
	}
	select {
	case <-c.done:
	default:
		t.Fatal("a connection that stopped draining should be closed")
	}
}

// failingTurns never emits anything; the client just sees no reply.
type failingTurns struct{}

func (failingTurns) HandleUserTurn(ctx context.Context, userID, chatID, content, tempID string, em engine.Emitter) (core.Message, error) {
	return core.Message{}, errors.New("provider down")
}

func TestTurnFailureSendsNoErrorEvent(t *testing.T) {
	srv := startGateway(t, failingTurns{})

	ws, _, err := dial(t, srv, "good-token")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	submit(t, ws, core.SubmitMessage{ChatID: "c1", Content: "doomed", TempID: "t"})

	ws.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatal("no event of any kind should reach the client on turn failure")
	}
}
