// Package engine drives one conversational turn end to end: persist the
// user message, embed it, retrieve long-term memory, assemble a bounded
// prompt, generate a reply, persist it, and emit events back to the
// originating connection.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nebulachat/nebula/core"
	"github.com/nebulachat/nebula/llm"
	"github.com/nebulachat/nebula/logger"
	"github.com/nebulachat/nebula/memory"
)

// ConversationStore is the slice of the message store the engine needs.
type ConversationStore interface {
	// AppendMessage persists a new message.
	AppendMessage(m core.Message) error

	// Recent returns the newest limit messages of a chat in ascending
	// creation order.
	Recent(chatID string, limit int) ([]core.Message, error)

	// TouchChat bumps a chat's last-activity timestamp.
	TouchChat(userID, chatID string, at time.Time) error
}

// Emitter delivers server events to the connection that submitted the
// message. Delivery to a dead connection is accepted loss; implementations
// never block the turn on it.
type Emitter interface {
	EmitMessageAccepted(ev core.MessageAccepted)
	EmitAssistantReply(ev core.AssistantReply)
}

// Engine is the conversation orchestrator. Multiple turns, for the same or
// different chats, may run concurrently through one Engine; every write the
// turn performs is an insert of a new uniquely-identified record, so no
// cross-turn locking is needed.
type Engine struct {
	store     ConversationStore
	memory    memory.Store
	embedder  memory.Embedder
	generator llm.Generator

	topK            int
	historyLimit    int
	providerTimeout time.Duration
}

// Option configures the engine.
type Option func(*Engine)

// WithTopK sets how many long-term memories are retrieved per turn.
func WithTopK(k int) Option {
	return func(e *Engine) {
		if k > 0 {
			e.topK = k
		}
	}
}

// WithHistoryLimit sets how many recent messages form short-term context.
func WithHistoryLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.historyLimit = n
		}
	}
}

// WithProviderTimeout bounds each embedding and generation call. Zero
// means no engine-side bound; the adapters' own timeouts still apply.
func WithProviderTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.providerTimeout = d
	}
}

// New creates an engine over the given stores and providers.
func New(store ConversationStore, mem memory.Store, embedder memory.Embedder, generator llm.Generator, opts ...Option) *Engine {
	e := &Engine{
		store:        store,
		memory:       mem,
		embedder:     embedder,
		generator:    generator,
		topK:         5,
		historyLimit: 20,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// memoryPreamble introduces retrieved long-term memory to the model.
const memoryPreamble = "These are some previous messages from the chat, use them as background context when generating a response:"

// HandleUserTurn executes one full turn for an incoming user message and
// returns the persisted assistant message.
//
// Failure semantics: if persisting the user message fails, the turn aborts
// and no event is emitted. If embedding the user message fails, the message
// stays persisted but the turn ends without acknowledgment. Once the
// acknowledgment is out, any later failure (generation, assistant persist)
// ends the turn without an assistant reply; the user's message is never
// rolled back. Memory upserts and queries degrade gracefully: a turn can
// complete on short-term context alone.
func (e *Engine) HandleUserTurn(ctx context.Context, userID, chatID, content, tempID string, em Emitter) (core.Message, error) {
	userMsg := core.Message{
		ID:        uuid.New().String(),
		UserID:    userID,
		ChatID:    chatID,
		Content:   content,
		Role:      core.RoleUser,
		CreatedAt: time.Now().UTC(),
	}

	// Persist and embed concurrently; neither depends on the other, but
	// both must land before the acknowledgment goes out.
	type embedResult struct {
		vector []float32
		err    error
	}
	embedCh := make(chan embedResult, 1)
	go func() {
		vec, err := e.embed(ctx, content)
		embedCh <- embedResult{vector: vec, err: err}
	}()

	if err := e.store.AppendMessage(userMsg); err != nil {
		<-embedCh
		return core.Message{}, fmt.Errorf("persist user message: %w", err)
	}

	emb := <-embedCh
	if emb.err != nil {
		// The user's message is durable; the client just never gets its
		// acknowledgment for this submission.
		return core.Message{}, fmt.Errorf("embed user message: %w", emb.err)
	}

	em.EmitMessageAccepted(core.MessageAccepted{Message: userMsg, TempID: tempID})

	e.upsertMemory(ctx, userMsg, emb.vector)

	// Long-term retrieval and short-term history are independent. A failed
	// memory query degrades to empty long-term context; a failed history
	// fetch is fatal because generation would be unanchored without it.
	var (
		matches []memory.Match
		history []core.Message
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m, err := e.memory.Query(gctx, emb.vector, e.topK, memory.Filter{UserID: userID})
		if err != nil {
			logger.Log.Warn("memory_query_failed",
				zap.String("user", userID),
				zap.String("chat", chatID),
				zap.Error(err))
			return nil
		}
		matches = m
		return nil
	})
	g.Go(func() error {
		h, err := e.store.Recent(chatID, e.historyLimit)
		if err != nil {
			return fmt.Errorf("fetch chat history: %w", err)
		}
		history = h
		return nil
	})
	if err := g.Wait(); err != nil {
		return core.Message{}, err
	}

	turns := assembleTurns(matches, history, userMsg.ID)

	completion, err := e.generate(ctx, turns)
	if err != nil {
		logger.Log.Error("generation_failed",
			zap.String("user", userID),
			zap.String("chat", chatID),
			zap.Error(err))
		return core.Message{}, fmt.Errorf("generate reply: %w", err)
	}

	assistantMsg := core.Message{
		ID:        uuid.New().String(),
		UserID:    userID,
		ChatID:    chatID,
		Content:   completion,
		Role:      core.RoleModel,
		CreatedAt: time.Now().UTC(),
	}

	// Mirror the user-side fan-out for the assistant message.
	go func() {
		vec, err := e.embed(ctx, completion)
		embedCh <- embedResult{vector: vec, err: err}
	}()

	if err := e.store.AppendMessage(assistantMsg); err != nil {
		<-embedCh
		return core.Message{}, fmt.Errorf("persist assistant message: %w", err)
	}

	em.EmitAssistantReply(core.AssistantReply{Message: assistantMsg})

	if emb = <-embedCh; emb.err != nil {
		logger.Log.Warn("assistant_embed_failed",
			zap.String("msg", assistantMsg.ID),
			zap.Error(emb.err))
	} else {
		e.upsertMemory(ctx, assistantMsg, emb.vector)
	}

	if err := e.store.TouchChat(userID, chatID, assistantMsg.CreatedAt); err != nil {
		logger.Log.Warn("chat_touch_failed", zap.String("chat", chatID), zap.Error(err))
	}

	return assistantMsg, nil
}

// upsertMemory indexes a persisted message in the vector store. The index
// is rebuildable, so a failed upsert is logged and the turn carries on.
func (e *Engine) upsertMemory(ctx context.Context, m core.Message, vector []float32) {
	rec := memory.Record{
		ID:        m.ID,
		Embedding: vector,
		Metadata: memory.Metadata{
			UserID: m.UserID,
			ChatID: m.ChatID,
			Text:   m.Content,
		},
	}
	if err := e.memory.Upsert(ctx, rec); err != nil {
		logger.Log.Warn("memory_upsert_failed", zap.String("msg", m.ID), zap.Error(err))
	}
}

func (e *Engine) embed(ctx context.Context, text string) ([]float32, error) {
	if e.providerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.providerTimeout)
		defer cancel()
	}
	return e.embedder.Embed(ctx, text)
}

func (e *Engine) generate(ctx context.Context, turns []core.Turn) (string, error) {
	if e.providerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.providerTimeout)
		defer cancel()
	}
	return e.generator.Generate(ctx, turns)
}

// assembleTurns builds the prompt: retrieved long-term memory as one
// synthetic leading user turn, then the short-term history verbatim in
// chronological order. The current message's own record is excluded from
// long-term memory; it already closes the short-term segment.
func assembleTurns(matches []memory.Match, history []core.Message, currentMsgID string) []core.Turn {
	var texts []string
	for _, m := range matches {
		if m.ID == currentMsgID {
			continue
		}
		texts = append(texts, m.Metadata.Text)
	}

	turns := make([]core.Turn, 0, len(history)+1)
	if len(texts) > 0 {
		turns = append(turns, core.Turn{
			Role:    core.RoleUser,
			Content: memoryPreamble + "\n" + strings.Join(texts, "\n"),
		})
	}
	for _, m := range history {
		turns = append(turns, core.Turn{Role: m.Role, Content: m.Content})
	}
	return turns
}
