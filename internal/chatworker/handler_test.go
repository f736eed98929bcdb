package chatworker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatlead/backend/internal/bus"
	"github.com/chatlead/backend/internal/chatgraph"
	"github.com/chatlead/backend/internal/database"
	"github.com/chatlead/backend/internal/fabric"
	"github.com/chatlead/backend/internal/webhook"
	"github.com/chatlead/backend/internal/worker"
)

type fakeStore struct {
	mu            sync.Mutex
	bot           *database.Bot
	provider      *database.ProviderConfig
	providerCalls int
	session       *database.ChatSession
	visitor       *database.Visitor
	messages      []database.ChatMessage
}

func (f *fakeStore) GetBot(_ context.Context, id string) (*database.Bot, error) {
	if f.bot == nil || f.bot.ID != id {
		return nil, database.ErrNotFound
	}
	return f.bot, nil
}

func (f *fakeStore) GetProviderConfig(_ context.Context, botID string) (*database.ProviderConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.providerCalls++
	if f.provider == nil {
		return nil, database.ErrNotFound
	}
	return f.provider, nil
}

func (f *fakeStore) GetSessionByToken(_ context.Context, token string) (*database.ChatSession, error) {
	if f.session == nil || f.session.Token != token {
		return nil, database.ErrNotFound
	}
	return f.session, nil
}

func (f *fakeStore) GetVisitor(_ context.Context, id string) (*database.Visitor, error) {
	if f.visitor == nil || f.visitor.ID != id {
		return nil, database.ErrNotFound
	}
	return f.visitor, nil
}

func (f *fakeStore) ListSessionMessages(_ context.Context, sessionID string, limit int) ([]database.ChatMessage, error) {
	return f.messages, nil
}

type stubRunner struct {
	fn   func(ctx context.Context, st *chatgraph.State) error
	last *chatgraph.State
}

func (r *stubRunner) Run(ctx context.Context, st *chatgraph.State) error {
	r.last = st
	return r.fn(ctx, st)
}

type recPersister struct {
	mu  sync.Mutex
	got []webhook.ChatPersist
	err error
}

func (p *recPersister) PersistChat(_ context.Context, c webhook.ChatPersist) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.got = append(p.got, c)
	return nil
}

type harness struct {
	handler  *Handler
	store    *fakeStore
	runner   *stubRunner
	persist  *recPersister
	registry *worker.CancelRegistry
	kv       *fabric.MemKV
	progress *fabric.ProgressBus
}

func setup(t *testing.T, run func(ctx context.Context, st *chatgraph.State) error) *harness {
	t.Helper()
	store := &fakeStore{
		bot: &database.Bot{ID: "bot-1", Name: "Support Bot", Active: true},
		provider: &database.ProviderConfig{
			ID: "prov-1", BotID: "bot-1", Provider: "openai", Model: "gpt-4o-mini",
			Params: database.JSONMap{},
		},
		session: &database.ChatSession{
			ID: "sess-1", BotID: "bot-1", VisitorID: "visitor-1",
			Token: "tok-1", Status: database.SessionActive,
			ExtraData: database.JSONMap{"long_term_memory": "- prefers email"},
		},
		visitor: &database.Visitor{ID: "visitor-1", BotID: "bot-1", Email: "dana@example.com"},
		messages: []database.ChatMessage{
			{SessionID: "sess-1", Query: "hi", Response: "hello"},
		},
	}
	kv := fabric.NewMemKV()
	progress := fabric.NewProgressBus(kv)
	runner := &stubRunner{fn: run}
	persist := &recPersister{}
	registry := worker.NewCancelRegistry()
	h := NewHandler(store, runner, progress, registry,
		fabric.NewBotConfigCache(kv), persist, webhook.NewSender("", ""))
	return &harness{handler: h, store: store, runner: runner, persist: persist,
		registry: registry, kv: kv, progress: progress}
}

func chatEnvelope(t *testing.T, query string) bus.Envelope {
	t.Helper()
	env, err := bus.NewEnvelope("task-1", bus.TaskChat, "bot-1", bus.ChatTaskData{
		SessionToken: "tok-1", VisitorID: "visitor-1", Query: query,
	})
	require.NoError(t, err)
	return env
}

func TestHandleChat_Success(t *testing.T) {
	h := setup(t, func(_ context.Context, st *chatgraph.State) error {
		st.Response = "Our basic plan is $10/month."
		st.NewMemory = "- asked about pricing"
		st.IsContact = true
		st.Reflection.VisitorInfo = &chatgraph.VisitorProfile{Name: "Dana"}
		return nil
	})

	require.NoError(t, h.handler.HandleChat(context.Background(), chatEnvelope(t, "prices?")))

	// Conversational context was threaded into the state.
	st := h.runner.last
	assert.Equal(t, "- prefers email", st.LongTermMemory)
	assert.Len(t, st.History, 2, "one stored exchange becomes two messages")
	assert.Equal(t, "bot_bot_1", st.Bot.Collection)

	// The turn's writes went back through the gateway callback, with the
	// stored and extracted visitor fields merged.
	require.Len(t, h.persist.got, 1)
	p := h.persist.got[0]
	assert.Equal(t, "prices?", p.Query)
	assert.Equal(t, "- asked about pricing", p.Memory)
	assert.True(t, p.IsContact)
	assert.Equal(t, "Dana", p.Visitor.Name)
	assert.Equal(t, "dana@example.com", p.Visitor.Email)

	// Terminal state is restorable with the result payload.
	state, err := h.progress.State().Get(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, fabric.StatusCompleted, state.Status)
	var result chatgraph.Result
	require.NoError(t, json.Unmarshal(state.Result, &result))
	assert.Equal(t, "Our basic plan is $10/month.", result.Response)
}

func TestHandleChat_ClosedSession(t *testing.T) {
	h := setup(t, func(context.Context, *chatgraph.State) error { return nil })
	h.store.session.Status = database.SessionClosed

	err := h.handler.HandleChat(context.Background(), chatEnvelope(t, "anyone there?"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
	assert.Empty(t, h.persist.got)
}

func TestHandleChat_CancelAbortsTurn(t *testing.T) {
	started := make(chan struct{})
	h := setup(t, func(ctx context.Context, _ *chatgraph.State) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	go func() {
		<-started
		h.registry.Cancel("tok-1")
	}()

	done := make(chan error, 1)
	go func() { done <- h.handler.HandleChat(context.Background(), chatEnvelope(t, "slow one")) }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cancelled")
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not abort the turn")
	}
	assert.Empty(t, h.persist.got, "a cancelled turn must not persist")
	assert.Zero(t, h.registry.Len(), "session must be untracked after the turn")
}

func TestHandleChat_PersistFailureStillCompletes(t *testing.T) {
	h := setup(t, func(_ context.Context, st *chatgraph.State) error {
		st.Response = "answer"
		return nil
	})
	h.persist.err = fmt.Errorf("gateway unreachable")

	require.NoError(t, h.handler.HandleChat(context.Background(), chatEnvelope(t, "q")))

	state, err := h.progress.State().Get(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, fabric.StatusCompleted, state.Status)
}

func TestLoadProvider_UsesCache(t *testing.T) {
	h := setup(t, func(_ context.Context, st *chatgraph.State) error {
		st.Response = "ok"
		return nil
	})
	ctx := context.Background()

	require.NoError(t, h.handler.HandleChat(ctx, chatEnvelope(t, "first")))
	require.NoError(t, h.handler.HandleChat(ctx, chatEnvelope(t, "second")))

	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	assert.Equal(t, 1, h.store.providerCalls, "second turn must hit the cache")
}
