// Package chatworker turns chat task envelopes into graph runs: it loads the
// session's conversational context, executes the turn, ships the durable
// side effects back to the gateway, and publishes the terminal event.
package chatworker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/chatlead/backend/internal/bus"
	"github.com/chatlead/backend/internal/chatgraph"
	"github.com/chatlead/backend/internal/database"
	"github.com/chatlead/backend/internal/fabric"
	"github.com/chatlead/backend/internal/llm"
	"github.com/chatlead/backend/internal/webhook"
	"github.com/chatlead/backend/internal/worker"
)

// historyLimit bounds how many prior exchanges feed the prompt.
const historyLimit = 20

// Store is the read-only relational surface the chat worker needs. All
// writes go back through the gateway callback.
type Store interface {
	GetBot(ctx context.Context, id string) (*database.Bot, error)
	GetProviderConfig(ctx context.Context, botID string) (*database.ProviderConfig, error)
	GetSessionByToken(ctx context.Context, token string) (*database.ChatSession, error)
	GetVisitor(ctx context.Context, id string) (*database.Visitor, error)
	ListSessionMessages(ctx context.Context, sessionID string, limit int) ([]database.ChatMessage, error)
}

// Runner executes one turn (satisfied by *chatgraph.Runner).
type Runner interface {
	Run(ctx context.Context, st *chatgraph.State) error
}

// Persister ships the turn's writes to the gateway (satisfied by
// *webhook.GatewayClient).
type Persister interface {
	PersistChat(ctx context.Context, p webhook.ChatPersist) error
}

// Publisher is the progress dependency (satisfied by *fabric.ProgressBus).
type Publisher interface {
	Publish(ctx context.Context, ev fabric.ProgressEvent) error
}

// Handler is the chat worker's task handler.
type Handler struct {
	store    Store
	runner   Runner
	progress Publisher
	registry *worker.CancelRegistry
	botCache *fabric.BotConfigCache
	persist  Persister
	events   *webhook.Sender
}

func NewHandler(store Store, runner Runner, progress Publisher, registry *worker.CancelRegistry,
	botCache *fabric.BotConfigCache, persist Persister, events *webhook.Sender) *Handler {
	return &Handler{
		store:    store,
		runner:   runner,
		progress: progress,
		registry: registry,
		botCache: botCache,
		persist:  persist,
		events:   events,
	}
}

// HandleChat runs one conversational turn. The turn's context is tracked in
// the cancel registry so a session close aborts generation mid-stream.
func (h *Handler) HandleChat(ctx context.Context, env bus.Envelope) error {
	var data bus.ChatTaskData
	if err := env.DecodeData(&data); err != nil {
		return err
	}

	tctx, release := h.registry.Track(ctx, data.SessionToken)
	defer release()

	session, err := h.store.GetSessionByToken(tctx, data.SessionToken)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if session.Status != database.SessionActive {
		return fmt.Errorf("session %s is closed", data.SessionToken)
	}

	bot, err := h.store.GetBot(tctx, env.BotID)
	if err != nil {
		return fmt.Errorf("load bot: %w", err)
	}
	if !bot.Active {
		return fmt.Errorf("bot %s is not active", bot.ID)
	}

	provider, err := h.loadProvider(tctx, bot.ID)
	if err != nil {
		return fmt.Errorf("load provider config: %w", err)
	}

	visitor, err := h.store.GetVisitor(tctx, session.VisitorID)
	if err != nil {
		return fmt.Errorf("load visitor: %w", err)
	}

	history, err := h.loadHistory(tctx, session.ID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	st := &chatgraph.State{
		TaskID:       env.TaskID,
		SessionToken: data.SessionToken,
		Query:        data.Query,
		Streaming:    data.Streaming,
		Bot: chatgraph.BotInfo{
			ID:          bot.ID,
			Name:        bot.Name,
			Description: bot.Description,
			Collection:  bot.CollectionName(),
		},
		Provider:       provider,
		History:        history,
		LongTermMemory: session.LongTermMemory(),
		IsContact:      sessionIsContact(session),
		Visitor: chatgraph.VisitorProfile{
			Name:    visitor.Name,
			Email:   visitor.Email,
			Phone:   visitor.Phone,
			Address: visitor.Address,
		},
	}

	h.publish(ctx, fabric.ProgressEvent{
		TaskID: env.TaskID, BotID: env.BotID,
		Status: fabric.StatusProcessing, Progress: 1,
		Message: "processing",
	})

	if err := h.runner.Run(tctx, st); err != nil {
		if tctx.Err() != nil && ctx.Err() == nil {
			// Session cancel, not shutdown: the turn is abandoned for good.
			return fmt.Errorf("turn cancelled: %w", err)
		}
		return err
	}

	// Persist before the done event: a widget reacting to done must be able
	// to reload the conversation and see this turn.
	merged := st.MergedVisitor()
	p := webhook.ChatPersist{
		SessionToken: data.SessionToken,
		VisitorID:    session.VisitorID,
		Query:        data.Query,
		Response:     st.Response,
		Memory:       st.NewMemory,
		IsContact:    st.IsContact,
	}
	p.Visitor.Name = merged.Name
	p.Visitor.Email = merged.Email
	p.Visitor.Phone = merged.Phone
	p.Visitor.Address = merged.Address
	if err := h.persist.PersistChat(ctx, p); err != nil {
		// The visitor already has the answer; losing the row is bad but not
		// worth failing the task and replaying the whole turn.
		slog.Error("[ChatWorker] Persist callback failed", "task_id", env.TaskID, "error", err)
	}

	result := st.BuildResult()
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	h.publish(ctx, fabric.ProgressEvent{
		Type:   fabric.EventDone,
		TaskID: env.TaskID, BotID: env.BotID,
		Status: fabric.StatusCompleted, Progress: 100,
		Result: raw,
	})

	h.events.Emit(ctx, webhook.EventChatCompleted, env.BotID, env.TaskID, result)
	return nil
}

// loadProvider reads the provider config through the shared cache. Cached
// entries carry ciphertext credentials only; decryption happens inside the
// graph's key rotation.
func (h *Handler) loadProvider(ctx context.Context, botID string) (*database.ProviderConfig, error) {
	if raw, err := h.botCache.Get(ctx, botID); err == nil {
		var pc database.ProviderConfig
		if jerr := json.Unmarshal(raw, &pc); jerr == nil {
			return &pc, nil
		}
		slog.Warn("[ChatWorker] Corrupt cached provider config, reloading", "bot_id", botID)
	}

	pc, err := h.store.GetProviderConfig(ctx, botID)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(pc); err == nil {
		if cerr := h.botCache.Put(ctx, botID, raw); cerr != nil {
			slog.Warn("[ChatWorker] Provider config cache write failed", "bot_id", botID, "error", cerr)
		}
	}
	return pc, nil
}

// loadHistory flattens stored exchanges into alternating user/assistant
// messages, oldest first.
func (h *Handler) loadHistory(ctx context.Context, sessionID string) ([]llm.Message, error) {
	msgs, err := h.store.ListSessionMessages(ctx, sessionID, historyLimit)
	if err != nil {
		return nil, err
	}
	out := make([]llm.Message, 0, len(msgs)*2)
	for _, m := range msgs {
		out = append(out,
			llm.Message{Role: "user", Content: m.Query},
			llm.Message{Role: "assistant", Content: m.Response})
	}
	return out, nil
}

func sessionIsContact(s *database.ChatSession) bool {
	v, _ := s.ExtraData["is_contact"].(bool)
	return v
}

func (h *Handler) publish(ctx context.Context, ev fabric.ProgressEvent) {
	if err := h.progress.Publish(ctx, ev); err != nil {
		slog.Warn("[ChatWorker] Progress publish failed", "task_id", ev.TaskID, "error", err)
	}
}
