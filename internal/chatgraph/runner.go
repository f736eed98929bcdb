package chatgraph

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/chatlead/backend/internal/fabric"
	"github.com/chatlead/backend/internal/keys"
	"github.com/chatlead/backend/internal/llm"
	"github.com/chatlead/backend/internal/retrieval"
)

// FallbackReply is sent when every provider key is in cooldown. The turn
// still completes; the visitor gets an honest answer instead of an error.
const FallbackReply = "We're receiving a high volume of requests right now. Please try again in a few moments."

const (
	// extraRateLimitAttempts bounds rotation retries per LLM call beyond the
	// first attempt.
	extraRateLimitAttempts = 2
	generationTimeout      = 60 * time.Second
	maxGroundednessLoops   = 2
	// maxSourceCitations caps the citations carried on the sources event.
	maxSourceCitations = 5
)

// errKeysExhausted is internal: the caller decides whether exhaustion means
// a fallback reply (generate) or a silent skip (reflection, memory).
var errKeysExhausted = errors.New("provider keys exhausted")

// Retriever is the retrieval dependency (satisfied by *retrieval.Retriever).
type Retriever interface {
	Retrieve(ctx context.Context, collection, query string) ([]retrieval.Chunk, string)
}

// Publisher is the progress dependency (satisfied by *fabric.ProgressBus).
type Publisher interface {
	Publish(ctx context.Context, ev fabric.ProgressEvent) error
}

// Options tune a runner; zero values get sensible defaults.
type Options struct {
	Temperature float64
	MaxTokens   int
	// GroundednessCheck regenerates answers the grader scores below
	// GroundednessThreshold, at most maxGroundednessLoops times.
	GroundednessCheck bool
	// GroundednessThreshold is the minimum passing score on the grader's
	// 0/1/2 scale. Zero means the default of 2.
	GroundednessThreshold int
}

// Runner wires the graph's dependencies and executes turns.
type Runner struct {
	llm       llm.Client
	rotator   *keys.Rotator
	retriever Retriever
	progress  Publisher
	opts      Options
}

func NewRunner(client llm.Client, rotator *keys.Rotator, retriever Retriever, progress Publisher, opts Options) *Runner {
	if opts.Temperature == 0 {
		opts.Temperature = 0.3
	}
	if opts.GroundednessThreshold == 0 {
		opts.GroundednessThreshold = 2
	}
	return &Runner{llm: client, rotator: rotator, retriever: retriever, progress: progress, opts: opts}
}

// Run executes one conversational turn. On return the state carries the
// response, memory update, token usage, and per-node latency; the done event
// is the caller's to publish so it can bundle persistence results.
func (r *Runner) Run(ctx context.Context, st *State) error {
	st.StartedAt = time.Now()
	g := &Graph{
		start: NodeReflection,
		nodes: map[string]NodeFunc{
			NodeReflection: r.reflectionNode,
			NodeRetrieve:   r.retrieveNode,
			NodeGenerate:   r.generateNode,
			NodeChitchat:   r.chitchatNode,
			NodeMemory:     r.memoryNode,
			NodeFinal:      r.finalNode,
		},
		next: transition,
	}
	return g.Run(ctx, st)
}

func transition(st *State, current string) string {
	switch current {
	case NodeReflection:
		// Only true smalltalk skips retrieval; an off-label intent with
		// needs_retrieval=false still goes through the knowledge path.
		if st.Reflection.Intent == "chitchat" && !st.Reflection.NeedsRetrieval {
			return NodeChitchat
		}
		return NodeRetrieve
	case NodeRetrieve:
		return NodeGenerate
	case NodeGenerate, NodeChitchat:
		return NodeMemory
	case NodeMemory:
		return NodeFinal
	}
	return ""
}

// callLLM runs one completion under key rotation: select, attempt, and on a
// 429 quarantine the slot and try the next key, up to extraRateLimitAttempts
// retries. Decrypted key material lives only inside this frame.
func (r *Runner) callLLM(ctx context.Context, st *State, req llm.CompletionRequest, onToken func(string)) (*llm.CompletionResponse, error) {
	if req.Model == "" {
		req.Model = st.Provider.Model
	}
	creds := st.Provider.ActiveCredentials()
	for attempt := 0; attempt <= extraRateLimitAttempts; attempt++ {
		sel, err := r.rotator.Select(ctx, st.Bot.ID, creds)
		if err != nil {
			if errors.Is(err, keys.ErrAllKeysExhausted) {
				return nil, errKeysExhausted
			}
			return nil, err
		}

		var resp *llm.CompletionResponse
		if onToken != nil && st.Streaming {
			resp, err = r.llm.StreamComplete(ctx, sel.APIKey, req, onToken)
		} else {
			resp, err = r.llm.Complete(ctx, sel.APIKey, req)
		}
		if err == nil {
			st.TokensIn += resp.Usage.PromptTokens
			st.TokensOut += resp.Usage.CompletionTokens
			return resp, nil
		}
		if llm.IsRateLimit(err) {
			slog.Info("[ChatGraph] Key rate limited, rotating",
				"task_id", st.TaskID, "bot_id", st.Bot.ID, "index", sel.Index)
			if merr := r.rotator.MarkRateLimited(ctx, st.Bot.ID, sel.Index); merr != nil {
				slog.Warn("[ChatGraph] Failed to quarantine key", "error", merr)
			}
			continue
		}
		return nil, err
	}
	return nil, errKeysExhausted
}

func (r *Runner) publish(ctx context.Context, st *State, ev fabric.ProgressEvent) {
	ev.TaskID = st.TaskID
	ev.BotID = st.Bot.ID
	if err := r.progress.Publish(ctx, ev); err != nil {
		slog.Warn("[ChatGraph] Progress publish failed", "task_id", st.TaskID, "error", err)
	}
}
