package chatgraph

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/chatlead/backend/internal/fabric"
	"github.com/chatlead/backend/internal/llm"
	"github.com/chatlead/backend/internal/vector"
)

// contactRequestedLine is sticky: once present in the long-term memory it
// survives every later summarization.
const contactRequestedLine = "- Contact Requested: Yes"

// reflectionNode classifies the query, rewrites it for search, and extracts
// any contact details the visitor volunteered. Malformed or unavailable LLM
// output degrades to defaults that keep the turn moving: retrieval on, the
// raw query as the search query.
func (r *Runner) reflectionNode(ctx context.Context, st *State) error {
	r.publish(ctx, st, fabric.ProgressEvent{
		Status: fabric.StatusProcessing, Progress: 5, Message: "Analyzing query",
	})

	st.Reflection = Reflection{NeedsRetrieval: true, RewrittenQuery: st.Query, Language: "en"}

	resp, err := r.callLLM(ctx, st, llm.CompletionRequest{
		Messages:    buildReflectionMessages(st),
		Temperature: 0,
		JSONMode:    true,
	}, nil)
	if err != nil {
		if errors.Is(err, errKeysExhausted) || llm.IsRateLimit(err) {
			slog.Warn("[ChatGraph] Reflection skipped, keys exhausted", "task_id", st.TaskID)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("[ChatGraph] Reflection call failed, using defaults", "task_id", st.TaskID, "error", err)
		return nil
	}

	var parsed Reflection
	if derr := llm.DecodeJSON(resp.Content, &parsed); derr != nil {
		slog.Warn("[ChatGraph] Reflection output unparseable, using defaults",
			"task_id", st.TaskID, "error", derr)
		return nil
	}
	if parsed.RewrittenQuery == "" {
		parsed.RewrittenQuery = st.Query
	}
	if parsed.Language == "" {
		parsed.Language = "en"
	}
	st.Reflection = parsed

	r.publish(ctx, st, fabric.ProgressEvent{
		Status: fabric.StatusProcessing, Progress: 25, Message: "Query analyzed",
	})
	return nil
}

// retrieveNode runs the two-stage search. Empty results are not an error;
// generate answers from persona alone and offers contact capture.
func (r *Runner) retrieveNode(ctx context.Context, st *State) error {
	collection := st.Bot.Collection
	if collection == "" {
		collection = vector.CollectionName(st.Bot.ID)
	}

	chunks, stage := r.retriever.Retrieve(ctx, collection, st.Reflection.RewrittenQuery)
	st.Chunks = chunks
	st.RetrievalStage = stage

	r.publish(ctx, st, fabric.ProgressEvent{
		Status: fabric.StatusProcessing, Progress: 45, Message: "Context retrieved",
	})
	return nil
}

// generateNode produces the answer. Streaming turns emit a sources event
// before the first token, then one token event per delta. Exhausted keys
// yield the fallback reply and the turn still completes.
func (r *Runner) generateNode(ctx context.Context, st *State) error {
	if st.Streaming && len(st.Chunks) > 0 {
		r.publish(ctx, st, fabric.ProgressEvent{
			Type:    fabric.EventSources,
			Status:  fabric.StatusProcessing,
			Sources: st.TopSources(maxSourceCitations),
		})
	}

	onToken := func(tok string) {
		r.publish(ctx, st, fabric.ProgressEvent{
			Type:   fabric.EventToken,
			Status: fabric.StatusProcessing,
			Chunk:  tok,
		})
	}

	req := llm.CompletionRequest{
		Messages:    buildAnswerMessages(st, st.Chunks),
		Temperature: r.opts.Temperature,
		MaxTokens:   r.opts.MaxTokens,
	}

	resp, err := r.generateWithTimeout(ctx, st, req, onToken)
	if err != nil {
		if errors.Is(err, errKeysExhausted) {
			st.Response = FallbackReply
			st.Fallback = true
			if st.Streaming {
				onToken(FallbackReply)
			}
			return nil
		}
		return err
	}
	st.Response = resp.Content

	if r.opts.GroundednessCheck && len(st.Chunks) > 0 {
		r.groundednessLoop(ctx, st, req)
	}

	r.publish(ctx, st, fabric.ProgressEvent{
		Status: fabric.StatusProcessing, Progress: 80, Message: "Answer generated",
	})
	return nil
}

// generateWithTimeout bounds each generation attempt; a single timed-out
// attempt is retried once before giving up.
func (r *Runner) generateWithTimeout(ctx context.Context, st *State, req llm.CompletionRequest, onToken func(string)) (*llm.CompletionResponse, error) {
	for attempt := 0; ; attempt++ {
		gctx, cancel := context.WithTimeout(ctx, generationTimeout)
		resp, err := r.callLLM(gctx, st, req, onToken)
		cancel()
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil && attempt == 0 {
			slog.Warn("[ChatGraph] Generation timed out, retrying once", "task_id", st.TaskID)
			continue
		}
		return nil, err
	}
}

// groundednessLoop grades the answer against the retrieved context and
// regenerates below-threshold answers, keeping the last attempt if the loop
// budget runs out. Streaming turns skip regeneration: tokens already went
// out and cannot be recalled.
func (r *Runner) groundednessLoop(ctx context.Context, st *State, req llm.CompletionRequest) {
	if st.Streaming {
		return
	}
	for loop := 0; loop < maxGroundednessLoops; loop++ {
		score, err := r.gradeGroundedness(ctx, st, st.Response)
		if err != nil || score >= r.opts.GroundednessThreshold {
			return
		}
		slog.Info("[ChatGraph] Answer not grounded, regenerating",
			"task_id", st.TaskID, "score", score, "loop", loop+1)
		resp, err := r.callLLM(ctx, st, req, nil)
		if err != nil {
			return
		}
		st.Response = resp.Content
	}
}

func (r *Runner) gradeGroundedness(ctx context.Context, st *State, answer string) (int, error) {
	resp, err := r.callLLM(ctx, st, llm.CompletionRequest{
		Messages:    buildGroundednessMessages(st, answer),
		Temperature: 0,
		JSONMode:    true,
	}, nil)
	if err != nil {
		return 2, err
	}
	var out struct {
		Score int `json:"score"`
	}
	if err := llm.DecodeJSON(resp.Content, &out); err != nil {
		return 2, err
	}
	return out.Score, nil
}

// chitchatNode answers without retrieval, persona only.
func (r *Runner) chitchatNode(ctx context.Context, st *State) error {
	onToken := func(tok string) {
		r.publish(ctx, st, fabric.ProgressEvent{
			Type:   fabric.EventToken,
			Status: fabric.StatusProcessing,
			Chunk:  tok,
		})
	}

	resp, err := r.callLLM(ctx, st, llm.CompletionRequest{
		Messages:    buildChitchatMessages(st),
		Temperature: 0.7,
		MaxTokens:   r.opts.MaxTokens,
	}, onToken)
	if err != nil {
		if errors.Is(err, errKeysExhausted) {
			st.Response = FallbackReply
			st.Fallback = true
			if st.Streaming {
				onToken(FallbackReply)
			}
			return nil
		}
		return err
	}
	st.Response = resp.Content
	return nil
}

// memoryNode refreshes the long-term summary. The visitor profile bullets
// are appended programmatically from the merged store+reflection profile so
// the relational record stays authoritative over whatever the summarizer
// writes, and the contact-requested marker is sticky across turns. Contact
// intent is a separate judgement call; it only sticks once the profile has
// a phone or email to act on.
func (r *Runner) memoryNode(ctx context.Context, st *State) error {
	st.IsContact = strings.Contains(st.LongTermMemory, contactRequestedLine)
	profile := st.MergedVisitor()

	summary := st.LongTermMemory
	if !st.Fallback {
		resp, err := r.callLLM(ctx, st, llm.CompletionRequest{
			Messages:    buildMemoryMessages(st),
			Temperature: 0,
			JSONMode:    true,
		}, nil)
		if err != nil {
			slog.Warn("[ChatGraph] Memory update skipped", "task_id", st.TaskID, "error", err)
		} else {
			var out struct {
				Summary string `json:"summary"`
			}
			if derr := llm.DecodeJSON(resp.Content, &out); derr != nil {
				slog.Warn("[ChatGraph] Memory output unparseable, keeping previous",
					"task_id", st.TaskID, "error", derr)
			} else {
				summary = out.Summary
			}
		}

		if !st.IsContact && (profile.Phone != "" || profile.Email != "") {
			if r.detectContactRequest(ctx, st) {
				st.IsContact = true
			}
		}
	}

	st.NewMemory = composeMemory(summary, profile, st.IsContact)

	r.publish(ctx, st, fabric.ProgressEvent{
		Status: fabric.StatusProcessing, Progress: 90, Message: "Memory updated",
	})
	return nil
}

// detectContactRequest asks the judge whether this exchange carried an
// explicit contact request. Judge failures read as no.
func (r *Runner) detectContactRequest(ctx context.Context, st *State) bool {
	resp, err := r.callLLM(ctx, st, llm.CompletionRequest{
		Messages:    buildContactMessages(st),
		Temperature: 0,
		JSONMode:    true,
	}, nil)
	if err != nil {
		slog.Warn("[ChatGraph] Contact detection skipped", "task_id", st.TaskID, "error", err)
		return false
	}
	var out struct {
		ContactRequested bool `json:"contact_requested"`
	}
	if derr := llm.DecodeJSON(resp.Content, &out); derr != nil {
		slog.Warn("[ChatGraph] Contact detection output unparseable",
			"task_id", st.TaskID, "error", derr)
		return false
	}
	return out.ContactRequested
}

// composeMemory strips any stale profile bullets out of the summary and
// re-appends the authoritative ones.
func composeMemory(summary string, profile VisitorProfile, contact bool) string {
	var kept []string
	for _, line := range strings.Split(summary, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" ||
			strings.HasPrefix(trimmed, "- Name:") ||
			strings.HasPrefix(trimmed, "- Email:") ||
			strings.HasPrefix(trimmed, "- Phone:") ||
			strings.HasPrefix(trimmed, "- Address:") ||
			trimmed == contactRequestedLine {
			continue
		}
		kept = append(kept, line)
	}

	if profile.Name != "" {
		kept = append(kept, "- Name: "+profile.Name)
	}
	if profile.Email != "" {
		kept = append(kept, "- Email: "+profile.Email)
	}
	if profile.Phone != "" {
		kept = append(kept, "- Phone: "+profile.Phone)
	}
	if profile.Address != "" {
		kept = append(kept, "- Address: "+profile.Address)
	}
	if contact {
		kept = append(kept, contactRequestedLine)
	}
	return strings.Join(kept, "\n")
}

// finalNode closes the books on the turn: cost from token usage and the
// provider's per-million pricing.
func (r *Runner) finalNode(_ context.Context, st *State) error {
	st.CompletedAt = time.Now()
	st.Cost = float64(st.TokensIn)/1e6*st.Provider.InputPricePerM() +
		float64(st.TokensOut)/1e6*st.Provider.OutputPricePerM()
	return nil
}
