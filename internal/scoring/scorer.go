// Package scoring grades visitor conversations: a lead-quality grading
// task and a per-question assessment task. Both replay the session history
// into a throwaway vector collection so question-scoped retrieval works the
// same way as bot-knowledge retrieval.
package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/chatlead/backend/internal/bus"
	"github.com/chatlead/backend/internal/database"
	"github.com/chatlead/backend/internal/fabric"
	"github.com/chatlead/backend/internal/keys"
	"github.com/chatlead/backend/internal/llm"
	"github.com/chatlead/backend/internal/retrieval"
	"github.com/chatlead/backend/internal/vector"
	"github.com/chatlead/backend/internal/webhook"
)

// ErrNoMessages is terminal: a session with no exchanges cannot be graded.
var ErrNoMessages = errors.New("no messages to grade")

// Lead categories by score threshold.
const (
	CategoryHot  = "hot"
	CategoryWarm = "warm"
	CategoryCold = "cold"
)

const historyLimit = 200

// Thresholds classify a numeric score into a lead category.
type Thresholds struct {
	Hot  int
	Warm int
}

// Categorize maps a 0-100 score onto hot/warm/cold.
func (t Thresholds) Categorize(score int) string {
	switch {
	case score >= t.Hot:
		return CategoryHot
	case score >= t.Warm:
		return CategoryWarm
	}
	return CategoryCold
}

// GradingResult is the LLM's structured verdict on lead quality.
type GradingResult struct {
	Score              int      `json:"score"`
	Category           string   `json:"category"`
	IntentSignals      []string `json:"intent_signals"`
	EngagementLevel    string   `json:"engagement_level"`
	KeyInterests       []string `json:"key_interests"`
	RecommendedActions []string `json:"recommended_actions"`
	Reasoning          string   `json:"reasoning"`
}

// QuestionResult is one assessment question's answer.
type QuestionResult struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Answered bool   `json:"answered"`
	Evidence string `json:"evidence,omitempty"`
}

// AssessmentResult aggregates the per-question answers.
type AssessmentResult struct {
	Results   []QuestionResult `json:"results"`
	Summary   string           `json:"summary"`
	LeadScore int              `json:"lead_score"`
}

// SessionStore is the read-only relational surface the scorer needs. Score
// persistence travels the ScoreSink: the gateway is the single SQL writer.
type SessionStore interface {
	GetBot(ctx context.Context, id string) (*database.Bot, error)
	GetProviderConfig(ctx context.Context, botID string) (*database.ProviderConfig, error)
	GetVisitor(ctx context.Context, id string) (*database.Visitor, error)
	ListSessionMessages(ctx context.Context, sessionID string, limit int) ([]database.ChatMessage, error)
}

// ScoreSink ships results to the gateway (satisfied by *webhook.GatewayClient).
type ScoreSink interface {
	PersistGrading(ctx context.Context, res webhook.ScoreResult) error
	PersistAssessment(ctx context.Context, res webhook.ScoreResult) error
}

// VectorStore is the temp-collection surface.
type VectorStore interface {
	InsertBatch(ctx context.Context, collection string, recs []vector.Record, onChunk func(done, total int)) error
	DropCollection(ctx context.Context, collection string) error
}

// Embedder embeds history snippets for the temp collection.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Retriever searches the temp collection per assessment question.
type Retriever interface {
	Retrieve(ctx context.Context, collection, query string) ([]retrieval.Chunk, string)
}

// Publisher is the progress dependency.
type Publisher interface {
	Publish(ctx context.Context, ev fabric.ProgressEvent) error
}

// Scorer executes grading and assessment tasks.
type Scorer struct {
	store      SessionStore
	sink       ScoreSink
	vectors    VectorStore
	embedder   Embedder
	retriever  Retriever
	llm        llm.Client
	rotator    *keys.Rotator
	locks      *fabric.LockStore
	progress   Publisher
	webhooks   *webhook.Sender
	thresholds Thresholds
}

func NewScorer(store SessionStore, sink ScoreSink, vectors VectorStore, embedder Embedder, retriever Retriever,
	client llm.Client, rotator *keys.Rotator, locks *fabric.LockStore, progress Publisher,
	webhooks *webhook.Sender, thresholds Thresholds) *Scorer {
	if thresholds.Hot == 0 {
		thresholds.Hot = 80
	}
	if thresholds.Warm == 0 {
		thresholds.Warm = 50
	}
	return &Scorer{
		store:      store,
		sink:       sink,
		vectors:    vectors,
		embedder:   embedder,
		retriever:  retriever,
		llm:        client,
		rotator:    rotator,
		locks:      locks,
		progress:   progress,
		webhooks:   webhooks,
		thresholds: thresholds,
	}
}

// TempCollection names the throwaway per-session collection.
func TempCollection(taskType bus.TaskType, sessionID string) string {
	return fmt.Sprintf("%s_%s", taskType, strings.ReplaceAll(sessionID, "-", "_"))
}

// GradingQuestions is the fixed evaluation list the grading judgement
// retrieves conversation context for.
var GradingQuestions = []string{
	"What is the visitor trying to accomplish or purchase?",
	"How urgent is the visitor's need?",
	"What budget or pricing signals did the visitor give?",
	"Did the visitor share contact details or ask to be contacted?",
	"How engaged was the visitor across the conversation?",
}

// HandleGrading grades the session into a lead score and category. Like
// assessment, it replays the history into a temp collection and retrieves
// per question; the aggregated excerpts feed one judgement call.
func (s *Scorer) HandleGrading(ctx context.Context, env bus.Envelope) error {
	var data bus.GradingData
	if err := env.DecodeData(&data); err != nil {
		return err
	}
	defer s.releaseLock(ctx, fabric.GradingLockKey(data.VisitorID), env.TaskID)

	history, provider, err := s.loadSession(ctx, env, data.SessionID)
	if err != nil {
		return err
	}

	collection := TempCollection(bus.TaskGrading, data.SessionID)
	if err := s.indexHistory(ctx, collection, data.SessionID, history); err != nil {
		return err
	}
	defer func() {
		if derr := s.vectors.DropCollection(ctx, collection); derr != nil {
			slog.Warn("[Scorer] Temp collection not dropped", "collection", collection, "error", derr)
		}
	}()

	contexts := make([][]retrieval.Chunk, len(GradingQuestions))
	total := len(GradingQuestions)
	for i, question := range GradingQuestions {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.publish(ctx, env, fabric.ProgressEvent{
			Status:   fabric.StatusProcessing,
			Progress: 10 + 50*i/total,
			Message:  fmt.Sprintf("Gathering evidence %d/%d", i+1, total),
		})
		contexts[i], _ = s.retriever.Retrieve(ctx, collection, question)
	}

	s.publish(ctx, env, fabric.ProgressEvent{
		Status: fabric.StatusProcessing, Progress: 70, Message: "Grading conversation",
	})

	resp, err := s.callLLM(ctx, env.BotID, provider, llm.CompletionRequest{
		Messages:    buildGradingMessages(GradingQuestions, contexts),
		Temperature: 0,
		JSONMode:    true,
	})
	if err != nil {
		return fmt.Errorf("grading call: %w", err)
	}

	var result GradingResult
	if err := llm.DecodeJSON(resp.Content, &result); err != nil {
		return fmt.Errorf("grading output: %w", err)
	}
	if result.Score < 0 {
		result.Score = 0
	} else if result.Score > 100 {
		result.Score = 100
	}
	// Category follows the configured thresholds, not the model's label.
	result.Category = s.thresholds.Categorize(result.Score)

	resultMap := toJSONMap(result)
	if err := s.sink.PersistGrading(ctx, webhook.ScoreResult{
		VisitorID: data.VisitorID,
		Score:     result.Score,
		Category:  result.Category,
		Result:    resultMap,
	}); err != nil {
		return fmt.Errorf("persist score: %w", err)
	}

	s.done(ctx, env, resultMap)
	s.webhooks.Emit(ctx, webhook.EventGradingCompleted, env.BotID, env.TaskID, result)
	return nil
}

// HandleAssessment answers each configured question from the session
// history, retrieving the relevant exchanges per question from a temp
// collection that is always dropped afterwards.
func (s *Scorer) HandleAssessment(ctx context.Context, env bus.Envelope) error {
	var data bus.AssessmentData
	if err := env.DecodeData(&data); err != nil {
		return err
	}
	defer s.releaseLock(ctx, fabric.AssessmentLockKey(data.VisitorID), env.TaskID)

	bot, err := s.store.GetBot(ctx, env.BotID)
	if err != nil {
		return fmt.Errorf("load bot: %w", err)
	}
	if len(bot.AssessmentQuestions) == 0 {
		return errors.New("bot has no assessment questions configured")
	}

	history, provider, err := s.loadSession(ctx, env, data.SessionID)
	if err != nil {
		return err
	}

	collection := TempCollection(bus.TaskAssessment, data.SessionID)
	if err := s.indexHistory(ctx, collection, data.SessionID, history); err != nil {
		return err
	}
	defer func() {
		if derr := s.vectors.DropCollection(ctx, collection); derr != nil {
			slog.Warn("[Scorer] Temp collection not dropped", "collection", collection, "error", derr)
		}
	}()

	result := AssessmentResult{}
	total := len(bot.AssessmentQuestions)
	for i, question := range bot.AssessmentQuestions {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.publish(ctx, env, fabric.ProgressEvent{
			Status:   fabric.StatusProcessing,
			Progress: 10 + 80*i/total,
			Message:  fmt.Sprintf("Assessing question %d/%d", i+1, total),
		})

		qr, err := s.assessQuestion(ctx, env.BotID, provider, collection, question)
		if err != nil {
			return fmt.Errorf("assess question %d: %w", i+1, err)
		}
		result.Results = append(result.Results, qr)
	}

	if err := s.summarize(ctx, env.BotID, provider, &result); err != nil {
		return fmt.Errorf("assessment summary: %w", err)
	}

	resultMap := toJSONMap(result)
	if err := s.sink.PersistAssessment(ctx, webhook.ScoreResult{
		VisitorID: data.VisitorID,
		Score:     result.LeadScore,
		Category:  s.thresholds.Categorize(result.LeadScore),
		Result:    resultMap,
	}); err != nil {
		return fmt.Errorf("persist assessment: %w", err)
	}

	s.done(ctx, env, resultMap)
	s.webhooks.Emit(ctx, webhook.EventAssessmentCompleted, env.BotID, env.TaskID, result)
	return nil
}

func (s *Scorer) loadSession(ctx context.Context, env bus.Envelope, sessionID string) ([]database.ChatMessage, *database.ProviderConfig, error) {
	history, err := s.store.ListSessionMessages(ctx, sessionID, historyLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("load history: %w", err)
	}
	if len(history) == 0 {
		return nil, nil, ErrNoMessages
	}
	provider, err := s.store.GetProviderConfig(ctx, env.BotID)
	if err != nil {
		return nil, nil, fmt.Errorf("load provider config: %w", err)
	}
	return history, provider, nil
}

// indexHistory embeds each exchange as one record in the temp collection.
func (s *Scorer) indexHistory(ctx context.Context, collection, sessionID string, history []database.ChatMessage) error {
	texts := make([]string, len(history))
	for i, m := range history {
		texts[i] = fmt.Sprintf("visitor: %s\nassistant: %s", m.Query, m.Response)
	}
	vecs, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed history: %w", err)
	}

	recs := make([]vector.Record, len(history))
	for i := range history {
		recs[i] = vector.Record{
			ID:         fmt.Sprintf("%s_%d", sessionID, i),
			Text:       texts[i],
			Embedding:  vecs[i],
			ChunkIndex: i,
		}
	}
	if err := s.vectors.InsertBatch(ctx, collection, recs, nil); err != nil {
		return fmt.Errorf("index history: %w", err)
	}
	return nil
}

func (s *Scorer) assessQuestion(ctx context.Context, botID string, provider *database.ProviderConfig, collection, question string) (QuestionResult, error) {
	chunks, _ := s.retriever.Retrieve(ctx, collection, question)

	resp, err := s.callLLM(ctx, botID, provider, llm.CompletionRequest{
		Messages:    buildQuestionMessages(question, chunks),
		Temperature: 0,
		JSONMode:    true,
	})
	if err != nil {
		return QuestionResult{}, err
	}

	qr := QuestionResult{Question: question}
	if err := llm.DecodeJSON(resp.Content, &qr); err != nil {
		return QuestionResult{}, fmt.Errorf("question output: %w", err)
	}
	qr.Question = question
	return qr, nil
}

func (s *Scorer) summarize(ctx context.Context, botID string, provider *database.ProviderConfig, result *AssessmentResult) error {
	resp, err := s.callLLM(ctx, botID, provider, llm.CompletionRequest{
		Messages:    buildSummaryMessages(result.Results),
		Temperature: 0,
		JSONMode:    true,
	})
	if err != nil {
		return err
	}
	var out struct {
		Summary   string `json:"summary"`
		LeadScore int    `json:"lead_score"`
	}
	if err := llm.DecodeJSON(resp.Content, &out); err != nil {
		return err
	}
	result.Summary = out.Summary
	result.LeadScore = out.LeadScore
	if result.LeadScore < 0 {
		result.LeadScore = 0
	} else if result.LeadScore > 100 {
		result.LeadScore = 100
	}
	return nil
}

// callLLM mirrors the chat worker's rotation discipline: select, attempt,
// quarantine on 429, try the next key.
func (s *Scorer) callLLM(ctx context.Context, botID string, provider *database.ProviderConfig, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if req.Model == "" {
		req.Model = provider.Model
	}
	const extraAttempts = 2
	for attempt := 0; attempt <= extraAttempts; attempt++ {
		sel, err := s.rotator.Select(ctx, botID, provider.ActiveCredentials())
		if err != nil {
			return nil, err
		}
		resp, err := s.llm.Complete(ctx, sel.APIKey, req)
		if err == nil {
			return resp, nil
		}
		if llm.IsRateLimit(err) {
			if merr := s.rotator.MarkRateLimited(ctx, botID, sel.Index); merr != nil {
				slog.Warn("[Scorer] Failed to quarantine key", "error", merr)
			}
			continue
		}
		return nil, err
	}
	return nil, keys.ErrAllKeysExhausted
}

func (s *Scorer) releaseLock(ctx context.Context, key, taskID string) {
	if err := s.locks.Release(ctx, key, taskID); err != nil {
		slog.Warn("[Scorer] Lock release failed", "key", key, "error", err)
	}
}

func (s *Scorer) publish(ctx context.Context, env bus.Envelope, ev fabric.ProgressEvent) {
	ev.TaskID = env.TaskID
	ev.BotID = env.BotID
	if err := s.progress.Publish(ctx, ev); err != nil {
		slog.Warn("[Scorer] Progress publish failed", "task_id", env.TaskID, "error", err)
	}
}

func (s *Scorer) done(ctx context.Context, env bus.Envelope, result database.JSONMap) {
	raw, err := json.Marshal(result)
	if err != nil {
		slog.Error("[Scorer] Result marshal failed", "task_id", env.TaskID, "error", err)
	}
	s.publish(ctx, env, fabric.ProgressEvent{
		Type:     fabric.EventDone,
		Status:   fabric.StatusCompleted,
		Progress: 100,
		Result:   raw,
	})
}

func toJSONMap(v any) database.JSONMap {
	raw, err := json.Marshal(v)
	if err != nil {
		return database.JSONMap{}
	}
	var m database.JSONMap
	if err := json.Unmarshal(raw, &m); err != nil {
		return database.JSONMap{}
	}
	return m
}
