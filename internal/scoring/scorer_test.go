package scoring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatlead/backend/internal/bus"
	"github.com/chatlead/backend/internal/database"
	"github.com/chatlead/backend/internal/fabric"
	"github.com/chatlead/backend/internal/keys"
	"github.com/chatlead/backend/internal/llm"
	"github.com/chatlead/backend/internal/retrieval"
	"github.com/chatlead/backend/internal/vector"
	"github.com/chatlead/backend/internal/webhook"
)

type fakeSessionStore struct {
	bot      *database.Bot
	provider *database.ProviderConfig
	messages []database.ChatMessage
}

func (f *fakeSessionStore) GetBot(context.Context, string) (*database.Bot, error) {
	return f.bot, nil
}

func (f *fakeSessionStore) GetProviderConfig(context.Context, string) (*database.ProviderConfig, error) {
	return f.provider, nil
}

func (f *fakeSessionStore) GetVisitor(context.Context, string) (*database.Visitor, error) {
	return &database.Visitor{ID: "v1"}, nil
}

func (f *fakeSessionStore) ListSessionMessages(context.Context, string, int) ([]database.ChatMessage, error) {
	return f.messages, nil
}

type fakeScoreSink struct {
	graded   []webhook.ScoreResult
	assessed []webhook.ScoreResult
}

func (f *fakeScoreSink) PersistGrading(_ context.Context, res webhook.ScoreResult) error {
	f.graded = append(f.graded, res)
	return nil
}

func (f *fakeScoreSink) PersistAssessment(_ context.Context, res webhook.ScoreResult) error {
	f.assessed = append(f.assessed, res)
	return nil
}

type fakeTempVectors struct {
	collections map[string][]vector.Record
	dropped     []string
}

func (f *fakeTempVectors) InsertBatch(_ context.Context, collection string, recs []vector.Record, _ func(int, int)) error {
	if f.collections == nil {
		f.collections = map[string][]vector.Record{}
	}
	f.collections[collection] = append(f.collections[collection], recs...)
	return nil
}

func (f *fakeTempVectors) DropCollection(_ context.Context, collection string) error {
	delete(f.collections, collection)
	f.dropped = append(f.dropped, collection)
	return nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

type fakeRetriever struct{ queries []string }

func (f *fakeRetriever) Retrieve(_ context.Context, _, query string) ([]retrieval.Chunk, string) {
	f.queries = append(f.queries, query)
	return []retrieval.Chunk{{Text: "visitor: need pricing\nassistant: here", Score: 0.9}}, retrieval.Stage1
}

type eventSink struct{ events []fabric.ProgressEvent }

func (p *eventSink) Publish(_ context.Context, ev fabric.ProgressEvent) error {
	p.events = append(p.events, ev)
	return nil
}

type scorerHarness struct {
	scorer    *Scorer
	store     *fakeSessionStore
	sink      *fakeScoreSink
	vectors   *fakeTempVectors
	retriever *fakeRetriever
	pub       *eventSink
	locks     *fabric.LockStore
	kv        *fabric.MemKV
}

func newScorerHarness(t *testing.T, mock *llm.Mock) *scorerHarness {
	t.Helper()
	cipher, err := keys.NewCipher("test-secret")
	require.NoError(t, err)
	ct, err := cipher.Encrypt("k1")
	require.NoError(t, err)

	h := &scorerHarness{
		store: &fakeSessionStore{
			bot: &database.Bot{
				ID:                  "bot-1",
				Name:                "Mila",
				AssessmentQuestions: []string{"What is their budget?", "What is their timeline?"},
			},
			provider: &database.ProviderConfig{
				Credentials: []keys.Credential{{Ciphertext: ct, Label: "k1", Active: true}},
			},
			messages: []database.ChatMessage{
				{Query: "do you do enterprise plans?", Response: "Yes, from $500/mo."},
				{Query: "we'd need it by March", Response: "That works."},
			},
		},
		sink:      &fakeScoreSink{},
		vectors:   &fakeTempVectors{},
		retriever: &fakeRetriever{},
		pub:       &eventSink{},
		kv:        fabric.NewMemKV(),
	}
	h.locks = fabric.NewLockStore(h.kv)
	rotator := keys.NewRotator(h.kv, cipher, time.Minute)
	h.scorer = NewScorer(h.store, h.sink, h.vectors, fakeEmbedder{}, h.retriever,
		mock, rotator, h.locks, h.pub, webhook.NewSender("", ""), Thresholds{Hot: 80, Warm: 50})
	return h
}

func gradingEnvelope(t *testing.T) bus.Envelope {
	t.Helper()
	env, err := bus.NewEnvelope("task-g", bus.TaskGrading, "bot-1",
		bus.GradingData{VisitorID: "v1", SessionID: "sess-1"})
	require.NoError(t, err)
	return env
}

func TestHandleGrading_ScoresAndCategorizes(t *testing.T) {
	mock := &llm.Mock{Responses: []llm.MockResponse{
		{Content: `{"score":85,"category":"warm","intent_signals":["pricing"],"engagement_level":"high","key_interests":["enterprise"],"recommended_actions":["call"],"reasoning":"strong intent"}`},
	}}
	h := newScorerHarness(t, mock)

	require.NoError(t, h.scorer.HandleGrading(context.Background(), gradingEnvelope(t)))

	require.Len(t, h.sink.graded, 1)
	res := h.sink.graded[0]
	assert.Equal(t, "v1", res.VisitorID)
	assert.Equal(t, 85, res.Score)
	assert.Equal(t, CategoryHot, res.Category, "threshold wins over the model's label")

	last := h.pub.events[len(h.pub.events)-1]
	assert.Equal(t, fabric.EventDone, last.Type)
	assert.Equal(t, fabric.StatusCompleted, last.Status)
}

func TestHandleGrading_EmptySession(t *testing.T) {
	h := newScorerHarness(t, &llm.Mock{})
	h.store.messages = nil

	err := h.scorer.HandleGrading(context.Background(), gradingEnvelope(t))
	assert.ErrorIs(t, err, ErrNoMessages)
}

func TestHandleGrading_ReleasesLock(t *testing.T) {
	mock := &llm.Mock{Responses: []llm.MockResponse{
		{Content: `{"score":40,"reasoning":"browsing"}`},
	}}
	h := newScorerHarness(t, mock)
	ctx := context.Background()
	require.NoError(t, h.locks.Acquire(ctx, fabric.GradingLockKey("v1"), "task-g", fabric.GradingLockTTL, false))

	require.NoError(t, h.scorer.HandleGrading(ctx, gradingEnvelope(t)))

	holder, err := h.locks.Holder(ctx, fabric.GradingLockKey("v1"))
	require.NoError(t, err)
	assert.Empty(t, holder)
	require.Len(t, h.sink.graded, 1)
	assert.Equal(t, CategoryCold, h.sink.graded[0].Category)
}

func TestHandleGrading_RetrievesPerQuestion(t *testing.T) {
	mock := &llm.Mock{Responses: []llm.MockResponse{
		{Content: `{"score":62,"reasoning":"moderate intent"}`},
	}}
	h := newScorerHarness(t, mock)

	require.NoError(t, h.scorer.HandleGrading(context.Background(), gradingEnvelope(t)))

	// The history replays into a throwaway collection, each grading
	// question retrieves its own excerpts, and one judgement call sees
	// them all.
	assert.Equal(t, GradingQuestions, h.retriever.queries)
	col := TempCollection(bus.TaskGrading, "sess-1")
	assert.NotEmpty(t, h.vectors.dropped)
	assert.Contains(t, h.vectors.dropped, col)
	assert.Empty(t, h.vectors.collections[col])

	require.Len(t, mock.Calls, 1, "one judgement call over the aggregated excerpts")
	msgs := mock.Calls[0].Messages
	prompt := msgs[len(msgs)-1].Content
	assert.Contains(t, prompt, GradingQuestions[0])
	assert.Contains(t, prompt, "need pricing")
}

func TestHandleAssessment_PerQuestionRetrievalAndCleanup(t *testing.T) {
	mock := &llm.Mock{Responses: []llm.MockResponse{
		{Content: `{"answer":"around $500/mo","answered":true,"evidence":"from $500/mo"}`},
		{Content: `{"answer":"by March","answered":true,"evidence":"need it by March"}`},
		{Content: `{"summary":"Enterprise buyer with a March deadline.","lead_score":78}`},
	}}
	h := newScorerHarness(t, mock)

	env, err := bus.NewEnvelope("task-a", bus.TaskAssessment, "bot-1",
		bus.AssessmentData{VisitorID: "v1", SessionID: "sess-1"})
	require.NoError(t, err)
	require.NoError(t, h.scorer.HandleAssessment(context.Background(), env))

	assert.Equal(t, h.store.bot.AssessmentQuestions, h.retriever.queries)
	require.Len(t, h.sink.assessed, 1)
	res := h.sink.assessed[0]
	assert.Equal(t, 78, res.Score)
	assert.Equal(t, CategoryWarm, res.Category)

	col := TempCollection(bus.TaskAssessment, "sess-1")
	assert.Contains(t, h.vectors.dropped, col, "temp collection dropped")
	assert.Empty(t, h.vectors.collections[col])

	results, ok := res.Result["results"].([]any)
	require.True(t, ok)
	assert.Len(t, results, 2)
}

func TestHandleAssessment_RotatesOn429(t *testing.T) {
	mock := &llm.Mock{Responses: []llm.MockResponse{
		{Err: &llm.RateLimitError{RetryAfter: time.Second}},
	}}
	h := newScorerHarness(t, mock)

	env, err := bus.NewEnvelope("task-a", bus.TaskAssessment, "bot-1",
		bus.AssessmentData{VisitorID: "v1", SessionID: "sess-1"})
	require.NoError(t, err)

	err = h.scorer.HandleAssessment(context.Background(), env)
	require.Error(t, err)
	assert.ErrorIs(t, err, keys.ErrAllKeysExhausted)
	col := TempCollection(bus.TaskAssessment, "sess-1")
	assert.Contains(t, h.vectors.dropped, col, "cleanup even on failure")
}

func TestThresholds(t *testing.T) {
	th := Thresholds{Hot: 80, Warm: 50}
	assert.Equal(t, CategoryHot, th.Categorize(80))
	assert.Equal(t, CategoryWarm, th.Categorize(79))
	assert.Equal(t, CategoryWarm, th.Categorize(50))
	assert.Equal(t, CategoryCold, th.Categorize(49))
}
