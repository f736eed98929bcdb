package chatgraph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatlead/backend/internal/database"
	"github.com/chatlead/backend/internal/fabric"
	"github.com/chatlead/backend/internal/keys"
	"github.com/chatlead/backend/internal/llm"
	"github.com/chatlead/backend/internal/retrieval"
)

type recordingPublisher struct {
	events []fabric.ProgressEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev fabric.ProgressEvent) error {
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) ofType(t string) []fabric.ProgressEvent {
	var out []fabric.ProgressEvent
	for _, ev := range p.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type stubRetriever struct {
	chunks  []retrieval.Chunk
	stage   string
	queries []string
}

func (s *stubRetriever) Retrieve(_ context.Context, _, query string) ([]retrieval.Chunk, string) {
	s.queries = append(s.queries, query)
	return s.chunks, s.stage
}

func testProvider(t *testing.T, cipher *keys.Cipher, plainKeys ...string) *database.ProviderConfig {
	t.Helper()
	creds := make([]keys.Credential, len(plainKeys))
	for i, k := range plainKeys {
		ct, err := cipher.Encrypt(k)
		require.NoError(t, err)
		creds[i] = keys.Credential{Ciphertext: ct, Label: k, Active: true}
	}
	return &database.ProviderConfig{
		Provider:    "openai",
		Model:       "gpt-4o-mini",
		Credentials: creds,
		Params:      database.JSONMap{"input_price_per_m": 0.15, "output_price_per_m": 0.6},
	}
}

func newTestState(provider *database.ProviderConfig) *State {
	return &State{
		TaskID:       "task-1",
		SessionToken: "sess-1",
		Query:        "what are your opening hours?",
		Bot:          BotInfo{ID: "bot-1", Name: "Mila", Collection: "bot_bot_1"},
		Provider:     provider,
	}
}

func setup(t *testing.T, mock *llm.Mock, ret Retriever, opts Options) (*Runner, *recordingPublisher, *keys.Cipher) {
	t.Helper()
	cipher, err := keys.NewCipher("test-secret")
	require.NoError(t, err)
	rotator := keys.NewRotator(fabric.NewMemKV(), cipher, time.Minute)
	pub := &recordingPublisher{}
	return NewRunner(mock, rotator, ret, pub, opts), pub, cipher
}

const reflectionJSON = `{"language":"en","confidence":0.9,"intent":"question","needs_retrieval":true,"rewritten_query":"opening hours"}`
const memoryJSON = `{"summary":"- Asked about opening hours"}`

func TestRun_RetrievalTurn(t *testing.T) {
	mock := &llm.Mock{Responses: []llm.MockResponse{
		{Content: reflectionJSON, Usage: llm.Usage{PromptTokens: 100, CompletionTokens: 20}},
		{Content: "We open at 9am.", Usage: llm.Usage{PromptTokens: 400, CompletionTokens: 30}},
		{Content: memoryJSON, Usage: llm.Usage{PromptTokens: 50, CompletionTokens: 10}},
	}}
	ret := &stubRetriever{
		chunks: []retrieval.Chunk{{Text: "Hours: 9-17", DocumentID: "d1", Score: 0.9}},
		stage:  retrieval.Stage1,
	}
	runner, _, cipher := setup(t, mock, ret, Options{})
	st := newTestState(testProvider(t, cipher, "k1"))

	require.NoError(t, runner.Run(context.Background(), st))

	assert.Equal(t, "We open at 9am.", st.Response)
	assert.Equal(t, retrieval.Stage1, st.RetrievalStage)
	assert.Equal(t, []string{"opening hours"}, ret.queries, "rewritten query used for search")
	assert.Equal(t, 550, st.TokensIn)
	assert.Equal(t, 60, st.TokensOut)
	assert.InDelta(t, 550.0/1e6*0.15+60.0/1e6*0.6, st.Cost, 1e-9)

	res := st.BuildResult()
	assert.Equal(t, "question", res.Intent)
	require.Len(t, res.Sources, 1)
	assert.Equal(t, "d1", res.Sources[0].DocumentID)
	assert.Contains(t, res.LatencyMS, NodeGenerate)
}

func TestRun_ChitchatSkipsRetrieval(t *testing.T) {
	mock := &llm.Mock{Responses: []llm.MockResponse{
		{Content: `{"language":"en","intent":"chitchat","needs_retrieval":false,"rewritten_query":"hi"}`},
		{Content: "Hey there! How can I help?"},
		{Content: memoryJSON},
	}}
	ret := &stubRetriever{}
	runner, _, cipher := setup(t, mock, ret, Options{})
	st := newTestState(testProvider(t, cipher, "k1"))
	st.Query = "hi"

	require.NoError(t, runner.Run(context.Background(), st))
	assert.Equal(t, "Hey there! How can I help?", st.Response)
	assert.Empty(t, ret.queries, "chitchat must not hit the vector store")
}

func TestRun_NonChitchatIntentRetrievesEvenWithoutFlag(t *testing.T) {
	mock := &llm.Mock{Responses: []llm.MockResponse{
		{Content: `{"language":"en","intent":"question","needs_retrieval":false,"rewritten_query":"refund policy"}`},
		{Content: "Refunds take 5 days."},
		{Content: memoryJSON},
	}}
	ret := &stubRetriever{stage: retrieval.Stage1}
	runner, _, cipher := setup(t, mock, ret, Options{})
	st := newTestState(testProvider(t, cipher, "k1"))
	st.Query = "what about refunds?"

	require.NoError(t, runner.Run(context.Background(), st))
	assert.Equal(t, []string{"refund policy"}, ret.queries,
		"a question intent goes through retrieval regardless of the flag")
	assert.Equal(t, "Refunds take 5 days.", st.Response)
}

func TestRun_MalformedReflectionDefaults(t *testing.T) {
	mock := &llm.Mock{Responses: []llm.MockResponse{
		{Content: "sorry, I cannot produce JSON"},
		{Content: "answer"},
		{Content: memoryJSON},
	}}
	ret := &stubRetriever{stage: retrieval.Stage1}
	runner, _, cipher := setup(t, mock, ret, Options{})
	st := newTestState(testProvider(t, cipher, "k1"))

	require.NoError(t, runner.Run(context.Background(), st))
	assert.Equal(t, []string{st.Query}, ret.queries, "defaults: retrieve with the raw query")
	assert.Equal(t, "answer", st.Response)
}

func TestRun_RateLimitRotatesToNextKey(t *testing.T) {
	mock := &llm.Mock{Responses: []llm.MockResponse{
		{Content: reflectionJSON},
		{Err: &llm.RateLimitError{RetryAfter: 30 * time.Second}},
		{Content: "answer from second attempt"},
		{Content: memoryJSON},
	}}
	ret := &stubRetriever{stage: retrieval.Stage1}
	runner, _, cipher := setup(t, mock, ret, Options{})
	st := newTestState(testProvider(t, cipher, "k1", "k2"))

	require.NoError(t, runner.Run(context.Background(), st))
	assert.Equal(t, "answer from second attempt", st.Response)
	assert.False(t, st.Fallback)
	// reflection used k1, first generate attempt k2 (429), retry k1 again
	// because k2 is quarantined.
	require.Len(t, mock.Keys, 4)
	assert.Equal(t, []string{"k1", "k2", "k1", "k1"}, mock.Keys)
}

func TestRun_AllKeysExhaustedFallsBack(t *testing.T) {
	mock := &llm.Mock{Responses: []llm.MockResponse{
		{Err: &llm.RateLimitError{RetryAfter: time.Minute}},
	}}
	ret := &stubRetriever{stage: retrieval.Stage1}
	runner, pub, cipher := setup(t, mock, ret, Options{})
	st := newTestState(testProvider(t, cipher, "k1"))

	require.NoError(t, runner.Run(context.Background(), st), "exhaustion completes the turn")
	assert.Equal(t, FallbackReply, st.Response)
	assert.True(t, st.Fallback)
	assert.Empty(t, pub.ofType(fabric.EventError), "fallback is not an error event")
}

func TestRun_StreamingEmitsSourcesBeforeTokens(t *testing.T) {
	mock := &llm.Mock{Responses: []llm.MockResponse{
		{Content: reflectionJSON},
		{Content: "We open at 9am."},
		{Content: memoryJSON},
	}}
	ret := &stubRetriever{
		chunks: []retrieval.Chunk{{Text: "Hours: 9-17", DocumentID: "d1", Score: 0.9}},
		stage:  retrieval.Stage1,
	}
	runner, pub, cipher := setup(t, mock, ret, Options{})
	st := newTestState(testProvider(t, cipher, "k1"))
	st.Streaming = true

	require.NoError(t, runner.Run(context.Background(), st))

	tokens := pub.ofType(fabric.EventToken)
	require.NotEmpty(t, tokens)
	var assembled string
	for _, ev := range tokens {
		assembled += ev.Chunk
	}
	assert.Equal(t, "We open at 9am.", assembled)

	var sawSources bool
	for _, ev := range pub.events {
		if ev.Type == fabric.EventSources {
			sawSources = true
			break
		}
		if ev.Type == fabric.EventToken {
			t.Fatal("token event before sources event")
		}
	}
	assert.True(t, sawSources)
}

func TestRun_SourcesEventCappedAtFive(t *testing.T) {
	chunks := make([]retrieval.Chunk, 8)
	for i := range chunks {
		chunks[i] = retrieval.Chunk{Text: "chunk", DocumentID: "d1", Score: 0.9}
	}
	mock := &llm.Mock{Responses: []llm.MockResponse{
		{Content: reflectionJSON},
		{Content: "answer"},
		{Content: memoryJSON},
	}}
	ret := &stubRetriever{chunks: chunks, stage: retrieval.Stage2}
	runner, pub, cipher := setup(t, mock, ret, Options{})
	st := newTestState(testProvider(t, cipher, "k1"))
	st.Streaming = true

	require.NoError(t, runner.Run(context.Background(), st))

	sources := pub.ofType(fabric.EventSources)
	require.Len(t, sources, 1)
	assert.Len(t, sources[0].Sources, 5, "sources event carries the top five citations")
}

func TestBuildAnswerMessages_CarriesVisitorContext(t *testing.T) {
	st := &State{
		Query:          "how much is the pro plan?",
		Bot:            BotInfo{Name: "Mila", Description: "Helps with plans."},
		LongTermMemory: "- Compared plans last week",
		Visitor:        VisitorProfile{Name: "Ana", Email: "ana@example.com"},
		Reflection:     Reflection{FollowupAction: "offer to book a call"},
	}

	msgs := buildAnswerMessages(st, []retrieval.Chunk{{Text: "Pro plan: $49/mo"}})
	require.NotEmpty(t, msgs)
	sys := msgs[0].Content
	assert.Contains(t, sys, "- Name: Ana")
	assert.Contains(t, sys, "- Email: ana@example.com")
	assert.Contains(t, sys, "- Compared plans last week")
	assert.Contains(t, sys, "offer to book a call")
	assert.Contains(t, sys, "Pro plan: $49/mo")
}

func TestMemory_ContactRequestedIsSticky(t *testing.T) {
	mock := &llm.Mock{Responses: []llm.MockResponse{
		{Content: reflectionJSON},
		{Content: "answer"},
		// Summarizer "forgets" the contact request; the marker must survive.
		{Content: `{"summary":"- Returning visitor"}`},
	}}
	ret := &stubRetriever{stage: retrieval.Stage1}
	runner, _, cipher := setup(t, mock, ret, Options{})
	st := newTestState(testProvider(t, cipher, "k1"))
	st.LongTermMemory = "- Interested in pricing\n- Contact Requested: Yes"

	require.NoError(t, runner.Run(context.Background(), st))
	assert.True(t, st.IsContact)
	assert.Contains(t, st.NewMemory, "- Contact Requested: Yes")
	assert.Contains(t, st.NewMemory, "- Returning visitor")
	assert.Len(t, mock.Calls, 3, "an already-sticky marker needs no contact judgement")
}

func TestMemory_VisitorProfileAuthoritative(t *testing.T) {
	mock := &llm.Mock{Responses: []llm.MockResponse{
		{Content: `{"language":"en","intent":"contact","needs_retrieval":true,"rewritten_query":"pricing","visitor_info":{"name":"Ana"}}`},
		{Content: "answer"},
		// Summarizer invents a wrong email bullet; composeMemory replaces it.
		{Content: `{"summary":"- Wants pricing\n- Email: wrong@example.com"}`},
		{Content: `{"contact_requested":true}`},
	}}
	ret := &stubRetriever{stage: retrieval.Stage1}
	runner, _, cipher := setup(t, mock, ret, Options{})
	st := newTestState(testProvider(t, cipher, "k1"))
	st.Visitor = VisitorProfile{Email: "ana@example.com"}

	require.NoError(t, runner.Run(context.Background(), st))
	assert.True(t, st.IsContact)
	assert.Contains(t, st.NewMemory, "- Name: Ana")
	assert.Contains(t, st.NewMemory, "- Email: ana@example.com")
	assert.NotContains(t, st.NewMemory, "wrong@example.com")
	assert.Contains(t, st.NewMemory, "- Contact Requested: Yes")
}

func TestMemory_ContactDetectionNeedsReachableProfile(t *testing.T) {
	mock := &llm.Mock{Responses: []llm.MockResponse{
		{Content: reflectionJSON},
		{Content: "answer"},
		{Content: memoryJSON},
	}}
	ret := &stubRetriever{stage: retrieval.Stage1}
	runner, _, cipher := setup(t, mock, ret, Options{})
	st := newTestState(testProvider(t, cipher, "k1"))

	require.NoError(t, runner.Run(context.Background(), st))
	assert.False(t, st.IsContact)
	assert.NotContains(t, st.NewMemory, "- Contact Requested: Yes")
	assert.Len(t, mock.Calls, 3, "no phone or email means no contact judgement")
}

func TestMemory_ContactDetectionNegativeLeavesNoMarker(t *testing.T) {
	mock := &llm.Mock{Responses: []llm.MockResponse{
		{Content: reflectionJSON},
		{Content: "answer"},
		{Content: memoryJSON},
		{Content: `{"contact_requested":false}`},
	}}
	ret := &stubRetriever{stage: retrieval.Stage1}
	runner, _, cipher := setup(t, mock, ret, Options{})
	st := newTestState(testProvider(t, cipher, "k1"))
	st.Visitor = VisitorProfile{Phone: "+1 555 0100"}

	require.NoError(t, runner.Run(context.Background(), st))
	assert.False(t, st.IsContact)
	assert.NotContains(t, st.NewMemory, "- Contact Requested: Yes")
	assert.Contains(t, st.NewMemory, "- Phone: +1 555 0100")
}

func TestRun_GroundednessRegenerates(t *testing.T) {
	mock := &llm.Mock{Responses: []llm.MockResponse{
		{Content: reflectionJSON},
		{Content: "ungrounded answer"},
		{Content: `{"score":0}`},
		{Content: "grounded answer"},
		{Content: `{"score":2}`},
		{Content: memoryJSON},
	}}
	ret := &stubRetriever{
		chunks: []retrieval.Chunk{{Text: "Hours: 9-17", Score: 0.9}},
		stage:  retrieval.Stage1,
	}
	runner, _, cipher := setup(t, mock, ret, Options{GroundednessCheck: true})
	st := newTestState(testProvider(t, cipher, "k1"))

	require.NoError(t, runner.Run(context.Background(), st))
	assert.Equal(t, "grounded answer", st.Response)
}

func TestRun_CancelledContextAborts(t *testing.T) {
	mock := &llm.Mock{Responses: []llm.MockResponse{{Content: reflectionJSON}}}
	runner, _, cipher := setup(t, mock, &stubRetriever{}, Options{})
	st := newTestState(testProvider(t, cipher, "k1"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := runner.Run(ctx, st)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, mock.Calls, "no LLM call after cancellation")
}
