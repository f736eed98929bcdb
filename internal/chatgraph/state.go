// Package chatgraph models one conversational turn as a small directed
// graph: reflection → (chitchat | retrieve → generate) → memory → final.
// Nodes mutate a single State owned by the running turn; the scheduler
// checks cancellation at every node boundary.
package chatgraph

import (
	"time"

	"github.com/chatlead/backend/internal/database"
	"github.com/chatlead/backend/internal/fabric"
	"github.com/chatlead/backend/internal/llm"
	"github.com/chatlead/backend/internal/retrieval"
)

// Node names.
const (
	NodeReflection = "reflection"
	NodeRetrieve   = "retrieve"
	NodeGenerate   = "generate"
	NodeChitchat   = "chitchat"
	NodeMemory     = "memory"
	NodeFinal      = "final"
)

// VisitorProfile is the contact surface of a visitor, both as loaded from
// the store and as extracted by reflection.
type VisitorProfile struct {
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
}

// Empty reports whether no field is set.
func (p VisitorProfile) Empty() bool {
	return p.Name == "" && p.Email == "" && p.Phone == "" && p.Address == ""
}

// Merge fills zero fields from other; existing values win.
func (p *VisitorProfile) Merge(other VisitorProfile) {
	if p.Name == "" {
		p.Name = other.Name
	}
	if p.Email == "" {
		p.Email = other.Email
	}
	if p.Phone == "" {
		p.Phone = other.Phone
	}
	if p.Address == "" {
		p.Address = other.Address
	}
}

// Reflection is the structured output of the first node.
type Reflection struct {
	Language       string          `json:"language"`
	Confidence     float64         `json:"confidence"`
	Intent         string          `json:"intent"`
	NeedsRetrieval bool            `json:"needs_retrieval"`
	RewrittenQuery string          `json:"rewritten_query"`
	FollowupAction string          `json:"followup_action,omitempty"`
	VisitorInfo    *VisitorProfile `json:"visitor_info,omitempty"`
}

// BotInfo is the slice of bot identity the graph needs.
type BotInfo struct {
	ID          string
	Name        string
	Description string
	Collection  string
}

// State threads through every node of a turn.
type State struct {
	TaskID       string
	SessionToken string
	Query        string
	Streaming    bool

	Bot      BotInfo
	Provider *database.ProviderConfig
	History  []llm.Message
	Visitor  VisitorProfile

	// LongTermMemory is the summary carried in from previous turns;
	// NewMemory is this turn's updated summary.
	LongTermMemory string
	NewMemory      string
	IsContact      bool

	Reflection     Reflection
	Chunks         []retrieval.Chunk
	RetrievalStage string

	Response  string
	TokensIn  int
	TokensOut int
	Cost      float64
	// Fallback marks a high-traffic reply after key exhaustion; the task
	// still terminates completed.
	Fallback bool

	Latency     map[string]time.Duration
	StartedAt   time.Time
	CompletedAt time.Time
}

// MergedVisitor combines the stored profile with reflection extraction.
func (s *State) MergedVisitor() VisitorProfile {
	merged := s.Visitor
	if s.Reflection.VisitorInfo != nil {
		merged.Merge(*s.Reflection.VisitorInfo)
	}
	return merged
}

// TopSources returns at most n citations, highest-ranked first.
func (s *State) TopSources(n int) []fabric.Source {
	out := s.Sources()
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Sources converts the retrieved chunks into event citations.
func (s *State) Sources() []fabric.Source {
	out := make([]fabric.Source, len(s.Chunks))
	for i, c := range s.Chunks {
		out[i] = fabric.Source{
			DocumentID: c.DocumentID,
			WebURL:     c.WebURL,
			Text:       c.Text,
			Score:      c.Score,
		}
	}
	return out
}

// Result is the terminal payload carried on the done event and the chat
// completion webhook.
type Result struct {
	Response       string           `json:"response"`
	SessionToken   string           `json:"session_token"`
	Intent         string           `json:"intent,omitempty"`
	RetrievalStage string           `json:"retrieval_stage,omitempty"`
	Sources        []fabric.Source  `json:"sources,omitempty"`
	Fallback       bool             `json:"fallback,omitempty"`
	IsContact      bool             `json:"is_contact,omitempty"`
	TokensIn       int              `json:"tokens_in"`
	TokensOut      int              `json:"tokens_out"`
	Cost           float64          `json:"cost"`
	LatencyMS      map[string]int64 `json:"latency_ms,omitempty"`
	TotalMS        int64            `json:"total_ms"`
}

// BuildResult snapshots the state after the graph has run.
func (s *State) BuildResult() Result {
	lat := make(map[string]int64, len(s.Latency))
	for node, d := range s.Latency {
		lat[node] = d.Milliseconds()
	}
	res := Result{
		Response:       s.Response,
		SessionToken:   s.SessionToken,
		Intent:         s.Reflection.Intent,
		RetrievalStage: s.RetrievalStage,
		Fallback:       s.Fallback,
		IsContact:      s.IsContact,
		TokensIn:       s.TokensIn,
		TokensOut:      s.TokensOut,
		Cost:           s.Cost,
		LatencyMS:      lat,
	}
	if len(s.Chunks) > 0 {
		res.Sources = s.Sources()
	}
	if !s.CompletedAt.IsZero() {
		res.TotalMS = s.CompletedAt.Sub(s.StartedAt).Milliseconds()
	}
	return res
}
