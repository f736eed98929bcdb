// Package database is the relational store for persistent entities. The
// gateway is the single writer for sessions, messages, visitors and
// documents; workers only read through this package.
package database

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chatlead/backend/internal/keys"
)

// JSONMap is a JSONB column holding free-form metadata.
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = JSONMap{}
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("JSONMap: unexpected type %T", src)
	}
	return json.Unmarshal(b, m)
}

// Bot is a tenant conversational agent.
type Bot struct {
	ID                  string    `json:"id"`
	PublicKey           string    `json:"public_key"`
	ProviderConfigID    *string   `json:"provider_config_id,omitempty"`
	Name                string    `json:"name"`
	Description         string    `json:"description"`
	DisplayConfig       JSONMap   `json:"display_config"`
	Active              bool      `json:"active"`
	Deleted             bool      `json:"deleted"`
	AssessmentQuestions []string  `json:"assessment_questions"`
	CreatedAt           time.Time `json:"created_at"`
}

// CollectionName derives the bot's vector-store namespace from its id.
func (b *Bot) CollectionName() string {
	return "bot_" + strings.ReplaceAll(b.ID, "-", "_")
}

// AllowedOrigin is one-to-one with Bot: CORS admission plus crawl scope.
type AllowedOrigin struct {
	BotID     string   `json:"bot_id"`
	OriginURL string   `json:"origin_url"`
	SeedURLs  []string `json:"seed_urls,omitempty"`
}

// ProviderConfig binds a bot to a provider/model and carries its encrypted
// credential entries. Params hold provider tuning (temperature, pricing).
type ProviderConfig struct {
	ID          string            `json:"id"`
	BotID       string            `json:"bot_id"`
	Provider    string            `json:"provider"`
	Model       string            `json:"model"`
	Credentials []keys.Credential `json:"credentials"`
	Params      JSONMap           `json:"params"`
}

// ActiveCredentials filters to the selectable entries, order preserved.
func (p *ProviderConfig) ActiveCredentials() []keys.Credential {
	out := make([]keys.Credential, 0, len(p.Credentials))
	for _, c := range p.Credentials {
		if c.Active {
			out = append(out, c)
		}
	}
	return out
}

// InputPricePerM and OutputPricePerM read model pricing out of Params.
func (p *ProviderConfig) InputPricePerM() float64  { return p.paramFloat("input_price_per_m") }
func (p *ProviderConfig) OutputPricePerM() float64 { return p.paramFloat("output_price_per_m") }

func (p *ProviderConfig) paramFloat(key string) float64 {
	if v, ok := p.Params[key]; ok {
		if f, ok := v.(float64); ok {
			return f
		}
	}
	return 0
}

// Visitor is the unique (bot_id, client_ip) pair accumulating contact
// details and lead state.
type Visitor struct {
	ID         string    `json:"id"`
	BotID      string    `json:"bot_id"`
	ClientIP   string    `json:"client_ip"`
	Name       string    `json:"name,omitempty"`
	Email      string    `json:"email,omitempty"`
	Phone      string    `json:"phone,omitempty"`
	Address    string    `json:"address,omitempty"`
	LeadScore  int       `json:"lead_score"`
	Category   string    `json:"category,omitempty"`
	Assessment JSONMap   `json:"assessment,omitempty"`
	IsNew      bool      `json:"is_new"`
	CreatedAt  time.Time `json:"created_at"`
}

// Session statuses.
const (
	SessionActive = "active"
	SessionClosed = "closed"
)

// ChatSession carries the widget token and the extra-data blob holding
// long_term_memory and is_contact.
type ChatSession struct {
	ID        string    `json:"id"`
	BotID     string    `json:"bot_id"`
	VisitorID string    `json:"visitor_id"`
	Token     string    `json:"token"`
	Status    string    `json:"status"`
	ExtraData JSONMap   `json:"extra_data"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LongTermMemory reads the memory summary out of ExtraData.
func (s *ChatSession) LongTermMemory() string {
	if v, ok := s.ExtraData["long_term_memory"].(string); ok {
		return v
	}
	return ""
}

// ChatMessage is one paired user/assistant exchange.
type ChatMessage struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Query     string    `json:"query"`
	Response  string    `json:"response"`
	CreatedAt time.Time `json:"created_at"`
}

// Document statuses.
const (
	DocPending    = "pending"
	DocProcessing = "processing"
	DocCompleted  = "completed"
	DocFailed     = "failed"
)

// Document sources.
const (
	SourceURL  = "url"
	SourceFile = "file"
)

// Document belongs to a Bot; (bot_id, content_hash) is unique for dedup.
type Document struct {
	ID          string    `json:"id"`
	BotID       string    `json:"bot_id"`
	Source      string    `json:"source"`
	URL         string    `json:"url,omitempty"`
	Filename    string    `json:"filename,omitempty"`
	Status      string    `json:"status"`
	ContentHash string    `json:"content_hash"`
	Extra       JSONMap   `json:"extra,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
