package keys

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/chatlead/backend/internal/fabric"
)

// ErrAllKeysExhausted means every active credential is in cooldown.
var ErrAllKeysExhausted = errors.New("all provider keys in cooldown")

const (
	keyIndexTTL = time.Hour
	// cooldownBuffer keeps the KeyState record alive slightly past the
	// cooldown so rate_limited_count survives back-to-back 429s.
	cooldownBuffer = 10 * time.Second
)

// Selection is a decrypted key bound to its slot in the credential list.
// The APIKey value must not outlive the LLM call it was selected for.
type Selection struct {
	Index  int
	APIKey string
	Label  string
}

type keyState struct {
	Last429At        int64 `json:"last_429_at"`
	CooldownUntil    int64 `json:"cooldown_until"`
	RateLimitedCount int   `json:"rate_limited_count"`
}

// Rotator selects credentials round-robin per bot, skipping quarantined
// slots, and records 429s as temporary quarantine.
type Rotator struct {
	kv       fabric.KV
	cipher   *Cipher
	cooldown time.Duration
	now      func() time.Time
}

func NewRotator(kv fabric.KV, cipher *Cipher, cooldown time.Duration) *Rotator {
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &Rotator{kv: kv, cipher: cipher, cooldown: cooldown, now: time.Now}
}

func keyIndexKey(botID string) string { return "keyidx:" + botID }

func keyStateKey(botID string, idx int) string {
	return fmt.Sprintf("keystate:%s:%d", botID, idx)
}

// Select scans the credential list starting at the stored round-robin
// pointer, returns the first non-quarantined active key decrypted, and
// advances the pointer past it.
func (r *Rotator) Select(ctx context.Context, botID string, creds []Credential) (Selection, error) {
	if len(creds) == 0 {
		return Selection{}, ErrAllKeysExhausted
	}

	start := r.loadIndex(ctx, botID, len(creds))
	now := r.now().Unix()

	for i := 0; i < len(creds); i++ {
		idx := (start + i) % len(creds)
		if !creds[idx].Active {
			continue
		}
		if until := r.cooldownUntil(ctx, botID, idx); until > now {
			continue
		}

		plaintext, err := r.cipher.Decrypt(creds[idx].Ciphertext)
		if err != nil {
			slog.Warn("[Rotator] Undecryptable credential, skipping",
				"bot_id", botID, "index", idx, "label", creds[idx].Label)
			continue
		}

		next := strconv.Itoa((idx + 1) % len(creds))
		if err := r.kv.Set(ctx, keyIndexKey(botID), next, keyIndexTTL); err != nil {
			slog.Warn("[Rotator] Failed to advance key index", "bot_id", botID, "error", err)
		}
		return Selection{Index: idx, APIKey: plaintext, Label: creds[idx].Label}, nil
	}

	return Selection{}, ErrAllKeysExhausted
}

// MarkRateLimited quarantines the slot after an upstream 429.
func (r *Rotator) MarkRateLimited(ctx context.Context, botID string, idx int) error {
	now := r.now()
	st := r.loadState(ctx, botID, idx)
	st.Last429At = now.Unix()
	st.CooldownUntil = now.Add(r.cooldown).Unix()
	st.RateLimitedCount++

	payload, err := json.Marshal(st)
	if err != nil {
		return err
	}
	ttl := r.cooldown + cooldownBuffer
	if err := r.kv.Set(ctx, keyStateKey(botID, idx), string(payload), ttl); err != nil {
		return fmt.Errorf("write key state: %w", err)
	}
	slog.Info("[Rotator] Key quarantined",
		"bot_id", botID, "index", idx, "cooldown", r.cooldown, "count", st.RateLimitedCount)
	return nil
}

func (r *Rotator) loadIndex(ctx context.Context, botID string, n int) int {
	v, err := r.kv.Get(ctx, keyIndexKey(botID))
	if err != nil {
		return 0
	}
	idx, err := strconv.Atoi(v)
	if err != nil || idx < 0 {
		return 0
	}
	return idx % n
}

func (r *Rotator) loadState(ctx context.Context, botID string, idx int) keyState {
	var st keyState
	v, err := r.kv.Get(ctx, keyStateKey(botID, idx))
	if err != nil {
		return st
	}
	_ = json.Unmarshal([]byte(v), &st)
	return st
}

func (r *Rotator) cooldownUntil(ctx context.Context, botID string, idx int) int64 {
	return r.loadState(ctx, botID, idx).CooldownUntil
}
