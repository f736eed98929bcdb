package fabric

import (
	"context"
	"time"
)

const botConfigTTL = time.Hour

// BotConfigCache memoizes provider-config snapshots per bot. Values are the
// caller's JSON encoding of config metadata plus ciphertext credentials;
// decrypted key material must never be written here.
type BotConfigCache struct {
	kv KV
}

func NewBotConfigCache(kv KV) *BotConfigCache {
	return &BotConfigCache{kv: kv}
}

func botConfigKey(botID string) string { return "bot:config:" + botID }

func (c *BotConfigCache) Get(ctx context.Context, botID string) ([]byte, error) {
	v, err := c.kv.Get(ctx, botConfigKey(botID))
	if err != nil {
		return nil, err
	}
	return []byte(v), nil
}

func (c *BotConfigCache) Put(ctx context.Context, botID string, payload []byte) error {
	return c.kv.Set(ctx, botConfigKey(botID), string(payload), botConfigTTL)
}

// Invalidate drops the cached snapshot, e.g. after a credential update.
func (c *BotConfigCache) Invalidate(ctx context.Context, botID string) error {
	return c.kv.Del(ctx, botConfigKey(botID))
}
