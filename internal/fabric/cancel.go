package fabric

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// CancelMessage is published on session close to abort an in-flight chat turn.
type CancelMessage struct {
	Action       string `json:"action"`
	SessionToken string `json:"session_token"`
	Reason       string `json:"reason,omitempty"`
}

const cancelChannelPrefix = "chat:cancel:"

// CancelChannel returns the pub/sub channel for a session's cancel signal.
func CancelChannel(sessionToken string) string {
	return cancelChannelPrefix + sessionToken
}

// PublishCancel is fire-and-forget: the gateway never blocks on delivery and
// ignores whether any worker is listening.
func PublishCancel(ctx context.Context, kv KV, sessionToken, reason string) error {
	payload, err := json.Marshal(CancelMessage{
		Action:       "cancel",
		SessionToken: sessionToken,
		Reason:       reason,
	})
	if err != nil {
		return err
	}
	return kv.Publish(ctx, CancelChannel(sessionToken), payload)
}

// SubscribeCancel opens the pattern subscription covering every session's
// cancel channel. The chat worker runs exactly one of these.
func SubscribeCancel(ctx context.Context, kv KV) (Subscription, error) {
	return kv.PSubscribe(ctx, cancelChannelPrefix+"*")
}

// SessionFromCancelChannel extracts the session token from a cancel channel
// name.
func SessionFromCancelChannel(channel string) string {
	return strings.TrimPrefix(channel, cancelChannelPrefix)
}

const crawlStopTTL = 2 * time.Hour

func crawlStopKey(botID string) string { return "crawl:stop:" + botID }

// SetCrawlStop raises the sentinel that asks any in-flight crawl for the bot
// to abort at its next batch boundary.
func SetCrawlStop(ctx context.Context, kv KV, botID string) error {
	return kv.Set(ctx, crawlStopKey(botID), "1", crawlStopTTL)
}

// CrawlStopped reports whether the sentinel is set.
func CrawlStopped(ctx context.Context, kv KV, botID string) bool {
	_, err := kv.Get(ctx, crawlStopKey(botID))
	return err == nil
}

// ClearCrawlStop removes the sentinel; called when a crawl starts.
func ClearCrawlStop(ctx context.Context, kv KV, botID string) error {
	return kv.Del(ctx, crawlStopKey(botID))
}
