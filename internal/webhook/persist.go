package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Gateway receiver paths. Workers never write relational rows themselves;
// every durable side effect travels one of these.
const (
	chatPath       = "/webhooks/chat"
	filePath       = "/webhooks/file"
	crawlPath      = "/webhooks/crawl"
	gradingPath    = "/webhooks/grading"
	assessmentPath = "/webhooks/assessment"
)

// GatewayClient posts worker callbacks to the gateway's internal receivers.
// Unlike tenant webhooks this delivery matters: the caller gets the error
// and decides what to do with it.
type GatewayClient struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

func NewGatewayClient(baseURL, secret string) *GatewayClient {
	return &GatewayClient{
		baseURL:    baseURL,
		secret:     secret,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// PersistChat ships one completed turn to the gateway, retrying transient
// failures.
func (c *GatewayClient) PersistChat(ctx context.Context, p ChatPersist) error {
	return c.deliver(ctx, chatPath, p, nil)
}

// PersistDocument ships a document status transition (completion, failure,
// or deletion).
func (c *GatewayClient) PersistDocument(ctx context.Context, res DocumentResult) error {
	return c.deliver(ctx, filePath, res, nil)
}

// PersistCrawlPage registers one crawled page; the gateway creates the row,
// deduplicating on content hash, and answers with the document id.
func (c *GatewayClient) PersistCrawlPage(ctx context.Context, page CrawlPage) (*CrawlPageResult, error) {
	var out CrawlPageResult
	if err := c.deliver(ctx, crawlPath, page, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PersistGrading ships a visitor's lead grade.
func (c *GatewayClient) PersistGrading(ctx context.Context, res ScoreResult) error {
	return c.deliver(ctx, gradingPath, res, nil)
}

// PersistAssessment ships a visitor's custom-assessment result.
func (c *GatewayClient) PersistAssessment(ctx context.Context, res ScoreResult) error {
	return c.deliver(ctx, assessmentPath, res, nil)
}

// deliver posts the signed payload with quadratic backoff between attempts
// and decodes the response into out when non-nil.
func (c *GatewayClient) deliver(ctx context.Context, path string, v any, out any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal gateway payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lastErr = c.post(ctx, path, payload, out); lastErr == nil {
			return nil
		}
		if attempt < maxAttempts {
			select {
			case <-time.After(time.Duration(attempt*attempt) * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("deliver %s: %w", path, lastErr)
}

func (c *GatewayClient) post(ctx context.Context, path string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Chatlead-Signature", "sha256="+Sign(payload, c.secret))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode gateway response: %w", err)
		}
	}
	return nil
}
