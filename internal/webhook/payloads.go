package webhook

// Payloads for the worker → gateway callbacks. The gateway is the single
// SQL writer: workers never touch the relational store's write paths and
// instead ship their durable side effects to these receivers.

// ChatPersist is the chat worker → gateway callback persisting one turn.
type ChatPersist struct {
	SessionToken string `json:"session_token"`
	VisitorID    string `json:"visitor_id"`
	Query        string `json:"query"`
	Response     string `json:"response"`
	Memory       string `json:"memory"`
	IsContact    bool   `json:"is_contact"`
	Visitor      struct {
		Name    string `json:"name,omitempty"`
		Email   string `json:"email,omitempty"`
		Phone   string `json:"phone,omitempty"`
		Address string `json:"address,omitempty"`
	} `json:"visitor"`
}

// DocStatusDeleted asks the gateway to remove the document row entirely;
// the other values are regular database document statuses.
const DocStatusDeleted = "deleted"

// DocumentResult is the ingest worker → gateway callback for a document's
// status transition: completion, failure, or row deletion.
type DocumentResult struct {
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
	Chunks     int    `json:"chunks,omitempty"`
	Error      string `json:"error,omitempty"`
}

// CrawlPage is the ingest worker → gateway callback for one crawled page.
// The gateway creates the document row, deduplicating on content hash, and
// answers with CrawlPageResult; the page's later status transition travels
// a DocumentResult.
type CrawlPage struct {
	BotID       string `json:"bot_id"`
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	ContentHash string `json:"content_hash"`
}

// CrawlPageResult is the gateway's answer to a page-creation CrawlPage.
type CrawlPageResult struct {
	DocumentID string `json:"document_id"`
	Duplicate  bool   `json:"duplicate"`
}

// ScoreResult is the scoring worker → gateway callback persisting a
// visitor's grade or assessment.
type ScoreResult struct {
	VisitorID string         `json:"visitor_id"`
	Score     int            `json:"score"`
	Category  string         `json:"category"`
	Result    map[string]any `json:"result,omitempty"`
}
