package database

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("database: not found")

// ErrBotInactive guards operations that require an active bot.
var ErrBotInactive = errors.New("database: bot is not active")

// ErrNoProviderConfig blocks activating a bot with no provider configuration.
var ErrNoProviderConfig = errors.New("database: bot has no provider config")

// Store wraps the SQL pool. Transactions are short: one per webhook or API
// operation, committed before any downstream event is published.
type Store struct {
	db *sql.DB
}

// Open connects with lib/pq and verifies connectivity.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping is used by health checks.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// --- bots -----------------------------------------------------------------

func (s *Store) GetBot(ctx context.Context, id string) (*Bot, error) {
	var b Bot
	var questions pq.StringArray
	err := s.db.QueryRowContext(ctx, `
		SELECT id, public_key, provider_config_id, name, description,
		       display_config, active, deleted, assessment_questions, created_at
		FROM bots WHERE id = $1 AND NOT deleted`, id).
		Scan(&b.ID, &b.PublicKey, &b.ProviderConfigID, &b.Name, &b.Description,
			&b.DisplayConfig, &b.Active, &b.Deleted, &questions, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bot %s: %w", id, err)
	}
	b.AssessmentQuestions = questions
	return &b, nil
}

func (s *Store) GetBotByPublicKey(ctx context.Context, publicKey string) (*Bot, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM bots WHERE public_key = $1 AND NOT deleted`, publicKey).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bot by key: %w", err)
	}
	return s.GetBot(ctx, id)
}

// SetBotActive enforces the activation invariant: a bot cannot enter active
// without a provider configuration.
func (s *Store) SetBotActive(ctx context.Context, id string, active bool) error {
	if active {
		bot, err := s.GetBot(ctx, id)
		if err != nil {
			return err
		}
		if bot.ProviderConfigID == nil {
			return ErrNoProviderConfig
		}
	}
	_, err := s.db.ExecContext(ctx, `UPDATE bots SET active = $2 WHERE id = $1`, id, active)
	return err
}

func (s *Store) GetAllowedOrigin(ctx context.Context, botID string) (*AllowedOrigin, error) {
	var ao AllowedOrigin
	var seeds pq.StringArray
	err := s.db.QueryRowContext(ctx, `
		SELECT bot_id, origin_url, seed_urls FROM allowed_origins WHERE bot_id = $1`, botID).
		Scan(&ao.BotID, &ao.OriginURL, &seeds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get allowed origin: %w", err)
	}
	ao.SeedURLs = seeds
	return &ao, nil
}

func (s *Store) GetProviderConfig(ctx context.Context, botID string) (*ProviderConfig, error) {
	var pc ProviderConfig
	var creds []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, bot_id, provider, model, credentials, params
		FROM provider_configs WHERE bot_id = $1`, botID).
		Scan(&pc.ID, &pc.BotID, &pc.Provider, &pc.Model, &creds, &pc.Params)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get provider config: %w", err)
	}
	if err := json.Unmarshal(creds, &pc.Credentials); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	return &pc, nil
}

// --- visitors -------------------------------------------------------------

// GetOrCreateVisitor upserts on the (bot_id, client_ip) unique pair.
func (s *Store) GetOrCreateVisitor(ctx context.Context, botID, clientIP string) (*Visitor, error) {
	var v Visitor
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO visitors (id, bot_id, client_ip, is_new, created_at)
		VALUES ($1, $2, $3, TRUE, NOW())
		ON CONFLICT (bot_id, client_ip)
		DO UPDATE SET client_ip = EXCLUDED.client_ip
		RETURNING id, bot_id, client_ip,
		          COALESCE(name,''), COALESCE(email,''), COALESCE(phone,''), COALESCE(address,''),
		          lead_score, COALESCE(category,''), assessment, is_new, created_at`,
		uuid.New().String(), botID, clientIP).
		Scan(&v.ID, &v.BotID, &v.ClientIP, &v.Name, &v.Email, &v.Phone, &v.Address,
			&v.LeadScore, &v.Category, &v.Assessment, &v.IsNew, &v.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert visitor: %w", err)
	}
	return &v, nil
}

func (s *Store) GetVisitor(ctx context.Context, id string) (*Visitor, error) {
	var v Visitor
	err := s.db.QueryRowContext(ctx, `
		SELECT id, bot_id, client_ip,
		       COALESCE(name,''), COALESCE(email,''), COALESCE(phone,''), COALESCE(address,''),
		       lead_score, COALESCE(category,''), assessment, is_new, created_at
		FROM visitors WHERE id = $1`, id).
		Scan(&v.ID, &v.BotID, &v.ClientIP, &v.Name, &v.Email, &v.Phone, &v.Address,
			&v.LeadScore, &v.Category, &v.Assessment, &v.IsNew, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get visitor: %w", err)
	}
	return &v, nil
}

// MergeVisitorContact fills contact fields reported by the chat reflection;
// existing non-empty values win.
func (s *Store) MergeVisitorContact(ctx context.Context, id, name, email, phone, address string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE visitors SET
			name    = COALESCE(NULLIF(name,''), NULLIF($2,'')),
			email   = COALESCE(NULLIF(email,''), NULLIF($3,'')),
			phone   = COALESCE(NULLIF(phone,''), NULLIF($4,'')),
			address = COALESCE(NULLIF(address,''), NULLIF($5,''))
		WHERE id = $1`, id, name, email, phone, address)
	return err
}

func (s *Store) UpdateVisitorScore(ctx context.Context, id string, score int, category string, result JSONMap) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE visitors SET lead_score = $2, category = $3, assessment = $4, is_new = TRUE
		WHERE id = $1`, id, score, category, result)
	return err
}

// --- sessions & messages --------------------------------------------------

func newSessionToken() string {
	b := make([]byte, 24)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func (s *Store) CreateSession(ctx context.Context, botID, visitorID string) (*ChatSession, error) {
	sess := &ChatSession{
		ID:        uuid.New().String(),
		BotID:     botID,
		VisitorID: visitorID,
		Token:     newSessionToken(),
		Status:    SessionActive,
		ExtraData: JSONMap{},
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO chat_sessions (id, bot_id, visitor_id, token, status, extra_data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		RETURNING created_at, updated_at`,
		sess.ID, sess.BotID, sess.VisitorID, sess.Token, sess.Status, sess.ExtraData).
		Scan(&sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func (s *Store) GetSessionByToken(ctx context.Context, token string) (*ChatSession, error) {
	var sess ChatSession
	err := s.db.QueryRowContext(ctx, `
		SELECT id, bot_id, visitor_id, token, status, extra_data, created_at, updated_at
		FROM chat_sessions WHERE token = $1`, token).
		Scan(&sess.ID, &sess.BotID, &sess.VisitorID, &sess.Token, &sess.Status,
			&sess.ExtraData, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

func (s *Store) CloseSession(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chat_sessions SET status = $2, updated_at = NOW() WHERE token = $1`,
		token, SessionClosed)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSessionExtra merges long_term_memory / is_contact into extra_data.
func (s *Store) UpdateSessionExtra(ctx context.Context, token string, extra JSONMap) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chat_sessions SET extra_data = extra_data || $2, updated_at = NOW()
		WHERE token = $1`, token, extra)
	return err
}

func (s *Store) InsertChatMessage(ctx context.Context, sessionID, query, response string) (*ChatMessage, error) {
	m := &ChatMessage{ID: uuid.New().String(), SessionID: sessionID, Query: query, Response: response}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO chat_messages (id, session_id, query, response, created_at)
		VALUES ($1, $2, $3, $4, NOW()) RETURNING created_at`,
		m.ID, m.SessionID, m.Query, m.Response).Scan(&m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert chat message: %w", err)
	}
	return m, nil
}

// ListSessionMessages returns the session's exchanges oldest-first. A
// positive limit keeps the newest limit rows, so a long session's history
// window holds its most recent exchanges rather than its first ones.
func (s *Store) ListSessionMessages(ctx context.Context, sessionID string, limit int) ([]ChatMessage, error) {
	q := `SELECT id, session_id, query, response, created_at
	      FROM chat_messages WHERE session_id = $1 ORDER BY created_at ASC`
	args := []any{sessionID}
	if limit > 0 {
		q = `SELECT id, session_id, query, response, created_at
		     FROM chat_messages WHERE session_id = $1 ORDER BY created_at DESC LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []ChatMessage
	for rows.Next() {
		var m ChatMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Query, &m.Response, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if limit > 0 {
		reverseMessages(out)
	}
	return out, nil
}

// reverseMessages flips a newest-first page back into chronological order.
func reverseMessages(msgs []ChatMessage) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

// --- documents ------------------------------------------------------------

// CreateDocument inserts unless a row with the same (bot_id, content_hash)
// already exists, in which case the existing row is returned with
// duplicate=true.
func (s *Store) CreateDocument(ctx context.Context, doc *Document) (existing *Document, duplicate bool, err error) {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	if doc.Status == "" {
		doc.Status = DocPending
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (id, bot_id, source, url, filename, status, content_hash, extra, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`,
		doc.ID, doc.BotID, doc.Source, doc.URL, doc.Filename, doc.Status, doc.ContentHash, doc.Extra)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			dup, derr := s.getDocumentByHash(ctx, doc.BotID, doc.ContentHash)
			if derr != nil {
				return nil, false, derr
			}
			return dup, true, nil
		}
		return nil, false, fmt.Errorf("create document: %w", err)
	}
	return doc, false, nil
}

func (s *Store) getDocumentByHash(ctx context.Context, botID, hash string) (*Document, error) {
	var d Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, bot_id, source, COALESCE(url,''), COALESCE(filename,''), status, content_hash, extra, created_at
		FROM documents WHERE bot_id = $1 AND content_hash = $2`, botID, hash).
		Scan(&d.ID, &d.BotID, &d.Source, &d.URL, &d.Filename, &d.Status, &d.ContentHash, &d.Extra, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &d, err
}

func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	var d Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, bot_id, source, COALESCE(url,''), COALESCE(filename,''), status, content_hash, extra, created_at
		FROM documents WHERE id = $1`, id).
		Scan(&d.ID, &d.BotID, &d.Source, &d.URL, &d.Filename, &d.Status, &d.ContentHash, &d.Extra, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &d, err
}

func (s *Store) UpdateDocumentStatus(ctx context.Context, id, status string, extra JSONMap) error {
	if extra == nil {
		extra = JSONMap{}
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = $2, extra = extra || $3 WHERE id = $1`, id, status, extra)
	return err
}

func (s *Store) ListBotDocuments(ctx context.Context, botID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bot_id, source, COALESCE(url,''), COALESCE(filename,''), status, content_hash, extra, created_at
		FROM documents WHERE bot_id = $1 ORDER BY created_at DESC`, botID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.BotID, &d.Source, &d.URL, &d.Filename, &d.Status,
			&d.ContentHash, &d.Extra, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	return err
}
