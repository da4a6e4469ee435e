package newsletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ArticleStore supplies published articles. Post storage belongs to the
// platform; the engine only reads from it.
type ArticleStore interface {
	GetArticle(ctx context.Context, id uuid.UUID) (*Article, error)
}

// SubscriberStore supplies the recipient list. Subscriber CRUD belongs to
// the platform; the engine only reads active recipients.
type SubscriberStore interface {
	ListActiveSubscribers(ctx context.Context) ([]*Subscriber, error)
}

// TemplateStore reads newsletter templates.
type TemplateStore interface {
	GetTemplate(ctx context.Context, id uuid.UUID) (*Template, error)
	GetDefaultTemplate(ctx context.Context) (*Template, error)
}

// TransportConfigStore reads the active outbound-mail configuration.
type TransportConfigStore interface {
	GetActiveTransportConfig(ctx context.Context) (*TransportConfig, error)
}

// DeliveryLogStore persists send attempts and applies tracking updates.
type DeliveryLogStore interface {
	CreateDeliveryLog(ctx context.Context, dl *DeliveryLog) error
	GetDeliveryLog(ctx context.Context, trackingID string) (*DeliveryLog, error)
	RecordOpen(ctx context.Context, trackingID string) (bool, error)
	RecordClick(ctx context.Context, trackingID string) (bool, error)
}

// Store provides database operations for the newsletter engine over a
// shared *sql.DB. Lookups that find nothing return (nil, nil).
type Store struct {
	db *sql.DB
}

// NewStore creates a newsletter store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetArticle retrieves a published article by id.
func (s *Store) GetArticle(ctx context.Context, id uuid.UUID) (*Article, error) {
	query := `SELECT id, title, body_markdown, COALESCE(image_url, ''), slug, author_name
		FROM articles WHERE id = $1 AND published = TRUE`

	a := &Article{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&a.ID, &a.Title, &a.BodyMarkdown, &a.ImageURL, &a.Slug, &a.AuthorName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// ListActiveSubscribers returns every subscriber eligible to receive a
// newsletter. Inactive (unsubscribed) rows are never returned.
func (s *Store) ListActiveSubscribers(ctx context.Context) ([]*Subscriber, error) {
	query := `SELECT id, email, COALESCE(name, ''), active, COALESCE(source, ''), subscribed_at, unsubscribed_at
		FROM subscribers WHERE active = TRUE ORDER BY subscribed_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*Subscriber
	for rows.Next() {
		sub := &Subscriber{}
		var unsubAt sql.NullTime
		if err := rows.Scan(&sub.ID, &sub.Email, &sub.Name, &sub.Active, &sub.Source,
			&sub.SubscribedAt, &unsubAt); err != nil {
			return nil, err
		}
		if unsubAt.Valid {
			sub.UnsubscribedAt = &unsubAt.Time
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// CreateTemplate inserts a new template. The first template created
// becomes the default automatically.
func (s *Store) CreateTemplate(ctx context.Context, t *Template) error {
	t.ID = uuid.New()
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt

	vars, err := json.Marshal(t.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}

	query := `INSERT INTO newsletter_templates (id, name, html_body, css, variables, is_default, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5,
			NOT EXISTS (SELECT 1 FROM newsletter_templates WHERE is_default = TRUE),
			$6, $7, $8)`

	_, err = s.db.ExecContext(ctx, query, t.ID, t.Name, t.HTMLBody, t.CSS, vars,
		t.IsActive, t.CreatedAt, t.UpdatedAt)
	return err
}

const templateColumns = `id, name, html_body, COALESCE(css, ''), variables, is_default, is_active, created_at, updated_at`

func scanTemplate(row interface{ Scan(...any) error }) (*Template, error) {
	t := &Template{}
	var vars []byte
	err := row.Scan(&t.ID, &t.Name, &t.HTMLBody, &t.CSS, &vars,
		&t.IsDefault, &t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(vars) > 0 {
		if err := json.Unmarshal(vars, &t.Variables); err != nil {
			return nil, fmt.Errorf("unmarshal variables: %w", err)
		}
	}
	return t, nil
}

// GetTemplate retrieves a template by id.
func (s *Store) GetTemplate(ctx context.Context, id uuid.UUID) (*Template, error) {
	query := `SELECT ` + templateColumns + ` FROM newsletter_templates WHERE id = $1`
	t, err := scanTemplate(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// GetDefaultTemplate retrieves the canonical template.
func (s *Store) GetDefaultTemplate(ctx context.Context) (*Template, error) {
	query := `SELECT ` + templateColumns + ` FROM newsletter_templates WHERE is_default = TRUE AND is_active = TRUE`
	t, err := scanTemplate(s.db.QueryRowContext(ctx, query))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// ListTemplates returns all templates, default first.
func (s *Store) ListTemplates(ctx context.Context) ([]*Template, error) {
	query := `SELECT ` + templateColumns + ` FROM newsletter_templates ORDER BY is_default DESC, name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []*Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

// UpdateTemplate updates a template's content and metadata. The default
// flag is managed by SetDefaultTemplate, not here.
func (s *Store) UpdateTemplate(ctx context.Context, t *Template) error {
	vars, err := json.Marshal(t.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}

	query := `UPDATE newsletter_templates
		SET name = $2, html_body = $3, css = $4, variables = $5, is_active = $6, updated_at = NOW()
		WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, t.ID, t.Name, t.HTMLBody, t.CSS, vars, t.IsActive)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("template %s not found", t.ID)
	}
	return nil
}

// DeleteTemplate removes a template. The canonical template cannot be
// deleted; set another default first.
func (s *Store) DeleteTemplate(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM newsletter_templates WHERE id = $1 AND is_default = FALSE`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("template %s not found or is the default template", id)
	}
	return nil
}

// SetDefaultTemplate makes the given template canonical. Exactly one
// template is default at a time; the swap happens in one transaction.
func (s *Store) SetDefaultTemplate(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE newsletter_templates SET is_default = FALSE WHERE is_default = TRUE`); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE newsletter_templates SET is_default = TRUE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("template %s not found", id)
	}
	return tx.Commit()
}

// GetActiveTransportConfig returns the single active outbound-mail
// configuration, or (nil, nil) when sending is not configured.
func (s *Store) GetActiveTransportConfig(ctx context.Context) (*TransportConfig, error) {
	query := `SELECT id, host, port, use_tls, COALESCE(username, ''), COALESCE(password, ''),
		from_email, COALESCE(from_name, ''), is_active, updated_at
		FROM transport_configs WHERE is_active = TRUE`

	tc := &TransportConfig{}
	err := s.db.QueryRowContext(ctx, query).Scan(
		&tc.ID, &tc.Host, &tc.Port, &tc.UseTLS, &tc.Username, &tc.Password,
		&tc.FromEmail, &tc.FromName, &tc.IsActive, &tc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return tc, err
}

// SaveTransportConfig activates a new configuration, deactivating every
// other row in the same transaction (last writer wins).
func (s *Store) SaveTransportConfig(ctx context.Context, tc *TransportConfig) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE transport_configs SET is_active = FALSE WHERE is_active = TRUE`); err != nil {
		return err
	}

	tc.ID = uuid.New()
	tc.IsActive = true
	tc.UpdatedAt = time.Now()

	query := `INSERT INTO transport_configs (id, host, port, use_tls, username, password, from_email, from_name, is_active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE, $9)`

	if _, err := tx.ExecContext(ctx, query, tc.ID, tc.Host, tc.Port, tc.UseTLS,
		tc.Username, tc.Password, tc.FromEmail, tc.FromName, tc.UpdatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateDeliveryLog records one send attempt. The row is the permanent
// audit trail for the recipient's copy and the anchor tracking callbacks
// resolve against.
func (s *Store) CreateDeliveryLog(ctx context.Context, dl *DeliveryLog) error {
	if dl.SentAt.IsZero() {
		dl.SentAt = time.Now()
	}

	query := `INSERT INTO delivery_logs (tracking_id, subscriber_id, article_id, kind, status, sent_at, error_text)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))`

	_, err := s.db.ExecContext(ctx, query, dl.TrackingID, dl.SubscriberID, dl.ArticleID,
		string(dl.Kind), string(dl.Status), dl.SentAt, dl.ErrorText)
	return err
}

// GetDeliveryLog retrieves a delivery log by tracking id.
func (s *Store) GetDeliveryLog(ctx context.Context, trackingID string) (*DeliveryLog, error) {
	query := `SELECT tracking_id, subscriber_id, article_id, kind, status, sent_at,
		first_opened_at, last_opened_at, open_count,
		first_clicked_at, last_clicked_at, click_count, COALESCE(error_text, '')
		FROM delivery_logs WHERE tracking_id = $1`

	dl := &DeliveryLog{}
	var articleID uuid.NullUUID
	var firstOpen, lastOpen, firstClick, lastClick sql.NullTime
	err := s.db.QueryRowContext(ctx, query, trackingID).Scan(
		&dl.TrackingID, &dl.SubscriberID, &articleID, &dl.Kind, &dl.Status, &dl.SentAt,
		&firstOpen, &lastOpen, &dl.OpenCount,
		&firstClick, &lastClick, &dl.ClickCount, &dl.ErrorText)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if articleID.Valid {
		dl.ArticleID = &articleID.UUID
	}
	if firstOpen.Valid {
		dl.FirstOpenedAt = &firstOpen.Time
	}
	if lastOpen.Valid {
		dl.LastOpenedAt = &lastOpen.Time
	}
	if firstClick.Valid {
		dl.FirstClickedAt = &firstClick.Time
	}
	if lastClick.Valid {
		dl.LastClickedAt = &lastClick.Time
	}
	return dl, nil
}

// RecordOpen applies one pixel fetch: a single-statement atomic update so
// concurrent opens from multiple devices never lose a count. Status only
// moves up the lattice (a clicked row stays CLICKED). Returns false when
// the tracking id is unknown.
func (s *Store) RecordOpen(ctx context.Context, trackingID string) (bool, error) {
	query := `UPDATE delivery_logs SET
		open_count = open_count + 1,
		first_opened_at = COALESCE(first_opened_at, NOW()),
		last_opened_at = NOW(),
		status = CASE WHEN status = 'CLICKED' THEN status ELSE 'OPENED' END
		WHERE tracking_id = $1`

	res, err := s.db.ExecContext(ctx, query, trackingID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RecordClick applies one click-redirect hit, same atomicity rules as
// RecordOpen. CLICKED is the top of the status lattice.
func (s *Store) RecordClick(ctx context.Context, trackingID string) (bool, error) {
	query := `UPDATE delivery_logs SET
		click_count = click_count + 1,
		first_clicked_at = COALESCE(first_clicked_at, NOW()),
		last_clicked_at = NOW(),
		status = 'CLICKED'
		WHERE tracking_id = $1`

	res, err := s.db.ExecContext(ctx, query, trackingID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// EngagementStats aggregates delivery-log counters, overall and for the
// trailing 30 days.
func (s *Store) EngagementStats(ctx context.Context) (*EngagementStats, error) {
	query := `SELECT
		COUNT(*) FILTER (WHERE status <> 'FAILED'),
		COUNT(*) FILTER (WHERE status = 'FAILED'),
		COUNT(*) FILTER (WHERE open_count > 0),
		COUNT(*) FILTER (WHERE click_count > 0),
		COALESCE(SUM(open_count), 0),
		COALESCE(SUM(click_count), 0),
		COUNT(*) FILTER (WHERE status <> 'FAILED' AND sent_at > NOW() - INTERVAL '30 days'),
		COUNT(*) FILTER (WHERE open_count > 0 AND sent_at > NOW() - INTERVAL '30 days'),
		COUNT(*) FILTER (WHERE click_count > 0 AND sent_at > NOW() - INTERVAL '30 days')
		FROM delivery_logs`

	st := &EngagementStats{}
	err := s.db.QueryRowContext(ctx, query).Scan(
		&st.TotalSent, &st.TotalFailed, &st.UniqueOpened, &st.UniqueClicked,
		&st.TotalOpens, &st.TotalClicks,
		&st.Sent30Days, &st.Opened30Days, &st.Clicked30Days)
	return st, err
}

// NormalizeEmail lowercases and trims a recipient address for comparison.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
