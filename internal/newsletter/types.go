// Package newsletter implements the dispatch and engagement-tracking
// engine of the blog platform: template rendering, SMTP transport,
// per-recipient delivery logging and open/click correlation.
package newsletter

import (
	"time"

	"github.com/google/uuid"
)

// MessageKind classifies what a delivery log row was sent for.
type MessageKind string

const (
	KindWelcome      MessageKind = "WELCOME"
	KindNewsletter   MessageKind = "NEWSLETTER"
	KindConfirmation MessageKind = "CONFIRMATION"
)

// DeliveryStatus is the lifecycle state of one send attempt.
//
// Status is a monotonic lattice SENT < OPENED < CLICKED: an open after a
// click does not demote the row back to OPENED. The open/click counters
// are the source of truth for "did this ever happen"; status only answers
// "how far did this recipient engage".
type DeliveryStatus string

const (
	StatusSent    DeliveryStatus = "SENT"
	StatusFailed  DeliveryStatus = "FAILED"
	StatusOpened  DeliveryStatus = "OPENED"
	StatusClicked DeliveryStatus = "CLICKED"
)

// Subscriber is a recipient record owned by the platform's subscriber
// CRUD; the engine only ever reads it. Unsubscribing flips Active and
// stamps UnsubscribedAt, it never deletes the row.
type Subscriber struct {
	ID             uuid.UUID         `json:"id"`
	Email          string            `json:"email"`
	Name           string            `json:"name,omitempty"`
	Active         bool              `json:"active"`
	Source         string            `json:"source,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	SubscribedAt   time.Time         `json:"subscribed_at"`
	UnsubscribedAt *time.Time        `json:"unsubscribed_at,omitempty"`
}

// Article is the published post a newsletter is generated from, owned by
// the platform's post storage.
type Article struct {
	ID           uuid.UUID `json:"id"`
	Title        string    `json:"title"`
	BodyMarkdown string    `json:"body_markdown"`
	ImageURL     string    `json:"image_url,omitempty"`
	Slug         string    `json:"slug"`
	AuthorName   string    `json:"author_name"`
}

// VariableType declares the type of a template variable.
type VariableType string

const (
	VarString  VariableType = "string"
	VarNumber  VariableType = "number"
	VarBoolean VariableType = "boolean"
	VarDate    VariableType = "date"
)

// TemplateVariable is one declared variable of a template.
type TemplateVariable struct {
	Name string       `json:"name"`
	Type VariableType `json:"type"`
}

// Template is a newsletter HTML template with {{variable}} placeholders
// and {{#if variable}}...{{/if}} conditional blocks. Exactly one template
// is the canonical default at any time.
type Template struct {
	ID        uuid.UUID          `json:"id"`
	Name      string             `json:"name"`
	HTMLBody  string             `json:"html_body"`
	CSS       string             `json:"css,omitempty"`
	Variables []TemplateVariable `json:"variables,omitempty"`
	IsDefault bool               `json:"is_default"`
	IsActive  bool               `json:"is_active"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// TransportConfig is the singleton outbound-mail configuration. Only one
// row may be active at a time; activating a new one deactivates the rest
// (last writer wins).
type TransportConfig struct {
	ID        uuid.UUID `json:"id"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	UseTLS    bool      `json:"use_tls"`
	Username  string    `json:"username,omitempty"`
	Password  string    `json:"-"`
	FromEmail string    `json:"from_email"`
	FromName  string    `json:"from_name,omitempty"`
	IsActive  bool      `json:"is_active"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeliveryLog is the durable record of one send attempt to one
// recipient, keyed by the opaque tracking id embedded in that
// recipient's copy of the email. Born when the send is attempted,
// mutated only by tracking callbacks, never deleted.
type DeliveryLog struct {
	TrackingID     string         `json:"tracking_id"`
	SubscriberID   uuid.UUID      `json:"subscriber_id"`
	ArticleID      *uuid.UUID     `json:"article_id,omitempty"`
	Kind           MessageKind    `json:"kind"`
	Status         DeliveryStatus `json:"status"`
	SentAt         time.Time      `json:"sent_at"`
	FirstOpenedAt  *time.Time     `json:"first_opened_at,omitempty"`
	LastOpenedAt   *time.Time     `json:"last_opened_at,omitempty"`
	OpenCount      int            `json:"open_count"`
	FirstClickedAt *time.Time     `json:"first_clicked_at,omitempty"`
	LastClickedAt  *time.Time     `json:"last_clicked_at,omitempty"`
	ClickCount     int            `json:"click_count"`
	ErrorText      string         `json:"error_text,omitempty"`
}

// EngagementStats aggregates delivery-log counters for the admin
// dashboard. The 30-day window counts rows sent in the last 30 days.
type EngagementStats struct {
	TotalSent     int `json:"total_sent"`
	TotalFailed   int `json:"total_failed"`
	UniqueOpened  int `json:"unique_opened"`
	UniqueClicked int `json:"unique_clicked"`
	TotalOpens    int `json:"total_opens"`
	TotalClicks   int `json:"total_clicks"`
	Sent30Days    int `json:"sent_30_days"`
	Opened30Days  int `json:"opened_30_days"`
	Clicked30Days int `json:"clicked_30_days"`
}
