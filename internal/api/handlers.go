// Package api is the admin-facing HTTP surface of the newsletter engine:
// enqueue sends, inspect and cancel queue jobs, manage templates and the
// transport configuration, read engagement stats. Authentication is the
// platform's concern; this router is mounted behind it.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/inkpost/inkpost/internal/newsletter"
	"github.com/inkpost/inkpost/internal/pkg/httputil"
	"github.com/inkpost/inkpost/internal/pkg/logger"
	"github.com/inkpost/inkpost/internal/worker"
)

// Dispatcher is the queue surface the handlers need. Satisfied by
// *worker.DispatchQueue.
type Dispatcher interface {
	Enqueue(ctx context.Context, articleID uuid.UUID, priority int) (string, error)
	GetQueueStatus(ctx context.Context, queueID string) (*worker.QueueStatus, error)
	CancelQueue(ctx context.Context, queueID string) (bool, error)
	GetQueueStats(ctx context.Context) (*worker.QueueStats, error)
}

// Transport is the send-config surface. Satisfied by
// *newsletter.TransportManager.
type Transport interface {
	Reinitialize(ctx context.Context) bool
	Initialized() bool
}

// AdminStore bundles the persistence the admin surface touches.
// Satisfied by *newsletter.Store.
type AdminStore interface {
	GetArticle(ctx context.Context, id uuid.UUID) (*newsletter.Article, error)
	ListTemplates(ctx context.Context) ([]*newsletter.Template, error)
	GetTemplate(ctx context.Context, id uuid.UUID) (*newsletter.Template, error)
	CreateTemplate(ctx context.Context, t *newsletter.Template) error
	UpdateTemplate(ctx context.Context, t *newsletter.Template) error
	DeleteTemplate(ctx context.Context, id uuid.UUID) error
	SetDefaultTemplate(ctx context.Context, id uuid.UUID) error
	SaveTransportConfig(ctx context.Context, tc *newsletter.TransportConfig) error
	EngagementStats(ctx context.Context) (*newsletter.EngagementStats, error)
}

// Handlers holds the admin endpoint implementations.
type Handlers struct {
	store     AdminStore
	queue     Dispatcher
	transport Transport
	engine    *newsletter.TemplateEngine
	log       *logger.Logger
}

func NewHandlers(store AdminStore, queue Dispatcher, transport Transport, engine *newsletter.TemplateEngine) *Handlers {
	return &Handlers{
		store:     store,
		queue:     queue,
		transport: transport,
		engine:    engine,
		log:       logger.With("AdminAPI"),
	}
}

type enqueueRequest struct {
	ArticleID uuid.UUID `json:"article_id"`
	Priority  int       `json:"priority"`
}

type enqueueResponse struct {
	QueueID string `json:"queue_id"`
}

// HandleEnqueueSend queues a newsletter dispatch for an article and
// returns the queue id immediately.
func (h *Handlers) HandleEnqueueSend(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.ArticleID == uuid.Nil {
		httputil.BadRequest(w, "article_id is required")
		return
	}

	article, err := h.store.GetArticle(r.Context(), req.ArticleID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if article == nil {
		httputil.NotFound(w, "article not found")
		return
	}

	queueID, err := h.queue.Enqueue(r.Context(), req.ArticleID, req.Priority)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	h.log.Info("dispatch enqueued", "queue_id", queueID, "article_id", req.ArticleID.String())
	httputil.JSON(w, http.StatusAccepted, enqueueResponse{QueueID: queueID})
}

// HandleQueueStatus returns the state of one dispatch job.
func (h *Handlers) HandleQueueStatus(w http.ResponseWriter, r *http.Request) {
	queueID := chi.URLParam(r, "queueID")

	st, err := h.queue.GetQueueStatus(r.Context(), queueID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if st == nil {
		httputil.NotFound(w, "queue id not found")
		return
	}
	httputil.OK(w, st)
}

// HandleCancelQueue removes not-yet-started work for a queue id. Jobs
// already processing run to completion; that is reported as a conflict.
func (h *Handlers) HandleCancelQueue(w http.ResponseWriter, r *http.Request) {
	queueID := chi.URLParam(r, "queueID")

	st, err := h.queue.GetQueueStatus(r.Context(), queueID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if st == nil {
		httputil.NotFound(w, "queue id not found")
		return
	}

	cancelled, err := h.queue.CancelQueue(r.Context(), queueID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if !cancelled {
		httputil.Conflict(w, "job already started; in-flight sends cannot be cancelled")
		return
	}
	httputil.OK(w, map[string]bool{"cancelled": true})
}

// HandleQueueStats returns pending depth and lifetime counters.
func (h *Handlers) HandleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.GetQueueStats(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, stats)
}

func (h *Handlers) HandleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.store.ListTemplates(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if templates == nil {
		templates = []*newsletter.Template{}
	}
	httputil.OK(w, templates)
}

type templateRequest struct {
	Name      string                        `json:"name"`
	HTMLBody  string                        `json:"html_body"`
	CSS       string                        `json:"css"`
	Variables []newsletter.TemplateVariable `json:"variables"`
	IsActive  *bool                         `json:"is_active"`
}

// validateTemplateBody rejects structurally broken template source
// before it reaches the database.
func validateTemplateBody(w http.ResponseWriter, body string) bool {
	if body == "" {
		httputil.BadRequest(w, "html_body is required")
		return false
	}
	if _, issues := newsletter.ParseStrict(body); len(issues) > 0 {
		httputil.JSON(w, http.StatusBadRequest, map[string]any{
			"error":  "template has structural issues",
			"issues": issues,
		})
		return false
	}
	return true
}

func (h *Handlers) HandleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		httputil.BadRequest(w, "name is required")
		return
	}
	if !validateTemplateBody(w, req.HTMLBody) {
		return
	}

	tmpl := &newsletter.Template{
		ID:        uuid.New(),
		Name:      req.Name,
		HTMLBody:  req.HTMLBody,
		CSS:       req.CSS,
		Variables: req.Variables,
		IsActive:  true,
	}
	if req.IsActive != nil {
		tmpl.IsActive = *req.IsActive
	}

	if err := h.store.CreateTemplate(r.Context(), tmpl); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.Created(w, tmpl)
}

func (h *Handlers) HandleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "templateID"))
	if err != nil {
		httputil.BadRequest(w, "invalid template id")
		return
	}

	var req templateRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if !validateTemplateBody(w, req.HTMLBody) {
		return
	}

	existing, err := h.store.GetTemplate(r.Context(), id)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if existing == nil {
		httputil.NotFound(w, "template not found")
		return
	}

	existing.Name = req.Name
	existing.HTMLBody = req.HTMLBody
	existing.CSS = req.CSS
	existing.Variables = req.Variables
	if req.IsActive != nil {
		existing.IsActive = *req.IsActive
	}

	if err := h.store.UpdateTemplate(r.Context(), existing); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, existing)
}

func (h *Handlers) HandleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "templateID"))
	if err != nil {
		httputil.BadRequest(w, "invalid template id")
		return
	}

	if err := h.store.DeleteTemplate(r.Context(), id); err != nil {
		httputil.Conflict(w, err.Error())
		return
	}
	httputil.NoContent(w)
}

func (h *Handlers) HandleSetDefaultTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "templateID"))
	if err != nil {
		httputil.BadRequest(w, "invalid template id")
		return
	}

	if err := h.store.SetDefaultTemplate(r.Context(), id); err != nil {
		httputil.NotFound(w, err.Error())
		return
	}
	httputil.OK(w, map[string]bool{"default": true})
}

type previewRequest struct {
	TemplateID uuid.UUID `json:"template_id"`
	ArticleID  uuid.UUID `json:"article_id"`
}

// HandleRenderPreview renders a template against a real article with
// placeholder recipient variables, for the admin template editor.
func (h *Handlers) HandleRenderPreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	tmpl, err := h.store.GetTemplate(r.Context(), req.TemplateID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if tmpl == nil {
		httputil.NotFound(w, "template not found")
		return
	}

	article, err := h.store.GetArticle(r.Context(), req.ArticleID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if article == nil {
		httputil.NotFound(w, "article not found")
		return
	}

	postContent, err := newsletter.RenderMarkdown(article.BodyMarkdown)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	vars := map[string]any{
		"postTitle":      article.Title,
		"postContent":    postContent,
		"postImageUrl":   article.ImageURL,
		"postUrl":        article.Slug,
		"authorName":     article.AuthorName,
		"subscriberName": "Preview Reader",
		"unsubscribeUrl": "#",
	}
	issues := newsletter.ValidateVariables(tmpl, vars)

	html, err := h.engine.Render(tmpl, vars)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	httputil.OK(w, map[string]any{
		"html":   html,
		"issues": issues,
	})
}

type transportRequest struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	UseTLS    bool   `json:"use_tls"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	FromEmail string `json:"from_email"`
	FromName  string `json:"from_name"`
}

// HandleUpdateTransportConfig saves a new active transport config and
// reinitializes the transport against it. A config that fails the
// connectivity probe is still saved; sending stays disabled until a
// working one arrives.
func (h *Handlers) HandleUpdateTransportConfig(w http.ResponseWriter, r *http.Request) {
	var req transportRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Host == "" || req.Port == 0 || req.FromEmail == "" {
		httputil.BadRequest(w, "host, port and from_email are required")
		return
	}

	tc := &newsletter.TransportConfig{
		ID:        uuid.New(),
		Host:      req.Host,
		Port:      req.Port,
		UseTLS:    req.UseTLS,
		Username:  req.Username,
		Password:  req.Password,
		FromEmail: newsletter.NormalizeEmail(req.FromEmail),
		FromName:  req.FromName,
		IsActive:  true,
	}
	if err := h.store.SaveTransportConfig(r.Context(), tc); err != nil {
		httputil.InternalError(w, err)
		return
	}

	initialized := h.transport.Reinitialize(r.Context())
	if !initialized {
		h.log.Warn("transport config saved but connectivity probe failed", "host", req.Host)
	}

	httputil.OK(w, map[string]any{
		"saved":       true,
		"initialized": initialized,
	})
}

// HandleEngagementStats aggregates delivery-log counters.
func (h *Handlers) HandleEngagementStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.EngagementStats(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, stats)
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]any{
		"status":            "ok",
		"transport_enabled": h.transport.Initialized(),
	})
}
