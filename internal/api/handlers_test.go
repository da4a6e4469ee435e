package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkpost/inkpost/internal/newsletter"
	"github.com/inkpost/inkpost/internal/worker"
)

type fakeAdminStore struct {
	articles  map[uuid.UUID]*newsletter.Article
	templates map[uuid.UUID]*newsletter.Template
	transport *newsletter.TransportConfig
	stats     *newsletter.EngagementStats
}

func newFakeAdminStore() *fakeAdminStore {
	return &fakeAdminStore{
		articles:  map[uuid.UUID]*newsletter.Article{},
		templates: map[uuid.UUID]*newsletter.Template{},
		stats:     &newsletter.EngagementStats{},
	}
}

func (f *fakeAdminStore) GetArticle(ctx context.Context, id uuid.UUID) (*newsletter.Article, error) {
	return f.articles[id], nil
}

func (f *fakeAdminStore) ListTemplates(ctx context.Context) ([]*newsletter.Template, error) {
	var out []*newsletter.Template
	for _, t := range f.templates {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeAdminStore) GetTemplate(ctx context.Context, id uuid.UUID) (*newsletter.Template, error) {
	return f.templates[id], nil
}

func (f *fakeAdminStore) CreateTemplate(ctx context.Context, t *newsletter.Template) error {
	f.templates[t.ID] = t
	return nil
}

func (f *fakeAdminStore) UpdateTemplate(ctx context.Context, t *newsletter.Template) error {
	if _, ok := f.templates[t.ID]; !ok {
		return fmt.Errorf("template %s not found", t.ID)
	}
	f.templates[t.ID] = t
	return nil
}

func (f *fakeAdminStore) DeleteTemplate(ctx context.Context, id uuid.UUID) error {
	t, ok := f.templates[id]
	if !ok || t.IsDefault {
		return fmt.Errorf("template %s not found or is the default template", id)
	}
	delete(f.templates, id)
	return nil
}

func (f *fakeAdminStore) SetDefaultTemplate(ctx context.Context, id uuid.UUID) error {
	if _, ok := f.templates[id]; !ok {
		return fmt.Errorf("template %s not found", id)
	}
	for _, t := range f.templates {
		t.IsDefault = false
	}
	f.templates[id].IsDefault = true
	return nil
}

func (f *fakeAdminStore) SaveTransportConfig(ctx context.Context, tc *newsletter.TransportConfig) error {
	f.transport = tc
	return nil
}

func (f *fakeAdminStore) EngagementStats(ctx context.Context) (*newsletter.EngagementStats, error) {
	return f.stats, nil
}

type fakeDispatcher struct {
	jobs      map[string]*worker.QueueStatus
	lastID    string
	enqueueN  int
	cancelled map[string]bool
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{jobs: map[string]*worker.QueueStatus{}, cancelled: map[string]bool{}}
}

func (f *fakeDispatcher) Enqueue(ctx context.Context, articleID uuid.UUID, priority int) (string, error) {
	f.enqueueN++
	id := uuid.New().String()
	f.lastID = id
	f.jobs[id] = &worker.QueueStatus{
		QueueID:   id,
		ArticleID: articleID,
		State:     worker.StateQueued,
		Priority:  priority,
	}
	return id, nil
}

func (f *fakeDispatcher) GetQueueStatus(ctx context.Context, queueID string) (*worker.QueueStatus, error) {
	return f.jobs[queueID], nil
}

func (f *fakeDispatcher) CancelQueue(ctx context.Context, queueID string) (bool, error) {
	st, ok := f.jobs[queueID]
	if !ok || st.State != worker.StateQueued {
		return false, nil
	}
	st.State = worker.StateCancelled
	f.cancelled[queueID] = true
	return true, nil
}

func (f *fakeDispatcher) GetQueueStats(ctx context.Context) (*worker.QueueStats, error) {
	return &worker.QueueStats{PendingJobs: int64(len(f.jobs))}, nil
}

type fakeTransport struct {
	initialized   bool
	reinitialized int
}

func (f *fakeTransport) Reinitialize(ctx context.Context) bool {
	f.reinitialized++
	return f.initialized
}

func (f *fakeTransport) Initialized() bool { return f.initialized }

type apiFixture struct {
	store     *fakeAdminStore
	queue     *fakeDispatcher
	transport *fakeTransport
	srv       *httptest.Server
}

func setupAPI(t *testing.T) *apiFixture {
	t.Helper()
	store := newFakeAdminStore()
	queue := newFakeDispatcher()
	transport := &fakeTransport{initialized: true}

	h := NewHandlers(store, queue, transport, newsletter.NewTemplateEngine())
	srv := httptest.NewServer(SetupRoutes(h))
	t.Cleanup(srv.Close)

	return &apiFixture{store: store, queue: queue, transport: transport, srv: srv}
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestEnqueueSend(t *testing.T) {
	fx := setupAPI(t)
	article := &newsletter.Article{ID: uuid.New(), Title: "Hello"}
	fx.store.articles[article.ID] = article

	t.Run("accepted", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, fx.srv.URL+"/api/newsletter/send",
			map[string]any{"article_id": article.ID, "priority": 5})
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)

		body := decodeBody[map[string]string](t, resp)
		assert.Equal(t, fx.queue.lastID, body["queue_id"])
		assert.Equal(t, 5, fx.queue.jobs[fx.queue.lastID].Priority)
	})

	t.Run("unknown article", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, fx.srv.URL+"/api/newsletter/send",
			map[string]any{"article_id": uuid.New(), "priority": 1})
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("missing article id", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, fx.srv.URL+"/api/newsletter/send",
			map[string]any{"priority": 1})
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestQueueStatusAndCancel(t *testing.T) {
	fx := setupAPI(t)
	article := &newsletter.Article{ID: uuid.New(), Title: "Hello"}
	fx.store.articles[article.ID] = article

	queueID, err := fx.queue.Enqueue(context.Background(), article.ID, 1)
	require.NoError(t, err)

	t.Run("status found", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, fx.srv.URL+"/api/newsletter/queue/"+queueID, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		st := decodeBody[worker.QueueStatus](t, resp)
		assert.Equal(t, queueID, st.QueueID)
		assert.Equal(t, worker.StateQueued, st.State)
	})

	t.Run("status unknown id", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, fx.srv.URL+"/api/newsletter/queue/nope", nil)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("cancel pending", func(t *testing.T) {
		resp := doJSON(t, http.MethodDelete, fx.srv.URL+"/api/newsletter/queue/"+queueID, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		body := decodeBody[map[string]bool](t, resp)
		assert.True(t, body["cancelled"])
	})

	t.Run("cancel again conflicts", func(t *testing.T) {
		resp := doJSON(t, http.MethodDelete, fx.srv.URL+"/api/newsletter/queue/"+queueID, nil)
		resp.Body.Close()
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})
}

func TestTemplateCRUD(t *testing.T) {
	fx := setupAPI(t)

	t.Run("create", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, fx.srv.URL+"/api/newsletter/templates", map[string]any{
			"name":      "weekly",
			"html_body": "<html><body><h1>{{postTitle}}</h1>{{postContent}}</body></html>",
		})
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		created := decodeBody[newsletter.Template](t, resp)
		assert.Equal(t, "weekly", created.Name)
		assert.True(t, created.IsActive)
		assert.Len(t, fx.store.templates, 1)
	})

	t.Run("create rejects broken conditionals", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, fx.srv.URL+"/api/newsletter/templates", map[string]any{
			"name":      "broken",
			"html_body": "{{#if a}}never closed",
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		var body struct {
			Issues []newsletter.TemplateIssue `json:"issues"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		require.Len(t, body.Issues, 1)
		assert.Equal(t, "unterminated_if", body.Issues[0].Kind)
	})

	t.Run("update", func(t *testing.T) {
		var id uuid.UUID
		for k := range fx.store.templates {
			id = k
		}
		resp := doJSON(t, http.MethodPut, fx.srv.URL+"/api/newsletter/templates/"+id.String(), map[string]any{
			"name":      "weekly-v2",
			"html_body": "<p>{{postTitle}}</p>",
		})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		updated := decodeBody[newsletter.Template](t, resp)
		assert.Equal(t, "weekly-v2", updated.Name)
	})

	t.Run("set default then delete refused", func(t *testing.T) {
		var id uuid.UUID
		for k := range fx.store.templates {
			id = k
		}
		resp := doJSON(t, http.MethodPost, fx.srv.URL+"/api/newsletter/templates/"+id.String()+"/default", nil)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		resp = doJSON(t, http.MethodDelete, fx.srv.URL+"/api/newsletter/templates/"+id.String(), nil)
		resp.Body.Close()
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Len(t, fx.store.templates, 1, "default template must survive delete")
	})
}

func TestRenderPreview(t *testing.T) {
	fx := setupAPI(t)
	article := &newsletter.Article{
		ID:           uuid.New(),
		Title:        "Preview Post",
		BodyMarkdown: "Plain **markdown** here.",
	}
	fx.store.articles[article.ID] = article

	tmpl := &newsletter.Template{
		ID:       uuid.New(),
		Name:     "default",
		HTMLBody: "<h1>{{postTitle}}</h1>{{#if subscriberName}}<p>Hi {{subscriberName}}</p>{{/if}}{{postContent}}",
		Variables: []newsletter.TemplateVariable{
			{Name: "postTitle", Type: newsletter.VarString},
			{Name: "missingOne", Type: newsletter.VarString},
		},
	}
	fx.store.templates[tmpl.ID] = tmpl

	resp := doJSON(t, http.MethodPost, fx.srv.URL+"/api/newsletter/templates/preview",
		map[string]any{"template_id": tmpl.ID, "article_id": article.ID})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		HTML   string                     `json:"html"`
		Issues []newsletter.TemplateIssue `json:"issues"`
	}
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	assert.Contains(t, body.HTML, "<h1>Preview Post</h1>")
	assert.Contains(t, body.HTML, "Hi Preview Reader")
	assert.Contains(t, body.HTML, "<strong>markdown</strong>")
	require.Len(t, body.Issues, 1)
	assert.Equal(t, "missing_variable", body.Issues[0].Kind)
	assert.Equal(t, "missingOne", body.Issues[0].Name)
}

func TestUpdateTransportConfig(t *testing.T) {
	fx := setupAPI(t)

	t.Run("saves and reinitializes", func(t *testing.T) {
		resp := doJSON(t, http.MethodPut, fx.srv.URL+"/api/newsletter/transport", map[string]any{
			"host":       "smtp.example.com",
			"port":       587,
			"use_tls":    true,
			"from_email": "News@Example.com",
		})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		body := decodeBody[map[string]bool](t, resp)
		assert.True(t, body["saved"])
		assert.True(t, body["initialized"])

		require.NotNil(t, fx.store.transport)
		assert.Equal(t, "news@example.com", fx.store.transport.FromEmail)
		assert.Equal(t, 1, fx.transport.reinitialized)
	})

	t.Run("probe failure still saves", func(t *testing.T) {
		fx.transport.initialized = false
		resp := doJSON(t, http.MethodPut, fx.srv.URL+"/api/newsletter/transport", map[string]any{
			"host":       "down.example.com",
			"port":       25,
			"from_email": "news@example.com",
		})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		body := decodeBody[map[string]bool](t, resp)
		assert.True(t, body["saved"])
		assert.False(t, body["initialized"])
	})

	t.Run("missing host rejected", func(t *testing.T) {
		resp := doJSON(t, http.MethodPut, fx.srv.URL+"/api/newsletter/transport", map[string]any{
			"port": 25, "from_email": "a@b.c",
		})
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestEngagementStatsEndpoint(t *testing.T) {
	fx := setupAPI(t)
	fx.store.stats = &newsletter.EngagementStats{
		TotalSent:    120,
		TotalFailed:  3,
		UniqueOpened: 64,
		TotalOpens:   200,
	}

	resp := doJSON(t, http.MethodGet, fx.srv.URL+"/api/newsletter/stats", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decodeBody[newsletter.EngagementStats](t, resp)
	assert.Equal(t, 120, stats.TotalSent)
	assert.Equal(t, 64, stats.UniqueOpened)
}

func TestHealthReportsTransportState(t *testing.T) {
	fx := setupAPI(t)

	resp := doJSON(t, http.MethodGet, fx.srv.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]any](t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["transport_enabled"])
}
