// Package worker runs the newsletter dispatch queue: the single send
// path of the engine. Admin actions only enqueue; this worker drains the
// queue and drives render, tracking injection, transport and delivery
// logging for every recipient.
package worker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/inkpost/inkpost/internal/newsletter"
	"github.com/inkpost/inkpost/internal/pkg/logger"
)

const (
	pendingKey     = "newsletter:dispatch:pending"
	jobKeyPrefix   = "newsletter:dispatch:job:"
	statsSentKey   = "newsletter:dispatch:stats:sent"
	statsFailedKey = "newsletter:dispatch:stats:failed"

	// Completed job hashes are kept around for the admin UI, then expire.
	jobRetention = 7 * 24 * time.Hour
)

// QueueState is the lifecycle state of an enqueued dispatch job.
type QueueState string

const (
	StateQueued     QueueState = "queued"
	StateProcessing QueueState = "processing"
	StateCompleted  QueueState = "completed"
	StateFailed     QueueState = "failed"
	StateCancelled  QueueState = "cancelled"
)

// QueueStatus is the admin-visible view of one dispatch job.
type QueueStatus struct {
	QueueID    string     `json:"queue_id"`
	ArticleID  uuid.UUID  `json:"article_id"`
	State      QueueState `json:"state"`
	Priority   int        `json:"priority"`
	Sent       int        `json:"sent"`
	Failed     int        `json:"failed"`
	Total      int        `json:"total"`
	Error      string     `json:"error,omitempty"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// QueueStats aggregates queue depth and lifetime send counters.
type QueueStats struct {
	PendingJobs  int64 `json:"pending_jobs"`
	LifetimeSent int64 `json:"lifetime_sent"`
	LifetimeFail int64 `json:"lifetime_failed"`
}

// Sender is the transport surface the queue needs. Satisfied by
// *newsletter.TransportManager.
type Sender interface {
	SendEmailWithHeaders(ctx context.Context, to, subject, html string, headers map[string]string) (bool, string)
}

// Config tunes the dispatch worker.
type Config struct {
	BatchSize    int
	BatchPause   time.Duration
	PollInterval time.Duration
}

// DefaultConfig returns the standard pacing: batches of 10 with a one
// second pause, polling the queue every second when idle.
func DefaultConfig() Config {
	return Config{
		BatchSize:    10,
		BatchPause:   time.Second,
		PollInterval: time.Second,
	}
}

// DispatchQueue turns one published article into personalized emails for
// every active subscriber. Jobs live in a Redis sorted set scored by
// priority (FIFO within a priority); per-job progress lives in a Redis
// hash so any process can observe it.
type DispatchQueue struct {
	rdb         *redis.Client
	articles    newsletter.ArticleStore
	subscribers newsletter.SubscriberStore
	templates   newsletter.TemplateStore
	logs        newsletter.DeliveryLogStore
	sender      Sender
	engine      *newsletter.TemplateEngine
	tracker     *newsletter.Tracker

	batchSize    int
	batchPause   time.Duration
	pollInterval time.Duration

	totalSent   int64
	totalFailed int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex

	log *logger.Logger
}

// NewDispatchQueue wires the queue. All collaborators are injected; nil
// config fields fall back to DefaultConfig values.
func NewDispatchQueue(
	rdb *redis.Client,
	articles newsletter.ArticleStore,
	subscribers newsletter.SubscriberStore,
	templates newsletter.TemplateStore,
	logs newsletter.DeliveryLogStore,
	sender Sender,
	engine *newsletter.TemplateEngine,
	tracker *newsletter.Tracker,
	cfg Config,
) *DispatchQueue {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BatchPause <= 0 {
		cfg.BatchPause = def.BatchPause
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}

	return &DispatchQueue{
		rdb:          rdb,
		articles:     articles,
		subscribers:  subscribers,
		templates:    templates,
		logs:         logs,
		sender:       sender,
		engine:       engine,
		tracker:      tracker,
		batchSize:    cfg.BatchSize,
		batchPause:   cfg.BatchPause,
		pollInterval: cfg.PollInterval,
		log:          logger.With("DispatchQueue"),
	}
}

// Enqueue registers a dispatch job for an article and returns the opaque
// queue id immediately. Processing is asynchronous.
func (q *DispatchQueue) Enqueue(ctx context.Context, articleID uuid.UUID, priority int) (string, error) {
	queueID := uuid.New().String()
	now := time.Now().UTC()

	err := q.rdb.HSet(ctx, jobKeyPrefix+queueID, map[string]any{
		"article_id":  articleID.String(),
		"state":       string(StateQueued),
		"priority":    priority,
		"sent":        0,
		"failed":      0,
		"total":       0,
		"enqueued_at": now.Format(time.RFC3339Nano),
	}).Err()
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", queueID, err)
	}

	// Lower score drains first: higher priority dominates, enqueue time
	// breaks ties so equal-priority jobs stay FIFO.
	score := float64(-priority)*1e15 + float64(now.UnixMicro())
	if err := q.rdb.ZAdd(ctx, pendingKey, redis.Z{Score: score, Member: queueID}).Err(); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", queueID, err)
	}

	q.log.Info("enqueued", "queue_id", queueID, "article_id", articleID.String(), "priority", priority)
	return queueID, nil
}

// Start launches the drain loop. Returns an error if already running.
func (q *DispatchQueue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return fmt.Errorf("dispatch queue already running")
	}
	q.running = true
	q.ctx, q.cancel = context.WithCancel(context.Background())

	q.wg.Add(1)
	go q.drain()

	q.log.Info("started", "batch_size", q.batchSize, "batch_pause", q.batchPause.String())
	return nil
}

// Stop cancels the drain loop and waits for the in-flight job to finish
// its current batch. Sends already issued are never undone.
func (q *DispatchQueue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	q.cancel()
	q.mu.Unlock()

	q.wg.Wait()
	q.log.Info("stopped",
		"total_sent", atomic.LoadInt64(&q.totalSent),
		"total_failed", atomic.LoadInt64(&q.totalFailed))
}

// drain is the single long-lived worker loop.
func (q *DispatchQueue) drain() {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			return
		default:
		}

		queueID, err := q.claimNext(q.ctx)
		if err != nil {
			if q.ctx.Err() != nil {
				return
			}
			q.log.Error("claim failed", "error", err.Error())
			q.sleep(q.pollInterval)
			continue
		}
		if queueID == "" {
			q.sleep(q.pollInterval)
			continue
		}

		q.processJob(q.ctx, queueID)
	}
}

func (q *DispatchQueue) sleep(d time.Duration) {
	select {
	case <-q.ctx.Done():
	case <-time.After(d):
	}
}

// claimNext pops the lowest-scored pending job, or "" when the queue is
// empty.
func (q *DispatchQueue) claimNext(ctx context.Context) (string, error) {
	res, err := q.rdb.ZPopMin(ctx, pendingKey, 1).Result()
	if err != nil {
		return "", err
	}
	if len(res) == 0 {
		return "", nil
	}
	member, _ := res[0].Member.(string)
	return member, nil
}

// processJob runs one dispatch job end to end. A single recipient's
// failure never aborts the batch or the job; only a missing article or
// template fails the job outright.
func (q *DispatchQueue) processJob(ctx context.Context, queueID string) {
	jobKey := jobKeyPrefix + queueID

	state, err := q.rdb.HGet(ctx, jobKey, "state").Result()
	if err != nil && err != redis.Nil {
		q.log.Error("job state read failed", "queue_id", queueID, "error", err.Error())
		return
	}
	if QueueState(state) == StateCancelled {
		return
	}

	now := time.Now().UTC()
	q.rdb.HSet(ctx, jobKey, "state", string(StateProcessing), "started_at", now.Format(time.RFC3339Nano))

	articleIDRaw, _ := q.rdb.HGet(ctx, jobKey, "article_id").Result()
	articleID, err := uuid.Parse(articleIDRaw)
	if err != nil {
		q.failJob(ctx, queueID, fmt.Sprintf("bad article id %q", articleIDRaw))
		return
	}

	article, err := q.articles.GetArticle(ctx, articleID)
	if err != nil {
		q.failJob(ctx, queueID, fmt.Sprintf("fetch article: %v", err))
		return
	}
	if article == nil {
		q.failJob(ctx, queueID, "article not found")
		return
	}

	tmpl, err := q.templates.GetDefaultTemplate(ctx)
	if err != nil {
		q.failJob(ctx, queueID, fmt.Sprintf("fetch template: %v", err))
		return
	}
	if tmpl == nil {
		q.failJob(ctx, queueID, "no default template")
		return
	}

	subs, err := q.subscribers.ListActiveSubscribers(ctx)
	if err != nil {
		q.failJob(ctx, queueID, fmt.Sprintf("list subscribers: %v", err))
		return
	}
	q.rdb.HSet(ctx, jobKey, "total", len(subs))

	// The article body renders once; per-recipient variables layer on top.
	postContent, err := newsletter.RenderMarkdown(article.BodyMarkdown)
	if err != nil {
		q.failJob(ctx, queueID, fmt.Sprintf("render article body: %v", err))
		return
	}

	var sent, failed int64
	for start := 0; start < len(subs); start += q.batchSize {
		select {
		case <-ctx.Done():
			// Shutdown mid-job: progress so far is already in the hash.
			return
		default:
		}

		end := start + q.batchSize
		if end > len(subs) {
			end = len(subs)
		}
		batch := subs[start:end]

		var wg sync.WaitGroup
		for _, sub := range batch {
			wg.Add(1)
			go func(sub *newsletter.Subscriber) {
				defer wg.Done()
				if q.sendOne(ctx, article, tmpl, postContent, sub) {
					atomic.AddInt64(&sent, 1)
				} else {
					atomic.AddInt64(&failed, 1)
				}
			}(sub)
		}
		wg.Wait()

		q.rdb.HSet(ctx, jobKey,
			"sent", atomic.LoadInt64(&sent),
			"failed", atomic.LoadInt64(&failed))

		if end < len(subs) {
			q.sleep(q.batchPause)
		}
	}

	finished := time.Now().UTC()
	q.rdb.HSet(ctx, jobKey,
		"state", string(StateCompleted),
		"finished_at", finished.Format(time.RFC3339Nano))
	q.rdb.Expire(ctx, jobKey, jobRetention)

	if sent > 0 {
		q.rdb.IncrBy(ctx, statsSentKey, sent)
	}
	if failed > 0 {
		q.rdb.IncrBy(ctx, statsFailedKey, failed)
	}
	atomic.AddInt64(&q.totalSent, sent)
	atomic.AddInt64(&q.totalFailed, failed)

	q.log.Info("job completed",
		"queue_id", queueID,
		"article_id", articleID.String(),
		"sent", sent, "failed", failed, "total", len(subs))
}

// sendOne renders, tracks, sends and logs a single recipient. Every
// outcome, success or failure, produces exactly one DeliveryLog row.
func (q *DispatchQueue) sendOne(ctx context.Context, article *newsletter.Article, tmpl *newsletter.Template, postContent string, sub *newsletter.Subscriber) bool {
	unsubURL := q.tracker.UnsubscribeURL(sub.Email)
	vars := map[string]any{
		"postTitle":      article.Title,
		"postContent":    postContent,
		"postImageUrl":   article.ImageURL,
		"postUrl":        article.Slug,
		"authorName":     article.AuthorName,
		"subscriberName": sub.Name,
		"unsubscribeUrl": unsubURL,
	}

	html, err := q.engine.Render(tmpl, vars)
	if err != nil {
		q.recordFailure(ctx, article, sub, fmt.Sprintf("render: %v", err))
		return false
	}

	trackingID, err := q.tracker.MintTrackingID()
	if err != nil {
		q.recordFailure(ctx, article, sub, fmt.Sprintf("tracking id: %v", err))
		return false
	}
	html = q.tracker.InjectTracking(html, trackingID)

	headers := map[string]string{}
	newsletter.AddUnsubscribeHeaders(headers, unsubURL)

	ok, detail := q.sender.SendEmailWithHeaders(ctx, sub.Email, article.Title, html, headers)

	dl := &newsletter.DeliveryLog{
		TrackingID:   trackingID,
		SubscriberID: sub.ID,
		ArticleID:    &article.ID,
		Kind:         newsletter.KindNewsletter,
		SentAt:       time.Now().UTC(),
	}
	if ok {
		dl.Status = newsletter.StatusSent
	} else {
		dl.Status = newsletter.StatusFailed
		dl.ErrorText = detail
	}
	if err := q.logs.CreateDeliveryLog(ctx, dl); err != nil {
		q.log.Error("delivery log write failed", "tracking_id", trackingID, "error", err.Error())
	}
	return ok
}

// recordFailure writes a FAILED DeliveryLog for errors that happen before
// a tracking id exists for the recipient's copy.
func (q *DispatchQueue) recordFailure(ctx context.Context, article *newsletter.Article, sub *newsletter.Subscriber, detail string) {
	trackingID, err := q.tracker.MintTrackingID()
	if err != nil {
		q.log.Error("delivery log skipped", "subscriber", sub.Email, "error", detail)
		return
	}
	dl := &newsletter.DeliveryLog{
		TrackingID:   trackingID,
		SubscriberID: sub.ID,
		ArticleID:    &article.ID,
		Kind:         newsletter.KindNewsletter,
		Status:       newsletter.StatusFailed,
		SentAt:       time.Now().UTC(),
		ErrorText:    detail,
	}
	if err := q.logs.CreateDeliveryLog(ctx, dl); err != nil {
		q.log.Error("delivery log write failed", "subscriber", sub.Email, "error", err.Error())
	}
}

func (q *DispatchQueue) failJob(ctx context.Context, queueID, reason string) {
	jobKey := jobKeyPrefix + queueID
	q.rdb.HSet(ctx, jobKey,
		"state", string(StateFailed),
		"error", reason,
		"finished_at", time.Now().UTC().Format(time.RFC3339Nano))
	q.rdb.Expire(ctx, jobKey, jobRetention)
	q.log.Error("job failed", "queue_id", queueID, "reason", reason)
}

// GetQueueStatus returns the status of a job, or (nil, nil) when the
// queue id is unknown or expired.
func (q *DispatchQueue) GetQueueStatus(ctx context.Context, queueID string) (*QueueStatus, error) {
	fields, err := q.rdb.HGetAll(ctx, jobKeyPrefix+queueID).Result()
	if err != nil {
		return nil, fmt.Errorf("queue status %s: %w", queueID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	st := &QueueStatus{
		QueueID: queueID,
		State:   QueueState(fields["state"]),
		Error:   fields["error"],
	}
	st.ArticleID, _ = uuid.Parse(fields["article_id"])
	st.Priority, _ = strconv.Atoi(fields["priority"])
	st.Sent, _ = strconv.Atoi(fields["sent"])
	st.Failed, _ = strconv.Atoi(fields["failed"])
	st.Total, _ = strconv.Atoi(fields["total"])
	st.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, fields["enqueued_at"])
	if v := fields["started_at"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			st.StartedAt = &t
		}
	}
	if v := fields["finished_at"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			st.FinishedAt = &t
		}
	}
	return st, nil
}

// CancelQueue removes a not-yet-started job from the pending set and
// marks it cancelled. Returns false when the job already started (or
// finished): in-flight work runs to completion and issued sends stand.
func (q *DispatchQueue) CancelQueue(ctx context.Context, queueID string) (bool, error) {
	removed, err := q.rdb.ZRem(ctx, pendingKey, queueID).Result()
	if err != nil {
		return false, fmt.Errorf("cancel %s: %w", queueID, err)
	}
	if removed == 0 {
		return false, nil
	}

	jobKey := jobKeyPrefix + queueID
	err = q.rdb.HSet(ctx, jobKey,
		"state", string(StateCancelled),
		"finished_at", time.Now().UTC().Format(time.RFC3339Nano)).Err()
	if err != nil {
		return false, fmt.Errorf("cancel %s: %w", queueID, err)
	}
	q.rdb.Expire(ctx, jobKey, jobRetention)

	q.log.Info("cancelled", "queue_id", queueID)
	return true, nil
}

// GetQueueStats returns pending depth and lifetime send counters.
func (q *DispatchQueue) GetQueueStats(ctx context.Context) (*QueueStats, error) {
	pending, err := q.rdb.ZCard(ctx, pendingKey).Result()
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}

	sent, err := q.rdb.Get(ctx, statsSentKey).Int64()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	failed, err := q.rdb.Get(ctx, statsFailedKey).Int64()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}

	return &QueueStats{
		PendingJobs:  pending,
		LifetimeSent: sent,
		LifetimeFail: failed,
	}, nil
}

// SendDirect sends a single transactional message (welcome or
// confirmation) outside the article pipeline, through the same tracking
// and logging pieces. The boolean reports delivery; the error reports
// infrastructure failures minting the id or persisting the log.
func (q *DispatchQueue) SendDirect(ctx context.Context, kind newsletter.MessageKind, sub *newsletter.Subscriber, subject, html string) (bool, error) {
	trackingID, err := q.tracker.MintTrackingID()
	if err != nil {
		return false, err
	}
	html = q.tracker.InjectTracking(html, trackingID)

	headers := map[string]string{}
	newsletter.AddUnsubscribeHeaders(headers, q.tracker.UnsubscribeURL(sub.Email))

	ok, detail := q.sender.SendEmailWithHeaders(ctx, sub.Email, subject, html, headers)

	dl := &newsletter.DeliveryLog{
		TrackingID:   trackingID,
		SubscriberID: sub.ID,
		Kind:         kind,
		SentAt:       time.Now().UTC(),
	}
	if ok {
		dl.Status = newsletter.StatusSent
		atomic.AddInt64(&q.totalSent, 1)
	} else {
		dl.Status = newsletter.StatusFailed
		dl.ErrorText = detail
		atomic.AddInt64(&q.totalFailed, 1)
	}
	if err := q.logs.CreateDeliveryLog(ctx, dl); err != nil {
		return ok, fmt.Errorf("delivery log: %w", err)
	}
	return ok, nil
}

// Stats returns process-local counters since Start.
func (q *DispatchQueue) Stats() map[string]int64 {
	return map[string]int64{
		"total_sent":   atomic.LoadInt64(&q.totalSent),
		"total_failed": atomic.LoadInt64(&q.totalFailed),
	}
}
