// Package callback implements the Callback Dispatcher (C8): best-effort,
// asynchronous notification of a tenant's application at the points spec.md
// §4.7 names (session created, document opened/saved, lock acquired/
// released, session expired). Dispatch never blocks the WOPI request path
// and never surfaces delivery failure to its caller; failures are retried
// out-of-band via an asynq queue with exponential backoff.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/panjf2000/ants/v2"

	"github.com/genropy/genro-wopi/internal/config"
	"github.com/genropy/genro-wopi/internal/logger"
	"github.com/genropy/genro-wopi/internal/types"
	"github.com/genropy/genro-wopi/internal/types/interfaces"
)

// TaskTypeDeliver is the asynq task type name for a queued retry delivery.
const TaskTypeDeliver = "callback:deliver"

// wireEnvelope is what actually gets marshaled to JSON for the HTTP POST;
// CallbackURL/CallbackAuth are delivery metadata, not part of the body.
type wireEnvelope struct {
	Event              interfaces.CallbackEvent `json:"event"`
	TenantID           string                   `json:"tenant_id"`
	SessionID          string                   `json:"session_id"`
	FileID             string                   `json:"file_id"`
	FilePath           string                   `json:"file_path"`
	Account            string                   `json:"account"`
	User               string                   `json:"user,omitempty"`
	OriginConnectionID string                   `json:"origin_connection_id,omitempty"`
	OriginPageID       string                   `json:"origin_page_id,omitempty"`
	Extras             map[string]any           `json:"extras,omitempty"`
	Timestamp          time.Time                `json:"timestamp"`
}

// asynqPayload is the full envelope persisted on the queue, including
// delivery metadata the worker needs but which never reaches the tenant.
type asynqPayload struct {
	Body         wireEnvelope `json:"body"`
	CallbackURL  string       `json:"callback_url"`
	CallbackAuth string       `json:"callback_auth"`
}

// Dispatcher is the CallbackDispatcher (C8). First delivery attempt runs on
// a bounded ants worker pool so a slow or dead tenant endpoint never backs
// up the request path; a failed first attempt is handed to asynq for
// retried, backed-off delivery.
type Dispatcher struct {
	pool        *ants.Pool
	asynqClient *asynq.Client
	httpClient  *http.Client
	cfg         config.CallbackConfig
}

func NewDispatcher(cfg config.CallbackConfig, asynqClient *asynq.Client) (*Dispatcher, error) {
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 32
	}
	pool, err := ants.NewPool(poolSize, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("build callback worker pool: %w", err)
	}
	return &Dispatcher{
		pool:        pool,
		asynqClient: asynqClient,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		cfg:         cfg,
	}, nil
}

// Dispatch enqueues delivery of event onto the worker pool. It returns
// immediately: per spec.md §4.7 a callback that has no URL to target, or a
// session with no origin_connection_id, is skipped silently rather than
// treated as an error.
func (d *Dispatcher) Dispatch(ctx context.Context, tenant *types.Tenant, sess *types.Session, event interfaces.CallbackEvent, extras map[string]any) {
	if tenant.CallbackBaseURL == "" {
		return
	}
	if sess.OriginConnectionID == "" {
		return
	}

	body := wireEnvelope{
		Event:              event,
		TenantID:           tenant.ID,
		SessionID:          sess.ID,
		FileID:             sess.FileID,
		FilePath:           sess.FilePath,
		Account:            sess.Account,
		User:               sess.User,
		OriginConnectionID: sess.OriginConnectionID,
		OriginPageID:       sess.OriginPageID,
		Extras:             extras,
		Timestamp:          time.Now(),
	}

	task := asynqPayload{
		Body:         body,
		CallbackURL:  tenant.CallbackBaseURL,
		CallbackAuth: tenant.CallbackAuth,
	}

	// Submit runs in the background; this call does not wait for it. A
	// full pool drops the attempt straight to the retry queue instead of
	// blocking the caller, per the "never blocks" contract.
	err := d.pool.Submit(func() {
		d.deliverOnce(context.Background(), task)
	})
	if err != nil {
		d.enqueueRetry(ctx, task)
	}
}

// deliverOnce performs exactly one HTTP POST attempt. On failure it hands
// the payload to the asynq retry queue rather than retrying inline, so a
// slow/backoff sequence never ties up an ants worker.
func (d *Dispatcher) deliverOnce(ctx context.Context, task asynqPayload) {
	if err := d.post(ctx, task); err != nil {
		logger.Warnf(ctx, "callback: first attempt failed for tenant %q event %q: %v; queuing retry",
			task.Body.TenantID, task.Body.Event, err)
		d.enqueueRetry(ctx, task)
	}
}

func (d *Dispatcher) post(ctx context.Context, task asynqPayload) error {
	raw, err := json.Marshal(task.Body)
	if err != nil {
		return fmt.Errorf("marshal callback body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, task.CallbackURL, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if task.CallbackAuth != "" {
		req.Header.Set("Authorization", "Bearer "+task.CallbackAuth)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post callback: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("callback endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) enqueueRetry(ctx context.Context, task asynqPayload) {
	if d.asynqClient == nil {
		return
	}
	raw, err := json.Marshal(task)
	if err != nil {
		logger.Errorf(ctx, "callback: failed to marshal retry payload: %v", err)
		return
	}

	maxAttempts := d.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	// asynq.MaxRetry counts retries after the task's first run, so the queue
	// delivers at most maxAttempts times.
	t := asynq.NewTask(TaskTypeDeliver, raw)
	if _, err := d.asynqClient.EnqueueContext(ctx, t,
		asynq.MaxRetry(maxAttempts-1),
		asynq.Queue("callbacks"),
	); err != nil {
		logger.Errorf(ctx, "callback: failed to enqueue retry for tenant %q event %q: %v",
			task.Body.TenantID, task.Body.Event, err)
	}
}

// Close releases the worker pool. The asynq client is owned by the caller
// and closed separately.
func (d *Dispatcher) Close() {
	d.pool.Release()
}
