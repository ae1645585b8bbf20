package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"job-scoring-pipeline/internal/dispatch"
	"job-scoring-pipeline/internal/fetcher"
	"job-scoring-pipeline/internal/ingestion"
	"job-scoring-pipeline/internal/logger"
	"job-scoring-pipeline/internal/models"
	"job-scoring-pipeline/internal/notify"
	"job-scoring-pipeline/internal/pipeline"
	"job-scoring-pipeline/internal/queue"
	"job-scoring-pipeline/internal/ratelimit"
	"job-scoring-pipeline/internal/store/memory"
)

type setQueue struct {
	mu   sync.Mutex
	live map[string]bool
}

func (q *setQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.live)
}

func (q *setQueue) Enqueue(_ context.Context, task models.DispatchTask) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.live[task.Key()] {
		return false, nil
	}
	q.live[task.Key()] = true
	return true, nil
}

type stubInspector struct{}

func (stubInspector) Stats(context.Context) (queue.Stats, error) {
	return queue.Stats{Waiting: 3, Active: 1, Delayed: 2, Abandoned: 1}, nil
}

func (stubInspector) AbandonedPeek(_ context.Context, count int64) ([]queue.AbandonedTask, error) {
	return []queue.AbandonedTask{{JobID: "j-1", TenantID: "t-1", Attempts: 3, Error: "scorer down"}}, nil
}

type stubLimiter struct {
	allow bool
}

func (l stubLimiter) Allow(context.Context, string) (ratelimit.Decision, error) {
	if l.allow {
		return ratelimit.Decision{Allowed: true, Remaining: 4}, nil
	}
	return ratelimit.Decision{RetryAfter: 11500 * time.Millisecond}, nil
}

type testEnv struct {
	store  *memory.Store
	queue  *setQueue
	hub    *notify.Hub
	tenant models.Tenant
	srv    *httptest.Server
}

func newEnv(t *testing.T, limiter Limiter) *testEnv {
	t.Helper()
	log := logger.NewNop()
	st := memory.New()
	q := &setQueue{live: map[string]bool{}}
	hub := notify.NewHub(log)
	events := notify.NewNotifier(hub, log)

	d := dispatch.New(st, q, events, log)
	svc := pipeline.NewService(st, fetcher.NewStatic(), d, events, log)
	server := New(Deps{
		Pipeline: svc,
		Ingestor: ingestion.NewService(st, events, log),
		Tenants:  st,
		Queue:    stubInspector{},
		Limiter:  limiter,
		Hub:      hub,
		Logger:   log,
	})
	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)

	tenant, err := st.CreateTenant(context.Background(), "acme", models.PlanFree)
	require.NoError(t, err)
	return &testEnv{store: st, queue: q, hub: hub, tenant: tenant, srv: srv}
}

func (e *testEnv) do(t *testing.T, method, path, tenantID string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	if tenantID != "" {
		req.Header.Set(tenantHeader, tenantID)
		req.Header.Set(userHeader, "u-1")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestFetchEndpoint(t *testing.T) {
	env := newEnv(t, stubLimiter{allow: true})

	resp := env.do(t, http.MethodPost, "/jobs/fetch", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/jobs/fetch", env.tenant.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decodeBody[models.FetchResult](t, resp)
	assert.Equal(t, 5, res.Fetched)
	assert.Equal(t, 5, res.Queued)
	assert.Equal(t, 5, env.queue.size())

	resp = env.do(t, http.MethodGet, "/jobs?status=queued&take=2", env.tenant.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decodeBody[pipeline.JobPage](t, resp)
	assert.Len(t, page.Jobs, 2)
	assert.Equal(t, 5, page.Total)
}

func TestFetchRateLimited(t *testing.T) {
	env := newEnv(t, stubLimiter{allow: false})

	resp := env.do(t, http.MethodPost, "/jobs/fetch", env.tenant.ID, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "12", resp.Header.Get("Retry-After"))
	assert.Zero(t, env.queue.size())
}

func TestScoringWebhookScenario(t *testing.T) {
	env := newEnv(t, nil)
	ctx := context.Background()
	job, _, err := env.store.CreateJob(ctx, env.tenant.ID, "u-1", models.Candidate{
		Title: "Go engineer", Description: "Queues", URL: "https://example.com/go",
	}, models.StatusQueued)
	require.NoError(t, err)

	events, cancel := env.hub.Subscribe(ctx, env.tenant.ID)
	defer cancel()

	payload := map[string]any{"jobId": job.ID, "score": 8, "reason": "strong match"}
	resp := env.do(t, http.MethodPost, "/webhooks/scoring", "", payload)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	seen := map[notify.EventType]bool{}
	for len(seen) < 2 {
		select {
		case ev := <-events:
			seen[ev.Type] = true
		case <-time.After(time.Second):
			t.Fatal("scoring events not delivered")
		}
	}
	assert.True(t, seen[notify.EventJobScored])

	resp = env.do(t, http.MethodPost, "/webhooks/scoring", "", payload)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/jobs/"+job.ID+"/history", env.tenant.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history := decodeBody[struct {
		Items []models.ScoringHistory `json:"items"`
	}](t, resp)
	require.Len(t, history.Items, 1)
	assert.Equal(t, 8, history.Items[0].Score)

	resp = env.do(t, http.MethodPost, "/jobs/"+job.ID+"/archive", env.tenant.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.StatusArchived, decodeBody[models.Job](t, resp).Status)
}

func TestWebhookRejectsBadPayload(t *testing.T) {
	env := newEnv(t, nil)

	resp := env.do(t, http.MethodPost, "/webhooks/scoring", "", map[string]any{"jobId": "x", "score": 3, "reason": "r"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	assert.Contains(t, body["error"], "jobId")

	resp = env.do(t, http.MethodPost, "/webhooks/scoring", "", map[string]any{
		"jobId": "6f1c0c56-0f8a-4a4e-9c43-3b1f4a0a6b3e", "score": 3, "reason": "r",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJobsAreTenantIsolated(t *testing.T) {
	env := newEnv(t, nil)
	job, _, err := env.store.CreateJob(context.Background(), env.tenant.ID, "u-1", models.Candidate{
		Title: "Go engineer", URL: "https://example.com/go",
	}, models.StatusNew)
	require.NoError(t, err)
	other, err := env.store.CreateTenant(context.Background(), "globex", models.PlanPro)
	require.NoError(t, err)

	resp := env.do(t, http.MethodGet, "/jobs/"+job.ID, other.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/jobs/"+job.ID, env.tenant.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListRejectsBadFilters(t *testing.T) {
	env := newEnv(t, nil)

	for _, q := range []string{"minScore=0", "maxScore=eleven", "startDate=yesterday", "status=done"} {
		resp := env.do(t, http.MethodGet, "/jobs?"+q, env.tenant.ID, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestTenantEndpoints(t *testing.T) {
	env := newEnv(t, nil)
	ctx := context.Background()
	for _, slug := range []string{"a", "b"} {
		_, _, err := env.store.CreateJob(ctx, env.tenant.ID, "u-1", models.Candidate{
			Title: slug, URL: "https://example.com/" + slug,
		}, models.StatusPendingUpgrade)
		require.NoError(t, err)
	}

	resp := env.do(t, http.MethodGet, "/tenants/"+env.tenant.ID+"/plan-limit", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	limit := decodeBody[models.PlanLimit](t, resp)
	assert.True(t, limit.Allowed)
	assert.Equal(t, 2, limit.CurrentCount)
	require.NotNil(t, limit.Limit)
	assert.Equal(t, 50, *limit.Limit)

	resp = env.do(t, http.MethodPut, "/tenants/"+env.tenant.ID+"/plan", "", map[string]string{"plan": "gold"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPut, "/tenants/"+env.tenant.ID+"/plan", "", map[string]string{"plan": "enterprise"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	changed := decodeBody[struct {
		Tenant     models.Tenant `json:"tenant"`
		Readmitted int           `json:"readmitted"`
	}](t, resp)
	assert.Equal(t, models.PlanEnterprise, changed.Tenant.Plan)
	assert.Equal(t, 2, changed.Readmitted)

	resp = env.do(t, http.MethodPost, "/tenants", "", map[string]string{"name": "initech"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, models.PlanFree, decodeBody[models.Tenant](t, resp).Plan)
}

func TestOperatorEndpoints(t *testing.T) {
	env := newEnv(t, nil)

	resp := env.do(t, http.MethodGet, "/queue/stats", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, queue.Stats{Waiting: 3, Active: 1, Delayed: 2, Abandoned: 1}, decodeBody[queue.Stats](t, resp))

	resp = env.do(t, http.MethodGet, "/dlq", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	dlq := decodeBody[struct {
		Items []queue.AbandonedTask `json:"items"`
	}](t, resp)
	require.Len(t, dlq.Items, 1)
	assert.Equal(t, "j-1", dlq.Items[0].JobID)

	resp = env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEventsRequireTenant(t *testing.T) {
	env := newEnv(t, nil)
	resp := env.do(t, http.MethodGet, "/events", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRequeueEndpoint(t *testing.T) {
	env := newEnv(t, nil)
	ctx := context.Background()
	stuck, _, err := env.store.CreateJob(ctx, env.tenant.ID, "u-1", models.Candidate{
		Title: "Go engineer", URL: "https://example.com/go",
	}, models.StatusNew)
	require.NoError(t, err)
	scored, _, err := env.store.CreateJob(ctx, env.tenant.ID, "u-1", models.Candidate{
		Title: "Rust engineer", URL: "https://example.com/rust",
	}, models.StatusScored)
	require.NoError(t, err)

	resp := env.do(t, http.MethodPost, "/jobs/"+stuck.ID+"/requeue", env.tenant.ID, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, models.StatusQueued, decodeBody[models.Job](t, resp).Status)
	assert.Equal(t, 1, env.queue.size())

	resp = env.do(t, http.MethodPost, "/jobs/"+scored.ID+"/requeue", env.tenant.ID, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 1, env.queue.size())
}

func TestResponsesUseCamelCaseKeys(t *testing.T) {
	env := newEnv(t, stubLimiter{allow: true})

	resp := env.do(t, http.MethodGet, "/tenants/"+env.tenant.ID+"/plan-limit", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	limit := decodeBody[map[string]any](t, resp)
	assert.Contains(t, limit, "currentCount")

	resp = env.do(t, http.MethodPost, "/jobs/fetch", env.tenant.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decodeBody[map[string]any](t, resp)
	assert.Contains(t, res, "pendingUpgrade")

	resp = env.do(t, http.MethodGet, "/jobs?take=1", env.tenant.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decodeBody[struct {
		Jobs []map[string]any `json:"jobs"`
	}](t, resp)
	require.Len(t, page.Jobs, 1)
	for _, key := range []string{"tenantId", "userId", "createdAt", "updatedAt"} {
		assert.Contains(t, page.Jobs[0], key)
	}
}
