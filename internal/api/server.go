package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"job-scoring-pipeline/internal/apperr"
	"job-scoring-pipeline/internal/ingestion"
	"job-scoring-pipeline/internal/logger"
	"job-scoring-pipeline/internal/models"
	"job-scoring-pipeline/internal/notify"
	"job-scoring-pipeline/internal/pipeline"
	"job-scoring-pipeline/internal/queue"
	"job-scoring-pipeline/internal/ratelimit"
	"job-scoring-pipeline/internal/telemetry"
)

const (
	tenantHeader = "X-Tenant-ID"
	userHeader   = "X-User-ID"
)

// Pipeline is the job-facing service surface.
type Pipeline interface {
	FetchAndProcess(ctx context.Context, userID, tenantID string) (models.FetchResult, error)
	ReadmitPending(ctx context.Context, tenantID string) (int, error)
	ChangePlan(ctx context.Context, tenantID string, plan models.Plan) (models.Tenant, int, error)
	PlanLimit(ctx context.Context, tenantID string) (models.PlanLimit, error)
	Archive(ctx context.Context, tenantID, jobID string) (models.Job, error)
	Requeue(ctx context.Context, tenantID, jobID string) (models.Job, error)
	Get(ctx context.Context, tenantID, jobID string) (models.Job, error)
	List(ctx context.Context, tenantID string, f models.JobFilter) (pipeline.JobPage, error)
	History(ctx context.Context, tenantID, jobID string) ([]models.ScoringHistory, error)
}

// Ingestor applies scorer callbacks.
type Ingestor interface {
	Ingest(ctx context.Context, p ingestion.Payload) (models.Job, error)
}

// Tenants creates and reads tenants.
type Tenants interface {
	CreateTenant(ctx context.Context, name string, plan models.Plan) (models.Tenant, error)
	GetTenant(ctx context.Context, id string) (models.Tenant, error)
}

// QueueInspector exposes queue depth for operators.
type QueueInspector interface {
	Stats(ctx context.Context) (queue.Stats, error)
	AbandonedPeek(ctx context.Context, count int64) ([]queue.AbandonedTask, error)
}

// Limiter throttles manual fetches per tenant.
type Limiter interface {
	Allow(ctx context.Context, tenantID string) (ratelimit.Decision, error)
}

// Deps are the collaborators the HTTP layer dispatches to. Limiter may be nil.
type Deps struct {
	Pipeline Pipeline
	Ingestor Ingestor
	Tenants  Tenants
	Queue    QueueInspector
	Limiter  Limiter
	Hub      *notify.Hub
	Logger   logger.Logger
}

// Server wires HTTP handlers for the pipeline API.
type Server struct {
	pipeline Pipeline
	ingestor Ingestor
	tenants  Tenants
	queue    QueueInspector
	limiter  Limiter
	hub      *notify.Hub
	logger   logger.Logger
	validate *validator.Validate
}

func New(d Deps) *Server {
	return &Server{
		pipeline: d.Pipeline,
		ingestor: d.Ingestor,
		tenants:  d.Tenants,
		queue:    d.Queue,
		limiter:  d.Limiter,
		hub:      d.Hub,
		logger:   d.Logger,
		validate: validator.New(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/webhooks/scoring", s.handleScoringWebhook)

	r.Route("/jobs", func(r chi.Router) {
		r.Use(requireTenant)
		r.Post("/fetch", s.handleFetch)
		r.Get("/", s.handleListJobs)
		r.Get("/{id}", s.handleGetJob)
		r.Get("/{id}/history", s.handleHistory)
		r.Post("/{id}/archive", s.handleArchive)
		r.Post("/{id}/requeue", s.handleRequeue)
	})

	r.Route("/tenants", func(r chi.Router) {
		r.Post("/", s.handleCreateTenant)
		r.Get("/{id}", s.handleGetTenant)
		r.Get("/{id}/plan-limit", s.handlePlanLimit)
		r.Put("/{id}/plan", s.handleChangePlan)
		r.Post("/{id}/readmit", s.handleReadmit)
	})

	r.Get("/queue/stats", s.handleQueueStats)
	r.Get("/dlq", s.handleDLQ)

	if s.hub != nil {
		r.Get("/events", notify.SSEHandler(s.hub, tenantFromRequest, s.logger))
	}
	return r
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.Int("status", ww.Status()),
			logger.Duration("took", time.Since(start)),
			logger.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tenantFromRequest(r) == "" {
			writeError(w, http.StatusUnauthorized, "missing "+tenantHeader+" header")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromRequest(r)
	userID := r.Header.Get(userHeader)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing "+userHeader+" header")
		return
	}
	if s.limiter != nil {
		d, err := s.limiter.Allow(r.Context(), tenantID)
		if err != nil {
			s.logger.Error("rate limit check failed", logger.String("tenant_id", tenantID), logger.Error(err))
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "too many fetch requests")
			return
		}
	}

	res, err := s.pipeline.FetchAndProcess(r.Context(), userID, tenantID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	f, err := parseJobFilter(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	page, err := s.pipeline.List(r.Context(), tenantFromRequest(r), f)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.pipeline.Get(r.Context(), tenantFromRequest(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.pipeline.History(r.Context(), tenantFromRequest(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": history})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	job, err := s.pipeline.Archive(r.Context(), tenantFromRequest(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	job, err := s.pipeline.Requeue(r.Context(), tenantFromRequest(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleScoringWebhook(w http.ResponseWriter, r *http.Request) {
	var p ingestion.Payload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	job, err := s.ingestor.Ingest(r.Context(), p)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "job": job})
}

type createTenantRequest struct {
	Name string      `json:"name" validate:"required,max=255"`
	Plan models.Plan `json:"plan" validate:"omitempty,oneof=free pro enterprise"`
}

type changePlanRequest struct {
	Plan models.Plan `json:"plan" validate:"required,oneof=free pro enterprise"`
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Plan == "" {
		req.Plan = models.PlanFree
	}
	tenant, err := s.tenants.CreateTenant(r.Context(), req.Name, req.Plan)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tenant)
}

func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	tenant, err := s.tenants.GetTenant(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tenant)
}

func (s *Server) handlePlanLimit(w http.ResponseWriter, r *http.Request) {
	limit, err := s.pipeline.PlanLimit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, limit)
}

func (s *Server) handleChangePlan(w http.ResponseWriter, r *http.Request) {
	var req changePlanRequest
	if !s.decode(w, r, &req) {
		return
	}
	tenant, readmitted, err := s.pipeline.ChangePlan(r.Context(), chi.URLParam(r, "id"), req.Plan)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenant": tenant, "readmitted": readmitted})
}

func (s *Server) handleReadmit(w http.ResponseWriter, r *http.Request) {
	n, err := s.pipeline.ReadmitPending(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"readmitted": n})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleDLQ returns the most recently abandoned tasks.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.AbandonedPeek(r.Context(), int64(parseQueryInt(r, "limit", 100, 1000)))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// decode reads and validates a JSON body, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			writeError(w, http.StatusBadRequest, "invalid "+fe.Field()+": failed "+fe.Tag())
			return false
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// fail maps domain errors onto status codes. Internal details are logged, not returned.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", logger.Error(err))
		writeError(w, status, http.StatusText(status))
		return
	}
	writeError(w, status, err.Error())
}

func tenantFromRequest(r *http.Request) string {
	return r.Header.Get(tenantHeader)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
