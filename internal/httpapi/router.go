package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"keybroker/internal/audit"
	"keybroker/internal/broker"
	"keybroker/internal/middleware"
	"keybroker/internal/queue"
	"keybroker/internal/reconcile"
	"keybroker/internal/storage"
	"keybroker/internal/utils"
)

// HealthChecker is a dependency whose health /health reports.
// Implemented by storage.DB and storage.RedisClient.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// UsageQueue is the async usage writer seen by the ops endpoints.
// Implemented by storage.UsageWriter.
type UsageQueue interface {
	GetQueueLength(ctx context.Context) (int, error)
	GetDeadLetterItems(ctx context.Context, maxItems int) ([]queue.DeadLetterItem[storage.UsageSnapshot], error)
	RetryDeadLetterItem(ctx context.Context, id string) error
}

// Dependencies aggregates all services the HTTP layer needs.
type Dependencies struct {
	Broker       *broker.Broker
	Sweeper      *reconcile.Sweeper
	Leases       *storage.LRUCache[*broker.Candidate]
	LeaseTTL     time.Duration
	Health       map[string]HealthChecker
	Usage        UsageQueue
	CallerTokens []string
	Journal      audit.Recorder
	Logger       *utils.Logger
}

// NewRouter creates the HTTP router of the broker service
func NewRouter(deps *Dependencies) http.Handler {
	if deps.Logger == nil {
		deps.Logger = utils.NewLogger("httpapi")
	}
	if deps.Journal == nil {
		deps.Journal = audit.Discard
	}

	mux := http.NewServeMux()

	// Ops endpoints - public
	mux.HandleFunc("GET /health", deps.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /v1/broker/status", deps.handleStatus)

	// Lease endpoints hand out provider secrets
	callers := middleware.CallerTokenMiddleware(deps.CallerTokens)
	mux.Handle("POST /v1/broker/select", callers(http.HandlerFunc(deps.handleSelect)))
	mux.Handle("POST /v1/broker/report", callers(http.HandlerFunc(deps.handleReport)))
	mux.Handle("POST /v1/broker/sweep", callers(http.HandlerFunc(deps.handleSweep)))

	// Usage persistence ops
	mux.Handle("GET /v1/broker/usage/dead-letters", callers(http.HandlerFunc(deps.handleDeadLetters)))
	mux.Handle("POST /v1/broker/usage/dead-letters/{id}/retry", callers(http.HandlerFunc(deps.handleRetryDeadLetter)))

	return middleware.RequestLogging(deps.Logger)(mux)
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (d *Dependencies) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: map[string]string{}}
	code := http.StatusOK
	for name, hc := range d.Health {
		if err := hc.Health(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	utils.RespondWithJSON(w, code, resp)
}

type statusResponse struct {
	broker.Stats
	LastSweep        *reconcile.Report `json:"last_sweep,omitempty"`
	UsageQueueLength *int              `json:"usage_queue_length,omitempty"`
}

func (d *Dependencies) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Stats: d.Broker.Stats()}
	if d.Sweeper != nil {
		if last, ok := d.Sweeper.LastReport(); ok {
			resp.LastSweep = &last
		}
	}
	if d.Usage != nil {
		if n, err := d.Usage.GetQueueLength(r.Context()); err == nil {
			resp.UsageQueueLength = &n
		} else {
			d.Logger.Warn("Failed to read usage queue length", "error", err)
		}
	}
	utils.RespondWithJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) handleSweep(w http.ResponseWriter, r *http.Request) {
	if d.Sweeper == nil {
		utils.RespondWithError(w, http.StatusNotImplemented, "sweeper not configured")
		return
	}
	report, err := d.Sweeper.RunOnce(r.Context())
	if err != nil {
		d.Logger.Error("Manual sweep failed", "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "sweep failed")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, report)
}
