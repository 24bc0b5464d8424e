// Package health exposes liveness/readiness probes for the HTTP admin
// process: liveness just reports the process is up, readiness checks the
// broker and tenant DB connections.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aau-zid/schedulight-go/internal/broker"
	"github.com/aau-zid/schedulight-go/internal/logging"
)

// DBPinger is satisfied by *tenantdb.DB; kept as an interface to avoid an
// import cycle and to let tests substitute a fake.
type DBPinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the liveness/readiness endpoints.
type Handler struct {
	brokerSvc *broker.Service
	db        DBPinger
}

// NewHandler constructs a health handler over the given broker and tenant
// DB. db may be nil if the process does not hold a tenant DB connection.
func NewHandler(brokerSvc *broker.Service, db DBPinger) *Handler {
	return &Handler{brokerSvc: brokerSvc, db: db}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live: 200 if the process is alive.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready: 200 only if every configured
// dependency is reachable, 503 otherwise. A nil broker counts as healthy,
// and the tenant DB is checked only when one was given.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	brokerStatus := h.checkBroker(ctx)
	checks["broker"] = brokerStatus
	if brokerStatus != "healthy" {
		allHealthy = false
	}

	if h.db != nil {
		dbStatus := h.checkDB(ctx)
		checks["tenant_db"] = dbStatus
		if dbStatus != "healthy" {
			allHealthy = false
		}
	}

	status := "ready"
	code := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkBroker(ctx context.Context) string {
	if h.brokerSvc == nil {
		return "healthy"
	}
	if err := h.brokerSvc.Ping(ctx); err != nil {
		logging.Error(ctx, "broker health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

func (h *Handler) checkDB(ctx context.Context) string {
	if err := h.db.Ping(ctx); err != nil {
		logging.Error(ctx, "tenant db health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}
