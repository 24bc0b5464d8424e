// Package httpapi implements the HTTP admin surface: thin CRUD over
// broker-resident server/meeting records, the status ledger, and command
// enqueueing. Grounded on a gin router construction idiom (gin.Default,
// cors.New, gin.Recovery, graceful shutdown) common to the corpus's
// HTTP-fronted services.
package httpapi

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aau-zid/schedulight-go/internal/broker"
	"github.com/aau-zid/schedulight-go/internal/conference"
	"github.com/aau-zid/schedulight-go/internal/health"
	"github.com/aau-zid/schedulight-go/internal/middleware"
	"github.com/aau-zid/schedulight-go/internal/model"
	"github.com/aau-zid/schedulight-go/internal/ratelimit"
	"github.com/aau-zid/schedulight-go/internal/tracing"
)

// API holds the dependencies shared by every route handler.
type API struct {
	b              *broker.Service
	v              *validator.Validate
	h              *health.Handler
	conf           *conference.Client
	keepRedisCache time.Duration
}

// NewAPI constructs the HTTP admin's handler set.
func NewAPI(b *broker.Service, h *health.Handler, conf *conference.Client, keepRedisCacheSeconds int) *API {
	return &API{b: b, v: model.NewValidator(), h: h, conf: conf, keepRedisCache: time.Duration(keepRedisCacheSeconds) * time.Second}
}

// NewRouter builds the gin engine with every admin route wired in. rl may
// be nil in tests, which skips rate limiting entirely.
func NewRouter(api *API, allowedOrigins []string, rl *ratelimit.Limiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CorrelationID())
	r.Use(tracing.Middleware("schedulight-httpadmin"))

	r.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "X-Correlation-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	if rl != nil {
		r.Use(rl.Global())
	}

	r.GET("/health/live", api.h.Liveness)
	r.GET("/health/ready", api.h.Readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		v1.GET("/servers", api.listServers)
		v1.GET("/servers/:id", api.getServer)
		v1.GET("/servers/:id/meetings", api.getServerMeetings)

		v1.GET("/meetings", api.listMeetings)
		v1.GET("/meetings/:id", api.getMeeting)

		v1.GET("/meetings/:id/status", api.getMeetingStatus)
		v1.GET("/meetings/:id/status/:field", api.getMeetingStatusField)

		mutating := v1.Group("")
		if rl != nil {
			mutating.Use(rl.Mutating())
		}
		{
			mutating.POST("/servers", api.createServer)
			mutating.PUT("/servers/:id", api.putServer)
			mutating.DELETE("/servers/:id", api.deleteServer)

			mutating.POST("/meetings", api.createMeeting)
			mutating.PUT("/meetings/:id", api.putMeeting)
			mutating.DELETE("/meetings/:id", api.deleteMeeting)

			mutating.DELETE("/meetings/:id/status", api.deleteMeetingStatus)
			mutating.PUT("/meetings/:id/status/:field", api.putMeetingStatusField)
			mutating.DELETE("/meetings/:id/status/:field", api.deleteMeetingStatusField)

			mutating.POST("/commands", api.postCommand)
		}
	}

	return r
}
