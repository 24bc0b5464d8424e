// Package ratelimit rate-limits the HTTP admin surface with
// ulule/limiter/v3, backed by Redis when a client is available so limits
// hold across multiple httpadmin replicas, and an in-memory store
// otherwise.
package ratelimit

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	goredis "github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// exceededTotal counts requests rejected by any class of limiter, by class.
var exceededTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "schedulight",
	Subsystem: "ratelimit",
	Name:      "exceeded_total",
	Help:      "Total HTTP admin requests rejected by the rate limiter",
}, []string{"class"})

// Config sets each request class's quota, expressed in ulule/limiter's
// "<count>-<period>" rate syntax (e.g. "300-M" for 300 per minute).
type Config struct {
	GlobalRate   string
	MutatingRate string
}

// Limiter holds one ulule/limiter instance per request class. There is no
// per-user class here (unlike a user-authenticated surface): every class
// is keyed by client IP, since this admin surface has no HTTP auth.
type Limiter struct {
	global   *limiter.Limiter
	mutating *limiter.Limiter
}

// New constructs a Limiter. redisClient may be nil, in which case every
// class falls back to a process-local memory store.
func New(cfg Config, redisClient *goredis.Client) (*Limiter, error) {
	store, err := newStore(redisClient)
	if err != nil {
		return nil, err
	}

	globalRate, err := limiter.NewRateFromFormatted(cfg.GlobalRate)
	if err != nil {
		return nil, err
	}
	mutatingRate, err := limiter.NewRateFromFormatted(cfg.MutatingRate)
	if err != nil {
		return nil, err
	}

	return &Limiter{
		global:   limiter.New(store, globalRate),
		mutating: limiter.New(store, mutatingRate),
	}, nil
}

func newStore(redisClient *goredis.Client) (limiter.Store, error) {
	if redisClient == nil {
		return memory.NewStore(), nil
	}
	return sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{Prefix: "schedulight_ratelimit"})
}

// Global rate-limits every request on the admin surface by client IP.
func (l *Limiter) Global() gin.HandlerFunc {
	return mgin.NewMiddleware(l.global,
		mgin.WithKeyGetter(func(c *gin.Context) string { return c.ClientIP() }),
		mgin.WithLimitReachedHandler(reached("global")),
	)
}

// Mutating rate-limits state-changing admin calls (server/meeting
// create/update/delete, command enqueue) more strictly than read traffic.
func (l *Limiter) Mutating() gin.HandlerFunc {
	return mgin.NewMiddleware(l.mutating,
		mgin.WithKeyGetter(func(c *gin.Context) string { return c.ClientIP() }),
		mgin.WithLimitReachedHandler(reached("mutating")),
	)
}

func reached(class string) gin.HandlerFunc {
	return func(c *gin.Context) {
		exceededTotal.WithLabelValues(class).Inc()
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"message": "rate limit exceeded"})
	}
}
