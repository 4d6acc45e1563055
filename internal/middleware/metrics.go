package middleware

import (
	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveWebSockets is the gauge of currently open websocket handlers.
	ActiveWebSockets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "courier_active_websockets",
		Help: "Number of active websocket handler goroutines",
	})

	// RedisErrors counts Redis command errors by command name.
	RedisErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_redis_errors_total",
		Help: "Total number of Redis command errors",
	}, []string{"command"})

	// RateLimitRejections counts requests rejected by the rate limiter.
	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_rate_limit_rejections_total",
		Help: "Total requests rejected by the Redis rate limiter",
	}, []string{"resource"})
)

// InitMetrics creates the fiberprometheus middleware for the given service name.
func InitMetrics(serviceName string) *fiberprometheus.FiberPrometheus {
	return fiberprometheus.New(serviceName)
}

// MetricsMiddleware wraps the fiberprometheus middleware as a Fiber handler.
func MetricsMiddleware(prom *fiberprometheus.FiberPrometheus) fiber.Handler {
	return prom.Middleware
}
