package middleware

import (
	"strings"
	"sync"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveWebSockets is the number of open websocket connections by endpoint.
	ActiveWebSockets = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gizchat_active_websockets",
		Help: "Number of open websocket connections",
	}, []string{"endpoint"})

	// RedisErrors counts Redis command failures by command name.
	RedisErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gizchat_redis_errors_total",
		Help: "Total Redis command errors",
	}, []string{"command"})
)

var (
	promOnce sync.Once
	promInst *fiberprometheus.FiberPrometheus
)

// InitMetrics creates the HTTP metrics collector for the service. Collectors
// live in the default registry, so repeated calls share one instance.
func InitMetrics(serviceName string) *fiberprometheus.FiberPrometheus {
	promOnce.Do(func() {
		promInst = fiberprometheus.New(serviceName)
	})
	return promInst
}

// MetricsMiddleware records request metrics, skipping websocket upgrades whose
// latency is the lifetime of the connection.
func MetricsMiddleware(prom *fiberprometheus.FiberPrometheus) fiber.Handler {
	record := prom.Middleware
	return func(c *fiber.Ctx) error {
		if strings.HasPrefix(c.Path(), "/api/ws") {
			return c.Next()
		}
		return record(c)
	}
}
