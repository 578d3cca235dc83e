package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/jobbroker/core/internal/connector"
	"github.com/jobbroker/core/internal/metrics"
	"github.com/jobbroker/core/internal/platform/logger"
)

// reconciler wraps every connector's query_status call with a circuit
// breaker per service (so a flaky external service can't stall an entire
// sweep tick) and collapses concurrent queries for the same service_job_id
// via singleflight. Sweeps A and B run one after the other, so they never
// query concurrently with each other.
type reconciler struct {
	log        *logger.Logger
	connectors *connector.Registry

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	group    singleflight.Group

	metrics *metrics.Metrics
}

func newReconciler(connectors *connector.Registry, log *logger.Logger) *reconciler {
	return &reconciler{
		log:        log.With("component", "Reconciler"),
		connectors: connectors,
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}
}

// SetMetrics attaches the Prometheus collectors reconciliation queries
// should report latency and outcome against. Safe to leave unset.
func (r *reconciler) SetMetrics(m *metrics.Metrics) { r.metrics = m }

func (r *reconciler) breakerFor(service string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[service]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "connector:" + service,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	r.breakers[service] = b
	return b
}

// query asks the service's connector for a job's true external state,
// deduplicating identical concurrent queries and tripping a per-service
// circuit breaker on repeated failure.
func (r *reconciler) query(ctx context.Context, service, serviceJobID string) (connector.StatusResult, error) {
	start := time.Now()
	key := service + ":" + serviceJobID
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		c, ok := r.connectors.Get(service)
		if !ok {
			return connector.StatusResult{}, errNoConnector(service)
		}
		breaker := r.breakerFor(service)
		res, err := breaker.Execute(func() (interface{}, error) {
			return c.QueryStatus(ctx, serviceJobID)
		})
		if err != nil {
			return connector.StatusResult{}, err
		}
		return res.(connector.StatusResult), nil
	})

	if r.metrics != nil {
		outcome := "error"
		if err == nil {
			outcome = string(v.(connector.StatusResult).State)
		}
		r.metrics.RecordReconciliation(service, outcome, time.Since(start).Seconds())
	}
	if err != nil {
		return connector.StatusResult{}, err
	}
	return v.(connector.StatusResult), nil
}

type errNoConnector string

func (e errNoConnector) Error() string { return "no connector registered for service: " + string(e) }
