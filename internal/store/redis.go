// Package store is the only component allowed to touch Redis directly.
// Every other component goes through the atomic primitives exposed here.
//
// Multi-key mutations run as server-side atomic scripts (redis.Script):
// GET/SET the JSON-encoded record via cjson, mutate the index sets in the
// same script, return the result.
package store

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/jobbroker/core/internal/platform/logger"
)

// Store wraps a Redis client with the key layout and atomic scripts the
// broker kernel depends on. All keys share a configurable prefix so a
// single Redis instance can host multiple tenants.
type Store struct {
	log    *logger.Logger
	rdb    goredis.UniversalClient
	prefix string

	claimScript    *goredis.Script
	completeScript *goredis.Script
	failScript     *goredis.Script
	releaseScript  *goredis.Script
	requeueScript  *goredis.Script
	cancelScript   *goredis.Script
	submitScript   *goredis.Script
	progressScript *goredis.Script
	timeoutScript  *goredis.Script

	workerStatusScript      *goredis.Script
	workerHeartbeatScript   *goredis.Script
	workerCurrentJobsScript *goredis.Script
	workerCountersScript    *goredis.Script
}

// Options configures a new Store.
type Options struct {
	// Prefix is prepended to every key. Defaults to "jobbroker:".
	Prefix string
}

// New wires a Store around an already-constructed Redis client. It does not
// connect eagerly; call Ping to verify connectivity.
func New(rdb goredis.UniversalClient, log *logger.Logger, opts Options) *Store {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "jobbroker:"
	}
	if prefix[len(prefix)-1] != ':' {
		prefix += ":"
	}
	s := &Store{
		log:    log.With("component", "Store"),
		rdb:    rdb,
		prefix: prefix,
	}
	s.claimScript = goredis.NewScript(claimScriptSrc)
	s.completeScript = goredis.NewScript(completeScriptSrc)
	s.failScript = goredis.NewScript(failScriptSrc)
	s.releaseScript = goredis.NewScript(releaseScriptSrc)
	s.requeueScript = goredis.NewScript(requeueScriptSrc)
	s.cancelScript = goredis.NewScript(cancelScriptSrc)
	s.submitScript = goredis.NewScript(submitScriptSrc)
	s.progressScript = goredis.NewScript(progressScriptSrc)
	s.timeoutScript = goredis.NewScript(timeoutScriptSrc)
	s.workerStatusScript = goredis.NewScript(workerStatusScriptSrc)
	s.workerHeartbeatScript = goredis.NewScript(workerHeartbeatScriptSrc)
	s.workerCurrentJobsScript = goredis.NewScript(workerCurrentJobsScriptSrc)
	s.workerCountersScript = goredis.NewScript(workerCountersScriptSrc)
	return s
}

// NewFromURL builds a goredis.Client from a redis:// URL and wraps it.
func NewFromURL(url string, log *logger.Logger, opts Options) (*Store, error) {
	ropts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse store url: %w", err)
	}
	client := goredis.NewClient(ropts)
	return New(client, log, opts), nil
}

// Ping verifies connectivity, used at startup and for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close releases the underlying Redis connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Client exposes the underlying client for components (events, metrics)
// that need raw Redis access the atomic primitives don't cover, e.g.
// streams and pub/sub.
func (s *Store) Client() goredis.UniversalClient { return s.rdb }

// --- key layout ---

func (s *Store) jobKey(id string) string      { return s.prefix + "job:" + id }
func (s *Store) workerKey(id string) string   { return s.prefix + "worker:" + id }
func (s *Store) workflowKey(id string) string { return s.prefix + "workflow:" + id }

func (s *Store) pendingKey() string   { return s.prefix + "queue:pending" }
func (s *Store) activeKey() string    { return s.prefix + "set:active" }
func (s *Store) completedKey() string { return s.prefix + "set:completed" }
func (s *Store) failedKey() string    { return s.prefix + "set:failed" }
func (s *Store) cancelledKey() string { return s.prefix + "set:cancelled" }

func (s *Store) workersActiveKey() string { return s.prefix + "workers:active" }

func (s *Store) workerOfJobKey() string { return s.prefix + "idx:worker_of_job" }
func (s *Store) jobsOfWorkerKey(workerID string) string {
	return s.prefix + "idx:jobs_of_worker:" + workerID
}

func (s *Store) statusChannel(jobID string) string { return "job:" + jobID + ":status" }
func (s *Store) workerChannel(workerID string) string {
	return "worker:" + workerID + ":directed"
}

// workerArchiveKey is where the graveyard sweep preserves a removed
// worker's historical counters.
func (s *Store) workerArchiveKey(id string) string { return s.prefix + "archive:worker:" + id }

const scriptTimeout = 2 * time.Second
