// Package simulation is a connector usable by tests and local runs without
// any real external service. Forced states let a caller script an exact
// completion or failure sequence.
package simulation

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/jobbroker/core/internal/connector"
)

// Connector simulates an external service: Submit immediately assigns an
// id and marks the job completed after N QueryStatus calls, configurable
// per instance so tests can exercise both the fast-completion and
// still-running paths.
type Connector struct {
	services []string

	mu             sync.Mutex
	completeAfterN int
	queries        map[string]int
	forcedState    map[string]connector.ExternalState
}

// New returns a simulation connector advertising the given service names.
// completeAfterN controls how many QueryStatus calls a service job takes to
// report completed (0 = completes on the first query).
func New(services []string, completeAfterN int) *Connector {
	return &Connector{
		services:       services,
		completeAfterN: completeAfterN,
		queries:        make(map[string]int),
		forcedState:    make(map[string]connector.ExternalState),
	}
}

func (c *Connector) Capabilities() connector.Capabilities {
	return connector.Capabilities{
		Services:            c.services,
		Tags:                []string{"simulation"},
		SupportsStatusQuery: true,
		SupportsCancel:      true,
	}
}

func (c *Connector) Submit(ctx context.Context, payload []byte) (string, error) {
	return "sim-" + uuid.NewString(), nil
}

// ForceState lets a test pin a specific service job to a specific external
// state regardless of the query counter, e.g. to script an
// external-completion-found-during-reconciliation sequence deterministically.
func (c *Connector) ForceState(serviceJobID string, state connector.ExternalState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forcedState[serviceJobID] = state
}

func (c *Connector) QueryStatus(ctx context.Context, serviceJobID string) (connector.StatusResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if state, ok := c.forcedState[serviceJobID]; ok {
		if state == connector.StateCompleted {
			return connector.StatusResult{State: state, Result: []byte(`{"simulated":true}`)}, nil
		}
		return connector.StatusResult{State: state}, nil
	}

	c.queries[serviceJobID]++
	if c.queries[serviceJobID] > c.completeAfterN {
		return connector.StatusResult{State: connector.StateCompleted, Result: []byte(`{"simulated":true}`)}, nil
	}
	return connector.StatusResult{State: connector.StateRunning}, nil
}

func (c *Connector) Cancel(ctx context.Context, serviceJobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forcedState[serviceJobID] = connector.StateFailed
	return nil
}
