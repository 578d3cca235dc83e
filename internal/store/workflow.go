package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// GetWorkflow loads a single workflow record.
func (s *Store) GetWorkflow(ctx context.Context, workflowID string) (Workflow, bool, error) {
	raw, err := s.rdb.Get(ctx, s.workflowKey(workflowID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return Workflow{}, false, nil
		}
		return Workflow{}, false, fmt.Errorf("get workflow: %w", err)
	}
	var wf Workflow
	if err := json.Unmarshal(raw, &wf); err != nil {
		return Workflow{}, false, fmt.Errorf("decode workflow: %w", err)
	}
	return wf, true, nil
}

// PutWorkflow writes a workflow record.
func (s *Store) PutWorkflow(ctx context.Context, wf Workflow) error {
	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	if err := s.rdb.Set(ctx, s.workflowKey(wf.WorkflowID), data, 0).Err(); err != nil {
		return fmt.Errorf("put workflow: %w", err)
	}
	return nil
}

// CountWorkflowChildren scans every job carrying workflowID and tallies how
// many are still non-terminal vs. permanently failed, used by the
// broker's workflow lifecycle rollup.
func (s *Store) CountWorkflowChildren(ctx context.Context, workflowID string) (total, pending, failed int, err error) {
	jobs, err := s.GetAllJobs(ctx, 0)
	if err != nil {
		return 0, 0, 0, err
	}
	for _, j := range jobs {
		if j.WorkflowID != workflowID {
			continue
		}
		total++
		if !j.Status.Terminal() {
			pending++
		}
		if j.Status == StatusFailed || j.Status == StatusTimeout {
			failed++
		}
	}
	return total, pending, failed, nil
}
