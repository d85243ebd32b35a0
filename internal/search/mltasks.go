package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// mlTaskActionFilter matches the cluster's model-management background tasks.
const mlTaskActionFilter = "cluster:monitor/xpack/ml/*"

// MLTasksTimeoutError is returned when the bounded wait for background ML
// tasks expires while tasks are still running.
type MLTasksTimeoutError struct {
	Tasks []string
}

func (e *MLTasksTimeoutError) Error() string {
	return fmt.Sprintf("deadline exceeded, ML tasks are still running: %s",
		strings.Join(e.Tasks, ", "))
}

// AwaitMLTasks waits until no model-management tasks remain on the cluster,
// polling at the configured interval up to the configured timeout. Finding no
// tasks at all is fine (likely a lost race on tasks).
func (s *Store) AwaitMLTasks(ctx context.Context) error {
	tasks, err := s.listMLTasks(ctx)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}
	log.Printf("awaiting %d ML tasks", len(tasks))

	deadline := time.Now().Add(s.cfg.MLWaitTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.MLPollInterval):
		}

		tasks, err = s.listMLTasks(ctx)
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			return nil
		}
	}
	return &MLTasksTimeoutError{Tasks: tasks}
}

func (s *Store) listMLTasks(ctx context.Context) ([]string, error) {
	res, err := esapi.TasksListRequest{
		Detailed: esapi.BoolPtr(true),
		Actions:  []string{mlTaskActionFilter},
	}.Do(ctx, s.es)
	if err != nil {
		return nil, fmt.Errorf("list cluster tasks failed: %w", err)
	}
	raw := drain(res)
	if res.IsError() {
		return nil, fmt.Errorf("list cluster tasks failed with status %d: %s", res.StatusCode, raw)
	}

	var parsed struct {
		Nodes map[string]struct {
			Tasks map[string]struct {
				Action string `json:"action"`
			} `json:"tasks"`
		} `json:"nodes"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("parse tasks response failed: %w", err)
	}

	var tasks []string
	for _, node := range parsed.Nodes {
		for _, task := range node.Tasks {
			tasks = append(tasks, task.Action)
		}
	}
	return tasks, nil
}

// EnsureModelDeployed is the one-time provisioning precondition for indexing:
// the embedding model must be fully defined and fully allocated on the
// cluster before the ingest pipeline can embed documents. Re-entrant: every
// step tolerates having already been done.
func (s *Store) EnsureModelDeployed(ctx context.Context) error {
	res, err := esapi.MLGetTrainedModelsRequest{ModelID: s.cfg.ModelID}.Do(ctx, s.es)
	if err != nil {
		return fmt.Errorf("get trained model %q failed: %w", s.cfg.ModelID, err)
	}
	raw := drain(res)
	switch {
	case res.StatusCode == 404:
		log.Printf("model %q not available, creating it now", s.cfg.ModelID)
		body := map[string]interface{}{
			"input": map[string]interface{}{"field_names": []string{"text_field"}},
		}
		putRes, err := esapi.MLPutTrainedModelRequest{
			ModelID: s.cfg.ModelID,
			Body:    jsonReader(body),
		}.Do(ctx, s.es)
		if err != nil {
			return fmt.Errorf("put trained model %q failed: %w", s.cfg.ModelID, err)
		}
		putBody := drain(putRes)
		if putRes.IsError() {
			return fmt.Errorf("put trained model %q failed: %s", s.cfg.ModelID, putBody)
		}
	case res.IsError():
		return fmt.Errorf("get trained model %q failed: %s", s.cfg.ModelID, raw)
	}

	deadline := time.Now().Add(s.cfg.MLWaitTimeout)
	for {
		defined, err := s.modelFullyDefined(ctx)
		if err != nil {
			return err
		}
		if defined {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("deadline exceeded waiting for model %q to be fully defined", s.cfg.ModelID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.MLPollInterval):
		}
	}

	allocated, err := s.modelFullyAllocated(ctx)
	if err != nil {
		return err
	}
	if !allocated {
		res, err := esapi.MLStartTrainedModelDeploymentRequest{
			ModelID: s.cfg.ModelID,
			WaitFor: "fully_allocated",
		}.Do(ctx, s.es)
		if err != nil {
			return fmt.Errorf("start model deployment %q failed: %w", s.cfg.ModelID, err)
		}
		raw := drain(res)
		// 400 means the deployment was already started, and likely allocated.
		if res.IsError() && res.StatusCode != 400 {
			return fmt.Errorf("start model deployment %q failed: %s", s.cfg.ModelID, raw)
		}
	}

	log.Printf("model %q is ready", s.cfg.ModelID)
	return nil
}

func (s *Store) modelFullyDefined(ctx context.Context) (bool, error) {
	res, err := esapi.MLGetTrainedModelsRequest{
		ModelID: s.cfg.ModelID,
		Include: "definition_status",
	}.Do(ctx, s.es)
	if err != nil {
		return false, fmt.Errorf("get model definition status failed: %w", err)
	}
	raw := drain(res)
	if res.IsError() {
		return false, fmt.Errorf("get model definition status failed with status %d: %s", res.StatusCode, raw)
	}

	var parsed struct {
		TrainedModelConfigs []struct {
			FullyDefined bool `json:"fully_defined"`
		} `json:"trained_model_configs"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return false, fmt.Errorf("parse model definition status failed: %w", err)
	}
	return len(parsed.TrainedModelConfigs) > 0 && parsed.TrainedModelConfigs[0].FullyDefined, nil
}

func (s *Store) modelFullyAllocated(ctx context.Context) (bool, error) {
	res, err := esapi.MLGetTrainedModelsStatsRequest{ModelID: s.cfg.ModelID}.Do(ctx, s.es)
	if err != nil {
		return false, fmt.Errorf("get model stats failed: %w", err)
	}
	raw := drain(res)
	if res.IsError() {
		return false, fmt.Errorf("get model stats failed with status %d: %s", res.StatusCode, raw)
	}

	var parsed struct {
		TrainedModelStats []struct {
			DeploymentStats struct {
				AllocationStatus struct {
					State string `json:"state"`
				} `json:"allocation_status"`
			} `json:"deployment_stats"`
		} `json:"trained_model_stats"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return false, fmt.Errorf("parse model stats failed: %w", err)
	}
	return len(parsed.TrainedModelStats) > 0 &&
		parsed.TrainedModelStats[0].DeploymentStats.AllocationStatus.State == "fully_allocated", nil
}
