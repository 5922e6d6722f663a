package gcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
)

// WorkflowNotifier starts a Cloud Workflows execution for every finished job.
type WorkflowNotifier struct {
	client *executions.Client
	parent string
}

func NewWorkflowNotifier(client *executions.Client, projectID, location, workflowID string) (*WorkflowNotifier, error) {
	if projectID == "" || workflowID == "" {
		return nil, errors.New("project and workflow id must be provided to trigger workflows")
	}
	if location == "" {
		location = "us-central1"
	}
	return &WorkflowNotifier{client: client, parent: WorkflowParent(projectID, location, workflowID)}, nil
}

func WorkflowParent(projectID, location, workflowID string) string {
	return fmt.Sprintf("projects/%s/locations/%s/workflows/%s", projectID, location, workflowID)
}

// WorkflowArgument is the JSON argument handed to the workflow.
func WorkflowArgument(jobID string, outputs []string) (string, error) {
	if outputs == nil {
		outputs = []string{}
	}
	payload, err := json.Marshal(map[string]any{
		"jobId":       jobID,
		"outputCount": len(outputs),
		"outputs":     outputs,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal workflow payload: %w", err)
	}
	return string(payload), nil
}

func (n *WorkflowNotifier) Notify(ctx context.Context, jobID string, outputs []string) error {
	argument, err := WorkflowArgument(jobID, outputs)
	if err != nil {
		return err
	}
	exec, err := n.client.CreateExecution(ctx, &executionspb.CreateExecutionRequest{
		Parent:    n.parent,
		Execution: &executionspb.Execution{Argument: argument},
	})
	if err != nil {
		return fmt.Errorf("failed to trigger workflow execution: %w", err)
	}
	slog.Info("Workflow execution started.", "jobId", jobID, "execution", exec.GetName())
	return nil
}
