package gcp

import (
	"context"
	"encoding/json"
	"fmt"

	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
	"github.com/Lllllllleong/documentauditflow/internal/models"
)

// WorkflowDispatcher hands extraction to a Cloud Workflow, which calls the
// extractor function with the document id.
type WorkflowDispatcher struct {
	client *executions.Client
	parent string
}

// NewWorkflowDispatcher binds a dispatcher to one deployed workflow.
func NewWorkflowDispatcher(ctx context.Context, projectID, location, workflowID string) (*WorkflowDispatcher, error) {
	if projectID == "" || workflowID == "" {
		return nil, fmt.Errorf("projectID and workflowID must be set to dispatch through workflows")
	}
	client, err := executions.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Workflows Executions client: %w", err)
	}
	return &WorkflowDispatcher{
		client: client,
		parent: fmt.Sprintf("projects/%s/locations/%s/workflows/%s", projectID, location, workflowID),
	}, nil
}

// Dispatch starts one execution and returns its name for traceability.
func (d *WorkflowDispatcher) Dispatch(ctx context.Context, doc *models.Document) (string, error) {
	payload, err := json.Marshal(models.ExtractRequest{DocumentID: doc.ID})
	if err != nil {
		return "", fmt.Errorf("failed to marshal workflow payload: %w", err)
	}
	exec, err := d.client.CreateExecution(ctx, &executionspb.CreateExecutionRequest{
		Parent:    d.parent,
		Execution: &executionspb.Execution{Argument: string(payload)},
	})
	if err != nil {
		return "", fmt.Errorf("failed to trigger workflow execution: %w", err)
	}
	return exec.GetName(), nil
}

// Close releases the executions client.
func (d *WorkflowDispatcher) Close() error {
	return d.client.Close()
}
