// Package handler implements the batch/Lambda handler surface: a thin
// request/response mapping around the run orchestrator, shaped so it can be
// wired into any invocation model (HTTP, queue consumer, FaaS) without
// pulling in a specific runtime's SDK.
package handler

import (
	"context"
	"errors"

	"github.com/tsingest-io/tsingest/internal/orchestrator"
	"github.com/tsingest-io/tsingest/internal/runconfig"
)

// Input is the handler's request shape: {dataset_id, full_reload?}.
type Input struct {
	DatasetID  string `json:"dataset_id"`
	FullReload bool   `json:"full_reload"`
}

// Output is the handler's response shape: {statusCode, body}.
type Output struct {
	StatusCode int `json:"statusCode"`
	Body       any `json:"body"`
}

const (
	statusOK                   = 200
	statusBadRequest           = 400
	statusDatasetNotConfigured = 404
	statusInternalError        = 500
)

// Handler wraps an Orchestrator and the loaded AppConfig for request dispatch.
type Handler struct {
	orch *orchestrator.Orchestrator
	app  *runconfig.AppConfig
}

// New returns a Handler dispatching runs through orch against app's datasets.
func New(orch *orchestrator.Orchestrator, app *runconfig.AppConfig) *Handler {
	return &Handler{orch: orch, app: app}
}

// Handle implements the CLI/Lambda request contract.
func (h *Handler) Handle(ctx context.Context, in Input) Output {
	if in.DatasetID == "" {
		return Output{StatusCode: statusBadRequest, Body: errorBody("dataset_id is required")}
	}

	dataset, err := h.app.MustFindDataset(in.DatasetID)
	if err != nil {
		if errors.Is(err, runconfig.ErrDatasetNotConfigured) {
			return Output{StatusCode: statusDatasetNotConfigured, Body: errorBody(err.Error())}
		}

		return Output{StatusCode: statusInternalError, Body: errorBody(err.Error())}
	}

	record, err := h.orch.Run(ctx, dataset, h.app, "", in.FullReload)
	if err != nil {
		return Output{StatusCode: statusInternalError, Body: errorBody(err.Error())}
	}

	return Output{StatusCode: statusOK, Body: record}
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}
