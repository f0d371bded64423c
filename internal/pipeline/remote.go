package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"count-orchestrator/internal/entity"
)

// RemoteEngine invokes pipeline stages on a model sidecar over HTTP.
// Segmentation and classification run in a separate Python process that
// owns the GPU; this side only ships refs and collects per-item outcomes.
type RemoteEngine struct {
	baseURL string
	client  *http.Client
}

func NewRemoteEngine(baseURL string, timeout time.Duration) *RemoteEngine {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &RemoteEngine{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type remoteRequest struct {
	Stage string `json:"stage"`
	Items []Item `json:"items"`
}

type remoteItemResult struct {
	TaskID         uuid.UUID `json:"task_id"`
	Error          *string   `json:"error,omitempty"`
	PredictedCount int       `json:"predicted_count"`
	Confidence     float64   `json:"confidence"`
	OverlayRef     string    `json:"overlay_ref,omitempty"`
}

type remoteResponse struct {
	Results []remoteItemResult `json:"results"`
}

func (e *RemoteEngine) Run(ctx context.Context, stage entity.Stage, items []Item) ([]ItemResult, error) {
	body, err := json.Marshal(remoteRequest{Stage: stage.String(), Items: items})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", entity.ErrStageExecution, err)
	}

	url := e.baseURL + "/stages/" + stage.String()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", entity.ErrStageExecution, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", entity.ErrStageExecution, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: stage %s returned status %d", entity.ErrStageExecution, stage, resp.StatusCode)
	}

	var decoded remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", entity.ErrStageExecution, err)
	}
	if len(decoded.Results) != len(items) {
		return nil, fmt.Errorf("%w: stage %s returned %d results for %d items",
			entity.ErrStageExecution, stage, len(decoded.Results), len(items))
	}

	out := make([]ItemResult, 0, len(decoded.Results))
	for _, r := range decoded.Results {
		ir := ItemResult{
			TaskID:         r.TaskID,
			PredictedCount: r.PredictedCount,
			Confidence:     r.Confidence,
			OverlayRef:     r.OverlayRef,
		}
		if r.Error != nil {
			ir.Err = fmt.Errorf("%w: %s", entity.ErrModelInference, *r.Error)
		}
		out = append(out, ir)
	}
	return out, nil
}

func (e *RemoteEngine) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model sidecar unhealthy: %d", resp.StatusCode)
	}
	return nil
}
