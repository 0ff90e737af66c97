package gateway

import (
	"context"
	"encoding/json"
)

// Remote job statuses. Anything outside the terminal set keeps a job in
// flight; the gateway may report intermediate vocabulary we do not list.
const (
	StatusStarting   = "starting"
	StatusProcessing = "processing"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusCanceled   = "canceled"
)

// Prediction is the gateway's view of one inference job. Output is kept
// opaque; its shape varies per model and is only interpreted by the
// artifact extractor.
type Prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Client defines the capability to submit an inference job and query it.
// When a bare model name is supplied without a version, the gateway
// resolves the latest version server-side; clients only pass it through.
type Client interface {
	CreatePrediction(ctx context.Context, model string, input map[string]any) (Prediction, error)
	GetPrediction(ctx context.Context, id string) (Prediction, error)
}

// Terminal reports whether status allows no further transition.
func Terminal(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}
