package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jo-hoe/meshforge/internal/common"
	"github.com/jo-hoe/meshforge/internal/config"
	"github.com/jo-hoe/meshforge/internal/gateway"
)

var _ gateway.Client = (*Client)(nil)

const (
	headerContentType   = "Content-Type"
	headerAuthorization = "Authorization"
	headerUserAgent     = "User-Agent"

	authSchemeBearer = "Bearer"
	userAgent        = "meshforge-gateway/1.0"

	endpointPredictions = "v1/predictions"

	defaultTimeout    = 60 * time.Second
	errorSnippetLimit = 400
)

// Client implements gateway.Client against a Replicate-compatible
// predictions API, either directly or through a proxy deployment.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// New creates a new prediction gateway client.
func New(cfg config.ReplicateSettings) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
	}
}

type createRequest struct {
	// Model carries a bare "owner/name" identifier; the gateway resolves
	// the latest version server-side when no version is given.
	Model   string         `json:"model,omitempty"`
	Version string         `json:"version,omitempty"`
	Input   map[string]any `json:"input"`
}

// CreatePrediction submits one inference job. A non-2xx response fails
// with the upstream body as the diagnostic message.
func (c *Client) CreatePrediction(ctx context.Context, model string, input map[string]any) (gateway.Prediction, error) {
	u, err := url.JoinPath(c.baseURL, endpointPredictions)
	if err != nil {
		return gateway.Prediction{}, fmt.Errorf("join url: %w", err)
	}

	body, err := json.Marshal(createRequest{Model: model, Input: input})
	if err != nil {
		return gateway.Prediction{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return gateway.Prediction{}, fmt.Errorf("new request: %w", err)
	}
	c.setHeaders(req)

	return c.do(req)
}

// GetPrediction queries the current state of a submitted job. The request
// carries a timestamp query parameter and no-cache directives because some
// gateway deployments serve stale cached status responses otherwise.
func (c *Client) GetPrediction(ctx context.Context, id string) (gateway.Prediction, error) {
	if strings.TrimSpace(id) == "" {
		return gateway.Prediction{}, fmt.Errorf("prediction id is empty")
	}
	u, err := url.JoinPath(c.baseURL, endpointPredictions, id)
	if err != nil {
		return gateway.Prediction{}, fmt.Errorf("join url: %w", err)
	}
	u += "?t=" + strconv.FormatInt(time.Now().UnixMilli(), 10)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return gateway.Prediction{}, fmt.Errorf("new request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set(common.HeaderCacheControl, common.CacheNoCache)
	req.Header.Set(common.HeaderPragma, common.CacheNoCache)

	return c.do(req)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set(headerContentType, common.ContentTypeJSON)
	req.Header.Set(headerUserAgent, userAgent)
	if strings.TrimSpace(c.token) != "" {
		req.Header.Set(headerAuthorization, authSchemeBearer+" "+c.token)
	}
}

func (c *Client) do(req *http.Request) (gateway.Prediction, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return gateway.Prediction{}, req.Context().Err()
		}
		return gateway.Prediction{}, fmt.Errorf("http do: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBytes, _ := readAll(resp)
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return gateway.Prediction{}, fmt.Errorf("gateway status %d: %s", resp.StatusCode, truncate(string(respBytes), errorSnippetLimit))
	}

	var pred gateway.Prediction
	if err := json.Unmarshal(respBytes, &pred); err != nil {
		return gateway.Prediction{}, fmt.Errorf("parse response: %w", err)
	}
	if pred.ID == "" {
		return gateway.Prediction{}, fmt.Errorf("response missing prediction id")
	}
	return pred, nil
}

func readAll(resp *http.Response) ([]byte, error) {
	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	return buf.Bytes(), err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
