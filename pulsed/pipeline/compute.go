package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/devpulse/devpulse/pulsed/ratelimit"
)

// ComputeClient invokes the metric computation service over HTTP. The
// computation itself lives outside this repository; the pipeline only
// coordinates it. A non-2xx response is a unit failure.
type ComputeClient struct {
	baseURL string
	client  *http.Client
	gate    ratelimit.Gate
}

// ComputeOption configures a ComputeClient.
type ComputeOption func(*ComputeClient)

// WithGate makes every request wait on the shared backoff gate and
// penalize it when the compute service pushes back with a 429.
func WithGate(gate ratelimit.Gate) ComputeOption {
	return func(c *ComputeClient) {
		c.gate = gate
	}
}

func NewComputeClient(baseURL string, client *http.Client, opts ...ComputeOption) *ComputeClient {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	c := &ComputeClient{
		baseURL: baseURL,
		client:  client,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type computeUnitRequest struct {
	OrgID      string    `json:"org_id"`
	RepoID     uuid.UUID `json:"repo_id"`
	MetricType string    `json:"metric_type"`
	Day        string    `json:"day"`
}

type computeFinalizeRequest struct {
	OrgID      string `json:"org_id"`
	MetricType string `json:"metric_type"`
	Day        string `json:"day"`
}

// RunUnit implements UnitRunner.
func (c *ComputeClient) RunUnit(ctx context.Context, params UnitParams) error {
	return c.post(ctx, "/api/v1/compute/unit", computeUnitRequest{
		OrgID:      params.OrgID,
		RepoID:     params.RepoID,
		MetricType: params.MetricType,
		Day:        params.Day.Format("2006-01-02"),
	})
}

// FinalizeDay implements Finalizer.
func (c *ComputeClient) FinalizeDay(ctx context.Context, params FinalizeParams) error {
	return c.post(ctx, "/api/v1/compute/finalize", computeFinalizeRequest{
		OrgID:      params.OrgID,
		MetricType: params.MetricType,
		Day:        params.Day.Format("2006-01-02"),
	})
}

func (c *ComputeClient) post(ctx context.Context, path string, payload interface{}) error {
	if c.gate != nil {
		err := c.gate.Wait(ctx)
		if err != nil {
			return xerrors.Errorf("wait for rate limit gate: %w", err)
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return xerrors.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return xerrors.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return xerrors.Errorf("compute request %s: %w", path, err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusTooManyRequests && c.gate != nil {
		delay := retryAfter(res.Header)
		if delay > 0 {
			c.gate.PenalizeFor(ctx, delay)
		} else {
			c.gate.Penalize(ctx)
		}
		return xerrors.Errorf("compute request %s: rate limited", path)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return xerrors.Errorf("compute request %s: status %d: %s", path, res.StatusCode, msg)
	}
	return nil
}

// retryAfter parses a seconds-valued Retry-After header. The HTTP-date
// form is not handled; the gate's own progression covers that case.
func retryAfter(h http.Header) time.Duration {
	raw := h.Get("Retry-After")
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
