package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/CreditFox/internal/pkg/apperr"
	"github.com/ManuelReschke/CreditFox/internal/pkg/env"
	"github.com/ManuelReschke/CreditFox/internal/pkg/metrics"
)

const (
	defaultTimeout  = 30 * time.Second
	maxResponseSize = 64 << 20
)

// HTTPGateway is the JSON-over-HTTP provider client.
type HTTPGateway struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Store      ResultStore
	// MaxResponseBytes caps provider response bodies; zero means 64 MiB.
	MaxResponseBytes int64
}

// NewHTTPGatewayFromEnv builds a gateway from INFERENCE_* settings. Missing
// settings are reported on first use, not here.
func NewHTTPGatewayFromEnv(store ResultStore) *HTTPGateway {
	timeout := time.Duration(env.GetEnvInt("INFERENCE_TIMEOUT_SECONDS", int(defaultTimeout/time.Second))) * time.Second
	return &HTTPGateway{
		BaseURL: strings.TrimSpace(env.GetEnv("INFERENCE_API_URL", "")),
		APIKey:  strings.TrimSpace(env.GetEnv("INFERENCE_API_KEY", "")),
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
		Store: store,
	}
}

func (g *HTTPGateway) checkConfig() error {
	if strings.TrimSpace(g.BaseURL) == "" {
		return apperr.Configuration("INFERENCE_API_URL is not configured")
	}
	if strings.TrimSpace(g.APIKey) == "" {
		return apperr.Configuration("INFERENCE_API_KEY is not configured")
	}
	return nil
}

// Submit starts a job and returns the provider's job id.
func (g *HTTPGateway) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if err := g.checkConfig(); err != nil {
		metrics.GatewayRequests.WithLabelValues("submit", "config_error").Inc()
		return "", err
	}
	model := req.Model
	if model == "" {
		model = req.Feature
	}
	payload, err := json.Marshal(map[string]interface{}{
		"model": model,
		"input": req.Input,
	})
	if err != nil {
		return "", apperr.Permanent("could not encode request", err)
	}

	body, err := g.do(ctx, "submit", http.MethodPost, "/jobs", payload)
	if err != nil {
		return "", err
	}
	id := extractID(body)
	if id == "" {
		metrics.GatewayRequests.WithLabelValues("submit", "permanent").Inc()
		return "", apperr.Permanent("provider response carried no job id", nil)
	}
	metrics.GatewayRequests.WithLabelValues("submit", "ok").Inc()
	return id, nil
}

// Status queries a job and normalizes the answer. Inline results are moved
// to the result store before the reference is returned.
func (g *HTTPGateway) Status(ctx context.Context, externalJobID string) (*StatusResult, error) {
	if err := g.checkConfig(); err != nil {
		metrics.GatewayRequests.WithLabelValues("status", "config_error").Inc()
		return nil, err
	}
	if strings.TrimSpace(externalJobID) == "" {
		return nil, apperr.Validation("external job id is required")
	}

	body, err := g.do(ctx, "status", http.MethodGet, "/jobs/"+url.PathEscape(externalJobID), nil)
	if err != nil {
		return nil, err
	}

	raw := extractStatus(body)
	out := &StatusResult{RawStatus: raw, Status: MapStatus(raw)}
	switch out.Status {
	case StatusSucceeded:
		ref, err := g.resultRef(ctx, body)
		if err != nil {
			metrics.GatewayRequests.WithLabelValues("status", "transient").Inc()
			return nil, err
		}
		if ref == "" {
			out.Status = StatusFailed
			out.Error = "provider reported success without output"
		}
		out.ResultRef = ref
	case StatusFailed:
		out.Error = extractError(body)
		if out.Error == "" {
			out.Error = "generation failed (" + raw + ")"
		}
	}
	metrics.GatewayRequests.WithLabelValues("status", "ok").Inc()
	return out, nil
}

func (g *HTTPGateway) resultRef(ctx context.Context, body map[string]interface{}) (string, error) {
	r, err := extractResult(body)
	if err != nil {
		log.Warnf("[Inference] Could not decode provider output: %v", err)
		return "", nil
	}
	if r == nil {
		return "", nil
	}
	if r.URL != "" {
		return r.URL, nil
	}
	if g.Store == nil {
		return DataURI(r.ContentType, r.Inline), nil
	}
	ref, err := g.Store.Put(ctx, "inline", r.ContentType, r.Inline)
	if err != nil {
		return "", apperr.Transient("could not store inline result", err)
	}
	return ref, nil
}

func (g *HTTPGateway) do(ctx context.Context, op, method, path string, payload []byte) (map[string]interface{}, error) {
	endpoint := strings.TrimRight(g.BaseURL, "/") + path
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		metrics.GatewayRequests.WithLabelValues(op, "config_error").Inc()
		return nil, apperr.Configuration(fmt.Sprintf("invalid INFERENCE_API_URL: %v", err))
	}
	req.Header.Set("Authorization", "Bearer "+g.APIKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := g.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		metrics.GatewayRequests.WithLabelValues(op, "transient").Inc()
		return nil, apperr.Transient("inference provider unreachable", err)
	}
	defer resp.Body.Close()

	limit := g.MaxResponseBytes
	if limit <= 0 {
		limit = maxResponseSize
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		metrics.GatewayRequests.WithLabelValues(op, "transient").Inc()
		return nil, apperr.Transient("reading provider response failed", err)
	}
	oversized := int64(len(raw)) > limit
	if oversized {
		raw = raw[:limit]
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var parsed map[string]interface{}
		_ = json.Unmarshal(raw, &parsed)
		msg := extractError(parsed)
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		cause := fmt.Errorf("status=%d body=%s", resp.StatusCode, truncate(string(raw), 512))
		if retryableStatus(resp.StatusCode) {
			metrics.GatewayRequests.WithLabelValues(op, "transient").Inc()
			return nil, apperr.Transient("inference provider: "+msg, cause)
		}
		metrics.GatewayRequests.WithLabelValues(op, "permanent").Inc()
		return nil, apperr.Permanent("inference provider rejected the request: "+msg, cause)
	}

	if oversized {
		metrics.GatewayRequests.WithLabelValues(op, "permanent").Inc()
		return nil, apperr.Permanent("provider response is too large", fmt.Errorf("body exceeds %d bytes", limit))
	}

	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		metrics.GatewayRequests.WithLabelValues(op, "permanent").Inc()
		return nil, apperr.Permanent("provider response is not a JSON object", err)
	}
	return body, nil
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
