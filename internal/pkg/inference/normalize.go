package inference

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2/log"
)

var statusAliases = map[string]Status{
	"queued":      StatusQueued,
	"pending":     StatusQueued,
	"in_queue":    StatusQueued,
	"starting":    StatusQueued,
	"running":     StatusRunning,
	"processing":  StatusRunning,
	"in_progress": StatusRunning,
	"completed":   StatusSucceeded,
	"succeeded":   StatusSucceeded,
	"success":     StatusSucceeded,
	"ok":          StatusSucceeded,
	"done":        StatusSucceeded,
	"failed":      StatusFailed,
	"error":       StatusFailed,
	"canceled":    StatusFailed,
	"cancelled":   StatusFailed,
	"timeout":     StatusFailed,
}

// MapStatus maps a provider status string to a normalized Status. Unknown
// values are treated as still running so the job keeps being polled.
func MapStatus(raw string) Status {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.ReplaceAll(key, "-", "_")
	key = strings.ReplaceAll(key, " ", "_")
	if s, ok := statusAliases[key]; ok {
		return s
	}
	log.Warnf("[Inference] Unknown provider status %q, treating as running", raw)
	return StatusRunning
}

// extractID finds the provider job id in a submit response.
func extractID(body map[string]interface{}) string {
	for _, key := range []string{"id", "job_id", "request_id", "task_id"} {
		if s := scalarString(body[key]); s != "" {
			return s
		}
	}
	if p, ok := body["prediction"].(map[string]interface{}); ok {
		return scalarString(p["id"])
	}
	return ""
}

func extractStatus(body map[string]interface{}) string {
	for _, key := range []string{"status", "state"} {
		if s, ok := body[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// extractError finds a human readable failure reason.
func extractError(body map[string]interface{}) string {
	switch e := body["error"].(type) {
	case string:
		if e != "" {
			return e
		}
	case map[string]interface{}:
		if m, ok := e["message"].(string); ok && m != "" {
			return m
		}
	}
	for _, key := range []string{"message", "detail"} {
		if s, ok := body[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// result is either a URL or an inline payload that still needs storing.
type result struct {
	URL         string
	Inline      []byte
	ContentType string
}

// extractResult walks the output shapes providers are known to return.
func extractResult(body map[string]interface{}) (*result, error) {
	if out, ok := body["output"]; ok && out != nil {
		if r, err := fromValue(out); r != nil || err != nil {
			return r, err
		}
	}
	if imgs, ok := body["images"].([]interface{}); ok && len(imgs) > 0 {
		if r, err := fromValue(imgs[0]); r != nil || err != nil {
			return r, err
		}
	}
	if data, ok := body["data"].([]interface{}); ok && len(data) > 0 {
		if r, err := fromValue(data[0]); r != nil || err != nil {
			return r, err
		}
	}
	for _, key := range []string{"video", "audio"} {
		if m, ok := body[key].(map[string]interface{}); ok {
			if u := scalarString(m["url"]); u != "" {
				return &result{URL: u}, nil
			}
		}
	}
	for _, key := range []string{"result_url", "url"} {
		if u := scalarString(body[key]); u != "" {
			return &result{URL: u}, nil
		}
	}
	if s, ok := body["b64_json"].(string); ok && s != "" {
		return fromInline(s)
	}
	return nil, nil
}

func fromValue(v interface{}) (*result, error) {
	switch t := v.(type) {
	case string:
		return fromString(t)
	case []interface{}:
		for _, item := range t {
			if r, err := fromValue(item); r != nil || err != nil {
				return r, err
			}
		}
	case map[string]interface{}:
		if u := scalarString(t["url"]); u != "" {
			return &result{URL: u}, nil
		}
		for _, key := range []string{"video", "image", "audio"} {
			if m, ok := t[key].(map[string]interface{}); ok {
				if u := scalarString(m["url"]); u != "" {
					return &result{URL: u}, nil
				}
			}
		}
		if s, ok := t["b64_json"].(string); ok && s != "" {
			return fromInline(s)
		}
	}
	return nil, nil
}

func fromString(s string) (*result, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return &result{URL: s}, nil
	}
	return fromInline(s)
}

// fromInline decodes a data: URI or raw base64 payload.
func fromInline(s string) (*result, error) {
	contentType := ""
	payload := s
	if strings.HasPrefix(s, "data:") {
		comma := strings.IndexByte(s, ',')
		if comma < 0 {
			return nil, fmt.Errorf("malformed data URI")
		}
		meta := s[len("data:"):comma]
		payload = s[comma+1:]
		if !strings.HasSuffix(meta, ";base64") {
			return nil, fmt.Errorf("data URI is not base64 encoded")
		}
		contentType = strings.TrimSuffix(meta, ";base64")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("output is neither a URL nor base64: %w", err)
		}
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
		if i := strings.IndexByte(contentType, ';'); i >= 0 {
			contentType = contentType[:i]
		}
	}
	return &result{Inline: data, ContentType: contentType}, nil
}

// DataURI encodes data as a base64 data: URI.
func DataURI(contentType string, data []byte) string {
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func scalarString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return fmt.Sprintf("%.0f", t)
	}
	return ""
}
