package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/taskrunner/internal/store"
)

const (
	defaultHTTPToolTimeout = 30 * time.Second
	maxToolResponseBytes   = 1 << 20
	maxToolNameLen         = 64
)

// HTTPTool wraps a stored ToolDescriptor. Every call issues the same request:
// the descriptor's method, URL, headers, query params and body. Arguments
// supplied by the model are accepted but not merged into the request.
type HTTPTool struct {
	desc    store.ToolDescriptor
	name    string
	client  *http.Client
	timeout time.Duration
	params  map[string]interface{}
}

// NewHTTPTool creates a Tool from a descriptor. client may be nil.
func NewHTTPTool(desc store.ToolDescriptor, client *http.Client, timeout time.Duration) *HTTPTool {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = defaultHTTPToolTimeout
	}
	return &HTTPTool{
		desc:    desc,
		name:    SanitizeToolName(desc.Name),
		client:  client,
		timeout: timeout,
		params: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		},
	}
}

func (t *HTTPTool) Name() string                       { return t.name }
func (t *HTTPTool) Parameters() map[string]interface{} { return t.params }

func (t *HTTPTool) Description() string {
	if d := strings.TrimSpace(t.desc.Description); d != "" {
		return d
	}
	return fmt.Sprintf("Calls %s %s", t.desc.HTTPMethod, t.desc.EndpointURL)
}

// Descriptor returns the stored definition the tool was built from.
func (t *HTTPTool) Descriptor() store.ToolDescriptor { return t.desc }

func (t *HTTPTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if len(args) > 0 {
		slog.Debug("http tool: arguments are not forwarded", "tool", t.name, "args", len(args))
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := t.buildRequest(ctx)
	if err != nil {
		return ErrorResult("API call failed: " + err.Error()).WithError(err)
	}

	slog.Debug("http tool: request", "tool", t.name, "method", req.Method, "url", req.URL.Redacted(),
		"headers", ScrubHeaders(req.Header))

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("timed out after %s", t.timeout)
		}
		return ErrorResult("API call failed: " + err.Error()).WithError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxToolResponseBytes))
	if err != nil {
		return ErrorResult("API call failed: read response: " + err.Error()).WithError(err)
	}

	if resp.StatusCode >= 400 {
		msg := fmt.Sprintf("API call failed: %s for url: %s", resp.Status, req.URL.Redacted())
		if text := strings.TrimSpace(string(body)); text != "" {
			msg += ": " + truncate(text, 500)
		}
		return ErrorResult(msg)
	}

	return NewResult(string(body))
}

func (t *HTTPTool) buildRequest(ctx context.Context) (*http.Request, error) {
	method := strings.ToUpper(strings.TrimSpace(t.desc.HTTPMethod))
	if method == "" {
		method = http.MethodGet
	}

	u, err := url.Parse(t.desc.EndpointURL)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint url: %w", err)
	}
	if len(t.desc.QueryParams) > 0 {
		q := u.Query()
		for k, v := range t.desc.QueryParams {
			for _, s := range valueStrings(v) {
				q.Add(k, s)
			}
		}
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	contentType := ""
	if len(t.desc.Body) > 0 {
		switch method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			b, err := json.Marshal(t.desc.Body)
			if err != nil {
				return nil, fmt.Errorf("encode body: %w", err)
			}
			body = bytes.NewReader(b)
			contentType = "application/json"
		default:
			form := url.Values{}
			for k, v := range t.desc.Body {
				for _, s := range valueStrings(v) {
					form.Add(k, s)
				}
			}
			body = strings.NewReader(form.Encode())
			contentType = "application/x-www-form-urlencoded"
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range t.desc.Headers {
		req.Header.Set(k, valueString(v))
	}
	return req, nil
}

// valueStrings flattens a decoded JSON value into query/form values.
func valueStrings(v interface{}) []string {
	if list, ok := v.([]interface{}); ok {
		out := make([]string, 0, len(list))
		for _, item := range list {
			out = append(out, valueString(item))
		}
		return out
	}
	return []string{valueString(v)}
}

func valueString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}

// SanitizeToolName maps a stored name onto the function-name alphabet
// providers accept: [a-zA-Z0-9_-], at most 64 characters.
func SanitizeToolName(name string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" {
		out = "http_tool"
	}
	if len(out) > maxToolNameLen {
		out = out[:maxToolNameLen]
	}
	return out
}

func suffixedName(name string, n int) string {
	suffix := "_" + strconv.Itoa(n)
	if len(name)+len(suffix) > maxToolNameLen {
		name = name[:maxToolNameLen-len(suffix)]
	}
	return name + suffix
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
