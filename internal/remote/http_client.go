package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/recordsync/internal/recordsync"
	"github.com/google/uuid"
)

var ErrNoRoute = errors.New("no route")

// Route is one endpoint of the remote API. Path may contain {id} and {owner}
// placeholders. Body is merged under the caller's payload.
type Route struct {
	Method string
	Path   string
	Body   map[string]any
}

type RouteTable struct {
	List    map[recordsync.Kind]Route
	Command map[recordsync.Kind]map[recordsync.CommandKind]Route
	Create  map[recordsync.Kind]Route
}

type HTTPClientOptions struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Routes     RouteTable
	// Validators check create payloads before anything is sent.
	Validators map[recordsync.Kind]*Validator
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// HTTPClient implements recordsync.Remote against the job portal's JSON API.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	routes     RouteTable
	validators map[recordsync.Kind]*Validator
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(opts HTTPClientOptions) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8000"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = 3
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		routes:     opts.Routes,
		validators: opts.Validators,
		maxRetries: maxRetries,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
	}
}

func (c *HTTPClient) FetchList(ctx context.Context, kind recordsync.Kind, ownerID string) ([]recordsync.WireRecord, error) {
	route, ok := c.routes.List[kind]
	if !ok {
		return nil, fmt.Errorf("%w: list %s", ErrNoRoute, kind)
	}
	var out json.RawMessage
	if err := c.doJSON(ctx, route.Method, expandPath(route.Path, "", ownerID), nil, &out); err != nil {
		return nil, err
	}
	return decodeList(out)
}

func (c *HTTPClient) SendCommand(ctx context.Context, kind recordsync.Kind, id string, command recordsync.CommandKind, payload map[string]any) error {
	route, ok := c.routes.Command[kind][command]
	if !ok {
		return fmt.Errorf("%w: %s %s", ErrNoRoute, command, kind)
	}
	var body map[string]any
	if len(route.Body) > 0 || len(payload) > 0 {
		body = make(map[string]any, len(route.Body)+len(payload))
		for key, value := range route.Body {
			body[key] = value
		}
		for key, value := range payload {
			body[key] = value
		}
	}
	return c.doJSON(ctx, route.Method, expandPath(route.Path, id, ""), body, nil)
}

func (c *HTTPClient) CreateRecord(ctx context.Context, kind recordsync.Kind, payload map[string]any) (recordsync.WireRecord, error) {
	route, ok := c.routes.Create[kind]
	if !ok {
		return nil, fmt.Errorf("%w: create %s", ErrNoRoute, kind)
	}
	if validator := c.validators[kind]; validator != nil {
		if err := validator.Validate(payload); err != nil {
			return nil, err
		}
	}
	var out recordsync.WireRecord
	if err := c.doJSON(ctx, route.Method, expandPath(route.Path, "", ""), payload, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = recordsync.WireRecord{}
	}
	return out, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	if method == "" {
		method = http.MethodGet
	}
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return fmt.Errorf("%w: %s %s: %v", recordsync.ErrNetworkUnavailable, method, requestPath, err)
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("%w: %s %s: %v", recordsync.ErrNetworkUnavailable, method, requestPath, readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(bytes.TrimSpace(payloadBytes)) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		return &recordsync.RemoteRejectedError{
			StatusCode: resp.StatusCode,
			Detail:     errorDetail(payloadBytes),
		}
	}
}

// errorDetail picks the server's own explanation: error, then message, then
// detail, else the raw body.
func errorDetail(body []byte) string {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err == nil {
		for _, key := range []string{"error", "message", "detail"} {
			if text, ok := payload[key].(string); ok && strings.TrimSpace(text) != "" {
				return text
			}
		}
	}
	return strings.TrimSpace(string(body))
}

// decodeList accepts a bare array or a paginated {"results": [...]} envelope.
// Entries that are not objects are skipped.
func decodeList(raw json.RawMessage) ([]recordsync.WireRecord, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var items []any
	if raw[0] == '{' {
		var envelope struct {
			Results []any `json:"results"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return nil, err
		}
		items = envelope.Results
	} else if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	out := make([]recordsync.WireRecord, 0, len(items))
	for _, item := range items {
		if object, ok := item.(map[string]any); ok {
			out = append(out, object)
		}
	}
	return out, nil
}

func expandPath(template, id, ownerID string) string {
	path := strings.ReplaceAll(template, "{id}", url.PathEscape(id))
	return strings.ReplaceAll(path, "{owner}", url.PathEscape(ownerID))
}

func correlationID() string {
	return "jobsync_" + uuid.NewString()
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
