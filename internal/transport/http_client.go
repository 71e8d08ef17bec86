// Package transport delivers outbox events to the backend REST API.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jnst/lume-outbox/internal/model"
)

const maxErrorBody = 4 << 10

var resources = map[model.EntityKind]string{
	model.EntityKindMoodEntry:    "moods",
	model.EntityKindJournalEntry: "journal",
	model.EntityKindGoal:         "goals",
}

// HTTPClient implements service.DeliveryClient over the backend REST API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewHTTPClient creates a transport client. A nil httpClient gets a default
// client with a 30 second timeout.
func NewHTTPClient(baseURL, apiKey string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    httpClient,
	}
}

// Deliver performs the single remote call for req.
func (c *HTTPClient) Deliver(ctx context.Context, req *model.DeliveryRequest) (*model.DeliveryResult, error) {
	kind := req.EventType.Kind()

	resource, ok := resources[kind]
	if !ok {
		return nil, model.NewDeliveryError(model.FailureValidationRejected,
			fmt.Sprintf("no backend resource for event type %q", req.EventType))
	}

	method, endpoint, err := c.route(req, resource)
	if err != nil {
		return nil, err
	}

	var body io.Reader

	if method != http.MethodDelete {
		raw, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, model.NewDeliveryError(model.FailureValidationRejected,
				fmt.Sprintf("failed to encode metadata: %v", err))
		}

		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	httpReq.Header.Set("Accept", "application/json")

	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}

	httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	httpReq.Header.Set("Idempotency-Key", idempotencyKey(req))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &model.DeliveryError{Class: model.FailureRetryable, Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &model.DeliveryError{Class: model.FailureRetryable, StatusCode: resp.StatusCode, Message: err.Error()}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &model.DeliveryResult{ServerID: parseServerID(respBody, kind)}, nil
	}

	de := &model.DeliveryError{
		Class:      ClassifyStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Message:    errorMessage(respBody, resp.StatusCode),
	}

	if de.Class == model.FailureConflict {
		de.ServerID = parseServerID(respBody, kind)
	}

	return nil, de
}

func (c *HTTPClient) route(req *model.DeliveryRequest, resource string) (string, string, error) {
	collection := c.baseURL + "/api/v1/" + resource

	if req.IsNewRecord {
		return http.MethodPost, collection, nil
	}

	if req.ServerID == "" {
		return "", "", model.NewDeliveryError(model.FailureRetryable, "no server id to address")
	}

	if req.EventType.Operation() == model.OperationDelete {
		return http.MethodDelete, collection + "/" + req.ServerID, nil
	}

	return http.MethodPut, collection + "/" + req.ServerID, nil
}

// idempotencyKey lets the backend recognize a replayed call. Creates are keyed
// by the local entity so a replay after a lost response conflicts instead of
// duplicating.
func idempotencyKey(req *model.DeliveryRequest) string {
	if req.IsNewRecord || req.EventID == "" {
		return req.EntityID
	}

	return req.EventID
}

// ClassifyStatus maps a non-2xx HTTP status onto a failure class.
func ClassifyStatus(code int) model.FailureClass {
	switch {
	case code == http.StatusUnauthorized:
		return model.FailureAuthExpired
	case code == http.StatusNotFound || code == http.StatusGone:
		return model.FailureNotFound
	case code == http.StatusConflict:
		return model.FailureConflict
	case code == http.StatusRequestTimeout, code == http.StatusTooEarly, code == http.StatusTooManyRequests:
		return model.FailureRetryable
	case code >= 500:
		return model.FailureRetryable
	case code >= 400:
		return model.FailureValidationRejected
	default:
		// 1xx and 3xx are not expected from the API.
		return model.FailureRetryable
	}
}

type idEnvelope struct {
	ID   json.RawMessage            `json:"id"`
	Data map[string]json.RawMessage `json:"data"`
}

// parseServerID accepts {"data":{"id":…}}, {"data":{"<kind>":{"id":…}}} and {"id":…}.
func parseServerID(body []byte, kind model.EntityKind) string {
	var env idEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return ""
	}

	if id := rawID(env.Data["id"]); id != "" {
		return id
	}

	if nested, ok := env.Data[string(kind)]; ok {
		var inner struct {
			ID json.RawMessage `json:"id"`
		}
		if json.Unmarshal(nested, &inner) == nil {
			if id := rawID(inner.ID); id != "" {
				return id
			}
		}
	}

	return rawID(env.ID)
}

// rawID reads an id that may be a JSON string or number.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}

	var n json.Number
	if json.Unmarshal(raw, &n) == nil {
		return n.String()
	}

	return ""
}

func errorMessage(body []byte, code int) string {
	var env struct {
		Error   any    `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &env) == nil {
		if env.Message != "" {
			return env.Message
		}

		switch e := env.Error.(type) {
		case string:
			if e != "" {
				return e
			}
		case map[string]any:
			if m, ok := e["message"].(string); ok && m != "" {
				return m
			}
		}
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody]
	}

	if msg == "" {
		msg = http.StatusText(code)
	}

	return msg
}
