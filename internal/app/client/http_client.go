package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/exp/slog"

	"datasync/internal/app/client/config"
	"datasync/internal/datastore"
	"datasync/internal/domain/record"
)

const (
	healthPath    = "/api/v1/health"
	queryPath     = "/api/v1/sync/query"
	mutatePath    = "/api/v1/sync/mutate"
	subscribePath = "/api/v1/sync/subscribe"

	headerAPIKey = "X-Api-Key"
	userAgent    = "datasync-client/1.0"
)

// httpClient is the RemoteAPI of the reference sync server.
type httpClient struct {
	client *http.Client
	// stream has no timeout; subscriptions live until cancelled.
	stream  *http.Client
	log     *slog.Logger
	baseURL string
	apiKey  string
}

var _ datastore.RemoteAPI = (*httpClient)(nil)

func NewHTTPClient(cfg *config.Config, log *slog.Logger) *httpClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConnsPerHost: 10,
	}
	return &httpClient{
		client:  &http.Client{Timeout: cfg.RequestTimeout, Transport: transport},
		stream:  &http.Client{Transport: transport},
		log:     log.With("component", "http_client"),
		baseURL: cfg.BaseURL(),
		apiKey:  cfg.APIKey,
	}
}

// HealthCheck reports whether the server answers its health endpoint.
func (h *httpClient) HealthCheck(ctx context.Context) error {
	resp, err := h.doRequest(ctx, h.client, http.MethodGet, healthPath, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return statusError("health check", resp.StatusCode, "")
	}
	return nil
}

func (h *httpClient) Query(ctx context.Context, req datastore.QueryRequest) (*datastore.Page, error) {
	resp, err := h.doRequest(ctx, h.client, http.MethodPost, queryPath, req)
	if err != nil {
		return nil, err
	}
	var page datastore.Page
	if err := h.parseResponse("query", resp, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Mutate sends one mutation. A 409 carries the server's current record and
// is returned as *datastore.ConflictError.
func (h *httpClient) Mutate(ctx context.Context, req datastore.MutationRequest) (*record.WithMetadata, error) {
	resp, err := h.doRequest(ctx, h.client, http.MethodPost, mutatePath, req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusConflict {
		defer resp.Body.Close()
		var current record.WithMetadata
		if err := json.NewDecoder(resp.Body).Decode(&current); err != nil {
			return nil, datastore.Irrecoverable("mutate", fmt.Errorf("decode conflict: %w", err))
		}
		return nil, &datastore.ConflictError{Remote: current, ExpectedVersion: req.ExpectedVersion}
	}

	var out record.WithMetadata
	if err := h.parseResponse("mutate", resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Subscribe returns once the server accepted the subscription. The stream
// outlives ctx and ends on Cancel.
func (h *httpClient) Subscribe(ctx context.Context, typeName string, op record.Operation) (datastore.Stream, error) {
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)

	q := url.Values{}
	q.Set("type_name", typeName)
	q.Set("operation", string(op))
	resp, err := h.doRequest(streamCtx, h.stream, http.MethodGet, subscribePath+"?"+q.Encode(), nil)
	if !stop() {
		// ctx ended while connecting.
		if err == nil {
			resp.Body.Close()
		}
		cancel()
		return nil, datastore.Recoverable("subscribe", context.Cause(ctx))
	}
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer cancel()
		return nil, h.parseResponse("subscribe", resp, nil)
	}

	h.log.Debug("subscription opened", "type", typeName, "operation", op)
	return newEventStream(streamCtx, cancel, resp.Body), nil
}

func (h *httpClient) doRequest(ctx context.Context, client *http.Client, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, datastore.Irrecoverable(path, fmt.Errorf("encode request: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reader)
	if err != nil {
		return nil, datastore.Irrecoverable(path, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method == http.MethodGet && path != healthPath {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	if h.apiKey != "" {
		req.Header.Set(headerAPIKey, h.apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, datastore.Recoverable(path, fmt.Errorf("server unreachable: %w", err))
	}
	return resp, nil
}

// problem is the error body written by the server.
type problem struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

func (h *httpClient) parseResponse(op string, resp *http.Response, out any) error {
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var p problem
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		detail := string(bytes.TrimSpace(body))
		if json.Unmarshal(body, &p) == nil && (p.Detail != "" || p.Title != "") {
			detail = p.Detail
			if detail == "" {
				detail = p.Title
			}
		}
		h.log.Debug("request rejected", "op", op, "status", resp.StatusCode, "detail", detail)
		return statusError(op, resp.StatusCode, detail)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return datastore.Irrecoverable(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

var errUnauthorized = errors.New("unauthorized")

// statusError classifies an HTTP failure. Throttling and server errors are
// retried. Anything else, rejected credentials included, fails only the
// request at hand.
func statusError(op string, status int, detail string) error {
	err := fmt.Errorf("server returned %d", status)
	if detail != "" {
		err = fmt.Errorf("server returned %d: %s", status, detail)
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return datastore.Irrecoverable(op, fmt.Errorf("%w: %w", errUnauthorized, err))
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status >= http.StatusInternalServerError:
		return datastore.Recoverable(op, err)
	default:
		return datastore.Irrecoverable(op, err)
	}
}
