package fieldsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultRemoteTimeout    = 30 * time.Second
	defaultRemoteMaxRetries = 2
	defaultRemoteBaseDelay  = 500 * time.Millisecond
	defaultRemoteMaxDelay   = 5 * time.Second
)

// WriteRequest carries one mutation to the remote endpoint. Force omits
// the version check, instructing the backend to overwrite
// unconditionally; it is only used after explicit conflict resolution.
type WriteRequest struct {
	EntityID        string
	Status          ItemStatus
	Notes           string
	ActorID         string
	ExpectedVersion int64
	Force           bool
}

// RemoteClient is the opaque backend collaborator. Save returns the
// stored record on success or a *ConflictError carrying the current
// remote record when the optimistic concurrency check rejects the
// write.
type RemoteClient interface {
	Save(ctx context.Context, req WriteRequest) (RemoteRecord, error)
	Fetch(ctx context.Context, entityID string) (RemoteRecord, error)
	Health(ctx context.Context) error
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
	}
	if e.Code != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

type HTTPRemoteClientOptions struct {
	BaseURL    string
	Tokens     TokenSource
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Logger     *zap.Logger
}

type HTTPRemoteClient struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     *zap.Logger
}

func NewHTTPRemoteClient(opts HTTPRemoteClientOptions) (*HTTPRemoteClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: remote base URL is empty", ErrInvalidInput)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRemoteTimeout}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	if opts.MaxRetries == 0 {
		maxRetries = defaultRemoteMaxRetries
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultRemoteBaseDelay
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultRemoteMaxDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPRemoteClient{
		baseURL:    baseURL,
		tokens:     opts.Tokens,
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		logger:     logger,
	}, nil
}

type saveRequestBody struct {
	Status          ItemStatus `json:"status"`
	Notes           string     `json:"notes"`
	ActorID         string     `json:"actorId"`
	ExpectedVersion *int64     `json:"expectedVersion,omitempty"`
}

type conflictResponseBody struct {
	Code    string       `json:"code,omitempty"`
	Message string       `json:"message,omitempty"`
	Current RemoteRecord `json:"current"`
}

func (c *HTTPRemoteClient) Save(ctx context.Context, req WriteRequest) (RemoteRecord, error) {
	if strings.TrimSpace(req.EntityID) == "" {
		return RemoteRecord{}, fmt.Errorf("%w: entity id is empty", ErrInvalidInput)
	}
	body := saveRequestBody{
		Status:  req.Status,
		Notes:   req.Notes,
		ActorID: req.ActorID,
	}
	if !req.Force && req.ExpectedVersion > 0 {
		version := req.ExpectedVersion
		body.ExpectedVersion = &version
	}
	var record RemoteRecord
	err := c.doJSON(ctx, http.MethodPut, "/api/entities/"+url.PathEscape(req.EntityID), body, &record)
	if err != nil {
		if conflict, ok := err.(*ConflictError); ok && conflict.EntityID == "" {
			conflict.EntityID = req.EntityID
		}
		return RemoteRecord{}, err
	}
	return record, nil
}

func (c *HTTPRemoteClient) Fetch(ctx context.Context, entityID string) (RemoteRecord, error) {
	if strings.TrimSpace(entityID) == "" {
		return RemoteRecord{}, fmt.Errorf("%w: entity id is empty", ErrInvalidInput)
	}
	var record RemoteRecord
	err := c.doJSON(ctx, http.MethodGet, "/api/entities/"+url.PathEscape(entityID), nil, &record)
	if err != nil {
		return RemoteRecord{}, err
	}
	return record, nil
}

func (c *HTTPRemoteClient) Health(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *HTTPRemoteClient) doJSON(ctx context.Context, method, path string, reqBody, out any) error {
	var payload []byte
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return err
		}
		payload = data
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.tokens != nil {
			token, tokenErr := c.tokens.Token(ctx)
			if tokenErr != nil {
				return tokenErr
			}
			if token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}
		}
		resp, doErr := c.httpClient.Do(req)
		if doErr != nil {
			if ctx.Err() == nil && attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt)); waitErr != nil {
					return waitErr
				}
				continue
			}
			return fmt.Errorf("remote request failed: %w", doErr)
		}
		retry, err := c.handleResponse(resp, out)
		if err == nil && !retry {
			return nil
		}
		if !retry {
			return err
		}
		if attempt >= c.maxRetries {
			return err
		}
		delay := c.retryDelay(attempt)
		if after, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			delay = after
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}
		c.logger.Debug("retrying remote request",
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay))
		if waitErr := waitWithContext(ctx, delay); waitErr != nil {
			return waitErr
		}
	}
}

func (c *HTTPRemoteClient) handleResponse(resp *http.Response, out any) (bool, error) {
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return false, nil
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return false, err
		}
		if len(bytes.TrimSpace(data)) == 0 {
			return false, nil
		}
		return false, json.Unmarshal(data, out)
	}
	if resp.StatusCode == http.StatusConflict {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return false, err
		}
		var conflict conflictResponseBody
		if err := json.Unmarshal(data, &conflict); err != nil {
			return false, &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		}
		return false, &ConflictError{EntityID: conflict.Current.EntityID, Remote: conflict.Current}
	}
	httpErr := readHTTPError(resp)
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return true, httpErr
	}
	return false, httpErr
}

func readHTTPError(resp *http.Response) *HTTPError {
	data, _ := io.ReadAll(resp.Body)
	httpErr := &HTTPError{StatusCode: resp.StatusCode}
	var wire struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(data, &wire); err == nil {
		httpErr.Code = wire.Code
		httpErr.Message = wire.Message
		if httpErr.Message == "" {
			httpErr.Message = wire.Error
		}
	}
	if httpErr.Message == "" {
		httpErr.Message = strings.TrimSpace(string(data))
	}
	if httpErr.Message == "" {
		httpErr.Message = http.StatusText(resp.StatusCode)
	}
	return httpErr
}

func (c *HTTPRemoteClient) retryDelay(attempt int) time.Duration {
	delay := time.Duration(float64(c.baseDelay) * math.Pow(2, float64(attempt)))
	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	return delay
}

func parseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		until := time.Until(at)
		if until < 0 {
			until = 0
		}
		return until, true
	}
	return 0, false
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
