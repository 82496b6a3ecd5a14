package debrid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors for conversion service failures.
var (
	// ErrRejectedLink means the service refused the link itself. Not retryable.
	ErrRejectedLink = errors.New("link rejected by conversion service")
	// ErrQuotaExceeded means the account hit its conversion quota. Not retryable.
	ErrQuotaExceeded = errors.New("conversion quota exceeded")
	// ErrTransient covers network failures and server-side errors worth retrying.
	ErrTransient = errors.New("transient conversion service error")
)

// Limiter gates outbound requests to the conversion service.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Client is the interface for the web download conversion service.
type Client interface {
	CreateDownload(ctx context.Context, link string) (CreateResult, error)
	GetDownloadStatus(ctx context.Context, id int64) (DownloadStatus, error)
	RequestDownloadURL(ctx context.Context, webID, fileID int64) (string, error)
}

// CreateResult is the outcome of registering a link with the service.
type CreateResult struct {
	ID     int64
	Cached bool
}

// File is a single file within a remote download.
type File struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// DownloadStatus is a snapshot of a remote download's progress.
type DownloadStatus struct {
	ID       int64   `json:"id"`
	State    string  `json:"download_state"`
	Progress float64 `json:"progress"`
	Size     int64   `json:"size"`
	Files    []File  `json:"files"`
}

// Completed reports whether the remote download finished successfully.
// Cached downloads can expose their files before the state flips over,
// so a non-empty file list also counts.
func (s DownloadStatus) Completed() bool {
	return strings.EqualFold(s.State, "completed") || len(s.Files) > 0
}

// Failed reports whether the remote download ended in an error state.
func (s DownloadStatus) Failed() bool {
	state := strings.ToLower(s.State)
	return state == "failed" || state == "error"
}

// HTTPClient implements Client against the service's HTTP API.
type HTTPClient struct {
	baseURL       string
	apiToken      string
	limiter       Limiter
	client        *http.Client
	retryAttempts int
	retryBase     time.Duration
}

// NewHTTPClient creates a conversion service client. Every outbound request
// waits on the limiter first so the whole process shares one request budget.
func NewHTTPClient(baseURL, apiToken string, limiter Limiter, timeout time.Duration, retryAttempts int, retryBase time.Duration) *HTTPClient {
	if retryAttempts < 1 {
		retryAttempts = 1
	}
	return &HTTPClient{
		baseURL:       strings.TrimRight(baseURL, "/"),
		apiToken:      apiToken,
		limiter:       limiter,
		client:        &http.Client{Timeout: timeout},
		retryAttempts: retryAttempts,
		retryBase:     retryBase,
	}
}

func (c *HTTPClient) CreateDownload(ctx context.Context, link string) (CreateResult, error) {
	var result CreateResult
	err := c.withRetry(ctx, func() error {
		form := url.Values{"link": {link}}
		u := c.baseURL + "/webdl/createwebdownload"

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
		if err != nil {
			return fmt.Errorf("building request: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+c.apiToken)
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.client.Do(httpReq)
		if err != nil {
			return classifyError(err)
		}
		defer resp.Body.Close()

		var apiResp createResponse
		if err := decodeResponse(resp, &apiResp.apiEnvelope, &apiResp); err != nil {
			return err
		}
		if apiResp.Data.WebDownloadID == 0 {
			return fmt.Errorf("%w: response missing download id", ErrRejectedLink)
		}

		result = CreateResult{
			ID:     apiResp.Data.WebDownloadID,
			Cached: strings.Contains(strings.ToLower(apiResp.Detail), "cached"),
		}
		return nil
	})
	return result, err
}

func (c *HTTPClient) GetDownloadStatus(ctx context.Context, id int64) (DownloadStatus, error) {
	var status DownloadStatus
	err := c.withRetry(ctx, func() error {
		u := fmt.Sprintf("%s/webdl/mylist?id=%d", c.baseURL, id)

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return fmt.Errorf("building request: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+c.apiToken)

		resp, err := c.client.Do(httpReq)
		if err != nil {
			return classifyError(err)
		}
		defer resp.Body.Close()

		var apiResp statusResponse
		if err := decodeResponse(resp, &apiResp.apiEnvelope, &apiResp); err != nil {
			return err
		}

		status = apiResp.Data
		status.State = strings.ToLower(status.State)
		return nil
	})
	return status, err
}

func (c *HTTPClient) RequestDownloadURL(ctx context.Context, webID, fileID int64) (string, error) {
	var signed string
	err := c.withRetry(ctx, func() error {
		params := url.Values{
			"token":   {c.apiToken},
			"web_id":  {strconv.FormatInt(webID, 10)},
			"file_id": {strconv.FormatInt(fileID, 10)},
		}
		u := fmt.Sprintf("%s/webdl/requestdl?%s", c.baseURL, params.Encode())

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return fmt.Errorf("building request: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+c.apiToken)

		resp, err := c.client.Do(httpReq)
		if err != nil {
			return classifyError(err)
		}
		defer resp.Body.Close()

		var apiResp requestDLResponse
		if err := decodeResponse(resp, &apiResp.apiEnvelope, &apiResp); err != nil {
			return err
		}
		if apiResp.Data == "" {
			return fmt.Errorf("%w: response missing download url", ErrTransient)
		}

		signed = apiResp.Data
		return nil
	})
	return signed, err
}

// withRetry acquires a rate limit slot and runs fn, retrying transient
// failures with exponential backoff and jitter.
func (c *HTTPClient) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 && c.retryBase > 0 {
			delay := c.retryBase << (attempt - 1)
			delay += time.Duration(rand.Int63n(int64(c.retryBase)))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if c.limiter != nil {
			if err := c.limiter.Acquire(ctx); err != nil {
				return err
			}
		}

		lastErr = fn()
		if lastErr == nil || !errors.Is(lastErr, ErrTransient) {
			return lastErr
		}
	}
	return lastErr
}

// decodeResponse maps HTTP status and envelope failures to sentinel errors,
// then decodes the body into out.
func decodeResponse(resp *http.Response, env *apiEnvelope, out any) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrQuotaExceeded, resp.StatusCode)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: status %d", ErrRejectedLink, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if !env.Success {
		detail := strings.ToLower(env.Detail)
		if strings.Contains(detail, "quota") || strings.Contains(detail, "limit") {
			return fmt.Errorf("%w: %s", ErrQuotaExceeded, env.Detail)
		}
		return fmt.Errorf("%w: %s", ErrRejectedLink, env.Detail)
	}
	return nil
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}

	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// --- API response types ---

type apiEnvelope struct {
	Success bool   `json:"success"`
	Detail  string `json:"detail"`
}

type createResponse struct {
	apiEnvelope
	Data struct {
		WebDownloadID int64 `json:"webdownload_id"`
	} `json:"data"`
}

type statusResponse struct {
	apiEnvelope
	Data DownloadStatus `json:"data"`
}

type requestDLResponse struct {
	apiEnvelope
	Data string `json:"data"`
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
