// Package api provides the HTTP client boundary for the fieldsync
// core. Errors coming out of this package are classified at the type
// level: a *NetworkError means the server was never reached (or the
// call was cut short), a *APIError means the server answered with a
// structured failure. Everything upstream branches on that
// distinction instead of sniffing error strings.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fieldhq/fieldsync/internal/models"
)

// Method is the closed set of HTTP methods queued mutations may use.
type Method string

const (
	MethodGet    Method = "GET"
	MethodPost   Method = "POST"
	MethodPut    Method = "PUT"
	MethodPatch  Method = "PATCH"
	MethodDelete Method = "DELETE"
)

// Valid reports whether m is one of the supported methods.
func (m Method) Valid() bool {
	switch m {
	case MethodGet, MethodPost, MethodPut, MethodPatch, MethodDelete:
		return true
	}
	return false
}

// NetworkError indicates the request never produced a server response:
// connection refused, timeout, abort, DNS failure. These are the
// retryable failures.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// APIError indicates the server answered with a 4xx/5xx. These are
// authoritative and must never be masked by cached data or retried by
// the mutation dispatcher.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// IsNetworkError reports whether err (or anything it wraps) is a
// transient network failure.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// UploadForm carries the multipart fields for a photo upload.
type UploadForm struct {
	FilePath        string
	FileName        string
	Data            []byte // already-compressed bytes; read from FilePath when nil
	Category        models.PhotoCategory
	Location        *models.GeoPoint
	Timestamp       int64
	ChecklistItemID string
}

// Client is the transport the dispatchers are written against. Tests
// inject fakes; production uses HTTPClient.
type Client interface {
	// Do executes a JSON request and returns the raw response body.
	Do(ctx context.Context, method Method, endpoint string, payload []byte) ([]byte, error)

	// Upload sends a multipart photo payload.
	Upload(ctx context.Context, endpoint string, form UploadForm) ([]byte, error)
}

// HTTPClient implements Client over net/http.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient creates an HTTPClient for the given API base URL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// errorBody is the structured error envelope the API returns.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Do executes the HTTP call implied by {method, endpoint, payload}.
func (c *HTTPClient) Do(ctx context.Context, method Method, endpoint string, payload []byte) ([]byte, error) {
	if !method.Valid() {
		return nil, fmt.Errorf("unsupported method %q", method)
	}

	var body io.Reader
	if len(payload) > 0 {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, string(method), c.baseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if len(payload) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.send(req, string(method)+" "+endpoint)
}

// Upload sends a multipart form with the photo file plus its metadata.
func (c *HTTPClient) Upload(ctx context.Context, endpoint string, form UploadForm) ([]byte, error) {
	data := form.Data
	if data == nil {
		var err error
		data, err = os.ReadFile(form.FilePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read upload file: %w", err)
		}
	}

	name := form.FileName
	if name == "" {
		name = filepath.Base(form.FilePath)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("photo", name)
	if err != nil {
		return nil, fmt.Errorf("failed to build multipart payload: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write multipart payload: %w", err)
	}

	_ = w.WriteField("category", string(form.Category))
	_ = w.WriteField("timestamp", strconv.FormatInt(form.Timestamp, 10))
	if form.Location != nil {
		_ = w.WriteField("latitude", strconv.FormatFloat(form.Location.Latitude, 'f', -1, 64))
		_ = w.WriteField("longitude", strconv.FormatFloat(form.Location.Longitude, 'f', -1, 64))
	}
	if form.ChecklistItemID != "" {
		_ = w.WriteField("checklist_item_id", form.ChecklistItemID)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize multipart payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	return c.send(req, "UPLOAD "+endpoint)
}

// send performs the request and classifies the outcome.
func (c *HTTPClient) send(req *http.Request, op string) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		// Transport-level failure: the server never answered.
		return nil, &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		// The connection died mid-response; treat as transient.
		return nil, &NetworkError{Op: op, Err: err}
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var eb errorBody
		if json.Unmarshal(body, &eb) == nil && eb.Message != "" {
			apiErr.Code = eb.Code
			apiErr.Message = eb.Message
		}
		return nil, apiErr
	}

	return body, nil
}
