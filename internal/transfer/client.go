package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"strings"
	"time"

	"heimdallr/internal/services"
)

const userAgent = "Heimdallr-Go/0.1.0"

// definiteStatuses are responses that will not change on retry.
var definiteStatuses = map[int]bool{
	http.StatusBadRequest:            true,
	http.StatusUnauthorized:          true,
	http.StatusForbidden:             true,
	http.StatusNotFound:              true,
	http.StatusRequestEntityTooLarge: true,
	http.StatusUnsupportedMediaType:  true,
	http.StatusUnprocessableEntity:   true,
}

// StatusError reports a non-2xx upload response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upload returned status %d", e.Code)
	}
	return fmt.Sprintf("upload returned status %d: %s", e.Code, e.Body)
}

// Definite reports whether retrying cannot succeed.
func (e *StatusError) Definite() bool { return definiteStatuses[e.Code] }

// UploadResult is the decoded success response.
type UploadResult struct {
	CaseID string `json:"case_id"`
	Status int    `json:"-"`
}

// Client posts study archives to the upload endpoint.
type Client struct {
	url   string
	token string
	http  *http.Client
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// NewClient builds a client for url. An empty token omits the
// Authorization header.
func NewClient(url, token string, timeout time.Duration, opts ...ClientOption) *Client {
	c := &Client{
		url:   strings.TrimSpace(url),
		token: strings.TrimSpace(token),
		http:  &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Upload sends the archive at path as multipart field "file". Errors are
// tagged transient unless the server answered with a definite status.
func (c *Client) Upload(ctx context.Context, path string) (UploadResult, error) {
	file, err := os.Open(path)
	if err != nil {
		return UploadResult{}, services.Wrap(services.ErrNotFound, "transfer", "open archive", path, err)
	}
	defer file.Close()

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(writer, file))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, pr)
	if err != nil {
		_ = pr.Close()
		return UploadResult{}, services.Wrap(services.ErrConfiguration, "transfer", "build request", c.url, err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("User-Agent", userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		_ = pr.Close()
		return UploadResult{}, services.Wrap(services.ErrTransient, "transfer", "post", "request failed", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		if statusErr.Definite() {
			return UploadResult{Status: resp.StatusCode}, services.Wrap(services.ErrValidation, "transfer", "post", "rejected", statusErr)
		}
		return UploadResult{Status: resp.StatusCode}, services.Wrap(services.ErrTransient, "transfer", "post", "server error", statusErr)
	}

	result := UploadResult{Status: resp.StatusCode}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &result); err != nil {
			// A 2xx without a JSON body still means the archive was accepted.
			result.CaseID = ""
		}
	}
	result.Status = resp.StatusCode
	return result, nil
}

func writeForm(writer *multipart.Writer, file *os.File) error {
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="study.zip"`)
	header.Set("Content-Type", "application/zip")
	part, err := writer.CreatePart(header)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, file); err != nil {
		return err
	}
	return writer.Close()
}

// statusOf extracts the HTTP status from an upload error, or 0.
func statusOf(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code
	}
	return 0
}
