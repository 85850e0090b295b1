package flux

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/throw-if-null/retouch/internal/api"
)

// Typed errors so callers can tell apart the three ways a remote call goes
// wrong. A transport failure while polling (ErrQuery) is retried on the
// next cycle; a remote-reported Error phase arrives as a normal
// RemoteStatus and is not an error return at all.
var (
	ErrSubmission = errors.New("remote submission failed")
	ErrQuery      = errors.New("remote status query failed")
	ErrDownload   = errors.New("artifact download failed")
)

// Client talks to the remote FLUX processing API. It holds no task state.
type Client struct {
	baseURL  string
	apiKey   string
	http     *http.Client
	download *http.Client
}

// NewClient builds a client for baseURL. submitTimeout bounds submission
// and status calls; downloadTimeout bounds artifact downloads, which may
// move large files and get a longer budget.
func NewClient(baseURL, apiKey string, submitTimeout, downloadTimeout time.Duration) *Client {
	if submitTimeout <= 0 {
		submitTimeout = 30 * time.Second
	}
	if downloadTimeout <= 0 {
		downloadTimeout = 60 * time.Second
	}
	return &Client{
		baseURL:  baseURL,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: submitTimeout},
		download: &http.Client{Timeout: downloadTimeout},
	}
}

type submitPayload struct {
	Prompt           string   `json:"prompt"`
	Image            string   `json:"image"`
	PromptUpsampling bool     `json:"prompt_upsampling"`
	Seed             *int     `json:"seed,omitempty"`
	Steps            *int     `json:"steps,omitempty"`
	Guidance         *float64 `json:"guidance,omitempty"`
}

type submitResponse struct {
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}

// endpoint maps a model variant to its submission path.
func endpoint(model string) string {
	if model == api.ModelKontextMax {
		return "/v1/flux-kontext-max"
	}
	return "/v1/flux-kontext-pro"
}

// Submit sends prompt plus base64-encoded image bytes to the endpoint for
// the request's model variant and returns the remote job id.
func (c *Client) Submit(ctx context.Context, req *api.EditRequest, image []byte) (string, error) {
	payload := submitPayload{
		Prompt: req.Prompt,
		Image:  base64.StdEncoding.EncodeToString(image),
	}
	if req.Options != nil {
		payload.PromptUpsampling = req.Options.PromptUpsampling
		payload.Seed = req.Options.Seed
		payload.Steps = req.Options.Steps
		payload.Guidance = req.Options.Guidance
	}

	body, err := json.Marshal(&payload)
	if err != nil {
		return "", fmt.Errorf("%w: encode payload: %v", ErrSubmission, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint(req.Model), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmission, err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmission, err)
	}
	defer resp.Body.Close()

	var parsed submitResponse
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&parsed)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if decodeErr == nil && parsed.Error != "" {
			return "", fmt.Errorf("%w: %s: %s", ErrSubmission, resp.Status, parsed.Error)
		}
		return "", fmt.Errorf("%w: %s", ErrSubmission, resp.Status)
	}
	if decodeErr != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrSubmission, decodeErr)
	}
	if parsed.ID == "" {
		return "", fmt.Errorf("%w: no job id in response", ErrSubmission)
	}
	return parsed.ID, nil
}

// FetchStatus queries remote job state. Remote-reported failure comes back
// as a RemoteStatus with Status == "Error"; only transport-level problems
// return ErrQuery.
func (c *Client) FetchStatus(ctx context.Context, remoteJobID string) (*api.RemoteStatus, error) {
	u := c.baseURL + "/v1/get-result?id=" + url.QueryEscape(remoteJobID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQuery, err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQuery, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s", ErrQuery, resp.Status)
	}

	var status api.RemoteStatus
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&status); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrQuery, err)
	}
	return &status, nil
}

// Download streams the artifact at resultURL to dest. The destination
// directory is created if needed.
func (c *Client) Download(ctx context.Context, resultURL, dest string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, resultURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownload, err)
	}

	resp, err := c.download.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownload, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s", ErrDownload, resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrDownload, err)
	}
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownload, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(dest)
		return fmt.Errorf("%w: %v", ErrDownload, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(dest)
		return fmt.Errorf("%w: %v", ErrDownload, err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
}
