package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/jpeg"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/exhibit/internal/frame"
)

// JPEGQuality is the encoder quality used for frames sent to the sidecar.
const JPEGQuality = 90

// Client talks to an inference sidecar over HTTP. It implements
// ObjectDetector, FaceEncoder and SceneClassifier.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var (
	_ ObjectDetector  = (*Client)(nil)
	_ FaceEncoder     = (*Client)(nil)
	_ SceneClassifier = (*Client)(nil)
)

// New creates a Client targeting baseURL. timeout bounds each request; zero
// leaves requests bounded only by their context.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type objectsResponse struct {
	Detections []Detection `json:"detections"`
}

type facesResponse struct {
	Faces []FaceEncoding `json:"faces"`
}

type sceneResponse struct {
	Label     string `json:"label"`
	Available bool   `json:"available"`
}

// DetectObjects posts the frame to /v1/objects.
func (c *Client) DetectObjects(ctx context.Context, f frame.Frame) ([]Detection, error) {
	var resp objectsResponse
	if err := c.post(ctx, "/v1/objects", f, &resp); err != nil {
		return nil, err
	}
	return resp.Detections, nil
}

// LocateAndEncode posts the frame to /v1/faces.
func (c *Client) LocateAndEncode(ctx context.Context, f frame.Frame) ([]FaceEncoding, error) {
	var resp facesResponse
	if err := c.post(ctx, "/v1/faces", f, &resp); err != nil {
		return nil, err
	}
	return resp.Faces, nil
}

// ClassifyScene posts the frame to /v1/scene.
func (c *Client) ClassifyScene(ctx context.Context, f frame.Frame) (string, bool, error) {
	var resp sceneResponse
	if err := c.post(ctx, "/v1/scene", f, &resp); err != nil {
		return "", false, err
	}
	if !resp.Available || resp.Label == "" {
		return "", false, nil
	}
	return resp.Label, true, nil
}

// Health queries GET /health.
func (c *Client) Health(ctx context.Context) (Health, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return Health{}, fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Health{}, fmt.Errorf("requesting health: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Health{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return Health{}, fmt.Errorf("decoding response: %w", err)
	}
	return h, nil
}

// IsRunning reports whether the sidecar answers its health check.
func (c *Client) IsRunning(ctx context.Context) bool {
	_, err := c.Health(ctx)
	return err == nil
}

func (c *Client) post(ctx context.Context, path string, f frame.Frame, out any) error {
	if !f.Valid() {
		return fmt.Errorf("malformed frame %dx%dx%d", f.Width, f.Height, f.Channels)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, f.Image(), &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(excerpt)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
