package models

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kozaktomas/face-recognizer/internal/facematch"
)

const defaultModelURL = "http://localhost:8000"

// Client talks to a face model server over HTTP. It implements Detector,
// LandmarkPredictor and Encoder and is safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a model server client. timeout bounds each request.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultModelURL
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// HTTPFactory returns a Factory that builds clients against baseURL. Every
// instance checks the server's health before use.
func HTTPFactory(baseURL string, timeout time.Duration) Factory {
	return func(ctx context.Context) (*Models, error) {
		c := NewClient(baseURL, timeout)
		if err := c.Ping(ctx); err != nil {
			return nil, err
		}
		return &Models{Detector: c, Landmarks: c, Encoder: c, Closer: c}, nil
	}
}

type rectJSON struct {
	Top    int `json:"top"`
	Left   int `json:"left"`
	Bottom int `json:"bottom"`
	Right  int `json:"right"`
}

type detectResponse struct {
	Faces []rectJSON `json:"faces"`
}

type landmarksResponse struct {
	Points []facematch.Point `json:"points"`
}

type encodeResponse struct {
	Encodings [][]float32 `json:"encodings"`
}

// Ping checks GET /health.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrModelUnavailable, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrModelUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health check returned status %d", ErrModelUnavailable, resp.StatusCode)
	}
	return nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// postImage sends img as a PNG form file together with extra form fields and
// returns the response body.
func (c *Client) postImage(ctx context.Context, endpoint string, img image.Image, fields map[string]string) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", "image.png")
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if err := png.Encode(part, img); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			return nil, fmt.Errorf("failed to write field %s: %w", name, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// LocateFaces calls POST /detect.
func (c *Client) LocateFaces(ctx context.Context, img image.Image) ([]facematch.Rect, error) {
	body, err := c.postImage(ctx, "/detect", img, nil)
	if err != nil {
		return nil, err
	}

	var resp detectResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	rects := make([]facematch.Rect, len(resp.Faces))
	for i, f := range resp.Faces {
		rects[i] = facematch.Rect{Top: f.Top, Left: f.Left, Bottom: f.Bottom, Right: f.Right}
	}
	return rects, nil
}

// Landmarks calls POST /landmarks for a single face rectangle.
func (c *Client) Landmarks(ctx context.Context, img image.Image, rect facematch.Rect) (facematch.Landmarks, error) {
	rectField, err := json.Marshal(rectJSON{Top: rect.Top, Left: rect.Left, Bottom: rect.Bottom, Right: rect.Right})
	if err != nil {
		return nil, err
	}

	body, err := c.postImage(ctx, "/landmarks", img, map[string]string{"rect": string(rectField)})
	if err != nil {
		return nil, err
	}

	var resp landmarksResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return facematch.Landmarks(resp.Points), nil
}

// Encode calls POST /encode. The server must return exactly one 128-dim
// encoding per landmark set.
func (c *Client) Encode(ctx context.Context, img image.Image, landmarks []facematch.Landmarks, jitter int) ([]facematch.Encoding, error) {
	if len(landmarks) == 0 {
		return nil, nil
	}

	landmarksField, err := json.Marshal(landmarks)
	if err != nil {
		return nil, err
	}

	body, err := c.postImage(ctx, "/encode", img, map[string]string{
		"landmarks": string(landmarksField),
		"jitter":    strconv.Itoa(jitter),
	})
	if err != nil {
		return nil, err
	}

	var resp encodeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(resp.Encodings) != len(landmarks) {
		return nil, fmt.Errorf("got %d encodings for %d landmark sets", len(resp.Encodings), len(landmarks))
	}

	encodings := make([]facematch.Encoding, len(resp.Encodings))
	for i, values := range resp.Encodings {
		enc, err := facematch.NewEncoding(values)
		if err != nil {
			return nil, fmt.Errorf("encoding %d: %w", i, err)
		}
		encodings[i] = enc
	}
	return encodings, nil
}
