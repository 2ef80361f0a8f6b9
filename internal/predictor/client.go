// Package predictor talks to the MRI inference service that classifies
// uploaded scans.
package predictor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/DeepanB2005/MRI/internal/domain"
)

// Client is an HTTP client for the inference service's /api/predict and
// /api/health endpoints.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  cfg.Logger,
	}
}

// Configured reports whether an inference service URL is set.
func (c *Client) Configured() bool { return c.baseURL != "" }

// Predict uploads one image and returns the classification result. filename
// carries the original upload name for server-side format detection.
func (c *Client) Predict(ctx context.Context, image []byte, filename string) (*domain.PredictionResult, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("predictor: inference service URL not configured")
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", filename)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(image); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/predict", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("predict request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("inference service %d: %s", resp.StatusCode, string(body))
	}

	var result domain.PredictionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode prediction: %w", err)
	}
	if !result.Success {
		return nil, fmt.Errorf("inference service rejected image")
	}
	c.logger.Debug("prediction received",
		"disease", result.TopPrediction.Disease,
		"confidence", result.TopPrediction.Confidence)
	return &result, nil
}

// Healthy probes the inference service health endpoint.
func (c *Client) Healthy(ctx context.Context) error {
	if !c.Configured() {
		return fmt.Errorf("predictor: inference service URL not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("inference service not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inference service returned %d", resp.StatusCode)
	}
	return nil
}
