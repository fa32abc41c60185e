// Package openai provides clients for an OpenAI-compatible completion
// and image-generation API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/parleybot/parley/internal/budget"
	"github.com/parleybot/parley/internal/httpkit"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// DefaultBaseURL is the official API endpoint. A proxy deployment
// overrides it in config.
const DefaultBaseURL = "https://api.openai.com/v1"

// Client calls the completion and image endpoints. One call is made
// per inbound prompt; there is no streaming. The underlying HTTP
// client has no overall timeout — the completion collaborator is
// configured for unbounded wait, and cancellation comes from ctx.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	imageSize  string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates an API client. baseURL empty means [DefaultBaseURL];
// model and imageSize empty fall back to gpt-3.5-turbo and 1024x1024.
func NewClient(baseURL, apiKey, model, imageSize string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = "gpt-3.5-turbo"
	}
	if imageSize == "" {
		imageSize = "1024x1024"
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Completions can take minutes before the response headers arrive,
	// so the header timeout is lifted along with the overall timeout.
	transport := httpkit.NewTransport()
	transport.ResponseHeaderTimeout = 0

	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
		imageSize:  imageSize,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithTransport(transport)),
		logger:     logger,
	}
}

// chatRequest is the request format for the chat completions endpoint.
type chatRequest struct {
	Model    string           `json:"model"`
	Messages []budget.Message `json:"messages"`
}

// chatResponse is the subset of the completion response we consume.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// ChatCompletion submits the transcript and returns the assistant's
// reply text. The transcript must already fit the context budget.
func (c *Client) ChatCompletion(ctx context.Context, messages []budget.Message) (string, error) {
	req := chatRequest{Model: c.model, Messages: messages}

	var resp chatResponse
	if err := c.post(ctx, "/chat/completions", req, &resp); err != nil {
		return "", err
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// imageRequest is the request format for the image generations endpoint.
type imageRequest struct {
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
	Size   string `json:"size"`
}

// imageResponse is the subset of the generation response we consume.
type imageResponse struct {
	Data []struct {
		URL string `json:"url"`
	} `json:"data"`
}

// GenerateImage submits a prompt and returns the hosted URL of the
// generated image.
func (c *Client) GenerateImage(ctx context.Context, prompt string) (string, error) {
	req := imageRequest{Prompt: prompt, N: 1, Size: c.imageSize}

	var resp imageResponse
	if err := c.post(ctx, "/images/generations", req, &resp); err != nil {
		return "", err
	}

	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return "", fmt.Errorf("image generation returned no url")
	}
	return resp.Data[0].URL, nil
}

// post marshals req, issues the call, and decodes the response into out.
// API errors surface with the response body for diagnosis.
func (c *Client) post(ctx context.Context, path string, req, out any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, LevelTrace, "api request", "path", path, "payload", string(payload))

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
