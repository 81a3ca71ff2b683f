package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNoImage means the backend answered without error but the stream carried
// no image part. Terminal, never retried.
var ErrNoImage = errors.New("no image produced")

type FailureKind string

const (
	KindQuota      FailureKind = "quota_exceeded"
	KindAuth       FailureKind = "auth_failure"
	KindInvalidKey FailureKind = "invalid_credentials"
	KindNoImage    FailureKind = "no_image"
	KindUnknown    FailureKind = "unknown"
)

// BackendError is a terminal (or retry-exhausted) generation failure with a
// classified reason and the underlying message.
type BackendError struct {
	Kind    FailureKind
	Message string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("image backend failure (%s): %s", e.Kind, e.Message)
}

type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

// Client talks to the Gemini streaming image endpoint. One client per call
// keeps provider configuration request-scoped.
type Client struct {
	cfg   Config
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 120 * time.Second}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash-image-preview"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	return &Client{cfg: cfg, sleep: sleepContext}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// ReferenceImage is an inline image attached to a generation request.
type ReferenceImage struct {
	Data     []byte
	MimeType string
}

// Result is the image produced by one call plus any diagnostic text the
// stream carried.
type Result struct {
	Data     []byte
	MimeType string
	Text     string
}

// Generate issues one multi-modal request with the prompt and any reference
// images.
func (c *Client) Generate(ctx context.Context, prompt string, refs []ReferenceImage) (Result, error) {
	parts := []requestPart{{Text: prompt}}
	for _, ref := range refs {
		parts = append(parts, inlinePart(ref.Data, ref.MimeType))
	}
	return c.call(ctx, parts)
}

// Edit issues a request carrying exactly the current image and the edit
// instruction; no other context is mixed in so edits stay scoped.
func (c *Client) Edit(ctx context.Context, image []byte, mimeType, editPrompt string) (Result, error) {
	parts := []requestPart{
		inlinePart(image, mimeType),
		{Text: editPrompt},
	}
	return c.call(ctx, parts)
}

func (c *Client) call(ctx context.Context, parts []requestPart) (Result, error) {
	endpoint, err := c.endpointURL()
	if err != nil {
		return Result{}, err
	}
	body, err := json.Marshal(generateRequest{
		Contents: []requestContent{{Parts: parts}},
		GenerationConfig: &generationConfig{
			ResponseModalities: []string{"IMAGE", "TEXT"},
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal generate payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		res, retry, err := c.callOnce(ctx, endpoint, body)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !retry || attempt == c.cfg.MaxRetries-1 {
			break
		}
		if err := c.sleep(ctx, c.cfg.BackoffBase*(1<<attempt)); err != nil {
			return Result{}, err
		}
	}

	return Result{}, classify(lastErr)
}

func (c *Client) callOnce(ctx context.Context, endpoint string, body []byte) (res Result, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.cfg.APIKey)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return Result{}, true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		err := fmt.Errorf("backend status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		return Result{}, isTransient(resp.StatusCode, err.Error()), err
	}

	res, err = parseStream(resp.Body)
	if err != nil {
		if errors.Is(err, ErrNoImage) {
			return Result{}, false, err
		}
		return Result{}, isTransient(0, err.Error()), err
	}
	return res, false, nil
}

func (c *Client) endpointURL() (string, error) {
	base := strings.TrimSuffix(strings.TrimSpace(c.cfg.BaseURL), "/")
	if base == "" {
		return "", fmt.Errorf("base url is empty")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1beta/models/" + c.cfg.Model + ":streamGenerateContent"
	q := u.Query()
	q.Set("alt", "sse")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type generateRequest struct {
	Contents         []requestContent  `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type requestContent struct {
	Parts []requestPart `json:"parts"`
}

type requestPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type generationConfig struct {
	ResponseModalities []string `json:"responseModalities,omitempty"`
}

func inlinePart(data []byte, mimeType string) requestPart {
	if mimeType == "" {
		mimeType = "image/png"
	}
	return requestPart{InlineData: &inlineData{
		MimeType: mimeType,
		Data:     base64.StdEncoding.EncodeToString(data),
	}}
}

type streamChunk struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text       string `json:"text"`
				InlineData *struct {
					MimeType string `json:"mimeType"`
					Data     string `json:"data"`
				} `json:"inlineData"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"error"`
}

// parseStream consumes the whole SSE stream, keeping the last image payload
// seen and concatenating text parts for diagnostics.
func parseStream(r io.Reader) (Result, error) {
	var out Result
	var texts []string

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 32<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return Result{}, fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.Error != nil {
			return Result{}, fmt.Errorf("stream error %d %s: %s", chunk.Error.Code, chunk.Error.Status, chunk.Error.Message)
		}
		for _, cand := range chunk.Candidates {
			for _, part := range cand.Content.Parts {
				if part.InlineData != nil && part.InlineData.Data != "" {
					data, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
					if err != nil {
						return Result{}, fmt.Errorf("decode image data: %w", err)
					}
					out.Data = data
					out.MimeType = part.InlineData.MimeType
				} else if part.Text != "" {
					texts = append(texts, part.Text)
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return Result{}, fmt.Errorf("read stream: %w", err)
	}

	out.Text = strings.Join(texts, "")
	if len(out.Data) == 0 {
		return Result{}, ErrNoImage
	}
	if out.MimeType == "" {
		out.MimeType = "image/png"
	}
	return out, nil
}

func isTransient(status int, msg string) bool {
	if status >= 500 {
		return true
	}
	return strings.Contains(msg, "500") || strings.Contains(msg, "INTERNAL")
}

// classify maps an exhausted or terminal failure to a BackendError by
// inspecting the provider's message.
func classify(err error) *BackendError {
	if err == nil {
		return &BackendError{Kind: KindUnknown, Message: "unknown failure"}
	}
	if errors.Is(err, ErrNoImage) {
		return &BackendError{Kind: KindNoImage, Message: err.Error()}
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "quota") || strings.Contains(lower, "limit"):
		return &BackendError{Kind: KindQuota, Message: msg}
	case strings.Contains(lower, "auth") || strings.Contains(lower, "permission"):
		return &BackendError{Kind: KindAuth, Message: msg}
	case strings.Contains(lower, "invalid") && strings.Contains(lower, "key"):
		return &BackendError{Kind: KindInvalidKey, Message: msg}
	default:
		return &BackendError{Kind: KindUnknown, Message: msg}
	}
}
