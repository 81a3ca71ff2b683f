package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/wmag777/story-book/internal/config"
	"github.com/wmag777/story-book/internal/metrics"
	"github.com/wmag777/story-book/internal/prompt"
	"github.com/wmag777/story-book/internal/settings"
	"github.com/wmag777/story-book/internal/storage"
)

var (
	// ErrTemplateMissing means the extraction template has no active row.
	// Extraction cannot proceed without its instructions.
	ErrTemplateMissing = errors.New("extraction template missing")

	ErrMissingAPIKey  = errors.New("no API key configured for text provider")
	ErrMissingBaseURL = errors.New("artemox provider selected but no base URL configured")
)

// MalformedResponseError reports an upstream response that could not be
// parsed into the expected shape, with a bounded preview for diagnosis.
type MalformedResponseError struct {
	Preview string
	Err     error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed extraction response: %v (preview: %s)", e.Err, e.Preview)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// ExtractedCharacter is one character the model identified in a story.
type ExtractedCharacter struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Extractor asks the effective text provider to pull characters and scenes
// out of free-form story text. A fresh client is built per call so provider
// switches never leak between concurrent requests.
type Extractor struct {
	templates *prompt.Store
	settings  *settings.Service
	cfg       config.ExtractConfig
	log       zerolog.Logger
}

func New(templates *prompt.Store, svc *settings.Service, cfg config.ExtractConfig, log zerolog.Logger) *Extractor {
	return &Extractor{templates: templates, settings: svc, cfg: cfg, log: log}
}

func (e *Extractor) ExtractCharacters(ctx context.Context, story string) ([]ExtractedCharacter, error) {
	raw, err := e.complete(ctx, storage.TemplateCharacterExtraction, story,
		`Respond with a JSON object of the shape {"characters": [{"name": "...", "description": "..."}]}.`)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Characters []ExtractedCharacter `json:"characters"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, &MalformedResponseError{Preview: preview(raw), Err: err}
	}
	if parsed.Characters == nil {
		return nil, &MalformedResponseError{Preview: preview(raw), Err: errors.New("missing characters field")}
	}

	out := make([]ExtractedCharacter, 0, len(parsed.Characters))
	for _, c := range parsed.Characters {
		c.Name = strings.TrimSpace(c.Name)
		c.Description = strings.TrimSpace(c.Description)
		if c.Name == "" {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (e *Extractor) ExtractScenes(ctx context.Context, story string) ([]string, error) {
	raw, err := e.complete(ctx, storage.TemplateSceneExtraction, story,
		`Respond with a JSON object of the shape {"scenes": ["...", "..."]}.`)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Scenes []string `json:"scenes"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, &MalformedResponseError{Preview: preview(raw), Err: err}
	}
	if parsed.Scenes == nil {
		return nil, &MalformedResponseError{Preview: preview(raw), Err: errors.New("missing scenes field")}
	}

	out := make([]string, 0, len(parsed.Scenes))
	for _, s := range parsed.Scenes {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

func (e *Extractor) complete(ctx context.Context, templateType, story, systemPrompt string) (string, error) {
	rendered, err := e.templates.Render(ctx, templateType, map[string]string{"story": story})
	if err != nil {
		return "", fmt.Errorf("render %s template: %w", templateType, err)
	}
	if rendered == "" {
		return "", fmt.Errorf("%s: %w", templateType, ErrTemplateMissing)
	}

	_, creds, err := e.settings.Resolve(ctx)
	if err != nil {
		return "", err
	}
	client, err := e.client(creds)
	if err != nil {
		return "", err
	}

	metrics.Global().ExtractionsTotal.Inc()
	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: rendered},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", fmt.Errorf("extraction request via %s: %w", creds.Provider, err)
	}
	if len(resp.Choices) == 0 {
		return "", &MalformedResponseError{Preview: "", Err: errors.New("empty choices")}
	}
	return resp.Choices[0].Message.Content, nil
}

// client builds a request-scoped provider client from resolved credentials.
func (e *Extractor) client(creds settings.Credentials) (*openai.Client, error) {
	switch creds.Provider {
	case storage.ProviderArtemox:
		if creds.ArtemoxKey == "" {
			return nil, ErrMissingAPIKey
		}
		if creds.ArtemoxBaseURL == "" {
			return nil, ErrMissingBaseURL
		}
		cfg := openai.DefaultConfig(creds.ArtemoxKey)
		cfg.BaseURL = strings.TrimSuffix(creds.ArtemoxBaseURL, "/")
		cfg.HTTPClient = &http.Client{Timeout: e.cfg.HTTPTimeout}
		return openai.NewClientWithConfig(cfg), nil
	default:
		if creds.OpenAIKey == "" {
			return nil, ErrMissingAPIKey
		}
		cfg := openai.DefaultConfig(creds.OpenAIKey)
		cfg.HTTPClient = &http.Client{Timeout: e.cfg.HTTPTimeout}
		return openai.NewClientWithConfig(cfg), nil
	}
}

func preview(raw string) string {
	runes := []rune(raw)
	if len(runes) > 200 {
		return string(runes[:200])
	}
	return raw
}
