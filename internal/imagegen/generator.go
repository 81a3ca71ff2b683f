package imagegen

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/wmag777/story-book/internal/config"
	"github.com/wmag777/story-book/internal/costs"
	"github.com/wmag777/story-book/internal/files"
	"github.com/wmag777/story-book/internal/imagegen/gemini"
	"github.com/wmag777/story-book/internal/metrics"
	"github.com/wmag777/story-book/internal/settings"
	"github.com/wmag777/story-book/internal/storage"
)

// ErrMissingAPIKey means no Google credential could be resolved from settings
// or the environment. A configuration error, never retried.
var ErrMissingAPIKey = errors.New("no Google API key configured")

// Backend is the image endpoint contract the generator drives.
type Backend interface {
	Generate(ctx context.Context, prompt string, refs []gemini.ReferenceImage) (gemini.Result, error)
	Edit(ctx context.Context, image []byte, mimeType, editPrompt string) (gemini.Result, error)
}

// BackendFactory builds a request-scoped backend client for an API key.
// Clients are per call so concurrent requests for different credentials
// never share configuration.
type BackendFactory func(apiKey string) Backend

// Generator orchestrates one generation or edit against the image backend:
// resolve credentials, attach reference images, persist the result and
// record its cost exactly once.
type Generator struct {
	settings   *settings.Service
	files      *files.Store
	tracker    *costs.Tracker
	newBackend BackendFactory
	log        zerolog.Logger
}

func New(svc *settings.Service, fs *files.Store, tracker *costs.Tracker, cfg config.ImageConfig, log zerolog.Logger) *Generator {
	factory := func(apiKey string) Backend {
		return gemini.New(gemini.Config{
			BaseURL:     cfg.BaseURL,
			APIKey:      apiKey,
			Model:       cfg.Model,
			HTTPClient:  &http.Client{Timeout: cfg.HTTPTimeout},
			MaxRetries:  cfg.MaxRetries,
			BackoffBase: cfg.BackoffBase,
		})
	}
	return NewWithBackend(svc, fs, tracker, factory, log)
}

func NewWithBackend(svc *settings.Service, fs *files.Store, tracker *costs.Tracker, factory BackendFactory, log zerolog.Logger) *Generator {
	return &Generator{
		settings:   svc,
		files:      fs,
		tracker:    tracker,
		newBackend: factory,
		log:        log,
	}
}

// GenerateRequest describes one generation call.
type GenerateRequest struct {
	Prompt              string
	FilenameBase        string
	Subdir              string
	ReferenceImagePaths []string
	ProjectID           int64
	SceneID             *int64
	CharacterID         *int64
	GenerationType      string
}

// Generate produces an image, stores it and returns the relative media path.
func (g *Generator) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	backend, err := g.backend(ctx)
	if err != nil {
		return "", err
	}

	refs := g.loadReferenceImages(req.ReferenceImagePaths)
	res, err := backend.Generate(ctx, req.Prompt, refs)
	if err != nil {
		metrics.Global().GenerationFailures.Inc()
		return "", fmt.Errorf("generate image: %w", err)
	}

	rel, err := g.files.SaveImage(req.Subdir, req.FilenameBase, res.Data, res.MimeType)
	if err != nil {
		return "", err
	}

	if req.GenerationType == storage.GenerationTypeCharacter {
		metrics.Global().CharacterGenerations.Inc()
	} else {
		metrics.Global().GenerationsTotal.Inc()
	}
	g.recordCost(ctx, req.ProjectID, req.SceneID, req.CharacterID, req.GenerationType, req.Prompt)
	return rel, nil
}

// EditRequest describes one edit call against an already stored image.
type EditRequest struct {
	ImagePath    string
	EditPrompt   string
	FilenameBase string
	Subdir       string
	ProjectID    int64
	SceneID      *int64
}

// Edit applies an edit instruction to the stored image and returns the new
// relative media path.
func (g *Generator) Edit(ctx context.Context, req EditRequest) (string, error) {
	backend, err := g.backend(ctx)
	if err != nil {
		return "", err
	}

	current, err := g.files.Read(req.ImagePath)
	if err != nil {
		return "", err
	}

	res, err := backend.Edit(ctx, current, mimeForPath(req.ImagePath), req.EditPrompt)
	if err != nil {
		metrics.Global().GenerationFailures.Inc()
		return "", fmt.Errorf("edit image: %w", err)
	}

	rel, err := g.files.SaveImage(req.Subdir, req.FilenameBase, res.Data, res.MimeType)
	if err != nil {
		return "", err
	}

	metrics.Global().EditsTotal.Inc()
	g.recordCost(ctx, req.ProjectID, req.SceneID, nil, storage.GenerationTypeEdit, req.EditPrompt)
	return rel, nil
}

func (g *Generator) backend(ctx context.Context) (Backend, error) {
	_, creds, err := g.settings.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	if creds.GoogleKey == "" {
		return nil, ErrMissingAPIKey
	}
	return g.newBackend(creds.GoogleKey), nil
}

// loadReferenceImages reads attached reference files. Unreadable files are
// skipped with a warning so one stale path does not block a generation.
func (g *Generator) loadReferenceImages(paths []string) []gemini.ReferenceImage {
	refs := make([]gemini.ReferenceImage, 0, len(paths))
	for _, rel := range paths {
		data, err := g.files.Read(rel)
		if err != nil {
			g.log.Warn().Err(err).Str("path", rel).Msg("skipping unreadable reference image")
			continue
		}
		refs = append(refs, gemini.ReferenceImage{Data: data, MimeType: mimeForPath(rel)})
	}
	return refs
}

// recordCost charges the project for a finished generation. A tracking
// failure is logged, not surfaced: the image already exists.
func (g *Generator) recordCost(ctx context.Context, projectID int64, sceneID, characterID *int64, generationType, prompt string) {
	if projectID == 0 {
		return
	}
	if err := g.tracker.Record(ctx, projectID, sceneID, characterID, generationType, prompt); err != nil {
		g.log.Error().Err(err).Int64("project_id", projectID).Msg("failed to record generation cost")
	}
}

func mimeForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	default:
		return "image/png"
	}
}
