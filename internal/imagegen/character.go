package imagegen

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/wmag777/story-book/internal/prompt"
	"github.com/wmag777/story-book/internal/storage"
)

var (
	ErrEmptyName        = errors.New("character name is empty")
	ErrEmptyDescription = errors.New("character description is empty")
)

// CharacterGenerator builds character portraits by enhancing a raw
// description into a portrait prompt and delegating to the generator.
type CharacterGenerator struct {
	gen       *Generator
	templates *prompt.Store
	log       zerolog.Logger
}

func NewCharacterGenerator(gen *Generator, templates *prompt.Store, log zerolog.Logger) *CharacterGenerator {
	return &CharacterGenerator{gen: gen, templates: templates, log: log}
}

// EnhancePrompt wraps a character description with portrait framing, style
// clauses and a fixed quality clause.
func (cg *CharacterGenerator) EnhancePrompt(ctx context.Context, description, style, colorScheme string) string {
	enhanced := "Character portrait: " + description
	enhanced += " Full body character design, clear facial features, consistent proportions."

	switch {
	case style != "" && colorScheme != "":
		rendered, err := cg.templates.Render(ctx, storage.TemplateImageStyleSuffix, map[string]string{
			"style":        style,
			"color_scheme": colorScheme,
		})
		if err != nil {
			cg.log.Warn().Err(err).Msg("style suffix template failed to render, using fallback")
			rendered = ""
		}
		if rendered == "" {
			rendered = fmt.Sprintf(" Draw in %s with %s colors", style, colorScheme)
		}
		enhanced += rendered
	case style != "":
		enhanced += fmt.Sprintf(" Draw in %s with vibrant colors", style)
	case colorScheme != "":
		enhanced += fmt.Sprintf(" with %s colors", colorScheme)
	}

	enhanced += ". High quality, detailed, professional character design."
	return enhanced
}

// Generate produces a portrait for a character and returns the stored image
// path together with the enhanced prompt that was used.
func (cg *CharacterGenerator) Generate(ctx context.Context, ch storage.Character, project storage.Project) (string, string, error) {
	if strings.TrimSpace(ch.Name) == "" {
		return "", "", ErrEmptyName
	}
	if strings.TrimSpace(ch.Description) == "" {
		return "", "", ErrEmptyDescription
	}

	enhanced := cg.EnhancePrompt(ctx, ch.Description, project.Style, project.ColorScheme)
	base := "character_" + strings.ReplaceAll(strings.ToLower(ch.Name), " ", "_")

	characterID := ch.ID
	rel, err := cg.gen.Generate(ctx, GenerateRequest{
		Prompt:         enhanced,
		FilenameBase:   base,
		Subdir:         "characters",
		ProjectID:      project.ID,
		CharacterID:    &characterID,
		GenerationType: storage.GenerationTypeCharacter,
	})
	if err != nil {
		return "", "", err
	}
	return rel, enhanced, nil
}

// DefaultPoses are the reference-sheet poses used when none are given.
var DefaultPoses = []string{
	"front view, neutral expression",
	"side profile view",
	"three-quarter view, smiling",
	"action pose",
}

// SheetImage is one generated pose of a reference sheet.
type SheetImage struct {
	Pose string
	Path string
}

// CreateReferenceSheet generates one image per pose. Individual pose
// failures are collected; the call only fails when every pose does.
func (cg *CharacterGenerator) CreateReferenceSheet(ctx context.Context, ch storage.Character, project storage.Project, poses []string) ([]SheetImage, []string, error) {
	if strings.TrimSpace(ch.Name) == "" {
		return nil, nil, ErrEmptyName
	}
	if strings.TrimSpace(ch.Description) == "" {
		return nil, nil, ErrEmptyDescription
	}
	if len(poses) == 0 {
		poses = DefaultPoses
	}

	images := make([]SheetImage, 0, len(poses))
	failed := make([]string, 0)
	for _, pose := range poses {
		posed := storage.Character{
			ID:          ch.ID,
			Name:        ch.Name + " " + pose,
			Description: ch.Description + ", " + pose,
		}
		rel, _, err := cg.Generate(ctx, posed, project)
		if err != nil {
			cg.log.Warn().Err(err).Str("pose", pose).Str("character", ch.Name).Msg("reference sheet pose failed")
			failed = append(failed, pose)
			continue
		}
		images = append(images, SheetImage{Pose: pose, Path: rel})
	}

	if len(images) == 0 {
		return nil, failed, fmt.Errorf("all reference sheet poses failed: %s", strings.Join(failed, "; "))
	}
	return images, failed, nil
}
