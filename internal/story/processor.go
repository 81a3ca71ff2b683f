package story

import (
	"context"
	"fmt"
	"regexp"

	"github.com/rs/zerolog"

	"github.com/wmag777/story-book/internal/extraction"
	"github.com/wmag777/story-book/internal/storage"
)

// Extractor is the text-extraction collaborator the processor consumes.
type Extractor interface {
	ExtractCharacters(ctx context.Context, story string) ([]extraction.ExtractedCharacter, error)
	ExtractScenes(ctx context.Context, story string) ([]string, error)
}

// Processor turns a submitted story into persisted characters and scenes.
// Scene text has character names replaced by {Name} placeholders so the
// composer can substitute descriptions or references at generation time.
type Processor struct {
	store     *storage.Store
	extractor Extractor
	log       zerolog.Logger
}

func New(store *storage.Store, extractor Extractor, log zerolog.Logger) *Processor {
	return &Processor{store: store, extractor: extractor, log: log}
}

type Result struct {
	CharacterIDs []int64
	SceneIDs     []int64
}

func (p *Processor) Process(ctx context.Context, projectID int64, storyText string) (Result, error) {
	chars, err := p.extractor.ExtractCharacters(ctx, storyText)
	if err != nil {
		return Result{}, fmt.Errorf("extract characters: %w", err)
	}

	var res Result
	idByName := make(map[string]int64, len(chars))
	names := make([]string, 0, len(chars))
	for _, c := range chars {
		id, err := p.store.UpsertCharacter(ctx, storage.Character{
			ProjectID:   projectID,
			Name:        c.Name,
			Description: c.Description,
		})
		if err != nil {
			return Result{}, fmt.Errorf("persist character %q: %w", c.Name, err)
		}
		res.CharacterIDs = append(res.CharacterIDs, id)
		idByName[c.Name] = id
		names = append(names, c.Name)
	}

	scenes, err := p.extractor.ExtractScenes(ctx, storyText)
	if err != nil {
		return Result{}, fmt.Errorf("extract scenes: %w", err)
	}

	for i, text := range scenes {
		tokenized, mentioned := Placeholderize(text, names)
		sceneID, err := p.store.CreateScene(ctx, storage.Scene{
			ProjectID: projectID,
			Prompt:    tokenized,
			Position:  i + 1,
		})
		if err != nil {
			return Result{}, fmt.Errorf("persist scene %d: %w", i+1, err)
		}
		res.SceneIDs = append(res.SceneIDs, sceneID)

		ids := make([]int64, 0, len(mentioned))
		for _, name := range names {
			if mentioned[name] {
				ids = append(ids, idByName[name])
			}
		}
		if len(ids) > 0 {
			if err := p.store.SetSceneCharacters(ctx, sceneID, ids); err != nil {
				return Result{}, fmt.Errorf("link scene %d characters: %w", i+1, err)
			}
		}
	}

	p.log.Info().
		Int64("project_id", projectID).
		Int("characters", len(res.CharacterIDs)).
		Int("scenes", len(res.SceneIDs)).
		Msg("story processed")
	return res, nil
}

// Placeholderize replaces word-bounded, case-insensitive occurrences of each
// character name with its {Name} token and reports which names appeared.
func Placeholderize(text string, names []string) (string, map[string]bool) {
	mentioned := make(map[string]bool, len(names))
	for _, name := range names {
		if name == "" {
			continue
		}
		pattern := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(name) + `\b`)
		if pattern.MatchString(text) {
			mentioned[name] = true
			text = pattern.ReplaceAllLiteralString(text, "{"+name+"}")
		}
	}
	return text, mentioned
}
