package costs

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/wmag777/story-book/internal/settings"
	"github.com/wmag777/story-book/internal/storage"
)

const previewLimit = 200

// Tracker appends a ledger entry per successful generation and accumulates
// project totals. Fully inert when tracking is disabled.
type Tracker struct {
	store    *storage.Store
	settings *settings.Service
	log      zerolog.Logger
}

func New(store *storage.Store, svc *settings.Service, log zerolog.Logger) *Tracker {
	return &Tracker{store: store, settings: svc, log: log}
}

// Record charges one generation against a project. The edit rate applies to
// edits; new and character generations share the generation rate.
func (t *Tracker) Record(ctx context.Context, projectID int64, sceneID, characterID *int64, generationType, promptText string) error {
	gs, err := t.settings.Get(ctx)
	if err != nil {
		return fmt.Errorf("load settings for cost tracking: %w", err)
	}
	if !gs.TrackingEnabled {
		return nil
	}

	cost := gs.CostPerGeneration
	if generationType == storage.GenerationTypeEdit {
		cost = gs.CostPerEdit
	}

	entry := storage.GenerationCost{
		ProjectID:      projectID,
		SceneID:        sceneID,
		CharacterID:    characterID,
		GenerationType: generationType,
		Cost:           cost,
		Currency:       gs.Currency,
		PromptPreview:  preview(promptText),
	}
	if err := t.store.RecordCost(ctx, entry); err != nil {
		return fmt.Errorf("record generation cost: %w", err)
	}

	t.log.Debug().
		Int64("project_id", projectID).
		Str("type", generationType).
		Float64("cost", cost).
		Msg("generation cost recorded")
	return nil
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewLimit {
		return text
	}
	return string(runes[:previewLimit])
}
