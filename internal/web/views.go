package web

import (
	"time"

	"github.com/wmag777/story-book/internal/files"
	"github.com/wmag777/story-book/internal/storage"
)

// View structs keep the JSON wire shape independent of the storage models.

type projectView struct {
	ID                  int64     `json:"id"`
	Name                string    `json:"name"`
	Style               string    `json:"style"`
	ColorScheme         string    `json:"color_scheme"`
	TotalGenerationCost float64   `json:"total_generation_cost"`
	GenerationCount     int64     `json:"generation_count"`
	CreatedAt           time.Time `json:"created_at"`
}

type characterView struct {
	ID                int64  `json:"id"`
	Name              string `json:"name"`
	Description       string `json:"description"`
	GenerationPrompt  string `json:"generation_prompt,omitempty"`
	GeneratedImageURL string `json:"generated_image_url,omitempty"`
	ReferenceImageURL string `json:"reference_image_url,omitempty"`
}

type sceneView struct {
	ID              int64  `json:"id"`
	Position        int    `json:"position"`
	Prompt          string `json:"prompt"`
	FinalPrompt     string `json:"final_prompt,omitempty"`
	UseCustomPrompt bool   `json:"use_custom_prompt"`
	ImageURL        string `json:"image_url,omitempty"`
	EditPrompt      string `json:"edit_prompt,omitempty"`
}

type costView struct {
	ID             int64     `json:"id"`
	SceneID        *int64    `json:"scene_id,omitempty"`
	CharacterID    *int64    `json:"character_id,omitempty"`
	GenerationType string    `json:"generation_type"`
	Cost           float64   `json:"cost"`
	Currency       string    `json:"currency"`
	PromptPreview  string    `json:"prompt_preview"`
	CreatedAt      time.Time `json:"created_at"`
}

type templateView struct {
	Type      string   `json:"type"`
	Name      string   `json:"name"`
	Text      string   `json:"text"`
	Variables []string `json:"variables"`
	Active    bool     `json:"active"`
}

func toProjectView(p storage.Project) projectView {
	return projectView{
		ID:                  p.ID,
		Name:                p.Name,
		Style:               p.Style,
		ColorScheme:         p.ColorScheme,
		TotalGenerationCost: p.TotalGenerationCost,
		GenerationCount:     p.GenerationCount,
		CreatedAt:           p.CreatedAt,
	}
}

func toCharacterView(fs *files.Store, c storage.Character) characterView {
	return characterView{
		ID:                c.ID,
		Name:              c.Name,
		Description:       c.Description,
		GenerationPrompt:  c.GenerationPrompt,
		GeneratedImageURL: fs.URL(c.GeneratedImagePath),
		ReferenceImageURL: fs.URL(c.ReferenceImagePath),
	}
}

func toSceneView(fs *files.Store, sc storage.Scene) sceneView {
	return sceneView{
		ID:              sc.ID,
		Position:        sc.Position,
		Prompt:          sc.Prompt,
		FinalPrompt:     sc.FinalPrompt,
		UseCustomPrompt: sc.UseCustomPrompt,
		ImageURL:        fs.URL(sc.ApprovedImagePath),
		EditPrompt:      sc.EditPrompt,
	}
}

func toCostView(c storage.GenerationCost) costView {
	return costView{
		ID:             c.ID,
		SceneID:        c.SceneID,
		CharacterID:    c.CharacterID,
		GenerationType: c.GenerationType,
		Cost:           c.Cost,
		Currency:       c.Currency,
		PromptPreview:  c.PromptPreview,
		CreatedAt:      c.CreatedAt,
	}
}
