package storage

import "time"

const (
	TemplateSceneExtraction      = "scene_extraction"
	TemplateCharacterExtraction  = "character_extraction"
	TemplateImageStyleSuffix     = "image_style_suffix"
	TemplateReferenceInstruction = "reference_image_instruction"
)

const (
	ProviderOpenAI  = "openai"
	ProviderArtemox = "artemox"
)

const (
	GenerationTypeNew       = "new"
	GenerationTypeEdit      = "edit"
	GenerationTypeCharacter = "character"
)

type Project struct {
	ID                  int64
	Name                string
	Style               string
	ColorScheme         string
	TotalGenerationCost float64
	GenerationCount     int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

type Character struct {
	ID                 int64
	ProjectID          int64
	Name               string
	Description        string
	GenerationPrompt   string
	GeneratedImagePath string
	ReferenceImagePath string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ReferencePath returns the image steering a new generation toward this
// character's appearance. A user-supplied reference wins over an AI-generated
// portrait.
func (c Character) ReferencePath() string {
	if c.ReferenceImagePath != "" {
		return c.ReferenceImagePath
	}
	return c.GeneratedImagePath
}

type Scene struct {
	ID                int64
	ProjectID         int64
	Prompt            string
	Position          int
	FinalPrompt       string
	UseCustomPrompt   bool
	ApprovedImagePath string
	EditPrompt        string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type PromptTemplate struct {
	ID            int64
	Type          string
	Name          string
	Text          string
	VariablesJSON string
	Active        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// GenerationSettings is a singleton row (id=1) created on first access.
// Provider API keys are stored envelope-encrypted.
type GenerationSettings struct {
	ID                int64
	CostPerGeneration float64
	CostPerEdit       float64
	Currency          string
	TrackingEnabled   bool
	AIProvider        string
	EncOpenAIKey      *string
	EncGoogleKey      *string
	EncArtemoxKey     *string
	ArtemoxBaseURL    string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// GenerationCost is an append-only ledger row.
type GenerationCost struct {
	ID             int64
	ProjectID      int64
	SceneID        *int64
	CharacterID    *int64
	GenerationType string
	Cost           float64
	Currency       string
	PromptPreview  string
	CreatedAt      time.Time
}
