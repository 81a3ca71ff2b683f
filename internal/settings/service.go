package settings

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/wmag777/story-book/internal/crypto"
	"github.com/wmag777/story-book/internal/storage"
)

var ErrNegativeCost = errors.New("cost must not be negative")

// Service resolves generation settings: stored, envelope-encrypted
// credentials override environment variables of the same purpose.
type Service struct {
	store  *storage.Store
	crypto *crypto.Manager
	log    zerolog.Logger
}

func New(store *storage.Store, cm *crypto.Manager, log zerolog.Logger) *Service {
	return &Service{store: store, crypto: cm, log: log}
}

// Credentials carries the decrypted, env-backed provider credentials plus
// the effective text provider after fallback rules.
type Credentials struct {
	Provider       string
	OpenAIKey      string
	GoogleKey      string
	ArtemoxKey     string
	ArtemoxBaseURL string
}

func (s *Service) Get(ctx context.Context) (storage.GenerationSettings, error) {
	return s.store.GetOrCreateSettings(ctx)
}

// Resolve loads the settings row and materializes usable credentials.
func (s *Service) Resolve(ctx context.Context) (storage.GenerationSettings, Credentials, error) {
	gs, err := s.store.GetOrCreateSettings(ctx)
	if err != nil {
		return storage.GenerationSettings{}, Credentials{}, fmt.Errorf("load settings: %w", err)
	}

	creds := Credentials{
		OpenAIKey:      s.resolveKey(gs.EncOpenAIKey, "OPENAI_API_KEY"),
		GoogleKey:      s.resolveKey(gs.EncGoogleKey, "GOOGLE_API_KEY"),
		ArtemoxKey:     s.resolveKey(gs.EncArtemoxKey, "ARTEMOX_API_KEY"),
		ArtemoxBaseURL: gs.ArtemoxBaseURL,
	}
	if creds.ArtemoxBaseURL == "" {
		creds.ArtemoxBaseURL = strings.TrimSpace(os.Getenv("ARTEMOX_BASE_URL"))
	}
	creds.Provider = effectiveProvider(gs.AIProvider, creds)
	return gs, creds, nil
}

func (s *Service) resolveKey(enc *string, envVar string) string {
	if enc != nil && *enc != "" {
		key, err := s.crypto.DecryptString(*enc)
		if err != nil {
			s.log.Warn().Err(err).Str("env_fallback", envVar).Msg("failed to decrypt stored credential")
		} else if key != "" {
			return key
		}
	}
	return strings.TrimSpace(os.Getenv(envVar))
}

// effectiveProvider prefers the configured provider when its credential is
// present, then whichever provider has one, defaulting to openai.
func effectiveProvider(configured string, creds Credentials) string {
	switch configured {
	case storage.ProviderArtemox:
		if creds.ArtemoxKey != "" {
			return storage.ProviderArtemox
		}
		if creds.OpenAIKey != "" {
			return storage.ProviderOpenAI
		}
	default:
		if creds.OpenAIKey != "" {
			return storage.ProviderOpenAI
		}
		if creds.ArtemoxKey != "" {
			return storage.ProviderArtemox
		}
	}
	return storage.ProviderOpenAI
}

// UpdateInput carries the mutable settings fields. Blank key fields keep the
// stored credential; non-blank ones replace it.
type UpdateInput struct {
	CostPerGeneration float64
	CostPerEdit       float64
	Currency          string
	TrackingEnabled   bool
	AIProvider        string
	OpenAIKey         string
	GoogleKey         string
	ArtemoxKey        string
	ArtemoxBaseURL    string
}

func (s *Service) Update(ctx context.Context, in UpdateInput) error {
	if in.CostPerGeneration < 0 || in.CostPerEdit < 0 {
		return ErrNegativeCost
	}

	gs, err := s.store.GetOrCreateSettings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	gs.CostPerGeneration = in.CostPerGeneration
	gs.CostPerEdit = in.CostPerEdit
	if in.Currency != "" {
		gs.Currency = in.Currency
	}
	gs.TrackingEnabled = in.TrackingEnabled
	if in.AIProvider != "" {
		gs.AIProvider = in.AIProvider
	}
	gs.ArtemoxBaseURL = strings.TrimSpace(in.ArtemoxBaseURL)

	if gs.EncOpenAIKey, err = s.encryptIfSet(in.OpenAIKey, gs.EncOpenAIKey); err != nil {
		return err
	}
	if gs.EncGoogleKey, err = s.encryptIfSet(in.GoogleKey, gs.EncGoogleKey); err != nil {
		return err
	}
	if gs.EncArtemoxKey, err = s.encryptIfSet(in.ArtemoxKey, gs.EncArtemoxKey); err != nil {
		return err
	}

	if err := s.store.UpdateSettings(ctx, gs); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

func (s *Service) encryptIfSet(value string, current *string) (*string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return current, nil
	}
	enc, err := s.crypto.EncryptString(value)
	if err != nil {
		return nil, fmt.Errorf("encrypt credential: %w", err)
	}
	return &enc, nil
}

// View is the masked representation shown to the settings page.
type View struct {
	CostPerGeneration float64
	CostPerEdit       float64
	Currency          string
	TrackingEnabled   bool
	AIProvider        string
	EffectiveProvider string
	OpenAIKeyMasked   string
	GoogleKeyMasked   string
	ArtemoxKeyMasked  string
	ArtemoxBaseURL    string
}

func (s *Service) MaskedView(ctx context.Context) (View, error) {
	gs, creds, err := s.Resolve(ctx)
	if err != nil {
		return View{}, err
	}
	return View{
		CostPerGeneration: gs.CostPerGeneration,
		CostPerEdit:       gs.CostPerEdit,
		Currency:          gs.Currency,
		TrackingEnabled:   gs.TrackingEnabled,
		AIProvider:        gs.AIProvider,
		EffectiveProvider: creds.Provider,
		OpenAIKeyMasked:   MaskKey(creds.OpenAIKey),
		GoogleKeyMasked:   MaskKey(creds.GoogleKey),
		ArtemoxKeyMasked:  MaskKey(creds.ArtemoxKey),
		ArtemoxBaseURL:    creds.ArtemoxBaseURL,
	}, nil
}

// MaskKey hides a credential except its last 4 characters.
func MaskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return strings.Repeat("*", 8) + key[len(key)-4:]
}
