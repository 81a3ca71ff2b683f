package settings

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/wmag777/story-book/internal/crypto"
	"github.com/wmag777/story-book/internal/storage"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	store, err := storage.Open(context.Background(), "sqlite", "file::memory:", true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cm, err := crypto.NewManager("k1", map[string][]byte{"k1": bytes.Repeat([]byte{0x42}, 32)})
	if err != nil {
		t.Fatalf("new crypto manager: %v", err)
	}
	return New(store, cm, zerolog.Nop())
}

func TestUpdateStoresEncryptedKeys(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	err := svc.Update(ctx, UpdateInput{
		CostPerGeneration: 0.039,
		CostPerEdit:       0.02,
		TrackingEnabled:   true,
		AIProvider:        storage.ProviderOpenAI,
		OpenAIKey:         "sk-test-1234",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	gs, err := svc.Get(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if gs.EncOpenAIKey == nil || *gs.EncOpenAIKey == "sk-test-1234" {
		t.Fatalf("key not stored encrypted: %v", gs.EncOpenAIKey)
	}

	_, creds, err := svc.Resolve(ctx)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if creds.OpenAIKey != "sk-test-1234" {
		t.Fatalf("resolved key = %q", creds.OpenAIKey)
	}
	if creds.Provider != storage.ProviderOpenAI {
		t.Fatalf("provider = %q", creds.Provider)
	}
}

func TestBlankKeyKeepsStoredCredential(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	if err := svc.Update(ctx, UpdateInput{TrackingEnabled: true, OpenAIKey: "sk-first"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := svc.Update(ctx, UpdateInput{TrackingEnabled: true, OpenAIKey: ""}); err != nil {
		t.Fatalf("second update: %v", err)
	}

	_, creds, err := svc.Resolve(ctx)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if creds.OpenAIKey != "sk-first" {
		t.Fatalf("resolved key = %q, want sk-first", creds.OpenAIKey)
	}
}

func TestEffectiveProviderFallback(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	t.Setenv("ARTEMOX_API_KEY", "")

	// artemox configured but only openai has a key
	err := svc.Update(ctx, UpdateInput{
		TrackingEnabled: true,
		AIProvider:      storage.ProviderArtemox,
		OpenAIKey:       "sk-openai",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	_, creds, err := svc.Resolve(ctx)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if creds.Provider != storage.ProviderOpenAI {
		t.Fatalf("effective provider = %q, want openai", creds.Provider)
	}
}

func TestEnvFallback(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	t.Setenv("ARTEMOX_API_KEY", "env-artemox")
	t.Setenv("ARTEMOX_BASE_URL", "https://api.example.com/v1")

	if err := svc.Update(ctx, UpdateInput{TrackingEnabled: true, AIProvider: storage.ProviderArtemox}); err != nil {
		t.Fatalf("update: %v", err)
	}

	_, creds, err := svc.Resolve(ctx)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if creds.ArtemoxKey != "env-artemox" {
		t.Fatalf("artemox key = %q", creds.ArtemoxKey)
	}
	if creds.ArtemoxBaseURL != "https://api.example.com/v1" {
		t.Fatalf("artemox base url = %q", creds.ArtemoxBaseURL)
	}
	if creds.Provider != storage.ProviderArtemox {
		t.Fatalf("effective provider = %q, want artemox", creds.Provider)
	}
}

func TestUpdateRejectsNegativeCost(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	if err := svc.Update(ctx, UpdateInput{CostPerGeneration: -1}); err != ErrNegativeCost {
		t.Fatalf("expected ErrNegativeCost, got %v", err)
	}
}

func TestMaskKey(t *testing.T) {
	if got := MaskKey("sk-abcdef1234"); got != "********1234" {
		t.Fatalf("mask = %q", got)
	}
	if got := MaskKey("abc"); got != "***" {
		t.Fatalf("mask short = %q", got)
	}
	if got := MaskKey(""); got != "" {
		t.Fatalf("mask empty = %q", got)
	}
}
