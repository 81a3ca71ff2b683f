package costs

import (
	"bytes"
	"context"
	"math"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/wmag777/story-book/internal/crypto"
	"github.com/wmag777/story-book/internal/settings"
	"github.com/wmag777/story-book/internal/storage"
)

func newTestTracker(t *testing.T) (*Tracker, *storage.Store, *settings.Service) {
	t.Helper()
	store, err := storage.Open(context.Background(), "sqlite", "file::memory:", true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cm, err := crypto.NewManager("k1", map[string][]byte{"k1": bytes.Repeat([]byte{0x01}, 32)})
	if err != nil {
		t.Fatalf("new crypto manager: %v", err)
	}
	svc := settings.New(store, cm, zerolog.Nop())
	return New(store, svc, zerolog.Nop()), store, svc
}

func TestRecordUsesEditRateForEdits(t *testing.T) {
	ctx := context.Background()
	tracker, store, svc := newTestTracker(t)

	err := svc.Update(ctx, settings.UpdateInput{
		CostPerGeneration: 0.05,
		CostPerEdit:       0.01,
		TrackingEnabled:   true,
	})
	if err != nil {
		t.Fatalf("update settings: %v", err)
	}

	projectID, err := store.CreateProject(ctx, "book", "", "")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}

	if err := tracker.Record(ctx, projectID, nil, nil, storage.GenerationTypeNew, "new prompt"); err != nil {
		t.Fatalf("record new: %v", err)
	}
	if err := tracker.Record(ctx, projectID, nil, nil, storage.GenerationTypeEdit, "edit prompt"); err != nil {
		t.Fatalf("record edit: %v", err)
	}
	if err := tracker.Record(ctx, projectID, nil, nil, storage.GenerationTypeCharacter, "character prompt"); err != nil {
		t.Fatalf("record character: %v", err)
	}

	p, err := store.GetProject(ctx, projectID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if p.GenerationCount != 3 {
		t.Fatalf("generation count = %d", p.GenerationCount)
	}
	if math.Abs(p.TotalGenerationCost-0.11) > 1e-9 {
		t.Fatalf("total cost = %v, want 0.11", p.TotalGenerationCost)
	}
}

func TestRecordNoopWhenTrackingDisabled(t *testing.T) {
	ctx := context.Background()
	tracker, store, svc := newTestTracker(t)

	if err := svc.Update(ctx, settings.UpdateInput{CostPerGeneration: 0.05, TrackingEnabled: false}); err != nil {
		t.Fatalf("update settings: %v", err)
	}
	projectID, err := store.CreateProject(ctx, "book", "", "")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}

	if err := tracker.Record(ctx, projectID, nil, nil, storage.GenerationTypeNew, "prompt"); err != nil {
		t.Fatalf("record: %v", err)
	}

	p, err := store.GetProject(ctx, projectID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if p.GenerationCount != 0 || p.TotalGenerationCost != 0 {
		t.Fatalf("expected untouched totals, got %+v", p)
	}
	ledger, err := store.ListCosts(ctx, projectID)
	if err != nil {
		t.Fatalf("list costs: %v", err)
	}
	if len(ledger) != 0 {
		t.Fatalf("expected empty ledger, got %d rows", len(ledger))
	}
}

func TestRecordTruncatesPromptPreview(t *testing.T) {
	ctx := context.Background()
	tracker, store, _ := newTestTracker(t)

	projectID, err := store.CreateProject(ctx, "book", "", "")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}

	long := strings.Repeat("x", 300)
	if err := tracker.Record(ctx, projectID, nil, nil, storage.GenerationTypeNew, long); err != nil {
		t.Fatalf("record: %v", err)
	}

	ledger, err := store.ListCosts(ctx, projectID)
	if err != nil {
		t.Fatalf("list costs: %v", err)
	}
	if len(ledger) != 1 {
		t.Fatalf("expected 1 ledger row, got %d", len(ledger))
	}
	if got := len(ledger[0].PromptPreview); got != 200 {
		t.Fatalf("preview length = %d, want 200", got)
	}
}
