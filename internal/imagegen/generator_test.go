package imagegen

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/wmag777/story-book/internal/cache"
	"github.com/wmag777/story-book/internal/costs"
	"github.com/wmag777/story-book/internal/crypto"
	"github.com/wmag777/story-book/internal/files"
	"github.com/wmag777/story-book/internal/imagegen/gemini"
	"github.com/wmag777/story-book/internal/prompt"
	"github.com/wmag777/story-book/internal/settings"
	"github.com/wmag777/story-book/internal/storage"
)

type fakeBackend struct {
	generateCalls int
	editCalls     int
	lastPrompt    string
	lastRefs      []gemini.ReferenceImage
	failWith      error
	failOnPrompt  string
}

func (f *fakeBackend) Generate(ctx context.Context, p string, refs []gemini.ReferenceImage) (gemini.Result, error) {
	f.generateCalls++
	f.lastPrompt = p
	f.lastRefs = refs
	if f.failWith != nil {
		return gemini.Result{}, f.failWith
	}
	if f.failOnPrompt != "" && strings.Contains(p, f.failOnPrompt) {
		return gemini.Result{}, &gemini.BackendError{Kind: gemini.KindUnknown, Message: "boom"}
	}
	return gemini.Result{Data: []byte("image-bytes"), MimeType: "image/png"}, nil
}

func (f *fakeBackend) Edit(ctx context.Context, image []byte, mimeType, editPrompt string) (gemini.Result, error) {
	f.editCalls++
	f.lastPrompt = editPrompt
	if f.failWith != nil {
		return gemini.Result{}, f.failWith
	}
	return gemini.Result{Data: []byte("edited-bytes"), MimeType: "image/png"}, nil
}

type testEnv struct {
	gen     *Generator
	backend *fakeBackend
	store   *storage.Store
	files   *files.Store
	tstore  *prompt.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	t.Setenv("GOOGLE_API_KEY", "test-google-key")

	db, err := storage.Open(context.Background(), "sqlite", "file::memory:", true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cm, err := crypto.NewManager("k1", map[string][]byte{"k1": bytes.Repeat([]byte{0x01}, 32)})
	if err != nil {
		t.Fatalf("new crypto manager: %v", err)
	}

	fs, err := files.New(t.TempDir())
	if err != nil {
		t.Fatalf("new files store: %v", err)
	}

	svc := settings.New(db, cm, zerolog.Nop())
	tracker := costs.New(db, svc, zerolog.Nop())
	backend := &fakeBackend{}
	gen := NewWithBackend(svc, fs, tracker, func(string) Backend { return backend }, zerolog.Nop())

	return &testEnv{
		gen:     gen,
		backend: backend,
		store:   db,
		files:   fs,
		tstore:  prompt.NewStore(db, cache.New(time.Hour), time.Hour, zerolog.Nop()),
	}
}

func TestGenerateSavesImageAndRecordsCostOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	projectID, err := env.store.CreateProject(ctx, "book", "", "")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}

	rel, err := env.gen.Generate(ctx, GenerateRequest{
		Prompt:         "a scene",
		FilenameBase:   "scene_1",
		Subdir:         "scenes",
		ProjectID:      projectID,
		GenerationType: storage.GenerationTypeNew,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	data, err := env.files.Read(rel)
	if err != nil {
		t.Fatalf("read stored image: %v", err)
	}
	if string(data) != "image-bytes" {
		t.Fatalf("stored data = %q", data)
	}

	p, err := env.store.GetProject(ctx, projectID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if p.GenerationCount != 1 {
		t.Fatalf("generation count = %d, want 1", p.GenerationCount)
	}
}

func TestGenerateFailureRecordsNoCost(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.backend.failWith = &gemini.BackendError{Kind: gemini.KindQuota, Message: "quota exceeded"}

	projectID, err := env.store.CreateProject(ctx, "book", "", "")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}

	_, err = env.gen.Generate(ctx, GenerateRequest{
		Prompt:         "a scene",
		FilenameBase:   "scene_1",
		Subdir:         "scenes",
		ProjectID:      projectID,
		GenerationType: storage.GenerationTypeNew,
	})
	var be *gemini.BackendError
	if !errors.As(err, &be) || be.Kind != gemini.KindQuota {
		t.Fatalf("expected quota BackendError, got %v", err)
	}

	p, err := env.store.GetProject(ctx, projectID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if p.GenerationCount != 0 || p.TotalGenerationCost != 0 {
		t.Fatalf("expected no cost recorded, got %+v", p)
	}
}

func TestGenerateSkipsUnreadableReferences(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	good, err := env.files.SaveImage("characters", "alice", []byte("ref-bytes"), "image/png")
	if err != nil {
		t.Fatalf("save reference: %v", err)
	}

	_, err = env.gen.Generate(ctx, GenerateRequest{
		Prompt:              "a scene",
		FilenameBase:        "scene_1",
		Subdir:              "scenes",
		ReferenceImagePaths: []string{"characters/missing.png", good},
		GenerationType:      storage.GenerationTypeNew,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(env.backend.lastRefs) != 1 {
		t.Fatalf("expected 1 reference attached, got %d", len(env.backend.lastRefs))
	}
	if string(env.backend.lastRefs[0].Data) != "ref-bytes" {
		t.Fatalf("unexpected reference data")
	}
}

func TestGenerateMissingAPIKey(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	t.Setenv("GOOGLE_API_KEY", "")

	_, err := env.gen.Generate(ctx, GenerateRequest{
		Prompt:         "a scene",
		FilenameBase:   "scene_1",
		Subdir:         "scenes",
		GenerationType: storage.GenerationTypeNew,
	})
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
	if env.backend.generateCalls != 0 {
		t.Fatalf("backend should not be called, got %d calls", env.backend.generateCalls)
	}
}

func TestEditStoresNewImageAndUsesEditRate(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	svc := settings.New(env.store, mustCrypto(t), zerolog.Nop())
	if err := svc.Update(ctx, settings.UpdateInput{CostPerGeneration: 0.05, CostPerEdit: 0.01, TrackingEnabled: true}); err != nil {
		t.Fatalf("update settings: %v", err)
	}

	projectID, err := env.store.CreateProject(ctx, "book", "", "")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	current, err := env.files.SaveImage("scenes", "scene_1", []byte("original"), "image/png")
	if err != nil {
		t.Fatalf("save current image: %v", err)
	}

	rel, err := env.gen.Edit(ctx, EditRequest{
		ImagePath:    current,
		EditPrompt:   "make it night",
		FilenameBase: "scene_1_edit",
		Subdir:       "scenes",
		ProjectID:    projectID,
	})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if rel == current {
		t.Fatal("edit must store a new file")
	}

	p, err := env.store.GetProject(ctx, projectID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if p.GenerationCount != 1 {
		t.Fatalf("generation count = %d", p.GenerationCount)
	}
	ledger, err := env.store.ListCosts(ctx, projectID)
	if err != nil {
		t.Fatalf("list costs: %v", err)
	}
	if len(ledger) != 1 || ledger[0].GenerationType != storage.GenerationTypeEdit || ledger[0].Cost != 0.01 {
		t.Fatalf("unexpected ledger: %+v", ledger)
	}
}

func mustCrypto(t *testing.T) *crypto.Manager {
	t.Helper()
	cm, err := crypto.NewManager("k1", map[string][]byte{"k1": bytes.Repeat([]byte{0x01}, 32)})
	if err != nil {
		t.Fatalf("new crypto manager: %v", err)
	}
	return cm
}
