package worker

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/wmag777/story-book/internal/cache"
	"github.com/wmag777/story-book/internal/costs"
	"github.com/wmag777/story-book/internal/crypto"
	"github.com/wmag777/story-book/internal/files"
	"github.com/wmag777/story-book/internal/imagegen"
	"github.com/wmag777/story-book/internal/imagegen/gemini"
	"github.com/wmag777/story-book/internal/prompt"
	"github.com/wmag777/story-book/internal/queue"
	"github.com/wmag777/story-book/internal/settings"
	"github.com/wmag777/story-book/internal/storage"
)

type fakeBackend struct {
	failWith error
}

func (f *fakeBackend) Generate(ctx context.Context, p string, refs []gemini.ReferenceImage) (gemini.Result, error) {
	if f.failWith != nil {
		return gemini.Result{}, f.failWith
	}
	return gemini.Result{Data: []byte("generated"), MimeType: "image/png"}, nil
}

func (f *fakeBackend) Edit(ctx context.Context, image []byte, mimeType, editPrompt string) (gemini.Result, error) {
	if f.failWith != nil {
		return gemini.Result{}, f.failWith
	}
	return gemini.Result{Data: []byte("edited"), MimeType: "image/png"}, nil
}

type workerEnv struct {
	worker  *Worker
	store   *storage.Store
	files   *files.Store
	backend *fakeBackend
}

func newWorkerEnv(t *testing.T) *workerEnv {
	t.Helper()
	t.Setenv("GOOGLE_API_KEY", "test-key")
	ctx := context.Background()

	db, err := storage.Open(ctx, "sqlite", "file::memory:", true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.SeedDefaultTemplates(ctx); err != nil {
		t.Fatalf("seed templates: %v", err)
	}

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
	gen := imagegen.NewWithBackend(svc, fs, tracker, func(string) imagegen.Backend { return backend }, zerolog.Nop())

	templates := prompt.NewStore(db, cache.New(time.Hour), time.Hour, zerolog.Nop())
	composer := prompt.NewComposer(templates, zerolog.Nop())
	charGen := imagegen.NewCharacterGenerator(gen, templates, zerolog.Nop())

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	w := New(Config{
		Store:         db,
		Queue:         queue.NewStreamQueue(rdb, "test:jobs", "test-group", "w1", 50*time.Millisecond),
		Status:        queue.NewStatusStore(rdb, time.Minute),
		Composer:      composer,
		Generator:     gen,
		CharGen:       charGen,
		Files:         fs,
		MaxJobRetries: 2,
		Logger:        zerolog.Nop(),
	})
	return &workerEnv{worker: w, store: db, files: fs, backend: backend}
}

func TestProcessSceneJob(t *testing.T) {
	ctx := context.Background()
	env := newWorkerEnv(t)

	projectID, err := env.store.CreateProject(ctx, "book", "watercolor", "pastel")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	sceneID, err := env.store.CreateScene(ctx, storage.Scene{ProjectID: projectID, Prompt: "a quiet street"})
	if err != nil {
		t.Fatalf("create scene: %v", err)
	}

	url, err := env.worker.ProcessJob(ctx, queue.GenerationJob{
		JobID:     "j1",
		Kind:      queue.JobKindScene,
		ProjectID: projectID,
		SceneID:   sceneID,
	})
	if err != nil {
		t.Fatalf("process scene job: %v", err)
	}
	if !strings.HasPrefix(url, "/media/scenes/") {
		t.Fatalf("unexpected url: %s", url)
	}

	scene, err := env.store.GetScene(ctx, sceneID)
	if err != nil {
		t.Fatalf("get scene: %v", err)
	}
	if scene.ApprovedImagePath == "" {
		t.Fatal("expected approved image path set")
	}

	p, err := env.store.GetProject(ctx, projectID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if p.GenerationCount != 1 {
		t.Fatalf("generation count = %d", p.GenerationCount)
	}
}

func TestProcessEditJob(t *testing.T) {
	ctx := context.Background()
	env := newWorkerEnv(t)

	projectID, err := env.store.CreateProject(ctx, "book", "", "")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	current, err := env.files.SaveImage("scenes", "scene", []byte("original"), "image/png")
	if err != nil {
		t.Fatalf("save current image: %v", err)
	}
	sceneID, err := env.store.CreateScene(ctx, storage.Scene{ProjectID: projectID, Prompt: "x", ApprovedImagePath: current})
	if err != nil {
		t.Fatalf("create scene: %v", err)
	}

	_, err = env.worker.ProcessJob(ctx, queue.GenerationJob{
		JobID:      "j2",
		Kind:       queue.JobKindEdit,
		ProjectID:  projectID,
		SceneID:    sceneID,
		EditPrompt: "make it night",
	})
	if err != nil {
		t.Fatalf("process edit job: %v", err)
	}

	scene, err := env.store.GetScene(ctx, sceneID)
	if err != nil {
		t.Fatalf("get scene: %v", err)
	}
	if scene.ApprovedImagePath == current {
		t.Fatal("expected new image path after edit")
	}
	if scene.EditPrompt != "make it night" {
		t.Fatalf("edit prompt = %q", scene.EditPrompt)
	}
}

func TestProcessEditJobWithoutImage(t *testing.T) {
	ctx := context.Background()
	env := newWorkerEnv(t)

	projectID, err := env.store.CreateProject(ctx, "book", "", "")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	sceneID, err := env.store.CreateScene(ctx, storage.Scene{ProjectID: projectID, Prompt: "x"})
	if err != nil {
		t.Fatalf("create scene: %v", err)
	}

	_, err = env.worker.ProcessJob(ctx, queue.GenerationJob{
		Kind:       queue.JobKindEdit,
		ProjectID:  projectID,
		SceneID:    sceneID,
		EditPrompt: "anything",
	})
	if err == nil {
		t.Fatal("expected error for scene without image")
	}
}

func TestProcessCharacterJob(t *testing.T) {
	ctx := context.Background()
	env := newWorkerEnv(t)

	projectID, err := env.store.CreateProject(ctx, "book", "watercolor", "pastel")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	charID, err := env.store.CreateCharacter(ctx, storage.Character{ProjectID: projectID, Name: "Alice", Description: "a girl"})
	if err != nil {
		t.Fatalf("create character: %v", err)
	}

	url, err := env.worker.ProcessJob(ctx, queue.GenerationJob{
		JobID:       "j3",
		Kind:        queue.JobKindCharacter,
		ProjectID:   projectID,
		CharacterID: charID,
	})
	if err != nil {
		t.Fatalf("process character job: %v", err)
	}
	if !strings.HasPrefix(url, "/media/characters/") {
		t.Fatalf("unexpected url: %s", url)
	}

	ch, err := env.store.GetCharacter(ctx, charID)
	if err != nil {
		t.Fatalf("get character: %v", err)
	}
	if ch.GeneratedImagePath == "" {
		t.Fatal("expected generated image path")
	}
	if !strings.Contains(ch.GenerationPrompt, "a girl") {
		t.Fatalf("generation prompt = %q", ch.GenerationPrompt)
	}
}

func TestProcessUnknownJobKind(t *testing.T) {
	ctx := context.Background()
	env := newWorkerEnv(t)

	if _, err := env.worker.ProcessJob(ctx, queue.GenerationJob{Kind: "mystery"}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestIsRetryable(t *testing.T) {
	if isRetryable(&gemini.BackendError{Kind: gemini.KindQuota, Message: "quota"}) {
		t.Fatal("backend failures must not be retried by the worker")
	}
	if isRetryable(imagegen.ErrMissingAPIKey) {
		t.Fatal("configuration errors must not be retried")
	}
	if isRetryable(storage.ErrNotFound) {
		t.Fatal("missing rows must not be retried")
	}
	if !isRetryable(errors.New("redis timeout")) {
		t.Fatal("infrastructure errors should be retried")
	}
}
