package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/wmag777/story-book/internal/cache"
	"github.com/wmag777/story-book/internal/config"
	"github.com/wmag777/story-book/internal/costs"
	"github.com/wmag777/story-book/internal/crypto"
	"github.com/wmag777/story-book/internal/extraction"
	"github.com/wmag777/story-book/internal/files"
	"github.com/wmag777/story-book/internal/imagegen"
	"github.com/wmag777/story-book/internal/imagegen/gemini"
	"github.com/wmag777/story-book/internal/prompt"
	"github.com/wmag777/story-book/internal/queue"
	"github.com/wmag777/story-book/internal/settings"
	"github.com/wmag777/story-book/internal/storage"
	"github.com/wmag777/story-book/internal/story"
)

type fakeRunner struct {
	lastJob queue.GenerationJob
	fail    error
}

func (f *fakeRunner) ProcessJob(ctx context.Context, job queue.GenerationJob) (string, error) {
	f.lastJob = job
	if f.fail != nil {
		return "", f.fail
	}
	return "/media/scenes/fake.png", nil
}

type fakeExtractor struct{}

func (fakeExtractor) ExtractCharacters(ctx context.Context, storyText string) ([]extraction.ExtractedCharacter, error) {
	return []extraction.ExtractedCharacter{{Name: "Alice", Description: "a brave girl"}}, nil
}

func (fakeExtractor) ExtractScenes(ctx context.Context, storyText string) ([]string, error) {
	return []string{"Alice enters the forest"}, nil
}

type fakeBackend struct{}

func (fakeBackend) Generate(ctx context.Context, p string, refs []gemini.ReferenceImage) (gemini.Result, error) {
	return gemini.Result{Data: []byte("img"), MimeType: "image/png"}, nil
}

func (fakeBackend) Edit(ctx context.Context, image []byte, mimeType, editPrompt string) (gemini.Result, error) {
	return gemini.Result{Data: []byte("img2"), MimeType: "image/png"}, nil
}

type webEnv struct {
	server *Server
	store  *storage.Store
	runner *fakeRunner
	redis  *redis.Client
}

func newWebEnv(t *testing.T) *webEnv {
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
	gen := imagegen.NewWithBackend(svc, fs, tracker, func(string) imagegen.Backend { return fakeBackend{} }, zerolog.Nop())
	templates := prompt.NewStore(db, cache.New(time.Hour), time.Hour, zerolog.Nop())
	composer := prompt.NewComposer(templates, zerolog.Nop())
	charGen := imagegen.NewCharacterGenerator(gen, templates, zerolog.Nop())
	processor := story.New(db, fakeExtractor{}, zerolog.Nop())

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q := queue.NewStreamQueue(rdb, "test:jobs", "test-group", "web", 50*time.Millisecond)
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	runner := &fakeRunner{}
	srv := NewServer(Config{
		Store:     db,
		Files:     fs,
		Templates: templates,
		Composer:  composer,
		Settings:  svc,
		Story:     processor,
		CharGen:   charGen,
		Runner:    runner,
		Queue:     q,
		Status:    queue.NewStatusStore(rdb, time.Minute),
		HTTP: config.HTTPConfig{
			ListenAddr:     ":0",
			HealthPath:     "/healthz",
			MetricsPath:    "/metrics",
			MaxUploadBytes: 8 << 20,
			FlashSecret:    "test-secret",
		},
		Logger: zerolog.Nop(),
	})
	return &webEnv{server: srv, store: db, runner: runner, redis: rdb}
}

func (e *webEnv) do(t *testing.T, method, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, path, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func (e *webEnv) doJSON(t *testing.T, method, path string, form url.Values) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, path, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return rec, body
}

func (e *webEnv) createProject(t *testing.T) int64 {
	t.Helper()
	id, err := e.store.CreateProject(context.Background(), "book", "watercolor", "pastel")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return id
}

func TestCreateProjectFormRedirectsWithFlash(t *testing.T) {
	env := newWebEnv(t)

	rec := env.do(t, http.MethodPost, "/projects", url.Values{
		"name":  {"my book"},
		"style": {"watercolor"},
	})
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", rec.Code)
	}
	if loc := rec.Header().Get("Location"); !strings.HasPrefix(loc, "/projects/") {
		t.Fatalf("location = %q", loc)
	}
	found := false
	for _, c := range rec.Result().Cookies() {
		if c.Name == flashCookie && c.Value != "" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected flash cookie on redirect")
	}
}

func TestCreateProjectRequiresName(t *testing.T) {
	env := newWebEnv(t)
	rec, body := env.doJSON(t, http.MethodPost, "/projects", url.Values{"name": {"  "}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if body["status"] != "error" {
		t.Fatalf("body = %v", body)
	}
}

func TestProjectDetail(t *testing.T) {
	env := newWebEnv(t)
	id := env.createProject(t)

	rec, body := env.doJSON(t, http.MethodGet, fmt.Sprintf("/projects/%d", id), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	project, ok := body["project"].(map[string]any)
	if !ok || project["name"] != "book" {
		t.Fatalf("project = %v", body["project"])
	}
}

func TestProjectNotFound(t *testing.T) {
	env := newWebEnv(t)
	rec, _ := env.doJSON(t, http.MethodGet, "/projects/999", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSubmitStoryCreatesCharactersAndScenes(t *testing.T) {
	env := newWebEnv(t)
	id := env.createProject(t)

	rec, body := env.doJSON(t, http.MethodPost, fmt.Sprintf("/projects/%d/story", id), url.Values{
		"story": {"Alice enters the forest."},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %v", rec.Code, body)
	}

	chars, err := env.store.ListCharacters(context.Background(), id)
	if err != nil {
		t.Fatalf("list characters: %v", err)
	}
	if len(chars) != 1 || chars[0].Name != "Alice" {
		t.Fatalf("characters = %+v", chars)
	}
	scenes, err := env.store.ListScenes(context.Background(), id)
	if err != nil {
		t.Fatalf("list scenes: %v", err)
	}
	if len(scenes) != 1 {
		t.Fatalf("scenes = %+v", scenes)
	}
}

func TestUpdateScenePromptReturnsFinalPrompt(t *testing.T) {
	env := newWebEnv(t)
	id := env.createProject(t)
	sceneID, err := env.store.CreateScene(context.Background(), storage.Scene{ProjectID: id, Prompt: "old"})
	if err != nil {
		t.Fatalf("create scene: %v", err)
	}

	rec, body := env.doJSON(t, http.MethodPost, fmt.Sprintf("/projects/%d/scenes/%d/prompt", id, sceneID), url.Values{
		"prompt": {"Alice in the woods"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %v", rec.Code, body)
	}
	final, _ := body["final_prompt"].(string)
	if !strings.Contains(final, "Alice in the woods") || !strings.Contains(final, "watercolor") {
		t.Fatalf("final prompt = %q", final)
	}
}

func TestUpdateScenePromptKeepsCustomFinalPrompt(t *testing.T) {
	env := newWebEnv(t)
	id := env.createProject(t)
	sceneID, err := env.store.CreateScene(context.Background(), storage.Scene{ProjectID: id, Prompt: "old"})
	if err != nil {
		t.Fatalf("create scene: %v", err)
	}

	custom := "A hand-written prompt sent to the backend verbatim"
	rec, body := env.doJSON(t, http.MethodPost, fmt.Sprintf("/projects/%d/scenes/%d/prompt", id, sceneID), url.Values{
		"prompt":            {"Alice in the woods"},
		"use_custom_prompt": {"true"},
		"final_prompt":      {custom},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %v", rec.Code, body)
	}
	if body["final_prompt"] != custom {
		t.Fatalf("final_prompt = %v, want %q", body["final_prompt"], custom)
	}

	scene, err := env.store.GetScene(context.Background(), sceneID)
	if err != nil {
		t.Fatalf("get scene: %v", err)
	}
	if scene.FinalPrompt != custom {
		t.Fatalf("stored final prompt = %q, want %q", scene.FinalPrompt, custom)
	}
	if !scene.UseCustomPrompt {
		t.Fatal("use_custom_prompt must be stored")
	}

	// Clearing the flag goes back to the composed prompt.
	rec, body = env.doJSON(t, http.MethodPost, fmt.Sprintf("/projects/%d/scenes/%d/prompt", id, sceneID), url.Values{
		"prompt": {"Alice in the woods"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %v", rec.Code, body)
	}
	scene, err = env.store.GetScene(context.Background(), sceneID)
	if err != nil {
		t.Fatalf("get scene: %v", err)
	}
	if scene.FinalPrompt == custom || !strings.Contains(scene.FinalPrompt, "watercolor") {
		t.Fatalf("stored final prompt = %q, want composed text", scene.FinalPrompt)
	}
}

func TestGenerateSceneSyncUsesRunner(t *testing.T) {
	env := newWebEnv(t)
	id := env.createProject(t)
	sceneID, err := env.store.CreateScene(context.Background(), storage.Scene{ProjectID: id, Prompt: "x"})
	if err != nil {
		t.Fatalf("create scene: %v", err)
	}

	rec, body := env.doJSON(t, http.MethodPost, fmt.Sprintf("/projects/%d/scenes/%d/generate", id, sceneID), url.Values{})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %v", rec.Code, body)
	}
	if body["image_url"] != "/media/scenes/fake.png" {
		t.Fatalf("image_url = %v", body["image_url"])
	}
	if env.runner.lastJob.Kind != queue.JobKindScene || env.runner.lastJob.SceneID != sceneID {
		t.Fatalf("job = %+v", env.runner.lastJob)
	}
}

func TestGenerateSceneAsyncEnqueuesAndSeedsStatus(t *testing.T) {
	env := newWebEnv(t)
	id := env.createProject(t)
	sceneID, err := env.store.CreateScene(context.Background(), storage.Scene{ProjectID: id, Prompt: "x"})
	if err != nil {
		t.Fatalf("create scene: %v", err)
	}

	rec, body := env.doJSON(t, http.MethodPost, fmt.Sprintf("/projects/%d/scenes/%d/generate-async", id, sceneID), url.Values{})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %v", rec.Code, body)
	}
	jobID, _ := body["job_id"].(string)
	if jobID == "" {
		t.Fatalf("missing job_id: %v", body)
	}

	rec, body = env.doJSON(t, http.MethodGet, "/jobs/"+jobID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("poll status = %d", rec.Code)
	}
	if body["state"] != queue.StatusPending {
		t.Fatalf("state = %v", body["state"])
	}

	n, err := env.redis.XLen(context.Background(), "test:jobs").Result()
	if err != nil || n != 1 {
		t.Fatalf("stream length = %d, err %v", n, err)
	}
}

func TestEditSceneRequiresImage(t *testing.T) {
	env := newWebEnv(t)
	id := env.createProject(t)
	sceneID, err := env.store.CreateScene(context.Background(), storage.Scene{ProjectID: id, Prompt: "x"})
	if err != nil {
		t.Fatalf("create scene: %v", err)
	}

	rec, _ := env.doJSON(t, http.MethodPost, fmt.Sprintf("/projects/%d/scenes/%d/edit", id, sceneID), url.Values{
		"edit_prompt": {"make it night"},
	})
	if rec.Code == http.StatusOK {
		t.Fatal("expected failure for scene without image")
	}
}

func TestSceneProjectMismatchIs404(t *testing.T) {
	env := newWebEnv(t)
	a := env.createProject(t)
	b, err := env.store.CreateProject(context.Background(), "other", "", "")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	sceneID, err := env.store.CreateScene(context.Background(), storage.Scene{ProjectID: a, Prompt: "x"})
	if err != nil {
		t.Fatalf("create scene: %v", err)
	}

	rec, _ := env.doJSON(t, http.MethodPost, fmt.Sprintf("/projects/%d/scenes/%d/generate", b, sceneID), url.Values{})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestUploadReferenceRejectsBadExtension(t *testing.T) {
	env := newWebEnv(t)
	id := env.createProject(t)
	charID, err := env.store.CreateCharacter(context.Background(), storage.Character{ProjectID: id, Name: "Alice", Description: "a girl"})
	if err != nil {
		t.Fatalf("create character: %v", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("reference_image", "evil.gif")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write([]byte("gifdata"))
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/projects/%d/characters/%d/reference", id, charID), &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	ch, err := env.store.GetCharacter(context.Background(), charID)
	if err != nil {
		t.Fatalf("get character: %v", err)
	}
	if ch.ReferenceImagePath != "" {
		t.Fatal("reference image must not be stored for a rejected upload")
	}
}

func TestUploadReferenceAcceptsPNG(t *testing.T) {
	env := newWebEnv(t)
	id := env.createProject(t)
	charID, err := env.store.CreateCharacter(context.Background(), storage.Character{ProjectID: id, Name: "Alice", Description: "a girl"})
	if err != nil {
		t.Fatalf("create character: %v", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("reference_image", "alice.png")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write([]byte("pngdata"))
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/projects/%d/characters/%d/reference", id, charID), &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	ch, err := env.store.GetCharacter(context.Background(), charID)
	if err != nil {
		t.Fatalf("get character: %v", err)
	}
	if !strings.HasPrefix(ch.ReferenceImagePath, "references/") {
		t.Fatalf("reference path = %q", ch.ReferenceImagePath)
	}
}

func TestTemplateTestEndpoint(t *testing.T) {
	env := newWebEnv(t)

	rec, body := env.doJSON(t, http.MethodPost, "/templates/"+storage.TemplateImageStyleSuffix+"/test", url.Values{})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %v", rec.Code, body)
	}
	rendered, _ := body["rendered"].(string)
	if !strings.Contains(rendered, "watercolor") || !strings.Contains(rendered, "pastel") {
		t.Fatalf("rendered = %q", rendered)
	}
}

func TestTemplateUpdateInvalidatesCache(t *testing.T) {
	env := newWebEnv(t)
	ctx := context.Background()

	before := env.server.templates.Get(ctx, storage.TemplateImageStyleSuffix)
	if before == "" {
		t.Fatal("expected seeded template text")
	}

	rec, body := env.doJSON(t, http.MethodPost, "/templates/"+storage.TemplateImageStyleSuffix, url.Values{
		"text": {" Painted in {style} using {color_scheme}."},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %v", rec.Code, body)
	}
	after := env.server.templates.Get(ctx, storage.TemplateImageStyleSuffix)
	if after == before {
		t.Fatal("template cache must be invalidated on update")
	}
}

func TestSettingsRoundTripMasksKeys(t *testing.T) {
	env := newWebEnv(t)

	rec, body := env.doJSON(t, http.MethodPost, "/settings", url.Values{
		"cost_per_generation": {"0.05"},
		"cost_per_edit":       {"0.01"},
		"currency":            {"EUR"},
		"tracking_enabled":    {"true"},
		"ai_provider":         {"openai"},
		"openai_api_key":      {"sk-verysecretkey1234"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d: %v", rec.Code, body)
	}

	rec, body = env.doJSON(t, http.MethodGet, "/settings", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	masked, _ := body["openai_api_key"].(string)
	if strings.Contains(masked, "verysecret") || !strings.HasSuffix(masked, "1234") {
		t.Fatalf("masked key = %q", masked)
	}
	if body["currency"] != "EUR" {
		t.Fatalf("currency = %v", body["currency"])
	}
}

func TestJobStatusUnknownIs404(t *testing.T) {
	env := newWebEnv(t)
	rec, _ := env.doJSON(t, http.MethodGet, "/jobs/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	env := newWebEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
