package web

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/wmag777/story-book/internal/config"
	"github.com/wmag777/story-book/internal/files"
	"github.com/wmag777/story-book/internal/imagegen"
	"github.com/wmag777/story-book/internal/metrics"
	"github.com/wmag777/story-book/internal/prompt"
	"github.com/wmag777/story-book/internal/queue"
	"github.com/wmag777/story-book/internal/settings"
	"github.com/wmag777/story-book/internal/storage"
	"github.com/wmag777/story-book/internal/story"
)

// JobRunner executes a generation job synchronously. The worker implements
// it, which keeps the sync routes on the same code path as queued jobs.
type JobRunner interface {
	ProcessJob(ctx context.Context, job queue.GenerationJob) (string, error)
}

// Server is the HTTP surface: thin handlers over the storage, prompt,
// generation and queue packages. Form POSTs redirect with a flash cookie,
// AJAX callers get JSON.
type Server struct {
	store     *storage.Store
	files     *files.Store
	templates *prompt.Store
	composer  *prompt.Composer
	settings  *settings.Service
	story     *story.Processor
	charGen   *imagegen.CharacterGenerator
	runner    JobRunner
	queue     *queue.StreamQueue
	status    *queue.StatusStore
	cfg       config.HTTPConfig
	metrics   *metrics.Metrics
	log       zerolog.Logger

	router  chi.Router
	httpSrv *http.Server
}

type Config struct {
	Store     *storage.Store
	Files     *files.Store
	Templates *prompt.Store
	Composer  *prompt.Composer
	Settings  *settings.Service
	Story     *story.Processor
	CharGen   *imagegen.CharacterGenerator
	Runner    JobRunner
	Queue     *queue.StreamQueue
	Status    *queue.StatusStore
	HTTP      config.HTTPConfig
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

func NewServer(cfg Config) *Server {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	s := &Server{
		store:     cfg.Store,
		files:     cfg.Files,
		templates: cfg.Templates,
		composer:  cfg.Composer,
		settings:  cfg.Settings,
		story:     cfg.Story,
		charGen:   cfg.CharGen,
		runner:    cfg.Runner,
		queue:     cfg.Queue,
		status:    cfg.Status,
		cfg:       cfg.HTTP,
		metrics:   m,
		log:       cfg.Logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get(s.cfg.HealthPath, s.handleHealth)
	r.Handle(s.cfg.MetricsPath, promhttp.Handler())
	r.Handle("/media/*", http.StripPrefix("/media/", http.FileServer(http.Dir(s.files.Root()))))

	r.Route("/projects", func(r chi.Router) {
		r.Get("/", s.handleListProjects)
		r.Post("/", s.handleCreateProject)
		r.Route("/{projectID}", func(r chi.Router) {
			r.Get("/", s.handleGetProject)
			r.Post("/delete", s.handleDeleteProject)
			r.Post("/style", s.handleUpdateStyle)
			r.Post("/story", s.handleSubmitStory)
			r.Get("/story", s.handleStoryViewer)
			r.Get("/costs", s.handleListCosts)

			r.Get("/scenes", s.handleSceneManager)
			r.Route("/scenes/{sceneID}", func(r chi.Router) {
				r.Post("/prompt", s.handleUpdateScenePrompt)
				r.Get("/preview", s.handlePreviewScenePrompt)
				r.Post("/characters", s.handleSetSceneCharacters)
				r.Post("/generate", s.handleGenerateScene)
				r.Post("/generate-async", s.handleGenerateSceneAsync)
				r.Post("/edit", s.handleEditScene)
				r.Post("/edit-async", s.handleEditSceneAsync)
				r.Post("/delete", s.handleDeleteScene)
			})

			r.Get("/characters", s.handleCharacterGallery)
			r.Post("/characters", s.handleAddCharacter)
			r.Route("/characters/{characterID}", func(r chi.Router) {
				r.Post("/update", s.handleUpdateCharacter)
				r.Post("/delete", s.handleDeleteCharacter)
				r.Post("/generate", s.handleGenerateCharacter)
				r.Post("/generate-async", s.handleGenerateCharacterAsync)
				r.Post("/reference", s.handleUploadReference)
				r.Post("/reference-sheet", s.handleReferenceSheet)
			})
		})
	})

	r.Get("/jobs/{jobID}", s.handleJobStatus)

	r.Route("/templates", func(r chi.Router) {
		r.Get("/", s.handleListTemplates)
		r.Post("/clear-cache", s.handleClearTemplateCache)
		r.Post("/{type}", s.handleUpdateTemplate)
		r.Post("/{type}/test", s.handleTestTemplate)
		r.Post("/{type}/reset", s.handleResetTemplate)
	})

	r.Get("/settings", s.handleGetSettings)
	r.Post("/settings", s.handleUpdateSettings)

	s.router = r
	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	return s
}

// Router exposes the chi router for tests.
func (s *Server) Router() chi.Router {
	return s.router
}

// Start blocks until the server stops.
func (s *Server) Start() error {
	return s.httpSrv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// fail reports an error either as JSON or as a flash redirect back to the
// given page.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, redirectTo string, err error) {
	s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	if wantsJSON(r) || redirectTo == "" {
		jsonError(w, httpStatusFor(err), publicError(err))
		return
	}
	setFlash(w, s.cfg.FlashSecret, Flash{Level: "error", Message: publicError(err)})
	http.Redirect(w, r, redirectTo, http.StatusSeeOther)
}

func (s *Server) succeed(w http.ResponseWriter, r *http.Request, redirectTo, message string, extra map[string]any) {
	if wantsJSON(r) || redirectTo == "" {
		jsonOK(w, message, extra)
		return
	}
	setFlash(w, s.cfg.FlashSecret, Flash{Level: "success", Message: message})
	http.Redirect(w, r, redirectTo, http.StatusSeeOther)
}
