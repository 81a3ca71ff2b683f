package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wmag777/story-book/internal/files"
	"github.com/wmag777/story-book/internal/imagegen"
	"github.com/wmag777/story-book/internal/imagegen/gemini"
	"github.com/wmag777/story-book/internal/metrics"
	"github.com/wmag777/story-book/internal/prompt"
	"github.com/wmag777/story-book/internal/queue"
	"github.com/wmag777/story-book/internal/storage"
)

// Worker consumes generation jobs from the redis stream and executes them
// through the same composer and generator path as the synchronous routes.
type Worker struct {
	store         *storage.Store
	queue         *queue.StreamQueue
	status        *queue.StatusStore
	composer      *prompt.Composer
	generator     *imagegen.Generator
	charGen       *imagegen.CharacterGenerator
	files         *files.Store
	maxJobRetries int
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Store         *storage.Store
	Queue         *queue.StreamQueue
	Status        *queue.StatusStore
	Composer      *prompt.Composer
	Generator     *imagegen.Generator
	CharGen       *imagegen.CharacterGenerator
	Files         *files.Store
	MaxJobRetries int
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	return &Worker{
		store:         cfg.Store,
		queue:         cfg.Queue,
		status:        cfg.Status,
		composer:      cfg.Composer,
		generator:     cfg.Generator,
		charGen:       cfg.CharGen,
		files:         cfg.Files,
		maxJobRetries: cfg.MaxJobRetries,
		logger:        cfg.Logger,
		metrics:       m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			time.Sleep(1 * time.Second)
			continue
		}
		if len(messages) == 0 {
			continue
		}

		for _, msg := range messages {
			w.handleMessage(ctx, log, msg)
		}
	}
}

// handleMessage executes one job. Backend failures fail the job immediately
// because the generator already retried transient errors; only
// infrastructure errors are worth another delivery.
func (w *Worker) handleMessage(ctx context.Context, log zerolog.Logger, msg queue.Message) {
	job := msg.Job
	_ = w.status.Set(ctx, queue.JobStatus{JobID: job.JobID, State: queue.StatusRunning})

	imageURL, err := w.ProcessJob(ctx, job)
	if err == nil {
		w.metrics.ProcessedJobs.Inc()
		_ = w.status.Set(ctx, queue.JobStatus{JobID: job.JobID, State: queue.StatusDone, ImageURL: imageURL})
		w.ack(ctx, log, msg.ID)
		return
	}

	w.metrics.FailedJobs.Inc()
	log.Error().Err(err).Str("job_id", job.JobID).Str("kind", job.Kind).Int("attempt", job.Attempts).Msg("job failed")

	if isRetryable(err) && job.Attempts < w.maxJobRetries {
		job.Attempts++
		if _, enqueueErr := w.queue.Enqueue(ctx, job); enqueueErr != nil {
			log.Error().Err(enqueueErr).Str("job_id", job.JobID).Msg("failed to re-enqueue job")
			_ = w.status.Set(ctx, queue.JobStatus{JobID: job.JobID, State: queue.StatusFailed, Message: err.Error()})
			w.ack(ctx, log, msg.ID)
			return
		}
		_ = w.status.Set(ctx, queue.JobStatus{JobID: job.JobID, State: queue.StatusPending, Message: "retrying"})
		w.ack(ctx, log, msg.ID)
		return
	}

	_ = w.status.Set(ctx, queue.JobStatus{JobID: job.JobID, State: queue.StatusFailed, Message: err.Error()})
	w.ack(ctx, log, msg.ID)
}

// ProcessJob runs one generation job and returns the public URL of the
// resulting image.
func (w *Worker) ProcessJob(ctx context.Context, job queue.GenerationJob) (string, error) {
	switch job.Kind {
	case queue.JobKindScene:
		return w.processScene(ctx, job)
	case queue.JobKindEdit:
		return w.processEdit(ctx, job)
	case queue.JobKindCharacter:
		return w.processCharacter(ctx, job)
	default:
		return "", fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

func (w *Worker) processScene(ctx context.Context, job queue.GenerationJob) (string, error) {
	scene, err := w.store.GetScene(ctx, job.SceneID)
	if err != nil {
		return "", fmt.Errorf("load scene: %w", err)
	}
	project, err := w.store.GetProject(ctx, scene.ProjectID)
	if err != nil {
		return "", fmt.Errorf("load project: %w", err)
	}
	chars, err := w.store.ListSceneCharacters(ctx, scene.ID)
	if err != nil {
		return "", fmt.Errorf("load scene characters: %w", err)
	}

	comp := w.composer.Compose(ctx, scene, project, chars)
	sceneID := scene.ID
	rel, err := w.generator.Generate(ctx, imagegen.GenerateRequest{
		Prompt:              comp.FinalPrompt,
		FilenameBase:        fmt.Sprintf("scene_%d", scene.ID),
		Subdir:              "scenes",
		ReferenceImagePaths: comp.ReferenceImagePaths,
		ProjectID:           project.ID,
		SceneID:             &sceneID,
		GenerationType:      storage.GenerationTypeNew,
	})
	if err != nil {
		return "", err
	}
	if err := w.store.SetSceneApprovedImage(ctx, scene.ID, rel); err != nil {
		return "", fmt.Errorf("save scene image: %w", err)
	}
	return w.files.URL(rel), nil
}

func (w *Worker) processEdit(ctx context.Context, job queue.GenerationJob) (string, error) {
	scene, err := w.store.GetScene(ctx, job.SceneID)
	if err != nil {
		return "", fmt.Errorf("load scene: %w", err)
	}
	if scene.ApprovedImagePath == "" {
		return "", fmt.Errorf("scene %d has no image to edit", scene.ID)
	}
	editPrompt := strings.TrimSpace(job.EditPrompt)
	if editPrompt == "" {
		return "", fmt.Errorf("edit prompt is empty")
	}

	sceneID := scene.ID
	rel, err := w.generator.Edit(ctx, imagegen.EditRequest{
		ImagePath:    scene.ApprovedImagePath,
		EditPrompt:   editPrompt,
		FilenameBase: fmt.Sprintf("scene_%d_edit", scene.ID),
		Subdir:       "scenes",
		ProjectID:    scene.ProjectID,
		SceneID:      &sceneID,
	})
	if err != nil {
		return "", err
	}
	if err := w.store.SetSceneApprovedImage(ctx, scene.ID, rel); err != nil {
		return "", fmt.Errorf("save edited scene image: %w", err)
	}
	if err := w.store.SetSceneEditPrompt(ctx, scene.ID, editPrompt); err != nil {
		return "", fmt.Errorf("save edit prompt: %w", err)
	}
	return w.files.URL(rel), nil
}

func (w *Worker) processCharacter(ctx context.Context, job queue.GenerationJob) (string, error) {
	ch, err := w.store.GetCharacter(ctx, job.CharacterID)
	if err != nil {
		return "", fmt.Errorf("load character: %w", err)
	}
	project, err := w.store.GetProject(ctx, ch.ProjectID)
	if err != nil {
		return "", fmt.Errorf("load project: %w", err)
	}

	rel, enhanced, err := w.charGen.Generate(ctx, ch, project)
	if err != nil {
		return "", err
	}
	if err := w.store.SetCharacterGeneratedImage(ctx, ch.ID, rel, enhanced); err != nil {
		return "", fmt.Errorf("save character image: %w", err)
	}
	return w.files.URL(rel), nil
}

func (w *Worker) ack(ctx context.Context, log zerolog.Logger, messageID string) {
	if err := w.queue.Ack(ctx, messageID); err != nil {
		log.Error().Err(err).Str("msg_id", messageID).Msg("failed to ack message")
	}
}

// isRetryable decides whether a failed job deserves another delivery.
// Backend and validation failures are final; everything else is assumed to
// be infrastructure trouble.
func isRetryable(err error) bool {
	var be *gemini.BackendError
	if errors.As(err, &be) {
		return false
	}
	if errors.Is(err, imagegen.ErrMissingAPIKey) ||
		errors.Is(err, imagegen.ErrEmptyName) ||
		errors.Is(err, imagegen.ErrEmptyDescription) ||
		errors.Is(err, storage.ErrNotFound) {
		return false
	}
	return true
}
