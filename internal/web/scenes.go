package web

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/wmag777/story-book/internal/queue"
	"github.com/wmag777/story-book/internal/storage"
)

func (s *Server) handleSceneManager(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		jsonError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	project, err := s.store.GetProject(r.Context(), projectID)
	if err != nil {
		s.fail(w, r, "", err)
		return
	}
	scenes, err := s.store.ListScenes(r.Context(), projectID)
	if err != nil {
		s.fail(w, r, "", err)
		return
	}

	views := make([]sceneView, 0, len(scenes))
	for _, sc := range scenes {
		chars, err := s.store.ListSceneCharacters(r.Context(), sc.ID)
		if err != nil {
			s.fail(w, r, "", err)
			return
		}
		comp := s.composer.Compose(r.Context(), sc, project, chars)
		v := toSceneView(s.files, sc)
		v.FinalPrompt = comp.FinalPrompt
		views = append(views, v)
	}

	body := map[string]any{
		"project": toProjectView(project),
		"scenes":  views,
	}
	if f, ok := popFlash(w, r, s.cfg.FlashSecret); ok {
		body["flash"] = f
	}
	writeJSON(w, http.StatusOK, body)
}

// handleUpdateScenePrompt saves an edited scene prompt. A submitted
// final_prompt is used verbatim when use_custom_prompt is set; otherwise the
// composed final prompt is persisted.
func (s *Server) handleUpdateScenePrompt(w http.ResponseWriter, r *http.Request) {
	scene, project, back, ok := s.loadScene(w, r)
	if !ok {
		return
	}

	prompt := strings.TrimSpace(r.FormValue("prompt"))
	if prompt == "" {
		s.fail(w, r, back, badRequest("scene prompt is required"))
		return
	}
	useCustom, _ := strconv.ParseBool(r.FormValue("use_custom_prompt"))

	chars, err := s.store.ListSceneCharacters(r.Context(), scene.ID)
	if err != nil {
		s.fail(w, r, back, err)
		return
	}
	scene.Prompt = prompt
	scene.UseCustomPrompt = useCustom
	scene.FinalPrompt = strings.TrimSpace(r.FormValue("final_prompt"))
	comp := s.composer.Compose(r.Context(), scene, project, chars)

	if err := s.store.UpdateScenePrompt(r.Context(), scene.ID, prompt, comp.FinalPrompt, useCustom); err != nil {
		s.fail(w, r, back, err)
		return
	}
	s.succeed(w, r, back, "scene prompt updated", map[string]any{"final_prompt": comp.FinalPrompt})
}

// handlePreviewScenePrompt composes the final prompt without persisting
// anything. An optional prompt query parameter overrides the stored one.
func (s *Server) handlePreviewScenePrompt(w http.ResponseWriter, r *http.Request) {
	scene, project, _, ok := s.loadScene(w, r)
	if !ok {
		return
	}
	if override := strings.TrimSpace(r.URL.Query().Get("prompt")); override != "" {
		scene.Prompt = override
	}
	chars, err := s.store.ListSceneCharacters(r.Context(), scene.ID)
	if err != nil {
		s.fail(w, r, "", err)
		return
	}
	comp := s.composer.Compose(r.Context(), scene, project, chars)
	writeJSON(w, http.StatusOK, map[string]any{
		"final_prompt":    comp.FinalPrompt,
		"reference_names": comp.ReferenceNames,
	})
}

func (s *Server) handleSetSceneCharacters(w http.ResponseWriter, r *http.Request) {
	scene, _, back, ok := s.loadScene(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		s.fail(w, r, back, badRequest("malformed form"))
		return
	}

	ids := make([]int64, 0, len(r.PostForm["character_ids"]))
	for _, raw := range r.PostForm["character_ids"] {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.fail(w, r, back, badRequest("invalid character id %q", raw))
			return
		}
		ids = append(ids, id)
	}
	if err := s.store.SetSceneCharacters(r.Context(), scene.ID, ids); err != nil {
		s.fail(w, r, back, err)
		return
	}
	s.succeed(w, r, back, "scene characters updated", nil)
}

func (s *Server) handleGenerateScene(w http.ResponseWriter, r *http.Request) {
	scene, project, back, ok := s.loadScene(w, r)
	if !ok {
		return
	}
	imageURL, err := s.runner.ProcessJob(r.Context(), queue.GenerationJob{
		Kind:      queue.JobKindScene,
		ProjectID: project.ID,
		SceneID:   scene.ID,
	})
	if err != nil {
		s.fail(w, r, back, err)
		return
	}
	s.succeed(w, r, back, "scene image generated", map[string]any{"image_url": imageURL})
}

func (s *Server) handleGenerateSceneAsync(w http.ResponseWriter, r *http.Request) {
	scene, project, _, ok := s.loadScene(w, r)
	if !ok {
		return
	}
	s.enqueueJob(w, r, queue.GenerationJob{
		Kind:      queue.JobKindScene,
		ProjectID: project.ID,
		SceneID:   scene.ID,
	})
}

func (s *Server) handleEditScene(w http.ResponseWriter, r *http.Request) {
	scene, project, back, ok := s.loadScene(w, r)
	if !ok {
		return
	}
	editPrompt := strings.TrimSpace(r.FormValue("edit_prompt"))
	if editPrompt == "" {
		s.fail(w, r, back, badRequest("edit prompt is required"))
		return
	}
	if scene.ApprovedImagePath == "" {
		s.fail(w, r, back, badRequest("scene has no image to edit"))
		return
	}

	imageURL, err := s.runner.ProcessJob(r.Context(), queue.GenerationJob{
		Kind:       queue.JobKindEdit,
		ProjectID:  project.ID,
		SceneID:    scene.ID,
		EditPrompt: editPrompt,
	})
	if err != nil {
		s.fail(w, r, back, err)
		return
	}
	s.succeed(w, r, back, "scene image edited", map[string]any{"image_url": imageURL})
}

func (s *Server) handleEditSceneAsync(w http.ResponseWriter, r *http.Request) {
	scene, project, _, ok := s.loadScene(w, r)
	if !ok {
		return
	}
	editPrompt := strings.TrimSpace(r.FormValue("edit_prompt"))
	if editPrompt == "" {
		jsonError(w, http.StatusBadRequest, "edit prompt is required")
		return
	}
	if scene.ApprovedImagePath == "" {
		jsonError(w, http.StatusBadRequest, "scene has no image to edit")
		return
	}
	s.enqueueJob(w, r, queue.GenerationJob{
		Kind:       queue.JobKindEdit,
		ProjectID:  project.ID,
		SceneID:    scene.ID,
		EditPrompt: editPrompt,
	})
}

func (s *Server) handleDeleteScene(w http.ResponseWriter, r *http.Request) {
	scene, project, _, ok := s.loadScene(w, r)
	if !ok {
		return
	}
	back := fmt.Sprintf("/projects/%d/scenes", project.ID)
	if err := s.store.DeleteScene(r.Context(), scene.ID); err != nil {
		s.fail(w, r, back, err)
		return
	}
	s.succeed(w, r, back, "scene deleted", nil)
}

// loadScene resolves the scene and project from the URL and verifies the
// scene belongs to the addressed project.
func (s *Server) loadScene(w http.ResponseWriter, r *http.Request) (storage.Scene, storage.Project, string, bool) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		jsonError(w, http.StatusBadRequest, "invalid project id")
		return storage.Scene{}, storage.Project{}, "", false
	}
	back := fmt.Sprintf("/projects/%d/scenes", projectID)

	sceneID, err := pathID(r, "sceneID")
	if err != nil {
		jsonError(w, http.StatusBadRequest, "invalid scene id")
		return storage.Scene{}, storage.Project{}, "", false
	}
	scene, err := s.store.GetScene(r.Context(), sceneID)
	if err != nil {
		s.fail(w, r, back, err)
		return storage.Scene{}, storage.Project{}, "", false
	}
	if scene.ProjectID != projectID {
		jsonError(w, http.StatusNotFound, "scene not found in project")
		return storage.Scene{}, storage.Project{}, "", false
	}
	project, err := s.store.GetProject(r.Context(), projectID)
	if err != nil {
		s.fail(w, r, back, err)
		return storage.Scene{}, storage.Project{}, "", false
	}
	return scene, project, back, true
}

// enqueueJob pushes a generation job onto the stream and seeds its pending
// status so the job is immediately pollable.
func (s *Server) enqueueJob(w http.ResponseWriter, r *http.Request, job queue.GenerationJob) {
	jobID, err := s.queue.Enqueue(r.Context(), job)
	if err != nil {
		s.fail(w, r, "", err)
		return
	}
	s.metrics.EnqueuedJobs.Inc()
	if err := s.status.Set(r.Context(), queue.JobStatus{JobID: jobID, State: queue.StatusPending}); err != nil {
		s.log.Error().Err(err).Str("job_id", jobID).Msg("failed to seed job status")
	}
	jsonOK(w, "job enqueued", map[string]any{"job_id": jobID})
}
