package web

import (
	"fmt"
	"net/http"
	"strings"
)

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context())
	if err != nil {
		s.fail(w, r, "", err)
		return
	}
	views := make([]projectView, 0, len(projects))
	for _, p := range projects {
		views = append(views, toProjectView(p))
	}
	body := map[string]any{"projects": views}
	if f, ok := popFlash(w, r, s.cfg.FlashSecret); ok {
		body["flash"] = f
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		s.fail(w, r, "/projects", badRequest("project name is required"))
		return
	}
	style := strings.TrimSpace(r.FormValue("style"))
	colorScheme := strings.TrimSpace(r.FormValue("color_scheme"))

	id, err := s.store.CreateProject(r.Context(), name, style, colorScheme)
	if err != nil {
		s.fail(w, r, "/projects", err)
		return
	}
	s.succeed(w, r, fmt.Sprintf("/projects/%d", id), "project created", map[string]any{"project_id": id})
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "projectID")
	if err != nil {
		jsonError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	project, err := s.store.GetProject(r.Context(), id)
	if err != nil {
		s.fail(w, r, "", err)
		return
	}
	chars, err := s.store.ListCharacters(r.Context(), id)
	if err != nil {
		s.fail(w, r, "", err)
		return
	}
	scenes, err := s.store.ListScenes(r.Context(), id)
	if err != nil {
		s.fail(w, r, "", err)
		return
	}

	charViews := make([]characterView, 0, len(chars))
	for _, c := range chars {
		charViews = append(charViews, toCharacterView(s.files, c))
	}
	sceneViews := make([]sceneView, 0, len(scenes))
	for _, sc := range scenes {
		sceneViews = append(sceneViews, toSceneView(s.files, sc))
	}

	body := map[string]any{
		"project":    toProjectView(project),
		"characters": charViews,
		"scenes":     sceneViews,
	}
	if f, ok := popFlash(w, r, s.cfg.FlashSecret); ok {
		body["flash"] = f
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "projectID")
	if err != nil {
		jsonError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	if err := s.store.DeleteProject(r.Context(), id); err != nil {
		s.fail(w, r, "/projects", err)
		return
	}
	s.succeed(w, r, "/projects", "project deleted", nil)
}

func (s *Server) handleUpdateStyle(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "projectID")
	if err != nil {
		jsonError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	back := fmt.Sprintf("/projects/%d", id)

	style := strings.TrimSpace(r.FormValue("style"))
	colorScheme := strings.TrimSpace(r.FormValue("color_scheme"))
	if err := s.store.UpdateProjectStyle(r.Context(), id, style, colorScheme); err != nil {
		s.fail(w, r, back, err)
		return
	}
	s.succeed(w, r, back, "style updated", nil)
}

func (s *Server) handleSubmitStory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "projectID")
	if err != nil {
		jsonError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	back := fmt.Sprintf("/projects/%d", id)

	text := strings.TrimSpace(r.FormValue("story"))
	if text == "" {
		s.fail(w, r, back, badRequest("story text is required"))
		return
	}
	if _, err := s.store.GetProject(r.Context(), id); err != nil {
		s.fail(w, r, back, err)
		return
	}

	res, err := s.story.Process(r.Context(), id, text)
	if err != nil {
		s.fail(w, r, back, err)
		return
	}
	msg := fmt.Sprintf("extracted %d characters and %d scenes", len(res.CharacterIDs), len(res.SceneIDs))
	s.succeed(w, r, back, msg, map[string]any{
		"character_ids": res.CharacterIDs,
		"scene_ids":     res.SceneIDs,
	})
}

func (s *Server) handleStoryViewer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "projectID")
	if err != nil {
		jsonError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	project, err := s.store.GetProject(r.Context(), id)
	if err != nil {
		s.fail(w, r, "", err)
		return
	}
	scenes, err := s.store.ListScenes(r.Context(), id)
	if err != nil {
		s.fail(w, r, "", err)
		return
	}
	views := make([]sceneView, 0, len(scenes))
	for _, sc := range scenes {
		views = append(views, toSceneView(s.files, sc))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"project": toProjectView(project),
		"scenes":  views,
	})
}

func (s *Server) handleListCosts(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "projectID")
	if err != nil {
		jsonError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	project, err := s.store.GetProject(r.Context(), id)
	if err != nil {
		s.fail(w, r, "", err)
		return
	}
	costs, err := s.store.ListCosts(r.Context(), id)
	if err != nil {
		s.fail(w, r, "", err)
		return
	}
	views := make([]costView, 0, len(costs))
	for _, c := range costs {
		views = append(views, toCostView(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_cost":       project.TotalGenerationCost,
		"generation_count": project.GenerationCount,
		"costs":            views,
	})
}
