package web

import (
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/wmag777/story-book/internal/queue"
	"github.com/wmag777/story-book/internal/storage"
)

var allowedImageExt = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
}

func (s *Server) handleCharacterGallery(w http.ResponseWriter, r *http.Request) {
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
	chars, err := s.store.ListCharacters(r.Context(), projectID)
	if err != nil {
		s.fail(w, r, "", err)
		return
	}
	views := make([]characterView, 0, len(chars))
	for _, c := range chars {
		views = append(views, toCharacterView(s.files, c))
	}
	body := map[string]any{
		"project":    toProjectView(project),
		"characters": views,
	}
	if f, ok := popFlash(w, r, s.cfg.FlashSecret); ok {
		body["flash"] = f
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleAddCharacter(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		jsonError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	back := fmt.Sprintf("/projects/%d/characters", projectID)

	data, mimeType, hasUpload, err := s.readImageUpload(w, r, "reference_image")
	if err != nil {
		s.fail(w, r, back, err)
		return
	}

	name := strings.TrimSpace(r.FormValue("name"))
	description := strings.TrimSpace(r.FormValue("description"))
	if name == "" || description == "" {
		s.fail(w, r, back, badRequest("character name and description are required"))
		return
	}
	if _, err := s.store.GetProject(r.Context(), projectID); err != nil {
		s.fail(w, r, back, err)
		return
	}

	id, err := s.store.CreateCharacter(r.Context(), storage.Character{
		ProjectID:   projectID,
		Name:        name,
		Description: description,
	})
	if err != nil {
		s.fail(w, r, back, err)
		return
	}

	if hasUpload {
		rel, err := s.files.SaveImage("references", "ref_"+name, data, mimeType)
		if err != nil {
			s.fail(w, r, back, err)
			return
		}
		if err := s.store.SetCharacterReferenceImage(r.Context(), id, rel); err != nil {
			s.fail(w, r, back, err)
			return
		}
	}
	s.succeed(w, r, back, "character added", map[string]any{"character_id": id})
}

func (s *Server) handleUpdateCharacter(w http.ResponseWriter, r *http.Request) {
	ch, _, back, ok := s.loadCharacter(w, r)
	if !ok {
		return
	}
	name := strings.TrimSpace(r.FormValue("name"))
	description := strings.TrimSpace(r.FormValue("description"))
	if name == "" || description == "" {
		s.fail(w, r, back, badRequest("character name and description are required"))
		return
	}
	if err := s.store.UpdateCharacter(r.Context(), ch.ID, name, description); err != nil {
		s.fail(w, r, back, err)
		return
	}
	s.succeed(w, r, back, "character updated", nil)
}

func (s *Server) handleDeleteCharacter(w http.ResponseWriter, r *http.Request) {
	ch, _, back, ok := s.loadCharacter(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteCharacter(r.Context(), ch.ID); err != nil {
		s.fail(w, r, back, err)
		return
	}
	s.succeed(w, r, back, "character deleted", nil)
}

func (s *Server) handleGenerateCharacter(w http.ResponseWriter, r *http.Request) {
	ch, project, back, ok := s.loadCharacter(w, r)
	if !ok {
		return
	}
	imageURL, err := s.runner.ProcessJob(r.Context(), queue.GenerationJob{
		Kind:        queue.JobKindCharacter,
		ProjectID:   project.ID,
		CharacterID: ch.ID,
	})
	if err != nil {
		s.fail(w, r, back, err)
		return
	}
	s.succeed(w, r, back, "character image generated", map[string]any{"image_url": imageURL})
}

func (s *Server) handleGenerateCharacterAsync(w http.ResponseWriter, r *http.Request) {
	ch, project, _, ok := s.loadCharacter(w, r)
	if !ok {
		return
	}
	s.enqueueJob(w, r, queue.GenerationJob{
		Kind:        queue.JobKindCharacter,
		ProjectID:   project.ID,
		CharacterID: ch.ID,
	})
}

func (s *Server) handleUploadReference(w http.ResponseWriter, r *http.Request) {
	ch, _, back, ok := s.loadCharacter(w, r)
	if !ok {
		return
	}
	data, mimeType, hasUpload, err := s.readImageUpload(w, r, "reference_image")
	if err != nil {
		s.fail(w, r, back, err)
		return
	}
	if !hasUpload {
		s.fail(w, r, back, badRequest("reference image file is required"))
		return
	}

	rel, err := s.files.SaveImage("references", "ref_"+ch.Name, data, mimeType)
	if err != nil {
		s.fail(w, r, back, err)
		return
	}
	if err := s.store.SetCharacterReferenceImage(r.Context(), ch.ID, rel); err != nil {
		s.fail(w, r, back, err)
		return
	}
	s.succeed(w, r, back, "reference image uploaded", map[string]any{"image_url": s.files.URL(rel)})
}

// handleReferenceSheet generates one portrait per pose. Partial failures
// succeed with the failed poses listed.
func (s *Server) handleReferenceSheet(w http.ResponseWriter, r *http.Request) {
	ch, project, _, ok := s.loadCharacter(w, r)
	if !ok {
		return
	}

	var poses []string
	if raw := strings.TrimSpace(r.FormValue("poses")); raw != "" {
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				poses = append(poses, p)
			}
		}
	}

	images, failed, err := s.charGen.CreateReferenceSheet(r.Context(), ch, project, poses)
	if err != nil {
		s.fail(w, r, "", err)
		return
	}
	out := make([]map[string]string, 0, len(images))
	for _, img := range images {
		out = append(out, map[string]string{"pose": img.Pose, "url": s.files.URL(img.Path)})
	}
	jsonOK(w, "reference sheet generated", map[string]any{
		"images":       out,
		"failed_poses": failed,
	})
}

// readImageUpload pulls an optional image file out of a multipart form,
// enforcing the extension allowlist and the size cap before anything else
// touches the bytes.
func (s *Server) readImageUpload(w http.ResponseWriter, r *http.Request, field string) ([]byte, string, bool, error) {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		return nil, "", false, nil
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		return nil, "", false, badRequest("upload too large or malformed")
	}

	file, header, err := r.FormFile(field)
	if err != nil {
		if err == http.ErrMissingFile {
			return nil, "", false, nil
		}
		return nil, "", false, fmt.Errorf("read upload: %w", err)
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	mimeType, ok := allowedImageExt[ext]
	if !ok {
		return nil, "", false, badRequest("unsupported image type %q, use jpg, jpeg, png or webp", ext)
	}
	if header.Size > s.cfg.MaxUploadBytes {
		return nil, "", false, badRequest("image exceeds the %d byte limit", s.cfg.MaxUploadBytes)
	}

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, "", false, fmt.Errorf("read upload: %w", err)
	}
	if len(data) == 0 {
		return nil, "", false, badRequest("uploaded image is empty")
	}
	return data, mimeType, true, nil
}

func (s *Server) loadCharacter(w http.ResponseWriter, r *http.Request) (storage.Character, storage.Project, string, bool) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		jsonError(w, http.StatusBadRequest, "invalid project id")
		return storage.Character{}, storage.Project{}, "", false
	}
	back := fmt.Sprintf("/projects/%d/characters", projectID)

	characterID, err := pathID(r, "characterID")
	if err != nil {
		jsonError(w, http.StatusBadRequest, "invalid character id")
		return storage.Character{}, storage.Project{}, "", false
	}
	ch, err := s.store.GetCharacter(r.Context(), characterID)
	if err != nil {
		s.fail(w, r, back, err)
		return storage.Character{}, storage.Project{}, "", false
	}
	if ch.ProjectID != projectID {
		jsonError(w, http.StatusNotFound, "character not found in project")
		return storage.Character{}, storage.Project{}, "", false
	}
	project, err := s.store.GetProject(r.Context(), projectID)
	if err != nil {
		s.fail(w, r, back, err)
		return storage.Character{}, storage.Project{}, "", false
	}
	return ch, project, back, true
}
