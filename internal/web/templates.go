package web

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wmag777/story-book/internal/prompt"
	"github.com/wmag777/story-book/internal/storage"
)

// sampleVariables back the template test endpoint when the caller does not
// supply values of their own.
var sampleVariables = map[string]string{
	"story":           "A curious fox found a lantern in the snowy woods.",
	"style":           "watercolor",
	"color_scheme":    "pastel",
	"character_names": "Alice and Bob",
	"plural":          "s",
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.store.ListTemplates(r.Context())
	if err != nil {
		s.fail(w, r, "", err)
		return
	}
	views := make([]templateView, 0, len(templates))
	for _, tpl := range templates {
		views = append(views, templateView{
			Type:      tpl.Type,
			Name:      tpl.Name,
			Text:      tpl.Text,
			Variables: storage.TemplateVariables(tpl.Text),
			Active:    tpl.Active,
		})
	}
	body := map[string]any{"templates": views}
	if f, ok := popFlash(w, r, s.cfg.FlashSecret); ok {
		body["flash"] = f
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	templateType := chi.URLParam(r, "type")
	text := r.FormValue("text")
	if strings.TrimSpace(text) == "" {
		s.fail(w, r, "/templates", badRequest("template text is required"))
		return
	}
	if err := s.store.UpdateTemplateText(r.Context(), templateType, text); err != nil {
		s.fail(w, r, "/templates", err)
		return
	}
	s.templates.Invalidate(templateType)
	s.succeed(w, r, "/templates", "template updated", nil)
}

// handleTestTemplate renders a template with sample values so edits can be
// previewed before saving. A text form value overrides the stored template.
func (s *Server) handleTestTemplate(w http.ResponseWriter, r *http.Request) {
	templateType := chi.URLParam(r, "type")

	text := r.FormValue("text")
	if strings.TrimSpace(text) == "" {
		tpl, err := s.store.GetActiveTemplate(r.Context(), templateType)
		if err != nil {
			s.fail(w, r, "", err)
			return
		}
		text = tpl.Text
	}

	vars := map[string]string{}
	for _, name := range storage.TemplateVariables(text) {
		if v := r.FormValue("var_" + name); v != "" {
			vars[name] = v
		} else if v, ok := sampleVariables[name]; ok {
			vars[name] = v
		} else {
			vars[name] = "<" + name + ">"
		}
	}

	rendered, err := prompt.RenderText(text, vars)
	if err != nil {
		s.fail(w, r, "", err)
		return
	}
	jsonOK(w, "", map[string]any{"rendered": rendered, "variables": vars})
}

func (s *Server) handleResetTemplate(w http.ResponseWriter, r *http.Request) {
	templateType := chi.URLParam(r, "type")
	if err := s.store.ResetTemplate(r.Context(), templateType); err != nil {
		s.fail(w, r, "/templates", err)
		return
	}
	s.templates.Invalidate(templateType)
	s.succeed(w, r, "/templates", "template reset to default", nil)
}

func (s *Server) handleClearTemplateCache(w http.ResponseWriter, r *http.Request) {
	s.templates.Invalidate()
	s.succeed(w, r, "/templates", "template cache cleared", nil)
}
