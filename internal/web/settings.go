package web

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/wmag777/story-book/internal/settings"
)

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	view, err := s.settings.MaskedView(r.Context())
	if err != nil {
		s.fail(w, r, "", err)
		return
	}
	body := map[string]any{
		"cost_per_generation": view.CostPerGeneration,
		"cost_per_edit":       view.CostPerEdit,
		"currency":            view.Currency,
		"tracking_enabled":    view.TrackingEnabled,
		"ai_provider":         view.AIProvider,
		"effective_provider":  view.EffectiveProvider,
		"openai_api_key":      view.OpenAIKeyMasked,
		"google_api_key":      view.GoogleKeyMasked,
		"artemox_api_key":     view.ArtemoxKeyMasked,
		"artemox_base_url":    view.ArtemoxBaseURL,
	}
	if f, ok := popFlash(w, r, s.cfg.FlashSecret); ok {
		body["flash"] = f
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	costPerGeneration, err := parseCost(r.FormValue("cost_per_generation"))
	if err != nil {
		s.fail(w, r, "/settings", badRequest("invalid cost_per_generation"))
		return
	}
	costPerEdit, err := parseCost(r.FormValue("cost_per_edit"))
	if err != nil {
		s.fail(w, r, "/settings", badRequest("invalid cost_per_edit"))
		return
	}
	trackingEnabled, _ := strconv.ParseBool(r.FormValue("tracking_enabled"))

	in := settings.UpdateInput{
		CostPerGeneration: costPerGeneration,
		CostPerEdit:       costPerEdit,
		Currency:          strings.TrimSpace(r.FormValue("currency")),
		TrackingEnabled:   trackingEnabled,
		AIProvider:        strings.TrimSpace(r.FormValue("ai_provider")),
		OpenAIKey:         r.FormValue("openai_api_key"),
		GoogleKey:         r.FormValue("google_api_key"),
		ArtemoxKey:        r.FormValue("artemox_api_key"),
		ArtemoxBaseURL:    r.FormValue("artemox_base_url"),
	}
	if err := s.settings.Update(r.Context(), in); err != nil {
		s.fail(w, r, "/settings", err)
		return
	}
	s.succeed(w, r, "/settings", "settings saved", nil)
}

func parseCost(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("empty")
	}
	return strconv.ParseFloat(raw, 64)
}
