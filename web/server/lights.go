package server

import (
	"net/http"

	"github.com/spf13/cast"
	"go.uber.org/multierr"
	"goji.io"
	"goji.io/pat"

	"github.com/xnav-frc/xnav/config"
)

func (s *Server) installLights(mux *goji.Mux) {
	mux.HandleFunc(pat.Get("/api/lights"), s.handleLightsGet)
	mux.HandleFunc(pat.Post("/api/lights"), s.handleLightsPost)
}

func (s *Server) handleLightsGet(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Lights == nil {
		writeJSON(w, http.StatusOK, s.deps.Config.GetSection(config.SectionLights))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Lights.State())
}

// handleLightsPost applies whichever of enabled, brightness and mode the body carries. Without a
// lights manager the values are only stored.
func (s *Server) handleLightsPost(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := readJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var err error
	if v, ok := body["enabled"]; ok {
		enabled, castErr := cast.ToBoolE(v)
		if castErr == nil {
			castErr = s.setLights("enabled", enabled)
		}
		err = multierr.Combine(err, castErr)
	}
	if v, ok := body["brightness"]; ok {
		pct, castErr := cast.ToIntE(v)
		if castErr == nil {
			castErr = s.setLights("brightness", max(0, min(100, pct)))
		}
		err = multierr.Combine(err, castErr)
	}
	if v, ok := body["mode"]; ok {
		mode, castErr := cast.ToStringE(v)
		if castErr == nil {
			castErr = s.setLights("mode", mode)
		}
		err = multierr.Combine(err, castErr)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.handleLightsGet(w, r)
}

func (s *Server) setLights(key string, value any) error {
	if s.deps.Lights == nil {
		return s.deps.Config.Set(config.SectionLights, key, value)
	}
	switch key {
	case "enabled":
		return s.deps.Lights.SetEnabled(value.(bool))
	case "brightness":
		return s.deps.Lights.SetBrightness(value.(int))
	default:
		return s.deps.Lights.SetMode(value.(string))
	}
}
