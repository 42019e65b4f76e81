package server

import (
	"bytes"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"go.uber.org/multierr"
	"goji.io"
	"goji.io/pat"

	"github.com/xnav-frc/xnav/config"
	"github.com/xnav-frc/xnav/fieldmap"
)

const maxFieldMapBytes = 4 << 20

func (s *Server) installConfig(mux *goji.Mux) {
	mux.HandleFunc(pat.Get("/api/config"), s.handleConfigGet)
	mux.HandleFunc(pat.Post("/api/config"), s.handleConfigPost)
	mux.HandleFunc(pat.Get("/api/config/:section"), s.handleSectionGet)
	mux.HandleFunc(pat.Post("/api/config/:section"), s.handleSectionPost)
	mux.HandleFunc(pat.Post("/api/matchmode"), s.handleMatchMode)
	mux.HandleFunc(pat.Get("/api/fmap"), s.handleFieldMapGet)
	mux.HandleFunc(pat.Post("/api/fmap"), s.handleFieldMapUpload)
}

func (s *Server) handleConfigGet(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Config.All())
}

// handleConfigPost replaces every section given as an object and sets every scalar at top level.
func (s *Server) handleConfigPost(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := readJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body == nil {
		writeError(w, http.StatusBadRequest, errors.New("expected a JSON object"))
		return
	}
	names := make([]string, 0, len(body))
	for name := range body {
		names = append(names, name)
	}
	sort.Strings(names)

	var err error
	for _, name := range names {
		if section, ok := body[name].(map[string]any); ok {
			err = multierr.Combine(err, s.deps.Config.UpdateSection(name, section))
		} else {
			err = multierr.Combine(err, s.deps.Config.Set(name, body[name]))
		}
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSectionGet(w http.ResponseWriter, r *http.Request) {
	name := pat.Param(r, "section")
	v := s.deps.Config.GetSection(name)
	if v == nil {
		writeError(w, http.StatusNotFound, errors.Errorf("no config section %q", name))
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleSectionPost(w http.ResponseWriter, r *http.Request) {
	name := pat.Param(r, "section")
	var body map[string]any
	if err := readJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body == nil {
		writeError(w, http.StatusBadRequest, errors.New("expected a JSON object"))
		return
	}
	if err := s.deps.Config.UpdateSection(name, body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleMatchMode(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := readJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	enabled := cast.ToBool(body["enabled"])
	if err := s.deps.Config.Set(config.KeyMatchMode, enabled); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Infow("match mode changed", "enabled", enabled)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "match_mode": enabled})
}

func (s *Server) handleFieldMapGet(w http.ResponseWriter, _ *http.Request) {
	cfg, err := s.deps.Config.FieldMap()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := map[string]any{"loaded": false, "enabled": cfg.Enabled, "file": cfg.FmapFile}
	if cfg.FmapFile != "" {
		if fm, err := fieldmap.Load(cfg.FmapFile); err == nil {
			resp["loaded"] = true
			resp["length"] = fm.Length
			resp["width"] = fm.Width
			resp["tag_ids"] = fm.IDs()
		} else {
			resp["error"] = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleFieldMapUpload accepts a .fmap either as the "file" part of a multipart form or as the
// raw request body. The map is validated before it replaces the stored file and enables it.
func (s *Server) handleFieldMapUpload(w http.ResponseWriter, r *http.Request) {
	data, err := readFieldMapUpload(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	fm, err := fieldmap.Parse(bytes.NewReader(data))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	path := s.deps.FieldMapPath
	if err := writeFile(path, data); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.deps.Config.UpdateSection(config.SectionFieldMap, map[string]any{
		"enabled":   true,
		"fmap_file": path,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Infow("field map uploaded", "path", path, "tags", fm.Len())
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "path": path, "tags": fm.Len()})
}

func readFieldMapUpload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFieldMapBytes)
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		return io.ReadAll(r.Body)
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		return nil, errors.Wrap(err, "no file part")
	}
	defer func() {
		//nolint:errcheck
		f.Close()
	}()
	if filepath.Ext(hdr.Filename) != ".fmap" {
		return nil, errors.New("file must be a .fmap file")
	}
	return io.ReadAll(f)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
