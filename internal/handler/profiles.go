package handler

import (
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/dukerupert/formfill/internal/forms"
	"github.com/dukerupert/formfill/internal/gate"
	"github.com/dukerupert/formfill/internal/store"
)

const maxProfileName = 100

var pdfHashPattern = regexp.MustCompile(`^[0-9a-f]{16}$`)

type ProfileHandler struct {
	gate     *gate.Gate
	profiles *store.ProfileStore
	mappings *store.MappingStore
	logger   *slog.Logger
}

func NewProfileHandler(g *gate.Gate, profiles *store.ProfileStore, mappings *store.MappingStore, logger *slog.Logger) *ProfileHandler {
	return &ProfileHandler{gate: g, profiles: profiles, mappings: mappings, logger: logger}
}

func (h *ProfileHandler) List(w http.ResponseWriter, r *http.Request) {
	d, err := h.gate.Authorize(w, r, gate.Policy{RequireLogin: true})
	if err != nil {
		writeGateError(w, h.logger, err)
		return
	}
	profiles, err := h.profiles.List(d.Identity.ID)
	if err != nil {
		h.logger.Error("list profiles", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Could not load profiles.")
		return
	}
	if profiles == nil {
		profiles = []store.Profile{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": profiles})
}

type profileRequest struct {
	Name *string        `json:"name"`
	Data map[string]any `json:"data"`
}

func (p profileRequest) validName() (string, bool) {
	if p.Name == nil {
		return "", false
	}
	name := strings.TrimSpace(*p.Name)
	return name, name != "" && len(name) <= maxProfileName
}

func (h *ProfileHandler) Create(w http.ResponseWriter, r *http.Request) {
	d, err := h.gate.Authorize(w, r, gate.Policy{RequireLogin: true, RequirePro: true})
	if err != nil {
		writeGateError(w, h.logger, err)
		return
	}

	var req profileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body.")
		return
	}
	name, ok := req.validName()
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_name", "Profile name is required (max 100 characters).")
		return
	}

	p, err := h.profiles.Create(d.Identity.ID, name, req.Data)
	if err != nil {
		h.logger.Error("create profile", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Could not save the profile.")
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *ProfileHandler) Get(w http.ResponseWriter, r *http.Request) {
	d, err := h.gate.Authorize(w, r, gate.Policy{RequireLogin: true})
	if err != nil {
		writeGateError(w, h.logger, err)
		return
	}
	p, err := h.profiles.Get(r.PathValue("id"), d.Identity.ID)
	if err != nil {
		h.logger.Error("get profile", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Could not load the profile.")
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "not_found", "Profile not found.")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *ProfileHandler) Update(w http.ResponseWriter, r *http.Request) {
	d, err := h.gate.Authorize(w, r, gate.Policy{RequireLogin: true, RequirePro: true})
	if err != nil {
		writeGateError(w, h.logger, err)
		return
	}

	var req profileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body.")
		return
	}
	var name *string
	if req.Name != nil {
		n, ok := req.validName()
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_name", "Profile name is required (max 100 characters).")
			return
		}
		name = &n
	}

	p, err := h.profiles.Update(r.PathValue("id"), d.Identity.ID, name, req.Data)
	if err != nil {
		h.logger.Error("update profile", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Could not save the profile.")
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "not_found", "Profile not found.")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *ProfileHandler) Delete(w http.ResponseWriter, r *http.Request) {
	d, err := h.gate.Authorize(w, r, gate.Policy{RequireLogin: true})
	if err != nil {
		writeGateError(w, h.logger, err)
		return
	}
	deleted, err := h.profiles.Delete(r.PathValue("id"), d.Identity.ID)
	if err != nil {
		h.logger.Error("delete profile", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Could not delete the profile.")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "not_found", "Profile not found.")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type applyRequest struct {
	ProfileID string   `json:"profile_id"`
	PDFFields []string `json:"pdf_fields"`
	PDFHash   string   `json:"pdf_hash"`
}

// Apply maps a profile's canonical values onto a form's field names. A saved
// mapping for the form wins over alias matching; an alias match is saved for
// next time.
func (h *ProfileHandler) Apply(w http.ResponseWriter, r *http.Request) {
	d, err := h.gate.Authorize(w, r, gate.Policy{RequireLogin: true})
	if err != nil {
		writeGateError(w, h.logger, err)
		return
	}

	var req applyRequest
	if err := decodeJSON(r, &req); err != nil || req.ProfileID == "" || len(req.PDFFields) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "profile_id and pdf_fields are required.")
		return
	}
	if req.PDFHash != "" && !pdfHashPattern.MatchString(req.PDFHash) {
		writeError(w, http.StatusBadRequest, "invalid_hash", "pdf_hash must be 16 hex characters.")
		return
	}

	p, err := h.profiles.Get(req.ProfileID, d.Identity.ID)
	if err != nil {
		h.logger.Error("get profile", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Could not load the profile.")
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "not_found", "Profile not found.")
		return
	}

	var saved *store.FieldMapping
	if req.PDFHash != "" {
		saved, err = h.mappings.Get(d.Identity.ID, req.PDFHash)
		if err != nil {
			h.logger.Error("get field mapping", "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "Could not load the field mapping.")
			return
		}
	}

	var values map[string]any
	cached := saved != nil && len(saved.Mappings) > 0
	if cached {
		values = forms.ApplyMapping(saved.Mappings, p.Data, req.PDFFields)
	} else {
		var mapping map[string]string
		values, mapping = forms.MapCanonical(p.Data, req.PDFFields)
		if req.PDFHash != "" && len(mapping) > 0 {
			if err := h.mappings.Save(d.Identity.ID, req.PDFHash, mapping); err != nil {
				h.logger.Warn("save field mapping", "error", err)
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"values":        values,
		"mapped_fields": len(values),
		"cached":        cached,
	})
}

func (h *ProfileHandler) GetMapping(w http.ResponseWriter, r *http.Request) {
	d, err := h.gate.Authorize(w, r, gate.Policy{RequireLogin: true})
	if err != nil {
		writeGateError(w, h.logger, err)
		return
	}
	hash := r.PathValue("hash")
	if !pdfHashPattern.MatchString(hash) {
		writeError(w, http.StatusBadRequest, "invalid_hash", "pdf_hash must be 16 hex characters.")
		return
	}

	m, err := h.mappings.Get(d.Identity.ID, hash)
	if err != nil {
		h.logger.Error("get field mapping", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Could not load the field mapping.")
		return
	}
	if m == nil {
		writeError(w, http.StatusNotFound, "not_found", "No saved mapping for this form.")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *ProfileHandler) PutMapping(w http.ResponseWriter, r *http.Request) {
	d, err := h.gate.Authorize(w, r, gate.Policy{RequireLogin: true})
	if err != nil {
		writeGateError(w, h.logger, err)
		return
	}
	hash := r.PathValue("hash")
	if !pdfHashPattern.MatchString(hash) {
		writeError(w, http.StatusBadRequest, "invalid_hash", "pdf_hash must be 16 hex characters.")
		return
	}

	var req struct {
		Mappings map[string]string `json:"mappings"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body.")
		return
	}
	for field, key := range req.Mappings {
		if _, ok := forms.CanonicalFields[key]; !ok {
			writeError(w, http.StatusBadRequest, "invalid_mapping", "Unknown profile field for "+field+": "+key)
			return
		}
	}

	if err := h.mappings.Save(d.Identity.ID, hash, req.Mappings); err != nil {
		h.logger.Error("save field mapping", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Could not save the field mapping.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "pdf_hash": hash, "mappings": req.Mappings})
}
