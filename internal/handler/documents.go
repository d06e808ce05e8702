package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dukerupert/formfill/internal/forms"
	"github.com/dukerupert/formfill/internal/gate"
	"github.com/dukerupert/formfill/internal/objects"
)

// multipartOverhead is allowed on top of MaxUploadSize for form fields and
// part headers.
const multipartOverhead = 1 << 20

var (
	errUploadTooLarge = errors.New("upload too large")
	errNoUpload       = errors.New("no pdf uploaded")
	errNotPDF         = errors.New("upload is not a pdf")
)

type DocumentHandler struct {
	gate    *gate.Gate
	engine  forms.Engine
	objects *objects.Manager
	logger  *slog.Logger
}

func NewDocumentHandler(g *gate.Gate, engine forms.Engine, om *objects.Manager, logger *slog.Logger) *DocumentHandler {
	return &DocumentHandler{gate: g, engine: engine, objects: om, logger: logger}
}

type upload struct {
	data     []byte
	filename string
}

func parseUploadForm(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, objects.MaxUploadSize+multipartOverhead)
	if err := r.ParseMultipartForm(objects.MaxUploadSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errUploadTooLarge
		}
		return fmt.Errorf("parse multipart form: %w", err)
	}
	return nil
}

// readUpload reads the pdf_file part of an already parsed multipart form.
func readUpload(r *http.Request) (upload, error) {
	file, header, err := r.FormFile("pdf_file")
	if err != nil {
		return upload{}, errNoUpload
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, objects.MaxUploadSize+1))
	if err != nil {
		return upload{}, fmt.Errorf("read upload: %w", err)
	}
	if len(data) > objects.MaxUploadSize {
		return upload{}, errUploadTooLarge
	}
	if !forms.IsPDF(data) {
		return upload{}, errNotPDF
	}
	return upload{data: data, filename: header.Filename}, nil
}

func writeUploadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errUploadTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "file_too_large", "File exceeds the 10 MB limit.")
	case errors.Is(err, errNoUpload):
		writeError(w, http.StatusBadRequest, "missing_file", "Upload a PDF file.")
	case errors.Is(err, errNotPDF):
		writeError(w, http.StatusBadRequest, "invalid_file_type", "Only PDF files are supported.")
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", "Could not read the upload.")
	}
}

func (h *DocumentHandler) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, forms.ErrNoFormFields):
		writeError(w, http.StatusUnprocessableEntity, "no_form_fields", "This PDF has no fillable form fields.")
	case errors.Is(err, forms.ErrInvalidPDF):
		writeError(w, http.StatusUnprocessableEntity, "invalid_pdf", "This PDF could not be read.")
	default:
		h.logger.Error("forms engine", "error", err)
		writeUnavailable(w, "engine_unavailable", "Form processing is temporarily unavailable.")
	}
}

// Fields analyzes an uploaded PDF and keeps it for a later fill.
func (h *DocumentHandler) Fields(w http.ResponseWriter, r *http.Request) {
	d, err := h.gate.Authorize(w, r, gate.Policy{RequireLogin: true})
	if err != nil {
		writeGateError(w, h.logger, err)
		return
	}

	if err := parseUploadForm(w, r); err != nil {
		writeUploadError(w, err)
		return
	}
	up, err := readUpload(r)
	if err != nil {
		writeUploadError(w, err)
		return
	}

	fields, err := h.engine.AnalyzeFields(r.Context(), up.data)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	obj, err := h.objects.Register(r.Context(), objects.NewObject{
		Kind:        objects.KindUpload,
		Owner:       d.Identity.Key(),
		ContentType: "application/pdf",
		Data:        up.data,
	}, objects.UploadTTL)
	if err != nil {
		h.logger.Error("register upload", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Could not store the upload.")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"fields":    fields,
		"pdf_hash":  forms.Hash(up.data),
		"upload_id": obj.ID,
		"meta": map[string]any{
			"field_count": len(fields),
			"filename":    up.filename,
			"size":        len(up.data),
		},
	})
}

// Fill writes values into a PDF, given inline or as a previous upload_id.
// Values come from the fields_json form field. The quota is charged once the
// input has been validated.
func (h *DocumentHandler) Fill(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := parseUploadForm(w, r); err != nil {
		writeUploadError(w, err)
		return
	}

	var raw map[string]any
	if s := r.FormValue("fields_json"); s != "" {
		if err := json.Unmarshal([]byte(s), &raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_fields", "fields_json must be a JSON object.")
			return
		}
	}

	var pdf []byte
	var owner string
	if id := r.FormValue("upload_id"); id != "" {
		data, o, err := h.loadUpload(r, id)
		if err != nil {
			writeError(w, http.StatusNotFound, "not_found", "The upload has expired. Upload the PDF again.")
			return
		}
		pdf, owner = data, o
	} else {
		up, err := readUpload(r)
		if err != nil {
			writeUploadError(w, err)
			return
		}
		pdf = up.data
	}

	fields, err := h.engine.AnalyzeFields(ctx, pdf)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	values := forms.FilterValues(fields, raw)

	d, err := h.gate.Authorize(w, r, gate.Policy{Metered: true})
	if err != nil {
		writeGateError(w, h.logger, err)
		return
	}
	if owner != "" && owner != d.Identity.Key() {
		writeError(w, http.StatusNotFound, "not_found", "The upload has expired. Upload the PDF again.")
		return
	}

	opts := forms.FillOptions{}
	if !d.Pro() {
		opts.Watermark = forms.DefaultWatermark
	}
	filled, err := h.engine.FillFields(ctx, pdf, values, opts)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	obj, err := h.objects.Register(ctx, objects.NewObject{
		Kind:        objects.KindOutput,
		Owner:       d.Identity.Key(),
		ContentType: "application/pdf",
		Data:        filled,
	}, objects.OutputTTL)
	if err != nil {
		h.logger.Error("register output", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Could not store the filled PDF.")
		return
	}

	resp := map[string]any{
		"ok":           true,
		"file_id":      obj.ID,
		"preview_url":  "/preview/" + obj.ID,
		"download_url": "/download/" + obj.ID,
		"pdf_hash":     forms.Hash(pdf),
		"watermarked":  opts.Watermark != "",
		"plan":         d.Tier,
		"expires_at":   obj.ExpiresAt,
	}
	if d.Remaining >= 0 {
		resp["remaining"] = d.Remaining
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *DocumentHandler) loadUpload(r *http.Request, id string) ([]byte, string, error) {
	handle, err := h.objects.Resolve(id)
	if err != nil {
		return nil, "", err
	}
	defer handle.Release()
	if handle.Kind != objects.KindUpload {
		return nil, "", objects.ErrExpiredOrMissing
	}

	rc, err := handle.Open(r.Context())
	if err != nil {
		return nil, "", err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, "", fmt.Errorf("read upload %s: %w", id, err)
	}
	return data, handle.Owner, nil
}

func (h *DocumentHandler) Preview(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "inline")
}

func (h *DocumentHandler) Download(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "attachment")
}

// serve streams a filled document while holding a handle, so the sweeper
// cannot delete it mid-response.
func (h *DocumentHandler) serve(w http.ResponseWriter, r *http.Request, disposition string) {
	id := r.PathValue("id")
	handle, err := h.objects.Resolve(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "File not found or expired.")
		return
	}
	defer handle.Release()
	if handle.Kind == objects.KindUpload {
		writeError(w, http.StatusNotFound, "not_found", "File not found or expired.")
		return
	}

	rc, err := handle.Open(r.Context())
	if err != nil {
		if !errors.Is(err, objects.ErrExpiredOrMissing) {
			h.logger.Error("open object", "id", id, "error", err)
		}
		writeError(w, http.StatusNotFound, "not_found", "File not found or expired.")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", handle.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`%s; filename="filled-%s.pdf"`, disposition, id))
	w.Header().Set("Content-Length", strconv.FormatInt(handle.Size, 10))
	w.Header().Set("Cache-Control", "private, no-store")
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("stream object", "id", id, "error", err)
	}
}
