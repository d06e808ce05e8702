// Package forms talks to the external forms engine that reads and fills PDF
// AcroForm fields, and maps saved profile data onto a PDF's field names.
package forms

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

var (
	// ErrNoFormFields means the document has no fillable fields.
	ErrNoFormFields = errors.New("pdf has no fillable form fields")
	// ErrInvalidPDF means the engine could not parse the document.
	ErrInvalidPDF = errors.New("invalid pdf")
	// ErrEngineUnavailable means the engine could not be reached or failed.
	ErrEngineUnavailable = errors.New("forms engine unavailable")
)

// DefaultWatermark is stamped on free-tier output.
const DefaultWatermark = "Filled with FormFill (Free)"

type FieldType string

const (
	FieldText     FieldType = "text"
	FieldCheckbox FieldType = "checkbox"
	FieldChoice   FieldType = "choice"
)

type Field struct {
	Name    string    `json:"name"`
	Type    FieldType `json:"type"`
	Value   any       `json:"value"`
	Options []string  `json:"options,omitempty"`
}

type FillOptions struct {
	// Watermark is drawn in the page footer when non-empty.
	Watermark string
}

// Engine extracts and fills form fields.
type Engine interface {
	AnalyzeFields(ctx context.Context, pdf []byte) ([]Field, error)
	FillFields(ctx context.Context, pdf []byte, values map[string]any, opts FillOptions) ([]byte, error)
}

// Hash returns the 16-hex-char key used to cache field mappings per document.
func Hash(pdf []byte) string {
	sum := sha256.Sum256(pdf)
	return hex.EncodeToString(sum[:])[:16]
}

var pdfMagic = []byte("%PDF-")

// IsPDF reports whether data starts with a PDF header.
func IsPDF(data []byte) bool {
	return bytes.HasPrefix(data, pdfMagic)
}

// FieldNames returns the names of fields in order.
func FieldNames(fields []Field) []string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names
}

// FilterValues keeps values whose key names a field in the document. Strings
// and booleans pass through; everything else is formatted as text and nil
// becomes the empty string.
func FilterValues(fields []Field, values map[string]any) map[string]any {
	known := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		known[f.Name] = struct{}{}
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		if _, ok := known[k]; !ok {
			continue
		}
		out[k] = normalize(v)
	}
	return out
}
