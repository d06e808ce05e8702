package forms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

const maxEngineResponse = 64 << 20

// EngineConfig holds forms engine client configuration.
type EngineConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

type analyzeResponse struct {
	Fields []Field `json:"fields"`
}

type engineError struct {
	Error string `json:"error"`
}

// HTTPEngine calls a forms engine service over HTTP.
//
//	POST {URL}/analyze  body: application/pdf           -> {"fields": [...]}
//	POST {URL}/fill     multipart: pdf, values, watermark -> application/pdf
//
// The engine answers 422 for documents without fillable fields and 400 for
// documents it cannot parse.
type HTTPEngine struct {
	cfg        EngineConfig
	httpClient *http.Client
}

func NewHTTPEngine(cfg EngineConfig) *HTTPEngine {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &HTTPEngine{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

func (e *HTTPEngine) AnalyzeFields(ctx context.Context, pdf []byte) ([]Field, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", e.cfg.URL+"/analyze", bytes.NewReader(pdf))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/pdf")

	resp, err := e.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var ar analyzeResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxEngineResponse)).Decode(&ar); err != nil {
		return nil, fmt.Errorf("decode analyze response: %w", err)
	}
	if len(ar.Fields) == 0 {
		return nil, ErrNoFormFields
	}
	for i := range ar.Fields {
		if ar.Fields[i].Type == "" {
			ar.Fields[i].Type = FieldText
		}
	}
	return ar.Fields, nil
}

func (e *HTTPEngine) FillFields(ctx context.Context, pdf []byte, values map[string]any, opts FillOptions) ([]byte, error) {
	valuesJSON, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("marshal values: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("pdf", "document.pdf")
	if err != nil {
		return nil, fmt.Errorf("create pdf part: %w", err)
	}
	if _, err := part.Write(pdf); err != nil {
		return nil, fmt.Errorf("write pdf part: %w", err)
	}
	if err := mw.WriteField("values", string(valuesJSON)); err != nil {
		return nil, fmt.Errorf("write values: %w", err)
	}
	if opts.Watermark != "" {
		if err := mw.WriteField("watermark", opts.Watermark); err != nil {
			return nil, fmt.Errorf("write watermark: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", e.cfg.URL+"/fill", &body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := e.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(io.LimitReader(resp.Body, maxEngineResponse))
	if err != nil {
		return nil, fmt.Errorf("read filled pdf: %w", err)
	}
	if !IsPDF(out) {
		return nil, fmt.Errorf("%w: engine returned non-pdf output", ErrEngineUnavailable)
	}
	return out, nil
}

// do sends req and maps engine status codes onto package errors. On success
// the caller owns the response body.
func (e *HTTPEngine) do(req *http.Request) (*http.Response, error) {
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer resp.Body.Close()

	var ee engineError
	json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&ee)

	switch resp.StatusCode {
	case http.StatusUnprocessableEntity:
		return nil, ErrNoFormFields
	case http.StatusBadRequest:
		if ee.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrInvalidPDF, ee.Error)
		}
		return nil, ErrInvalidPDF
	default:
		return nil, fmt.Errorf("%w: status %d", ErrEngineUnavailable, resp.StatusCode)
	}
}
