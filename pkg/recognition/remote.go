package recognition

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrCodeEU/facegate/pkg/logging"
)

// RemoteConfig configures a RemoteExtractor.
type RemoteConfig struct {
	URL       string
	Timeout   time.Duration
	Dimension int
	Width     int
	Height    int
}

// RemoteExtractor delegates embedding extraction to an inference service.
// The crop is rendered to JPEG and posted as multipart form field "file"
// to <URL>/embed; the service answers {"status":"ok","embedding":[...]}.
type RemoteExtractor struct {
	cfg        RemoteConfig
	httpClient *http.Client
}

type embedResponse struct {
	Status    string    `json:"status"`
	Embedding []float32 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

type infoResponse struct {
	Status  string `json:"status"`
	Model   string `json:"model"`
	Backend string `json:"backend"`
}

// NewRemoteExtractor creates a client for the inference service.
func NewRemoteExtractor(cfg RemoteConfig) *RemoteExtractor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &RemoteExtractor{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Dimension returns the declared embedding length.
func (r *RemoteExtractor) Dimension() int { return r.cfg.Dimension }

// InputSize returns the crop size the service expects.
func (r *RemoteExtractor) InputSize() (int, int) { return r.cfg.Width, r.cfg.Height }

// Ping checks that the service is reachable and ready.
func (r *RemoteExtractor) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.URL+"/info", nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return r.unavailable("connection failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return r.unavailable(fmt.Sprintf("status %d", resp.StatusCode), nil)
	}

	var info infoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return r.unavailable("invalid info response", err)
	}
	if info.Status != "ok" {
		return r.unavailable("service status "+info.Status, nil)
	}

	logging.Component("recognition").WithFields(logging.Fields{
		"model":   info.Model,
		"backend": info.Backend,
	}).Debug("Remote inference service ready")
	return nil
}

// Extract posts the crop and returns the service's embedding.
func (r *RemoteExtractor) Extract(ctx context.Context, crop *AlignedCrop) (Embedding, error) {
	if crop == nil {
		return nil, &ExtractionError{Kind: ErrMalformedCrop, Backend: "remote", Detail: "nil crop"}
	}
	if w, h := r.InputSize(); w > 0 && h > 0 && (crop.Width() != w || crop.Height() != h) {
		return nil, &ExtractionError{
			Kind:    ErrMalformedCrop,
			Backend: "remote",
			Detail:  fmt.Sprintf("crop is %dx%d, model expects %dx%d", crop.Width(), crop.Height(), w, h),
		}
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "crop.jpg")
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if err := jpeg.Encode(part, crop.Image(), &jpeg.Options{Quality: 95}); err != nil {
		return nil, fmt.Errorf("failed to encode crop: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close form writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.URL+"/embed", body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := r.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, r.unavailable("request failed", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return nil, r.unavailable(fmt.Sprintf("status %d", resp.StatusCode), nil)
	case http.StatusUnprocessableEntity:
		return nil, &ExtractionError{Kind: ErrNoFaceInCrop, Backend: "remote", Detail: readDetail(resp.Body)}
	default:
		return nil, &ExtractionError{
			Kind:    ErrMalformedCrop,
			Backend: "remote",
			Detail:  fmt.Sprintf("status %d: %s", resp.StatusCode, readDetail(resp.Body)),
		}
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &ExtractionError{Kind: ErrMalformedCrop, Backend: "remote", Detail: "invalid response", Err: err}
	}
	if out.Status != "" && out.Status != "ok" {
		return nil, r.unavailable("service status "+out.Status+" "+out.Error, nil)
	}
	if r.cfg.Dimension > 0 && len(out.Embedding) != r.cfg.Dimension {
		return nil, &ExtractionError{
			Kind:    ErrMalformedCrop,
			Backend: "remote",
			Detail:  fmt.Sprintf("service returned %d values, want %d", len(out.Embedding), r.cfg.Dimension),
		}
	}

	return Embedding(out.Embedding), nil
}

func (r *RemoteExtractor) unavailable(detail string, err error) error {
	return &ExtractionError{Kind: ErrModelUnavailable, Backend: "remote", Detail: detail, Err: err}
}

func readDetail(body io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(body, 512))
	return strings.TrimSpace(string(b))
}
