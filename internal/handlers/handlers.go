// Package handlers exposes the inference pipeline, the audit log and the
// model registry over HTTP.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Brownie44l1/cxr-api/internal/audit"
	"github.com/Brownie44l1/cxr-api/internal/explain"
	"github.com/Brownie44l1/cxr-api/internal/feed"
	"github.com/Brownie44l1/cxr-api/internal/inference"
	"github.com/Brownie44l1/cxr-api/internal/model"
	"github.com/Brownie44l1/cxr-api/internal/registry"
	"github.com/Brownie44l1/cxr-api/internal/repository"
	"github.com/Brownie44l1/cxr-api/internal/triage"
)

// multipartOverhead is allowed on top of the file limit for the form
// envelope and other fields.
const multipartOverhead = 1 << 20

var allowedTypes = map[string]bool{
	"image/jpeg": true,
	"image/jpg":  true,
	"image/png":  true,
}

// ServiceSource leases the active inference service. A leased service stays
// open until release is called, even if a reload swaps it out.
type ServiceSource interface {
	Acquire() (svc *inference.Service, release func(), err error)
	Reload(ctx context.Context) error
}

// AuditLog receives finished predictions and serves them back.
type AuditLog interface {
	Submit(e audit.Entry) bool
	List(ctx context.Context, filter repository.PredictionFilter) ([]repository.PredictionRecord, int, error)
}

// ModelRegistry manages checkpoints.
type ModelRegistry interface {
	Register(ctx context.Context, req registry.RegisterRequest) (*repository.ModelRecord, error)
	List(ctx context.Context) ([]repository.ModelRecord, error)
	Get(ctx context.Context, id string) (*repository.ModelRecord, error)
	Active(ctx context.Context) (*repository.ModelRecord, error)
	Activate(ctx context.Context, id string) error
}

// Publisher broadcasts triage events.
type Publisher interface {
	Publish(e feed.Event)
}

type Options struct {
	DefaultThreshold float64
	MaxUploadBytes   int64
}

type Handler struct {
	services  ServiceSource
	audit     AuditLog
	registry  ModelRegistry
	publisher Publisher
	opts      Options
	logger    *slog.Logger
}

// NewHandler wires the handlers. audit, registry and publisher may be nil;
// the matching endpoints then report the feature as disabled.
func NewHandler(services ServiceSource, auditLog AuditLog, reg ModelRegistry, publisher Publisher, opts Options, logger *slog.Logger) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	return &Handler{
		services:  services,
		audit:     auditLog,
		registry:  reg,
		publisher: publisher,
		opts:      opts,
		logger:    logger.With("component", "http"),
	}
}

type modelSummary struct {
	Name       string  `json:"name"`
	ModelID    string  `json:"model_id"`
	NumClasses int     `json:"num_classes"`
	Threshold  float64 `json:"threshold"`
}

type predictResponse struct {
	Success         bool             `json:"success"`
	RequestID       string           `json:"request_id"`
	Predictions     []triage.Finding `json:"predictions"`
	UrgencyTier     string           `json:"urgency_tier"`
	InferenceTimeMS float64          `json:"inference_time_ms"`
	GradCAM         *explain.Result  `json:"gradcam,omitempty"`
	ModelInfo       modelSummary     `json:"model_info"`
}

type gradCAMResponse struct {
	Success          bool            `json:"success"`
	RequestID        string          `json:"request_id"`
	GradCAM          *explain.Result `json:"gradcam"`
	GenerationTimeMS float64         `json:"generation_time_ms"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	svc, release, err := h.services.Acquire()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	defer release()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"service": "cxr-api",
		"model":   svc.Info(),
	})
}

func (h *Handler) ModelInfo(w http.ResponseWriter, r *http.Request) {
	svc, release, err := h.services.Acquire()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer release()
	writeJSON(w, http.StatusOK, svc.Info())
}

// Predict classifies one uploaded radiograph.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	h.predictUpload(w, r, false)
}

// PredictWithGradCAM classifies and explains one radiograph in one call.
func (h *Handler) PredictWithGradCAM(w http.ResponseWriter, r *http.Request) {
	h.predictUpload(w, r, true)
}

func (h *Handler) predictUpload(w http.ResponseWriter, r *http.Request, withCAM bool) {
	svc, release, err := h.services.Acquire()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer release()
	up, err := h.readUpload(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	threshold, err := h.threshold(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var target explain.Target
	if withCAM {
		if !svc.Explainable() {
			h.fail(w, r, inference.ErrExplainUnavailable)
			return
		}
		if target, err = parseTarget(r); err != nil {
			h.fail(w, r, err)
			return
		}
	}

	start := time.Now()
	pred, err := svc.Predict(r.Context(), up.data, threshold)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := h.predictionBody(r, svc, pred)
	if withCAM {
		cam, err := svc.ExplainInput(r.Context(), pred.Input, target)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		resp.GradCAM = cam
	}
	resp.InferenceTimeMS = millis(time.Since(start))

	h.observe(r, pred, up.data, pred.Input.Format)
	writeJSON(w, http.StatusOK, resp)
}

// PredictTensor classifies a pre-normalized NCHW tensor.
func (h *Handler) PredictTensor(w http.ResponseWriter, r *http.Request) {
	svc, release, err := h.services.Acquire()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer release()
	threshold, err := h.threshold(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.tensorBodyLimit(svc))
	var req model.PredictionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if statusFor(err) == http.StatusRequestEntityTooLarge {
			h.fail(w, r, err)
			return
		}
		h.fail(w, r, &badRequestError{msg: "invalid JSON body: " + err.Error()})
		return
	}
	if want := svc.Contract().TensorLen(); len(req.Image) != want {
		h.fail(w, r, &badRequestError{msg: fmt.Sprintf("expected %d values, got %d", want, len(req.Image))})
		return
	}

	pred, err := svc.PredictTensor(r.Context(), req.Image, threshold)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := h.predictionBody(r, svc, pred)
	resp.InferenceTimeMS = millis(pred.Elapsed)

	h.observe(r, pred, nil, "")
	writeJSON(w, http.StatusOK, resp)
}

// GradCAM renders an overlay without the triage response.
func (h *Handler) GradCAM(w http.ResponseWriter, r *http.Request) {
	svc, release, err := h.services.Acquire()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer release()
	if !svc.Explainable() {
		h.fail(w, r, inference.ErrExplainUnavailable)
		return
	}
	up, err := h.readUpload(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	target, err := parseTarget(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	start := time.Now()
	cam, err := svc.Explain(r.Context(), up.data, target)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, gradCAMResponse{
		Success:          true,
		RequestID:        RequestID(r.Context()),
		GradCAM:          cam,
		GenerationTimeMS: millis(time.Since(start)),
	})
}

func (h *Handler) predictionBody(r *http.Request, svc *inference.Service, pred *inference.Prediction) *predictResponse {
	info := svc.Info()
	return &predictResponse{
		Success:     true,
		RequestID:   RequestID(r.Context()),
		Predictions: pred.Case.Findings,
		UrgencyTier: string(pred.Case.Urgency),
		ModelInfo: modelSummary{
			Name:       info.ModelType,
			ModelID:    pred.ModelID,
			NumClasses: info.NumClasses,
			Threshold:  pred.Threshold,
		},
	}
}

// observe hands a finished prediction to the audit log and the live feed.
// Neither can fail the request.
func (h *Handler) observe(r *http.Request, pred *inference.Prediction, image []byte, format string) {
	id := RequestID(r.Context())
	now := time.Now().UTC()
	if h.audit != nil {
		h.audit.Submit(audit.Entry{
			RequestID: id,
			ModelID:   pred.ModelID,
			Image:     image,
			Format:    format,
			Case:      pred.Case,
			Threshold: pred.Threshold,
			CreatedAt: now,
		})
	}
	if h.publisher != nil {
		h.publisher.Publish(feed.Event{
			RequestID:   id,
			ModelID:     pred.ModelID,
			UrgencyTier: pred.Case.Urgency,
			Labels:      pred.Case.Labels(),
			CreatedAt:   now,
		})
	}
}

type upload struct {
	data        []byte
	filename    string
	contentType string
}

// readUpload pulls the "file" part out of a multipart form, enforcing the
// content type allow-list and the size limit.
func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) (*upload, error) {
	limit := h.opts.MaxUploadBytes
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	if err := r.ParseMultipartForm(limit); err != nil {
		if statusFor(err) == http.StatusRequestEntityTooLarge || strings.Contains(err.Error(), "request body too large") {
			return nil, &uploadTooLargeError{limit: limit}
		}
		return nil, &badRequestError{msg: "expected multipart form with a 'file' field: " + err.Error()}
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, &badRequestError{msg: "no image file provided, use 'file' as the form field name"}
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mediaType
	}
	if !allowedTypes[strings.ToLower(contentType)] {
		return nil, &badRequestError{msg: fmt.Sprintf("invalid file type %q, allowed: image/jpeg, image/jpg, image/png", contentType)}
	}

	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, &uploadTooLargeError{limit: limit}
	}
	if len(data) == 0 {
		return nil, &badRequestError{msg: "uploaded file is empty"}
	}
	h.requestLogger(r).Debug("upload received", "filename", header.Filename, "bytes", len(data), "content_type", contentType)
	return &upload{data: data, filename: header.Filename, contentType: contentType}, nil
}

// threshold reads ?threshold= (or the form field), falling back to the
// configured default.
func (h *Handler) threshold(r *http.Request) (float64, error) {
	raw := r.URL.Query().Get("threshold")
	if raw == "" && r.MultipartForm != nil {
		if v := r.MultipartForm.Value["threshold"]; len(v) > 0 {
			raw = v[0]
		}
	}
	if raw == "" {
		return h.opts.DefaultThreshold, nil
	}
	t, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", inference.ErrInvalidThreshold, raw)
	}
	if err := inference.ValidateThreshold(t); err != nil {
		return 0, err
	}
	return t, nil
}

// parseTarget accepts target_class (a label) or target_class_idx.
func parseTarget(r *http.Request) (explain.Target, error) {
	var target explain.Target
	target.Name = strings.TrimSpace(formOrQuery(r, "target_class"))
	if raw := strings.TrimSpace(formOrQuery(r, "target_class_idx")); raw != "" {
		idx, err := strconv.Atoi(raw)
		if err != nil {
			return target, &badRequestError{msg: fmt.Sprintf("target_class_idx %q is not an integer", raw)}
		}
		target.Index = &idx
	}
	return target, nil
}

func formOrQuery(r *http.Request, key string) string {
	if v := r.URL.Query().Get(key); v != "" {
		return v
	}
	if r.MultipartForm != nil {
		if v := r.MultipartForm.Value[key]; len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

// tensorBodyLimit bounds a JSON tensor body: every value fits in 32 bytes
// of text.
func (h *Handler) tensorBodyLimit(svc *inference.Service) int64 {
	return int64(svc.Contract().TensorLen())*32 + 1024
}

func millis(d time.Duration) float64 {
	return math.Round(float64(d.Microseconds())/10) / 100
}

func formatMB(n int64) string {
	return strconv.FormatFloat(float64(n)/(1<<20), 'f', -1, 64) + "MB"
}
