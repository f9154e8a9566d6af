package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/Brownie44l1/cxr-api/internal/registry"
	"github.com/Brownie44l1/cxr-api/internal/repository"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
	activateTimeout   = 2 * time.Minute
)

var (
	errAuditDisabled    = errors.New("audit log is disabled")
	errRegistryDisabled = errors.New("model registry is disabled")
)

type auditRecord struct {
	ID          string          `json:"id"`
	RequestID   string          `json:"request_id"`
	ModelID     string          `json:"model_id"`
	ImagePath   string          `json:"image_path,omitempty"`
	UrgencyTier string          `json:"urgency_tier"`
	Threshold   float64         `json:"threshold"`
	Predictions json.RawMessage `json:"predictions"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Audit lists stored predictions, newest first.
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusNotFound, errAuditDisabled.Error())
		return
	}
	filter, err := parseAuditFilter(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	records, total, err := h.audit.List(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]auditRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, auditRecord{
			ID:          rec.ID,
			RequestID:   rec.RequestID,
			ModelID:     rec.ModelID,
			ImagePath:   rec.ImagePath,
			UrgencyTier: rec.UrgencyTier,
			Threshold:   rec.Threshold,
			Predictions: json.RawMessage(rec.ResultsJSON),
			CreatedAt:   rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"total":   total,
		"limit":   filter.Limit,
		"offset":  filter.Offset,
		"records": out,
	})
}

func parseAuditFilter(r *http.Request) (repository.PredictionFilter, error) {
	q := r.URL.Query()
	filter := repository.PredictionFilter{
		RequestID:   q.Get("request_id"),
		ModelID:     q.Get("model_id"),
		UrgencyTier: q.Get("urgency"),
		Limit:       defaultAuditLimit,
	}
	switch filter.UrgencyTier {
	case "", "critical", "moderate", "routine":
	default:
		return filter, &badRequestError{msg: fmt.Sprintf("unknown urgency %q", filter.UrgencyTier)}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return filter, &badRequestError{msg: "limit must be a positive integer"}
		}
		filter.Limit = min(n, maxAuditLimit)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, &badRequestError{msg: "offset must be a non-negative integer"}
		}
		filter.Offset = n
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, &badRequestError{msg: "since must be an RFC3339 timestamp"}
		}
		filter.Since = t
	}
	return filter, nil
}

func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	if h.registry == nil {
		writeError(w, http.StatusNotFound, errRegistryDisabled.Error())
		return
	}
	models, err := h.registry.List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "models": models})
}

// RegisterModel stores a new checkpoint and, when asked, activates it.
func (h *Handler) RegisterModel(w http.ResponseWriter, r *http.Request) {
	if h.registry == nil {
		writeError(w, http.StatusNotFound, errRegistryDisabled.Error())
		return
	}
	var req registry.RegisterRequest
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, r, &badRequestError{msg: "invalid JSON body: " + err.Error()})
		return
	}

	activate := req.Activate
	req.Activate = false
	rec, err := h.registry.Register(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if activate {
		if rec, err = h.activate(r, rec.ID); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "model": rec})
}

// ActivateModel switches the active checkpoint and hot-reloads the service.
func (h *Handler) ActivateModel(w http.ResponseWriter, r *http.Request) {
	if h.registry == nil {
		writeError(w, http.StatusNotFound, errRegistryDisabled.Error())
		return
	}
	rec, err := h.activate(r, mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "model": rec})
}

// activate marks id active and reloads. If the new checkpoint fails to
// load, the previously active record is restored. The work outlives the
// request so a client hanging up cannot abort a load halfway.
func (h *Handler) activate(r *http.Request, id string) (*repository.ModelRecord, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), activateTimeout)
	defer cancel()
	rec, err := h.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	prev, err := h.registry.Active(ctx)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	if err := h.registry.Activate(ctx, id); err != nil {
		return nil, err
	}
	if err := h.services.Reload(ctx); err != nil {
		if prev != nil && prev.ID != id {
			if rbErr := h.registry.Activate(ctx, prev.ID); rbErr != nil {
				h.requestLogger(r).Error("failed to restore previous model", "model_id", prev.ID, "error", rbErr)
			}
		}
		return nil, fmt.Errorf("activate %s: %w", id, err)
	}
	rec.IsActive = true
	h.requestLogger(r).Info("model activated", "model_id", id, "version", rec.VersionName)
	return rec, nil
}
