package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/cxr-api/internal/audit"
	"github.com/Brownie44l1/cxr-api/internal/explain"
	"github.com/Brownie44l1/cxr-api/internal/feed"
	"github.com/Brownie44l1/cxr-api/internal/inference"
	"github.com/Brownie44l1/cxr-api/internal/model"
	"github.com/Brownie44l1/cxr-api/internal/pathology"
	"github.com/Brownie44l1/cxr-api/internal/preprocess"
	"github.com/Brownie44l1/cxr-api/internal/registry"
	"github.com/Brownie44l1/cxr-api/internal/repository"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type stubScorer struct{ raw []float32 }

func (s stubScorer) Infer(ctx context.Context, input []float32) ([]float32, error) {
	out := make([]float32, len(s.raw))
	copy(out, s.raw)
	return out, nil
}

type stubAttributor struct{ raw []float32 }

func (s stubAttributor) Attribute(ctx context.Context, input []float32, target pathology.Class) (*model.Attribution, error) {
	return &model.Attribution{
		Heatmap: model.Heatmap{Width: 2, Height: 2, Values: []float32{0, 1, 2, 3}},
		Logits:  s.raw,
	}, nil
}

func (s stubAttributor) TargetLayer() string { return "features.denseblock4" }

type stubRenderer struct{}

func (stubRenderer) Render(base image.Image, heat model.Heatmap) ([]byte, error) {
	return []byte("png-bytes"), nil
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
	records []repository.PredictionRecord
	filter  repository.PredictionFilter
}

func (f *fakeAudit) Submit(e audit.Entry) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return true
}

func (f *fakeAudit) List(ctx context.Context, filter repository.PredictionFilter) ([]repository.PredictionRecord, int, error) {
	f.filter = filter
	return f.records, len(f.records), nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []feed.Event
}

func (f *fakePublisher) Publish(e feed.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func pneumothoraxScores() []float32 {
	raw := make([]float32, pathology.NumClasses)
	for i := range raw {
		raw[i] = -3
	}
	raw[pathology.Pneumothorax] = 2
	return raw
}

func newService(id string, explainable bool) *inference.Service {
	scorer := stubScorer{raw: pneumothoraxScores()}
	var explainer *explain.Explainer
	if explainable {
		explainer = explain.NewExplainer(scorer, stubAttributor{raw: pneumothoraxScores()}, stubRenderer{})
	}
	info := model.Info{ModelID: id, ModelType: "DenseNet121", NumClasses: pathology.NumClasses, Explainable: explainable}
	return inference.NewService(id, preprocess.NewNormalizer(preprocess.DefaultContract()), scorer, explainer, info)
}

type env struct {
	handler   http.Handler
	holder    *inference.Holder
	audit     *fakeAudit
	publisher *fakePublisher
}

func newEnv(t *testing.T, svc *inference.Service, maxUpload int64) *env {
	t.Helper()
	holder := inference.NewHolder(func(ctx context.Context) (*inference.Service, error) {
		return nil, errors.New("no checkpoint configured")
	}, discard())
	if svc != nil {
		holder.Set(svc)
	}
	t.Cleanup(holder.Close)

	e := &env{holder: holder, audit: &fakeAudit{}, publisher: &fakePublisher{}}
	h := NewHandler(holder, e.audit, nil, e.publisher, Options{DefaultThreshold: 0.3, MaxUploadBytes: maxUpload}, discard())
	e.handler = NewRouter(h, nil, []string{"*"}, discard())
	return e
}

func xray(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 300, 260))
	for i := range img.Pix {
		img.Pix[i] = uint8(i % 251)
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func multipartRequest(t *testing.T, target, contentType string, data []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="cxr.png"`)
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func serve(e *env, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	return rec, body
}

func TestHealth(t *testing.T) {
	rec, body := serve(newEnv(t, nil, 0), httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", body["status"])

	rec, body = serve(newEnv(t, newService("m1", false), 0), httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "m1", body["model"].(map[string]any)["model_id"])
}

func TestModelInfoWithoutModel(t *testing.T) {
	rec, body := serve(newEnv(t, nil, 0), httptest.NewRequest(http.MethodGet, "/api/model/info", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, false, body["success"])
}

func TestPredict(t *testing.T) {
	e := newEnv(t, newService("m1", false), 0)
	rec, body := serve(e, multipartRequest(t, "/api/predict", "image/png", xray(t), nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, true, body["success"])
	assert.Equal(t, "critical", body["urgency_tier"])
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
	assert.Equal(t, rec.Header().Get(RequestIDHeader), body["request_id"])

	preds := body["predictions"].([]any)
	require.Len(t, preds, 1)
	top := preds[0].(map[string]any)
	assert.Equal(t, "Pneumothorax", top["label"])
	assert.Equal(t, 88.08, top["confidence_pct"])
	assert.Equal(t, "high", top["severity"])
	assert.Equal(t, "critical", top["urgency_tier"])

	info := body["model_info"].(map[string]any)
	assert.Equal(t, "DenseNet121", info["name"])
	assert.EqualValues(t, 13, info["num_classes"])
	assert.Equal(t, 0.3, info["threshold"])

	require.Len(t, e.audit.entries, 1)
	assert.Equal(t, "png", e.audit.entries[0].Format)
	assert.Equal(t, "m1", e.audit.entries[0].ModelID)
	require.Len(t, e.publisher.events, 1)
	assert.Equal(t, []string{"Pneumothorax"}, e.publisher.events[0].Labels)
	assert.Equal(t, e.audit.entries[0].RequestID, e.publisher.events[0].RequestID)
}

func TestPredictThresholdOverride(t *testing.T) {
	e := newEnv(t, newService("m1", false), 0)
	rec, body := serve(e, multipartRequest(t, "/api/predict?threshold=0.9", "image/jpeg", xray(t), nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "routine", body["urgency_tier"])
	assert.Empty(t, body["predictions"])
	assert.NotNil(t, body["predictions"])
	assert.Equal(t, 0.9, body["model_info"].(map[string]any)["threshold"])
}

func TestPredictRejections(t *testing.T) {
	cases := []struct {
		name        string
		target      string
		contentType string
		data        []byte
		maxUpload   int64
		status      int
	}{
		{"threshold above one", "/api/predict?threshold=1.5", "image/png", nil, 0, http.StatusBadRequest},
		{"threshold not a number", "/api/predict?threshold=high", "image/png", nil, 0, http.StatusBadRequest},
		{"unsupported type", "/api/predict", "image/gif", nil, 0, http.StatusBadRequest},
		{"not an image", "/api/predict", "image/png", []byte("definitely not a png"), 0, http.StatusBadRequest},
		{"too large", "/api/predict", "image/png", bytes.Repeat([]byte{0x89}, 4096), 1024, http.StatusRequestEntityTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t, newService("m1", false), tc.maxUpload)
			data := tc.data
			if data == nil {
				data = xray(t)
			}
			rec, body := serve(e, multipartRequest(t, tc.target, tc.contentType, data, nil))
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			assert.Equal(t, false, body["success"])
			assert.NotEmpty(t, body["error"])
			assert.Empty(t, e.audit.entries)
			assert.Empty(t, e.publisher.events)
		})
	}
}

func TestPredictWithoutModel(t *testing.T) {
	rec, _ := serve(newEnv(t, nil, 0), multipartRequest(t, "/api/predict", "image/png", xray(t), nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPredictMissingFile(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/predict", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	rec, _ := serve(newEnv(t, newService("m1", false), 0), req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPredictTensor(t *testing.T) {
	e := newEnv(t, newService("m1", false), 0)

	tensor := make([]float32, preprocess.DefaultContract().TensorLen())
	raw, err := json.Marshal(model.PredictionRequest{Image: tensor})
	require.NoError(t, err)
	rec, body := serve(e, httptest.NewRequest(http.MethodPost, "/api/predict/tensor", bytes.NewReader(raw)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "critical", body["urgency_tier"])
	require.Len(t, e.audit.entries, 1)
	assert.Empty(t, e.audit.entries[0].Image)

	rec, body = serve(e, httptest.NewRequest(http.MethodPost, "/api/predict/tensor", strings.NewReader(`{"image":[1,2,3]}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["error"], "expected 150528 values, got 3")

	rec, _ = serve(e, httptest.NewRequest(http.MethodPost, "/api/predict/tensor", strings.NewReader(`{"image":`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGradCAM(t *testing.T) {
	e := newEnv(t, newService("m1", true), 0)

	rec, body := serve(e, multipartRequest(t, "/api/gradcam", "image/png", xray(t), nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cam := body["gradcam"].(map[string]any)
	assert.Equal(t, "Pneumothorax", cam["target_class"])
	assert.EqualValues(t, pathology.Pneumothorax, cam["target_class_idx"])
	assert.Equal(t, 0.8808, cam["confidence"])
	assert.True(t, strings.HasPrefix(cam["heatmap_base64"].(string), "data:image/png;base64,"))
	assert.Len(t, cam["all_predictions"], pathology.NumClasses)
	assert.Contains(t, body, "generation_time_ms")
	assert.Empty(t, e.audit.entries)

	rec, body = serve(e, multipartRequest(t, "/api/gradcam", "image/png", xray(t), map[string]string{"target_class": "Edema"}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Edema", body["gradcam"].(map[string]any)["target_class"])

	rec, body = serve(e, multipartRequest(t, "/api/gradcam?target_class_idx=1", "image/png", xray(t), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Cardiomegaly", body["gradcam"].(map[string]any)["target_class"])

	rec, _ = serve(e, multipartRequest(t, "/api/gradcam", "image/png", xray(t), map[string]string{"target_class": "Hernia"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = serve(e, multipartRequest(t, "/api/gradcam?target_class_idx=13", "image/png", xray(t), nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPredictWithGradCAM(t *testing.T) {
	e := newEnv(t, newService("m1", true), 0)
	rec, body := serve(e, multipartRequest(t, "/api/predict-with-gradcam", "image/png", xray(t), map[string]string{"threshold": "0.5"}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "critical", body["urgency_tier"])
	assert.Equal(t, 0.5, body["model_info"].(map[string]any)["threshold"])
	assert.Equal(t, "Pneumothorax", body["gradcam"].(map[string]any)["target_class"])
	assert.Len(t, e.audit.entries, 1)
}

func TestGradCAMUnavailable(t *testing.T) {
	e := newEnv(t, newService("m1", false), 0)
	rec, _ := serve(e, multipartRequest(t, "/api/gradcam", "image/png", xray(t), nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec, _ = serve(e, multipartRequest(t, "/api/predict-with-gradcam", "image/png", xray(t), nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, e.audit.entries)
}

func TestAuditEndpoint(t *testing.T) {
	e := newEnv(t, nil, 0)
	e.audit.records = []repository.PredictionRecord{
		{ID: "r1", RequestID: "req-9", ModelID: "m1", UrgencyTier: "critical", ResultsJSON: `[{"label":"Pneumothorax"}]`},
	}

	rec, body := serve(e, httptest.NewRequest(http.MethodGet, "/api/audit?urgency=critical&limit=1000&offset=5&model_id=m1", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, body["total"])
	records := body["records"].([]any)
	require.Len(t, records, 1)
	first := records[0].(map[string]any)
	assert.Equal(t, "r1", first["id"])
	assert.Equal(t, "req-9", first["request_id"])
	assert.Equal(t, "Pneumothorax", first["predictions"].([]any)[0].(map[string]any)["label"])

	assert.Equal(t, repository.PredictionFilter{ModelID: "m1", UrgencyTier: "critical", Limit: maxAuditLimit, Offset: 5}, e.audit.filter)

	rec, _ = serve(e, httptest.NewRequest(http.MethodGet, "/api/audit?request_id=req-9", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-9", e.audit.filter.RequestID)

	rec, _ = serve(e, httptest.NewRequest(http.MethodGet, "/api/audit?urgency=urgent", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = serve(e, httptest.NewRequest(http.MethodGet, "/api/audit?limit=-1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type fakeRegistry struct {
	models map[string]*repository.ModelRecord
	active string
}

func (f *fakeRegistry) Register(ctx context.Context, req registry.RegisterRequest) (*repository.ModelRecord, error) {
	if req.VersionName == "" {
		return nil, &registry.ValidationError{Field: "version_name", Reason: "required"}
	}
	rec := &repository.ModelRecord{ID: "id-" + req.VersionName, VersionName: req.VersionName}
	f.models[rec.ID] = rec
	return rec, nil
}

func (f *fakeRegistry) List(ctx context.Context) ([]repository.ModelRecord, error) {
	var out []repository.ModelRecord
	for _, m := range f.models {
		out = append(out, *m)
	}
	return out, nil
}

func (f *fakeRegistry) Get(ctx context.Context, id string) (*repository.ModelRecord, error) {
	m, ok := f.models[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	rec := *m
	return &rec, nil
}

func (f *fakeRegistry) Active(ctx context.Context) (*repository.ModelRecord, error) {
	if f.active == "" {
		return nil, repository.ErrNotFound
	}
	return f.Get(ctx, f.active)
}

func (f *fakeRegistry) Activate(ctx context.Context, id string) error {
	if _, ok := f.models[id]; !ok {
		return repository.ErrNotFound
	}
	f.active = id
	return nil
}

func TestActivateModel(t *testing.T) {
	reg := &fakeRegistry{models: map[string]*repository.ModelRecord{
		"good": {ID: "good", VersionName: "v1"},
		"bad":  {ID: "bad", VersionName: "v2"},
	}, active: "good"}

	holder := inference.NewHolder(func(ctx context.Context) (*inference.Service, error) {
		if reg.active == "bad" {
			return nil, fmt.Errorf("corrupt checkpoint")
		}
		return newService(reg.active, false), nil
	}, discard())
	t.Cleanup(holder.Close)
	require.NoError(t, holder.Reload(context.Background()))

	h := NewHandler(holder, nil, reg, nil, Options{DefaultThreshold: 0.3}, discard())
	router := NewRouter(h, nil, []string{"*"}, discard())
	e := &env{handler: router}

	rec, _ := serve(e, httptest.NewRequest(http.MethodPost, "/api/models/bad/activate", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "good", reg.active)
	svc, err := holder.Current()
	require.NoError(t, err)
	assert.Equal(t, "good", svc.ModelID())

	rec, _ = serve(e, httptest.NewRequest(http.MethodPost, "/api/models/missing/activate", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body := serve(e, httptest.NewRequest(http.MethodPost, "/api/models", strings.NewReader(`{"version_name":"v3","activate":true}`)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["model"].(map[string]any)["is_active"])
	svc, err = holder.Current()
	require.NoError(t, err)
	assert.Equal(t, "id-v3", svc.ModelID())

	rec, _ = serve(e, httptest.NewRequest(http.MethodPost, "/api/models", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = serve(e, httptest.NewRequest(http.MethodGet, "/api/models", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["models"], 3)
}

func TestActivateSurvivesClientDisconnect(t *testing.T) {
	reg := &fakeRegistry{models: map[string]*repository.ModelRecord{
		"v1": {ID: "v1", VersionName: "v1"},
		"v2": {ID: "v2", VersionName: "v2"},
	}, active: "v1"}

	holder := inference.NewHolder(func(ctx context.Context) (*inference.Service, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return newService(reg.active, false), nil
	}, discard())
	t.Cleanup(holder.Close)
	require.NoError(t, holder.Reload(context.Background()))

	h := NewHandler(holder, nil, reg, nil, Options{DefaultThreshold: 0.3}, discard())
	e := &env{handler: NewRouter(h, nil, []string{"*"}, discard())}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/models/v2/activate", nil).WithContext(ctx)

	rec, _ := serve(e, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "v2", reg.active)
	svc, err := holder.Current()
	require.NoError(t, err)
	assert.Equal(t, "v2", svc.ModelID())
}

func TestDisabledFeatures(t *testing.T) {
	h := NewHandler(inference.NewHolder(nil, discard()), nil, nil, nil, Options{}, discard())
	e := &env{handler: NewRouter(h, nil, nil, discard())}

	rec, _ := serve(e, httptest.NewRequest(http.MethodGet, "/api/audit", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = serve(e, httptest.NewRequest(http.MethodGet, "/api/models", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = serve(e, httptest.NewRequest(http.MethodGet, "/api/predict", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
